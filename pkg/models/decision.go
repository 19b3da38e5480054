package models

import "time"

// DecisionType classifies the scope of a decision.
type DecisionType string

const (
	// DecisionStrategic decisions shape the overall plan.
	DecisionStrategic DecisionType = "strategic"
	// DecisionTactical decisions select among approaches within a task.
	DecisionTactical DecisionType = "tactical"
	// DecisionOperational decisions pick the next concrete action.
	DecisionOperational DecisionType = "operational"
	// DecisionReactive decisions respond to failures or new information.
	DecisionReactive DecisionType = "reactive"
)

// Valid returns true if the decision type is a known value.
func (t DecisionType) Valid() bool {
	switch t {
	case DecisionStrategic, DecisionTactical, DecisionOperational, DecisionReactive:
		return true
	default:
		return false
	}
}

// ActionKind is the closed set of execution shapes an action can take.
type ActionKind string

const (
	// ActionSequential actions run their steps one after another.
	ActionSequential ActionKind = "sequential"
	// ActionParallel actions fan their steps out concurrently.
	ActionParallel ActionKind = "parallel"
	// ActionAdaptive actions adjust their steps based on intermediate results.
	ActionAdaptive ActionKind = "adaptive"
)

// Valid returns true if the action kind is a known value.
func (k ActionKind) Valid() bool {
	switch k {
	case ActionSequential, ActionParallel, ActionAdaptive:
		return true
	default:
		return false
	}
}

// CandidateAction is one scored option considered at a decision point.
type CandidateAction struct {
	// ID identifies the candidate within its decision.
	ID string `json:"id"`
	// PatternID names the workflow pattern the action executes.
	PatternID string `json:"pattern_id"`
	// Kind is the action's execution shape.
	Kind ActionKind `json:"kind"`
	// Description is what the action does.
	Description string `json:"description"`
	// SuccessProbability is the estimated chance of success, 0..1.
	SuccessProbability float64 `json:"success_probability"`
	// ResourceCost is the normalized cost of running the action, 0..1.
	ResourceCost float64 `json:"resource_cost"`
	// DeadlineFit is how well the action fits the remaining time, 0..1.
	DeadlineFit float64 `json:"deadline_fit"`
	// Score is the combined selection score.
	Score float64 `json:"score"`
}

// Decision is one entry in a task's append-only decision log.
// Decisions are never mutated after creation; backtracking replays and
// branches from history rather than editing it.
type Decision struct {
	// ID is the unique identifier for this decision.
	ID string `json:"id"`
	// TaskID is the task unit this decision belongs to.
	TaskID string `json:"task_id"`
	// Timestamp is when the decision was made.
	Timestamp time.Time `json:"timestamp"`
	// Type classifies the decision's scope.
	Type DecisionType `json:"type"`
	// Selected is the chosen action.
	Selected CandidateAction `json:"selected"`
	// Confidence is the engine's confidence in the selection, 0..1.
	Confidence float64 `json:"confidence"`
	// Rejected holds the alternatives that were considered and not chosen,
	// in descending score order. Backtracking re-scores these.
	Rejected []CandidateAction `json:"rejected,omitempty"`
	// Rationale explains the selection.
	Rationale string `json:"rationale,omitempty"`
	// Terminal marks decisions that close the task (failed, cancelled).
	Terminal bool `json:"terminal,omitempty"`
}

// DecisionOutcome records how a decision's selected action turned out.
// Outcomes are appended separately so the decision itself stays immutable.
type DecisionOutcome struct {
	// DecisionID is the decision the outcome belongs to.
	DecisionID string `json:"decision_id"`
	// Success indicates whether the selected action succeeded.
	Success bool `json:"success"`
	// Detail carries diagnostic output from the action.
	Detail string `json:"detail,omitempty"`
	// ObservedAt is when the outcome was observed.
	ObservedAt time.Time `json:"observed_at"`
}
