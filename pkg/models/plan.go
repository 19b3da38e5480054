package models

import "time"

// EdgeKind classifies a dependency edge between two task units.
type EdgeKind string

const (
	// EdgeSequential means the downstream task must wait for the upstream task.
	EdgeSequential EdgeKind = "sequential"
	// EdgeParallelSafe means the two tasks are ordered but may overlap safely.
	EdgeParallelSafe EdgeKind = "parallel_safe"
	// EdgeConditional means the downstream task runs only if the upstream
	// task's expected outcome holds.
	EdgeConditional EdgeKind = "conditional"
)

// Valid returns true if the edge kind is a known value.
func (k EdgeKind) Valid() bool {
	switch k {
	case EdgeSequential, EdgeParallelSafe, EdgeConditional:
		return true
	default:
		return false
	}
}

// DependencyEdge is a directed edge in a plan's task graph.
// The edge set over a plan's task units must form a DAG.
type DependencyEdge struct {
	// FromTaskID is the upstream task that must complete first.
	FromTaskID string `json:"from_task_id"`
	// ToTaskID is the downstream task that depends on it.
	ToTaskID string `json:"to_task_id"`
	// Kind classifies the dependency.
	Kind EdgeKind `json:"kind"`
}

// TaskUnit is the smallest independently assignable unit of work
// within a plan. Task units are immutable once created.
type TaskUnit struct {
	// ID is the unique identifier for this task unit.
	ID string `json:"id"`
	// PlanID is the ID of the owning plan.
	PlanID string `json:"plan_id"`
	// Description is what the task should accomplish.
	Description string `json:"description"`
	// RequiredCapabilities lists the capability tags an agent must
	// declare to be eligible for this task.
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
	// EstimatedDuration is the expected execution time.
	EstimatedDuration time.Duration `json:"estimated_duration"`
	// Preconditions lists conditions that must hold before execution.
	Preconditions []string `json:"preconditions,omitempty"`
	// ExpectedOutcome describes what a successful execution produces.
	ExpectedOutcome string `json:"expected_outcome,omitempty"`
}

// RiskLevel buckets a risk score for reporting.
type RiskLevel string

const (
	// RiskLow indicates a plan unlikely to need intervention.
	RiskLow RiskLevel = "low"
	// RiskMedium indicates a plan with known failure modes.
	RiskMedium RiskLevel = "medium"
	// RiskHigh indicates a plan that should carry contingencies.
	RiskHigh RiskLevel = "high"
)

// Valid returns true if the risk level is a known value.
func (l RiskLevel) Valid() bool {
	switch l {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	default:
		return false
	}
}

// RiskFactor is one weighted contribution to a risk assessment.
type RiskFactor struct {
	// Name identifies the factor (complexity, constraint_violations, resource_scarcity).
	Name string `json:"name"`
	// Weight is the factor's weight in the aggregate score.
	Weight float64 `json:"weight"`
	// Value is the normalized 0..1 factor value.
	Value float64 `json:"value"`
}

// RiskAssessment is the planner's aggregate risk judgement for a plan.
type RiskAssessment struct {
	// Score is the weighted sum over all factors, 0..1.
	Score float64 `json:"score"`
	// Level buckets the score for reporting.
	Level RiskLevel `json:"level"`
	// Factors records each contribution for later inspection.
	Factors []RiskFactor `json:"factors,omitempty"`
}

// ContingencyPlan names a fallback for a high-risk task unit.
type ContingencyPlan struct {
	// TaskID is the task unit the contingency covers.
	TaskID string `json:"task_id"`
	// Trigger describes the condition that activates the fallback.
	Trigger string `json:"trigger"`
	// Fallback is the substitute task unit to run instead.
	Fallback TaskUnit `json:"fallback"`
}

// TaskPlan is an ordered, dependency-aware decomposition of an objective.
// A plan is read-only after creation; major replanning replaces the plan
// rather than mutating it. The only permitted change is contingency
// substitution on task failure.
type TaskPlan struct {
	// ID is the unique identifier for this plan.
	ID string `json:"id"`
	// ObjectiveID is the ID of the objective this plan realizes.
	ObjectiveID string `json:"objective_id"`
	// Tasks is the ordered sequence of task units.
	Tasks []TaskUnit `json:"tasks"`
	// Edges is the dependency edge set over Tasks. Must be acyclic.
	Edges []DependencyEdge `json:"edges,omitempty"`
	// EstimatedDuration is the aggregate duration estimate along the
	// critical path.
	EstimatedDuration time.Duration `json:"estimated_duration"`
	// Risk is the planner's risk assessment.
	Risk RiskAssessment `json:"risk"`
	// Contingencies lists fallbacks for task units above the risk threshold.
	Contingencies []ContingencyPlan `json:"contingencies,omitempty"`
	// CreatedAt is when the plan was generated.
	CreatedAt time.Time `json:"created_at"`
}

// Task returns the task unit with the given ID, or nil if not present.
func (p *TaskPlan) Task(id string) *TaskUnit {
	for i := range p.Tasks {
		if p.Tasks[i].ID == id {
			return &p.Tasks[i]
		}
	}
	return nil
}

// ContingencyFor returns the contingency covering the given task unit,
// or nil if none exists.
func (p *TaskPlan) ContingencyFor(taskID string) *ContingencyPlan {
	for i := range p.Contingencies {
		if p.Contingencies[i].TaskID == taskID {
			return &p.Contingencies[i]
		}
	}
	return nil
}
