// Package models defines the shared data model for the coordination core.
package models

import "time"

// Priority represents the urgency of an objective or message.
type Priority string

const (
	// PriorityLow indicates work that can wait.
	PriorityLow Priority = "low"
	// PriorityNormal is the default priority.
	PriorityNormal Priority = "normal"
	// PriorityHigh indicates work that should preempt normal work.
	PriorityHigh Priority = "high"
	// PriorityCritical indicates work that must run as soon as possible.
	PriorityCritical Priority = "critical"
)

// Valid returns true if the priority is a known value.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	default:
		return false
	}
}

// Weight returns a numeric weight for scoring. Higher is more urgent.
func (p Priority) Weight() float64 {
	switch p {
	case PriorityLow:
		return 0.25
	case PriorityNormal:
		return 0.5
	case PriorityHigh:
		return 0.75
	case PriorityCritical:
		return 1.0
	default:
		return 0.5
	}
}

// SuccessCriterion describes one condition that must hold for an
// objective to count as achieved.
type SuccessCriterion struct {
	// Description is a human-readable statement of the criterion.
	Description string `json:"description"`
	// Measurable indicates whether the criterion can be checked automatically.
	Measurable bool `json:"measurable"`
}

// Constraint restricts how an objective may be achieved.
type Constraint struct {
	// Description is a human-readable statement of the constraint.
	Description string `json:"description"`
	// Mandatory constraints make a plan infeasible when violated.
	// Non-mandatory constraints only raise the plan's risk score.
	Mandatory bool `json:"mandatory"`
}

// Objective is a top-level goal supplied by a caller.
// An objective is immutable once a plan has been generated from it.
type Objective struct {
	// ID is the unique identifier for this objective.
	ID string `json:"id"`
	// Description is the free-text statement of the goal.
	Description string `json:"description"`
	// Priority is the urgency of the objective.
	Priority Priority `json:"priority"`
	// Deadline is the optional completion deadline.
	Deadline *time.Time `json:"deadline,omitempty"`
	// SuccessCriteria lists the conditions for success.
	SuccessCriteria []SuccessCriterion `json:"success_criteria,omitempty"`
	// Constraints lists restrictions on how the goal may be achieved.
	Constraints []Constraint `json:"constraints,omitempty"`
	// CreatedAt is when the objective was submitted.
	CreatedAt time.Time `json:"created_at"`
}

// MandatoryConstraints returns only the constraints that make a plan
// infeasible when violated.
func (o *Objective) MandatoryConstraints() []Constraint {
	var out []Constraint
	for _, c := range o.Constraints {
		if c.Mandatory {
			out = append(out, c)
		}
	}
	return out
}
