// Package knowledge is the boundary to the durable knowledge store:
// decision outcomes, historical pattern performance, and saved plans.
// The coordination core degrades gracefully when no store is attached.
package knowledge

import (
	"time"

	"github.com/zhifengzhang-sz/qi-v2-agent-sub000/pkg/models"
)

// Pattern summarizes how a workflow pattern has performed historically.
type Pattern struct {
	// PatternID names the workflow pattern.
	PatternID string `json:"pattern_id"`
	// Uses is the number of recorded outcomes.
	Uses int `json:"uses"`
	// Successes is the number of successful outcomes.
	Successes int `json:"successes"`
	// SuccessRate is Successes / Uses.
	SuccessRate float64 `json:"success_rate"`
	// LastUsed is the most recent outcome timestamp.
	LastUsed time.Time `json:"last_used"`
}

// Provider is the store contract the coordination core consumes.
// Implementations must be safe for concurrent use. Callers treat every
// failure as advisory: scoring proceeds without historical bias.
type Provider interface {
	// SaveDecisionOutcome records a decision and how it turned out.
	SaveDecisionOutcome(decision models.Decision, outcome models.DecisionOutcome) error
	// QueryHistoricalPatterns returns performance summaries for the
	// given pattern IDs. Patterns with no history are omitted.
	QueryHistoricalPatterns(patternIDs []string) ([]Pattern, error)
	// SavePlan durably stores a task plan.
	SavePlan(plan *models.TaskPlan) error
	// LoadPlan reloads a stored plan by ID.
	LoadPlan(planID string) (*models.TaskPlan, error)
	// Close releases the store.
	Close() error
}

// Null is a Provider that stores nothing. Used when persistence is
// disabled.
type Null struct{}

// SaveDecisionOutcome discards the outcome.
func (Null) SaveDecisionOutcome(models.Decision, models.DecisionOutcome) error { return nil }

// QueryHistoricalPatterns returns no history.
func (Null) QueryHistoricalPatterns([]string) ([]Pattern, error) { return nil, nil }

// SavePlan discards the plan.
func (Null) SavePlan(*models.TaskPlan) error { return nil }

// LoadPlan reports the plan as not found.
func (Null) LoadPlan(planID string) (*models.TaskPlan, error) { return nil, ErrPlanNotFound }

// Close is a no-op.
func (Null) Close() error { return nil }
