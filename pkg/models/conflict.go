package models

import "time"

// ConflictSeverity classifies how disruptive a disagreement is.
type ConflictSeverity string

const (
	// ConflictLow conflicts are resolved automatically by recency.
	ConflictLow ConflictSeverity = "low"
	// ConflictMedium conflicts are resolved by merging non-overlapping fields.
	ConflictMedium ConflictSeverity = "medium"
	// ConflictHigh conflicts are escalated to a quorum vote.
	ConflictHigh ConflictSeverity = "high"
)

// Valid returns true if the severity is a known value.
func (s ConflictSeverity) Valid() bool {
	switch s {
	case ConflictLow, ConflictMedium, ConflictHigh:
		return true
	default:
		return false
	}
}

// ConflictReport is one agent's view of the disputed state.
type ConflictReport struct {
	// AgentID is the agent asserting this view.
	AgentID string `json:"agent_id"`
	// Fields maps field names to the agent's reported values.
	Fields map[string]string `json:"fields"`
	// ReportedAt is when the agent asserted the view. Used for
	// last-writer-wins resolution.
	ReportedAt time.Time `json:"reported_at"`
}

// Conflict is a detected disagreement between agents' reported states
// or competing decisions. A conflict is resolved exactly once.
type Conflict struct {
	// ID is the unique identifier for this conflict.
	ID string `json:"id"`
	// Severity classifies the conflict for strategy dispatch.
	Severity ConflictSeverity `json:"severity"`
	// Domain names the field or subject under dispute.
	Domain string `json:"domain"`
	// Reports holds each agent's conflicting view.
	Reports []ConflictReport `json:"reports"`
	// DetectedAt is when the conflict was raised.
	DetectedAt time.Time `json:"detected_at"`
}

// ResolutionStrategy names the mechanism used to settle a conflict.
type ResolutionStrategy string

const (
	// StrategyLastWriterWins picks the most recently reported view.
	StrategyLastWriterWins ResolutionStrategy = "last_writer_wins"
	// StrategyFieldMerge reconciles non-overlapping fields and settles
	// only the overlapping subset.
	StrategyFieldMerge ResolutionStrategy = "field_merge"
	// StrategyConsensus defers to a quorum vote.
	StrategyConsensus ResolutionStrategy = "consensus"
)

// Valid returns true if the strategy is a known value.
func (s ResolutionStrategy) Valid() bool {
	switch s {
	case StrategyLastWriterWins, StrategyFieldMerge, StrategyConsensus:
		return true
	default:
		return false
	}
}

// Resolution is the terminal settlement of a conflict.
type Resolution struct {
	// ConflictID is the conflict this resolution closes.
	ConflictID string `json:"conflict_id"`
	// Strategy is the mechanism that produced the resolved value.
	Strategy ResolutionStrategy `json:"strategy"`
	// Value is the settled field map.
	Value map[string]string `json:"value"`
	// Confidence is the resolver's confidence in the settlement, 0..1.
	Confidence float64 `json:"confidence"`
	// Rationale explains how the value was chosen.
	Rationale string `json:"rationale,omitempty"`
	// ResolvedAt is when the conflict was closed.
	ResolvedAt time.Time `json:"resolved_at"`
}
