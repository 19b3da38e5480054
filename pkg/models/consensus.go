package models

import "time"

// ConsensusProposal is a decision put to a quorum vote among agents.
type ConsensusProposal struct {
	// ID is the unique identifier for this proposal.
	ID string `json:"id"`
	// Term is the proposing round number. Terms increase monotonically
	// per coordinator instance so stale proposals are never accepted.
	Term uint64 `json:"term"`
	// Payload is the decision content being ratified.
	Payload map[string]any `json:"payload,omitempty"`
	// Targets lists the agent IDs participating in the vote.
	Targets []string `json:"targets"`
}

// Quorum returns the minimum number of responses required to ratify
// this proposal: floor(n/2)+1 over the targeted agents.
func (p *ConsensusProposal) Quorum() int {
	return len(p.Targets)/2 + 1
}

// ConsensusOutcome is the terminal state of a consensus round.
type ConsensusOutcome string

const (
	// ConsensusAccepted means quorum was reached in both phases.
	ConsensusAccepted ConsensusOutcome = "accepted"
	// ConsensusRejected means a phase failed to reach quorum in time.
	ConsensusRejected ConsensusOutcome = "rejected"
	// ConsensusCancelled means the round was cancelled externally.
	ConsensusCancelled ConsensusOutcome = "cancelled"
)

// Valid returns true if the outcome is a known value.
func (o ConsensusOutcome) Valid() bool {
	switch o {
	case ConsensusAccepted, ConsensusRejected, ConsensusCancelled:
		return true
	default:
		return false
	}
}

// ConsensusResult records the terminal outcome of a consensus round.
// Results are immutable once recorded.
type ConsensusResult struct {
	// ProposalID is the proposal this result decides.
	ProposalID string `json:"proposal_id"`
	// Term is the round number of the deciding proposal.
	Term uint64 `json:"term"`
	// Outcome is the terminal state.
	Outcome ConsensusOutcome `json:"outcome"`
	// Reason explains rejections and cancellations.
	Reason string `json:"reason,omitempty"`
	// Promises is the number of promises received in the prepare phase.
	Promises int `json:"promises"`
	// Acceptances is the number of acceptances received in the accept phase.
	Acceptances int `json:"acceptances"`
	// DecidedAt is when the result became terminal.
	DecidedAt time.Time `json:"decided_at"`
}

// Accepted returns true if the round committed.
func (r *ConsensusResult) Accepted() bool {
	return r.Outcome == ConsensusAccepted
}
