// Package consensus runs the quorum voting protocol used to ratify
// shared decisions among agents.
package consensus

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhifengzhang-sz/qi-v2-agent-sub000/internal/bus"
	"github.com/zhifengzhang-sz/qi-v2-agent-sub000/pkg/models"
)

// Protocol phases carried in the coordination message payload.
const (
	PhasePrepare  = "prepare"
	PhasePromise  = "promise"
	PhaseAccept   = "accept"
	PhaseAccepted = "accepted"
	PhaseCommit   = "commit"
)

// Payload keys for coordination messages.
const (
	KeyPhase      = "phase"
	KeyProposalID = "proposal_id"
	KeyTerm       = "term"
	KeyGranted    = "granted"
	KeyBody       = "body"
)

// Config configures the coordinator.
type Config struct {
	// PhaseTimeout bounds each protocol phase. A phase that does not
	// reach quorum within the timeout rejects the proposal.
	PhaseTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{PhaseTimeout: 5 * time.Second}
}

// vote is one agent's response in a protocol phase.
type vote struct {
	voterID string
	phase   string
	granted bool
}

// Coordinator drives two-phase quorum voting over the communication bus.
// Terms increase monotonically per coordinator instance so agents can
// reject stale proposals.
type Coordinator struct {
	transport *bus.Bus
	selfID    string
	cfg       Config

	mu     sync.Mutex
	term   uint64
	rounds map[string]chan vote
}

// New creates a coordinator that communicates as selfID on the bus.
func New(transport *bus.Bus, selfID string, cfg Config) *Coordinator {
	if cfg.PhaseTimeout <= 0 {
		cfg.PhaseTimeout = DefaultConfig().PhaseTimeout
	}
	return &Coordinator{
		transport: transport,
		selfID:    selfID,
		cfg:       cfg,
		rounds:    make(map[string]chan vote),
	}
}

// Start subscribes the coordinator to the bus so it can receive votes.
func (c *Coordinator) Start() error {
	return c.transport.Subscribe(c.selfID, c.handleMessage)
}

// handleMessage routes vote responses into the owning round.
func (c *Coordinator) handleMessage(msg models.AgentMessage) {
	if msg.Type != models.MessageCoordination {
		return
	}
	phase, _ := msg.Payload[KeyPhase].(string)
	if phase != PhasePromise && phase != PhaseAccepted {
		return
	}
	proposalID, _ := msg.Payload[KeyProposalID].(string)
	granted, _ := msg.Payload[KeyGranted].(bool)

	c.mu.Lock()
	ch, ok := c.rounds[proposalID]
	c.mu.Unlock()
	if !ok {
		// Late vote for a finished round; drop it.
		return
	}

	select {
	case ch <- vote{voterID: msg.Sender, phase: phase, granted: granted}:
	default:
		// Round channel sized for all targets; overflow means duplicates.
	}
}

// nextTerm returns a fresh monotonic term number.
func (c *Coordinator) nextTerm() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.term++
	return c.term
}

// Propose runs the two-phase protocol against the target agents and
// returns a terminal result. The prepare phase solicits promises; on
// quorum, the accept phase solicits acceptances; on quorum again, a
// commit notification goes to all participants. A phase that misses
// quorum within the timeout rejects the proposal - the protocol never
// partially commits. Cancellation yields a cancelled result rather than
// ambiguous state.
func (c *Coordinator) Propose(ctx context.Context, targets []string, payload map[string]any) (*models.ConsensusResult, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("propose: no target agents")
	}

	proposal := models.ConsensusProposal{
		ID:      uuid.New().String()[:8],
		Term:    c.nextTerm(),
		Payload: payload,
		Targets: append([]string(nil), targets...),
	}
	quorum := proposal.Quorum()

	votes := make(chan vote, 2*len(targets))
	c.mu.Lock()
	c.rounds[proposal.ID] = votes
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.rounds, proposal.ID)
		c.mu.Unlock()
	}()

	log.Printf("[consensus] proposal %s term %d: prepare phase (quorum %d of %d)",
		proposal.ID, proposal.Term, quorum, len(targets))

	promises, err := c.runPhase(ctx, &proposal, PhasePrepare, PhasePromise, votes)
	if err != nil {
		return cancelledResult(&proposal, promises, 0), nil
	}
	if promises < quorum {
		return rejectedResult(&proposal, promises, 0,
			fmt.Sprintf("prepare phase reached %d of %d required promises", promises, quorum)), nil
	}

	log.Printf("[consensus] proposal %s term %d: accept phase", proposal.ID, proposal.Term)

	acceptances, err := c.runPhase(ctx, &proposal, PhaseAccept, PhaseAccepted, votes)
	if err != nil {
		return cancelledResult(&proposal, promises, acceptances), nil
	}
	if acceptances < quorum {
		return rejectedResult(&proposal, promises, acceptances,
			fmt.Sprintf("accept phase reached %d of %d required acceptances", acceptances, quorum)), nil
	}

	// Quorum in both phases: notify all participants of the commit.
	c.send(&proposal, PhaseCommit)

	log.Printf("[consensus] proposal %s term %d: committed (%d promises, %d acceptances)",
		proposal.ID, proposal.Term, promises, acceptances)

	return &models.ConsensusResult{
		ProposalID:  proposal.ID,
		Term:        proposal.Term,
		Outcome:     models.ConsensusAccepted,
		Promises:    promises,
		Acceptances: acceptances,
		DecidedAt:   time.Now(),
	}, nil
}

// runPhase broadcasts the phase request and counts distinct granted
// votes until every target answered, the phase times out, or ctx is
// cancelled. Returns the granted count; the error is non-nil only on
// cancellation.
func (c *Coordinator) runPhase(ctx context.Context, p *models.ConsensusProposal, request, response string, votes chan vote) (int, error) {
	// Drain votes left over from the previous phase.
	for len(votes) > 0 {
		<-votes
	}

	c.send(p, request)

	timer := time.NewTimer(c.cfg.PhaseTimeout)
	defer timer.Stop()

	granted := 0
	seen := make(map[string]bool, len(p.Targets))
	answered := 0

	for answered < len(p.Targets) {
		select {
		case v := <-votes:
			if v.phase != response || seen[v.voterID] {
				continue
			}
			seen[v.voterID] = true
			answered++
			if v.granted {
				granted++
			}
		case <-timer.C:
			return granted, nil
		case <-ctx.Done():
			return granted, ctx.Err()
		}
	}
	return granted, nil
}

// send broadcasts a phase message to all proposal targets.
func (c *Coordinator) send(p *models.ConsensusProposal, phase string) {
	msg := models.AgentMessage{
		ID:     uuid.New().String(),
		Type:   models.MessageCoordination,
		Sender: c.selfID,
		Payload: map[string]any{
			KeyPhase:      phase,
			KeyProposalID: p.ID,
			KeyTerm:       p.Term,
			KeyBody:       p.Payload,
		},
		Priority:         models.PriorityHigh,
		Timestamp:        time.Now(),
		RequiresResponse: phase == PhasePrepare || phase == PhaseAccept,
	}
	if err := c.transport.Broadcast(c.selfID, msg, p.Targets); err != nil {
		log.Printf("[consensus] proposal %s: %s broadcast partially failed: %v", p.ID, phase, err)
	}
}

func rejectedResult(p *models.ConsensusProposal, promises, acceptances int, reason string) *models.ConsensusResult {
	return &models.ConsensusResult{
		ProposalID:  p.ID,
		Term:        p.Term,
		Outcome:     models.ConsensusRejected,
		Reason:      reason,
		Promises:    promises,
		Acceptances: acceptances,
		DecidedAt:   time.Now(),
	}
}

func cancelledResult(p *models.ConsensusProposal, promises, acceptances int) *models.ConsensusResult {
	return &models.ConsensusResult{
		ProposalID:  p.ID,
		Term:        p.Term,
		Outcome:     models.ConsensusCancelled,
		Reason:      "consensus round cancelled",
		Promises:    promises,
		Acceptances: acceptances,
		DecidedAt:   time.Now(),
	}
}
