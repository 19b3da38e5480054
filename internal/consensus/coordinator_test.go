package consensus

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/zhifengzhang-sz/qi-v2-agent-sub000/internal/bus"
	"github.com/zhifengzhang-sz/qi-v2-agent-sub000/pkg/models"
)

// fakeVoter simulates an agent that answers protocol messages.
// grant controls the vote; silent voters never answer.
type fakeVoter struct {
	id        string
	transport *bus.Bus
	grant     bool
	silent    bool
	delay     time.Duration
}

func (v *fakeVoter) start(t *testing.T, coordinatorID string) {
	t.Helper()
	err := v.transport.Subscribe(v.id, func(msg models.AgentMessage) {
		if msg.Type != models.MessageCoordination || v.silent {
			return
		}
		phase, _ := msg.Payload[KeyPhase].(string)

		var reply string
		switch phase {
		case PhasePrepare:
			reply = PhasePromise
		case PhaseAccept:
			reply = PhaseAccepted
		default:
			return
		}

		if v.delay > 0 {
			time.Sleep(v.delay)
		}

		proposalID, _ := msg.Payload[KeyProposalID].(string)
		_ = v.transport.Send(coordinatorID, models.AgentMessage{
			ID:     uuid.New().String(),
			Type:   models.MessageCoordination,
			Sender: v.id,
			Payload: map[string]any{
				KeyPhase:      reply,
				KeyProposalID: proposalID,
				KeyGranted:    v.grant,
			},
			Timestamp: time.Now(),
		})
	})
	if err != nil {
		t.Fatalf("subscribe voter %s: %v", v.id, err)
	}
}

func setup(t *testing.T, timeout time.Duration, voters ...*fakeVoter) (*Coordinator, []string) {
	t.Helper()
	transport := bus.New(32)
	t.Cleanup(transport.Close)

	c := New(transport, "coordinator", Config{PhaseTimeout: timeout})
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var targets []string
	for _, v := range voters {
		v.transport = transport
		v.start(t, "coordinator")
		targets = append(targets, v.id)
	}
	return c, targets
}

func TestPropose_UnanimousAccept(t *testing.T) {
	c, targets := setup(t, 2*time.Second,
		&fakeVoter{id: "a1", grant: true},
		&fakeVoter{id: "a2", grant: true},
		&fakeVoter{id: "a3", grant: true},
	)

	result, err := c.Propose(context.Background(), targets, map[string]any{"action": "replan"})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if !result.Accepted() {
		t.Fatalf("outcome = %s (%s), want accepted", result.Outcome, result.Reason)
	}
	if result.Acceptances < 2 {
		t.Errorf("acceptances = %d, want >= quorum of 2", result.Acceptances)
	}
}

func TestPropose_QuorumWithOneDissenter(t *testing.T) {
	c, targets := setup(t, 2*time.Second,
		&fakeVoter{id: "a1", grant: true},
		&fakeVoter{id: "a2", grant: true},
		&fakeVoter{id: "a3", grant: false},
	)

	result, err := c.Propose(context.Background(), targets, nil)
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if !result.Accepted() {
		t.Errorf("outcome = %s, want accepted with 2 of 3 granting", result.Outcome)
	}
}

func TestPropose_RejectedBelowQuorum(t *testing.T) {
	c, targets := setup(t, 200*time.Millisecond,
		&fakeVoter{id: "a1", grant: true},
		&fakeVoter{id: "a2", grant: false},
		&fakeVoter{id: "a3", grant: false},
	)

	result, err := c.Propose(context.Background(), targets, nil)
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if result.Outcome != models.ConsensusRejected {
		t.Fatalf("outcome = %s, want rejected (1 of 3 granted)", result.Outcome)
	}
	if result.Reason == "" {
		t.Error("rejected result should carry a reason")
	}
}

func TestPropose_DroppedVotersTimeOut(t *testing.T) {
	// Two of three voters never answer: quorum is unreachable and the
	// phase must end at the timeout, not hang.
	c, targets := setup(t, 150*time.Millisecond,
		&fakeVoter{id: "a1", grant: true},
		&fakeVoter{id: "a2", silent: true},
		&fakeVoter{id: "a3", silent: true},
	)

	start := time.Now()
	result, err := c.Propose(context.Background(), targets, nil)
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if result.Outcome != models.ConsensusRejected {
		t.Errorf("outcome = %s, want rejected", result.Outcome)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("proposal took %s, phases should be bounded by the timeout", elapsed)
	}
}

func TestPropose_SlowVoterStillCounted(t *testing.T) {
	c, targets := setup(t, time.Second,
		&fakeVoter{id: "a1", grant: true},
		&fakeVoter{id: "a2", grant: true, delay: 50 * time.Millisecond},
		&fakeVoter{id: "a3", silent: true},
	)

	result, err := c.Propose(context.Background(), targets, nil)
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if !result.Accepted() {
		t.Errorf("outcome = %s, want accepted (slow voter within timeout)", result.Outcome)
	}
}

func TestPropose_CancellationYieldsTerminalResult(t *testing.T) {
	c, targets := setup(t, 5*time.Second,
		&fakeVoter{id: "a1", silent: true},
		&fakeVoter{id: "a2", silent: true},
		&fakeVoter{id: "a3", silent: true},
	)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	result, err := c.Propose(ctx, targets, nil)
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if result.Outcome != models.ConsensusCancelled {
		t.Errorf("outcome = %s, want cancelled", result.Outcome)
	}
}

func TestPropose_TermsIncrease(t *testing.T) {
	c, targets := setup(t, 100*time.Millisecond,
		&fakeVoter{id: "a1", grant: true},
	)

	r1, err := c.Propose(context.Background(), targets, nil)
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	r2, err := c.Propose(context.Background(), targets, nil)
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if r2.Term <= r1.Term {
		t.Errorf("terms did not increase: %d then %d", r1.Term, r2.Term)
	}
}

func TestPropose_NoTargets(t *testing.T) {
	transport := bus.New(8)
	defer transport.Close()
	c := New(transport, "coordinator", DefaultConfig())

	if _, err := c.Propose(context.Background(), nil, nil); err == nil {
		t.Error("Propose with no targets should fail")
	}
}
