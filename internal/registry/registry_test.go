package registry

import (
	"errors"
	"testing"
	"time"

	"github.com/zhifengzhang-sz/qi-v2-agent-sub000/pkg/models"
)

func testAgent(id string, tags ...string) models.AgentInstance {
	caps := make([]models.Capability, len(tags))
	for i, tag := range tags {
		caps[i] = models.Capability{Tag: tag, Confidence: 0.9}
	}
	return models.AgentInstance{ID: id, Capabilities: caps}
}

func TestRegister_StartsAvailable(t *testing.T) {
	r := New(DefaultConfig())

	if err := r.Register(testAgent("agent-1", "file-write")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	snap := r.Snapshot()
	a := snap.Agent("agent-1")
	if a == nil {
		t.Fatal("registered agent missing from snapshot")
	}
	if a.Status != models.AgentStatusAvailable {
		t.Errorf("status = %s, want available", a.Status)
	}
	if a.Capacity != 1 {
		t.Errorf("capacity defaulted to %d, want 1", a.Capacity)
	}
}

func TestRegister_RejectsEmptyID(t *testing.T) {
	r := New(DefaultConfig())
	if err := r.Register(models.AgentInstance{}); err == nil {
		t.Error("Register with empty ID should fail")
	}
}

func TestHeartbeat_UpdatesLoadAndRecovers(t *testing.T) {
	r := New(DefaultConfig())
	_ = r.Register(testAgent("agent-1"))
	_ = r.SetStatus("agent-1", models.AgentStatusUnreachable)

	if err := r.Heartbeat("agent-1", 0.4); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	snap := r.Snapshot()
	a := snap.Agent("agent-1")
	if a.Status != models.AgentStatusAvailable {
		t.Errorf("status after heartbeat = %s, want available (recovery)", a.Status)
	}
	if a.Load != 0.4 {
		t.Errorf("load = %v, want 0.4", a.Load)
	}

	if err := r.Heartbeat("ghost", 0.1); !errors.Is(err, ErrUnknownAgent) {
		t.Errorf("Heartbeat from unknown agent = %v, want ErrUnknownAgent", err)
	}
}

func TestSweepHeartbeats_MarksUnreachableAfterThreeMisses(t *testing.T) {
	cfg := Config{HeartbeatInterval: 10 * time.Second, MissedHeartbeatLimit: 3}
	r := New(cfg)

	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.SetClock(func() time.Time { return clock })

	_ = r.Register(testAgent("agent-1"))
	_ = r.Register(testAgent("agent-2"))

	// agent-2 keeps heartbeating, agent-1 goes silent.
	clock = clock.Add(25 * time.Second)
	_ = r.Heartbeat("agent-2", 0.2)

	// Two missed intervals: not yet unreachable.
	if got := r.SweepHeartbeats(); len(got) != 0 {
		t.Fatalf("sweep after 2 missed intervals transitioned %v, want none", got)
	}

	// Past the third interval for agent-1.
	clock = clock.Add(10 * time.Second)
	_ = r.Heartbeat("agent-2", 0.2)

	got := r.SweepHeartbeats()
	if len(got) != 1 || got[0] != "agent-1" {
		t.Fatalf("sweep transitioned %v, want [agent-1]", got)
	}

	snap := r.Snapshot()
	if snap.Agent("agent-1").Status != models.AgentStatusUnreachable {
		t.Error("agent-1 should be unreachable")
	}
	if snap.Agent("agent-2").Status != models.AgentStatusAvailable {
		t.Error("agent-2 should remain available")
	}

	// A second sweep must not report agent-1 again.
	if again := r.SweepHeartbeats(); len(again) != 0 {
		t.Errorf("repeat sweep transitioned %v, want none", again)
	}
}

func TestSnapshot_IsIsolatedCopy(t *testing.T) {
	r := New(DefaultConfig())
	_ = r.Register(testAgent("agent-1", "validate"))

	snap := r.Snapshot()
	snap.Agents[0].Status = models.AgentStatusDraining
	snap.Agents[0].Capabilities[0].Confidence = 0.1

	fresh := r.Snapshot()
	if fresh.Agent("agent-1").Status != models.AgentStatusAvailable {
		t.Error("mutating a snapshot leaked into the registry")
	}
	if fresh.Agent("agent-1").Capabilities[0].Confidence != 0.9 {
		t.Error("mutating snapshot capabilities leaked into the registry")
	}
}

func TestSnapshot_VersionAdvances(t *testing.T) {
	r := New(DefaultConfig())
	v0 := r.Snapshot().Version

	_ = r.Register(testAgent("agent-1"))
	v1 := r.Snapshot().Version
	if v1 <= v0 {
		t.Errorf("version did not advance on register: %d -> %d", v0, v1)
	}

	_ = r.SetStatus("agent-1", models.AgentStatusBusy)
	v2 := r.Snapshot().Version
	if v2 <= v1 {
		t.Errorf("version did not advance on status change: %d -> %d", v1, v2)
	}
}

func TestChanges_SignalsOnMutation(t *testing.T) {
	r := New(DefaultConfig())
	_ = r.Register(testAgent("agent-1"))

	select {
	case <-r.Changes():
	case <-time.After(time.Second):
		t.Fatal("no change signal after Register")
	}
}

func TestSnapshot_Available(t *testing.T) {
	r := New(DefaultConfig())
	_ = r.Register(testAgent("agent-1"))
	_ = r.Register(testAgent("agent-2"))
	_ = r.SetStatus("agent-2", models.AgentStatusDraining)

	snap := r.Snapshot()
	avail := snap.Available()
	if len(avail) != 1 || avail[0].ID != "agent-1" {
		t.Errorf("Available() = %v, want only agent-1", avail)
	}
}
