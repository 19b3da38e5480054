package distributor

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/zhifengzhang-sz/qi-v2-agent-sub000/internal/registry"
	"github.com/zhifengzhang-sz/qi-v2-agent-sub000/pkg/models"
)

func unit(id string, caps ...string) models.TaskUnit {
	return models.TaskUnit{
		ID:                   id,
		Description:          "task " + id,
		RequiredCapabilities: caps,
		EstimatedDuration:    time.Minute,
	}
}

func agent(id string, load float64, caps ...string) models.AgentInstance {
	capabilities := make([]models.Capability, len(caps))
	for i, tag := range caps {
		capabilities[i] = models.Capability{Tag: tag, Confidence: 0.9}
	}
	return models.AgentInstance{ID: id, Capabilities: capabilities, Load: load}
}

func snapshotOf(agents ...models.AgentInstance) registry.Snapshot {
	r := registry.New(registry.DefaultConfig())
	for _, a := range agents {
		if err := r.Register(a); err != nil {
			panic(err)
		}
		// Registration resets load; restore it via heartbeat.
		_ = r.Heartbeat(a.ID, a.Load)
	}
	return r.Snapshot()
}

func TestDistribute_MigrateThreeFilesScenario(t *testing.T) {
	// 3 agents: file-write x2, validate x1. One validate task and two
	// file-write tasks must each land on a capable agent.
	snap := snapshotOf(
		agent("agent-a", 0.1, "file-write"),
		agent("agent-b", 0.2, "file-write"),
		agent("agent-c", 0.1, "validate"),
	)

	d := New(DefaultConfig())
	assignments := d.Distribute([]models.TaskUnit{
		unit("migrate-1", "file-write"),
		unit("migrate-2", "file-write"),
		unit("validate-all", "validate"),
	}, snap, models.PriorityNormal)

	if len(assignments) != 3 {
		t.Fatalf("assigned %d tasks, want 3 (pending: %d)", len(assignments), d.PendingCount())
	}

	byTask := make(map[string]string)
	perAgent := make(map[string]int)
	for _, a := range assignments {
		byTask[a.TaskID] = a.AgentID
		perAgent[a.AgentID]++
	}

	if byTask["validate-all"] != "agent-c" {
		t.Errorf("validate task went to %s, want agent-c", byTask["validate-all"])
	}
	for agentID, n := range perAgent {
		if n > 1 {
			t.Errorf("agent %s received %d simultaneous tasks", agentID, n)
		}
	}
	if d.PendingCount() != 0 {
		t.Errorf("%d tasks left unassigned", d.PendingCount())
	}
}

func TestDistribute_NoCapableAgentQueues(t *testing.T) {
	snap := snapshotOf(agent("agent-a", 0, "file-write"))

	d := New(DefaultConfig())
	assignments := d.Distribute([]models.TaskUnit{unit("deploy-1", "deploy")}, snap, models.PriorityNormal)

	if len(assignments) != 0 {
		t.Fatalf("assigned %d tasks, want 0", len(assignments))
	}
	if d.PendingCount() != 1 {
		t.Errorf("pending = %d, want 1", d.PendingCount())
	}

	// A capable agent appears; Retry drains the queue.
	snap2 := snapshotOf(
		agent("agent-a", 0, "file-write"),
		agent("agent-d", 0, "deploy"),
	)
	retried := d.Retry(snap2, models.PriorityNormal)
	if len(retried) != 1 || retried[0].AgentID != "agent-d" {
		t.Errorf("Retry = %+v, want deploy-1 on agent-d", retried)
	}
	if d.PendingCount() != 0 {
		t.Errorf("pending after retry = %d, want 0", d.PendingCount())
	}
}

func TestDistribute_TieBreakPrefersLowerLoadThenID(t *testing.T) {
	// Identical capabilities; agent-b has lower load so it must win.
	snap := snapshotOf(
		agent("agent-a", 0.5, "file-write"),
		agent("agent-b", 0.1, "file-write"),
	)

	d := New(DefaultConfig())
	got := d.Distribute([]models.TaskUnit{unit("t1", "file-write")}, snap, models.PriorityNormal)
	if len(got) != 1 || got[0].AgentID != "agent-b" {
		t.Fatalf("assignment = %+v, want agent-b (lower load)", got)
	}

	// Equal load: lowest ID wins.
	snap2 := snapshotOf(
		agent("agent-z", 0.3, "file-write"),
		agent("agent-a", 0.3, "file-write"),
	)
	d2 := New(DefaultConfig())
	got2 := d2.Distribute([]models.TaskUnit{unit("t1", "file-write")}, snap2, models.PriorityNormal)
	if len(got2) != 1 || got2[0].AgentID != "agent-a" {
		t.Fatalf("assignment = %+v, want agent-a (lowest id)", got2)
	}
}

func TestDistribute_NoDoubleAssignment(t *testing.T) {
	snap := snapshotOf(
		agent("agent-a", 0, "work"),
		agent("agent-b", 0, "work"),
	)

	d := New(DefaultConfig())
	first := d.Distribute([]models.TaskUnit{unit("t1", "work")}, snap, models.PriorityNormal)
	if len(first) != 1 {
		t.Fatalf("first distribute assigned %d, want 1", len(first))
	}

	// Re-distributing the same unfinished unit must be a no-op.
	second := d.Distribute([]models.TaskUnit{unit("t1", "work")}, snap, models.PriorityNormal)
	if len(second) != 0 {
		t.Fatalf("unfinished task re-assigned: %+v", second)
	}

	// After completion it may be assigned again.
	d.Complete("t1")
	third := d.Distribute([]models.TaskUnit{unit("t1", "work")}, snap, models.PriorityNormal)
	if len(third) != 1 {
		t.Fatalf("completed task not re-assignable: got %d assignments", len(third))
	}
}

func TestDistribute_RandomizedRoundsKeepInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	d := New(DefaultConfig())

	var agents []models.AgentInstance
	for i := 0; i < 6; i++ {
		agents = append(agents, agent(fmt.Sprintf("agent-%d", i), rng.Float64()*0.8, "work"))
	}
	snap := snapshotOf(agents...)

	for round := 0; round < 20; round++ {
		var units []models.TaskUnit
		for i := 0; i < rng.Intn(8)+1; i++ {
			units = append(units, unit(fmt.Sprintf("r%d-t%d", round, i), "work"))
		}
		d.Distribute(units, snap, models.PriorityNormal)

		// Invariant: one active assignment per task, per-agent load
		// within declared capacity.
		seen := make(map[string]bool)
		perAgent := make(map[string]int)
		for _, a := range d.Assignments() {
			if seen[a.TaskID] {
				t.Fatalf("round %d: task %s has two active assignments", round, a.TaskID)
			}
			seen[a.TaskID] = true
			perAgent[a.AgentID]++
		}
		for agentID, n := range perAgent {
			if n > 1 {
				t.Fatalf("round %d: agent %s holds %d assignments with capacity 1", round, agentID, n)
			}
		}

		// Randomly finish some tasks.
		for _, a := range d.Assignments() {
			if rng.Float64() < 0.5 {
				d.Complete(a.TaskID)
			}
		}
	}
}

func TestRequeueAgent_OrphansInFlightWork(t *testing.T) {
	snap := snapshotOf(
		agent("agent-a", 0, "work"),
		agent("agent-b", 0, "work"),
	)

	d := New(DefaultConfig())
	assignments := d.Distribute([]models.TaskUnit{
		unit("t1", "work"),
		unit("t2", "work"),
	}, snap, models.PriorityNormal)
	if len(assignments) != 2 {
		t.Fatalf("assigned %d, want 2", len(assignments))
	}

	var victim string
	for _, a := range assignments {
		if a.TaskID == "t1" {
			victim = a.AgentID
		}
	}

	orphaned := d.RequeueAgent(victim)
	if len(orphaned) == 0 {
		t.Fatal("RequeueAgent returned no orphaned tasks")
	}
	for _, taskID := range orphaned {
		if _, ok := d.Assignment(taskID); ok {
			t.Errorf("orphaned task %s still has an active assignment", taskID)
		}
	}
}

func TestDistribute_CapacityTwoAllowsTwoTasks(t *testing.T) {
	r := registry.New(registry.DefaultConfig())
	a := agent("agent-a", 0, "work")
	a.Capacity = 2
	if err := r.Register(a); err != nil {
		t.Fatal(err)
	}
	snap := r.Snapshot()

	d := New(DefaultConfig())
	got := d.Distribute([]models.TaskUnit{unit("t1", "work"), unit("t2", "work")}, snap, models.PriorityNormal)
	if len(got) != 2 {
		t.Fatalf("assigned %d tasks to a capacity-2 agent, want 2", len(got))
	}
}
