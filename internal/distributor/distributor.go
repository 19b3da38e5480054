// Package distributor computes near-optimal assignments of task units
// to worker agents and owns the active assignment table.
package distributor

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/zhifengzhang-sz/qi-v2-agent-sub000/internal/registry"
	"github.com/zhifengzhang-sz/qi-v2-agent-sub000/pkg/models"
)

// ErrAlreadyAssigned is returned when a task unit already has an active
// assignment. An unfinished task unit maps to exactly one agent.
var ErrAlreadyAssigned = errors.New("task already assigned")

// Config configures the distributor.
type Config struct {
	// FeasibilityCeiling rejects matches whose cost exceeds it.
	// Cost is the inverse of (match score x (1-load) x availability),
	// so a ceiling of 100 roughly means "effective fitness below 1%".
	FeasibilityCeiling float64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{FeasibilityCeiling: 100}
}

// Distributor is the sole writer of the task assignment table. All
// other components observe assignments through copies.
type Distributor struct {
	cfg Config

	mu sync.RWMutex
	// active maps task ID to its single active assignment.
	active map[string]models.TaskAssignment
	// agentLoad counts active assignments per agent.
	agentLoad map[string]int
	// pending holds units that could not be assigned yet, in arrival order.
	pending []models.TaskUnit
	// pendingIDs de-duplicates the pending queue.
	pendingIDs map[string]bool
	// now is injectable for deterministic tests.
	now func() time.Time
}

// New creates an empty distributor.
func New(cfg Config) *Distributor {
	if cfg.FeasibilityCeiling <= 0 {
		cfg.FeasibilityCeiling = DefaultConfig().FeasibilityCeiling
	}
	return &Distributor{
		cfg:        cfg,
		active:     make(map[string]models.TaskAssignment),
		agentLoad:  make(map[string]int),
		pendingIDs: make(map[string]bool),
		now:        time.Now,
	}
}

// SetClock overrides the distributor's clock. Intended for tests.
func (d *Distributor) SetClock(now func() time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if now != nil {
		d.now = now
	}
}

// slot is one assignable opening on an agent. Agents declaring capacity
// above one contribute multiple slots.
type slot struct {
	agent models.AgentInstance
}

// Distribute assigns as many of the given task units as feasible against
// the registry snapshot. Units that cannot be matched (no capable agent,
// cost above the feasibility ceiling, or more tasks than open slots) are
// queued and retried on the next Retry call. Units that already hold an
// active assignment are skipped. Returns the new assignments.
func (d *Distributor) Distribute(units []models.TaskUnit, snap registry.Snapshot, priority models.Priority) []models.TaskAssignment {
	d.mu.Lock()
	defer d.mu.Unlock()

	// Filter out units already assigned or already queued, preserving order.
	var candidates []models.TaskUnit
	for _, u := range units {
		if _, ok := d.active[u.ID]; ok {
			continue
		}
		if d.pendingIDs[u.ID] {
			continue
		}
		candidates = append(candidates, u)
	}
	if len(candidates) == 0 {
		return nil
	}

	slots := d.openSlotsLocked(snap)
	assignments := d.solveLocked(candidates, slots, priority)

	// Queue whatever did not land.
	assigned := make(map[string]bool, len(assignments))
	for _, a := range assignments {
		assigned[a.TaskID] = true
	}
	for _, u := range candidates {
		if !assigned[u.ID] {
			d.enqueueLocked(u)
		}
	}

	return assignments
}

// Retry attempts to assign queued units against a fresh snapshot.
// Called on registry changes and on task completion events.
func (d *Distributor) Retry(snap registry.Snapshot, priority models.Priority) []models.TaskAssignment {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.pending) == 0 {
		return nil
	}

	units := d.pending
	d.pending = nil
	for id := range d.pendingIDs {
		delete(d.pendingIDs, id)
	}

	slots := d.openSlotsLocked(snap)
	assignments := d.solveLocked(units, slots, priority)

	assigned := make(map[string]bool, len(assignments))
	for _, a := range assignments {
		assigned[a.TaskID] = true
	}
	for _, u := range units {
		if !assigned[u.ID] {
			d.enqueueLocked(u)
		}
	}

	if len(assignments) > 0 {
		log.Printf("[distributor] retry assigned %d queued tasks, %d still pending", len(assignments), len(d.pending))
	}
	return assignments
}

// openSlotsLocked expands assignable agents into open slots, ordered by
// (load, id) so ties in the cost matrix resolve deterministically toward
// the least-loaded, lowest-ID agent. Caller must hold d.mu.
func (d *Distributor) openSlotsLocked(snap registry.Snapshot) []slot {
	agents := snap.Available()
	sort.Slice(agents, func(i, j int) bool {
		if agents[i].Load != agents[j].Load {
			return agents[i].Load < agents[j].Load
		}
		return agents[i].ID < agents[j].ID
	})

	var slots []slot
	for _, a := range agents {
		open := a.Capacity - d.agentLoad[a.ID]
		for k := 0; k < open; k++ {
			slots = append(slots, slot{agent: a})
		}
	}
	return slots
}

// solveLocked builds the cost matrix, runs the assignment solver, and
// commits feasible matches to the active table. Caller must hold d.mu.
func (d *Distributor) solveLocked(units []models.TaskUnit, slots []slot, priority models.Priority) []models.TaskAssignment {
	if len(units) == 0 || len(slots) == 0 {
		return nil
	}

	cost := make([][]float64, len(units))
	for i, u := range units {
		row := make([]float64, len(slots))
		for j, s := range slots {
			row[j] = d.pairCost(u, s.agent)
		}
		cost[i] = row
	}

	match := solveAssignment(cost)

	var assignments []models.TaskAssignment
	now := d.now()
	for i, j := range match {
		if j < 0 {
			continue
		}
		if cost[i][j] > d.cfg.FeasibilityCeiling {
			continue
		}
		u := units[i]
		agentID := slots[j].agent.ID
		a := models.TaskAssignment{
			TaskID:            u.ID,
			AgentID:           agentID,
			Priority:          priority,
			EstimatedDuration: u.EstimatedDuration,
			AssignedAt:        now,
		}
		d.active[u.ID] = a
		d.agentLoad[agentID]++
		assignments = append(assignments, a)
		log.Printf("[distributor] assigned task %s to agent %s (cost %.3f)", u.ID, agentID, cost[i][j])
	}
	return assignments
}

// pairCost computes the assignment cost for one task/agent pair:
// the inverse of capability match x headroom x availability.
func (d *Distributor) pairCost(u models.TaskUnit, a models.AgentInstance) float64 {
	match := a.MatchScore(u.RequiredCapabilities)
	if match <= 0 {
		return infeasibleCost
	}
	headroom := 1.0 - a.Load
	if headroom <= 0 {
		// Fully loaded agents are still reachable, just very expensive.
		headroom = 0.01
	}
	fitness := match * headroom
	return 1.0 / fitness
}

// Complete retires the active assignment for a finished task.
func (d *Distributor) Complete(taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.retireLocked(taskID)
}

// Fail retires the assignment for a failed task without requeuing it;
// the coordinator decides whether a contingency replaces the task.
func (d *Distributor) Fail(taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.retireLocked(taskID)
}

// retireLocked removes an assignment and releases the agent slot.
// Caller must hold d.mu.
func (d *Distributor) retireLocked(taskID string) {
	a, ok := d.active[taskID]
	if !ok {
		return
	}
	delete(d.active, taskID)
	if d.agentLoad[a.AgentID] > 0 {
		d.agentLoad[a.AgentID]--
	}
}

// RequeueAgent pulls every in-flight assignment off the given agent
// (typically because it went unreachable) and returns the orphaned task
// IDs. The tasks themselves must be re-distributed by the caller, which
// holds the task units.
func (d *Distributor) RequeueAgent(agentID string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var orphaned []string
	for taskID, a := range d.active {
		if a.AgentID == agentID {
			orphaned = append(orphaned, taskID)
		}
	}
	sort.Strings(orphaned)

	for _, taskID := range orphaned {
		d.retireLocked(taskID)
	}
	if len(orphaned) > 0 {
		log.Printf("[distributor] requeued %d tasks from agent %s", len(orphaned), agentID)
	}
	return orphaned
}

// Enqueue adds a unit directly to the pending queue, e.g. a task
// orphaned by an unreachable agent.
func (d *Distributor) Enqueue(u models.TaskUnit) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enqueueLocked(u)
}

// enqueueLocked appends to the pending queue with de-duplication.
// Caller must hold d.mu.
func (d *Distributor) enqueueLocked(u models.TaskUnit) {
	if d.pendingIDs[u.ID] {
		return
	}
	if _, ok := d.active[u.ID]; ok {
		return
	}
	d.pending = append(d.pending, u)
	d.pendingIDs[u.ID] = true
}

// Assignment returns a copy of the active assignment for a task, if any.
func (d *Distributor) Assignment(taskID string) (models.TaskAssignment, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.active[taskID]
	return a, ok
}

// Assignments returns a copy of all active assignments, sorted by task ID.
func (d *Distributor) Assignments() []models.TaskAssignment {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]models.TaskAssignment, 0, len(d.active))
	for _, a := range d.active {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// PendingCount returns the number of queued, unassigned units.
func (d *Distributor) PendingCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.pending)
}

// String summarizes the distributor state for debugging.
func (d *Distributor) String() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return fmt.Sprintf("distributor{active=%d pending=%d}", len(d.active), len(d.pending))
}
