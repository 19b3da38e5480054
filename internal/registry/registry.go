// Package registry tracks worker agents, their declared capabilities,
// and their current load and status.
package registry

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/zhifengzhang-sz/qi-v2-agent-sub000/pkg/models"
)

// ErrUnknownAgent is returned for operations on unregistered agents.
var ErrUnknownAgent = errors.New("unknown agent")

// DefaultMissedHeartbeatLimit is how many consecutive heartbeats an
// agent may miss before it is marked unreachable.
const DefaultMissedHeartbeatLimit = 3

// Config configures heartbeat supervision.
type Config struct {
	// HeartbeatInterval is how often agents are expected to report in.
	HeartbeatInterval time.Duration
	// MissedHeartbeatLimit is the consecutive misses before an agent
	// transitions to unreachable.
	MissedHeartbeatLimit int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:    10 * time.Second,
		MissedHeartbeatLimit: DefaultMissedHeartbeatLimit,
	}
}

// Snapshot is a versioned, read-only copy of the registry state.
// All components other than the registry itself read snapshots and
// never touch the live table.
type Snapshot struct {
	// Version increases monotonically with every registry mutation.
	Version uint64
	// Agents is a deep copy of the registered agents, sorted by ID.
	Agents []models.AgentInstance
	// TakenAt is when the snapshot was taken.
	TakenAt time.Time
}

// Available returns the agents that may receive new assignments.
func (s *Snapshot) Available() []models.AgentInstance {
	var out []models.AgentInstance
	for _, a := range s.Agents {
		if a.Status.Assignable() {
			out = append(out, a)
		}
	}
	return out
}

// Agent returns the snapshotted agent with the given ID, or nil.
func (s *Snapshot) Agent(id string) *models.AgentInstance {
	for i := range s.Agents {
		if s.Agents[i].ID == id {
			return &s.Agents[i]
		}
	}
	return nil
}

// Registry is the sole owner of agent records. Status is mutated only
// here, in response to heartbeats and registry operations; everyone
// else reads snapshots.
type Registry struct {
	cfg Config

	mu      sync.RWMutex
	agents  map[string]*models.AgentInstance
	version uint64
	// changes signals snapshot consumers that the table changed.
	// Buffer of one: signals coalesce.
	changes chan struct{}
	// now is injectable for deterministic tests.
	now func() time.Time
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	if cfg.MissedHeartbeatLimit < 1 {
		cfg.MissedHeartbeatLimit = DefaultMissedHeartbeatLimit
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	return &Registry{
		cfg:     cfg,
		agents:  make(map[string]*models.AgentInstance),
		changes: make(chan struct{}, 1),
		now:     time.Now,
	}
}

// SetClock overrides the registry's clock. Intended for tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if now != nil {
		r.now = now
	}
}

// Changes returns a channel that receives a signal whenever the registry
// mutates. Signals coalesce; consumers re-read a fresh snapshot.
func (r *Registry) Changes() <-chan struct{} {
	return r.changes
}

// Register adds or replaces an agent. New agents start available with
// a fresh heartbeat.
func (r *Registry) Register(agent models.AgentInstance) error {
	if agent.ID == "" {
		return fmt.Errorf("register: empty agent ID")
	}
	if agent.Capacity < 1 {
		agent.Capacity = 1
	}

	r.mu.Lock()
	now := r.now()
	agent.Status = models.AgentStatusAvailable
	agent.LastHeartbeat = now
	if agent.RegisteredAt.IsZero() {
		agent.RegisteredAt = now
	}
	r.agents[agent.ID] = &agent
	r.bumpLocked()
	r.mu.Unlock()

	log.Printf("[registry] registered agent %s (%d capabilities)", agent.ID, len(agent.Capabilities))
	return nil
}

// Unregister removes an agent from the registry.
func (r *Registry) Unregister(agentID string) {
	r.mu.Lock()
	if _, ok := r.agents[agentID]; ok {
		delete(r.agents, agentID)
		r.bumpLocked()
		log.Printf("[registry] unregistered agent %s", agentID)
	}
	r.mu.Unlock()
}

// Heartbeat records a liveness report from an agent, updating its load.
// An unreachable agent that heartbeats again recovers to available.
func (r *Registry) Heartbeat(agentID string, load float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("heartbeat from %s: %w", agentID, ErrUnknownAgent)
	}

	a.LastHeartbeat = r.now()
	if load >= 0 && load <= 1 {
		a.Load = load
	}
	if a.Status == models.AgentStatusUnreachable {
		a.Status = models.AgentStatusAvailable
		log.Printf("[registry] agent %s recovered from unreachable", agentID)
	}
	r.bumpLocked()
	return nil
}

// SetStatus transitions an agent's status. Only the registry's owner
// (the coordinator) calls this, for busy/draining transitions driven by
// assignment and shutdown events.
func (r *Registry) SetStatus(agentID string, status models.AgentStatus) error {
	if !status.Valid() {
		return fmt.Errorf("set status %s: invalid status %q", agentID, status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("set status %s: %w", agentID, ErrUnknownAgent)
	}
	if a.Status != status {
		a.Status = status
		r.bumpLocked()
	}
	return nil
}

// SweepHeartbeats marks agents unreachable once they have missed the
// configured number of consecutive heartbeats. Returns the IDs that
// transitioned, so their in-flight assignments can be requeued.
func (r *Registry) SweepHeartbeats() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-time.Duration(r.cfg.MissedHeartbeatLimit) * r.cfg.HeartbeatInterval)

	var transitioned []string
	for id, a := range r.agents {
		if a.Status == models.AgentStatusUnreachable {
			continue
		}
		if a.LastHeartbeat.Before(cutoff) {
			a.Status = models.AgentStatusUnreachable
			transitioned = append(transitioned, id)
			log.Printf("[registry] agent %s unreachable (last heartbeat %s)", id, a.LastHeartbeat.Format(time.RFC3339))
		}
	}

	if len(transitioned) > 0 {
		sort.Strings(transitioned)
		r.bumpLocked()
	}
	return transitioned
}

// Snapshot returns a versioned deep copy of the registry state.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agents := make([]models.AgentInstance, 0, len(r.agents))
	for _, a := range r.agents {
		copied := *a
		copied.Capabilities = append([]models.Capability(nil), a.Capabilities...)
		agents = append(agents, copied)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })

	return Snapshot{
		Version: r.version,
		Agents:  agents,
		TakenAt: r.now(),
	}
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// ActiveCount returns the number of agents that are not unreachable.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, a := range r.agents {
		if a.Status != models.AgentStatusUnreachable {
			n++
		}
	}
	return n
}

// bumpLocked increments the version and signals change listeners.
// Caller must hold r.mu.
func (r *Registry) bumpLocked() {
	r.version++
	select {
	case r.changes <- struct{}{}:
	default:
	}
}
