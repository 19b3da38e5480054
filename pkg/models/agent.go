package models

import "time"

// AgentStatus represents the current state of a worker agent.
type AgentStatus string

const (
	// AgentStatusAvailable indicates the agent can accept work.
	AgentStatusAvailable AgentStatus = "available"
	// AgentStatusBusy indicates the agent is at capacity.
	AgentStatusBusy AgentStatus = "busy"
	// AgentStatusUnreachable indicates the agent has missed heartbeats.
	AgentStatusUnreachable AgentStatus = "unreachable"
	// AgentStatusDraining indicates the agent is finishing current work
	// and should not receive new assignments.
	AgentStatusDraining AgentStatus = "draining"
)

// Valid returns true if the status is a known value.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusAvailable, AgentStatusBusy, AgentStatusUnreachable, AgentStatusDraining:
		return true
	default:
		return false
	}
}

// Assignable returns true if an agent in this status may receive new work.
func (s AgentStatus) Assignable() bool {
	return s == AgentStatusAvailable
}

// Capability is one declared skill of an agent.
type Capability struct {
	// Tag names the capability (e.g. "file-write", "validate").
	Tag string `json:"tag"`
	// Confidence is the agent's self-declared proficiency, 0..1.
	Confidence float64 `json:"confidence"`
}

// AgentInstance is an autonomous worker capable of executing task units
// matching its declared capabilities. Instances are owned exclusively by
// the registry; status is mutated only by the registry in response to
// heartbeats and messages.
type AgentInstance struct {
	// ID is the unique identifier for this agent.
	ID string `json:"id"`
	// Capabilities is the agent's declared capability set.
	Capabilities []Capability `json:"capabilities"`
	// Status is the agent's current availability.
	Status AgentStatus `json:"status"`
	// Load is the agent's current load metric, 0..1.
	Load float64 `json:"load"`
	// Capacity is the number of simultaneous assignments the agent
	// accepts. Defaults to 1; values above 1 must be declared explicitly.
	Capacity int `json:"capacity"`
	// LastHeartbeat is when the agent last reported in.
	LastHeartbeat time.Time `json:"last_heartbeat"`
	// RegisteredAt is when the agent joined the registry.
	RegisteredAt time.Time `json:"registered_at"`
}

// Capability returns the declared capability for the given tag,
// or a zero-confidence capability if the agent does not declare it.
func (a *AgentInstance) Capability(tag string) Capability {
	for _, c := range a.Capabilities {
		if c.Tag == tag {
			return c
		}
	}
	return Capability{Tag: tag}
}

// MatchScore returns the agent's aggregate fit for the required tags:
// the product of declared confidences, or 0 if any tag is missing.
func (a *AgentInstance) MatchScore(required []string) float64 {
	if len(required) == 0 {
		return 1.0
	}
	score := 1.0
	for _, tag := range required {
		c := a.Capability(tag)
		if c.Confidence <= 0 {
			return 0
		}
		score *= c.Confidence
	}
	return score
}

// TaskAssignment binds one task unit to one agent. An unfinished task
// unit maps to exactly one active assignment at a time.
type TaskAssignment struct {
	// TaskID is the assigned task unit.
	TaskID string `json:"task_id"`
	// AgentID is the agent responsible for it.
	AgentID string `json:"agent_id"`
	// Priority is inherited from the owning objective.
	Priority Priority `json:"priority"`
	// EstimatedDuration is copied from the task unit at assignment time.
	EstimatedDuration time.Duration `json:"estimated_duration"`
	// AssignedAt is when the assignment was made.
	AssignedAt time.Time `json:"assigned_at"`
}
