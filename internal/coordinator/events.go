package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zhifengzhang-sz/qi-v2-agent-sub000/internal/engine"
)

// EventKind classifies an execution progress event.
type EventKind string

const (
	// EventPlanStarted marks the start of plan execution.
	EventPlanStarted EventKind = "plan_started"
	// EventTaskAssigned marks a task unit bound to an agent.
	EventTaskAssigned EventKind = "task_assigned"
	// EventTaskCompleted marks a task unit finishing successfully.
	EventTaskCompleted EventKind = "task_completed"
	// EventTaskFailed marks a task unit exhausting its alternatives.
	EventTaskFailed EventKind = "task_failed"
	// EventTaskRequeued marks a task pulled back from an unreachable agent.
	EventTaskRequeued EventKind = "task_requeued"
	// EventContingencyApplied marks a fallback substituted for a failed task.
	EventContingencyApplied EventKind = "contingency_applied"
	// EventConflictResolved marks a disagreement settled by the resolver.
	EventConflictResolved EventKind = "conflict_resolved"
	// EventPlanCompleted marks all task units done.
	EventPlanCompleted EventKind = "plan_completed"
	// EventPlanFailed marks a terminal plan failure.
	EventPlanFailed EventKind = "plan_failed"
	// EventPlanCancelled marks an externally cancelled plan.
	EventPlanCancelled EventKind = "plan_cancelled"
)

// Event is one progress notification from an in-flight execution.
type Event struct {
	// Kind classifies the event.
	Kind EventKind `json:"kind"`
	// PlanID is the owning plan.
	PlanID string `json:"plan_id"`
	// TaskID is set for task-level events.
	TaskID string `json:"task_id,omitempty"`
	// AgentID is set when an agent is involved.
	AgentID string `json:"agent_id,omitempty"`
	// Detail carries human-readable context.
	Detail string `json:"detail,omitempty"`
	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"timestamp"`
}

// PlanStatus is the terminal state of a plan execution.
type PlanStatus string

const (
	// PlanCompleted means every task unit finished.
	PlanCompleted PlanStatus = "completed"
	// PlanFailed means a task failed with no contingency left.
	PlanFailed PlanStatus = "failed"
	// PlanCancelled means execution was cancelled externally.
	PlanCancelled PlanStatus = "cancelled"
)

// PlanResult is the aggregate outcome of one plan execution.
type PlanResult struct {
	// PlanID is the executed plan.
	PlanID string `json:"plan_id"`
	// Status is the terminal state.
	Status PlanStatus `json:"status"`
	// Detail carries the terminal diagnostic.
	Detail string `json:"detail,omitempty"`
	// TaskResults holds the per-task verdicts, keyed by graph task ID.
	TaskResults map[string]*engine.TaskResult `json:"task_results,omitempty"`
	// FinishedAt is when execution ended.
	FinishedAt time.Time `json:"finished_at"`
}

// ExecutionHandle is the caller's view of one in-flight plan execution.
// Progress events stream over a bounded channel: a slow consumer loses
// events (counted in Dropped) rather than stalling the execution.
type ExecutionHandle struct {
	planID string
	events chan Event
	done   chan struct{}
	cancel context.CancelFunc

	dropped atomic.Uint64

	mu     sync.Mutex
	result *PlanResult
}

func newExecutionHandle(planID string, depth int, cancel context.CancelFunc) *ExecutionHandle {
	if depth <= 0 {
		depth = 64
	}
	return &ExecutionHandle{
		planID: planID,
		events: make(chan Event, depth),
		done:   make(chan struct{}),
		cancel: cancel,
	}
}

// PlanID returns the plan this handle tracks.
func (h *ExecutionHandle) PlanID() string {
	return h.planID
}

// Events returns the progress event stream. The channel closes when
// execution reaches a terminal state.
func (h *ExecutionHandle) Events() <-chan Event {
	return h.events
}

// Done returns a channel closed when execution reaches a terminal state.
func (h *ExecutionHandle) Done() <-chan struct{} {
	return h.done
}

// Result returns the terminal result, or nil while still running.
func (h *ExecutionHandle) Result() *PlanResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result
}

// Dropped returns how many events were lost to a slow consumer.
func (h *ExecutionHandle) Dropped() uint64 {
	return h.dropped.Load()
}

// Cancel requests cancellation of the execution.
func (h *ExecutionHandle) Cancel() {
	h.cancel()
}

// emit delivers an event without blocking the execution.
func (h *ExecutionHandle) emit(ev Event) {
	select {
	case h.events <- ev:
	default:
		h.dropped.Add(1)
	}
}

// finish records the terminal result and closes the streams.
func (h *ExecutionHandle) finish(result *PlanResult) {
	h.mu.Lock()
	h.result = result
	h.mu.Unlock()
	close(h.done)
	close(h.events)
}
