// Package coordinator composes planning, distribution, execution,
// consensus, and conflict resolution into the coordination service.
package coordinator

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhifengzhang-sz/qi-v2-agent-sub000/internal/bus"
	"github.com/zhifengzhang-sz/qi-v2-agent-sub000/internal/config"
	"github.com/zhifengzhang-sz/qi-v2-agent-sub000/internal/conflict"
	"github.com/zhifengzhang-sz/qi-v2-agent-sub000/internal/consensus"
	"github.com/zhifengzhang-sz/qi-v2-agent-sub000/internal/distributor"
	"github.com/zhifengzhang-sz/qi-v2-agent-sub000/internal/engine"
	"github.com/zhifengzhang-sz/qi-v2-agent-sub000/internal/graph"
	"github.com/zhifengzhang-sz/qi-v2-agent-sub000/internal/knowledge"
	"github.com/zhifengzhang-sz/qi-v2-agent-sub000/internal/planner"
	"github.com/zhifengzhang-sz/qi-v2-agent-sub000/internal/registry"
	"github.com/zhifengzhang-sz/qi-v2-agent-sub000/internal/resilience"
	"github.com/zhifengzhang-sz/qi-v2-agent-sub000/pkg/models"
)

// SelfID is the orchestrator's inbox on the communication bus.
const SelfID = "coordinator"

// consensusID is the consensus coordinator's own inbox, kept separate
// from the orchestrator's so votes and reports do not share a handler.
const consensusID = "coordinator-consensus"

// Health is the coordination service's aggregate health view.
type Health struct {
	// Status is healthy, degraded, or unhealthy.
	Status string `json:"status"`
	// ActiveAgents counts agents currently assignable or busy.
	ActiveAgents int `json:"active_agents"`
	// QueueDepths reports per-recipient bus queue depths.
	QueueDepths map[string]int `json:"queue_depths"`
	// CircuitStates reports each circuit breaker's state.
	CircuitStates map[string]resilience.BreakerState `json:"circuit_states"`
	// ActivePlans counts in-flight plan executions.
	ActivePlans int `json:"active_plans"`
	// PendingTasks counts task units queued for assignment.
	PendingTasks int `json:"pending_tasks"`
}

// runState tracks one in-flight plan execution.
type runState struct {
	handle   *ExecutionHandle
	plan     *models.TaskPlan
	requeued chan string
}

// taskVerdict is one finished task dispatch, reported to the plan worker.
type taskVerdict struct {
	nodeID  string
	unitID  string
	agentID string
	result  *engine.TaskResult
	err     error
}

// Orchestrator is the single logical authority over coordination. It
// may be internally concurrent (one worker per in-flight plan), but all
// mutations of the agent table and assignment table go through their
// single-writer owners.
type Orchestrator struct {
	cfg         *config.Config
	planner     *planner.Planner
	registry    *registry.Registry
	transport   *bus.Bus
	distributor *distributor.Distributor
	consensus   *consensus.Coordinator
	resolver    *conflict.Resolver
	engine      *engine.Engine
	store       knowledge.Provider

	breakerMu sync.Mutex
	breakers  map[string]*resilience.CircuitBreaker

	mu         sync.Mutex
	objectives map[string]*models.Objective
	executions map[string]*runState
	reports    map[string][]models.ConflictReport

	stop     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New wires the coordination service together. The executor is the
// opaque workflow-pattern boundary (a StrategyCatalog in practice); a
// nil store disables persistence.
func New(cfg *config.Config, executor engine.ActionExecutor, store knowledge.Provider) (*Orchestrator, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if executor == nil {
		return nil, fmt.Errorf("coordinator: no action executor")
	}
	if store == nil {
		store = knowledge.Null{}
	}

	plnr, err := planner.New(cfg.Planner)
	if err != nil {
		return nil, fmt.Errorf("coordinator: %w", err)
	}

	transport := bus.New(cfg.Bus.QueueDepth)
	cons := consensus.New(transport, consensusID, consensus.Config{PhaseTimeout: cfg.Timeouts.ConsensusPhase})

	o := &Orchestrator{
		cfg:     cfg,
		planner: plnr,
		registry: registry.New(registry.Config{
			HeartbeatInterval:    cfg.Registry.HeartbeatInterval,
			MissedHeartbeatLimit: cfg.Registry.MissedHeartbeatLimit,
		}),
		transport:   transport,
		distributor: distributor.New(distributor.Config{FeasibilityCeiling: cfg.Distributor.FeasibilityCeiling}),
		consensus:   cons,
		resolver:    conflict.New(cons),
		engine:      engine.New(executor, store, engine.Config{TaskTimeout: cfg.Timeouts.TaskExecution}),
		store:       store,
		breakers:    make(map[string]*resilience.CircuitBreaker),
		objectives:  make(map[string]*models.Objective),
		executions:  make(map[string]*runState),
		reports:     make(map[string][]models.ConflictReport),
		stop:        make(chan struct{}),
	}
	return o, nil
}

// Registry exposes the agent registry for agent lifecycle operations.
func (o *Orchestrator) Registry() *registry.Registry {
	return o.registry
}

// Bus exposes the communication bus so agents can subscribe.
func (o *Orchestrator) Bus() *bus.Bus {
	return o.transport
}

// Start subscribes the orchestrator and starts heartbeat supervision.
func (o *Orchestrator) Start() error {
	if err := o.consensus.Start(); err != nil {
		return fmt.Errorf("start consensus: %w", err)
	}
	if err := o.transport.Subscribe(SelfID, o.handleMessage); err != nil {
		return fmt.Errorf("subscribe orchestrator: %w", err)
	}

	o.wg.Add(1)
	go o.superviseHeartbeats()
	return nil
}

// Stop cancels all in-flight executions and shuts the service down.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		close(o.stop)

		o.mu.Lock()
		for _, rs := range o.executions {
			rs.handle.Cancel()
		}
		o.mu.Unlock()

		o.wg.Wait()
		o.transport.Close()
	})
}

// PlanObjective plans the objective against the current registry
// snapshot. The plan is persisted best-effort; a failing store never
// blocks planning.
func (o *Orchestrator) PlanObjective(obj *models.Objective) (*models.TaskPlan, error) {
	if obj == nil {
		return nil, fmt.Errorf("plan objective: nil objective")
	}
	if obj.ID == "" {
		obj.ID = uuid.New().String()[:8]
	}
	if obj.CreatedAt.IsZero() {
		obj.CreatedAt = time.Now()
	}

	snap := o.registry.Snapshot()
	plan, err := o.planner.Plan(obj, &snap)
	if err != nil {
		return nil, err
	}

	breaker := o.breakerFor("knowledge")
	if err := breaker.Execute(func() error { return o.store.SavePlan(plan) }); err != nil {
		log.Printf("[coordinator] plan %s not persisted: %v", plan.ID, err)
	}

	o.mu.Lock()
	o.objectives[plan.ID] = obj
	o.mu.Unlock()
	return plan, nil
}

// DistributeAndExecute starts executing the plan and returns a handle
// streaming progress events. The execution runs until the plan
// completes, fails with no contingency left, or is cancelled.
func (o *Orchestrator) DistributeAndExecute(ctx context.Context, plan *models.TaskPlan) (*ExecutionHandle, error) {
	if plan == nil || len(plan.Tasks) == 0 {
		return nil, fmt.Errorf("execute: plan has no task units")
	}

	g := graph.New()
	if err := g.Build(plan.Tasks, plan.Edges); err != nil {
		return nil, fmt.Errorf("execute plan %s: %w", plan.ID, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	handle := newExecutionHandle(plan.ID, o.cfg.Bus.QueueDepth, cancel)
	rs := &runState{handle: handle, plan: plan, requeued: make(chan string, len(plan.Tasks))}

	o.mu.Lock()
	if _, exists := o.executions[plan.ID]; exists {
		o.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("execute: plan %s is already running", plan.ID)
	}
	o.executions[plan.ID] = rs
	o.mu.Unlock()

	o.wg.Add(1)
	go o.run(runCtx, rs, g)
	return handle, nil
}

// CancelExecution cancels an in-flight plan execution.
func (o *Orchestrator) CancelExecution(planID string) error {
	o.mu.Lock()
	rs, ok := o.executions[planID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("cancel: no running execution for plan %s", planID)
	}
	rs.handle.Cancel()
	return nil
}

// GetCoordinationHealth reports the service's aggregate health.
func (o *Orchestrator) GetCoordinationHealth() Health {
	o.mu.Lock()
	activePlans := len(o.executions)
	o.mu.Unlock()

	h := Health{
		ActiveAgents:  o.registry.ActiveCount(),
		QueueDepths:   o.transport.QueueDepths(),
		CircuitStates: make(map[string]resilience.BreakerState),
		ActivePlans:   activePlans,
		PendingTasks:  o.distributor.PendingCount(),
	}

	o.breakerMu.Lock()
	open := false
	for name, b := range o.breakers {
		state := b.State()
		h.CircuitStates[name] = state
		if state == resilience.StateOpen {
			open = true
		}
	}
	o.breakerMu.Unlock()

	switch {
	case h.ActiveAgents == 0 && h.ActivePlans > 0:
		h.Status = "unhealthy"
	case open || h.PendingTasks > 0:
		h.Status = "degraded"
	default:
		h.Status = "healthy"
	}
	return h
}

// run is the per-plan worker. It is the only goroutine that mutates
// this plan's graph and drives its distributor calls, so plan state
// stays single-writer.
func (o *Orchestrator) run(ctx context.Context, rs *runState, g *graph.TaskGraph) {
	defer o.wg.Done()
	plan := rs.plan
	handle := rs.handle

	defer func() {
		o.mu.Lock()
		delete(o.executions, plan.ID)
		o.mu.Unlock()
		// Release any task goroutines still blocked on the run context.
		handle.cancel()
	}()

	priority := models.PriorityNormal
	var deadline *time.Time
	o.mu.Lock()
	if obj := o.objectives[plan.ID]; obj != nil {
		if obj.Priority.Valid() {
			priority = obj.Priority
		}
		deadline = obj.Deadline
	}
	o.mu.Unlock()

	handle.emit(Event{Kind: EventPlanStarted, PlanID: plan.ID, Timestamp: time.Now(),
		Detail: fmt.Sprintf("%d task units, risk %s", len(plan.Tasks), plan.Risk.Level)})

	// nodeOf maps unit IDs (including contingency fallbacks) back to
	// their graph node.
	nodeOf := make(map[string]string, len(plan.Tasks))
	for _, t := range plan.Tasks {
		nodeOf[t.ID] = t.ID
	}

	inflight := make(map[string]bool)
	attempts := make(map[string]int)
	contingencyUsed := make(map[string]bool)
	results := make(map[string]*engine.TaskResult, len(plan.Tasks))

	// Buffered so task goroutines never block on a finished worker.
	verdicts := make(chan taskVerdict, 3*len(plan.Tasks))

	retry := time.NewTicker(time.Second)
	defer retry.Stop()

	finish := func(status PlanStatus, detail string, kind EventKind) {
		handle.emit(Event{Kind: kind, PlanID: plan.ID, Detail: detail, Timestamp: time.Now()})
		handle.finish(&PlanResult{
			PlanID:      plan.ID,
			Status:      status,
			Detail:      detail,
			TaskResults: results,
			FinishedAt:  time.Now(),
		})
		log.Printf("[coordinator] plan %s %s: %s", plan.ID, status, detail)
	}

	schedule := func() {
		var units []models.TaskUnit
		for _, nodeID := range g.Ready() {
			if inflight[nodeID] {
				continue
			}
			if t := g.Task(nodeID); t != nil {
				units = append(units, *t)
			}
		}
		snap := o.registry.Snapshot()
		assigned := o.distributor.Distribute(units, snap, priority)
		assigned = append(assigned, o.distributor.Retry(snap, priority)...)

		for _, a := range assigned {
			nodeID, ok := nodeOf[a.TaskID]
			if !ok || inflight[nodeID] {
				continue
			}
			inflight[nodeID] = true
			attempts[nodeID]++
			if err := o.registry.SetStatus(a.AgentID, models.AgentStatusBusy); err != nil {
				log.Printf("[coordinator] plan %s: mark %s busy: %v", plan.ID, a.AgentID, err)
			}
			handle.emit(Event{Kind: EventTaskAssigned, PlanID: plan.ID, TaskID: a.TaskID,
				AgentID: a.AgentID, Timestamp: time.Now()})

			unit := *g.Task(nodeID)
			go o.executeTask(ctx, nodeID, unit, a, deadline, verdicts)
		}
	}

	schedule()

	for {
		if g.Done() {
			finish(PlanCompleted, fmt.Sprintf("%d task units completed", len(plan.Tasks)), EventPlanCompleted)
			return
		}

		select {
		case <-ctx.Done():
			finish(PlanCancelled, "execution cancelled", EventPlanCancelled)
			return

		case unitID := <-rs.requeued:
			if nodeID, ok := nodeOf[unitID]; ok {
				delete(inflight, nodeID)
				handle.emit(Event{Kind: EventTaskRequeued, PlanID: plan.ID, TaskID: unitID, Timestamp: time.Now()})
			}
			schedule()

		case <-retry.C:
			schedule()

		case v := <-verdicts:
			delete(inflight, v.nodeID)
			o.releaseAgent(v.agentID)
			if v.result != nil {
				results[v.nodeID] = v.result
			}

			switch {
			case v.err != nil:
				// Dispatch-level failure (capability mismatch, circuit
				// open): put the unit back for a different agent.
				o.distributor.Fail(v.unitID)
				if attempts[v.nodeID] >= 3 {
					finish(PlanFailed, fmt.Sprintf("task %s undispatchable: %v", v.unitID, v.err), EventPlanFailed)
					return
				}
				if t := g.Task(v.nodeID); t != nil {
					o.distributor.Enqueue(*t)
				}

			case v.result.Status == engine.StatusSucceeded:
				o.reconcile(ctx, handle, plan.ID, v)
				o.distributor.Complete(v.unitID)
				g.MarkComplete(v.nodeID)
				handle.emit(Event{Kind: EventTaskCompleted, PlanID: plan.ID, TaskID: v.unitID,
					AgentID: v.agentID, Timestamp: time.Now()})

			case v.result.Status == engine.StatusCancelled:
				finish(PlanCancelled, fmt.Sprintf("task %s cancelled", v.unitID), EventPlanCancelled)
				return

			default: // engine.StatusFailed
				o.distributor.Fail(v.unitID)
				handle.emit(Event{Kind: EventTaskFailed, PlanID: plan.ID, TaskID: v.unitID,
					AgentID: v.agentID, Detail: v.result.Detail, Timestamp: time.Now()})

				ctg := plan.ContingencyFor(v.nodeID)
				if ctg == nil || contingencyUsed[v.nodeID] {
					finish(PlanFailed, fmt.Sprintf("task %s failed with no contingency left: %s",
						v.unitID, v.result.Detail), EventPlanFailed)
					return
				}
				contingencyUsed[v.nodeID] = true
				if err := g.Replace(v.nodeID, ctg.Fallback); err != nil {
					finish(PlanFailed, fmt.Sprintf("contingency for %s: %v", v.nodeID, err), EventPlanFailed)
					return
				}
				nodeOf[ctg.Fallback.ID] = v.nodeID
				handle.emit(Event{Kind: EventContingencyApplied, PlanID: plan.ID, TaskID: v.nodeID,
					Detail: fmt.Sprintf("fallback %s substituted: %s", ctg.Fallback.ID, ctg.Trigger),
					Timestamp: time.Now()})
			}
			schedule()
		}
	}
}

// executeTask dispatches one assignment: notify the agent over the bus,
// then drive the decision engine behind the agent's circuit breaker.
func (o *Orchestrator) executeTask(ctx context.Context, nodeID string, unit models.TaskUnit, a models.TaskAssignment, deadline *time.Time, verdicts chan<- taskVerdict) {
	v := taskVerdict{nodeID: nodeID, unitID: unit.ID, agentID: a.AgentID}

	snap := o.registry.Snapshot()
	agent := snap.Agent(a.AgentID)
	if agent == nil {
		v.err = fmt.Errorf("agent %s vanished before dispatch", a.AgentID)
		verdicts <- v
		return
	}

	o.notifyAgent(ctx, unit, a)

	breaker := o.breakerFor("agent:" + a.AgentID)
	v.err = breaker.Execute(func() error {
		result, err := o.engine.Run(ctx, unit, a, *agent, deadline)
		if err != nil {
			return err
		}
		v.result = result
		return nil
	})
	verdicts <- v
}

// notifyAgent sends the work request message, retrying queue-full
// backpressure. Delivery is advisory for in-process agents.
func (o *Orchestrator) notifyAgent(ctx context.Context, unit models.TaskUnit, a models.TaskAssignment) {
	msg := models.AgentMessage{
		ID:         uuid.New().String(),
		Type:       models.MessageRequest,
		Sender:     SelfID,
		Recipients: []string{a.AgentID},
		Payload: map[string]any{
			"task_id":     unit.ID,
			"description": unit.Description,
			"outcome":     unit.ExpectedOutcome,
		},
		Priority:  a.Priority,
		Timestamp: time.Now(),
	}

	policy := resilience.RetryPolicy{
		MaxAttempts: o.cfg.Retry.MaxAttempts,
		BaseDelay:   o.cfg.Retry.BaseDelay,
		MaxDelay:    o.cfg.Retry.MaxDelay,
		Retryable:   resilience.RetryableSet(bus.ErrQueueFull),
	}
	nctx, cancel := context.WithTimeout(ctx, o.cfg.Timeouts.MessageRoundTrip)
	defer cancel()

	err := resilience.ExecuteWithRetry(nctx, "notify "+a.AgentID, func(ctx context.Context) error {
		return o.transport.Send(a.AgentID, msg)
	}, policy)
	if err != nil {
		log.Printf("[coordinator] work notification to %s not delivered: %v", a.AgentID, err)
	}
}

// reconcile checks for conflicting reports about a finished task and
// routes disagreements through the resolver. Conflicts are never
// errors; they always end in a Resolution.
func (o *Orchestrator) reconcile(ctx context.Context, handle *ExecutionHandle, planID string, v taskVerdict) {
	external := o.takeReports(v.unitID)
	if len(external) == 0 {
		return
	}

	own := models.ConflictReport{
		AgentID:    v.agentID,
		Fields:     map[string]string{"status": string(v.result.Status)},
		ReportedAt: time.Now(),
	}
	reports := append(external, own)

	c := conflict.Classify("task-completion:"+v.unitID, reports)
	res, err := o.resolver.Resolve(ctx, c)
	if err != nil {
		log.Printf("[coordinator] conflict %s unresolved: %v", c.ID, err)
		return
	}
	handle.emit(Event{Kind: EventConflictResolved, PlanID: planID, TaskID: v.unitID,
		Detail:    fmt.Sprintf("%s severity resolved via %s (confidence %.2f)", c.Severity, res.Strategy, res.Confidence),
		Timestamp: time.Now()})
}

// handleMessage collects status and conflict reports from agents.
func (o *Orchestrator) handleMessage(msg models.AgentMessage) {
	if msg.Type != models.MessageStatus && msg.Type != models.MessageConflict {
		return
	}
	taskID, _ := msg.Payload["task_id"].(string)
	if taskID == "" {
		return
	}

	fields := make(map[string]string)
	if raw, ok := msg.Payload["fields"].(map[string]any); ok {
		for k, val := range raw {
			fields[k] = fmt.Sprint(val)
		}
	}
	if len(fields) == 0 {
		return
	}

	o.mu.Lock()
	o.reports[taskID] = append(o.reports[taskID], models.ConflictReport{
		AgentID:    msg.Sender,
		Fields:     fields,
		ReportedAt: msg.Timestamp,
	})
	o.mu.Unlock()
}

// takeReports pops all collected reports for a task.
func (o *Orchestrator) takeReports(taskID string) []models.ConflictReport {
	o.mu.Lock()
	defer o.mu.Unlock()
	reports := o.reports[taskID]
	delete(o.reports, taskID)
	return reports
}

// releaseAgent returns a busy agent to the available pool. Agents the
// registry has since marked unreachable or draining are left alone.
func (o *Orchestrator) releaseAgent(agentID string) {
	snap := o.registry.Snapshot()
	agent := snap.Agent(agentID)
	if agent == nil || agent.Status != models.AgentStatusBusy {
		return
	}
	if err := o.registry.SetStatus(agentID, models.AgentStatusAvailable); err != nil {
		log.Printf("[coordinator] release %s: %v", agentID, err)
	}
}

// superviseHeartbeats periodically sweeps missed heartbeats, requeues
// work assigned to unreachable agents, and hands the requeued task IDs
// to their owning plan workers.
func (o *Orchestrator) superviseHeartbeats() {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.Registry.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stop:
			return
		case <-ticker.C:
			for _, agentID := range o.registry.SweepHeartbeats() {
				requeued := o.distributor.RequeueAgent(agentID)
				if len(requeued) == 0 {
					continue
				}
				log.Printf("[coordinator] agent %s unreachable, requeued %d task(s)", agentID, len(requeued))
				o.routeRequeued(requeued)
			}
		}
	}
}

// routeRequeued delivers requeued task IDs to their owning workers.
func (o *Orchestrator) routeRequeued(taskIDs []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, taskID := range taskIDs {
		for planID, rs := range o.executions {
			if !strings.HasPrefix(taskID, planID+"-") && !strings.HasPrefix(taskID, "ctg-"+planID+"-") {
				continue
			}
			select {
			case rs.requeued <- taskID:
			default:
			}
			break
		}
	}
}

// breakerFor returns the named circuit breaker, creating it on first use.
func (o *Orchestrator) breakerFor(name string) *resilience.CircuitBreaker {
	o.breakerMu.Lock()
	defer o.breakerMu.Unlock()
	b, ok := o.breakers[name]
	if !ok {
		b = resilience.NewCircuitBreaker(name, resilience.BreakerConfig{
			FailureThreshold: o.cfg.Breaker.FailureThreshold,
			MonitoringPeriod: o.cfg.Breaker.MonitoringPeriod,
			Timeout:          o.cfg.Breaker.Timeout,
		})
		o.breakers[name] = b
	}
	return b
}
