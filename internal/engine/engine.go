// Package engine drives a single task unit's execution as a sequence
// of scored decisions with backtracking over an append-only log.
package engine

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zhifengzhang-sz/qi-v2-agent-sub000/internal/knowledge"
	"github.com/zhifengzhang-sz/qi-v2-agent-sub000/pkg/models"
)

// ActionContext is what the executor receives alongside the pattern ID.
type ActionContext struct {
	// Task is the task unit being executed.
	Task models.TaskUnit
	// Assignment binds the task to the executing agent.
	Assignment models.TaskAssignment
	// Attempt counts dispatches for this task, starting at 1.
	Attempt int
}

// ExecutionResult is the opaque outcome of one dispatched action.
type ExecutionResult struct {
	// Success indicates whether the action achieved its outcome.
	Success bool
	// Detail carries diagnostic output from the action.
	Detail string
}

// ActionExecutor runs workflow patterns. The engine treats it as an
// opaque outcome source; tool and service invocation happens behind it.
type ActionExecutor interface {
	ExecutePattern(ctx context.Context, patternID string, actx ActionContext) (*ExecutionResult, error)
}

// ResultStatus is the terminal state of a task execution.
type ResultStatus string

const (
	// StatusSucceeded means the task's expected outcome was achieved.
	StatusSucceeded ResultStatus = "succeeded"
	// StatusFailed means every candidate action was exhausted.
	StatusFailed ResultStatus = "failed"
	// StatusCancelled means execution was cancelled externally.
	StatusCancelled ResultStatus = "cancelled"
)

// TaskResult is the engine's verdict for one task unit, with the full
// decision log for outcome learning and audit.
type TaskResult struct {
	// TaskID is the executed task unit.
	TaskID string
	// Status is the terminal state.
	Status ResultStatus
	// Decisions is the append-only decision log, in order.
	Decisions []models.Decision
	// Attempts counts dispatched actions.
	Attempts int
	// Detail carries the last diagnostic output.
	Detail string
}

// Config configures the engine.
type Config struct {
	// TaskTimeout bounds a dispatch when the task unit carries no
	// estimate of its own.
	TaskTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{TaskTimeout: 5 * time.Minute}
}

// kindProfile holds the scoring characteristics of one action kind.
// Tunable heuristics, not correctness requirements.
type kindProfile struct {
	cost        float64
	reliability float64
	speedup     float64
}

var kindProfiles = map[models.ActionKind]kindProfile{
	models.ActionSequential: {cost: 0.3, reliability: 1.0, speedup: 1.0},
	models.ActionParallel:   {cost: 0.6, reliability: 0.9, speedup: 0.6},
	models.ActionAdaptive:   {cost: 0.5, reliability: 0.85, speedup: 0.8},
}

// kindOrder keeps candidate enumeration deterministic.
var kindOrder = []models.ActionKind{models.ActionSequential, models.ActionParallel, models.ActionAdaptive}

// Engine executes one task unit at a time. It is stateless between
// tasks; the decision log lives in the returned TaskResult and in the
// knowledge store.
type Engine struct {
	executor ActionExecutor
	store    knowledge.Provider
	cfg      Config
	// now is injectable for deterministic tests.
	now func() time.Time
	// debugLog is a no-op unless SetDebugLogger is called.
	debugLog func(format string, args ...interface{})
}

// New creates an engine. A nil store disables historical bias.
func New(executor ActionExecutor, store knowledge.Provider, cfg Config) *Engine {
	if store == nil {
		store = knowledge.Null{}
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultConfig().TaskTimeout
	}
	return &Engine{
		executor: executor,
		store:    store,
		cfg:      cfg,
		now:      time.Now,
		debugLog: func(format string, args ...interface{}) {},
	}
}

// SetClock overrides the engine's clock. Intended for tests.
func (e *Engine) SetClock(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

// SetDebugLogger sets a logger for verbose decision output.
func (e *Engine) SetDebugLogger(logger func(format string, args ...interface{})) {
	if logger != nil {
		e.debugLog = logger
	}
}

// Run executes the task: enumerate candidates bounded by the agent's
// declared capabilities, score them, dispatch the best, and on failure
// backtrack to the most recent decision with unexplored alternatives.
// The deadline, when non-nil, feeds the deadline-fit scoring factor.
func (e *Engine) Run(ctx context.Context, task models.TaskUnit, assignment models.TaskAssignment, agent models.AgentInstance, deadline *time.Time) (*TaskResult, error) {
	candidates := e.enumerate(task, agent, deadline)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("task %s: agent %s declares none of the required capabilities %v",
			task.ID, agent.ID, task.RequiredCapabilities)
	}

	result := &TaskResult{TaskID: task.ID, Status: StatusFailed}
	tried := make(map[string]bool)

	selected := candidates[0]
	rejected := candidates[1:]
	decision := e.record(result, task, models.DecisionOperational, selected, rejected,
		fmt.Sprintf("highest score %.3f among %d candidates", selected.Score, len(candidates)))

	for {
		if err := ctx.Err(); err != nil {
			e.terminal(result, task, "execution cancelled before dispatch")
			result.Status = StatusCancelled
			return result, nil
		}

		tried[selected.ID] = true
		result.Attempts++

		outcome := e.dispatch(ctx, task, assignment, selected)
		e.saveOutcome(decision, outcome)
		result.Detail = outcome.Detail

		if outcome.Success {
			result.Status = StatusSucceeded
			log.Printf("[engine] task %s succeeded via %s after %d attempt(s)",
				task.ID, selected.PatternID, result.Attempts)
			return result, nil
		}
		if ctx.Err() != nil {
			e.terminal(result, task, "execution cancelled mid-dispatch")
			result.Status = StatusCancelled
			return result, nil
		}

		e.debugLog("[engine] task %s: %s failed (%s), backtracking", task.ID, selected.PatternID, outcome.Detail)

		next, remaining, ok := backtrack(result.Decisions, tried)
		if !ok {
			e.terminal(result, task, fmt.Sprintf("all %d candidate actions exhausted", len(candidates)))
			log.Printf("[engine] task %s failed: no unexplored alternatives remain", task.ID)
			return result, nil
		}

		selected = next
		decision = e.record(result, task, models.DecisionReactive, selected, remaining,
			fmt.Sprintf("backtracked after failure; best unexplored alternative (score %.3f)", selected.Score))
	}
}

// enumerate builds the scored candidate set. Candidates are bounded by
// the capability tags the agent actually declares; an agent missing a
// required tag contributes nothing.
func (e *Engine) enumerate(task models.TaskUnit, agent models.AgentInstance, deadline *time.Time) []models.CandidateAction {
	tags := task.RequiredCapabilities
	if len(tags) == 0 {
		for _, c := range agent.Capabilities {
			tags = append(tags, c.Tag)
		}
		sort.Strings(tags)
	}

	var candidates []models.CandidateAction
	for _, tag := range tags {
		confidence := agent.Capability(tag).Confidence
		if confidence <= 0 {
			continue
		}
		for _, kind := range kindOrder {
			profile := kindProfiles[kind]
			c := models.CandidateAction{
				ID:                 fmt.Sprintf("%s-%s-%s", task.ID, tag, kind),
				PatternID:          fmt.Sprintf("%s-%s", tag, kind),
				Kind:               kind,
				Description:        fmt.Sprintf("%s via %s %s", task.Description, kind, tag),
				SuccessProbability: confidence * profile.reliability,
				ResourceCost:       profile.cost,
				DeadlineFit:        deadlineFit(task, profile, deadline, e.now()),
			}
			candidates = append(candidates, c)
		}
	}

	e.bias(candidates)

	for i := range candidates {
		c := &candidates[i]
		c.Score = c.SuccessProbability * (1 - c.ResourceCost) * c.DeadlineFit
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates
}

// bias blends historical pattern success rates into the success
// probabilities. Store failures are advisory: scoring proceeds unbiased.
func (e *Engine) bias(candidates []models.CandidateAction) {
	ids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		ids = append(ids, c.PatternID)
	}
	patterns, err := e.store.QueryHistoricalPatterns(ids)
	if err != nil {
		e.debugLog("[engine] pattern history unavailable: %v", err)
		return
	}
	byID := make(map[string]knowledge.Pattern, len(patterns))
	for _, p := range patterns {
		byID[p.PatternID] = p
	}
	for i := range candidates {
		p, ok := byID[candidates[i].PatternID]
		if !ok || p.Uses == 0 {
			continue
		}
		candidates[i].SuccessProbability = 0.7*candidates[i].SuccessProbability + 0.3*p.SuccessRate
	}
}

// deadlineFit scores how well an action kind fits the remaining time.
// No deadline means a perfect fit for every kind.
func deadlineFit(task models.TaskUnit, profile kindProfile, deadline *time.Time, now time.Time) float64 {
	if deadline == nil {
		return 1.0
	}
	remaining := deadline.Sub(now)
	if remaining <= 0 {
		return 0.01
	}
	estimate := task.EstimatedDuration
	if estimate <= 0 {
		return 1.0
	}
	effective := time.Duration(float64(estimate) * profile.speedup)
	fit := float64(remaining) / float64(2*effective)
	if fit > 1 {
		return 1.0
	}
	if fit < 0.01 {
		return 0.01
	}
	return fit
}

// dispatch runs the selected action with the task's time box.
func (e *Engine) dispatch(ctx context.Context, task models.TaskUnit, assignment models.TaskAssignment, selected models.CandidateAction) models.DecisionOutcome {
	timeout := task.EstimatedDuration
	if timeout <= 0 {
		timeout = e.cfg.TaskTimeout
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	actx := ActionContext{Task: task, Assignment: assignment}
	res, err := e.executor.ExecutePattern(dctx, selected.PatternID, actx)

	outcome := models.DecisionOutcome{ObservedAt: e.now()}
	switch {
	case err != nil:
		outcome.Detail = err.Error()
	case res == nil:
		outcome.Detail = "executor returned no result"
	default:
		outcome.Success = res.Success
		outcome.Detail = res.Detail
	}
	return outcome
}

// record appends a decision to the log and returns it. Decisions are
// never mutated afterwards.
func (e *Engine) record(result *TaskResult, task models.TaskUnit, dtype models.DecisionType, selected models.CandidateAction, rejected []models.CandidateAction, rationale string) models.Decision {
	d := models.Decision{
		ID:         uuid.New().String()[:8],
		TaskID:     task.ID,
		Timestamp:  e.now(),
		Type:       dtype,
		Selected:   selected,
		Confidence: confidence(selected, rejected),
		Rejected:   append([]models.CandidateAction(nil), rejected...),
		Rationale:  rationale,
	}
	result.Decisions = append(result.Decisions, d)
	return d
}

// terminal appends a terminal decision closing the task.
func (e *Engine) terminal(result *TaskResult, task models.TaskUnit, rationale string) {
	result.Decisions = append(result.Decisions, models.Decision{
		ID:        uuid.New().String()[:8],
		TaskID:    task.ID,
		Timestamp: e.now(),
		Type:      models.DecisionReactive,
		Rationale: rationale,
		Terminal:  true,
	})
}

// saveOutcome persists the decision and its outcome. Failures are
// advisory and only logged.
func (e *Engine) saveOutcome(decision models.Decision, outcome models.DecisionOutcome) {
	outcome.DecisionID = decision.ID
	if err := e.store.SaveDecisionOutcome(decision, outcome); err != nil {
		e.debugLog("[engine] outcome for decision %s not persisted: %v", decision.ID, err)
	}
}

// confidence is the selected candidate's score margin over the runner-up.
func confidence(selected models.CandidateAction, rejected []models.CandidateAction) float64 {
	if selected.Score <= 0 {
		return 0
	}
	if len(rejected) == 0 {
		return 1.0
	}
	margin := (selected.Score - rejected[0].Score) / selected.Score
	return 0.5 + 0.5*margin
}

// backtrack walks the decision log backward to the most recent decision
// with unexplored alternatives and returns the best untried one, with
// the rest of the untried alternatives at that point as the new
// rejected set.
func backtrack(decisions []models.Decision, tried map[string]bool) (models.CandidateAction, []models.CandidateAction, bool) {
	for i := len(decisions) - 1; i >= 0; i-- {
		var untried []models.CandidateAction
		for _, alt := range decisions[i].Rejected {
			if !tried[alt.ID] {
				untried = append(untried, alt)
			}
		}
		if len(untried) > 0 {
			// Rejected sets are stored in descending score order.
			return untried[0], untried[1:], true
		}
	}
	return models.CandidateAction{}, nil, false
}

// Describe renders the decision log for diagnostics.
func Describe(result *TaskResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "task %s: %s after %d attempt(s)\n", result.TaskID, result.Status, result.Attempts)
	for i, d := range result.Decisions {
		if d.Terminal {
			fmt.Fprintf(&sb, "  %d. terminal: %s\n", i+1, d.Rationale)
			continue
		}
		fmt.Fprintf(&sb, "  %d. %s selected %s (score %.3f, confidence %.2f): %s\n",
			i+1, d.Type, d.Selected.PatternID, d.Selected.Score, d.Confidence, d.Rationale)
	}
	return sb.String()
}
