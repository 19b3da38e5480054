// Package planner decomposes objectives into dependency-aware task
// plans with risk assessment and contingencies.
package planner

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zhifengzhang-sz/qi-v2-agent-sub000/internal/config"
	"github.com/zhifengzhang-sz/qi-v2-agent-sub000/internal/graph"
	"github.com/zhifengzhang-sz/qi-v2-agent-sub000/internal/registry"
	"github.com/zhifengzhang-sz/qi-v2-agent-sub000/pkg/models"
)

// PlanningError reports a planning failure. Infeasible planning errors
// mean no decomposition satisfies the objective's mandatory constraints;
// they are surfaced to the caller, never retried.
type PlanningError struct {
	// ObjectiveID is the objective that could not be planned.
	ObjectiveID string
	// Infeasible is true when mandatory constraints cannot be satisfied.
	Infeasible bool
	// Reason is the diagnostic detail.
	Reason string
	// Violations lists the constraints that could not be satisfied.
	Violations []models.Constraint
}

// Error implements the error interface.
func (e *PlanningError) Error() string {
	if e.Infeasible {
		return fmt.Sprintf("planning objective %s: infeasible: %s", e.ObjectiveID, e.Reason)
	}
	return fmt.Sprintf("planning objective %s: %s", e.ObjectiveID, e.Reason)
}

// complexityKeywords raise the description component of the complexity
// score. Tunable heuristics, not correctness requirements.
var complexityKeywords = []string{
	"migrate", "refactor", "redesign", "integrate", "distributed",
	"concurrent", "security", "rollback", "multiple", "all", "every",
	"system", "architecture", "validation", "consistency",
}

// Planner turns objectives into task plans by hierarchical template
// expansion keyed by complexity class.
type Planner struct {
	cfg     config.PlannerConfig
	catalog Catalog
	// now is injectable for deterministic tests.
	now func() time.Time
	// debugLog is a no-op unless SetDebugLogger is called.
	debugLog func(format string, args ...interface{})
}

// New creates a planner. When the config names a template catalog file
// it is loaded over the built-in defaults.
func New(cfg config.PlannerConfig) (*Planner, error) {
	catalog := DefaultCatalog()
	if cfg.TemplateCatalog != "" {
		loaded, err := LoadCatalog(cfg.TemplateCatalog)
		if err != nil {
			return nil, err
		}
		catalog = loaded
	}
	return &Planner{
		cfg:      cfg,
		catalog:  catalog,
		now:      time.Now,
		debugLog: func(format string, args ...interface{}) {},
	}, nil
}

// SetClock overrides the planner's clock. Intended for tests.
func (p *Planner) SetClock(now func() time.Time) {
	if now != nil {
		p.now = now
	}
}

// SetDebugLogger sets a logger for verbose planning output.
func (p *Planner) SetDebugLogger(logger func(format string, args ...interface{})) {
	if logger != nil {
		p.debugLog = logger
	}
}

// Classify scores the objective's complexity from description keywords,
// constraint count, and deadline tightness, and buckets the score into
// a complexity class.
func (p *Planner) Classify(obj *models.Objective) (Complexity, float64) {
	desc := strings.ToLower(obj.Description)

	hits := 0
	for _, kw := range complexityKeywords {
		if strings.Contains(desc, kw) {
			hits++
		}
	}
	words := len(strings.Fields(desc))
	descScore := clamp01(float64(hits)/4 + float64(words)/80)

	constraintScore := clamp01(float64(len(obj.Constraints)) / 4)

	tightness := 0.0
	if obj.Deadline != nil {
		remaining := obj.Deadline.Sub(p.now())
		tightness = clamp01(1 - remaining.Hours()/72)
	}

	score := 0.5*descScore + 0.3*constraintScore + 0.2*tightness

	var class Complexity
	switch {
	case score < 0.25:
		class = ComplexitySimple
	case score < 0.5:
		class = ComplexityModerate
	case score < 0.75:
		class = ComplexityComplex
	default:
		class = ComplexityVeryComplex
	}
	return class, score
}

// Plan decomposes the objective into a task plan. The registry snapshot
// feeds the resource-scarcity risk factor and may be nil when no
// registry is attached yet.
func (p *Planner) Plan(obj *models.Objective, snap *registry.Snapshot) (*models.TaskPlan, error) {
	if obj == nil || strings.TrimSpace(obj.Description) == "" {
		return nil, fmt.Errorf("plan: objective has no description")
	}
	if obj.Priority != "" && !obj.Priority.Valid() {
		return nil, fmt.Errorf("plan: invalid priority %q", obj.Priority)
	}

	class, complexityScore := p.Classify(obj)
	p.debugLog("[planner] objective %s classified %s (score %.2f)", obj.ID, class, complexityScore)

	planID := uuid.New().String()[:8]
	tasks, edges := p.expand(planID, obj, p.catalog[class])
	if len(tasks) == 0 {
		return nil, &PlanningError{ObjectiveID: obj.ID, Reason: "template expansion produced no task units"}
	}

	// The edge set must be a DAG; building the graph proves it.
	if err := graph.New().Build(tasks, edges); err != nil {
		return nil, fmt.Errorf("plan %s: %w", planID, err)
	}

	critical := criticalPath(tasks, edges)

	violated, flagged := p.preCheck(obj, critical)
	if len(violated) > 0 {
		return nil, &PlanningError{
			ObjectiveID: obj.ID,
			Infeasible:  true,
			Reason:      fmt.Sprintf("%d mandatory constraint(s) cannot be satisfied", len(violated)),
			Violations:  violated,
		}
	}

	risk := p.assessRisk(obj, complexityScore, flagged, snap, tasks)

	plan := &models.TaskPlan{
		ID:                planID,
		ObjectiveID:       obj.ID,
		Tasks:             tasks,
		Edges:             edges,
		EstimatedDuration: critical,
		Risk:              risk,
		CreatedAt:         p.now(),
	}
	plan.Contingencies = p.contingencies(plan, snap)

	log.Printf("[planner] plan %s: %d tasks, %d edges, risk %.2f (%s), %d contingencies",
		plan.ID, len(plan.Tasks), len(plan.Edges), risk.Score, risk.Level, len(plan.Contingencies))
	return plan, nil
}

// expand turns the phase template into task units and dependency edges.
// Phases connect in declaration order; sibling subphases are independent
// subtrees fanned out from the previous phase's exits.
func (p *Planner) expand(planID string, obj *models.Objective, phases []PhaseTemplate) ([]models.TaskUnit, []models.DependencyEdge) {
	var tasks []models.TaskUnit
	var edges []models.DependencyEdge

	var walk func(phases []PhaseTemplate, entryFrom []string) (exits []string)
	walk = func(phases []PhaseTemplate, entryFrom []string) []string {
		prev := entryFrom
		for _, ph := range phases {
			if len(ph.Subphases) > 0 {
				// Sibling subphases all hang off the same entry set.
				var exits []string
				for _, sub := range ph.Subphases {
					exits = append(exits, walk([]PhaseTemplate{sub}, prev)...)
				}
				prev = exits
				continue
			}

			unit := models.TaskUnit{
				ID:                   fmt.Sprintf("%s-%s-%d", planID, ph.Name, len(tasks)),
				PlanID:               planID,
				Description:          fmt.Sprintf("%s: %s", ph.Description, obj.Description),
				RequiredCapabilities: append([]string(nil), ph.Capabilities...),
				EstimatedDuration:    ph.Duration,
				ExpectedOutcome:      fmt.Sprintf("%s phase complete", ph.Name),
			}
			tasks = append(tasks, unit)

			kind := models.EdgeSequential
			if ph.ParallelSafe {
				kind = models.EdgeParallelSafe
			}
			if ph.Conditional {
				kind = models.EdgeConditional
			}
			for _, from := range prev {
				edges = append(edges, models.DependencyEdge{FromTaskID: from, ToTaskID: unit.ID, Kind: kind})
			}
			prev = []string{unit.ID}
		}
		return prev
	}

	walk(phases, nil)
	return tasks, edges
}

// preCheck flags constraint problems the planner can measure before
// execution. Mandatory violations make the plan infeasible; soft flags
// feed the risk assessment. Constraints the planner cannot evaluate
// contribute to risk through the constraint count, not through flags.
func (p *Planner) preCheck(obj *models.Objective, critical time.Duration) (violated []models.Constraint, flagged int) {
	if obj.Deadline != nil {
		remaining := obj.Deadline.Sub(p.now())
		switch {
		case remaining <= 0 || critical > remaining:
			violated = append(violated, models.Constraint{
				Description: fmt.Sprintf("complete before %s (critical path %s exceeds remaining %s)",
					obj.Deadline.Format(time.RFC3339), critical, remaining.Round(time.Second)),
				Mandatory: true,
			})
		case critical*2 > remaining:
			// Less than 2x slack: flag as a risk, not a violation.
			flagged++
		}
	}
	for _, c := range obj.Constraints {
		if !c.Mandatory {
			flagged++
		}
	}
	return violated, flagged
}

// assessRisk computes the weighted risk assessment for the plan.
func (p *Planner) assessRisk(obj *models.Objective, complexityScore float64, flagged int, snap *registry.Snapshot, tasks []models.TaskUnit) models.RiskAssessment {
	factors := []models.RiskFactor{
		{Name: "complexity", Weight: p.cfg.ComplexityWeight, Value: complexityScore},
		{Name: "constraint_violations", Weight: p.cfg.ConstraintWeight,
			Value: clamp01(float64(flagged) / float64(len(obj.Constraints)+1))},
		{Name: "resource_scarcity", Weight: p.cfg.ScarcityWeight, Value: scarcity(snap, tasks)},
	}

	var score, weights float64
	for _, f := range factors {
		score += f.Weight * f.Value
		weights += f.Weight
	}
	if weights > 0 {
		score /= weights
	}

	level := models.RiskLow
	switch {
	case score >= 0.66:
		level = models.RiskHigh
	case score >= 0.33:
		level = models.RiskMedium
	}
	return models.RiskAssessment{Score: score, Level: level, Factors: factors}
}

// scarcity measures how thin the available agent pool is relative to
// the plan: too few agents for the task count, and required capability
// tags no available agent declares.
func scarcity(snap *registry.Snapshot, tasks []models.TaskUnit) float64 {
	if snap == nil {
		return 0
	}
	available := snap.Available()

	poolPressure := 1.0
	if len(available) > 0 {
		poolPressure = clamp01(1 - float64(len(available))/float64(len(tasks)))
	}

	required := make(map[string]bool)
	for _, t := range tasks {
		for _, tag := range t.RequiredCapabilities {
			required[tag] = true
		}
	}
	uncovered := 0
	for tag := range required {
		covered := false
		for i := range available {
			if available[i].Capability(tag).Confidence > 0 {
				covered = true
				break
			}
		}
		if !covered {
			uncovered++
		}
	}
	coverageGap := 0.0
	if len(required) > 0 {
		coverageGap = float64(uncovered) / float64(len(required))
	}

	return clamp01(0.5*poolPressure + 0.5*coverageGap)
}

// contingencies generates a fallback for each task whose individual
// risk exceeds the configured threshold. The fallback is a relaxed
// retry unit: same work, doubled time box, recovery framing.
func (p *Planner) contingencies(plan *models.TaskPlan, snap *registry.Snapshot) []models.ContingencyPlan {
	var out []models.ContingencyPlan
	for _, t := range plan.Tasks {
		taskRisk := plan.Risk.Score
		if snap != nil && len(t.RequiredCapabilities) > 0 && !covered(snap, t.RequiredCapabilities) {
			taskRisk += 0.3
		}
		if taskRisk <= p.cfg.RiskThreshold {
			continue
		}
		out = append(out, models.ContingencyPlan{
			TaskID:  t.ID,
			Trigger: fmt.Sprintf("task %s fails or exceeds its %s time box", t.ID, t.EstimatedDuration),
			Fallback: models.TaskUnit{
				ID:                   "ctg-" + t.ID,
				PlanID:               plan.ID,
				Description:          "recover and retry: " + t.Description,
				RequiredCapabilities: append([]string(nil), t.RequiredCapabilities...),
				EstimatedDuration:    t.EstimatedDuration * 2,
				ExpectedOutcome:      t.ExpectedOutcome,
			},
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// covered reports whether at least one available agent declares every
// required tag.
func covered(snap *registry.Snapshot, required []string) bool {
	for _, a := range snap.Available() {
		if a.MatchScore(required) > 0 {
			return true
		}
	}
	return false
}

// criticalPath returns the longest duration path through the edge set.
func criticalPath(tasks []models.TaskUnit, edges []models.DependencyEdge) time.Duration {
	durations := make(map[string]time.Duration, len(tasks))
	incoming := make(map[string][]string)
	for _, t := range tasks {
		durations[t.ID] = t.EstimatedDuration
	}
	for _, e := range edges {
		incoming[e.ToTaskID] = append(incoming[e.ToTaskID], e.FromTaskID)
	}

	memo := make(map[string]time.Duration, len(tasks))
	var finish func(id string) time.Duration
	finish = func(id string) time.Duration {
		if d, ok := memo[id]; ok {
			return d
		}
		var longest time.Duration
		for _, from := range incoming[id] {
			if d := finish(from); d > longest {
				longest = d
			}
		}
		memo[id] = longest + durations[id]
		return memo[id]
	}

	var critical time.Duration
	for _, t := range tasks {
		if d := finish(t.ID); d > critical {
			critical = d
		}
	}
	return critical
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
