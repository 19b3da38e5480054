package planner

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zhifengzhang-sz/qi-v2-agent-sub000/internal/config"
	"github.com/zhifengzhang-sz/qi-v2-agent-sub000/internal/graph"
	"github.com/zhifengzhang-sz/qi-v2-agent-sub000/internal/registry"
	"github.com/zhifengzhang-sz/qi-v2-agent-sub000/pkg/models"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestPlanner(t *testing.T) *Planner {
	t.Helper()
	p, err := New(config.Default().Planner)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.SetClock(func() time.Time { return testNow })
	return p
}

func deadline(d time.Duration) *time.Time {
	at := testNow.Add(d)
	return &at
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		obj  models.Objective
		want Complexity
	}{
		{
			"short plain objective is simple",
			models.Objective{ID: "o1", Description: "format the report"},
			ComplexitySimple,
		},
		{
			"keyword-bearing objective is moderate",
			models.Objective{ID: "o2", Description: "migrate 3 files with validation"},
			ComplexityModerate,
		},
		{
			"multi-keyword constrained objective is complex",
			models.Objective{
				ID:          "o3",
				Description: "migrate and refactor all services, integrate validation across the distributed system",
				Constraints: []models.Constraint{
					{Description: "keep service uptime"},
					{Description: "preserve data"},
				},
			},
			ComplexityComplex,
		},
		{
			"tight deadline pushes to very complex",
			models.Objective{
				ID:          "o4",
				Description: "migrate and refactor all services, integrate validation across the distributed system",
				Deadline:    deadline(12 * time.Hour),
				Constraints: []models.Constraint{
					{Description: "keep service uptime"},
					{Description: "preserve data"},
					{Description: "no schema changes"},
					{Description: "audit every step"},
				},
			},
			ComplexityVeryComplex,
		},
	}

	p := newTestPlanner(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			class, score := p.Classify(&tt.obj)
			if class != tt.want {
				t.Errorf("Classify = %s (score %.2f), want %s", class, score, tt.want)
			}
		})
	}
}

func TestPlan_MigrateScenario(t *testing.T) {
	p := newTestPlanner(t)
	obj := &models.Objective{
		ID:          "obj-migrate",
		Description: "migrate 3 files with validation",
		Priority:    models.PriorityNormal,
		CreatedAt:   testNow,
	}

	plan, err := p.Plan(obj, nil)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	if len(plan.Tasks) < 3 {
		t.Errorf("plan has %d tasks, want >= 3", len(plan.Tasks))
	}
	if plan.ObjectiveID != obj.ID {
		t.Errorf("plan objective = %s, want %s", plan.ObjectiveID, obj.ID)
	}
	if plan.EstimatedDuration <= 0 {
		t.Error("plan has no duration estimate")
	}

	var validate *models.TaskUnit
	for i := range plan.Tasks {
		if strings.Contains(plan.Tasks[i].ID, "-validate-") {
			validate = &plan.Tasks[i]
		}
	}
	if validate == nil {
		t.Fatal("plan has no validate task")
	}
	if len(validate.RequiredCapabilities) == 0 || validate.RequiredCapabilities[0] != "validate" {
		t.Errorf("validate task capabilities = %v, want [validate]", validate.RequiredCapabilities)
	}
}

func TestPlan_ParallelSafeSubtrees(t *testing.T) {
	p := newTestPlanner(t)
	obj := &models.Objective{
		ID:          "obj-complex",
		Description: "migrate and refactor all services, integrate validation across the distributed system",
		Constraints: []models.Constraint{
			{Description: "keep service uptime"},
			{Description: "preserve data"},
		},
	}

	plan, err := p.Plan(obj, nil)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	parallel := 0
	for _, e := range plan.Edges {
		if e.Kind == models.EdgeParallelSafe {
			parallel++
		}
	}
	if parallel < 2 {
		t.Errorf("complex plan has %d parallel-safe edges, want >= 2 (independent subtrees)", parallel)
	}
}

func TestPlan_AcyclicProperty(t *testing.T) {
	p := newTestPlanner(t)
	rng := rand.New(rand.NewSource(7))

	words := []string{
		"migrate", "refactor", "update", "all", "the", "services",
		"validation", "distributed", "report", "files", "system",
		"integrate", "concurrent", "security", "cleanup",
	}

	for i := 0; i < 50; i++ {
		n := 3 + rng.Intn(20)
		var sb strings.Builder
		for w := 0; w < n; w++ {
			if w > 0 {
				sb.WriteByte(' ')
			}
			sb.WriteString(words[rng.Intn(len(words))])
		}

		obj := &models.Objective{
			ID:          fmt.Sprintf("obj-%d", i),
			Description: sb.String(),
		}
		for c := rng.Intn(4); c > 0; c-- {
			obj.Constraints = append(obj.Constraints, models.Constraint{Description: "constraint"})
		}
		if rng.Intn(2) == 0 {
			obj.Deadline = deadline(time.Duration(24+rng.Intn(72)) * time.Hour)
		}

		plan, err := p.Plan(obj, nil)
		if err != nil {
			t.Fatalf("Plan(%q): %v", obj.Description, err)
		}

		// Rebuilding the graph re-runs cycle detection independently.
		if err := graph.New().Build(plan.Tasks, plan.Edges); err != nil {
			t.Fatalf("plan for %q has an invalid edge set: %v", obj.Description, err)
		}
	}
}

func TestPlan_EmptyObjectiveRejected(t *testing.T) {
	p := newTestPlanner(t)
	if _, err := p.Plan(&models.Objective{ID: "o", Description: "  "}, nil); err == nil {
		t.Error("Plan with empty description should fail")
	}
	var perr *PlanningError
	_, err := p.Plan(&models.Objective{ID: "o", Description: ""}, nil)
	if errors.As(err, &perr) {
		t.Error("empty description is a validation error, not a planning error")
	}
}

func TestPlan_InfeasibleDeadline(t *testing.T) {
	p := newTestPlanner(t)
	obj := &models.Objective{
		ID:          "obj-late",
		Description: "migrate 3 files with validation",
		Deadline:    deadline(-time.Hour),
	}

	_, err := p.Plan(obj, nil)
	var perr *PlanningError
	if !errors.As(err, &perr) {
		t.Fatalf("Plan past deadline = %v, want PlanningError", err)
	}
	if !perr.Infeasible {
		t.Error("past-deadline planning error should be infeasible")
	}
	if len(perr.Violations) == 0 {
		t.Error("infeasible error carries no violated constraints")
	}
}

func TestPlan_ScarcityRaisesRiskAndContingencies(t *testing.T) {
	cfg := config.Default().Planner
	cfg.RiskThreshold = 0.2
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.SetClock(func() time.Time { return testNow })

	obj := &models.Objective{ID: "obj-scarce", Description: "migrate 3 files with validation"}

	// One available agent with no relevant capabilities: the validate
	// phase is uncovered.
	snap := &registry.Snapshot{
		Version: 1,
		Agents: []models.AgentInstance{
			{ID: "a1", Status: models.AgentStatusAvailable, Capacity: 1,
				Capabilities: []models.Capability{{Tag: "file-write", Confidence: 0.9}}},
		},
		TakenAt: testNow,
	}

	rich, err := p.Plan(obj, snap)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	bare, err := p.Plan(obj, nil)
	if err != nil {
		t.Fatalf("Plan without snapshot: %v", err)
	}
	if rich.Risk.Score <= bare.Risk.Score {
		t.Errorf("scarcity did not raise risk: %.2f vs %.2f", rich.Risk.Score, bare.Risk.Score)
	}

	if len(rich.Contingencies) == 0 {
		t.Fatal("no contingencies generated above risk threshold")
	}
	for _, ctg := range rich.Contingencies {
		task := rich.Task(ctg.TaskID)
		if task == nil {
			t.Fatalf("contingency covers unknown task %s", ctg.TaskID)
		}
		if ctg.Fallback.EstimatedDuration != task.EstimatedDuration*2 {
			t.Errorf("fallback for %s has duration %s, want doubled %s",
				ctg.TaskID, ctg.Fallback.EstimatedDuration, task.EstimatedDuration*2)
		}
	}
}

func TestLoadCatalog_OverridesAndDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "templates.yaml")
	content := `
simple:
  - name: run
    description: run
    duration: 45m
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}

	catalog, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}

	simple := catalog[ComplexitySimple]
	if len(simple) != 1 || simple[0].Name != "run" {
		t.Fatalf("simple template = %+v, want single run phase", simple)
	}
	if simple[0].Duration != 45*time.Minute {
		t.Errorf("run duration = %s, want 45m", simple[0].Duration)
	}

	// Classes absent from the file keep their defaults.
	if len(catalog[ComplexityModerate]) == 0 {
		t.Error("moderate class lost its default template")
	}
}

func TestLoadCatalog_Invalid(t *testing.T) {
	dir := t.TempDir()

	badClass := filepath.Join(dir, "bad-class.yaml")
	os.WriteFile(badClass, []byte("impossible:\n  - name: x\n"), 0644)
	if _, err := LoadCatalog(badClass); err == nil {
		t.Error("unknown complexity class should fail")
	}

	badDuration := filepath.Join(dir, "bad-duration.yaml")
	os.WriteFile(badDuration, []byte("simple:\n  - name: x\n    duration: soon\n"), 0644)
	if _, err := LoadCatalog(badDuration); err == nil {
		t.Error("unparseable duration should fail")
	}
}
