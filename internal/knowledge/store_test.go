package knowledge

import (
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/zhifengzhang-sz/qi-v2-agent-sub000/pkg/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "knowledge.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func decision(id, taskID, patternID string, score float64) models.Decision {
	return models.Decision{
		ID:        id,
		TaskID:    taskID,
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Type:      models.DecisionOperational,
		Selected: models.CandidateAction{
			ID:        "cand-" + id,
			PatternID: patternID,
			Kind:      models.ActionSequential,
			Score:     score,
		},
		Confidence: 0.8,
	}
}

func outcome(decisionID string, success bool, at time.Time) models.DecisionOutcome {
	return models.DecisionOutcome{DecisionID: decisionID, Success: success, ObservedAt: at}
}

func TestQueryHistoricalPatterns(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Pattern p-read: 2 successes, 1 failure. Pattern p-write: 1 success.
	outcomes := []struct {
		d models.Decision
		o models.DecisionOutcome
	}{
		{decision("d1", "t1", "p-read", 0.9), outcome("d1", true, base)},
		{decision("d2", "t1", "p-read", 0.8), outcome("d2", true, base.Add(time.Hour))},
		{decision("d3", "t2", "p-read", 0.7), outcome("d3", false, base.Add(2*time.Hour))},
		{decision("d4", "t2", "p-write", 0.6), outcome("d4", true, base)},
		{decision("d5", "t3", "p-other", 0.5), outcome("d5", true, base)},
	}
	for _, rec := range outcomes {
		if err := s.SaveDecisionOutcome(rec.d, rec.o); err != nil {
			t.Fatalf("SaveDecisionOutcome(%s): %v", rec.d.ID, err)
		}
	}

	patterns, err := s.QueryHistoricalPatterns([]string{"p-read", "p-write", "p-unseen"})
	if err != nil {
		t.Fatalf("QueryHistoricalPatterns: %v", err)
	}
	if len(patterns) != 2 {
		t.Fatalf("got %d patterns, want 2 (unseen omitted): %+v", len(patterns), patterns)
	}

	read := patterns[0]
	if read.PatternID != "p-read" || read.Uses != 3 || read.Successes != 2 {
		t.Errorf("p-read summary = %+v, want 3 uses, 2 successes", read)
	}
	if read.SuccessRate < 0.66 || read.SuccessRate > 0.67 {
		t.Errorf("p-read success rate = %v, want 2/3", read.SuccessRate)
	}
	if !read.LastUsed.Equal(base.Add(2 * time.Hour)) {
		t.Errorf("p-read last used = %s, want most recent outcome", read.LastUsed)
	}

	write := patterns[1]
	if write.PatternID != "p-write" || write.SuccessRate != 1.0 {
		t.Errorf("p-write summary = %+v, want perfect rate", write)
	}
}

func TestQueryHistoricalPatterns_Empty(t *testing.T) {
	s := openTestStore(t)
	patterns, err := s.QueryHistoricalPatterns(nil)
	if err != nil {
		t.Fatalf("QueryHistoricalPatterns(nil): %v", err)
	}
	if patterns != nil {
		t.Errorf("got %+v, want nil", patterns)
	}
}

func TestPlanRoundTrip(t *testing.T) {
	s := openTestStore(t)

	plan := &models.TaskPlan{
		ID:          "plan-1",
		ObjectiveID: "obj-1",
		Tasks: []models.TaskUnit{
			{ID: "t1", PlanID: "plan-1", Description: "prepare", EstimatedDuration: 10 * time.Minute},
			{ID: "t2", PlanID: "plan-1", Description: "execute", RequiredCapabilities: []string{"file-write"}, EstimatedDuration: 30 * time.Minute},
			{ID: "t3", PlanID: "plan-1", Description: "validate", RequiredCapabilities: []string{"validate"}, EstimatedDuration: 10 * time.Minute},
		},
		Edges: []models.DependencyEdge{
			{FromTaskID: "t1", ToTaskID: "t2", Kind: models.EdgeSequential},
			{FromTaskID: "t2", ToTaskID: "t3", Kind: models.EdgeParallelSafe},
		},
		EstimatedDuration: 50 * time.Minute,
		Risk: models.RiskAssessment{
			Score: 0.4,
			Level: models.RiskMedium,
			Factors: []models.RiskFactor{
				{Name: "complexity", Weight: 0.5, Value: 0.5},
			},
		},
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	if err := s.SavePlan(plan); err != nil {
		t.Fatalf("SavePlan: %v", err)
	}

	loaded, err := s.LoadPlan("plan-1")
	if err != nil {
		t.Fatalf("LoadPlan: %v", err)
	}

	// The reload must reproduce task ordering and the edge set exactly.
	if !reflect.DeepEqual(loaded.Tasks, plan.Tasks) {
		t.Errorf("task ordering changed:\ngot  %+v\nwant %+v", loaded.Tasks, plan.Tasks)
	}
	if !reflect.DeepEqual(loaded.Edges, plan.Edges) {
		t.Errorf("edge set changed:\ngot  %+v\nwant %+v", loaded.Edges, plan.Edges)
	}
	if loaded.Risk.Level != plan.Risk.Level {
		t.Errorf("risk level = %s, want %s", loaded.Risk.Level, plan.Risk.Level)
	}
}

func TestLoadPlan_NotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.LoadPlan("missing"); !errors.Is(err, ErrPlanNotFound) {
		t.Errorf("LoadPlan(missing) = %v, want ErrPlanNotFound", err)
	}
}

func TestNullProvider(t *testing.T) {
	var p Provider = Null{}
	if err := p.SaveDecisionOutcome(models.Decision{}, models.DecisionOutcome{}); err != nil {
		t.Errorf("Null.SaveDecisionOutcome: %v", err)
	}
	patterns, err := p.QueryHistoricalPatterns([]string{"p"})
	if err != nil || patterns != nil {
		t.Errorf("Null.QueryHistoricalPatterns = %v, %v", patterns, err)
	}
	if _, err := p.LoadPlan("x"); !errors.Is(err, ErrPlanNotFound) {
		t.Errorf("Null.LoadPlan = %v, want ErrPlanNotFound", err)
	}
}
