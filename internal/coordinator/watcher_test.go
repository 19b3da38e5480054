package coordinator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/zhifengzhang-sz/qi-v2-agent-sub000/internal/engine"
	"github.com/zhifengzhang-sz/qi-v2-agent-sub000/pkg/models"
)

func TestControlWatcher_CancelFile(t *testing.T) {
	blocking := func(ctx context.Context, patternID string, actx engine.ActionContext) (*engine.ExecutionResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	o := newTestOrchestrator(t, nil, blocking)
	registerAgent(t, o, "worker-1",
		models.Capability{Tag: "file-write", Confidence: 0.9},
		models.Capability{Tag: "validate", Confidence: 0.9})

	cw, err := NewControlWatcher(t.TempDir(), o)
	if err != nil {
		t.Fatalf("NewControlWatcher: %v", err)
	}
	defer cw.Close()

	plan, err := o.PlanObjective(&models.Objective{Description: "format the report"})
	if err != nil {
		t.Fatalf("PlanObjective: %v", err)
	}
	handle, err := o.DistributeAndExecute(context.Background(), plan)
	if err != nil {
		t.Fatalf("DistributeAndExecute: %v", err)
	}

	// Give the execution time to start, then drop the cancel file.
	time.Sleep(50 * time.Millisecond)
	signal := filepath.Join(cw.SignalsDir(), "cancel-"+plan.ID)
	if err := os.WriteFile(signal, []byte(time.Now().Format(time.RFC3339)), 0644); err != nil {
		t.Fatalf("write signal: %v", err)
	}

	res := awaitResult(t, handle, 5*time.Second)
	if res.Status != PlanCancelled {
		t.Errorf("plan status = %s, want cancelled via control file", res.Status)
	}
}
