package coordinator

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/zhifengzhang-sz/qi-v2-agent-sub000/internal/engine"
	"github.com/zhifengzhang-sz/qi-v2-agent-sub000/pkg/models"
)

// PatternFunc executes one workflow pattern invocation.
type PatternFunc func(ctx context.Context, patternID string, actx engine.ActionContext) (*engine.ExecutionResult, error)

// StrategyCatalog dispatches pattern executions by action kind through
// an explicit table. It is constructed once at startup, owned by the
// orchestrator, and immutable thereafter: no global strategy registry.
type StrategyCatalog struct {
	table map[models.ActionKind]PatternFunc
}

// NewStrategyCatalog builds a catalog from per-kind handlers. Every
// handler's kind must be valid; kinds without a handler are rejected at
// dispatch time, not silently defaulted.
func NewStrategyCatalog(handlers map[models.ActionKind]PatternFunc) (StrategyCatalog, error) {
	table := make(map[models.ActionKind]PatternFunc, len(handlers))
	for kind, fn := range handlers {
		if !kind.Valid() {
			return StrategyCatalog{}, fmt.Errorf("strategy catalog: unknown action kind %q", kind)
		}
		if fn == nil {
			return StrategyCatalog{}, fmt.Errorf("strategy catalog: nil handler for kind %q", kind)
		}
		table[kind] = fn
	}
	return StrategyCatalog{table: table}, nil
}

// Kinds returns the action kinds the catalog can dispatch, sorted.
func (c StrategyCatalog) Kinds() []models.ActionKind {
	out := make([]models.ActionKind, 0, len(c.table))
	for k := range c.table {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ExecutePattern implements engine.ActionExecutor. The pattern ID's
// kind suffix selects the handler.
func (c StrategyCatalog) ExecutePattern(ctx context.Context, patternID string, actx engine.ActionContext) (*engine.ExecutionResult, error) {
	kind, err := patternKind(patternID)
	if err != nil {
		return nil, err
	}
	fn, ok := c.table[kind]
	if !ok {
		return nil, fmt.Errorf("no strategy registered for action kind %q", kind)
	}
	return fn(ctx, patternID, actx)
}

// patternKind extracts the action kind from a "<tag>-<kind>" pattern ID.
func patternKind(patternID string) (models.ActionKind, error) {
	idx := strings.LastIndex(patternID, "-")
	if idx < 0 || idx == len(patternID)-1 {
		return "", fmt.Errorf("pattern %q carries no action kind", patternID)
	}
	kind := models.ActionKind(patternID[idx+1:])
	if !kind.Valid() {
		return "", fmt.Errorf("pattern %q has unknown action kind %q", patternID, kind)
	}
	return kind, nil
}
