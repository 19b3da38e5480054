package graph

import (
	"errors"
	"testing"

	"github.com/zhifengzhang-sz/qi-v2-agent-sub000/pkg/models"
)

func unit(id string) models.TaskUnit {
	return models.TaskUnit{ID: id, Description: "task " + id}
}

func seq(from, to string) models.DependencyEdge {
	return models.DependencyEdge{FromTaskID: from, ToTaskID: to, Kind: models.EdgeSequential}
}

func TestBuild_RejectsCycle(t *testing.T) {
	g := New()
	err := g.Build(
		[]models.TaskUnit{unit("a"), unit("b"), unit("c")},
		[]models.DependencyEdge{seq("a", "b"), seq("b", "c"), seq("c", "a")},
	)
	if !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("Build with cycle returned %v, want ErrCycleDetected", err)
	}
}

func TestBuild_RejectsUnknownTask(t *testing.T) {
	g := New()
	err := g.Build(
		[]models.TaskUnit{unit("a")},
		[]models.DependencyEdge{seq("a", "ghost")},
	)
	if err == nil {
		t.Fatal("Build with edge to unknown task should fail")
	}
}

func TestBuild_RejectsInvalidEdgeKind(t *testing.T) {
	g := New()
	err := g.Build(
		[]models.TaskUnit{unit("a"), unit("b")},
		[]models.DependencyEdge{{FromTaskID: "a", ToTaskID: "b", Kind: "optional"}},
	)
	if err == nil {
		t.Fatal("Build with invalid edge kind should fail")
	}
}

func TestTopologicalSort_DependenciesFirst(t *testing.T) {
	g := New()
	if err := g.Build(
		[]models.TaskUnit{unit("validate"), unit("execute"), unit("prepare")},
		[]models.DependencyEdge{seq("prepare", "execute"), seq("execute", "validate")},
	); err != nil {
		t.Fatalf("Build: %v", err)
	}

	order, err := g.TopologicalSort()
	if err != nil {
		t.Fatalf("TopologicalSort: %v", err)
	}

	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	if pos["prepare"] > pos["execute"] || pos["execute"] > pos["validate"] {
		t.Errorf("order %v violates dependencies", order)
	}
}

func TestReady_RespectsCompletion(t *testing.T) {
	g := New()
	if err := g.Build(
		[]models.TaskUnit{unit("a"), unit("b"), unit("c")},
		[]models.DependencyEdge{seq("a", "b"), seq("a", "c")},
	); err != nil {
		t.Fatalf("Build: %v", err)
	}

	ready := g.Ready()
	if len(ready) != 1 || ready[0] != "a" {
		t.Fatalf("Ready() before completion = %v, want [a]", ready)
	}

	g.MarkComplete("a")
	ready = g.Ready()
	if len(ready) != 2 {
		t.Fatalf("Ready() after completing a = %v, want b and c", ready)
	}
}

func TestReady_ParallelSafeDoesNotBlock(t *testing.T) {
	g := New()
	if err := g.Build(
		[]models.TaskUnit{unit("a"), unit("b")},
		[]models.DependencyEdge{{FromTaskID: "a", ToTaskID: "b", Kind: models.EdgeParallelSafe}},
	); err != nil {
		t.Fatalf("Build: %v", err)
	}

	ready := g.Ready()
	if len(ready) != 2 {
		t.Errorf("Ready() = %v, want both tasks (parallel-safe edge must not gate)", ready)
	}
}

func TestReplace_ResetsCompletion(t *testing.T) {
	g := New()
	if err := g.Build([]models.TaskUnit{unit("a")}, nil); err != nil {
		t.Fatalf("Build: %v", err)
	}
	g.MarkComplete("a")

	if err := g.Replace("a", unit("a-fallback")); err != nil {
		t.Fatalf("Replace: %v", err)
	}

	if got := g.Task("a"); got == nil || got.ID != "a-fallback" {
		t.Errorf("Task(a) after replace = %+v, want the fallback unit", got)
	}
	if g.Done() {
		t.Error("graph should not be done after replacing a completed task")
	}

	if err := g.Replace("ghost", unit("x")); err == nil {
		t.Error("Replace of unknown task should fail")
	}
}

func TestDependents(t *testing.T) {
	g := New()
	if err := g.Build(
		[]models.TaskUnit{unit("a"), unit("b"), unit("c")},
		[]models.DependencyEdge{seq("a", "b"), seq("a", "c")},
	); err != nil {
		t.Fatalf("Build: %v", err)
	}

	got := g.Dependents("a")
	if len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Errorf("Dependents(a) = %v, want [b c]", got)
	}
}
