// Package graph provides the dependency DAG used for task scheduling.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/zhifengzhang-sz/qi-v2-agent-sub000/pkg/models"
)

// ErrCycleDetected indicates a circular dependency was found in the edge set.
var ErrCycleDetected = errors.New("circular dependency detected")

// TaskGraph is a directed acyclic graph over a plan's task units.
// Edges point from an upstream task to the tasks that depend on it being
// complete (or, for conditional edges, on its expected outcome holding).
type TaskGraph struct {
	mu sync.RWMutex
	// nodes maps task ID to the task unit.
	nodes map[string]*models.TaskUnit
	// deps maps task ID to the edges it depends on (incoming edges).
	deps map[string][]models.DependencyEdge
	// completed tracks which tasks have finished successfully.
	completed map[string]bool
	// order preserves the plan's declared task ordering for deterministic
	// Ready() output.
	order []string
	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// New creates an empty task graph.
func New() *TaskGraph {
	return &TaskGraph{
		nodes:     make(map[string]*models.TaskUnit),
		deps:      make(map[string][]models.DependencyEdge),
		completed: make(map[string]bool),
		debugLog:  func(format string, args ...interface{}) {},
	}
}

// SetDebugLog sets the debug logging function.
func (g *TaskGraph) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		g.debugLog = fn
	}
}

// Build constructs the graph from a plan's task units and edge set.
// Returns an error if an edge references an unknown task or the edge set
// contains a cycle.
func (g *TaskGraph) Build(tasks []models.TaskUnit, edges []models.DependencyEdge) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.debugLog("[graph.Build] building graph from %d tasks, %d edges", len(tasks), len(edges))

	for i := range tasks {
		t := &tasks[i]
		g.nodes[t.ID] = t
		g.deps[t.ID] = nil
		g.order = append(g.order, t.ID)
	}

	for _, e := range edges {
		if _, ok := g.nodes[e.FromTaskID]; !ok {
			return fmt.Errorf("edge references unknown task %s", e.FromTaskID)
		}
		if _, ok := g.nodes[e.ToTaskID]; !ok {
			return fmt.Errorf("edge references unknown task %s", e.ToTaskID)
		}
		if !e.Kind.Valid() {
			return fmt.Errorf("edge %s->%s has unknown kind %q", e.FromTaskID, e.ToTaskID, e.Kind)
		}
		g.deps[e.ToTaskID] = append(g.deps[e.ToTaskID], e)
	}

	if g.hasCycleLocked() {
		return ErrCycleDetected
	}

	g.debugLog("[graph.Build] graph built with %d nodes", len(g.nodes))
	return nil
}

// HasCycle returns true if the graph contains a circular dependency.
// Uses depth-first search with coloring to detect back edges.
func (g *TaskGraph) HasCycle() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.hasCycleLocked()
}

// hasCycleLocked is the internal implementation that assumes the lock is held.
func (g *TaskGraph) hasCycleLocked() bool {
	// Color states: 0 = white (unvisited), 1 = gray (in progress), 2 = black (done).
	colors := make(map[string]int, len(g.nodes))

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1

		for _, e := range g.deps[id] {
			switch colors[e.FromTaskID] {
			case 1:
				// Back edge - cycle detected.
				return true
			case 0:
				if visit(e.FromTaskID) {
					return true
				}
			}
		}

		colors[id] = 2
		return false
	}

	for id := range g.nodes {
		if colors[id] == 0 {
			if visit(id) {
				return true
			}
		}
	}
	return false
}

// TopologicalSort returns task IDs in an order where all dependencies come
// before the tasks that depend on them. Returns an error if the graph
// contains a cycle.
func (g *TaskGraph) TopologicalSort() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.hasCycleLocked() {
		return nil, ErrCycleDetected
	}

	visited := make(map[string]bool, len(g.nodes))
	var result []string

	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, e := range g.deps[id] {
			visit(e.FromTaskID)
		}
		result = append(result, id)
	}

	// Walk in declaration order so ties resolve deterministically.
	for _, id := range g.order {
		visit(id)
	}

	return result, nil
}

// Ready returns task IDs whose dependencies are all satisfied and that are
// not yet completed, in the plan's declared order. Parallel-safe edges do
// not gate readiness: they only order results, so two parallel-safe tasks
// may run at once.
func (g *TaskGraph) Ready() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []string
	for _, id := range g.order {
		if g.completed[id] {
			continue
		}

		blocked := false
		for _, e := range g.deps[id] {
			if e.Kind == models.EdgeParallelSafe {
				continue
			}
			if !g.completed[e.FromTaskID] {
				blocked = true
				break
			}
		}

		if !blocked {
			ready = append(ready, id)
		}
	}

	g.debugLog("[graph.Ready] %d of %d tasks ready: %v", len(ready), len(g.nodes), ready)
	return ready
}

// MarkComplete marks a task as completed, unblocking its dependents.
func (g *TaskGraph) MarkComplete(taskID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.debugLog("[graph.MarkComplete] task %s complete", taskID)
	g.completed[taskID] = true
}

// Replace swaps a task unit in place, keeping its edges. Used for
// contingency substitution: the fallback inherits the failed task's
// position in the graph.
func (g *TaskGraph) Replace(taskID string, fallback models.TaskUnit) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[taskID]; !ok {
		return fmt.Errorf("task %s not in graph", taskID)
	}

	g.debugLog("[graph.Replace] substituting task %s with fallback %s", taskID, fallback.ID)
	unit := fallback
	g.nodes[taskID] = &unit
	delete(g.completed, taskID)
	return nil
}

// Task returns the task unit for a given ID, or nil if not found.
func (g *TaskGraph) Task(taskID string) *models.TaskUnit {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[taskID]
}

// Size returns the number of tasks in the graph.
func (g *TaskGraph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Dependencies returns the edges the given task depends on.
func (g *TaskGraph) Dependencies(taskID string) []models.DependencyEdge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.deps[taskID]
}

// Dependents returns the IDs of tasks that depend on the given task,
// sorted for deterministic iteration.
func (g *TaskGraph) Dependents(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var dependents []string
	for id, edges := range g.deps {
		for _, e := range edges {
			if e.FromTaskID == taskID {
				dependents = append(dependents, id)
				break
			}
		}
	}
	sort.Strings(dependents)
	return dependents
}

// CompletedIDs returns the IDs of all tasks marked as completed.
func (g *TaskGraph) CompletedIDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ids []string
	for id, done := range g.completed {
		if done {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Done returns true when every task in the graph is completed.
func (g *TaskGraph) Done() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for id := range g.nodes {
		if !g.completed[id] {
			return false
		}
	}
	return true
}
