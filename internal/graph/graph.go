// Package graph provides a dependency graph over tasks, used by the Task
// Store to reject cyclic/unknown dependencies on save.
package graph

import (
	"errors"
	"fmt"
	"sync"

	"github.com/splitmind/splitmind/pkg/models"
)

// ErrCycleDetected indicates a circular dependency was found in the task graph.
var ErrCycleDetected = errors.New("circular dependency detected")

// DependencyGraph is a directed graph of task dependencies. Tasks are
// nodes; edges represent "depends on" relationships.
type DependencyGraph struct {
	mu        sync.RWMutex
	nodes     map[string]*models.Task
	edges     map[string][]string
	merged    map[string]bool
	debugLog  func(format string, args ...interface{})
}

// New creates an empty dependency graph.
func New() *DependencyGraph {
	return &DependencyGraph{
		nodes:    make(map[string]*models.Task),
		edges:    make(map[string][]string),
		merged:   make(map[string]bool),
		debugLog: func(string, ...interface{}) {},
	}
}

// SetDebugLog installs a logging hook, invoked for every graph mutation
// and query. Nil is ignored.
func (g *DependencyGraph) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		g.debugLog = fn
	}
}

// Build replaces the graph's contents with the given tasks. Returns an
// error if a dependency references an unknown task ID or a cycle exists.
func (g *DependencyGraph) Build(tasks []*models.Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	nodes := make(map[string]*models.Task, len(tasks))
	edges := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		nodes[t.ID] = t
		edges[t.ID] = nil
	}
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if _, ok := nodes[dep]; !ok {
				return fmt.Errorf("task %s depends on unknown task %s", t.ID, dep)
			}
			edges[t.ID] = append(edges[t.ID], dep)
		}
	}

	g.nodes = nodes
	g.edges = edges
	if g.hasCycleLocked() {
		return ErrCycleDetected
	}
	// Preserve merged-state for tasks that survived the rebuild.
	for id := range g.merged {
		if _, ok := nodes[id]; !ok {
			delete(g.merged, id)
		}
	}
	g.debugLog("graph built: %d nodes", len(nodes))
	return nil
}

// HasCycle reports whether the graph currently contains a cycle.
func (g *DependencyGraph) HasCycle() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.hasCycleLocked()
}

func (g *DependencyGraph) hasCycleLocked() bool {
	const white, gray, black = 0, 1, 2
	colors := make(map[string]int, len(g.nodes))

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = gray
		for _, dep := range g.edges[id] {
			switch colors[dep] {
			case gray:
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		colors[id] = black
		return false
	}

	for id := range g.nodes {
		if colors[id] == white {
			if visit(id) {
				return true
			}
		}
	}
	return false
}

// TopologicalSort returns task IDs ordered so dependencies precede
// dependents.
func (g *DependencyGraph) TopologicalSort() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.hasCycleLocked() {
		return nil, ErrCycleDetected
	}

	visited := make(map[string]bool, len(g.nodes))
	result := make([]string, 0, len(g.nodes))

	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, dep := range g.edges[id] {
			visit(dep)
		}
		result = append(result, id)
	}
	for id := range g.nodes {
		visit(id)
	}
	return result, nil
}

// DependenciesSatisfied reports whether every dependency of taskID is
// MERGED (the strongest completion state, invariant:
// "MERGED implies all dependencies are MERGED").
func (g *DependencyGraph) DependenciesSatisfied(taskID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, dep := range g.edges[taskID] {
		if !g.merged[dep] {
			if t, ok := g.nodes[dep]; !ok || t.Status != models.StatusMerged {
				return false
			}
		}
	}
	return true
}

// MarkMerged records that taskID's dependency closure considers it
// satisfied, unblocking dependents in DependenciesSatisfied.
func (g *DependencyGraph) MarkMerged(taskID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.merged[taskID] = true
}

// GetTask returns the node for taskID, or nil.
func (g *DependencyGraph) GetTask(taskID string) *models.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[taskID]
}

// GetDependencies returns the IDs taskID depends on.
func (g *DependencyGraph) GetDependencies(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.edges[taskID]
}

// GetDependents returns the IDs of tasks that depend on taskID.
func (g *DependencyGraph) GetDependents(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []string
	for id, deps := range g.edges {
		for _, d := range deps {
			if d == taskID {
				out = append(out, id)
				break
			}
		}
	}
	return out
}

// Size returns the number of tasks in the graph.
func (g *DependencyGraph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}
