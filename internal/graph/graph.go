// Package graph is a pure, in-memory view over a set of task records,
// exposing hierarchy and dependency relations with cycle and depth
// validation. It never touches storage; callers load records and build
// a fresh Graph per operation.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ldi/trellis/pkg/models"
)

// MaxDepth bounds the dotted id hierarchy (T1.2.1 is depth 3).
const MaxDepth = 3

var (
	// ErrCycle means an insert or dependency edge would make a task
	// reachable from itself.
	ErrCycle = errors.New("dependency cycle")
	// ErrDepth means a task id exceeds the maximum hierarchy depth.
	ErrDepth = errors.New("depth limit exceeded")
	// ErrOrphanParent means a task's parent segment names a task that
	// does not exist.
	ErrOrphanParent = errors.New("orphan parent")
	// ErrDuplicateID means a task with the same id already exists.
	ErrDuplicateID = errors.New("duplicate task id")
	// ErrUnknownDependency means a dependency references a missing task.
	ErrUnknownDependency = errors.New("unknown dependency")
)

// Graph holds tasks keyed by dotted id plus dependency edges.
type Graph struct {
	tasks      map[string]*models.Task
	deps       map[string][]string // task id -> ids it depends on
	dependents map[string][]string // task id -> ids depending on it
}

// New builds a graph from loaded task records. Dependency edges are
// taken from each task's populated relations.
func New(tasks []*models.Task) *Graph {
	g := &Graph{
		tasks:      make(map[string]*models.Task, len(tasks)),
		deps:       make(map[string][]string),
		dependents: make(map[string][]string),
	}
	for _, t := range tasks {
		g.tasks[t.ID] = t
	}
	for _, t := range tasks {
		for _, dep := range t.Relations.Dependencies {
			g.deps[t.ID] = append(g.deps[t.ID], dep)
			g.dependents[dep] = append(g.dependents[dep], t.ID)
		}
	}
	return g
}

// Contains reports whether the graph holds a task with the given id.
func (g *Graph) Contains(id string) bool {
	_, ok := g.tasks[id]
	return ok
}

// Task returns the task record for id, or nil.
func (g *Graph) Task(id string) *models.Task {
	return g.tasks[id]
}

// Len returns the number of tasks in the graph.
func (g *Graph) Len() int {
	return len(g.tasks)
}

// ValidateInsert checks that a new task with the given id and
// dependencies can join the graph: unique id, depth within bounds, an
// existing parent, existing dependency targets, and no cycle.
func (g *Graph) ValidateInsert(id string, deps []string) error {
	if g.Contains(id) {
		return fmt.Errorf("task %s: %w", id, ErrDuplicateID)
	}
	if models.Depth(id) > MaxDepth {
		return fmt.Errorf("task %s: %w", id, ErrDepth)
	}
	if parent := models.ParentID(id); parent != "" && !g.Contains(parent) {
		return fmt.Errorf("task %s parent %s: %w", id, parent, ErrOrphanParent)
	}
	for _, dep := range deps {
		if !g.Contains(dep) {
			return fmt.Errorf("task %s dependency %s: %w", id, dep, ErrUnknownDependency)
		}
	}
	// A fresh node has no dependents yet, so the only possible cycles run
	// through its own hierarchy chain.
	for _, dep := range deps {
		if err := g.validateEdge(id, dep); err != nil {
			return err
		}
	}
	return nil
}

// ValidateDependency checks that adding "from depends on to" keeps the
// combined dependency/hierarchy relation acyclic.
func (g *Graph) ValidateDependency(from, to string) error {
	if !g.Contains(from) {
		return fmt.Errorf("task %s: %w", from, ErrUnknownDependency)
	}
	if !g.Contains(to) {
		return fmt.Errorf("task %s: %w", to, ErrUnknownDependency)
	}
	return g.validateEdge(from, to)
}

func (g *Graph) validateEdge(from, to string) error {
	if from == to {
		return fmt.Errorf("task %s depends on itself: %w", from, ErrCycle)
	}
	// Depending on your own ancestor deadlocks: the ancestor can only
	// resolve once this task does.
	if strings.HasPrefix(from, to+".") {
		return fmt.Errorf("task %s depends on ancestor %s: %w", from, to, ErrCycle)
	}
	// Walk dependency edges and child-to-parent edges from the target; if
	// the source is reachable the new edge closes a loop. Depending on a
	// descendant is caught here through the hierarchy edges.
	if g.reaches(to, from) {
		return fmt.Errorf("task %s -> %s: %w", from, to, ErrCycle)
	}
	return nil
}

// reaches reports whether target is reachable from start via dependency
// edges and child-to-parent hierarchy edges, using an iterative DFS
// bounded by the task count.
func (g *Graph) reaches(start, target string) bool {
	seen := make(map[string]bool, len(g.tasks))
	stack := []string{start}
	for len(stack) > 0 && len(seen) <= len(g.tasks) {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == target {
			return true
		}
		if seen[id] {
			continue
		}
		seen[id] = true

		stack = append(stack, g.deps[id]...)
		if parent := models.ParentID(id); parent != "" {
			stack = append(stack, parent)
		}
	}
	return false
}

// Ancestors returns the chain of ancestor ids from the immediate parent
// up to the root. A dangling link is reported as a wrapped
// ErrOrphanParent alongside the ancestors found so far; orphans are
// never repaired here, only surfaced.
func (g *Graph) Ancestors(id string) ([]string, error) {
	var ancestors []string
	for parent := models.ParentID(id); parent != ""; parent = models.ParentID(parent) {
		if !g.Contains(parent) {
			return ancestors, fmt.Errorf("task %s parent %s: %w", id, parent, ErrOrphanParent)
		}
		ancestors = append(ancestors, parent)
		id = parent
	}
	return ancestors, nil
}

// Children returns the ids of the direct subtasks of id.
func (g *Graph) Children(id string) []string {
	var children []string
	prefix := id + "."
	for tid := range g.tasks {
		if strings.HasPrefix(tid, prefix) && !strings.Contains(tid[len(prefix):], ".") {
			children = append(children, tid)
		}
	}
	sort.Strings(children)
	return children
}

// Descendants returns every task id below id in the hierarchy.
func (g *Graph) Descendants(id string) []string {
	var descendants []string
	prefix := id + "."
	for tid := range g.tasks {
		if strings.HasPrefix(tid, prefix) {
			descendants = append(descendants, tid)
		}
	}
	sort.Strings(descendants)
	return descendants
}

// Dependents returns the ids of tasks whose dependencies include id.
func (g *Graph) Dependents(id string) []string {
	dependents := append([]string(nil), g.dependents[id]...)
	sort.Strings(dependents)
	return dependents
}
