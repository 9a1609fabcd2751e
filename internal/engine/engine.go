// Package engine owns every task mutation: creation, decomposition,
// status transitions with cascading propagation, and dependency edges.
// Consistency comes from the store's optimistic versioning, not locks;
// conflicting writes are retried per record up to store.MaxRetries.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ldi/trellis/internal/classify"
	"github.com/ldi/trellis/internal/graph"
	"github.com/ldi/trellis/internal/store"
	"github.com/ldi/trellis/pkg/models"
)

// ErrInvalidTransition means a requested status change violates the
// task state machine. Non-retryable; state is left unchanged.
var ErrInvalidTransition = errors.New("invalid status transition")

type Engine struct {
	store *store.Store
}

func New(st *store.Store) *Engine {
	return &Engine{store: st}
}

// Store exposes the underlying store for read-only collaborators.
func (e *Engine) Store() *store.Store {
	return e.store
}

// SubtaskSpec describes one child in a decomposition request.
type SubtaskSpec struct {
	Title    string
	Type     models.TaskType
	Executor string
	Context  models.Context
}

// loadGraph builds a fresh graph over every task in the store.
func (e *Engine) loadGraph(ctx context.Context) (*graph.Graph, error) {
	tasks, err := e.store.ListTasks(ctx, "")
	if err != nil {
		return nil, err
	}
	return graph.New(tasks), nil
}

// CreateTask creates a task under a session, either top-level or as a
// subtask of parentID. The id is generated from the hierarchy (T<n> for
// roots, <parent>.<n> for subtasks) and validated through the graph
// before anything is written.
func (e *Engine) CreateTask(ctx context.Context, sessionID, parentID, title string, taskType models.TaskType, executor string, taskCtx models.Context) (*models.Task, error) {
	if _, err := e.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	g, err := e.loadGraph(ctx)
	if err != nil {
		return nil, err
	}

	var id string
	var parent *models.Task
	if parentID == "" {
		id = nextRootID(g)
		if inheritedEmpty(taskCtx) {
			taskCtx.InheritedFrom = &sessionID
		}
	} else {
		parent, err = e.store.GetTask(ctx, parentID)
		if err != nil {
			return nil, err
		}
		if parent.SessionID != sessionID {
			return nil, fmt.Errorf("parent %s belongs to session %s: %w", parentID, parent.SessionID, store.ErrNotFound)
		}
		// Same guard as Decompose: a completed leaf is terminal and
		// must not be reopened as a container.
		switch parent.Status {
		case models.TaskStatusCompleted:
			return nil, fmt.Errorf("parent %s already completed: %w", parentID, ErrInvalidTransition)
		case models.TaskStatusBlocked:
			return nil, fmt.Errorf("parent %s is blocked: %w", parentID, ErrInvalidTransition)
		}
		id = nextChildID(parent)
		taskCtx = inheritContext(taskCtx, parent.Context, parentID)
	}

	if err := g.ValidateInsert(id, nil); err != nil {
		return nil, err
	}

	t := &models.Task{
		ID:        id,
		SessionID: sessionID,
		Title:     title,
		Status:    models.TaskStatusPending,
		Type:      taskType,
		Executor:  executor,
		Context:   taskCtx,
	}
	if taskType == "" {
		t.Type = models.TaskTypeFeature
	}

	if parent == nil {
		if err := e.store.CreateTask(ctx, t); err != nil {
			return nil, err
		}
	} else if parent.IsContainer() {
		// Parent is already a container; just append the child.
		if err := e.store.CreateTask(ctx, t); err != nil {
			return nil, err
		}
		if err := e.recomputeAncestors(ctx, t.ID); err != nil {
			return nil, err
		}
	} else {
		// First child converts the parent from leaf to container.
		if err := e.store.CreateSubtasks(ctx, parent, parent.Version, []*models.Task{t}); err != nil {
			return nil, err
		}
		if err := e.recomputeAncestors(ctx, t.ID); err != nil {
			return nil, err
		}
	}

	if err := e.refreshSession(ctx, sessionID); err != nil {
		return nil, err
	}
	if err := e.Reclassify(ctx, sessionID); err != nil {
		return nil, err
	}
	return t, nil
}

// Decompose converts a task into a container and creates its subtasks
// in one transaction, then re-runs the session classifier.
func (e *Engine) Decompose(ctx context.Context, taskID string, specs []SubtaskSpec) ([]*models.Task, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("decompose %s: no subtask specs", taskID)
	}

	parent, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	switch parent.Status {
	case models.TaskStatusCompleted:
		return nil, fmt.Errorf("decompose %s: task already completed: %w", taskID, ErrInvalidTransition)
	case models.TaskStatusBlocked:
		return nil, fmt.Errorf("decompose %s: task is blocked: %w", taskID, ErrInvalidTransition)
	}
	if models.Depth(taskID) >= graph.MaxDepth {
		return nil, fmt.Errorf("decompose %s: %w", taskID, graph.ErrDepth)
	}

	g, err := e.loadGraph(ctx)
	if err != nil {
		return nil, err
	}

	next := nextChildIndex(parent)
	children := make([]*models.Task, 0, len(specs))
	for i, spec := range specs {
		id := fmt.Sprintf("%s.%d", taskID, next+i)
		if err := g.ValidateInsert(id, nil); err != nil {
			return nil, err
		}
		c := &models.Task{
			ID:        id,
			SessionID: parent.SessionID,
			Title:     spec.Title,
			Status:    models.TaskStatusPending,
			Type:      spec.Type,
			Executor:  spec.Executor,
			Context:   inheritContext(spec.Context, parent.Context, taskID),
		}
		if c.Type == "" {
			c.Type = parent.Type
		}
		children = append(children, c)
	}

	if err := e.store.CreateSubtasks(ctx, parent, parent.Version, children); err != nil {
		return nil, err
	}

	if err := e.recomputeAncestors(ctx, children[0].ID); err != nil {
		return nil, err
	}
	if err := e.refreshSession(ctx, parent.SessionID); err != nil {
		return nil, err
	}
	if err := e.Reclassify(ctx, parent.SessionID); err != nil {
		return nil, err
	}
	return children, nil
}

// AddDependency records that taskID depends on dependsOnID after cycle
// validation. A pending task gains an incomplete prerequisite becomes
// blocked immediately.
func (e *Engine) AddDependency(ctx context.Context, taskID, dependsOnID string) error {
	g, err := e.loadGraph(ctx)
	if err != nil {
		return err
	}
	if err := g.ValidateDependency(taskID, dependsOnID); err != nil {
		return err
	}

	if err := e.store.AddDependency(ctx, taskID, dependsOnID); err != nil {
		return err
	}

	prereq, err := e.store.GetTask(ctx, dependsOnID)
	if err != nil {
		return err
	}
	if prereq.Resolved() {
		return nil
	}

	reason := fmt.Sprintf("waiting on %s", dependsOnID)
	_, err = e.updateTask(ctx, taskID, func(t *models.Task) (bool, error) {
		if t.Status != models.TaskStatusPending {
			return false, nil
		}
		t.Status = models.TaskStatusBlocked
		t.Progress = models.StatusProgress(t.Status)
		t.BlockedReason = &reason
		return true, nil
	})
	if err != nil {
		return err
	}
	return e.recomputeAncestors(ctx, taskID)
}

// RemoveDependency deletes an edge and unblocks the dependent if its
// remaining dependencies are all resolved.
func (e *Engine) RemoveDependency(ctx context.Context, taskID, dependsOnID string) error {
	if err := e.store.RemoveDependency(ctx, taskID, dependsOnID); err != nil {
		return err
	}
	return e.maybeUnblock(ctx, taskID)
}

// Reclassify recomputes a session's complexity tier from its current
// task census. Downgrades are silently ignored per the monotonic rule.
func (e *Engine) Reclassify(ctx context.Context, sessionID string) error {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	tasks, err := e.store.ListSessionTasks(ctx, sessionID)
	if err != nil {
		return err
	}

	complexDeps := false
	for _, t := range tasks {
		if len(t.Relations.Dependencies) >= 2 {
			complexDeps = true
			break
		}
	}

	proposed := classify.Classify(classify.Signals{
		TaskCount:           len(tasks),
		ModuleCount:         sess.Modules,
		EffortHours:         sess.EffortHours,
		ComplexDependencies: complexDeps,
		MultiRepository:     sess.MultiRepository,
	})

	_, err = e.updateSession(ctx, sessionID, func(s *models.Session) (bool, error) {
		next := classify.Upgrade(s.Complexity, proposed)
		if next == s.Complexity {
			return false, nil
		}
		s.Complexity = next
		return true, nil
	})
	return err
}

// inheritContext fills empty context fields from the parent and records
// where they came from. Explicitly provided fields are kept; the merge
// never overwrites anything the caller set.
func inheritContext(child, parent models.Context, parentID string) models.Context {
	if len(child.Requirements) == 0 {
		child.Requirements = append([]string(nil), parent.Requirements...)
	}
	if len(child.Scope) == 0 {
		child.Scope = append([]string(nil), parent.Scope...)
	}
	if len(child.Acceptance) == 0 {
		child.Acceptance = append([]string(nil), parent.Acceptance...)
	}
	if child.InheritedFrom == nil {
		child.InheritedFrom = &parentID
	}
	return child
}

func inheritedEmpty(c models.Context) bool {
	return len(c.Requirements) == 0 && len(c.Scope) == 0 && len(c.Acceptance) == 0 && c.InheritedFrom == nil
}

// nextRootID finds the lowest unused top-level id of the form T<n>.
func nextRootID(g *graph.Graph) string {
	for n := 1; ; n++ {
		id := "T" + strconv.Itoa(n)
		if !g.Contains(id) {
			return id
		}
	}
}

// nextChildIndex returns the next free numeric suffix under a parent.
func nextChildIndex(parent *models.Task) int {
	max := 0
	for _, sub := range parent.Relations.Subtasks {
		suffix := sub[strings.LastIndex(sub, ".")+1:]
		if n, err := strconv.Atoi(suffix); err == nil && n > max {
			max = n
		}
	}
	return max + 1
}

func nextChildID(parent *models.Task) string {
	return fmt.Sprintf("%s.%d", parent.ID, nextChildIndex(parent))
}
