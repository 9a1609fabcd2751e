package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ldi/trellis/internal/graph"
	"github.com/ldi/trellis/internal/store"
	"github.com/ldi/trellis/pkg/models"
)

// SetStatus applies a requested status transition and runs the full
// propagation: ancestor progress bottom-up, dependency unblocking
// top-down, then the owning session. The caller supplies the version it
// read; on ErrVersionConflict it must re-read and decide whether to
// retry. Pass 0 to accept the current version.
func (e *Engine) SetStatus(ctx context.Context, taskID string, requested models.TaskStatus, expected int64) (*models.Task, error) {
	return e.setStatus(ctx, taskID, requested, expected, "")
}

// Block marks a task blocked with an explicit reason, e.g. an external
// dependency surfacing mid-execution.
func (e *Engine) Block(ctx context.Context, taskID, reason string, expected int64) (*models.Task, error) {
	return e.setStatus(ctx, taskID, models.TaskStatusBlocked, expected, reason)
}

func (e *Engine) setStatus(ctx context.Context, taskID string, requested models.TaskStatus, expected int64, reason string) (*models.Task, error) {
	t, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if expected == 0 {
		expected = t.Version
	}

	if t.Status == models.TaskStatusContainer {
		return nil, fmt.Errorf("task %s is a container, its status is derived: %w", taskID, ErrInvalidTransition)
	}
	if t.Status == models.TaskStatusCompleted {
		return nil, fmt.Errorf("task %s is completed (terminal): %w", taskID, ErrInvalidTransition)
	}

	switch requested {
	case models.TaskStatusActive:
		unmet, err := e.unmetDependencies(ctx, t)
		if err != nil {
			return nil, err
		}
		if len(unmet) > 0 {
			// Auto-corrected to blocked, with the refusal recorded. Not
			// an error, and not an attempt either: nothing ran.
			r := "waiting on " + strings.Join(unmet, ", ")
			t.Status = models.TaskStatusBlocked
			t.Progress = models.StatusProgress(t.Status)
			t.BlockedReason = &r
		} else {
			now := time.Now().UTC()
			t.Status = models.TaskStatusActive
			t.Progress = models.StatusProgress(t.Status)
			t.BlockedReason = nil
			t.Execution.Attempts++
			t.Execution.LastAttempt = &now
		}

	case models.TaskStatusCompleted:
		if t.IsContainer() {
			return nil, fmt.Errorf("task %s has subtasks, completion is derived: %w", taskID, ErrInvalidTransition)
		}
		if t.Status != models.TaskStatusActive {
			return nil, fmt.Errorf("task %s: %s -> completed: %w", taskID, t.Status, ErrInvalidTransition)
		}
		t.Status = models.TaskStatusCompleted
		t.Progress = models.StatusProgress(t.Status)
		t.BlockedReason = nil

	case models.TaskStatusBlocked:
		if t.Status != models.TaskStatusPending && t.Status != models.TaskStatusActive {
			return nil, fmt.Errorf("task %s: %s -> blocked: %w", taskID, t.Status, ErrInvalidTransition)
		}
		if reason == "" {
			reason = "blocked by caller"
		}
		t.Status = models.TaskStatusBlocked
		t.Progress = models.StatusProgress(t.Status)
		t.BlockedReason = &reason

	case models.TaskStatusPending:
		// blocked -> pending belongs to the propagation engine or the
		// explicit override, never to a plain status request.
		return nil, fmt.Errorf("task %s: %s -> pending: %w", taskID, t.Status, ErrInvalidTransition)

	default:
		return nil, fmt.Errorf("task %s: %s not requestable: %w", taskID, requested, ErrInvalidTransition)
	}

	if err := e.store.PutTaskState(ctx, t, expected); err != nil {
		return nil, err
	}

	if err := e.propagate(ctx, t); err != nil {
		return t, err
	}
	return t, nil
}

// OverrideUnblock is the explicit escape hatch for blocked -> pending,
// bypassing the dependency check.
func (e *Engine) OverrideUnblock(ctx context.Context, taskID string, expected int64) (*models.Task, error) {
	t, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != models.TaskStatusBlocked {
		return nil, fmt.Errorf("task %s: %s -> pending (override): %w", taskID, t.Status, ErrInvalidTransition)
	}
	if expected == 0 {
		expected = t.Version
	}

	t.Status = models.TaskStatusPending
	t.Progress = models.StatusProgress(t.Status)
	t.BlockedReason = nil
	if err := e.store.PutTaskState(ctx, t, expected); err != nil {
		return nil, err
	}

	if err := e.propagate(ctx, t); err != nil {
		return t, err
	}
	return t, nil
}

// propagate runs steps 3-5 of a status mutation: ancestor progress,
// dependent unblocking, session refresh. Each write is independently
// versioned; a conflict partway through is retried for that record only,
// and exhausted retries surface with the partial state intact.
func (e *Engine) propagate(ctx context.Context, t *models.Task) error {
	if err := e.recomputeAncestors(ctx, t.ID); err != nil {
		return err
	}
	if t.Resolved() {
		if err := e.unblockDependents(ctx, t.ID); err != nil {
			return err
		}
	}
	return e.refreshSession(ctx, t.SessionID)
}

// recomputeAncestors walks the parent chain bottom-up, rewriting each
// container's aggregate progress as the unweighted mean of its direct
// children. The status field stays "container" even at 100: progress is
// the completion signal, the status is structural.
func (e *Engine) recomputeAncestors(ctx context.Context, id string) error {
	for parentID := models.ParentID(id); parentID != ""; parentID = models.ParentID(parentID) {
		parent, err := e.updateTask(ctx, parentID, func(p *models.Task) (bool, error) {
			children, err := e.directChildren(ctx, p.ID)
			if err != nil {
				return false, err
			}
			if len(children) == 0 {
				return false, nil
			}
			sum := 0.0
			for _, c := range children {
				sum += c.Progress
			}
			p.Progress = sum / float64(len(children))
			if p.Status != models.TaskStatusContainer {
				p.Status = models.TaskStatusContainer
			}
			return true, nil
		})
		if errors.Is(err, store.ErrNotFound) {
			// Orphaned record: report, never auto-delete.
			return fmt.Errorf("task %s ancestor %s missing: %w", id, parentID, graph.ErrOrphanParent)
		}
		if err != nil {
			return err
		}
		if parent.Resolved() {
			if err := e.unblockDependents(ctx, parentID); err != nil {
				return err
			}
		}
	}
	return nil
}

// unblockDependents moves blocked dependents of a resolved task back to
// pending once all of their dependencies are resolved. Never to active:
// activation stays an explicit operation.
func (e *Engine) unblockDependents(ctx context.Context, id string) error {
	dependents, err := e.store.ListDependents(ctx, id)
	if err != nil {
		return err
	}
	for _, depID := range dependents {
		if err := e.maybeUnblock(ctx, depID); err != nil {
			return err
		}
	}
	return nil
}

// maybeUnblock transitions a blocked task to pending if every one of
// its dependencies is resolved.
func (e *Engine) maybeUnblock(ctx context.Context, taskID string) error {
	t, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status != models.TaskStatusBlocked {
		return nil
	}
	unmet, err := e.unmetDependencies(ctx, t)
	if err != nil {
		return err
	}
	if len(unmet) > 0 {
		return nil
	}

	unblocked, err := e.updateTask(ctx, taskID, func(p *models.Task) (bool, error) {
		if p.Status != models.TaskStatusBlocked {
			return false, nil
		}
		p.Status = models.TaskStatusPending
		p.Progress = models.StatusProgress(p.Status)
		p.BlockedReason = nil
		return true, nil
	})
	if err != nil {
		return err
	}
	if err := e.recomputeAncestors(ctx, taskID); err != nil {
		return err
	}
	return e.refreshSession(ctx, unblocked.SessionID)
}

func (e *Engine) unmetDependencies(ctx context.Context, t *models.Task) ([]string, error) {
	var unmet []string
	for _, depID := range t.Relations.Dependencies {
		dep, err := e.store.GetTask(ctx, depID)
		if err != nil {
			return nil, err
		}
		if !dep.Resolved() {
			unmet = append(unmet, depID)
		}
	}
	return unmet, nil
}

// refreshSession marks a session completed once every one of its
// top-level tasks has resolved. Stats stay derived; nothing else is
// persisted here.
func (e *Engine) refreshSession(ctx context.Context, sessionID string) error {
	tasks, err := e.store.ListSessionTasks(ctx, sessionID)
	if err != nil {
		return err
	}

	roots := 0
	completed := true
	for _, t := range tasks {
		if models.Depth(t.ID) != 1 {
			continue
		}
		roots++
		if !t.Resolved() {
			completed = false
		}
	}
	if roots == 0 {
		completed = false
	}

	_, err = e.updateSession(ctx, sessionID, func(s *models.Session) (bool, error) {
		if s.Completed == completed {
			return false, nil
		}
		s.Completed = completed
		return true, nil
	})
	return err
}

// directChildren loads the immediate subtasks of a container.
func (e *Engine) directChildren(ctx context.Context, id string) ([]*models.Task, error) {
	descendants, err := e.store.ListTasks(ctx, id+".")
	if err != nil {
		return nil, err
	}
	depth := models.Depth(id) + 1
	var children []*models.Task
	for _, d := range descendants {
		if models.Depth(d.ID) == depth {
			children = append(children, d)
		}
	}
	return children, nil
}

// updateTask is the bounded optimistic-retry loop for internal cascade
// writes: read, mutate, versioned put, retry the single record on
// conflict up to store.MaxRetries.
func (e *Engine) updateTask(ctx context.Context, id string, mutate func(*models.Task) (bool, error)) (*models.Task, error) {
	var lastErr error
	for i := 0; i < store.MaxRetries; i++ {
		t, err := e.store.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		apply, err := mutate(t)
		if err != nil {
			return nil, err
		}
		if !apply {
			return t, nil
		}
		err = e.store.PutTaskState(ctx, t, t.Version)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (e *Engine) updateSession(ctx context.Context, id string, mutate func(*models.Session) (bool, error)) (*models.Session, error) {
	var lastErr error
	for i := 0; i < store.MaxRetries; i++ {
		s, err := e.store.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		apply, err := mutate(s)
		if err != nil {
			return nil, err
		}
		if !apply {
			return s, nil
		}
		err = e.store.PutSessionState(ctx, s, s.Version)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}
