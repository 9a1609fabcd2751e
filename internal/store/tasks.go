package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ldi/trellis/pkg/models"
)

// CreateTask inserts a new task record. The caller is responsible for
// validating the id against the task graph first.
func (s *Store) CreateTask(ctx context.Context, t *models.Task) error {
	if err := s.createTask(ctx, s.DB, t); err != nil {
		return err
	}

	s.triggerChange(ctx)
	return nil
}

func (s *Store) createTask(ctx context.Context, exec executor, t *models.Task) error {
	contextJSON, err := json.Marshal(t.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal task context: %w", err)
	}

	query := `
		INSERT INTO tasks (id, session_id, title, status, type, executor, context, progress, blocked_reason, attempts, last_attempt)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING version, created_at, updated_at
	`
	err = exec.QueryRowContext(ctx, query,
		t.ID, t.SessionID, t.Title, t.Status, t.Type, t.Executor, string(contextJSON),
		t.Progress, t.BlockedReason, t.Execution.Attempts, t.Execution.LastAttempt,
	).Scan(&t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by id with its relations populated.
func (s *Store) GetTask(ctx context.Context, id string) (*models.Task, error) {
	query := `
		SELECT id, session_id, title, status, type, executor, context, progress, blocked_reason, attempts, last_attempt, version, created_at, updated_at
		FROM tasks
		WHERE id = ?
	`
	t, err := scanTask(s.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}

	if err := loadRelations(ctx, s.DB, t); err != nil {
		return nil, err
	}
	return t, nil
}

// ListTasks returns tasks whose id starts with the given prefix, in
// creation order. An empty prefix lists every task in the store.
func (s *Store) ListTasks(ctx context.Context, prefix string) ([]*models.Task, error) {
	query := `
		SELECT id, session_id, title, status, type, executor, context, progress, blocked_reason, attempts, last_attempt, version, created_at, updated_at
		FROM tasks
		WHERE id LIKE ? || '%'
		ORDER BY created_at ASC, id ASC
	`
	return queryTasks(ctx, s.DB, query, prefix)
}

// ListSessionTasks returns every task owned by a session.
func (s *Store) ListSessionTasks(ctx context.Context, sessionID string) ([]*models.Task, error) {
	query := `
		SELECT id, session_id, title, status, type, executor, context, progress, blocked_reason, attempts, last_attempt, version, created_at, updated_at
		FROM tasks
		WHERE session_id = ?
		ORDER BY created_at ASC, id ASC
	`
	return queryTasks(ctx, s.DB, query, sessionID)
}

// ListUnblockedTasks returns pending leaf tasks whose dependencies are
// all resolved, i.e. work that is ready to hand to an executor.
func (s *Store) ListUnblockedTasks(ctx context.Context) ([]*models.Task, error) {
	query := `
		SELECT id, session_id, title, status, type, executor, context, progress, blocked_reason, attempts, last_attempt, version, created_at, updated_at
		FROM v_unblocked_tasks
		ORDER BY created_at ASC, id ASC
	`
	return queryTasks(ctx, s.DB, query)
}

func queryTasks(ctx context.Context, q executor, query string, args ...any) ([]*models.Task, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	for _, t := range tasks {
		if err := loadRelations(ctx, q, t); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	t := &models.Task{}
	var contextJSON string
	err := row.Scan(
		&t.ID, &t.SessionID, &t.Title, &t.Status, &t.Type, &t.Executor, &contextJSON,
		&t.Progress, &t.BlockedReason, &t.Execution.Attempts, &t.Execution.LastAttempt,
		&t.Version, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(contextJSON), &t.Context); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task context: %w", err)
	}
	return t, nil
}

// loadRelations fills parent (from the dotted id), direct subtask ids
// and dependency ids for a loaded task.
func loadRelations(ctx context.Context, q executor, t *models.Task) error {
	if parent := models.ParentID(t.ID); parent != "" {
		t.Relations.Parent = &parent
	}

	// Direct children only: one more dotted segment than the parent.
	rows, err := q.QueryContext(ctx, `
		SELECT id FROM tasks
		WHERE id LIKE ? || '.%' AND id NOT LIKE ? || '.%.%'
		ORDER BY created_at ASC, id ASC
	`, t.ID, t.ID)
	if err != nil {
		return fmt.Errorf("failed to query subtasks: %w", err)
	}
	defer rows.Close()

	t.Relations.Subtasks = nil
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("failed to scan subtask id: %w", err)
		}
		t.Relations.Subtasks = append(t.Relations.Subtasks, id)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows error: %w", err)
	}

	deps, err := queryIDs(ctx, q,
		`SELECT depends_on_task_id FROM dependencies WHERE task_id = ? ORDER BY depends_on_task_id`,
		t.ID)
	if err != nil {
		return err
	}
	t.Relations.Dependencies = deps
	return nil
}

// PutTaskState writes a task's mutable state (status, progress, blocked
// reason, execution bookkeeping) using optimistic versioning. The write
// is rejected with ErrVersionConflict unless expected matches the stored
// version. On success the task's Version and UpdatedAt are refreshed.
func (s *Store) PutTaskState(ctx context.Context, t *models.Task, expected int64) error {
	query := `
		UPDATE tasks
		SET status = ?, progress = ?, blocked_reason = ?, attempts = ?, last_attempt = ?,
		    updated_at = CURRENT_TIMESTAMP, version = version + 1
		WHERE id = ? AND version = ?
		RETURNING version, updated_at
	`
	err := s.QueryRowContext(ctx, query,
		t.Status, t.Progress, t.BlockedReason, t.Execution.Attempts, t.Execution.LastAttempt,
		t.ID, expected,
	).Scan(&t.Version, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return s.staleOrMissing(ctx, t.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to put task state: %w", err)
	}

	s.triggerChange(ctx)
	return nil
}

// staleOrMissing distinguishes a version conflict from a missing record
// after a versioned UPDATE matched zero rows.
func (s *Store) staleOrMissing(ctx context.Context, id string) error {
	var one int
	err := s.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to check task existence: %w", err)
	}
	return fmt.Errorf("task %s: %w", id, ErrVersionConflict)
}

// CreateSubtasks converts a parent to a container and inserts its
// children in one transaction, so a decomposition is either fully
// applied or not at all.
func (s *Store) CreateSubtasks(ctx context.Context, parent *models.Task, expected int64, children []*models.Task) error {
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		UPDATE tasks
		SET status = ?, updated_at = CURRENT_TIMESTAMP, version = version + 1
		WHERE id = ? AND version = ?
		RETURNING version, updated_at
	`
	err = tx.QueryRowContext(ctx, query, models.TaskStatusContainer, parent.ID, expected).
		Scan(&parent.Version, &parent.UpdatedAt)
	if err == sql.ErrNoRows {
		// Release the connection before probing; the pool is capped at
		// one and staleOrMissing queries through the store.
		tx.Rollback()
		return s.staleOrMissing(ctx, parent.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to mark container: %w", err)
	}
	parent.Status = models.TaskStatusContainer

	for _, c := range children {
		if err := s.createTask(ctx, tx, c); err != nil {
			return fmt.Errorf("failed to create subtask %s: %w", c.ID, err)
		}
		parent.Relations.Subtasks = append(parent.Relations.Subtasks, c.ID)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.triggerChange(ctx)
	return nil
}
