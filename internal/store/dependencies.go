package store

import (
	"context"
	"fmt"
)

// DependencyEdge is one blocks/blocked-by relation between two tasks.
type DependencyEdge struct {
	TaskID          string `json:"task_id"`
	DependsOnTaskID string `json:"depends_on_task_id"`
}

// AddDependency records that taskID depends on dependsOnTaskID and bumps
// the dependent task's version, since its relations changed. The caller
// must have run cycle validation first.
func (s *Store) AddDependency(ctx context.Context, taskID, dependsOnTaskID string) error {
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO dependencies (task_id, depends_on_task_id) VALUES (?, ?)`,
		taskID, dependsOnTaskID,
	); err != nil {
		return fmt.Errorf("failed to create dependency: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET updated_at = CURRENT_TIMESTAMP, version = version + 1 WHERE id = ?`,
		taskID,
	); err != nil {
		return fmt.Errorf("failed to bump dependent task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.triggerChange(ctx)
	return nil
}

// RemoveDependency deletes a dependency edge.
func (s *Store) RemoveDependency(ctx context.Context, taskID, dependsOnTaskID string) error {
	res, err := s.ExecContext(ctx,
		`DELETE FROM dependencies WHERE task_id = ? AND depends_on_task_id = ?`,
		taskID, dependsOnTaskID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete dependency: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("dependency %s -> %s: %w", taskID, dependsOnTaskID, ErrNotFound)
	}

	s.triggerChange(ctx)
	return nil
}

// ListDependencies returns the ids a task depends on.
func (s *Store) ListDependencies(ctx context.Context, taskID string) ([]string, error) {
	return queryIDs(ctx, s.DB,
		`SELECT depends_on_task_id FROM dependencies WHERE task_id = ? ORDER BY depends_on_task_id`,
		taskID)
}

// ListDependents returns the ids of tasks that depend on taskID.
func (s *Store) ListDependents(ctx context.Context, taskID string) ([]string, error) {
	return queryIDs(ctx, s.DB,
		`SELECT task_id FROM dependencies WHERE depends_on_task_id = ? ORDER BY task_id`,
		taskID)
}

// ListDependencyEdges returns every dependency edge in the store, for
// graph construction.
func (s *Store) ListDependencyEdges(ctx context.Context) ([]DependencyEdge, error) {
	rows, err := s.QueryContext(ctx,
		`SELECT task_id, depends_on_task_id FROM dependencies ORDER BY task_id, depends_on_task_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list dependency edges: %w", err)
	}
	defer rows.Close()

	var edges []DependencyEdge
	for rows.Next() {
		var e DependencyEdge
		if err := rows.Scan(&e.TaskID, &e.DependsOnTaskID); err != nil {
			return nil, fmt.Errorf("failed to scan dependency edge: %w", err)
		}
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return edges, nil
}

func queryIDs(ctx context.Context, q executor, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return ids, nil
}
