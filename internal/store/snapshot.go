package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ldi/trellis/pkg/models"
)

// Archival is a bulk move, never a per-task delete: the snapshot carries
// the full session/task/dependency history so nothing is lost to audit.

type snapshotMeta struct {
	RecordType string    `json:"record_type"`
	ExportedAt time.Time `json:"exported_at"`
}

type snapshotSession struct {
	RecordType string `json:"record_type"`
	*models.Session
}

type snapshotTask struct {
	RecordType string `json:"record_type"`
	*models.Task
}

type snapshotDependency struct {
	RecordType string `json:"record_type"`
	DependencyEdge
}

// EnableAutoSnapshot sets up a hook that automatically exports a snapshot
// to the given path after every successful write operation.
func (s *Store) EnableAutoSnapshot(path string) {
	s.SetOnChange(func(ctx context.Context) {
		// Hooks are best-effort; a failed export must not fail the
		// original write.
		_ = s.ExportSnapshot(ctx, path)
	})
}

// ExportSnapshot writes every session, task and dependency edge as JSONL,
// atomically via a temporary file.
func (s *Store) ExportSnapshot(ctx context.Context, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	tempFile, err := os.CreateTemp(dir, "snapshot-*.jsonl")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		if tempFile != nil {
			tempFile.Close()
			os.Remove(tempFile.Name())
		}
	}()

	w := bufio.NewWriter(tempFile)
	writeLine := func(v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal snapshot record: %w", err)
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("failed to write snapshot line: %w", err)
		}
		return nil
	}

	if err := writeLine(snapshotMeta{RecordType: "meta", ExportedAt: time.Now().UTC()}); err != nil {
		return err
	}

	sessions, err := s.ListSessions(ctx)
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		if err := writeLine(snapshotSession{RecordType: "session", Session: sess}); err != nil {
			return err
		}
	}

	tasks, err := s.ListTasks(ctx, "")
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if err := writeLine(snapshotTask{RecordType: "task", Task: t}); err != nil {
			return err
		}
	}

	edges, err := s.ListDependencyEdges(ctx)
	if err != nil {
		return err
	}
	for _, e := range edges {
		if err := writeLine(snapshotDependency{RecordType: "dependency", DependencyEdge: e}); err != nil {
			return err
		}
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush snapshot: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	filename := tempFile.Name()
	tempFile = nil // Prevent defer from removing it

	if err := os.Rename(filename, path); err != nil {
		os.Remove(filename)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

// ImportSnapshot reads a JSONL snapshot and populates the store inside a
// single transaction. Records are upserted by their natural id, so
// importing over an existing store is an idempotent sync.
func (s *Store) ImportSnapshot(ctx context.Context, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open snapshot file: %w", err)
	}
	defer file.Close()

	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var base struct {
			RecordType string `json:"record_type"`
		}
		if err := json.Unmarshal(line, &base); err != nil {
			return fmt.Errorf("failed to unmarshal base record: %w", err)
		}

		switch base.RecordType {
		case "meta":
			// Skip meta

		case "session":
			var sess models.Session
			if err := json.Unmarshal(line, &sess); err != nil {
				return fmt.Errorf("failed to unmarshal session: %w", err)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO sessions (id, description, complexity, phase, active, completed, modules, effort_hours, multi_repository, activated_at, version, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET
					description = excluded.description, complexity = excluded.complexity,
					phase = excluded.phase, active = excluded.active, completed = excluded.completed,
					modules = excluded.modules, effort_hours = excluded.effort_hours,
					multi_repository = excluded.multi_repository, activated_at = excluded.activated_at,
					version = excluded.version, created_at = excluded.created_at, updated_at = excluded.updated_at`,
				sess.ID, sess.Description, sess.Complexity, sess.Phase, boolInt(sess.Active), boolInt(sess.Completed),
				sess.Modules, sess.EffortHours, boolInt(sess.MultiRepository), sess.ActivatedAt,
				sess.Version, sess.CreatedAt, sess.UpdatedAt)
			if err != nil {
				return fmt.Errorf("failed to sync session %s: %w", sess.ID, err)
			}

		case "task":
			var t models.Task
			if err := json.Unmarshal(line, &t); err != nil {
				return fmt.Errorf("failed to unmarshal task: %w", err)
			}
			contextJSON, err := json.Marshal(t.Context)
			if err != nil {
				return fmt.Errorf("failed to marshal task context: %w", err)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO tasks (id, session_id, title, status, type, executor, context, progress, blocked_reason, attempts, last_attempt, version, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET
					session_id = excluded.session_id, title = excluded.title, status = excluded.status,
					type = excluded.type, executor = excluded.executor, context = excluded.context,
					progress = excluded.progress, blocked_reason = excluded.blocked_reason,
					attempts = excluded.attempts, last_attempt = excluded.last_attempt,
					version = excluded.version, created_at = excluded.created_at, updated_at = excluded.updated_at`,
				t.ID, t.SessionID, t.Title, t.Status, t.Type, t.Executor, string(contextJSON),
				t.Progress, t.BlockedReason, t.Execution.Attempts, t.Execution.LastAttempt,
				t.Version, t.CreatedAt, t.UpdatedAt)
			if err != nil {
				return fmt.Errorf("failed to sync task %s: %w", t.ID, err)
			}

		case "dependency":
			var e DependencyEdge
			if err := json.Unmarshal(line, &e); err != nil {
				return fmt.Errorf("failed to unmarshal dependency: %w", err)
			}
			_, err = tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO dependencies (task_id, depends_on_task_id) VALUES (?, ?)`,
				e.TaskID, e.DependsOnTaskID)
			if err != nil {
				return fmt.Errorf("failed to insert dependency %s -> %s: %w", e.TaskID, e.DependsOnTaskID, err)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scanner error: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	s.triggerChange(ctx)
	return nil
}
