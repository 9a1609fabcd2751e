package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ldi/trellis/pkg/models"
)

const sessionColumns = `id, description, complexity, phase, active, completed, modules, effort_hours, multi_repository, activated_at, version, created_at, updated_at`

// CreateSession inserts a new session record. Sessions are inserted
// inactive; activation goes through the registry's pointer.
func (s *Store) CreateSession(ctx context.Context, sess *models.Session) error {
	query := `
		INSERT INTO sessions (id, description, complexity, phase, modules, effort_hours, multi_repository)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING version, created_at, updated_at
	`
	err := s.QueryRowContext(ctx, query,
		sess.ID, sess.Description, sess.Complexity, sess.Phase,
		sess.Modules, sess.EffortHours, boolInt(sess.MultiRepository),
	).Scan(&sess.Version, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	s.triggerChange(ctx)
	return nil
}

// GetSession retrieves a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	return getSession(ctx, s.DB, id)
}

func getSession(ctx context.Context, q executor, id string) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`
	sess, err := scanSession(q.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

// ListSessions returns every session, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions ORDER BY created_at DESC`
	return s.querySessions(ctx, query)
}

// ListActiveSessions returns sessions flagged active, most recently
// activated first. More than one result means the single-active
// invariant has been violated and repair is needed.
func (s *Store) ListActiveSessions(ctx context.Context) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE active = 1 ORDER BY activated_at DESC`
	return s.querySessions(ctx, query)
}

func (s *Store) querySessions(ctx context.Context, query string, args ...any) ([]*models.Session, error) {
	rows, err := s.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return sessions, nil
}

func scanSession(row rowScanner) (*models.Session, error) {
	sess := &models.Session{}
	var active, completed, multiRepo int
	err := row.Scan(
		&sess.ID, &sess.Description, &sess.Complexity, &sess.Phase,
		&active, &completed, &sess.Modules, &sess.EffortHours, &multiRepo,
		&sess.ActivatedAt, &sess.Version, &sess.CreatedAt, &sess.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sess.Active = active == 1
	sess.Completed = completed == 1
	sess.MultiRepository = multiRepo == 1
	return sess, nil
}

// PutSessionState writes a session's mutable state using optimistic
// versioning, refreshing Version and UpdatedAt on success.
func (s *Store) PutSessionState(ctx context.Context, sess *models.Session, expected int64) error {
	query := `
		UPDATE sessions
		SET description = ?, complexity = ?, phase = ?, active = ?, completed = ?,
		    modules = ?, effort_hours = ?, multi_repository = ?, activated_at = ?,
		    updated_at = CURRENT_TIMESTAMP, version = version + 1
		WHERE id = ? AND version = ?
		RETURNING version, updated_at
	`
	err := s.QueryRowContext(ctx, query,
		sess.Description, sess.Complexity, sess.Phase, boolInt(sess.Active), boolInt(sess.Completed),
		sess.Modules, sess.EffortHours, boolInt(sess.MultiRepository), sess.ActivatedAt,
		sess.ID, expected,
	).Scan(&sess.Version, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		var one int
		probe := s.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, sess.ID).Scan(&one)
		if probe == sql.ErrNoRows {
			return fmt.Errorf("session %s: %w", sess.ID, ErrNotFound)
		}
		if probe != nil {
			return fmt.Errorf("failed to check session existence: %w", probe)
		}
		return fmt.Errorf("session %s: %w", sess.ID, ErrVersionConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to put session state: %w", err)
	}

	s.triggerChange(ctx)
	return nil
}

// SessionStats recomputes a session's derived task counters from the
// v_session_stats view.
func (s *Store) SessionStats(ctx context.Context, sessionID string) (models.SessionStats, error) {
	return sessionStats(ctx, s.DB, sessionID)
}

func sessionStats(ctx context.Context, q executor, sessionID string) (models.SessionStats, error) {
	var stats models.SessionStats
	query := `SELECT total, completed, active FROM v_session_stats WHERE session_id = ?`
	err := q.QueryRowContext(ctx, query, sessionID).Scan(&stats.Total, &stats.Completed, &stats.Active)
	if err == sql.ErrNoRows {
		return stats, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return stats, fmt.Errorf("failed to get session stats: %w", err)
	}
	return stats, nil
}

// SessionSnapshot reads a session, its tasks and its derived stats in a
// single transaction, so a reader sees one point in time even while
// writers are committing.
func (s *Store) SessionSnapshot(ctx context.Context, sessionID string) (*models.Session, []*models.Task, models.SessionStats, error) {
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, models.SessionStats{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	sess, err := getSession(ctx, tx, sessionID)
	if err != nil {
		return nil, nil, models.SessionStats{}, err
	}

	tasks, err := queryTasks(ctx, tx, `
		SELECT id, session_id, title, status, type, executor, context, progress, blocked_reason, attempts, last_attempt, version, created_at, updated_at
		FROM tasks
		WHERE session_id = ?
		ORDER BY created_at ASC, id ASC
	`, sessionID)
	if err != nil {
		return nil, nil, models.SessionStats{}, err
	}

	stats, err := sessionStats(ctx, tx, sessionID)
	if err != nil {
		return nil, nil, models.SessionStats{}, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, models.SessionStats{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return sess, tasks, stats, nil
}

// GetActivePointer reads the single-valued active session pointer. An
// empty id means no session is active.
func (s *Store) GetActivePointer(ctx context.Context) (string, int64, error) {
	var id sql.NullString
	var version int64
	query := `SELECT session_id, version FROM active_session WHERE slot = 1`
	if err := s.QueryRowContext(ctx, query).Scan(&id, &version); err != nil {
		return "", 0, fmt.Errorf("failed to read active pointer: %w", err)
	}
	return id.String, version, nil
}

// SetActivePointer moves the active session pointer with a version
// check. Pass an empty id to clear it.
func (s *Store) SetActivePointer(ctx context.Context, sessionID string, expected int64) (int64, error) {
	var value any
	if sessionID != "" {
		value = sessionID
	}

	var version int64
	query := `
		UPDATE active_session
		SET session_id = ?, version = version + 1
		WHERE slot = 1 AND version = ?
		RETURNING version
	`
	err := s.QueryRowContext(ctx, query, value, expected).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("active pointer: %w", ErrVersionConflict)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to set active pointer: %w", err)
	}

	s.triggerChange(ctx)
	return version, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
