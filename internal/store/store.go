package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	embedsql "github.com/ldi/trellis/embed/sql"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound means no record exists for the given key.
	ErrNotFound = errors.New("record not found")
	// ErrVersionConflict means the record changed since it was read.
	// Retryable: re-read, recompute, write again.
	ErrVersionConflict = errors.New("version conflict")
)

// MaxRetries bounds optimistic-write retry loops so contention surfaces
// as an error instead of livelock.
const MaxRetries = 3

// Store is durable keyed storage for task and session records. Writes
// are atomic at single-record granularity and version-checked.
type Store struct {
	*sql.DB
	onChange         func(ctx context.Context)
	onChangeMu       sync.RWMutex
	onChangeDisabled bool
}

type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open opens a SQLite database at the given path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Foreign keys support
	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// SQLite works best with a single writer.
	db.SetMaxOpenConns(1)

	return &Store{DB: db}, nil
}

func (s *Store) Migrate(ctx context.Context, schema string) error {
	if _, err := s.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

func (s *Store) Init(ctx context.Context) error {
	return s.Migrate(ctx, embedsql.Schema)
}

// SetOnChange registers a hook invoked after every successful write.
func (s *Store) SetOnChange(fn func(ctx context.Context)) {
	s.onChangeMu.Lock()
	defer s.onChangeMu.Unlock()
	s.onChange = fn
}

func (s *Store) DisableOnChange() {
	s.onChangeMu.Lock()
	defer s.onChangeMu.Unlock()
	s.onChangeDisabled = true
}

func (s *Store) EnableOnChange() {
	s.onChangeMu.Lock()
	defer s.onChangeMu.Unlock()
	s.onChangeDisabled = false
}

func (s *Store) triggerChange(ctx context.Context) {
	s.onChangeMu.RLock()
	fn := s.onChange
	disabled := s.onChangeDisabled
	s.onChangeMu.RUnlock()

	if fn != nil && !disabled {
		fn(ctx)
	}
}
