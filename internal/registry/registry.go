// Package registry owns the "at most one active session" invariant. It
// is the only writer of the store's active session pointer. Switching is
// a two-step sequence of versioned writes with a compensating rollback:
// a brief zero-active window is tolerated, two active sessions never.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ldi/trellis/internal/store"
	"github.com/ldi/trellis/pkg/models"
)

var (
	// ErrNoActiveSession means no session is currently active.
	ErrNoActiveSession = errors.New("no active session")
	// ErrDuplicateID means a session with the given id already exists.
	ErrDuplicateID = errors.New("duplicate session id")
)

type Registry struct {
	store *store.Store
}

func New(st *store.Store) *Registry {
	return &Registry{store: st}
}

// Create inserts a new session and activates it. A fresh id is
// generated when the caller leaves it empty.
func (r *Registry) Create(ctx context.Context, sess *models.Session) error {
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	} else {
		_, err := r.store.GetSession(ctx, sess.ID)
		if err == nil {
			return fmt.Errorf("session %s: %w", sess.ID, ErrDuplicateID)
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}
	if sess.Complexity == "" {
		sess.Complexity = models.ComplexitySimple
	}

	if err := r.store.CreateSession(ctx, sess); err != nil {
		return err
	}
	if err := r.SwitchTo(ctx, sess.ID); err != nil {
		return err
	}

	// SwitchTo works on its own copy; re-read so the caller sees the
	// activated state and the current version.
	fresh, err := r.store.GetSession(ctx, sess.ID)
	if err != nil {
		return err
	}
	*sess = *fresh
	return nil
}

// SwitchTo makes the target session the active one. The current session
// is deactivated first; if activating the target then fails, the
// previous session is reactivated (compensating write).
func (r *Registry) SwitchTo(ctx context.Context, id string) error {
	target, err := r.store.GetSession(ctx, id)
	if err != nil {
		return err
	}

	curID, ptrVersion, err := r.store.GetActivePointer(ctx)
	if err != nil {
		return err
	}
	if curID == id {
		return nil
	}

	// Step (a): deactivate the current session, leaving a window where
	// zero sessions are active rather than two.
	var prev *models.Session
	if curID != "" {
		prev, err = r.store.GetSession(ctx, curID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if prev != nil && prev.Active {
			prev.Active = false
			if err := r.store.PutSessionState(ctx, prev, prev.Version); err != nil {
				return fmt.Errorf("failed to deactivate session %s: %w", curID, err)
			}
		}
	}

	// Step (b): activate the target. On failure, roll step (a) back.
	now := time.Now().UTC()
	target.Active = true
	target.ActivatedAt = &now
	if err := r.store.PutSessionState(ctx, target, target.Version); err != nil {
		r.reactivate(ctx, prev)
		return fmt.Errorf("failed to activate session %s: %w", id, err)
	}

	if _, err := r.store.SetActivePointer(ctx, id, ptrVersion); err != nil {
		target.Active = false
		_ = r.store.PutSessionState(ctx, target, target.Version)
		r.reactivate(ctx, prev)
		return fmt.Errorf("failed to move active pointer to %s: %w", id, err)
	}
	return nil
}

func (r *Registry) reactivate(ctx context.Context, prev *models.Session) {
	if prev == nil {
		return
	}
	prev.Active = true
	// Best effort: if this also fails we are in the documented
	// zero-active window, not a two-active violation.
	_ = r.store.PutSessionState(ctx, prev, prev.Version)
}

// PauseCurrent deactivates the active session without activating
// another one.
func (r *Registry) PauseCurrent(ctx context.Context) error {
	curID, ptrVersion, err := r.store.GetActivePointer(ctx)
	if err != nil {
		return err
	}
	if curID == "" {
		return ErrNoActiveSession
	}

	sess, err := r.store.GetSession(ctx, curID)
	if err != nil {
		return err
	}
	if sess.Active {
		sess.Active = false
		if err := r.store.PutSessionState(ctx, sess, sess.Version); err != nil {
			return fmt.Errorf("failed to pause session %s: %w", curID, err)
		}
	}

	if _, err := r.store.SetActivePointer(ctx, "", ptrVersion); err != nil {
		return fmt.Errorf("failed to clear active pointer: %w", err)
	}
	return nil
}

// Current returns the active session, or ErrNoActiveSession.
func (r *Registry) Current(ctx context.Context) (*models.Session, error) {
	curID, _, err := r.store.GetActivePointer(ctx)
	if err != nil {
		return nil, err
	}
	if curID == "" {
		return nil, ErrNoActiveSession
	}
	return r.store.GetSession(ctx, curID)
}

// Repair enforces the single-active invariant after outside damage: the
// most recently activated session is kept, everything else is
// deactivated, and the pointer is re-aimed at the keeper. Returns the
// number of sessions deactivated.
func (r *Registry) Repair(ctx context.Context) (int, error) {
	active, err := r.store.ListActiveSessions(ctx)
	if err != nil {
		return 0, err
	}

	curID, ptrVersion, err := r.store.GetActivePointer(ctx)
	if err != nil {
		return 0, err
	}

	if len(active) == 0 {
		if curID != "" {
			// Stale pointer with nothing active.
			if _, err := r.store.SetActivePointer(ctx, "", ptrVersion); err != nil {
				return 0, err
			}
		}
		return 0, nil
	}

	// ListActiveSessions orders by activation time, newest first.
	keeper := active[0]
	deactivated := 0
	for _, sess := range active[1:] {
		sess.Active = false
		if err := r.store.PutSessionState(ctx, sess, sess.Version); err != nil {
			return deactivated, fmt.Errorf("failed to deactivate session %s: %w", sess.ID, err)
		}
		deactivated++
	}

	if curID != keeper.ID {
		if _, err := r.store.SetActivePointer(ctx, keeper.ID, ptrVersion); err != nil {
			return deactivated, err
		}
	}
	return deactivated, nil
}
