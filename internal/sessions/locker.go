package sessions

import (
	"context"
	"errors"
	"time"
)

// Locker provides the per-session write-lock interface the store and
// compactor take as a narrow capability surface, rather than depending on
// each other directly.
type Locker interface {
	Lock(ctx context.Context, sessionID string) error
	Unlock(sessionID string)
}

// LocalLocker wraps the in-memory SessionLocker with a context-aware interface.
// One mutex per session_id, matching the single-process deployment this
// runtime targets (no multi-node distribution, see spec Non-goals).
type LocalLocker struct {
	inner *SessionLocker
}

// NewLocalLocker creates a LocalLocker using the given default timeout.
func NewLocalLocker(timeout time.Duration) *LocalLocker {
	return &LocalLocker{inner: NewSessionLocker(timeout)}
}

// Lock acquires a local lock using the provided context.
func (l *LocalLocker) Lock(ctx context.Context, sessionID string) error {
	if l == nil || l.inner == nil {
		return errors.New("session locker unavailable")
	}
	return l.inner.LockWithContext(ctx, sessionID)
}

// Unlock releases the local lock.
func (l *LocalLocker) Unlock(sessionID string) {
	if l == nil || l.inner == nil {
		return
	}
	l.inner.Unlock(sessionID)
}
