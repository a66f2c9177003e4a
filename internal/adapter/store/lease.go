package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"agora/internal/domain"
)

// DefaultLeaseTTL is how long a lease survives without a refresh.
const DefaultLeaseTTL = 30 * time.Second

// SessionLease implements domain.SessionLease on the sessions table, so
// processes sharing one database never drive the same session at once.
// A lease that is not refreshed within its TTL can be taken over, which
// frees the sessions of a crashed driver.
type SessionLease struct {
	store *Store
	owner string
	ttl   time.Duration
}

// NewSessionLease returns a lease held under owner. A non-positive ttl uses
// DefaultLeaseTTL.
func NewSessionLease(s *Store, owner string, ttl time.Duration) *SessionLease {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &SessionLease{store: s, owner: owner, ttl: ttl}
}

// Owner returns the owner recorded on acquired leases.
func (l *SessionLease) Owner() string { return l.owner }

// TTL returns the lease lifetime between refreshes.
func (l *SessionLease) TTL() time.Duration { return l.ttl }

// Acquire implements domain.SessionLease. The lease is taken only when it is
// free, expired, or already held by this owner. The lease columns are not
// versioned, so acquiring never conflicts with a driver's saves.
func (l *SessionLease) Acquire(ctx context.Context, sessionID string) (bool, error) {
	now := l.store.now()
	res, err := l.store.db.ExecContext(ctx, `
		UPDATE conversation_sessions
		SET lease_owner = ?, lease_until = ?
		WHERE id = ? AND (lease_owner = '' OR lease_owner = ? OR lease_until <= ?)`,
		l.owner, toUnixNano(now.Add(l.ttl)), sessionID, l.owner, toUnixNano(now),
	)
	if err != nil {
		return false, fmt.Errorf("%w: acquire lease: %v", domain.ErrKnowledgeStore, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}
	if err := l.exists(ctx, "SessionLease.Acquire", sessionID); err != nil {
		return false, err
	}
	return false, nil
}

// Refresh implements domain.SessionLease. It returns ErrSessionBusy once the
// lease belongs to another owner.
func (l *SessionLease) Refresh(ctx context.Context, sessionID string) error {
	const op = "SessionLease.Refresh"
	res, err := l.store.db.ExecContext(ctx, `
		UPDATE conversation_sessions SET lease_until = ?
		WHERE id = ? AND lease_owner = ?`,
		toUnixNano(l.store.now().Add(l.ttl)), sessionID, l.owner,
	)
	if err != nil {
		return fmt.Errorf("%w: refresh lease: %v", domain.ErrKnowledgeStore, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if err := l.exists(ctx, op, sessionID); err != nil {
			return err
		}
		return domain.NewSubSystemError("store", op, domain.ErrSessionBusy,
			fmt.Sprintf("lease on %s is no longer held by %s", sessionID, l.owner))
	}
	return nil
}

// Release implements domain.SessionLease. A lease held by another owner is
// left alone.
func (l *SessionLease) Release(ctx context.Context, sessionID string) error {
	_, err := l.store.db.ExecContext(ctx, `
		UPDATE conversation_sessions SET lease_owner = '', lease_until = 0
		WHERE id = ? AND lease_owner = ?`,
		sessionID, l.owner,
	)
	if err != nil {
		return fmt.Errorf("%w: release lease: %v", domain.ErrKnowledgeStore, err)
	}
	return nil
}

func (l *SessionLease) exists(ctx context.Context, op, sessionID string) error {
	var one int
	err := l.store.db.QueryRowContext(ctx, "SELECT 1 FROM conversation_sessions WHERE id = ?", sessionID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NewSubSystemError("store", op, domain.ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrKnowledgeStore, op, err)
	}
	return nil
}

var _ domain.SessionLease = (*SessionLease)(nil)
