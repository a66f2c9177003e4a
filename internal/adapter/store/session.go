package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"agora/internal/domain"
)

const sessionColumns = "id, objective, roster, mode, turns, status, turn_budget, next_speaker, failure_reason, version, created_at, updated_at"

// CreateSession implements domain.SessionStore.
func (s *Store) CreateSession(ctx context.Context, sess *domain.ConversationSession) error {
	const op = "Store.CreateSession"

	roster, turns, err := encodeSession(sess)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	created := sess.CreatedAt
	if created.IsZero() {
		created = now
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		sess.ID, sess.Objective, roster, string(sess.Mode), turns, string(sess.Status),
		sess.TurnBudget, sess.NextSpeaker, sess.FailureReason,
		toUnixNano(created), toUnixNano(now),
	)
	if err != nil {
		return fmt.Errorf("%w: insert session: %v", domain.ErrKnowledgeStore, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewSubSystemError("store", op, domain.ErrPersistenceConflict, "session "+sess.ID+" already exists")
	}

	sess.Version = 1
	sess.CreatedAt = created.UTC()
	sess.UpdatedAt = now
	return nil
}

// LoadSession implements domain.SessionStore.
func (s *Store) LoadSession(ctx context.Context, id string) (*domain.ConversationSession, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+sessionColumns+" FROM conversation_sessions WHERE id = ?", id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewSubSystemError("store", "Store.LoadSession", domain.ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load session: %v", domain.ErrKnowledgeStore, err)
	}
	return sess, nil
}

// SaveSession implements domain.SessionStore. The write succeeds only when
// the stored version still equals sess.Version; sess is updated in place
// only after the row has been committed.
func (s *Store) SaveSession(ctx context.Context, sess *domain.ConversationSession) error {
	const op = "Store.SaveSession"

	roster, turns, err := encodeSession(sess)
	if err != nil {
		return err
	}
	now := s.now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE conversation_sessions
		SET objective = ?, roster = ?, mode = ?, turns = ?, status = ?, turn_budget = ?,
		    next_speaker = ?, failure_reason = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		sess.Objective, roster, string(sess.Mode), turns, string(sess.Status), sess.TurnBudget,
		sess.NextSpeaker, sess.FailureReason, toUnixNano(now),
		sess.ID, sess.Version,
	)
	if err != nil {
		return fmt.Errorf("%w: update session: %v", domain.ErrKnowledgeStore, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.currentVersion(ctx, sess.ID); err != nil {
			return err
		}
		return domain.NewSubSystemError("store", op, domain.ErrPersistenceConflict,
			fmt.Sprintf("session %s version %d is stale", sess.ID, sess.Version))
	}

	sess.Version++
	sess.UpdatedAt = now
	return nil
}

// ListSessions implements domain.SessionStore.
func (s *Store) ListSessions(ctx context.Context, status domain.SessionStatus, limit int) ([]*domain.ConversationSession, error) {
	if limit <= 0 {
		limit = 50
	}
	query := "SELECT " + sessionColumns + " FROM conversation_sessions"
	args := []any{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY updated_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list sessions: %v", domain.ErrKnowledgeStore, err)
	}
	defer rows.Close()

	var out []*domain.ConversationSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan session: %v", domain.ErrKnowledgeStore, err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// RequestCancel implements domain.SessionStore. The flag lives outside the
// versioned columns so it never conflicts with the driver's saves.
func (s *Store) RequestCancel(ctx context.Context, id string) error {
	return s.setCancel(ctx, "Store.RequestCancel", id, 1)
}

// ClearCancel implements domain.SessionStore.
func (s *Store) ClearCancel(ctx context.Context, id string) error {
	return s.setCancel(ctx, "Store.ClearCancel", id, 0)
}

// CancelRequested implements domain.SessionStore.
func (s *Store) CancelRequested(ctx context.Context, id string) (bool, error) {
	var flag int
	err := s.db.QueryRowContext(ctx, "SELECT cancel_requested FROM conversation_sessions WHERE id = ?", id).Scan(&flag)
	if errors.Is(err, sql.ErrNoRows) {
		return false, domain.NewSubSystemError("store", "Store.CancelRequested", domain.ErrSessionNotFound, id)
	}
	if err != nil {
		return false, fmt.Errorf("%w: read cancel flag: %v", domain.ErrKnowledgeStore, err)
	}
	return flag == 1, nil
}

func (s *Store) setCancel(ctx context.Context, op, id string, flag int) error {
	res, err := s.db.ExecContext(ctx, "UPDATE conversation_sessions SET cancel_requested = ? WHERE id = ?", flag, id)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrKnowledgeStore, op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewSubSystemError("store", op, domain.ErrSessionNotFound, id)
	}
	return nil
}

func (s *Store) currentVersion(ctx context.Context, id string) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, "SELECT version FROM conversation_sessions WHERE id = ?", id).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.NewSubSystemError("store", "Store.SaveSession", domain.ErrSessionNotFound, id)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: read version: %v", domain.ErrKnowledgeStore, err)
	}
	return v, nil
}

func encodeSession(sess *domain.ConversationSession) (roster, turns string, err error) {
	r, err := json.Marshal(sess.Roster)
	if err != nil {
		return "", "", fmt.Errorf("%w: marshal roster: %v", domain.ErrKnowledgeStore, err)
	}
	t := sess.Turns
	if t == nil {
		t = []domain.Turn{}
	}
	tb, err := json.Marshal(t)
	if err != nil {
		return "", "", fmt.Errorf("%w: marshal turns: %v", domain.ErrKnowledgeStore, err)
	}
	return string(r), string(tb), nil
}

func scanSession(row interface{ Scan(dest ...any) error }) (*domain.ConversationSession, error) {
	var (
		sess                 domain.ConversationSession
		roster, turns        string
		mode, status         string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&sess.ID, &sess.Objective, &roster, &mode, &turns, &status,
		&sess.TurnBudget, &sess.NextSpeaker, &sess.FailureReason, &sess.Version,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(roster), &sess.Roster); err != nil {
		return nil, fmt.Errorf("decode roster: %w", err)
	}
	if err := json.Unmarshal([]byte(turns), &sess.Turns); err != nil {
		return nil, fmt.Errorf("decode turns: %w", err)
	}
	sess.Mode = domain.Mode(mode)
	sess.Status = domain.SessionStatus(status)
	sess.CreatedAt = fromUnixNano(createdAt)
	sess.UpdatedAt = fromUnixNano(updatedAt)
	return &sess, nil
}
