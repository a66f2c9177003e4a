package domain

import (
	"context"
	"slices"
	"time"
)

// Mode selects how the next speaker is chosen.
type Mode string

const (
	ModeRoundRobin        Mode = "round_robin"
	ModeRelevanceWeighted Mode = "relevance_weighted"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeRoundRobin || m == ModeRelevanceWeighted
}

// SessionStatus is the lifecycle state of a conversation session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionCancelled SessionStatus = "cancelled"
	SessionError     SessionStatus = "error"
)

// Terminal reports whether no further turns may run without reactivation.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionCancelled || s == SessionError
}

// Turn is one agent utterance. Turns are immutable once appended.
type Turn struct {
	Index        int       `json:"turn_index"`
	Sender       string    `json:"sender"`
	Message      string    `json:"message"`
	RespondingTo string    `json:"responding_to,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// ConversationSession is the persisted unit of an orchestrated conversation.
type ConversationSession struct {
	ID            string        `json:"session_id"`
	Objective     string        `json:"objective"`
	Roster        []string      `json:"agent_roster"`
	Mode          Mode          `json:"mode"`
	Turns         []Turn        `json:"turns"`
	Status        SessionStatus `json:"status"`
	TurnBudget    int           `json:"max_turns"`
	NextSpeaker   string        `json:"next_speaker,omitempty"`
	FailureReason string        `json:"failure_reason,omitempty"`
	Version       int64         `json:"version"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// LastTurn returns the most recent turn, or nil for an empty history.
func (s *ConversationSession) LastTurn() *Turn {
	if len(s.Turns) == 0 {
		return nil
	}
	return &s.Turns[len(s.Turns)-1]
}

// BudgetExhausted reports whether the turn ceiling has been reached.
func (s *ConversationSession) BudgetExhausted() bool {
	return len(s.Turns) >= s.TurnBudget
}

// Clone returns a deep copy so a step can be prepared without touching
// committed state.
func (s *ConversationSession) Clone() *ConversationSession {
	c := *s
	c.Roster = slices.Clone(s.Roster)
	c.Turns = slices.Clone(s.Turns)
	return &c
}

// SessionStore persists conversation sessions with optimistic concurrency.
type SessionStore interface {
	// CreateSession inserts a new session and sets its Version to 1.
	CreateSession(ctx context.Context, s *ConversationSession) error
	// LoadSession returns ErrSessionNotFound when absent.
	LoadSession(ctx context.Context, id string) (*ConversationSession, error)
	// SaveSession writes s if the stored version equals s.Version, then
	// advances s.Version. Otherwise it returns ErrPersistenceConflict.
	SaveSession(ctx context.Context, s *ConversationSession) error
	// ListSessions returns sessions newest first. An empty status matches all.
	ListSessions(ctx context.Context, status SessionStatus, limit int) ([]*ConversationSession, error)

	// RequestCancel flags a session for cooperative cancellation.
	RequestCancel(ctx context.Context, id string) error
	// CancelRequested reports whether a cancel flag is pending.
	CancelRequested(ctx context.Context, id string) (bool, error)
	// ClearCancel removes a pending cancel flag.
	ClearCancel(ctx context.Context, id string) error
}

// SessionLease guards a session against drivers in other processes.
type SessionLease interface {
	// Acquire returns false when another owner holds the lease.
	Acquire(ctx context.Context, sessionID string) (bool, error)
	// Refresh extends a held lease.
	Refresh(ctx context.Context, sessionID string) error
	// Release gives up a held lease.
	Release(ctx context.Context, sessionID string) error
}
