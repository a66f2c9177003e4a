package domain

import (
	"context"
	"time"
)

// Kind classifies a recorded interaction.
type Kind string

const (
	KindUserChat      Kind = "user_chat"
	KindAgentChat     Kind = "agent_chat"
	KindTaskExecution Kind = "task_execution"
	KindFileOperation Kind = "file_operation"
	KindSystem        Kind = "system"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindUserChat, KindAgentChat, KindTaskExecution, KindFileOperation, KindSystem:
		return true
	}
	return false
}

// KnowledgeEntry is one recorded interaction. Entries are append-only; only a
// missing Embedding may be filled in later.
type KnowledgeEntry struct {
	ID           int64             `json:"id"`
	AgentName    string            `json:"agent_name"`
	Kind         Kind              `json:"kind"`
	Content      string            `json:"content"`
	Embedding    []float32         `json:"-"`
	RelatedAgent string            `json:"related_agent,omitempty"`
	SessionID    string            `json:"session_id,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// HasEmbedding reports whether the entry carries a vector.
func (e KnowledgeEntry) HasEmbedding() bool { return len(e.Embedding) > 0 }

// RetrievalResult is a ranked entry. Score is nil when the semantic path was
// unavailable and the result came from the recency fallback.
type RetrievalResult struct {
	EntryID   int64     `json:"entry_id"`
	Content   string    `json:"content"`
	Score     *float64  `json:"score"`
	AgeDays   float64   `json:"age_in_days"`
	AgentName string    `json:"agent_name"`
	Kind      Kind      `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
}

// EntryFilter selects knowledge entries. Zero values match everything.
type EntryFilter struct {
	AgentName string
	Kind      Kind
	SessionID string
	// WithSession widens an AgentName filter so that every entry recorded
	// under SessionID also matches.
	WithSession  bool
	HasEmbedding bool
	Limit        int
}

// KnowledgeStore persists the interaction history.
type KnowledgeStore interface {
	// AppendEntry stores a new entry and returns it with ID and CreatedAt set.
	AppendEntry(ctx context.Context, entry KnowledgeEntry) (KnowledgeEntry, error)
	// QueryEntries returns matching entries, newest first.
	QueryEntries(ctx context.Context, filter EntryFilter) ([]KnowledgeEntry, error)
	// EntriesMissingEmbedding returns up to limit entries without a vector, oldest first.
	EntriesMissingEmbedding(ctx context.Context, limit int) ([]KnowledgeEntry, error)
	// SetEmbedding fills the vector of an entry that has none.
	SetEmbedding(ctx context.Context, id int64, vec []float32) error
}
