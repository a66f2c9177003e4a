package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"agora/internal/domain"
)

const entryColumns = "id, agent_name, kind, content, embedding, related_agent, session_id, metadata, created_at"

// AppendEntry implements domain.KnowledgeStore.
func (s *Store) AppendEntry(ctx context.Context, entry domain.KnowledgeEntry) (domain.KnowledgeEntry, error) {
	if entry.AgentName == "" || !entry.Kind.Valid() {
		return entry, domain.NewSubSystemError("store", "Store.AppendEntry", domain.ErrInvalidInput,
			fmt.Sprintf("agent %q kind %q", entry.AgentName, entry.Kind))
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	entry.CreatedAt = entry.CreatedAt.UTC()

	meta := "{}"
	if len(entry.Metadata) > 0 {
		b, err := json.Marshal(entry.Metadata)
		if err != nil {
			return entry, fmt.Errorf("%w: marshal metadata: %v", domain.ErrKnowledgeStore, err)
		}
		meta = string(b)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO knowledge_entries (agent_name, kind, content, embedding, related_agent, session_id, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.AgentName,
		string(entry.Kind),
		entry.Content,
		float32ToBytes(entry.Embedding),
		entry.RelatedAgent,
		entry.SessionID,
		meta,
		toUnixNano(entry.CreatedAt),
	)
	if err != nil {
		return entry, fmt.Errorf("%w: insert entry: %v", domain.ErrKnowledgeStore, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return entry, fmt.Errorf("%w: last insert id: %v", domain.ErrKnowledgeStore, err)
	}
	entry.ID = id
	return entry, nil
}

// QueryEntries implements domain.KnowledgeStore.
func (s *Store) QueryEntries(ctx context.Context, f domain.EntryFilter) ([]domain.KnowledgeEntry, error) {
	var (
		conds []string
		args  []any
	)
	switch {
	case f.AgentName != "" && f.SessionID != "" && f.WithSession:
		conds = append(conds, "(agent_name = ? OR session_id = ?)")
		args = append(args, f.AgentName, f.SessionID)
	default:
		if f.AgentName != "" {
			conds = append(conds, "agent_name = ?")
			args = append(args, f.AgentName)
		}
		if f.SessionID != "" {
			conds = append(conds, "session_id = ?")
			args = append(args, f.SessionID)
		}
	}
	if f.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.HasEmbedding {
		conds = append(conds, "embedding IS NOT NULL")
	}

	var q strings.Builder
	q.WriteString("SELECT " + entryColumns + " FROM knowledge_entries")
	if len(conds) > 0 {
		q.WriteString(" WHERE " + strings.Join(conds, " AND "))
	}
	q.WriteString(" ORDER BY created_at DESC, id DESC")
	if f.Limit > 0 {
		q.WriteString(" LIMIT ?")
		args = append(args, f.Limit)
	}

	return s.queryEntries(ctx, q.String(), args...)
}

// EntriesMissingEmbedding implements domain.KnowledgeStore.
func (s *Store) EntriesMissingEmbedding(ctx context.Context, limit int) ([]domain.KnowledgeEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryEntries(ctx,
		"SELECT "+entryColumns+" FROM knowledge_entries WHERE embedding IS NULL AND content != '' ORDER BY id ASC LIMIT ?",
		limit)
}

// SetEmbedding implements domain.KnowledgeStore. An embedding that is
// already present is left untouched.
func (s *Store) SetEmbedding(ctx context.Context, id int64, vec []float32) error {
	if len(vec) == 0 {
		return domain.NewSubSystemError("store", "Store.SetEmbedding", domain.ErrInvalidInput, "empty vector")
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE knowledge_entries SET embedding = ? WHERE id = ? AND embedding IS NULL",
		float32ToBytes(vec), id)
	if err != nil {
		return fmt.Errorf("%w: set embedding: %v", domain.ErrKnowledgeStore, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, "SELECT 1 FROM knowledge_entries WHERE id = ?", id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NewSubSystemError("store", "Store.SetEmbedding", domain.ErrNotFound, fmt.Sprintf("entry %d", id))
	}
	if err != nil {
		return fmt.Errorf("%w: lookup entry: %v", domain.ErrKnowledgeStore, err)
	}
	return nil
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...any) ([]domain.KnowledgeEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query entries: %v", domain.ErrKnowledgeStore, err)
	}
	defer rows.Close()

	var entries []domain.KnowledgeEntry
	for rows.Next() {
		entry, err := s.scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan entry: %v", domain.ErrKnowledgeStore, err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate entries: %v", domain.ErrKnowledgeStore, err)
	}
	return entries, nil
}

// scanEntry reads a single entry row. A corrupt metadata column is logged
// rather than failing the whole query.
func (s *Store) scanEntry(row interface{ Scan(dest ...any) error }) (domain.KnowledgeEntry, error) {
	var (
		entry     domain.KnowledgeEntry
		kind      string
		blob      []byte
		metaJSON  string
		createdAt int64
	)
	if err := row.Scan(&entry.ID, &entry.AgentName, &kind, &entry.Content, &blob,
		&entry.RelatedAgent, &entry.SessionID, &metaJSON, &createdAt); err != nil {
		return entry, err
	}
	entry.Kind = domain.Kind(kind)
	entry.Embedding = bytesToFloat32(blob)
	entry.CreatedAt = fromUnixNano(createdAt)
	if metaJSON != "" && metaJSON != "{}" {
		if err := json.Unmarshal([]byte(metaJSON), &entry.Metadata); err != nil {
			s.logger.Warn("store: corrupt entry metadata", "id", entry.ID, "error", err)
		}
	}
	return entry, nil
}
