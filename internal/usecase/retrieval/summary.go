package retrieval

import (
	"context"
	"slices"

	"agora/internal/domain"
)

const summaryContentRunes = 200

// Summary returns the agent's most recent limit entries, oldest first, with
// content truncated for display.
func (e *Engine) Summary(ctx context.Context, agentName string, limit int) ([]domain.KnowledgeEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	entries, err := e.store.QueryEntries(ctx, domain.EntryFilter{AgentName: agentName, Limit: limit})
	if err != nil {
		return nil, domain.WrapOp("retrieval.Summary", err)
	}
	slices.Reverse(entries)
	for i := range entries {
		entries[i].Content = Truncate(entries[i].Content, summaryContentRunes)
		entries[i].Embedding = nil
	}
	return entries, nil
}

// Truncate shortens s to at most n runes, appending "..." when cut.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
