package retrieval

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"agora/internal/domain"
)

var epoch = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an in-memory domain.KnowledgeStore.
type memStore struct {
	mu      sync.Mutex
	entries []domain.KnowledgeEntry
	nextID  int64
	err     error
}

func (m *memStore) AppendEntry(_ context.Context, e domain.KnowledgeEntry) (domain.KnowledgeEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return e, m.err
	}
	m.nextID++
	e.ID = m.nextID
	if e.CreatedAt.IsZero() {
		e.CreatedAt = epoch
	}
	m.entries = append(m.entries, e)
	return e, nil
}

func (m *memStore) QueryEntries(_ context.Context, f domain.EntryFilter) ([]domain.KnowledgeEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []domain.KnowledgeEntry
	for _, e := range m.entries {
		if f.AgentName != "" && f.SessionID != "" && f.WithSession {
			if e.AgentName != f.AgentName && e.SessionID != f.SessionID {
				continue
			}
		} else {
			if f.AgentName != "" && e.AgentName != f.AgentName {
				continue
			}
			if f.SessionID != "" && e.SessionID != f.SessionID {
				continue
			}
		}
		if f.Kind != "" && e.Kind != f.Kind {
			continue
		}
		if f.HasEmbedding && !e.HasEmbedding() {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *memStore) EntriesMissingEmbedding(_ context.Context, limit int) ([]domain.KnowledgeEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.KnowledgeEntry
	for _, e := range m.entries {
		if !e.HasEmbedding() && e.Content != "" {
			out = append(out, e)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) SetEmbedding(_ context.Context, id int64, vec []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.entries {
		if m.entries[i].ID == id {
			if m.entries[i].Embedding == nil {
				m.entries[i].Embedding = vec
			}
			return nil
		}
	}
	return domain.ErrNotFound
}

// add appends an entry created offset before epoch.
func (m *memStore) add(agent, content string, age time.Duration, vec []float32) domain.KnowledgeEntry {
	e, _ := m.AppendEntry(context.Background(), domain.KnowledgeEntry{
		AgentName: agent, Kind: domain.KindAgentChat, Content: content,
		Embedding: vec, CreatedAt: epoch.Add(-age),
	})
	return e
}

// mapEmbedder returns fixed vectors per text.
type mapEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float32
	err     error
	calls   int
	// failAfter makes calls beyond the first n fail; zero disables.
	failAfter int
}

func (m *mapEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	if m.failAfter > 0 && m.calls > m.failAfter {
		return nil, errors.New("provider went away")
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, ok := m.vectors[t]
		if !ok {
			v = []float32{0, 0, 1}
		}
		out[i] = v
	}
	return out, nil
}

func (m *mapEmbedder) Dimensions() int { return 3 }
func (m *mapEmbedder) Name() string    { return "map" }

// recordingBus captures published events.
type recordingBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordingBus) Publish(_ context.Context, ev domain.Event) {
	b.mu.Lock()
	b.events = append(b.events, ev)
	b.mu.Unlock()
}
func (b *recordingBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (b *recordingBus) SubscribeSession(string, domain.EventHandler) func()    { return func() {} }
func (b *recordingBus) SubscribeAll(domain.EventHandler) func()                { return func() {} }
func (b *recordingBus) Close()                                                 {}
