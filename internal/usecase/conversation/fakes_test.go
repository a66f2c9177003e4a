package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"agora/internal/domain"
	"agora/internal/usecase/retrieval"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// memSessions is an in-memory SessionStore with the same version CAS as the
// SQLite store.
type memSessions struct {
	mu       sync.Mutex
	sessions map[string]*domain.ConversationSession
	cancels  map[string]bool
	saves    int
	// beforeSave runs under the lock ahead of every save.
	beforeSave func(stored *domain.ConversationSession, saves int)
}

func newMemSessions() *memSessions {
	return &memSessions{
		sessions: make(map[string]*domain.ConversationSession),
		cancels:  make(map[string]bool),
	}
}

func (m *memSessions) CreateSession(_ context.Context, s *domain.ConversationSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return domain.ErrDuplicate
	}
	s.Version = 1
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *memSessions) LoadSession(_ context.Context, id string) (*domain.ConversationSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return s.Clone(), nil
}

func (m *memSessions) SaveSession(_ context.Context, s *domain.ConversationSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.sessions[s.ID]
	if !ok {
		return domain.ErrSessionNotFound
	}
	m.saves++
	if m.beforeSave != nil {
		m.beforeSave(stored, m.saves)
	}
	if stored.Version != s.Version {
		return fmt.Errorf("save %s: %w", s.ID, domain.ErrPersistenceConflict)
	}
	s.Version++
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *memSessions) ListSessions(_ context.Context, status domain.SessionStatus, limit int) ([]*domain.ConversationSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.ConversationSession
	for _, s := range m.sessions {
		if status == "" || s.Status == status {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memSessions) RequestCancel(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return domain.ErrSessionNotFound
	}
	m.cancels[id] = true
	return nil
}

func (m *memSessions) CancelRequested(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancels[id], nil
}

func (m *memSessions) ClearCancel(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cancels, id)
	return nil
}

// put stores s as-is, bypassing the orchestrator.
func (m *memSessions) put(s *domain.ConversationSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.Version == 0 {
		s.Version = 1
	}
	m.sessions[s.ID] = s.Clone()
}

type respondFunc func(ctx context.Context, req domain.AgentRequest) (*domain.AgentReply, error)

func (f respondFunc) Respond(ctx context.Context, req domain.AgentRequest) (*domain.AgentReply, error) {
	return f(ctx, req)
}

// echo replies deterministically with the speaker and turn index.
var echo = respondFunc(func(_ context.Context, req domain.AgentRequest) (*domain.AgentReply, error) {
	return &domain.AgentReply{Message: fmt.Sprintf("%s speaking at turn %d", req.Agent, req.TurnIndex)}, nil
})

type agentEntry struct {
	identity  domain.AgentIdentity
	responder domain.AgentResponder
}

type agentSet map[string]agentEntry

func (a agentSet) Agent(name string) (domain.AgentIdentity, domain.AgentResponder, error) {
	e, ok := a[name]
	if !ok {
		return domain.AgentIdentity{}, nil, domain.ErrNotFound
	}
	return e.identity, e.responder, nil
}

func agentsWith(r domain.AgentResponder, names ...string) agentSet {
	set := make(agentSet, len(names))
	for _, n := range names {
		set[n] = agentEntry{
			identity:  domain.AgentIdentity{Name: n, Description: "the " + n},
			responder: r,
		}
	}
	return set
}

type fakeKnowledge struct {
	mu          sync.Mutex
	recorded    []domain.KnowledgeEntry
	queries     []retrieval.Query
	retrieveErr error
	results     []domain.RetrievalResult
}

func (k *fakeKnowledge) Retrieve(_ context.Context, q retrieval.Query) ([]domain.RetrievalResult, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.queries = append(k.queries, q)
	if k.retrieveErr != nil {
		return nil, k.retrieveErr
	}
	return k.results, nil
}

func (k *fakeKnowledge) Record(_ context.Context, e domain.KnowledgeEntry) (domain.KnowledgeEntry, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.ID = int64(len(k.recorded) + 1)
	k.recorded = append(k.recorded, e)
	return e, nil
}

func (k *fakeKnowledge) entries(kind domain.Kind) []domain.KnowledgeEntry {
	k.mu.Lock()
	defer k.mu.Unlock()
	var out []domain.KnowledgeEntry
	for _, e := range k.recorded {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// fakeLease is an in-memory SessionLease shared by several orchestrators.
type fakeLease struct {
	mu         sync.Mutex
	held       map[string]bool
	taken      map[string]bool
	refreshes  int
	acquireErr error
}

func newFakeLease() *fakeLease {
	return &fakeLease{held: make(map[string]bool), taken: make(map[string]bool)}
}

// takeOver hands the lease on id to an owner outside the test.
func (l *fakeLease) takeOver(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held[id] = true
	l.taken[id] = true
}

func (l *fakeLease) Acquire(_ context.Context, id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.acquireErr != nil {
		return false, l.acquireErr
	}
	if l.held[id] {
		return false, nil
	}
	l.held[id] = true
	return true, nil
}

func (l *fakeLease) Refresh(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.taken[id] {
		return domain.NewSubSystemError("cluster", "fakeLease.Refresh", domain.ErrSessionBusy, id)
	}
	if !l.held[id] {
		return errors.New("lease not held")
	}
	l.refreshes++
	return nil
}

func (l *fakeLease) Release(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.taken[id] {
		return nil
	}
	delete(l.held, id)
	return nil
}

func (l *fakeLease) isHeld(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[id]
}

// eventLog records every published event.
type eventLog struct {
	mu     sync.Mutex
	events []domain.Event
}

func (l *eventLog) handle(_ context.Context, e domain.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) types(sessionID string) []domain.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.EventType
	for _, e := range l.events {
		if e.SessionID == sessionID {
			out = append(out, e.Type)
		}
	}
	return out
}

func (l *eventLog) ofType(t domain.EventType) []domain.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.Event
	for _, e := range l.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
