package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel/trace"

	"agora/internal/domain"
	"agora/internal/infra/tracer"
)

// Query describes one retrieval request.
type Query struct {
	Text      string
	AgentName string
	Kind      domain.Kind
	SessionID string
	// WithSession widens AgentName so every entry of SessionID also matches.
	WithSession bool
	TopK        int
	// DecayFactor outside (0, 1] is replaced by the engine default.
	DecayFactor float64
}

// Config tunes the engine.
type Config struct {
	DecayFactor   float64
	MaxCandidates int
	EmbedTimeout  time.Duration
	EmbedRetries  int
}

func (c Config) withDefaults() Config {
	c.DecayFactor = normalizeDecay(c.DecayFactor, DefaultDecayFactor)
	if c.MaxCandidates <= 0 {
		c.MaxCandidates = 10000
	}
	if c.EmbedTimeout <= 0 {
		c.EmbedTimeout = 15 * time.Second
	}
	if c.EmbedRetries < 0 {
		c.EmbedRetries = 0
	}
	return c
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source used for entry ages.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithEventBus publishes knowledge events on bus.
func WithEventBus(bus domain.EventBus) Option {
	return func(e *Engine) { e.bus = bus }
}

// Engine ranks stored knowledge by semantic similarity to a query, decayed
// by age. When embeddings are unavailable it falls back to recency.
type Engine struct {
	store    domain.KnowledgeStore
	embedder domain.EmbeddingProvider
	bus      domain.EventBus
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewEngine creates a retrieval engine. embedder may be nil, in which case
// every query takes the recency path.
func NewEngine(store domain.KnowledgeStore, embedder domain.EmbeddingProvider, cfg Config, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		embedder: embedder,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Retrieve returns up to q.TopK entries ranked by decayed similarity.
// Embedding failures never escape: they switch to the recency fallback,
// whose results carry a nil Score.
func (e *Engine) Retrieve(ctx context.Context, q Query) ([]domain.RetrievalResult, error) {
	if q.TopK <= 0 {
		return []domain.RetrievalResult{}, nil
	}

	ctx, span := tracer.StartSpan(ctx, "retrieval.retrieve",
		trace.WithAttributes(
			tracer.StringAttr("retrieval.agent", q.AgentName),
			tracer.IntAttr("retrieval.top_k", q.TopK),
		),
	)
	defer span.End()

	filter := domain.EntryFilter{
		AgentName:   q.AgentName,
		Kind:        q.Kind,
		SessionID:   q.SessionID,
		WithSession: q.WithSession,
	}
	now := e.now()

	vec, err := e.embedText(ctx, q.Text)
	if err != nil {
		level := slog.LevelWarn
		if e.embedder == nil {
			level = slog.LevelDebug
		}
		e.logger.Log(ctx, level, "retrieval: embedding unavailable, using recency fallback",
			"agent", q.AgentName, "session_id", q.SessionID, "error", err)
		span.SetAttributes(tracer.BoolAttr("retrieval.fallback", true))
		results, ferr := e.recent(ctx, filter, q.TopK, now)
		if ferr != nil {
			tracer.RecordError(span, ferr)
			return nil, ferr
		}
		tracer.SetOK(span)
		return results, nil
	}

	filter.HasEmbedding = true
	filter.Limit = e.cfg.MaxCandidates
	candidates, err := e.store.QueryEntries(ctx, filter)
	if err != nil {
		err = domain.WrapOp("retrieval.Retrieve", err)
		tracer.RecordError(span, err)
		return nil, err
	}

	decay := normalizeDecay(q.DecayFactor, e.cfg.DecayFactor)
	results := make([]domain.RetrievalResult, 0, len(candidates))
	for _, c := range candidates {
		if len(c.Embedding) != len(vec) {
			continue
		}
		age := AgeDays(c.CreatedAt, now)
		score := Score(cosineSimilarity(vec, c.Embedding), age, decay)
		results = append(results, toResult(c, &score, age))
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if *a.Score != *b.Score {
			return *a.Score > *b.Score
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.EntryID > b.EntryID
	})
	if len(results) > q.TopK {
		results = results[:q.TopK]
	}

	span.SetAttributes(tracer.IntAttr("retrieval.candidates", len(candidates)))
	tracer.SetOK(span)
	return results, nil
}

// Similarity embeds both texts and returns their cosine similarity.
func (e *Engine) Similarity(ctx context.Context, a, b string) (float64, error) {
	if e.embedder == nil {
		return 0, domain.NewSubSystemError("retrieval", "Engine.Similarity", domain.ErrEmbeddingFailed, "no embedding provider")
	}
	vecs, err := e.embed(ctx, []string{a, b})
	if err != nil {
		return 0, err
	}
	if len(vecs) != 2 || len(vecs[0]) == 0 || len(vecs[0]) != len(vecs[1]) {
		return 0, domain.NewSubSystemError("retrieval", "Engine.Similarity", domain.ErrEmbeddingFailed, "unusable vectors")
	}
	return cosineSimilarity(vecs[0], vecs[1]), nil
}

// Record embeds entry content on a best-effort basis and appends it.
// An embedding failure still stores the entry, without a vector.
func (e *Engine) Record(ctx context.Context, entry domain.KnowledgeEntry) (domain.KnowledgeEntry, error) {
	if !entry.HasEmbedding() && entry.Content != "" && e.embedder != nil {
		vec, err := e.embedText(ctx, entry.Content)
		if err != nil {
			e.logger.Warn("retrieval: storing entry without embedding",
				"agent", entry.AgentName, "kind", entry.Kind, "error", err)
		} else {
			entry.Embedding = vec
		}
	}

	stored, err := e.store.AppendEntry(ctx, entry)
	if err != nil {
		return stored, domain.WrapOp("retrieval.Record", err)
	}

	if e.bus != nil {
		e.bus.Publish(ctx, domain.NewEvent(domain.EventEntryRecorded, stored.SessionID, domain.EntryEventPayload{
			EntryID:   stored.ID,
			AgentName: stored.AgentName,
			Kind:      stored.Kind,
			Embedded:  stored.HasEmbedding(),
		}))
	}
	return stored, nil
}

// recent is the recency fallback: newest matching entries, unscored.
func (e *Engine) recent(ctx context.Context, filter domain.EntryFilter, topK int, now time.Time) ([]domain.RetrievalResult, error) {
	filter.Limit = topK
	entries, err := e.store.QueryEntries(ctx, filter)
	if err != nil {
		return nil, domain.WrapOp("retrieval.recent", err)
	}
	results := make([]domain.RetrievalResult, 0, len(entries))
	for _, en := range entries {
		results = append(results, toResult(en, nil, AgeDays(en.CreatedAt, now)))
	}
	return results, nil
}

func (e *Engine) embedText(ctx context.Context, text string) ([]float32, error) {
	if e.embedder == nil {
		return nil, domain.NewSubSystemError("retrieval", "Engine.embed", domain.ErrEmbeddingFailed, "no embedding provider")
	}
	vecs, err := e.embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return nil, domain.NewSubSystemError("retrieval", "Engine.embed", domain.ErrEmbeddingFailed, "empty vector")
	}
	return vecs[0], nil
}

// embed calls the provider under the embed timeout, retrying up to
// EmbedRetries times unless the caller's context is done.
func (e *Engine) embed(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	for attempt := 0; attempt <= e.cfg.EmbedRetries; attempt++ {
		if ctx.Err() != nil {
			break
		}
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.EmbedTimeout)
		vecs, err := e.embedder.Embed(callCtx, texts)
		cancel()
		if err == nil {
			return vecs, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = ctx.Err()
	}
	if !errors.Is(lastErr, domain.ErrEmbeddingFailed) {
		lastErr = fmt.Errorf("%w: %v", domain.ErrEmbeddingFailed, lastErr)
	}
	return nil, lastErr
}

func toResult(e domain.KnowledgeEntry, score *float64, age float64) domain.RetrievalResult {
	return domain.RetrievalResult{
		EntryID:   e.ID,
		Content:   e.Content,
		Score:     score,
		AgeDays:   age,
		AgentName: e.AgentName,
		Kind:      e.Kind,
		CreatedAt: e.CreatedAt,
	}
}
