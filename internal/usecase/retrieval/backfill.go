package retrieval

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"agora/internal/domain"
	"agora/internal/infra/tracer"
)

// Backfiller embeds stored entries that were recorded while the embedding
// provider was unavailable.
type Backfiller struct {
	engine  *Engine
	limiter *rate.Limiter
}

// NewBackfiller paces provider calls at ratePerSecond. A non-positive rate
// disables pacing.
func NewBackfiller(engine *Engine, ratePerSecond float64) *Backfiller {
	limit := rate.Inf
	if ratePerSecond > 0 {
		limit = rate.Limit(ratePerSecond)
	}
	return &Backfiller{engine: engine, limiter: rate.NewLimiter(limit, 1)}
}

// Run embeds up to batchSize entries in ID order and returns how many were
// updated. It stops early, without error, at the first embedding failure so
// the remainder waits for the next run.
func (b *Backfiller) Run(ctx context.Context, batchSize int) (int, error) {
	e := b.engine
	if e.embedder == nil {
		return 0, nil
	}

	ctx, span := tracer.StartSpan(ctx, "retrieval.backfill",
		trace.WithAttributes(tracer.IntAttr("backfill.batch_size", batchSize)))
	defer span.End()

	entries, err := e.store.EntriesMissingEmbedding(ctx, batchSize)
	if err != nil {
		tracer.RecordError(span, err)
		return 0, domain.WrapOp("retrieval.Backfill", err)
	}

	updated, stopped := 0, false
	for _, entry := range entries {
		if err := b.limiter.Wait(ctx); err != nil {
			return updated, err
		}
		vec, err := e.embedText(ctx, entry.Content)
		if err != nil {
			if ctx.Err() != nil {
				return updated, ctx.Err()
			}
			e.logger.Warn("backfill: provider unavailable, stopping early",
				"updated", updated, "remaining", len(entries)-updated, "error", err)
			stopped = true
			break
		}
		if err := e.store.SetEmbedding(ctx, entry.ID, vec); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			tracer.RecordError(span, err)
			return updated, domain.WrapOp("retrieval.Backfill", err)
		}
		updated++
	}

	span.SetAttributes(tracer.IntAttr("backfill.updated", updated), tracer.BoolAttr("backfill.stopped", stopped))
	tracer.SetOK(span)

	if len(entries) > 0 {
		e.logger.Info("backfill finished", "updated", updated, "candidates", len(entries))
	}
	if e.bus != nil {
		e.bus.Publish(ctx, domain.NewEvent(domain.EventBackfillFinished, "",
			domain.BackfillEventPayload{Updated: updated, Stopped: stopped}))
	}
	return updated, nil
}

// Backfill runs one unpaced back-fill pass over up to batchSize entries.
func (e *Engine) Backfill(ctx context.Context, batchSize int) (int, error) {
	return NewBackfiller(e, 0).Run(ctx, batchSize)
}
