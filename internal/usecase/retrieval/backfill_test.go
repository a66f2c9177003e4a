package retrieval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agora/internal/domain"
)

func TestBackfillFillsMissing(t *testing.T) {
	store := &memStore{}
	a := store.add("PM", "a", 0, nil)
	store.add("PM", "b", 0, []float32{1, 0, 0})
	c := store.add("Dev", "c", 0, nil)
	bus := &recordingBus{}

	e := newTestEngine(store, &mapEmbedder{vectors: map[string][]float32{"a": {1, 0, 0}, "c": {0, 1, 0}}}, WithEventBus(bus))
	n, err := NewBackfiller(e, 1000).Run(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, en := range store.entries {
		switch en.ID {
		case a.ID:
			assert.Equal(t, []float32{1, 0, 0}, en.Embedding)
		case c.ID:
			assert.Equal(t, []float32{0, 1, 0}, en.Embedding)
		}
	}
	require.Len(t, bus.events, 1)
	assert.Equal(t, domain.EventBackfillFinished, bus.events[0].Type)

	n, err = e.Backfill(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing left to fill")
}

func TestBackfillStopsEarlyWhenProviderFails(t *testing.T) {
	store := &memStore{}
	for _, s := range []string{"a", "b", "c", "d"} {
		store.add("PM", s, 0, nil)
	}
	emb := &mapEmbedder{failAfter: 2}
	e := newTestEngine(store, emb)

	n, err := e.Backfill(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 3, emb.calls, "stops after the first failure")

	missing, err := store.EntriesMissingEmbedding(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, missing, 2)
}

func TestBackfillRespectsBatchSize(t *testing.T) {
	store := &memStore{}
	for _, s := range []string{"a", "b", "c"} {
		store.add("PM", s, 0, nil)
	}
	e := newTestEngine(store, &mapEmbedder{})
	n, err := e.Backfill(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestBackfillCancelledContext(t *testing.T) {
	store := &memStore{}
	store.add("PM", "a", 0, nil)
	store.add("PM", "b", 0, nil)
	e := newTestEngine(store, &mapEmbedder{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewBackfiller(e, 1.0/3600).Run(ctx, 10)
	require.ErrorIs(t, err, context.Canceled)
}

func TestBackfillWithoutEmbedder(t *testing.T) {
	store := &memStore{}
	store.add("PM", "a", 0, nil)
	n, err := newTestEngine(store, nil).Backfill(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, n)
}
