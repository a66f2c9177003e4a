package embedding

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agora/internal/domain"
)

func TestBreakerEmbedderPassesThrough(t *testing.T) {
	inner := &countingEmbedder{dims: 3}
	b := NewBreakerEmbedder(inner, BreakerConfig{}, slog.Default())

	vecs, err := b.Embed(context.Background(), []string{"hi"})
	require.NoError(t, err)
	assert.Equal(t, textVector("hi", 3), vecs[0])
	assert.Equal(t, 3, b.Dimensions())
	assert.Equal(t, "counting", b.Name())
}

func TestBreakerEmbedderOpensAfterFailures(t *testing.T) {
	inner := &countingEmbedder{dims: 3, err: errors.New("connection refused")}
	b := NewBreakerEmbedder(inner, BreakerConfig{MaxFailures: 2, Timeout: time.Minute}, slog.Default())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := b.Embed(ctx, []string{"x"})
		require.Error(t, err)
	}
	_, err := b.Embed(ctx, []string{"x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrEmbeddingFailed)
	assert.Contains(t, err.Error(), "circuit open")
	assert.Equal(t, int64(2), inner.calls.Load())
}

func TestBreakerEmbedderIgnoresCallerCancellation(t *testing.T) {
	inner := &countingEmbedder{dims: 3, err: context.Canceled}
	b := NewBreakerEmbedder(inner, BreakerConfig{MaxFailures: 1}, slog.Default())

	for i := 0; i < 3; i++ {
		_, err := b.Embed(context.Background(), []string{"x"})
		require.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, int64(3), inner.calls.Load(), "circuit stayed closed")
}
