package embedding

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agora/internal/domain"
)

// countingEmbedder derives a vector from each text's bytes and counts calls.
type countingEmbedder struct {
	calls  atomic.Int64
	inputs atomic.Int64
	dims   int
	delay  time.Duration
	err    error
}

func (e *countingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	e.calls.Add(1)
	e.inputs.Add(int64(len(texts)))
	if e.delay > 0 {
		select {
		case <-time.After(e.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = textVector(t, e.dims)
	}
	return out, nil
}

func (e *countingEmbedder) Dimensions() int { return e.dims }
func (e *countingEmbedder) Name() string    { return "counting" }

func textVector(text string, dims int) []float32 {
	v := make([]float32, dims)
	for i := 0; i < len(text); i++ {
		v[i%dims] += float32(text[i]) / 255
	}
	return v
}

func TestCachedEmbedderHitMiss(t *testing.T) {
	inner := &countingEmbedder{dims: 3}
	cached := NewCachedEmbedder(inner, 10).(*CachedEmbedder)
	ctx := context.Background()

	first, err := cached.Embed(ctx, []string{"hello"})
	require.NoError(t, err)
	second, err := cached.Embed(ctx, []string{"hello"})
	require.NoError(t, err)

	assert.Equal(t, int64(1), inner.calls.Load())
	assert.Equal(t, first, second)
	assert.Equal(t, 1, cached.Len())
}

func TestCachedEmbedderKeysOnExactText(t *testing.T) {
	inner := &countingEmbedder{dims: 4}
	cached := NewCachedEmbedder(inner, 10)
	ctx := context.Background()

	long := "launch plan for the new product line"
	_, err := cached.Embed(ctx, []string{long})
	require.NoError(t, err)

	// A prefix, a truncation and a case variant must each miss.
	for _, text := range []string{"launch plan", long[:len(long)-1], "Launch plan for the new product line"} {
		vecs, err := cached.Embed(ctx, []string{text})
		require.NoError(t, err)
		assert.Equal(t, textVector(text, 4), vecs[0], "text %q", text)
	}
	assert.Equal(t, int64(4), inner.calls.Load())
}

func TestCachedEmbedderBatchOnlyEmbedsMisses(t *testing.T) {
	inner := &countingEmbedder{dims: 3}
	cached := NewCachedEmbedder(inner, 10)
	ctx := context.Background()

	_, err := cached.Embed(ctx, []string{"a"})
	require.NoError(t, err)

	vecs, err := cached.Embed(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, textVector("a", 3), vecs[0])
	assert.Equal(t, textVector("b", 3), vecs[1])
	assert.Equal(t, textVector("c", 3), vecs[2])

	assert.Equal(t, int64(2), inner.calls.Load())
	assert.Equal(t, int64(3), inner.inputs.Load(), "only b and c reach the provider on the second call")
}

func TestCachedEmbedderEviction(t *testing.T) {
	inner := &countingEmbedder{dims: 2}
	cached := NewCachedEmbedder(inner, 2).(*CachedEmbedder)
	ctx := context.Background()

	for _, text := range []string{"a", "b", "c"} {
		_, err := cached.Embed(ctx, []string{text})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, cached.Len())

	// "a" was evicted.
	_, err := cached.Embed(ctx, []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, int64(4), inner.calls.Load())
}

func TestCachedEmbedderLRUPromotion(t *testing.T) {
	inner := &countingEmbedder{dims: 2}
	cached := NewCachedEmbedder(inner, 2)
	ctx := context.Background()

	for _, text := range []string{"a", "b", "a", "c"} {
		_, err := cached.Embed(ctx, []string{text})
		require.NoError(t, err)
	}
	// "a" was touched before "c" arrived, so "b" was evicted.
	calls := inner.calls.Load()
	_, err := cached.Embed(ctx, []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, calls, inner.calls.Load())

	_, err = cached.Embed(ctx, []string{"b"})
	require.NoError(t, err)
	assert.Equal(t, calls+1, inner.calls.Load())
}

func TestCachedEmbedderErrorNotCached(t *testing.T) {
	inner := &countingEmbedder{dims: 2, err: errors.New("down")}
	cached := NewCachedEmbedder(inner, 4).(*CachedEmbedder)

	_, err := cached.Embed(context.Background(), []string{"x"})
	require.Error(t, err)
	assert.Equal(t, 0, cached.Len())
}

func TestCachedEmbedderConcurrentMissesShareCall(t *testing.T) {
	inner := &countingEmbedder{dims: 3, delay: 50 * time.Millisecond}
	cached := NewCachedEmbedder(inner, 10)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			vecs, err := cached.Embed(ctx, []string{"same"})
			assert.NoError(t, err)
			assert.Len(t, vecs, 1)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, inner.calls.Load(), int64(2))
}

// heldEmbedder blocks every call until released or its context ends.
type heldEmbedder struct {
	countingEmbedder
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (e *heldEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	e.once.Do(func() { close(e.started) })
	select {
	case <-e.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return e.countingEmbedder.Embed(ctx, texts)
}

func TestCachedEmbedderCancelledCallerDoesNotFailWaiters(t *testing.T) {
	inner := &heldEmbedder{
		countingEmbedder: countingEmbedder{dims: 3},
		started:          make(chan struct{}),
		release:          make(chan struct{}),
	}
	cached := NewCachedEmbedder(inner, 10)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := cached.Embed(firstCtx, []string{"shared"})
		firstErr <- err
	}()
	<-inner.started

	type result struct {
		vecs [][]float32
		err  error
	}
	second := make(chan result, 1)
	go func() {
		vecs, err := cached.Embed(context.Background(), []string{"shared"})
		second <- result{vecs, err}
	}()
	time.Sleep(50 * time.Millisecond) // let the second caller join the in-flight call

	cancelFirst()
	select {
	case err := <-firstErr:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled caller did not return")
	}

	close(inner.release)
	select {
	case r := <-second:
		require.NoError(t, r.err)
		require.Len(t, r.vecs, 1)
		assert.Equal(t, textVector("shared", 3), r.vecs[0])
	case <-time.After(2 * time.Second):
		t.Fatal("waiting caller did not return")
	}
	assert.Equal(t, int64(1), inner.calls.Load(), "the waiter shared the first call")
}

func TestCachedEmbedderDelegation(t *testing.T) {
	inner := &countingEmbedder{dims: 768}
	cached := NewCachedEmbedder(inner, 10)
	assert.Equal(t, 768, cached.Dimensions())
	assert.Equal(t, "counting", cached.Name())
}

func TestNewCachedEmbedderZeroSize(t *testing.T) {
	inner := &countingEmbedder{dims: 3}
	assert.Same(t, domain.EmbeddingProvider(inner), NewCachedEmbedder(inner, 0))
}

func TestCachedEmbedderEmptyInput(t *testing.T) {
	inner := &countingEmbedder{dims: 3}
	vecs, err := NewCachedEmbedder(inner, 10).Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vecs)
	assert.Equal(t, int64(0), inner.calls.Load())
}
