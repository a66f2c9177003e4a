package embedding

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"agora/internal/domain"
)

// sharedCallTimeout bounds a provider call shared by concurrent misses. The
// call runs detached from any single caller's context.
const sharedCallTimeout = 60 * time.Second

// lruEntry pairs the exact text with its embedding vector in the LRU list.
type lruEntry struct {
	text string
	vec  []float32
}

// CachedEmbedder wraps a domain.EmbeddingProvider with an LRU cache keyed on
// the exact input text. Batches are served per element: hits come from the
// cache and only the misses reach the inner provider. Concurrent misses for
// the same single text share one provider call.
type CachedEmbedder struct {
	inner       domain.EmbeddingProvider
	maxSize     int
	group       singleflight.Group
	callTimeout time.Duration

	mu    sync.Mutex
	cache map[string]*list.Element
	order *list.List // most-recently-used at back
}

// NewCachedEmbedder wraps inner with an LRU embedding cache of maxSize entries.
// If maxSize <= 0, the inner provider is returned directly (no caching).
func NewCachedEmbedder(inner domain.EmbeddingProvider, maxSize int) domain.EmbeddingProvider {
	if maxSize <= 0 {
		return inner
	}
	return &CachedEmbedder{
		inner:       inner,
		maxSize:     maxSize,
		callTimeout: sharedCallTimeout,
		cache:       make(map[string]*list.Element, maxSize),
		order:       list.New(),
	}
}

// Embed implements domain.EmbeddingProvider.
func (c *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string

	c.mu.Lock()
	for i, text := range texts {
		if vec, ok := c.get(text); ok {
			out[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}
	c.mu.Unlock()

	switch len(missTexts) {
	case 0:
		return out, nil
	case 1:
		vec, err := c.embedOne(ctx, missTexts[0])
		if err != nil {
			return nil, err
		}
		out[missIdx[0]] = vec
		return out, nil
	}

	vecs, err := c.inner.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if err := checkCount(len(vecs), len(missTexts)); err != nil {
		return nil, err
	}

	c.mu.Lock()
	for j, vec := range vecs {
		if len(vec) > 0 {
			c.put(missTexts[j], vec)
		}
		out[missIdx[j]] = vec
	}
	c.mu.Unlock()
	return out, nil
}

// embedOne shares one provider call between concurrent misses of text. A
// caller that gives up returns its own context error; the call keeps running
// for the remaining waiters.
func (c *CachedEmbedder) embedOne(ctx context.Context, text string) ([]float32, error) {
	ch := c.group.DoChan(text, func() (any, error) {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.callTimeout)
		defer cancel()
		vecs, err := c.inner.Embed(cctx, []string{text})
		if err != nil {
			return nil, err
		}
		if len(vecs) != 1 || len(vecs[0]) == 0 {
			return nil, fmt.Errorf("%w: empty vector", domain.ErrEmbeddingFailed)
		}
		c.mu.Lock()
		c.put(text, vecs[0])
		c.mu.Unlock()
		return vecs[0], nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]float32), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Dimensions implements domain.EmbeddingProvider.
func (c *CachedEmbedder) Dimensions() int { return c.inner.Dimensions() }

// Name implements domain.EmbeddingProvider.
func (c *CachedEmbedder) Name() string { return c.inner.Name() }

// Len returns the number of cached vectors.
func (c *CachedEmbedder) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// get returns a cached vector and promotes it. Caller must hold c.mu.
func (c *CachedEmbedder) get(text string) ([]float32, bool) {
	elem, ok := c.cache[text]
	if !ok {
		return nil, false
	}
	c.order.MoveToBack(elem)
	return elem.Value.(*lruEntry).vec, true
}

// put inserts a vector, evicting the LRU entry if at capacity.
// Caller must hold c.mu.
func (c *CachedEmbedder) put(text string, vec []float32) {
	if elem, exists := c.cache[text]; exists {
		c.order.MoveToBack(elem)
		elem.Value.(*lruEntry).vec = vec
		return
	}

	if c.order.Len() >= c.maxSize {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.cache, oldest.Value.(*lruEntry).text)
	}

	c.cache[text] = c.order.PushBack(&lruEntry{text: text, vec: vec})
}

// Compile-time interface check.
var _ domain.EmbeddingProvider = (*CachedEmbedder)(nil)
