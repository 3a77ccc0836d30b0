package embeddings

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CachedEmbeddings memoizes another EmbeddingService by exact input text.
type CachedEmbeddings struct {
	inner EmbeddingService
	lru   *expirable.LRU[string, []float32]
}

// NewCached wraps inner with an LRU of the given size. A zero ttl keeps
// entries until evicted.
func NewCached(inner EmbeddingService, size int, ttl time.Duration) *CachedEmbeddings {
	if size <= 0 {
		size = 512
	}
	return &CachedEmbeddings{
		inner: inner,
		lru:   expirable.NewLRU[string, []float32](size, nil, ttl),
	}
}

// Embed returns the memoized vector for text or computes it.
func (c *CachedEmbeddings) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := c.lru.Get(text); ok {
		return clone(v), nil
	}
	v, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.lru.Add(text, clone(v))
	return v, nil
}

// EmbedBatch only sends texts that are not already cached.
func (c *CachedEmbeddings) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int

	for i, text := range texts {
		if v, ok := c.lru.Get(text); ok {
			out[i] = clone(v)
			continue
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}

	if len(missing) == 0 {
		return out, nil
	}

	fresh, err := c.inner.EmbedBatch(ctx, missing)
	if err != nil {
		return nil, err
	}
	if len(fresh) != len(missing) {
		return nil, fmt.Errorf("embedding service returned %d vectors for %d texts", len(fresh), len(missing))
	}
	for j, v := range fresh {
		out[missingIdx[j]] = v
		c.lru.Add(missing[j], clone(v))
	}
	return out, nil
}

func (c *CachedEmbeddings) Dimensions() int  { return c.inner.Dimensions() }
func (c *CachedEmbeddings) ModelName() string { return c.inner.ModelName() }

// Close purges the memo and closes the wrapped service.
func (c *CachedEmbeddings) Close() error {
	c.lru.Purge()
	return c.inner.Close()
}

// Len reports how many texts are memoized.
func (c *CachedEmbeddings) Len() int {
	return c.lru.Len()
}

func clone(v []float32) []float32 {
	return append([]float32(nil), v...)
}
