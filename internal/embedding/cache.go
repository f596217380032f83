package embedding

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cached memoizes embeddings by exact text in an expiring LRU. Errors are not cached.
type Cached struct {
	inner  Embedder
	cache  *expirable.LRU[string, []float32]
	hits   atomic.Int64
	misses atomic.Int64
}

// CacheStats reports cache effectiveness.
type CacheStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Size   int   `json:"size"`
}

// NewCached wraps inner with a cache of at most size entries, each living for ttl (0 = no expiry).
func NewCached(inner Embedder, size int, ttl time.Duration) *Cached {
	if size <= 0 {
		size = 1000
	}
	return &Cached{
		inner: inner,
		cache: expirable.NewLRU[string, []float32](size, nil, ttl),
	}
}

// Embed returns the cached vector for text or computes and stores it.
// Callers must not modify the returned slice.
func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := c.cache.Get(text); ok {
		c.hits.Add(1)
		return v, nil
	}
	c.misses.Add(1)
	v, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(text, v)
	return v, nil
}

// Dimensions returns the wrapped embedder's dimension.
func (c *Cached) Dimensions() int {
	return c.inner.Dimensions()
}

// Stats returns hit/miss counters and the current size.
func (c *Cached) Stats() CacheStats {
	return CacheStats{Hits: c.hits.Load(), Misses: c.misses.Load(), Size: c.cache.Len()}
}
