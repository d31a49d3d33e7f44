package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/sync/singleflight"
)

// CachedEmbedder memoizes single-text embeddings and collapses concurrent
// requests for the same text into one call to the wrapped embedder.
// Returned vectors are shared and must not be modified.
type CachedEmbedder struct {
	Embedder
	cache   *ristretto.Cache
	group   singleflight.Group
	timeout time.Duration
}

// NewCachedEmbedder wraps inner with a cache holding up to maxEntries vectors.
// A shared call outlives the caller that started it and is bounded by
// timeout instead.
func NewCachedEmbedder(inner Embedder, maxEntries int64, timeout time.Duration) (*CachedEmbedder, error) {
	if maxEntries <= 0 {
		maxEntries = 4096
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &CachedEmbedder{Embedder: inner, cache: cache, timeout: timeout}, nil
}

func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	key := c.Model() + "\x00" + text
	if v, ok := c.cache.Get(key); ok {
		return v.([]float64), nil
	}

	ch := c.group.DoChan(key, func() (any, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		vec, err := c.Embedder.Embed(callCtx, text)
		if err != nil {
			return nil, err
		}
		c.cache.Set(key, vec, 1)
		return vec, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.([]float64), nil
	}
}

// Close releases the cache's background goroutines.
func (c *CachedEmbedder) Close() {
	c.cache.Close()
}
