package rag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// CachedEmbedder wraps an Embedder with a local LRU+TTL cache keyed by a
// hash of the input text (spec §4.6's embed operation), generalized from
// the teacher's hand-rolled brainPrefetchCache onto a real library per the
// "never fall back to stdlib where the corpus shows a library way" rule.
type CachedEmbedder struct {
	inner Embedder
	cache *lru.LRU[string, []float32]
}

func NewCachedEmbedder(inner Embedder, size int, ttl time.Duration) *CachedEmbedder {
	if size <= 0 {
		size = 2048
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CachedEmbedder{
		inner: inner,
		cache: lru.NewLRU[string, []float32](size, nil, ttl),
	}
}

func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := hashText(text)
	if v, ok := c.cache.Get(key); ok {
		return v, nil
	}
	v, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, v)
	return v, nil
}

func hashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
