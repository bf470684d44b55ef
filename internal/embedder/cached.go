package embedder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize is the default number of query embeddings kept in memory.
const DefaultCacheSize = 1000

// Cached memoizes embeddings of repeated texts, mostly queries.
type Cached struct {
	inner Embedder
	cache *lru.Cache[string, []float32]
}

// NewCached wraps inner with an LRU of the given size.
func NewCached(inner Embedder, size int) *Cached {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, _ := lru.New[string, []float32](size)
	return &Cached{inner: inner, cache: cache}
}

func (c *Cached) key(text string) string {
	sum := sha256.Sum256([]byte(c.inner.Model() + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

// Embed returns the memoized vector when present.
func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.key(text)
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

func (c *Cached) Dimensions() int { return c.inner.Dimensions() }
func (c *Cached) Model() string   { return c.inner.Model() }

// Len returns the number of memoized vectors.
func (c *Cached) Len() int { return c.cache.Len() }
