// Package querycache memoizes ranked retrieval results. Entries are stamped
// with the index version at the time of the search and checked against the
// per-document versions of the index on every read.
package querycache

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cloo-solutions/docrag/internal/domain"
)

// VersionSource reports when documents last changed in the index.
type VersionSource interface {
	DocumentVersions(ctx context.Context, documentIDs []string) (map[string]uint64, error)
}

// Stats are cumulative counters.
type Stats struct {
	Size      int
	Hits      uint64
	Misses    uint64
	Stale     uint64
	Bypassed  uint64
	Evictions uint64
}

// HitRate returns hits / lookups.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Cache validates entries lazily at read time. It never blocks retrieval:
// store or version lookup failures are reported as misses.
type Cache struct {
	store    Store
	versions VersionSource
	logger   *zap.Logger
	now      func() time.Time

	hits, misses, stale, bypassed, evictions atomic.Uint64
}

// New creates a Cache. A nil store gets an LRUStore of capacity entries with ttl.
func New(store Store, versions VersionSource, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{store: store, versions: versions, logger: logger, now: time.Now}
}

// NewLRU builds a Cache over an expirable LRU.
func NewLRU(capacity int, ttl time.Duration, versions VersionSource, logger *zap.Logger) *Cache {
	c := New(nil, versions, logger)
	c.store = NewLRUStore(capacity, ttl, func(string) { c.evictions.Add(1) })
	return c
}

// Get returns a fresh entry for fingerprint, or false.
func (c *Cache) Get(ctx context.Context, fingerprint string) (*domain.CacheEntry, bool) {
	entry, ok, err := c.store.Get(ctx, fingerprint)
	if err != nil {
		c.bypassed.Add(1)
		c.misses.Add(1)
		c.logger.Warn("query cache unavailable, bypassing", zap.Error(err))
		return nil, false
	}
	if !ok {
		c.misses.Add(1)
		return nil, false
	}

	if len(entry.DocumentIDs) > 0 {
		versions, err := c.versions.DocumentVersions(ctx, entry.DocumentIDs)
		if err != nil {
			c.bypassed.Add(1)
			c.misses.Add(1)
			c.logger.Warn("index versions unavailable, bypassing cache", zap.Error(err))
			return nil, false
		}
		for _, id := range entry.DocumentIDs {
			if versions[id] > entry.IndexVersionStamp {
				c.Invalidate(ctx, fingerprint)
				c.stale.Add(1)
				c.misses.Add(1)
				c.logger.Debug("stale cache entry evicted",
					zap.String("fingerprint", fingerprint),
					zap.String("document_id", id),
					zap.Uint64("stamp", entry.IndexVersionStamp),
					zap.Uint64("document_version", versions[id]),
				)
				return nil, false
			}
		}
	}

	c.hits.Add(1)
	return entry, true
}

// Put stores blocks under fingerprint stamped with stamp. Failures are logged
// and dropped.
func (c *Cache) Put(ctx context.Context, fingerprint string, blocks []domain.CachedBlock, stamp uint64) {
	seen := map[string]bool{}
	var docs []string
	for _, b := range blocks {
		if !seen[b.DocumentID] {
			seen[b.DocumentID] = true
			docs = append(docs, b.DocumentID)
		}
	}
	entry := &domain.CacheEntry{
		Fingerprint:       fingerprint,
		Blocks:            blocks,
		DocumentIDs:       docs,
		CreatedAt:         c.now(),
		IndexVersionStamp: stamp,
	}
	if err := c.store.Add(ctx, fingerprint, entry); err != nil {
		c.bypassed.Add(1)
		c.logger.Warn("query cache write failed",
			zap.String("code", domain.CodeOf(err)),
			zap.Error(err),
		)
	}
}

// Invalidate removes fingerprint. Reported as a consistency event, not an error.
func (c *Cache) Invalidate(ctx context.Context, fingerprint string) {
	if err := c.store.Remove(ctx, fingerprint); err != nil {
		c.logger.Warn("query cache remove failed", zap.Error(err))
	}
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Size:      c.store.Len(),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Stale:     c.stale.Load(),
		Bypassed:  c.bypassed.Load(),
		Evictions: c.evictions.Load(),
	}
}
