package domain

import "time"

// CachedBlock is one ranked context block of a cached result.
type CachedBlock struct {
	DocumentID string
	ChunkIDs   []string
	Score      float32
}

// CacheEntry memoizes a ranked retrieval result.
type CacheEntry struct {
	Fingerprint       string
	Blocks            []CachedBlock
	DocumentIDs       []string
	CreatedAt         time.Time
	IndexVersionStamp uint64
}

// ChunkIDs returns the cached chunk ids in rank order.
func (e *CacheEntry) ChunkIDs() []string {
	var ids []string
	for _, b := range e.Blocks {
		ids = append(ids, b.ChunkIDs...)
	}
	return ids
}
