package querycache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/cloo-solutions/docrag/internal/domain"
)

// Store is the key-value backing store of the cache.
type Store interface {
	Get(ctx context.Context, key string) (*domain.CacheEntry, bool, error)
	Add(ctx context.Context, key string, entry *domain.CacheEntry) error
	Remove(ctx context.Context, key string) error
	Len() int
}

// LRUStore is a bounded in-memory store whose entries expire after a TTL.
type LRUStore struct {
	lru      *expirable.LRU[string, *domain.CacheEntry]
	capacity int
}

// NewLRUStore creates a store holding at most capacity entries for ttl.
// ttl <= 0 disables expiry.
func NewLRUStore(capacity int, ttl time.Duration, onEvict func(key string)) *LRUStore {
	if capacity <= 0 {
		capacity = 1024
	}
	var cb expirable.EvictCallback[string, *domain.CacheEntry]
	if onEvict != nil {
		cb = func(key string, _ *domain.CacheEntry) { onEvict(key) }
	}
	return &LRUStore{
		lru:      expirable.NewLRU[string, *domain.CacheEntry](capacity, cb, ttl),
		capacity: capacity,
	}
}

func (s *LRUStore) Get(_ context.Context, key string) (*domain.CacheEntry, bool, error) {
	e, ok := s.lru.Get(key)
	return e, ok, nil
}

func (s *LRUStore) Add(_ context.Context, key string, entry *domain.CacheEntry) error {
	s.lru.Add(key, entry)
	return nil
}

func (s *LRUStore) Remove(_ context.Context, key string) error {
	s.lru.Remove(key)
	return nil
}

func (s *LRUStore) Len() int { return s.lru.Len() }

// Capacity returns the configured bound.
func (s *LRUStore) Capacity() int { return s.capacity }
