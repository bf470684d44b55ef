package ingest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cloo-solutions/docrag/internal/domain"
	"github.com/cloo-solutions/docrag/internal/pagination"
)

// DocumentStore persists document records.
type DocumentStore interface {
	// GetByID returns domain.ErrDocumentNotFound for unknown ids. Tombstoned
	// documents are returned with DeletedAt set.
	GetByID(ctx context.Context, id string) (*domain.Document, error)
	Save(ctx context.Context, d *domain.Document) error
	MarkDeleted(ctx context.Context, id string, at time.Time) error
	// List returns live documents newest first, starting after the cursor
	// when one is given.
	List(ctx context.Context, status domain.DocumentStatus, after *pagination.Cursor, limit int) ([]*domain.Document, error)
}

// MemoryDocumentStore keeps documents in a map.
type MemoryDocumentStore struct {
	mu   sync.RWMutex
	docs map[string]*domain.Document
}

var _ DocumentStore = (*MemoryDocumentStore)(nil)

func NewMemoryDocumentStore() *MemoryDocumentStore {
	return &MemoryDocumentStore{docs: map[string]*domain.Document{}}
}

func cloneDocument(d *domain.Document) *domain.Document {
	c := *d
	c.Metadata = make(map[string]string, len(d.Metadata))
	for k, v := range d.Metadata {
		c.Metadata[k] = v
	}
	if d.DeletedAt != nil {
		at := *d.DeletedAt
		c.DeletedAt = &at
	}
	return &c
}

func (s *MemoryDocumentStore) GetByID(ctx context.Context, id string) (*domain.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[id]
	if !ok {
		return nil, domain.ErrDocumentNotFound
	}
	return cloneDocument(d), nil
}

func (s *MemoryDocumentStore) Save(ctx context.Context, d *domain.Document) error {
	if err := domain.ValidateDocument(d); err != nil {
		return domain.NewDomainErrorWithCause(domain.ErrCodeValidation, "invalid document", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[d.ID] = cloneDocument(d)
	return nil
}

func (s *MemoryDocumentStore) MarkDeleted(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok || d.DeletedAt != nil {
		return domain.ErrDocumentNotFound
	}
	d.DeletedAt = &at
	d.UpdatedAt = at
	return nil
}

func (s *MemoryDocumentStore) List(ctx context.Context, status domain.DocumentStatus, after *pagination.Cursor, limit int) ([]*domain.Document, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	out := make([]*domain.Document, 0, len(s.docs))
	for _, d := range s.docs {
		if d.DeletedAt == nil && (status == "" || d.Status == status) && after.Before(d.ID, d.UpdatedAt) {
			out = append(out, cloneDocument(d))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
