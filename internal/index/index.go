// Package index defines the vector index contract and its in-process
// implementations.
//
// Entries are grouped into generations per document. A generation becomes
// searchable only when promoted, and promotion removes every other
// generation of that document in the same step, so a reader sees either the
// old generation or the new one.
package index

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/cloo-solutions/docrag/internal/domain"
)

// Entry is the physical record stored for one chunk.
type Entry struct {
	ChunkID       string
	DocumentID    string
	Generation    string
	SequenceIndex int
	Text          string
	TokenCount    int
	Vector        []float32
	Metadata      map[string]string
}

// Match is a search hit.
type Match struct {
	Entry
	Score float32
}

// Filter restricts a search. Zero value matches everything.
type Filter struct {
	DocumentIDs []string
	Metadata    map[string]string
}

// IsZero reports whether the filter matches everything.
func (f Filter) IsZero() bool {
	return len(f.DocumentIDs) == 0 && len(f.Metadata) == 0
}

// VectorIndex stores chunk vectors and answers nearest-neighbour queries.
type VectorIndex interface {
	// Upsert writes entries. Re-writing an identical entry changes nothing.
	Upsert(ctx context.Context, entries []Entry) error
	// Promote makes generation the searchable one and drops the others.
	Promote(ctx context.Context, documentID, generation string) error
	// DiscardGeneration drops an unpromoted generation.
	DiscardGeneration(ctx context.Context, documentID, generation string) error
	DeleteByDocument(ctx context.Context, documentID string) error
	// Search ranks active entries by cosine similarity, best first, ties
	// broken by ascending chunk id.
	Search(ctx context.Context, query []float32, k int, filter Filter) ([]Match, error)
	// Entries returns the active entries among chunkIDs, in the given order.
	// Unknown or inactive ids are skipped.
	Entries(ctx context.Context, chunkIDs []string) ([]Entry, error)
	ActiveGeneration(ctx context.Context, documentID string) (string, bool, error)
	// Version is incremented by every write that changes the index.
	Version(ctx context.Context) (uint64, error)
	// DocumentVersions returns, per document, the version at which its
	// searchable set last changed. Deleted documents keep their version.
	DocumentVersions(ctx context.Context, documentIDs []string) (map[string]uint64, error)
}

// ErrDimensionMismatch is returned for vectors of the wrong size.
func ErrDimensionMismatch(expected, got int) error {
	return domain.NewDomainError(domain.ErrCodeInvalidInput,
		fmt.Sprintf("vector has %d dimensions, expected %d", got, expected))
}

// Cosine returns the cosine similarity of a and b, 0 when either is zero.
func Cosine(a, b []float32) float32 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// SortMatches orders matches by score descending, then chunk id ascending.
func SortMatches(ms []Match) {
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].Score != ms[j].Score {
			return ms[i].Score > ms[j].Score
		}
		return ms[i].ChunkID < ms[j].ChunkID
	})
}

func matchesMetadata(meta, want map[string]string) bool {
	for k, v := range want {
		if meta[k] != v {
			return false
		}
	}
	return true
}

func sameVector(a, b []float32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sameMetadata(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

func sameEntry(a, b *Entry) bool {
	return a.DocumentID == b.DocumentID &&
		a.Generation == b.Generation &&
		a.SequenceIndex == b.SequenceIndex &&
		a.Text == b.Text &&
		a.TokenCount == b.TokenCount &&
		sameVector(a.Vector, b.Vector) &&
		sameMetadata(a.Metadata, b.Metadata)
}
