package index

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloo-solutions/docrag/internal/domain"
)

func constructors() map[string]func(Config) *Memory {
	return map[string]func(Config) *Memory{
		"exact": NewMemory,
		"hnsw": func(cfg Config) *Memory {
			h := DefaultHNSWConfig()
			cfg.HNSW = &h
			return NewMemory(cfg)
		},
	}
}

func entry(doc, gen string, seq int, vec ...float32) Entry {
	return Entry{
		ChunkID:       fmt.Sprintf("%s-%s-%d", doc, gen, seq),
		DocumentID:    doc,
		Generation:    gen,
		SequenceIndex: seq,
		Text:          fmt.Sprintf("%s chunk %d", doc, seq),
		TokenCount:    3,
		Vector:        vec,
	}
}

func index(t *testing.T, idx *Memory, entries ...Entry) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, idx.Upsert(ctx, entries))
	promoted := map[string]bool{}
	for _, e := range entries {
		key := e.DocumentID + "/" + e.Generation
		if !promoted[key] {
			require.NoError(t, idx.Promote(ctx, e.DocumentID, e.Generation))
			promoted[key] = true
		}
	}
}

func ids(ms []Match) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.ChunkID
	}
	return out
}

func TestMemory_SearchRanksByCosine(t *testing.T) {
	for name, newIndex := range constructors() {
		t.Run(name, func(t *testing.T) {
			idx := newIndex(Config{Dimensions: 2})
			index(t, idx,
				entry("doc1", "g1", 0, 1, 0),
				entry("doc1", "g1", 1, 0.7, 0.7),
				entry("doc2", "g1", 0, 0, 1),
			)

			ms, err := idx.Search(context.Background(), []float32{1, 0}, 2, Filter{})
			require.NoError(t, err)

			assert.Equal(t, []string{"doc1-g1-0", "doc1-g1-1"}, ids(ms))
			assert.InDelta(t, 1.0, ms[0].Score, 1e-6)
			assert.InDelta(t, 0.7071, ms[1].Score, 1e-3)
		})
	}
}

func TestMemory_SearchTieBreaksByChunkID(t *testing.T) {
	for name, newIndex := range constructors() {
		t.Run(name, func(t *testing.T) {
			idx := newIndex(Config{Dimensions: 2})
			index(t, idx,
				entry("b", "g", 0, 1, 1),
				entry("a", "g", 0, 2, 2),
				entry("c", "g", 0, 3, 3),
			)

			first, err := idx.Search(context.Background(), []float32{1, 1}, 3, Filter{})
			require.NoError(t, err)
			second, err := idx.Search(context.Background(), []float32{1, 1}, 3, Filter{})
			require.NoError(t, err)

			assert.Equal(t, []string{"a-g-0", "b-g-0", "c-g-0"}, ids(first))
			assert.Equal(t, ids(first), ids(second))
		})
	}
}

func TestMemory_UpsertIdempotent(t *testing.T) {
	ctx := context.Background()
	idx := NewMemory(Config{Dimensions: 2})
	e := entry("doc1", "g1", 0, 1, 0)
	index(t, idx, e)

	before, _ := idx.Version(ctx)
	require.NoError(t, idx.Upsert(ctx, []Entry{e}))
	require.NoError(t, idx.Promote(ctx, "doc1", "g1"))
	after, _ := idx.Version(ctx)

	assert.Equal(t, before, after)
	assert.Equal(t, 1, idx.Len())
}

func TestMemory_UnpromotedGenerationInvisible(t *testing.T) {
	ctx := context.Background()
	idx := NewMemory(Config{Dimensions: 2})
	index(t, idx, entry("doc1", "old", 0, 1, 0))

	require.NoError(t, idx.Upsert(ctx, []Entry{entry("doc1", "new", 0, 1, 0), entry("doc1", "new", 1, 1, 0)}))

	ms, err := idx.Search(ctx, []float32{1, 0}, 10, Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"doc1-old-0"}, ids(ms))

	require.NoError(t, idx.Promote(ctx, "doc1", "new"))
	ms, err = idx.Search(ctx, []float32{1, 0}, 10, Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"doc1-new-0", "doc1-new-1"}, ids(ms))
	assert.Equal(t, 2, idx.Len())

	gen, ok, err := idx.ActiveGeneration(ctx, "doc1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "new", gen)
}

func TestMemory_PromoteRequiresEntries(t *testing.T) {
	idx := NewMemory(Config{})
	err := idx.Promote(context.Background(), "doc1", "g1")
	assert.Equal(t, domain.KindConsistency, domain.KindOf(err))
}

func TestMemory_DiscardGeneration(t *testing.T) {
	ctx := context.Background()
	idx := NewMemory(Config{Dimensions: 2})
	index(t, idx, entry("doc1", "g1", 0, 1, 0))
	require.NoError(t, idx.Upsert(ctx, []Entry{entry("doc1", "g2", 0, 0, 1)}))

	require.NoError(t, idx.DiscardGeneration(ctx, "doc1", "g2"))
	assert.Equal(t, 1, idx.Len())
	assert.Error(t, idx.DiscardGeneration(ctx, "doc1", "g1"))
}

func TestMemory_DeleteByDocumentTombstones(t *testing.T) {
	ctx := context.Background()
	idx := NewMemory(Config{Dimensions: 2})
	index(t, idx, entry("doc1", "g1", 0, 1, 0), entry("doc2", "g1", 0, 1, 0))

	stamp, _ := idx.Version(ctx)
	require.NoError(t, idx.DeleteByDocument(ctx, "doc1"))

	ms, err := idx.Search(ctx, []float32{1, 0}, 10, Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"doc2-g1-0"}, ids(ms))

	versions, err := idx.DocumentVersions(ctx, []string{"doc1", "doc2", "missing"})
	require.NoError(t, err)
	assert.Greater(t, versions["doc1"], stamp)
	assert.LessOrEqual(t, versions["doc2"], stamp)
	assert.Equal(t, uint64(0), versions["missing"])

	_, ok, _ := idx.ActiveGeneration(ctx, "doc1")
	assert.False(t, ok)

	// deleting again changes nothing
	v1, _ := idx.Version(ctx)
	require.NoError(t, idx.DeleteByDocument(ctx, "doc1"))
	v2, _ := idx.Version(ctx)
	assert.Equal(t, v1, v2)
}

func TestMemory_Filter(t *testing.T) {
	for name, newIndex := range constructors() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			idx := newIndex(Config{Dimensions: 2})
			a := entry("doc1", "g", 0, 1, 0)
			a.Metadata = map[string]string{"lang": "en"}
			b := entry("doc2", "g", 0, 1, 0)
			b.Metadata = map[string]string{"lang": "de"}
			index(t, idx, a, b)

			ms, err := idx.Search(ctx, []float32{1, 0}, 5, Filter{Metadata: map[string]string{"lang": "de"}})
			require.NoError(t, err)
			assert.Equal(t, []string{"doc2-g-0"}, ids(ms))

			ms, err = idx.Search(ctx, []float32{1, 0}, 5, Filter{DocumentIDs: []string{"doc1"}})
			require.NoError(t, err)
			assert.Equal(t, []string{"doc1-g-0"}, ids(ms))
		})
	}
}

func TestMemory_Entries(t *testing.T) {
	ctx := context.Background()
	idx := NewMemory(Config{Dimensions: 2})
	index(t, idx, entry("doc1", "g", 0, 1, 0), entry("doc1", "g", 1, 0, 1))
	require.NoError(t, idx.Upsert(ctx, []Entry{entry("doc2", "pending", 0, 1, 0)}))

	got, err := idx.Entries(ctx, []string{"doc1-g-1", "missing", "doc2-pending-0", "doc1-g-0"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "doc1-g-1", got[0].ChunkID)
	assert.Equal(t, "doc1-g-0", got[1].ChunkID)
}

func TestMemory_Capacity(t *testing.T) {
	ctx := context.Background()
	idx := NewMemory(Config{Dimensions: 2, MaxEntries: 2})
	require.NoError(t, idx.Upsert(ctx, []Entry{entry("doc1", "g", 0, 1, 0), entry("doc1", "g", 1, 1, 0)}))

	err := idx.Upsert(ctx, []Entry{entry("doc2", "g", 0, 1, 0)})
	assert.ErrorIs(t, err, domain.ErrIndexFull)
	assert.Equal(t, domain.KindCapacity, domain.KindOf(err))
	assert.Equal(t, 2, idx.Len())
}

func TestMemory_DimensionMismatch(t *testing.T) {
	ctx := context.Background()
	idx := NewMemory(Config{Dimensions: 3})

	err := idx.Upsert(ctx, []Entry{entry("doc1", "g", 0, 1, 0)})
	assert.Equal(t, domain.ErrCodeInvalidInput, domain.CodeOf(err))

	_, err = idx.Search(ctx, []float32{1}, 1, Filter{})
	assert.Error(t, err)
}

func TestMemory_VersionIncrementsOnMutation(t *testing.T) {
	ctx := context.Background()
	idx := NewMemory(Config{Dimensions: 2})

	v0, _ := idx.Version(ctx)
	require.NoError(t, idx.Upsert(ctx, []Entry{entry("doc1", "g", 0, 1, 0)}))
	v1, _ := idx.Version(ctx)
	require.NoError(t, idx.Promote(ctx, "doc1", "g"))
	v2, _ := idx.Version(ctx)
	require.NoError(t, idx.DeleteByDocument(ctx, "doc1"))
	v3, _ := idx.Version(ctx)

	assert.Less(t, v0, v1)
	assert.Less(t, v1, v2)
	assert.Less(t, v2, v3)
}

func TestMemory_GenerationSwapIsAtomicForReaders(t *testing.T) {
	for name, newIndex := range constructors() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			idx := newIndex(Config{Dimensions: 2})
			const chunks = 8
			gen := func(g string) []Entry {
				out := make([]Entry, chunks)
				for i := range out {
					out[i] = entry("doc1", g, i, 1, float32(i)/10)
				}
				return out
			}
			index(t, idx, gen("g0")...)

			var wg sync.WaitGroup
			stop := make(chan struct{})
			errs := make(chan string, 1)
			for r := 0; r < 4; r++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for {
						select {
						case <-stop:
							return
						default:
						}
						ms, err := idx.Search(ctx, []float32{1, 0}, 100, Filter{})
						if err != nil {
							continue
						}
						gens := map[string]int{}
						for _, m := range ms {
							gens[m.Generation]++
						}
						// approximate candidates may miss entries, never mix them
						partial := name == "exact" && len(ms) != 0 && len(ms) != chunks
						if len(gens) > 1 || partial {
							select {
							case errs <- fmt.Sprintf("mixed generations: %v", gens):
							default:
							}
							return
						}
					}
				}()
			}

			for g := 1; g <= 20; g++ {
				generation := fmt.Sprintf("g%d", g)
				require.NoError(t, idx.Upsert(ctx, gen(generation)))
				require.NoError(t, idx.Promote(ctx, "doc1", generation))
			}
			require.NoError(t, idx.DeleteByDocument(ctx, "doc1"))
			close(stop)
			wg.Wait()

			select {
			case msg := <-errs:
				t.Fatal(msg)
			default:
			}
		})
	}
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 2}, []float32{2, 4}), 1e-6)
	assert.InDelta(t, -1.0, Cosine([]float32{1, 0}, []float32{-1, 0}), 1e-6)
	assert.Equal(t, float32(0), Cosine([]float32{0, 0}, []float32{1, 0}))
}
