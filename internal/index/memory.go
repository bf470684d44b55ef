package index

import (
	"context"
	"sync"

	"github.com/cloo-solutions/docrag/internal/domain"
)

// Config configures a Memory index.
type Config struct {
	Dimensions int
	MaxEntries int         // 0 means unbounded
	HNSW       *HNSWConfig // nil selects an exact scan
}

type record struct {
	Entry
}

type docState struct {
	active      string
	hasActive   bool
	generations map[string]map[string]struct{} // generation -> chunk ids
	version     uint64
}

// Memory is an in-process VectorIndex guarded by a single RWMutex. Searches
// hold the read lock for their whole scan, writes hold the write lock, so a
// promote or delete is never observed half done.
type Memory struct {
	mu      sync.RWMutex
	cfg     Config
	entries map[string]*record
	docs    map[string]*docState
	version uint64
	ann     *hnswGraph
}

var _ VectorIndex = (*Memory)(nil)

// NewMemory creates an empty index.
func NewMemory(cfg Config) *Memory {
	m := &Memory{
		cfg:     cfg,
		entries: make(map[string]*record),
		docs:    make(map[string]*docState),
	}
	if cfg.HNSW != nil {
		m.ann = newHNSWGraph(*cfg.HNSW)
	}
	return m
}

func (m *Memory) doc(id string) *docState {
	d, ok := m.docs[id]
	if !ok {
		d = &docState{generations: make(map[string]map[string]struct{})}
		m.docs[id] = d
	}
	return d
}

// Upsert writes a batch atomically: either every entry is stored or none.
func (m *Memory) Upsert(ctx context.Context, entries []Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for i := range entries {
		e := &entries[i]
		if e.ChunkID == "" || e.DocumentID == "" || e.Generation == "" {
			return domain.NewDomainError(domain.ErrCodeValidation, "entry requires chunk id, document id and generation")
		}
		if m.cfg.Dimensions > 0 && len(e.Vector) != m.cfg.Dimensions {
			return ErrDimensionMismatch(m.cfg.Dimensions, len(e.Vector))
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	added := 0
	for i := range entries {
		if _, ok := m.entries[entries[i].ChunkID]; !ok {
			added++
		}
	}
	if m.cfg.MaxEntries > 0 && len(m.entries)+added > m.cfg.MaxEntries {
		return domain.ErrIndexFull
	}

	changed := false
	touched := map[string]bool{}
	for i := range entries {
		e := entries[i]
		if old, ok := m.entries[e.ChunkID]; ok {
			if sameEntry(&old.Entry, &e) {
				continue
			}
			m.unlink(old)
		}
		e.Vector = append([]float32(nil), e.Vector...)
		e.Metadata = copyMetadata(e.Metadata)
		r := &record{Entry: e}
		m.entries[e.ChunkID] = r

		d := m.doc(e.DocumentID)
		gen, ok := d.generations[e.Generation]
		if !ok {
			gen = make(map[string]struct{})
			d.generations[e.Generation] = gen
		}
		gen[e.ChunkID] = struct{}{}
		if m.ann != nil {
			m.ann.add(e.ChunkID, e.Vector)
		}

		changed = true
		if d.hasActive && d.active == e.Generation {
			touched[e.DocumentID] = true
		}
	}

	if changed {
		m.version++
		for id := range touched {
			m.docs[id].version = m.version
		}
	}
	return nil
}

func (m *Memory) unlink(r *record) {
	delete(m.entries, r.ChunkID)
	if d, ok := m.docs[r.DocumentID]; ok {
		if gen, ok := d.generations[r.Generation]; ok {
			delete(gen, r.ChunkID)
			if len(gen) == 0 {
				delete(d.generations, r.Generation)
			}
		}
	}
	if m.ann != nil {
		m.ann.remove(r.ChunkID)
	}
}

func (m *Memory) dropGeneration(d *docState, generation string) int {
	ids := d.generations[generation]
	for id := range ids {
		if r, ok := m.entries[id]; ok {
			delete(m.entries, id)
			if m.ann != nil {
				m.ann.remove(r.ChunkID)
			}
		}
	}
	delete(d.generations, generation)
	return len(ids)
}

// Promote activates generation and removes the document's other generations
// under one write lock.
func (m *Memory) Promote(ctx context.Context, documentID, generation string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.docs[documentID]
	if !ok || len(d.generations[generation]) == 0 {
		return domain.NewDomainError(domain.ErrCodeConsistencyViolation,
			"cannot promote generation without entries for document "+documentID)
	}

	removed := 0
	for gen := range d.generations {
		if gen != generation {
			removed += m.dropGeneration(d, gen)
		}
	}
	if d.hasActive && d.active == generation && removed == 0 {
		return nil
	}
	d.active = generation
	d.hasActive = true
	m.version++
	d.version = m.version
	m.maybeCompact()
	return nil
}

// DiscardGeneration drops the entries of a generation that was never promoted.
func (m *Memory) DiscardGeneration(ctx context.Context, documentID, generation string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.docs[documentID]
	if !ok {
		return nil
	}
	if d.hasActive && d.active == generation {
		return domain.NewDomainError(domain.ErrCodeConsistencyViolation, "cannot discard the active generation")
	}
	if m.dropGeneration(d, generation) > 0 {
		m.version++
	}
	m.maybeCompact()
	return nil
}

// DeleteByDocument removes every generation of the document. The document's
// version is kept as a tombstone so cached results referencing it go stale.
func (m *Memory) DeleteByDocument(ctx context.Context, documentID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.docs[documentID]
	if !ok || (len(d.generations) == 0 && !d.hasActive) {
		return nil
	}
	for gen := range d.generations {
		m.dropGeneration(d, gen)
	}
	d.active = ""
	d.hasActive = false
	m.version++
	d.version = m.version
	m.maybeCompact()
	return nil
}

// Search scans active entries, or HNSW candidates when configured.
func (m *Memory) Search(ctx context.Context, query []float32, k int, filter Filter) ([]Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.cfg.Dimensions > 0 && len(query) != m.cfg.Dimensions {
		return nil, ErrDimensionMismatch(m.cfg.Dimensions, len(query))
	}
	if k <= 0 {
		return []Match{}, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.ann != nil {
		return m.searchANN(query, k, filter), nil
	}

	matches := make([]Match, 0, k)
	m.eachVisible(filter, func(r *record) {
		matches = append(matches, Match{Entry: r.Entry, Score: Cosine(query, r.Vector)})
	})
	SortMatches(matches)
	if len(matches) > k {
		matches = matches[:k]
	}
	return cloneMatches(matches), nil
}

func (m *Memory) eachVisible(filter Filter, fn func(*record)) {
	visit := func(docID string) {
		d, ok := m.docs[docID]
		if !ok || !d.hasActive {
			return
		}
		for id := range d.generations[d.active] {
			r := m.entries[id]
			if r == nil || !matchesMetadata(r.Metadata, filter.Metadata) {
				continue
			}
			fn(r)
		}
	}
	if len(filter.DocumentIDs) > 0 {
		seen := make(map[string]bool, len(filter.DocumentIDs))
		for _, id := range filter.DocumentIDs {
			if !seen[id] {
				seen[id] = true
				visit(id)
			}
		}
		return
	}
	for id := range m.docs {
		visit(id)
	}
}

func (m *Memory) visible(r *record, filter Filter, allowed map[string]bool) bool {
	d, ok := m.docs[r.DocumentID]
	if !ok || !d.hasActive || d.active != r.Generation {
		return false
	}
	if allowed != nil && !allowed[r.DocumentID] {
		return false
	}
	return matchesMetadata(r.Metadata, filter.Metadata)
}

// Entries returns active entries by id.
func (m *Memory) Entries(ctx context.Context, chunkIDs []string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Entry, 0, len(chunkIDs))
	for _, id := range chunkIDs {
		r, ok := m.entries[id]
		if !ok || !m.visible(r, Filter{}, nil) {
			continue
		}
		out = append(out, cloneEntry(r.Entry))
	}
	return out, nil
}

func (m *Memory) ActiveGeneration(ctx context.Context, documentID string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.docs[documentID]
	if !ok || !d.hasActive {
		return "", false, nil
	}
	return d.active, true, nil
}

func (m *Memory) Version(ctx context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version, nil
}

func (m *Memory) DocumentVersions(ctx context.Context, documentIDs []string) (map[string]uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]uint64, len(documentIDs))
	for _, id := range documentIDs {
		if d, ok := m.docs[id]; ok {
			out[id] = d.version
		} else {
			out[id] = 0
		}
	}
	return out, nil
}

// Len returns the number of stored entries across all generations.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func copyMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneEntry(e Entry) Entry {
	e.Vector = append([]float32(nil), e.Vector...)
	e.Metadata = copyMetadata(e.Metadata)
	return e
}

func cloneMatches(ms []Match) []Match {
	for i := range ms {
		ms[i].Entry = cloneEntry(ms[i].Entry)
	}
	return ms
}
