package index

import (
	"math"

	"github.com/coder/hnsw"
)

// HNSWConfig tunes the approximate candidate graph.
type HNSWConfig struct {
	M        int
	EfSearch int
	// Oversample multiplies k when asking the graph for candidates.
	Oversample int
}

// DefaultHNSWConfig returns the recommended coder/hnsw parameters.
func DefaultHNSWConfig() HNSWConfig {
	return HNSWConfig{M: 16, EfSearch: 64, Oversample: 4}
}

// hnswGraph maps chunk ids onto graph keys. Removal is lazy: the key mapping
// is dropped and the node stays in the graph until the next compaction.
type hnswGraph struct {
	cfg     HNSWConfig
	graph   *hnsw.Graph[uint64]
	idMap   map[string]uint64
	keyMap  map[uint64]string
	nextKey uint64
}

func newHNSWGraph(cfg HNSWConfig) *hnswGraph {
	def := DefaultHNSWConfig()
	if cfg.M <= 0 {
		cfg.M = def.M
	}
	if cfg.EfSearch <= 0 {
		cfg.EfSearch = def.EfSearch
	}
	if cfg.Oversample <= 0 {
		cfg.Oversample = def.Oversample
	}
	g := &hnswGraph{cfg: cfg}
	g.reset()
	return g
}

func (g *hnswGraph) reset() {
	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = g.cfg.M
	graph.EfSearch = g.cfg.EfSearch
	graph.Ml = 0.25
	g.graph = graph
	g.idMap = make(map[string]uint64)
	g.keyMap = make(map[uint64]string)
}

func (g *hnswGraph) add(id string, vec []float32) {
	g.remove(id)
	key := g.nextKey
	g.nextKey++
	g.graph.Add(hnsw.MakeNode(key, unit(vec)))
	g.idMap[id] = key
	g.keyMap[key] = id
}

func (g *hnswGraph) remove(id string) {
	if key, ok := g.idMap[id]; ok {
		delete(g.keyMap, key)
		delete(g.idMap, id)
	}
}

func (g *hnswGraph) orphans() int {
	return g.graph.Len() - len(g.idMap)
}

// candidates returns up to n live chunk ids nearest to query.
func (g *hnswGraph) candidates(query []float32, n int) []string {
	if g.graph.Len() == 0 || n <= 0 {
		return nil
	}
	nodes := g.graph.Search(unit(query), n)
	out := make([]string, 0, len(nodes))
	for _, node := range nodes {
		if id, ok := g.keyMap[node.Key]; ok {
			out = append(out, id)
		}
	}
	return out
}

func unit(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	var sum float64
	for _, x := range out {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return out
	}
	n := float32(math.Sqrt(sum))
	for i := range out {
		out[i] /= n
	}
	return out
}

// searchANN asks the graph for oversampled candidates, keeps the visible
// ones and rescores them exactly. The request widens until k visible matches
// are found or the graph is exhausted. Caller holds the read lock.
func (m *Memory) searchANN(query []float32, k int, filter Filter) []Match {
	var allowed map[string]bool
	if len(filter.DocumentIDs) > 0 {
		allowed = make(map[string]bool, len(filter.DocumentIDs))
		for _, id := range filter.DocumentIDs {
			allowed[id] = true
		}
	}

	total := m.ann.graph.Len()
	fetch := k * m.ann.cfg.Oversample
	var matches []Match
	for {
		if fetch > total {
			fetch = total
		}
		matches = matches[:0]
		for _, id := range m.ann.candidates(query, fetch) {
			r, ok := m.entries[id]
			if !ok || !m.visible(r, filter, allowed) {
				continue
			}
			matches = append(matches, Match{Entry: r.Entry, Score: Cosine(query, r.Vector)})
		}
		if len(matches) >= k || fetch >= total {
			break
		}
		fetch *= 2
	}

	SortMatches(matches)
	if len(matches) > k {
		matches = matches[:k]
	}
	return cloneMatches(matches)
}

// maybeCompact rebuilds the graph once lazily removed nodes outnumber live
// ones. Caller holds the write lock.
func (m *Memory) maybeCompact() {
	if m.ann == nil {
		return
	}
	orphans := m.ann.orphans()
	if orphans < 64 || orphans <= len(m.ann.idMap) {
		return
	}
	m.ann.reset()
	for id, r := range m.entries {
		m.ann.add(id, r.Vector)
	}
}
