// Package retrieval turns a query into a ranked, deduplicated context window.
package retrieval

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/cloo-solutions/docrag/internal/domain"
	"github.com/cloo-solutions/docrag/internal/embedder"
	"github.com/cloo-solutions/docrag/internal/index"
	"github.com/cloo-solutions/docrag/internal/querycache"
	"github.com/cloo-solutions/docrag/internal/telemetry"
)

// Cache is the subset of the query cache the retriever needs.
type Cache interface {
	Get(ctx context.Context, fingerprint string) (*domain.CacheEntry, bool)
	Put(ctx context.Context, fingerprint string, blocks []domain.CachedBlock, stamp uint64)
	Invalidate(ctx context.Context, fingerprint string)
}

// Config tunes ranking.
type Config struct {
	OverFetch       int // candidates requested per result
	MaxMergedChunks int // 0 disables the cap
	MaxK            int
	Joiner          TextJoiner // joins merged chunk texts; should match the chunker's tokenizer
}

// DefaultConfig returns the default ranking parameters.
func DefaultConfig() Config {
	return Config{OverFetch: 3, MaxMergedChunks: 4, MaxK: 50}
}

// Request is a retrieval query.
type Request struct {
	Text   string
	K      int
	Filter index.Filter
}

// Result is a ranked context set.
type Result struct {
	Blocks       []Block  `json:"results"`
	Provenance   []string `json:"provenance"`
	Cached       bool     `json:"cached"`
	IndexVersion uint64   `json:"index_version"`
}

// Retriever answers queries against a vector index.
type Retriever struct {
	idx      index.VectorIndex
	embedder embedder.Embedder
	cache    Cache
	cfg      Config
	logger   *zap.Logger
}

// New creates a Retriever. cache may be nil.
func New(idx index.VectorIndex, emb embedder.Embedder, cache Cache, cfg Config, logger *zap.Logger) *Retriever {
	def := DefaultConfig()
	if cfg.OverFetch <= 0 {
		cfg.OverFetch = def.OverFetch
	}
	if cfg.MaxK <= 0 {
		cfg.MaxK = def.MaxK
	}
	if cfg.Joiner == nil {
		cfg.Joiner = spaceJoiner{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retriever{idx: idx, embedder: emb, cache: cache, cfg: cfg, logger: logger}
}

func (r *Retriever) validate(req Request) error {
	if strings.TrimSpace(req.Text) == "" {
		return domain.NewDomainError(domain.ErrCodeValidation, "query text is required")
	}
	if req.K <= 0 || req.K > r.cfg.MaxK {
		return domain.NewDomainError(domain.ErrCodeValidation, fmt.Sprintf("k must be between 1 and %d", r.cfg.MaxK))
	}
	return nil
}

// Query returns up to K blocks ranked by similarity. A fresh cache entry is
// served without embedding the query.
func (r *Retriever) Query(ctx context.Context, req Request) (*Result, error) {
	if err := r.validate(req); err != nil {
		return nil, err
	}

	fingerprint := querycache.Fingerprint(req.Text, querycache.Params{
		K:           req.K,
		DocumentIDs: req.Filter.DocumentIDs,
		Metadata:    req.Filter.Metadata,
	})
	ctx, span := telemetry.StartSpan(ctx, "retrieval.query", telemetry.SpanAttributes{
		Fingerprint: fingerprint,
		Operation:   "query",
	})
	defer span.End()

	if r.cache != nil {
		if entry, ok := r.cache.Get(ctx, fingerprint); ok {
			if res, ok := r.rehydrate(ctx, entry); ok {
				span.SetData("cached", true)
				return res, nil
			}
			r.cache.Invalidate(ctx, fingerprint)
		}
	}

	// Read the stamp before searching so a concurrent write makes the entry stale.
	stamp, err := r.idx.Version(ctx)
	if err != nil {
		span.SetError(err)
		return nil, fmt.Errorf("read index version: %w", err)
	}

	vector, err := r.embedder.Embed(ctx, req.Text)
	if err != nil {
		span.SetError(err)
		return nil, fmt.Errorf("embed query: %w", err)
	}

	matches, err := r.idx.Search(ctx, vector, req.K*r.cfg.OverFetch, req.Filter)
	if err != nil {
		span.SetError(err)
		return nil, fmt.Errorf("search index: %w", err)
	}

	blocks := DedupeText(MergeContiguousWith(matches, r.cfg.MaxMergedChunks, r.cfg.Joiner))
	if len(blocks) > req.K {
		blocks = blocks[:req.K]
	}

	if r.cache != nil && len(blocks) > 0 {
		r.cache.Put(ctx, fingerprint, toCached(blocks), stamp)
	}

	span.SetData("candidates", len(matches))
	span.SetData("results", len(blocks))
	r.logger.Debug("retrieval query",
		zap.String("fingerprint", fingerprint),
		zap.Int("k", req.K),
		zap.Int("candidates", len(matches)),
		zap.Int("results", len(blocks)),
	)

	return &Result{Blocks: blocks, Provenance: provenance(blocks), IndexVersion: stamp}, nil
}

// rehydrate rebuilds a cached result from the index. Any chunk that is no
// longer searchable turns the hit into a miss.
func (r *Retriever) rehydrate(ctx context.Context, entry *domain.CacheEntry) (*Result, bool) {
	ids := entry.ChunkIDs()
	entries, err := r.idx.Entries(ctx, ids)
	if err != nil {
		r.logger.Warn("cache rehydrate failed, bypassing", zap.Error(err))
		return nil, false
	}
	if len(entries) != len(ids) {
		r.logger.Debug("cached chunks no longer indexed",
			zap.String("fingerprint", entry.Fingerprint),
			zap.String("code", domain.ErrCodeConsistencyViolation),
		)
		return nil, false
	}

	byID := make(map[string]index.Entry, len(entries))
	for _, e := range entries {
		byID[e.ChunkID] = e
	}

	blocks := make([]Block, 0, len(entry.Blocks))
	for _, cb := range entry.Blocks {
		var texts []string
		b := Block{DocumentID: cb.DocumentID, ChunkIDs: cb.ChunkIDs, Score: cb.Score}
		for i, id := range cb.ChunkIDs {
			e := byID[id]
			if i == 0 {
				b.SequenceStart = e.SequenceIndex
				b.Metadata = e.Metadata
			}
			b.SequenceEnd = e.SequenceIndex
			b.TokenCount += e.TokenCount
			texts = append(texts, e.Text)
		}
		b.Text = r.cfg.Joiner.Join(texts)
		blocks = append(blocks, b)
	}

	return &Result{
		Blocks:       blocks,
		Provenance:   provenance(blocks),
		Cached:       true,
		IndexVersion: entry.IndexVersionStamp,
	}, true
}

func toCached(blocks []Block) []domain.CachedBlock {
	out := make([]domain.CachedBlock, len(blocks))
	for i, b := range blocks {
		out[i] = domain.CachedBlock{
			DocumentID: b.DocumentID,
			ChunkIDs:   append([]string(nil), b.ChunkIDs...),
			Score:      b.Score,
		}
	}
	return out
}

func provenance(blocks []Block) []string {
	seen := make(map[string]bool, len(blocks))
	out := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if !seen[b.DocumentID] {
			seen[b.DocumentID] = true
			out = append(out, b.DocumentID)
		}
	}
	return out
}
