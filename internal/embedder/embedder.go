// Package embedder holds the embedding capability used by ingestion and
// retrieval, plus the retry, rate limit and memoization layers around it.
package embedder

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
	Model() string
}

// BatchEmbedder is implemented by upstreams that accept several inputs per call.
type BatchEmbedder interface {
	Embedder
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// EmbedAll embeds texts in order. Batches of batchSize are used when e
// supports them, otherwise texts are embedded one at a time. At most
// concurrency calls are in flight. Any failure cancels the rest.
func EmbedAll(ctx context.Context, e Embedder, texts []string, batchSize, concurrency int) ([][]float32, error) {
	out := make([][]float32, len(texts))
	if len(texts) == 0 {
		return out, nil
	}
	if batchSize <= 0 {
		batchSize = 1
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	be, batched := e.(BatchEmbedder)
	if !batched {
		batchSize = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for start := 0; start < len(texts); start += batchSize {
		end := min(start+batchSize, len(texts))
		g.Go(func() error {
			if !batched {
				v, err := e.Embed(gctx, texts[start])
				if err != nil {
					return fmt.Errorf("embed segment %d: %w", start, err)
				}
				out[start] = v
				return nil
			}
			vs, err := be.EmbedBatch(gctx, texts[start:end])
			if err != nil {
				return fmt.Errorf("embed segments %d-%d: %w", start, end-1, err)
			}
			if len(vs) != end-start {
				return fmt.Errorf("embed segments %d-%d: got %d vectors", start, end-1, len(vs))
			}
			copy(out[start:end], vs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
