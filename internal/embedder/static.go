package embedder

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// DefaultStaticDimensions is the vector size of Static when none is given.
const DefaultStaticDimensions = 256

// Static is a deterministic, offline embedder built from hashed word and
// character trigram features. It needs no network and is used for local runs
// and tests.
type Static struct {
	dims int
}

// NewStatic creates a Static embedder producing dims-sized vectors.
func NewStatic(dims int) *Static {
	if dims <= 0 {
		dims = DefaultStaticDimensions
	}
	return &Static{dims: dims}
}

func (s *Static) Dimensions() int { return s.dims }
func (s *Static) Model() string   { return "static-hash" }

// Embed never fails for non-empty input.
func (s *Static) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v := make([]float32, s.dims)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		v[s.bucket(w)] += 0.7
		runes := []rune(w)
		for i := 0; i+3 <= len(runes); i++ {
			v[s.bucket(string(runes[i:i+3]))] += 0.3
		}
	}
	return normalize(v), nil
}

// EmbedBatch embeds each text in order.
func (s *Static) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := s.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (s *Static) bucket(token string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(token))
	return int(h.Sum32() % uint32(s.dims))
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	n := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= n
	}
	return v
}
