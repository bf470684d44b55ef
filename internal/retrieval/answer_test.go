package retrieval

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cloo-solutions/docrag/internal/domain"
	"github.com/cloo-solutions/docrag/internal/index"
)

// MockGenerator is a mock language model
type MockGenerator struct {
	mock.Mock
}

func (m *MockGenerator) Generate(ctx context.Context, system, prompt string) (string, error) {
	args := m.Called(ctx, system, prompt)
	return args.String(0), args.Error(1)
}

func TestAnswer_UsesRetrievedContext(t *testing.T) {
	idx := index.NewMemory(index.Config{Dimensions: 2})
	seed(t, idx, "doc1", "g1", 0.9)

	emb := new(MockEmbedder)
	emb.On("Embed", mock.Anything, "what?").Return([]float32{1, 0}, nil)
	gen := new(MockGenerator)
	gen.On("Generate", mock.Anything, answerSystemPrompt, mock.MatchedBy(func(p string) bool {
		return strings.Contains(p, "[1] (document doc1, chunks 0-0)") &&
			strings.Contains(p, "doc1 part") &&
			strings.HasSuffix(p, "Question: what?")
	})).Return(" It is doc1. [1] ", nil)

	a := NewAnswerer(New(idx, emb, nil, DefaultConfig(), nil), gen)
	ans, err := a.Answer(context.Background(), Request{Text: "what?", K: 3})

	require.NoError(t, err)
	assert.Equal(t, "It is doc1. [1]", ans.Text)
	assert.Equal(t, []string{"doc1"}, ans.Result.Provenance)
	gen.AssertExpectations(t)
}

func TestAnswer_NoContextSkipsModel(t *testing.T) {
	idx := index.NewMemory(index.Config{Dimensions: 2})
	emb := new(MockEmbedder)
	emb.On("Embed", mock.Anything, "q").Return([]float32{1, 0}, nil)
	gen := new(MockGenerator)

	a := NewAnswerer(New(idx, emb, nil, DefaultConfig(), nil), gen)
	_, err := a.Answer(context.Background(), Request{Text: "q", K: 3})

	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
	gen.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything, mock.Anything)
}
