package retrieval

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloo-solutions/docrag/internal/domain"
	"github.com/cloo-solutions/docrag/internal/telemetry"
)

// Generator is the language model capability.
type Generator interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
}

const answerSystemPrompt = "You answer questions using only the numbered context passages provided. " +
	"Cite passages as [n]. If the context does not contain the answer, say so."

// Answer is a generated reply grounded on retrieved blocks.
type Answer struct {
	Text   string  `json:"answer"`
	Result *Result `json:"context"`
}

// Answerer runs retrieval then generation.
type Answerer struct {
	retriever *Retriever
	generator Generator
}

// NewAnswerer creates an Answerer.
func NewAnswerer(r *Retriever, g Generator) *Answerer {
	return &Answerer{retriever: r, generator: g}
}

// Answer retrieves context for req and asks the model. No model call is made
// when nothing relevant is indexed.
func (a *Answerer) Answer(ctx context.Context, req Request) (*Answer, error) {
	ctx, span := telemetry.StartSpan(ctx, "retrieval.answer", telemetry.SpanAttributes{Operation: "answer"})
	defer span.End()

	res, err := a.retriever.Query(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(res.Blocks) == 0 {
		return nil, domain.NewDomainError(domain.ErrCodeNotFound, "no indexed context matches the query")
	}

	text, err := a.generator.Generate(ctx, answerSystemPrompt, BuildPrompt(req.Text, res.Blocks))
	if err != nil {
		span.SetError(err)
		return nil, fmt.Errorf("generate answer: %w", err)
	}
	return &Answer{Text: strings.TrimSpace(text), Result: res}, nil
}

// BuildPrompt numbers the context blocks and appends the question.
func BuildPrompt(question string, blocks []Block) string {
	var b strings.Builder
	b.WriteString("Context:\n")
	for i, blk := range blocks {
		fmt.Fprintf(&b, "[%d] (document %s, chunks %d-%d)\n%s\n\n", i+1, blk.DocumentID, blk.SequenceStart, blk.SequenceEnd, blk.Text)
	}
	b.WriteString("Question: ")
	b.WriteString(strings.TrimSpace(question))
	return b.String()
}
