package chunking

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/cloo-solutions/docrag/internal/domain"
)

// Tokenizer turns text into the units counted against the segment budget.
type Tokenizer interface {
	Tokenize(text string) []string
	Join(tokens []string) string
}

// WordTokenizer counts whitespace-delimited words. Runs of whitespace collapse
// into a single space when segments are rebuilt.
type WordTokenizer struct{}

func (WordTokenizer) Tokenize(text string) []string { return strings.Fields(text) }
func (WordTokenizer) Join(tokens []string) string   { return strings.Join(tokens, " ") }

// RuneTokenizer counts every non-space rune as one token.
type RuneTokenizer struct{}

func (RuneTokenizer) Tokenize(text string) []string {
	tokens := make([]string, 0, len(text))
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		tokens = append(tokens, string(r))
	}
	return tokens
}

func (RuneTokenizer) Join(tokens []string) string { return strings.Join(tokens, "") }

// Config controls segment size.
type Config struct {
	MaxTokens     int
	OverlapTokens int
	MaxChunks     int // 0 disables the cap
	Tokenizer     Tokenizer
}

// DefaultConfig provides sane defaults for chunking.
func DefaultConfig() Config {
	return Config{
		MaxTokens:     256,
		OverlapTokens: 32,
		Tokenizer:     WordTokenizer{},
	}
}

// Validate checks the window parameters.
func (c Config) Validate() error {
	if c.MaxTokens <= 0 {
		return domain.NewDomainError(domain.ErrCodeValidation, "max tokens must be positive")
	}
	if c.OverlapTokens < 0 || c.OverlapTokens >= c.MaxTokens {
		return domain.NewDomainError(domain.ErrCodeValidation,
			fmt.Sprintf("overlap tokens must be in [0, %d)", c.MaxTokens))
	}
	return nil
}

// Segment is one window of the source text.
type Segment struct {
	SequenceIndex int
	Text          string
	Overlap       string
	TokenCount    int
}

// EmbeddingText is the text sent to the embedder: the trailing context of the
// previous segment followed by this segment.
func (s Segment) EmbeddingText() string {
	if s.Overlap == "" {
		return s.Text
	}
	return s.Overlap + " " + s.Text
}

// Chunker splits documents into segments.
type Chunker struct {
	cfg Config
}

// New creates a Chunker. A nil tokenizer defaults to WordTokenizer.
func New(cfg Config) (*Chunker, error) {
	if cfg.Tokenizer == nil {
		cfg.Tokenizer = WordTokenizer{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Chunker{cfg: cfg}, nil
}

// Split applies the configured window to text.
func (c *Chunker) Split(text string) ([]Segment, error) {
	segments, err := split(text, c.cfg.MaxTokens, c.cfg.OverlapTokens, c.cfg.Tokenizer)
	if err != nil {
		return nil, err
	}
	if c.cfg.MaxChunks > 0 && len(segments) > c.cfg.MaxChunks {
		return nil, domain.NewDomainError(domain.ErrCodeDocumentTooLarge,
			fmt.Sprintf("document needs %d chunks, limit is %d", len(segments), c.cfg.MaxChunks))
	}
	return segments, nil
}

// Split cuts text into consecutive windows of at most maxTokens tokens using
// the word tokenizer. The windows partition the token stream, so joining all
// segment texts reproduces the normalized input. Each segment also records the
// last overlapTokens tokens of its predecessor in Overlap.
func Split(text string, maxTokens, overlapTokens int) ([]Segment, error) {
	return split(text, maxTokens, overlapTokens, WordTokenizer{})
}

func split(text string, maxTokens, overlapTokens int, tok Tokenizer) ([]Segment, error) {
	if err := (Config{MaxTokens: maxTokens, OverlapTokens: overlapTokens}).Validate(); err != nil {
		return nil, err
	}
	tokens := tok.Tokenize(text)
	if len(tokens) == 0 {
		return nil, nil
	}

	segments := make([]Segment, 0, len(tokens)/maxTokens+1)
	for start := 0; start < len(tokens); start += maxTokens {
		end := start + maxTokens
		if end > len(tokens) {
			end = len(tokens)
		}

		seg := Segment{
			SequenceIndex: len(segments),
			Text:          tok.Join(tokens[start:end]),
			TokenCount:    end - start,
		}
		if overlapTokens > 0 && start > 0 {
			seg.Overlap = tok.Join(tokens[start-overlapTokens : start])
		}
		segments = append(segments, seg)
	}

	return segments, nil
}
