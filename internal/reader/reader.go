// Package reader fetches a document from its source URI and converts it to
// plain text.
package reader

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/cloo-solutions/docrag/internal/domain"
)

// Source is a fetched document body.
type Source struct {
	Body []byte
	// ContentType as reported by the origin, may be empty.
	ContentType string
	// Name is the last path element of the URI, used for extension hints.
	Name string
}

// Fetcher retrieves the raw bytes of one URI scheme.
type Fetcher interface {
	Fetch(ctx context.Context, u *url.URL) (*Source, error)
}

// Parser converts one family of formats to text.
type Parser interface {
	// MIMETypes lists the media types handled, without parameters.
	MIMETypes() []string
	Parse(ctx context.Context, data []byte) (string, error)
}

// Document is the text extracted from a source.
type Document struct {
	Text     string
	MIMEType string
}

// Reader dispatches to a Fetcher by scheme and to a Parser by detected format.
type Reader struct {
	fetchers map[string]Fetcher
	parsers  map[string]Parser
	logger   *zap.Logger
}

// New creates a Reader with no fetchers and the given parsers.
func New(logger *zap.Logger, parsers ...Parser) *Reader {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Reader{
		fetchers: map[string]Fetcher{},
		parsers:  map[string]Parser{},
		logger:   logger,
	}
	for _, p := range parsers {
		for _, mt := range p.MIMETypes() {
			r.parsers[mt] = p
		}
	}
	return r
}

// DefaultParsers returns the parsers for text, markdown, HTML, DOCX and PDF.
func DefaultParsers(pdf CommandRunner, pdftotext string) []Parser {
	return []Parser{
		TextParser{},
		MarkdownParser{},
		HTMLParser{},
		DOCXParser{},
		NewPDFParser(pdf, pdftotext),
	}
}

// Register installs f for scheme, replacing any previous fetcher.
func (r *Reader) Register(scheme string, f Fetcher) {
	r.fetchers[strings.ToLower(scheme)] = f
}

// Read fetches uri and returns its text.
func (r *Reader) Read(ctx context.Context, uri string) (*Document, error) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme == "" {
		return nil, domain.NewDomainErrorWithCause(domain.ErrCodeInvalidInput, "invalid source uri: "+uri, err)
	}
	f, ok := r.fetchers[strings.ToLower(u.Scheme)]
	if !ok {
		return nil, domain.NewDomainError(domain.ErrCodeUnsupportedFormat, "unsupported uri scheme: "+u.Scheme)
	}

	src, err := f.Fetch(ctx, u)
	if err != nil {
		return nil, err
	}
	if src.Name == "" {
		src.Name = path.Base(u.Path)
	}

	mt, p := r.detect(src)
	if p == nil {
		return nil, domain.NewDomainError(domain.ErrCodeUnsupportedFormat,
			fmt.Sprintf("no parser for %s (%s)", src.Name, mt))
	}
	r.logger.Debug("parsing document",
		zap.String("uri", uri),
		zap.String("mime_type", mt),
		zap.Int("bytes", len(src.Body)))

	text, err := p.Parse(ctx, src.Body)
	if err != nil {
		return nil, err
	}
	return &Document{Text: text, MIMEType: mt}, nil
}

var extensionTypes = map[string]string{
	".md":       "text/markdown",
	".markdown": "text/markdown",
	".htm":      "text/html",
	".html":     "text/html",
}

// detect sniffs the body. Markdown cannot be told from plain text by content,
// so a markdown extension or declared type refines a text/plain detection.
func (r *Reader) detect(src *Source) (string, Parser) {
	declared := baseType(src.ContentType)
	byExt := extensionTypes[strings.ToLower(path.Ext(src.Name))]

	detected := mimetype.Detect(src.Body)
	if detected.Is("text/plain") {
		for _, hint := range []string{declared, byExt} {
			if hint == "text/markdown" || hint == "text/x-markdown" {
				return hint, r.parsers[hint]
			}
		}
	}

	for m := detected; m != nil; m = m.Parent() {
		mt := baseType(m.String())
		if p, ok := r.parsers[mt]; ok {
			return mt, p
		}
	}
	if p, ok := r.parsers[declared]; ok {
		return declared, p
	}
	return baseType(detected.String()), nil
}

func baseType(contentType string) string {
	mt, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(mt))
}
