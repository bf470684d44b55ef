package reader

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"

	"github.com/cloo-solutions/docrag/internal/domain"
)

// CommandRunner runs an external program with stdin and returns its stdout.
type CommandRunner interface {
	Run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = bytes.NewReader(stdin)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil && stderr.Len() > 0 {
		return nil, errors.Join(err, errors.New(strings.TrimSpace(stderr.String())))
	}
	return out, err
}

// PDFParser shells out to poppler's pdftotext.
type PDFParser struct {
	runner CommandRunner
	binary string
}

// NewPDFParser creates a parser; a nil runner uses os/exec.
func NewPDFParser(runner CommandRunner, binary string) *PDFParser {
	if runner == nil {
		runner = ExecRunner{}
	}
	if binary == "" {
		binary = "pdftotext"
	}
	return &PDFParser{runner: runner, binary: binary}
}

func (p *PDFParser) MIMETypes() []string {
	return []string{"application/pdf"}
}

func (p *PDFParser) Parse(ctx context.Context, data []byte) (string, error) {
	out, err := p.runner.Run(ctx, data, p.binary, "-enc", "UTF-8", "-q", "-", "-")
	if err != nil {
		if ctx.Err() != nil {
			return "", domain.NewDomainErrorWithCause(domain.ErrCodeTransientDependency, "pdftotext interrupted", ctx.Err())
		}
		if errors.Is(err, exec.ErrNotFound) {
			return "", domain.NewDomainErrorWithCause(domain.ErrCodeUnsupportedFormat, "pdftotext is not installed", err)
		}
		return "", domain.NewDomainErrorWithCause(domain.ErrCodeUnreadableDocument, "pdftotext failed", err)
	}
	// pages are separated by form feeds
	text := strings.ReplaceAll(string(out), "\f", "\n")
	return strings.TrimSpace(text), nil
}
