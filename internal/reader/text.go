package reader

import (
	"bytes"
	"context"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/cloo-solutions/docrag/internal/domain"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

func decodeText(data []byte) (string, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	if !utf8.Valid(data) {
		return "", domain.NewDomainError(domain.ErrCodeUnreadableDocument, "text is not valid UTF-8")
	}
	return strings.ReplaceAll(string(data), "\r\n", "\n"), nil
}

// TextParser passes UTF-8 text through.
type TextParser struct{}

func (TextParser) MIMETypes() []string {
	return []string{"text/plain", "text/csv", "application/json"}
}

func (TextParser) Parse(_ context.Context, data []byte) (string, error) {
	return decodeText(data)
}

var (
	mdFence      = regexp.MustCompile("(?m)^\\s*(```|~~~).*$")
	mdImage      = regexp.MustCompile(`!\[([^\]]*)\]\([^)]*\)`)
	mdLink       = regexp.MustCompile(`\[([^\]]+)\]\([^)]*\)`)
	mdHeading    = regexp.MustCompile(`(?m)^\s{0,3}#{1,6}\s+`)
	mdQuote      = regexp.MustCompile(`(?m)^\s{0,3}>\s?`)
	mdRule       = regexp.MustCompile(`(?m)^\s{0,3}([-*_]\s*){3,}$`)
	mdList       = regexp.MustCompile(`(?m)^(\s*)([-*+]|\d+[.)])\s+`)
	mdEmphasis   = regexp.MustCompile(`(\*\*|\*|~~)([^\s*~](?:.*?[^\s*~])?)(\*\*|\*|~~)`)
	mdUnderscore = regexp.MustCompile(`(?m)(^|\s)__?([^\s_](?:.*?[^\s_])?)__?([\s.,;:!?]|$)`)
	mdInlineCode = regexp.MustCompile("`([^`]+)`")
	mdHTMLTag    = regexp.MustCompile(`</?[a-zA-Z][^>]*>`)
	blankLines   = regexp.MustCompile(`\n{3,}`)
)

// MarkdownParser strips markup and keeps the prose, link texts and code.
type MarkdownParser struct{}

func (MarkdownParser) MIMETypes() []string {
	return []string{"text/markdown", "text/x-markdown"}
}

func (MarkdownParser) Parse(_ context.Context, data []byte) (string, error) {
	s, err := decodeText(data)
	if err != nil {
		return "", err
	}
	s = mdFence.ReplaceAllString(s, "")
	s = mdImage.ReplaceAllString(s, "$1")
	s = mdLink.ReplaceAllString(s, "$1")
	s = mdHeading.ReplaceAllString(s, "")
	s = mdQuote.ReplaceAllString(s, "")
	s = mdRule.ReplaceAllString(s, "")
	s = mdList.ReplaceAllString(s, "$1")
	s = mdInlineCode.ReplaceAllString(s, "$1")
	s = mdEmphasis.ReplaceAllString(s, "$2")
	s = mdUnderscore.ReplaceAllString(s, "$1$2$3")
	s = mdHTMLTag.ReplaceAllString(s, "")
	s = blankLines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s), nil
}
