package reader

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"io"
	"strings"

	"github.com/cloo-solutions/docrag/internal/domain"
)

const wordprocessingNS = "http://schemas.openxmlformats.org/wordprocessingml/2006/main"

// DOCXParser extracts paragraph text from word/document.xml.
type DOCXParser struct{}

func (DOCXParser) MIMETypes() []string {
	return []string{"application/vnd.openxmlformats-officedocument.wordprocessingml.document"}
}

func (DOCXParser) Parse(_ context.Context, data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", domain.NewDomainErrorWithCause(domain.ErrCodeUnreadableDocument, "docx is not a zip archive", err)
	}
	for _, f := range zr.File {
		if f.Name != "word/document.xml" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return "", domain.NewDomainErrorWithCause(domain.ErrCodeUnreadableDocument, "open document.xml", err)
		}
		defer rc.Close()
		return parseWordXML(rc)
	}
	return "", domain.NewDomainError(domain.ErrCodeUnreadableDocument, "docx has no word/document.xml")
}

// parseWordXML walks the token stream: w:t is text, w:tab and w:br are
// whitespace and each w:p ends a line.
func parseWordXML(r io.Reader) (string, error) {
	dec := xml.NewDecoder(r)
	var b strings.Builder
	inText := false

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", domain.NewDomainErrorWithCause(domain.ErrCodeUnreadableDocument, "malformed document.xml", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Space != wordprocessingNS {
				continue
			}
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				b.WriteByte('\t')
			case "br", "cr":
				b.WriteByte('\n')
			}
		case xml.EndElement:
			if t.Name.Space != wordprocessingNS {
				continue
			}
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				b.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				b.Write(t)
			}
		}
	}
	return strings.TrimSpace(b.String()), nil
}
