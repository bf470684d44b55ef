package querycache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
)

// Params are the retrieval parameters that change a result.
type Params struct {
	K           int
	DocumentIDs []string
	Metadata    map[string]string
}

// NormalizeQuery lowercases text and collapses whitespace.
func NormalizeQuery(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// Fingerprint hashes the normalized query and parameters. Filter order does
// not matter.
func Fingerprint(query string, p Params) string {
	var b strings.Builder
	b.WriteString("q=")
	b.WriteString(NormalizeQuery(query))
	b.WriteString("\x00k=")
	b.WriteString(strconv.Itoa(p.K))

	if len(p.DocumentIDs) > 0 {
		docs := append([]string(nil), p.DocumentIDs...)
		sort.Strings(docs)
		b.WriteString("\x00docs=")
		b.WriteString(strings.Join(docs, "\x01"))
	}
	if len(p.Metadata) > 0 {
		keys := make([]string, 0, len(p.Metadata))
		for k := range p.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\x00meta=")
		for _, k := range keys {
			b.WriteString(k)
			b.WriteByte('\x02')
			b.WriteString(p.Metadata[k])
			b.WriteByte('\x01')
		}
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
