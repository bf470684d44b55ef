package retrieval

import (
	"sort"
	"strings"

	"github.com/cloo-solutions/docrag/internal/index"
)

// Block is one context block: a run of contiguous chunks of a document.
type Block struct {
	DocumentID    string            `json:"document_id"`
	ChunkIDs      []string          `json:"chunk_ids"`
	SequenceStart int               `json:"sequence_start"`
	SequenceEnd   int               `json:"sequence_end"`
	Text          string            `json:"text"`
	TokenCount    int               `json:"token_count"`
	Score         float32           `json:"score"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// TextJoiner concatenates the texts of contiguous chunks.
// chunking.WordTokenizer and chunking.RuneTokenizer satisfy it.
type TextJoiner interface {
	Join(parts []string) string
}

type spaceJoiner struct{}

func (spaceJoiner) Join(parts []string) string { return strings.Join(parts, " ") }

// MergeContiguous is MergeContiguousWith joining chunk texts with a space.
func MergeContiguous(matches []index.Match, maxChunks int) []Block {
	return MergeContiguousWith(matches, maxChunks, nil)
}

// MergeContiguousWith groups matches into blocks. Matches of the same document
// and generation whose sequence indexes are consecutive become one block of
// at most maxChunks chunks (0 means unbounded). A block scores as its best
// member. Block text is the member texts combined by join, so a rune
// tokenized document is not given spaces it never had. A nil join uses a
// single space. Blocks are returned best first, ties broken by first chunk id.
func MergeContiguousWith(matches []index.Match, maxChunks int, join TextJoiner) []Block {
	if join == nil {
		join = spaceJoiner{}
	}
	type groupKey struct{ doc, gen string }
	groups := make(map[groupKey][]index.Match)
	var order []groupKey
	seen := make(map[string]bool, len(matches))
	for _, m := range matches {
		if seen[m.ChunkID] {
			continue
		}
		seen[m.ChunkID] = true
		k := groupKey{m.DocumentID, m.Generation}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], m)
	}

	var blocks []Block
	for _, k := range order {
		ms := groups[k]
		sort.Slice(ms, func(i, j int) bool { return ms[i].SequenceIndex < ms[j].SequenceIndex })

		var cur *Block
		var texts []string
		flush := func() {
			if cur != nil {
				cur.Text = join.Join(texts)
				blocks = append(blocks, *cur)
			}
			cur, texts = nil, nil
		}
		for _, m := range ms {
			contiguous := cur != nil && m.SequenceIndex == cur.SequenceEnd+1 &&
				(maxChunks <= 0 || len(cur.ChunkIDs) < maxChunks)
			if !contiguous {
				flush()
				cur = &Block{
					DocumentID:    m.DocumentID,
					SequenceStart: m.SequenceIndex,
					Score:         m.Score,
					Metadata:      m.Metadata,
				}
			}
			cur.ChunkIDs = append(cur.ChunkIDs, m.ChunkID)
			cur.SequenceEnd = m.SequenceIndex
			cur.TokenCount += m.TokenCount
			if m.Score > cur.Score {
				cur.Score = m.Score
			}
			texts = append(texts, m.Text)
		}
		flush()
	}

	SortBlocks(blocks)
	return blocks
}

// SortBlocks orders blocks by score descending, then first chunk id.
func SortBlocks(blocks []Block) {
	sort.SliceStable(blocks, func(i, j int) bool {
		if blocks[i].Score != blocks[j].Score {
			return blocks[i].Score > blocks[j].Score
		}
		return blocks[i].ChunkIDs[0] < blocks[j].ChunkIDs[0]
	})
}

// DedupeText drops blocks whose normalized text repeats a better ranked
// block, e.g. the same passage ingested under two documents.
func DedupeText(blocks []Block) []Block {
	seen := make(map[string]bool, len(blocks))
	out := blocks[:0]
	for _, b := range blocks {
		key := strings.ToLower(strings.Join(strings.Fields(b.Text), " "))
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, b)
	}
	return out
}
