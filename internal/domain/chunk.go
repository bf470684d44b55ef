package domain

import (
	"strconv"

	"github.com/google/uuid"
)

// chunkNamespace scopes deterministic chunk ids.
var chunkNamespace = uuid.MustParse("6f1c2a0e-4b7d-5e39-9a51-0c3d8e2f7b64")

// Chunk is a bounded text segment of one document generation.
type Chunk struct {
	ID            string
	DocumentID    string
	Generation    string
	SequenceIndex int
	Text          string
	Overlap       string // trailing context of the previous chunk, embedded but not returned
	Vector        []float32
	TokenCount    int
	Metadata      map[string]string
}

// ChunkID derives the id of a chunk from its position so that redelivered
// jobs upsert the same entries instead of adding new ones.
func ChunkID(documentID, generation string, sequenceIndex int) string {
	name := documentID + "\x00" + generation + "\x00" + strconv.Itoa(sequenceIndex)
	return uuid.NewSHA1(chunkNamespace, []byte(name)).String()
}
