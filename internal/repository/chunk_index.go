package repository

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/cloo-solutions/docrag/internal/domain"
	"github.com/cloo-solutions/docrag/internal/index"
)

// ChunkIndex is a pgvector backed index.VectorIndex.
//
// Chunks of every generation live in the chunks table; index_documents holds
// the active generation pointer and per-document version, index_state the
// global version. Each mutation runs in one transaction holding a
// transaction-level advisory lock on the document, so searches observe
// either the old or the new generation.
type ChunkIndex struct {
	pool       *pgxpool.Pool
	tx         *TxRunner
	dimensions int
	maxEntries int
}

var _ index.VectorIndex = (*ChunkIndex)(nil)

func NewChunkIndex(pool *pgxpool.Pool, dimensions, maxEntries int) *ChunkIndex {
	return &ChunkIndex{pool: pool, tx: NewTxRunner(pool), dimensions: dimensions, maxEntries: maxEntries}
}

type generationKey struct {
	documentID string
	generation string
}

func lockDocument(ctx context.Context, tx pgx.Tx, documentID string) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, documentID)
	return err
}

// bumpCTE advances the global version. Every mutation runs it as part of its
// final statement: the index_state row lock then covers only the commit, and
// versions stay in commit order, which a sequence would not guarantee.
const bumpCTE = `WITH v AS (UPDATE index_state SET version = version + 1 WHERE id = 1 RETURNING version) `

func bumpVersion(ctx context.Context, tx pgx.Tx) error {
	_, err := tx.Exec(ctx, bumpCTE+`SELECT version FROM v`)
	return err
}

func (c *ChunkIndex) Upsert(ctx context.Context, entries []index.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	docs := make([]string, 0, 1)
	for i := range entries {
		e := &entries[i]
		if e.ChunkID == "" || e.DocumentID == "" || e.Generation == "" {
			return domain.NewDomainError(domain.ErrCodeValidation, "entry requires chunk id, document id and generation")
		}
		if _, err := uuid.Parse(e.ChunkID); err != nil {
			return domain.NewDomainErrorWithCause(domain.ErrCodeValidation, "chunk id is not a uuid", err)
		}
		if c.dimensions > 0 && len(e.Vector) != c.dimensions {
			return index.ErrDimensionMismatch(c.dimensions, len(e.Vector))
		}
		docs = append(docs, e.DocumentID)
	}
	// fixed lock order across concurrent batches
	slices.Sort(docs)
	docs = slices.Compact(docs)

	return c.tx.WithTx(ctx, func(repos *TxRepositories) error {
		tx := repos.Tx()
		for _, id := range docs {
			if err := lockDocument(ctx, tx, id); err != nil {
				return err
			}
		}

		if c.maxEntries > 0 {
			var total int
			if err := tx.QueryRow(ctx, `SELECT count(*) FROM chunks`).Scan(&total); err != nil {
				return err
			}
			if total+len(entries) > c.maxEntries {
				// only entries that are new count against the limit
				ids := make([]string, len(entries))
				for i := range entries {
					ids[i] = entries[i].ChunkID
				}
				var existing int
				if err := tx.QueryRow(ctx, `SELECT count(*) FROM chunks WHERE id = ANY($1::uuid[])`, ids).Scan(&existing); err != nil {
					return err
				}
				if total+len(entries)-existing > c.maxEntries {
					return domain.ErrIndexFull
				}
			}
		}

		touched := map[generationKey]bool{}
		changed := false
		for _, e := range entries {
			metadata := e.Metadata
			if metadata == nil {
				metadata = map[string]string{}
			}
			tag, err := tx.Exec(ctx,
				`INSERT INTO chunks (id, document_id, generation, sequence_index, text, token_count, embedding, metadata)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				 ON CONFLICT (id) DO UPDATE SET
				     document_id = EXCLUDED.document_id,
				     generation = EXCLUDED.generation,
				     sequence_index = EXCLUDED.sequence_index,
				     text = EXCLUDED.text,
				     token_count = EXCLUDED.token_count,
				     embedding = EXCLUDED.embedding,
				     metadata = EXCLUDED.metadata
				 WHERE (chunks.document_id, chunks.generation, chunks.sequence_index, chunks.text,
				        chunks.token_count, chunks.embedding, chunks.metadata)
				       IS DISTINCT FROM
				       (EXCLUDED.document_id, EXCLUDED.generation, EXCLUDED.sequence_index, EXCLUDED.text,
				        EXCLUDED.token_count, EXCLUDED.embedding, EXCLUDED.metadata)`,
				e.ChunkID, e.DocumentID, e.Generation, e.SequenceIndex, e.Text, e.TokenCount,
				pgvector.NewVector(e.Vector), metadata,
			)
			if err != nil {
				return fmt.Errorf("upsert chunk %s: %w", e.ChunkID, err)
			}
			if tag.RowsAffected() > 0 {
				changed = true
				touched[generationKey{e.DocumentID, e.Generation}] = true
			}
		}
		if !changed {
			return nil
		}

		docIDs := make([]string, 0, len(touched))
		gens := make([]string, 0, len(touched))
		for key := range touched {
			docIDs = append(docIDs, key.documentID)
			gens = append(gens, key.generation)
		}
		_, err := tx.Exec(ctx, bumpCTE+
			`UPDATE index_documents d SET version = v.version
			 FROM v, unnest($1::text[], $2::text[]) AS t(document_id, generation)
			 WHERE d.document_id = t.document_id AND d.active_generation = t.generation`,
			docIDs, gens,
		)
		return err
	})
}

func (c *ChunkIndex) Promote(ctx context.Context, documentID, generation string) error {
	return c.tx.WithTx(ctx, func(repos *TxRepositories) error {
		tx := repos.Tx()
		if err := lockDocument(ctx, tx, documentID); err != nil {
			return err
		}

		var n int
		if err := tx.QueryRow(ctx,
			`SELECT count(*) FROM chunks WHERE document_id = $1 AND generation = $2`,
			documentID, generation,
		).Scan(&n); err != nil {
			return err
		}
		if n == 0 {
			return domain.NewDomainError(domain.ErrCodeConsistencyViolation,
				"cannot promote generation without entries for document "+documentID)
		}

		tag, err := tx.Exec(ctx,
			`DELETE FROM chunks WHERE document_id = $1 AND generation <> $2`,
			documentID, generation,
		)
		if err != nil {
			return err
		}

		var active *string
		err = tx.QueryRow(ctx,
			`SELECT active_generation FROM index_documents WHERE document_id = $1`, documentID,
		).Scan(&active)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		if active != nil && *active == generation && tag.RowsAffected() == 0 {
			return nil
		}

		_, err = tx.Exec(ctx, bumpCTE+
			`INSERT INTO index_documents (document_id, active_generation, version)
			 SELECT $1, $2, v.version FROM v
			 ON CONFLICT (document_id) DO UPDATE SET active_generation = EXCLUDED.active_generation, version = EXCLUDED.version`,
			documentID, generation,
		)
		return err
	})
}

func (c *ChunkIndex) DiscardGeneration(ctx context.Context, documentID, generation string) error {
	return c.tx.WithTx(ctx, func(repos *TxRepositories) error {
		tx := repos.Tx()
		if err := lockDocument(ctx, tx, documentID); err != nil {
			return err
		}

		var active *string
		err := tx.QueryRow(ctx,
			`SELECT active_generation FROM index_documents WHERE document_id = $1`, documentID,
		).Scan(&active)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		if active != nil && *active == generation {
			return domain.NewDomainError(domain.ErrCodeConsistencyViolation, "cannot discard the active generation")
		}

		tag, err := tx.Exec(ctx,
			`DELETE FROM chunks WHERE document_id = $1 AND generation = $2`, documentID, generation)
		if err != nil {
			return err
		}
		if tag.RowsAffected() > 0 {
			err = bumpVersion(ctx, tx)
		}
		return err
	})
}

func (c *ChunkIndex) DeleteByDocument(ctx context.Context, documentID string) error {
	return c.tx.WithTx(ctx, func(repos *TxRepositories) error {
		tx := repos.Tx()
		if err := lockDocument(ctx, tx, documentID); err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID)
		if err != nil {
			return err
		}
		var hadActive bool
		err = tx.QueryRow(ctx,
			`SELECT active_generation IS NOT NULL FROM index_documents WHERE document_id = $1`, documentID,
		).Scan(&hadActive)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		if tag.RowsAffected() == 0 && !hadActive {
			return nil
		}

		_, err = tx.Exec(ctx, bumpCTE+
			`INSERT INTO index_documents (document_id, active_generation, version)
			 SELECT $1, NULL, v.version FROM v
			 ON CONFLICT (document_id) DO UPDATE SET active_generation = NULL, version = EXCLUDED.version`,
			documentID,
		)
		return err
	})
}

func (c *ChunkIndex) Search(ctx context.Context, query []float32, k int, filter index.Filter) ([]index.Match, error) {
	if k <= 0 {
		return []index.Match{}, nil
	}
	if c.dimensions > 0 && len(query) != c.dimensions {
		return nil, index.ErrDimensionMismatch(c.dimensions, len(query))
	}

	var documentIDs []string
	if len(filter.DocumentIDs) > 0 {
		documentIDs = filter.DocumentIDs
	}
	metadata := filter.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}

	rows, err := c.pool.Query(ctx,
		`SELECT c.id::text, c.document_id, c.generation, c.sequence_index, c.text, c.token_count, c.embedding, c.metadata,
		        1 - (c.embedding <=> $1) AS score
		 FROM chunks c
		 JOIN index_documents d ON d.document_id = c.document_id AND d.active_generation = c.generation
		 WHERE ($2::text[] IS NULL OR c.document_id = ANY($2::text[]))
		   AND c.metadata @> $3::jsonb
		 ORDER BY c.embedding <=> $1, c.id
		 LIMIT $4`,
		pgvector.NewVector(query), documentIDs, metadata, k,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	matches := make([]index.Match, 0, k)
	for rows.Next() {
		var m index.Match
		var vec pgvector.Vector
		var score float64
		if err := rows.Scan(&m.ChunkID, &m.DocumentID, &m.Generation, &m.SequenceIndex, &m.Text,
			&m.TokenCount, &vec, &m.Metadata, &score); err != nil {
			return nil, err
		}
		m.Vector = vec.Slice()
		m.Score = float32(score)
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	index.SortMatches(matches)
	return matches, nil
}

func (c *ChunkIndex) Entries(ctx context.Context, chunkIDs []string) ([]index.Entry, error) {
	ids := make([]string, 0, len(chunkIDs))
	for _, id := range chunkIDs {
		if _, err := uuid.Parse(id); err == nil {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return []index.Entry{}, nil
	}

	rows, err := c.pool.Query(ctx,
		`SELECT c.id::text, c.document_id, c.generation, c.sequence_index, c.text, c.token_count, c.embedding, c.metadata
		 FROM chunks c
		 JOIN index_documents d ON d.document_id = c.document_id AND d.active_generation = c.generation
		 WHERE c.id = ANY($1::uuid[])`,
		ids,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[string]index.Entry, len(ids))
	for rows.Next() {
		var e index.Entry
		var vec pgvector.Vector
		if err := rows.Scan(&e.ChunkID, &e.DocumentID, &e.Generation, &e.SequenceIndex, &e.Text,
			&e.TokenCount, &vec, &e.Metadata); err != nil {
			return nil, err
		}
		e.Vector = vec.Slice()
		byID[e.ChunkID] = e
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]index.Entry, 0, len(byID))
	for _, id := range chunkIDs {
		if e, ok := byID[id]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (c *ChunkIndex) ActiveGeneration(ctx context.Context, documentID string) (string, bool, error) {
	var active *string
	err := c.pool.QueryRow(ctx,
		`SELECT active_generation FROM index_documents WHERE document_id = $1`, documentID,
	).Scan(&active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	if active == nil {
		return "", false, nil
	}
	return *active, true, nil
}

func (c *ChunkIndex) Version(ctx context.Context) (uint64, error) {
	var v int64
	if err := c.pool.QueryRow(ctx, `SELECT version FROM index_state WHERE id = 1`).Scan(&v); err != nil {
		return 0, err
	}
	return uint64(v), nil
}

func (c *ChunkIndex) DocumentVersions(ctx context.Context, documentIDs []string) (map[string]uint64, error) {
	out := make(map[string]uint64, len(documentIDs))
	for _, id := range documentIDs {
		out[id] = 0
	}
	if len(documentIDs) == 0 {
		return out, nil
	}

	rows, err := c.pool.Query(ctx,
		`SELECT document_id, version FROM index_documents WHERE document_id = ANY($1::text[])`, documentIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var v int64
		if err := rows.Scan(&id, &v); err != nil {
			return nil, err
		}
		out[id] = uint64(v)
	}
	return out, rows.Err()
}

// Len counts stored chunks across all generations.
func (c *ChunkIndex) Len(ctx context.Context) (int, error) {
	var n int
	err := c.pool.QueryRow(ctx, `SELECT count(*) FROM chunks`).Scan(&n)
	return n, err
}
