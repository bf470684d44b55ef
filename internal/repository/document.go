package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cloo-solutions/docrag/internal/domain"
	"github.com/cloo-solutions/docrag/internal/pagination"
)

const documentColumns = `id, source_uri, content_hash, status, version, metadata, failure_code, failure_reason,
	attempt_count, created_at, updated_at, deleted_at`

type DocumentRepository struct {
	db dbtx
}

func NewDocumentRepository(pool *pgxpool.Pool) *DocumentRepository {
	return &DocumentRepository{db: pool}
}

func NewDocumentRepositoryWithTx(tx pgx.Tx) *DocumentRepository {
	return &DocumentRepository{db: tx}
}

// Save inserts the document or replaces the stored row with the same id.
func (r *DocumentRepository) Save(ctx context.Context, d *domain.Document) error {
	if err := domain.ValidateDocument(d); err != nil {
		return domain.NewDomainErrorWithCause(domain.ErrCodeValidation, "invalid document", err)
	}
	metadata := d.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO documents (`+documentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (id) DO UPDATE SET
		     source_uri = EXCLUDED.source_uri,
		     content_hash = EXCLUDED.content_hash,
		     status = EXCLUDED.status,
		     version = EXCLUDED.version,
		     metadata = EXCLUDED.metadata,
		     failure_code = EXCLUDED.failure_code,
		     failure_reason = EXCLUDED.failure_reason,
		     attempt_count = EXCLUDED.attempt_count,
		     updated_at = EXCLUDED.updated_at,
		     deleted_at = EXCLUDED.deleted_at`,
		d.ID, d.SourceURI, nullableString(d.ContentHash), d.Status, d.Version, metadata,
		nullableString(d.FailureCode), nullableString(d.FailureReason), d.AttemptCount,
		d.CreatedAt, d.UpdatedAt, d.DeletedAt,
	)
	return err
}

// GetByID returns the document, tombstoned or not.
func (r *DocumentRepository) GetByID(ctx context.Context, id string) (*domain.Document, error) {
	d, err := scanDocument(r.db.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrDocumentNotFound
		}
		return nil, err
	}
	return d, nil
}

// MarkDeleted tombstones the document.
func (r *DocumentRepository) MarkDeleted(ctx context.Context, id string, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE documents SET deleted_at = $1, updated_at = $1 WHERE id = $2 AND deleted_at IS NULL`,
		at, id,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrDocumentNotFound
	}
	return nil
}

// List returns live documents, most recently updated first.
func (r *DocumentRepository) List(ctx context.Context, status domain.DocumentStatus, after *pagination.Cursor, limit int) ([]*domain.Document, error) {
	if limit <= 0 {
		limit = 50
	}
	var afterAt *time.Time
	var afterID string
	if after != nil {
		afterAt = &after.Timestamp
		afterID = after.LastID
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+documentColumns+`
		 FROM documents
		 WHERE deleted_at IS NULL AND ($1 = '' OR status = $1)
		   AND ($3::timestamptz IS NULL OR (updated_at, id) < ($3, $4))
		 ORDER BY updated_at DESC, id DESC
		 LIMIT $2`,
		string(status), limit, afterAt, afterID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	docs := make([]*domain.Document, 0)
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func scanDocument(row pgx.Row) (*domain.Document, error) {
	var d domain.Document
	var hash, failureCode, failureReason *string
	err := row.Scan(&d.ID, &d.SourceURI, &hash, &d.Status, &d.Version, &d.Metadata,
		&failureCode, &failureReason, &d.AttemptCount, &d.CreatedAt, &d.UpdatedAt, &d.DeletedAt)
	if err != nil {
		return nil, err
	}
	d.ContentHash = stringOrEmpty(hash)
	d.FailureCode = stringOrEmpty(failureCode)
	d.FailureReason = stringOrEmpty(failureReason)
	if d.Metadata == nil {
		d.Metadata = map[string]string{}
	}
	return &d, nil
}
