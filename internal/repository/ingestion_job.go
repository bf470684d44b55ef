package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cloo-solutions/docrag/internal/domain"
)

var ErrIngestionJobNotFound = domain.NewDomainError(domain.ErrCodeNotFound, "ingestion job not found")

// IngestionJobRepository is the table behind broker.Postgres. Settling calls
// are conditioned on the lease handed out by Claim; a call holding an expired
// lease matches no row and is a no-op.
type IngestionJobRepository struct {
	db dbtx
}

func NewIngestionJobRepository(pool *pgxpool.Pool) *IngestionJobRepository {
	return &IngestionJobRepository{db: pool}
}

func NewIngestionJobRepositoryWithTx(tx pgx.Tx) *IngestionJobRepository {
	return &IngestionJobRepository{db: tx}
}

// IngestionJobRecord is a job together with its queue bookkeeping.
type IngestionJobRecord struct {
	domain.IngestionJob
	Status      domain.IngestionJobStatus
	VisibleAt   time.Time
	LastError   string
	ProcessedAt *time.Time
}

func (r *IngestionJobRepository) Enqueue(ctx context.Context, job *domain.IngestionJob) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO ingestion_jobs (id, document_id, source_uri, content_hash, status, attempt_count, enqueued_at, visible_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7, $7)`,
		job.ID, job.DocumentID, job.SourceURI, nullableString(job.ContentHash),
		domain.IngestionJobStatusPending, job.AttemptCount, job.EnqueuedAt,
	)
	return err
}

func (r *IngestionJobRepository) GetByID(ctx context.Context, id string) (*IngestionJobRecord, error) {
	var rec IngestionJobRecord
	var hash, lastError *string
	err := r.db.QueryRow(ctx,
		`SELECT id, document_id, source_uri, content_hash, status, attempt_count, enqueued_at, visible_at, last_error, processed_at
		 FROM ingestion_jobs WHERE id = $1`,
		id,
	).Scan(&rec.ID, &rec.DocumentID, &rec.SourceURI, &hash, &rec.Status, &rec.AttemptCount,
		&rec.EnqueuedAt, &rec.VisibleAt, &lastError, &rec.ProcessedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrIngestionJobNotFound
		}
		return nil, err
	}
	rec.ContentHash = stringOrEmpty(hash)
	rec.LastError = stringOrEmpty(lastError)
	return &rec, nil
}

// Claim leases the oldest visible job. Jobs still processing whose
// visibility timeout has passed are visible again.
func (r *IngestionJobRepository) Claim(ctx context.Context, visibility time.Duration, lease string) (*domain.IngestionJob, error) {
	var job domain.IngestionJob
	var hash *string
	err := r.db.QueryRow(ctx,
		`WITH cte AS (
			 SELECT id
			 FROM ingestion_jobs
			 WHERE status IN ($1, $2) AND visible_at <= now()
			 ORDER BY visible_at ASC, enqueued_at ASC
			 FOR UPDATE SKIP LOCKED
			 LIMIT 1
		 )
		 UPDATE ingestion_jobs
		 SET status = $2,
		     attempt_count = ingestion_jobs.attempt_count + 1,
		     visible_at = now() + make_interval(secs => $3),
		     lease = $4,
		     updated_at = now()
		 FROM cte
		 WHERE ingestion_jobs.id = cte.id
		 RETURNING ingestion_jobs.id, ingestion_jobs.document_id, ingestion_jobs.source_uri,
		           ingestion_jobs.content_hash, ingestion_jobs.attempt_count, ingestion_jobs.enqueued_at`,
		domain.IngestionJobStatusPending, domain.IngestionJobStatusProcessing, visibility.Seconds(), lease,
	).Scan(&job.ID, &job.DocumentID, &job.SourceURI, &hash, &job.AttemptCount, &job.EnqueuedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	job.ContentHash = stringOrEmpty(hash)
	return &job, nil
}

func (r *IngestionJobRepository) Complete(ctx context.Context, id, lease string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE ingestion_jobs
		 SET status = $1, lease = NULL, last_error = NULL, processed_at = now(), updated_at = now()
		 WHERE id = $2 AND lease = $3 AND status = $4`,
		domain.IngestionJobStatusDone, id, lease, domain.IngestionJobStatusProcessing,
	)
	return err
}

// Release makes the job visible again after delay.
func (r *IngestionJobRepository) Release(ctx context.Context, id, lease string, delay time.Duration, reason string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE ingestion_jobs
		 SET status = $1, lease = NULL, last_error = $2, visible_at = now() + make_interval(secs => $3), updated_at = now()
		 WHERE id = $4 AND lease = $5 AND status = $6`,
		domain.IngestionJobStatusPending, nullableString(reason), delay.Seconds(), id, lease, domain.IngestionJobStatusProcessing,
	)
	return err
}

// Bury moves the job to the dead letter state.
func (r *IngestionJobRepository) Bury(ctx context.Context, id, lease, reason string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE ingestion_jobs
		 SET status = $1, lease = NULL, last_error = $2, processed_at = now(), updated_at = now()
		 WHERE id = $3 AND lease = $4 AND status = $5`,
		domain.IngestionJobStatusDead, nullableString(reason), id, lease, domain.IngestionJobStatusProcessing,
	)
	return err
}

// Redrive makes dead jobs pending again with a fresh attempt count.
func (r *IngestionJobRepository) Redrive(ctx context.Context) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE ingestion_jobs
		 SET status = $1, attempt_count = 0, visible_at = now(), processed_at = NULL, updated_at = now()
		 WHERE status = $2`,
		domain.IngestionJobStatusPending, domain.IngestionJobStatusDead,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *IngestionJobRepository) CountByStatus(ctx context.Context) (map[domain.IngestionJobStatus]int, error) {
	rows, err := r.db.Query(ctx, `SELECT status, count(*) FROM ingestion_jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[domain.IngestionJobStatus]int{}
	for rows.Next() {
		var status domain.IngestionJobStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
