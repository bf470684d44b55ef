package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cloo-solutions/docrag/internal/domain"
)

// JobStore persists jobs for the Postgres broker.
type JobStore interface {
	Enqueue(ctx context.Context, job *domain.IngestionJob) error
	// Claim leases the oldest visible job, or returns nil when none is visible.
	Claim(ctx context.Context, visibility time.Duration, lease string) (*domain.IngestionJob, error)
	Complete(ctx context.Context, id, lease string) error
	Release(ctx context.Context, id, lease string, delay time.Duration, reason string) error
	Bury(ctx context.Context, id, lease, reason string) error
}

// Postgres is a broker backed by a jobs table. Claims use
// FOR UPDATE SKIP LOCKED so workers in several processes never share a job,
// and a lease token so a late ack from a timed out worker is ignored.
type Postgres struct {
	store  JobStore
	cfg    Config
	logger *zap.Logger
}

var _ Broker = (*Postgres)(nil)

// NewPostgres creates a broker over store.
func NewPostgres(store JobStore, cfg Config, logger *zap.Logger) *Postgres {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Postgres{store: store, cfg: cfg.withDefaults(), logger: logger}
}

// Publish inserts a pending job.
func (p *Postgres) Publish(ctx context.Context, msg Message) error {
	if err := validate(msg); err != nil {
		return err
	}
	job := &domain.IngestionJob{
		ID:          uuid.NewString(),
		DocumentID:  msg.DocumentID,
		SourceURI:   msg.SourceURI,
		ContentHash: msg.ContentHash,
		EnqueuedAt:  time.Now().UTC(),
	}
	if err := p.store.Enqueue(ctx, job); err != nil {
		return domain.NewDomainErrorWithCause(domain.ErrCodeTransientDependency, "enqueue ingestion job", err)
	}
	return nil
}

// Receive polls for a visible job.
func (p *Postgres) Receive(ctx context.Context) (*Delivery, error) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		lease := uuid.NewString()
		job, err := p.store.Claim(ctx, p.cfg.VisibilityTimeout, lease)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			p.logger.Warn("claim ingestion job failed", zap.Error(err))
		} else if job != nil {
			return &Delivery{
				Acknowledger: &postgresAck{store: p.store, id: job.ID, lease: lease},
				Job:          *job,
				MaxAttempts:  p.cfg.MaxAttempts,
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

type postgresAck struct {
	store JobStore
	id    string
	lease string
}

func (a *postgresAck) Ack(ctx context.Context) error {
	if err := a.store.Complete(ctx, a.id, a.lease); err != nil {
		return fmt.Errorf("ack job %s: %w", a.id, err)
	}
	return nil
}

func (a *postgresAck) Nack(ctx context.Context, delay time.Duration, reason string) error {
	if err := a.store.Release(ctx, a.id, a.lease, delay, reason); err != nil {
		return fmt.Errorf("nack job %s: %w", a.id, err)
	}
	return nil
}

func (a *postgresAck) DeadLetter(ctx context.Context, reason string) error {
	if err := a.store.Bury(ctx, a.id, a.lease, reason); err != nil {
		return fmt.Errorf("dead-letter job %s: %w", a.id, err)
	}
	return nil
}
