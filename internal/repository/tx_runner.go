package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cloo-solutions/docrag/internal/domain"
)

// TxRunner runs a function inside a pgx transaction.
type TxRunner struct {
	pool *pgxpool.Pool
}

func NewTxRunner(pool *pgxpool.Pool) *TxRunner {
	return &TxRunner{pool: pool}
}

// WithTx commits when fn returns nil and rolls back otherwise, including when
// fn panics. Failing to begin or commit is reported as a transient dependency
// error so callers retry the whole unit.
func (r *TxRunner) WithTx(ctx context.Context, fn func(repos *TxRepositories) error) (err error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.NewDomainErrorWithCause(domain.ErrCodeTransientDependency, "begin transaction", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()

	if err := fn(&TxRepositories{tx: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.NewDomainErrorWithCause(domain.ErrCodeTransientDependency, "commit transaction", err)
	}
	return nil
}

// TxRepositories hands out repositories bound to one transaction.
type TxRepositories struct {
	tx pgx.Tx
}

func (r *TxRepositories) Tx() pgx.Tx {
	return r.tx
}

func (r *TxRepositories) Documents() *DocumentRepository {
	return &DocumentRepository{db: r.tx}
}

func (r *TxRepositories) IngestionJobs() *IngestionJobRepository {
	return &IngestionJobRepository{db: r.tx}
}
