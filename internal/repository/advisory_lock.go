package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// documentLockSpace is the first key of the two-key session locks. Two-key
// advisory locks never conflict with the single-key transaction locks
// ChunkIndex takes, so a holder can still write the document's index rows
// from other pooled connections.
const documentLockSpace int32 = 0x646f63 // "doc"

// AdvisoryLocker serializes work on a document across processes with a
// session-level advisory lock held on a dedicated connection.
type AdvisoryLocker struct {
	pool *pgxpool.Pool
}

func NewAdvisoryLocker(pool *pgxpool.Pool) *AdvisoryLocker {
	return &AdvisoryLocker{pool: pool}
}

// Lock blocks until the lock on documentID is held or ctx ends. The returned
// function releases it.
func (l *AdvisoryLocker) Lock(ctx context.Context, documentID string) (func(), error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1::int4, hashtext($2))`, documentLockSpace, documentID); err != nil {
		conn.Release()
		return nil, fmt.Errorf("advisory lock %s: %w", documentID, err)
	}
	return func() {
		// ctx may already be done; the unlock must still reach the server
		if _, err := conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1::int4, hashtext($2))`, documentLockSpace, documentID); err != nil {
			// a conn whose unlock failed may still hold the lock
			_ = conn.Conn().Close(context.Background())
		}
		conn.Release()
	}, nil
}
