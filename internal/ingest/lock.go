package ingest

import (
	"context"
	"sync"
)

// Locker serializes work on one document.
type Locker interface {
	// Lock blocks until the document is held or ctx ends; the returned
	// function releases it.
	Lock(ctx context.Context, documentID string) (func(), error)
}

type lockRecord struct {
	ch   chan struct{}
	refs int
}

// LockArena is an in-process Locker. Records are created on first use and
// dropped once no caller holds or waits for them.
type LockArena struct {
	mu      sync.Mutex
	records map[string]*lockRecord
}

var _ Locker = (*LockArena)(nil)

func NewLockArena() *LockArena {
	return &LockArena{records: map[string]*lockRecord{}}
}

func (a *LockArena) Lock(ctx context.Context, documentID string) (func(), error) {
	a.mu.Lock()
	rec, ok := a.records[documentID]
	if !ok {
		rec = &lockRecord{ch: make(chan struct{}, 1)}
		a.records[documentID] = rec
	}
	rec.refs++
	a.mu.Unlock()

	select {
	case rec.ch <- struct{}{}:
	case <-ctx.Done():
		a.release(documentID, rec)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-rec.ch
			a.release(documentID, rec)
		})
	}, nil
}

func (a *LockArena) release(documentID string, rec *lockRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec.refs--
	if rec.refs == 0 {
		delete(a.records, documentID)
	}
}

// Len returns the number of live lock records.
func (a *LockArena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.records)
}
