package broker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cloo-solutions/docrag/internal/domain"
)

type memoryItem struct {
	job       domain.IngestionJob
	visibleAt time.Time
	lease     int64
	status    domain.IngestionJobStatus
	reason    string
}

// Memory is an in-process broker.
type Memory struct {
	mu     sync.Mutex
	cfg    Config
	items  []*memoryItem
	notify chan struct{}
	closed bool
	lease  int64
	now    func() time.Time
}

var _ Broker = (*Memory)(nil)

// NewMemory creates an empty in-process broker.
func NewMemory(cfg Config) *Memory {
	return &Memory{
		cfg:    cfg.withDefaults(),
		notify: make(chan struct{}, 1),
		now:    time.Now,
	}
}

func (m *Memory) wake() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Publish enqueues msg.
func (m *Memory) Publish(ctx context.Context, msg Message) error {
	if err := validate(msg); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	now := m.now()
	m.items = append(m.items, &memoryItem{
		job: domain.IngestionJob{
			ID:          uuid.NewString(),
			DocumentID:  msg.DocumentID,
			SourceURI:   msg.SourceURI,
			ContentHash: msg.ContentHash,
			EnqueuedAt:  now,
		},
		visibleAt: now,
		status:    domain.IngestionJobStatusPending,
	})
	m.wake()
	return nil
}

// Receive returns the oldest visible job and hides it for the visibility timeout.
func (m *Memory) Receive(ctx context.Context) (*Delivery, error) {
	for {
		d, wait, err := m.claim()
		if err != nil || d != nil {
			return d, err
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-m.notify:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (m *Memory) claim() (*Delivery, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, 0, ErrClosed
	}

	now := m.now()
	wait := m.cfg.PollInterval
	for _, it := range m.items {
		if it.status != domain.IngestionJobStatusPending && it.status != domain.IngestionJobStatusProcessing {
			continue
		}
		if it.visibleAt.After(now) {
			if d := it.visibleAt.Sub(now); d < wait {
				wait = d
			}
			continue
		}
		m.lease++
		it.lease = m.lease
		it.status = domain.IngestionJobStatusProcessing
		it.visibleAt = now.Add(m.cfg.VisibilityTimeout)
		it.job.AttemptCount++
		return &Delivery{
			Acknowledger: &memoryAck{broker: m, item: it, lease: it.lease},
			Job:          it.job,
			MaxAttempts:  m.cfg.MaxAttempts,
		}, 0, nil
	}
	return nil, wait, nil
}

// Close stops the broker; pending Receive calls return ErrClosed.
func (m *Memory) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.wake()
}

// Pending counts jobs not yet acknowledged or dead-lettered.
func (m *Memory) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, it := range m.items {
		if it.status == domain.IngestionJobStatusPending || it.status == domain.IngestionJobStatusProcessing {
			n++
		}
	}
	return n
}

// Dead returns the dead-lettered jobs with their reasons.
func (m *Memory) Dead() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]string{}
	for _, it := range m.items {
		if it.status == domain.IngestionJobStatusDead {
			out[it.job.ID] = it.reason
		}
	}
	return out
}

type memoryAck struct {
	broker *Memory
	item   *memoryItem
	lease  int64
}

func (a *memoryAck) settle(fn func(it *memoryItem)) {
	a.broker.mu.Lock()
	defer a.broker.mu.Unlock()
	if a.item.lease != a.lease || a.item.status != domain.IngestionJobStatusProcessing {
		return
	}
	fn(a.item)
}

func (a *memoryAck) Ack(ctx context.Context) error {
	a.settle(func(it *memoryItem) {
		it.status = domain.IngestionJobStatusDone
		a.broker.compact()
	})
	return nil
}

func (a *memoryAck) Nack(ctx context.Context, delay time.Duration, reason string) error {
	a.settle(func(it *memoryItem) {
		it.status = domain.IngestionJobStatusPending
		it.reason = reason
		it.visibleAt = a.broker.now().Add(delay)
	})
	a.broker.wake()
	return nil
}

func (a *memoryAck) DeadLetter(ctx context.Context, reason string) error {
	a.settle(func(it *memoryItem) {
		it.status = domain.IngestionJobStatusDead
		it.reason = reason
	})
	return nil
}

// compact drops finished items. Caller holds mu.
func (m *Memory) compact() {
	kept := m.items[:0]
	for _, it := range m.items {
		if it.status != domain.IngestionJobStatusDone {
			kept = append(kept, it)
		}
	}
	for i := len(kept); i < len(m.items); i++ {
		m.items[i] = nil
	}
	m.items = kept
}
