// Package jobs runs the ingestion consumers.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cloo-solutions/docrag/internal/broker"
)

// Handler processes and settles one delivery.
type Handler interface {
	Handle(ctx context.Context, d *broker.Delivery) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, d *broker.Delivery) error

func (f HandlerFunc) Handle(ctx context.Context, d *broker.Delivery) error { return f(ctx, d) }

// Worker runs Concurrency consumers, each looping Receive → Handle.
type Worker struct {
	broker      broker.Broker
	handler     Handler
	concurrency int
	errBackoff  time.Duration
	logger      *zap.Logger

	stopOnce sync.Once
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewWorker creates a Worker. concurrency below one means a single consumer.
func NewWorker(b broker.Broker, h Handler, concurrency int, logger *zap.Logger) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		broker:      b,
		handler:     h,
		concurrency: concurrency,
		errBackoff:  time.Second,
		logger:      logger,
		stopChan:    make(chan struct{}),
		doneChan:    make(chan struct{}),
	}
}

// Start blocks until ctx is cancelled, Stop is called or the broker closes.
// In-flight deliveries finish before it returns.
func (w *Worker) Start(ctx context.Context) {
	defer close(w.doneChan)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	w.logger.Info("ingestion workers started", zap.Int("concurrency", w.concurrency))

	g := new(errgroup.Group)
	for i := range w.concurrency {
		g.Go(func() error {
			w.consume(ctx, w.logger.With(zap.Int("worker", i)))
			return nil
		})
	}
	_ = g.Wait()

	w.logger.Info("ingestion workers stopped")
}

func (w *Worker) consume(ctx context.Context, log *zap.Logger) {
	for {
		d, err := w.broker.Receive(ctx)
		switch {
		case err == nil:
		case errors.Is(err, broker.ErrClosed):
			return
		case ctx.Err() != nil:
			return
		default:
			log.Warn("receive failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.errBackoff):
			}
			continue
		}

		// a stop request must not abandon a delivery half settled
		if err := w.handle(context.WithoutCancel(ctx), d); err != nil {
			log.Error("settling delivery failed",
				zap.String("job_id", d.Job.ID),
				zap.String("document_id", d.Job.DocumentID),
				zap.Error(err))
		}
	}
}

// handle runs the handler and turns a panic into a nack so the job is retried
// instead of waiting out its visibility timeout.
func (w *Worker) handle(ctx context.Context, d *broker.Delivery) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
			if nackErr := d.Nack(ctx, w.errBackoff, err.Error()); nackErr != nil {
				err = errors.Join(err, nackErr)
			}
		}
	}()
	return w.handler.Handle(ctx, d)
}

// Stop requests shutdown and waits for Start to return.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopChan) })
	<-w.doneChan
	w.logger.Info("worker shutdown complete")
}
