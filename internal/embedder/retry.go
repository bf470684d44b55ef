package embedder

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cloo-solutions/docrag/internal/domain"
)

// RetryConfig configures backoff for transient embedding failures.
type RetryConfig struct {
	MaxAttempts  int // including the first call
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  4,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     8 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Retrying retries RateLimited and EmbeddingUnavailable failures with
// exponential backoff. An optional limiter paces every outbound call.
type Retrying struct {
	inner   Embedder
	cfg     RetryConfig
	limiter *rate.Limiter
	logger  *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewRetrying wraps inner. requestsPerSecond <= 0 disables pacing.
func NewRetrying(inner Embedder, cfg RetryConfig, requestsPerSecond float64, logger *zap.Logger) *Retrying {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Retrying{inner: inner, cfg: cfg, logger: logger, sleep: sleepCtx}
	if requestsPerSecond > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), 1)
	}
	return r
}

func (r *Retrying) Dimensions() int { return r.inner.Dimensions() }
func (r *Retrying) Model() string   { return r.inner.Model() }

// Embed embeds one text with retries.
func (r *Retrying) Embed(ctx context.Context, text string) ([]float32, error) {
	return withRetry(ctx, r, func(ctx context.Context) ([]float32, error) {
		return r.inner.Embed(ctx, text)
	})
}

// EmbedBatch embeds texts in one upstream call when the inner embedder can,
// falling back to sequential calls otherwise.
func (r *Retrying) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	be, ok := r.inner.(BatchEmbedder)
	if !ok {
		out := make([][]float32, len(texts))
		for i, t := range texts {
			v, err := r.Embed(ctx, t)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	}
	return withRetry(ctx, r, func(ctx context.Context) ([][]float32, error) {
		return be.EmbedBatch(ctx, texts)
	})
}

func withRetry[T any](ctx context.Context, r *Retrying, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	delay := r.cfg.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return zero, domain.NewDomainErrorWithCause(domain.ErrCodeTransientDependency, "rate limiter wait", err)
			}
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !domain.IsRetryable(err) || ctx.Err() != nil {
			return zero, err
		}
		if attempt == r.cfg.MaxAttempts {
			break
		}

		wait := delay
		if r.cfg.Jitter {
			wait = time.Duration(float64(delay) * (0.5 + rand.Float64()*0.5))
		}
		r.logger.Debug("retrying embedding call",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.String("code", domain.CodeOf(err)),
		)
		if err := r.sleep(ctx, wait); err != nil {
			return zero, lastErr
		}

		delay = time.Duration(float64(delay) * r.cfg.Multiplier)
		if r.cfg.MaxDelay > 0 && delay > r.cfg.MaxDelay {
			delay = r.cfg.MaxDelay
		}
	}

	return zero, fmt.Errorf("failed after %d attempts: %w", r.cfg.MaxAttempts, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
