// Package telemetry wraps Sentry tracing for the ingestion and query paths.
package telemetry

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"

	"github.com/cloo-solutions/docrag/internal/domain"
)

const (
	serviceName  = "docrag"
	flushTimeout = 5 * time.Second
)

// unsampled transactions are never traced regardless of the sample rate.
var unsampled = map[string]bool{
	"GET /health": true,
}

type Config struct {
	DSN              string
	Environment      string
	Release          string
	TracesSampleRate float64
	Debug            bool
}

// Init configures the global Sentry client and returns a flush function.
// An empty DSN disables Sentry; a client that fails to start is logged and
// treated the same way.
func Init(cfg Config, logger *zap.Logger) (func(), error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DSN == "" {
		return func() {}, nil
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.TracesSampleRate <= 0 {
		cfg.TracesSampleRate = 1.0
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		Release:          cfg.Release,
		EnableTracing:    true,
		TracesSampleRate: cfg.TracesSampleRate,
		Debug:            cfg.Debug,
		ServerName:       serviceName,
		TracesSampler: sentry.TracesSampler(func(ctx sentry.SamplingContext) float64 {
			return sampleRate(ctx.Span, cfg.TracesSampleRate)
		}),
	})
	if err != nil {
		logger.Warn("sentry init failed, tracing disabled", zap.Error(err))
		return func() {}, nil
	}

	logger.Info("sentry tracing enabled",
		zap.String("environment", cfg.Environment),
		zap.Float64("sample_rate", cfg.TracesSampleRate),
	)
	return func() { sentry.Flush(flushTimeout) }, nil
}

// sampleRate keeps child spans consistent with their parent and drops
// transactions listed in unsampled.
func sampleRate(span *sentry.Span, rate float64) float64 {
	if span == nil {
		return rate
	}
	if unsampled[span.Name] {
		return 0
	}
	var empty sentry.SpanID
	if span.ParentSpanID != empty {
		if span.Sampled.Bool() {
			return 1
		}
		return 0
	}
	return rate
}

// SpanAttributes are tagged on pipeline spans when set.
type SpanAttributes struct {
	DocumentID  string
	Fingerprint string
	Attempt     int
	Operation   string
}

// Span is a nil-safe handle over a sentry span.
type Span struct {
	inner *sentry.Span
}

func (s *Span) End() {
	if s.inner != nil {
		s.inner.Finish()
	}
}

func (s *Span) SetData(key string, value any) {
	if s.inner != nil {
		s.inner.SetData(key, value)
	}
}

// SetError records err on the span. The span status follows the error kind;
// only failures that are neither expected data problems nor transient outages
// are reported as Sentry events.
func (s *Span) SetError(err error) {
	if s.inner == nil || err == nil {
		return
	}
	kind := domain.KindOf(err)
	s.inner.Status = spanStatus(kind)
	s.inner.SetTag("error_code", domain.CodeOf(err))
	if !reportable(kind) {
		return
	}
	if hub := sentry.GetHubFromContext(s.inner.Context()); hub != nil {
		hub.CaptureException(err)
		return
	}
	sentry.CaptureException(err)
}

func (s *Span) Context() context.Context {
	if s.inner != nil {
		return s.inner.Context()
	}
	return context.Background()
}

func spanStatus(kind domain.ErrorKind) sentry.SpanStatus {
	switch kind {
	case domain.KindTransientDependency:
		return sentry.SpanStatusUnavailable
	case domain.KindData:
		return sentry.SpanStatusFailedPrecondition
	case domain.KindCapacity:
		return sentry.SpanStatusResourceExhausted
	case domain.KindValidation:
		return sentry.SpanStatusInvalidArgument
	case domain.KindNotFound:
		return sentry.SpanStatusNotFound
	case domain.KindConsistency:
		return sentry.SpanStatusAborted
	}
	return sentry.SpanStatusInternalError
}

func reportable(kind domain.ErrorKind) bool {
	return kind == domain.KindUnknown || kind == domain.KindConsistency || kind == domain.KindCapacity
}

// StartSpan starts a child of the span in ctx, or a new transaction when ctx
// carries none.
func StartSpan(ctx context.Context, name string, attrs SpanAttributes) (context.Context, *Span) {
	var span *sentry.Span
	if parent := sentry.SpanFromContext(ctx); parent != nil {
		span = parent.StartChild(name)
	} else {
		span = sentry.StartSpan(ctx, name, sentry.WithTransactionName(name))
	}

	if attrs.DocumentID != "" {
		span.SetTag("document_id", attrs.DocumentID)
	}
	if attrs.Fingerprint != "" {
		span.SetTag("query_fingerprint", attrs.Fingerprint)
	}
	if attrs.Attempt > 0 {
		span.SetData("attempt", attrs.Attempt)
	}
	if attrs.Operation != "" {
		span.SetData("operation", attrs.Operation)
	}
	return span.Context(), &Span{inner: span}
}
