package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloo-solutions/docrag/internal/domain"
)

func TestInit_EmptyDSNIsNoop(t *testing.T) {
	shutdown, err := Init(Config{}, nil)
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	shutdown()
}

func TestStartSpan_WithoutClient(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "retrieval.query", SpanAttributes{DocumentID: "doc1", Attempt: 2})
	require.NotNil(t, ctx)

	span.SetData("results", 3)
	span.SetError(errors.New("boom"))
	span.End()

	assert.NotNil(t, span.Context())
}

func TestSpan_NilInner(t *testing.T) {
	s := &Span{}
	s.SetData("k", 1)
	s.End()
	assert.Equal(t, context.Background(), s.Context())
}

func TestSpanStatus(t *testing.T) {
	tests := []struct {
		kind   domain.ErrorKind
		status sentry.SpanStatus
		report bool
	}{
		{domain.KindTransientDependency, sentry.SpanStatusUnavailable, false},
		{domain.KindData, sentry.SpanStatusFailedPrecondition, false},
		{domain.KindValidation, sentry.SpanStatusInvalidArgument, false},
		{domain.KindNotFound, sentry.SpanStatusNotFound, false},
		{domain.KindCapacity, sentry.SpanStatusResourceExhausted, true},
		{domain.KindConsistency, sentry.SpanStatusAborted, true},
		{domain.KindUnknown, sentry.SpanStatusInternalError, true},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.status, spanStatus(tt.kind))
			assert.Equal(t, tt.report, reportable(tt.kind))
		})
	}
}

func TestSampleRate(t *testing.T) {
	assert.Equal(t, 0.25, sampleRate(nil, 0.25))
	assert.Equal(t, 0.25, sampleRate(&sentry.Span{Name: "ingest.handle"}, 0.25))
	assert.Equal(t, 0.0, sampleRate(&sentry.Span{Name: "GET /health"}, 0.25))

	child := &sentry.Span{Name: "retrieval.query", ParentSpanID: sentry.SpanID{1}, Sampled: sentry.SampledTrue}
	assert.Equal(t, 1.0, sampleRate(child, 0.25))
	child.Sampled = sentry.SampledFalse
	assert.Equal(t, 0.0, sampleRate(child, 0.25))
}
