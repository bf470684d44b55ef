package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/cloo-solutions/docrag/internal/api"
)

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	t.Run("generated", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.NotEmpty(t, seen)
		assert.Equal(t, seen, w.Header().Get("X-Request-ID"))
	})

	t.Run("propagated", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("X-Request-ID", "req-123")
		h.ServeHTTP(w, r)
		assert.Equal(t, "req-123", seen)
		assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))
	})

	t.Run("rejected", func(t *testing.T) {
		for _, bad := range []string{"has space", "semi;colon", strings.Repeat("a", 200)} {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.Header.Set("X-Request-ID", bad)
			h.ServeHTTP(w, r)
			assert.NotEqual(t, bad, seen)
			assert.Len(t, seen, 36)
		}
	})
}

func TestMaxBodyBytes(t *testing.T) {
	h := MaxBodyBytes(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err != nil {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("small")))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("much too large")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Contains(t, w.Body.String(), api.CodePayloadTooLarge)

	// unknown length is cut off while reading
	w = httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("much too large"))
	r.ContentLength = -1
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestAccessLog(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	h := RequestID(AccessLog(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("nope"))
	})))

	r := httptest.NewRequest(http.MethodGet, "/v1/documents/x", nil)
	r.Header.Set("X-Forwarded-For", "10.1.1.1, 10.0.0.1")
	h.ServeHTTP(httptest.NewRecorder(), r)

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	fields := entries[0].ContextMap()
	assert.Equal(t, "/v1/documents/x", fields["path"])
	assert.EqualValues(t, http.StatusNotFound, fields["status"])
	assert.EqualValues(t, 4, fields["bytes"])
	assert.Equal(t, "10.1.1.1", fields["remote_addr"])
	assert.NotEmpty(t, fields["request_id"])
}

func TestAccessLog_RoutePattern(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	r := chi.NewRouter()
	r.Use(AccessLog(zap.New(core)))
	r.Get("/v1/documents/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/documents/abc", nil))

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "/v1/documents/{id}", fields["route"])
	assert.Equal(t, "/v1/documents/abc", fields["path"])
}

func TestRecorderFor_Shared(t *testing.T) {
	outer := recorderFor(httptest.NewRecorder())
	assert.Same(t, outer, recorderFor(outer))

	outer.WriteHeader(http.StatusAccepted)
	outer.WriteHeader(http.StatusInternalServerError)
	assert.Equal(t, http.StatusAccepted, outer.Status())
}

func TestSentryMiddleware_WithoutClient(t *testing.T) {
	h := SentryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestSpanStatus(t *testing.T) {
	assert.Equal(t, sentry.SpanStatusOK, spanStatus(http.StatusAccepted))
	assert.Equal(t, sentry.SpanStatusInvalidArgument, spanStatus(http.StatusBadRequest))
	assert.Equal(t, sentry.SpanStatusUnavailable, spanStatus(http.StatusServiceUnavailable))
	assert.Equal(t, sentry.SpanStatusInternalError, spanStatus(http.StatusBadGateway))
	assert.Equal(t, sentry.SpanStatusUnknown, spanStatus(http.StatusTeapot))
}
