package middleware

import (
	"fmt"
	"net/http"

	"github.com/getsentry/sentry-go"
)

// SentryMiddleware opens a transaction per request, continuing an incoming
// sentry-trace header when present. The transaction is renamed to the matched
// route once the handler returns so ids in paths do not fan out names.
// Panics are reported and re-raised for the recoverer; 5xx responses are
// captured as messages. Without a configured client this only costs a span.
func SentryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub := sentry.GetHubFromContext(r.Context())
		if hub == nil {
			hub = sentry.CurrentHub().Clone()
		}

		options := []sentry.SpanOption{
			sentry.WithOpName("http.server"),
			sentry.WithTransactionSource(sentry.SourceURL),
		}
		if trace := r.Header.Get(sentry.SentryTraceHeader); trace != "" {
			options = append(options, sentry.ContinueFromHeaders(trace, r.Header.Get(sentry.SentryBaggageHeader)))
		}
		tx := sentry.StartTransaction(sentry.SetHubOnContext(r.Context(), hub), r.Method+" "+r.URL.Path, options...)
		defer tx.Finish()
		r = r.WithContext(tx.Context())

		if id := GetRequestID(r.Context()); id != "" {
			hub.Scope().SetTag("request_id", id)
			tx.SetTag("request_id", id)
		}
		hub.Scope().SetRequest(r)

		defer func() {
			if err := recover(); err != nil {
				tx.Status = sentry.SpanStatusInternalError
				hub.RecoverWithContext(r.Context(), err)
				panic(err)
			}
		}()

		rec := recorderFor(w)
		next.ServeHTTP(rec, r)

		status := rec.Status()
		tx.Name = r.Method + " " + routePattern(r)
		tx.Source = sentry.SourceRoute
		tx.Status = spanStatus(status)
		tx.SetData("http.response.status_code", status)
		if status >= 500 {
			hub.CaptureMessage(fmt.Sprintf("HTTP %d %s", status, tx.Name))
		}
	})
}

// spanStatus covers the statuses the API writes.
func spanStatus(status int) sentry.SpanStatus {
	switch status {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent, http.StatusCreated:
		return sentry.SpanStatusOK
	case http.StatusBadRequest:
		return sentry.SpanStatusInvalidArgument
	case http.StatusNotFound, http.StatusMethodNotAllowed:
		return sentry.SpanStatusNotFound
	case http.StatusRequestEntityTooLarge:
		return sentry.SpanStatusOutOfRange
	case http.StatusUnprocessableEntity:
		return sentry.SpanStatusFailedPrecondition
	case http.StatusTooManyRequests:
		return sentry.SpanStatusResourceExhausted
	case http.StatusServiceUnavailable:
		return sentry.SpanStatusUnavailable
	}
	if status >= 500 {
		return sentry.SpanStatusInternalError
	}
	return sentry.SpanStatusUnknown
}
