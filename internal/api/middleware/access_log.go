package middleware

import (
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// AccessLog emits one structured log line per HTTP request. 5xx responses log
// at error level and 4xx at warn.
func AccessLog(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := recorderFor(w)

			next.ServeHTTP(rec, r)

			status := rec.Status()
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("route", routePattern(r)),
				zap.Int("status", status),
				zap.Int("bytes", rec.bytes),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", GetRequestID(r.Context())),
				zap.String("remote_addr", clientIP(r)),
			}
			if ua := r.UserAgent(); ua != "" {
				fields = append(fields, zap.String("user_agent", ua))
			}
			switch {
			case status >= 500:
				logger.Error("http_request", fields...)
			case status >= 400:
				logger.Warn("http_request", fields...)
			default:
				logger.Info("http_request", fields...)
			}
		})
	}
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
