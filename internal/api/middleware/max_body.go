package middleware

import (
	"net/http"

	"github.com/cloo-solutions/docrag/internal/api"
)

// MaxBodyBytes rejects declared oversize bodies up front and caps the rest
// while they are read. Handlers see *http.MaxBytesError past the limit.
func MaxBodyBytes(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limit <= 0 || r.Body == nil || r.Body == http.NoBody {
				next.ServeHTTP(w, r)
				return
			}
			if r.ContentLength > limit {
				api.JSON(w, http.StatusRequestEntityTooLarge, api.ErrorResponse{
					Error: "request body too large",
					Code:  api.CodePayloadTooLarge,
				})
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}
