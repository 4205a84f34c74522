// Package middleware provides HTTP middleware for fleetd.
package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/spritelab/fleetd/internal/logger"
)

const headerRequestID = "X-Request-ID"

// maxRequestIDLen bounds ids we echo back; anything longer is replaced.
const maxRequestIDLen = 64

// RequestID is HTTP middleware that adopts the caller's X-Request-ID or
// mints a fresh one, stores it in the request context for log correlation,
// and echoes it on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" || len(id) > maxRequestIDLen {
			id = uuid.NewString()
		}

		ctx := logger.WithRequestID(r.Context(), id)
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
