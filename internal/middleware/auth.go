package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// publicPaths are exempt from authentication.
var publicPaths = map[string]bool{
	"/health": true,
}

// Auth returns middleware that validates a static bearer token. An empty
// configured token disables authentication, for local development.
func Auth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" || publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			// WebSocket clients cannot set headers; accept ?token= there.
			got := ""
			if r.URL.Path == "/ws" {
				got = r.URL.Query().Get("token")
			} else {
				header := r.Header.Get("Authorization")
				got = strings.TrimPrefix(header, "Bearer ")
				if got == header {
					got = ""
				}
			}

			if got == "" {
				http.Error(w, `{"error":"authorization required"}`, http.StatusUnauthorized)
				return
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
