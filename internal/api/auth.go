package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// AdminTokenHeader carries the admin token when no Authorization header is
// sent.
const AdminTokenHeader = "X-Admin-Token"

// tokenFromRequest extracts a bearer token or the X-Admin-Token header.
func tokenFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.Header.Get(AdminTokenHeader))
}

// AdminTokenMiddleware rejects requests that do not present token. An empty
// token disables the check, which is only sensible on a loopback listener.
func AdminTokenMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		want := []byte(token)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(tokenFromRequest(r))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				RecordConnectionRejected("auth")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]interface{}{
					"error":   "unauthorized",
					"message": "Admin token required",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
