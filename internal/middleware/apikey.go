package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"
)

// AdminAuth returns middleware that validates the admin Bearer token using a
// constant-time comparison, so a wrong guess takes the same time regardless
// of how many leading bytes matched. If enabled is false, requests pass
// through unchanged — used when an operator deliberately runs the admin
// surface unauthenticated behind their own network boundary.
//
// Security: the token is only accepted via the Authorization: Bearer header.
// Query parameter support is intentionally absent because query strings
// appear in server access logs, browser history, and referrer headers.
func AdminAuth(token string, enabled bool) func(http.Handler) http.Handler {
	expectedHash := sha256.Sum256([]byte(token))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !enabled {
				next.ServeHTTP(w, r)
				return
			}

			auth := r.Header.Get("Authorization")
			provided := strings.TrimPrefix(auth, "Bearer ")
			providedHash := sha256.Sum256([]byte(provided))

			if !strings.HasPrefix(auth, "Bearer ") || subtle.ConstantTimeCompare(providedHash[:], expectedHash[:]) != 1 {
				writeErrorResponse(w, http.StatusUnauthorized, "invalid or missing admin token", time.Now())
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
