// Package middleware holds chi-compatible HTTP middleware.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/nebloop/fleetbridge/internal/httputil"
)

// APIKey returns middleware enforcing the authentication rule in §6:
// the caller must present key via "Authorization: Bearer <key>" or
// via "x-api-key: <key>", matching whichever dialect's native client
// sent the request. Comparison is constant-time to avoid a timing
// side channel on the configured key.
func APIKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !validKey(r, key) {
				httputil.Unauthorized(w, "missing or invalid API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func validKey(r *http.Request, want string) bool {
	if v := r.Header.Get("x-api-key"); v != "" {
		return constantTimeEqual(v, want)
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		v, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok {
			return false
		}
		return constantTimeEqual(v, want)
	}
	return false
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
