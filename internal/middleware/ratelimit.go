package middleware

import (
	"net/http"

	"golang.org/x/time/rate"

	"github.com/nebloop/fleetbridge/internal/httputil"
)

// RateLimit returns middleware enforcing one global token-bucket limit
// across the whole inbound HTTP surface, protecting the single Browser
// Fleet from being handed more concurrent generation requests than any
// number of retries could ever satisfy. Grounded in the teacher's
// gateway/main.go per-connection golang.org/x/time/rate.Limiter.
func RateLimit(rps float64, burst int) func(http.Handler) http.Handler {
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				httputil.ErrorWithCode(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
