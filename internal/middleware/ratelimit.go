package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"
)

// IPRateLimit caps requests per client IP per minute in front of key
// validation, so unauthenticated floods never reach the key store.
func IPRateLimit(requestsPerMinute int) Middleware {
	return httprate.Limit(
		requestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusTooManyRequests, "rate_limited", "Too many requests from this address")
		}),
	)
}
