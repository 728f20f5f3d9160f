package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// SecurityConfig options
type SecurityConfig struct {
	EnableReplayProtection bool
	ReplayWindow           time.Duration
	Now                    func() time.Time
}

// SecureHeaders sets response hardening headers and, when enabled, rejects
// requests whose X-Timestamp is outside ReplayWindow of the server clock.
func SecureHeaders(cfg SecurityConfig) Middleware {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Cache-Control", "no-store")
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")

			if cfg.EnableReplayProtection {
				ts := r.Header.Get("X-Timestamp")
				if ts == "" {
					writeError(w, http.StatusBadRequest, "", "Missing X-Timestamp header")
					return
				}
				sec, err := strconv.ParseInt(ts, 10, 64)
				if err != nil {
					writeError(w, http.StatusBadRequest, "", "Invalid X-Timestamp header")
					return
				}
				skew := cfg.Now().Sub(time.Unix(sec, 0))
				if skew < 0 {
					skew = -skew
				}
				if skew > cfg.ReplayWindow {
					writeError(w, http.StatusForbidden, "", fmt.Sprintf("Request timestamp outside %s window", cfg.ReplayWindow))
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}
