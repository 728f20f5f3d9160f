package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/raakeshmj/keygate/internal/audit"
)

// Audit records every state-changing management request, including the
// rejected ones the key service never sees.
func Audit(logger audit.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := newStatusRecorder(w)
			next.ServeHTTP(rec, r)

			entry := audit.LogEntry{
				Timestamp: start,
				ActorID:   "anonymous",
				Action:    "http " + r.Method,
				Resource:  r.URL.Path,
				Metadata: map[string]interface{}{
					"status":      rec.status,
					"remote_addr": ClientIP(r),
					"request_id":  GetRequestID(r.Context()),
					"duration_ms": time.Since(start).Milliseconds(),
				},
			}
			if p := GetPrincipal(r.Context()); p != nil {
				entry.ActorID = p.UserID
				entry.TenantID = p.TenantID
			}
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				entry.Metadata["route"] = rctx.RoutePattern()
			}
			logger.Log(entry)
		})
	}
}
