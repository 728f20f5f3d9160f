package middleware

import (
	"context"
	"net/http"

	"github.com/raakeshmj/keygate/internal/policy"
)

// WithPolicy evaluates the request and attaches the matched policy to the
// context for RequireAPIKey.
func WithPolicy(engine *policy.Engine) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := engine.Evaluate(r)
			ctx := context.WithValue(r.Context(), policyKey, p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetPolicy returns the attached policy, or false if none was attached.
func GetPolicy(ctx context.Context) (policy.Policy, bool) {
	p, ok := ctx.Value(policyKey).(policy.Policy)
	return p, ok
}
