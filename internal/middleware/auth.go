package middleware

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/raakeshmj/keygate/internal/auth"
	"github.com/raakeshmj/keygate/internal/policy"
	"github.com/raakeshmj/keygate/internal/service"
)

// Principal is the user behind a session token.
type Principal struct {
	UserID   string
	TenantID string
	Roles    []string
}

// KeyResolver maps a presented secret to a key id.
type KeyResolver interface {
	ResolveAPIKey(ctx context.Context, rawKey string) (string, error)
}

// KeyValidator produces the authorization decision for a key id.
type KeyValidator interface {
	Validate(ctx context.Context, keyID, userID string, rc service.RequestContext) service.ValidationResult
}

// Authenticate requires a Bearer session token and attaches its Principal.
func Authenticate(jwtManager *auth.JWTManager) Middleware {
	return authenticate(jwtManager, true)
}

// OptionalAuthenticate attaches a Principal when a session token is present.
// Bearer values carrying an API key secret are left for RequireAPIKey.
func OptionalAuthenticate(jwtManager *auth.JWTManager) Middleware {
	return authenticate(jwtManager, false)
}

func authenticate(jwtManager *auth.JWTManager, required bool) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if ok && strings.HasPrefix(token, auth.SecretPrefix) {
				token, ok = "", false
			}
			if !ok {
				if required {
					writeError(w, http.StatusUnauthorized, "", "Authentication required. Provide a Bearer token.")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			claims, err := jwtManager.Verify(token)
			if err != nil {
				msg := "Invalid token"
				if errors.Is(err, auth.ErrExpiredToken) {
					msg = "Token has expired"
				}
				writeError(w, http.StatusUnauthorized, "", msg)
				return
			}

			p := &Principal{UserID: claims.UserID, TenantID: claims.TenantID, Roles: claims.Roles}
			ctx := context.WithValue(r.Context(), principalKey, p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetPrincipal returns nil for unauthenticated requests.
func GetPrincipal(ctx context.Context) *Principal {
	if p, ok := ctx.Value(principalKey).(*Principal); ok {
		return p
	}
	return nil
}

// GetDecision returns the validation result RequireAPIKey admitted the
// request with.
func GetDecision(ctx context.Context) *service.ValidationResult {
	if d, ok := ctx.Value(decisionKey).(*service.ValidationResult); ok {
		return d
	}
	return nil
}

// RequireAPIKey admits a request only when its API key passes validation for
// the attached policy. Missing keys get 401, denials 403, rate limits 429 and
// dependency failures a generic 503.
func RequireAPIKey(resolver KeyResolver, validator KeyValidator, logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractAPIKey(r)
			if raw == "" {
				writeError(w, http.StatusUnauthorized, "", "API key required for this endpoint")
				return
			}

			keyID, err := resolver.ResolveAPIKey(r.Context(), raw)
			if errors.Is(err, service.ErrKeyNotFound) {
				writeError(w, http.StatusForbidden, string(service.KindNotFound), service.MsgNotFound)
				return
			}
			if err != nil {
				logger.Error("resolve api key failed", zap.String("request_id", GetRequestID(r.Context())), zap.Error(err))
				writeError(w, http.StatusServiceUnavailable, string(service.KindInternal), service.MsgInternal)
				return
			}

			var userID string
			if p := GetPrincipal(r.Context()); p != nil {
				userID = p.UserID
			}

			res := validator.Validate(r.Context(), keyID, userID, requestContext(r))
			if !res.Valid {
				logger.Warn("api key rejected",
					zap.String("key_id", keyID),
					zap.String("kind", string(res.Kind)),
					zap.String("request_id", GetRequestID(r.Context())))
				switch res.Kind {
				case service.KindRateLimited:
					setRateLimitHeaders(w, res.RateLimit)
					writeError(w, http.StatusTooManyRequests, string(res.Kind), res.Message)
				case service.KindInternal:
					writeError(w, http.StatusServiceUnavailable, string(res.Kind), service.MsgInternal)
				default:
					writeError(w, http.StatusForbidden, string(res.Kind), res.Message)
				}
				return
			}

			setRateLimitHeaders(w, res.RateLimit)
			ctx := context.WithValue(r.Context(), decisionKey, &res)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// requestContext describes r using the attached policy, or the read/write
// fallback when none was attached.
func requestContext(r *http.Request) service.RequestContext {
	p, ok := GetPolicy(r.Context())
	if !ok {
		p = policy.NewEngine().Evaluate(r)
	}
	return service.RequestContext{
		ClientIP:        ClientIP(r),
		UserAgent:       r.UserAgent(),
		SessionID:       r.Header.Get("X-Session-ID"),
		Scopes:          p.Rules.RequiredScopes,
		Model:           r.URL.Query().Get("model"),
		Endpoint:        r.URL.Path,
		Method:          r.Method,
		EstimatedTokens: policy.EstimateTokens(r, p),
	}
}

// setRateLimitHeaders advertises the primary limit. X-RateLimit-Reset is the
// clock boundary of its granularity; Retry-After comes from the trailing
// window and is the earliest a retry can succeed.
func setRateLimitHeaders(w http.ResponseWriter, rl *service.RateLimitResult) {
	_, st, ok := rl.Primary()
	if !ok {
		return
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.FormatInt(st.Max, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(st.Remaining, 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(st.ResetAt.Unix(), 10))
	if !rl.Allowed {
		h.Set("Retry-After", strconv.FormatInt(max(rl.RetryAfter, 1), 10))
	}
}

// extractAPIKey looks at X-API-Key, then a Bearer secret, then ?api_key=.
func extractAPIKey(r *http.Request) string {
	if k := strings.TrimSpace(r.Header.Get("X-API-Key")); k != "" {
		return k
	}
	if t, ok := bearerToken(r); ok && strings.HasPrefix(t, auth.SecretPrefix) {
		return t
	}
	return r.URL.Query().Get("api_key")
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "Bearer ") {
		return "", false
	}
	t := strings.TrimSpace(h[7:])
	return t, t != ""
}

// ClientIP is the request's remote address without the port. Proxy headers
// only count when TrustedRealIP ran first and the peer was trusted.
func ClientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
