package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/raakeshmj/keygate/internal/audit"
	"github.com/raakeshmj/keygate/internal/auth"
	"github.com/raakeshmj/keygate/internal/db"
	"github.com/raakeshmj/keygate/internal/limiter"
	"github.com/raakeshmj/keygate/internal/metrics"
	"github.com/raakeshmj/keygate/internal/policy"
	"github.com/raakeshmj/keygate/internal/repository/memory"
	"github.com/raakeshmj/keygate/internal/service"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) errorDetail {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body.Error
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Len(t, seen, 36)
	assert.Equal(t, seen, rr.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "trace-123")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, "trace-123", seen)
	assert.Equal(t, "", GetRequestID(context.Background()))
}

func TestChainOrder(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	Chain(okHandler, mark("a"), mark("b"), mark("c")).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestAuthenticate(t *testing.T) {
	jwt := auth.NewJWTManager("secret", time.Hour)
	token, err := jwt.Generate("user-1", "t1", []string{"developer"})
	require.NoError(t, err)

	var got *Principal
	h := Authenticate(jwt)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetPrincipal(r.Context())
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	require.NotNil(t, got)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, "t1", got.TenantID)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "Invalid token", decodeError(t, rr).Message)

	expired, err := auth.NewJWTManager("secret", -time.Minute).Generate("user-1", "", nil)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+expired)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, "Token has expired", decodeError(t, rr).Message)
}

func TestOptionalAuthenticateIgnoresKeySecrets(t *testing.T) {
	jwt := auth.NewJWTManager("secret", time.Hour)
	called := false
	h := OptionalAuthenticate(jwt)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		assert.Nil(t, GetPrincipal(r.Context()))
	}))

	for _, header := range []string{"", "Bearer " + auth.SecretPrefix + "abc"} {
		called = false
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		assert.True(t, called, "header %q", header)
	}
}

// gateway wires the real services behind the key middleware.
type gateway struct {
	repo    *memory.MemoryRepository
	keys    *service.KeyService
	valid   *service.ValidationService
	jwt     *auth.JWTManager
	handler http.Handler
}

func newGateway(t *testing.T) *gateway {
	t.Helper()
	repo := memory.New()
	jwt := auth.NewJWTManager("secret", time.Hour)
	authSvc := service.NewAuthService(repo, repo, jwt, nil)
	valid := service.NewValidationService(repo, repo, repo, limiter.NewMemoryStore())
	t.Cleanup(valid.Wait)

	engine := policy.NewEngine(policy.DefaultPolicies("/api/ai")...)
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := GetDecision(r.Context())
		_ = json.NewEncoder(w).Encode(d)
	}), OptionalAuthenticate(jwt), WithPolicy(engine), RequireAPIKey(authSvc, valid, zap.NewNop()))

	return &gateway{
		repo:    repo,
		keys:    service.NewKeyService(repo, repo, service.WithInvalidator(authSvc)),
		valid:   valid,
		jwt:     jwt,
		handler: h,
	}
}

func (g *gateway) issue(t *testing.T, mutate func(*service.IssueRequest)) string {
	t.Helper()
	req := service.IssueRequest{
		Name:      "gw",
		Provider:  db.ProviderOpenAI,
		ProjectID: "proj",
		Scopes:    []string{"chat.*", "models"},
	}
	if mutate != nil {
		mutate(&req)
	}
	issued, err := g.keys.Issue(context.Background(), "owner", req)
	require.NoError(t, err)
	return issued.Secret
}

func (g *gateway) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	g.handler.ServeHTTP(rr, req)
	return rr
}

func TestRequireAPIKeyMissing(t *testing.T) {
	g := newGateway(t)
	rr := g.do(httptest.NewRequest(http.MethodGet, "/api/ai/models", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "API key required for this endpoint", decodeError(t, rr).Message)
}

func TestRequireAPIKeyUnknown(t *testing.T) {
	g := newGateway(t)
	req := httptest.NewRequest(http.MethodGet, "/api/ai/models", nil)
	req.Header.Set("X-API-Key", auth.SecretPrefix+"nope")
	rr := g.do(req)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, service.MsgNotFound, decodeError(t, rr).Message)
}

func TestRequireAPIKeySources(t *testing.T) {
	g := newGateway(t)
	secret := g.issue(t, nil)

	reqs := map[string]*http.Request{}
	r := httptest.NewRequest(http.MethodGet, "/api/ai/models", nil)
	r.Header.Set("X-API-Key", secret)
	reqs["header"] = r
	r = httptest.NewRequest(http.MethodGet, "/api/ai/models", nil)
	r.Header.Set("Authorization", "Bearer "+secret)
	reqs["bearer"] = r
	reqs["query"] = httptest.NewRequest(http.MethodGet, "/api/ai/models?api_key="+secret, nil)

	for name, req := range reqs {
		t.Run(name, func(t *testing.T) {
			rr := g.do(req)
			require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
			var d service.ValidationResult
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &d))
			assert.True(t, d.Valid)
			assert.Equal(t, db.ProviderOpenAI, d.Provider)
		})
	}
}

func TestRequireAPIKeyScopeDenied(t *testing.T) {
	g := newGateway(t)
	secret := g.issue(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/ai/embeddings", nil)
	req.Header.Set("X-API-Key", secret)
	rr := g.do(req)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	e := decodeError(t, rr)
	assert.Equal(t, string(service.KindScopeInsufficient), e.Kind)
	assert.Equal(t, service.MsgScopes, e.Message)
}

func TestRequireAPIKeyModelFromQuery(t *testing.T) {
	g := newGateway(t)
	secret := g.issue(t, func(r *service.IssueRequest) { r.ModelAccess = []string{"gpt-4"} })

	req := httptest.NewRequest(http.MethodPost, "/api/ai/chat/completions?model=gpt-3.5", strings.NewReader("{}"))
	req.Header.Set("X-API-Key", secret)
	rr := g.do(req)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "Model 'gpt-3.5' not allowed", decodeError(t, rr).Message)
}

func TestRequireAPIKeyRateLimited(t *testing.T) {
	g := newGateway(t)
	secret := g.issue(t, func(r *service.IssueRequest) {
		r.RateLimits = &db.RateLimits{RequestsPerMinute: 2}
	})

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/ai/models", nil)
		req.Header.Set("X-API-Key", secret)
		return g.do(req)
	}

	rr := send()
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "2", rr.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", rr.Header().Get("X-RateLimit-Remaining"))
	require.Equal(t, http.StatusOK, send().Code)

	rr = send()
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "Requests per minute limit exceeded", decodeError(t, rr).Message)
	assert.Equal(t, "2", rr.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rr.Header().Get("X-RateLimit-Remaining"))
	reset, err := strconv.ParseInt(rr.Header().Get("X-RateLimit-Reset"), 10, 64)
	require.NoError(t, err)
	assert.Greater(t, reset, time.Now().Unix()-1)
	// Both admitted requests are still inside the trailing minute.
	retry, err := strconv.ParseInt(rr.Header().Get("Retry-After"), 10, 64)
	require.NoError(t, err)
	assert.InDelta(t, 60, retry, 1)
}

func TestRequireAPIKeyUsesSessionUser(t *testing.T) {
	g := newGateway(t)
	secret := g.issue(t, func(r *service.IssueRequest) { r.AllowedRoles = []string{"developer"} })

	req := httptest.NewRequest(http.MethodGet, "/api/ai/models", nil)
	req.Header.Set("X-API-Key", secret)
	assert.Equal(t, http.StatusForbidden, g.do(req).Code, "anonymous caller holds no role")

	require.NoError(t, g.repo.GrantRoles(context.Background(), "dev-1", "", "developer"))
	token, err := g.jwt.Generate("dev-1", "", nil)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/api/ai/models", nil)
	req.Header.Set("X-API-Key", secret)
	req.Header.Set("Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusOK, g.do(req).Code)
}

type stubResolver struct{}

func (stubResolver) ResolveAPIKey(context.Context, string) (string, error) { return "k", nil }

type stubValidator struct{ res service.ValidationResult }

func (s stubValidator) Validate(context.Context, string, string, service.RequestContext) service.ValidationResult {
	return s.res
}

func TestRequireAPIKeyHidesInternalErrors(t *testing.T) {
	v := stubValidator{res: service.ValidationResult{Kind: service.KindInternal, Message: "boom: db password wrong"}}
	h := RequireAPIKey(stubResolver{}, v, zap.NewNop())(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-API-Key", "whatever")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, service.MsgInternal, decodeError(t, rr).Message)
	assert.NotContains(t, rr.Body.String(), "password")
}

func TestRequestContextFallsBackWithoutPolicy(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/other?model=m1", bytes.NewReader(make([]byte, 40)))
	req.RemoteAddr = "10.1.2.3:5555"
	req.Header.Set("X-Session-ID", "s1")
	rc := requestContext(req)
	assert.Equal(t, []string{"write"}, rc.Scopes)
	assert.Equal(t, "10.1.2.3", rc.ClientIP)
	assert.Equal(t, "m1", rc.Model)
	assert.Equal(t, "s1", rc.SessionID)
	assert.Equal(t, int64(10), rc.EstimatedTokens)
}

func TestSecureHeaders(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	h := SecureHeaders(SecurityConfig{
		EnableReplayProtection: true,
		ReplayWindow:           time.Minute,
		Now:                    func() time.Time { return now },
	})(okHandler)

	send := func(ts string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if ts != "" {
			req.Header.Set("X-Timestamp", ts)
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}

	rr := send(strconv.FormatInt(now.Unix()-30, 10))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rr.Header().Get("X-Frame-Options"))

	assert.Equal(t, http.StatusBadRequest, send("").Code)
	assert.Equal(t, http.StatusBadRequest, send("yesterday").Code)
	assert.Equal(t, http.StatusForbidden, send(strconv.FormatInt(now.Unix()+120, 10)).Code)
}

func TestIPRateLimit(t *testing.T) {
	h := IPRateLimit(2)(okHandler)
	send := func(ip string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = ip + ":1234"
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr.Code
	}
	assert.Equal(t, http.StatusOK, send("10.0.0.1"))
	assert.Equal(t, http.StatusOK, send("10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, send("10.0.0.1"))
	assert.Equal(t, http.StatusOK, send("10.0.0.2"))
}

func TestTrustedRealIP(t *testing.T) {
	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8"), netip.MustParsePrefix("::1/128")}
	h := TrustedRealIP(trusted)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(ClientIP(r)))
	}))

	seen := func(peer, forwarded string) string {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = peer
		req.Header.Set("X-Forwarded-For", forwarded)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr.Body.String()
	}

	assert.Equal(t, "203.0.113.7", seen("10.1.1.1:80", "203.0.113.7"))
	assert.Equal(t, "203.0.113.7", seen("[::1]:80", "203.0.113.7"))
	assert.Equal(t, "192.0.2.1", seen("192.0.2.1:80", "10.9.9.9"))
	assert.Equal(t, "192.0.2.1", seen("192.0.2.1:80", "203.0.113.7"))

	plain := TrustedRealIP(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(ClientIP(r)))
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.1.1:80"
	req.Header.Set("X-Real-IP", "203.0.113.7")
	rr := httptest.NewRecorder()
	plain.ServeHTTP(rr, req)
	assert.Equal(t, "10.1.1.1", rr.Body.String())
}

func TestMetricsUsesRoutePattern(t *testing.T) {
	c := metrics.New(prometheus.NewRegistry())
	r := chi.NewRouter()
	r.Use(Metrics(c))
	r.Get("/api/v1/keys/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, id := range []string{"a", "b"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/keys/"+id, nil))
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(c.HTTPRequests.WithLabelValues("GET", "/api/v1/keys/{id}", "404")))
}

func TestRequestLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("no"))
	}), RequestID, RequestLogger(zap.New(core)))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/ai/models?api_key=kg_secret", nil))

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, zapcore.WarnLevel, entry.Level)
	fields := entry.ContextMap()
	assert.Equal(t, "/api/ai/models", fields["path"])
	assert.Equal(t, int64(403), fields["status"])
	assert.Equal(t, int64(2), fields["bytes"])
	assert.NotEmpty(t, fields["request_id"])
	assert.NotContains(t, entry.Message+fields["path"].(string), "kg_secret")
}

type capturedAudit struct{ entries []audit.LogEntry }

func (c *capturedAudit) Log(e audit.LogEntry) { c.entries = append(c.entries, e) }

func TestAuditRecordsMutations(t *testing.T) {
	sink := &capturedAudit{}
	r := chi.NewRouter()
	r.Use(Audit(sink))
	r.Get("/keys", okHandler)
	r.Post("/keys/{id}/rotate", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/keys", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/keys/k1/rotate", nil))

	require.Len(t, sink.entries, 1)
	e := sink.entries[0]
	assert.Equal(t, "anonymous", e.ActorID)
	assert.Equal(t, "http POST", e.Action)
	assert.Equal(t, "/keys/k1/rotate", e.Resource)
	assert.Equal(t, http.StatusForbidden, e.Metadata["status"])
	assert.Equal(t, "/keys/{id}/rotate", e.Metadata["route"])
}
