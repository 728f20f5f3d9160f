package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/raakeshmj/keygate/internal/db"
	"github.com/raakeshmj/keygate/internal/limiter"
	"github.com/raakeshmj/keygate/internal/middleware"
	"github.com/raakeshmj/keygate/internal/repository"
	"github.com/raakeshmj/keygate/internal/scope"
	"github.com/raakeshmj/keygate/internal/service"
)

// handleHealth is a liveness probe. Returns 200 if the process is running.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady pings the storage and rate limit backends.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, code := "ok", http.StatusOK
	checks := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			checks[name] = "error: " + err.Error()
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	writeJSON(w, code, map[string]interface{}{"status": status, "checks": checks})
}

// ---------------------------------------------------------------------------
// Keys
// ---------------------------------------------------------------------------

func (s *Server) handleIssueKey(w http.ResponseWriter, r *http.Request) {
	var req service.IssueRequest
	if err := readJSON(w, r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	issued, err := s.keys.Issue(r.Context(), actor(r), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, issued)
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.KeyFilter{
		TenantID:  q.Get("tenant_id"),
		ProjectID: q.Get("project_id"),
	}
	if st := q.Get("status"); st != "" {
		status, err := db.ParseStatus(st)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Status = status
	}
	keys, err := s.keys.List(r.Context(), actor(r), filter)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if keys == nil {
		keys = []*db.APIKey{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"keys": keys, "count": len(keys)})
}

func (s *Server) handleGetKey(w http.ResponseWriter, r *http.Request) {
	key, err := s.keys.Get(r.Context(), actor(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, key)
}

func (s *Server) handleUpdateKey(w http.ResponseWriter, r *http.Request) {
	var req service.UpdateRequest
	if err := readJSON(w, r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	key, err := s.keys.Update(r.Context(), actor(r), chi.URLParam(r, "id"), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, key)
}

func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	key, err := s.keys.Revoke(r.Context(), actor(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, key)
}

func (s *Server) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	issued, err := s.keys.Rotate(r.Context(), actor(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, issued)
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status string `json:"status"`
	}
	if err := readJSON(w, r, &body); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	status, err := db.ParseStatus(body.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	key, err := s.keys.SetStatus(r.Context(), actor(r), chi.URLParam(r, "id"), status)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, key)
}

// handlePermissions answers for any caller the key grants access to, as well
// as for its owner and tenant admins.
func (s *Server) handlePermissions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.canInspect(w, r, id) {
		return
	}
	perm, err := s.validation.KeyPermissions(r.Context(), id, actor(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, perm)
}

func (s *Server) handleCheckScopes(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Scopes []string `json:"scopes"`
	}
	if err := readJSON(w, r, &body); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if !s.canInspect(w, r, id) {
		return
	}
	key, err := s.keys.Get(r.Context(), actor(r), id)
	var granted []string
	if err == nil {
		granted = key.Scopes
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"key_id":     id,
		"has_access": s.validation.CheckScopeAccess(r.Context(), id, body.Scopes),
		"missing":    scope.Missing(granted, body.Scopes),
	})
}

// canInspect lets through managers of the key and users the key is usable
// by. It writes the error response itself.
func (s *Server) canInspect(w http.ResponseWriter, r *http.Request, id string) bool {
	_, err := s.keys.Get(r.Context(), actor(r), id)
	if err == nil {
		return true
	}
	if !errors.Is(err, service.ErrForbidden) {
		s.writeServiceError(w, r, err)
		return false
	}
	if s.validation.ValidateRoleAccess(r.Context(), id, actor(r)) {
		return true
	}
	s.writeServiceError(w, r, err)
	return false
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	entries, err := s.keys.Usage(r.Context(), actor(r), chi.URLParam(r, "id"), queryInt(r, "limit", 100))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"usage": entries, "count": len(entries)})
}

type rateLimitCheckRequest struct {
	Endpoint        string `json:"endpoint,omitempty"`
	Method          string `json:"method,omitempty"`
	EstimatedTokens int64  `json:"estimated_tokens,omitempty"`
}

// handleRateLimitCheck charges one request against the key's windows without
// running the other checks.
func (s *Server) handleRateLimitCheck(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body rateLimitCheckRequest
	if err := readJSON(w, r, &body); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if body.EstimatedTokens < 0 {
		writeError(w, http.StatusBadRequest, "estimated_tokens must not be negative")
		return
	}
	if !s.canInspect(w, r, id) {
		return
	}
	res := s.validation.CheckRateLimit(r.Context(), id, service.RequestContext{
		ClientIP:        middleware.ClientIP(r),
		Endpoint:        body.Endpoint,
		Method:          body.Method,
		EstimatedTokens: body.EstimatedTokens,
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{"key_id": id, "rate_limit": res})
}

// handleRoleAccess reports whether a user's roles admit them to the key.
// Asking about anyone but yourself requires managing the key.
func (s *Server) handleRoleAccess(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	user := r.URL.Query().Get("user_id")
	if user == "" {
		user = actor(r)
	}
	if user != actor(r) {
		if _, err := s.keys.Get(r.Context(), actor(r), id); err != nil {
			s.writeServiceError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"key_id":       id,
		"user_id":      user,
		"has_access":   s.validation.ValidateRoleAccess(r.Context(), id, user),
		"validated_at": time.Now().UTC(),
	})
}

// handleRateLimitReset reports when the current clock-aligned period of a
// granularity ends. Enforcement is sliding, so this is advisory.
func (s *Server) handleRateLimitReset(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("granularity")
	if raw == "" {
		raw = string(limiter.Minute)
	}
	g, err := limiter.ParseGranularity(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	now := time.Now().UTC()
	reset := limiter.ResetAt(g, now)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"granularity":         g,
		"current_time":        now,
		"reset_time":          reset,
		"seconds_until_reset": int64(reset.Sub(now).Seconds()),
	})
}

type validateRequest struct {
	KeyID   string                 `json:"key_id,omitempty"`
	APIKey  string                 `json:"api_key,omitempty"`
	Context service.RequestContext `json:"context"`
}

// handleValidateKey runs a full validation for the session user. The key may
// be named by id or by secret.
func (s *Server) handleValidateKey(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := readJSON(w, r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	keyID := req.KeyID
	if req.APIKey != "" {
		id, err := s.authSvc.ResolveAPIKey(r.Context(), req.APIKey)
		if errors.Is(err, service.ErrKeyNotFound) {
			writeJSON(w, http.StatusOK, service.ValidationResult{Kind: service.KindNotFound, Message: service.MsgNotFound})
			return
		}
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		keyID = id
	}
	if keyID == "" {
		writeError(w, http.StatusBadRequest, "key_id or api_key is required")
		return
	}
	// The allowlist is checked against the connection, never the body.
	req.Context.ClientIP = middleware.ClientIP(r)
	writeJSON(w, http.StatusOK, s.validation.Validate(r.Context(), keyID, actor(r), req.Context))
}

// ---------------------------------------------------------------------------
// Scopes
// ---------------------------------------------------------------------------

func (s *Server) handleValidateScopes(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Scopes []string `json:"scopes"`
	}
	if err := readJSON(w, r, &body); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, scope.ValidateScopes(body.Scopes))
}

func (s *Server) handleScopeHierarchy(w http.ResponseWriter, r *http.Request) {
	sc := r.URL.Query().Get("scope")
	if !scope.IsValid(sc) {
		writeError(w, http.StatusBadRequest, "invalid scope")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"scope": sc, "hierarchy": scope.Hierarchy(sc)})
}

// ---------------------------------------------------------------------------
// Roles
// ---------------------------------------------------------------------------

func (s *Server) handleListRoles(w http.ResponseWriter, r *http.Request) {
	tenant, user := chi.URLParam(r, "tenant"), chi.URLParam(r, "user")
	roles, err := s.roles.List(r.Context(), actor(r), tenant, user)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tenant_id": tenant, "user_id": user, "roles": roles})
}

func (s *Server) handleGrantRoles(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Roles []string `json:"roles"`
	}
	if err := readJSON(w, r, &body); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	tenant, user := chi.URLParam(r, "tenant"), chi.URLParam(r, "user")
	if err := s.roles.Grant(r.Context(), actor(r), tenant, user, body.Roles...); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRevokeRole(w http.ResponseWriter, r *http.Request) {
	tenant, user, role := chi.URLParam(r, "tenant"), chi.URLParam(r, "user"), chi.URLParam(r, "role")
	if err := s.roles.Revoke(r.Context(), actor(r), tenant, user, role); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// Gateway
// ---------------------------------------------------------------------------

// UpstreamCredentialHeader carries the key's unsealed provider credential
// back to a forward-auth proxy, which copies it onto the upstream request.
const UpstreamCredentialHeader = "X-Keygate-Upstream-Credential"

// handleGateway answers admitted requests with the decision, for reverse
// proxies that use keygate as a forward-auth endpoint.
func (s *Server) handleGateway(w http.ResponseWriter, r *http.Request) {
	d := middleware.GetDecision(r.Context())
	if d == nil {
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	cred, err := s.keys.OpenCredential(r.Context(), d.KeyID)
	switch {
	case err == nil:
		w.Header().Set(UpstreamCredentialHeader, string(cred))
	case errors.Is(err, service.ErrNoCredential):
	case errors.Is(err, service.ErrKeyRevoked), errors.Is(err, service.ErrKeyUnusable),
		errors.Is(err, service.ErrKeyNotFound):
		// Lost a race with a revoke or status change after validation.
		writeError(w, http.StatusForbidden, service.MsgInactive)
		return
	default:
		s.logger.Error("open provider credential failed", zap.String("key_id", d.KeyID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, service.MsgInternal)
		return
	}

	w.Header().Set("X-Keygate-Key-ID", d.KeyID)
	w.Header().Set("X-Keygate-Provider", string(d.Provider))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"key_id":         d.KeyID,
		"provider":       d.Provider,
		"allowed_scopes": d.AllowedScopes,
		"endpoint":       r.URL.Path,
		"rate_limit":     d.RateLimit,
	})
}
