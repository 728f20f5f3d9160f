package service

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/raakeshmj/keygate/internal/db"
	"github.com/raakeshmj/keygate/internal/limiter"
	"github.com/raakeshmj/keygate/internal/metrics"
	"github.com/raakeshmj/keygate/internal/reliability"
	"github.com/raakeshmj/keygate/internal/repository"
	"github.com/raakeshmj/keygate/internal/scope"
)

// Kind classifies a failed validation.
type Kind string

const (
	KindNotFound          Kind = "not_found"
	KindInactive          Kind = "inactive"
	KindExpired           Kind = "expired"
	KindForbidden         Kind = "forbidden"
	KindIPDenied          Kind = "ip_denied"
	KindScopeInsufficient Kind = "scope_insufficient"
	KindModelDenied       Kind = "model_denied"
	KindRateLimited       Kind = "rate_limited"
	KindInternal          Kind = "internal_error"
)

const (
	MsgNotFound     = "API key not found"
	MsgInactive     = "API key is inactive"
	MsgExpired      = "API key has expired"
	MsgForbidden    = "Insufficient permissions to use this API key"
	MsgIPDenied     = "IP address not allowed"
	MsgScopes       = "Insufficient scopes"
	MsgInternal     = "Validation error occurred"
	MsgValidated    = "API key validated successfully"
	msgModelPattern = "Model '%s' not allowed"
)

var ErrKeyNotFound = errors.New("api key not found")

// RequestContext describes the request a key is presented for.
type RequestContext struct {
	ClientIP        string   `json:"client_ip,omitempty"`
	UserAgent       string   `json:"user_agent,omitempty"`
	SessionID       string   `json:"session_id,omitempty"`
	Scopes          []string `json:"scopes,omitempty"`
	Model           string   `json:"model,omitempty"`
	Endpoint        string   `json:"endpoint,omitempty"`
	Method          string   `json:"method,omitempty"`
	EstimatedTokens int64    `json:"estimated_tokens,omitempty"`
}

// ValidationResult is the authorization decision. Kind and Message explain a
// denial; the key echo fields are set on success.
type ValidationResult struct {
	Valid         bool             `json:"valid"`
	Kind          Kind             `json:"kind,omitempty"`
	Message       string           `json:"message"`
	KeyID         string           `json:"key_id,omitempty"`
	Provider      db.Provider      `json:"provider,omitempty"`
	AllowedScopes []string         `json:"allowed_scopes,omitempty"`
	RateLimit     *RateLimitResult `json:"rate_limit,omitempty"`
}

func deny(kind Kind, msg string) ValidationResult {
	return ValidationResult{Valid: false, Kind: kind, Message: msg}
}

// Permissions is a read-only summary of what a key grants to a user.
type Permissions struct {
	KeyID        string         `json:"key_id"`
	HasAccess    bool           `json:"has_access"`
	IsOwner      bool           `json:"is_owner"`
	Provider     db.Provider    `json:"provider"`
	Status       db.Status      `json:"status"`
	Scopes       []string       `json:"scopes"`
	AllowedRoles []string       `json:"allowed_roles"`
	ModelAccess  []string       `json:"model_access"`
	IPWhitelist  []string       `json:"ip_whitelist"`
	RateLimits   *db.RateLimits `json:"rate_limits,omitempty"`
	ExpiresAt    *time.Time     `json:"expires_at,omitempty"`
}

// ValidationService produces authorization decisions for presented keys.
type ValidationService struct {
	keys     repository.KeyStore
	roles    repository.RoleProvider
	usage    repository.UsageSink
	limits   limiter.Store
	logger   *zap.Logger
	metrics  *metrics.Collectors
	strategy reliability.FailureStrategy
	timeout  time.Duration
	now      func() time.Time

	pending sync.WaitGroup
}

type ValidationOption func(*ValidationService)

func WithLogger(l *zap.Logger) ValidationOption {
	return func(s *ValidationService) { s.logger = l }
}

func WithMetrics(m *metrics.Collectors) ValidationOption {
	return func(s *ValidationService) { s.metrics = m }
}

// WithFailureStrategy decides what happens when the window store errors.
func WithFailureStrategy(f reliability.FailureStrategy) ValidationOption {
	return func(s *ValidationService) { s.strategy = f }
}

// WithLookupTimeout bounds every collaborator call made during one decision.
func WithLookupTimeout(d time.Duration) ValidationOption {
	return func(s *ValidationService) { s.timeout = d }
}

func WithClock(now func() time.Time) ValidationOption {
	return func(s *ValidationService) { s.now = now }
}

func NewValidationService(keys repository.KeyStore, roles repository.RoleProvider, usage repository.UsageSink, limits limiter.Store, opts ...ValidationOption) *ValidationService {
	s := &ValidationService{
		keys:     keys,
		roles:    roles,
		usage:    usage,
		limits:   limits,
		logger:   zap.NewNop(),
		strategy: reliability.FailClosed,
		timeout:  2 * time.Second,
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.NewNop()
	}
	return s
}

// Validate runs the checks in order and stops at the first failure:
// existence, status, expiry, ownership or role, IP, scopes, model, rate limit.
// Collaborator failures, timeouts and panics become KindInternal.
func (s *ValidationService) Validate(ctx context.Context, keyID, userID string, rc RequestContext) (res ValidationResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("validation panicked", zap.String("key_id", keyID), zap.Any("panic", r), zap.Stack("stack"))
			res = deny(KindInternal, MsgInternal)
		}
		s.metrics.ObserveValidation(res.Valid, string(res.Kind), time.Since(start))
	}()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	key, err := s.keys.Get(ctx, keyID)
	if errors.Is(err, repository.ErrNotFound) {
		return deny(KindNotFound, MsgNotFound)
	}
	if err != nil {
		return s.internal("get key", keyID, err)
	}

	res = s.evaluate(ctx, key, userID, rc)
	s.dispatchUsage(key.ID, userID, rc, res)
	return res
}

func (s *ValidationService) evaluate(ctx context.Context, key *db.APIKey, userID string, rc RequestContext) ValidationResult {
	now := s.now()

	if key.Status != db.StatusActive {
		return deny(KindInactive, MsgInactive)
	}
	if key.IsExpired(now) {
		return deny(KindExpired, MsgExpired)
	}

	ok, err := s.roleAccess(ctx, key, userID)
	if err != nil {
		return s.internal("get user roles", key.ID, err)
	}
	if !ok {
		return deny(KindForbidden, MsgForbidden)
	}

	if !ipAllowed(key.IPWhitelist, rc.ClientIP) {
		return deny(KindIPDenied, MsgIPDenied)
	}
	if len(rc.Scopes) > 0 && !scope.Covers(key.Scopes, rc.Scopes) {
		return deny(KindScopeInsufficient, MsgScopes)
	}
	if rc.Model != "" && !key.AllowsModel(rc.Model) {
		return deny(KindModelDenied, fmt.Sprintf(msgModelPattern, rc.Model))
	}

	rl, err := s.reserve(ctx, key, rc, now)
	if err != nil {
		return s.internal("reserve rate limit", key.ID, err)
	}
	if !rl.Allowed {
		res := deny(KindRateLimited, rl.Reason)
		res.RateLimit = rl
		return res
	}

	return ValidationResult{
		Valid:         true,
		Message:       MsgValidated,
		KeyID:         key.ID,
		Provider:      key.Provider,
		AllowedScopes: key.Scopes,
		RateLimit:     rl,
	}
}

func (s *ValidationService) internal(stage, keyID string, err error) ValidationResult {
	s.logger.Error("validation dependency failed",
		zap.String("stage", stage),
		zap.String("key_id", keyID),
		zap.Error(err))
	return deny(KindInternal, MsgInternal)
}

func (s *ValidationService) roleAccess(ctx context.Context, key *db.APIKey, userID string) (bool, error) {
	if key.IsOwner(userID) || len(key.AllowedRoles) == 0 {
		return true, nil
	}
	roles, err := s.roles.GetUserRoles(ctx, userID, key.TenantID)
	if err != nil {
		return false, err
	}
	return key.AllowsRole(roles), nil
}

// reserve charges the request against the key's windows. Store failures are
// resolved by the failure strategy.
func (s *ValidationService) reserve(ctx context.Context, key *db.APIKey, rc RequestContext, now time.Time) (*RateLimitResult, error) {
	if !key.HasRateLimits() {
		return &RateLimitResult{Allowed: true}, nil
	}
	limits := buildLimits(key.RateLimits, rc.EstimatedTokens)
	if len(limits) == 0 {
		return &RateLimitResult{Allowed: true}, nil
	}

	d, err := s.limits.Reserve(ctx, key.ID, limits, now)
	if err != nil {
		s.metrics.RateLimitErrors.Inc()
		if reliability.ShouldAllow(s.strategy, err) {
			s.logger.Warn("rate limit store unavailable, admitting request",
				zap.String("key_id", key.ID), zap.Error(err))
			return &RateLimitResult{Allowed: true}, nil
		}
		return nil, err
	}
	return toRateLimitResult(d, limits, now), nil
}

// dispatchUsage records the attempt and, on success, bumps the usage counter.
// It never blocks the decision; failures are logged.
func (s *ValidationService) dispatchUsage(keyID, userID string, rc RequestContext, res ValidationResult) {
	if res.Kind == KindInternal {
		return
	}
	entry := db.UsageEntry{
		KeyID:           keyID,
		UserID:          userID,
		Endpoint:        rc.Endpoint,
		Method:          rc.Method,
		Model:           rc.Model,
		EstimatedTokens: rc.EstimatedTokens,
		ClientIP:        rc.ClientIP,
		UserAgent:       rc.UserAgent,
		SessionID:       rc.SessionID,
		Success:         res.Valid,
		Reason:          string(res.Kind),
		CreatedAt:       s.now(),
	}

	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		defer func() {
			if r := recover(); r != nil {
				s.metrics.UsageErrors.Inc()
				s.logger.Error("usage dispatch panicked", zap.String("key_id", keyID), zap.Any("panic", r))
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()

		if s.usage != nil {
			if err := s.usage.Record(ctx, entry); err != nil {
				s.metrics.UsageErrors.Inc()
				s.logger.Warn("record usage failed", zap.String("key_id", keyID), zap.Error(err))
			}
		}
		if entry.Success {
			if err := s.keys.IncrementUsage(ctx, keyID, entry.CreatedAt); err != nil {
				s.metrics.UsageErrors.Inc()
				s.logger.Warn("increment usage failed", zap.String("key_id", keyID), zap.Error(err))
			}
		}
	}()
}

// Wait blocks until dispatched usage writes have finished.
func (s *ValidationService) Wait() {
	s.pending.Wait()
}

// CheckScopeAccess reports whether the key grants every required scope.
// Unknown keys and lookup failures report false.
func (s *ValidationService) CheckScopeAccess(ctx context.Context, keyID string, required []string) bool {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	key, err := s.keys.Get(ctx, keyID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.logger.Error("scope check lookup failed", zap.String("key_id", keyID), zap.Error(err))
		}
		return false
	}
	return scope.Covers(key.Scopes, required)
}

// ValidateRoleAccess applies only the ownership and role check.
func (s *ValidationService) ValidateRoleAccess(ctx context.Context, keyID, userID string) bool {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	key, err := s.keys.Get(ctx, keyID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.logger.Error("role check lookup failed", zap.String("key_id", keyID), zap.Error(err))
		}
		return false
	}
	ok, err := s.roleAccess(ctx, key, userID)
	if err != nil {
		s.logger.Error("role check failed", zap.String("key_id", keyID), zap.Error(err))
		return false
	}
	return ok
}

// CheckRateLimit charges one request against the key's windows without the
// other checks. Keys without limits are always allowed.
func (s *ValidationService) CheckRateLimit(ctx context.Context, keyID string, rc RequestContext) RateLimitResult {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	key, err := s.keys.Get(ctx, keyID)
	if errors.Is(err, repository.ErrNotFound) {
		return RateLimitResult{Allowed: false, Reason: MsgNotFound}
	}
	if err != nil {
		s.logger.Error("rate limit lookup failed", zap.String("key_id", keyID), zap.Error(err))
		return RateLimitResult{Allowed: false, Reason: MsgInternal}
	}

	rl, err := s.reserve(ctx, key, rc, s.now())
	if err != nil {
		s.logger.Error("rate limit check failed", zap.String("key_id", keyID), zap.Error(err))
		return RateLimitResult{Allowed: false, Reason: MsgInternal}
	}
	return *rl
}

// KeyPermissions summarizes the key for userID. HasAccess combines usability
// with the ownership and role check.
func (s *ValidationService) KeyPermissions(ctx context.Context, keyID, userID string) (Permissions, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	key, err := s.keys.Get(ctx, keyID)
	if errors.Is(err, repository.ErrNotFound) {
		return Permissions{}, ErrKeyNotFound
	}
	if err != nil {
		return Permissions{}, fmt.Errorf("get key: %w", err)
	}

	roleOK, err := s.roleAccess(ctx, key, userID)
	if err != nil {
		return Permissions{}, fmt.Errorf("get user roles: %w", err)
	}

	now := s.now()
	return Permissions{
		KeyID:        key.ID,
		HasAccess:    key.IsUsable(now) && roleOK,
		IsOwner:      key.IsOwner(userID),
		Provider:     key.Provider,
		Status:       key.EffectiveStatus(now),
		Scopes:       key.Scopes,
		AllowedRoles: key.AllowedRoles,
		ModelAccess:  key.ModelAccess,
		IPWhitelist:  key.IPWhitelist,
		RateLimits:   key.RateLimits,
		ExpiresAt:    key.ExpiresAt,
	}, nil
}

// ipAllowed matches the client address against exact IPs and CIDR ranges.
// An empty whitelist is unrestricted; an unparsable client address is not.
func ipAllowed(whitelist []string, clientIP string) bool {
	if len(whitelist) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(clientIP)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, entry := range whitelist {
		if strings.Contains(entry, "/") {
			if p, err := netip.ParsePrefix(entry); err == nil && p.Contains(addr) {
				return true
			}
			continue
		}
		if a, err := netip.ParseAddr(entry); err == nil && a.Unmap() == addr {
			return true
		}
	}
	return false
}

// ParseIPEntry checks that a whitelist entry is an IP address or CIDR range.
func ParseIPEntry(entry string) error {
	if strings.Contains(entry, "/") {
		_, err := netip.ParsePrefix(entry)
		return err
	}
	_, err := netip.ParseAddr(entry)
	return err
}
