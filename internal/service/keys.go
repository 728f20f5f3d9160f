package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/raakeshmj/keygate/internal/audit"
	"github.com/raakeshmj/keygate/internal/auth"
	"github.com/raakeshmj/keygate/internal/db"
	"github.com/raakeshmj/keygate/internal/metrics"
	"github.com/raakeshmj/keygate/internal/repository"
	"github.com/raakeshmj/keygate/internal/scope"
)

// AdminRole lets a user manage every key of the tenant it is granted in.
const AdminRole = "admin"

var (
	ErrForbidden         = errors.New("not allowed to manage this api key")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrInvalidTransition = errors.New("status transition not allowed")
	ErrKeyRevoked        = errors.New("api key is revoked")
	ErrConcurrentUpdate  = errors.New("api key was modified concurrently")
	ErrKeyUnusable       = errors.New("api key is not active")
	ErrNoCredential      = errors.New("api key has no provider credential")
)

// revokeAttempts bounds how often Revoke reloads a key that keeps changing
// underneath it.
const revokeAttempts = 5

var validate = validator.New()

func init() {
	validate.RegisterValidation("scope", func(fl validator.FieldLevel) bool {
		return scope.IsValid(fl.Field().String())
	})
}

// IssueRequest describes a new key. ProviderCredential, when set, is the
// upstream secret the gateway forwards with; it is sealed before storage.
type IssueRequest struct {
	Name               string            `json:"name" validate:"required,max=100"`
	Provider           db.Provider       `json:"provider" validate:"required,oneof=openai gemini anthropic azure_openai custom"`
	ProjectID          string            `json:"project_id" validate:"required,max=64"`
	TenantID           string            `json:"tenant_id,omitempty" validate:"max=64"`
	Scopes             []string          `json:"scopes" validate:"dive,scope"`
	AllowedRoles       []string          `json:"allowed_roles" validate:"dive,required,max=64"`
	ModelAccess        []string          `json:"model_access" validate:"dive,required,max=128"`
	IPWhitelist        []string          `json:"ip_whitelist" validate:"dive,ip|cidr"`
	RateLimits         *db.RateLimits    `json:"rate_limits,omitempty"`
	ExpiresAt          *time.Time        `json:"expires_at,omitempty"`
	ProviderCredential string            `json:"provider_credential,omitempty"`
	Description        string            `json:"description,omitempty" validate:"max=500"`
	Tags               map[string]string `json:"tags,omitempty"`
}

// UpdateRequest changes non-secret fields. Nil fields are left as they are.
type UpdateRequest struct {
	Name         *string            `json:"name,omitempty" validate:"omitempty,max=100"`
	Scopes       *[]string          `json:"scopes,omitempty" validate:"omitempty,dive,scope"`
	AllowedRoles *[]string          `json:"allowed_roles,omitempty" validate:"omitempty,dive,required,max=64"`
	ModelAccess  *[]string          `json:"model_access,omitempty" validate:"omitempty,dive,required,max=128"`
	IPWhitelist  *[]string          `json:"ip_whitelist,omitempty" validate:"omitempty,dive,ip|cidr"`
	RateLimits   *db.RateLimits     `json:"rate_limits,omitempty"`
	ExpiresAt    *time.Time         `json:"expires_at,omitempty"`
	Description  *string            `json:"description,omitempty" validate:"omitempty,max=500"`
	Tags         *map[string]string `json:"tags,omitempty"`
}

// IssuedKey carries the only copy of a secret that is ever returned.
type IssuedKey struct {
	Key    *db.APIKey `json:"key"`
	Secret string     `json:"secret"`
}

// Invalidator drops cached secret resolutions for a key.
type Invalidator interface {
	Invalidate(keyID string)
}

// KeyService manages the key lifecycle.
type KeyService struct {
	keys        repository.KeyStore
	roles       repository.RoleProvider
	vault       *auth.Vault
	invalidator Invalidator
	usage       repository.UsageReader
	audit       audit.Logger
	metrics     *metrics.Collectors
	logger      *zap.Logger
	now         func() time.Time
}

type KeyServiceOption func(*KeyService)

func WithVault(v *auth.Vault) KeyServiceOption {
	return func(s *KeyService) { s.vault = v }
}

func WithInvalidator(i Invalidator) KeyServiceOption {
	return func(s *KeyService) { s.invalidator = i }
}

// WithUsageReader enables Usage.
func WithUsageReader(r repository.UsageReader) KeyServiceOption {
	return func(s *KeyService) { s.usage = r }
}

func WithAuditLogger(l audit.Logger) KeyServiceOption {
	return func(s *KeyService) { s.audit = l }
}

func WithKeyMetrics(m *metrics.Collectors) KeyServiceOption {
	return func(s *KeyService) { s.metrics = m }
}

func WithKeyLogger(l *zap.Logger) KeyServiceOption {
	return func(s *KeyService) { s.logger = l }
}

func WithKeyClock(now func() time.Time) KeyServiceOption {
	return func(s *KeyService) { s.now = now }
}

func NewKeyService(keys repository.KeyStore, roles repository.RoleProvider, opts ...KeyServiceOption) *KeyService {
	s := &KeyService{
		keys:   keys,
		roles:  roles,
		audit:  audit.Nop{},
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.NewNop()
	}
	return s
}

// Issue creates a key owned by actor and returns its secret once.
func (s *KeyService) Issue(ctx context.Context, actor string, req IssueRequest) (*IssuedKey, error) {
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	now := s.now().UTC()
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return nil, fmt.Errorf("%w: expires_at must be in the future", ErrInvalidRequest)
	}
	if req.TenantID != "" {
		if err := s.requireTenantMember(ctx, actor, req.TenantID); err != nil {
			return nil, err
		}
	}

	sealed, err := s.sealCredential(req.Provider, req.ProviderCredential)
	if err != nil {
		return nil, err
	}

	raw, hash, prefix, err := auth.GenerateAPIKey()
	if err != nil {
		return nil, fmt.Errorf("generate api key: %w", err)
	}

	key := &db.APIKey{
		ID:           uuid.NewString(),
		Name:         req.Name,
		Provider:     req.Provider,
		ProjectID:    req.ProjectID,
		TenantID:     req.TenantID,
		OwnerID:      actor,
		Status:       db.StatusActive,
		Scopes:       nonNil(req.Scopes),
		AllowedRoles: nonNil(req.AllowedRoles),
		ModelAccess:  nonNil(req.ModelAccess),
		IPWhitelist:  nonNil(req.IPWhitelist),
		RateLimits:   req.RateLimits,
		ExpiresAt:    req.ExpiresAt,
		Version:      1,
		KeyHash:      hash,
		KeyPrefix:    prefix,
		MaskedKey:    auth.MaskSecret(raw),
		SealedSecret: sealed,
		Description:  req.Description,
		Tags:         req.Tags,
		CreatedAt:    now,
		CreatedBy:    actor,
		UpdatedAt:    now,
		UpdatedBy:    actor,
	}
	if err := s.keys.Create(ctx, key); err != nil {
		return nil, fmt.Errorf("create api key: %w", err)
	}

	s.record(actor, "issue", key, map[string]interface{}{"masked_key": key.MaskedKey, "provider": key.Provider})
	return &IssuedKey{Key: key, Secret: raw}, nil
}

func (s *KeyService) Get(ctx context.Context, actor, id string) (*db.APIKey, error) {
	key, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, actor, key); err != nil {
		return nil, err
	}
	return key, nil
}

// List returns the actor's own keys, or every key of filter.TenantID when the
// actor is an admin there.
func (s *KeyService) List(ctx context.Context, actor string, filter repository.KeyFilter) ([]*db.APIKey, error) {
	admin := false
	if filter.TenantID != "" {
		var err error
		if admin, err = s.isAdmin(ctx, actor, filter.TenantID); err != nil {
			return nil, err
		}
	}
	if !admin {
		filter.OwnerID = actor
	}
	keys, err := s.keys.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return keys, nil
}

func (s *KeyService) Update(ctx context.Context, actor, id string, req UpdateRequest) (*db.APIKey, error) {
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	key, err := s.loadMutable(ctx, actor, id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		key.Name = *req.Name
	}
	if req.Scopes != nil {
		key.Scopes = nonNil(*req.Scopes)
	}
	if req.AllowedRoles != nil {
		key.AllowedRoles = nonNil(*req.AllowedRoles)
	}
	if req.ModelAccess != nil {
		key.ModelAccess = nonNil(*req.ModelAccess)
	}
	if req.IPWhitelist != nil {
		key.IPWhitelist = nonNil(*req.IPWhitelist)
	}
	if req.RateLimits != nil {
		if *req.RateLimits == (db.RateLimits{}) {
			key.RateLimits = nil
		} else {
			key.RateLimits = req.RateLimits
		}
	}
	if req.ExpiresAt != nil {
		if req.ExpiresAt.IsZero() {
			key.ExpiresAt = nil
		} else {
			key.ExpiresAt = req.ExpiresAt
		}
	}
	if req.Description != nil {
		key.Description = *req.Description
	}
	if req.Tags != nil {
		key.Tags = *req.Tags
	}

	if err := s.save(ctx, actor, key); err != nil {
		return nil, err
	}
	s.record(actor, "update", key, nil)
	return key, nil
}

// Rotate replaces the secret under the same id. The previous secret stops
// resolving immediately.
func (s *KeyService) Rotate(ctx context.Context, actor, id string) (*IssuedKey, error) {
	key, err := s.loadMutable(ctx, actor, id)
	if err != nil {
		return nil, err
	}

	raw, hash, prefix, err := auth.GenerateAPIKey()
	if err != nil {
		return nil, fmt.Errorf("generate api key: %w", err)
	}
	key.KeyHash = hash
	key.KeyPrefix = prefix
	key.MaskedKey = auth.MaskSecret(raw)
	key.Version++

	if err := s.save(ctx, actor, key); err != nil {
		return nil, err
	}
	s.invalidate(key.ID)
	s.record(actor, "rotate", key, map[string]interface{}{"version": key.Version})
	return &IssuedKey{Key: key, Secret: raw}, nil
}

// Revoke is terminal. Revoking a revoked key is a no-op. A concurrent write
// makes it reload and try again rather than fail.
func (s *KeyService) Revoke(ctx context.Context, actor, id string) (*db.APIKey, error) {
	for attempt := 1; ; attempt++ {
		key, err := s.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := s.authorize(ctx, actor, key); err != nil {
			return nil, err
		}
		if key.Status == db.StatusRevoked {
			return key, nil
		}
		key.Status = db.StatusRevoked
		err = s.save(ctx, actor, key)
		if errors.Is(err, ErrConcurrentUpdate) && attempt < revokeAttempts {
			continue
		}
		if err != nil {
			return nil, err
		}
		s.invalidate(key.ID)
		s.record(actor, "revoke", key, nil)
		return key, nil
	}
}

// SetStatus moves a key along the lifecycle graph.
func (s *KeyService) SetStatus(ctx context.Context, actor, id string, status db.Status) (*db.APIKey, error) {
	if status == db.StatusRevoked {
		return s.Revoke(ctx, actor, id)
	}
	key, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, actor, key); err != nil {
		return nil, err
	}
	if key.Status == status {
		return key, nil
	}
	if !db.CanTransition(key.Status, status) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, key.Status, status)
	}
	if status == db.StatusActive && key.IsExpired(s.now()) {
		return nil, fmt.Errorf("%w: key has expired", ErrInvalidTransition)
	}
	key.Status = status
	if err := s.save(ctx, actor, key); err != nil {
		return nil, err
	}
	s.record(actor, "status", key, map[string]interface{}{"status": status})
	return key, nil
}

// OpenCredential returns the upstream provider credential of a usable key.
// Keys without a sealed credential, or a service without a vault, yield
// ErrNoCredential.
func (s *KeyService) OpenCredential(ctx context.Context, id string) ([]byte, error) {
	if s.vault == nil {
		return nil, ErrNoCredential
	}
	key, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if key.Status == db.StatusRevoked {
		return nil, ErrKeyRevoked
	}
	if !key.IsUsable(s.now()) {
		return nil, ErrKeyUnusable
	}
	if len(key.SealedSecret) == 0 {
		return nil, ErrNoCredential
	}
	plain, err := s.vault.Open(key.SealedSecret)
	if err != nil {
		return nil, fmt.Errorf("open credential of %s: %w", id, err)
	}
	return plain, nil
}

// Usage returns the most recent validation attempts recorded for a key.
func (s *KeyService) Usage(ctx context.Context, actor, id string, limit int) ([]db.UsageEntry, error) {
	key, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, actor, key); err != nil {
		return nil, err
	}
	if s.usage == nil {
		return []db.UsageEntry{}, nil
	}
	entries, err := s.usage.ListUsage(ctx, id, limit)
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	return entries, nil
}

func (s *KeyService) load(ctx context.Context, id string) (*db.APIKey, error) {
	key, err := s.keys.Get(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get api key: %w", err)
	}
	return key, nil
}

func (s *KeyService) loadMutable(ctx context.Context, actor, id string) (*db.APIKey, error) {
	key, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, actor, key); err != nil {
		return nil, err
	}
	if key.Status == db.StatusRevoked {
		return nil, ErrKeyRevoked
	}
	return key, nil
}

func (s *KeyService) save(ctx context.Context, actor string, key *db.APIKey) error {
	key.UpdatedAt = s.now().UTC()
	key.UpdatedBy = actor
	if err := s.keys.Update(ctx, key); err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return ErrKeyNotFound
		case errors.Is(err, repository.ErrStale):
			return ErrConcurrentUpdate
		}
		return fmt.Errorf("update api key: %w", err)
	}
	return nil
}

func (s *KeyService) authorize(ctx context.Context, actor string, key *db.APIKey) error {
	if key.IsOwner(actor) {
		return nil
	}
	admin, err := s.isAdmin(ctx, actor, key.TenantID)
	if err != nil {
		return err
	}
	if !admin {
		return ErrForbidden
	}
	return nil
}

func (s *KeyService) isAdmin(ctx context.Context, actor, tenantID string) (bool, error) {
	if actor == "" {
		return false, nil
	}
	roles, err := s.roles.GetUserRoles(ctx, actor, tenantID)
	if err != nil {
		return false, fmt.Errorf("get user roles: %w", err)
	}
	return slices.Contains(roles, AdminRole), nil
}

func (s *KeyService) requireTenantMember(ctx context.Context, actor, tenantID string) error {
	roles, err := s.roles.GetUserRoles(ctx, actor, tenantID)
	if err != nil {
		return fmt.Errorf("get user roles: %w", err)
	}
	if len(roles) == 0 {
		return ErrForbidden
	}
	return nil
}

func (s *KeyService) sealCredential(provider db.Provider, credential string) ([]byte, error) {
	if credential == "" {
		return nil, nil
	}
	if s.vault == nil {
		return nil, fmt.Errorf("%w: provider credentials are not accepted without a vault", ErrInvalidRequest)
	}
	if err := auth.CheckCredentialFormat(string(provider), credential); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	sealed, err := s.vault.Seal([]byte(credential))
	if err != nil {
		return nil, fmt.Errorf("seal provider credential: %w", err)
	}
	return sealed, nil
}

func (s *KeyService) invalidate(keyID string) {
	if s.invalidator != nil {
		s.invalidator.Invalidate(keyID)
	}
}

func (s *KeyService) record(actor, action string, key *db.APIKey, meta map[string]interface{}) {
	s.metrics.KeyOperations.WithLabelValues(action).Inc()
	s.audit.Log(audit.LogEntry{
		Timestamp: s.now().UTC(),
		TenantID:  key.TenantID,
		ActorID:   actor,
		Action:    action,
		Resource:  key.ID,
		Metadata:  meta,
	})
	s.logger.Info("api key "+action, zap.String("key_id", key.ID), zap.String("actor", actor))
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
