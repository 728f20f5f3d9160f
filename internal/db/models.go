package db

import (
	"maps"
	"slices"
	"time"
)

// Provider is the upstream vendor a key is issued for.
type Provider string

const (
	ProviderOpenAI      Provider = "openai"
	ProviderGemini      Provider = "gemini"
	ProviderAnthropic   Provider = "anthropic"
	ProviderAzureOpenAI Provider = "azure_openai"
	ProviderCustom      Provider = "custom"
)

// Status is the lifecycle state of a key.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusRevoked  Status = "revoked"
	StatusExpired  Status = "expired"
)

// RateLimits configures per-key sliding windows. A zero field leaves that
// dimension unlimited.
type RateLimits struct {
	RequestsPerMinute int64 `json:"requests_per_minute,omitempty" validate:"gte=0"`
	TokensPerMinute   int64 `json:"tokens_per_minute,omitempty" validate:"gte=0"`
	RequestsPerDay    int64 `json:"requests_per_day,omitempty" validate:"gte=0"`
}

// APIKey is the authorization subject. Scopes, AllowedRoles, ModelAccess and
// IPWhitelist are independent allow-lists; an empty list means no restriction
// of that kind, except Scopes where empty means no scoped operation is granted.
type APIKey struct {
	ID           string            `json:"id" db:"id"`
	Name         string            `json:"name" db:"name"`
	Provider     Provider          `json:"provider" db:"provider"`
	ProjectID    string            `json:"project_id" db:"project_id"`
	TenantID     string            `json:"tenant_id,omitempty" db:"tenant_id"`
	OwnerID      string            `json:"owner_id" db:"owner_id"`
	Status       Status            `json:"status" db:"status"`
	Scopes       []string          `json:"scopes"`
	AllowedRoles []string          `json:"allowed_roles"`
	ModelAccess  []string          `json:"model_access"`
	IPWhitelist  []string          `json:"ip_whitelist"`
	RateLimits   *RateLimits       `json:"rate_limits,omitempty"`
	ExpiresAt    *time.Time        `json:"expires_at,omitempty" db:"expires_at"`
	LastUsedAt   *time.Time        `json:"last_used_at,omitempty" db:"last_used_at"`
	UsageCount   int64             `json:"usage_count" db:"usage_count"`
	Version      int               `json:"version" db:"version"`
	Revision     int64             `json:"-" db:"revision"` // bumped by every store update
	KeyHash      string            `json:"-" db:"key_hash"`          // SHA256 of the raw secret
	KeyPrefix    string            `json:"key_prefix" db:"key_prefix"` // identification only
	MaskedKey    string            `json:"masked_key" db:"masked_key"`
	SealedSecret []byte            `json:"-" db:"sealed_secret"` // upstream provider credential
	Description  string            `json:"description,omitempty" db:"description"`
	Tags         map[string]string `json:"tags,omitempty"`
	CreatedAt    time.Time         `json:"created_at" db:"created_at"`
	CreatedBy    string            `json:"created_by" db:"created_by"`
	UpdatedAt    time.Time         `json:"updated_at" db:"updated_at"`
	UpdatedBy    string            `json:"updated_by,omitempty" db:"updated_by"`
}

// UsageEntry is one validation attempt as seen by the usage log.
type UsageEntry struct {
	ID              string    `json:"id" db:"id"`
	KeyID           string    `json:"key_id" db:"key_id"`
	UserID          string    `json:"user_id" db:"user_id"`
	Endpoint        string    `json:"endpoint,omitempty" db:"endpoint"`
	Method          string    `json:"method,omitempty" db:"method"`
	Model           string    `json:"model,omitempty" db:"model"`
	EstimatedTokens int64     `json:"estimated_tokens,omitempty" db:"estimated_tokens"`
	ClientIP        string    `json:"client_ip,omitempty" db:"client_ip"`
	UserAgent       string    `json:"user_agent,omitempty" db:"user_agent"`
	SessionID       string    `json:"session_id,omitempty" db:"session_id"`
	Success         bool      `json:"success" db:"success"`
	Reason          string    `json:"reason,omitempty" db:"reason"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// IsExpired reports whether the key's expiry is at or before now.
func (k *APIKey) IsExpired(now time.Time) bool {
	return k.ExpiresAt != nil && !k.ExpiresAt.After(now)
}

// IsUsable reports whether the key is active and not expired.
func (k *APIKey) IsUsable(now time.Time) bool {
	return k.Status == StatusActive && !k.IsExpired(now)
}

// EffectiveStatus reports expired for an active key whose expiry has elapsed.
// Expiry is passive; nothing rewrites the stored status.
func (k *APIKey) EffectiveStatus(now time.Time) Status {
	if k.Status == StatusActive && k.IsExpired(now) {
		return StatusExpired
	}
	return k.Status
}

func (k *APIKey) IsOwner(userID string) bool {
	return userID != "" && k.OwnerID == userID
}

// AllowsRole reports whether any of roles is in AllowedRoles. An empty
// AllowedRoles places no role restriction on the key.
func (k *APIKey) AllowsRole(roles []string) bool {
	if len(k.AllowedRoles) == 0 {
		return true
	}
	for _, r := range roles {
		if slices.Contains(k.AllowedRoles, r) {
			return true
		}
	}
	return false
}

// AllowsModel checks the model allow-list. Empty allows all models.
func (k *APIKey) AllowsModel(model string) bool {
	if len(k.ModelAccess) == 0 {
		return true
	}
	return slices.Contains(k.ModelAccess, model)
}

func (k *APIKey) HasRateLimits() bool {
	return k.RateLimits != nil && (k.RateLimits.RequestsPerMinute > 0 ||
		k.RateLimits.TokensPerMinute > 0 || k.RateLimits.RequestsPerDay > 0)
}

// Clone returns a deep copy so callers may mutate it without racing the store.
func (k *APIKey) Clone() *APIKey {
	c := *k
	c.Scopes = slices.Clone(k.Scopes)
	c.AllowedRoles = slices.Clone(k.AllowedRoles)
	c.ModelAccess = slices.Clone(k.ModelAccess)
	c.IPWhitelist = slices.Clone(k.IPWhitelist)
	c.SealedSecret = slices.Clone(k.SealedSecret)
	if k.RateLimits != nil {
		rl := *k.RateLimits
		c.RateLimits = &rl
	}
	if k.ExpiresAt != nil {
		t := *k.ExpiresAt
		c.ExpiresAt = &t
	}
	if k.LastUsedAt != nil {
		t := *k.LastUsedAt
		c.LastUsedAt = &t
	}
	c.Tags = maps.Clone(k.Tags)
	return &c
}
