package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/raakeshmj/keygate/internal/auth"
	"github.com/raakeshmj/keygate/internal/cache"
	"github.com/raakeshmj/keygate/internal/repository"
)

// AuthService resolves presented secrets and issues user session tokens.
type AuthService struct {
	keys       repository.KeyStore
	roles      repository.RoleProvider
	jwtManager *auth.JWTManager
	cache      *cache.TTLCache[string] // key hash -> key id
	group      singleflight.Group
}

func NewAuthService(k repository.KeyStore, r repository.RoleProvider, j *auth.JWTManager, c *cache.TTLCache[string]) *AuthService {
	if c == nil {
		c = cache.NewTTLCache[string](time.Minute)
	}
	return &AuthService{
		keys:       k,
		roles:      r,
		jwtManager: j,
		cache:      c,
	}
}

func (s *AuthService) JWTManager() *auth.JWTManager {
	return s.jwtManager
}

// ResolveAPIKey maps a raw secret to its key id. Concurrent lookups of the
// same secret share one store call. Status is not checked here.
func (s *AuthService) ResolveAPIKey(ctx context.Context, rawKey string) (string, error) {
	if !strings.HasPrefix(rawKey, auth.SecretPrefix) {
		return "", ErrKeyNotFound
	}
	hashed := auth.HashAPIKey(rawKey)

	// L1 Cache Check
	if id, found := s.cache.Get(hashed); found {
		return id, nil
	}

	v, err, _ := s.group.Do(hashed, func() (interface{}, error) {
		apiKey, err := s.keys.GetByHash(ctx, hashed)
		if err != nil {
			return "", err
		}
		s.cache.Set(hashed, apiKey.ID)
		return apiKey.ID, nil
	})
	if errors.Is(err, repository.ErrNotFound) {
		return "", ErrKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve api key: %w", err)
	}
	return v.(string), nil
}

// Invalidate drops cached resolutions of keyID.
func (s *AuthService) Invalidate(keyID string) {
	s.cache.DeleteFunc(func(id string) bool { return id == keyID })
}

// IssueToken mints a session token carrying the user's roles in tenantID.
func (s *AuthService) IssueToken(ctx context.Context, userID, tenantID string) (string, error) {
	roles, err := s.roles.GetUserRoles(ctx, userID, tenantID)
	if err != nil {
		return "", fmt.Errorf("get user roles: %w", err)
	}
	return s.jwtManager.Generate(userID, tenantID, roles)
}
