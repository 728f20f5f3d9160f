package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

// SecretPrefix marks secrets issued by this service.
const SecretPrefix = "kg_"

type TokenClaims struct {
	UserID   string   `json:"user_id"`
	TenantID string   `json:"tenant_id,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// API Key Generation (Secure Random + SHA256 Hash)
// Returns: rawKey (to show user once), keyHash (to store), prefix (to store)
func GenerateAPIKey() (string, string, string, error) {
	bytes := make([]byte, 32) // 256 bits of entropy
	if _, err := rand.Read(bytes); err != nil {
		return "", "", "", err
	}

	rawKey := SecretPrefix + base64.RawURLEncoding.EncodeToString(bytes)
	prefix := rawKey[:len(SecretPrefix)+5]

	return rawKey, HashAPIKey(rawKey), prefix, nil
}

// HashAPIKey returns the SHA256 hash of the raw key
func HashAPIKey(rawKey string) string {
	hash := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(hash[:])
}

// MaskSecret keeps the first and last four characters. Short secrets are
// fully masked.
func MaskSecret(secret string) string {
	if len(secret) <= 8 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:4] + "****" + secret[len(secret)-4:]
}

// CheckCredentialFormat applies the provider's known shape to an upstream
// credential before it is sealed.
func CheckCredentialFormat(provider, credential string) error {
	ok := false
	switch provider {
	case "openai":
		ok = strings.HasPrefix(credential, "sk-") && len(credential) >= 20
	case "anthropic":
		ok = strings.HasPrefix(credential, "sk-ant-") && len(credential) >= 20
	case "gemini", "azure_openai":
		ok = len(credential) >= 20
	default:
		ok = len(credential) >= 8
	}
	if !ok {
		return fmt.Errorf("credential does not look like a %s key", provider)
	}
	return nil
}

// JWT Logic
type JWTManager struct {
	secretKey     string
	tokenDuration time.Duration
}

func NewJWTManager(secretKey string, tokenDuration time.Duration) *JWTManager {
	return &JWTManager{secretKey, tokenDuration}
}

func (m *JWTManager) Generate(userID, tenantID string, roles []string) (string, error) {
	now := time.Now()
	claims := TokenClaims{
		UserID:   userID,
		TenantID: tenantID,
		Roles:    roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenDuration)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "keygate",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(m.secretKey))
}

func (m *JWTManager) Verify(tokenStr string) (*TokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &TokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(m.secretKey), nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*TokenClaims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
