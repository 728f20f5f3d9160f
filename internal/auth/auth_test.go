package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAPIKey(t *testing.T) {
	raw, hash, prefix, err := GenerateAPIKey()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(raw, SecretPrefix))
	assert.True(t, strings.HasPrefix(raw, prefix))
	assert.Len(t, prefix, len(SecretPrefix)+5)
	assert.Equal(t, HashAPIKey(raw), hash)
	assert.Len(t, hash, 64)

	raw2, _, _, err := GenerateAPIKey()
	require.NoError(t, err)
	assert.NotEqual(t, raw, raw2)
}

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "kg_a****wxyz", MaskSecret("kg_abcdefghijklmnopqrstuvwxyz"))
	assert.Equal(t, "******", MaskSecret("secret"))
	assert.Equal(t, "", MaskSecret(""))
}

func TestCheckCredentialFormat(t *testing.T) {
	tests := []struct {
		provider, cred string
		ok             bool
	}{
		{"openai", "sk-" + strings.Repeat("a", 30), true},
		{"openai", strings.Repeat("a", 30), false},
		{"anthropic", "sk-ant-" + strings.Repeat("a", 20), true},
		{"anthropic", "sk-" + strings.Repeat("a", 20), false},
		{"gemini", strings.Repeat("g", 20), true},
		{"gemini", "short", false},
		{"custom", "12345678", true},
		{"custom", "1234567", false},
	}
	for _, tt := range tests {
		err := CheckCredentialFormat(tt.provider, tt.cred)
		if tt.ok {
			assert.NoError(t, err, tt.provider)
		} else {
			assert.Error(t, err, tt.provider)
		}
	}
}

func TestJWTRoundTrip(t *testing.T) {
	m := NewJWTManager("secret", time.Hour)
	token, err := m.Generate("user-1", "tenant-1", []string{"developer"})
	require.NoError(t, err)

	claims, err := m.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "tenant-1", claims.TenantID)
	assert.Equal(t, []string{"developer"}, claims.Roles)
}

func TestJWTRejectsWrongSecretAndExpiry(t *testing.T) {
	token, err := NewJWTManager("secret", time.Hour).Generate("user-1", "", nil)
	require.NoError(t, err)

	_, err = NewJWTManager("other", time.Hour).Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired, err := NewJWTManager("secret", -time.Minute).Generate("user-1", "", nil)
	require.NoError(t, err)
	_, err = NewJWTManager("secret", time.Hour).Verify(expired)
	assert.ErrorIs(t, err, ErrExpiredToken)

	_, err = NewJWTManager("secret", time.Hour).Verify("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVaultSealOpen(t *testing.T) {
	v, err := NewVault("passphrase", []byte("0123456789abcdef"))
	require.NoError(t, err)

	sealed, err := v.Seal([]byte("sk-upstream-credential"))
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "sk-upstream")

	plain, err := v.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "sk-upstream-credential", string(plain))

	again, err := v.Seal([]byte("sk-upstream-credential"))
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonce must differ per seal")
}

func TestVaultRejectsTamperingAndWrongKey(t *testing.T) {
	salt := []byte("0123456789abcdef")
	v, err := NewVault("passphrase", salt)
	require.NoError(t, err)
	sealed, err := v.Seal([]byte("credential"))
	require.NoError(t, err)

	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0xff
	_, err = v.Open(tampered)
	assert.ErrorIs(t, err, ErrSealedData)

	other, err := NewVault("different", salt)
	require.NoError(t, err)
	_, err = other.Open(sealed)
	assert.ErrorIs(t, err, ErrSealedData)

	_, err = v.Open([]byte("short"))
	assert.ErrorIs(t, err, ErrSealedData)

	_, err = NewVault("", salt)
	assert.Error(t, err)
	_, err = NewVault("x", []byte("1"))
	assert.Error(t, err)
}
