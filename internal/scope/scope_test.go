package scope

import (
	"math/rand/v2"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateScopes(t *testing.T) {
	t.Run("all valid", func(t *testing.T) {
		in := []string{"chat.completions", "embeddings", "images.*", "*", "fine_tuning", "a-b.c_d"}
		r := ValidateScopes(in)
		assert.True(t, r.AllValid)
		assert.Equal(t, in, r.Valid)
		assert.Empty(t, r.Invalid)
	})

	t.Run("some invalid", func(t *testing.T) {
		r := ValidateScopes([]string{"chat.completions", "invalid@scope", "embeddings", "", "a..b", ".a", "a.", "a.*.b", "**"})
		assert.False(t, r.AllValid)
		assert.Equal(t, []string{"chat.completions", "embeddings"}, r.Valid)
		assert.Equal(t, []string{"invalid@scope", "", "a..b", ".a", "a.", "a.*.b", "**"}, r.Invalid)
	})

	t.Run("empty input", func(t *testing.T) {
		r := ValidateScopes(nil)
		assert.True(t, r.AllValid)
		assert.Empty(t, r.Valid)
		assert.Empty(t, r.Invalid)
	})
}

func TestValidateScopesPartition(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 500; i++ {
		in := randomScopes(rng, rng.IntN(12), true)
		r := ValidateScopes(in)
		require.Len(t, in, len(r.Valid)+len(r.Invalid))
		for _, v := range r.Valid {
			assert.True(t, IsValid(v))
		}
		for _, v := range r.Invalid {
			assert.False(t, IsValid(v))
		}
	}
}

func TestHierarchy(t *testing.T) {
	assert.Equal(t, []string{"api", "api.chat", "api.chat.completions"}, Hierarchy("api.chat.completions"))
	assert.Equal(t, []string{"models"}, Hierarchy("models"))
	assert.Nil(t, Hierarchy(""))
}

func TestCheckPermission(t *testing.T) {
	tests := []struct {
		name     string
		allowed  []string
		required string
		want     bool
	}{
		{"direct match", []string{"chat.completions", "embeddings"}, "chat.completions", true},
		{"prefix wildcard", []string{"chat.*"}, "chat.completions", true},
		{"prefix wildcard deep", []string{"api.*"}, "api.chat.completions", true},
		{"global wildcard", []string{"*"}, "anything.at.all", true},
		{"no match", []string{"chat.completions"}, "images", false},
		{"parent without wildcard", []string{"api.chat"}, "api.chat.completions", false},
		{"wildcard does not cover its own root", []string{"chat.*"}, "chat", false},
		{"wildcard needs dot boundary", []string{"chat.*"}, "chatter.x", false},
		{"empty allowed", nil, "chat", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CheckPermission(tt.allowed, tt.required))
		})
	}
}

func TestCheckPermissionMatchesReferenceRule(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	for i := 0; i < 2000; i++ {
		allowed := randomScopes(rng, rng.IntN(5), false)
		required := randomScope(rng, false)

		want := slices.Contains(allowed, required) || slices.Contains(allowed, "*")
		for _, g := range allowed {
			if strings.HasSuffix(g, ".*") && strings.HasPrefix(required, g[:len(g)-1]) {
				want = true
			}
		}
		assert.Equal(t, want, CheckPermission(allowed, required), "allowed=%v required=%q", allowed, required)
	}
}

func TestCoversMonotonic(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 5))
	for i := 0; i < 500; i++ {
		a := randomScopes(rng, rng.IntN(6), false)
		b := randomScopes(rng, rng.IntN(6), false)
		union := append(slices.Clone(a), b...)

		assert.True(t, Covers(union, a), "union must include a: a=%v b=%v", a, b)
		assert.True(t, Covers(union, b), "union must include b: a=%v b=%v", a, b)
	}
}

func TestCoversAndMissing(t *testing.T) {
	granted := []string{"chat.*", "embeddings"}
	assert.True(t, Covers(granted, nil))
	assert.True(t, Covers(granted, []string{"chat.completions", "embeddings"}))
	assert.False(t, Covers(granted, []string{"chat.completions", "images"}))
	assert.Equal(t, []string{"images"}, Missing(granted, []string{"chat.completions", "images"}))
}

var segments = []string{"api", "chat", "completions", "images", "embeddings", "audio", "x"}

func randomScope(rng *rand.Rand, allowGarbage bool) string {
	if allowGarbage && rng.IntN(6) == 0 {
		return []string{"", "bad@scope", "a..b", " ", "a.*.b"}[rng.IntN(5)]
	}
	if rng.IntN(10) == 0 {
		return "*"
	}
	n := 1 + rng.IntN(3)
	parts := make([]string, 0, n+1)
	for j := 0; j < n; j++ {
		parts = append(parts, segments[rng.IntN(len(segments))])
	}
	if rng.IntN(4) == 0 {
		parts = append(parts, "*")
	}
	return strings.Join(parts, ".")
}

func randomScopes(rng *rand.Rand, n int, allowGarbage bool) []string {
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, randomScope(rng, allowGarbage))
	}
	return out
}
