package policy

import (
	"net/http"
	"strings"
	"sync"
)

// Matcher defines criteria to apply a policy
type Matcher struct {
	Method string `json:"method,omitempty" mapstructure:"method"` // "*" or specific
	Path   string `json:"path" mapstructure:"path"`               // Prefix match
}

// Rules describe what a matched request must be granted and how much token
// budget it is charged when the body size is unknown.
type Rules struct {
	RequiredScopes []string `json:"required_scopes" mapstructure:"required_scopes"`
	DefaultTokens  int64    `json:"default_tokens,omitempty" mapstructure:"default_tokens"`
}

// Policy is a named set of rules
type Policy struct {
	ID      string  `json:"id" mapstructure:"id"`
	Matcher Matcher `json:"matcher" mapstructure:"matcher"`
	Rules   Rules   `json:"rules" mapstructure:"rules"`
}

// Fallback policies apply when nothing matches.
var (
	ReadPolicy  = Policy{ID: "read", Rules: Rules{RequiredScopes: []string{"read"}}}
	WritePolicy = Policy{ID: "write", Rules: Rules{RequiredScopes: []string{"write"}}}
)

// DefaultPolicies maps the AI gateway surface mounted at prefix to scopes.
// Chat completions must precede plain completions.
func DefaultPolicies(prefix string) []Policy {
	p := func(id, path string, tokens int64, scopes ...string) Policy {
		return Policy{
			ID:      id,
			Matcher: Matcher{Method: "*", Path: prefix + path},
			Rules:   Rules{RequiredScopes: scopes, DefaultTokens: tokens},
		}
	}
	return []Policy{
		p("chat.completions", "/chat/completions", 100, "chat.completions"),
		p("completions", "/completions", 50, "completions"),
		p("embeddings", "/embeddings", 10, "embeddings"),
		p("images", "/images", 0, "images"),
		p("audio", "/audio", 0, "audio"),
		p("models", "/models", 0, "models"),
		p("files", "/files", 0, "files"),
		p("fine_tuning", "/fine-tuning", 0, "fine_tuning"),
		p("moderations", "/moderations", 0, "moderations"),
	}
}

// Engine evaluates requests against policies
type Engine struct {
	mu       sync.RWMutex
	policies []Policy
}

func NewEngine(policies ...Policy) *Engine {
	return &Engine{policies: policies}
}

// LoadPolicies replaces the current set
func (e *Engine) LoadPolicies(newPolicies []Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies = newPolicies
}

// Evaluate finds the first matching policy. Unmatched requests fall back to
// the write policy for mutating methods and the read policy otherwise.
func (e *Engine) Evaluate(r *http.Request) Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, p := range e.policies {
		if match(p.Matcher, r) {
			return p
		}
	}
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return WritePolicy
	}
	return ReadPolicy
}

// EstimateTokens charges one token per four body bytes when the length is
// known, otherwise the policy default.
func EstimateTokens(r *http.Request, p Policy) int64 {
	if r.ContentLength > 0 {
		return r.ContentLength / 4
	}
	return p.Rules.DefaultTokens
}

func match(m Matcher, r *http.Request) bool {
	// Method Match
	if m.Method != "" && m.Method != "*" && m.Method != r.Method {
		return false
	}

	// Path Match (Prefix on segment boundary)
	if !strings.HasPrefix(r.URL.Path, m.Path) {
		return false
	}
	rest := r.URL.Path[len(m.Path):]
	return rest == "" || rest[0] == '/' || strings.HasSuffix(m.Path, "/")
}
