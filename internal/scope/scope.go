package scope

import (
	"regexp"
	"strings"
)

// Wildcard is the universal scope. A key holding it may perform any scoped operation.
const Wildcard = "*"

// scopePattern accepts dot-separated segments of [A-Za-z0-9_-]+, optionally
// terminated by a literal "*" segment.
var scopePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+(\.[A-Za-z0-9_-]+)*(\.\*)?$`)

// Report partitions a list of scope strings by syntactic validity
type Report struct {
	Valid    []string `json:"valid_scopes"`
	Invalid  []string `json:"invalid_scopes"`
	AllValid bool     `json:"all_valid"`
}

// IsValid reports whether s is a well-formed scope string.
func IsValid(s string) bool {
	if s == Wildcard {
		return true
	}
	return scopePattern.MatchString(s)
}

// ValidateScopes classifies every input into exactly one of Valid or Invalid,
// preserving input order and duplicates.
func ValidateScopes(scopes []string) Report {
	r := Report{
		Valid:   make([]string, 0, len(scopes)),
		Invalid: make([]string, 0),
	}
	for _, s := range scopes {
		if IsValid(s) {
			r.Valid = append(r.Valid, s)
		} else {
			r.Invalid = append(r.Invalid, s)
		}
	}
	r.AllValid = len(r.Invalid) == 0
	return r
}

// Hierarchy returns the cumulative dot prefixes of s:
// "api.chat.completions" -> ["api", "api.chat", "api.chat.completions"].
func Hierarchy(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ".")
	out := make([]string, 0, len(parts))
	for i := range parts {
		out = append(out, strings.Join(parts[:i+1], "."))
	}
	return out
}

// CheckPermission reports whether required is covered by allowed. A scope is
// covered by an exact grant, by the global wildcard, or by a grant of the form
// "prefix.*" when required starts with "prefix.". A grant without the trailing
// ".*" never covers its children.
func CheckPermission(allowed []string, required string) bool {
	for _, g := range allowed {
		if g == required || g == Wildcard {
			return true
		}
		if strings.HasSuffix(g, ".*") && strings.HasPrefix(required, g[:len(g)-1]) {
			return true
		}
	}
	return false
}

// Covers reports whether every scope in required is covered by granted.
// An empty required list is always covered.
func Covers(granted, required []string) bool {
	for _, r := range required {
		if !CheckPermission(granted, r) {
			return false
		}
	}
	return true
}

// Missing returns the required scopes that granted does not cover.
func Missing(granted, required []string) []string {
	var out []string
	for _, r := range required {
		if !CheckPermission(granted, r) {
			out = append(out, r)
		}
	}
	return out
}
