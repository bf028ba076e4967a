package util

import (
	"slices"
	"strings"
)

// ParseScope splits a space-delimited scope parameter into a sorted list
// without duplicates.
func ParseScope(scope string) []string {
	return NormalizeScopes(strings.Fields(scope))
}

// JoinScope renders scopes as the space-delimited protocol value.
func JoinScope(scopes []string) string {
	return strings.Join(scopes, " ")
}

// NormalizeScopes returns a sorted copy of scopes without empty entries or
// duplicates.
func NormalizeScopes(scopes []string) []string {
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// IsSubset reports whether every entry of requested appears in allowed.
func IsSubset(requested, allowed []string) bool {
	for _, s := range requested {
		if !slices.Contains(allowed, s) {
			return false
		}
	}
	return true
}

// ValidScopeToken reports whether s is a legal scope token per RFC 6749
// section 3.3: printable ASCII excluding space, double quote and backslash.
func ValidScopeToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 0x21 || c > 0x7e || c == '"' || c == '\\' {
			return false
		}
	}
	return true
}
