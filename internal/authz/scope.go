package authz

import (
	"fmt"
	"strings"
)

// Scope is a slash-delimited hierarchical path narrowing where a permission
// applies, e.g. "organization/acme/project/42". Containment is prefix based:
// a scope contains itself and every descendant path.
type Scope string

const maxScopeSegments = 16

// ParseScope validates and normalizes a scope path. Segments are lowercase
// alphanumerics plus '-' and '_'; leading and trailing slashes are rejected.
func ParseScope(raw string) (Scope, error) {
	if raw == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidScope)
	}
	segments := strings.Split(raw, "/")
	if len(segments) > maxScopeSegments {
		return "", fmt.Errorf("%w: %q exceeds %d segments", ErrInvalidScope, raw, maxScopeSegments)
	}
	for _, seg := range segments {
		if seg == "" {
			return "", fmt.Errorf("%w: %q has an empty segment", ErrInvalidScope, raw)
		}
		for _, r := range seg {
			if !isScopeRune(r) {
				return "", fmt.Errorf("%w: %q has illegal character %q", ErrInvalidScope, raw, r)
			}
		}
	}
	return Scope(raw), nil
}

func isScopeRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z':
		return true
	case r >= '0' && r <= '9':
		return true
	case r == '-' || r == '_':
		return true
	}
	return false
}

// Contains reports whether other is s or a descendant of s.
func (s Scope) Contains(other Scope) bool {
	if s == other {
		return true
	}
	return strings.HasPrefix(string(other), string(s)+"/")
}

func (s Scope) String() string { return string(s) }
