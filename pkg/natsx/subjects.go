package natsx

import (
	"fmt"
	"strings"
)

// AllowedClasses are the subject classes Umpire publishes under.
var AllowedClasses = map[string]struct{}{
	"events": {},
	"audit":  {},
}

// IsValidToken reports whether token can be one NATS subject token:
// lowercase alphanumerics and underscores only.
func IsValidToken(token string) bool {
	if token == "" {
		return false
	}
	for _, r := range token {
		if !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') && r != '_' {
			return false
		}
	}
	return true
}

// BuildSubject joins <source>.<class>.<type>[.<id>][.<action>], skipping
// empty optional tokens.
func BuildSubject(source, class, typ, id, action string) (string, error) {
	if _, ok := AllowedClasses[class]; !ok && IsValidToken(class) {
		return "", fmt.Errorf("class %q is not allowed: %w", class, ErrInvalidClass)
	}
	tokens := []struct {
		role, value string
		optional    bool
	}{
		{"source", source, false},
		{"class", class, false},
		{"type", typ, false},
		{"id", id, true},
		{"action", action, true},
	}
	parts := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if tok.optional && tok.value == "" {
			continue
		}
		if !IsValidToken(tok.value) {
			return "", fmt.Errorf("invalid %s token %q: %w", tok.role, tok.value, ErrInvalidToken)
		}
		parts = append(parts, tok.value)
	}
	return strings.Join(parts, "."), nil
}

// DeploySubject is the subject deploy transitions into state are published on.
func DeploySubject(state string) (string, error) {
	return BuildSubject(EventSource, "events", "deploy", state, "")
}
