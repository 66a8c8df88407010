package catalog

import (
	"fmt"
	"sort"
	"strings"
)

// Scope narrows a direct grant to a subset of subjects, e.g.
// {"project_id": "..."}. An empty scope applies to all subjects of the
// permission. Matching is conjunctive and partial: every key the grant
// constrains must appear in the request with an equal value, while keys the
// grant does not mention never block a match.
type Scope map[string]string

const (
	maxScopeKeys     = 16
	maxScopeValueLen = 256
)

// Validate rejects malformed scope documents at grant time; an invalid
// scope is never stored.
func Validate(s Scope) error {
	if len(s) > maxScopeKeys {
		return fmt.Errorf("%w: more than %d keys", ErrInvalidScope, maxScopeKeys)
	}
	for k, v := range s {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("%w: empty key", ErrInvalidScope)
		}
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("%w: empty value for key %q", ErrInvalidScope, k)
		}
		if len(v) > maxScopeValueLen {
			return fmt.Errorf("%w: value for key %q too long", ErrInvalidScope, k)
		}
	}
	return nil
}

// Matches reports whether a grant carrying this scope covers a request made
// against the given scope.
func (s Scope) Matches(request Scope) bool {
	for k, want := range s {
		got, ok := request[k]
		if !ok || got != want {
			return false
		}
	}
	return true
}

// Equal reports structural equality, used for duplicate-grant detection.
func (s Scope) Equal(other Scope) bool {
	if len(s) != len(other) {
		return false
	}
	return s.Matches(other)
}

// Key renders a deterministic representation of the scope, used as part of
// uniqueness keys and audit payloads.
func (s Scope) Key() string {
	if len(s) == 0 {
		return ""
	}
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+s[k])
	}
	return strings.Join(parts, ",")
}

// Document converts the scope into a JSON-serializable payload fragment.
func (s Scope) Document() map[string]any {
	doc := make(map[string]any, len(s))
	for k, v := range s {
		doc[k] = v
	}
	return doc
}
