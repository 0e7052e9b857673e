// Package scope derives storage key prefixes from session state.
//
// Every key stored on behalf of a session is logically {prefix}_{base},
// where the prefix is "anonymous" for a not-yet-authenticated session or
// "user_{id}" once the session is authenticated. Scoped store accessors
// apply the prefix automatically; migration, backup, and promotion code
// use raw accessors and this package to move data across scopes.
package scope

import (
	"fmt"
	"strings"
)

// AnonymousPrefix is the key prefix for unauthenticated sessions.
const AnonymousPrefix = "anonymous"

// userPrefixFormat builds the prefix for an authenticated user.
const userPrefixFormat = "user_%s"

// Scope identifies whose data a storage key belongs to.
type Scope struct {
	prefix string
}

// Anonymous returns the scope for an unauthenticated session.
func Anonymous() Scope {
	return Scope{prefix: AnonymousPrefix}
}

// ForUser returns the scope for the authenticated user with the given ID.
func ForUser(userID string) Scope {
	return Scope{prefix: fmt.Sprintf(userPrefixFormat, userID)}
}

// Prefix returns the bare prefix without a trailing separator.
func (s Scope) Prefix() string {
	return s.prefix
}

// Key returns the full storage key for a base key within this scope.
func (s Scope) Key(base string) string {
	return s.prefix + "_" + base
}

// Contains reports whether the given full key belongs to this scope.
func (s Scope) Contains(fullKey string) bool {
	return strings.HasPrefix(fullKey, s.prefix+"_")
}

// Base strips this scope's prefix from a full key.
// Returns ("", false) if the key is not in this scope.
func (s Scope) Base(fullKey string) (string, bool) {
	base, ok := strings.CutPrefix(fullKey, s.prefix+"_")
	if !ok {
		return "", false
	}
	return base, true
}

// IsAnonymous reports whether this is the anonymous scope.
func (s Scope) IsAnonymous() bool {
	return s.prefix == AnonymousPrefix
}

// AuthState is the contract the storage layer requires from the
// application's authentication provider. Implementations must be safe
// to call before any storage operation runs.
type AuthState interface {
	// Authenticated reports whether the current session belongs to a
	// signed-in user.
	Authenticated() bool

	// UserID returns the current user's ID. The result is meaningful
	// only when Authenticated() is true.
	UserID() string
}

// Current returns the scope for the session described by auth.
func Current(auth AuthState) Scope {
	if auth != nil && auth.Authenticated() {
		return ForUser(auth.UserID())
	}
	return Anonymous()
}
