package auth

import (
	"fmt"
	"time"
)

// Scope is a permission attached to a token.
type Scope string

const (
	ScopeRead         Scope = "read"
	ScopeWrite        Scope = "write"
	ScopeAdmin        Scope = "admin"
	ScopeWebhookWrite Scope = "webhook:write"
)

// Token represents a persisted API token. The raw credential is never
// stored; Hash holds its SHA-256 hex digest.
type Token struct {
	ID         string     `json:"id"`
	Hash       string     `json:"hash"`
	Subject    string     `json:"subject"`
	Scopes     []Scope    `json:"scopes"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Revoked    bool       `json:"revoked"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// Expired reports whether the token's expiry has passed. A token with no
// expiry never expires.
func (t *Token) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && !now.Before(*t.ExpiresAt)
}

// Usable reports whether the token may authenticate a request.
func (t *Token) Usable(now time.Time) bool {
	return !t.Revoked && !t.Expired(now)
}

// HasScope reports whether the token carries the given scope. Admin
// tokens carry every scope.
func (t *Token) HasScope(scope Scope) bool {
	for _, s := range t.Scopes {
		if s == ScopeAdmin || s == scope {
			return true
		}
	}
	return false
}

// Reason classifies why authentication failed.
type Reason string

const (
	ReasonMissing Reason = "missing"
	ReasonUnknown Reason = "unknown"
	ReasonExpired Reason = "expired"
	ReasonRevoked Reason = "revoked"
)

// AuthError is the terminal authentication failure. Hint carries a safe
// identity hint (token ID or prefix), never the raw credential.
type AuthError struct {
	Reason Reason
	Hint   string
}

func (e *AuthError) Error() string {
	if e.Hint == "" {
		return fmt.Sprintf("authentication failed: %s credential", e.Reason)
	}
	return fmt.Sprintf("authentication failed: %s credential (token %s)", e.Reason, e.Hint)
}

// StorageError wraps a token store I/O failure. It is fatal to the
// request and must never be interpreted as "unauthenticated".
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("token store %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
