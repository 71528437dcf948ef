package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/rs/zerolog"
)

// HashCredential returns the SHA-256 hex digest of a raw credential.
// Stores index tokens by this value so the raw string is never persisted.
func HashCredential(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Authenticator resolves raw credentials to valid tokens.
type Authenticator struct {
	store     Store
	jwtSecret []byte
	now       func() time.Time
	log       zerolog.Logger
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithJWTSecret enables the HS256-signed credential path.
func WithJWTSecret(secret []byte) Option {
	return func(a *Authenticator) { a.jwtSecret = secret }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) { a.now = now }
}

func NewAuthenticator(store Store, log zerolog.Logger, opts ...Option) *Authenticator {
	a := &Authenticator{
		store: store,
		now:   time.Now,
		log:   log,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Authenticate resolves a raw credential to a usable token. Failures are
// *AuthError; store I/O failures propagate as *StorageError and must not
// be treated as unauthenticated.
func (a *Authenticator) Authenticate(ctx context.Context, rawCredential string) (*Token, error) {
	if rawCredential == "" {
		return nil, &AuthError{Reason: ReasonMissing}
	}

	if len(a.jwtSecret) > 0 && strings.Count(rawCredential, ".") == 2 {
		return a.authenticateJWT(rawCredential)
	}

	hash := HashCredential(rawCredential)
	tok, err := a.store.Get(ctx, hash)
	if errors.Is(err, ErrTokenNotFound) {
		return nil, &AuthError{Reason: ReasonUnknown}
	}
	if err != nil {
		return nil, err
	}

	// The store lookup is already keyed on the digest; the explicit
	// compare keeps the final accept/reject constant-time.
	if subtle.ConstantTimeCompare([]byte(tok.Hash), []byte(hash)) != 1 {
		return nil, &AuthError{Reason: ReasonUnknown}
	}

	now := a.now()
	if tok.Revoked {
		a.log.Warn().Str("token_id", tok.ID).Msg("revoked token presented")
		return nil, &AuthError{Reason: ReasonRevoked, Hint: tok.ID}
	}
	if tok.Expired(now) {
		a.log.Warn().Str("token_id", tok.ID).Msg("expired token presented")
		return nil, &AuthError{Reason: ReasonExpired, Hint: tok.ID}
	}

	// Best-effort last-used update; its failure never fails the request.
	go func() {
		touchCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.store.Touch(touchCtx, hash, now); err != nil {
			a.log.Warn().Err(err).Str("token_id", tok.ID).Msg("last-used update failed")
		}
	}()

	return tok, nil
}

// authenticateJWT accepts an HS256-signed credential without a store hit.
// Subject and scopes come from claims; expiry is enforced by the parser.
func (a *Authenticator) authenticateJWT(raw string) (*Token, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return a.jwtSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, &AuthError{Reason: ReasonExpired}
		}
		return nil, &AuthError{Reason: ReasonUnknown}
	}

	sub, _ := claims["sub"].(string)
	tok := &Token{
		ID:        "jwt:" + sub,
		Subject:   sub,
		Scopes:    []Scope{ScopeRead, ScopeWrite},
		CreatedAt: a.now(),
	}
	if raw, ok := claims["scopes"].([]interface{}); ok {
		tok.Scopes = tok.Scopes[:0]
		for _, s := range raw {
			if str, ok := s.(string); ok {
				tok.Scopes = append(tok.Scopes, Scope(str))
			}
		}
	}
	return tok, nil
}
