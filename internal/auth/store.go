package auth

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTokenNotFound is returned by Store.Get when no token matches.
var ErrTokenNotFound = errors.New("token not found")

// Store defines storage operations for tokens, keyed by credential hash.
// Tokens are never deleted, only revoked.
type Store interface {
	// Get returns the token whose credential hash matches, or
	// ErrTokenNotFound. I/O failures are surfaced as *StorageError.
	Get(ctx context.Context, hash string) (*Token, error)
	// Save upserts a token.
	Save(ctx context.Context, token *Token) error
	// Revoke marks a token revoked. Revoking twice is not an error.
	Revoke(ctx context.Context, hash string) error
	// Touch updates the last-used timestamp.
	Touch(ctx context.Context, hash string, at time.Time) error
	// List returns all tokens, revoked included.
	List(ctx context.Context) ([]*Token, error)
}

// MemoryStore is an in-process Store for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	tokens map[string]*Token
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]*Token)}
}

func (s *MemoryStore) Get(ctx context.Context, hash string) (*Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.tokens[hash]
	if !ok {
		return nil, ErrTokenNotFound
	}
	cp := *tok
	return &cp, nil
}

func (s *MemoryStore) Save(ctx context.Context, token *Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *token
	s.tokens[token.Hash] = &cp
	return nil
}

func (s *MemoryStore) Revoke(ctx context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok, ok := s.tokens[hash]; ok {
		tok.Revoked = true
	}
	return nil
}

func (s *MemoryStore) Touch(ctx context.Context, hash string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok, ok := s.tokens[hash]; ok {
		t := at
		tok.LastUsedAt = &t
	}
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Token, 0, len(s.tokens))
	for _, tok := range s.tokens {
		cp := *tok
		out = append(out, &cp)
	}
	return out, nil
}
