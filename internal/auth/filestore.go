package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileStore persists tokens to a JSON file with owner-only permissions.
// The whole file is rewritten on every mutation via an atomic rename, so
// a crash mid-write never leaves a truncated store behind.
type FileStore struct {
	path   string
	mu     sync.Mutex
	tokens map[string]*Token
}

// NewFileStore opens or creates the token file at path.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path, tokens: make(map[string]*Token)}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return &StorageError{Op: "load", Err: err}
	}
	var tokens []*Token
	if err := json.Unmarshal(data, &tokens); err != nil {
		return &StorageError{Op: "load", Err: fmt.Errorf("corrupt token file: %w", err)}
	}
	for _, tok := range tokens {
		s.tokens[tok.Hash] = tok
	}
	return nil
}

// flush writes the store under the lock held by the caller.
func (s *FileStore) flush() error {
	tokens := make([]*Token, 0, len(s.tokens))
	for _, tok := range s.tokens {
		tokens = append(tokens, tok)
	}
	data, err := json.MarshalIndent(tokens, "", "  ")
	if err != nil {
		return &StorageError{Op: "save", Err: err}
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".tokens-*")
	if err != nil {
		return &StorageError{Op: "save", Err: err}
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return &StorageError{Op: "save", Err: err}
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return &StorageError{Op: "save", Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &StorageError{Op: "save", Err: err}
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return &StorageError{Op: "save", Err: err}
	}
	return nil
}

func (s *FileStore) Get(ctx context.Context, hash string) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[hash]
	if !ok {
		return nil, ErrTokenNotFound
	}
	cp := *tok
	return &cp, nil
}

func (s *FileStore) Save(ctx context.Context, token *Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *token
	s.tokens[token.Hash] = &cp
	return s.flush()
}

func (s *FileStore) Revoke(ctx context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[hash]
	if !ok || tok.Revoked {
		return nil
	}
	tok.Revoked = true
	return s.flush()
}

func (s *FileStore) Touch(ctx context.Context, hash string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[hash]
	if !ok {
		return nil
	}
	t := at
	tok.LastUsedAt = &t
	return s.flush()
}

func (s *FileStore) List(ctx context.Context) ([]*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Token, 0, len(s.tokens))
	for _, tok := range s.tokens {
		cp := *tok
		out = append(out, &cp)
	}
	return out, nil
}
