package auth

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleToken(hash string) *Token {
	exp := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	return &Token{
		ID:        "tok-1",
		Hash:      hash,
		Subject:   "excel-webhook",
		Scopes:    []Scope{ScopeRead, ScopeWebhookWrite},
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		ExpiresAt: &exp,
	}
}

// storeFactories lets the same contract suite run over every backend.
func storeFactories(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"file": func(t *testing.T) Store {
			fs, err := NewFileStore(filepath.Join(t.TempDir(), "tokens.json"))
			require.NoError(t, err)
			return fs
		},
	}
}

func TestStoreRoundTrip(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)
			want := sampleToken("abc123")

			require.NoError(t, store.Save(ctx, want))

			got, err := store.Get(ctx, "abc123")
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestStoreGetUnknown(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			_, err := store.Get(context.Background(), "nope")
			assert.ErrorIs(t, err, ErrTokenNotFound)
		})
	}
}

func TestStoreRevokeIdempotent(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)
			require.NoError(t, store.Save(ctx, sampleToken("abc123")))

			require.NoError(t, store.Revoke(ctx, "abc123"))
			first, err := store.Get(ctx, "abc123")
			require.NoError(t, err)

			require.NoError(t, store.Revoke(ctx, "abc123"))
			second, err := store.Get(ctx, "abc123")
			require.NoError(t, err)

			assert.True(t, first.Revoked)
			assert.Equal(t, first, second)
		})
	}
}

func TestStoreTouch(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)
			require.NoError(t, store.Save(ctx, sampleToken("abc123")))

			at := time.Date(2026, 6, 1, 9, 30, 0, 0, time.UTC)
			require.NoError(t, store.Touch(ctx, "abc123", at))

			got, err := store.Get(ctx, "abc123")
			require.NoError(t, err)
			require.NotNil(t, got.LastUsedAt)
			assert.Equal(t, at, *got.LastUsedAt)
		})
	}
}

func TestFileStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tokens.json")

	first, err := NewFileStore(path)
	require.NoError(t, err)
	require.NoError(t, first.Save(ctx, sampleToken("abc123")))
	require.NoError(t, first.Revoke(ctx, "abc123"))

	reopened, err := NewFileStore(path)
	require.NoError(t, err)
	got, err := reopened.Get(ctx, "abc123")
	require.NoError(t, err)
	assert.True(t, got.Revoked)
	assert.Equal(t, "excel-webhook", got.Subject)
}

func TestFileStoreOwnerOnlyPermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	fs, err := NewFileStore(path)
	require.NoError(t, err)
	require.NoError(t, fs.Save(context.Background(), sampleToken("abc123")))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestFileStoreRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := NewFileStore(path)
	var storageErr *StorageError
	assert.ErrorAs(t, err, &storageErr)
}
