package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, StoreMemory, cfg.TokenStore)
	assert.Equal(t, 60, cfg.RateLimitMax)
	assert.Equal(t, 60, cfg.RateLimitWindowSeconds)
	assert.Equal(t, 3, cfg.RetryMaxAttempts)
	assert.Equal(t, 500, cfg.RetryBaseMs)
	assert.Equal(t, "gpt-4o-mini", cfg.OpenAI.Model)
	assert.Equal(t, 30*time.Second, cfg.OpenAI.Timeout)
	assert.False(t, cfg.CacheEnabled)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant")
	t.Setenv("ANTHROPIC_MODEL", "claude-3-opus-20240229")
	t.Setenv("ANTHROPIC_TIMEOUT_SECONDS", "90")
	t.Setenv("RATE_LIMIT_MAX", "10")
	t.Setenv("TOKEN_STORE", "file")
	t.Setenv("TOKEN_FILE", "/var/lib/promptgate/tokens.json")
	t.Setenv("CACHE_ENABLED", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "claude-3-opus-20240229", cfg.Anthropic.Model)
	assert.Equal(t, 90*time.Second, cfg.Anthropic.Timeout)
	assert.Equal(t, 10, cfg.RateLimitMax)
	assert.Equal(t, StoreFile, cfg.TokenStore)
	assert.Equal(t, "/var/lib/promptgate/tokens.json", cfg.TokenFile)
	assert.True(t, cfg.CacheEnabled)
}

func TestLoadRequiresProviderKey(t *testing.T) {
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider API key")
}

func TestLoadPostgresRequiresURL(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("TOKEN_STORE", "postgres")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")

	t.Setenv("DATABASE_URL", "postgres://localhost/promptgate")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, StorePostgres, cfg.TokenStore)
}

func TestLoadRejectsUnknownStore(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("TOKEN_STORE", "etcd")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown TOKEN_STORE")
}

func TestLoadRejectsNonPositiveRateLimit(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("RATE_LIMIT_MAX", "0")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RATE_LIMIT_MAX")

	t.Setenv("RATE_LIMIT_MAX", "10")
	t.Setenv("RATE_LIMIT_WINDOW_SECONDS", "-5")

	_, err = Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RATE_LIMIT_WINDOW_SECONDS")
}

func TestLoadIgnoresMalformedInt(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("RATE_LIMIT_MAX", "lots")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 60, cfg.RateLimitMax, "unparseable values fall back to the default")
}
