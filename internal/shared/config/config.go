package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// StoreKind selects the token store backend.
type StoreKind string

const (
	StoreMemory   StoreKind = "memory"
	StoreFile     StoreKind = "file"
	StorePostgres StoreKind = "postgres"
)

// Provider holds one provider's settings.
type Provider struct {
	APIKey      string
	Model       string
	BaseURL     string
	Timeout     time.Duration
	MaxAttempts int
}

// Config holds all configuration for the gateway.
type Config struct {
	// Server
	Port string
	Env  string

	// Logging
	LogLevel  string
	LogFormat string

	// Token store
	TokenStore  StoreKind
	TokenFile   string
	DatabaseURL string

	// Optional JWT credential path
	JWTSecret string

	// Redis (optional; enables shared rate limiting and response cache)
	RedisURL        string
	CacheEnabled    bool
	CacheTTLSeconds int

	// Rate limiting
	RateLimitMax           int
	RateLimitWindowSeconds int

	// Retry policy
	RetryMaxAttempts int
	RetryBaseMs      int
	RetryMaxMs       int

	// Providers
	OpenAI     Provider
	Anthropic  Provider
	XAI        Provider
	OpenRouter Provider
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	// Try to load .env file (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		Port:      getEnv("PORT", "8080"),
		Env:       getEnv("ENV", "development"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "console"),

		TokenStore:  StoreKind(getEnv("TOKEN_STORE", string(StoreMemory))),
		TokenFile:   getEnv("TOKEN_FILE", "tokens.json"),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		JWTSecret:   getEnv("JWT_SECRET", ""),

		RedisURL:        getEnv("REDIS_URL", ""),
		CacheEnabled:    getEnvBool("CACHE_ENABLED", false),
		CacheTTLSeconds: getEnvInt("CACHE_TTL_SECONDS", 3600),

		RateLimitMax:           getEnvInt("RATE_LIMIT_MAX", 60),
		RateLimitWindowSeconds: getEnvInt("RATE_LIMIT_WINDOW_SECONDS", 60),

		RetryMaxAttempts: getEnvInt("RETRY_MAX_ATTEMPTS", 3),
		RetryBaseMs:      getEnvInt("RETRY_BASE_MS", 500),
		RetryMaxMs:       getEnvInt("RETRY_MAX_MS", 8000),

		OpenAI:     loadProvider("OPENAI", "gpt-4o-mini"),
		Anthropic:  loadProvider("ANTHROPIC", "claude-3-5-haiku-20241022"),
		XAI:        loadProvider("XAI", "grok-2-latest"),
		OpenRouter: loadProvider("OPENROUTER", "openai/gpt-4o-mini"),
	}

	switch cfg.TokenStore {
	case StoreMemory, StoreFile:
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required when TOKEN_STORE=postgres")
		}
	default:
		return nil, fmt.Errorf("unknown TOKEN_STORE: %q", cfg.TokenStore)
	}

	if cfg.RateLimitMax < 1 {
		return nil, fmt.Errorf("RATE_LIMIT_MAX must be at least 1")
	}
	if cfg.RateLimitWindowSeconds < 1 {
		return nil, fmt.Errorf("RATE_LIMIT_WINDOW_SECONDS must be at least 1")
	}

	// At least one provider API key is required
	if cfg.OpenAI.APIKey == "" && cfg.Anthropic.APIKey == "" &&
		cfg.XAI.APIKey == "" && cfg.OpenRouter.APIKey == "" {
		return nil, fmt.Errorf("at least one provider API key is required " +
			"(OPENAI_API_KEY, ANTHROPIC_API_KEY, XAI_API_KEY, or OPENROUTER_API_KEY)")
	}

	return cfg, nil
}

func loadProvider(prefix, defaultModel string) Provider {
	return Provider{
		APIKey:      getEnv(prefix+"_API_KEY", ""),
		Model:       getEnv(prefix+"_MODEL", defaultModel),
		BaseURL:     getEnv(prefix+"_BASE_URL", ""),
		Timeout:     time.Duration(getEnvInt(prefix+"_TIMEOUT_SECONDS", 30)) * time.Second,
		MaxAttempts: getEnvInt(prefix+"_MAX_ATTEMPTS", 0),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
