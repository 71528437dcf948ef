package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/promptgate/promptgate/internal/auth"
	"github.com/promptgate/promptgate/internal/gateway/cache"
	"github.com/promptgate/promptgate/internal/gateway/dispatch"
	"github.com/promptgate/promptgate/internal/gateway/gate"
	"github.com/promptgate/promptgate/internal/gateway/handlers"
	"github.com/promptgate/promptgate/internal/gateway/providers"
	"github.com/promptgate/promptgate/internal/ratelimit"
	"github.com/promptgate/promptgate/internal/shared/config"
	"github.com/promptgate/promptgate/internal/shared/database"
	"github.com/promptgate/promptgate/internal/shared/logging"
	sharedredis "github.com/promptgate/promptgate/internal/shared/redis"
)

func main() {
	fallbackLog := zerolog.New(os.Stderr)

	cfg, err := config.Load()
	if err != nil {
		fallbackLog.Fatal().Err(err).Msg("failed to load config")
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fallbackLog.Fatal().Err(err).Msg("failed to set up logging")
	}

	log.Info().Str("port", cfg.Port).Str("env", cfg.Env).Msg("starting promptgate")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Token store
	store, cleanup, err := buildStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open token store")
	}
	defer cleanup()
	log.Info().Str("backend", string(cfg.TokenStore)).Msg("token store ready")

	// Optional Redis for shared rate limiting and response caching
	var redisClient *sharedredis.Client
	if cfg.RedisURL != "" {
		redisClient, err = sharedredis.New(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()
		log.Info().Msg("connected to redis")
	}

	// Rate limiter
	limitCfg := ratelimit.Config{
		MaxRequests: cfg.RateLimitMax,
		Window:      time.Duration(cfg.RateLimitWindowSeconds) * time.Second,
	}
	var limiter ratelimit.Limiter
	if redisClient != nil {
		limiter = ratelimit.NewRedisLimiter(limitCfg, redisClient)
	} else {
		limiter = ratelimit.NewMemoryLimiter(limitCfg)
	}
	defer limiter.Close()

	// Providers and dispatch
	registry := providers.NewRegistry(providerConfigs(cfg))
	log.Info().Interface("providers", registry.Names()).Msg("providers configured")

	policy := dispatch.Policy{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   time.Duration(cfg.RetryBaseMs) * time.Millisecond,
		MaxDelay:    time.Duration(cfg.RetryMaxMs) * time.Millisecond,
		Jitter:      0.5,
	}
	var dispatchOpts []dispatch.DispatcherOption
	if cfg.CacheEnabled && redisClient != nil {
		ttl := time.Duration(cfg.CacheTTLSeconds) * time.Second
		dispatchOpts = append(dispatchOpts, dispatch.WithCache(cache.New(redisClient, ttl, log)))
	}
	dispatcher := dispatch.NewDispatcher(registry, policy, log, dispatchOpts...)

	// Authentication and the gate
	var authOpts []auth.Option
	if cfg.JWTSecret != "" {
		authOpts = append(authOpts, auth.WithJWTSecret([]byte(cfg.JWTSecret)))
	}
	authenticator := auth.NewAuthenticator(store, log, authOpts...)
	g := gate.New(authenticator, limiter, dispatcher, log)

	promptHandler := handlers.NewPromptHandler(g, log)

	// Router
	r := chi.NewRouter()
	r.Use(handlers.RequestLogger(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(handlers.CORS)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/prompt", promptHandler.HandlePrompt)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 5 * time.Minute, // streams can run long
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	log.Info().Msg("stopped")
}

// buildStore opens the configured token store backend.
func buildStore(cfg *config.Config) (auth.Store, func(), error) {
	switch cfg.TokenStore {
	case config.StorePostgres:
		db, err := database.New(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return db, func() { db.Close() }, nil
	case config.StoreFile:
		fs, err := auth.NewFileStore(cfg.TokenFile)
		if err != nil {
			return nil, nil, err
		}
		return fs, func() {}, nil
	default:
		return auth.NewMemoryStore(), func() {}, nil
	}
}

func providerConfigs(cfg *config.Config) []providers.Config {
	build := func(name providers.Name, p config.Provider) providers.Config {
		return providers.Config{
			Name:        name,
			BaseURL:     p.BaseURL,
			APIKey:      p.APIKey,
			Model:       p.Model,
			Timeout:     p.Timeout,
			MaxAttempts: p.MaxAttempts,
		}
	}
	return []providers.Config{
		build(providers.NameOpenAI, cfg.OpenAI),
		build(providers.NameAnthropic, cfg.Anthropic),
		build(providers.NameXAI, cfg.XAI),
		build(providers.NameOpenRouter, cfg.OpenRouter),
	}
}
