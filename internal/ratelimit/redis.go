package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	sharedredis "github.com/promptgate/promptgate/internal/shared/redis"
)

// RedisLimiter keeps window state in Redis so multiple gateway processes
// share one budget per identity. Each identity is a sorted set of
// request timestamps; eviction, counting and admission run as a single
// script (see shared/redis), which keeps per-identity updates atomic
// across processes.
type RedisLimiter struct {
	cfg    Config
	client *sharedredis.Client
}

func NewRedisLimiter(cfg Config, client *sharedredis.Client) *RedisLimiter {
	return &RedisLimiter{cfg: cfg, client: client}
}

func (r *RedisLimiter) Allow(ctx context.Context, identity string, now time.Time) (Decision, error) {
	key := fmt.Sprintf("ratelimit:%s", identity)
	member := uuid.NewString()

	allowed, remaining, retryAfter, err := r.client.SlidingWindow(ctx, key, now, r.cfg.Window, r.cfg.MaxRequests, member)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit check: %w", err)
	}
	return Decision{Allowed: allowed, Remaining: remaining, RetryAfter: retryAfter}, nil
}

// Close is a no-op; the shared Redis client is owned by the caller.
func (r *RedisLimiter) Close() error { return nil }
