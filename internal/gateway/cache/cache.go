// Package cache provides a Redis-backed response cache for buffered
// dispatches. Cache failures degrade to a miss, never to a request
// failure.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/promptgate/promptgate/internal/gateway/dispatch"
	sharedredis "github.com/promptgate/promptgate/internal/shared/redis"
)

type ResponseCache struct {
	redis *sharedredis.Client
	ttl   time.Duration
	log   zerolog.Logger
}

func New(redisClient *sharedredis.Client, ttl time.Duration, log zerolog.Logger) *ResponseCache {
	return &ResponseCache{redis: redisClient, ttl: ttl, log: log}
}

// Get retrieves a cached result. The key is computed by the dispatcher.
func (c *ResponseCache) Get(ctx context.Context, key string) (*dispatch.Result, bool) {
	val, err := c.redis.Get(ctx, key)
	if err != nil {
		return nil, false
	}

	var res dispatch.Result
	if err := json.Unmarshal([]byte(val), &res); err != nil {
		c.log.Warn().Err(err).Msg("discarding undecodable cache entry")
		return nil, false
	}
	return &res, true
}

// Set stores a result best-effort.
func (c *ResponseCache) Set(ctx context.Context, key string, res *dispatch.Result) {
	data, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, key, string(data), c.ttl); err != nil {
		c.log.Warn().Err(err).Msg("response cache write failed")
	}
}
