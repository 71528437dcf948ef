package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("key not found")

type Client struct {
	client *redis.Client
}

// New creates a new Redis client from a redis:// URL.
func New(ctx context.Context, redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{client: client}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

// Get retrieves a value by key.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

// Set stores a value with TTL.
func (c *Client) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

// slidingWindow evicts entries that have left the trailing window,
// admits the request if the retained count is under the limit, and
// otherwise reports how long until the oldest entry ages out. Runs as a
// single script so concurrent checks for one identity stay atomic.
//
// KEYS[1] window zset; ARGV: now_ms, window_ms, max, member.
// Returns {allowed, remaining, retry_after_ms}.
var slidingWindow = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
if max < 1 then
  return {0, 0, window}
end
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
local count = redis.call('ZCARD', KEYS[1])
if count < max then
  redis.call('ZADD', KEYS[1], now, ARGV[4])
  redis.call('PEXPIRE', KEYS[1], window)
  return {1, max - count - 1, 0}
end
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
return {0, 0, tonumber(oldest[2]) + window - now}
`)

// SlidingWindow runs one admission check against the key's window.
func (c *Client) SlidingWindow(ctx context.Context, key string, now time.Time, window time.Duration, max int, member string) (allowed bool, remaining int, retryAfter time.Duration, err error) {
	res, err := slidingWindow.Run(ctx, c.client, []string{key},
		now.UnixMilli(), window.Milliseconds(), max, member).Result()
	if err != nil {
		return false, 0, 0, err
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return false, 0, 0, fmt.Errorf("unexpected sliding window reply: %v", res)
	}
	allowed = vals[0].(int64) == 1
	remaining = int(vals[1].(int64))
	retryAfter = time.Duration(vals[2].(int64)) * time.Millisecond
	return allowed, remaining, retryAfter, nil
}
