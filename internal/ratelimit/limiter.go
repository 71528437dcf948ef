// Package ratelimit provides sliding-window admission control keyed by
// authenticated identity.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Config holds the window parameters shared by all limiter backends.
type Config struct {
	// MaxRequests is the number of requests admitted per trailing window.
	MaxRequests int
	// Window is the trailing interval length.
	Window time.Duration
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter admits or rejects a request for an identity at a point in time.
// Implementations must update per-identity state atomically: concurrent
// calls for one identity never observe a stale count.
type Limiter interface {
	Allow(ctx context.Context, identity string, now time.Time) (Decision, error)
	Close() error
}

// LimitError is the terminal rejection returned to callers above the
// limiter. RetryAfter is the time until the oldest retained request
// leaves the window.
type LimitError struct {
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter.Round(time.Second))
}
