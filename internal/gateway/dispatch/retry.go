package dispatch

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

// Policy is the injectable retry strategy: exponential backoff with
// full jitter, capped at MaxDelay.
type Policy struct {
	// MaxAttempts bounds the total number of underlying calls.
	MaxAttempts int
	// BaseDelay is the backoff before the second attempt.
	BaseDelay time.Duration
	// MaxDelay caps the backoff growth.
	MaxDelay time.Duration
	// Jitter is the fraction of the delay randomized away, in [0, 1].
	Jitter float64
}

// DefaultPolicy matches the configuration defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    8 * time.Second,
		Jitter:      0.5,
	}
}

var jitterRand = struct {
	sync.Mutex
	*rand.Rand
}{Rand: rand.New(rand.NewSource(time.Now().UnixNano()))}

// Backoff returns the delay to wait after the given failed attempt
// (1-based). Jitter subtracts a random share so synchronized clients
// spread out during a shared outage.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if max := float64(p.MaxDelay); delay > max {
		delay = max
	}
	if p.Jitter > 0 {
		jitterRand.Lock()
		r := jitterRand.Float64()
		jitterRand.Unlock()
		delay -= delay * p.Jitter * r
	}
	return time.Duration(delay)
}

// Sleeper abstracts the backoff wait so retry loops are testable
// without real delays.
type Sleeper interface {
	// Sleep blocks for d or until ctx is done, returning ctx.Err()
	// in the latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

type realSleeper struct{}

func (realSleeper) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
