package ratelimit

import (
	"container/list"
	"context"
	"sync"
	"time"
)

const (
	defaultMaxIdentities = 10000
	// idleMultiple is how many windows an identity may stay silent
	// before the janitor reclaims its state.
	idleMultiple = 3
)

// MemoryLimiter is an in-process sliding-window-log limiter. Each
// identity keeps an ordered slice of request timestamps behind its own
// mutex; identity lifecycle (lazy creation, LRU cap, idle sweep) is
// managed under a separate map lock so admission checks for distinct
// identities never serialize on each other.
type MemoryLimiter struct {
	cfg           Config
	maxIdentities int

	mu      sync.Mutex
	windows map[string]*window
	lru     *list.List // front = most recently used identity

	janitor  *time.Ticker
	stop     chan struct{}
	stopOnce sync.Once
}

type window struct {
	mu       sync.Mutex
	times    []time.Time
	lastSeen time.Time
	elem     *list.Element
	// dead marks a window evicted from the map; holders of a stale
	// pointer must re-acquire instead of recording into it.
	dead bool
}

// MemoryOption configures a MemoryLimiter.
type MemoryOption func(*MemoryLimiter)

// WithMaxIdentities caps how many identities may hold window state.
func WithMaxIdentities(n int) MemoryOption {
	return func(m *MemoryLimiter) { m.maxIdentities = n }
}

func NewMemoryLimiter(cfg Config, opts ...MemoryOption) *MemoryLimiter {
	m := &MemoryLimiter{
		cfg:           cfg,
		maxIdentities: defaultMaxIdentities,
		windows:       make(map[string]*window),
		lru:           list.New(),
		stop:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.maxIdentities < 1 {
		m.maxIdentities = 1
	}
	sweepEvery := cfg.Window
	if sweepEvery <= 0 {
		sweepEvery = time.Minute
	}
	m.janitor = time.NewTicker(sweepEvery)
	go m.run()
	return m
}

func (m *MemoryLimiter) run() {
	for {
		select {
		case <-m.stop:
			return
		case <-m.janitor.C:
			m.sweep(time.Now())
		}
	}
}

// Allow evicts timestamps that have left the trailing window, then
// admits the request if the retained count is below the limit. A window
// evicted between acquire and lock is re-acquired so the admission is
// always recorded into live state.
func (m *MemoryLimiter) Allow(ctx context.Context, identity string, now time.Time) (Decision, error) {
	for {
		w := m.acquire(identity)
		w.mu.Lock()
		if w.dead {
			w.mu.Unlock()
			continue
		}
		d := m.admit(w, now)
		w.mu.Unlock()
		return d, nil
	}
}

// admit applies the sliding-window-log check. Caller holds w.mu.
func (m *MemoryLimiter) admit(w *window, now time.Time) Decision {
	w.lastSeen = now
	cutoff := now.Add(-m.cfg.Window)
	retained := w.times[:0]
	for _, t := range w.times {
		if t.After(cutoff) {
			retained = append(retained, t)
		}
	}
	w.times = retained

	if len(w.times) < m.cfg.MaxRequests {
		w.times = append(w.times, now)
		return Decision{Allowed: true, Remaining: m.cfg.MaxRequests - len(w.times)}
	}

	// MaxRequests of zero retains nothing; there is no oldest entry to
	// age out, so the wait is the full window.
	if len(w.times) == 0 {
		return Decision{Allowed: false, RetryAfter: m.cfg.Window}
	}

	retryAfter := w.times[0].Add(m.cfg.Window).Sub(now)
	if retryAfter < 0 {
		retryAfter = 0
	}
	return Decision{Allowed: false, RetryAfter: retryAfter}
}

// acquire returns the identity's window, creating it lazily and keeping
// the LRU order current.
func (m *MemoryLimiter) acquire(identity string) *window {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[identity]
	if ok {
		m.lru.MoveToFront(w.elem)
		return w
	}

	w = &window{}
	w.elem = m.lru.PushFront(identity)
	m.windows[identity] = w

	for len(m.windows) > m.maxIdentities {
		back := m.lru.Back()
		if back == nil {
			break
		}
		evicted := back.Value.(string)
		ew := m.windows[evicted]
		m.lru.Remove(back)
		delete(m.windows, evicted)
		ew.mu.Lock()
		ew.dead = true
		ew.mu.Unlock()
	}
	return w
}

// sweep reclaims identities that have been silent for several windows.
func (m *MemoryLimiter) sweep(now time.Time) {
	idleCutoff := now.Add(-time.Duration(idleMultiple) * m.cfg.Window)

	m.mu.Lock()
	defer m.mu.Unlock()
	for identity, w := range m.windows {
		w.mu.Lock()
		if w.lastSeen.Before(idleCutoff) {
			w.dead = true
			m.lru.Remove(w.elem)
			delete(m.windows, identity)
		}
		w.mu.Unlock()
	}
}

func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() {
		m.janitor.Stop()
		close(m.stop)
	})
	return nil
}

// size reports the tracked identity count, for tests.
func (m *MemoryLimiter) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}
