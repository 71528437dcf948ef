package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/promptgate/promptgate/internal/gateway/providers"
	"github.com/promptgate/promptgate/internal/shared/metrics"
)

// Request is one prompt dispatch. Transient, never persisted.
type Request struct {
	Prompt      string   `json:"prompt"`
	Source      Source   `json:"source,omitempty"`
	Type        Type     `json:"type,omitempty"`
	Language    string   `json:"language,omitempty"`
	Model       string   `json:"model,omitempty"`
	Temperature *float32 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// Result is a buffered dispatch outcome.
type Result struct {
	Text     string          `json:"text"`
	Model    string          `json:"model"`
	Provider providers.Name  `json:"provider"`
	Usage    providers.Usage `json:"usage"`
	Elapsed  time.Duration   `json:"-"`
	Attempts int             `json:"attempts"`
	Cached   bool            `json:"cached,omitempty"`
}

// RetriesExhaustedError reports that every attempt failed with a
// retryable error.
type RetriesExhaustedError struct {
	Provider providers.Name
	Attempts int
	LastErr  error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("%s: retries exhausted after %d attempts: %v", e.Provider, e.Attempts, e.LastErr)
}

func (e *RetriesExhaustedError) Unwrap() error { return e.LastErr }

// Timeout reports whether the final failure was a timeout, which drives
// the upstream 502-versus-504 distinction.
func (e *RetriesExhaustedError) Timeout() bool {
	return errors.Is(e.LastErr, context.DeadlineExceeded)
}

// attemptState tracks one dispatch attempt:
// pending -> sent -> succeeded | retryable (back to pending) | terminal.
type attemptState string

const (
	statePending   attemptState = "pending"
	stateSent      attemptState = "sent"
	stateSucceeded attemptState = "succeeded"
	stateRetryable attemptState = "retryable_failure"
	stateTerminal  attemptState = "terminal_failure"
)

// ResultCache is an optional response cache consulted for buffered
// dispatches only.
type ResultCache interface {
	Get(ctx context.Context, key string) (*Result, bool)
	Set(ctx context.Context, key string, res *Result)
}

// AdapterSource resolves provider names to adapters and their static
// configuration. *providers.Registry is the production implementation.
type AdapterSource interface {
	Adapter(name providers.Name) (providers.Adapter, error)
	Config(name providers.Name) (providers.Config, error)
}

// Dispatcher resolves an adapter and applies the resilience policy
// around it: per-attempt timeout, classified retries with backoff, and
// streaming with cleanup on every exit path.
type Dispatcher struct {
	registry AdapterSource
	policy   Policy
	sleeper  Sleeper
	cache    ResultCache
	log      zerolog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithSleeper overrides the backoff wait, for tests.
func WithSleeper(s Sleeper) DispatcherOption {
	return func(d *Dispatcher) { d.sleeper = s }
}

// WithCache enables response caching for buffered dispatches.
func WithCache(c ResultCache) DispatcherOption {
	return func(d *Dispatcher) { d.cache = c }
}

func NewDispatcher(registry AdapterSource, policy Policy, log zerolog.Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		policy:   policy,
		sleeper:  realSleeper{},
		log:      log,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// prepare resolves the adapter and builds the provider-neutral request.
func (d *Dispatcher) prepare(provider providers.Name, req Request) (providers.Adapter, providers.Config, providers.Request, error) {
	adapter, err := d.registry.Adapter(provider)
	if err != nil {
		return nil, providers.Config{}, providers.Request{}, err
	}
	cfg, err := d.registry.Config(provider)
	if err != nil {
		return nil, providers.Config{}, providers.Request{}, err
	}

	model := req.Model
	if model == "" {
		model = cfg.Model
	}
	preq := providers.Request{
		Model:       model,
		System:      BuildSystemPrompt(req.Source, req.Type, req.Language),
		Prompt:      req.Prompt,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stop:        req.Stop,
	}
	return adapter, cfg, preq, nil
}

func (d *Dispatcher) maxAttempts(cfg providers.Config) int {
	if cfg.MaxAttempts > 0 {
		return cfg.MaxAttempts
	}
	if d.policy.MaxAttempts > 0 {
		return d.policy.MaxAttempts
	}
	return 1
}

// Dispatch runs a buffered completion against the named provider.
func (d *Dispatcher) Dispatch(ctx context.Context, provider providers.Name, req Request) (*Result, error) {
	adapter, cfg, preq, err := d.prepare(provider, req)
	if err != nil {
		return nil, err
	}

	var cacheKey string
	if d.cache != nil {
		cacheKey = d.cacheKey(provider, preq)
		if res, ok := d.cache.Get(ctx, cacheKey); ok {
			cached := *res
			cached.Cached = true
			return &cached, nil
		}
	}

	start := time.Now()
	var result *providers.Result
	attempts := 0

	err = d.withRetries(ctx, cfg, provider, func(attemptCtx context.Context) error {
		attempts++
		var callErr error
		result, callErr = adapter.Complete(attemptCtx, preq)
		return callErr
	})
	if err != nil {
		return nil, err
	}

	out := &Result{
		Text:     result.Text,
		Model:    result.Model,
		Provider: provider,
		Usage:    result.Usage,
		Elapsed:  time.Since(start),
		Attempts: attempts,
	}
	metrics.DispatchDuration.WithLabelValues(string(provider)).Observe(out.Elapsed.Seconds())
	if d.cache != nil {
		d.cache.Set(ctx, cacheKey, out)
	}
	return out, nil
}

// DispatchStream establishes a streaming completion. Retries cover
// stream establishment only; once chunks flow, failures are terminal.
// The caller must drain or Close the returned stream.
func (d *Dispatcher) DispatchStream(ctx context.Context, provider providers.Name, req Request) (providers.Stream, error) {
	adapter, cfg, preq, err := d.prepare(provider, req)
	if err != nil {
		return nil, err
	}

	// withRetries must not wrap attempts in WithTimeout here: its cancel
	// fires as soon as the attempt returns, which would tear down the
	// live stream. establishStream bounds establishment instead.
	establishTimeout := cfg.Timeout
	cfg.Timeout = 0

	var stream providers.Stream
	err = d.withRetries(ctx, cfg, provider, func(attemptCtx context.Context) error {
		var callErr error
		stream, callErr = establishStream(attemptCtx, establishTimeout, adapter, preq)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// establishStream opens the stream under a deadline covering
// establishment only. The timer cancels a context scoped to the stream's
// lifetime, so a hung upstream surfaces as a retryable timeout while an
// established stream keeps running until the caller closes it.
func establishStream(ctx context.Context, timeout time.Duration, adapter providers.Adapter, req providers.Request) (providers.Stream, error) {
	if timeout <= 0 {
		return adapter.Stream(ctx, req)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	timer := time.AfterFunc(timeout, cancel)

	stream, err := adapter.Stream(streamCtx, req)
	expired := !timer.Stop()
	if err != nil {
		cancel()
		if expired && ctx.Err() == nil {
			return nil, context.DeadlineExceeded
		}
		return nil, err
	}
	if expired {
		stream.Close()
		cancel()
		return nil, context.DeadlineExceeded
	}
	return &cancelStream{Stream: stream, cancel: cancel}, nil
}

// cancelStream releases the establishment context when the stream ends.
type cancelStream struct {
	providers.Stream
	cancel context.CancelFunc
}

func (s *cancelStream) Close() error {
	err := s.Stream.Close()
	s.cancel()
	return err
}

// withRetries drives the attempt state machine around call.
func (d *Dispatcher) withRetries(ctx context.Context, cfg providers.Config, provider providers.Name, call func(context.Context) error) error {
	max := d.maxAttempts(cfg)

	for attempt := 1; ; attempt++ {
		attemptCtx := ctx
		var cancel context.CancelFunc
		if cfg.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		}
		state := stateSent
		err := call(attemptCtx)
		if cancel != nil {
			cancel()
		}

		if err == nil {
			state = stateSucceeded
			d.log.Debug().Str("provider", string(provider)).Int("attempt", attempt).
				Str("state", string(state)).Msg("dispatch attempt")
			metrics.ProviderAttemptsTotal.WithLabelValues(string(provider), "success").Inc()
			return nil
		}

		// The caller going away ends the loop regardless of budget.
		if ctx.Err() != nil {
			metrics.ProviderAttemptsTotal.WithLabelValues(string(provider), "cancelled").Inc()
			return ctx.Err()
		}

		if !isRetryable(err) {
			state = stateTerminal
			d.log.Warn().Err(err).Str("provider", string(provider)).Int("attempt", attempt).
				Str("state", string(state)).Msg("dispatch attempt failed")
			metrics.ProviderAttemptsTotal.WithLabelValues(string(provider), "terminal").Inc()
			return err
		}

		state = stateRetryable
		metrics.ProviderAttemptsTotal.WithLabelValues(string(provider), "retryable").Inc()
		d.log.Warn().Err(err).Str("provider", string(provider)).Int("attempt", attempt).
			Str("state", string(state)).Msg("dispatch attempt failed")

		if attempt >= max {
			return &RetriesExhaustedError{Provider: provider, Attempts: attempt, LastErr: err}
		}
		if sleepErr := d.sleeper.Sleep(ctx, d.policy.Backoff(attempt)); sleepErr != nil {
			return sleepErr
		}
	}
}

// isRetryable classifies a failed attempt. Per-attempt timeouts are
// retryable; caller cancellation is handled before this is consulted.
func isRetryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var perr *providers.Error
	if errors.As(err, &perr) {
		return perr.Retryable
	}
	return false
}

// cacheKey hashes the request fields with length prefixes so distinct
// requests can never concatenate to the same key material.
func (d *Dispatcher) cacheKey(provider providers.Name, req providers.Request) string {
	h := sha256.New()
	field := func(s string) {
		fmt.Fprintf(h, "%d:%s", len(s), s)
	}
	field(string(provider))
	field(req.Model)
	field(req.System)
	field(req.Prompt)
	if req.Temperature != nil {
		field(strconv.FormatFloat(float64(*req.Temperature), 'g', -1, 32))
	} else {
		field("")
	}
	if req.MaxTokens != nil {
		field(strconv.Itoa(*req.MaxTokens))
	} else {
		field("")
	}
	field(strconv.Itoa(len(req.Stop)))
	for _, s := range req.Stop {
		field(s)
	}
	return "dispatch:" + hex.EncodeToString(h.Sum(nil))
}
