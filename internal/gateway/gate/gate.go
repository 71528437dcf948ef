// Package gate composes authentication, rate admission and dispatch in
// strict order. It is the single entry point the HTTP layer invokes.
package gate

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/promptgate/promptgate/internal/auth"
	"github.com/promptgate/promptgate/internal/gateway/dispatch"
	"github.com/promptgate/promptgate/internal/gateway/providers"
	"github.com/promptgate/promptgate/internal/ratelimit"
	"github.com/promptgate/promptgate/internal/shared/metrics"
)

// ErrInsufficientScope is returned when the token authenticates but
// lacks the write scope dispatch requires.
var ErrInsufficientScope = errors.New("token lacks required scope")

type Gate struct {
	auth       *auth.Authenticator
	limiter    ratelimit.Limiter
	dispatcher *dispatch.Dispatcher
	now        func() time.Time
	log        zerolog.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

func New(authenticator *auth.Authenticator, limiter ratelimit.Limiter, dispatcher *dispatch.Dispatcher, log zerolog.Logger, opts ...Option) *Gate {
	g := &Gate{
		auth:       authenticator,
		limiter:    limiter,
		dispatcher: dispatcher,
		now:        time.Now,
		log:        log,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// admit runs authentication then rate admission, short-circuiting on the
// first failure. Authentication comes first so unauthenticated callers
// cannot consume the rate budget of legitimate identities.
func (g *Gate) admit(ctx context.Context, rawCredential string) (*auth.Token, error) {
	tok, err := g.auth.Authenticate(ctx, rawCredential)
	if err != nil {
		var authErr *auth.AuthError
		if errors.As(err, &authErr) {
			metrics.AuthFailuresTotal.WithLabelValues(string(authErr.Reason)).Inc()
		}
		return nil, err
	}

	if !tok.HasScope(auth.ScopeWrite) {
		g.log.Warn().Str("token_id", tok.ID).Msg("dispatch denied: missing write scope")
		return nil, ErrInsufficientScope
	}

	decision, err := g.limiter.Allow(ctx, tok.ID, g.now())
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		metrics.RateLimitedTotal.Inc()
		g.log.Info().Str("token_id", tok.ID).Dur("retry_after", decision.RetryAfter).
			Msg("rate limited")
		return nil, &ratelimit.LimitError{RetryAfter: decision.RetryAfter}
	}

	return tok, nil
}

// Handle runs a buffered dispatch for an authenticated, rate-admitted
// request.
func (g *Gate) Handle(ctx context.Context, rawCredential string, provider providers.Name, req dispatch.Request) (*dispatch.Result, error) {
	tok, err := g.admit(ctx, rawCredential)
	if err != nil {
		return nil, err
	}

	g.log.Debug().Str("token_id", tok.ID).Str("provider", string(provider)).Msg("dispatching")
	return g.dispatcher.Dispatch(ctx, provider, req)
}

// HandleStream is Handle for streaming dispatches. The caller owns the
// returned stream and must drain or close it.
func (g *Gate) HandleStream(ctx context.Context, rawCredential string, provider providers.Name, req dispatch.Request) (providers.Stream, error) {
	tok, err := g.admit(ctx, rawCredential)
	if err != nil {
		return nil, err
	}

	g.log.Debug().Str("token_id", tok.ID).Str("provider", string(provider)).Msg("dispatching stream")
	return g.dispatcher.DispatchStream(ctx, provider, req)
}
