package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptgate/promptgate/internal/auth"
	"github.com/promptgate/promptgate/internal/gateway/dispatch"
	"github.com/promptgate/promptgate/internal/gateway/gate"
	"github.com/promptgate/promptgate/internal/gateway/providers"
	"github.com/promptgate/promptgate/internal/ratelimit"
	"github.com/promptgate/promptgate/internal/shared/logging"
)

const testCredential = "pg_handler_test"

// scriptedAdapter lets each test choose how the provider behaves.
type scriptedAdapter struct {
	complete func(context.Context, providers.Request) (*providers.Result, error)
	stream   func(context.Context, providers.Request) (providers.Stream, error)
}

func (a *scriptedAdapter) Name() providers.Name { return providers.NameOpenAI }

func (a *scriptedAdapter) Complete(ctx context.Context, req providers.Request) (*providers.Result, error) {
	return a.complete(ctx, req)
}

func (a *scriptedAdapter) Stream(ctx context.Context, req providers.Request) (providers.Stream, error) {
	return a.stream(ctx, req)
}

type scriptedSource struct {
	adapter *scriptedAdapter
}

func (s *scriptedSource) Adapter(name providers.Name) (providers.Adapter, error) {
	return s.adapter, nil
}

func (s *scriptedSource) Config(name providers.Name) (providers.Config, error) {
	return providers.Config{Name: name, Model: "gpt-4o-mini", MaxAttempts: 2}, nil
}

type staticLimiter struct {
	decision ratelimit.Decision
}

func (l staticLimiter) Allow(ctx context.Context, identity string, now time.Time) (ratelimit.Decision, error) {
	return l.decision, nil
}

func (l staticLimiter) Close() error { return nil }

type sliceStream struct {
	chunks []string
	pos    int
}

func (s *sliceStream) Recv() (providers.Chunk, error) {
	if s.pos >= len(s.chunks) {
		return providers.Chunk{}, io.EOF
	}
	chunk := providers.Chunk{Text: s.chunks[s.pos]}
	s.pos++
	return chunk, nil
}

func (s *sliceStream) Close() error { return nil }

type noopSleeper struct{}

func (noopSleeper) Sleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func newTestHandler(t *testing.T, adapter *scriptedAdapter, limiter ratelimit.Limiter) *PromptHandler {
	t.Helper()

	store := auth.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), &auth.Token{
		ID:        "tok_h",
		Hash:      auth.HashCredential(testCredential),
		Subject:   "svc-h",
		Scopes:    []auth.Scope{auth.ScopeWrite},
		CreatedAt: time.Now(),
	}))

	dispatcher := dispatch.NewDispatcher(
		&scriptedSource{adapter: adapter},
		dispatch.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		logging.Nop(),
		dispatch.WithSleeper(noopSleeper{}),
	)
	g := gate.New(auth.NewAuthenticator(store, logging.Nop()), limiter, dispatcher, logging.Nop())
	return NewPromptHandler(g, logging.Nop())
}

func doPrompt(h *PromptHandler, credential, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/prompt", strings.NewReader(body))
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}
	rec := httptest.NewRecorder()
	h.HandlePrompt(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func okAdapter() *scriptedAdapter {
	return &scriptedAdapter{
		complete: func(ctx context.Context, req providers.Request) (*providers.Result, error) {
			return &providers.Result{Text: "answer", Model: req.Model}, nil
		},
	}
}

func allowLimiter() staticLimiter {
	return staticLimiter{decision: ratelimit.Decision{Allowed: true, Remaining: 5}}
}

func TestHandlePromptSuccess(t *testing.T) {
	h := newTestHandler(t, okAdapter(), allowLimiter())

	rec := doPrompt(h, testCredential, `{"prompt": "hello", "provider": "openai"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "openai", rec.Header().Get("X-Provider"))
	assert.NotEmpty(t, rec.Header().Get("X-Latency-Ms"))

	var res dispatch.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "answer", res.Text)
	assert.Equal(t, providers.NameOpenAI, res.Provider)
}

func TestHandlePromptValidation(t *testing.T) {
	h := newTestHandler(t, okAdapter(), allowLimiter())

	tests := []struct {
		name string
		body string
	}{
		{"bad json", `{`},
		{"empty prompt", `{"prompt": "  ", "provider": "openai"}`},
		{"unknown provider", `{"prompt": "hi", "provider": "skynet"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doPrompt(h, testCredential, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "invalid_request", decodeError(t, rec).Error.Code)
		})
	}
}

func TestHandlePromptUnauthenticated(t *testing.T) {
	h := newTestHandler(t, okAdapter(), allowLimiter())

	for _, credential := range []string{"", "pg_wrong"} {
		rec := doPrompt(h, credential, `{"prompt": "hi", "provider": "openai"}`)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		body := decodeError(t, rec)
		assert.Equal(t, "unauthenticated", body.Error.Code)
		assert.NotContains(t, rec.Body.String(), "pg_wrong", "raw credential never echoed")
	}
}

func TestHandlePromptRateLimited(t *testing.T) {
	limiter := staticLimiter{decision: ratelimit.Decision{RetryAfter: 57 * time.Second}}
	h := newTestHandler(t, okAdapter(), limiter)

	rec := doPrompt(h, testCredential, `{"prompt": "hi", "provider": "openai"}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "57", rec.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limited", decodeError(t, rec).Error.Code)
}

func TestHandlePromptRetryAfterFloor(t *testing.T) {
	limiter := staticLimiter{decision: ratelimit.Decision{RetryAfter: 200 * time.Millisecond}}
	h := newTestHandler(t, okAdapter(), limiter)

	rec := doPrompt(h, testCredential, `{"prompt": "hi", "provider": "openai"}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"), "sub-second waits round up to one second")
}

func TestHandlePromptTerminalProviderError(t *testing.T) {
	adapter := &scriptedAdapter{
		complete: func(ctx context.Context, req providers.Request) (*providers.Result, error) {
			return nil, &providers.Error{Provider: providers.NameOpenAI, Status: 400, Code: "invalid_request"}
		},
	}
	h := newTestHandler(t, adapter, allowLimiter())

	rec := doPrompt(h, testCredential, `{"prompt": "hi", "provider": "openai"}`)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "provider_error", decodeError(t, rec).Error.Code)
}

func TestHandlePromptRetriesExhausted(t *testing.T) {
	adapter := &scriptedAdapter{
		complete: func(ctx context.Context, req providers.Request) (*providers.Result, error) {
			return nil, &providers.Error{Provider: providers.NameOpenAI, Status: 503, Code: "overloaded", Retryable: true}
		},
	}
	h := newTestHandler(t, adapter, allowLimiter())

	rec := doPrompt(h, testCredential, `{"prompt": "hi", "provider": "openai"}`)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "retries_exhausted", decodeError(t, rec).Error.Code)
}

func TestHandlePromptTimeoutMapsToGatewayTimeout(t *testing.T) {
	adapter := &scriptedAdapter{
		complete: func(ctx context.Context, req providers.Request) (*providers.Result, error) {
			return nil, context.DeadlineExceeded
		},
	}
	h := newTestHandler(t, adapter, allowLimiter())

	rec := doPrompt(h, testCredential, `{"prompt": "hi", "provider": "openai"}`)
	require.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Equal(t, "retries_exhausted", decodeError(t, rec).Error.Code)
}

func TestHandlePromptStream(t *testing.T) {
	adapter := &scriptedAdapter{
		stream: func(ctx context.Context, req providers.Request) (providers.Stream, error) {
			return &sliceStream{chunks: []string{"hel", "lo"}}, nil
		},
	}
	h := newTestHandler(t, adapter, allowLimiter())

	rec := doPrompt(h, testCredential, `{"prompt": "hi", "provider": "openai", "stream": true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	var texts []string
	sawDone := false
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			sawDone = true
			continue
		}
		var chunk providers.Chunk
		require.NoError(t, json.Unmarshal([]byte(data), &chunk))
		texts = append(texts, chunk.Text)
	}
	assert.Equal(t, []string{"hel", "lo"}, texts)
	assert.True(t, sawDone)
}

func TestHandlePromptStreamAuthFailureIsJSON(t *testing.T) {
	adapter := &scriptedAdapter{
		stream: func(ctx context.Context, req providers.Request) (providers.Stream, error) {
			t.Fatal("stream must not be established for unauthenticated callers")
			return nil, nil
		},
	}
	h := newTestHandler(t, adapter, allowLimiter())

	rec := doPrompt(h, "pg_wrong", `{"prompt": "hi", "provider": "openai", "stream": true}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "unauthenticated", decodeError(t, rec).Error.Code)
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"", ""},
		{"Bearer abc", "abc"},
		{"bearer abc", "abc"},
		{"Basic abc", ""},
		{"Bearer", ""},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		assert.Equal(t, tt.want, bearerToken(req), "header %q", tt.header)
	}
}
