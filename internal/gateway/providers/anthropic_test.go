package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func anthropicTestAdapter(url string) *AnthropicAdapter {
	return NewAnthropicAdapter(Config{
		Name:    NameAnthropic,
		APIKey:  "sk-ant-test",
		BaseURL: url,
	})
}

func TestAnthropicComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-ant-test", r.Header.Get("x-api-key"))

		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "claude-3-5-haiku-20241022", req.Model)
		assert.Equal(t, "hello", req.Messages[0].Content)
		assert.False(t, req.Stream)

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "msg_1",
			"model": "claude-3-5-haiku-20241022",
			"content": [{"type": "text", "text": "hi "}, {"type": "text", "text": "there"}],
			"usage": {"input_tokens": 4, "output_tokens": 2}
		}`)
	}))
	defer srv.Close()

	res, err := anthropicTestAdapter(srv.URL).Complete(context.Background(), Request{
		Model:  "claude-3-5-haiku-20241022",
		Prompt: "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, "hi there", res.Text)
	assert.Equal(t, 6, res.Usage.TotalTokens)
}

func TestAnthropicCompleteErrorClassification(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status %d", tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, `{"error": {"type": "upstream_error", "message": "secret detail"}}`)
			}))
			defer srv.Close()

			_, err := anthropicTestAdapter(srv.URL).Complete(context.Background(), Request{Prompt: "x"})
			var perr *Error
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tt.status, perr.Status)
			assert.Equal(t, tt.retryable, perr.Retryable)
			assert.Equal(t, "upstream_error", perr.Code)
			// The vendor body never leaks into the message.
			assert.NotContains(t, perr.Message, "secret detail")
		})
	}
}

func TestAnthropicCompleteMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "not json at all")
	}))
	defer srv.Close()

	_, err := anthropicTestAdapter(srv.URL).Complete(context.Background(), Request{Prompt: "x"})
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "malformed_response", perr.Code)
	assert.False(t, perr.Retryable)
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event string) {
	fmt.Fprintf(w, "data: %s\n\n", event)
	flusher.Flush()
}

func TestAnthropicStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		writeSSE(w, flusher, `{"type": "message_start"}`)
		writeSSE(w, flusher, `{"type": "content_block_delta", "delta": {"type": "text_delta", "text": "one"}}`)
		writeSSE(w, flusher, `{"type": "content_block_delta", "delta": {"type": "text_delta", "text": "two"}}`)
		writeSSE(w, flusher, `{"type": "message_stop"}`)
	}))
	defer srv.Close()

	stream, err := anthropicTestAdapter(srv.URL).Stream(context.Background(), Request{Prompt: "x"})
	require.NoError(t, err)
	defer stream.Close()

	var chunks []string
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		chunks = append(chunks, chunk.Text)
	}
	assert.Equal(t, []string{"one", "two"}, chunks)
}

func TestAnthropicStreamCancelClosesConnection(t *testing.T) {
	release := make(chan struct{})
	disconnected := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		writeSSE(w, flusher, `{"type": "content_block_delta", "delta": {"text": "one"}}`)
		writeSSE(w, flusher, `{"type": "content_block_delta", "delta": {"text": "two"}}`)

		// Hold the stream open until the client goes away.
		select {
		case <-r.Context().Done():
			close(disconnected)
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	stream, err := anthropicTestAdapter(srv.URL).Stream(context.Background(), Request{Prompt: "x"})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		chunk, err := stream.Recv()
		require.NoError(t, err)
		require.NotEmpty(t, chunk.Text)
	}

	require.NoError(t, stream.Close())
	assert.NoError(t, stream.Close(), "close is idempotent")

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("server never observed the disconnect")
	}
}
