package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

const (
	anthropicBaseURL   = "https://api.anthropic.com"
	anthropicVersion   = "2023-06-01"
	anthropicMaxTokens = 4096
)

// AnthropicAdapter speaks the Anthropic Messages API. Timeouts come from
// the per-attempt context, not the HTTP client.
type AnthropicAdapter struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

type anthropicRequest struct {
	Model         string             `json:"model"`
	Messages      []anthropicMessage `json:"messages"`
	MaxTokens     int                `json:"max_tokens"`
	Temperature   *float32           `json:"temperature,omitempty"`
	System        string             `json:"system,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type anthropicErrorBody struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func NewAnthropicAdapter(cfg Config) *AnthropicAdapter {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = anthropicBaseURL
	}
	return &AnthropicAdapter{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		httpClient: &http.Client{},
	}
}

func (a *AnthropicAdapter) Name() Name { return NameAnthropic }

func (a *AnthropicAdapter) buildRequest(req Request, stream bool) anthropicRequest {
	out := anthropicRequest{
		Model:         req.Model,
		MaxTokens:     anthropicMaxTokens,
		Temperature:   req.Temperature,
		System:        req.System,
		StopSequences: req.Stop,
		Stream:        stream,
		Messages: []anthropicMessage{
			{Role: "user", Content: req.Prompt},
		},
	}
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		out.MaxTokens = *req.MaxTokens
	}
	return out
}

func (a *AnthropicAdapter) send(ctx context.Context, body anthropicRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, &Error{
			Provider:  NameAnthropic,
			Code:      "network_error",
			Message:   err.Error(),
			Retryable: true,
		}
	}
	return resp, nil
}

// statusError drains the body into a classified error. The vendor body
// is parsed for its error type only; it is never echoed verbatim.
func (a *AnthropicAdapter) statusError(resp *http.Response) error {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	code := "api_error"
	var parsed anthropicErrorBody
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Type != "" {
		code = parsed.Error.Type
	}
	return &Error{
		Provider:  NameAnthropic,
		Status:    resp.StatusCode,
		Code:      code,
		Message:   fmt.Sprintf("upstream returned status %d", resp.StatusCode),
		Retryable: retryableStatus(resp.StatusCode),
	}
}

func (a *AnthropicAdapter) Complete(ctx context.Context, req Request) (*Result, error) {
	resp, err := a.send(ctx, a.buildRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, a.statusError(resp)
	}

	var parsed anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &Error{
			Provider: NameAnthropic,
			Code:     "malformed_response",
			Message:  "failed to decode response body",
		}
	}

	var text strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return &Result{
		Text:  text.String(),
		Model: parsed.Model,
		Usage: Usage{
			PromptTokens:     parsed.Usage.InputTokens,
			CompletionTokens: parsed.Usage.OutputTokens,
			TotalTokens:      parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
		},
	}, nil
}

func (a *AnthropicAdapter) Stream(ctx context.Context, req Request) (Stream, error) {
	resp, err := a.send(ctx, a.buildRequest(req, true))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, a.statusError(resp)
	}
	return &anthropicStream{
		body:   resp.Body,
		reader: bufio.NewReader(resp.Body),
	}, nil
}

// anthropicStream reads the SSE event stream and surfaces text deltas.
type anthropicStream struct {
	body      io.ReadCloser
	reader    *bufio.Reader
	closeOnce sync.Once
	closeErr  error
}

func (s *anthropicStream) Recv() (Chunk, error) {
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Chunk{}, io.EOF
			}
			return Chunk{}, err
		}

		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		var event struct {
			Type  string `json:"type"`
			Delta struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"delta"`
		}
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue
		}

		switch event.Type {
		case "content_block_delta":
			if event.Delta.Text != "" {
				return Chunk{Text: event.Delta.Text}, nil
			}
		case "message_stop":
			return Chunk{}, io.EOF
		}
	}
}

func (s *anthropicStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.body.Close()
	})
	return s.closeErr
}
