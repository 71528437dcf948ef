package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sashabaranov/go-openai"
)

const (
	xaiBaseURL        = "https://api.x.ai/v1"
	openRouterBaseURL = "https://openrouter.ai/api/v1"
)

// OpenAIAdapter speaks the OpenAI chat completions wire format. xAI and
// OpenRouter expose the same protocol, so the registry reuses this
// adapter with their base URLs.
type OpenAIAdapter struct {
	name   Name
	client *openai.Client
}

// NewOpenAIAdapter builds an adapter for any OpenAI-compatible provider.
func NewOpenAIAdapter(cfg Config) *OpenAIAdapter {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	baseURL := cfg.BaseURL
	if baseURL == "" {
		switch cfg.Name {
		case NameXAI:
			baseURL = xaiBaseURL
		case NameOpenRouter:
			baseURL = openRouterBaseURL
		}
	}
	if baseURL != "" {
		clientCfg.BaseURL = baseURL
	}
	return &OpenAIAdapter{
		name:   cfg.Name,
		client: openai.NewClientWithConfig(clientCfg),
	}
}

func (a *OpenAIAdapter) Name() Name { return a.name }

func (a *OpenAIAdapter) buildRequest(req Request, stream bool) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	out := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
		Stop:     req.Stop,
		Stream:   stream,
	}
	if req.Temperature != nil {
		out.Temperature = *req.Temperature
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}
	return out
}

func (a *OpenAIAdapter) Complete(ctx context.Context, req Request) (*Result, error) {
	resp, err := a.client.CreateChatCompletion(ctx, a.buildRequest(req, false))
	if err != nil {
		return nil, a.classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &Error{
			Provider: a.name,
			Code:     "empty_response",
			Message:  "response contained no choices",
		}
	}

	var text strings.Builder
	for _, choice := range resp.Choices {
		text.WriteString(choice.Message.Content)
	}
	return &Result{
		Text:  text.String(),
		Model: resp.Model,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

func (a *OpenAIAdapter) Stream(ctx context.Context, req Request) (Stream, error) {
	stream, err := a.client.CreateChatCompletionStream(ctx, a.buildRequest(req, true))
	if err != nil {
		return nil, a.classify(err)
	}
	return &openaiStream{adapter: a, stream: stream}, nil
}

type openaiStream struct {
	adapter *OpenAIAdapter
	stream  *openai.ChatCompletionStream
	closed  bool
}

func (s *openaiStream) Recv() (Chunk, error) {
	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return Chunk{}, io.EOF
		}
		if err != nil {
			return Chunk{}, s.adapter.classify(err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		text := resp.Choices[0].Delta.Content
		if text == "" {
			continue
		}
		return Chunk{Text: text}, nil
	}
}

func (s *openaiStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.stream.Close()
	return nil
}

// classify maps SDK failures into the provider error taxonomy. Context
// errors pass through untouched so callers can tell cancellation and
// per-attempt timeouts apart from vendor failures.
func (a *OpenAIAdapter) classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &Error{
			Provider:  a.name,
			Status:    apiErr.HTTPStatusCode,
			Code:      fmt.Sprintf("%v", apiErr.Code),
			Message:   apiErr.Message,
			Retryable: retryableStatus(apiErr.HTTPStatusCode),
		}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &Error{
			Provider:  a.name,
			Status:    reqErr.HTTPStatusCode,
			Code:      "request_error",
			Message:   fmt.Sprintf("upstream request failed with status %d", reqErr.HTTPStatusCode),
			Retryable: retryableStatus(reqErr.HTTPStatusCode),
		}
	}

	return &Error{
		Provider:  a.name,
		Code:      "network_error",
		Message:   err.Error(),
		Retryable: true,
	}
}
