package providers

import (
	"context"
	"fmt"
	"time"
)

// Name identifies a supported provider. The set is closed: adapters are
// selected by switching on Name, never by runtime probing.
type Name string

const (
	NameOpenAI     Name = "openai"
	NameAnthropic  Name = "anthropic"
	NameXAI        Name = "xai"
	NameOpenRouter Name = "openrouter"
)

// ParseName validates a provider name from the wire.
func ParseName(s string) (Name, error) {
	switch Name(s) {
	case NameOpenAI, NameAnthropic, NameXAI, NameOpenRouter:
		return Name(s), nil
	}
	return "", fmt.Errorf("unknown provider: %q", s)
}

// Config is the static per-provider configuration. Immutable after load;
// APIKey is never logged.
type Config struct {
	Name        Name
	BaseURL     string
	APIKey      string
	Model       string
	Timeout     time.Duration
	MaxAttempts int
}

// Request is the provider-neutral call an adapter translates into its
// vendor's wire format.
type Request struct {
	Model       string
	System      string
	Prompt      string
	Temperature *float32
	MaxTokens   *int
	Stop        []string
}

// Usage is the token accounting reported by the vendor.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Result is a complete, buffered completion.
type Result struct {
	Text  string `json:"text"`
	Model string `json:"model"`
	Usage Usage  `json:"usage"`
}

// Chunk is one streamed fragment of completion text.
type Chunk struct {
	Text string `json:"text"`
}

// Stream is a lazy, forward-only sequence of chunks. Recv returns io.EOF
// when the provider signals the end; Close is idempotent and releases
// the underlying connection on every exit path.
type Stream interface {
	Recv() (Chunk, error)
	Close() error
}

// Adapter is the uniform capability surface over one vendor.
type Adapter interface {
	Name() Name
	Complete(ctx context.Context, req Request) (*Result, error)
	Stream(ctx context.Context, req Request) (Stream, error)
}

// Error is a classified provider failure. Retryable failures are
// transient (network error, timeout, 429, 5xx); everything else is
// terminal for the request. Message never carries raw response bodies.
type Error struct {
	Provider  Name
	Status    int
	Code      string
	Message   string
	Retryable bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (status %d, code %s)", e.Provider, e.Message, e.Status, e.Code)
}

// ConfigError reports operator misconfiguration (missing credentials).
type ConfigError struct {
	Provider Name
	Message  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("provider %s misconfigured: %s", e.Provider, e.Message)
}

// retryableStatus reports whether an HTTP status indicates a transient
// vendor failure.
func retryableStatus(status int) bool {
	return status == 429 || status >= 500
}
