package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/promptgate/promptgate/internal/auth"
	"github.com/promptgate/promptgate/internal/gateway/dispatch"
	"github.com/promptgate/promptgate/internal/gateway/gate"
	"github.com/promptgate/promptgate/internal/gateway/providers"
	"github.com/promptgate/promptgate/internal/ratelimit"
	"github.com/promptgate/promptgate/internal/shared/metrics"
)

// PromptRequest is the wire format for POST /v1/prompt.
type PromptRequest struct {
	Prompt      string   `json:"prompt"`
	Provider    string   `json:"provider"`
	Source      string   `json:"source,omitempty"`
	Type        string   `json:"type,omitempty"`
	Language    string   `json:"language,omitempty"`
	Model       string   `json:"model,omitempty"`
	Temperature *float32 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Stop        []string `json:"stop,omitempty"`
	Stream      bool     `json:"stream,omitempty"`
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type PromptHandler struct {
	gate *gate.Gate
	log  zerolog.Logger
}

func NewPromptHandler(g *gate.Gate, log zerolog.Logger) *PromptHandler {
	return &PromptHandler{gate: g, log: log}
}

// HandlePrompt handles POST /v1/prompt.
func (h *PromptHandler) HandlePrompt(w http.ResponseWriter, r *http.Request) {
	credential := bearerToken(r)

	var req PromptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "request body is not valid JSON")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "prompt is required")
		return
	}

	provider, err := providers.ParseName(req.Provider)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	dreq := dispatch.Request{
		Prompt:      req.Prompt,
		Source:      dispatch.Source(req.Source),
		Type:        dispatch.Type(req.Type),
		Language:    req.Language,
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stop:        req.Stop,
	}

	if req.Stream {
		h.handleStream(w, r, credential, provider, dreq)
		return
	}

	start := time.Now()
	result, err := h.gate.Handle(r.Context(), credential, provider, dreq)
	if err != nil {
		h.writeGateError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Provider", string(result.Provider))
	w.Header().Set("X-Latency-Ms", strconv.FormatInt(time.Since(start).Milliseconds(), 10))
	metrics.RequestsTotal.WithLabelValues("/v1/prompt", "200").Inc()
	json.NewEncoder(w).Encode(result)
}

// handleStream relays chunks as server-sent events. The stream is closed
// on every exit path; a client disconnect cancels the request context,
// which tears down the provider connection.
func (h *PromptHandler) handleStream(w http.ResponseWriter, r *http.Request, credential string, provider providers.Name, req dispatch.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming_unsupported", "streaming not supported")
		return
	}

	stream, err := h.gate.HandleStream(r.Context(), credential, provider, req)
	if err != nil {
		h.writeGateError(w, err)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if r.Context().Err() != nil {
				return
			}
			h.log.Warn().Err(err).Msg("stream interrupted")
			fmt.Fprintf(w, "data: {\"error\": \"stream interrupted\"}\n\n")
			flusher.Flush()
			return
		}

		data, _ := json.Marshal(chunk)
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
	metrics.RequestsTotal.WithLabelValues("/v1/prompt", "200").Inc()
}

// writeGateError maps the gate's error taxonomy onto HTTP statuses.
func (h *PromptHandler) writeGateError(w http.ResponseWriter, err error) {
	var (
		authErr    *auth.AuthError
		limitErr   *ratelimit.LimitError
		confErr    *providers.ConfigError
		provErr    *providers.Error
		exhausted  *dispatch.RetriesExhaustedError
		storageErr *auth.StorageError
	)

	switch {
	case errors.As(err, &authErr):
		h.writeError(w, http.StatusUnauthorized, "unauthenticated",
			fmt.Sprintf("credential rejected: %s", authErr.Reason))

	case errors.Is(err, gate.ErrInsufficientScope):
		h.writeError(w, http.StatusForbidden, "insufficient_scope",
			"token does not permit dispatch")

	case errors.As(err, &limitErr):
		retryAfter := int(limitErr.RetryAfter.Round(time.Second).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		h.writeError(w, http.StatusTooManyRequests, "rate_limited",
			fmt.Sprintf("rate limit exceeded, retry after %d seconds", retryAfter))

	case errors.As(err, &confErr):
		// Operator misconfiguration, not the client's fault.
		h.log.Error().Err(err).Msg("provider misconfigured")
		h.writeError(w, http.StatusInternalServerError, "provider_not_configured",
			"requested provider is not configured")

	case errors.As(err, &exhausted):
		status := http.StatusBadGateway
		if exhausted.Timeout() {
			status = http.StatusGatewayTimeout
		}
		h.writeError(w, status, "retries_exhausted", "provider did not answer in time")

	case errors.As(err, &provErr):
		h.writeError(w, http.StatusBadGateway, "provider_error",
			fmt.Sprintf("provider rejected the request (code %s)", provErr.Code))

	case errors.As(err, &storageErr):
		h.log.Error().Err(err).Msg("token store failure")
		h.writeError(w, http.StatusInternalServerError, "storage_error",
			"token store unavailable")

	default:
		h.log.Error().Err(err).Msg("unexpected gate failure")
		h.writeError(w, http.StatusInternalServerError, "internal_error",
			"internal error")
	}
}

func (h *PromptHandler) writeError(w http.ResponseWriter, status int, code, message string) {
	metrics.RequestsTotal.WithLabelValues("/v1/prompt", strconv.Itoa(status)).Inc()
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// bearerToken extracts the credential from the Authorization header.
// Returns "" when absent or malformed; the gate reports that as a
// missing credential.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}
