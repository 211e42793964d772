package llm

import (
	"context"
	"errors"
	"fmt"
)

// Role constants for conversation messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one conversation message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest contains all parameters for a streaming completion.
type CompletionRequest struct {
	Messages      []Message `json:"messages"`
	Temperature   float64   `json:"temperature,omitempty"`
	MaxTokens     int       `json:"max_tokens,omitempty"`
	StopSequences []string  `json:"stop,omitempty"`
}

// TokenUsage tracks token consumption for one completion.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionResponse is the provider's accumulated response.
type CompletionResponse struct {
	Content    string     `json:"content"`
	StopReason string     `json:"stop_reason"`
	Usage      TokenUsage `json:"usage"`
	CostMicros int64      `json:"cost_micros"`
}

// ErrAbortStream, returned from an onDelta callback, stops consumption of
// the provider stream without reporting an error. The client closes the
// connection and returns whatever content accumulated so far.
var ErrAbortStream = errors.New("llm: stream aborted by consumer")

// ErrProviderStalled reports that the provider produced no tokens within
// the configured idle window.
var ErrProviderStalled = errors.New("llm: provider stalled")

// StopReasonAborted marks a response cut short by the consumer.
const StopReasonAborted = "aborted"

// Client is a streaming completion provider. onDelta is invoked for every
// content chunk as it arrives; buffering the full response before
// surfacing it would defeat the stop-and-wait loop, so implementations
// must call onDelta incrementally.
type Client interface {
	StreamComplete(ctx context.Context, req CompletionRequest, onDelta func(delta string) error) (*CompletionResponse, error)
	Model() string
}

// APIError is a non-2xx provider response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("llm: provider returned status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the error is worth retrying at the transport
// level (rate limits and server-side failures).
func (e *APIError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}
