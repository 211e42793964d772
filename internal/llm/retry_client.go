package llm

import (
	"context"
	"errors"
	"time"

	"axon/internal/observability"
)

// RetryConfig controls transport-level retries. These are distinct from
// the engine's tool retry: only transient provider failures (429, 5xx,
// connection errors) are retried here, never stalled streams or aborts.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryConfig mirrors the provider SDK defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     8 * time.Second,
	}
}

// RetryClient wraps a Client with exponential-backoff retries.
type RetryClient struct {
	base   Client
	cfg    RetryConfig
	logger *observability.Logger
}

var _ Client = (*RetryClient)(nil)

// NewRetryClient wraps base with retry behavior.
func NewRetryClient(base Client, cfg RetryConfig) *RetryClient {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	return &RetryClient{
		base:   base,
		cfg:    cfg,
		logger: observability.NewComponentLogger("RetryClient"),
	}
}

// Model returns the wrapped client's model identifier.
func (c *RetryClient) Model() string { return c.base.Model() }

// StreamComplete retries transient failures. A stream that already
// delivered deltas is not retried: the consumer has seen partial content
// and the engine owns recovery from that point.
func (c *RetryClient) StreamComplete(ctx context.Context, req CompletionRequest, onDelta func(delta string) error) (*CompletionResponse, error) {
	backoff := c.cfg.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		delivered := false
		resp, err := c.base.StreamComplete(ctx, req, func(delta string) error {
			delivered = true
			return onDelta(delta)
		})
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if delivered || !retryable(err) || attempt == c.cfg.MaxAttempts {
			return nil, err
		}

		c.logger.Warn("provider request failed, retrying",
			"attempt", attempt, "backoff", backoff.String(), "error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}
	return nil, lastErr
}

func retryable(err error) bool {
	if errors.Is(err, ErrProviderStalled) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	// Connection-level failures surface as wrapped transport errors.
	return true
}
