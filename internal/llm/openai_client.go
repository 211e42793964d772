package llm

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
	"time"

	"axon/internal/observability"
)

// OpenAIConfig configures the OpenAI-compatible streaming client.
type OpenAIConfig struct {
	BaseURL string // e.g. https://api.openai.com/v1
	APIKey  string
	Model   string

	// IdleTimeout is the maximum gap between streamed chunks before the
	// turn fails with ErrProviderStalled. Zero means the 60s default.
	IdleTimeout time.Duration

	// Micro-dollars per million tokens, used to derive CostMicros.
	InputPricePerMTok  int64
	OutputPricePerMTok int64

	HTTPClient *http.Client
}

// OpenAIClient speaks the OpenAI-compatible /chat/completions SSE protocol.
type OpenAIClient struct {
	cfg        OpenAIConfig
	httpClient *http.Client
	logger     *observability.Logger
}

const defaultIdleTimeout = 60 * time.Second

var _ Client = (*OpenAIClient)(nil)

// NewOpenAIClient creates a streaming client for an OpenAI-compatible
// endpoint.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("llm: base URL is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("llm: model is required")
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		// No overall timeout: streams are bounded by ctx and the idle
		// watchdog instead.
		httpClient = &http.Client{}
	}
	return &OpenAIClient{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     observability.NewComponentLogger("OpenAIClient"),
	}, nil
}

// Model returns the configured model identifier.
func (c *OpenAIClient) Model() string { return c.cfg.Model }

type chatRequest struct {
	Model         string        `json:"model"`
	Messages      []Message     `json:"messages"`
	Temperature   float64       `json:"temperature,omitempty"`
	MaxTokens     int           `json:"max_tokens,omitempty"`
	Stop          []string      `json:"stop,omitempty"`
	Stream        bool          `json:"stream"`
	StreamOptions streamOptions `json:"stream_options"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// StreamComplete issues a streaming completion and invokes onDelta for
// every content chunk. The stop sequences in req are passed through to the
// provider; they are the in-band mechanism that forces the model to yield
// after the first tool block.
func (c *OpenAIClient) StreamComplete(ctx context.Context, req CompletionRequest, onDelta func(delta string) error) (*CompletionResponse, error) {
	body, err := json.Marshal(chatRequest{
		Model:         c.cfg.Model,
		Messages:      req.Messages,
		Temperature:   req.Temperature,
		MaxTokens:     req.MaxTokens,
		Stop:          req.StopSequences,
		Stream:        true,
		StreamOptions: streamOptions{IncludeUsage: true},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	// The idle watchdog cancels the request context whenever the gap
	// between chunks exceeds the configured window.
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	watchdog := time.AfterFunc(c.cfg.IdleTimeout, cancel)
	defer watchdog.Stop()
	kick := func() {
		if watchdog.Stop() {
			watchdog.Reset(c.cfg.IdleTimeout)
		}
	}

	url := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	started := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if reqCtx.Err() != nil && ctx.Err() == nil {
			return nil, ErrProviderStalled
		}
		return nil, fmt.Errorf("provider request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	var content strings.Builder
	out := &CompletionResponse{}
	loggedTTFB := false
	aborted := false

	for scanner.Scan() {
		kick()
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			break
		}

		if !loggedTTFB {
			loggedTTFB = true
			c.logger.Debug("stream first token",
				"model", c.cfg.Model,
				"ttfb_ms", time.Since(started).Milliseconds())
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			c.logger.Debug("failed to decode stream chunk", "error", err)
			continue
		}

		if chunk.Usage != nil {
			out.Usage.PromptTokens = chunk.Usage.PromptTokens
			out.Usage.CompletionTokens = chunk.Usage.CompletionTokens
			out.Usage.TotalTokens = chunk.Usage.TotalTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			out.StopReason = *choice.FinishReason
		}
		if delta := choice.Delta.Content; delta != "" {
			content.WriteString(delta)
			if err := onDelta(delta); err != nil {
				if errors.Is(err, ErrAbortStream) {
					aborted = true
					break
				}
				return nil, err
			}
		}
	}

	if err := scanner.Err(); err != nil && !aborted {
		if reqCtx.Err() != nil && ctx.Err() == nil {
			return nil, ErrProviderStalled
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("read stream: %w", err)
	}

	out.Content = content.String()
	if aborted {
		out.StopReason = StopReasonAborted
	}
	out.CostMicros = c.cost(out.Usage)
	return out, nil
}

func (c *OpenAIClient) cost(usage TokenUsage) int64 {
	in := int64(usage.PromptTokens) * c.cfg.InputPricePerMTok / 1_000_000
	outTok := int64(usage.CompletionTokens) * c.cfg.OutputPricePerMTok / 1_000_000
	return in + outTok
}
