package llm

import (
	"context"
	"errors"
	"testing"
	"time"
)

// flakyClient fails a fixed number of times before delegating to a mock.
type flakyClient struct {
	failures  int
	err       error
	delivered string // streamed before each failure, when set

	calls int
	mock  *MockClient
}

func (f *flakyClient) Model() string { return "flaky" }

func (f *flakyClient) StreamComplete(ctx context.Context, req CompletionRequest, onDelta func(string) error) (*CompletionResponse, error) {
	f.calls++
	if f.calls <= f.failures {
		if f.delivered != "" {
			if err := onDelta(f.delivered); err != nil {
				return nil, err
			}
		}
		return nil, f.err
	}
	return f.mock.StreamComplete(ctx, req, onDelta)
}

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{MaxAttempts: attempts, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func TestRetryClientRecoversFromServerError(t *testing.T) {
	base := &flakyClient{
		failures: 2,
		err:      &APIError{StatusCode: 503, Body: "overloaded"},
		mock:     &MockClient{Responses: []string{"<answer>ok</answer>"}},
	}
	c := NewRetryClient(base, fastRetry(3))

	resp, err := c.StreamComplete(context.Background(), CompletionRequest{}, func(string) error { return nil })
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if resp.Content == "" || base.calls != 3 {
		t.Fatalf("resp %+v after %d calls", resp, base.calls)
	}
}

func TestRetryClientGivesUpAfterMaxAttempts(t *testing.T) {
	base := &flakyClient{failures: 10, err: &APIError{StatusCode: 500}}
	c := NewRetryClient(base, fastRetry(3))

	_, err := c.StreamComplete(context.Background(), CompletionRequest{}, func(string) error { return nil })
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("want APIError, got %v", err)
	}
	if base.calls != 3 {
		t.Fatalf("calls: %d", base.calls)
	}
}

func TestRetryClientDoesNotRetryClientErrors(t *testing.T) {
	base := &flakyClient{failures: 10, err: &APIError{StatusCode: 400, Body: "bad request"}}
	c := NewRetryClient(base, fastRetry(3))

	if _, err := c.StreamComplete(context.Background(), CompletionRequest{}, func(string) error { return nil }); err == nil {
		t.Fatalf("expected error")
	}
	if base.calls != 1 {
		t.Fatalf("4xx must not be retried: %d calls", base.calls)
	}
}

func TestRetryClientDoesNotRetryAfterDelivery(t *testing.T) {
	// Partial content already reached the consumer; replaying the stream
	// would duplicate it.
	base := &flakyClient{
		failures:  10,
		err:       &APIError{StatusCode: 500},
		delivered: "partial ",
	}
	c := NewRetryClient(base, fastRetry(3))

	if _, err := c.StreamComplete(context.Background(), CompletionRequest{}, func(string) error { return nil }); err == nil {
		t.Fatalf("expected error")
	}
	if base.calls != 1 {
		t.Fatalf("delivered stream must not be retried: %d calls", base.calls)
	}
}

func TestRetryClientDoesNotRetryStalledStream(t *testing.T) {
	base := &flakyClient{failures: 10, err: ErrProviderStalled}
	c := NewRetryClient(base, fastRetry(3))

	if _, err := c.StreamComplete(context.Background(), CompletionRequest{}, func(string) error { return nil }); !errors.Is(err, ErrProviderStalled) {
		t.Fatalf("want ErrProviderStalled, got %v", err)
	}
	if base.calls != 1 {
		t.Fatalf("stalls are terminal: %d calls", base.calls)
	}
}

func TestMockClientHonorsStops(t *testing.T) {
	m := &MockClient{Responses: []string{"<answer>42</answer> trailing junk"}}
	resp, err := m.StreamComplete(context.Background(), CompletionRequest{
		StopSequences: []string{"</answer>"},
	}, func(string) error { return nil })
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if resp.Content != "<answer>42" || resp.StopReason != "stop" {
		t.Fatalf("resp: %+v", resp)
	}
}
