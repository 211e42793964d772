package llm

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// MockClient is a scripted client for tests. Each call returns the next
// scripted response, streamed in small chunks. Stop sequences are honored
// the way real providers do: generation cuts before the stop text, which
// is not delivered.
type MockClient struct {
	Responses []string
	Errs      []error // optional, aligned with Responses; nil entries mean success
	Usage     TokenUsage
	ChunkSize int
	// IgnoreStops simulates a provider that does not honor stop
	// sequences, used to exercise the hallucination defense.
	IgnoreStops bool

	mu    sync.Mutex
	calls int
}

var _ Client = (*MockClient)(nil)

// Model returns a fixed identifier.
func (m *MockClient) Model() string { return "mock" }

// Calls reports how many completions were requested.
func (m *MockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// StreamComplete streams the next scripted response.
func (m *MockClient) StreamComplete(ctx context.Context, req CompletionRequest, onDelta func(delta string) error) (*CompletionResponse, error) {
	m.mu.Lock()
	idx := m.calls
	m.calls++
	m.mu.Unlock()

	if idx < len(m.Errs) && m.Errs[idx] != nil {
		return nil, m.Errs[idx]
	}
	if idx >= len(m.Responses) {
		return nil, errors.New("mock: no scripted response left")
	}

	text := m.Responses[idx]
	stopReason := "end"
	if !m.IgnoreStops {
		if cut, hit := cutAtStop(text, req.StopSequences); hit {
			text = cut
			stopReason = "stop"
		}
	}

	chunk := m.ChunkSize
	if chunk <= 0 {
		chunk = 7
	}
	aborted := false
	var sent strings.Builder
	for off := 0; off < len(text); off += chunk {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		end := off + chunk
		if end > len(text) {
			end = len(text)
		}
		piece := text[off:end]
		sent.WriteString(piece)
		if err := onDelta(piece); err != nil {
			if errors.Is(err, ErrAbortStream) {
				aborted = true
				break
			}
			return nil, err
		}
	}

	resp := &CompletionResponse{
		Content:    sent.String(),
		StopReason: stopReason,
		Usage:      m.Usage,
	}
	if aborted {
		resp.StopReason = StopReasonAborted
	}
	return resp, nil
}

func cutAtStop(text string, stops []string) (string, bool) {
	cut := -1
	for _, stop := range stops {
		if stop == "" {
			continue
		}
		if i := strings.Index(text, stop); i >= 0 && (cut < 0 || i < cut) {
			cut = i
		}
	}
	if cut < 0 {
		return text, false
	}
	return text[:cut], true
}
