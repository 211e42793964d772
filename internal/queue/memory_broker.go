package queue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type memEntry struct {
	id            string
	payload       []byte
	delivered     bool
	deliveredAt   time.Time
	deliveryCount int
	acked         bool
}

// MemoryBroker is an in-process Broker with redis-stream delivery
// semantics, used by tests and by single-node runs without redis.
type MemoryBroker struct {
	mu       sync.Mutex
	streams  map[string][]*memEntry
	groups   map[string]bool // stream|group
	statuses map[string]map[string]string
	seq      int

	// FailAdds makes Add fail, for queue_unavailable paths.
	FailAdds bool
	// FailSetStatus fails the next N SetStatus calls, for background
	// retry paths.
	FailSetStatus int
}

var _ Broker = (*MemoryBroker)(nil)

// NewMemoryBroker creates an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		streams:  make(map[string][]*memEntry),
		groups:   make(map[string]bool),
		statuses: make(map[string]map[string]string),
	}
}

func (b *MemoryBroker) Add(_ context.Context, stream string, payload []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailAdds {
		return "", fmt.Errorf("%w: connection refused", ErrUnavailable)
	}
	b.seq++
	id := fmt.Sprintf("%d-0", b.seq)
	b.streams[stream] = append(b.streams[stream], &memEntry{id: id, payload: payload})
	return id, nil
}

func (b *MemoryBroker) EnsureGroup(_ context.Context, stream, group string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.groups[stream+"|"+group] = true
	return nil
}

func (b *MemoryBroker) ReadGroup(ctx context.Context, stream, _, _ string, count int, block time.Duration) ([]Entry, error) {
	deadline := time.Now().Add(block)
	for {
		b.mu.Lock()
		var out []Entry
		for _, e := range b.streams[stream] {
			if e.delivered || e.acked {
				continue
			}
			e.delivered = true
			e.deliveredAt = time.Now()
			e.deliveryCount++
			out = append(out, Entry{ID: e.id, Payload: e.payload, DeliveryCount: e.deliveryCount})
			if len(out) >= count {
				break
			}
		}
		b.mu.Unlock()
		if len(out) > 0 {
			return out, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (b *MemoryBroker) AutoClaim(_ context.Context, stream, _, _ string, minIdle time.Duration, count int) ([]Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Entry
	for _, e := range b.streams[stream] {
		if !e.delivered || e.acked || time.Since(e.deliveredAt) < minIdle {
			continue
		}
		e.deliveredAt = time.Now()
		e.deliveryCount++
		out = append(out, Entry{ID: e.id, Payload: e.payload, DeliveryCount: e.deliveryCount})
		if len(out) >= count {
			break
		}
	}
	return out, nil
}

func (b *MemoryBroker) Ack(_ context.Context, stream, _, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.streams[stream] {
		if e.id == id {
			e.acked = true
			return nil
		}
	}
	return nil
}

func (b *MemoryBroker) SetStatus(_ context.Context, taskID string, fields map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailSetStatus > 0 {
		b.FailSetStatus--
		return fmt.Errorf("%w: connection reset", ErrUnavailable)
	}
	st, ok := b.statuses[taskID]
	if !ok {
		st = make(map[string]string)
		b.statuses[taskID] = st
	}
	for k, v := range fields {
		st[k] = fmt.Sprint(v)
	}
	return nil
}

func (b *MemoryBroker) GetStatus(_ context.Context, taskID string) (map[string]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]string, len(b.statuses[taskID]))
	for k, v := range b.statuses[taskID] {
		out[k] = v
	}
	return out, nil
}

func (b *MemoryBroker) Close() error { return nil }

// Pending reports unacked entries on a stream, for tests.
func (b *MemoryBroker) Pending(stream string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.streams[stream] {
		if !e.acked {
			n++
		}
	}
	return n
}

// ExpirePending rewinds delivery stamps so AutoClaim sees the entries
// as abandoned, for tests.
func (b *MemoryBroker) ExpirePending(stream string, by time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.streams[stream] {
		if e.delivered && !e.acked {
			e.deliveredAt = e.deliveredAt.Add(-by)
		}
	}
}
