package queue

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable wraps any broker transport failure so callers can map
// it to the queue_unavailable failure kind.
var ErrUnavailable = errors.New("queue unavailable")

// Entry is one stream message: a stream-assigned id plus the encoded
// task payload.
type Entry struct {
	ID      string
	Payload []byte
	// DeliveryCount is how many times the stream has handed this entry
	// to a consumer, when the broker tracks it (0 means unknown).
	DeliveryCount int
}

// Broker is the slice of stream and status-hash operations the dispatch
// fabric needs. The production implementation is redis streams; tests
// use an in-memory broker.
type Broker interface {
	// Add appends a task payload to the stream and returns the entry id.
	Add(ctx context.Context, stream string, payload []byte) (string, error)
	// EnsureGroup creates the consumer group if missing, creating the
	// stream as a side effect.
	EnsureGroup(ctx context.Context, stream, group string) error
	// ReadGroup blocks up to block for new entries for this consumer.
	// A nil slice with nil error means the block timed out.
	ReadGroup(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]Entry, error)
	// AutoClaim transfers entries pending longer than minIdle from dead
	// consumers to this one.
	AutoClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int) ([]Entry, error)
	// Ack acknowledges and deletes an entry.
	Ack(ctx context.Context, stream, group, id string) error

	// SetStatus merges fields into the task's status hash.
	SetStatus(ctx context.Context, taskID string, fields map[string]any) error
	// GetStatus reads the task's status hash; empty map for unknown ids.
	GetStatus(ctx context.Context, taskID string) (map[string]string, error)

	Close() error
}
