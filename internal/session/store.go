package session

import (
	"context"
	"errors"
	"time"

	"axon/internal/task"
)

// ErrLocked reports that another worker holds the session's advisory
// lock.
var ErrLocked = errors.New("session: locked by another worker")

// Store is the durable session backend. Append is durable before it
// returns; Load returns an empty session for unknown ids.
type Store interface {
	LoadSession(ctx context.Context, id string) (*task.Session, error)
	// LoadTail returns at most n most recent steps.
	LoadTail(ctx context.Context, id string, n int) ([]task.Step, error)
	AppendStep(ctx context.Context, id string, step task.Step) error
	Digest(ctx context.Context, id string) (string, error)
	SetDigest(ctx context.Context, id, digest string) error
	// AcquireLock takes the session's advisory lock, waiting up to wait.
	// The returned release function is safe to call more than once.
	AcquireLock(ctx context.Context, id string, ttl, wait time.Duration) (release func(), err error)
	// Purge removes sessions not updated since the cutoff and returns
	// how many were deleted.
	Purge(ctx context.Context, olderThan time.Time) (int, error)
	Close() error
}
