package task

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

func newULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewTaskID generates a globally unique, lexicographically sortable task id.
func NewTaskID() string { return newULID() }

// NewInvocationID generates an id for a single tool invocation.
func NewInvocationID() string { return newULID() }
