package session

import (
	"context"
	"sync"
	"time"

	"axon/internal/task"
)

type memorySession struct {
	steps     []task.Step
	digest    string
	updatedAt time.Time
}

// MemoryStore is an in-process Store used by tests and single-node
// deployments without redis.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*memorySession
	locks    map[string]chan struct{}
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*memorySession),
		locks:    make(map[string]chan struct{}),
	}
}

func (s *MemoryStore) get(id string) *memorySession {
	sess, ok := s.sessions[id]
	if !ok {
		sess = &memorySession{}
		s.sessions[id] = sess
	}
	return sess
}

func (s *MemoryStore) LoadSession(_ context.Context, id string) (*task.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return &task.Session{ID: id}, nil
	}
	steps := make([]task.Step, len(sess.steps))
	copy(steps, sess.steps)
	return &task.Session{ID: id, Steps: steps, Digest: sess.digest, UpdatedAt: sess.updatedAt}, nil
}

func (s *MemoryStore) LoadTail(_ context.Context, id string, n int) ([]task.Step, error) {
	if n <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	start := len(sess.steps) - n
	if start < 0 {
		start = 0
	}
	steps := make([]task.Step, len(sess.steps)-start)
	copy(steps, sess.steps[start:])
	return steps, nil
}

func (s *MemoryStore) AppendStep(_ context.Context, id string, step task.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.get(id)
	sess.steps = append(sess.steps, step)
	sess.updatedAt = time.Now()
	return nil
}

func (s *MemoryStore) Digest(_ context.Context, id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return sess.digest, nil
	}
	return "", nil
}

func (s *MemoryStore) SetDigest(_ context.Context, id, digest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.get(id)
	sess.digest = digest
	sess.updatedAt = time.Now()
	return nil
}

// AcquireLock serializes holders of the same session id. The ttl is not
// enforced in memory; a crashed in-process holder takes the program with
// it anyway.
func (s *MemoryStore) AcquireLock(ctx context.Context, id string, _, wait time.Duration) (func(), error) {
	s.mu.Lock()
	ch, ok := s.locks[id]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[id] = ch
	}
	s.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case ch <- struct{}{}:
	case <-timer.C:
		return nil, ErrLocked
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { <-ch })
	}, nil
}

func (s *MemoryStore) Purge(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for id, sess := range s.sessions {
		if sess.updatedAt.Before(olderThan) {
			delete(s.sessions, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryStore) Close() error { return nil }
