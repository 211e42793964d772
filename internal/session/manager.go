package session

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"axon/internal/observability"
	"axon/internal/task"
)

// Manager fronts a Store with an LRU hot cache and drives digest
// folding. Writes go through to the store before the cache is updated,
// so the cache can be dropped at any time without losing state.
type Manager struct {
	store      Store
	cache      *lru.Cache[string, *task.Session]
	summarizer *Summarizer
	logger     *observability.Logger
}

// NewManager wraps store with a cache of cacheSize sessions and a
// summarizer with digestBudget tokens.
func NewManager(store Store, cacheSize, digestBudget int) (*Manager, error) {
	if cacheSize <= 0 {
		cacheSize = 256
	}
	cache, err := lru.New[string, *task.Session](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Manager{
		store:      store,
		cache:      cache,
		summarizer: NewSummarizer(digestBudget),
		logger:     observability.NewComponentLogger("SessionManager"),
	}, nil
}

// Load returns the session, from cache when hot.
func (m *Manager) Load(ctx context.Context, id string) (*task.Session, error) {
	if sess, ok := m.cache.Get(id); ok {
		return sess, nil
	}
	sess, err := m.store.LoadSession(ctx, id)
	if err != nil {
		return nil, err
	}
	m.cache.Add(id, sess)
	return sess, nil
}

// Append durably appends a step, then updates the cached copy and folds
// old steps into the digest once the session passes the soft limit.
func (m *Manager) Append(ctx context.Context, id string, step task.Step) error {
	if err := m.store.AppendStep(ctx, id, step); err != nil {
		return err
	}
	if sess, ok := m.cache.Get(id); ok {
		sess.Steps = append(sess.Steps, step)
		sess.UpdatedAt = time.Now()
	}
	return m.maybeSummarize(ctx, id)
}

func (m *Manager) maybeSummarize(ctx context.Context, id string) error {
	sess, err := m.Load(ctx, id)
	if err != nil {
		return err
	}
	if !m.summarizer.ShouldSummarize(len(sess.Steps)) {
		return nil
	}
	_, err = m.fold(ctx, id, m.summarizer)
	return err
}

// Summarize folds all but the most recent steps into the digest under
// an explicit token budget, regardless of the soft step limit.
func (m *Manager) Summarize(ctx context.Context, id string, budgetTokens int) (string, error) {
	return m.fold(ctx, id, NewSummarizer(budgetTokens))
}

func (m *Manager) fold(ctx context.Context, id string, s *Summarizer) (string, error) {
	sess, err := m.Load(ctx, id)
	if err != nil {
		return "", err
	}
	keep := len(sess.Steps)
	if keep > KeepRecent {
		keep = KeepRecent
	}
	fold := sess.Steps[:len(sess.Steps)-keep]
	digest := s.Digest(sess.Digest, fold)
	if err := m.store.SetDigest(ctx, id, digest); err != nil {
		return "", err
	}
	// Folded steps stay durable in the store; only the prompt view
	// shrinks. Re-point the cached session at the trimmed tail.
	trimmed := &task.Session{
		ID:        id,
		Steps:     append([]task.Step(nil), sess.Steps[len(sess.Steps)-keep:]...),
		Digest:    digest,
		UpdatedAt: time.Now(),
	}
	m.cache.Add(id, trimmed)
	m.logger.Debug("folded session steps into digest",
		"session_id", id, "folded", len(fold), "digest_tokens", s.CountTokens(digest))
	return digest, nil
}

// PromptContext returns the digest and a recap of the most recent steps
// for prompt assembly.
func (m *Manager) PromptContext(ctx context.Context, id string) (digest string, recap []string, err error) {
	sess, err := m.Load(ctx, id)
	if err != nil {
		return "", nil, err
	}
	steps := sess.Steps
	if len(steps) > KeepRecent {
		steps = steps[len(steps)-KeepRecent:]
	}
	recap = make([]string, 0, len(steps))
	for _, step := range steps {
		recap = append(recap, RenderStepLine(step))
	}
	return sess.Digest, recap, nil
}

// Lock takes the session's advisory lock via the underlying store.
func (m *Manager) Lock(ctx context.Context, id string, ttl, wait time.Duration) (func(), error) {
	return m.store.AcquireLock(ctx, id, ttl, wait)
}

// Purge sweeps sessions idle since the cutoff and invalidates the cache.
func (m *Manager) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	n, err := m.store.Purge(ctx, olderThan)
	if n > 0 {
		m.cache.Purge()
	}
	return n, err
}

// Close closes the underlying store.
func (m *Manager) Close() error { return m.store.Close() }
