package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"axon/internal/observability"
	"axon/internal/task"
)

const (
	// heartbeatInterval is how often a running task refreshes its
	// liveness stamp.
	heartbeatInterval = 10 * time.Second
	// staleAfter marks a heartbeat dead; a redelivered entry whose
	// heartbeat is fresher than this is still owned by a live worker.
	staleAfter = 3 * heartbeatInterval
	// maxAttempts caps redeliveries before redelivery_exhausted.
	maxAttempts = 3
	// visibilitySlack pads the task timeout before a pending entry can
	// be auto-claimed from a dead consumer.
	visibilitySlack = 60 * time.Second

	backoffMin = 100 * time.Millisecond
	backoffMax = 30 * time.Second
)

// Handler runs one task attempt to completion. It owns trajectory
// durability and the terminal status write; returning nil tells the
// pool the entry is safe to acknowledge. An error leaves the entry
// pending for redelivery.
type Handler func(ctx context.Context, t *task.Task, attempt int) error

// PoolConfig tunes one task type's worker pool.
type PoolConfig struct {
	TaskType task.Type
	Size     int
	// MemoryBudgetBytes stops claiming while heap use exceeds it.
	// Zero disables the check.
	MemoryBudgetBytes uint64
	// ReadBlock is the XREADGROUP block duration.
	ReadBlock time.Duration
	// ClaimInterval is how often each consumer sweeps for abandoned
	// entries.
	ClaimInterval time.Duration
	// ClaimMinIdle is the pending age past which an entry counts as
	// abandoned. Raise it above the longest task timeout submitted to
	// this pool; zero derives it from the default task timeout. The
	// heartbeat freshness check still protects longer-running tasks
	// claimed early.
	ClaimMinIdle time.Duration
}

func (c *PoolConfig) fill() {
	if c.Size <= 0 {
		c.Size = 4
	}
	if c.ReadBlock <= 0 {
		c.ReadBlock = 5 * time.Second
	}
	if c.ClaimInterval <= 0 {
		c.ClaimInterval = 30 * time.Second
	}
	if c.ClaimMinIdle <= 0 {
		c.ClaimMinIdle = task.DefaultTimeout + visibilitySlack
	}
}

// WorkerPool consumes one task type's stream with a fixed number of
// consumers. Entries are acknowledged only after the handler reports
// durable completion, so a crash between claim and ack redelivers.
type WorkerPool struct {
	broker  Broker
	cfg     PoolConfig
	handler Handler
	status  *StatusWriter
	logger  *observability.Logger
	metrics *observability.MetricsCollector

	wg sync.WaitGroup
}

// NewWorkerPool builds a pool; Start begins consumption.
func NewWorkerPool(broker Broker, cfg PoolConfig, handler Handler, metrics *observability.MetricsCollector) *WorkerPool {
	cfg.fill()
	return &WorkerPool{
		broker:  broker,
		cfg:     cfg,
		handler: handler,
		status:  NewStatusWriter(broker),
		logger:  observability.NewComponentLogger("WorkerPool:" + string(cfg.TaskType)),
		metrics: metrics,
	}
}

// Start creates the consumer group and launches the consumers. It
// returns once consumption is running; cancel ctx to drain.
func (p *WorkerPool) Start(ctx context.Context) error {
	stream := StreamName(p.cfg.TaskType)
	if err := p.broker.EnsureGroup(ctx, stream, ConsumerGroup); err != nil {
		return err
	}
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	for i := 0; i < p.cfg.Size; i++ {
		consumer := fmt.Sprintf("%s-%d", host, i)
		p.wg.Add(1)
		go p.consume(ctx, stream, consumer)
	}
	p.logger.Info("worker pool started", "task_type", string(p.cfg.TaskType), "size", p.cfg.Size)
	return nil
}

// Wait blocks until every consumer has drained after ctx cancellation.
func (p *WorkerPool) Wait() { p.wg.Wait() }

func (p *WorkerPool) consume(ctx context.Context, stream, consumer string) {
	defer p.wg.Done()
	var bo backoff
	lastClaim := time.Time{}
	for ctx.Err() == nil {
		if p.memoryPressed() {
			p.logger.Warn("memory budget exceeded; pausing claims", "consumer", consumer)
			sleepCtx(ctx, time.Second)
			continue
		}

		var entries []Entry
		var err error
		redelivered := false
		if time.Since(lastClaim) >= p.cfg.ClaimInterval {
			lastClaim = time.Now()
			entries, err = p.broker.AutoClaim(ctx, stream, ConsumerGroup, consumer, p.minIdle(), 1)
			redelivered = true
		}
		if err == nil && len(entries) == 0 {
			redelivered = false
			entries, err = p.broker.ReadGroup(ctx, stream, ConsumerGroup, consumer, 1, p.cfg.ReadBlock)
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := bo.next()
			p.logger.Warn("queue error; backing off", "consumer", consumer, "backoff", wait.String(), "error", err)
			sleepCtx(ctx, wait)
			continue
		}
		bo.reset()
		for _, entry := range entries {
			p.process(ctx, stream, consumer, entry, redelivered)
		}
	}
}

// minIdle is the visibility timeout floor: no task outlives its wall
// clock budget, so an entry pending longer than the configured bound
// belongs to a dead consumer.
func (p *WorkerPool) minIdle() time.Duration {
	return p.cfg.ClaimMinIdle
}

func (p *WorkerPool) process(ctx context.Context, stream, consumer string, entry Entry, redelivered bool) {
	var t task.Task
	if err := json.Unmarshal(entry.Payload, &t); err != nil {
		// Poison entry; nothing can ever run it.
		p.logger.Error("dropping undecodable task entry", "entry_id", entry.ID, "error", err)
		p.ack(ctx, stream, entry.ID)
		return
	}

	st, err := p.broker.GetStatus(ctx, t.ID)
	if err != nil {
		p.logger.Warn("status read failed; leaving entry for redelivery", "task_id", t.ID, "error", err)
		return
	}
	prior := decodeStatus(t.ID, st)
	if prior.Status.Terminal() {
		// Completed on a previous delivery; the ack was lost.
		p.ack(ctx, stream, entry.ID)
		return
	}
	if redelivered && prior.Status == task.StatusRunning && time.Since(prior.HeartbeatAt) < staleAfter {
		// Still owned by a live worker; claimed too eagerly.
		return
	}

	attempt := prior.Attempt + 1
	if attempt > maxAttempts {
		p.logger.Error("redelivery attempts exhausted", "task_id", t.ID, "attempt", attempt)
		outcome := &task.Outcome{
			TaskID:       t.ID,
			Attempt:      attempt,
			Status:       task.StatusFailed,
			ErrorKind:    task.ErrRedeliveryExhausted,
			ErrorMessage: fmt.Sprintf("task failed %d deliveries", maxAttempts),
			FinalizedAt:  time.Now().UTC(),
		}
		if err := p.status.MarkTerminal(ctx, t.ID, outcome); err != nil {
			p.logger.Warn("terminal status write failed", "task_id", t.ID, "error", err)
			return
		}
		p.ack(ctx, stream, entry.ID)
		return
	}

	if err := p.status.MarkRunning(ctx, t.ID, attempt); err != nil {
		// Status hash writes never gate execution; the mark lands when
		// the store recovers.
		p.logger.Warn("running status write failed; retrying in background", "task_id", t.ID, "error", err)
		p.status.RetryRunning(t.ID, attempt)
	}

	hbStop := make(chan struct{})
	go p.heartbeat(ctx, t.ID, hbStop)

	p.logger.Info("task claimed", "task_id", t.ID, "consumer", consumer, "attempt", attempt, "redelivered", redelivered)
	if p.metrics != nil {
		p.metrics.TaskStarted(string(t.Type))
	}
	err = p.handler(ctx, &t, attempt)
	close(hbStop)

	if err != nil {
		p.logger.Error("task attempt failed; leaving entry for redelivery", "task_id", t.ID, "attempt", attempt, "error", err)
		return
	}
	p.ack(ctx, stream, entry.ID)
}

func (p *WorkerPool) heartbeat(ctx context.Context, taskID string, stop <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.status.Heartbeat(ctx, taskID); err != nil {
				p.logger.Warn("heartbeat write failed", "task_id", taskID, "error", err)
			}
		}
	}
}

func (p *WorkerPool) ack(ctx context.Context, stream, id string) {
	var bo backoff
	for i := 0; i < 3; i++ {
		if err := p.broker.Ack(ctx, stream, ConsumerGroup, id); err == nil {
			return
		} else if ctx.Err() != nil {
			return
		} else if i == 2 {
			// Redelivery detection resolves the duplicate later.
			p.logger.Warn("ack failed; entry will be redelivered", "entry_id", id, "error", err)
			return
		}
		sleepCtx(ctx, bo.next())
	}
}

func (p *WorkerPool) memoryPressed() bool {
	if p.cfg.MemoryBudgetBytes == 0 {
		return false
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc > p.cfg.MemoryBudgetBytes
}

type backoff struct {
	d time.Duration
}

func (b *backoff) next() time.Duration {
	if b.d == 0 {
		b.d = backoffMin
	} else {
		b.d *= 2
		if b.d > backoffMax {
			b.d = backoffMax
		}
	}
	return b.d
}

func (b *backoff) reset() { b.d = 0 }

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
