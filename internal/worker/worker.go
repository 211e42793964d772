package worker

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"axon/internal/codec"
	"axon/internal/engine"
	"axon/internal/llm"
	"axon/internal/observability"
	"axon/internal/queue"
	"axon/internal/session"
	"axon/internal/task"
	"axon/internal/toolscore"
	"axon/internal/trajectory"
)

const (
	// sessionLockWait is how long a worker waits for a session's
	// advisory lock before proceeding without history.
	sessionLockWait = 60 * time.Second
	// sessionLockSlack pads the task timeout for the lock TTL so the
	// lock outlives the attempt.
	sessionLockSlack = 60 * time.Second
)

// Config tunes a reasoning worker.
type Config struct {
	// Environment tags outcome records (e.g. "local", "production").
	Environment string
	Engine      engine.Config
}

// Worker turns a leased task into a finished trajectory: lock the
// session, build the prompt from the live capability catalog, run the
// reasoning loop, seal the trajectory, write terminal status. The
// returned queue.Handler reports nil only after the outcome is durable,
// which is what lets the pool ack.
type Worker struct {
	client   llm.Client
	registry *toolscore.Registry
	invoker  *toolscore.Invoker
	sessions *session.Manager
	recorder *trajectory.Recorder
	status   *queue.StatusWriter
	metrics  *observability.MetricsCollector
	cfg      Config
	logger   *observability.Logger
}

// New wires a worker.
func New(
	client llm.Client,
	registry *toolscore.Registry,
	invoker *toolscore.Invoker,
	sessions *session.Manager,
	recorder *trajectory.Recorder,
	status *queue.StatusWriter,
	metrics *observability.MetricsCollector,
	cfg Config,
) *Worker {
	if cfg.Environment == "" {
		cfg.Environment = "local"
	}
	return &Worker{
		client:   client,
		registry: registry,
		invoker:  invoker,
		sessions: sessions,
		recorder: recorder,
		status:   status,
		metrics:  metrics,
		cfg:      cfg,
		logger:   observability.NewComponentLogger("ReasoningWorker"),
	}
}

// Handler adapts the worker to the queue pool.
func (w *Worker) Handler() queue.Handler {
	return w.handle
}

func (w *Worker) handle(ctx context.Context, t *task.Task, attempt int) error {
	started := time.Now()
	taskCtx, cancel := context.WithTimeout(ctx, t.Timeout())
	defer cancel()
	taskCtx, span := otel.Tracer("axon/worker").Start(taskCtx, "worker.task",
		trace.WithAttributes(
			attribute.String("task.id", t.ID),
			attribute.String("task.type", string(t.Type)),
			attribute.Int("attempt", attempt),
		))
	defer span.End()

	handle, err := w.recorder.Begin(t)
	if err != nil {
		return fmt.Errorf("begin trajectory: %w", err)
	}

	digest, recap, release, sessionOK := w.openSession(taskCtx, t)
	if release != nil {
		defer release()
	}

	messages := codec.BuildPrompt(codec.PromptInput{
		Catalog:         w.registry.ReadySnapshot(),
		SessionDigest:   digest,
		SessionRecap:    recap,
		TaskDescription: t.Description,
	})

	eng := engine.New(w.client, w.invoker, w.registry, w.cfg.Engine, w.metrics)
	var steps []task.Step
	result, runErr := eng.Run(taskCtx, t, messages, func(step task.Step) error {
		if err := w.recorder.RecordStep(handle, step); err != nil {
			return err
		}
		steps = append(steps, step)
		return nil
	})
	if runErr != nil {
		// Infrastructure failure; the partial trajectory stays on disk
		// for the crash scan and the queue entry is redelivered.
		w.recorder.Abandon(handle)
		return fmt.Errorf("reasoning loop: %w", runErr)
	}

	outcome := task.Outcome{
		TaskID:          t.ID,
		Attempt:         attempt,
		Status:          result.Status,
		ErrorKind:       result.ErrorKind,
		ErrorMessage:    result.ErrorMessage,
		FinalAnswer:     result.FinalAnswer,
		TotalDurationMS: time.Since(started).Milliseconds(),
		TotalTokensIn:   result.TokensIn,
		TotalTokensOut:  result.TokensOut,
		TotalCostMicros: result.CostMicros,
		Environment:     w.cfg.Environment,
		FinalizedAt:     time.Now().UTC(),
	}
	if err := w.recorder.Finalize(handle, outcome); err != nil {
		return fmt.Errorf("finalize trajectory: %w", err)
	}

	// Session steps land after finalize so cross-task ordering follows
	// task completion time. Appends run on a fresh context; the task
	// deadline may already be gone.
	if sessionOK && t.SessionID != "" {
		appendCtx, appendCancel := context.WithTimeout(context.Background(), 30*time.Second)
		for _, step := range steps {
			if err := w.sessions.Append(appendCtx, t.SessionID, step); err != nil {
				w.logger.Warn("session append failed", "task_id", t.ID, "session_id", t.SessionID, "error", err)
				break
			}
		}
		appendCancel()
	}

	statusCtx, statusCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer statusCancel()
	if err := w.status.MarkTerminal(statusCtx, t.ID, &outcome); err != nil {
		// The outcome is already durable in the trajectory. Bouncing the
		// entry here would re-run a finished task, so the status hash
		// write retries in the background instead.
		w.logger.Warn("terminal status write failed; retrying in background",
			"task_id", t.ID, "error", err)
		w.status.RetryTerminal(t.ID, &outcome)
	}

	if w.metrics != nil {
		w.metrics.TaskCompleted(string(t.Type), string(result.Status), time.Since(started).Seconds())
	}
	w.logger.Info("task finished",
		"task_id", t.ID, "status", string(result.Status), "turns", result.Turns,
		"attempt", attempt, "duration_ms", outcome.TotalDurationMS)
	return nil
}

// openSession loads prompt context under the session's advisory lock.
// A held lock after the wait degrades to running without history; the
// conflict is recorded, not fatal.
func (w *Worker) openSession(ctx context.Context, t *task.Task) (digest string, recap []string, release func(), ok bool) {
	if t.SessionID == "" || w.sessions == nil {
		return "", nil, nil, false
	}
	release, err := w.sessions.Lock(ctx, t.SessionID, t.Timeout()+sessionLockSlack, sessionLockWait)
	if err != nil {
		if err == session.ErrLocked {
			w.logger.Warn("session locked by another worker; proceeding without history",
				"task_id", t.ID, "session_id", t.SessionID, "error_kind", string(task.ErrSessionConflict))
		} else {
			w.logger.Warn("session lock failed; proceeding without history",
				"task_id", t.ID, "session_id", t.SessionID, "error", err)
		}
		return "", nil, nil, false
	}
	digest, recap, err = w.sessions.PromptContext(ctx, t.SessionID)
	if err != nil {
		w.logger.Warn("session load failed; proceeding without history",
			"task_id", t.ID, "session_id", t.SessionID, "error", err)
		return "", nil, release, true
	}
	return digest, recap, release, true
}
