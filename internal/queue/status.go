package queue

import (
	"context"
	"time"

	"axon/internal/observability"
	"axon/internal/task"
)

// statusWriteTimeout bounds each background retry attempt.
const statusWriteTimeout = 10 * time.Second

// StatusWriter centralizes status hash writes so the pool and the
// worker agree on field names.
type StatusWriter struct {
	broker Broker
	logger *observability.Logger
}

// NewStatusWriter wraps a broker.
func NewStatusWriter(broker Broker) *StatusWriter {
	return &StatusWriter{
		broker: broker,
		logger: observability.NewComponentLogger("StatusWriter"),
	}
}

func nowStamp() string { return time.Now().UTC().Format(time.RFC3339Nano) }

// MarkRunning records that an attempt has started.
func (w *StatusWriter) MarkRunning(ctx context.Context, taskID string, attempt int) error {
	return w.broker.SetStatus(ctx, taskID, map[string]any{
		"status":       string(task.StatusRunning),
		"attempt":      attempt,
		"heartbeat_at": nowStamp(),
		"updated_at":   nowStamp(),
	})
}

// Heartbeat refreshes the liveness stamp of a running task.
func (w *StatusWriter) Heartbeat(ctx context.Context, taskID string) error {
	return w.broker.SetStatus(ctx, taskID, map[string]any{
		"heartbeat_at": nowStamp(),
	})
}

// MarkTerminal records a task's final disposition.
func (w *StatusWriter) MarkTerminal(ctx context.Context, taskID string, outcome *task.Outcome) error {
	fields := map[string]any{
		"status":     string(outcome.Status),
		"updated_at": nowStamp(),
	}
	if outcome.ErrorKind != "" {
		fields["error_kind"] = string(outcome.ErrorKind)
	}
	if outcome.ErrorMessage != "" {
		fields["error_message"] = outcome.ErrorMessage
	}
	if outcome.FinalAnswer != "" {
		fields["final_answer"] = outcome.FinalAnswer
	}
	return w.broker.SetStatus(ctx, taskID, fields)
}

// RetryRunning keeps rewriting the running mark in the background until
// it lands. Execution proceeds regardless; the status hash is a view,
// not the source of truth.
func (w *StatusWriter) RetryRunning(taskID string, attempt int) {
	go w.retryWrite(taskID, "running", func(ctx context.Context) error {
		return w.MarkRunning(ctx, taskID, attempt)
	})
}

// RetryTerminal keeps rewriting the terminal status in the background
// until it lands. The trajectory already holds the outcome durably, so
// a status hash hiccup must not send a finished task back for
// re-execution.
func (w *StatusWriter) RetryTerminal(taskID string, outcome *task.Outcome) {
	go w.retryWrite(taskID, "terminal", func(ctx context.Context) error {
		return w.MarkTerminal(ctx, taskID, outcome)
	})
}

func (w *StatusWriter) retryWrite(taskID, what string, write func(context.Context) error) {
	var bo backoff
	for {
		time.Sleep(bo.next())
		ctx, cancel := context.WithTimeout(context.Background(), statusWriteTimeout)
		err := write(ctx)
		cancel()
		if err == nil {
			w.logger.Info("status write landed after retry", "task_id", taskID, "write", what)
			return
		}
		w.logger.Warn("status write retry failed", "task_id", taskID, "write", what, "error", err)
	}
}
