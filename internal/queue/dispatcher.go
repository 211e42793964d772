package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"axon/internal/observability"
	"axon/internal/task"
)

// StreamName is the stream for a task type.
func StreamName(t task.Type) string { return "axon:tasks:" + string(t) }

// ConsumerGroup is shared by every worker pool.
const ConsumerGroup = "axon-workers"

// TaskStatus is the decoded status hash of a task.
type TaskStatus struct {
	TaskID       string       `json:"task_id"`
	Status       task.Status  `json:"status"`
	Attempt      int          `json:"attempt"`
	HeartbeatAt  time.Time    `json:"heartbeat_at,omitempty"`
	ErrorKind    task.ErrKind `json:"error_kind,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
	FinalAnswer  string       `json:"final_answer,omitempty"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// ErrUnknownTask reports a status lookup for an id the fabric has never
// seen (or whose status has expired).
var ErrUnknownTask = fmt.Errorf("unknown task")

// Dispatcher submits tasks and answers status queries. It never blocks
// on workers; submission is an XADD plus a status hash write.
type Dispatcher struct {
	broker          Broker
	defaultMaxSteps int
	logger          *observability.Logger
}

// NewDispatcher wraps a broker.
func NewDispatcher(broker Broker) *Dispatcher {
	return &Dispatcher{broker: broker, logger: observability.NewComponentLogger("Dispatcher")}
}

// WithDefaultMaxSteps overrides the step cap applied to tasks that do
// not set one.
func (d *Dispatcher) WithDefaultMaxSteps(n int) *Dispatcher {
	d.defaultMaxSteps = n
	return d
}

// Submit validates, defaults, and enqueues a task, returning its id.
// Broker failures surface wrapped in ErrUnavailable; nothing is
// half-submitted on error because the status hash is written only after
// the stream append succeeds.
func (d *Dispatcher) Submit(ctx context.Context, t *task.Task) (string, error) {
	if t.MaxSteps == 0 && d.defaultMaxSteps > 0 {
		t.MaxSteps = d.defaultMaxSteps
	}
	if err := t.Normalize(time.Now().UTC()); err != nil {
		return "", err
	}
	if t.TimeoutSeconds == 0 {
		t.TimeoutSeconds = int(task.DefaultTimeout / time.Second)
	}

	payload, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("encode task: %w", err)
	}
	if _, err := d.broker.Add(ctx, StreamName(t.Type), payload); err != nil {
		return "", err
	}
	if err := d.broker.SetStatus(ctx, t.ID, map[string]any{
		"status":     string(task.StatusPending),
		"attempt":    0,
		"updated_at": time.Now().UTC().Format(time.RFC3339Nano),
	}); err != nil {
		// The entry is in the stream; a worker will create the status on
		// claim. Log and report the id anyway.
		d.logger.Warn("status write after submit failed", "task_id", t.ID, "error", err)
	}
	d.logger.Info("task submitted", "task_id", t.ID, "task_type", string(t.Type), "priority", t.Priority)
	return t.ID, nil
}

// Status reads the task's current status hash.
func (d *Dispatcher) Status(ctx context.Context, taskID string) (*TaskStatus, error) {
	fields, err := d.broker.GetStatus(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	return decodeStatus(taskID, fields), nil
}

func decodeStatus(taskID string, fields map[string]string) *TaskStatus {
	st := &TaskStatus{TaskID: taskID, Status: task.Status(fields["status"])}
	if v, err := strconv.Atoi(fields["attempt"]); err == nil {
		st.Attempt = v
	}
	if ts, err := time.Parse(time.RFC3339Nano, fields["heartbeat_at"]); err == nil {
		st.HeartbeatAt = ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, fields["updated_at"]); err == nil {
		st.UpdatedAt = ts
	}
	st.ErrorKind = task.ErrKind(fields["error_kind"])
	st.ErrorMessage = fields["error_message"]
	st.FinalAnswer = fields["final_answer"]
	return st
}
