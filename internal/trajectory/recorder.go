package trajectory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"axon/internal/observability"
	"axon/internal/task"
)

// Grouping controls how trajectory files are bucketed into directories
// by the task's UTC start date.
type Grouping string

const (
	GroupDaily   Grouping = "daily"
	GroupWeekly  Grouping = "weekly"
	GroupMonthly Grouping = "monthly"
	GroupNone    Grouping = "none"
)

// Valid reports whether g is a known grouping.
func (g Grouping) Valid() bool {
	switch g {
	case GroupDaily, GroupWeekly, GroupMonthly, GroupNone:
		return true
	}
	return false
}

// groupDir names the bucket directory for a UTC instant.
func (g Grouping) groupDir(at time.Time) string {
	at = at.UTC()
	switch g {
	case GroupDaily:
		return at.Format("2006-01-02")
	case GroupWeekly:
		year, week := at.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	case GroupMonthly:
		return at.Format("2006-01")
	}
	return ""
}

// Record is one NDJSON line in a trajectory file. Every line carries the
// task id so compacted archives stay self-describing.
type Record struct {
	Type    string        `json:"type"` // "step" or "outcome"
	TaskID  string        `json:"task_id"`
	Step    *task.Step    `json:"step,omitempty"`
	Outcome *task.Outcome `json:"outcome,omitempty"`
}

// Recorder writes one NDJSON file per task. Steps are flushed and
// fsynced before RecordStep returns, so a crash never loses an
// acknowledged step.
type Recorder struct {
	root     string
	grouping Grouping
	logger   *observability.Logger
}

// NewRecorder creates the root directory if needed.
func NewRecorder(root string, grouping Grouping) (*Recorder, error) {
	if !grouping.Valid() {
		return nil, fmt.Errorf("unknown trajectory grouping: %q", grouping)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create trajectory root: %w", err)
	}
	return &Recorder{
		root:     root,
		grouping: grouping,
		logger:   observability.NewComponentLogger("TrajectoryRecorder"),
	}, nil
}

// Root returns the recorder's base directory.
func (r *Recorder) Root() string { return r.root }

// Handle is an open, unsealed trajectory file.
type Handle struct {
	taskID string
	path   string
	file   *os.File

	mu        sync.Mutex
	sealed    bool
	startedAt time.Time

	stepCount  int
	durationMS int64
	tokensIn   int
	tokensOut  int
	costMicros int64
}

// Path returns the file the handle writes to.
func (h *Handle) Path() string { return h.path }

// Begin opens the trajectory file for a task.
func (r *Recorder) Begin(t *task.Task) (*Handle, error) {
	now := time.Now().UTC()
	dir := r.root
	if group := r.grouping.groupDir(now); group != "" {
		dir = filepath.Join(r.root, group)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create trajectory group dir: %w", err)
		}
	}
	path := filepath.Join(dir, t.ID+".ndjson")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open trajectory file: %w", err)
	}
	return &Handle{taskID: t.ID, path: path, file: file, startedAt: now}, nil
}

func (h *Handle) writeRecord(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode trajectory record: %w", err)
	}
	if _, err := h.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write trajectory record: %w", err)
	}
	if err := h.file.Sync(); err != nil {
		return fmt.Errorf("sync trajectory file: %w", err)
	}
	return nil
}

// RecordStep appends a step line. The line is on disk before return.
func (r *Recorder) RecordStep(h *Handle, step task.Step) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sealed {
		return fmt.Errorf("trajectory %s already finalized", h.taskID)
	}
	if step.StepID == 0 {
		step.StepID = h.stepCount + 1
	}
	if err := h.writeRecord(Record{Type: "step", TaskID: h.taskID, Step: &step}); err != nil {
		return err
	}
	h.stepCount++
	h.durationMS += step.DurationMS
	h.tokensIn += step.TokensIn
	h.tokensOut += step.TokensOut
	h.costMicros += step.CostMicros
	return nil
}

// Finalize seals the trajectory with an outcome line. Totals the caller
// leaves at zero are filled from the recorded steps.
func (r *Recorder) Finalize(h *Handle, outcome task.Outcome) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sealed {
		return fmt.Errorf("trajectory %s already finalized", h.taskID)
	}
	outcome.TaskID = h.taskID
	if outcome.FinalizedAt.IsZero() {
		outcome.FinalizedAt = time.Now().UTC()
	}
	if outcome.TotalDurationMS == 0 {
		outcome.TotalDurationMS = h.durationMS
	}
	if outcome.TotalTokensIn == 0 {
		outcome.TotalTokensIn = h.tokensIn
	}
	if outcome.TotalTokensOut == 0 {
		outcome.TotalTokensOut = h.tokensOut
	}
	if outcome.TotalCostMicros == 0 {
		outcome.TotalCostMicros = h.costMicros
	}
	if err := h.writeRecord(Record{Type: "outcome", TaskID: h.taskID, Outcome: &outcome}); err != nil {
		return err
	}
	h.sealed = true
	if err := h.file.Close(); err != nil {
		return fmt.Errorf("close trajectory file: %w", err)
	}
	r.logger.Debug("trajectory sealed",
		"task_id", h.taskID, "steps", h.stepCount, "status", string(outcome.Status))
	return nil
}

// Abandon closes an unsealed handle without an outcome, leaving the file
// for the startup crash scan.
func (r *Recorder) Abandon(h *Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sealed {
		return
	}
	h.sealed = true
	_ = h.file.Close()
}
