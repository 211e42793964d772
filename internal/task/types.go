package task

import (
	"fmt"
	"time"
)

// Type partitions tasks into queues and worker pools.
type Type string

const (
	TypeReasoning Type = "reasoning"
	TypeCode      Type = "code"
	TypeWeb       Type = "web"
	TypeResearch  Type = "research"
	TypeGeneral   Type = "general"
)

// Types lists every recognized task type in stable order.
func Types() []Type {
	return []Type{TypeReasoning, TypeCode, TypeWeb, TypeResearch, TypeGeneral}
}

// Valid reports whether t is a recognized task type.
func (t Type) Valid() bool {
	switch t {
	case TypeReasoning, TypeCode, TypeWeb, TypeResearch, TypeGeneral:
		return true
	}
	return false
}

const (
	// DefaultMaxSteps caps assistant turns when the submitter does not.
	DefaultMaxSteps = 25
	// MaxStepsCeiling is the hard upper bound on max_steps.
	MaxStepsCeiling = 100
	// DefaultTimeout bounds a task's wall clock when the submitter does not.
	DefaultTimeout = 600 * time.Second
)

// Task is one user-submitted unit of work. Consumed exactly once by a
// worker; never mutated after submission.
type Task struct {
	ID             string    `json:"task_id"`
	Description    string    `json:"description"`
	Type           Type      `json:"task_type"`
	Priority       int       `json:"priority"`
	MaxSteps       int       `json:"max_steps"`
	TimeoutSeconds int       `json:"timeout_seconds"`
	SessionID      string    `json:"session_id,omitempty"`
	SubmittedAt    time.Time `json:"submitted_at"`
}

// Normalize fills defaults and validates submitter-controlled fields.
func (t *Task) Normalize(now time.Time) error {
	if t.Description == "" {
		return fmt.Errorf("task description is required")
	}
	if t.Type == "" {
		t.Type = TypeGeneral
	}
	if !t.Type.Valid() {
		return fmt.Errorf("unknown task type %q", t.Type)
	}
	if t.Priority < 0 || t.Priority > 3 {
		return fmt.Errorf("priority %d out of range [0,3]", t.Priority)
	}
	if t.MaxSteps == 0 {
		t.MaxSteps = DefaultMaxSteps
	}
	if t.MaxSteps < 1 || t.MaxSteps > MaxStepsCeiling {
		return fmt.Errorf("max_steps %d out of range [1,%d]", t.MaxSteps, MaxStepsCeiling)
	}
	if t.TimeoutSeconds < 0 {
		return fmt.Errorf("timeout_seconds must not be negative")
	}
	if t.ID == "" {
		t.ID = NewTaskID()
	}
	if t.SubmittedAt.IsZero() {
		t.SubmittedAt = now
	}
	return nil
}

// Timeout returns the task's wall-clock budget. A zero TimeoutSeconds on a
// submitted task means "expire immediately"; the default is applied at
// submission time, not here.
func (t *Task) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// StepKind classifies one turn event in the reason→act loop.
type StepKind string

const (
	StepThink      StepKind = "think"
	StepToolCall   StepKind = "tool_call"
	StepToolResult StepKind = "tool_result"
	StepAnswer     StepKind = "answer"
	StepError      StepKind = "error"
)

// Step is one atomic event in a trajectory. Append-only once written.
type Step struct {
	StepID     int            `json:"step_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Kind       StepKind       `json:"kind"`
	ToolName   string         `json:"tool_name,omitempty"`
	ToolAction string         `json:"tool_action,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Output     string         `json:"output"`
	DurationMS int64          `json:"duration_ms"`
	TokensIn   int            `json:"tokens_in"`
	TokensOut  int            `json:"tokens_out"`
	CostMicros int64          `json:"cost_micros"`
	Success    bool           `json:"success"`
	ErrorKind  ErrKind        `json:"error_kind,omitempty"`
}

// Status is the terminal disposition of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"
	StatusCrashed   Status = "crashed"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled, StatusTimeout, StatusCrashed:
		return true
	}
	return false
}

// Outcome seals a trajectory.
type Outcome struct {
	TaskID          string    `json:"task_id"`
	Attempt         int       `json:"attempt"`
	Status          Status    `json:"status"`
	ErrorKind       ErrKind   `json:"error_kind,omitempty"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	FinalAnswer     string    `json:"final_answer,omitempty"`
	TotalDurationMS int64     `json:"total_duration_ms"`
	TotalTokensIn   int       `json:"total_tokens_in"`
	TotalTokensOut  int       `json:"total_tokens_out"`
	TotalCostMicros int64     `json:"total_cost_micros"`
	Environment     string    `json:"environment"`
	FinalizedAt     time.Time `json:"finalized_at"`
}

// Trajectory is the ordered step record of a single task plus its outcome.
type Trajectory struct {
	TaskID  string   `json:"task_id"`
	Steps   []Step   `json:"steps"`
	Outcome *Outcome `json:"outcome,omitempty"`
}

// Session groups steps across related tasks; it is the sole cross-task
// memory mechanism.
type Session struct {
	ID        string    `json:"session_id"`
	Steps     []Step    `json:"steps"`
	Digest    string    `json:"digest,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// InvocationStatus is the disposition of one tool call.
type InvocationStatus string

const (
	InvocationOK            InvocationStatus = "ok"
	InvocationToolError     InvocationStatus = "tool_error"
	InvocationTimeout       InvocationStatus = "timeout"
	InvocationUnreachable   InvocationStatus = "unreachable"
	InvocationInvalidParams InvocationStatus = "invalid_params"
)

// Invocation records a single call to a capability.
type Invocation struct {
	ID         string           `json:"invocation_id"`
	TaskID     string           `json:"task_id"`
	StepID     int              `json:"step_id"`
	ServerID   string           `json:"server_id"`
	Action     string           `json:"action"`
	Parameters map[string]any   `json:"parameters,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Status     InvocationStatus `json:"status"`
	Result     string           `json:"result,omitempty"`
	Attempt    int              `json:"attempt"`
}
