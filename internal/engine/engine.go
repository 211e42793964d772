package engine

import (
	"context"
	"time"

	"axon/internal/llm"
	"axon/internal/observability"
	"axon/internal/task"
	"axon/internal/toolscore"
)

// State names a phase of the per-task loop. Exported for log fields and
// tests; the loop drives the transitions.
type State string

const (
	StateAwaitModel  State = "await_model"
	StateStreaming   State = "streaming"
	StateParsed      State = "parsed"
	StateDispatching State = "dispatching"
	StateInjected    State = "injected"
	StateComplete    State = "complete"
)

const (
	// repairThreshold is the per-turn parser repair count past which the
	// turn is abandoned as unparseable_output.
	repairThreshold = 5
	// dispatchRetryBackoff separates the two dispatch attempts on
	// timeout or unreachable.
	dispatchRetryBackoff = 2 * time.Second
)

// Invoker is the slice of the tool orchestration layer the loop needs.
type Invoker interface {
	// Invoke routes one call; failures come back as normalized results,
	// never Go errors.
	Invoke(ctx context.Context, invocationID, serverID, action string, params map[string]any) toolscore.InvokeResult
	// Deadline is the capability's invocation deadline.
	Deadline(serverID, action string) time.Duration
}

// Catalog is the slice of the registry the loop needs: known server ids
// for the parser and capability lookup for parameter resolution.
type Catalog interface {
	ServerIDs() []string
	Capability(serverID, action string) (toolscore.Capability, bool)
}

// StepSink receives each step as it is produced. The worker wires this
// to the trajectory recorder and session store; a sink error aborts the
// run as an infrastructure failure.
type StepSink func(step task.Step) error

// Config tunes the loop.
type Config struct {
	Temperature float64
	MaxTokens   int
	// RetryBackoff separates the two dispatch attempts on transient
	// failures; zero means the default.
	RetryBackoff time.Duration
}

// Result is the terminal disposition of one engine run.
type Result struct {
	Status       task.Status
	ErrorKind    task.ErrKind
	ErrorMessage string
	FinalAnswer  string
	// Turns is how many assistant-turns were consumed.
	Turns       int
	Invocations []task.Invocation
	TokensIn    int
	TokensOut   int
	CostMicros  int64
}

// Engine runs the stop-and-wait reason→act loop: stream a completion
// under stop sequences, parse the turn, dispatch at most one tool call,
// inject the real result, repeat until answer, budget, or failure.
type Engine struct {
	client  llm.Client
	invoker Invoker
	catalog Catalog
	cfg     Config
	metrics *observability.MetricsCollector
	logger  *observability.Logger
}

// New wires an engine.
func New(client llm.Client, invoker Invoker, catalog Catalog, cfg Config, metrics *observability.MetricsCollector) *Engine {
	return &Engine{
		client:  client,
		invoker: invoker,
		catalog: catalog,
		cfg:     cfg,
		metrics: metrics,
		logger:  observability.NewComponentLogger("ReasoningEngine"),
	}
}

// Run drives one task to a terminal state. messages is the prompt from
// the codec builder; ctx carries the task's wall-clock deadline and the
// cancel signal. The returned error is reserved for infrastructure
// failures (provider hard errors, sink write failures); every task-level
// failure mode lands in the Result.
func (e *Engine) Run(ctx context.Context, t *task.Task, messages []llm.Message, sink StepSink) (*Result, error) {
	l := &loop{
		engine:   e,
		task:     t,
		messages: messages,
		sink:     sink,
		state:    StateAwaitModel,
	}
	return l.run(ctx)
}
