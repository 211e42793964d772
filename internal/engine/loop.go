package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"axon/internal/codec"
	"axon/internal/llm"
	"axon/internal/task"
	"axon/internal/toolscore"
)

const (
	nudgeEmpty = "You produced neither a tool call nor an answer. " +
		"Either invoke exactly one tool and stop, or finish with <answer>...</answer>."
	nudgeFabricated = "You wrote a <result> tag yourself. Results are injected by the system " +
		"only after a tool actually runs. Invoke the tool and stop, or answer directly."
)

// loop is the per-task state machine. One instance per Run; never shared.
type loop struct {
	engine   *Engine
	task     *task.Task
	messages []llm.Message
	sink     StepSink
	state    State

	turns  int
	stepID int
	result Result
}

// turnData is everything one streamed assistant turn produced.
type turnData struct {
	events   []codec.Event
	content  string
	halted   bool
	repairs  int
	usage    llm.TokenUsage
	cost     int64
	duration time.Duration
}

func (l *loop) run(ctx context.Context) (*Result, error) {
	for {
		if done := l.checkDeadline(ctx); done {
			return &l.result, nil
		}
		if l.turns >= l.task.MaxSteps {
			l.complete(task.StatusFailed, task.ErrStepCap,
				fmt.Sprintf("no answer after %d assistant turns", l.turns))
			return &l.result, nil
		}

		l.setState(StateAwaitModel)
		turn, err := l.streamTurn(ctx)
		if err != nil {
			if done, infraErr := l.classifyStreamError(ctx, err); done {
				return &l.result, infraErr
			}
			continue
		}
		l.turns++
		l.result.Turns = l.turns
		l.result.TokensIn += turn.usage.PromptTokens
		l.result.TokensOut += turn.usage.CompletionTokens
		l.result.CostMicros += turn.cost
		if l.engine.metrics != nil {
			l.engine.metrics.TokensUsed(turn.usage.PromptTokens, turn.usage.CompletionTokens, turn.cost)
		}

		l.setState(StateParsed)
		done, err := l.processTurn(ctx, turn)
		if err != nil {
			return &l.result, err
		}
		if done {
			return &l.result, nil
		}
	}
}

// streamTurn opens one completion stream and parses it incrementally.
// The stream aborts the moment a fabricated result is detected.
func (l *loop) streamTurn(ctx context.Context) (*turnData, error) {
	ctx, span := otel.Tracer("axon/engine").Start(ctx, "engine.turn",
		trace.WithAttributes(
			attribute.String("task.id", l.task.ID),
			attribute.Int("turn", l.turns+1),
		))
	defer span.End()

	parser := codec.NewParser(l.engine.catalog.ServerIDs())
	turn := &turnData{}

	l.setState(StateStreaming)
	started := time.Now()
	resp, err := l.engine.client.StreamComplete(ctx, llm.CompletionRequest{
		Messages:      l.messages,
		Temperature:   l.engine.cfg.Temperature,
		MaxTokens:     l.engine.cfg.MaxTokens,
		StopSequences: codec.StopSequences(),
	}, func(delta string) error {
		turn.events = append(turn.events, parser.Feed(delta)...)
		if parser.Halted() {
			return llm.ErrAbortStream
		}
		return nil
	})
	turn.duration = time.Since(started)
	if err != nil {
		return nil, err
	}

	turn.halted = parser.Halted()
	if !turn.halted {
		turn.events = append(turn.events, parser.Close()...)
	}
	turn.repairs = parser.Repairs()
	turn.content = resp.Content
	if turn.halted {
		// Strip the fabricated region and everything after it.
		if i := strings.Index(turn.content, "<result"); i >= 0 {
			turn.content = turn.content[:i]
		}
	}
	turn.usage = resp.Usage
	turn.cost = resp.CostMicros
	return turn, nil
}

// classifyStreamError maps a provider failure. done=true means the run
// reached a terminal result; infraErr is non-nil when the failure should
// bounce the queue entry instead.
func (l *loop) classifyStreamError(ctx context.Context, err error) (done bool, infraErr error) {
	switch {
	case errors.Is(err, llm.ErrProviderStalled):
		l.emitStep(task.Step{
			Kind:      task.StepError,
			Output:    "provider produced no tokens within the idle window",
			ErrorKind: task.ErrProviderStalled,
		})
		l.complete(task.StatusFailed, task.ErrProviderStalled, "provider stalled mid-turn")
		return true, nil
	case ctx.Err() != nil:
		l.checkDeadline(ctx)
		return true, nil
	default:
		// Hard provider failure after transport retries. Surfacing it as
		// an infra error leaves the queue entry for redelivery.
		return true, fmt.Errorf("provider stream: %w", err)
	}
}

// checkDeadline settles timeout and cancellation terminals.
func (l *loop) checkDeadline(ctx context.Context) bool {
	switch ctx.Err() {
	case nil:
		return false
	case context.DeadlineExceeded:
		l.complete(task.StatusTimeout, task.ErrTaskTimeout, "task wall clock expired")
	default:
		l.complete(task.StatusCancelled, "", "task cancelled")
	}
	return true
}

// processTurn consumes one parsed turn. done=true ends the run.
func (l *loop) processTurn(ctx context.Context, turn *turnData) (bool, error) {
	if turn.repairs > repairThreshold {
		if err := l.emitTurnStep(turn, task.Step{
			Kind:      task.StepError,
			Output:    fmt.Sprintf("output required %d parse repairs in one turn", turn.repairs),
			ErrorKind: task.ErrUnparseableOutput,
		}); err != nil {
			return true, err
		}
		l.complete(task.StatusFailed, task.ErrUnparseableOutput, "model output unparseable")
		return true, nil
	}

	var call, unknown, answer *codec.Event
	for i := range turn.events {
		ev := &turn.events[i]
		switch ev.Type {
		case codec.EventThink:
			if err := l.emitStep(task.Step{Kind: task.StepThink, Output: ev.Text, Success: true}); err != nil {
				return true, err
			}
		case codec.EventToolCall:
			if call == nil {
				call = ev
			} else {
				l.engine.logger.Warn("extra tool call in one turn ignored",
					"task_id", l.task.ID, "server_id", ev.Server, "action", ev.Action)
			}
		case codec.EventUnknownCall:
			if unknown == nil {
				unknown = ev
			}
		case codec.EventAnswer:
			answer = ev
		}
	}

	switch {
	case call != nil:
		return l.dispatchTurn(ctx, turn, call)
	case answer != nil:
		if err := l.emitTurnStep(turn, task.Step{Kind: task.StepAnswer, Output: answer.Text, Success: true}); err != nil {
			return true, err
		}
		l.appendAssistant(withSuffix(turn.content, "</answer>"))
		l.result.FinalAnswer = answer.Text
		l.complete(task.StatusSuccess, "", "")
		return true, nil
	case turn.halted:
		if err := l.emitTurnStep(turn, task.Step{
			Kind:      task.StepError,
			Output:    "fabricated <result> with no preceding tool call",
			ErrorKind: task.ErrFabricatedResult,
		}); err != nil {
			return true, err
		}
		l.appendAssistant(turn.content)
		l.appendUser(nudgeFabricated)
		return false, nil
	case unknown != nil:
		available := strings.Join(l.engine.catalog.ServerIDs(), ", ")
		if available == "" {
			available = "(none)"
		}
		payload := fmt.Sprintf("no tool server named %q; available servers: %s", unknown.Server, available)
		if err := l.emitTurnStep(turn, task.Step{
			Kind:       task.StepToolResult,
			ToolName:   unknown.Server,
			ToolAction: unknown.Action,
			Output:     payload,
			ErrorKind:  task.ErrInvalidParams,
		}); err != nil {
			return true, err
		}
		l.appendAssistant(withSuffix(turn.content, "<execute_tools/>"))
		l.injectResult(payload)
		return false, nil
	default:
		// The empty turn still burned tokens; its step carries them so
		// step sums stay equal to the outcome totals.
		if err := l.emitTurnStep(turn, task.Step{
			Kind:   task.StepError,
			Output: "turn produced neither a tool call nor an answer",
		}); err != nil {
			return true, err
		}
		l.appendAssistant(turn.content)
		l.appendUser(nudgeEmpty)
		return false, nil
	}
}

// dispatchTurn runs the turn's single tool call: record the call step,
// resolve parameters, invoke with one retry, inject the real result.
func (l *loop) dispatchTurn(ctx context.Context, turn *turnData, call *codec.Event) (bool, error) {
	l.setState(StateDispatching)
	l.appendAssistant(withSuffix(turn.content, "<execute_tools/>"))

	capability, haveCap := l.engine.catalog.Capability(call.Server, call.Action)
	var params map[string]any
	if haveCap {
		var err error
		params, err = codec.ResolveParams(call.Raw, capability)
		if err != nil {
			// Parameter shape is wrong; surface the expectation to the
			// model and keep looping.
			if stepErr := l.recordCallAndResult(turn, call, params, task.Step{
				Kind:       task.StepToolResult,
				ToolName:   call.Server,
				ToolAction: call.Action,
				Output:     err.Error(),
				ErrorKind:  task.ErrInvalidParams,
			}); stepErr != nil {
				return true, stepErr
			}
			l.injectResult(err.Error())
			return false, nil
		}
	}

	result, invocations := l.invokeWithRetry(ctx, call, params)
	l.result.Invocations = append(l.result.Invocations, invocations...)

	if ctx.Err() != nil {
		// Cancelled or timed-out mid-RPC: no result injection.
		if err := l.recordCallAndResult(turn, call, params, task.Step{
			Kind:       task.StepError,
			ToolName:   call.Server,
			ToolAction: call.Action,
			Output:     "tool call abandoned: " + ctx.Err().Error(),
		}); err != nil {
			return true, err
		}
		l.checkDeadline(ctx)
		return true, nil
	}

	step := task.Step{
		Kind:       task.StepToolResult,
		ToolName:   call.Server,
		ToolAction: call.Action,
		Output:     result.Payload,
		Success:    result.Status == task.InvocationOK,
		ErrorKind:  errKindForInvocation(result.Status),
	}
	if err := l.recordCallAndResult(turn, call, params, step); err != nil {
		return true, err
	}
	l.injectResult(result.Payload)
	l.setState(StateInjected)
	return false, nil
}

// recordCallAndResult emits the tool_call step (carrying the turn's
// token figures) followed by its result step.
func (l *loop) recordCallAndResult(turn *turnData, call *codec.Event, params map[string]any, result task.Step) error {
	if err := l.emitTurnStep(turn, task.Step{
		Kind:       task.StepToolCall,
		ToolName:   call.Server,
		ToolAction: call.Action,
		Parameters: params,
		Output:     call.Raw,
		Success:    true,
	}); err != nil {
		return err
	}
	return l.emitStep(result)
}

// invokeWithRetry dispatches once and retries a single time after a
// short backoff when the failure is transient (timeout, unreachable).
func (l *loop) invokeWithRetry(ctx context.Context, call *codec.Event, params map[string]any) (toolscore.InvokeResult, []task.Invocation) {
	var invocations []task.Invocation
	var result toolscore.InvokeResult
	for attempt := 1; attempt <= 2; attempt++ {
		invocationID := task.NewInvocationID()
		deadline := l.engine.invoker.Deadline(call.Server, call.Action)
		started := time.Now()
		ictx, cancel := context.WithTimeout(ctx, deadline)
		ictx, span := otel.Tracer("axon/engine").Start(ictx, "engine.tool_invoke",
			trace.WithAttributes(
				attribute.String("server.id", call.Server),
				attribute.String("action", call.Action),
				attribute.Int("attempt", attempt),
			))
		result = l.engine.invoker.Invoke(ictx, invocationID, call.Server, call.Action, params)
		span.SetAttributes(attribute.String("status", string(result.Status)))
		span.End()
		cancel()

		invocations = append(invocations, task.Invocation{
			ID:         invocationID,
			TaskID:     l.task.ID,
			StepID:     l.stepID,
			ServerID:   call.Server,
			Action:     call.Action,
			Parameters: params,
			StartedAt:  started.UTC(),
			FinishedAt: time.Now().UTC(),
			Status:     result.Status,
			Result:     result.Payload,
			Attempt:    attempt,
		})
		if l.engine.metrics != nil {
			l.engine.metrics.ToolInvoked(call.Server, string(result.Status), time.Since(started).Seconds())
		}
		if result.Status != task.InvocationTimeout && result.Status != task.InvocationUnreachable {
			break
		}
		if attempt == 1 && ctx.Err() == nil {
			backoff := l.engine.cfg.RetryBackoff
			if backoff <= 0 {
				backoff = dispatchRetryBackoff
			}
			l.engine.logger.Warn("tool call failed; retrying once",
				"task_id", l.task.ID, "server_id", call.Server, "action", call.Action, "status", string(result.Status))
			sleepCtx(ctx, backoff)
		}
	}
	return result, invocations
}

func errKindForInvocation(status task.InvocationStatus) task.ErrKind {
	switch status {
	case task.InvocationOK:
		return ""
	case task.InvocationTimeout:
		return task.ErrToolTimeout
	case task.InvocationUnreachable:
		return task.ErrUnreachable
	case task.InvocationInvalidParams:
		return task.ErrInvalidParams
	}
	return task.ErrToolError
}

// injectResult appends the rendered result block to the last assistant
// message so the next round's context carries the real trace.
func (l *loop) injectResult(payload string) {
	for i := len(l.messages) - 1; i >= 0; i-- {
		if l.messages[i].Role == llm.RoleAssistant {
			l.messages[i].Content += "\n<result>" + payload + "</result>"
			return
		}
	}
}

func (l *loop) appendAssistant(content string) {
	l.messages = append(l.messages, llm.Message{Role: llm.RoleAssistant, Content: content})
}

func (l *loop) appendUser(content string) {
	l.messages = append(l.messages, llm.Message{Role: llm.RoleUser, Content: content})
}

// emitTurnStep stamps the turn's provider figures onto the step that
// represents the assistant turn, then emits it.
func (l *loop) emitTurnStep(turn *turnData, step task.Step) error {
	step.TokensIn = turn.usage.PromptTokens
	step.TokensOut = turn.usage.CompletionTokens
	step.CostMicros = turn.cost
	step.DurationMS = turn.duration.Milliseconds()
	return l.emitStep(step)
}

func (l *loop) emitStep(step task.Step) error {
	l.stepID++
	step.StepID = l.stepID
	if step.Timestamp.IsZero() {
		step.Timestamp = time.Now().UTC()
	}
	if l.engine.metrics != nil {
		l.engine.metrics.StepRecorded(string(step.Kind))
	}
	if err := l.sink(step); err != nil {
		return fmt.Errorf("record step %d: %w", step.StepID, err)
	}
	return nil
}

func (l *loop) complete(status task.Status, kind task.ErrKind, msg string) {
	l.setState(StateComplete)
	l.result.Status = status
	l.result.ErrorKind = kind
	l.result.ErrorMessage = msg
	l.engine.logger.Info("task loop complete",
		"task_id", l.task.ID, "status", string(status), "turns", l.turns, "error_kind", string(kind))
}

func (l *loop) setState(s State) {
	l.state = s
}

// withSuffix restores a terminator that a stop sequence stripped,
// without doubling one the model streamed itself.
func withSuffix(content, suffix string) string {
	tag := strings.TrimSuffix(strings.TrimSuffix(suffix, ">"), "/")
	if strings.Contains(content, tag) {
		return content
	}
	return content + suffix
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
