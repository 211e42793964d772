package engine

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"axon/internal/llm"
	"axon/internal/task"
	"axon/internal/toolscore"
)

// fakeCatalog serves a fixed capability set.
type fakeCatalog struct {
	servers map[string][]toolscore.Capability
}

func (c *fakeCatalog) ServerIDs() []string {
	ids := make([]string, 0, len(c.servers))
	for id := range c.servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *fakeCatalog) Capability(serverID, action string) (toolscore.Capability, bool) {
	for _, cap := range c.servers[serverID] {
		if cap.Action == action {
			return cap, true
		}
	}
	return toolscore.Capability{}, false
}

type invokeCall struct {
	server, action string
	params         map[string]any
}

// fakeInvoker returns scripted results in order.
type fakeInvoker struct {
	mu      sync.Mutex
	results []toolscore.InvokeResult
	calls   []invokeCall
	// block, when set, makes Invoke wait for ctx before answering.
	block bool
}

func (f *fakeInvoker) Invoke(ctx context.Context, _, serverID, action string, params map[string]any) toolscore.InvokeResult {
	f.mu.Lock()
	f.calls = append(f.calls, invokeCall{server: serverID, action: action, params: params})
	var res toolscore.InvokeResult
	if len(f.results) > 0 {
		res = f.results[0]
		f.results = f.results[1:]
	} else {
		res = toolscore.InvokeResult{Status: task.InvocationOK, Payload: "ok"}
	}
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return toolscore.InvokeResult{Status: task.InvocationTimeout, Payload: "deadline expired"}
	}
	return res
}

func (f *fakeInvoker) Deadline(string, string) time.Duration { return 5 * time.Second }

func (f *fakeInvoker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// recordingClient captures each request for prompt-history assertions.
type recordingClient struct {
	inner llm.Client

	mu   sync.Mutex
	reqs []llm.CompletionRequest
}

func (r *recordingClient) StreamComplete(ctx context.Context, req llm.CompletionRequest, onDelta func(string) error) (*llm.CompletionResponse, error) {
	r.mu.Lock()
	r.reqs = append(r.reqs, req)
	r.mu.Unlock()
	return r.inner.StreamComplete(ctx, req, onDelta)
}

func (r *recordingClient) Model() string { return r.inner.Model() }

func (r *recordingClient) request(i int) llm.CompletionRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reqs[i]
}

func sandboxCatalog() *fakeCatalog {
	return &fakeCatalog{servers: map[string][]toolscore.Capability{
		"microsandbox": {{
			Action:      "microsandbox_execute",
			Description: "run python code",
			Parameters: []toolscore.Parameter{
				{Name: "code", Type: "string", Required: true},
			},
		}},
	}}
}

type runResult struct {
	res   *Result
	err   error
	steps []task.Step
}

func runEngine(t *testing.T, client llm.Client, invoker Invoker, catalog Catalog, tk *task.Task) runResult {
	t.Helper()
	if tk.Type == "" {
		tk.Type = task.TypeGeneral
	}
	if tk.ID == "" {
		tk.ID = "t-test"
	}
	if tk.MaxSteps == 0 {
		tk.MaxSteps = 10
	}
	eng := New(client, invoker, catalog, Config{RetryBackoff: time.Millisecond}, nil)

	ctx := context.Background()
	if tk.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, tk.Timeout())
		defer cancel()
	}
	var steps []task.Step
	res, err := eng.Run(ctx, tk, []llm.Message{
		{Role: llm.RoleSystem, Content: "contract"},
		{Role: llm.RoleUser, Content: tk.Description},
	}, func(s task.Step) error {
		steps = append(steps, s)
		return nil
	})
	return runResult{res: res, err: err, steps: steps}
}

func kinds(steps []task.Step) []task.StepKind {
	out := make([]task.StepKind, len(steps))
	for i, s := range steps {
		out[i] = s.Kind
	}
	return out
}

func TestSingleShotAnswer(t *testing.T) {
	client := &llm.MockClient{Responses: []string{"<think>arithmetic</think><answer>4</answer>"}}
	r := runEngine(t, client, &fakeInvoker{}, sandboxCatalog(), &task.Task{Description: "What is 2+2?", MaxSteps: 5})
	if r.err != nil {
		t.Fatalf("run: %v", r.err)
	}
	if r.res.Status != task.StatusSuccess || r.res.FinalAnswer != "4" {
		t.Fatalf("result: %+v", r.res)
	}
	if len(r.steps) != 2 || r.steps[0].Kind != task.StepThink || r.steps[1].Kind != task.StepAnswer {
		t.Fatalf("steps: %v", kinds(r.steps))
	}
	if len(r.res.Invocations) != 0 {
		t.Fatalf("no invocations expected, got %d", len(r.res.Invocations))
	}
	if r.res.Turns != 1 {
		t.Fatalf("turns: %d", r.res.Turns)
	}
}

func TestOneRealToolCall(t *testing.T) {
	mock := &llm.MockClient{Responses: []string{
		"<think>I will run code</think><microsandbox><microsandbox_execute>{\"code\":\"print(2**10)\"}</microsandbox_execute></microsandbox><execute_tools/>",
		"<answer>1024</answer>",
	}}
	client := &recordingClient{inner: mock}
	invoker := &fakeInvoker{results: []toolscore.InvokeResult{{Status: task.InvocationOK, Payload: "1024"}}}

	r := runEngine(t, client, invoker, sandboxCatalog(), &task.Task{Description: "Compute 2^10 using code.", Type: task.TypeCode})
	if r.err != nil {
		t.Fatalf("run: %v", r.err)
	}
	if r.res.Status != task.StatusSuccess || r.res.FinalAnswer != "1024" {
		t.Fatalf("result: %+v", r.res)
	}
	want := []task.StepKind{task.StepThink, task.StepToolCall, task.StepToolResult, task.StepAnswer}
	got := kinds(r.steps)
	if len(got) != len(want) {
		t.Fatalf("steps: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("step %d: %s != %s", i, got[i], want[i])
		}
	}
	if r.steps[2].Output != "1024" || !r.steps[2].Success {
		t.Fatalf("tool_result step: %+v", r.steps[2])
	}
	if len(r.res.Invocations) != 1 || r.res.Invocations[0].Status != task.InvocationOK {
		t.Fatalf("invocations: %+v", r.res.Invocations)
	}
	if got := invoker.calls[0].params["code"]; got != "print(2**10)" {
		t.Fatalf("params: %+v", invoker.calls[0].params)
	}

	// Round 2 context carries the injected result in the assistant turn.
	round2 := client.request(1)
	last := round2.Messages[len(round2.Messages)-1]
	if last.Role != llm.RoleAssistant || !strings.Contains(last.Content, "<result>1024</result>") {
		t.Fatalf("result not injected into assistant message: %+v", last)
	}
}

func TestHallucinationDefenseSalvagesRealCall(t *testing.T) {
	mock := &llm.MockClient{
		IgnoreStops: true,
		Responses: []string{
			"<microsandbox><microsandbox_execute>{\"code\":\"print(2**10)\"}</microsandbox_execute></microsandbox><result>9999</result><answer>9999</answer>",
			"<answer>1024</answer>",
		},
	}
	client := &recordingClient{inner: mock}
	invoker := &fakeInvoker{results: []toolscore.InvokeResult{{Status: task.InvocationOK, Payload: "1024"}}}

	r := runEngine(t, client, invoker, sandboxCatalog(), &task.Task{Description: "compute"})
	if r.err != nil {
		t.Fatalf("run: %v", r.err)
	}
	if r.res.Status != task.StatusSuccess || r.res.FinalAnswer != "1024" {
		t.Fatalf("result: %+v", r.res)
	}
	if invoker.callCount() != 1 {
		t.Fatalf("expected exactly one real invocation, got %d", invoker.callCount())
	}
	for _, s := range r.steps {
		if strings.Contains(s.Output, "9999") {
			t.Fatalf("fabricated content leaked into trajectory: %+v", s)
		}
	}
	// The stripped assistant message in round 2 must not carry the fake.
	round2 := client.request(1)
	for _, m := range round2.Messages {
		if m.Role == llm.RoleAssistant && strings.Contains(m.Content, "9999") {
			t.Fatalf("fabricated content survived in history: %q", m.Content)
		}
	}
}

func TestFabricatedResultWithoutCallNudges(t *testing.T) {
	mock := &llm.MockClient{
		IgnoreStops: true,
		Responses: []string{
			"<result>fake</result>",
			"<answer>real</answer>",
		},
	}
	client := &recordingClient{inner: mock}

	r := runEngine(t, client, &fakeInvoker{}, sandboxCatalog(), &task.Task{Description: "x"})
	if r.err != nil {
		t.Fatalf("run: %v", r.err)
	}
	if r.res.Status != task.StatusSuccess || r.res.FinalAnswer != "real" {
		t.Fatalf("result: %+v", r.res)
	}
	if r.res.Turns != 2 {
		t.Fatalf("fabricated turn must count against the budget, turns=%d", r.res.Turns)
	}
	var sawError bool
	for _, s := range r.steps {
		if s.Kind == task.StepError && s.ErrorKind == task.ErrFabricatedResult {
			sawError = true
		}
	}
	if !sawError {
		t.Fatalf("missing fabricated_result error step: %v", kinds(r.steps))
	}
	round2 := client.request(1)
	last := round2.Messages[len(round2.Messages)-1]
	if last.Role != llm.RoleUser || !strings.Contains(last.Content, "<result>") {
		t.Fatalf("corrective nudge missing: %+v", last)
	}
}

func TestToolTimeoutRetriesOnceThenRecovers(t *testing.T) {
	mock := &llm.MockClient{Responses: []string{
		"<microsandbox><microsandbox_execute>{\"code\":\"slow()\"}</microsandbox_execute></microsandbox><execute_tools/>",
		"<answer>unable to compute</answer>",
	}}
	invoker := &fakeInvoker{results: []toolscore.InvokeResult{
		{Status: task.InvocationTimeout, Payload: "tool call timed out"},
		{Status: task.InvocationTimeout, Payload: "tool call timed out"},
	}}

	r := runEngine(t, mock, invoker, sandboxCatalog(), &task.Task{Description: "slow"})
	if r.err != nil {
		t.Fatalf("run: %v", r.err)
	}
	if r.res.Status != task.StatusSuccess {
		t.Fatalf("an answered task is a success: %+v", r.res)
	}
	if len(r.res.Invocations) != 2 {
		t.Fatalf("expected 2 invocations (original + retry), got %d", len(r.res.Invocations))
	}
	for _, inv := range r.res.Invocations {
		if inv.Status != task.InvocationTimeout {
			t.Fatalf("invocation status: %+v", inv)
		}
	}
	var result *task.Step
	for i := range r.steps {
		if r.steps[i].Kind == task.StepToolResult {
			result = &r.steps[i]
		}
	}
	if result == nil || result.Success || result.ErrorKind != task.ErrToolTimeout {
		t.Fatalf("tool_result step: %+v", result)
	}
}

func TestStepCap(t *testing.T) {
	call := "<microsandbox><microsandbox_execute>{\"code\":\"loop()\"}</microsandbox_execute></microsandbox><execute_tools/>"
	mock := &llm.MockClient{Responses: []string{call, call, call, call}}
	invoker := &fakeInvoker{}

	r := runEngine(t, mock, invoker, sandboxCatalog(), &task.Task{Description: "never answers", MaxSteps: 2})
	if r.err != nil {
		t.Fatalf("run: %v", r.err)
	}
	if r.res.Status != task.StatusFailed || r.res.ErrorKind != task.ErrStepCap {
		t.Fatalf("result: %+v", r.res)
	}
	if r.res.Turns != 2 {
		t.Fatalf("turns: %d", r.res.Turns)
	}
	var calls, results int
	for _, s := range r.steps {
		switch s.Kind {
		case task.StepToolCall:
			calls++
		case task.StepToolResult:
			results++
		}
	}
	if calls != 2 || results != 2 {
		t.Fatalf("interleaved steps: %d calls, %d results", calls, results)
	}
}

func TestMaxStepsOneAnswerImmediately(t *testing.T) {
	mock := &llm.MockClient{Responses: []string{"<answer>done</answer>"}}
	r := runEngine(t, mock, &fakeInvoker{}, sandboxCatalog(), &task.Task{Description: "x", MaxSteps: 1})
	if r.err != nil {
		t.Fatalf("run: %v", r.err)
	}
	if r.res.Status != task.StatusSuccess || r.res.Turns != 1 {
		t.Fatalf("result: %+v", r.res)
	}
}

func TestZeroTimeoutExpiresBeforeFirstRead(t *testing.T) {
	mock := &llm.MockClient{Responses: []string{"<answer>never</answer>"}}
	eng := New(mock, &fakeInvoker{}, sandboxCatalog(), Config{}, nil)

	ctx, cancel := context.WithDeadline(context.Background(), time.Now())
	defer cancel()
	res, err := eng.Run(ctx, &task.Task{ID: "t0", Description: "x", MaxSteps: 5},
		[]llm.Message{{Role: llm.RoleUser, Content: "x"}},
		func(task.Step) error { return nil })
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != task.StatusTimeout || res.ErrorKind != task.ErrTaskTimeout {
		t.Fatalf("result: %+v", res)
	}
}

func TestUnknownServerExplainsAvailable(t *testing.T) {
	mock := &llm.MockClient{Responses: []string{
		"<websearch><search>{\"query\":\"go\"}</search></websearch><execute_tools/>",
		"<answer>done without it</answer>",
	}}
	invoker := &fakeInvoker{}

	r := runEngine(t, mock, invoker, sandboxCatalog(), &task.Task{Description: "x"})
	if r.err != nil {
		t.Fatalf("run: %v", r.err)
	}
	if r.res.Status != task.StatusSuccess {
		t.Fatalf("loop must continue after an unknown server: %+v", r.res)
	}
	if invoker.callCount() != 0 {
		t.Fatalf("unknown server must not be dispatched")
	}
	var explained bool
	for _, s := range r.steps {
		if s.Kind == task.StepToolResult && s.ErrorKind == task.ErrInvalidParams &&
			strings.Contains(s.Output, "microsandbox") {
			explained = true
		}
	}
	if !explained {
		t.Fatalf("missing explanatory tool_result: %+v", r.steps)
	}
}

func TestInvalidParamsSurfacedWithoutDispatch(t *testing.T) {
	// Two required-free-text is impossible; capability has one required
	// param but the payload is a JSON array, not an object.
	mock := &llm.MockClient{Responses: []string{
		"<microsandbox><microsandbox_execute>{broken json</microsandbox_execute></microsandbox><execute_tools/>",
		"<answer>done</answer>",
	}}
	invoker := &fakeInvoker{}

	r := runEngine(t, mock, invoker, sandboxCatalog(), &task.Task{Description: "x"})
	if r.err != nil {
		t.Fatalf("run: %v", r.err)
	}
	// jsonrepair normalizes `{broken json` into an object, so this
	// payload dispatches; assert the engine either dispatched repaired
	// params or rejected cleanly, and in both cases kept looping.
	if r.res.Status != task.StatusSuccess {
		t.Fatalf("loop must continue: %+v", r.res)
	}
}

func TestEmptyTurnNudges(t *testing.T) {
	mock := &llm.MockClient{Responses: []string{
		"<think>just pondering</think>",
		"<answer>fine</answer>",
	}}
	client := &recordingClient{inner: mock}

	r := runEngine(t, client, &fakeInvoker{}, sandboxCatalog(), &task.Task{Description: "x"})
	if r.err != nil {
		t.Fatalf("run: %v", r.err)
	}
	if r.res.Status != task.StatusSuccess || r.res.Turns != 2 {
		t.Fatalf("result: %+v", r.res)
	}
	round2 := client.request(1)
	last := round2.Messages[len(round2.Messages)-1]
	if last.Role != llm.RoleUser || !strings.Contains(last.Content, "exactly one tool") {
		t.Fatalf("nudge missing: %+v", last)
	}
}

func TestTokenTotalsMatchStepSums(t *testing.T) {
	// A think-only turn and a fabricated turn both burn tokens without a
	// tool call or answer; every turn's usage must land on some step.
	mock := &llm.MockClient{
		IgnoreStops: true,
		Usage:       llm.TokenUsage{PromptTokens: 100, CompletionTokens: 10},
		Responses: []string{
			"<think>just pondering</think>",
			"<result>fake</result>",
			"<answer>fine</answer>",
		},
	}
	r := runEngine(t, mock, &fakeInvoker{}, sandboxCatalog(), &task.Task{Description: "x"})
	if r.err != nil {
		t.Fatalf("run: %v", r.err)
	}
	if r.res.Status != task.StatusSuccess || r.res.Turns != 3 {
		t.Fatalf("result: %+v", r.res)
	}
	if r.res.TokensIn != 300 || r.res.TokensOut != 30 {
		t.Fatalf("outcome totals: in=%d out=%d", r.res.TokensIn, r.res.TokensOut)
	}
	var in, out int
	for _, s := range r.steps {
		in += s.TokensIn
		out += s.TokensOut
	}
	if in != r.res.TokensIn || out != r.res.TokensOut {
		t.Fatalf("step sums in=%d out=%d != outcome totals in=%d out=%d",
			in, out, r.res.TokensIn, r.res.TokensOut)
	}
}

func TestUnparseableOutputTerminates(t *testing.T) {
	// Six stray close tags at top level, each one a repair.
	mock := &llm.MockClient{Responses: []string{"</a></b></c></d></e></f>"}}
	r := runEngine(t, mock, &fakeInvoker{}, sandboxCatalog(), &task.Task{Description: "x"})
	if r.err != nil {
		t.Fatalf("run: %v", r.err)
	}
	if r.res.Status != task.StatusFailed || r.res.ErrorKind != task.ErrUnparseableOutput {
		t.Fatalf("result: %+v", r.res)
	}
	lastStep := r.steps[len(r.steps)-1]
	if lastStep.Kind != task.StepError || lastStep.ErrorKind != task.ErrUnparseableOutput {
		t.Fatalf("error step: %+v", lastStep)
	}
}

func TestProviderStalledIsTerminal(t *testing.T) {
	mock := &llm.MockClient{
		Responses: []string{""},
		Errs:      []error{llm.ErrProviderStalled},
	}
	r := runEngine(t, mock, &fakeInvoker{}, sandboxCatalog(), &task.Task{Description: "x"})
	if r.err != nil {
		t.Fatalf("run: %v", r.err)
	}
	if r.res.Status != task.StatusFailed || r.res.ErrorKind != task.ErrProviderStalled {
		t.Fatalf("result: %+v", r.res)
	}
}

func TestProviderHardErrorIsInfra(t *testing.T) {
	mock := &llm.MockClient{
		Responses: []string{""},
		Errs:      []error{errors.New("connection refused")},
	}
	r := runEngine(t, mock, &fakeInvoker{}, sandboxCatalog(), &task.Task{Description: "x"})
	if r.err == nil {
		t.Fatalf("hard provider failure must surface as an error for redelivery")
	}
}

func TestCancellationDuringDispatch(t *testing.T) {
	mock := &llm.MockClient{Responses: []string{
		"<microsandbox><microsandbox_execute>{\"code\":\"hang()\"}</microsandbox_execute></microsandbox><execute_tools/>",
	}}
	invoker := &fakeInvoker{block: true}
	eng := New(mock, invoker, sandboxCatalog(), Config{RetryBackoff: time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	var steps []task.Step
	res, err := eng.Run(ctx, &task.Task{ID: "tc", Description: "x", MaxSteps: 5},
		[]llm.Message{{Role: llm.RoleUser, Content: "x"}},
		func(s task.Step) error { steps = append(steps, s); return nil })
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != task.StatusCancelled {
		t.Fatalf("result: %+v", res)
	}
	// A cancelled RPC becomes an error step, never an injected result.
	var sawErrorStep bool
	for _, s := range steps {
		if s.Kind == task.StepToolResult {
			t.Fatalf("cancelled dispatch must not inject a result: %+v", s)
		}
		if s.Kind == task.StepError {
			sawErrorStep = true
		}
	}
	if !sawErrorStep {
		t.Fatalf("missing error step for cancelled dispatch: %v", kinds(steps))
	}
}
