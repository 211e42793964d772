package toolscore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/sync/semaphore"

	"axon/internal/observability"
	"axon/internal/task"
)

// InvokeResult is the normalized outcome of one tool invocation.
type InvokeResult struct {
	Status  task.InvocationStatus
	Payload string // tool output, or a human-readable error record
}

// Invoker routes invocations to ready tool servers over WebSocket or HTTP,
// enforcing parameter validation, per-server in-flight caps, and
// deadlines.
type Invoker struct {
	registry       *Registry
	defaultTimeout time.Duration
	httpClient     *http.Client
	dialer         *websocket.Dialer
	logger         *observability.Logger

	mu      sync.Mutex
	sems    map[string]*semaphore.Weighted
	wsPool  map[string]chan *websocket.Conn
	schemas map[string]*jsonschema.Schema
}

// NewInvoker creates an invoker against the registry.
func NewInvoker(registry *Registry, defaultTimeout time.Duration) *Invoker {
	if defaultTimeout <= 0 {
		defaultTimeout = 120 * time.Second
	}
	return &Invoker{
		registry:       registry,
		defaultTimeout: defaultTimeout,
		httpClient:     &http.Client{},
		dialer:         &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:         observability.NewComponentLogger("ToolInvoker"),
		sems:           make(map[string]*semaphore.Weighted),
		wsPool:         make(map[string]chan *websocket.Conn),
		schemas:        make(map[string]*jsonschema.Schema),
	}
}

// DefaultTimeout returns the per-invocation deadline used when the
// capability declares none.
func (v *Invoker) DefaultTimeout() time.Duration { return v.defaultTimeout }

// Deadline resolves the effective invocation deadline for a capability.
func (v *Invoker) Deadline(serverID, action string) time.Duration {
	if server, ok := v.registry.Get(serverID); ok {
		if c, ok := server.Capability(action); ok && c.TimeoutSeconds > 0 {
			return time.Duration(c.TimeoutSeconds) * time.Second
		}
	}
	return v.defaultTimeout
}

// Invoke routes one call. It never returns a Go error: every failure mode
// maps to a normalized InvokeResult the engine can surface to the model.
func (v *Invoker) Invoke(ctx context.Context, invocationID, serverID, action string, params map[string]any) InvokeResult {
	server, ok := v.registry.Get(serverID)
	if !ok {
		return InvokeResult{
			Status:  task.InvocationUnreachable,
			Payload: fmt.Sprintf("no tool server registered as %q", serverID),
		}
	}
	if server.State != StateReady {
		return InvokeResult{
			Status:  task.InvocationUnreachable,
			Payload: fmt.Sprintf("tool server %s is %s, not ready", serverID, server.State),
		}
	}

	capability, ok := server.Capability(action)
	if !ok {
		return InvokeResult{
			Status:  task.InvocationInvalidParams,
			Payload: fmt.Sprintf("server %s has no action %q; available: %s", serverID, action, actionList(server)),
		}
	}

	params = fillDefaults(capability, params)
	if err := v.validate(capability, params); err != nil {
		return InvokeResult{
			Status:  task.InvocationInvalidParams,
			Payload: err.Error(),
		}
	}

	// Per-server in-flight cap; excess callers queue here in FIFO order
	// under the same deadline.
	sem := v.semFor(server)
	if err := sem.Acquire(ctx, 1); err != nil {
		return InvokeResult{Status: task.InvocationTimeout, Payload: "deadline expired while queued for server slot"}
	}
	defer sem.Release(1)

	v.registry.acquire(serverID)
	defer v.registry.release(serverID)

	if strings.HasPrefix(server.Endpoint, "ws://") || strings.HasPrefix(server.Endpoint, "wss://") {
		return v.invokeWS(ctx, server, invocationID, action, params)
	}
	return v.invokeHTTP(ctx, server, action, params)
}

func actionList(server *ToolServer) string {
	names := make([]string, 0, len(server.Capabilities))
	for _, c := range server.Capabilities {
		names = append(names, c.Action)
	}
	return strings.Join(names, ", ")
}

func fillDefaults(capability Capability, params map[string]any) map[string]any {
	if params == nil {
		params = map[string]any{}
	}
	for _, p := range capability.Parameters {
		if p.Default == nil {
			continue
		}
		if _, present := params[p.Name]; !present {
			params[p.Name] = p.Default
		}
	}
	return params
}

// validate checks params against the capability's parameter schema.
// Compiled schemas are cached per capability.
func (v *Invoker) validate(capability Capability, params map[string]any) error {
	key := capability.ID()
	v.mu.Lock()
	schema, ok := v.schemas[key]
	v.mu.Unlock()

	if !ok {
		compiler := jsonschema.NewCompiler()
		url := "axon://capabilities/" + key + ".json"
		// jsonschema expects decoded JSON values; round-trip to normalize
		// Go-native types (e.g. []string vs []any).
		rawSchema, err := json.Marshal(capability.Schema())
		if err != nil {
			return fmt.Errorf("invalid parameter schema for %s: %w", key, err)
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(rawSchema))
		if err != nil {
			return fmt.Errorf("invalid parameter schema for %s: %w", key, err)
		}
		if err := compiler.AddResource(url, doc); err != nil {
			return fmt.Errorf("invalid parameter schema for %s: %w", key, err)
		}
		compiled, err := compiler.Compile(url)
		if err != nil {
			return fmt.Errorf("invalid parameter schema for %s: %w", key, err)
		}
		v.mu.Lock()
		v.schemas[key] = compiled
		v.mu.Unlock()
		schema = compiled
	}

	// jsonschema validates decoded JSON values; round-trip to normalize
	// Go-native types (e.g. int vs float64).
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("parameters not serializable: %w", err)
	}
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return err
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("parameter validation failed: %v. %s", err, capability.ExpectedFieldsMessage())
	}
	return nil
}

func (v *Invoker) semFor(server *ToolServer) *semaphore.Weighted {
	v.mu.Lock()
	defer v.mu.Unlock()
	sem, ok := v.sems[server.ServerID]
	if !ok {
		sem = semaphore.NewWeighted(int64(server.InFlightLimit()))
		v.sems[server.ServerID] = sem
	}
	return sem
}

type wsRequest struct {
	ID     string   `json:"id"`
	Method string   `json:"method"`
	Params wsParams `json:"params"`
}

type wsParams struct {
	Action    string         `json:"action"`
	Arguments map[string]any `json:"arguments"`
}

type wsResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *wsError        `json:"error,omitempty"`
	Event  string          `json:"event,omitempty"`
}

type wsError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// invokeWS sends a JSON-RPC-style call over a pooled WebSocket connection.
func (v *Invoker) invokeWS(ctx context.Context, server *ToolServer, invocationID, action string, params map[string]any) InvokeResult {
	deadline, hasDeadline := ctx.Deadline()

	conn, fromPool, err := v.wsConn(ctx, server)
	if err != nil {
		return wsFailure(err)
	}
	healthy := false
	defer func() {
		if healthy {
			v.wsPut(server.ServerID, conn)
		} else {
			_ = conn.Close()
		}
	}()

	if hasDeadline {
		_ = conn.SetWriteDeadline(deadline)
		_ = conn.SetReadDeadline(deadline)
	}

	req := wsRequest{ID: invocationID, Method: "call", Params: wsParams{Action: action, Arguments: params}}
	if err := conn.WriteJSON(req); err != nil {
		// A pooled connection may have gone stale; retry once on a fresh
		// dial before reporting unreachable.
		if fromPool {
			_ = conn.Close()
			fresh, _, dialErr := v.wsConn(ctx, server)
			if dialErr != nil {
				return wsFailure(dialErr)
			}
			conn = fresh
			if hasDeadline {
				_ = conn.SetWriteDeadline(deadline)
				_ = conn.SetReadDeadline(deadline)
			}
			if err := conn.WriteJSON(req); err != nil {
				return wsFailure(err)
			}
		} else {
			return wsFailure(err)
		}
	}

	for {
		var resp wsResponse
		if err := conn.ReadJSON(&resp); err != nil {
			return wsFailure(err)
		}
		if resp.Event != "" || resp.ID != invocationID {
			continue // unsolicited event or stale reply
		}
		if resp.Error != nil {
			body, _ := json.Marshal(resp.Error)
			return InvokeResult{Status: task.InvocationToolError, Payload: string(body)}
		}
		healthy = true
		return InvokeResult{Status: task.InvocationOK, Payload: renderPayload(resp.Result)}
	}
}

func (v *Invoker) wsConn(ctx context.Context, server *ToolServer) (conn *websocket.Conn, fromPool bool, err error) {
	v.mu.Lock()
	pool, ok := v.wsPool[server.ServerID]
	if !ok {
		pool = make(chan *websocket.Conn, server.InFlightLimit())
		v.wsPool[server.ServerID] = pool
	}
	v.mu.Unlock()

	select {
	case conn = <-pool:
		return conn, true, nil
	default:
	}
	conn, resp, err := v.dialer.DialContext(ctx, server.Endpoint, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, false, err
	}
	return conn, false, nil
}

func (v *Invoker) wsPut(serverID string, conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Time{})
	v.mu.Lock()
	pool := v.wsPool[serverID]
	v.mu.Unlock()
	select {
	case pool <- conn:
	default:
		_ = conn.Close()
	}
}

func wsFailure(err error) InvokeResult {
	if isTimeout(err) {
		return InvokeResult{Status: task.InvocationTimeout, Payload: "tool call exceeded deadline"}
	}
	return InvokeResult{Status: task.InvocationUnreachable, Payload: err.Error()}
}

type httpCallRequest struct {
	Action    string         `json:"action"`
	Arguments map[string]any `json:"arguments"`
}

// invokeHTTP posts the call envelope to the server's /call endpoint.
func (v *Invoker) invokeHTTP(ctx context.Context, server *ToolServer, action string, params map[string]any) InvokeResult {
	body, err := json.Marshal(httpCallRequest{Action: action, Arguments: params})
	if err != nil {
		return InvokeResult{Status: task.InvocationInvalidParams, Payload: err.Error()}
	}

	url := strings.TrimSuffix(server.Endpoint, "/") + "/call"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return InvokeResult{Status: task.InvocationUnreachable, Payload: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
			return InvokeResult{Status: task.InvocationTimeout, Payload: "tool call exceeded deadline"}
		}
		return InvokeResult{Status: task.InvocationUnreachable, Payload: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	var parsed struct {
		Result json.RawMessage `json:"result"`
		Error  json.RawMessage `json:"error"`
	}
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(&parsed); err != nil {
		return InvokeResult{Status: task.InvocationToolError, Payload: fmt.Sprintf("undecodable tool response: %v", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload := renderPayload(parsed.Error)
		if payload == "" {
			payload = fmt.Sprintf("tool returned status %d", resp.StatusCode)
		}
		return InvokeResult{Status: task.InvocationToolError, Payload: payload}
	}
	return InvokeResult{Status: task.InvocationOK, Payload: renderPayload(parsed.Result)}
}

// renderPayload flattens a JSON result: bare strings unwrap, everything
// else stays compact JSON.
func renderPayload(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
