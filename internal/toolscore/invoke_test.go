package toolscore

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"axon/internal/task"
)

func registryWith(t *testing.T, server *ToolServer) *Registry {
	t.Helper()
	r := NewRegistry("")
	if err := r.Register(server); err != nil {
		t.Fatalf("register: %v", err)
	}
	return r
}

func httpToolServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *ToolServer) {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return ts, &ToolServer{
		ServerID: "web",
		Endpoint: ts.URL,
		State:    StateReady,
		Capabilities: []Capability{{
			ServerID:    "web",
			Action:      "search",
			Description: "Search the web",
			Parameters: []Parameter{
				{Name: "query", Type: "string", Required: true},
				{Name: "limit", Type: "int", Default: 5},
			},
		}},
	}
}

func TestInvokeHTTPSuccess(t *testing.T) {
	var got struct {
		Action    string         `json:"action"`
		Arguments map[string]any `json:"arguments"`
	}
	_, server := httpToolServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/call" {
			t.Errorf("path: %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"result": "three hits"})
	})
	v := NewInvoker(registryWith(t, server), time.Second)

	res := v.Invoke(context.Background(), "inv-1", "web", "search", map[string]any{"query": "go"})
	if res.Status != task.InvocationOK || res.Payload != "three hits" {
		t.Fatalf("result: %+v", res)
	}
	if got.Action != "search" || got.Arguments["query"] != "go" {
		t.Fatalf("request: %+v", got)
	}
	// Declared defaults travel with the call.
	if got.Arguments["limit"] != float64(5) {
		t.Fatalf("default not filled: %+v", got.Arguments)
	}
}

func TestInvokeHTTPToolError(t *testing.T) {
	_, server := httpToolServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "search backend exploded"})
	})
	v := NewInvoker(registryWith(t, server), time.Second)

	res := v.Invoke(context.Background(), "inv-1", "web", "search", map[string]any{"query": "go"})
	if res.Status != task.InvocationToolError {
		t.Fatalf("result: %+v", res)
	}
	if !strings.Contains(res.Payload, "exploded") {
		t.Fatalf("payload must carry the tool's error: %q", res.Payload)
	}
}

func TestInvokeRejectsMissingRequiredParam(t *testing.T) {
	called := false
	_, server := httpToolServer(t, func(w http.ResponseWriter, r *http.Request) { called = true })
	v := NewInvoker(registryWith(t, server), time.Second)

	res := v.Invoke(context.Background(), "inv-1", "web", "search", map[string]any{"limit": 2})
	if res.Status != task.InvocationInvalidParams {
		t.Fatalf("result: %+v", res)
	}
	if !strings.Contains(res.Payload, "query") {
		t.Fatalf("payload must name the missing field: %q", res.Payload)
	}
	if called {
		t.Fatalf("invalid params must never reach the server")
	}
}

func TestInvokeUnknownAction(t *testing.T) {
	_, server := httpToolServer(t, func(w http.ResponseWriter, r *http.Request) {})
	v := NewInvoker(registryWith(t, server), time.Second)

	res := v.Invoke(context.Background(), "inv-1", "web", "scrape", nil)
	if res.Status != task.InvocationInvalidParams || !strings.Contains(res.Payload, "search") {
		t.Fatalf("result: %+v", res)
	}
}

func TestInvokeNotReadyServer(t *testing.T) {
	_, server := httpToolServer(t, func(w http.ResponseWriter, r *http.Request) {})
	server.State = StateStarting
	v := NewInvoker(registryWith(t, server), time.Second)

	res := v.Invoke(context.Background(), "inv-1", "web", "search", map[string]any{"query": "go"})
	if res.Status != task.InvocationUnreachable {
		t.Fatalf("result: %+v", res)
	}
}

func TestInvokeUnregisteredServer(t *testing.T) {
	v := NewInvoker(NewRegistry(""), time.Second)
	res := v.Invoke(context.Background(), "inv-1", "ghost", "boo", nil)
	if res.Status != task.InvocationUnreachable {
		t.Fatalf("result: %+v", res)
	}
}

func TestInvokeDeadline(t *testing.T) {
	_, server := httpToolServer(t, func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server's background read can observe the
		// client disconnect and cancel the request context.
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	})
	v := NewInvoker(registryWith(t, server), time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res := v.Invoke(ctx, "inv-1", "web", "search", map[string]any{"query": "go"})
	if res.Status != task.InvocationTimeout {
		t.Fatalf("result: %+v", res)
	}
}

func TestDeadlineUsesCapabilityOverride(t *testing.T) {
	_, server := httpToolServer(t, func(w http.ResponseWriter, r *http.Request) {})
	server.Capabilities[0].TimeoutSeconds = 300
	v := NewInvoker(registryWith(t, server), time.Second)

	if d := v.Deadline("web", "search"); d != 300*time.Second {
		t.Fatalf("deadline: %v", d)
	}
	if d := v.Deadline("web", "unknown"); d != time.Second {
		t.Fatalf("fallback deadline: %v", d)
	}
}

func TestInvokeWebSocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		for {
			var req wsRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			// An unsolicited event first; the invoker must skip it.
			_ = conn.WriteJSON(map[string]any{"event": "progress", "pct": 50})
			_ = conn.WriteJSON(map[string]any{
				"id":     req.ID,
				"result": map[string]any{"stdout": "1024"},
			})
		}
	}))
	t.Cleanup(ts.Close)

	server := &ToolServer{
		ServerID: "microsandbox",
		Endpoint: "ws" + strings.TrimPrefix(ts.URL, "http"),
		State:    StateReady,
		Capabilities: []Capability{{
			ServerID:   "microsandbox",
			Action:     "microsandbox_execute",
			Parameters: []Parameter{{Name: "code", Type: "string", Required: true}},
		}},
	}
	v := NewInvoker(registryWith(t, server), time.Second)

	res := v.Invoke(context.Background(), "inv-ws-1", "microsandbox", "microsandbox_execute",
		map[string]any{"code": "print(2**10)"})
	if res.Status != task.InvocationOK {
		t.Fatalf("result: %+v", res)
	}
	if !strings.Contains(res.Payload, "1024") {
		t.Fatalf("payload: %q", res.Payload)
	}

	// Second call reuses the pooled connection.
	res = v.Invoke(context.Background(), "inv-ws-2", "microsandbox", "microsandbox_execute",
		map[string]any{"code": "print(1)"})
	if res.Status != task.InvocationOK {
		t.Fatalf("pooled call: %+v", res)
	}
}

func TestInvokeWebSocketToolError(t *testing.T) {
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		_ = conn.WriteJSON(map[string]any{
			"id":    req.ID,
			"error": map[string]any{"code": -32000, "message": "sandbox crashed"},
		})
	}))
	t.Cleanup(ts.Close)

	server := &ToolServer{
		ServerID:     "microsandbox",
		Endpoint:     "ws" + strings.TrimPrefix(ts.URL, "http"),
		State:        StateReady,
		Capabilities: []Capability{{ServerID: "microsandbox", Action: "microsandbox_execute"}},
	}
	v := NewInvoker(registryWith(t, server), time.Second)

	res := v.Invoke(context.Background(), "inv-1", "microsandbox", "microsandbox_execute", nil)
	if res.Status != task.InvocationToolError || !strings.Contains(res.Payload, "sandbox crashed") {
		t.Fatalf("result: %+v", res)
	}
}
