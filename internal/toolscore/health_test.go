package toolscore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"
)

func TestProbeHTTPHealthy(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(healthResponse{Status: "ok", Version: "1.2.0"})
	}))
	t.Cleanup(ts.Close)

	p := NewHealthProber(time.Second)
	res := p.Probe(context.Background(), &ToolServer{ServerID: "web", Endpoint: ts.URL})
	if !res.Healthy {
		t.Fatalf("probe: %+v", res)
	}
}

func TestProbeHTTPUnhealthyStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(healthResponse{Status: "degraded"})
	}))
	t.Cleanup(ts.Close)

	p := NewHealthProber(time.Second)
	res := p.Probe(context.Background(), &ToolServer{ServerID: "web", Endpoint: ts.URL})
	if res.Healthy {
		t.Fatalf("non-ok status must be unhealthy")
	}
}

func TestProbeHTTPDown(t *testing.T) {
	p := NewHealthProber(200 * time.Millisecond)
	res := p.Probe(context.Background(), &ToolServer{ServerID: "web", Endpoint: "http://127.0.0.1:1"})
	if res.Healthy {
		t.Fatalf("unreachable endpoint must be unhealthy")
	}
}

func TestFetchCapabilities(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/capabilities" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode([]Capability{{
			Action:      "search",
			Description: "Search the web",
			Parameters:  []Parameter{{Name: "query", Type: "string", Required: true}},
		}})
	}))
	t.Cleanup(ts.Close)

	p := NewHealthProber(time.Second)
	caps, err := p.FetchCapabilities(context.Background(), &ToolServer{ServerID: "web", Endpoint: ts.URL})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(caps) != 1 || caps[0].Action != "search" {
		t.Fatalf("caps: %+v", caps)
	}
	// The server id is stamped on, whatever the server claims.
	if caps[0].ServerID != "web" {
		t.Fatalf("server id not stamped: %+v", caps[0])
	}
}

func TestLaunchCommandDefaults(t *testing.T) {
	cases := []struct {
		pt    ProjectType
		entry string
		want  string
	}{
		{ProjectPython, "server.py", filepath.Join(".venv", "bin", "python")},
		{ProjectNode, "server.js", "node"},
		{ProjectTS, "server.ts", "npx"},
		{ProjectRust, "", "cargo"},
		{ProjectGo, "", "go"},
	}
	for _, tc := range cases {
		cmd, err := LaunchCommand(tc.pt, tc.entry)
		if err != nil {
			t.Fatalf("%s: %v", tc.pt, err)
		}
		if cmd[0] != tc.want {
			t.Fatalf("%s: %v", tc.pt, cmd)
		}
	}
	if _, err := LaunchCommand(ProjectUnknown, ""); err == nil {
		t.Fatalf("unknown type must fail")
	}
}

func TestInstallCommandsIsolatePython(t *testing.T) {
	steps := InstallCommands(ProjectPython)
	if len(steps) != 2 {
		t.Fatalf("python install steps: %v", steps)
	}
	if steps[0][0] != "python3" || steps[0][len(steps[0])-1] != ".venv" {
		t.Fatalf("first step must create the environment: %v", steps[0])
	}
	if steps[1][0] != filepath.Join(".venv", "bin", "pip") {
		t.Fatalf("pip must come from the environment: %v", steps[1])
	}
	if InstallCommands(ProjectUnknown) != nil {
		t.Fatalf("unknown type needs no install steps")
	}
}
