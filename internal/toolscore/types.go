package toolscore

import (
	"time"
)

// ServerState is the lifecycle state of a registered tool server.
type ServerState string

const (
	StatePending  ServerState = "pending"
	StateStarting ServerState = "starting"
	StateReady    ServerState = "ready"
	StateDegraded ServerState = "degraded"
	StateStopped  ServerState = "stopped"
	StateFailed   ServerState = "failed"
)

// ProjectType identifies how a tool server's source is built and launched.
type ProjectType string

const (
	ProjectPython  ProjectType = "python"
	ProjectNode    ProjectType = "node"
	ProjectTS      ProjectType = "ts"
	ProjectRust    ProjectType = "rust"
	ProjectGo      ProjectType = "go"
	ProjectUnknown ProjectType = ""
)

// DefaultMaxInFlight is the per-server concurrent request cap when the
// server does not declare one.
const DefaultMaxInFlight = 4

// ToolServer is one registered external process serving capabilities.
type ToolServer struct {
	ServerID            string       `json:"server_id"`
	Endpoint            string       `json:"endpoint"`
	ProjectType         ProjectType  `json:"project_type"`
	LaunchCommand       []string     `json:"launch_command,omitempty"`
	WorkingDir          string       `json:"working_dir"`
	AllocatedPort       int          `json:"allocated_port"`
	PID                 int          `json:"pid,omitempty"`
	State               ServerState  `json:"state"`
	Capabilities        []Capability `json:"capabilities"`
	MaxInFlight         int          `json:"max_in_flight,omitempty"`
	LastHealthCheck     time.Time    `json:"last_health_check,omitempty"`
	ConsecutiveFailures int          `json:"consecutive_failures,omitempty"`
}

// Capability looks up an action by name.
func (s *ToolServer) Capability(action string) (Capability, bool) {
	for _, c := range s.Capabilities {
		if c.Action == action {
			return c, true
		}
	}
	return Capability{}, false
}

// InFlightLimit returns the server's request cap.
func (s *ToolServer) InFlightLimit() int {
	if s.MaxInFlight > 0 {
		return s.MaxInFlight
	}
	return DefaultMaxInFlight
}

// ServerSnapshot is the read-only view the prompt builder consumes: a
// ready server and its capabilities at one instant.
type ServerSnapshot struct {
	ServerID     string       `json:"server_id"`
	Capabilities []Capability `json:"capabilities"`
}
