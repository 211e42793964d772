package toolscore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"axon/internal/observability"
)

// Registry is the in-memory server map backed by a durable snapshot for
// crash recovery. Reads (invocation routing, prompt snapshots) far
// outnumber writes (registrations), hence the RWMutex.
type Registry struct {
	mu           sync.RWMutex
	servers      map[string]*ToolServer
	inflight     map[string]int
	snapshotPath string
	logger       *observability.Logger
}

// NewRegistry creates a registry. snapshotPath may be empty to disable
// durable snapshots (tests).
func NewRegistry(snapshotPath string) *Registry {
	return &Registry{
		servers:      make(map[string]*ToolServer),
		inflight:     make(map[string]int),
		snapshotPath: snapshotPath,
		logger:       observability.NewComponentLogger("ToolRegistry"),
	}
}

// Register adds a server record. Duplicate server ids are rejected.
func (r *Registry) Register(server *ToolServer) error {
	if server == nil || server.ServerID == "" {
		return fmt.Errorf("server id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.servers[server.ServerID]; exists {
		return fmt.Errorf("server already registered: %s", server.ServerID)
	}
	r.servers[server.ServerID] = server
	r.persistLocked()
	r.logger.Info("registered tool server",
		"server_id", server.ServerID, "endpoint", server.Endpoint, "state", string(server.State))
	return nil
}

// Get returns the server record for id.
func (r *Registry) Get(id string) (*ToolServer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.servers[id]
	return s, ok
}

// Capability resolves an action on a registered server.
func (r *Registry) Capability(serverID, action string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.servers[serverID]
	if !ok {
		return Capability{}, false
	}
	return s.Capability(action)
}

// List returns all server records sorted by id.
func (r *Registry) List() []*ToolServer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ToolServer, 0, len(r.servers))
	for _, s := range r.servers {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
	return out
}

// Remove drains in-flight invocations for the server, then deletes it.
// The caller is responsible for terminating the process afterwards.
func (r *Registry) Remove(id string, drainTimeout time.Duration) error {
	r.mu.Lock()
	s, ok := r.servers[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("server not registered: %s", id)
	}
	// Stop routing new invocations while draining.
	s.State = StateStopped
	r.mu.Unlock()

	deadline := time.Now().Add(drainTimeout)
	for {
		r.mu.RLock()
		n := r.inflight[id]
		r.mu.RUnlock()
		if n == 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	r.mu.Lock()
	delete(r.servers, id)
	delete(r.inflight, id)
	r.persistLocked()
	r.mu.Unlock()
	r.logger.Info("removed tool server", "server_id", id)
	return nil
}

// SetState transitions a server's lifecycle state.
func (r *Registry) SetState(id string, state ServerState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.servers[id]; ok {
		s.State = state
		r.persistLocked()
	}
}

// RecordHealth updates the health bookkeeping for a server and returns the
// new consecutive failure count.
func (r *Registry) RecordHealth(id string, healthy bool, at time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.servers[id]
	if !ok {
		return 0
	}
	s.LastHealthCheck = at
	if healthy {
		s.ConsecutiveFailures = 0
	} else {
		s.ConsecutiveFailures++
	}
	return s.ConsecutiveFailures
}

// acquire reserves an in-flight slot for accounting; release undoes it.
func (r *Registry) acquire(id string) {
	r.mu.Lock()
	r.inflight[id]++
	r.mu.Unlock()
}

func (r *Registry) release(id string) {
	r.mu.Lock()
	if r.inflight[id] > 0 {
		r.inflight[id]--
	}
	r.mu.Unlock()
}

// ReadySnapshot returns the live capability catalog: every ready server
// and its capabilities, sorted by server id. This is what the prompt
// builder renders at the start of each reasoning task.
func (r *Registry) ReadySnapshot() []ServerSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ServerSnapshot
	for _, s := range r.servers {
		if s.State != StateReady {
			continue
		}
		caps := make([]Capability, len(s.Capabilities))
		copy(caps, s.Capabilities)
		out = append(out, ServerSnapshot{ServerID: s.ServerID, Capabilities: caps})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
	return out
}

// ServerIDs returns all registered ids, for the response parser's known
// tag set.
func (r *Registry) ServerIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.servers))
	for id := range r.servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type snapshotFile struct {
	SavedAt time.Time     `json:"saved_at"`
	Servers []*ToolServer `json:"servers"`
}

// persistLocked writes the durable snapshot. Callers hold r.mu.
func (r *Registry) persistLocked() {
	if r.snapshotPath == "" {
		return
	}
	servers := make([]*ToolServer, 0, len(r.servers))
	for _, s := range r.servers {
		servers = append(servers, s)
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].ServerID < servers[j].ServerID })

	data, err := json.MarshalIndent(snapshotFile{SavedAt: time.Now().UTC(), Servers: servers}, "", "  ")
	if err != nil {
		r.logger.Error("marshal registry snapshot", "error", err)
		return
	}
	tmp := r.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		r.logger.Error("write registry snapshot", "error", err)
		return
	}
	if err := os.Rename(tmp, r.snapshotPath); err != nil {
		r.logger.Error("replace registry snapshot", "error", err)
	}
}

// LoadSnapshot restores server records from the durable snapshot.
// Restored servers come back in pending state: their processes are gone
// and the supervisor must relaunch and re-probe them.
func (r *Registry) LoadSnapshot() error {
	if r.snapshotPath == "" {
		return nil
	}
	data, err := os.ReadFile(r.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read registry snapshot: %w", err)
	}
	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode registry snapshot: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range snap.Servers {
		if _, exists := r.servers[s.ServerID]; exists {
			continue
		}
		s.State = StatePending
		s.PID = 0
		s.ConsecutiveFailures = 0
		r.servers[s.ServerID] = s
	}
	return nil
}

// SnapshotDir ensures the snapshot's parent directory exists.
func (r *Registry) SnapshotDir() error {
	if r.snapshotPath == "" {
		return nil
	}
	return os.MkdirAll(filepath.Dir(r.snapshotPath), 0o755)
}
