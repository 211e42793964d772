package toolscore

import (
	"context"
	"fmt"
	"time"

	"axon/internal/observability"
)

// Config tunes the orchestration layer.
type Config struct {
	SnapshotPath   string
	LogDir         string
	PortRangeLo    int
	PortRangeHi    int
	StartupTimeout time.Duration
	DefaultTimeout time.Duration
	AutoRestart    bool
}

// Orchestrator ties the registry, launcher, supervisor, port allocator,
// and invoker into the single surface the rest of the system uses.
type Orchestrator struct {
	Registry *Registry
	Invoker  *Invoker

	launcher   *Launcher
	supervisor *Supervisor
	allocator  *PortAllocator
	prober     *HealthProber
	logger     *observability.Logger
}

// NewOrchestrator wires the orchestration layer.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	allocator, err := NewPortAllocator(cfg.PortRangeLo, cfg.PortRangeHi)
	if err != nil {
		return nil, err
	}
	registry := NewRegistry(cfg.SnapshotPath)
	if err := registry.SnapshotDir(); err != nil {
		return nil, fmt.Errorf("prepare snapshot dir: %w", err)
	}
	if err := registry.LoadSnapshot(); err != nil {
		return nil, err
	}

	launcher := NewLauncher(cfg.LogDir)
	prober := NewHealthProber(5 * time.Second)
	supervisor := NewSupervisor(registry, launcher, prober, SupervisorConfig{
		StartupTimeout: cfg.StartupTimeout,
		AutoRestart:    cfg.AutoRestart,
	})

	return &Orchestrator{
		Registry:   registry,
		Invoker:    NewInvoker(registry, cfg.DefaultTimeout),
		launcher:   launcher,
		supervisor: supervisor,
		allocator:  allocator,
		prober:     prober,
		logger:     observability.NewComponentLogger("ToolOrchestrator"),
	}, nil
}

// RegisterStatic provisions a tool server from a local source directory
// at startup and begins supervising it.
func (o *Orchestrator) RegisterStatic(ctx context.Context, serverID, dir string) error {
	return o.provision(ctx, InstallRequest{ServerID: serverID, Source: dir})
}

// Install provisions a tool server at runtime: fetch source, detect its
// project type, install dependencies, allocate a port, launch, and wait
// for the first health check before it becomes visible to prompts.
func (o *Orchestrator) Install(ctx context.Context, req InstallRequest) error {
	return o.provision(ctx, req)
}

func (o *Orchestrator) provision(ctx context.Context, req InstallRequest) error {
	if req.ServerID == "" {
		return fmt.Errorf("server id is required")
	}
	if _, exists := o.Registry.Get(req.ServerID); exists {
		return fmt.Errorf("server already registered: %s", req.ServerID)
	}

	dir, err := fetchSource(ctx, req)
	if err != nil {
		return err
	}
	projectType, err := DetectProjectType(dir)
	if err != nil {
		return err
	}
	if err := installDependencies(ctx, projectType, dir); err != nil {
		return err
	}

	port, err := o.allocator.Allocate()
	if err != nil {
		return err
	}

	command := req.LaunchCommand
	if len(command) == 0 {
		entry := req.LaunchEntry
		if entry == "" {
			entry = defaultEntry(projectType)
		}
		command, err = LaunchCommand(projectType, entry)
		if err != nil {
			o.allocator.Release(port)
			return err
		}
	}

	scheme := "http"
	if req.UseWebSocket {
		scheme = "ws"
	}
	server := &ToolServer{
		ServerID:      req.ServerID,
		Endpoint:      fmt.Sprintf("%s://127.0.0.1:%d", scheme, port),
		ProjectType:   projectType,
		LaunchCommand: command,
		WorkingDir:    dir,
		AllocatedPort: port,
		State:         StatePending,
	}
	if err := o.Registry.Register(server); err != nil {
		o.allocator.Release(port)
		return err
	}
	o.supervisor.Supervise(ctx, req.ServerID)
	return nil
}

// ResumeSnapshot re-supervises servers restored from the durable snapshot.
func (o *Orchestrator) ResumeSnapshot(ctx context.Context) {
	for _, server := range o.Registry.List() {
		if server.State == StatePending {
			if server.AllocatedPort > 0 {
				o.allocator.Reserve(server.AllocatedPort)
			}
			o.supervisor.Supervise(ctx, server.ServerID)
		}
	}
}

// Remove drains and deregisters a server, then terminates its process.
func (o *Orchestrator) Remove(serverID string, drainTimeout time.Duration) error {
	o.supervisor.Unsupervise(serverID)
	server, ok := o.Registry.Get(serverID)
	if !ok {
		return fmt.Errorf("server not registered: %s", serverID)
	}
	if err := o.Registry.Remove(serverID, drainTimeout); err != nil {
		return err
	}
	o.launcher.Stop(serverID, 10*time.Second)
	o.allocator.Release(server.AllocatedPort)
	return nil
}

// Shutdown stops supervision and terminates every tool server with
// SIGTERM, a 10s grace period, then SIGKILL.
func (o *Orchestrator) Shutdown() {
	for _, server := range o.Registry.List() {
		o.supervisor.Unsupervise(server.ServerID)
	}
	o.supervisor.Wait()
	o.launcher.StopAll(10 * time.Second)
	o.logger.Info("tool orchestrator shut down")
}
