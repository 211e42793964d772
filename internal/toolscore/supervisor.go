package toolscore

import (
	"context"
	"sync"
	"time"

	"axon/internal/observability"
)

// RestartPolicy tracks restart history and enforces storm detection: a
// server gets at most MaxInWindow restarts per window.
type RestartPolicy struct {
	MaxInWindow    int
	WindowDuration time.Duration

	mu      sync.Mutex
	history map[string][]time.Time
}

// NewRestartPolicy creates a restart policy.
func NewRestartPolicy(maxInWindow int, window time.Duration) *RestartPolicy {
	return &RestartPolicy{
		MaxInWindow:    maxInWindow,
		WindowDuration: window,
		history:        make(map[string][]time.Time),
	}
}

// RecordRestart records a restart attempt and returns the count within the
// current window.
func (p *RestartPolicy) RecordRestart(serverID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	p.pruneLocked(serverID, now)
	p.history[serverID] = append(p.history[serverID], now)
	return len(p.history[serverID])
}

// ShouldRestart reports whether the server may restart without exceeding
// the storm threshold.
func (p *RestartPolicy) ShouldRestart(serverID string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pruneLocked(serverID, now)
	return len(p.history[serverID]) < p.MaxInWindow
}

func (p *RestartPolicy) pruneLocked(serverID string, now time.Time) {
	cutoff := now.Add(-p.WindowDuration)
	kept := p.history[serverID][:0]
	for _, t := range p.history[serverID] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	p.history[serverID] = kept
}

const (
	readinessInterval = 500 * time.Millisecond
	livenessInterval  = 30 * time.Second
	degradedThreshold = 3
	stoppedThreshold  = 5
)

// SupervisorConfig tunes the supervision loops.
type SupervisorConfig struct {
	StartupTimeout time.Duration
	AutoRestart    bool
}

// Supervisor runs one health-check goroutine per tool server, driving the
// server's lifecycle state in the registry.
type Supervisor struct {
	registry *Registry
	launcher *Launcher
	prober   *HealthProber
	policy   *RestartPolicy
	cfg      SupervisorConfig
	logger   *observability.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewSupervisor creates a supervisor. The default restart policy allows 5
// restarts in 10 minutes.
func NewSupervisor(registry *Registry, launcher *Launcher, prober *HealthProber, cfg SupervisorConfig) *Supervisor {
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 30 * time.Second
	}
	return &Supervisor{
		registry: registry,
		launcher: launcher,
		prober:   prober,
		policy:   NewRestartPolicy(5, 10*time.Minute),
		cfg:      cfg,
		logger:   observability.NewComponentLogger("ToolSupervisor"),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Supervise launches the server (when it has a launch command), waits for
// readiness, then watches liveness until ctx ends or the server is
// unsupervised.
func (s *Supervisor) Supervise(ctx context.Context, serverID string) {
	serverCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if prev, ok := s.cancels[serverID]; ok {
		prev()
	}
	s.cancels[serverID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(serverCtx, serverID)
	}()
}

// Unsupervise stops the supervision loop for a server.
func (s *Supervisor) Unsupervise(serverID string) {
	s.mu.Lock()
	if cancel, ok := s.cancels[serverID]; ok {
		cancel()
		delete(s.cancels, serverID)
	}
	s.mu.Unlock()
}

// Wait blocks until every supervision loop has exited.
func (s *Supervisor) Wait() { s.wg.Wait() }

func (s *Supervisor) run(ctx context.Context, serverID string) {
	for {
		server, ok := s.registry.Get(serverID)
		if !ok {
			return
		}

		if err := s.startAndAwaitReady(ctx, server); err != nil {
			s.logger.Warn("tool server failed to become ready",
				"server_id", serverID, "error", err)
			s.registry.SetState(serverID, StateFailed)
			return
		}

		exited := s.watchLiveness(ctx, serverID)
		if ctx.Err() != nil {
			return
		}

		// The server stopped or its process exited. Restart if allowed.
		if !s.cfg.AutoRestart || !s.policy.ShouldRestart(serverID, time.Now()) {
			if s.cfg.AutoRestart {
				s.logger.Error("restart storm detected, giving up", "server_id", serverID)
			}
			s.registry.SetState(serverID, StateFailed)
			return
		}
		attempt := s.policy.RecordRestart(serverID)
		backoff := time.Duration(1<<uint(attempt-1)) * time.Second
		s.logger.Info("restarting tool server",
			"server_id", serverID, "attempt", attempt, "backoff", backoff.String(), "process_exited", exited)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

// startAndAwaitReady launches the process when needed and polls the
// readiness probe every 500ms until first success or startup timeout.
func (s *Supervisor) startAndAwaitReady(ctx context.Context, server *ToolServer) error {
	s.registry.SetState(server.ServerID, StateStarting)

	if len(server.LaunchCommand) > 0 && s.launcher != nil {
		if _, running := s.launcher.Process(server.ServerID); !running {
			mp, err := s.launcher.Start(ctx, server)
			if err != nil {
				return err
			}
			server.PID = mp.PID
		}
	}

	deadline := time.Now().Add(s.cfg.StartupTimeout)
	ticker := time.NewTicker(readinessInterval)
	defer ticker.Stop()
	for {
		result := s.prober.Probe(ctx, server)
		s.registry.RecordHealth(server.ServerID, result.Healthy, time.Now())
		if result.Healthy {
			// Ready state requires at least one passed health check.
			if len(server.Capabilities) == 0 {
				caps, err := s.prober.FetchCapabilities(ctx, server)
				if err != nil {
					s.logger.Warn("capability fetch failed",
						"server_id", server.ServerID, "error", err)
				} else {
					server.Capabilities = caps
				}
			}
			s.registry.SetState(server.ServerID, StateReady)
			s.logger.Info("tool server ready",
				"server_id", server.ServerID, "latency_ms", result.Latency.Milliseconds())
			return nil
		}
		if time.Now().After(deadline) {
			return ctxOrTimeout(ctx, "startup timeout: "+result.Message)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// watchLiveness repeats the readiness check every 30s while the server is
// ready. Three consecutive failures demote to degraded, five stop the
// server. Returns true when the loop ended because the process exited.
func (s *Supervisor) watchLiveness(ctx context.Context, serverID string) (processExited bool) {
	var exitCh <-chan struct{}
	if s.launcher != nil {
		if mp, ok := s.launcher.Process(serverID); ok {
			exitCh = mp.Exited()
		}
	}

	ticker := time.NewTicker(livenessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-exitCh:
			s.logger.Warn("tool server process exited", "server_id", serverID)
			s.registry.SetState(serverID, StateStopped)
			return true
		case <-ticker.C:
		}

		server, ok := s.registry.Get(serverID)
		if !ok {
			return false
		}
		result := s.prober.Probe(ctx, server)
		failures := s.registry.RecordHealth(serverID, result.Healthy, time.Now())
		switch {
		case result.Healthy:
			if server.State == StateDegraded {
				s.registry.SetState(serverID, StateReady)
				s.logger.Info("tool server recovered", "server_id", serverID)
			}
		case failures >= stoppedThreshold:
			s.logger.Error("tool server unresponsive, stopping",
				"server_id", serverID, "consecutive_failures", failures)
			s.registry.SetState(serverID, StateStopped)
			if s.launcher != nil {
				s.launcher.Stop(serverID, 10*time.Second)
			}
			return false
		case failures >= degradedThreshold:
			if server.State == StateReady {
				s.logger.Warn("tool server degraded",
					"server_id", serverID, "consecutive_failures", failures)
				s.registry.SetState(serverID, StateDegraded)
			}
		}
	}
}

func ctxOrTimeout(ctx context.Context, msg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return &startupTimeoutError{msg: msg}
}

type startupTimeoutError struct{ msg string }

func (e *startupTimeoutError) Error() string { return e.msg }
