package toolscore

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"axon/internal/observability"
)

// envAllowlist names the only host environment variables a launched tool
// server inherits, besides PORT and WORKING_DIR.
var envAllowlist = []string{"PATH", "HOME", "LANG", "TMPDIR"}

// ManagedProcess is a launched tool server process.
type ManagedProcess struct {
	ServerID  string
	Cmd       *exec.Cmd
	PID       int
	PGID      int
	LogFile   string
	StartedAt time.Time

	exited chan struct{}
}

// Exited is closed once the process has terminated.
func (p *ManagedProcess) Exited() <-chan struct{} { return p.exited }

// Launcher starts and stops tool server processes, piping their output to
// per-server log files.
type Launcher struct {
	logDir string
	logger *observability.Logger

	mu        sync.Mutex
	processes map[string]*ManagedProcess
}

// NewLauncher creates a launcher writing logs under logDir.
func NewLauncher(logDir string) *Launcher {
	return &Launcher{
		logDir:    logDir,
		logger:    observability.NewComponentLogger("ToolLauncher"),
		processes: make(map[string]*ManagedProcess),
	}
}

// venvDir is the per-server python environment created inside the
// working directory, so servers never install into the host interpreter.
const venvDir = ".venv"

// LaunchCommand returns the default run command for a project type. The
// registration may override it.
func LaunchCommand(pt ProjectType, entry string) ([]string, error) {
	switch pt {
	case ProjectPython:
		return []string{filepath.Join(venvDir, "bin", "python"), entry}, nil
	case ProjectNode:
		return []string{"node", entry}, nil
	case ProjectTS:
		return []string{"npx", "ts-node", entry}, nil
	case ProjectRust:
		return []string{"cargo", "run", "--release"}, nil
	case ProjectGo:
		return []string{"go", "run", "."}, nil
	}
	return nil, fmt.Errorf("no launch command for project type %q", pt)
}

// InstallCommands returns the dependency installation steps for a
// project type, run in order inside the working directory, or nil when
// none are needed.
func InstallCommands(pt ProjectType) [][]string {
	switch pt {
	case ProjectPython:
		return [][]string{
			{"python3", "-m", "venv", venvDir},
			{filepath.Join(venvDir, "bin", "pip"), "install", "-r", "requirements.txt"},
		}
	case ProjectNode, ProjectTS:
		return [][]string{{"npm", "install", "--omit=dev"}}
	case ProjectRust:
		return [][]string{{"cargo", "build", "--release"}}
	case ProjectGo:
		return [][]string{{"go", "build", "./..."}}
	}
	return nil
}

// Start launches the server's command with an allow-listed environment,
// PORT and WORKING_DIR set, in its own process group.
func (l *Launcher) Start(ctx context.Context, server *ToolServer) (*ManagedProcess, error) {
	if len(server.LaunchCommand) == 0 {
		return nil, fmt.Errorf("server %s has no launch command", server.ServerID)
	}
	if err := os.MkdirAll(l.logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	cmd := exec.CommandContext(ctx, server.LaunchCommand[0], server.LaunchCommand[1:]...)
	cmd.Dir = server.WorkingDir
	cmd.Env = launchEnv(server)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	logFile := filepath.Join(l.logDir, server.ServerID+".log")
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	cmd.Stdout = f
	cmd.Stderr = f

	if err := cmd.Start(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("start %s: %w", server.ServerID, err)
	}

	pid := cmd.Process.Pid
	pgid, _ := syscall.Getpgid(pid)
	mp := &ManagedProcess{
		ServerID:  server.ServerID,
		Cmd:       cmd,
		PID:       pid,
		PGID:      pgid,
		LogFile:   logFile,
		StartedAt: time.Now(),
		exited:    make(chan struct{}),
	}

	l.mu.Lock()
	l.processes[server.ServerID] = mp
	l.mu.Unlock()

	go func() {
		_ = cmd.Wait()
		_ = f.Close()
		close(mp.exited)
		l.mu.Lock()
		if l.processes[server.ServerID] == mp {
			delete(l.processes, server.ServerID)
		}
		l.mu.Unlock()
	}()

	l.logger.Info("launched tool server",
		"server_id", server.ServerID, "pid", pid, "port", server.AllocatedPort)
	return mp, nil
}

func launchEnv(server *ToolServer) []string {
	env := make([]string, 0, len(envAllowlist)+2)
	for _, key := range envAllowlist {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	env = append(env,
		"PORT="+strconv.Itoa(server.AllocatedPort),
		"WORKING_DIR="+server.WorkingDir,
	)
	return env
}

// Process returns the managed process for a server, if running.
func (l *Launcher) Process(serverID string) (*ManagedProcess, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.processes[serverID]
	return p, ok
}

// Stop terminates a server's process group: SIGTERM, a grace period, then
// SIGKILL.
func (l *Launcher) Stop(serverID string, grace time.Duration) {
	l.mu.Lock()
	mp, ok := l.processes[serverID]
	l.mu.Unlock()
	if !ok {
		return
	}

	target := -mp.PGID
	if mp.PGID == 0 {
		target = mp.PID
	}
	_ = syscall.Kill(target, syscall.SIGTERM)

	select {
	case <-mp.exited:
		return
	case <-time.After(grace):
	}
	_ = syscall.Kill(target, syscall.SIGKILL)
	l.logger.Warn("tool server did not exit in grace period, killed",
		"server_id", serverID, "pid", mp.PID)
}

// StopAll terminates every managed process, used during shutdown.
func (l *Launcher) StopAll(grace time.Duration) {
	l.mu.Lock()
	ids := make([]string, 0, len(l.processes))
	for id := range l.processes {
		ids = append(ids, id)
	}
	l.mu.Unlock()
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			l.Stop(id, grace)
		}(id)
	}
	wg.Wait()
}
