package toolscore

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// InstallRequest asks the orchestrator to provision a tool server from
// source at runtime.
type InstallRequest struct {
	ServerID string
	// Source is a git URL (anything with a "://" or git@ prefix) or a
	// local directory path.
	Source string
	// InstallRoot is where cloned sources land; ignored for local paths.
	InstallRoot string
	// LaunchEntry overrides the default entry file (e.g. server.py).
	LaunchEntry string
	// LaunchCommand overrides the per-type default command entirely.
	LaunchCommand []string
	// UseWebSocket selects a ws:// endpoint instead of http://.
	UseWebSocket bool
}

func isGitSource(source string) bool {
	return strings.Contains(source, "://") || strings.HasPrefix(source, "git@")
}

// fetchSource materializes the server source on disk and returns its
// working directory.
func fetchSource(ctx context.Context, req InstallRequest) (string, error) {
	if !isGitSource(req.Source) {
		info, err := os.Stat(req.Source)
		if err != nil {
			return "", fmt.Errorf("local source %s: %w", req.Source, err)
		}
		if !info.IsDir() {
			return "", fmt.Errorf("local source %s is not a directory", req.Source)
		}
		return req.Source, nil
	}

	if req.InstallRoot == "" {
		return "", fmt.Errorf("install root is required for git sources")
	}
	dest := filepath.Join(req.InstallRoot, req.ServerID)
	if _, err := os.Stat(dest); err == nil {
		return "", fmt.Errorf("install destination %s already exists", dest)
	}
	cmd := exec.CommandContext(ctx, "git", "clone", "--depth", "1", req.Source, dest)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("git clone %s: %w: %s", req.Source, err, strings.TrimSpace(string(out)))
	}
	return dest, nil
}

// installDependencies runs the project type's dependency installation
// steps inside the working directory.
func installDependencies(ctx context.Context, pt ProjectType, dir string) error {
	for _, command := range InstallCommands(pt) {
		cmd := exec.CommandContext(ctx, command[0], command[1:]...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("install dependencies (%s): %w: %s", strings.Join(command, " "), err, tail(string(out), 512))
		}
	}
	return nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "…" + s[len(s)-n:]
}

// defaultEntry guesses the entry file for a project type when the
// request does not name one.
func defaultEntry(pt ProjectType) string {
	switch pt {
	case ProjectPython:
		return "server.py"
	case ProjectNode:
		return "server.js"
	case ProjectTS:
		return "server.ts"
	}
	return ""
}
