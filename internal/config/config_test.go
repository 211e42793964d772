package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"axon/internal/task"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StepCapDefault != task.DefaultMaxSteps {
		t.Fatalf("expected default step cap %d, got %d", task.DefaultMaxSteps, cfg.StepCapDefault)
	}
	if cfg.TrajectoryGrouping != "daily" {
		t.Fatalf("expected daily grouping, got %q", cfg.TrajectoryGrouping)
	}
	if cfg.PoolSize(task.TypeCode) != DefaultPoolSize {
		t.Fatalf("expected default pool size for code tasks")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("STEP_CAP_DEFAULT", "7")
	t.Setenv("TRAJECTORY_GROUPING", "weekly")
	t.Setenv("WORKER_POOL_SIZE_CODE", "9")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StepCapDefault != 7 {
		t.Fatalf("expected step cap 7, got %d", cfg.StepCapDefault)
	}
	if cfg.TrajectoryGrouping != "weekly" {
		t.Fatalf("expected weekly grouping, got %q", cfg.TrajectoryGrouping)
	}
	if cfg.PoolSize(task.TypeCode) != 9 {
		t.Fatalf("expected code pool size 9, got %d", cfg.PoolSize(task.TypeCode))
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "axon.yaml")
	body, err := yaml.Marshal(map[string]any{
		"trajectory_dir": "/data/trajectories",
		"tool_servers": map[string]string{
			"microsandbox": "./servers/microsandbox",
		},
		"worker_pool_sizes": map[string]int{
			"research": 2,
		},
		"worker_memory_budget_mb": 512,
		"claim_min_idle_seconds":  1800,
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, body, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/data/trajectories", cfg.TrajectoryDir)
	require.Equal(t, "./servers/microsandbox", cfg.ToolServers["microsandbox"])
	require.Equal(t, 2, cfg.PoolSize(task.TypeResearch))
	require.Equal(t, uint64(512)<<20, cfg.WorkerMemoryBudget())
	require.Equal(t, 30*time.Minute, cfg.ClaimMinIdle())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad grouping", func(c *Config) { c.TrajectoryGrouping = "hourly" }},
		{"inverted port range", func(c *Config) { c.PortRangeLo = 9000; c.PortRangeHi = 8000 }},
		{"zero step cap", func(c *Config) { c.StepCapDefault = 0 }},
		{"unknown pool type", func(c *Config) { c.WorkerPoolSizes = map[string]int{"bogus": 2} }},
		{"missing queue", func(c *Config) { c.QueueEndpoint = "" }},
		{"negative memory budget", func(c *Config) { c.WorkerMemoryBudgetMB = -1 }},
		{"negative claim min idle", func(c *Config) { c.ClaimMinIdleSeconds = -5 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load("")
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
