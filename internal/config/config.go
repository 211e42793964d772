package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"axon/internal/task"
)

// Config is the full runtime configuration. Values come from environment
// variables first, then an optional YAML config file, then defaults.
type Config struct {
	QueueEndpoint        string `mapstructure:"queue_endpoint"`
	SessionStoreEndpoint string `mapstructure:"session_store_endpoint"`
	TrajectoryDir        string `mapstructure:"trajectory_dir"`

	PortRangeLo int `mapstructure:"port_range_lo"`
	PortRangeHi int `mapstructure:"port_range_hi"`

	// Worker pool sizes keyed by task type. Unset types default to
	// DefaultPoolSize.
	WorkerPoolSizes map[string]int `mapstructure:"worker_pool_sizes"`

	// WorkerMemoryBudgetMB stops pools from claiming new entries while
	// heap use exceeds it. Zero disables the check.
	WorkerMemoryBudgetMB int `mapstructure:"worker_memory_budget_mb"`
	// ClaimMinIdleSeconds is how long a pending queue entry must sit
	// before another consumer may claim it. Raise it above the longest
	// task timeout submitted to this deployment; zero derives it from
	// the default task timeout.
	ClaimMinIdleSeconds int `mapstructure:"claim_min_idle_seconds"`

	LLMProvider string `mapstructure:"llm_provider"`
	LLMBaseURL  string `mapstructure:"llm_base_url"`
	LLMAPIKey   string `mapstructure:"llm_api_key"`
	LLMModel    string `mapstructure:"llm_model"`

	ToolStartupTimeoutSeconds     int `mapstructure:"tool_startup_timeout_seconds"`
	ToolDefaultCallTimeoutSeconds int `mapstructure:"tool_default_call_timeout_seconds"`

	StepCapDefault     int    `mapstructure:"step_cap_default"`
	TrajectoryGrouping string `mapstructure:"trajectory_grouping"`

	SessionRetentionDays int `mapstructure:"session_retention_days"`
	SessionCacheSize     int `mapstructure:"session_cache_size"`

	// Static tool server registrations: server id -> local source directory.
	ToolServers map[string]string `mapstructure:"tool_servers"`

	HTTPAddr  string `mapstructure:"http_addr"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// DefaultPoolSize is the worker pool size for task types without an
// explicit WORKER_POOL_SIZE_* override.
const DefaultPoolSize = 4

// Load reads configuration from the environment and, when path is
// non-empty, a YAML file. Environment variables win over file values.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("queue_endpoint", "redis://localhost:6379/0")
	v.SetDefault("session_store_endpoint", "redis://localhost:6379/1")
	v.SetDefault("trajectory_dir", "./trajectories")
	v.SetDefault("port_range_lo", 8700)
	v.SetDefault("port_range_hi", 8799)
	v.SetDefault("tool_startup_timeout_seconds", 30)
	v.SetDefault("tool_default_call_timeout_seconds", 120)
	v.SetDefault("step_cap_default", task.DefaultMaxSteps)
	v.SetDefault("trajectory_grouping", "daily")
	v.SetDefault("session_retention_days", 30)
	v.SetDefault("session_cache_size", 256)
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("llm_provider", "openai")
	v.SetDefault("llm_model", "gpt-4o")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range []string{
		"queue_endpoint", "session_store_endpoint", "trajectory_dir",
		"port_range_lo", "port_range_hi",
		"llm_provider", "llm_base_url", "llm_api_key", "llm_model",
		"tool_startup_timeout_seconds", "tool_default_call_timeout_seconds",
		"step_cap_default", "trajectory_grouping",
		"worker_memory_budget_mb", "claim_min_idle_seconds",
		"session_retention_days", "session_cache_size",
		"http_addr", "log_level", "log_format",
	} {
		if err := v.BindEnv(key, strings.ToUpper(key)); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.loadPoolSizesFromEnv(v)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadPoolSizesFromEnv reads WORKER_POOL_SIZE_<TASK_TYPE> overrides.
func (c *Config) loadPoolSizesFromEnv(v *viper.Viper) {
	if c.WorkerPoolSizes == nil {
		c.WorkerPoolSizes = make(map[string]int)
	}
	for _, tt := range task.Types() {
		key := "worker_pool_size_" + string(tt)
		if err := v.BindEnv(key, strings.ToUpper(key)); err != nil {
			continue
		}
		if v.IsSet(key) {
			c.WorkerPoolSizes[string(tt)] = v.GetInt(key)
		}
	}
}

// Validate rejects configurations the process cannot run with.
func (c *Config) Validate() error {
	if c.QueueEndpoint == "" {
		return fmt.Errorf("QUEUE_ENDPOINT is required")
	}
	if c.SessionStoreEndpoint == "" {
		return fmt.Errorf("SESSION_STORE_ENDPOINT is required")
	}
	if c.TrajectoryDir == "" {
		return fmt.Errorf("TRAJECTORY_DIR is required")
	}
	if c.PortRangeLo <= 0 || c.PortRangeHi < c.PortRangeLo {
		return fmt.Errorf("invalid port range [%d,%d]", c.PortRangeLo, c.PortRangeHi)
	}
	switch c.TrajectoryGrouping {
	case "daily", "weekly", "monthly", "none":
	default:
		return fmt.Errorf("TRAJECTORY_GROUPING must be daily, weekly, monthly or none, got %q", c.TrajectoryGrouping)
	}
	if c.StepCapDefault < 1 || c.StepCapDefault > task.MaxStepsCeiling {
		return fmt.Errorf("STEP_CAP_DEFAULT %d out of range [1,%d]", c.StepCapDefault, task.MaxStepsCeiling)
	}
	if c.WorkerMemoryBudgetMB < 0 {
		return fmt.Errorf("WORKER_MEMORY_BUDGET_MB must not be negative, got %d", c.WorkerMemoryBudgetMB)
	}
	if c.ClaimMinIdleSeconds < 0 {
		return fmt.Errorf("CLAIM_MIN_IDLE_SECONDS must not be negative, got %d", c.ClaimMinIdleSeconds)
	}
	for tt, n := range c.WorkerPoolSizes {
		if !task.Type(tt).Valid() {
			return fmt.Errorf("worker pool size for unknown task type %q", tt)
		}
		if n < 1 {
			return fmt.Errorf("worker pool size for %s must be positive, got %d", tt, n)
		}
	}
	return nil
}

// PoolSize returns the configured worker pool size for a task type.
func (c *Config) PoolSize(tt task.Type) int {
	if n, ok := c.WorkerPoolSizes[string(tt)]; ok {
		return n
	}
	return DefaultPoolSize
}

// ToolStartupTimeout returns the tool server readiness deadline.
func (c *Config) ToolStartupTimeout() time.Duration {
	return time.Duration(c.ToolStartupTimeoutSeconds) * time.Second
}

// ToolDefaultCallTimeout returns the default per-invocation deadline.
func (c *Config) ToolDefaultCallTimeout() time.Duration {
	return time.Duration(c.ToolDefaultCallTimeoutSeconds) * time.Second
}

// WorkerMemoryBudget returns the pool claim backpressure bound in
// bytes, zero when disabled.
func (c *Config) WorkerMemoryBudget() uint64 {
	return uint64(c.WorkerMemoryBudgetMB) << 20
}

// ClaimMinIdle returns the pending age past which a queue entry may be
// claimed from another consumer, zero when the pool should derive it.
func (c *Config) ClaimMinIdle() time.Duration {
	return time.Duration(c.ClaimMinIdleSeconds) * time.Second
}

// SessionRetention returns the session purge horizon.
func (c *Config) SessionRetention() time.Duration {
	return time.Duration(c.SessionRetentionDays) * 24 * time.Hour
}
