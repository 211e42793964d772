package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"axon/internal/config"
	"axon/internal/engine"
	"axon/internal/llm"
	"axon/internal/observability"
	"axon/internal/queue"
	"axon/internal/server"
	"axon/internal/session"
	"axon/internal/task"
	"axon/internal/toolscore"
	"axon/internal/trajectory"
	"axon/internal/worker"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run worker pools, the tool supervisor and the HTTP surface",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return exitErr(exitConfig, err)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: os.Stderr,
	})
	observability.SetDefault(logger)

	metrics, err := observability.NewMetricsCollector(observability.MetricsConfig{Enabled: true})
	if err != nil {
		return exitErr(exitRuntime, fmt.Errorf("metrics: %w", err))
	}
	tracer, err := observability.NewTracerProvider(observability.TracingConfig{
		Enabled:     os.Getenv("AXON_TRACING_ENABLED") == "true",
		ServiceName: "axon",
	})
	if err != nil {
		return exitErr(exitRuntime, fmt.Errorf("tracing: %w", err))
	}

	broker, err := queue.NewRedisBroker(cfg.QueueEndpoint)
	if err != nil {
		return exitErr(exitDependency, fmt.Errorf("queue: %w", err))
	}
	defer broker.Close()

	store, err := session.NewRedisStore(cfg.SessionStoreEndpoint)
	if err != nil {
		return exitErr(exitDependency, fmt.Errorf("session store: %w", err))
	}
	sessions, err := session.NewManager(store, cfg.SessionCacheSize, 0)
	if err != nil {
		return exitErr(exitConfig, fmt.Errorf("session manager: %w", err))
	}
	defer sessions.Close()

	recorder, err := trajectory.NewRecorder(cfg.TrajectoryDir, trajectory.Grouping(cfg.TrajectoryGrouping))
	if err != nil {
		return exitErr(exitConfig, fmt.Errorf("trajectory recorder: %w", err))
	}
	// Seal trajectories a previous process left open.
	if sealed, err := recorder.ScanCrashed(); err != nil {
		logger.Warn("crash scan failed", "error", err)
	} else if sealed > 0 {
		logger.Info("sealed crashed trajectories", "count", sealed)
	}

	orchestrator, err := toolscore.NewOrchestrator(toolscore.Config{
		SnapshotPath:   filepath.Join(cfg.TrajectoryDir, "toolscore", "servers.json"),
		LogDir:         filepath.Join(cfg.TrajectoryDir, "toolscore", "logs"),
		PortRangeLo:    cfg.PortRangeLo,
		PortRangeHi:    cfg.PortRangeHi,
		StartupTimeout: cfg.ToolStartupTimeout(),
		DefaultTimeout: cfg.ToolDefaultCallTimeout(),
		AutoRestart:    true,
	})
	if err != nil {
		return exitErr(exitConfig, fmt.Errorf("tool orchestrator: %w", err))
	}

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	orchestrator.ResumeSnapshot(ctx)
	for serverID, dir := range cfg.ToolServers {
		if err := orchestrator.RegisterStatic(ctx, serverID, dir); err != nil {
			// A broken tool server is not fatal; the catalog just runs
			// without it.
			logger.Warn("tool server registration failed", "server_id", serverID, "error", err)
		}
	}

	client, err := buildLLMClient(cfg)
	if err != nil {
		return exitErr(exitConfig, err)
	}

	w := worker.New(
		client,
		orchestrator.Registry,
		orchestrator.Invoker,
		sessions,
		recorder,
		queue.NewStatusWriter(broker),
		metrics,
		worker.Config{
			Environment: os.Getenv("AXON_ENVIRONMENT"),
			Engine:      engine.Config{},
		},
	)

	pools := make([]*queue.WorkerPool, 0, len(task.Types()))
	for _, tt := range task.Types() {
		pool := queue.NewWorkerPool(broker, queue.PoolConfig{
			TaskType:          tt,
			Size:              cfg.PoolSize(tt),
			MemoryBudgetBytes: cfg.WorkerMemoryBudget(),
			ClaimMinIdle:      cfg.ClaimMinIdle(),
		}, w.Handler(), metrics)
		if err := pool.Start(ctx); err != nil {
			cancel()
			return exitErr(exitDependency, fmt.Errorf("worker pool %s: %w", tt, err))
		}
		pools = append(pools, pool)
	}

	go purgeSessionsLoop(ctx, sessions, cfg.SessionRetention(), logger)

	dispatcher := queue.NewDispatcher(broker).WithDefaultMaxSteps(cfg.StepCapDefault)
	srv := server.New(cfg.HTTPAddr, dispatcher, orchestrator.Registry, metrics)
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start() }()

	var runtimeErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		runtimeErr = err
		cancel()
	}

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	for _, pool := range pools {
		pool.Wait()
	}
	orchestrator.Shutdown()
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown", "error", err)
	}

	if runtimeErr != nil {
		return exitErr(exitRuntime, fmt.Errorf("http server: %w", runtimeErr))
	}
	return nil
}

func buildLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLMProvider {
	case "openai", "":
		base, err := llm.NewOpenAIClient(llm.OpenAIConfig{
			BaseURL: cfg.LLMBaseURL,
			APIKey:  cfg.LLMAPIKey,
			Model:   cfg.LLMModel,
		})
		if err != nil {
			return nil, fmt.Errorf("llm client: %w", err)
		}
		return llm.NewRetryClient(base, llm.DefaultRetryConfig()), nil
	case "mock":
		// Development mode: answers every task without a provider.
		return &llm.MockClient{Responses: []string{"<answer>mock provider is configured; no model is attached</answer>"}}, nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLMProvider)
	}
}

// purgeSessionsLoop enforces the session retention horizon once an hour.
func purgeSessionsLoop(ctx context.Context, sessions *session.Manager, retention time.Duration, logger *observability.Logger) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := sessions.Purge(ctx, time.Now().Add(-retention))
			if err != nil {
				logger.Warn("session purge failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("purged expired sessions", "count", n)
			}
		}
	}
}
