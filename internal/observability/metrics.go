package observability

import (
	"fmt"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsCollector manages all metrics for the platform.
type MetricsCollector struct {
	meter metric.Meter

	// Task metrics
	tasksStarted   metric.Int64Counter
	tasksCompleted metric.Int64Counter
	stepsRecorded  metric.Int64Counter
	taskDuration   metric.Float64Histogram

	// LLM metrics
	llmTokensInput  metric.Int64Counter
	llmTokensOutput metric.Int64Counter
	llmCostMicros   metric.Int64Counter

	// Tool metrics
	toolInvocations metric.Int64Counter
	toolDuration    metric.Float64Histogram

	// Queue metrics
	tasksInFlight metric.Int64UpDownCounter
}

// MetricsConfig configures the metrics collector.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// NewMetricsCollector creates a new metrics collector backed by the
// Prometheus exporter. When disabled, every recording method is a no-op.
func NewMetricsCollector(config MetricsConfig) (*MetricsCollector, error) {
	if !config.Enabled {
		return &MetricsCollector{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	meter := provider.Meter("axon")

	m := &MetricsCollector{meter: meter}

	if m.tasksStarted, err = meter.Int64Counter(
		"axon.tasks.started.total",
		metric.WithDescription("Tasks leased from the queue"),
	); err != nil {
		return nil, err
	}
	if m.tasksCompleted, err = meter.Int64Counter(
		"axon.tasks.completed.total",
		metric.WithDescription("Tasks finalized, by outcome status"),
	); err != nil {
		return nil, err
	}
	if m.stepsRecorded, err = meter.Int64Counter(
		"axon.steps.recorded.total",
		metric.WithDescription("Trajectory steps recorded, by kind"),
	); err != nil {
		return nil, err
	}
	if m.taskDuration, err = meter.Float64Histogram(
		"axon.task.duration.seconds",
		metric.WithDescription("Wall-clock duration of finalized tasks"),
	); err != nil {
		return nil, err
	}
	if m.llmTokensInput, err = meter.Int64Counter(
		"axon.llm.tokens.input",
		metric.WithDescription("Prompt tokens consumed"),
	); err != nil {
		return nil, err
	}
	if m.llmTokensOutput, err = meter.Int64Counter(
		"axon.llm.tokens.output",
		metric.WithDescription("Completion tokens consumed"),
	); err != nil {
		return nil, err
	}
	if m.llmCostMicros, err = meter.Int64Counter(
		"axon.llm.cost.micros",
		metric.WithDescription("Accumulated provider cost in micro-dollars"),
	); err != nil {
		return nil, err
	}
	if m.toolInvocations, err = meter.Int64Counter(
		"axon.tool.invocations.total",
		metric.WithDescription("Tool invocations, by server and status"),
	); err != nil {
		return nil, err
	}
	if m.toolDuration, err = meter.Float64Histogram(
		"axon.tool.duration.seconds",
		metric.WithDescription("Tool RPC latency"),
	); err != nil {
		return nil, err
	}
	if m.tasksInFlight, err = meter.Int64UpDownCounter(
		"axon.tasks.inflight",
		metric.WithDescription("Tasks currently held by workers"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// Handler returns the Prometheus scrape handler.
func (m *MetricsCollector) Handler() http.Handler {
	return promclient.Handler()
}

// TaskStarted records a leased task.
func (m *MetricsCollector) TaskStarted(taskType string) {
	if m.tasksStarted == nil {
		return
	}
	ctx := contextBackground()
	m.tasksStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("task_type", taskType)))
	m.tasksInFlight.Add(ctx, 1)
}

// TaskCompleted records a finalized task.
func (m *MetricsCollector) TaskCompleted(taskType, status string, durationSeconds float64) {
	if m.tasksCompleted == nil {
		return
	}
	ctx := contextBackground()
	attrs := metric.WithAttributes(
		attribute.String("task_type", taskType),
		attribute.String("status", status),
	)
	m.tasksCompleted.Add(ctx, 1, attrs)
	m.taskDuration.Record(ctx, durationSeconds, attrs)
	m.tasksInFlight.Add(ctx, -1)
}

// StepRecorded records one trajectory step.
func (m *MetricsCollector) StepRecorded(kind string) {
	if m.stepsRecorded == nil {
		return
	}
	m.stepsRecorded.Add(contextBackground(), 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// TokensUsed records provider token and cost figures for one turn.
func (m *MetricsCollector) TokensUsed(tokensIn, tokensOut int, costMicros int64) {
	if m.llmTokensInput == nil {
		return
	}
	ctx := contextBackground()
	m.llmTokensInput.Add(ctx, int64(tokensIn))
	m.llmTokensOutput.Add(ctx, int64(tokensOut))
	m.llmCostMicros.Add(ctx, costMicros)
}

// ToolInvoked records one tool RPC.
func (m *MetricsCollector) ToolInvoked(serverID, status string, durationSeconds float64) {
	if m.toolInvocations == nil {
		return
	}
	ctx := contextBackground()
	attrs := metric.WithAttributes(
		attribute.String("server_id", serverID),
		attribute.String("status", status),
	)
	m.toolInvocations.Add(ctx, 1, attrs)
	m.toolDuration.Record(ctx, durationSeconds, attrs)
}
