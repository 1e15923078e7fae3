// Package observability exposes runtime metrics over OpenTelemetry with a
// Prometheus scrape endpoint, plus tracing helpers.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"loom/internal/logging"
)

// MetricsCollector records run, model, and tool metrics. The zero value (or
// a disabled collector) is a safe no-op.
type MetricsCollector struct {
	meter metric.Meter

	runsStarted  metric.Int64Counter
	runsEnded    metric.Int64Counter
	runDuration  metric.Float64Histogram
	runsActive   metric.Int64UpDownCounter
	llmRequests  metric.Int64Counter
	tokensInput  metric.Int64Counter
	tokensOutput metric.Int64Counter
	toolCalls    metric.Int64Counter
	toolDuration metric.Float64Histogram
	checkpoints  metric.Int64Counter
	routerPicks  metric.Int64Counter

	server *http.Server
	logger logging.Logger
}

// MetricsConfig configures the collector.
type MetricsConfig struct {
	Enabled        bool
	PrometheusPort int
}

// NewMetricsCollector builds the collector and, when a port is configured,
// starts the Prometheus scrape server.
func NewMetricsCollector(config MetricsConfig, logger logging.Logger) (*MetricsCollector, error) {
	collector := &MetricsCollector{logger: logging.OrNop(logger)}
	if !config.Enabled {
		return collector, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	meter := provider.Meter("loom")
	collector.meter = meter

	if collector.runsStarted, err = meter.Int64Counter("loom.runs.started.total",
		metric.WithDescription("Runs started"), metric.WithUnit("{run}")); err != nil {
		return nil, err
	}
	if collector.runsEnded, err = meter.Int64Counter("loom.runs.ended.total",
		metric.WithDescription("Runs ended, labelled by terminal status"), metric.WithUnit("{run}")); err != nil {
		return nil, err
	}
	if collector.runDuration, err = meter.Float64Histogram("loom.run.duration",
		metric.WithDescription("Run wall-clock duration in seconds"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if collector.runsActive, err = meter.Int64UpDownCounter("loom.runs.active",
		metric.WithDescription("Currently active runs"), metric.WithUnit("{run}")); err != nil {
		return nil, err
	}
	if collector.llmRequests, err = meter.Int64Counter("loom.llm.requests.total",
		metric.WithDescription("Model completion requests"), metric.WithUnit("{request}")); err != nil {
		return nil, err
	}
	if collector.tokensInput, err = meter.Int64Counter("loom.llm.tokens.input",
		metric.WithDescription("Prompt tokens consumed"), metric.WithUnit("{token}")); err != nil {
		return nil, err
	}
	if collector.tokensOutput, err = meter.Int64Counter("loom.llm.tokens.output",
		metric.WithDescription("Completion tokens produced"), metric.WithUnit("{token}")); err != nil {
		return nil, err
	}
	if collector.toolCalls, err = meter.Int64Counter("loom.tool.calls.total",
		metric.WithDescription("Tool invocations, labelled by tool and status"), metric.WithUnit("{call}")); err != nil {
		return nil, err
	}
	if collector.toolDuration, err = meter.Float64Histogram("loom.tool.duration",
		metric.WithDescription("Tool invocation duration in seconds"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if collector.checkpoints, err = meter.Int64Counter("loom.checkpoints.written.total",
		metric.WithDescription("Checkpoints written"), metric.WithUnit("{checkpoint}")); err != nil {
		return nil, err
	}
	if collector.routerPicks, err = meter.Int64Counter("loom.router.decisions.total",
		metric.WithDescription("Routing decisions, labelled by path"), metric.WithUnit("{decision}")); err != nil {
		return nil, err
	}

	if config.PrometheusPort > 0 {
		collector.startServer(config.PrometheusPort)
	}
	return collector, nil
}

func (m *MetricsCollector) startServer(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promclient.Handler())
	m.server = &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		m.logger.Info("prometheus metrics listening on :%d", port)
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("prometheus server: %v", err)
		}
	}()
}

// Shutdown stops the scrape server.
func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	if m.server != nil {
		return m.server.Shutdown(ctx)
	}
	return nil
}

// RunStarted marks a new run.
func (m *MetricsCollector) RunStarted(ctx context.Context) {
	if m.runsStarted == nil {
		return
	}
	m.runsStarted.Add(ctx, 1)
	m.runsActive.Add(ctx, 1)
}

// RunEnded marks a run terminal, labelled with the done status.
func (m *MetricsCollector) RunEnded(ctx context.Context, status string, duration time.Duration) {
	if m.runsEnded == nil {
		return
	}
	m.runsEnded.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	m.runDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("status", status)))
	m.runsActive.Add(ctx, -1)
}

// RecordLLMRequest records one completion round trip.
func (m *MetricsCollector) RecordLLMRequest(ctx context.Context, model string, inputTokens, outputTokens int) {
	if m.llmRequests == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("model", model))
	m.llmRequests.Add(ctx, 1, attrs)
	m.tokensInput.Add(ctx, int64(inputTokens), attrs)
	m.tokensOutput.Add(ctx, int64(outputTokens), attrs)
}

// RecordToolCall records one tool invocation.
func (m *MetricsCollector) RecordToolCall(ctx context.Context, tool, status string, duration time.Duration) {
	if m.toolCalls == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("tool_name", tool),
		attribute.String("status", status),
	)
	m.toolCalls.Add(ctx, 1, attrs)
	m.toolDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordCheckpoint counts a written checkpoint.
func (m *MetricsCollector) RecordCheckpoint(ctx context.Context) {
	if m.checkpoints == nil {
		return
	}
	m.checkpoints.Add(ctx, 1)
}

// RecordRouterDecision counts one routing decision per path.
func (m *MetricsCollector) RecordRouterDecision(ctx context.Context, path string) {
	if m.routerPicks == nil {
		return
	}
	m.routerPicks.Add(ctx, 1, metric.WithAttributes(attribute.String("path", path)))
}
