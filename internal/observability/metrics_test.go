package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledCollectorIsNoOp(t *testing.T) {
	collector, err := NewMetricsCollector(MetricsConfig{Enabled: false}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	collector.RunStarted(ctx)
	collector.RunEnded(ctx, "success", time.Second)
	collector.RecordLLMRequest(ctx, "gpt-4o", 100, 20)
	collector.RecordToolCall(ctx, "file_read", "success", 50*time.Millisecond)
	collector.RecordCheckpoint(ctx)
	collector.RecordRouterDecision(ctx, "reasoning")

	assert.NoError(t, collector.Shutdown(ctx))
}

func TestZeroValueCollectorIsSafe(t *testing.T) {
	var collector MetricsCollector

	ctx := context.Background()
	collector.RunStarted(ctx)
	collector.RunEnded(ctx, "failed", 0)
	collector.RecordToolCall(ctx, "search", "error", 0)
	assert.NoError(t, collector.Shutdown(ctx))
}

func TestEnabledCollectorRecords(t *testing.T) {
	collector, err := NewMetricsCollector(MetricsConfig{Enabled: true}, nil)
	require.NoError(t, err)
	defer collector.Shutdown(context.Background())

	ctx := context.Background()
	collector.RunStarted(ctx)
	collector.RecordLLMRequest(ctx, "test-model", 10, 5)
	collector.RecordToolCall(ctx, "file_write", "success", time.Millisecond)
	collector.RecordRouterDecision(ctx, "skill")
	collector.RunEnded(ctx, "success", 2*time.Second)
}
