package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 50, cfg.MaxIterationsPerRun)
	assert.Equal(t, 10, cfg.MaxIterationsPerTask)
	assert.Equal(t, 30*time.Second, cfg.ToolCallTimeout())
	assert.Equal(t, 5, cfg.CheckpointInterval)
	assert.Equal(t, 3, cfg.MaxCheckpoints)
	assert.Equal(t, 2, cfg.FindingsRecordEveryNActions)
	assert.Equal(t, 3, cfg.StrikeThreshold)
	assert.Equal(t, 10, cfg.SandboxPoolMax)
	assert.Equal(t, 2, cfg.SandboxPoolMin)
	assert.Equal(t, 300*time.Second, cfg.SandboxIdleTimeout())
	assert.InDelta(t, 0.85, cfg.SkillConfidenceThreshold, 1e-9)
	assert.InDelta(t, 0.70, cfg.StructuredTaskThreshold, 1e-9)
	assert.InDelta(t, 0.70, cfg.ContextSummaryTriggerRatio, 1e-9)
	assert.Equal(t, 300*time.Second, cfg.ConfirmationTimeout())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"max_iterations_per_run: 20\nsandbox_pool_max: 4\nllm:\n  model: test-model\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.MaxIterationsPerRun)
	assert.Equal(t, 4, cfg.SandboxPoolMax)
	assert.Equal(t, "test-model", cfg.LLM.Model)
	// Untouched values keep defaults.
	assert.Equal(t, 10, cfg.MaxIterationsPerTask)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.MaxIterationsPerRun = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.SandboxPoolMax = 1
	cfg.SandboxPoolMin = 2
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.ContextSummaryTriggerRatio = 1.5
	assert.Error(t, cfg.Validate())
}
