package main

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"loom/internal/checkpoint"
	"loom/internal/config"
	"loom/internal/errs"
	"loom/internal/llm"
	"loom/internal/logging"
	"loom/internal/memory"
	"loom/internal/observability"
	"loom/internal/orchestrator"
	"loom/internal/planner"
	"loom/internal/router"
	"loom/internal/sandbox"
	"loom/internal/toolregistry"
	"loom/internal/toolregistry/builtin"
)

// runtime is the wired application: every service the commands need.
type runtime struct {
	cfg      *config.Config
	orch     *orchestrator.Orchestrator
	registry *toolregistry.Registry
	pool     *sandbox.Pool
	metrics  *observability.MetricsCollector
}

func buildRuntime(cfg *config.Config) (*runtime, error) {
	workspaceRoot := cfg.WorkspaceRoot
	if workspaceRoot == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		workspaceRoot = filepath.Join(home, ".loom")
	}

	store, err := memory.NewStore(workspaceRoot, "default", logging.NewComponentLogger("memory"))
	if err != nil {
		return nil, err
	}

	registry := toolregistry.NewRegistry(logging.NewComponentLogger("tools"))
	if err := builtin.RegisterAll(registry, workspaceRoot, store, logging.NewComponentLogger("tools")); err != nil {
		return nil, err
	}
	invoker, err := toolregistry.NewCachingInvoker(registry, toolregistry.CacheConfig{
		MaxSize: cfg.ToolCacheMaxSize,
		TTL:     time.Duration(cfg.ToolCacheTTLS) * time.Second,
	}, logging.NewComponentLogger("toolcache"))
	if err != nil {
		return nil, err
	}

	client := llm.WrapWithRetry(llm.NewOpenAIClient(llm.Config{
		Model:      cfg.LLM.Model,
		APIKey:     cfg.LLM.APIKey,
		BaseURL:    cfg.LLM.BaseURL,
		Timeout:    time.Duration(cfg.LLM.TimeoutS) * time.Second,
		Headers:    cfg.LLM.Headers,
		MaxRetries: cfg.LLM.MaxRetries,
	}), errs.RetryConfig{
		MaxAttempts:  cfg.LLM.MaxRetries,
		BaseDelay:    time.Second,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.25,
	})

	skills, err := router.LoadLibrary(cfg.SkillsDir, logging.NewComponentLogger("skills"))
	if err != nil {
		return nil, err
	}
	matcher, err := router.NewSkillMatcher(skills, nil, logging.NewComponentLogger("router"))
	if err != nil {
		return nil, err
	}
	rtr := router.New(matcher, logging.NewComponentLogger("router"))
	rtr.SetThresholds(cfg.SkillConfidenceThreshold, cfg.StructuredTaskThreshold)

	pool := sandbox.NewPool(
		sandbox.NewLocalLauncher("", logging.NewComponentLogger("sandbox")),
		sandbox.PoolConfig{
			Max:         cfg.SandboxPoolMax,
			MinWarm:     cfg.SandboxPoolMin,
			IdleTimeout: cfg.SandboxIdleTimeout(),
			MaxUseCount: cfg.SandboxMaxUseCount,
		},
		logging.NewComponentLogger("sandbox"),
	)

	metrics, err := observability.NewMetricsCollector(observability.MetricsConfig{
		Enabled:        cfg.MetricsEnabled,
		PrometheusPort: cfg.MetricsPort,
	}, logging.NewComponentLogger("metrics"))
	if err != nil {
		return nil, err
	}

	orch, err := orchestrator.New(orchestrator.Deps{
		Config:      cfg,
		Client:      client,
		Registry:    registry,
		Invoker:     invoker,
		Planner:     planner.New(client, registry, logging.NewComponentLogger("planner"), planner.WithMaxRepairs(cfg.PlannerMaxRepairs)),
		Router:      rtr,
		Store:       store,
		Checkpoints: checkpoint.NewManager(store, cfg.MaxCheckpoints, logging.NewComponentLogger("checkpoint")),
		Pool:        pool,
		Metrics:     metrics,
		Tracer:      observability.NewTracer(cfg.MetricsEnabled),
		Logger:      logging.NewComponentLogger("orchestrator"),
	})
	if err != nil {
		return nil, err
	}

	return &runtime{
		cfg:      cfg,
		orch:     orch,
		registry: registry,
		pool:     pool,
		metrics:  metrics,
	}, nil
}

func (r *runtime) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	r.pool.Close(ctx)
	_ = r.metrics.Shutdown(ctx)
}
