// Package config loads runtime configuration from defaults, an optional YAML
// file, and LOOM_-prefixed environment variables, in that precedence order.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full tunable surface of the orchestrator.
type Config struct {
	// Driver loop
	MaxIterationsPerRun  int `mapstructure:"max_iterations_per_run"`
	MaxIterationsPerTask int `mapstructure:"max_iterations_per_task"`

	// Tools
	ToolCallTimeoutS  int `mapstructure:"tool_call_timeout_s"`
	ToolMaxRetries    int `mapstructure:"tool_max_retries"`
	ToolCacheMaxSize  int `mapstructure:"tool_cache_max_size"`
	ToolCacheTTLS     int `mapstructure:"tool_cache_ttl_s"`

	// Checkpoints
	CheckpointInterval int `mapstructure:"checkpoint_interval"`
	MaxCheckpoints     int `mapstructure:"max_checkpoints"`

	// Behavioral rules
	FindingsRecordEveryNActions int     `mapstructure:"findings_record_every_n_actions"`
	StrikeThreshold             int     `mapstructure:"strike_threshold"`
	ContextSummaryTriggerRatio  float64 `mapstructure:"context_summary_trigger_ratio"`
	ContextWindowTokens         int     `mapstructure:"context_window_tokens"`

	// Sandbox pool
	SandboxPoolMax      int `mapstructure:"sandbox_pool_max"`
	SandboxPoolMin      int `mapstructure:"sandbox_pool_min"`
	SandboxIdleTimeoutS int `mapstructure:"sandbox_idle_timeout_s"`
	SandboxMaxUseCount  int `mapstructure:"sandbox_max_use_count"`

	// Router
	SkillConfidenceThreshold float64 `mapstructure:"skill_confidence_threshold"`
	StructuredTaskThreshold  float64 `mapstructure:"structured_task_threshold"`
	SkillsDir                string  `mapstructure:"skills_dir"`

	// Confirmation
	ConfirmationTimeoutS int `mapstructure:"confirmation_timeout_s"`

	// Planner
	PlannerMaxRepairs      int `mapstructure:"planner_max_repairs"`
	PlannerMaxReplans      int `mapstructure:"planner_max_replans"`
	TaskMaxRetries         int `mapstructure:"task_max_retries"`

	// Workspace
	WorkspaceRoot string `mapstructure:"workspace_root"`

	// LLM provider
	LLM LLMConfig `mapstructure:"llm"`

	// Logging
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	// Metrics
	MetricsEnabled bool `mapstructure:"metrics_enabled"`
	MetricsPort    int  `mapstructure:"metrics_port"`

	// Server
	ServerAddr string `mapstructure:"server_addr"`
}

// LLMConfig configures the chat-completion provider.
type LLMConfig struct {
	Provider   string            `mapstructure:"provider"` // openai-compatible
	Model      string            `mapstructure:"model"`
	APIKey     string            `mapstructure:"api_key"`
	BaseURL    string            `mapstructure:"base_url"`
	TimeoutS   int               `mapstructure:"timeout_s"`
	MaxRetries int               `mapstructure:"max_retries"`
	Headers    map[string]string `mapstructure:"headers"`
}

// ToolCallTimeout returns the per-call deadline as a duration.
func (c *Config) ToolCallTimeout() time.Duration {
	return time.Duration(c.ToolCallTimeoutS) * time.Second
}

// ConfirmationTimeout returns the HITL deadline as a duration.
func (c *Config) ConfirmationTimeout() time.Duration {
	return time.Duration(c.ConfirmationTimeoutS) * time.Second
}

// SandboxIdleTimeout returns the eviction deadline as a duration.
func (c *Config) SandboxIdleTimeout() time.Duration {
	return time.Duration(c.SandboxIdleTimeoutS) * time.Second
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("max_iterations_per_run", 50)
	v.SetDefault("max_iterations_per_task", 10)
	v.SetDefault("tool_call_timeout_s", 30)
	v.SetDefault("tool_max_retries", 3)
	v.SetDefault("tool_cache_max_size", 256)
	v.SetDefault("tool_cache_ttl_s", 300)
	v.SetDefault("checkpoint_interval", 5)
	v.SetDefault("max_checkpoints", 3)
	v.SetDefault("findings_record_every_n_actions", 2)
	v.SetDefault("strike_threshold", 3)
	v.SetDefault("context_summary_trigger_ratio", 0.70)
	v.SetDefault("context_window_tokens", 128000)
	v.SetDefault("sandbox_pool_max", 10)
	v.SetDefault("sandbox_pool_min", 2)
	v.SetDefault("sandbox_idle_timeout_s", 300)
	v.SetDefault("sandbox_max_use_count", 100)
	v.SetDefault("skill_confidence_threshold", 0.85)
	v.SetDefault("structured_task_threshold", 0.70)
	v.SetDefault("confirmation_timeout_s", 300)
	v.SetDefault("planner_max_repairs", 3)
	v.SetDefault("planner_max_replans", 2)
	v.SetDefault("task_max_retries", 3)
	v.SetDefault("workspace_root", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("metrics_enabled", false)
	v.SetDefault("metrics_port", 9464)
	v.SetDefault("server_addr", ":8700")
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.timeout_s", 120)
	v.SetDefault("llm.max_retries", 3)
}

// Load reads configuration. configPath may be empty, in which case only
// defaults and environment variables apply.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("LOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configPath, err)
		}
	} else {
		v.SetConfigName("loom")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.loom")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration without touching disk or env.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Validate rejects configurations the orchestrator cannot run with.
func (c *Config) Validate() error {
	if c.MaxIterationsPerRun <= 0 {
		return fmt.Errorf("max_iterations_per_run must be positive, got %d", c.MaxIterationsPerRun)
	}
	if c.MaxIterationsPerTask <= 0 {
		return fmt.Errorf("max_iterations_per_task must be positive, got %d", c.MaxIterationsPerTask)
	}
	if c.SandboxPoolMax < c.SandboxPoolMin {
		return fmt.Errorf("sandbox_pool_max (%d) must be >= sandbox_pool_min (%d)", c.SandboxPoolMax, c.SandboxPoolMin)
	}
	if c.ContextSummaryTriggerRatio <= 0 || c.ContextSummaryTriggerRatio > 1 {
		return fmt.Errorf("context_summary_trigger_ratio must be in (0,1], got %f", c.ContextSummaryTriggerRatio)
	}
	if c.SkillConfidenceThreshold < 0 || c.SkillConfidenceThreshold > 1 {
		return fmt.Errorf("skill_confidence_threshold must be in [0,1], got %f", c.SkillConfidenceThreshold)
	}
	if c.StructuredTaskThreshold < 0 || c.StructuredTaskThreshold > 1 {
		return fmt.Errorf("structured_task_threshold must be in [0,1], got %f", c.StructuredTaskThreshold)
	}
	return nil
}
