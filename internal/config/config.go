package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for Loom.
type Config struct {
	Database      DatabaseConfig      `yaml:"database"`
	LLM           LLMConfig           `yaml:"llm"`
	Session       SessionConfig       `yaml:"session"`
	Tools         ToolsConfig         `yaml:"tools"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type DatabaseConfig struct {
	// Driver is "memory", "sqlite" or "postgres".
	Driver          string        `yaml:"driver"`
	URL             string        `yaml:"url"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`
}

type LLMProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`
	BaseURL      string `yaml:"base_url"`
}

type SessionConfig struct {
	// MaxSteps caps generation steps per run before the loop is cut off.
	MaxSteps int `yaml:"max_steps"`

	// StepTimeout bounds a single provider generation step.
	StepTimeout time.Duration `yaml:"step_timeout"`

	// ToolTimeout bounds a single tool execution.
	ToolTimeout time.Duration `yaml:"tool_timeout"`

	// PersistQueueSize bounds the async persistence queue. When the queue
	// is full, writes fall back to synchronous mode.
	PersistQueueSize int `yaml:"persist_queue_size"`

	// SystemPrompt is sent on every generation request. Empty selects the
	// built-in agent prompt.
	SystemPrompt string `yaml:"system_prompt"`
}

type ToolsConfig struct {
	// WorkspaceRoot is the default project root for file and shell tools
	// when a session does not specify one.
	WorkspaceRoot string `yaml:"workspace_root"`

	// BashEnabled gates shell command execution.
	BashEnabled bool `yaml:"bash_enabled"`

	// AutoApprove skips the approval prompt for approval-tier tool calls.
	AutoApprove bool `yaml:"auto_approve"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ObservabilityConfig struct {
	// MetricsAddr is the listen address for the Prometheus endpoint.
	// Empty disables the metrics server.
	MetricsAddr string `yaml:"metrics_addr"`

	// TraceEndpoint is the OTLP gRPC collector endpoint. Empty disables
	// trace export.
	TraceEndpoint string  `yaml:"trace_endpoint"`
	TraceSampling float64 `yaml:"trace_sampling"`
	TraceInsecure bool    `yaml:"trace_insecure"`
}

// defaultSystemPrompt steers the model through the tool-using step loop
// when no prompt is configured.
const defaultSystemPrompt = `You are a coding agent working inside the user's project workspace.
Use the available tools to inspect and change files, and run commands when needed.
Report intermediate status with progress_update. When the task is complete,
call finish with a short summary of what was done.`

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

// Default returns a configuration with all defaults applied and no file
// loaded. Used when no config path is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "memory"
	}
	if cfg.Database.MaxConnections == 0 {
		cfg.Database.MaxConnections = 25
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.LLM.DefaultProvider == "" {
		cfg.LLM.DefaultProvider = "anthropic"
	}
	if cfg.LLM.Providers == nil {
		cfg.LLM.Providers = map[string]LLMProviderConfig{}
	}
	if _, ok := cfg.LLM.Providers["anthropic"]; !ok {
		cfg.LLM.Providers["anthropic"] = LLMProviderConfig{
			APIKey:       os.Getenv("ANTHROPIC_API_KEY"),
			DefaultModel: "claude-sonnet-4-20250514",
		}
	}
	if _, ok := cfg.LLM.Providers["openai"]; !ok {
		cfg.LLM.Providers["openai"] = LLMProviderConfig{
			APIKey:       os.Getenv("OPENAI_API_KEY"),
			DefaultModel: "gpt-4o",
		}
	}
	if cfg.Session.MaxSteps == 0 {
		cfg.Session.MaxSteps = 50
	}
	if cfg.Session.StepTimeout == 0 {
		cfg.Session.StepTimeout = 10 * time.Minute
	}
	if cfg.Session.ToolTimeout == 0 {
		cfg.Session.ToolTimeout = 5 * time.Minute
	}
	if cfg.Session.PersistQueueSize == 0 {
		cfg.Session.PersistQueueSize = 1024
	}
	if cfg.Session.SystemPrompt == "" {
		cfg.Session.SystemPrompt = defaultSystemPrompt
	}
	if cfg.Tools.WorkspaceRoot == "" {
		if wd, err := os.Getwd(); err == nil {
			cfg.Tools.WorkspaceRoot = wd
		}
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Observability.TraceSampling == 0 {
		cfg.Observability.TraceSampling = 1.0
	}
}
