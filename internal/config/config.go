// Package config loads the orchestrator configuration from config.yaml and
// ORCH_-prefixed environment variables. Configuration is read once at
// startup and treated as read-only afterwards.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultPath is used when Load is called with an empty path.
const DefaultPath = "config.yaml"

// EnvPrefix is the prefix for environment overrides. Nested keys use a
// double underscore: ORCH_RAG__TOP_K=8.
const EnvPrefix = "ORCH_"

type Config struct {
	Providers    []ProviderConfig   `koanf:"providers" validate:"dive"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
	RAG          RAGConfig          `koanf:"rag"`
	Cost         CostConfig         `koanf:"cost"`
	Storage      StorageConfig      `koanf:"storage"`
	Logging      LoggingConfig      `koanf:"logging"`
	Telemetry    TelemetryConfig    `koanf:"telemetry"`
}

type ProviderConfig struct {
	Name    string        `koanf:"name" validate:"required"`
	Type    string        `koanf:"type" validate:"required"`
	APIKey  string        `koanf:"api_key"`
	BaseURL string        `koanf:"base_url" validate:"omitempty,url"`
	Timeout time.Duration `koanf:"timeout" validate:"gte=0"`
	Models  []ModelConfig `koanf:"models" validate:"required,min=1,dive"`
}

type ModelConfig struct {
	ID string `koanf:"id" validate:"required"`
	// UpstreamModel is the name sent to the vendor. Defaults to ID.
	UpstreamModel     string        `koanf:"upstream_model"`
	Aliases           []string      `koanf:"aliases"`
	ContextWindow     int           `koanf:"context_window" validate:"gt=0"`
	MaxOutputTokens   int           `koanf:"max_output_tokens" validate:"gte=0"`
	SupportsTools     bool          `koanf:"supports_tools"`
	SupportsStreaming *bool         `koanf:"supports_streaming"`
	Pricing           PricingConfig `koanf:"pricing"`
}

// Upstream returns the vendor-facing model name.
func (m ModelConfig) Upstream() string {
	if m.UpstreamModel != "" {
		return m.UpstreamModel
	}
	return m.ID
}

// StreamingEnabled reports streaming support; models stream unless disabled.
func (m ModelConfig) StreamingEnabled() bool {
	return m.SupportsStreaming == nil || *m.SupportsStreaming
}

type PricingConfig struct {
	InputPer1K  float64 `koanf:"input_per_1k" validate:"gte=0"`
	OutputPer1K float64 `koanf:"output_per_1k" validate:"gte=0"`
}

type OrchestratorConfig struct {
	MaxToolIterations int           `koanf:"max_tool_iterations" validate:"gt=0"`
	ToolTimeout       time.Duration `koanf:"tool_timeout" validate:"gt=0"`
	RequestTimeout    time.Duration `koanf:"request_timeout" validate:"gte=0"`
	Retry             RetryConfig   `koanf:"retry"`
}

type RetryConfig struct {
	MaxAttempts int           `koanf:"max_attempts" validate:"gt=0"`
	BaseDelay   time.Duration `koanf:"base_delay" validate:"gt=0"`
	MaxDelay    time.Duration `koanf:"max_delay" validate:"gtefield=BaseDelay"`
}

type RAGConfig struct {
	TopK int `koanf:"top_k" validate:"gt=0"`
	// BudgetTokens caps the context message size. Zero derives the budget
	// from the model's context window.
	BudgetTokens int           `koanf:"budget_tokens" validate:"gte=0"`
	SafetyMargin int           `koanf:"safety_margin" validate:"gte=0"`
	Timeout      time.Duration `koanf:"timeout" validate:"gt=0"`
}

type CostConfig struct {
	FlushInterval time.Duration `koanf:"flush_interval" validate:"gt=0"`
}

type StorageConfig struct {
	Type   string       `koanf:"type" validate:"oneof=memory sqlite"`
	SQLite SQLiteConfig `koanf:"sqlite"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json text"`
	// File enables rotating file output instead of stderr.
	File       string `koanf:"file"`
	MaxSizeMB  int    `koanf:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `koanf:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `koanf:"max_age_days" validate:"gte=0"`
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

var defaults = map[string]any{
	"orchestrator.max_tool_iterations": 5,
	"orchestrator.tool_timeout":        "30s",
	"orchestrator.retry.max_attempts":  3,
	"orchestrator.retry.base_delay":    "200ms",
	"orchestrator.retry.max_delay":     "5s",
	"rag.top_k":                        5,
	"rag.safety_margin":                256,
	"rag.timeout":                      "5s",
	"cost.flush_interval":              "30s",
	"storage.type":                     "memory",
	"storage.sqlite.path":              "./data/usage.db",
	"logging.level":                    "info",
	"logging.format":                   "json",
	"logging.max_size_mb":              50,
	"logging.max_backups":              3,
	"logging.max_age_days":             28,
	"telemetry.service_name":           "polyglot-orchestrator",
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

var validate = validator.New()

// Load reads path (DefaultPath when empty), applies environment overrides
// and defaults, then validates the result. A missing file is not an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}

	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			if err := k.Set(key, value); err != nil {
				return nil, fmt.Errorf("set default %s: %w", key, err)
			}
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	for i := range cfg.Providers {
		cfg.Providers[i].APIKey = substituteEnvVars(cfg.Providers[i].APIKey)
		cfg.Providers[i].BaseURL = substituteEnvVars(cfg.Providers[i].BaseURL)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks struct constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	names := make(map[string]struct{}, len(c.Providers))
	for _, p := range c.Providers {
		if _, dup := names[p.Name]; dup {
			return fmt.Errorf("invalid config: duplicate provider name %q", p.Name)
		}
		names[p.Name] = struct{}{}
	}

	if c.Storage.Type == "sqlite" && c.Storage.SQLite.Path == "" {
		return fmt.Errorf("invalid config: storage.sqlite.path is required for sqlite storage")
	}
	return nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
