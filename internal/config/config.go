package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Artifact  ArtifactConfig  `yaml:"artifact" mapstructure:"artifact"`
	ERP       ERPConfig       `yaml:"erp" mapstructure:"erp"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	DocAI     DocAIConfig     `yaml:"docai" mapstructure:"docai"`
	OCR       OCRConfig       `yaml:"ocr" mapstructure:"ocr"`
	Decompose DecomposeConfig `yaml:"decompose" mapstructure:"decompose"`
	Context   ContextConfig   `yaml:"context" mapstructure:"context"`
	Merge     MergeConfig     `yaml:"merge" mapstructure:"merge"`
	Compare   CompareConfig   `yaml:"compare" mapstructure:"compare"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Events    EventsConfig    `yaml:"events" mapstructure:"events"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the run/item state store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ArtifactConfig configures the append-only artifact store.
type ArtifactConfig struct {
	Backend string `yaml:"backend" mapstructure:"backend"` // "fs" or "gcs"
	Root    string `yaml:"root" mapstructure:"root"`
	Bucket  string `yaml:"bucket" mapstructure:"bucket"`
}

// ERPConfig holds the internal ERP API client settings.
type ERPConfig struct {
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url"`
	Email       string  `yaml:"email" mapstructure:"email"`
	Password    string  `yaml:"password" mapstructure:"password"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries  int     `yaml:"max_retries" mapstructure:"max_retries"`
	RatePerSec  float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
}

// AnthropicConfig holds Anthropic API settings for the LLM backend.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// DocAIConfig holds the document-AI layout model settings.
type DocAIConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Key     string `yaml:"key" mapstructure:"key"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// OCRConfig configures text extraction for image units.
type OCRConfig struct {
	Provider     string `yaml:"provider" mapstructure:"provider"` // "tesseract" or "mistral"
	Languages    string `yaml:"languages" mapstructure:"languages"`
	MistralKey   string `yaml:"mistral_api_key" mapstructure:"mistral_api_key"`
	MistralModel string `yaml:"mistral_ocr_model" mapstructure:"mistral_ocr_model"`
}

// DecomposeConfig configures document decomposition.
type DecomposeConfig struct {
	// MaxDepth bounds recursive container decomposition; attachments beyond
	// it fail with a depth-exceeded unit error instead of recursing.
	MaxDepth int `yaml:"max_depth" mapstructure:"max_depth"`
	// DPI controls PDF page rendering resolution.
	DPI int `yaml:"dpi" mapstructure:"dpi"`
}

// ContextConfig configures context building.
type ContextConfig struct {
	MaxBytes int `yaml:"max_bytes" mapstructure:"max_bytes"`
}

// MergeConfig configures the reconciliation engine. Divergence thresholds
// and backend priorities are operational knobs, never hard-coded.
type MergeConfig struct {
	// DivergenceTolerance is the absolute tolerance for currency fields.
	DivergenceTolerance float64 `yaml:"divergence_tolerance" mapstructure:"divergence_tolerance"`
	// RelativeTolerance applies to other numeric fields as a fraction.
	RelativeTolerance float64 `yaml:"relative_tolerance" mapstructure:"relative_tolerance"`
	// Priority ranks backend classes; higher wins. Defaults: llm=2, docai=1.
	Priority map[string]int `yaml:"priority" mapstructure:"priority"`
}

// CompareConfig configures the comparator.
type CompareConfig struct {
	// Tolerance for numeric baseline comparison. Zero means exact.
	Tolerance float64 `yaml:"tolerance" mapstructure:"tolerance"`
}

// PipelineConfig configures orchestration.
type PipelineConfig struct {
	// Concurrency is the default global cap on in-flight backend calls.
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency"`
	// ItemConcurrency caps items processed concurrently within a run.
	ItemConcurrency int `yaml:"item_concurrency" mapstructure:"item_concurrency"`
	// BackendTimeoutSecs is the per-backend-call timeout.
	BackendTimeoutSecs int `yaml:"backend_timeout_secs" mapstructure:"backend_timeout_secs"`
	// BackendRPS caps backend calls per second across the run. Zero means
	// unlimited.
	BackendRPS float64 `yaml:"backend_rps" mapstructure:"backend_rps"`
	// AutoApproveThreshold is the minimum winning confidence for an item to
	// complete without review when no flags were raised.
	AutoApproveThreshold float64 `yaml:"auto_approve_threshold" mapstructure:"auto_approve_threshold"`
	// PresetPath points at the YAML backend preset file.
	PresetPath string `yaml:"preset_path" mapstructure:"preset_path"`
}

// EventsConfig configures the progress event bus.
type EventsConfig struct {
	BufferSize int `yaml:"buffer_size" mapstructure:"buffer_size"`
}

// ServerConfig configures the status HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("EXPENSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "expense.db")
	v.SetDefault("artifact.backend", "fs")
	v.SetDefault("artifact.root", "artifacts")
	v.SetDefault("erp.timeout_secs", 30)
	v.SetDefault("erp.max_retries", 3)
	v.SetDefault("erp.rate_per_sec", 5)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("docai.enabled", true)
	v.SetDefault("docai.model", "layout-base")
	v.SetDefault("ocr.provider", "tesseract")
	v.SetDefault("ocr.languages", "eng")
	v.SetDefault("ocr.mistral_ocr_model", "pixtral-large-latest")
	v.SetDefault("decompose.max_depth", 3)
	v.SetDefault("decompose.dpi", 200)
	v.SetDefault("context.max_bytes", 262144)
	v.SetDefault("merge.divergence_tolerance", 0.01)
	v.SetDefault("merge.relative_tolerance", 0.005)
	v.SetDefault("merge.priority", map[string]int{"llm": 2, "docai": 1})
	v.SetDefault("compare.tolerance", 0.0)
	v.SetDefault("pipeline.concurrency", 8)
	v.SetDefault("pipeline.item_concurrency", 4)
	v.SetDefault("pipeline.backend_timeout_secs", 60)
	v.SetDefault("pipeline.backend_rps", 0.0)
	v.SetDefault("pipeline.auto_approve_threshold", 0.9)
	v.SetDefault("events.buffer_size", 64)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
