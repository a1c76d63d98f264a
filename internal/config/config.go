package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/real2ai/contract-cli/internal/cost"
)

// Config holds the full application configuration.
type Config struct {
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Gemini     GeminiConfig     `yaml:"gemini" mapstructure:"gemini"`
	LLM        LLMConfig        `yaml:"llm" mapstructure:"llm"`
	Workflow   WorkflowConfig   `yaml:"workflow" mapstructure:"workflow"`
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Pricing    cost.Rates       `yaml:"pricing" mapstructure:"pricing"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Tracing    TracingConfig    `yaml:"tracing" mapstructure:"tracing"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key      string `yaml:"key" mapstructure:"key"`
	BaseURL  string `yaml:"base_url" mapstructure:"base_url"`
	CacheTTL string `yaml:"cache_ttl" mapstructure:"cache_ttl"`
}

// GeminiConfig holds Gemini API settings. Gemini is optional; without a key,
// nodes routed to gemini-* models fail permanently.
type GeminiConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// LLMConfig bounds model traffic shared by every run in the process.
type LLMConfig struct {
	DefaultModel      string  `yaml:"default_model" mapstructure:"default_model"`
	MaxTokens         int     `yaml:"max_tokens" mapstructure:"max_tokens"`
	MaxInFlight       int64   `yaml:"max_in_flight" mapstructure:"max_in_flight"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int     `yaml:"burst" mapstructure:"burst"`
	CircuitThreshold  int     `yaml:"circuit_threshold" mapstructure:"circuit_threshold"`
	CircuitResetSecs  int     `yaml:"circuit_reset_secs" mapstructure:"circuit_reset_secs"`
}

// WorkflowConfig configures the orchestrator and per-node retries.
type WorkflowConfig struct {
	PackDir        string        `yaml:"pack_dir" mapstructure:"pack_dir"`
	MaxConcurrency int           `yaml:"max_concurrency" mapstructure:"max_concurrency"`
	MaxRetries     int           `yaml:"max_retries" mapstructure:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`
	NodeTimeout    time.Duration `yaml:"node_timeout" mapstructure:"node_timeout"`
	RunTimeout     time.Duration `yaml:"run_timeout" mapstructure:"run_timeout"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	JWTSecret      string   `yaml:"jwt_secret" mapstructure:"jwt_secret"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// MonitoringConfig configures background health checks and alerting.
type MonitoringConfig struct {
	Enabled                  bool    `yaml:"enabled" mapstructure:"enabled"`
	FailureRateThreshold     float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	IncoherenceRateThreshold float64 `yaml:"incoherence_rate_threshold" mapstructure:"incoherence_rate_threshold"`
	CostThresholdUSD         float64 `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
	WebhookURL               string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs        int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours      int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
}

// TracingConfig configures OpenTelemetry span export. Spans are written as
// JSON to stderr by the stdout exporter.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" mapstructure:"enabled"`
	Exporter     string  `yaml:"exporter" mapstructure:"exporter"`
	SamplingRate float64 `yaml:"sampling_rate" mapstructure:"sampling_rate"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("REAL2")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.base_url", "")
	v.SetDefault("anthropic.cache_ttl", "5m")
	v.SetDefault("gemini.key", "")
	v.SetDefault("gemini.base_url", "")
	v.SetDefault("llm.default_model", "")
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.max_in_flight", 8)
	v.SetDefault("llm.requests_per_second", 4)
	v.SetDefault("llm.burst", 4)
	v.SetDefault("llm.circuit_threshold", 5)
	v.SetDefault("llm.circuit_reset_secs", 30)
	v.SetDefault("workflow.pack_dir", "")
	v.SetDefault("workflow.max_concurrency", 5)
	v.SetDefault("workflow.max_retries", 2)
	v.SetDefault("workflow.initial_backoff", "1s")
	v.SetDefault("workflow.max_backoff", "30s")
	v.SetDefault("workflow.node_timeout", "120s")
	v.SetDefault("workflow.run_timeout", "15m")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "real2.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.failure_rate_threshold", 0.2)
	v.SetDefault("monitoring.incoherence_rate_threshold", 0.5)
	v.SetDefault("monitoring.cost_threshold_usd", 50.0)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.exporter", "stdout")
	v.SetDefault("tracing.sampling_rate", 1.0)

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
	cfg.Pricing = mergeRates(cost.DefaultRates(), cfg.Pricing)

	return &cfg, nil
}

// mergeRates overlays configured per-model rates on the defaults.
func mergeRates(base, over cost.Rates) cost.Rates {
	for id, r := range over.Anthropic {
		base.Anthropic[id] = r
	}
	for id, r := range over.Gemini {
		base.Gemini[id] = r
	}
	return base
}

// Command modes accepted by Validate.
const (
	ModeAnalyze = "analyze"
	ModeServe   = "serve"
	ModeStore   = "store"
)

// Validate checks the keys a command mode needs and the bounds every mode
// shares. All problems are reported together.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case ModeAnalyze:
		errs = append(errs, c.validateLLM()...)
	case ModeServe:
		errs = append(errs, c.validateLLM()...)
		errs = append(errs, c.validateStore()...)
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, "server.port must be > 0 and <= 65535")
		}
		if c.Server.JWTSecret != "" && len(c.Server.JWTSecret) < 32 {
			errs = append(errs, "server.jwt_secret must be at least 32 bytes")
		}
	case ModeStore:
		errs = append(errs, c.validateStore()...)
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Workflow.MaxConcurrency < 1 || c.Workflow.MaxConcurrency > 64 {
		errs = append(errs, "workflow.max_concurrency must be between 1 and 64")
	}
	if c.Workflow.MaxRetries < 0 || c.Workflow.MaxRetries > 10 {
		errs = append(errs, "workflow.max_retries must be between 0 and 10")
	}
	if c.Workflow.InitialBackoff > 0 && c.Workflow.MaxBackoff > 0 && c.Workflow.InitialBackoff > c.Workflow.MaxBackoff {
		errs = append(errs, "workflow.initial_backoff must not exceed workflow.max_backoff")
	}
	if c.Workflow.NodeTimeout < 0 || c.Workflow.RunTimeout < 0 {
		errs = append(errs, "workflow timeouts must not be negative")
	}
	if c.Tracing.Enabled {
		if c.Tracing.Exporter != "stdout" {
			errs = append(errs, "tracing.exporter must be stdout")
		}
		if c.Tracing.SamplingRate <= 0 || c.Tracing.SamplingRate > 1 {
			errs = append(errs, "tracing.sampling_rate must be > 0 and <= 1")
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateLLM() []string {
	var errs []string
	if c.Anthropic.Key == "" && c.Gemini.Key == "" {
		errs = append(errs, "anthropic.key or gemini.key is required")
	}
	if c.LLM.MaxInFlight < 0 {
		errs = append(errs, "llm.max_in_flight must not be negative")
	}
	if c.LLM.RequestsPerSecond < 0 {
		errs = append(errs, "llm.requests_per_second must not be negative")
	}
	return errs
}

func (c *Config) validateStore() []string {
	var errs []string
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, "store.driver must be sqlite or postgres")
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}
	return errs
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
