// Package config loads webcheck configuration from config.yaml and the
// environment, and initializes the global logger.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Orchestrator OrchestratorConfig `yaml:"orchestrator" mapstructure:"orchestrator"`
	Validation   ValidationConfig   `yaml:"validation" mapstructure:"validation"`
	Browser      BrowserConfig      `yaml:"browser" mapstructure:"browser"`
	Jina         JinaConfig         `yaml:"jina" mapstructure:"jina"`
	Anthropic    AnthropicConfig    `yaml:"anthropic" mapstructure:"anthropic"`
	OCR          OCRConfig          `yaml:"ocr" mapstructure:"ocr"`
	Evidence     EvidenceConfig     `yaml:"evidence" mapstructure:"evidence"`
	Store        StoreConfig        `yaml:"store" mapstructure:"store"`
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Monitoring   MonitoringConfig   `yaml:"monitoring" mapstructure:"monitoring"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
}

// OrchestratorConfig configures admission, retry, and circuit behavior.
type OrchestratorConfig struct {
	MaxConcurrentTasks          int            `yaml:"max_concurrent_tasks" mapstructure:"max_concurrent_tasks"`
	PerRoleLimits               map[string]int `yaml:"per_role_limits" mapstructure:"per_role_limits"`
	TaskTimeoutMs               int            `yaml:"task_timeout_ms" mapstructure:"task_timeout_ms"`
	AdmissionTimeoutMs          int            `yaml:"admission_timeout_ms" mapstructure:"admission_timeout_ms"`
	RetryAttempts               int            `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	RetryBaseDelayMs            int            `yaml:"retry_base_delay_ms" mapstructure:"retry_base_delay_ms"`
	RetryMaxDelayMs             int            `yaml:"retry_max_delay_ms" mapstructure:"retry_max_delay_ms"`
	RetryJitter                 float64        `yaml:"retry_jitter" mapstructure:"retry_jitter"`
	CircuitBreakerThreshold     int            `yaml:"circuit_breaker_threshold" mapstructure:"circuit_breaker_threshold"`
	CircuitBreakerWindowSecs    int            `yaml:"circuit_breaker_window_secs" mapstructure:"circuit_breaker_window_secs"`
	CircuitBreakerCooldownMs    int            `yaml:"circuit_breaker_cooldown_ms" mapstructure:"circuit_breaker_cooldown_ms"`
	CircuitBreakerMaxCooldownMs int            `yaml:"circuit_breaker_max_cooldown_ms" mapstructure:"circuit_breaker_max_cooldown_ms"`
	ParallelWorkers             int            `yaml:"parallel_workers" mapstructure:"parallel_workers"`
	ShutdownTimeoutSecs         int            `yaml:"shutdown_timeout_secs" mapstructure:"shutdown_timeout_secs"`
}

// TaskTimeout returns the per-task execution budget.
func (o OrchestratorConfig) TaskTimeout() time.Duration {
	return time.Duration(o.TaskTimeoutMs) * time.Millisecond
}

// AdmissionTimeout returns how long a task may wait for a slot.
func (o OrchestratorConfig) AdmissionTimeout() time.Duration {
	return time.Duration(o.AdmissionTimeoutMs) * time.Millisecond
}

// ShutdownTimeout returns the graceful drain budget.
func (o OrchestratorConfig) ShutdownTimeout() time.Duration {
	return time.Duration(o.ShutdownTimeoutSecs) * time.Second
}

// ValidationConfig holds the confidence thresholds used by fusion.
type ValidationConfig struct {
	MinimumOverallConfidence float64 `yaml:"minimum_overall_confidence" mapstructure:"minimum_overall_confidence"`
	MinimumFieldConfidence   float64 `yaml:"minimum_field_confidence" mapstructure:"minimum_field_confidence"`
	OCRThreshold             float64 `yaml:"ocr_threshold" mapstructure:"ocr_threshold"`
	NumericTolerance         float64 `yaml:"numeric_tolerance" mapstructure:"numeric_tolerance"`
}

// BrowserConfig configures page loading.
type BrowserConfig struct {
	Engine       string  `yaml:"engine" mapstructure:"engine"`
	Headless     bool    `yaml:"headless" mapstructure:"headless"`
	ChromePath   string  `yaml:"chrome_path" mapstructure:"chrome_path"`
	ViewportW    int     `yaml:"viewport_width" mapstructure:"viewport_width"`
	ViewportH    int     `yaml:"viewport_height" mapstructure:"viewport_height"`
	UserAgent    string  `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs  int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RatePerSec   float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Screenshot   bool    `yaml:"screenshot" mapstructure:"screenshot"`
	MaxBodyBytes int64   `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
}

// JinaConfig holds Jina AI Reader settings.
type JinaConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// AnthropicConfig holds Anthropic API settings for the semantic judge.
type AnthropicConfig struct {
	Key         string `yaml:"key" mapstructure:"key"`
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	Model       string `yaml:"model" mapstructure:"model"`
	MaxTokens   int    `yaml:"max_tokens" mapstructure:"max_tokens"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// OCRConfig configures screenshot text extraction.
type OCRConfig struct {
	Provider      string `yaml:"provider" mapstructure:"provider"`
	TesseractPath string `yaml:"tesseract_path" mapstructure:"tesseract_path"`
	Language      string `yaml:"language" mapstructure:"language"`
	MistralKey    string `yaml:"mistral_key" mapstructure:"mistral_key"`
	MistralModel  string `yaml:"mistral_model" mapstructure:"mistral_model"`
}

// EvidenceConfig configures where evidence artifacts are written.
type EvidenceConfig struct {
	Dir     string `yaml:"dir" mapstructure:"dir"`
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	Path        string `yaml:"path" mapstructure:"path"`
	DLQMaxRetry int    `yaml:"dlq_max_retries" mapstructure:"dlq_max_retries"`
}

// ServerConfig configures the status server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// MonitoringConfig configures background health checks and alerting.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	IntervalSecs         int     `yaml:"interval_secs" mapstructure:"interval_secs"`
	LookbackHours        int     `yaml:"lookback_hours" mapstructure:"lookback_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	OpenCircuitThreshold int     `yaml:"open_circuit_threshold" mapstructure:"open_circuit_threshold"`
	DLQDepthThreshold    int     `yaml:"dlq_depth_threshold" mapstructure:"dlq_depth_threshold"`
	AlertCooldownMinutes int     `yaml:"alert_cooldown_minutes" mapstructure:"alert_cooldown_minutes"`
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
	v.SetEnvPrefix("WEBCHECK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("orchestrator.max_concurrent_tasks", 5)
	v.SetDefault("orchestrator.per_role_limits", map[string]int{
		"navigator":          2,
		"extractor":          4,
		"ocr_specialist":     1,
		"validator":          2,
		"evidence_collector": 2,
		"coordinator":        1,
	})
	v.SetDefault("orchestrator.task_timeout_ms", 30000)
	v.SetDefault("orchestrator.admission_timeout_ms", 60000)
	v.SetDefault("orchestrator.retry_attempts", 3)
	v.SetDefault("orchestrator.retry_base_delay_ms", 500)
	v.SetDefault("orchestrator.retry_max_delay_ms", 10000)
	v.SetDefault("orchestrator.retry_jitter", 0.25)
	v.SetDefault("orchestrator.circuit_breaker_threshold", 5)
	v.SetDefault("orchestrator.circuit_breaker_window_secs", 60)
	v.SetDefault("orchestrator.circuit_breaker_cooldown_ms", 30000)
	v.SetDefault("orchestrator.circuit_breaker_max_cooldown_ms", 240000)
	v.SetDefault("orchestrator.parallel_workers", 4)
	v.SetDefault("orchestrator.shutdown_timeout_secs", 30)
	v.SetDefault("validation.minimum_overall_confidence", 0.8)
	v.SetDefault("validation.minimum_field_confidence", 0.7)
	v.SetDefault("validation.ocr_threshold", 0.6)
	v.SetDefault("validation.numeric_tolerance", 0.01)
	v.SetDefault("browser.engine", "chain")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.viewport_width", 1366)
	v.SetDefault("browser.viewport_height", 900)
	v.SetDefault("browser.user_agent", "Mozilla/5.0 (compatible; webcheck/1.0)")
	v.SetDefault("browser.timeout_secs", 30)
	v.SetDefault("browser.rate_per_sec", 2.0)
	v.SetDefault("browser.screenshot", true)
	v.SetDefault("browser.max_body_bytes", 10<<20)
	v.SetDefault("jina.base_url", "https://r.jina.ai")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 256)
	v.SetDefault("anthropic.timeout_secs", 20)
	v.SetDefault("ocr.provider", "tesseract")
	v.SetDefault("ocr.tesseract_path", "tesseract")
	v.SetDefault("ocr.language", "eng")
	v.SetDefault("ocr.mistral_model", "mistral-ocr-latest")
	v.SetDefault("evidence.dir", "evidence")
	v.SetDefault("evidence.enabled", true)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "webcheck.db")
	v.SetDefault("store.dlq_max_retries", 3)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("monitoring.interval_secs", 300)
	v.SetDefault("monitoring.lookback_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.open_circuit_threshold", 1)
	v.SetDefault("monitoring.dlq_depth_threshold", 50)
	v.SetDefault("monitoring.alert_cooldown_minutes", 60)
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

// Validate checks the configuration for the given command mode
// ("validate", "retry", "serve", "runs").
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "validate", "retry":
		errs = append(errs, c.validateOrchestrator()...)
		errs = append(errs, c.validateThresholds()...)
		errs = append(errs, c.validateStore()...)
		switch c.Browser.Engine {
		case "http", "chromedp", "jina", "chain":
		default:
			errs = append(errs, fmt.Sprintf("browser.engine %q must be one of http, chromedp, jina, chain", c.Browser.Engine))
		}
	case "serve":
		errs = append(errs, c.validateStore()...)
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		if c.Monitoring.Enabled && c.Monitoring.IntervalSecs <= 0 {
			errs = append(errs, "monitoring.interval_secs must be > 0")
		}
	case "runs":
		errs = append(errs, c.validateStore()...)
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateOrchestrator() []string {
	var errs []string
	o := c.Orchestrator
	if o.MaxConcurrentTasks < 1 {
		errs = append(errs, "orchestrator.max_concurrent_tasks must be >= 1")
	}
	for role, n := range o.PerRoleLimits {
		if n < 1 {
			errs = append(errs, fmt.Sprintf("orchestrator.per_role_limits.%s must be >= 1", role))
		}
	}
	if o.RetryAttempts < 1 {
		errs = append(errs, "orchestrator.retry_attempts must be >= 1")
	}
	if o.TaskTimeoutMs <= 0 {
		errs = append(errs, "orchestrator.task_timeout_ms must be > 0")
	}
	if o.RetryBaseDelayMs < 0 || o.RetryMaxDelayMs < o.RetryBaseDelayMs {
		errs = append(errs, "orchestrator.retry_max_delay_ms must be >= retry_base_delay_ms >= 0")
	}
	if o.RetryJitter < 0 || o.RetryJitter > 1 {
		errs = append(errs, "orchestrator.retry_jitter must be between 0 and 1")
	}
	if o.CircuitBreakerThreshold < 1 {
		errs = append(errs, "orchestrator.circuit_breaker_threshold must be >= 1")
	}
	if o.ParallelWorkers < 1 || o.ParallelWorkers > 64 {
		errs = append(errs, "orchestrator.parallel_workers must be between 1 and 64")
	}
	return errs
}

func (c *Config) validateThresholds() []string {
	var errs []string
	check := func(name string, v float64) {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Sprintf("validation.%s must be between 0 and 1", name))
		}
	}
	check("minimum_overall_confidence", c.Validation.MinimumOverallConfidence)
	check("minimum_field_confidence", c.Validation.MinimumFieldConfidence)
	check("ocr_threshold", c.Validation.OCRThreshold)
	if c.Validation.NumericTolerance < 0 {
		errs = append(errs, "validation.numeric_tolerance must be >= 0")
	}
	return errs
}

func (c *Config) validateStore() []string {
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			return []string{"store.path is required for sqlite"}
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return []string{"store.database_url is required for postgres"}
		}
	case "memory":
	default:
		return []string{fmt.Sprintf("store.driver %q must be sqlite, postgres or memory", c.Store.Driver)}
	}
	return nil
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
