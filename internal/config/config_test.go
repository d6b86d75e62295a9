package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Orchestrator.MaxConcurrentTasks)
	assert.Equal(t, 2, cfg.Orchestrator.PerRoleLimits["navigator"])
	assert.Equal(t, 1, cfg.Orchestrator.PerRoleLimits["ocr_specialist"])
	assert.Equal(t, 30*time.Second, cfg.Orchestrator.TaskTimeout())
	assert.Equal(t, time.Minute, cfg.Orchestrator.AdmissionTimeout())
	assert.Equal(t, 30*time.Second, cfg.Orchestrator.ShutdownTimeout())
	assert.Equal(t, 3, cfg.Orchestrator.RetryAttempts)
	assert.Equal(t, 5, cfg.Orchestrator.CircuitBreakerThreshold)
	assert.InDelta(t, 0.8, cfg.Validation.MinimumOverallConfidence, 0.001)
	assert.InDelta(t, 0.7, cfg.Validation.MinimumFieldConfidence, 0.001)
	assert.InDelta(t, 0.6, cfg.Validation.OCRThreshold, 0.001)
	assert.Equal(t, "chain", cfg.Browser.Engine)
	assert.True(t, cfg.Browser.Headless)
	assert.Equal(t, "https://r.jina.ai", cfg.Jina.BaseURL)
	assert.Equal(t, "claude-haiku-4-5-20251001", cfg.Anthropic.Model)
	assert.Equal(t, "tesseract", cfg.OCR.Provider)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)

	assert.NoError(t, cfg.Validate("validate"))
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
orchestrator:
  max_concurrent_tasks: 8
  per_role_limits:
    extractor: 6
validation:
  minimum_field_confidence: 0.5
store:
  driver: postgres
  database_url: postgres://localhost/webcheck
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Orchestrator.MaxConcurrentTasks)
	assert.Equal(t, 6, cfg.Orchestrator.PerRoleLimits["extractor"])
	assert.InDelta(t, 0.5, cfg.Validation.MinimumFieldConfidence, 0.001)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	// Defaults still apply for unset values
	assert.Equal(t, 3, cfg.Orchestrator.RetryAttempts)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	t.Setenv("WEBCHECK_STORE_DRIVER", "postgres")
	t.Setenv("WEBCHECK_LOG_LEVEL", "warn")
	t.Setenv("WEBCHECK_ORCHESTRATOR_RETRY_ATTEMPTS", "7")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 7, cfg.Orchestrator.RetryAttempts)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("orchestrator: [unclosed"), 0o644))

	_, err := Load()
	assert.Error(t, err)
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.NotNil(t, zap.L())
	require.NoError(t, InitLogger(LogConfig{Level: "info", Format: "json"}))
	assert.Error(t, InitLogger(LogConfig{Level: "invalid", Format: "json"}))
}

// validDefaults returns a Config with defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Orchestrator = OrchestratorConfig{
		MaxConcurrentTasks: 5,
		PerRoleLimits:      map[string]int{"navigator": 2},
		TaskTimeoutMs:      1000,
		RetryAttempts:      3,
		RetryBaseDelayMs:   10,
		RetryMaxDelayMs:    100,
		RetryJitter:        0.2,

		CircuitBreakerThreshold: 5,
		ParallelWorkers:         4,
	}
	cfg.Validation = ValidationConfig{MinimumOverallConfidence: 0.8, MinimumFieldConfidence: 0.7, OCRThreshold: 0.6}
	cfg.Browser.Engine = "http"
	cfg.Store = StoreConfig{Driver: "sqlite", Path: "x.db"}
	cfg.Server.Port = 8080
	return cfg
}

func TestValidate_Valid(t *testing.T) {
	cfg := validDefaults()
	for _, mode := range []string{"validate", "retry", "serve", "runs"} {
		assert.NoError(t, cfg.Validate(mode), mode)
	}
}

func TestValidate_UnknownMode(t *testing.T) {
	err := validDefaults().Validate("unknown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestValidate_Orchestrator(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero global cap", func(c *Config) { c.Orchestrator.MaxConcurrentTasks = 0 }, "max_concurrent_tasks"},
		{"zero role cap", func(c *Config) { c.Orchestrator.PerRoleLimits["navigator"] = 0 }, "per_role_limits.navigator"},
		{"zero attempts", func(c *Config) { c.Orchestrator.RetryAttempts = 0 }, "retry_attempts"},
		{"no task timeout", func(c *Config) { c.Orchestrator.TaskTimeoutMs = 0 }, "task_timeout_ms"},
		{"max below base", func(c *Config) { c.Orchestrator.RetryMaxDelayMs = 1 }, "retry_max_delay_ms"},
		{"jitter", func(c *Config) { c.Orchestrator.RetryJitter = 1.5 }, "retry_jitter"},
		{"breaker", func(c *Config) { c.Orchestrator.CircuitBreakerThreshold = 0 }, "circuit_breaker_threshold"},
		{"workers", func(c *Config) { c.Orchestrator.ParallelWorkers = 65 }, "parallel_workers"},
		{"overall", func(c *Config) { c.Validation.MinimumOverallConfidence = 1.1 }, "minimum_overall_confidence"},
		{"field", func(c *Config) { c.Validation.MinimumFieldConfidence = -0.1 }, "minimum_field_confidence"},
		{"ocr", func(c *Config) { c.Validation.OCRThreshold = 2 }, "ocr_threshold"},
		{"tolerance", func(c *Config) { c.Validation.NumericTolerance = -1 }, "numeric_tolerance"},
		{"engine", func(c *Config) { c.Browser.Engine = "lynx" }, "browser.engine"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validDefaults()
			tt.mutate(cfg)
			err := cfg.Validate("validate")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_Store(t *testing.T) {
	cfg := validDefaults()
	cfg.Store = StoreConfig{Driver: "postgres"}
	err := cfg.Validate("runs")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")

	cfg.Store = StoreConfig{Driver: "sqlite"}
	assert.Error(t, cfg.Validate("runs"))

	cfg.Store = StoreConfig{Driver: "mysql"}
	assert.Error(t, cfg.Validate("runs"))

	cfg.Store = StoreConfig{Driver: "memory"}
	assert.NoError(t, cfg.Validate("runs"))
}

func TestValidate_Serve(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0
	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")

	cfg.Server.Port = 9090
	cfg.Monitoring.Enabled = true
	err = cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring.interval_secs")
}
