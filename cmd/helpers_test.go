package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/webcheck/internal/config"
)

const testPlanYAML = `
name: directory
target:
  url: https://directory.test/companies/{id}
  row_id_field: id
fields:
  - field: name
    selectors: ["h1.name"]
    required: true
  - field: email
    selectors: [".email"]
    type: email
`

const testRowsCSV = `id,name,email
1,Acme Corp,info@acme.test
2,Beta Inc,hello@beta.test
,Gamma LLC,team@gamma.test
`

// useTestConfig installs a complete in-memory configuration for the test.
func useTestConfig(t *testing.T) *config.Config {
	t.Helper()
	prev := cfg
	cfg = &config.Config{
		Orchestrator: config.OrchestratorConfig{
			MaxConcurrentTasks:       4,
			TaskTimeoutMs:            5000,
			AdmissionTimeoutMs:       5000,
			RetryAttempts:            2,
			RetryBaseDelayMs:         1,
			RetryMaxDelayMs:          5,
			CircuitBreakerThreshold:  5,
			CircuitBreakerWindowSecs: 60,
			CircuitBreakerCooldownMs: 1000,
			ParallelWorkers:          2,
			ShutdownTimeoutSecs:      5,
		},
		Validation: config.ValidationConfig{
			MinimumOverallConfidence: 0.8,
			MinimumFieldConfidence:   0.7,
			OCRThreshold:             0.6,
			NumericTolerance:         0.01,
		},
		Browser: config.BrowserConfig{Engine: "http"},
		OCR:     config.OCRConfig{Provider: "none"},
		Store:   config.StoreConfig{Driver: "memory", DLQMaxRetry: 3},
		Server:  config.ServerConfig{Port: 8080},
	}
	t.Cleanup(func() { cfg = prev })
	return cfg
}

func writeFixture(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}
