package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePolicy(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, PolicyFileName), []byte(content), 0o644))
	return dir
}

func TestInitializeWithoutPolicyUsesDefaults(t *testing.T) {
	cfg, err := Initialize(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 5.00, cfg.Budget.SessionCapUSD)
	assert.Equal(t, 4.00, cfg.Budget.SessionWarnUSD)
	assert.Equal(t, 0.50, cfg.Budget.DefaultFeatureCost)
	assert.Equal(t, 10, cfg.Workers.MaxConcurrentPipelines)
	assert.Equal(t, 5, cfg.Workers.ProcessPoolSize)
	assert.Equal(t, 3, cfg.Workers.PoolSize)
	assert.Equal(t, 30*time.Second, cfg.Workers.Deadline("scribe", 0))
	assert.Equal(t, 180*time.Second, cfg.Workers.Deadline("runner", 0))
	assert.Equal(t, 5, cfg.Resilience.FailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.Resilience.OpenFor)
	assert.NotEmpty(t, cfg.Routing.Rules)
}

func TestInitializeMergesPolicyOverDefaults(t *testing.T) {
	dir := writePolicy(t, `
budget:
  session_cap_usd: 10.0
  session_warn_usd: 8.0
routing:
  cost_overrides:
    - path_glob: "tests/payment/**"
      max_cost_usd: 3.00
workers:
  max_concurrent_pipelines: 4
`)
	cfg, err := Initialize(dir)
	require.NoError(t, err)

	assert.Equal(t, 10.0, cfg.Budget.SessionCapUSD)
	assert.Equal(t, 8.0, cfg.Budget.SessionWarnUSD)
	// Untouched keys keep defaults.
	assert.Equal(t, 0.50, cfg.Budget.DefaultFeatureCost)
	assert.Equal(t, 4, cfg.Workers.MaxConcurrentPipelines)
	require.Len(t, cfg.Routing.CostOverrides, 1)
	assert.Equal(t, 3.00, cfg.Routing.CostOverrides[0].MaxCostUSD)
}

func TestInitializeExpandsEnv(t *testing.T) {
	t.Setenv("KAYA_TESTS_DIR", "/srv/kaya/tests")
	dir := writePolicy(t, `
system:
  tests_dir: "{{.KAYA_TESTS_DIR}}"
`)
	cfg, err := Initialize(dir)
	require.NoError(t, err)
	assert.Equal(t, "/srv/kaya/tests", cfg.System.TestsDir)
}

func TestInitializeRejectsInvalidPolicy(t *testing.T) {
	dir := writePolicy(t, `
budget:
  session_cap_usd: 2.0
  session_warn_usd: 4.0
`)
	_, err := Initialize(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session_warn_usd")
}

func TestInitializeRejectsUnknownWorker(t *testing.T) {
	dir := writePolicy(t, `
routing:
  rules:
    - task_type: write_test
      complexity: any
      worker: poet
      model: claude-haiku
`)
	_, err := Initialize(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown worker")
}

func TestValidateBreakerThresholds(t *testing.T) {
	cfg := builtinDefaults()
	cfg.Resilience.HalfOpenMaxCalls = 1
	cfg.Resilience.SuccessThreshold = 2
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "half_open_max_calls")
}

func TestEventLogPath(t *testing.T) {
	cfg := builtinDefaults()
	cfg.System.LogsDir = "/var/log/kaya"
	assert.Equal(t, "/var/log/kaya/events.ndjson", cfg.EventLogPath())
}
