// Package config loads and validates the kaya policy document: routing
// rules, cost targets and overrides, per-worker retry policies, breaker
// thresholds, rate limits, and concurrency knobs.
package config

import "time"

// Config is the fully merged, validated configuration.
type Config struct {
	System     SystemConfig     `yaml:"system"`
	Budget     BudgetConfig     `yaml:"budget"`
	Routing    RoutingConfig    `yaml:"routing"`
	Workers    WorkersConfig    `yaml:"workers"`
	Resilience ResilienceConfig `yaml:"resilience"`
	RateLimits RateLimitsConfig `yaml:"rate_limits"`
	Runner     RunnerConfig     `yaml:"runner"`
	Models     ModelsConfig     `yaml:"models"`
}

// SystemConfig groups filesystem roots and serving settings.
type SystemConfig struct {
	// TestsDir is the only root the Scribe may write test files under.
	TestsDir string `yaml:"tests_dir"`
	// ArtifactsDir holds screenshots and traces from validation runs.
	ArtifactsDir string `yaml:"artifacts_dir"`
	// LogsDir holds the append-only NDJSON event log.
	LogsDir string `yaml:"logs_dir"`
	// EventLogFile is the NDJSON event log filename inside LogsDir.
	EventLogFile string `yaml:"event_log_file"`
	// AllowedWSOrigins restricts WebSocket upgrade origins.
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`
}

// BudgetConfig holds the session budget caps.
type BudgetConfig struct {
	SessionCapUSD      float64 `yaml:"session_cap_usd"`
	SessionWarnUSD     float64 `yaml:"session_warn_usd"`
	DefaultFeatureCost float64 `yaml:"default_max_cost_per_feature_usd"`
}

// RoutingRule is one entry of the ordered routing policy. The first rule
// whose task type matches and whose complexity matches the estimator's
// verdict wins.
type RoutingRule struct {
	TaskType   string `yaml:"task_type"`
	Complexity string `yaml:"complexity"` // any | easy | hard
	Worker     string `yaml:"worker"`
	Model      string `yaml:"model"`
	Reason     string `yaml:"reason"`
}

// CostOverride raises or lowers the per-call cap for paths matching a glob.
type CostOverride struct {
	PathGlob   string  `yaml:"path_glob"`
	MaxCostUSD float64 `yaml:"max_cost_usd"`
}

// RoutingConfig is the router policy.
type RoutingConfig struct {
	Rules         []RoutingRule  `yaml:"rules"`
	CostOverrides []CostOverride `yaml:"cost_overrides"`
	// CheapModel is the fallback model when no rule matches and for
	// brainstorm responses.
	CheapModel string `yaml:"cheap_model"`
	// ExpensiveModel handles hard-complexity work.
	ExpensiveModel string `yaml:"expensive_model"`
	// CacheSize bounds the LRU decision cache.
	CacheSize int `yaml:"cache_size"`
}

// WorkerRetry is one worker's retry policy in the policy document.
type WorkerRetry struct {
	MaxAttempts int     `yaml:"max_attempts"`
	BaseDelayS  float64 `yaml:"base_delay_s"`
}

// WorkersConfig groups worker pool sizing, deadlines, and retries.
type WorkersConfig struct {
	// Deadlines per worker; zero falls back to built-in defaults.
	Deadlines map[string]time.Duration `yaml:"deadlines"`
	Retries   map[string]WorkerRetry   `yaml:"retries"`

	// PoolSize is the number of pooled instances per worker type.
	PoolSize int `yaml:"pool_size"`
	// PoolAcquireTimeout bounds pool acquisition before falling through to
	// create-on-demand.
	PoolAcquireTimeout time.Duration `yaml:"pool_acquire_timeout"`
	// GlobalWorkerCap bounds total live worker instances.
	GlobalWorkerCap int `yaml:"global_worker_cap"`

	// MaxConcurrentPipelines bounds pipelines in flight.
	MaxConcurrentPipelines int `yaml:"max_concurrent_pipelines"`
	// ProcessPoolSize bounds concurrent subprocess launches.
	ProcessPoolSize int `yaml:"process_pool_size"`

	// PipelineDeadline bounds one full pipeline end to end.
	PipelineDeadline time.Duration `yaml:"pipeline_deadline"`
}

// ResilienceConfig holds circuit breaker thresholds.
type ResilienceConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	OpenFor          time.Duration `yaml:"open_for"`
	HalfOpenMaxCalls int           `yaml:"half_open_max_calls"`
	SuccessThreshold int           `yaml:"success_threshold"`
}

// VendorRate is one vendor's token bucket.
type VendorRate struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// RateLimitsConfig holds per-vendor rate limits.
type RateLimitsConfig struct {
	Vendors map[string]VendorRate `yaml:"vendors"`
	Default VendorRate            `yaml:"default"`
}

// RunnerConfig describes the external test tool the Runner/Gemini workers
// shell out to, and the ports its self-diagnostics probe.
type RunnerConfig struct {
	// Command is the test tool binary (must be on PATH).
	Command string `yaml:"command"`
	// Args precede the test path on the command line.
	Args []string `yaml:"args"`
	// DefaultTimeout bounds one test process run.
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	// BackendPort / FrontendPort are probed when a run times out.
	BackendPort  int `yaml:"backend_port"`
	FrontendPort int `yaml:"frontend_port"`
	// RegressionTargets are re-run after a Medic patch to detect collateral
	// failures.
	RegressionTargets []string `yaml:"regression_targets"`
}

// ModelPrice is the per-million-token price of one model.
type ModelPrice struct {
	InputPerMTokUSD  float64 `yaml:"input_per_mtok_usd"`
	OutputPerMTokUSD float64 `yaml:"output_per_mtok_usd"`
}

// ModelsConfig maps model IDs to prices for cost computation.
type ModelsConfig struct {
	Prices map[string]ModelPrice `yaml:"prices"`
}

// Deadline returns the configured deadline for a worker, or def.
func (w WorkersConfig) Deadline(worker string, def time.Duration) time.Duration {
	if d, ok := w.Deadlines[worker]; ok && d > 0 {
		return d
	}
	return def
}
