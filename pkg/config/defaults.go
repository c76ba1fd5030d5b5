package config

import "time"

// Built-in defaults. A missing kaya.yaml key falls back to these; an absent
// file yields exactly this configuration.
func builtinDefaults() *Config {
	return &Config{
		System: SystemConfig{
			TestsDir:     "./tests",
			ArtifactsDir: "./artifacts",
			LogsDir:      "./logs",
			EventLogFile: "events.ndjson",
		},
		Budget: BudgetConfig{
			SessionCapUSD:      5.00,
			SessionWarnUSD:     4.00,
			DefaultFeatureCost: 0.50,
		},
		Routing: RoutingConfig{
			Rules:          defaultRoutingRules(),
			CheapModel:     "claude-haiku",
			ExpensiveModel: "claude-sonnet",
			CacheSize:      1000,
		},
		Workers: WorkersConfig{
			Deadlines: map[string]time.Duration{
				"scribe": 30 * time.Second,
				"critic": 10 * time.Second,
				"runner": 180 * time.Second,
				"medic":  120 * time.Second,
				"gemini": 60 * time.Second,
			},
			Retries: map[string]WorkerRetry{
				"scribe": {MaxAttempts: 3, BaseDelayS: 2.0},
				"runner": {MaxAttempts: 2, BaseDelayS: 5.0},
				"medic":  {MaxAttempts: 2, BaseDelayS: 2.0},
				"critic": {MaxAttempts: 1, BaseDelayS: 0},
				"gemini": {MaxAttempts: 2, BaseDelayS: 3.0},
			},
			PoolSize:               3,
			PoolAcquireTimeout:     5 * time.Second,
			GlobalWorkerCap:        30,
			MaxConcurrentPipelines: 10,
			ProcessPoolSize:        5,
			PipelineDeadline:       10 * time.Minute,
		},
		Resilience: ResilienceConfig{
			FailureThreshold: 5,
			OpenFor:          60 * time.Second,
			HalfOpenMaxCalls: 3,
			SuccessThreshold: 2,
		},
		RateLimits: RateLimitsConfig{
			Vendors: map[string]VendorRate{
				"anthropic": {RequestsPerSecond: 5, Burst: 10},
				"gemini":    {RequestsPerSecond: 5, Burst: 10},
			},
			Default: VendorRate{RequestsPerSecond: 5, Burst: 10},
		},
		Runner: RunnerConfig{
			Command:        "npx",
			Args:           []string{"playwright", "test"},
			DefaultTimeout: 120 * time.Second,
			BackendPort:    3010,
			FrontendPort:   3000,
		},
		Models: ModelsConfig{
			Prices: map[string]ModelPrice{
				"claude-haiku":  {InputPerMTokUSD: 0.80, OutputPerMTokUSD: 4.00},
				"claude-sonnet": {InputPerMTokUSD: 3.00, OutputPerMTokUSD: 15.00},
			},
		},
	}
}

// defaultRoutingRules is the built-in routing policy: cheap models for easy
// work, the expensive tier for hard work, fixed specialists per task type.
func defaultRoutingRules() []RoutingRule {
	return []RoutingRule{
		{TaskType: "write_test", Complexity: "easy", Worker: "scribe", Model: "claude-haiku", Reason: "simple test generation"},
		{TaskType: "write_test", Complexity: "hard", Worker: "scribe", Model: "claude-sonnet", Reason: "complex test generation"},
		{TaskType: "pre_validate", Complexity: "any", Worker: "critic", Model: "claude-haiku", Reason: "static review"},
		{TaskType: "execute_test", Complexity: "any", Worker: "runner", Model: "", Reason: "subprocess execution"},
		{TaskType: "fix_bug", Complexity: "easy", Worker: "medic", Model: "claude-haiku", Reason: "simple fix"},
		{TaskType: "fix_bug", Complexity: "hard", Worker: "medic", Model: "claude-sonnet", Reason: "complex fix"},
		{TaskType: "validate", Complexity: "any", Worker: "gemini", Model: "gemini-2.0-flash", Reason: "browser validation"},
	}
}
