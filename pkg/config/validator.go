package config

import (
	"errors"
	"fmt"
)

var validWorkers = map[string]bool{
	"scribe": true, "critic": true, "runner": true, "medic": true,
	"gemini": true, "orchestrator": true,
}

var validComplexities = map[string]bool{"any": true, "easy": true, "hard": true}

// Validate checks the merged configuration for contradictions the rest of
// the system cannot tolerate.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Budget.SessionCapUSD <= 0 {
		errs = append(errs, fmt.Errorf("budget.session_cap_usd must be positive, got %v", cfg.Budget.SessionCapUSD))
	}
	if cfg.Budget.SessionWarnUSD > cfg.Budget.SessionCapUSD {
		errs = append(errs, fmt.Errorf("budget.session_warn_usd (%v) exceeds session_cap_usd (%v)",
			cfg.Budget.SessionWarnUSD, cfg.Budget.SessionCapUSD))
	}
	if cfg.Budget.DefaultFeatureCost <= 0 {
		errs = append(errs, errors.New("budget.default_max_cost_per_feature_usd must be positive"))
	}

	for i, rule := range cfg.Routing.Rules {
		if rule.TaskType == "" {
			errs = append(errs, fmt.Errorf("routing.rules[%d]: task_type is required", i))
		}
		if !validWorkers[rule.Worker] {
			errs = append(errs, fmt.Errorf("routing.rules[%d]: unknown worker %q", i, rule.Worker))
		}
		if rule.Complexity != "" && !validComplexities[rule.Complexity] {
			errs = append(errs, fmt.Errorf("routing.rules[%d]: complexity must be any/easy/hard, got %q", i, rule.Complexity))
		}
	}
	for i, o := range cfg.Routing.CostOverrides {
		if o.PathGlob == "" {
			errs = append(errs, fmt.Errorf("routing.cost_overrides[%d]: path_glob is required", i))
		}
		if o.MaxCostUSD <= 0 {
			errs = append(errs, fmt.Errorf("routing.cost_overrides[%d]: max_cost_usd must be positive", i))
		}
	}

	if cfg.Workers.MaxConcurrentPipelines < 1 {
		errs = append(errs, errors.New("workers.max_concurrent_pipelines must be at least 1"))
	}
	if cfg.Workers.ProcessPoolSize < 1 {
		errs = append(errs, errors.New("workers.process_pool_size must be at least 1"))
	}
	if cfg.Workers.PoolSize < 1 {
		errs = append(errs, errors.New("workers.pool_size must be at least 1"))
	}

	if cfg.Resilience.FailureThreshold < 1 {
		errs = append(errs, errors.New("resilience.failure_threshold must be at least 1"))
	}
	if cfg.Resilience.HalfOpenMaxCalls < cfg.Resilience.SuccessThreshold {
		errs = append(errs, fmt.Errorf("resilience.half_open_max_calls (%d) below success_threshold (%d)",
			cfg.Resilience.HalfOpenMaxCalls, cfg.Resilience.SuccessThreshold))
	}

	if cfg.Runner.Command == "" {
		errs = append(errs, errors.New("runner.command is required"))
	}

	if cfg.System.TestsDir == "" || cfg.System.ArtifactsDir == "" || cfg.System.LogsDir == "" {
		errs = append(errs, errors.New("system.tests_dir, artifacts_dir, and logs_dir are all required"))
	}

	return errors.Join(errs...)
}
