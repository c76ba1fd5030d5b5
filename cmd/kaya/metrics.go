package main

import (
	"github.com/spf13/cobra"

	"github.com/kaya-dev/kaya/pkg/config"
	"github.com/kaya-dev/kaya/pkg/metrics"
	"github.com/kaya-dev/kaya/pkg/runtime"
)

func newMetricsCmd(loadConfig func() (*config.Config, error)) *cobra.Command {
	var window int

	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Show operational metrics from the hot store",
	}
	cmd.PersistentFlags().IntVar(&window, "window", 24, "Window in hours")

	summary := &cobra.Command{
		Use:   "summary",
		Short: "All headline metrics over the window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, loadConfig, func(rt *runtime.Runtime) error {
				ctx := cmd.Context()
				return printJSON(map[string]any{
					"window_hours":          window,
					"agent_utilization":     rt.Metrics.AgentUtilization(ctx, window),
					"cost_per_feature":      rt.Metrics.CostPerFeature(ctx, window),
					"avg_retry_count":       rt.Metrics.AvgRetryCount(ctx, window),
					"time_to_completion":    rt.Metrics.TimeToCompletion(ctx, window),
					"critic_rejection_rate": rt.Metrics.CriticRejectionRate(ctx, window),
					"validation_pass_rate":  rt.Metrics.ValidationPassRate(ctx, window),
					"model_usage":           rt.Metrics.ModelUsage(ctx, window),
				})
			})
		},
	}

	single := func(use, short string, fn func(rt *runtime.Runtime, ctx *cobra.Command) any) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withRuntime(cmd, loadConfig, func(rt *runtime.Runtime) error {
					return printJSON(fn(rt, cmd))
				})
			},
		}
	}

	trend := &cobra.Command{
		Use:   "trend",
		Short: "Daily completion counts and costs",
		RunE: func(cmd *cobra.Command, args []string) error {
			days, err := cmd.Flags().GetInt("days")
			if err != nil {
				return err
			}
			return withRuntime(cmd, loadConfig, func(rt *runtime.Runtime) error {
				return printJSON(rt.Metrics.DailyTrend(cmd.Context(), metrics.MetricFeatureCompletion, metrics.DimensionGlobal, days, 1))
			})
		},
	}
	trend.Flags().Int("days", 7, "Days of history")

	cmd.AddCommand(
		summary,
		single("agent-utilization", "Busy fraction per agent",
			func(rt *runtime.Runtime, c *cobra.Command) any { return rt.Metrics.AgentUtilization(c.Context(), window) }),
		single("cost-per-feature", "Average cost per completed feature",
			func(rt *runtime.Runtime, c *cobra.Command) any { return rt.Metrics.CostPerFeature(c.Context(), window) }),
		single("retry-count", "Average Medic attempts per completion",
			func(rt *runtime.Runtime, c *cobra.Command) any { return rt.Metrics.AvgRetryCount(c.Context(), window) }),
		single("rejection-rate", "Fraction of Critic reviews rejected",
			func(rt *runtime.Runtime, c *cobra.Command) any { return rt.Metrics.CriticRejectionRate(c.Context(), window) }),
		single("validation-rate", "Fraction of validations passing the rubric",
			func(rt *runtime.Runtime, c *cobra.Command) any { return rt.Metrics.ValidationPassRate(c.Context(), window) }),
		single("model-usage", "Call counts and spend per model",
			func(rt *runtime.Runtime, c *cobra.Command) any { return rt.Metrics.ModelUsage(c.Context(), window) }),
		trend,
	)
	return cmd
}
