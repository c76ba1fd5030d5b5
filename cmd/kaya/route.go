package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/kaya-dev/kaya/pkg/config"
	"github.com/kaya-dev/kaya/pkg/router"
)

// newRouteCmd prints the routing decision for a task without running it.
// Routing is pure policy, so no backends are touched.
func newRouteCmd(loadConfig func() (*config.Config, error)) *cobra.Command {
	var path string
	var steps int

	cmd := &cobra.Command{
		Use:   "route <task_type> <description...>",
		Short: "Show which worker, model, and cost cap a task would get",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			r := router.New(cfg.Routing, cfg.Budget, nil)
			decision := r.Decide(args[0], strings.Join(args[1:], " "), path, steps)
			return printJSON(decision)
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "Task path, matched against cost overrides")
	cmd.Flags().IntVar(&steps, "steps", 0, "Estimated step count for complexity scoring")
	return cmd
}
