// Kaya orchestrator — routes natural-language commands through the
// specialist workers, serves the HTTP API and event stream, and exposes
// the HITL review queue and metrics from the terminal.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/kaya-dev/kaya/pkg/config"
)

// Exit codes for scripted callers.
const (
	exitOK            = 0
	exitFailed        = 1
	exitEscalated     = 2
	exitBudget        = 3
	exitMaxIterations = 4
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	var configDir string
	var sessionID string

	loadConfig := func() (*config.Config, error) {
		return config.Initialize(configDir)
	}

	root := &cobra.Command{
		Use:           "kaya",
		Short:         "Voice and text driven browser test orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			envPath := filepath.Join(configDir, ".env")
			if err := godotenv.Load(envPath); err == nil {
				slog.Info("Loaded environment", "path", envPath)
			}
		},
		// Bare `kaya "<command>"` dispatches through intent parsing,
		// same as the do subcommand.
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}
			return dispatchCommand(cmd, loadConfig, sessionID, args)
		},
	}
	root.PersistentFlags().StringVar(&configDir, "config-dir",
		getEnv("KAYA_CONFIG_DIR", "./config"), "Path to configuration directory")
	root.PersistentFlags().StringVar(&sessionID, "session",
		getEnv("KAYA_SESSION", "default"), "Session ID for budget accounting")

	root.AddCommand(
		newServeCmd(loadConfig),
		newCommandCmd(loadConfig, &sessionID),
		newStatusCmd(loadConfig, &sessionID),
		newRouteCmd(loadConfig),
		newRunCmd(loadConfig, &sessionID),
		newReviewCmd(loadConfig, &sessionID),
		newHITLCmd(loadConfig),
		newMetricsCmd(loadConfig),
	)

	if err := root.Execute(); err != nil {
		var ec *exitError
		if errors.As(err, &ec) {
			if ec.message != "" {
				fmt.Fprintln(os.Stderr, ec.message)
			}
			os.Exit(ec.code)
		}
		slog.Error("Command failed", "error", err)
		os.Exit(exitFailed)
	}
}

// exitError carries a specific process exit code up through cobra.
type exitError struct {
	code    int
	message string
}

func (e *exitError) Error() string { return e.message }
