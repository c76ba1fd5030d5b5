package main

import (
	"encoding/json"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kaya-dev/kaya/pkg/config"
	"github.com/kaya-dev/kaya/pkg/kaya"
	"github.com/kaya-dev/kaya/pkg/runtime"
)

// withRuntime builds the full runtime for one-shot commands and tears it
// down afterwards, so the cost ledger flushes before the process exits.
func withRuntime(cmd *cobra.Command, loadConfig func() (*config.Config, error), fn func(rt *runtime.Runtime) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := runtime.Build(cmd.Context(), cfg, slog.Default())
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rt.Close(); cerr != nil {
			slog.Error("Shutdown error", "error", cerr)
		}
	}()
	return fn(rt)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outcomeExit maps a pipeline outcome to the process exit code contract.
func outcomeExit(out kaya.Outcome) error {
	switch out.Status {
	case kaya.StatusSucceeded, "ok":
		return nil
	case kaya.StatusEscalated:
		return &exitError{code: exitEscalated}
	case kaya.StatusBudgetExceeded:
		return &exitError{code: exitBudget}
	case kaya.StatusMaxIterations:
		return &exitError{code: exitMaxIterations}
	default:
		return &exitError{code: exitFailed}
	}
}

// dispatchCommand joins the raw args into one command, runs it through
// the orchestrator, and maps the outcome to the exit-code contract.
func dispatchCommand(cmd *cobra.Command, loadConfig func() (*config.Config, error), sessionID string, args []string) error {
	raw := strings.Join(args, " ")
	return withRuntime(cmd, loadConfig, func(rt *runtime.Runtime) error {
		out, err := rt.Orchestrator.Handle(cmd.Context(), sessionID, raw)
		if err != nil {
			return err
		}
		if err := printJSON(out); err != nil {
			return err
		}
		return outcomeExit(out)
	})
}

func newCommandCmd(loadConfig func() (*config.Config, error), sessionID *string) *cobra.Command {
	return &cobra.Command{
		Use:   "do \"<command>\"",
		Short: "Run one natural-language command through the orchestrator",
		Long: `Runs one command end to end and prints the outcome as JSON.

Examples:
  kaya do "write a test for the login flow"
  kaya do "run tests in tests/auth"
  kaya do "fix all test failures"
  kaya do "validate payment flow - critical"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return dispatchCommand(cmd, loadConfig, *sessionID, args)
		},
	}
}

func newRunCmd(loadConfig func() (*config.Config, error), sessionID *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run <path>",
		Short: "Execute a test or suite once, with no repair loop",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, loadConfig, func(rt *runtime.Runtime) error {
				out, err := rt.Orchestrator.RunOnce(cmd.Context(), *sessionID, args[0])
				if err != nil {
					return err
				}
				if err := printJSON(out); err != nil {
					return err
				}
				return outcomeExit(out)
			})
		},
	}
}

func newReviewCmd(loadConfig func() (*config.Config, error), sessionID *string) *cobra.Command {
	return &cobra.Command{
		Use:   "review <path>",
		Short: "Run the Critic against an existing test file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, loadConfig, func(rt *runtime.Runtime) error {
				out, err := rt.Orchestrator.ReviewOnce(cmd.Context(), *sessionID, args[0])
				if err != nil {
					return err
				}
				if err := printJSON(out); err != nil {
					return err
				}
				return outcomeExit(out)
			})
		},
	}
}

func newStatusCmd(loadConfig func() (*config.Config, error), sessionID *string) *cobra.Command {
	var taskID string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show session spend, queue depth, and optionally one task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, loadConfig, func(rt *runtime.Runtime) error {
				out, err := rt.Orchestrator.StatusReport(cmd.Context(), *sessionID, taskID)
				if err != nil {
					return err
				}
				return printJSON(out.Data)
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "Task ID to inspect")
	return cmd
}
