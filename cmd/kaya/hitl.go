package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kaya-dev/kaya/pkg/config"
	"github.com/kaya-dev/kaya/pkg/hitl"
	"github.com/kaya-dev/kaya/pkg/runtime"
)

func newHITLCmd(loadConfig func() (*config.Config, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hitl",
		Short: "Inspect and resolve the human review queue",
	}
	cmd.AddCommand(newHITLListCmd(loadConfig), newHITLGetCmd(loadConfig), newHITLResolveCmd(loadConfig))
	return cmd
}

func newHITLListCmd(loadConfig func() (*config.Config, error)) *cobra.Command {
	var limit int
	var afterPriority float64

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List escalated tasks, highest priority first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, loadConfig, func(rt *runtime.Runtime) error {
				tasks, err := rt.HITL.List(cmd.Context(), limit, afterPriority)
				if err != nil {
					return err
				}
				stats, err := rt.HITL.Stats(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"tasks": tasks, "stats": stats})
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum tasks to list")
	cmd.Flags().Float64Var(&afterPriority, "after-priority", 0, "Only list tasks below this priority (pagination cursor)")
	return cmd
}

func newHITLGetCmd(loadConfig func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "get <task_id>",
		Short: "Show one escalated task with its attempt history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, loadConfig, func(rt *runtime.Runtime) error {
				task, err := rt.HITL.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(task)
			})
		},
	}
}

func newHITLResolveCmd(loadConfig func() (*config.Config, error)) *cobra.Command {
	var annotationJSON string
	var annotationFile string

	cmd := &cobra.Command{
		Use:   "resolve <task_id>",
		Short: "Resolve an escalated task with a structured annotation",
		Long: `Resolves one escalated task. The annotation is archived for future
retrieval before the task leaves the queue.

The annotation is JSON, inline or from a file:
  kaya hitl resolve task-42 --annotation '{"root_cause_category":"selector_drift","fix_strategy":"use data-testid"}'
  kaya hitl resolve task-42 --annotation-file review.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := []byte(annotationJSON)
			if annotationFile != "" {
				data, err := os.ReadFile(annotationFile)
				if err != nil {
					return err
				}
				raw = data
			}
			if len(raw) == 0 {
				return fmt.Errorf("either --annotation or --annotation-file is required")
			}
			var annotation hitl.Annotation
			if err := json.Unmarshal(raw, &annotation); err != nil {
				return fmt.Errorf("parsing annotation: %w", err)
			}
			if annotation.RootCauseCategory == "" || annotation.FixStrategy == "" {
				return fmt.Errorf("annotation needs root_cause_category and fix_strategy")
			}

			return withRuntime(cmd, loadConfig, func(rt *runtime.Runtime) error {
				if err := rt.HITL.Resolve(cmd.Context(), args[0], annotation); err != nil {
					return err
				}
				fmt.Println("resolved", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&annotationJSON, "annotation", "", "Annotation as inline JSON")
	cmd.Flags().StringVar(&annotationFile, "annotation-file", "", "Path to an annotation JSON file")
	return cmd
}
