package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/blackvectorops/flowcap/api/schemas"
	"github.com/blackvectorops/flowcap/internal/config"
	"github.com/blackvectorops/flowcap/internal/observability"
)

func newRunCmd() *cobra.Command {
	var workflowPath string
	var rawParams []string
	var taskID string

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a workflow document against the shared browser",
		Long: `Loads a workflow JSON document, substitutes --param values into its
{{placeholder}} tokens, runs every step in order and prints the execution
result as JSON. The command exits non-zero when the task fails.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg := config.Get()

			raw, err := os.ReadFile(workflowPath)
			if err != nil {
				return fmt.Errorf("failed to read workflow file: %w", err)
			}
			workflow, err := schemas.ParseWorkflow(raw)
			if err != nil {
				return fmt.Errorf("invalid workflow document: %w", err)
			}

			params, err := parseParams(rawParams)
			if err != nil {
				return err
			}

			if taskID == "" {
				taskID = uuid.NewString()
			}

			components, err := newComponents(ctx, logger, cfg)
			if err != nil {
				return err
			}
			defer components.Shutdown()

			task := schemas.Task{TaskID: taskID, Workflow: workflow, Params: params}
			logger.Info("Submitting task",
				zap.String("task_id", taskID),
				zap.String("workflow", workflow.Name),
				zap.Int("steps", len(workflow.Steps)),
			)

			tasks := make(chan schemas.Task, 1)
			results := make(chan schemas.ExecutionResult, 1)
			components.Engine.Start(ctx, tasks, results)
			tasks <- task
			close(tasks)

			// The engine drops results once the context ends, so the wait
			// must watch both channels or an interrupt would hang here.
			var result schemas.ExecutionResult
			select {
			case result = <-results:
			case <-ctx.Done():
				return fmt.Errorf("run interrupted: %w", ctx.Err())
			}

			out, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to serialize result: %w", err)
			}
			fmt.Println(string(out))

			if result.Status == schemas.StatusFailed && result.Error != nil {
				return fmt.Errorf("task %s failed: %s", result.TaskID, result.Error.Error())
			}
			return nil
		},
	}

	runCmd.Flags().StringVarP(&workflowPath, "workflow", "w", "", "Path to the workflow JSON document (required)")
	runCmd.Flags().StringArrayVarP(&rawParams, "param", "p", nil, "Workflow parameter as name=value (repeatable)")
	runCmd.Flags().StringVar(&taskID, "task-id", "", "Task id for this run (default: a random UUID)")
	_ = runCmd.MarkFlagRequired("workflow")

	return runCmd
}

// parseParams turns repeated name=value flags into the task's parameter map.
func parseParams(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --param %q, expected name=value", pair)
		}
		params[name] = value
	}
	return params, nil
}
