package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/blackvectorops/flowcap/internal/config"
	"github.com/blackvectorops/flowcap/internal/observability"
	"github.com/blackvectorops/flowcap/internal/store"
)

func newResultsCmd() *cobra.Command {
	var taskID string

	resultsCmd := &cobra.Command{
		Use:   "results",
		Short: "Fetch the stored result of a finished task",
		Long:  `Reads the persisted execution result for a task id from the database and prints it as JSON, including extracted data and screenshot URLs.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg := config.Get()

			if cfg.Database.URL == "" {
				return fmt.Errorf("database.url is not configured (hint: set FLOWCAP_DATABASE_URL)")
			}

			pool, err := pgxpool.New(ctx, cfg.Database.URL)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer pool.Close()

			storeService, err := store.New(ctx, pool, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize result store: %w", err)
			}

			result, err := storeService.GetResultByTaskID(ctx, taskID)
			if err != nil {
				logger.Error("Failed to load result", zap.Error(err), zap.String("task_id", taskID))
				return err
			}

			out, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to serialize result: %w", err)
			}
			fmt.Println(string(out))

			return nil
		},
	}

	resultsCmd.Flags().StringVar(&taskID, "task-id", "", "The id of the task to fetch (required)")
	_ = resultsCmd.MarkFlagRequired("task-id")

	return resultsCmd
}
