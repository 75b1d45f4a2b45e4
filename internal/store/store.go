package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/blackvectorops/flowcap/api/schemas"
)

// ErrNotFound is returned when no result row exists for a task id.
var ErrNotFound = errors.New("no result stored for task")

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Store provides a PostgreSQL implementation of result persistence.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// SaveResult writes one execution result in a single transaction: the
// result row is upserted, then the task's extracted data and screenshot
// references are replaced wholesale. Re-running a task id overwrites the
// previous run completely.
func (s *Store) SaveResult(ctx context.Context, result *schemas.ExecutionResult) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && rollbackErr != pgx.ErrTxClosed {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	if err := s.upsertResult(ctx, tx, result); err != nil {
		return err
	}
	if err := s.clearTaskRows(ctx, tx, result.TaskID); err != nil {
		return err
	}
	if len(result.Data) > 0 {
		if err := s.persistData(ctx, tx, result.TaskID, result.Data); err != nil {
			return err
		}
	}
	if len(result.Screenshots) > 0 {
		if err := s.persistScreenshots(ctx, tx, result.TaskID, result.Screenshots); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) upsertResult(ctx context.Context, tx pgx.Tx, result *schemas.ExecutionResult) error {
	sql := `
        INSERT INTO task_results (task_id, status, error_message, error_phase, error_step_index, started_at, finished_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (task_id) DO UPDATE SET
            status = EXCLUDED.status,
            error_message = EXCLUDED.error_message,
            error_phase = EXCLUDED.error_phase,
            error_step_index = EXCLUDED.error_step_index,
            started_at = EXCLUDED.started_at,
            finished_at = EXCLUDED.finished_at;
    `

	var errMessage, errPhase *string
	var errStepIndex *int
	if result.Error != nil {
		errMessage = &result.Error.Message
		errPhase = &result.Error.Phase
		errStepIndex = &result.Error.StepIndex
	}

	if _, err := tx.Exec(ctx, sql,
		result.TaskID, string(result.Status),
		errMessage, errPhase, errStepIndex,
		result.StartedAt, result.FinishedAt,
	); err != nil {
		return fmt.Errorf("failed to upsert result for task %s: %w", result.TaskID, err)
	}
	return nil
}

// clearTaskRows drops the previous run's rows so a re-run never leaves
// stale data or screenshot references behind.
func (s *Store) clearTaskRows(ctx context.Context, tx pgx.Tx, taskID string) error {
	if _, err := tx.Exec(ctx, `DELETE FROM task_data WHERE task_id = $1;`, taskID); err != nil {
		return fmt.Errorf("failed to clear data for task %s: %w", taskID, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM task_screenshots WHERE task_id = $1;`, taskID); err != nil {
		return fmt.Errorf("failed to clear screenshots for task %s: %w", taskID, err)
	}
	return nil
}

func (s *Store) persistData(ctx context.Context, tx pgx.Tx, taskID string, data map[string]string) error {
	names := make([]string, 0, len(data))
	for name := range data {
		names = append(names, name)
	}
	sort.Strings(names)

	rows := make([][]interface{}, len(names))
	for i, name := range names {
		rows[i] = []interface{}{taskID, name, data[name]}
	}

	copyCount, err := tx.CopyFrom(
		ctx,
		pgx.Identifier{"task_data"},
		[]string{"task_id", "name", "value"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("failed to copy task data: %w", err)
	}
	if int(copyCount) != len(rows) {
		return fmt.Errorf("mismatch in copied data count: expected %d, got %d", len(rows), copyCount)
	}
	return nil
}

func (s *Store) persistScreenshots(ctx context.Context, tx pgx.Tx, taskID string, screenshots []schemas.ScreenshotRef) error {
	sql := `
        INSERT INTO task_screenshots (task_id, position, name, url)
        VALUES ($1, $2, $3, $4);
    `

	for i, shot := range screenshots {
		if _, err := tx.Exec(ctx, sql, taskID, i, shot.Name, shot.URL); err != nil {
			return fmt.Errorf("failed to insert screenshot %s for task %s: %w", shot.Name, taskID, err)
		}
	}
	return nil
}

// GetResultByTaskID reassembles one stored execution result. The data map
// and screenshot list come back exactly as persisted; a missing task id
// yields ErrNotFound.
func (s *Store) GetResultByTaskID(ctx context.Context, taskID string) (*schemas.ExecutionResult, error) {
	result, err := s.loadResultRow(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := s.loadData(ctx, result); err != nil {
		return nil, err
	}
	if err := s.loadScreenshots(ctx, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) loadResultRow(ctx context.Context, taskID string) (*schemas.ExecutionResult, error) {
	query := `
        SELECT status, error_message, error_phase, error_step_index, started_at, finished_at
        FROM task_results
        WHERE task_id = $1;
    `
	rows, err := s.pool.Query(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query task result: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("error during row iteration: %w", err)
		}
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}

	result := &schemas.ExecutionResult{TaskID: taskID, Data: make(map[string]string)}
	var status string
	var errMessage, errPhase *string
	var errStepIndex *int

	if err := rows.Scan(&status, &errMessage, &errPhase, &errStepIndex, &result.StartedAt, &result.FinishedAt); err != nil {
		return nil, fmt.Errorf("failed to scan result row: %w", err)
	}

	result.Status = schemas.TaskStatus(status)
	if errMessage != nil {
		result.Error = &schemas.StepError{Message: *errMessage}
		if errPhase != nil {
			result.Error.Phase = *errPhase
		}
		if errStepIndex != nil {
			result.Error.StepIndex = *errStepIndex
		}
	}
	return result, nil
}

func (s *Store) loadData(ctx context.Context, result *schemas.ExecutionResult) error {
	query := `
        SELECT name, value
        FROM task_data
        WHERE task_id = $1
        ORDER BY name ASC;
    `
	rows, err := s.pool.Query(ctx, query, result.TaskID)
	if err != nil {
		return fmt.Errorf("failed to query task data: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return fmt.Errorf("failed to scan data row: %w", err)
		}
		result.Data[name] = value
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error during row iteration: %w", err)
	}
	return nil
}

func (s *Store) loadScreenshots(ctx context.Context, result *schemas.ExecutionResult) error {
	query := `
        SELECT name, url
        FROM task_screenshots
        WHERE task_id = $1
        ORDER BY position ASC;
    `
	rows, err := s.pool.Query(ctx, query, result.TaskID)
	if err != nil {
		return fmt.Errorf("failed to query task screenshots: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var shot schemas.ScreenshotRef
		if err := rows.Scan(&shot.Name, &shot.URL); err != nil {
			return fmt.Errorf("failed to scan screenshot row: %w", err)
		}
		result.Screenshots = append(result.Screenshots, shot)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error during row iteration: %w", err)
	}
	return nil
}
