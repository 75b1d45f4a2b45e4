package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/blackvectorops/flowcap/api/schemas"
	"github.com/blackvectorops/flowcap/internal/config"
)

// -- Interfaces for Dependency Inversion --

// Runner executes one task end to end and always returns a terminal result.
// The workflow interpreter is the production implementation.
type Runner interface {
	Execute(ctx context.Context, task schemas.Task) schemas.ExecutionResult
}

// Store persists finished results. The engine treats persistence as
// best-effort: a nil Store disables it and a failing one is only logged.
type Store interface {
	SaveResult(ctx context.Context, result *schemas.ExecutionResult) error
}

// TaskEngine manages the in-process distribution of tasks to a pool of workers.
type TaskEngine struct {
	cfg    *config.Config
	logger *zap.Logger
	store  Store
	runner Runner
	wg     sync.WaitGroup
}

// New creates a new TaskEngine. Dependencies come in as interfaces so tests
// can swap them out.
func New(cfg *config.Config, logger *zap.Logger, store Store, runner Runner) *TaskEngine {
	return &TaskEngine{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "task_engine")),
		store:  store,
		runner: runner,
	}
}

// Start launches the worker pool and begins consuming tasks from the provided
// channel. Each finished result is sent to results when it is non-nil; pass
// nil when nobody needs the outcomes delivered in-process.
func (e *TaskEngine) Start(ctx context.Context, tasks <-chan schemas.Task, results chan<- schemas.ExecutionResult) {
	concurrency := e.cfg.Engine.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 2
	}

	e.logger.Info("Starting task engine worker pool", zap.Int("concurrency", concurrency))

	for i := 0; i < concurrency; i++ {
		e.wg.Add(1)
		go e.runWorker(ctx, i+1, tasks, results)
	}
}

// Stop gracefully shuts down the engine by waiting for all workers to finish.
// The task channel is closed by the caller; the engine just drains it.
func (e *TaskEngine) Stop() {
	e.logger.Info("Stopping task engine, waiting for workers to finish")
	e.wg.Wait()
	e.logger.Info("Task engine stopped")
}

// runWorker is the main loop for a single worker goroutine.
func (e *TaskEngine) runWorker(ctx context.Context, workerID int, tasks <-chan schemas.Task, results chan<- schemas.ExecutionResult) {
	defer e.wg.Done()
	logger := e.logger.With(zap.Int("worker_id", workerID))
	logger.Info("Worker goroutine started")

	for task := range tasks {
		result := e.process(ctx, task, logger)
		if results == nil {
			continue
		}
		select {
		case results <- result:
		case <-ctx.Done():
			logger.Warn("Dropping result, context cancelled", zap.String("task_id", task.TaskID))
		}
	}

	logger.Info("Task queue closed and drained, worker shutting down")
}

// process handles the execution of a single task under the engine's timeout,
// then persists the terminal result.
func (e *TaskEngine) process(ctx context.Context, task schemas.Task, logger *zap.Logger) schemas.ExecutionResult {
	logger.Info("Processing task",
		zap.String("task_id", task.TaskID),
		zap.String("workflow", task.Workflow.Name),
	)

	taskTimeout := e.cfg.Engine.DefaultTaskTimeout
	if taskTimeout <= 0 {
		taskTimeout = 15 * time.Minute
	}
	taskCtx, cancel := context.WithTimeout(ctx, taskTimeout)
	defer cancel()

	result := e.runner.Execute(taskCtx, task)

	if result.Status == schemas.StatusFailed && result.Error != nil {
		logger.Warn("Task finished with a failure",
			zap.String("task_id", task.TaskID),
			zap.String("phase", result.Error.Phase),
			zap.Int("step_index", result.Error.StepIndex),
		)
	}

	if e.store != nil {
		persistCtx, persistCancel := context.WithTimeout(ctx, 30*time.Second)
		defer persistCancel()

		if err := e.store.SaveResult(persistCtx, &result); err != nil {
			logger.Error("Failed to persist task result", zap.String("task_id", task.TaskID), zap.Error(err))
		} else {
			logger.Debug("Persisted task result", zap.String("task_id", task.TaskID))
		}
	}

	return result
}
