package schemas

import (
	"fmt"
	"time"
)

// -- Task Invocation & Result Model --

// TaskStatus is the terminal outcome of one workflow execution.
type TaskStatus string

const (
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
)

// ExtractionFailed is the sentinel stored for a recoverable extraction miss.
// The task keeps running and its overall status is unaffected.
const ExtractionFailed = "__EXTRACTION_FAILED__"

// Task is the invocation contract: a workflow template plus the run-time
// parameters substituted into it. Params is read-only after construction.
type Task struct {
	TaskID   string            `json:"task_id"`
	Workflow Workflow          `json:"workflow"`
	Params   map[string]string `json:"params"`
}

// ScreenshotRef records one uploaded capture in execution order.
type ScreenshotRef struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// StepError describes the unrecoverable failure that terminated a task.
// Phase identifies the failing step kind so callers can distinguish
// "navigation failed" from "upload failed" without parsing the message.
type StepError struct {
	Message   string `json:"message"`
	Phase     string `json:"phase"`
	StepIndex int    `json:"step_index"`
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s): %s", e.StepIndex, e.Phase, e.Message)
}

// ExecutionResult is the record returned to the caller for one task.
// It is never mutated after being returned. Status is failed iff an
// unrecoverable error stopped the step loop; recoverable per-step misses
// leave it completed.
type ExecutionResult struct {
	TaskID      string            `json:"task_id"`
	Status      TaskStatus        `json:"status"`
	Data        map[string]string `json:"data"`
	Screenshots []ScreenshotRef   `json:"screenshots"`
	Error       *StepError        `json:"error,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	FinishedAt  time.Time         `json:"finished_at"`
}
