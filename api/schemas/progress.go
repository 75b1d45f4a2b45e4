package schemas

// -- Progress Reporting Model --

// ProgressStatus is the externally visible state of a task in flight.
type ProgressStatus string

const (
	ProgressRunning   ProgressStatus = "running"
	ProgressPaused    ProgressStatus = "paused"
	ProgressCompleted ProgressStatus = "completed"
	ProgressFailed    ProgressStatus = "failed"
)

// ProgressEvent is a transient, last-write-wins snapshot of task progress.
// The engine only writes these toward the external channel; it never reads
// them back.
type ProgressEvent struct {
	TaskID           string         `json:"task_id"`
	Status           ProgressStatus `json:"status"`
	CurrentStepIndex int            `json:"current_step_index"`
	TotalSteps       int            `json:"total_steps"`
	Message          string         `json:"message,omitempty"`
}
