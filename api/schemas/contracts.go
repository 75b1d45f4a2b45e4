package schemas

import "context"

// -- External Collaborator Contracts --
// The engine depends on these shapes only; concrete backends live behind them.

// BlobStore is the upload contract for captured images. Implementations return
// a stable URL/reference for the stored object. An upload failure is
// unrecoverable for the screenshot step that requested it.
type BlobStore interface {
	Upload(ctx context.Context, data []byte, pathHint string) (string, error)
}

// ProgressPublisher pushes progress events toward an external delivery
// channel. Fire-and-forget: at-least-once delivery is acceptable and
// publish errors must never abort a task.
type ProgressPublisher interface {
	Publish(ctx context.Context, event ProgressEvent) error
}

// ResumeReceipt is the reply to an external resume signal. Accepted is false
// when the challenge re-check still finds the challenge visible; the task
// then remains paused and the caller may retry.
type ResumeReceipt struct {
	TaskID   string `json:"task_id"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// Resumer is the pause/resume control contract exposed to external actors.
type Resumer interface {
	Resume(taskID string) ResumeReceipt
}
