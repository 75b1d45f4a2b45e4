// Package progress tracks per-task execution state and pushes it toward an
// external delivery channel. The push is one-way and fire-and-forget; the
// core never reads the channel back.
package progress

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/blackvectorops/flowcap/api/schemas"
)

// publishTimeout bounds one outbound publish so a stalled channel backend
// cannot park the task goroutine reporting through it.
const publishTimeout = 5 * time.Second

// Reporter keeps the latest event per task and forwards every event to the
// configured publisher. Writes for the same task id overwrite each other;
// the store answers "where is this task now", not "what happened".
type Reporter struct {
	logger    *zap.Logger
	publisher schemas.ProgressPublisher

	mu     sync.Mutex
	latest map[string]schemas.ProgressEvent
}

func NewReporter(logger *zap.Logger, publisher schemas.ProgressPublisher) *Reporter {
	return &Reporter{
		logger:    logger.Named("progress"),
		publisher: publisher,
		latest:    make(map[string]schemas.ProgressEvent),
	}
}

// Report records the event and pushes it out. Publish failures are logged
// and swallowed; progress delivery never disturbs task execution.
func (r *Reporter) Report(ctx context.Context, event schemas.ProgressEvent) {
	r.mu.Lock()
	r.latest[event.TaskID] = event
	r.mu.Unlock()

	if r.publisher == nil {
		return
	}

	publishCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if err := r.publisher.Publish(publishCtx, event); err != nil {
		r.logger.Warn("Failed to publish progress event",
			zap.String("task_id", event.TaskID),
			zap.String("status", string(event.Status)),
			zap.Error(err),
		)
	}
}

// Latest returns the most recent event recorded for the task.
func (r *Reporter) Latest(taskID string) (schemas.ProgressEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	event, ok := r.latest[taskID]
	return event, ok
}
