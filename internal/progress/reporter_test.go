package progress

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/blackvectorops/flowcap/api/schemas"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []schemas.ProgressEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, event schemas.ProgressEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func TestReporter(t *testing.T) {
	t.Run("should keep only the latest event per task", func(t *testing.T) {
		r := NewReporter(zap.NewNop(), NopPublisher{})

		r.Report(context.Background(), schemas.ProgressEvent{
			TaskID: "task-1", Status: schemas.ProgressRunning, CurrentStepIndex: 0, TotalSteps: 4,
		})
		r.Report(context.Background(), schemas.ProgressEvent{
			TaskID: "task-1", Status: schemas.ProgressRunning, CurrentStepIndex: 2, TotalSteps: 4,
		})

		latest, ok := r.Latest("task-1")
		require.True(t, ok)
		assert.Equal(t, 2, latest.CurrentStepIndex)
	})

	t.Run("should track tasks independently", func(t *testing.T) {
		r := NewReporter(zap.NewNop(), NopPublisher{})

		r.Report(context.Background(), schemas.ProgressEvent{TaskID: "a", Status: schemas.ProgressRunning})
		r.Report(context.Background(), schemas.ProgressEvent{TaskID: "b", Status: schemas.ProgressCompleted})

		a, ok := r.Latest("a")
		require.True(t, ok)
		assert.Equal(t, schemas.ProgressRunning, a.Status)

		b, ok := r.Latest("b")
		require.True(t, ok)
		assert.Equal(t, schemas.ProgressCompleted, b.Status)
	})

	t.Run("should report unknown tasks as absent", func(t *testing.T) {
		r := NewReporter(zap.NewNop(), NopPublisher{})
		_, ok := r.Latest("ghost")
		assert.False(t, ok)
	})

	t.Run("should forward every event to the publisher", func(t *testing.T) {
		pub := &recordingPublisher{}
		r := NewReporter(zap.NewNop(), pub)

		r.Report(context.Background(), schemas.ProgressEvent{TaskID: "task-1", Status: schemas.ProgressRunning})
		r.Report(context.Background(), schemas.ProgressEvent{TaskID: "task-1", Status: schemas.ProgressCompleted})

		assert.Equal(t, 2, pub.count())
	})

	t.Run("should swallow publish failures", func(t *testing.T) {
		pub := &recordingPublisher{err: errors.New("broker unreachable")}
		r := NewReporter(zap.NewNop(), pub)

		r.Report(context.Background(), schemas.ProgressEvent{TaskID: "task-1", Status: schemas.ProgressFailed})

		latest, ok := r.Latest("task-1")
		require.True(t, ok)
		assert.Equal(t, schemas.ProgressFailed, latest.Status)
	})

	t.Run("should tolerate a nil publisher", func(t *testing.T) {
		r := NewReporter(zap.NewNop(), nil)
		r.Report(context.Background(), schemas.ProgressEvent{TaskID: "task-1", Status: schemas.ProgressRunning})

		_, ok := r.Latest("task-1")
		assert.True(t, ok)
	})
}
