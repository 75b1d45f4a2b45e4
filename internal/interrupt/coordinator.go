package interrupt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/blackvectorops/flowcap/api/schemas"
	"github.com/blackvectorops/flowcap/internal/config"
)

// ErrPauseTimeout is returned when a paused task was never resumed before
// the configured deadline.
var ErrPauseTimeout = errors.New("challenge was not cleared before the pause deadline")

const resumeCheckTimeout = 5 * time.Second

// ProgressReporter receives the paused transition for the task.
type ProgressReporter interface {
	Report(ctx context.Context, event schemas.ProgressEvent)
}

// pauseEntry parks one task on its completion signal. At most one entry
// exists per task id.
type pauseEntry struct {
	taskID string
	page   PageProbe
	done   chan struct{}
}

// Coordinator runs the pause/resume protocol. A task that trips the
// detector parks inside CheckAndPause until an external Resume passes the
// re-check, the pause deadline expires, or the task context ends.
type Coordinator struct {
	logger   *zap.Logger
	cfg      *config.Config
	detector *Detector
	reporter ProgressReporter

	mu     sync.Mutex
	paused map[string]*pauseEntry
}

func NewCoordinator(logger *zap.Logger, cfg *config.Config, detector *Detector, reporter ProgressReporter) *Coordinator {
	return &Coordinator{
		logger:   logger.Named("interrupt"),
		cfg:      cfg,
		detector: detector,
		reporter: reporter,
		paused:   make(map[string]*pauseEntry),
	}
}

// CheckAndPause probes the page and, when a challenge is presented, parks
// the calling task until the challenge is cleared. Returns nil when there
// is no challenge or after a successful resume; the task continues from
// its next step either way.
func (c *Coordinator) CheckAndPause(ctx context.Context, taskID string, page PageProbe, stepIndex, totalSteps int) error {
	if !c.detector.Check(ctx, page) {
		return nil
	}

	entry, err := c.register(taskID, page)
	if err != nil {
		return err
	}
	defer c.discard(taskID, entry)

	c.logger.Warn("Challenge detected, pausing task",
		zap.String("task_id", taskID),
		zap.Int("step_index", stepIndex),
	)
	c.reporter.Report(ctx, schemas.ProgressEvent{
		TaskID:           taskID,
		Status:           schemas.ProgressPaused,
		CurrentStepIndex: stepIndex,
		TotalSteps:       totalSteps,
		Message:          "waiting for the challenge to be cleared",
	})

	deadline := time.NewTimer(c.cfg.Challenge.PauseTimeout)
	defer deadline.Stop()

	select {
	case <-entry.done:
		c.logger.Info("Task resumed", zap.String("task_id", taskID))
		return nil
	case <-deadline.C:
		return fmt.Errorf("%w (%s)", ErrPauseTimeout, c.cfg.Challenge.PauseTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resume fulfills the pause for taskID, provided the challenge has really
// been cleared. The visibility re-check runs against the paused task's own
// page; while the challenge is still rendered the resume is refused and
// the task stays parked, so callers can simply retry.
func (c *Coordinator) Resume(taskID string) schemas.ResumeReceipt {
	c.mu.Lock()
	entry, ok := c.paused[taskID]
	c.mu.Unlock()
	if !ok {
		return schemas.ResumeReceipt{TaskID: taskID, Accepted: false, Reason: "task is not paused"}
	}

	checkCtx, cancel := context.WithTimeout(context.Background(), resumeCheckTimeout)
	defer cancel()
	if c.detector.Check(checkCtx, entry.page) {
		c.logger.Info("Resume refused, challenge still visible", zap.String("task_id", taskID))
		return schemas.ResumeReceipt{TaskID: taskID, Accepted: false, Reason: "challenge is still visible"}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	current, ok := c.paused[taskID]
	if !ok || current != entry {
		return schemas.ResumeReceipt{TaskID: taskID, Accepted: false, Reason: "task is not paused"}
	}
	delete(c.paused, taskID)
	close(entry.done)
	return schemas.ResumeReceipt{TaskID: taskID, Accepted: true}
}

// Paused reports whether the given task currently has an active pause.
func (c *Coordinator) Paused(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.paused[taskID]
	return ok
}

func (c *Coordinator) register(taskID string, page PageProbe) (*pauseEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.paused[taskID]; exists {
		return nil, fmt.Errorf("task %s already has an active pause", taskID)
	}
	entry := &pauseEntry{taskID: taskID, page: page, done: make(chan struct{})}
	c.paused[taskID] = entry
	return entry, nil
}

// discard drops the registry entry if it is still this pause's own. A
// resume that already removed it leaves newer entries untouched.
func (c *Coordinator) discard(taskID string, entry *pauseEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if current, ok := c.paused[taskID]; ok && current == entry {
		delete(c.paused, taskID)
	}
}
