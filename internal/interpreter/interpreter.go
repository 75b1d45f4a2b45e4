// Package interpreter executes workflow documents step by step against a
// browser page. Every task gets a terminal ExecutionResult: fatal step
// failures abort the task with the failing step's index and phase, while
// extraction misses degrade to a sentinel value and let the task finish.
package interpreter

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/blackvectorops/flowcap/api/schemas"
	"github.com/blackvectorops/flowcap/internal/browser"
	"github.com/blackvectorops/flowcap/internal/capture"
	"github.com/blackvectorops/flowcap/internal/config"
	"github.com/blackvectorops/flowcap/internal/extract"
	"github.com/blackvectorops/flowcap/internal/interrupt"
)

// Page is the per-task browser surface the interpreter drives. It is the
// union of what the extraction engine, the compositor and the interrupt
// coordinator each need, so one page value serves all of them.
type Page interface {
	Navigate(ctx context.Context, url string) error
	WaitVisible(ctx context.Context, selector string) error
	Click(ctx context.Context, selector string) error
	Text(ctx context.Context, selector string) (string, error)
	HTML(ctx context.Context) (string, error)
	ElementState(ctx context.Context, selector string) (browser.ElementState, error)
	ElementMetrics(ctx context.Context, selector string) (browser.ElementMetrics, error)
	SetScrollTop(ctx context.Context, selector string, offset float64) (float64, error)
	ScrollBy(ctx context.Context, selector string, deltaY float64) error
	CaptureElement(ctx context.Context, selector string) ([]byte, error)
	CaptureViewport(ctx context.Context) ([]byte, error)
	WaitNetworkIdle(ctx context.Context, quietPeriod, maxWait time.Duration) error
	Alive() bool
}

// Pager hands out browser tabs, one per task.
type Pager interface {
	Acquire(ctx context.Context) (Page, error)
	Release(page Page)
}

// ProgressSink receives step-boundary and terminal progress events.
type ProgressSink interface {
	Report(ctx context.Context, event schemas.ProgressEvent)
}

const scrollStableRounds = 3

// Interpreter turns one task into one ExecutionResult.
type Interpreter struct {
	logger      *zap.Logger
	cfg         *config.Config
	pager       Pager
	extractor   *extract.Engine
	compositor  *capture.Compositor
	coordinator *interrupt.Coordinator
	reporter    ProgressSink
	blobs       schemas.BlobStore
}

func New(logger *zap.Logger, cfg *config.Config, pager Pager, coordinator *interrupt.Coordinator, reporter ProgressSink, blobs schemas.BlobStore) *Interpreter {
	return &Interpreter{
		logger:      logger.Named("interpreter"),
		cfg:         cfg,
		pager:       pager,
		extractor:   extract.NewEngine(logger),
		compositor:  capture.NewCompositor(logger, cfg),
		coordinator: coordinator,
		reporter:    reporter,
		blobs:       blobs,
	}
}

// Execute resolves the task's placeholders, runs every step in order and
// returns a terminal result. Errors are folded into the result, never
// returned; the caller always gets a completed or failed outcome.
func (in *Interpreter) Execute(ctx context.Context, task schemas.Task) schemas.ExecutionResult {
	result := schemas.ExecutionResult{
		TaskID:    task.TaskID,
		Status:    schemas.StatusCompleted,
		Data:      make(map[string]string),
		StartedAt: time.Now().UTC(),
	}

	workflow := ResolveWorkflow(task.Workflow, task.Params)
	total := len(workflow.Steps)
	log := in.logger.With(zap.String("task_id", task.TaskID), zap.String("workflow", workflow.Name))

	if err := workflow.Validate(); err != nil {
		return in.fail(ctx, log, result, total, &schemas.StepError{
			Message: err.Error(), Phase: "workflow", StepIndex: -1,
		})
	}

	page, err := in.pager.Acquire(ctx)
	if err != nil {
		return in.fail(ctx, log, result, total, &schemas.StepError{
			Message: fmt.Sprintf("failed to acquire a page: %v", err), Phase: "session", StepIndex: -1,
		})
	}
	defer in.pager.Release(page)

	log.Info("Starting workflow", zap.Int("steps", total))

	for i, step := range workflow.Steps {
		if err := ctx.Err(); err != nil {
			return in.fail(ctx, log, result, total, &schemas.StepError{
				Message: fmt.Sprintf("task cancelled: %v", err), Phase: string(step.Kind), StepIndex: i,
			})
		}

		in.reporter.Report(ctx, schemas.ProgressEvent{
			TaskID:           task.TaskID,
			Status:           schemas.ProgressRunning,
			CurrentStepIndex: i,
			TotalSteps:       total,
			Message:          describeStep(step),
		})

		if stepErr := in.runStep(ctx, log, page, task.TaskID, i, total, step, &result); stepErr != nil {
			return in.fail(ctx, log, result, total, stepErr)
		}
	}

	result.FinishedAt = time.Now().UTC()
	in.reporter.Report(ctx, schemas.ProgressEvent{
		TaskID:           task.TaskID,
		Status:           schemas.ProgressCompleted,
		CurrentStepIndex: total,
		TotalSteps:       total,
		Message:          "workflow completed",
	})
	log.Info("Workflow completed", zap.Duration("elapsed", result.FinishedAt.Sub(result.StartedAt)))
	return result
}

func (in *Interpreter) fail(ctx context.Context, log *zap.Logger, result schemas.ExecutionResult, total int, stepErr *schemas.StepError) schemas.ExecutionResult {
	result.Status = schemas.StatusFailed
	result.Error = stepErr
	result.FinishedAt = time.Now().UTC()

	in.reporter.Report(ctx, schemas.ProgressEvent{
		TaskID:           result.TaskID,
		Status:           schemas.ProgressFailed,
		CurrentStepIndex: stepErr.StepIndex,
		TotalSteps:       total,
		Message:          stepErr.Message,
	})
	log.Error("Workflow failed",
		zap.Int("step_index", stepErr.StepIndex),
		zap.String("phase", stepErr.Phase),
		zap.String("message", stepErr.Message),
	)
	return result
}

// runStep executes one step. A nil return means the task continues; a
// non-nil StepError aborts it. Extraction steps never abort: a miss stores
// the sentinel value and returns nil.
func (in *Interpreter) runStep(ctx context.Context, log *zap.Logger, page Page, taskID string, index, total int, step schemas.Step, result *schemas.ExecutionResult) *schemas.StepError {
	log.Debug("Running step", zap.Int("index", index), zap.String("kind", string(step.Kind)))

	fail := func(phase string, err error) *schemas.StepError {
		return &schemas.StepError{Message: err.Error(), Phase: phase, StepIndex: index}
	}

	switch step.Kind {
	case schemas.StepNavigate:
		if err := page.Navigate(ctx, step.URL); err != nil {
			return fail("navigation", err)
		}
		return in.consultCoordinator(ctx, taskID, page, index, total)

	case schemas.StepWait:
		select {
		case <-time.After(time.Duration(step.DurationMs) * time.Millisecond):
			return nil
		case <-ctx.Done():
			return fail("wait", ctx.Err())
		}

	case schemas.StepWaitSelector:
		if err := page.WaitVisible(ctx, step.Selector); err != nil {
			return fail("selector", err)
		}
		return nil

	case schemas.StepClick:
		if err := page.Click(ctx, step.Selector); err != nil {
			return fail("click", err)
		}
		return in.consultCoordinator(ctx, taskID, page, index, total)

	case schemas.StepScreenshot:
		return in.runScreenshot(ctx, page, index, step, result)

	case schemas.StepScrollRegion:
		in.runScrollRegion(ctx, log, page, step)
		return nil

	case schemas.StepWaitNetworkIdle:
		if err := page.WaitNetworkIdle(ctx, 0, 0); err != nil {
			return fail("network_idle", err)
		}
		return nil

	case schemas.StepExtract:
		value, err := in.extractor.Extract(ctx, page, step.Selector)
		if err != nil {
			log.Warn("Extraction missed, storing sentinel",
				zap.String("name", step.Name), zap.Error(err))
			result.Data[step.Name] = schemas.ExtractionFailed
			return nil
		}
		result.Data[step.Name] = value
		return nil

	case schemas.StepCompositeExtract:
		in.runCompositeExtract(ctx, log, page, step, result)
		return nil

	default:
		return fail("workflow", fmt.Errorf("unsupported step kind %q", step.Kind))
	}
}

// consultCoordinator probes for a challenge after page state changed.
// Navigations and clicks are where interstitials appear; a detected
// challenge parks the task here until it is cleared or times out.
func (in *Interpreter) consultCoordinator(ctx context.Context, taskID string, page Page, index, total int) *schemas.StepError {
	if in.coordinator == nil {
		return nil
	}
	if err := in.coordinator.CheckAndPause(ctx, taskID, page, index, total); err != nil {
		return &schemas.StepError{Message: err.Error(), Phase: "challenge", StepIndex: index}
	}
	return nil
}

func (in *Interpreter) runScreenshot(ctx context.Context, page Page, index int, step schemas.Step, result *schemas.ExecutionResult) *schemas.StepError {
	var buf []byte
	var err error
	if step.Stitched {
		buf, err = in.compositor.Capture(ctx, page, step.Selector)
	} else {
		if err = page.WaitVisible(ctx, step.Selector); err == nil {
			buf, err = page.CaptureElement(ctx, step.Selector)
		}
	}
	if err != nil {
		return &schemas.StepError{Message: err.Error(), Phase: "screenshot", StepIndex: index}
	}

	url, err := in.blobs.Upload(ctx, buf, step.SaveAs)
	if err != nil {
		return &schemas.StepError{
			Message: fmt.Sprintf("failed to upload %s: %v", step.SaveAs, err), Phase: "upload", StepIndex: index,
		}
	}
	result.Screenshots = append(result.Screenshots, schemas.ScreenshotRef{Name: step.SaveAs, URL: url})
	return nil
}

// runScrollRegion drives the region toward the bottom on a visual
// stability heuristic: keep scrolling while consecutive viewport captures
// differ, stop after three identical rounds. Lazy-loaded feeds settle
// without the loop knowing any framework's loading signal, and nothing
// here ever fails the task.
func (in *Interpreter) runScrollRegion(ctx context.Context, log *zap.Logger, page Page, step schemas.Step) {
	var previous []byte
	stable := 0

	for round := 0; round < in.cfg.Workflow.ScrollMaxRounds; round++ {
		if ctx.Err() != nil {
			return
		}

		shot, err := page.CaptureViewport(ctx)
		if err != nil {
			log.Debug("Scroll loop capture failed, stopping", zap.Error(err))
			return
		}
		if bytes.Equal(shot, previous) {
			stable++
			if stable >= scrollStableRounds {
				log.Debug("Scroll region settled", zap.Int("rounds", round))
				return
			}
		} else {
			stable = 0
		}
		previous = shot

		if err := page.ScrollBy(ctx, step.Selector, float64(in.cfg.Workflow.ScrollDeltaPx)); err != nil {
			log.Debug("Scroll failed, stopping", zap.Error(err))
			return
		}
		_ = page.WaitNetworkIdle(ctx, in.cfg.Capture.SettleQuietPeriod, in.cfg.Capture.SettleMaxWait)
	}
	log.Debug("Scroll region hit the round limit", zap.Int("rounds", in.cfg.Workflow.ScrollMaxRounds))
}

// runCompositeExtract renders a template from independently extracted
// sources. A missed source poisons only its own slot; the template still
// renders with the sentinel in place.
func (in *Interpreter) runCompositeExtract(ctx context.Context, log *zap.Logger, page Page, step schemas.Step, result *schemas.ExecutionResult) {
	values := make(map[string]string, len(step.Sources))
	for _, source := range step.Sources {
		value, err := in.extractor.Extract(ctx, page, source.Selector)
		if err != nil {
			log.Warn("Composite source missed, storing sentinel",
				zap.String("source", source.Name), zap.Error(err))
			value = schemas.ExtractionFailed
		}
		values[source.Name] = value
	}
	result.Data[step.Name] = substitute(step.Template, values)
}

func describeStep(step schemas.Step) string {
	switch step.Kind {
	case schemas.StepNavigate:
		return "navigating to " + step.URL
	case schemas.StepWait:
		return fmt.Sprintf("waiting %dms", step.DurationMs)
	case schemas.StepWaitSelector:
		return "waiting for " + step.Selector
	case schemas.StepClick:
		return "clicking " + step.Selector
	case schemas.StepScreenshot:
		return "capturing " + step.SaveAs
	case schemas.StepScrollRegion:
		return "scrolling region to the bottom"
	case schemas.StepWaitNetworkIdle:
		return "waiting for network idle"
	case schemas.StepExtract:
		return "extracting " + step.Name
	case schemas.StepCompositeExtract:
		return "composing " + step.Name
	default:
		return string(step.Kind)
	}
}
