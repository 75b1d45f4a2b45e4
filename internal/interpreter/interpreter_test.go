package interpreter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/blackvectorops/flowcap/api/schemas"
	"github.com/blackvectorops/flowcap/internal/browser"
	"github.com/blackvectorops/flowcap/internal/config"
	"github.com/blackvectorops/flowcap/internal/interrupt"
)

// scriptedPage plays back canned page behavior so whole workflows can run
// without a browser.
type scriptedPage struct {
	mu          sync.Mutex
	alive       bool
	html        string
	texts       map[string]string
	visible     map[string]bool
	captures    map[string][]byte
	viewports   [][]byte
	viewportIdx int
	metrics     map[string]browser.ElementMetrics
	challenge   browser.ElementState
	navErr      error
	idleErr     error

	navigations []string
	clicks      []string
	scrolls     int
}

func newScriptedPage() *scriptedPage {
	return &scriptedPage{
		alive:    true,
		texts:    map[string]string{},
		visible:  map[string]bool{},
		captures: map[string][]byte{},
		metrics:  map[string]browser.ElementMetrics{},
	}
}

func (p *scriptedPage) Navigate(_ context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.navErr != nil {
		return p.navErr
	}
	p.navigations = append(p.navigations, url)
	return nil
}

func (p *scriptedPage) WaitVisible(_ context.Context, selector string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.visible[selector] {
		return nil
	}
	return fmt.Errorf("element %q did not become visible", selector)
}

func (p *scriptedPage) Click(_ context.Context, selector string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.visible[selector] {
		return fmt.Errorf("failed to click %q", selector)
	}
	p.clicks = append(p.clicks, selector)
	return nil
}

func (p *scriptedPage) Text(_ context.Context, selector string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if value, ok := p.texts[selector]; ok {
		return value, nil
	}
	return "", fmt.Errorf("element %q did not become visible", selector)
}

func (p *scriptedPage) HTML(_ context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.html, nil
}

func (p *scriptedPage) ElementState(_ context.Context, _ string) (browser.ElementState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.challenge, nil
}

func (p *scriptedPage) ElementMetrics(_ context.Context, selector string) (browser.ElementMetrics, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.metrics[selector]; ok {
		return m, nil
	}
	return browser.ElementMetrics{Found: true, ScrollHeight: 400, ClientHeight: 400, DPR: 1}, nil
}

func (p *scriptedPage) SetScrollTop(_ context.Context, _ string, offset float64) (float64, error) {
	return offset, nil
}

func (p *scriptedPage) ScrollBy(_ context.Context, _ string, _ float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scrolls++
	return nil
}

func (p *scriptedPage) CaptureElement(_ context.Context, selector string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if buf, ok := p.captures[selector]; ok {
		return buf, nil
	}
	return nil, fmt.Errorf("failed to capture element %q", selector)
}

func (p *scriptedPage) CaptureViewport(_ context.Context) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.viewports) == 0 {
		return []byte("blank"), nil
	}
	idx := p.viewportIdx
	if idx >= len(p.viewports) {
		idx = len(p.viewports) - 1
	}
	p.viewportIdx++
	return p.viewports[idx], nil
}

func (p *scriptedPage) WaitNetworkIdle(_ context.Context, _, _ time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.idleErr
}

func (p *scriptedPage) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive
}

func (p *scriptedPage) setChallenge(state browser.ElementState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.challenge = state
}

type fakePager struct {
	mu       sync.Mutex
	page     *scriptedPage
	err      error
	acquired int
	released int
}

func (f *fakePager) Acquire(_ context.Context) (Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.acquired++
	return f.page, nil
}

func (f *fakePager) Release(_ Page) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
}

func (f *fakePager) releaseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

type fakeBlobs struct {
	mu      sync.Mutex
	uploads []string
	err     error
}

func (f *fakeBlobs) Upload(_ context.Context, _ []byte, pathHint string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.uploads = append(f.uploads, pathHint)
	return "blob://" + pathHint, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []schemas.ProgressEvent
}

func (r *recordingSink) Report(_ context.Context, event schemas.ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingSink) statuses() []schemas.ProgressStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]schemas.ProgressStatus, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Status)
	}
	return out
}

func interpreterConfig() *config.Config {
	return &config.Config{
		Browser: config.BrowserConfig{
			IdleQuietPeriod: time.Millisecond,
			IdleMaxWait:     5 * time.Millisecond,
		},
		Workflow: config.WorkflowConfig{ScrollDeltaPx: 600, ScrollMaxRounds: 10},
		Capture: config.CaptureConfig{
			OverlapPx:         50,
			MaxTiles:          40,
			SettleQuietPeriod: time.Millisecond,
			SettleMaxWait:     2 * time.Millisecond,
		},
		Challenge: config.ChallengeConfig{
			Enabled:           false,
			ContainerSelector: "#challenge",
			Keywords:          []string{"verify", "captcha"},
			PauseTimeout:      2 * time.Second,
		},
	}
}

func newTestInterpreter(cfg *config.Config, pager Pager, blobs schemas.BlobStore) (*Interpreter, *recordingSink, *interrupt.Coordinator) {
	sink := &recordingSink{}
	detector := interrupt.NewDetector(zap.NewNop(), cfg)
	coordinator := interrupt.NewCoordinator(zap.NewNop(), cfg, detector, sink)
	in := New(zap.NewNop(), cfg, pager, coordinator, sink, blobs)
	return in, sink, coordinator
}

func referenceWorkflow() schemas.Workflow {
	return schemas.Workflow{
		Name: "profile-grab",
		Steps: []schemas.Step{
			{Kind: schemas.StepNavigate, URL: "https://example.com/profile"},
			{Kind: schemas.StepWaitSelector, Selector: ".ready"},
			{Kind: schemas.StepScreenshot, Selector: ".chart", SaveAs: "a.png"},
			{Kind: schemas.StepExtract, Selector: ".views", Name: "views"},
		},
	}
}

func readyPage() *scriptedPage {
	page := newScriptedPage()
	page.visible[".ready"] = true
	page.visible[".chart"] = true
	page.captures[".chart"] = []byte("chart-png")
	page.texts[".views"] = "12,345"
	return page
}

func visibleChallengeState() browser.ElementState {
	return browser.ElementState{
		Present:    true,
		Display:    "flex",
		Visibility: "visible",
		Opacity:    1,
		Width:      400,
		Height:     300,
		Text:       "Please verify you are human",
	}
}

func TestExecuteScenarios(t *testing.T) {
	t.Run("should complete the reference workflow with data and screenshots", func(t *testing.T) {
		page := readyPage()
		pager := &fakePager{page: page}
		blobs := &fakeBlobs{}
		in, sink, _ := newTestInterpreter(interpreterConfig(), pager, blobs)

		result := in.Execute(context.Background(), schemas.Task{TaskID: "task-1", Workflow: referenceWorkflow()})

		assert.Equal(t, schemas.StatusCompleted, result.Status)
		assert.Nil(t, result.Error)
		assert.Equal(t, map[string]string{"views": "12,345"}, result.Data)
		require.Len(t, result.Screenshots, 1)
		assert.Equal(t, schemas.ScreenshotRef{Name: "a.png", URL: "blob://a.png"}, result.Screenshots[0])
		assert.Equal(t, []string{"https://example.com/profile"}, page.navigations)
		assert.Equal(t, 1, pager.releaseCount())
		assert.False(t, result.FinishedAt.Before(result.StartedAt))

		assert.Equal(t, []schemas.ProgressStatus{
			schemas.ProgressRunning,
			schemas.ProgressRunning,
			schemas.ProgressRunning,
			schemas.ProgressRunning,
			schemas.ProgressCompleted,
		}, sink.statuses())
	})

	t.Run("should degrade a missing extraction to the sentinel", func(t *testing.T) {
		page := readyPage()
		delete(page.texts, ".views")
		pager := &fakePager{page: page}
		in, _, _ := newTestInterpreter(interpreterConfig(), pager, &fakeBlobs{})

		result := in.Execute(context.Background(), schemas.Task{TaskID: "task-2", Workflow: referenceWorkflow()})

		assert.Equal(t, schemas.StatusCompleted, result.Status)
		assert.Equal(t, schemas.ExtractionFailed, result.Data["views"])
		assert.Nil(t, result.Error)
	})

	t.Run("should fail the task on a navigation error", func(t *testing.T) {
		page := readyPage()
		page.navErr = errors.New("net::ERR_NAME_NOT_RESOLVED")
		pager := &fakePager{page: page}
		blobs := &fakeBlobs{}
		in, sink, _ := newTestInterpreter(interpreterConfig(), pager, blobs)

		result := in.Execute(context.Background(), schemas.Task{TaskID: "task-3", Workflow: referenceWorkflow()})

		assert.Equal(t, schemas.StatusFailed, result.Status)
		require.NotNil(t, result.Error)
		assert.Equal(t, "navigation", result.Error.Phase)
		assert.Equal(t, 0, result.Error.StepIndex)
		assert.Empty(t, blobs.uploads)
		assert.Equal(t, 1, pager.releaseCount())

		statuses := sink.statuses()
		assert.Equal(t, schemas.ProgressFailed, statuses[len(statuses)-1])
	})

	t.Run("should fail the task when a selector never becomes visible", func(t *testing.T) {
		page := readyPage()
		delete(page.visible, ".ready")
		pager := &fakePager{page: page}
		in, _, _ := newTestInterpreter(interpreterConfig(), pager, &fakeBlobs{})

		result := in.Execute(context.Background(), schemas.Task{TaskID: "task-4", Workflow: referenceWorkflow()})

		assert.Equal(t, schemas.StatusFailed, result.Status)
		require.NotNil(t, result.Error)
		assert.Equal(t, "selector", result.Error.Phase)
		assert.Equal(t, 1, result.Error.StepIndex)
	})

	t.Run("should fail the task when the blob store rejects an upload", func(t *testing.T) {
		page := readyPage()
		pager := &fakePager{page: page}
		blobs := &fakeBlobs{err: errors.New("bucket quota exceeded")}
		in, _, _ := newTestInterpreter(interpreterConfig(), pager, blobs)

		result := in.Execute(context.Background(), schemas.Task{TaskID: "task-5", Workflow: referenceWorkflow()})

		assert.Equal(t, schemas.StatusFailed, result.Status)
		require.NotNil(t, result.Error)
		assert.Equal(t, "upload", result.Error.Phase)
		assert.Equal(t, 2, result.Error.StepIndex)
		assert.Empty(t, result.Screenshots)
	})

	t.Run("should substitute task parameters before running", func(t *testing.T) {
		page := readyPage()
		page.texts[".followers"] = "1,024"
		pager := &fakePager{page: page}
		in, _, _ := newTestInterpreter(interpreterConfig(), pager, &fakeBlobs{})

		task := schemas.Task{
			TaskID: "task-6",
			Workflow: schemas.Workflow{
				Name: "param-wf",
				Steps: []schemas.Step{
					{Kind: schemas.StepNavigate, URL: "https://example.com/{{user}}"},
					{Kind: schemas.StepExtract, Selector: ".{{metric}}", Name: "{{metric}}"},
				},
			},
			Params: map[string]string{"user": "alice", "metric": "followers"},
		}

		result := in.Execute(context.Background(), task)

		assert.Equal(t, schemas.StatusCompleted, result.Status)
		assert.Equal(t, []string{"https://example.com/alice"}, page.navigations)
		assert.Equal(t, "1,024", result.Data["followers"])
	})

	t.Run("should render composite templates with sentinels for missed sources", func(t *testing.T) {
		page := readyPage()
		page.texts[".title"] = "Example Page"
		pager := &fakePager{page: page}
		in, _, _ := newTestInterpreter(interpreterConfig(), pager, &fakeBlobs{})

		task := schemas.Task{
			TaskID: "task-7",
			Workflow: schemas.Workflow{
				Name: "composite-wf",
				Steps: []schemas.Step{
					{Kind: schemas.StepNavigate, URL: "https://example.com/p"},
					{
						Kind:     schemas.StepCompositeExtract,
						Name:     "summary",
						Template: "{{title}} ({{likes}})",
						Sources: []schemas.CompositeSource{
							{Name: "title", Selector: ".title"},
							{Name: "likes", Selector: ".likes"},
						},
					},
				},
			},
		}

		result := in.Execute(context.Background(), task)

		assert.Equal(t, schemas.StatusCompleted, result.Status)
		assert.Equal(t, "Example Page ("+schemas.ExtractionFailed+")", result.Data["summary"])
	})

	t.Run("should stop the scroll loop once captures stabilize", func(t *testing.T) {
		page := readyPage()
		page.viewports = [][]byte{[]byte("frame-a"), []byte("frame-b"), []byte("frame-c")}
		pager := &fakePager{page: page}
		in, _, _ := newTestInterpreter(interpreterConfig(), pager, &fakeBlobs{})

		task := schemas.Task{
			TaskID: "task-8",
			Workflow: schemas.Workflow{
				Name:  "scroll-wf",
				Steps: []schemas.Step{{Kind: schemas.StepScrollRegion, Selector: ".feed"}},
			},
		}

		result := in.Execute(context.Background(), task)

		assert.Equal(t, schemas.StatusCompleted, result.Status)
		// frames a, b, c differ, then three identical rounds end the loop.
		assert.Equal(t, 5, page.scrolls)
	})

	t.Run("should upload a stitched capture of a fitting element directly", func(t *testing.T) {
		page := readyPage()
		page.metrics[".feed"] = browser.ElementMetrics{Found: true, ScrollHeight: 380, ClientHeight: 400, DPR: 1}
		page.captures[".feed"] = []byte("feed-png")
		pager := &fakePager{page: page}
		blobs := &fakeBlobs{}
		in, _, _ := newTestInterpreter(interpreterConfig(), pager, blobs)

		task := schemas.Task{
			TaskID: "task-9",
			Workflow: schemas.Workflow{
				Name:  "stitch-wf",
				Steps: []schemas.Step{{Kind: schemas.StepScreenshot, Selector: ".feed", SaveAs: "feed.png", Stitched: true}},
			},
		}

		result := in.Execute(context.Background(), task)

		require.Equal(t, schemas.StatusCompleted, result.Status)
		require.Len(t, result.Screenshots, 1)
		assert.Equal(t, "blob://feed.png", result.Screenshots[0].URL)
		assert.Equal(t, []string{"feed.png"}, blobs.uploads)
	})

	t.Run("should fail fast when no page can be acquired", func(t *testing.T) {
		pager := &fakePager{err: errors.New("browser manager is shut down")}
		in, _, _ := newTestInterpreter(interpreterConfig(), pager, &fakeBlobs{})

		result := in.Execute(context.Background(), schemas.Task{TaskID: "task-10", Workflow: referenceWorkflow()})

		assert.Equal(t, schemas.StatusFailed, result.Status)
		require.NotNil(t, result.Error)
		assert.Equal(t, "session", result.Error.Phase)
		assert.Equal(t, -1, result.Error.StepIndex)
		assert.Equal(t, 0, pager.releaseCount())
	})

	t.Run("should reject an invalid workflow before touching the browser", func(t *testing.T) {
		pager := &fakePager{page: readyPage()}
		in, _, _ := newTestInterpreter(interpreterConfig(), pager, &fakeBlobs{})

		result := in.Execute(context.Background(), schemas.Task{
			TaskID:   "task-11",
			Workflow: schemas.Workflow{Name: "empty"},
		})

		assert.Equal(t, schemas.StatusFailed, result.Status)
		require.NotNil(t, result.Error)
		assert.Equal(t, "workflow", result.Error.Phase)
		assert.Equal(t, 0, pager.acquired)
	})

	t.Run("should abort a wait step when the task context ends", func(t *testing.T) {
		pager := &fakePager{page: readyPage()}
		in, _, _ := newTestInterpreter(interpreterConfig(), pager, &fakeBlobs{})

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()

		task := schemas.Task{
			TaskID: "task-12",
			Workflow: schemas.Workflow{
				Name:  "slow-wf",
				Steps: []schemas.Step{{Kind: schemas.StepWait, DurationMs: 5000}},
			},
		}

		result := in.Execute(ctx, task)

		assert.Equal(t, schemas.StatusFailed, result.Status)
		require.NotNil(t, result.Error)
		assert.Equal(t, "wait", result.Error.Phase)
	})
}

func TestExecuteChallengeFlow(t *testing.T) {
	challengeWorkflow := schemas.Workflow{
		Name: "guarded-wf",
		Steps: []schemas.Step{
			{Kind: schemas.StepNavigate, URL: "https://example.com/guarded"},
			{Kind: schemas.StepExtract, Selector: ".views", Name: "views"},
		},
	}

	t.Run("should pause on a challenge and continue after an accepted resume", func(t *testing.T) {
		cfg := interpreterConfig()
		cfg.Challenge.Enabled = true

		page := readyPage()
		page.setChallenge(visibleChallengeState())
		pager := &fakePager{page: page}
		in, sink, coordinator := newTestInterpreter(cfg, pager, &fakeBlobs{})

		results := make(chan schemas.ExecutionResult, 1)
		go func() {
			results <- in.Execute(context.Background(), schemas.Task{TaskID: "task-20", Workflow: challengeWorkflow})
		}()

		require.Eventually(t, func() bool { return coordinator.Paused("task-20") }, 2*time.Second, 5*time.Millisecond)

		refused := coordinator.Resume("task-20")
		assert.False(t, refused.Accepted)

		page.setChallenge(browser.ElementState{Present: true, Display: "none"})
		accepted := coordinator.Resume("task-20")
		assert.True(t, accepted.Accepted)

		result := <-results
		assert.Equal(t, schemas.StatusCompleted, result.Status)
		assert.Equal(t, "12,345", result.Data["views"])
		assert.Contains(t, sink.statuses(), schemas.ProgressPaused)
	})

	t.Run("should fail the task when the pause deadline expires", func(t *testing.T) {
		cfg := interpreterConfig()
		cfg.Challenge.Enabled = true
		cfg.Challenge.PauseTimeout = 50 * time.Millisecond

		page := readyPage()
		page.setChallenge(visibleChallengeState())
		pager := &fakePager{page: page}
		in, _, _ := newTestInterpreter(cfg, pager, &fakeBlobs{})

		result := in.Execute(context.Background(), schemas.Task{TaskID: "task-21", Workflow: challengeWorkflow})

		assert.Equal(t, schemas.StatusFailed, result.Status)
		require.NotNil(t, result.Error)
		assert.Equal(t, "challenge", result.Error.Phase)
		assert.Equal(t, 0, result.Error.StepIndex)
	})
}
