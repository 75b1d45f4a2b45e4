package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/blackvectorops/flowcap/internal/config"
)

var (
	// ErrPageClosed is returned by operations on a page whose target has
	// already been torn down.
	ErrPageClosed = errors.New("page has been closed")
	// ErrNoSuchElement is returned when a selector matched nothing in the
	// live document.
	ErrNoSuchElement = errors.New("no element matched the selector")
)

// ElementMetrics describes the scroll geometry of a single element, read
// live from the document. All values are CSS pixels except DPR.
type ElementMetrics struct {
	Found        bool    `json:"found"`
	ScrollHeight float64 `json:"scrollHeight"`
	ClientHeight float64 `json:"clientHeight"`
	ScrollTop    float64 `json:"scrollTop"`
	DPR          float64 `json:"dpr"`
}

// ElementState is a rendering snapshot of a single element, used to decide
// whether it is actually presented to the user.
type ElementState struct {
	Present    bool    `json:"present"`
	Display    string  `json:"display"`
	Visibility string  `json:"visibility"`
	Opacity    float64 `json:"opacity"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	Text       string  `json:"text"`
}

// Visible reports whether the element occupies layout space and is not
// hidden through CSS. A missing element is never visible.
func (s ElementState) Visible() bool {
	if !s.Present {
		return false
	}
	if s.Display == "none" || s.Visibility == "hidden" {
		return false
	}
	if s.Opacity <= 0 {
		return false
	}
	return s.Width > 0 && s.Height > 0
}

// Page wraps a single browser tab. All operations accept the caller's
// context so a cancelled task interrupts in-flight CDP work even though the
// tab itself lives on the manager's context tree.
type Page struct {
	id      string
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *zap.Logger
	cfg     *config.Config
	manager *Manager
	net     *netWatcher

	closeOnce sync.Once
	closeErr  error
}

func newPage(id string, ctx context.Context, cancel context.CancelFunc, logger *zap.Logger, cfg *config.Config, m *Manager) *Page {
	p := &Page{
		id:      id,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.With(zap.String("page_id", id)),
		cfg:     cfg,
		manager: m,
		net:     newNetWatcher(),
	}
	chromedp.ListenTarget(ctx, p.net.handleEvent)
	return p
}

// init attaches the target, applies the configured viewport and enables the
// network domain so the idle watcher receives events.
func (p *Page) init(ctx context.Context) error {
	runCtx, cancel := p.actionContext(ctx, p.cfg.Browser.NavigationTimeout)
	defer cancel()

	err := chromedp.Run(runCtx,
		network.Enable(),
		chromedp.EmulateViewport(int64(p.cfg.Browser.ViewportWidth), int64(p.cfg.Browser.ViewportHeight)),
		chromedp.Navigate("about:blank"),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize page target: %w", err)
	}
	return nil
}

// ID returns the registry identifier of this page.
func (p *Page) ID() string {
	return p.id
}

// Alive reports whether the underlying target is still attached. A crashed
// or disconnected browser cancels the page context, flipping this to false.
func (p *Page) Alive() bool {
	return p.ctx.Err() == nil
}

// actionContext bridges the operation context with the page's own lifetime:
// the returned context ends when either one does, or when the timeout
// elapses. chromedp actions must run on the page's context tree, so the
// caller's deadline cannot be passed through directly.
func (p *Page) actionContext(opCtx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	var runCtx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(p.ctx, timeout)
	} else {
		runCtx, cancel = context.WithCancel(p.ctx)
	}

	go func() {
		select {
		case <-opCtx.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()
	return runCtx, cancel
}

// Navigate loads the given URL and waits for the document body to be ready.
func (p *Page) Navigate(ctx context.Context, url string) error {
	if !p.Alive() {
		return ErrPageClosed
	}
	p.logger.Debug("Navigating", zap.String("url", url))

	runCtx, cancel := p.actionContext(ctx, p.cfg.Browser.NavigationTimeout)
	defer cancel()

	err := chromedp.Run(runCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	return nil
}

// WaitVisible blocks until the selector matches a visible element or the
// selector timeout elapses.
func (p *Page) WaitVisible(ctx context.Context, selector string) error {
	if !p.Alive() {
		return ErrPageClosed
	}

	runCtx, cancel := p.actionContext(ctx, p.cfg.Browser.SelectorTimeout)
	defer cancel()

	if err := chromedp.Run(runCtx, chromedp.WaitVisible(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("element %q did not become visible: %w", selector, err)
	}
	return nil
}

// Click waits for the selector to be visible, then dispatches a click on it.
func (p *Page) Click(ctx context.Context, selector string) error {
	if !p.Alive() {
		return ErrPageClosed
	}
	p.logger.Debug("Clicking element", zap.String("selector", selector))

	runCtx, cancel := p.actionContext(ctx, p.cfg.Browser.SelectorTimeout)
	defer cancel()

	if err := chromedp.Run(runCtx, chromedp.Click(selector, chromedp.NodeVisible)); err != nil {
		return fmt.Errorf("failed to click %q: %w", selector, err)
	}
	return nil
}

// Text waits for the selector to be visible and returns its text content.
func (p *Page) Text(ctx context.Context, selector string) (string, error) {
	if !p.Alive() {
		return "", ErrPageClosed
	}

	runCtx, cancel := p.actionContext(ctx, p.cfg.Browser.SelectorTimeout)
	defer cancel()

	var out string
	if err := chromedp.Run(runCtx, chromedp.Text(selector, &out, chromedp.NodeVisible)); err != nil {
		return "", fmt.Errorf("failed to read text of %q: %w", selector, err)
	}
	return out, nil
}

// HTML returns the full serialized document, for offline parsing.
func (p *Page) HTML(ctx context.Context) (string, error) {
	if !p.Alive() {
		return "", ErrPageClosed
	}

	runCtx, cancel := p.actionContext(ctx, p.cfg.Browser.SelectorTimeout)
	defer cancel()

	var out string
	if err := chromedp.Run(runCtx, chromedp.OuterHTML("html", &out, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("failed to capture document HTML: %w", err)
	}
	return out, nil
}

// Evaluate runs a script in the page and unmarshals its JSON result into
// res. Pass nil to discard the result.
func (p *Page) Evaluate(ctx context.Context, script string, res interface{}) error {
	if !p.Alive() {
		return ErrPageClosed
	}

	runCtx, cancel := p.actionContext(ctx, p.cfg.Browser.SelectorTimeout)
	defer cancel()

	if err := chromedp.Run(runCtx, chromedp.Evaluate(script, res)); err != nil {
		return fmt.Errorf("script evaluation failed: %w", err)
	}
	return nil
}

// ElementMetrics reads the scroll geometry of the first element matching
// the selector.
func (p *Page) ElementMetrics(ctx context.Context, selector string) (ElementMetrics, error) {
	script := fmt.Sprintf(`(() => {
		const el = document.querySelector(%q);
		if (!el) { return { found: false }; }
		return {
			found: true,
			scrollHeight: el.scrollHeight,
			clientHeight: el.clientHeight,
			scrollTop: el.scrollTop,
			dpr: window.devicePixelRatio || 1,
		};
	})()`, selector)

	var m ElementMetrics
	if err := p.Evaluate(ctx, script, &m); err != nil {
		return ElementMetrics{}, err
	}
	if !m.Found {
		return ElementMetrics{}, fmt.Errorf("%w: %q", ErrNoSuchElement, selector)
	}
	return m, nil
}

// SetScrollTop scrolls the matched element to the given vertical offset and
// returns the offset the browser actually settled on, which may be clamped.
func (p *Page) SetScrollTop(ctx context.Context, selector string, offset float64) (float64, error) {
	script := fmt.Sprintf(`(() => {
		const el = document.querySelector(%q);
		if (!el) { return -1; }
		el.scrollTop = %f;
		return el.scrollTop;
	})()`, selector, offset)

	var got float64
	if err := p.Evaluate(ctx, script, &got); err != nil {
		return 0, err
	}
	if got < 0 {
		return 0, fmt.Errorf("%w: %q", ErrNoSuchElement, selector)
	}
	return got, nil
}

// ScrollBy scrolls the matched element by the given vertical delta. An
// empty selector scrolls the window instead.
func (p *Page) ScrollBy(ctx context.Context, selector string, deltaY float64) error {
	var script string
	if selector == "" {
		script = fmt.Sprintf(`window.scrollBy(0, %f)`, deltaY)
	} else {
		script = fmt.Sprintf(`(() => {
			const el = document.querySelector(%q);
			if (!el) { return false; }
			el.scrollBy(0, %f);
			return true;
		})()`, selector, deltaY)
	}

	if selector == "" {
		return p.Evaluate(ctx, script, nil)
	}
	var ok bool
	if err := p.Evaluate(ctx, script, &ok); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoSuchElement, selector)
	}
	return nil
}

// ElementState probes the rendering state of the first element matching the
// selector, including its visible text.
func (p *Page) ElementState(ctx context.Context, selector string) (ElementState, error) {
	script := fmt.Sprintf(`(() => {
		const el = document.querySelector(%q);
		if (!el) { return { present: false }; }
		const style = window.getComputedStyle(el);
		const rect = el.getBoundingClientRect();
		return {
			present: true,
			display: style.display,
			visibility: style.visibility,
			opacity: parseFloat(style.opacity),
			width: rect.width,
			height: rect.height,
			text: (el.innerText || el.textContent || '').trim(),
		};
	})()`, selector)

	var s ElementState
	if err := p.Evaluate(ctx, script, &s); err != nil {
		return ElementState{}, err
	}
	return s, nil
}

// CaptureElement screenshots the box of the first element matching the
// selector, scrolling it into view first.
func (p *Page) CaptureElement(ctx context.Context, selector string) ([]byte, error) {
	if !p.Alive() {
		return nil, ErrPageClosed
	}

	runCtx, cancel := p.actionContext(ctx, p.cfg.Browser.SelectorTimeout)
	defer cancel()

	var buf []byte
	if err := chromedp.Run(runCtx, chromedp.Screenshot(selector, &buf, chromedp.NodeVisible)); err != nil {
		return nil, fmt.Errorf("failed to capture element %q: %w", selector, err)
	}
	return buf, nil
}

// CaptureViewport screenshots the current viewport.
func (p *Page) CaptureViewport(ctx context.Context) ([]byte, error) {
	if !p.Alive() {
		return nil, ErrPageClosed
	}

	runCtx, cancel := p.actionContext(ctx, p.cfg.Browser.SelectorTimeout)
	defer cancel()

	var buf []byte
	if err := chromedp.Run(runCtx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("failed to capture viewport: %w", err)
	}
	return buf, nil
}

// WaitNetworkIdle blocks until the page has had no network activity for
// quietPeriod, giving up after maxWait. Zero durations fall back to the
// configured defaults.
func (p *Page) WaitNetworkIdle(ctx context.Context, quietPeriod, maxWait time.Duration) error {
	if !p.Alive() {
		return ErrPageClosed
	}
	if quietPeriod <= 0 {
		quietPeriod = p.cfg.Browser.IdleQuietPeriod
	}
	if maxWait <= 0 {
		maxWait = p.cfg.Browser.IdleMaxWait
	}

	runCtx, cancel := p.actionContext(ctx, 0)
	defer cancel()

	return p.net.WaitIdle(runCtx, quietPeriod, maxWait)
}

// Close detaches the target and removes the page from the manager registry.
// Safe to call more than once.
func (p *Page) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.logger.Debug("Closing page")
		if p.manager != nil {
			p.manager.unregister(p.id)
		}
		p.cancel()
	})
	return p.closeErr
}
