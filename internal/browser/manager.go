// Package browser owns the lifetime of the single local browser process and
// the tabs opened on it. The manager keeps one persistent profile directory
// across launches, so cookies and local storage survive crashes and
// restarts. Tabs are handed out as *Page values and tracked in a registry
// until released.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/blackvectorops/flowcap/internal/config"
)

// ErrManagerClosed is returned by Acquire after Shutdown has begun.
var ErrManagerClosed = errors.New("browser manager is shut down")

const pageCloseTimeout = 10 * time.Second

// Manager launches the browser lazily on first acquire and relaunches it
// transparently after a crash or disconnect. At most one browser process is
// alive at a time.
type Manager struct {
	logger  *zap.Logger
	cfg     *config.Config
	baseCtx context.Context

	mu            sync.Mutex
	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	pages         map[string]*Page
	closed        bool
}

// NewManager prepares a manager rooted at ctx. No browser process is
// started until the first Acquire.
func NewManager(ctx context.Context, logger *zap.Logger, cfg *config.Config) *Manager {
	return &Manager{
		logger:  logger.Named("browser"),
		cfg:     cfg,
		baseCtx: ctx,
		pages:   make(map[string]*Page),
	}
}

// Acquire opens a fresh tab on the shared browser, launching the browser
// first if none is running. The returned page must be released with Release
// or Close when the caller is done with it.
func (m *Manager) Acquire(ctx context.Context) (*Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}
	if err := m.ensureBrowserLocked(); err != nil {
		return nil, err
	}

	pageCtx, pageCancel := chromedp.NewContext(m.browserCtx)
	id := uuid.New().String()
	page := newPage(id, pageCtx, pageCancel, m.logger, m.cfg, m)

	if err := page.init(ctx); err != nil {
		pageCancel()
		return nil, fmt.Errorf("failed to open page: %w", err)
	}

	m.pages[id] = page
	m.logger.Debug("Page acquired", zap.String("page_id", id), zap.Int("active_pages", len(m.pages)))
	return page, nil
}

// Release closes the given page and removes it from the registry. Releasing
// a nil or already-closed page is a no-op.
func (m *Manager) Release(page *Page) {
	if page == nil {
		return
	}
	_ = page.Close(context.Background())
}

// ActivePages reports how many tabs are currently registered.
func (m *Manager) ActivePages() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pages)
}

// ensureBrowserLocked launches the browser process if none is alive. The
// caller must hold m.mu. A previous crash leaves a cancelled context
// behind; stale handles are torn down before relaunching against the same
// profile directory.
func (m *Manager) ensureBrowserLocked() error {
	if m.browserCtx != nil && m.browserCtx.Err() == nil {
		return nil
	}
	m.teardownBrowserLocked()

	allocCtx, allocCancel := chromedp.NewExecAllocator(m.baseCtx, m.allocatorOptions()...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(m.logger.Sugar().Debugf),
		chromedp.WithErrorf(m.logger.Sugar().Errorf),
	)

	// Start the process eagerly so launch failures surface here rather
	// than on the first page action.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return fmt.Errorf("failed to launch browser: %w", err)
	}

	m.allocCtx, m.allocCancel = allocCtx, allocCancel
	m.browserCtx, m.browserCancel = browserCtx, browserCancel

	go m.watchDisconnect(browserCtx)

	m.logger.Info("Browser launched",
		zap.Bool("headless", m.cfg.Browser.Headless),
		zap.String("profile_dir", m.cfg.Browser.ProfileDir),
	)
	return nil
}

// watchDisconnect clears the cached browser handle once its context ends,
// so the next Acquire relaunches instead of handing out dead tabs. Pages
// opened on the dead browser are already cancelled through the context
// tree and only need their registry entries dropped.
func (m *Manager) watchDisconnect(bctx context.Context) {
	<-bctx.Done()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.browserCtx != bctx {
		return
	}

	if !m.closed {
		m.logger.Warn("Browser disconnected, will relaunch on next acquire",
			zap.Int("orphaned_pages", len(m.pages)))
	}
	m.teardownBrowserLocked()
	m.pages = make(map[string]*Page)
}

// teardownBrowserLocked cancels whatever browser handles are cached. The
// caller must hold m.mu.
func (m *Manager) teardownBrowserLocked() {
	if m.browserCancel != nil {
		m.browserCancel()
	}
	if m.allocCancel != nil {
		m.allocCancel()
	}
	m.browserCtx, m.browserCancel = nil, nil
	m.allocCtx, m.allocCancel = nil, nil
}

func (m *Manager) unregister(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pages, id)
}

// allocatorOptions assembles the launch flag set. The profile directory is
// the one piece of state shared across launches.
func (m *Manager) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)

	if m.cfg.Browser.Headless {
		opts = append(opts, chromedp.Headless)
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if m.cfg.Browser.ProfileDir != "" {
		opts = append(opts, chromedp.UserDataDir(m.cfg.Browser.ProfileDir))
	}

	opts = append(opts,
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("disable-background-timer-throttling", true),
		chromedp.Flag("disable-backgrounding-occluded-windows", true),
		chromedp.Flag("disable-breakpad", true),
		chromedp.Flag("disable-default-apps", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-hang-monitor", true),
		chromedp.Flag("disable-prompt-on-repost", true),
		chromedp.Flag("disable-sync", true),
		chromedp.Flag("metrics-recording-only", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("disable-gpu", m.cfg.Browser.Headless),
		chromedp.WindowSize(m.cfg.Browser.ViewportWidth, m.cfg.Browser.ViewportHeight),
	)

	if m.cfg.Browser.IgnoreTLSErrors {
		opts = append(opts, chromedp.Flag("ignore-certificate-errors", true))
	}
	return opts
}

// Shutdown closes every open page concurrently, then tears the browser
// process down. The manager refuses new acquisitions from this point on.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	pages := make([]*Page, 0, len(m.pages))
	for _, p := range m.pages {
		pages = append(pages, p)
	}
	m.mu.Unlock()

	m.logger.Info("Shutting down browser manager", zap.Int("open_pages", len(pages)))

	var wg sync.WaitGroup
	for _, p := range pages {
		wg.Add(1)
		go func(p *Page) {
			defer wg.Done()
			closeCtx, cancel := context.WithTimeout(ctx, pageCloseTimeout)
			defer cancel()
			if err := p.Close(closeCtx); err != nil {
				m.logger.Warn("Failed to close page cleanly",
					zap.String("page_id", p.ID()), zap.Error(err))
			}
		}(p)
	}
	wg.Wait()

	m.mu.Lock()
	m.teardownBrowserLocked()
	m.pages = make(map[string]*Page)
	m.mu.Unlock()

	m.logger.Info("Browser manager shut down")
}
