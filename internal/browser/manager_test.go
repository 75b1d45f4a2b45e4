package browser

import (
	"context"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/blackvectorops/flowcap/internal/config"
)

func testBrowserConfig() *config.Config {
	return &config.Config{
		Browser: config.BrowserConfig{
			Headless:          true,
			ViewportWidth:     1280,
			ViewportHeight:    800,
			NavigationTimeout: 5 * time.Second,
			SelectorTimeout:   2 * time.Second,
			IdleQuietPeriod:   100 * time.Millisecond,
			IdleMaxWait:       time.Second,
		},
	}
}

func TestManagerLifecycle(t *testing.T) {
	t.Run("should refuse new pages after shutdown", func(t *testing.T) {
		m := NewManager(context.Background(), zap.NewNop(), testBrowserConfig())
		m.Shutdown(context.Background())

		_, err := m.Acquire(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrManagerClosed)
	})

	t.Run("should tolerate repeated shutdown", func(t *testing.T) {
		m := NewManager(context.Background(), zap.NewNop(), testBrowserConfig())
		m.Shutdown(context.Background())
		m.Shutdown(context.Background())
	})

	t.Run("should start with an empty page registry", func(t *testing.T) {
		m := NewManager(context.Background(), zap.NewNop(), testBrowserConfig())
		assert.Equal(t, 0, m.ActivePages())
	})

	t.Run("should treat releasing a nil page as a no-op", func(t *testing.T) {
		m := NewManager(context.Background(), zap.NewNop(), testBrowserConfig())
		m.Release(nil)
	})
}

func TestElementStateVisible(t *testing.T) {
	base := ElementState{
		Present:    true,
		Display:    "block",
		Visibility: "visible",
		Opacity:    1,
		Width:      320,
		Height:     48,
	}

	testCases := []struct {
		name    string
		mutate  func(s *ElementState)
		visible bool
	}{
		{"fully rendered element", func(s *ElementState) {}, true},
		{"missing element", func(s *ElementState) { s.Present = false }, false},
		{"display none", func(s *ElementState) { s.Display = "none" }, false},
		{"visibility hidden", func(s *ElementState) { s.Visibility = "hidden" }, false},
		{"zero opacity", func(s *ElementState) { s.Opacity = 0 }, false},
		{"zero width", func(s *ElementState) { s.Width = 0 }, false},
		{"zero height", func(s *ElementState) { s.Height = 0 }, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s := base
			tc.mutate(&s)
			assert.Equal(t, tc.visible, s.Visible())
		})
	}
}

func TestNetWatcher(t *testing.T) {
	t.Run("should report idle once the quiet period has passed", func(t *testing.T) {
		w := newNetWatcher()

		start := time.Now()
		err := w.WaitIdle(context.Background(), 50*time.Millisecond, 2*time.Second)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	})

	t.Run("should stay busy while a request is in flight", func(t *testing.T) {
		w := newNetWatcher()
		w.handleEvent(&network.EventRequestWillBeSent{RequestID: network.RequestID("req-1")})

		err := w.WaitIdle(context.Background(), 50*time.Millisecond, 300*time.Millisecond)
		assert.ErrorIs(t, err, ErrNetworkBusy)
	})

	t.Run("should go idle after the last request finishes", func(t *testing.T) {
		w := newNetWatcher()
		w.handleEvent(&network.EventRequestWillBeSent{RequestID: network.RequestID("req-1")})
		w.handleEvent(&network.EventRequestWillBeSent{RequestID: network.RequestID("req-2")})
		assert.Equal(t, 2, w.activeCount())

		w.handleEvent(&network.EventLoadingFinished{RequestID: network.RequestID("req-1")})
		w.handleEvent(&network.EventLoadingFailed{RequestID: network.RequestID("req-2")})
		assert.Equal(t, 0, w.activeCount())

		err := w.WaitIdle(context.Background(), 50*time.Millisecond, 2*time.Second)
		assert.NoError(t, err)
	})

	t.Run("should stop waiting when the context is cancelled", func(t *testing.T) {
		w := newNetWatcher()
		w.handleEvent(&network.EventRequestWillBeSent{RequestID: network.RequestID("req-1")})

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(50 * time.Millisecond)
			cancel()
		}()

		err := w.WaitIdle(ctx, time.Second, 10*time.Second)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
