package browser

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
)

// ErrNetworkBusy marks an idle wait that ran out of budget before the page
// went quiet.
var ErrNetworkBusy = errors.New("network did not become idle within the allotted time")

// netWatcher tracks in-flight requests from CDP network events so page
// operations can wait for a quiet window. One watcher lives per page target.
type netWatcher struct {
	mu           sync.Mutex
	inflight     map[network.RequestID]struct{}
	lastActivity time.Time
}

func newNetWatcher() *netWatcher {
	return &netWatcher{
		inflight:     make(map[network.RequestID]struct{}),
		lastActivity: time.Now(),
	}
}

// handleEvent consumes the request lifecycle events relevant to idleness.
// Wired into chromedp.ListenTarget by the owning page.
func (w *netWatcher) handleEvent(ev interface{}) {
	switch ev := ev.(type) {
	case *network.EventRequestWillBeSent:
		w.track(ev.RequestID, true)
	case *network.EventLoadingFinished:
		w.track(ev.RequestID, false)
	case *network.EventLoadingFailed:
		w.track(ev.RequestID, false)
	}
}

func (w *netWatcher) track(id network.RequestID, start bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if start {
		w.inflight[id] = struct{}{}
	} else {
		delete(w.inflight, id)
	}
	w.lastActivity = time.Now()
}

func (w *netWatcher) activeCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.inflight)
}

// WaitIdle blocks until no requests are in flight and quietPeriod has elapsed
// since the last network activity. It returns ErrNetworkBusy once maxWait is
// exceeded, or the context error on cancellation.
func (w *netWatcher) WaitIdle(ctx context.Context, quietPeriod, maxWait time.Duration) error {
	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ErrNetworkBusy
		case <-ticker.C:
			w.mu.Lock()
			active := len(w.inflight)
			sinceLast := time.Since(w.lastActivity)
			w.mu.Unlock()

			if active == 0 && sinceLast >= quietPeriod {
				return nil
			}
		}
	}
}
