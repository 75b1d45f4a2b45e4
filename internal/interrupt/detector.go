// Package interrupt pauses running tasks when a page presents a human
// verification challenge and resumes them once an external operator has
// cleared it.
package interrupt

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/blackvectorops/flowcap/internal/browser"
	"github.com/blackvectorops/flowcap/internal/config"
)

// PageProbe is the slice of a browser page the detector inspects.
type PageProbe interface {
	ElementState(ctx context.Context, selector string) (browser.ElementState, error)
	Alive() bool
}

// Detector decides whether a real challenge is currently presented.
// Challenge containers are often parked in the DOM permanently, so
// presence alone means nothing; the element must be actually rendered and
// its text must carry challenge wording, which keeps unrelated modal
// dialogs from pausing tasks.
type Detector struct {
	logger *zap.Logger
	cfg    *config.Config
}

func NewDetector(logger *zap.Logger, cfg *config.Config) *Detector {
	return &Detector{logger: logger.Named("interrupt"), cfg: cfg}
}

// Check reports whether the configured challenge container is visible and
// worded like a challenge. A torn-down page has nothing left to detect and
// always reports no challenge.
func (d *Detector) Check(ctx context.Context, page PageProbe) bool {
	if !d.cfg.Challenge.Enabled {
		return false
	}
	if page == nil || !page.Alive() {
		return false
	}

	state, err := page.ElementState(ctx, d.cfg.Challenge.ContainerSelector)
	if err != nil {
		d.logger.Debug("Challenge probe failed, assuming no challenge", zap.Error(err))
		return false
	}
	if !state.Visible() {
		return false
	}

	if !containsKeyword(state.Text, d.cfg.Challenge.Keywords) {
		d.logger.Debug("Visible dialog lacks challenge wording, ignoring",
			zap.String("selector", d.cfg.Challenge.ContainerSelector))
		return false
	}
	return true
}

func containsKeyword(text string, keywords []string) bool {
	lowered := strings.ToLower(text)
	for _, keyword := range keywords {
		if keyword == "" {
			continue
		}
		if strings.Contains(lowered, strings.ToLower(keyword)) {
			return true
		}
	}
	return false
}
