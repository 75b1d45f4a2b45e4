// Package capture produces lossless images of scrollable elements taller
// than their visible viewport, by scrolling in overlapping tiles and
// stitching the tiles back together in device pixels.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"github.com/blackvectorops/flowcap/internal/browser"
	"github.com/blackvectorops/flowcap/internal/config"
)

var (
	// ErrNoTiles is returned when the capture loop produced nothing to
	// composite.
	ErrNoTiles = errors.New("no tiles captured")
	// ErrTileBudget is returned when the element keeps growing past the
	// configured tile cap.
	ErrTileBudget = errors.New("tile budget exhausted before reaching the bottom")
)

// Target is the slice of a browser page the compositor drives.
type Target interface {
	ElementMetrics(ctx context.Context, selector string) (browser.ElementMetrics, error)
	SetScrollTop(ctx context.Context, selector string, offset float64) (float64, error)
	CaptureElement(ctx context.Context, selector string) ([]byte, error)
	WaitNetworkIdle(ctx context.Context, quietPeriod, maxWait time.Duration) error
}

// Compositor captures a scrollable element as one continuous image.
type Compositor struct {
	logger *zap.Logger
	cfg    *config.Config
}

func NewCompositor(logger *zap.Logger, cfg *config.Config) *Compositor {
	return &Compositor{logger: logger.Named("capture"), cfg: cfg}
}

// Capture returns a single PNG of the element's full scrollable content.
// Elements that fit their viewport are captured directly without entering
// the tiling path.
func (c *Compositor) Capture(ctx context.Context, target Target, selector string) ([]byte, error) {
	metrics, err := target.ElementMetrics(ctx, selector)
	if err != nil {
		return nil, fmt.Errorf("failed to measure element %q: %w", selector, err)
	}

	if metrics.ScrollHeight <= metrics.ClientHeight {
		return target.CaptureElement(ctx, selector)
	}

	tiles, err := c.captureTiles(ctx, target, selector, metrics)
	if err != nil {
		return nil, err
	}
	if len(tiles) == 0 {
		return nil, ErrNoTiles
	}
	if len(tiles) == 1 {
		return tiles[0], nil
	}

	// Content height can grow while tiles load, so the composite is
	// anchored to the final measurement, not the initial one.
	final, err := target.ElementMetrics(ctx, selector)
	if err != nil {
		return nil, fmt.Errorf("failed to re-measure element %q: %w", selector, err)
	}

	return c.stitch(tiles, final)
}

// captureTiles scrolls the element to the top, then captures and advances
// by the overlap-adjusted viewport height until a scroll attempt no longer
// moves the offset.
func (c *Compositor) captureTiles(ctx context.Context, target Target, selector string, metrics browser.ElementMetrics) ([][]byte, error) {
	offset, err := target.SetScrollTop(ctx, selector, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to scroll %q to top: %w", selector, err)
	}
	c.settle(ctx, target)

	step := metrics.ClientHeight - float64(c.cfg.Capture.OverlapPx)
	if step <= 0 {
		return nil, fmt.Errorf("overlap %dpx leaves no scroll step for viewport height %.0fpx",
			c.cfg.Capture.OverlapPx, metrics.ClientHeight)
	}

	var tiles [][]byte
	for {
		if len(tiles) >= c.cfg.Capture.MaxTiles {
			return nil, fmt.Errorf("%w: %d tiles", ErrTileBudget, len(tiles))
		}

		buf, err := target.CaptureElement(ctx, selector)
		if err != nil {
			return nil, fmt.Errorf("failed to capture tile %d: %w", len(tiles), err)
		}
		tiles = append(tiles, buf)

		achieved, err := target.SetScrollTop(ctx, selector, offset+step)
		if err != nil {
			return nil, fmt.Errorf("failed to scroll %q: %w", selector, err)
		}
		c.settle(ctx, target)

		if achieved == offset {
			break
		}
		offset = achieved
	}

	c.logger.Debug("Captured scroll tiles",
		zap.String("selector", selector),
		zap.Int("tiles", len(tiles)),
		zap.Float64("final_offset", offset),
	)
	return tiles, nil
}

// settle gives lazy-loaded content a bounded chance to arrive between
// scroll positions. A noisy page is not an error here.
func (c *Compositor) settle(ctx context.Context, target Target) {
	_ = target.WaitNetworkIdle(ctx, c.cfg.Capture.SettleQuietPeriod, c.cfg.Capture.SettleMaxWait)
}

// stitch decodes the tiles, plans each one's contribution and stacks the
// crops top to bottom. All arithmetic happens in device pixels.
func (c *Compositor) stitch(tiles [][]byte, metrics browser.ElementMetrics) ([]byte, error) {
	images := make([]image.Image, len(tiles))
	heights := make([]int, len(tiles))
	for i, buf := range tiles {
		img, err := imaging.Decode(bytes.NewReader(buf))
		if err != nil {
			return nil, fmt.Errorf("failed to decode tile %d: %w", i, err)
		}
		images[i] = img
		heights[i] = img.Bounds().Dy()
	}

	dpr := metrics.DPR
	if dpr <= 0 {
		dpr = 1
	}
	totalHeightPx := int(math.Round(metrics.ScrollHeight * dpr))
	viewportPx := int(math.Round(metrics.ClientHeight * dpr))
	overlapPx := int(math.Round(float64(c.cfg.Capture.OverlapPx) * dpr))

	regions := planCrops(heights, totalHeightPx, viewportPx, overlapPx)
	outHeight := composedHeight(regions)
	if outHeight <= 0 {
		return nil, fmt.Errorf("%w: every crop region degenerated", ErrNoTiles)
	}

	width := images[0].Bounds().Dx()
	canvas := imaging.New(width, outHeight, color.Transparent)

	y := 0
	for i, region := range regions {
		if region.skipped() {
			c.logger.Debug("Skipping degenerate tile", zap.Int("tile", i))
			continue
		}
		crop := imaging.Crop(images[i], image.Rect(0, region.Top, images[i].Bounds().Dx(), region.Top+region.Height))
		canvas = imaging.Paste(canvas, crop, image.Pt(0, y))
		y += region.Height
	}

	var out bytes.Buffer
	if err := imaging.Encode(&out, canvas, imaging.PNG); err != nil {
		return nil, fmt.Errorf("failed to encode composite: %w", err)
	}

	c.logger.Debug("Composited long capture",
		zap.Int("tiles", len(tiles)),
		zap.Int("width", width),
		zap.Int("height", outHeight),
	)
	return out.Bytes(), nil
}
