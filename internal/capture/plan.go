package capture

// cropRegion is the horizontal band one tile contributes to the composite,
// in device pixels relative to the tile's own top edge. A non-positive
// height marks a tile that contributes nothing.
type cropRegion struct {
	Top    int
	Height int
}

func (r cropRegion) skipped() bool {
	return r.Height <= 0
}

// planCrops assigns each captured tile its contribution. The first tile is
// kept whole; each middle tile drops its top overlapPx rows, which
// re-captured the bottom of the tile before it; the last tile is anchored
// to the bottom and contributes exactly the rows still missing, so the
// composite height lands on the measured content height instead of
// drifting with repeated pixel-ratio rounding.
//
// tileHeights are the decoded heights of the captured tiles. totalHeightPx
// is the element's final scrollable content height, viewportPx its visible
// height, overlapPx the scroll overlap, all in device pixels. Every region
// is clamped to its tile's actual bounds.
func planCrops(tileHeights []int, totalHeightPx, viewportPx, overlapPx int) []cropRegion {
	step := viewportPx - overlapPx
	regions := make([]cropRegion, len(tileHeights))
	composed := 0

	for i, tileHeight := range tileHeights {
		var region cropRegion
		switch {
		case i == 0:
			region = cropRegion{Top: 0, Height: viewportPx}
		case i == len(tileHeights)-1:
			remaining := totalHeightPx - composed
			region = cropRegion{Top: tileHeight - remaining, Height: remaining}
		default:
			region = cropRegion{Top: overlapPx, Height: step}
		}

		if region.Top < 0 {
			region.Height += region.Top
			region.Top = 0
		}
		if region.Top+region.Height > tileHeight {
			region.Height = tileHeight - region.Top
		}
		if region.Height < 0 {
			region.Height = 0
		}

		regions[i] = region
		composed += region.Height
	}
	return regions
}

// composedHeight sums the contributed crop heights.
func composedHeight(regions []cropRegion) int {
	total := 0
	for _, r := range regions {
		if !r.skipped() {
			total += r.Height
		}
	}
	return total
}
