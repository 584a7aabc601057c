package scoring

import (
	"math"
	"slices"

	"github.com/Kitware/nrtk-explorer-sub000/pkg/types"
)

type rect struct{ x0, y0, x1, y1 int }

func toRect(b types.BBox) rect {
	clip := func(v float64) int { return max(0, int(math.Trunc(v))) }
	return rect{clip(b.X()), clip(b.Y()), clip(b.X() + b.W()), clip(b.Y() + b.H())}
}

func (r rect) covers(x0, y0, x1, y1 int) bool {
	return r.x0 <= x0 && x1 <= r.x1 && r.y0 <= y0 && y1 <= r.y1
}

// PixelIoU rasterizes both box sets on the integer pixel grid, ignoring
// labels, and returns the intersection over union of the covered pixels.
// An empty union scores 0.
func PixelIoU(actual, predicted []types.BBox) float64 {
	a := make([]rect, len(actual))
	p := make([]rect, len(predicted))
	var xs, ys []int
	add := func(r rect) {
		xs = append(xs, r.x0, r.x1)
		ys = append(ys, r.y0, r.y1)
	}
	for i, b := range actual {
		a[i] = toRect(b)
		add(a[i])
	}
	for i, b := range predicted {
		p[i] = toRect(b)
		add(p[i])
	}
	xs, ys = uniqueSorted(xs), uniqueSorted(ys)

	// Every cell of the compressed grid is fully inside or fully outside
	// each rectangle.
	var inter, union int
	for i := 0; i+1 < len(xs); i++ {
		for j := 0; j+1 < len(ys); j++ {
			inA := anyCovers(a, xs[i], ys[j], xs[i+1], ys[j+1])
			inP := anyCovers(p, xs[i], ys[j], xs[i+1], ys[j+1])
			if !inA && !inP {
				continue
			}
			area := (xs[i+1] - xs[i]) * (ys[j+1] - ys[j])
			union += area
			if inA && inP {
				inter += area
			}
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func anyCovers(rs []rect, x0, y0, x1, y1 int) bool {
	for _, r := range rs {
		if r.covers(x0, y0, x1, y1) {
			return true
		}
	}
	return false
}

func uniqueSorted(v []int) []int {
	slices.Sort(v)
	return slices.Compact(v)
}
