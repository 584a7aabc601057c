package inference

import (
	"context"
	"image"

	"github.com/Kitware/nrtk-explorer-sub000/internal/imageio"
)

const thumbnailSize = 32

// Histogram is a built-in feature model: per-channel color histograms of a
// thumbnail followed by the mean color of each cell of a coarse grid.
// It needs no external service and is deterministic.
type Histogram struct {
	Bins int
	Grid int
}

var _ FeatureBackend = (*Histogram)(nil)

// NewHistogram returns 8 bins per channel over a 4x4 grid.
func NewHistogram() *Histogram {
	return &Histogram{Bins: 8, Grid: 4}
}

// Dims returns the feature vector length.
func (h *Histogram) Dims() int {
	return 3*h.Bins + 3*h.Grid*h.Grid
}

// Features computes one vector per image.
func (h *Histogram) Features(ctx context.Context, images []image.Image) ([][]float64, error) {
	out := make([][]float64, len(images))
	for i, img := range images {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = h.Vector(img)
	}
	return out, nil
}

// Vector computes the features of one image.
func (h *Histogram) Vector(img image.Image) []float64 {
	thumb := imageio.Resize(img, thumbnailSize, thumbnailSize)
	vec := make([]float64, h.Dims())
	hist := vec[:3*h.Bins]
	grid := vec[3*h.Bins:]
	cell := thumbnailSize / h.Grid
	perCell := float64(cell * cell)
	pixels := float64(thumbnailSize * thumbnailSize)

	for y := 0; y < thumbnailSize; y++ {
		for x := 0; x < thumbnailSize; x++ {
			o := y*thumb.Stride + x*4
			g := (min(y/cell, h.Grid-1)*h.Grid + min(x/cell, h.Grid-1)) * 3
			for c := 0; c < 3; c++ {
				v := int(thumb.Pix[o+c])
				hist[c*h.Bins+v*h.Bins/256] += 1 / pixels
				grid[g+c] += float64(v) / 255 / perCell
			}
		}
	}
	return vec
}
