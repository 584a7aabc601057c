package transforms

import (
	"fmt"
	"image"
	"math"

	"golang.org/x/image/draw"

	"github.com/Kitware/nrtk-explorer-sub000/internal/imageio"
)

// IdentityTransform returns a copy of its input.
type IdentityTransform struct{}

func (IdentityTransform) Name() string { return "identity" }
func (IdentityTransform) Parameters() map[string]any { return map[string]any{} }
func (IdentityTransform) SetParameters(map[string]any) error { return nil }
func (IdentityTransform) Describe() map[string]ParameterDescription {
	return map[string]ParameterDescription{}
}

func (IdentityTransform) Execute(img image.Image) (image.Image, error) {
	src := imageio.RGBA(img)
	out := image.NewRGBA(src.Rect)
	copy(out.Pix, src.Pix)
	return out, nil
}

// Invert inverts color channels and keeps alpha.
type Invert struct{}

func (Invert) Name() string { return "invert" }
func (Invert) Parameters() map[string]any { return map[string]any{} }
func (Invert) SetParameters(map[string]any) error { return nil }
func (Invert) Describe() map[string]ParameterDescription {
	return map[string]ParameterDescription{}
}

func (Invert) Execute(img image.Image) (image.Image, error) {
	src := imageio.RGBA(img)
	out := image.NewRGBA(src.Rect)
	for i := 0; i < len(src.Pix); i += 4 {
		a := src.Pix[i+3]
		// Premultiplied: inverting c against alpha keeps c <= a.
		out.Pix[i] = a - src.Pix[i]
		out.Pix[i+1] = a - src.Pix[i+1]
		out.Pix[i+2] = a - src.Pix[i+2]
		out.Pix[i+3] = a
	}
	return out, nil
}

// Downsample shrinks images by an integer factor.
type Downsample struct {
	Factor int
}

// NewDownsample returns a downsample by 2.
func NewDownsample() *Downsample { return &Downsample{Factor: 2} }

func (d *Downsample) Name() string { return "downsample" }

func (d *Downsample) Parameters() map[string]any {
	return map[string]any{"factor": d.Factor}
}

func (d *Downsample) SetParameters(params map[string]any) error {
	if v, ok := params["factor"]; ok {
		f, err := toInt(v)
		if err != nil {
			return fmt.Errorf("factor: %w", err)
		}
		if f < 1 {
			return fmt.Errorf("factor must be >= 1, got %d", f)
		}
		d.Factor = f
	}
	return nil
}

func (d *Downsample) Describe() map[string]ParameterDescription {
	return map[string]ParameterDescription{
		"factor": {Type: TypeInteger, Label: "Factor", Default: 2, Description: "Divide width and height by this factor"},
	}
}

func (d *Downsample) Execute(img image.Image) (image.Image, error) {
	b := img.Bounds()
	w, h := max(1, b.Dx()/d.Factor), max(1, b.Dy()/d.Factor)
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(out, out.Rect, img, b, draw.Src, nil)
	return out, nil
}

// GaussianBlur convolves with a separable Gaussian kernel of odd size.
type GaussianBlur struct {
	KSize int
	Sigma float64 // <= 0 derives sigma from KSize
}

// NewGaussianBlur returns a blur with kernel size 1, which is a no-op.
func NewGaussianBlur() *GaussianBlur { return &GaussianBlur{KSize: 1} }

func (g *GaussianBlur) Name() string { return "gaussian_blur" }

func (g *GaussianBlur) Parameters() map[string]any {
	return map[string]any{"ksize": g.KSize, "sigma": g.Sigma}
}

func (g *GaussianBlur) SetParameters(params map[string]any) error {
	if v, ok := params["ksize"]; ok {
		k, err := toInt(v)
		if err != nil {
			return fmt.Errorf("ksize: %w", err)
		}
		if k < 1 {
			return fmt.Errorf("ksize must be >= 1, got %d", k)
		}
		g.KSize = k
	}
	if v, ok := params["sigma"]; ok {
		s, err := toFloat(v)
		if err != nil {
			return fmt.Errorf("sigma: %w", err)
		}
		g.Sigma = s
	}
	return nil
}

func (g *GaussianBlur) Describe() map[string]ParameterDescription {
	return map[string]ParameterDescription{
		"ksize": {Type: TypeInteger, Label: "Kernel Size", Default: 1},
		"sigma": {Type: TypeFloat, Label: "Sigma", Default: 0.0, Description: "0 derives sigma from the kernel size"},
	}
}

func (g *GaussianBlur) kernel() []float64 {
	k := g.KSize
	if k%2 == 0 {
		k++
	}
	sigma := g.Sigma
	if sigma <= 0 {
		sigma = 0.3*(float64(k-1)*0.5-1) + 0.8
	}
	kernel := make([]float64, k)
	r := k / 2
	var sum float64
	for i := range kernel {
		x := float64(i - r)
		kernel[i] = math.Exp(-x * x / (2 * sigma * sigma))
		sum += kernel[i]
	}
	for i := range kernel {
		kernel[i] /= sum
	}
	return kernel
}

func (g *GaussianBlur) Execute(img image.Image) (image.Image, error) {
	src := imageio.RGBA(img)
	kernel := g.kernel()
	if len(kernel) == 1 {
		return IdentityTransform{}.Execute(src)
	}
	w, h := src.Rect.Dx(), src.Rect.Dy()
	tmp := make([]float64, len(src.Pix))
	convolve(src.Pix, tmp, w, h, kernel, true)
	blurred := make([]float64, len(src.Pix))
	convolveFloat(tmp, blurred, w, h, kernel, false)
	out := image.NewRGBA(src.Rect)
	for i, v := range blurred {
		out.Pix[i] = uint8(math.Round(math.Min(255, math.Max(0, v))))
	}
	return out, nil
}

// convolve runs a 1-D pass over 8-bit pixels with edge clamping.
func convolve(src []uint8, dst []float64, w, h int, kernel []float64, horizontal bool) {
	f := make([]float64, len(src))
	for i, v := range src {
		f[i] = float64(v)
	}
	convolveFloat(f, dst, w, h, kernel, horizontal)
}

func convolveFloat(src, dst []float64, w, h int, kernel []float64, horizontal bool) {
	r := len(kernel) / 2
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for c := 0; c < 4; c++ {
				var acc float64
				for k, weight := range kernel {
					sx, sy := x, y
					if horizontal {
						sx = clamp(x+k-r, 0, w-1)
					} else {
						sy = clamp(y+k-r, 0, h-1)
					}
					acc += weight * src[(sy*w+sx)*4+c]
				}
				dst[(y*w+x)*4+c] = acc
			}
		}
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
