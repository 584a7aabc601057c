package reduce

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

var pcaSolvers = map[string]bool{"": true, "auto": true, "full": true, "arpack": true, "randomized": true}

// PCA projects onto the leading right singular vectors of the centered fit
// data. Every solver name runs the same thin SVD.
type PCA struct {
	dims   int
	whiten bool

	mean       []float64
	components *mat.Dense // features x k
	scale      []float64  // per component, 1 unless whitening
}

// NewPCA returns an unfitted PCA reducer.
func NewPCA(opts Options) (Reducer, error) {
	if !pcaSolvers[opts.Solver] {
		return nil, fmt.Errorf("pca: unknown solver %q", opts.Solver)
	}
	return &PCA{dims: opts.dims(), whiten: opts.Whiten}, nil
}

// Fit computes the principal components of x.
func (p *PCA) Fit(x *mat.Dense) error {
	rows, cols := x.Dims()
	if rows == 0 || cols == 0 {
		return ErrNoSamples
	}

	p.mean = make([]float64, cols)
	for j := range cols {
		p.mean[j] = stat.Mean(mat.Col(nil, j, x), nil)
	}
	centered := p.center(x)

	var svd mat.SVD
	if !svd.Factorize(centered, mat.SVDThin) {
		return fmt.Errorf("pca: singular value decomposition failed")
	}
	var v mat.Dense
	svd.VTo(&v)
	values := svd.Values(nil)

	k := min(p.dims, len(values))
	p.components = mat.NewDense(cols, p.dims, nil)
	p.scale = make([]float64, p.dims)
	for c := range k {
		col := mat.Col(nil, c, &v)
		// Largest loading positive, so refits of the same data agree.
		if col[largestAbs(col)] < 0 {
			for i := range col {
				col[i] = -col[i]
			}
		}
		p.components.SetCol(c, col)

		p.scale[c] = 1
		if p.whiten && rows > 1 {
			if std := values[c] / math.Sqrt(float64(rows-1)); std > 0 {
				p.scale[c] = 1 / std
			}
		}
	}
	return nil
}

// Reduce projects x onto the fitted components. Components beyond the rank
// of the fit data project to zero.
func (p *PCA) Reduce(x *mat.Dense) ([][]float64, error) {
	if p.components == nil {
		return nil, ErrNotFitted
	}
	if _, cols := x.Dims(); cols != len(p.mean) {
		return nil, fmt.Errorf("pca: fitted on %d features, got %d", len(p.mean), cols)
	}

	var projected mat.Dense
	projected.Mul(p.center(x), p.components)

	rows, _ := projected.Dims()
	out := make([][]float64, rows)
	for i := range rows {
		out[i] = mat.Row(nil, i, &projected)
		for c := range out[i] {
			out[i][c] *= p.scale[c]
		}
	}
	return out, nil
}

func (p *PCA) center(x *mat.Dense) *mat.Dense {
	rows, cols := x.Dims()
	centered := mat.NewDense(rows, cols, nil)
	centered.Apply(func(_, j int, v float64) float64 { return v - p.mean[j] }, x)
	return centered
}

func largestAbs(v []float64) int {
	best := 0
	for i := range v {
		if math.Abs(v[i]) > math.Abs(v[best]) {
			best = i
		}
	}
	return best
}
