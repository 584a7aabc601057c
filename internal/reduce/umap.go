package reduce

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"gonum.org/v1/gonum/mat"
)

// UMAP defaults.
const (
	DefaultNeighbors = 15
	umapMinDist      = 0.1
	umapSpread       = 1.0
	umapEpochs       = 200
	umapLearningRate = 1.0
	umapNegativeRate = 5
	spectralMinRows  = 50
)

// UMAP builds a fuzzy neighbor graph of the fit data and lays it out with
// stochastic gradient descent. Reduced points are placed at the
// distance-weighted mean of their nearest fitted points.
type UMAP struct {
	dims      int
	neighbors int
	seed      int64

	data      [][]float64
	embedding [][]float64
}

// NewUMAP returns an unfitted UMAP reducer.
func NewUMAP(opts Options) (Reducer, error) {
	u := &UMAP{dims: opts.dims(), neighbors: opts.Neighbors}
	if u.neighbors <= 0 {
		u.neighbors = DefaultNeighbors
	}
	if opts.Seed != nil {
		u.seed = *opts.Seed
	} else {
		u.seed = time.Now().UnixNano()
	}
	return u, nil
}

type neighborGraph struct {
	indices [][]int
	dists   [][]float64
}

type edges struct {
	rows, cols []int
	weights    []float64
}

// Fit computes the layout of x.
func (u *UMAP) Fit(x *mat.Dense) error {
	rows, cols := x.Dims()
	if rows == 0 || cols == 0 {
		return ErrNoSamples
	}
	u.data = toRows(x)

	k := min(u.neighbors, rows-1)
	if k < 2 {
		u.embedding = truncate(u.data, u.dims)
		return nil
	}

	knn := nearest(u.data, u.data, k, true)
	sigmas, rhos := smoothDistances(knn.dists, float64(k))
	graph := fuzzyUnion(memberships(knn, sigmas, rhos))
	a, b := curveParams(umapSpread, umapMinDist)

	rng := rand.New(rand.NewSource(u.seed))
	u.embedding = initialLayout(graph, rows, u.dims, rng)
	optimize(u.embedding, graph, a, b, rng)
	return nil
}

// Reduce places every row of x relative to the fitted points. A row equal
// to a fitted point lands exactly on its embedding.
func (u *UMAP) Reduce(x *mat.Dense) ([][]float64, error) {
	if u.embedding == nil {
		return nil, ErrNotFitted
	}
	if _, cols := x.Dims(); cols != len(u.data[0]) {
		return nil, fmt.Errorf("umap: fitted on %d features, got %d", len(u.data[0]), cols)
	}

	points := toRows(x)
	k := min(u.neighbors, len(u.data))
	knn := nearest(points, u.data, k, false)

	out := make([][]float64, len(points))
	for i := range points {
		out[i] = make([]float64, u.dims)
		if knn.dists[i][0] == 0 {
			copy(out[i], u.embedding[knn.indices[i][0]])
			continue
		}
		var total float64
		for n, j := range knn.indices[i] {
			w := 1 / knn.dists[i][n]
			total += w
			for d := range out[i] {
				out[i][d] += w * u.embedding[j][d]
			}
		}
		for d := range out[i] {
			out[i][d] /= total
		}
	}
	return out, nil
}

func toRows(x *mat.Dense) [][]float64 {
	rows, _ := x.Dims()
	out := make([][]float64, rows)
	for i := range rows {
		out[i] = mat.Row(nil, i, x)
	}
	return out
}

// truncate keeps the leading dims coordinates of each row, zero padded.
func truncate(data [][]float64, dims int) [][]float64 {
	out := make([][]float64, len(data))
	for i, row := range data {
		out[i] = make([]float64, dims)
		copy(out[i], row)
	}
	return out
}

// nearest finds the k closest reference rows of every query row. With
// skipSelf the query set is the reference set and a row is not its own
// neighbor.
func nearest(queries, refs [][]float64, k int, skipSelf bool) neighborGraph {
	type candidate struct {
		dist float64
		idx  int
	}
	g := neighborGraph{indices: make([][]int, len(queries)), dists: make([][]float64, len(queries))}
	for i, q := range queries {
		cands := make([]candidate, 0, len(refs))
		for j, r := range refs {
			if skipSelf && i == j {
				continue
			}
			cands = append(cands, candidate{dist: math.Sqrt(squaredDistance(q, r)), idx: j})
		}
		sort.Slice(cands, func(a, b int) bool {
			if cands[a].dist != cands[b].dist {
				return cands[a].dist < cands[b].dist
			}
			return cands[a].idx < cands[b].idx
		})
		n := min(k, len(cands))
		g.indices[i] = make([]int, n)
		g.dists[i] = make([]float64, n)
		for c := range n {
			g.indices[i][c] = cands[c].idx
			g.dists[i][c] = cands[c].dist
		}
	}
	return g
}

// smoothDistances finds per-point rho (distance to the nearest neighbor)
// and sigma such that the memberships sum to log2(k).
func smoothDistances(distances [][]float64, k float64) (sigmas, rhos []float64) {
	const (
		iterations = 64
		tolerance  = 1e-5
		minScale   = 1e-3
	)
	target := math.Log2(k)
	sigmas = make([]float64, len(distances))
	rhos = make([]float64, len(distances))

	for i, dists := range distances {
		for _, d := range dists {
			if d > 0 {
				rhos[i] = d
				break
			}
		}

		lo, hi, mid := 0.0, math.Inf(1), 1.0
		for range iterations {
			var sum float64
			for _, d := range dists {
				if d -= rhos[i]; d > 0 {
					sum += math.Exp(-d / mid)
				} else {
					sum++
				}
			}
			if math.Abs(sum-target) < tolerance {
				break
			}
			if sum > target {
				hi = mid
				mid = (lo + hi) / 2
			} else {
				lo = mid
				if math.IsInf(hi, 1) {
					mid *= 2
				} else {
					mid = (lo + hi) / 2
				}
			}
		}

		var mean float64
		for _, d := range dists {
			mean += d
		}
		mean /= float64(len(dists))
		sigmas[i] = math.Max(mid, minScale*mean)
	}
	return sigmas, rhos
}

func memberships(knn neighborGraph, sigmas, rhos []float64) edges {
	var e edges
	for i, neighbors := range knn.indices {
		for n, j := range neighbors {
			w := 1.0
			if d := knn.dists[i][n] - rhos[i]; d > 0 && sigmas[i] > 0 {
				w = math.Exp(-d / sigmas[i])
			}
			e.rows = append(e.rows, i)
			e.cols = append(e.cols, j)
			e.weights = append(e.weights, w)
		}
	}
	return e
}

// fuzzyUnion symmetrizes the graph with the probabilistic t-conorm
// a + b - ab.
func fuzzyUnion(e edges) edges {
	type edge struct{ r, c int }
	weights := make(map[edge]float64, len(e.rows))
	for i := range e.rows {
		weights[edge{e.rows[i], e.cols[i]}] = e.weights[i]
	}

	union := make(map[edge]float64, 2*len(weights))
	for k, w := range weights {
		wt := weights[edge{k.c, k.r}]
		v := w + wt - w*wt
		union[k] = v
		union[edge{k.c, k.r}] = v
	}

	keys := make([]edge, 0, len(union))
	for k, v := range union {
		if v > 0 {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].r != keys[j].r {
			return keys[i].r < keys[j].r
		}
		return keys[i].c < keys[j].c
	})

	out := edges{
		rows:    make([]int, len(keys)),
		cols:    make([]int, len(keys)),
		weights: make([]float64, len(keys)),
	}
	for i, k := range keys {
		out.rows[i], out.cols[i], out.weights[i] = k.r, k.c, union[k]
	}
	return out
}

// curveParams fits 1/(1+a*d^(2b)) to the offset exponential target curve
// by grid search.
func curveParams(spread, minDist float64) (a, b float64) {
	const samples = 300
	xs := make([]float64, samples)
	ys := make([]float64, samples)
	for i := range samples {
		xs[i] = float64(i) / float64(samples-1) * spread * 3
		ys[i] = 1
		if xs[i] >= minDist {
			ys[i] = math.Exp(-(xs[i] - minDist) / spread)
		}
	}

	a, b = 1, 1
	best := math.Inf(1)
	for ai := 1; ai <= 100; ai++ {
		for bi := 2; bi <= 40; bi++ {
			at, bt := float64(ai)/10, float64(bi)/20
			var sse float64
			for i, x := range xs {
				diff := 1/(1+at*math.Pow(x, 2*bt)) - ys[i]
				sse += diff * diff
			}
			if sse < best {
				best, a, b = sse, at, bt
			}
		}
	}
	return a, b
}

func initialLayout(graph edges, n, dims int, rng *rand.Rand) [][]float64 {
	if layout := spectralLayout(graph, n, dims); layout != nil {
		for i := range layout {
			for d := range layout[i] {
				layout[i][d] += (rng.Float64() - 0.5) * 1e-4
			}
		}
		return layout
	}
	layout := make([][]float64, n)
	for i := range layout {
		layout[i] = make([]float64, dims)
		for d := range layout[i] {
			layout[i][d] = (rng.Float64() - 0.5) * 10
		}
	}
	return layout
}

// spectralLayout uses the smallest non-trivial eigenvectors of the
// normalized graph Laplacian, scaled to [0, 10]. Small graphs fall back to
// a random layout.
func spectralLayout(graph edges, n, dims int) [][]float64 {
	if n < spectralMinRows || dims+1 > n {
		return nil
	}

	degree := make([]float64, n)
	for i, r := range graph.rows {
		degree[r] += graph.weights[i]
	}
	laplacian := mat.NewSymDense(n, nil)
	for i := range n {
		laplacian.SetSym(i, i, 1)
	}
	for i, r := range graph.rows {
		c := graph.cols[i]
		if r == c || degree[r] == 0 || degree[c] == 0 {
			continue
		}
		laplacian.SetSym(r, c, -graph.weights[i]/math.Sqrt(degree[r]*degree[c]))
	}

	var eig mat.EigenSym
	if !eig.Factorize(laplacian, true) {
		return nil
	}
	var vectors mat.Dense
	eig.VectorsTo(&vectors)

	// Eigenvalues are ascending; column 0 is the trivial solution.
	layout := make([][]float64, n)
	for i := range layout {
		layout[i] = make([]float64, dims)
		for d := range dims {
			layout[i][d] = vectors.At(i, d+1)
		}
	}
	for d := range dims {
		lo, hi := math.Inf(1), math.Inf(-1)
		for i := range layout {
			lo = math.Min(lo, layout[i][d])
			hi = math.Max(hi, layout[i][d])
		}
		if span := hi - lo; span > 0 {
			for i := range layout {
				layout[i][d] = (layout[i][d] - lo) / span * 10
			}
		}
	}
	return layout
}

func optimize(layout [][]float64, graph edges, a, b float64, rng *rand.Rand) {
	n := len(layout)
	if len(graph.rows) == 0 || n < 2 {
		return
	}

	maxWeight := 0.0
	for _, w := range graph.weights {
		maxWeight = math.Max(maxWeight, w)
	}
	every := make([]float64, len(graph.weights))
	next := make([]float64, len(graph.weights))
	for i, w := range graph.weights {
		every[i] = umapEpochs + 1
		if w > 0 {
			every[i] = math.Max(1, maxWeight/w)
		}
		next[i] = every[i]
	}

	for epoch := range umapEpochs {
		alpha := math.Max(umapLearningRate*(1-float64(epoch)/umapEpochs), 1e-4)
		for i := range graph.rows {
			if next[i] > float64(epoch) {
				continue
			}
			from, to := layout[graph.rows[i]], layout[graph.cols[i]]

			if d2 := squaredDistance(from, to); d2 > 0 {
				coeff := -2 * a * b * math.Pow(d2, b-1) / (a*math.Pow(d2, b) + 1)
				for d := range from {
					from[d] += clip(coeff*(from[d]-to[d])) * alpha
				}
			}

			for range umapNegativeRate {
				neg := rng.Intn(n)
				if neg == graph.rows[i] {
					continue
				}
				other := layout[neg]
				d2 := squaredDistance(from, other)
				if d2 <= 1e-3 {
					continue
				}
				coeff := 2 * b / ((1e-3 + d2) * (a*math.Pow(d2, b) + 1))
				for d := range from {
					from[d] += clip(coeff*(from[d]-other[d])) * alpha
				}
			}
			next[i] += every[i]
		}
	}
}

func squaredDistance(a, b []float64) float64 {
	var sum float64
	for i := range a {
		diff := a[i] - b[i]
		sum += diff * diff
	}
	return sum
}

func clip(v float64) float64 {
	return math.Max(-4, math.Min(4, v))
}
