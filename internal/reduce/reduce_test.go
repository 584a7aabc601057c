package reduce

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// line returns n points spread along one direction in 4 dimensions.
func line(n int) [][]float64 {
	out := make([][]float64, n)
	for i := range out {
		t := float64(i)
		out[i] = []float64{t, 2 * t, 1, -t}
	}
	return out
}

func clusters(n int, seed int64) [][]float64 {
	rng := rand.New(rand.NewSource(seed))
	out := make([][]float64, n)
	for i := range out {
		center := 0.0
		if i%2 == 1 {
			center = 100
		}
		out[i] = []float64{center + rng.Float64(), center + rng.Float64(), center + rng.Float64()}
	}
	return out
}

func seed(v int64) *int64 { return &v }

func TestIdenticalCallReturnsIdenticalReduction(t *testing.T) {
	m := NewManager()
	data := line(6)

	first, err := m.Reduce("PCA", data, data, Options{Dims: 2})
	require.NoError(t, err)
	second, err := m.Reduce("pca", line(6), line(6), Options{Dims: 2})
	require.NoError(t, err)
	assert.Same(t, first, second)

	other, err := m.Reduce("pca", data, data, Options{Dims: 3})
	require.NoError(t, err)
	assert.NotSame(t, first, other)
	require.Len(t, other.Points, 6)
	assert.Len(t, other.Points[0], 3)
}

func TestReduceEmptyFeatures(t *testing.T) {
	m := NewManager()
	r, err := m.Reduce("pca", line(4), nil, Options{})
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestReduceErrors(t *testing.T) {
	m := NewManager()
	_, err := m.Reduce("tsne", line(4), line(4), Options{})
	assert.ErrorIs(t, err, ErrUnknownReducer)

	_, err = m.Reduce("pca", nil, line(4), Options{})
	assert.ErrorIs(t, err, ErrNoSamples)

	_, err = m.Reduce("pca", line(4), line(4), Options{Solver: "magic"})
	assert.Error(t, err)

	_, err = m.Reduce("pca", line(4), [][]float64{{1, 2}}, Options{})
	assert.Error(t, err)
}

func TestPCAProjectsOntoMainAxis(t *testing.T) {
	m := NewManager()
	data := line(5)
	r, err := m.Reduce("pca", data, data, Options{Dims: 2})
	require.NoError(t, err)

	// All variance lies on one axis; positions are evenly spaced along it.
	step := math.Sqrt(1 + 4 + 1)
	for i := 1; i < len(r.Points); i++ {
		assert.InDelta(t, step, math.Abs(r.Points[i][0]-r.Points[i-1][0]), 1e-9)
		assert.InDelta(t, 0, r.Points[i][1], 1e-9)
	}
	assert.InDelta(t, 0, r.Points[2][0], 1e-9, "the mean projects to the origin")
}

func TestPCAWhitenGivesUnitVariance(t *testing.T) {
	m := NewManager()
	data := line(5)
	r, err := m.Reduce("pca", data, data, Options{Dims: 1, Whiten: true})
	require.NoError(t, err)

	var sum float64
	for _, p := range r.Points {
		sum += p[0] * p[0]
	}
	assert.InDelta(t, 1, sum/float64(len(r.Points)-1), 1e-9)
}

func TestPCAReducesNewPoints(t *testing.T) {
	m := NewManager()
	r, err := m.Reduce("pca", line(5), [][]float64{{2, 4, 1, -2}}, Options{Dims: 2})
	require.NoError(t, err)
	require.Len(t, r.Points, 1)
	assert.InDelta(t, 0, r.Points[0][0], 1e-9)
}

func TestUMAPSeparatesClusters(t *testing.T) {
	m := NewManager()
	data := clusters(20, 1)
	r, err := m.Reduce("umap", data, data, Options{Dims: 2, Neighbors: 5, Seed: seed(7)})
	require.NoError(t, err)
	require.Len(t, r.Points, 20)

	var within, across float64
	var nWithin, nAcross int
	for i := range r.Points {
		for j := i + 1; j < len(r.Points); j++ {
			d := math.Sqrt(squaredDistance(r.Points[i], r.Points[j]))
			if i%2 == j%2 {
				within += d
				nWithin++
			} else {
				across += d
				nAcross++
			}
		}
	}
	assert.Less(t, within/float64(nWithin), across/float64(nAcross))
}

func TestUMAPPlacesFittedPointsOnTheirEmbedding(t *testing.T) {
	m := NewManager()
	data := clusters(12, 2)
	opts := Options{Dims: 2, Neighbors: 4, Seed: seed(3)}

	all, err := m.Reduce("umap", data, data, opts)
	require.NoError(t, err)
	one, err := m.Reduce("umap", data, data[3:4], opts)
	require.NoError(t, err)
	assert.Equal(t, all.Points[3], one.Points[0])
}

func TestUMAPTinyInputFallsBack(t *testing.T) {
	m := NewManager()
	data := [][]float64{{1, 2, 3}, {4, 5, 6}}
	r, err := m.Reduce("umap", data, data, Options{Dims: 2, Seed: seed(1)})
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{1, 2}, {4, 5}}, r.Points)
}

func TestHashFeaturesIncludesShape(t *testing.T) {
	assert.Equal(t, HashFeatures(line(3)), HashFeatures(line(3)))
	assert.NotEqual(t, HashFeatures([][]float64{{1, 2}}), HashFeatures([][]float64{{1}, {2}}))
	assert.NotEqual(t, HashFeatures(nil), HashFeatures([][]float64{{}}))
}
