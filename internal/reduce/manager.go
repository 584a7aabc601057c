// Package reduce projects feature vectors to 2 or 3 dimensions for the
// embeddings view and caches fitted reducers and their reductions by
// content.
package reduce

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"gonum.org/v1/gonum/mat"

	"github.com/Kitware/nrtk-explorer-sub000/internal/logger"
	"github.com/Kitware/nrtk-explorer-sub000/internal/lru"
)

var (
	// ErrUnknownReducer is returned for reducer names with no factory.
	ErrUnknownReducer = errors.New("unknown reducer")
	// ErrNoSamples is returned when fitting on an empty matrix.
	ErrNoSamples = errors.New("no samples to fit")
	// ErrNotFitted is returned by Reduce before Fit.
	ErrNotFitted = errors.New("reducer is not fitted")
)

const (
	defaultDims       = 3
	reducerCapacity   = 16
	reductionCapacity = 64
)

// Options configure a reducer. Fields a reducer does not use still take
// part in its cache key.
type Options struct {
	Dims      int    `json:"dimensionality"`
	Whiten    bool   `json:"pca_whiten"`
	Solver    string `json:"pca_solver"`
	Neighbors int    `json:"umap_n_neighbors,omitempty"`
	// Seed makes UMAP deterministic. Nil seeds from the clock.
	Seed *int64 `json:"umap_random_seed,omitempty"`
}

func (o Options) dims() int {
	if o.Dims < 1 {
		return defaultDims
	}
	return o.Dims
}

func (o Options) key() string {
	seed := "none"
	if o.Seed != nil {
		seed = strconv.FormatInt(*o.Seed, 10)
	}
	return fmt.Sprintf("dims=%d:whiten=%t:solver=%s:neighbors=%d:seed=%s",
		o.dims(), o.Whiten, o.Solver, o.Neighbors, seed)
}

// Reducer is a dimensionality reduction that is fitted once and then
// applied to any number of matrices.
type Reducer interface {
	Fit(x *mat.Dense) error
	Reduce(x *mat.Dense) ([][]float64, error)
}

// Factory builds an unfitted reducer.
type Factory func(Options) (Reducer, error)

// Reduction is the cached result of one reduce call. One point per
// feature row, each with Options.Dims coordinates.
type Reduction struct {
	Points [][]float64
}

// Manager caches fitted reducers by fit data, name and options, and
// reductions by reducer and input data. Safe for concurrent use.
type Manager struct {
	mu         sync.Mutex
	factories  map[string]Factory
	reducers   *lru.Cache[string, Reducer]
	reductions *lru.Cache[string, *Reduction]
}

// NewManager returns a manager with the pca and umap reducers.
func NewManager() *Manager {
	m := &Manager{
		factories:  make(map[string]Factory),
		reducers:   lru.New[string, Reducer](reducerCapacity, func(a, b Reducer) bool { return a == b }),
		reductions: lru.NewComparable[string, *Reduction](reductionCapacity),
	}
	m.Register("pca", NewPCA)
	m.Register("umap", NewUMAP)
	return m
}

// Register adds a reducer. Names are case-insensitive.
func (m *Manager) Register(name string, f Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[strings.ToLower(name)] = f
}

// Reduce fits the named reducer on fit, or reuses a reducer fitted on
// identical data, and applies it to features. An identical call returns the
// identical *Reduction. Empty features yield nil.
func (m *Manager) Reduce(name string, fit, features [][]float64, opts Options) (*Reduction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	name = strings.ToLower(name)
	factory, ok := m.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownReducer, name)
	}

	reducerKey := HashFeatures(fit) + ":" + name + ":" + opts.key()
	reducer, ok := m.reducers.Get(reducerKey)
	if !ok {
		x, err := toMatrix(fit)
		if err != nil {
			return nil, err
		}
		if reducer, err = factory(opts); err != nil {
			return nil, err
		}
		if err := reducer.Fit(x); err != nil {
			return nil, fmt.Errorf("fit %s: %w", name, err)
		}
		m.reducers.Add(reducerKey, reducer, nil)
		logger.Debug("Reduce", "Fitted %s on %d samples", name, len(fit))
	}

	if len(features) == 0 {
		return nil, nil
	}

	reductionKey := reducerKey + ":" + HashFeatures(features)
	if r, ok := m.reductions.Get(reductionKey); ok {
		return r, nil
	}
	x, err := toMatrix(features)
	if err != nil {
		return nil, err
	}
	points, err := reducer.Reduce(x)
	if err != nil {
		return nil, fmt.Errorf("reduce %s: %w", name, err)
	}
	r := &Reduction{Points: points}
	m.reductions.Add(reductionKey, r, nil)
	return r, nil
}

// HashFeatures returns a content hash of a feature matrix, shape included.
func HashFeatures(rows [][]float64) string {
	d := xxhash.New()
	var buf [8]byte
	write := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		_, _ = d.Write(buf[:])
	}
	write(uint64(len(rows)))
	for _, row := range rows {
		write(uint64(len(row)))
		for _, v := range row {
			write(math.Float64bits(v))
		}
	}
	return strconv.FormatUint(d.Sum64(), 16)
}

func toMatrix(rows [][]float64) (*mat.Dense, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, ErrNoSamples
	}
	cols := len(rows[0])
	data := make([]float64, 0, len(rows)*cols)
	for i, row := range rows {
		if len(row) != cols {
			return nil, fmt.Errorf("row %d has %d features, want %d", i, len(row), cols)
		}
		data = append(data, row...)
	}
	return mat.NewDense(len(rows), cols, data), nil
}
