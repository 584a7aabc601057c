package embeddings

import (
	"slices"

	"github.com/Kitware/nrtk-explorer-sub000/pkg/types"
)

// Features maps dataset ids to feature vectors. Not safe for concurrent
// use.
type Features struct {
	vectors map[types.DatasetID][]float64
}

// NewFeatures returns an empty feature set.
func NewFeatures() *Features {
	return &Features{vectors: make(map[types.DatasetID][]float64)}
}

// Put stores the vector of id.
func (f *Features) Put(id types.DatasetID, v []float64) {
	f.vectors[id] = v
}

// Get returns the vector of id.
func (f *Features) Get(id types.DatasetID) ([]float64, bool) {
	v, ok := f.vectors[id]
	return v, ok
}

// Missing returns the ids without a vector, in order.
func (f *Features) Missing(ids []types.DatasetID) []types.DatasetID {
	var out []types.DatasetID
	for _, id := range ids {
		if _, ok := f.vectors[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// Matrix returns the vectors of ids as rows. Ids without a vector are
// skipped.
func (f *Features) Matrix(ids []types.DatasetID) [][]float64 {
	rows := make([][]float64, 0, len(ids))
	for _, id := range ids {
		if v, ok := f.vectors[id]; ok {
			rows = append(rows, v)
		}
	}
	return rows
}

// IDs returns the stored ids, sorted.
func (f *Features) IDs() []types.DatasetID {
	ids := make([]types.DatasetID, 0, len(f.vectors))
	for id := range f.vectors {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Len returns the number of vectors.
func (f *Features) Len() int { return len(f.vectors) }

// Prune drops every id not in keep.
func (f *Features) Prune(keep []types.DatasetID) {
	set := make(map[types.DatasetID]bool, len(keep))
	for _, id := range keep {
		set[id] = true
	}
	for id := range f.vectors {
		if !set[id] {
			delete(f.vectors, id)
		}
	}
}

// Clear drops every vector.
func (f *Features) Clear() {
	clear(f.vectors)
}
