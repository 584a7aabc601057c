// Package annotations caches ground-truth and model annotations per image
// and publishes them under result keys of the state store.
//
// Caches are not safe for concurrent use; the session loop serializes them.
// Inference itself runs outside that loop, which is why Detection exposes
// Partition and Store next to the all-in-one GetAnnotations.
package annotations

import (
	"context"
	"fmt"
	"image"
	"slices"

	"github.com/Kitware/nrtk-explorer-sub000/internal/inference"
	"github.com/Kitware/nrtk-explorer-sub000/internal/lazy"
	"github.com/Kitware/nrtk-explorer-sub000/internal/lru"
	"github.com/Kitware/nrtk-explorer-sub000/internal/metrics"
	"github.com/Kitware/nrtk-explorer-sub000/internal/state"
	"github.com/Kitware/nrtk-explorer-sub000/pkg/types"
)

// DefaultCapacity bounds every annotation cache.
const DefaultCapacity = 500

// Source provides dataset annotations. *dataset.Dataset satisfies it.
type Source interface {
	Categories
	Annotations(id types.DatasetID) []types.Annotation
}

func equalBoxes(a, b *types.BBox) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalCategory(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Equal reports whether two annotation lists hold the same records.
func Equal(a, b []types.Annotation) bool {
	return slices.EqualFunc(a, b, func(x, y types.Annotation) bool {
		return x.Label == y.Label && x.Confidence() == y.Confidence() &&
			equalCategory(x.CategoryID, y.CategoryID) && equalBoxes(x.BBox, y.BBox)
	})
}

// GroundTruth serves dataset annotations through an LRU cache.
type GroundTruth struct {
	store    *state.Store
	source   Source
	cache    *lru.Cache[types.DatasetID, []types.Annotation]
	listener *lru.Listener[types.DatasetID, []types.Annotation]
}

// NewGroundTruth returns an empty cache of capacity entries. m may be nil.
func NewGroundTruth(store *state.Store, capacity int, m *metrics.Metrics) *GroundTruth {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	g := &GroundTruth{
		store: store,
		cache: lru.New[types.DatasetID, []types.Annotation](capacity, Equal),
	}
	if m != nil {
		g.cache.SetObserver(m.Cache("ground_truth"))
	}
	g.listener = &lru.Listener[types.DatasetID, []types.Annotation]{
		OnAdd: func(id types.DatasetID, anns []types.Annotation) {
			store.Set(state.ResultKey(types.OriginalID(id), state.GroundTruthModel), anns)
		},
		OnClear: func(id types.DatasetID) {
			store.Delete(state.ResultKey(types.OriginalID(id), state.GroundTruthModel))
		},
	}
	return g
}

// SetSource switches the dataset and clears the cache.
func (g *GroundTruth) SetSource(src Source) {
	g.cache.Clear()
	g.source = src
}

// GetAnnotations returns normalized ground truth for ids.
func (g *GroundTruth) GetAnnotations(ids []types.DatasetID) map[types.DatasetID][]types.Annotation {
	out := make(map[types.DatasetID][]types.Annotation, len(ids))
	for _, id := range ids {
		if anns, ok := g.cache.Get(id); ok {
			out[id] = anns
			continue
		}
		var anns []types.Annotation
		if g.source != nil {
			anns = Normalize(g.source, g.source.Annotations(id))
		}
		g.cache.Add(id, anns, g.listener)
		out[id] = anns
	}
	return out
}

// Clear empties the cache and retracts published annotations.
func (g *GroundTruth) Clear() { g.cache.Clear() }

// Detection caches one model's predictions per image.
type Detection struct {
	model    string
	store    *state.Store
	cats     Categories
	cache    *lru.Cache[types.ImageID, []types.Annotation]
	listener *lru.Listener[types.ImageID, []types.Annotation]
}

// NewDetection returns an empty cache for model. m may be nil.
func NewDetection(store *state.Store, model string, capacity int, m *metrics.Metrics) *Detection {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	d := &Detection{
		model: model,
		store: store,
		cache: lru.New[types.ImageID, []types.Annotation](capacity, Equal),
	}
	if m != nil {
		d.cache.SetObserver(m.Cache("detections"))
	}
	d.listener = &lru.Listener[types.ImageID, []types.Annotation]{
		OnAdd: func(id types.ImageID, anns []types.Annotation) {
			store.Set(state.ResultKey(id, model), anns)
		},
		OnClear: func(id types.ImageID) {
			store.Delete(state.ResultKey(id, model))
		},
	}
	return d
}

// Model returns the model name.
func (d *Detection) Model() string { return d.model }

// SetCategories switches the categories used to resolve labels and clears
// the cache.
func (d *Detection) SetCategories(cats Categories) {
	d.cache.Clear()
	d.cats = cats
}

// Partition splits ids into cached annotations and ids needing inference.
// Misses keep the order of ids.
func (d *Detection) Partition(ids []types.ImageID) (map[types.ImageID][]types.Annotation, []types.ImageID) {
	hits := make(map[types.ImageID][]types.Annotation)
	var misses []types.ImageID
	for _, id := range ids {
		if anns, ok := d.cache.Get(id); ok {
			hits[id] = anns
		} else {
			misses = append(misses, id)
		}
	}
	return hits, misses
}

// Store normalizes, caches and publishes the predictions of id.
func (d *Detection) Store(id types.ImageID, preds []types.RawPrediction) []types.Annotation {
	anns := FromPredictions(d.cats, preds)
	d.cache.Add(id, anns, d.listener)
	return anns
}

// GetAnnotations returns annotations for every key of images, running
// predictor on cache misses only. Only missed images are forced.
func (d *Detection) GetAnnotations(ctx context.Context, predictor inference.Predictor, images *lazy.Map[types.ImageID, image.Image]) (map[types.ImageID][]types.Annotation, error) {
	out, misses := d.Partition(images.Keys())
	if len(misses) == 0 {
		return out, nil
	}
	toDetect := make(map[types.ImageID]image.Image, len(misses))
	for _, id := range misses {
		img, _, err := images.Get(id)
		if err != nil {
			return nil, err
		}
		toDetect[id] = img
	}
	preds, err := predictor.Eval(ctx, toDetect)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", d.model, err)
	}
	for _, id := range misses {
		out[id] = d.Store(id, preds[id])
	}
	return out, nil
}

// Clear empties the cache and retracts published annotations.
func (d *Detection) Clear() { d.cache.Clear() }
