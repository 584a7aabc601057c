package session

import (
	"fmt"
	"slices"
	"sort"

	"github.com/Kitware/nrtk-explorer-sub000/internal/state"
	"github.com/Kitware/nrtk-explorer-sub000/pkg/types"
)

// DefaultPageSize is the number of images in view before the first scroll.
const DefaultPageSize = 12

// SortByID keeps the dataset order. The other sort keys are the meta
// score fields.
const SortByID = "id"

var sortKeys = map[string]func(state.ImageMeta) float64{
	"original_ground_to_original_detection_score":       func(m state.ImageMeta) float64 { return m.GroundTruthToOriginal },
	"original_detection_to_transformed_detection_score": func(m state.ImageMeta) float64 { return m.OriginalToTransformed },
	"ground_truth_to_transformed_detection_score":       func(m state.ImageMeta) float64 { return m.GroundTruthToTransformed },
}

// ImageList is the window of the sorted selection that is in view. Sorting
// by a score means newly computed scores can move images in or out of the
// window. Not safe for concurrent use.
type ImageList struct {
	store      *state.Store
	sortKey    string
	descending bool
	offset     int
	limit      int
	visible    []types.DatasetID
}

// NewImageList returns a list sorted by id.
func NewImageList(store *state.Store) *ImageList {
	return &ImageList{store: store, sortKey: SortByID, limit: DefaultPageSize}
}

// Visible returns the ids in view.
func (l *ImageList) Visible() []types.DatasetID {
	return slices.Clone(l.visible)
}

// SetSort changes the sort order.
func (l *ImageList) SetSort(key string, descending bool) error {
	if _, ok := sortKeys[key]; !ok && key != SortByID {
		return fmt.Errorf("unknown sort key %q", key)
	}
	l.sortKey, l.descending = key, descending
	return nil
}

func (l *ImageList) sorted(selected []types.DatasetID) []types.DatasetID {
	out := slices.Clone(selected)
	score, ok := sortKeys[l.sortKey]
	if !ok {
		if l.descending {
			slices.Reverse(out)
		}
		return out
	}
	values := make(map[types.DatasetID]float64, len(out))
	for _, id := range out {
		values[id] = score(state.GetImageMeta(l.store, id))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if l.descending {
			return values[out[i]] > values[out[j]]
		}
		return values[out[i]] < values[out[j]]
	})
	return out
}

func (l *ImageList) window(selected []types.DatasetID) []types.DatasetID {
	ids := l.sorted(selected)
	start := min(l.offset, len(ids))
	end := min(start+l.limit, len(ids))
	return ids[start:end]
}

// Scroll records the ids the client shows. The window keeps their position
// in the sorted selection and their count.
func (l *ImageList) Scroll(selected, visible []types.DatasetID) {
	l.offset = 0
	if len(visible) > 0 {
		if i := slices.Index(l.sorted(selected), visible[0]); i >= 0 {
			l.offset = i
		}
		l.limit = len(visible)
	}
	l.publish(slices.Clone(visible))
}

// Refresh recomputes the window over selected and reports whether the
// ids in view changed.
func (l *ImageList) Refresh(selected []types.DatasetID) bool {
	next := l.window(selected)
	if slices.Equal(next, l.visible) {
		return false
	}
	l.publish(slices.Clone(next))
	return true
}

// Reset scrolls back to the top.
func (l *ImageList) Reset(selected []types.DatasetID) {
	l.offset = 0
	l.publish(slices.Clone(l.window(selected)))
}

func (l *ImageList) publish(ids []types.DatasetID) {
	if ids == nil {
		ids = []types.DatasetID{}
	}
	l.visible = ids
	l.store.Set(state.KeyVisibleIDs, ids)
}
