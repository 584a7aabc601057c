// Package scoring compares annotation sets of one image.
package scoring

import (
	"github.com/Kitware/nrtk-explorer-sub000/internal/annotations"
	"github.com/Kitware/nrtk-explorer-sub000/pkg/types"
)

// Options tune scoring.
type Options struct {
	// Threshold drops annotations scoring below it before comparison.
	Threshold float64
	// Categories resolves labels and category ids. May be nil.
	Categories annotations.Categories
}

// Score returns the similarity of predicted to actual in [0, 1].
//
// Two empty sets agree fully and score 1. One empty set scores 0. When any
// annotation lacks a box the category overlap is used; otherwise the
// class-agnostic pixelwise IoU of the two box sets.
func Score(actual, predicted []types.Annotation, opts Options) float64 {
	actual = filter(actual, opts.Threshold)
	predicted = filter(predicted, opts.Threshold)

	switch {
	case len(actual) == 0 && len(predicted) == 0:
		return 1.0
	case len(actual) == 0 || len(predicted) == 0:
		return 0.0
	}

	actual = annotations.Normalize(opts.Categories, actual)
	predicted = annotations.Normalize(opts.Categories, predicted)

	if !allBoxed(actual) || !allBoxed(predicted) {
		return CategoryOverlap(actual, predicted)
	}
	return PixelIoU(boxes(actual), boxes(predicted))
}

// Scores maps dataset ids to scores.
type Scores map[types.DatasetID]float64

// ScoreImages scores every id of actual against predicted. Ids missing from
// predicted compare against an empty set.
func ScoreImages(actual, predicted map[types.DatasetID][]types.Annotation, opts Options) Scores {
	out := make(Scores, len(actual))
	for id, a := range actual {
		out[id] = Score(a, predicted[id], opts)
	}
	return out
}

func filter(anns []types.Annotation, threshold float64) []types.Annotation {
	if threshold <= 0 {
		return anns
	}
	out := make([]types.Annotation, 0, len(anns))
	for _, a := range anns {
		if a.Confidence() >= threshold {
			out = append(out, a)
		}
	}
	return out
}

func allBoxed(anns []types.Annotation) bool {
	for _, a := range anns {
		if a.BBox == nil {
			return false
		}
	}
	return true
}

func boxes(anns []types.Annotation) []types.BBox {
	out := make([]types.BBox, len(anns))
	for i, a := range anns {
		out[i] = *a.BBox
	}
	return out
}

// CategoryOverlap is |predicted ∩ actual| / |predicted ∪ actual| over
// category ids. A missing id takes part in the union but never matches.
func CategoryOverlap(actual, predicted []types.Annotation) float64 {
	const none = -1 << 31
	key := func(a types.Annotation) int {
		if a.CategoryID == nil {
			return none
		}
		return *a.CategoryID
	}

	actualIDs := make(map[int]bool, len(actual))
	union := make(map[int]bool, len(actual)+len(predicted))
	for _, a := range actual {
		actualIDs[key(a)] = true
		union[key(a)] = true
	}
	predictedIDs := make(map[int]bool, len(predicted))
	for _, p := range predicted {
		predictedIDs[key(p)] = true
		union[key(p)] = true
	}

	matches := 0
	for id := range predictedIDs {
		if id != none && actualIDs[id] {
			matches++
		}
	}
	if len(union) == 0 {
		return 0
	}
	return float64(matches) / float64(len(union))
}
