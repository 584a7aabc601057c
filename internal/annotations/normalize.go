package annotations

import "github.com/Kitware/nrtk-explorer-sub000/pkg/types"

// Categories resolves dataset categories. *dataset.Dataset satisfies it.
type Categories interface {
	Category(id int) (types.Category, bool)
	CategoryByName(name string) (types.Category, bool)
}

// Normalize resolves category ids from labels and labels from category
// ids, and fills the default score of 1.0 where none is given. A score of
// zero is kept.
// The input is not modified.
func Normalize(cats Categories, anns []types.Annotation) []types.Annotation {
	out := make([]types.Annotation, len(anns))
	for i, a := range anns {
		if a.CategoryID == nil && a.Label != "" && cats != nil {
			if c, ok := cats.CategoryByName(a.Label); ok {
				a.CategoryID = types.IntPtr(c.ID)
			}
		}
		if a.CategoryID != nil && cats != nil {
			if c, ok := cats.Category(*a.CategoryID); ok {
				a.Label = c.Name
			}
		}
		if a.Score == nil {
			a.Score = types.Float64Ptr(1.0)
		} else {
			a.Score = types.Float64Ptr(*a.Score)
		}
		if a.BBox != nil {
			b := *a.BBox
			a.BBox = &b
		}
		out[i] = a
	}
	return out
}

// FromPredictions converts detector output to normalized annotations.
func FromPredictions(cats Categories, preds []types.RawPrediction) []types.Annotation {
	anns := make([]types.Annotation, len(preds))
	for i, p := range preds {
		b := p.Box.BBox()
		anns[i] = types.Annotation{Label: p.Label, Score: types.Float64Ptr(p.Score), BBox: &b}
	}
	return Normalize(cats, anns)
}
