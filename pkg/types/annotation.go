package types

// BBox is an axis-aligned box in [x, y, w, h] form.
type BBox [4]float64

// X returns the left edge.
func (b BBox) X() float64 { return b[0] }

// Y returns the top edge.
func (b BBox) Y() float64 { return b[1] }

// W returns the width.
func (b BBox) W() float64 { return b[2] }

// H returns the height.
func (b BBox) H() float64 { return b[3] }

// Annotation is the normalized record shared by ground truth and model
// predictions.
type Annotation struct {
	CategoryID *int    `json:"category_id"`
	Label      string  `json:"label,omitempty"`
	Score      *float64 `json:"score,omitempty"`
	BBox       *BBox    `json:"bbox"`
}

// Confidence returns the score, or 1 when the annotation carries none.
func (a Annotation) Confidence() float64 {
	if a.Score == nil {
		return 1.0
	}
	return *a.Score
}

// Box is a detector box in corner form.
type Box struct {
	XMin float64 `json:"xmin" msgpack:"xmin"`
	YMin float64 `json:"ymin" msgpack:"ymin"`
	XMax float64 `json:"xmax" msgpack:"xmax"`
	YMax float64 `json:"ymax" msgpack:"ymax"`
}

// BBox converts corner form to [x, y, w, h].
func (b Box) BBox() BBox {
	return BBox{b.XMin, b.YMin, b.XMax - b.XMin, b.YMax - b.YMin}
}

// RawPrediction is one detection as returned by a detector.
type RawPrediction struct {
	Box   Box     `json:"box" msgpack:"box"`
	Label string  `json:"label" msgpack:"label"`
	Score float64 `json:"score" msgpack:"score"`
}

// Category is a dataset category.
type Category struct {
	ID            int    `json:"id"`
	Name          string `json:"name"`
	Supercategory string `json:"supercategory,omitempty"`
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int { return &v }

// Float64Ptr returns a pointer to v.
func Float64Ptr(v float64) *float64 { return &v }
