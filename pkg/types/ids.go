package types

import (
	"fmt"
	"strings"
)

// DatasetID identifies one image in the loaded dataset.
type DatasetID string

// ImageKind distinguishes the original view of a dataset image from its
// transformed view.
type ImageKind uint8

const (
	Original ImageKind = iota
	Transformed
)

const (
	originalPrefix    = "img_"
	transformedPrefix = "transformed_img_"
)

// ImageID is a view of a dataset image. It is always derived from a
// DatasetID.
type ImageID struct {
	Kind      ImageKind
	DatasetID DatasetID
}

// OriginalID returns the original image id for a dataset id.
func OriginalID(id DatasetID) ImageID {
	return ImageID{Kind: Original, DatasetID: id}
}

// TransformedID returns the transformed image id for a dataset id.
func TransformedID(id DatasetID) ImageID {
	return ImageID{Kind: Transformed, DatasetID: id}
}

// String renders the id as used in state keys: img_<id> or transformed_img_<id>.
func (i ImageID) String() string {
	if i.Kind == Transformed {
		return transformedPrefix + string(i.DatasetID)
	}
	return originalPrefix + string(i.DatasetID)
}

// ParseImageID is the inverse of ImageID.String.
func ParseImageID(s string) (ImageID, error) {
	switch {
	case strings.HasPrefix(s, transformedPrefix):
		return TransformedID(DatasetID(strings.TrimPrefix(s, transformedPrefix))), nil
	case strings.HasPrefix(s, originalPrefix):
		return OriginalID(DatasetID(strings.TrimPrefix(s, originalPrefix))), nil
	default:
		return ImageID{}, fmt.Errorf("not an image id: %q", s)
	}
}

// DatasetIDs converts a slice of strings.
func DatasetIDs(ids ...string) []DatasetID {
	out := make([]DatasetID, len(ids))
	for i, id := range ids {
		out[i] = DatasetID(id)
	}
	return out
}
