package state

import "github.com/Kitware/nrtk-explorer-sub000/pkg/types"

// ImageMeta holds the three comparison scores of one dataset image.
type ImageMeta struct {
	GroundTruthToOriginal    float64 `json:"original_ground_to_original_detection_score"`
	OriginalToTransformed    float64 `json:"original_detection_to_transformed_detection_score"`
	GroundTruthToTransformed float64 `json:"ground_truth_to_transformed_detection_score"`
}

// GetImageMeta returns the meta of id, or the zero defaults.
func GetImageMeta(s *Store, id types.DatasetID) ImageMeta {
	meta, _ := Value[ImageMeta](s, MetaKey(id))
	return meta
}

// UpdateImageMeta merges defaults, the current meta and update.
func UpdateImageMeta(s *Store, id types.DatasetID, update func(*ImageMeta)) {
	meta := GetImageMeta(s, id)
	update(&meta)
	s.Set(MetaKey(id), meta)
}

// DeleteImageMeta nulls the meta of id.
func DeleteImageMeta(s *Store, id types.DatasetID) {
	s.Delete(MetaKey(id))
}
