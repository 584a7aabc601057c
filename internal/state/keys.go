package state

import "github.com/Kitware/nrtk-explorer-sub000/pkg/types"

// GroundTruthModel is the model name under which dataset annotations are
// published.
const GroundTruthModel = "ground_truth"

// Well-known keys.
const (
	KeyCurrentDataset        = "current_dataset"
	KeyDatasetIDs            = "dataset_ids"
	KeyUserSelectedIDs       = "user_selected_ids"
	KeyVisibleIDs            = "image_list_ids"
	KeyUpdatingImages        = "updating_images"
	KeyPredictionsEnabled    = "predictions_images_enabled"
	KeyTransformEnabled      = "transform_enabled"
	KeyConfidenceThreshold   = "confidence_score_threshold"
	KeyModels                = "inference_models"
	KeyAppliedTransforms     = "applied_transforms"
	KeyPointsSources         = "points_sources"
	KeyPointsTransformations = "points_transformations"
	KeyComputingEmbeddings   = "is_loading"
	KeyError                 = "error_message"
)

// ImageKey is the key holding the published pixels of an image.
func ImageKey(id types.ImageID) string {
	return id.String()
}

// ResultKey is the key holding annotations of an image for a model.
func ResultKey(id types.ImageID, model string) string {
	return "result_" + id.String() + "_" + model
}

// ScoreKey is the key holding the ground-truth score of an image for a model.
func ScoreKey(id types.ImageID, model string) string {
	return "score_" + id.String() + "_" + model
}

// MetaKey is the key holding the ImageMeta of a dataset image.
func MetaKey(id types.DatasetID) string {
	return "meta_" + string(id)
}

// StatusKey is the key holding a failure message for a dataset image.
func StatusKey(id types.DatasetID) string {
	return "status_" + string(id)
}
