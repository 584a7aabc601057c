// Package inference runs detection and feature models over images with
// an adaptive batch size.
//
// Models are plugged in as backends that process one batch of same-size
// images. The Detector and Batcher types add grouping, out-of-memory
// recovery and resource release around them.
package inference

import (
	"context"
	"errors"
	"image"

	"github.com/Kitware/nrtk-explorer-sub000/pkg/types"
)

// ErrOutOfMemory reports that a batch did not fit in model memory. Backends
// return it (possibly wrapped) so that the batch is retried smaller.
var ErrOutOfMemory = errors.New("inference: out of memory")

// DefaultBatchSize is the starting batch size of adaptive runners.
const DefaultBatchSize = 32

// Predictor produces detections for a set of images. Eval accepts an empty
// map and returns an empty result.
type Predictor interface {
	Eval(ctx context.Context, images map[types.ImageID]image.Image) (map[types.ImageID][]types.RawPrediction, error)
	// Reset restores the starting batch size.
	Reset(ctx context.Context) error
}

// DetectBackend runs a detection model over one batch of same-size images.
type DetectBackend interface {
	Detect(ctx context.Context, images []image.Image) ([][]types.RawPrediction, error)
}

// FeatureBackend runs a feature model over one batch of images and returns
// one vector per image.
type FeatureBackend interface {
	Features(ctx context.Context, images []image.Image) ([][]float64, error)
}

// Releaser is implemented by backends holding resources that should be
// returned after every batch attempt.
type Releaser interface {
	Release()
}

func releaseFunc(backend any) func() {
	if r, ok := backend.(Releaser); ok {
		return r.Release
	}
	return nil
}
