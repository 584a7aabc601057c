// Package embeddings extracts image feature vectors, caches them per dataset
// image and publishes their low-dimensional projections.
package embeddings

import (
	"context"
	"fmt"
	"image"

	"github.com/Kitware/nrtk-explorer-sub000/internal/inference"
	"github.com/Kitware/nrtk-explorer-sub000/internal/metrics"
)

// Extractor runs a feature backend with an adaptive batch size that halves
// on out-of-memory errors.
type Extractor struct {
	name    string
	backend inference.FeatureBackend
	batcher *inference.Batcher
	metrics *metrics.Metrics
}

// NewExtractor wraps backend. m may be nil.
func NewExtractor(name string, backend inference.FeatureBackend, startBatch int, m *metrics.Metrics) *Extractor {
	e := &Extractor{name: name, backend: backend, metrics: m}
	policy := inference.Policy{Start: startBatch, Shrink: inference.Halve}
	if r, ok := backend.(inference.Releaser); ok {
		policy.Release = r.Release
	}
	if m != nil {
		policy.OnResize = func(n int) { m.ExtractorBatch.Store(uint64(n)) }
		policy.OnOutOfMemory = func() { m.InferenceOOM.Add(1) }
	}
	e.batcher = inference.NewBatcher(policy)
	return e
}

// Name returns the feature model name.
func (e *Extractor) Name() string { return e.name }

// BatchSize returns the current batch size.
func (e *Extractor) BatchSize() int { return e.batcher.Size() }

// Extract returns one feature vector per image, in order. No images yield
// an empty matrix.
func (e *Extractor) Extract(ctx context.Context, images []image.Image) ([][]float64, error) {
	out := make([][]float64, len(images))
	if len(images) == 0 {
		return out, nil
	}
	err := e.batcher.Run(ctx, len(images), func(ctx context.Context, start, end int) error {
		if e.metrics != nil {
			e.metrics.InferenceCalls.Add(1)
			e.metrics.InferenceImages.Add(uint64(end - start))
		}
		features, err := e.backend.Features(ctx, images[start:end])
		if err != nil {
			return err
		}
		if len(features) != end-start {
			return fmt.Errorf("%s returned %d vectors for %d images", e.name, len(features), end-start)
		}
		copy(out[start:end], features)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("extract features with %s: %w", e.name, err)
	}
	return out, nil
}
