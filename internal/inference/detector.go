package inference

import (
	"context"
	"fmt"
	"image"
	"sort"

	"github.com/Kitware/nrtk-explorer-sub000/internal/imageio"
	"github.com/Kitware/nrtk-explorer-sub000/internal/logger"
	"github.com/Kitware/nrtk-explorer-sub000/internal/metrics"
	"github.com/Kitware/nrtk-explorer-sub000/pkg/types"
)

// Group is a set of images sharing one display size.
type Group struct {
	Size imageio.Size
	IDs  []types.ImageID
}

// GroupBySize groups images by display size so that every model batch has
// a uniform shape. Groups and ids are sorted for determinism.
func GroupBySize(images map[types.ImageID]image.Image) []Group {
	bySize := make(map[imageio.Size][]types.ImageID)
	for id, img := range images {
		s := imageio.DisplaySize(img)
		bySize[s] = append(bySize[s], id)
	}
	groups := make([]Group, 0, len(bySize))
	for s, ids := range bySize {
		sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
		groups = append(groups, Group{Size: s, IDs: ids})
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Size.W != groups[j].Size.W {
			return groups[i].Size.W < groups[j].Size.W
		}
		return groups[i].Size.H < groups[j].Size.H
	})
	return groups
}

// Detector adapts a DetectBackend into a Predictor with size grouping and
// power-of-two batch shrinking.
type Detector struct {
	name    string
	backend DetectBackend
	batcher *Batcher
	metrics *metrics.Metrics
}

// NewDetector wraps backend. m may be nil.
func NewDetector(name string, backend DetectBackend, startBatch int, m *metrics.Metrics) *Detector {
	d := &Detector{name: name, backend: backend, metrics: m}
	policy := Policy{
		Start:   startBatch,
		Shrink:  PowerOfTwoBelow,
		Release: releaseFunc(backend),
	}
	if m != nil {
		policy.OnResize = func(n int) { m.DetectorBatch.Store(uint64(n)) }
		policy.OnOutOfMemory = func() { m.InferenceOOM.Add(1) }
	}
	d.batcher = NewBatcher(policy)
	return d
}

// Name returns the model name.
func (d *Detector) Name() string { return d.name }

// BatchSize returns the current adaptive batch size.
func (d *Detector) BatchSize() int { return d.batcher.Size() }

// Reset restores the starting batch size.
func (d *Detector) Reset(context.Context) error {
	d.batcher.Reset()
	return nil
}

// Eval runs the backend over images grouped by size.
func (d *Detector) Eval(ctx context.Context, images map[types.ImageID]image.Image) (map[types.ImageID][]types.RawPrediction, error) {
	out := make(map[types.ImageID][]types.RawPrediction, len(images))
	if len(images) == 0 {
		return out, nil
	}
	for _, g := range GroupBySize(images) {
		batch := make([]image.Image, len(g.IDs))
		for i, id := range g.IDs {
			batch[i] = images[id]
		}
		err := d.batcher.Run(ctx, len(batch), func(ctx context.Context, start, end int) error {
			if d.metrics != nil {
				d.metrics.InferenceCalls.Add(1)
				d.metrics.InferenceImages.Add(uint64(end - start))
			}
			preds, err := d.backend.Detect(ctx, batch[start:end])
			if err != nil {
				return err
			}
			if len(preds) != end-start {
				return fmt.Errorf("%s returned %d results for %d images", d.name, len(preds), end-start)
			}
			for i, p := range preds {
				out[g.IDs[start+i]] = p
			}
			return nil
		})
		if err != nil {
			if d.metrics != nil && ctx.Err() == nil {
				d.metrics.InferenceErrors.Add(1)
			}
			return nil, fmt.Errorf("%s: %w", d.name, err)
		}
	}
	logger.Debug("Inference", "%s evaluated %d images at batch size %d", d.name, len(images), d.batcher.Size())
	return out, nil
}
