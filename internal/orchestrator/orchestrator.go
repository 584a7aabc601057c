// Package orchestrator refreshes the images, predictions and scores of the
// working set in cancellable batches.
//
// Visible images are processed first, then the rest of the selection. Every
// cache access happens under the session loop lock; inference and feature
// extraction run outside it. A run checks its context under the lock before
// each write, so once Start has cancelled it, it never publishes again.
package orchestrator

import (
	"context"
	"fmt"
	"image"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Kitware/nrtk-explorer-sub000/internal/annotations"
	"github.com/Kitware/nrtk-explorer-sub000/internal/images"
	"github.com/Kitware/nrtk-explorer-sub000/internal/inference"
	"github.com/Kitware/nrtk-explorer-sub000/internal/lazy"
	"github.com/Kitware/nrtk-explorer-sub000/internal/logger"
	"github.com/Kitware/nrtk-explorer-sub000/internal/metrics"
	"github.com/Kitware/nrtk-explorer-sub000/internal/scoring"
	"github.com/Kitware/nrtk-explorer-sub000/internal/state"
	"github.com/Kitware/nrtk-explorer-sub000/pkg/types"
)

// DefaultBatchSize is the number of images refreshed per batch.
const DefaultBatchSize = 16

// State is the orchestrator state.
type State int32

const (
	Idle State = iota
	LoadingVisible
	LoadingOthers
	Cancelled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case LoadingVisible:
		return "loading_visible"
	case LoadingOthers:
		return "loading_others"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Model is a detection model with its two annotation caches.
type Model struct {
	Name        string
	Predictor   inference.Predictor
	Original    *annotations.Detection
	Transformed *annotations.Detection
}

// NewModel returns a model whose caches publish into store. m may be nil.
func NewModel(store *state.Store, name string, predictor inference.Predictor, capacity int, m *metrics.Metrics) *Model {
	return &Model{
		Name:        name,
		Predictor:   predictor,
		Original:    annotations.NewDetection(store, name, capacity, m),
		Transformed: annotations.NewDetection(store, name, capacity, m),
	}
}

// SetCategories switches the categories of both caches, clearing them.
func (m *Model) SetCategories(cats annotations.Categories) {
	m.Original.SetCategories(cats)
	m.Transformed.SetCategories(cats)
}

// Clear empties both caches.
func (m *Model) Clear() {
	m.Original.Clear()
	m.Transformed.Clear()
}

// Settings are captured when a run starts.
type Settings struct {
	// Models run in order. The first one feeds the meta scores.
	Models           []*Model
	InferenceEnabled bool
	TransformEnabled bool
	Transform        images.Transform
	Threshold        float64
	Categories       annotations.Categories
}

func (s Settings) inferring() bool {
	return s.InferenceEnabled && len(s.Models) > 0
}

func (s Settings) transforming() bool {
	return s.TransformEnabled && s.Transform != nil
}

func (s Settings) scoring() scoring.Options {
	return scoring.Options{Threshold: s.Threshold, Categories: s.Categories}
}

// Images loads original and transformed images. *images.Cache satisfies it.
type Images interface {
	GetImageWithoutEviction(id types.DatasetID) (image.Image, error)
	GetTransformedImageWithoutEviction(t images.Transform, id types.DatasetID) (image.Image, error)
}

// TransformListener is told about transformed images after each batch.
// It is called without the loop lock; the orchestrator flushes afterwards.
type TransformListener interface {
	AddTransformed(ctx context.Context, images map[types.DatasetID]image.Image) error
}

// Viewport re-derives the visible images after scores change. It is called
// with the loop lock held and may call Start.
type Viewport interface {
	CheckImagesInView()
}

// Config wires an Orchestrator.
type Config struct {
	Store       *state.Store
	Loop        sync.Locker
	Images      Images
	GroundTruth *annotations.GroundTruth
	Embeddings  TransformListener // optional
	Viewport    Viewport          // optional
	Metrics     *metrics.Metrics  // optional
	BatchSize   int
}

// Orchestrator runs at most one update at a time.
type Orchestrator struct {
	cfg   Config
	state atomic.Int32

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns an idle orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &Orchestrator{cfg: cfg}
}

// State returns the current state.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

// SetViewport sets the viewport consulted after scores change.
func (o *Orchestrator) SetViewport(v Viewport) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cfg.Viewport = v
}

// Start cancels the running update and refreshes visible, then the rest
// of selected, in the background. The caller holds the loop lock and
// flushes the store.
func (o *Orchestrator) Start(visible, selected []types.DatasetID, s Settings) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.cancel != nil {
		o.cancel()
		o.cancelled()
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	o.cancel, o.done = cancel, done

	visible = slices.Clone(visible)
	others := difference(selected, visible)
	s.Models = slices.Clone(s.Models)

	o.cfg.Store.Set(state.KeyUpdatingImages, true)
	o.state.Store(int32(LoadingVisible))
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.UpdatesStarted.Add(1)
	}
	logger.Debug("Orchestrator", "Update started: %d visible, %d others", len(visible), len(others))

	go o.run(ctx, cancel, done, visible, others, s)
}

// Cancel stops the running update and clears the updating flag. The
// caller holds the loop lock and flushes the store.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.cancel == nil {
		return
	}
	o.cancel()
	o.cancel = nil
	o.cancelled()
	o.state.Store(int32(Cancelled))
	o.cfg.Store.Set(state.KeyUpdatingImages, false)
}

func (o *Orchestrator) cancelled() {
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.UpdatesCancelled.Add(1)
	}
}

// Wait blocks until no update is running, including updates restarted by
// the viewport meanwhile. The caller must not hold the loop lock.
func (o *Orchestrator) Wait() {
	for {
		o.mu.Lock()
		done := o.done
		o.mu.Unlock()
		if done == nil {
			return
		}
		<-done

		o.mu.Lock()
		same := o.done == done
		o.mu.Unlock()
		if same {
			return
		}
	}
}

func (o *Orchestrator) run(ctx context.Context, cancel context.CancelFunc, done chan struct{}, visible, others []types.DatasetID, s Settings) {
	defer close(done)
	defer cancel()

	start := time.Now()
	err := o.process(ctx, visible, true, s)
	if err == nil {
		err = o.locked(ctx, func() error {
			o.state.Store(int32(LoadingOthers))
			return nil
		})
	}
	if err == nil {
		err = o.process(ctx, others, false, s)
	}
	if err == nil {
		err = o.locked(ctx, func() error {
			o.cfg.Store.Set(state.KeyUpdatingImages, false)
			o.state.Store(int32(Idle))
			o.mu.Lock()
			o.cancel = nil
			o.mu.Unlock()
			return nil
		})
	}
	if err != nil {
		logger.Debug("Orchestrator", "Update cancelled after %v", time.Since(start))
		return
	}

	if o.cfg.Metrics != nil {
		o.cfg.Metrics.UpdatesCompleted.Add(1)
	}
	logger.Debug("Orchestrator", "Updated %d images in %v", len(visible)+len(others), time.Since(start))
}

// process refreshes ids batch by batch. A failed batch marks its ids and
// the next batch proceeds; only cancellation stops the run.
func (o *Orchestrator) process(ctx context.Context, ids []types.DatasetID, visible bool, s Settings) error {
	for chunk := range slices.Chunk(ids, o.cfg.BatchSize) {
		start := time.Now()
		err := o.updateBatch(ctx, chunk, visible, s)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			o.fail(ctx, chunk, err)
		} else {
			o.clearStatus(ctx, chunk)
		}
		if o.cfg.Metrics != nil {
			o.cfg.Metrics.UpdateBatchLatency(time.Since(start))
		}
	}
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, ids []types.DatasetID, err error) {
	logger.Error("Orchestrator", "Batch of %d images failed: %v", len(ids), err)
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.BatchesFailed.Add(1)
	}
	msg := err.Error()
	o.locked(ctx, func() error {
		for _, id := range ids {
			o.cfg.Store.Set(state.StatusKey(id), msg)
		}
		return nil
	})
}

func (o *Orchestrator) clearStatus(ctx context.Context, ids []types.DatasetID) {
	o.locked(ctx, func() error {
		for _, id := range ids {
			if o.cfg.Store.Has(state.StatusKey(id)) {
				o.cfg.Store.Delete(state.StatusKey(id))
			}
		}
		return nil
	})
}

// locked runs fn under the loop lock unless ctx is done, then flushes.
func (o *Orchestrator) locked(ctx context.Context, fn func() error) error {
	o.cfg.Loop.Lock()
	if err := ctx.Err(); err != nil {
		o.cfg.Loop.Unlock()
		return err
	}
	err := fn()
	o.cfg.Loop.Unlock()
	o.cfg.Store.Flush()
	return err
}

func (o *Orchestrator) checkView() {
	o.mu.Lock()
	v := o.cfg.Viewport
	o.mu.Unlock()
	if v != nil {
		v.CheckImagesInView()
	}
}

func (o *Orchestrator) updateBatch(ctx context.Context, ids []types.DatasetID, visible bool, s Settings) error {
	originals := lazy.NewMap[types.ImageID, image.Image]()
	for _, id := range ids {
		originals.Put(types.OriginalID(id), func() (image.Image, error) {
			return o.cfg.Images.GetImageWithoutEviction(id)
		})
	}

	var gt map[types.DatasetID][]types.Annotation
	if visible || s.inferring() {
		err := o.locked(ctx, func() error {
			gt = o.cfg.GroundTruth.GetAnnotations(ids)
			return nil
		})
		if err != nil {
			return err
		}
	}

	predictions := make(map[string]map[types.DatasetID][]types.Annotation, len(s.Models))
	if s.inferring() {
		for i, m := range s.Models {
			anns, err := o.detect(ctx, m.Original, m.Predictor, originals)
			if err != nil {
				return err
			}
			byID := byDatasetID(anns)
			predictions[m.Name] = byID
			err = o.locked(ctx, func() error {
				scores := scoring.ScoreImages(gt, byID, s.scoring())
				for id, score := range scores {
					o.cfg.Store.Set(state.ScoreKey(types.OriginalID(id), m.Name), score)
				}
				if i == 0 {
					for id, score := range scores {
						state.UpdateImageMeta(o.cfg.Store, id, func(meta *state.ImageMeta) {
							meta.GroundTruthToOriginal = score
						})
					}
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
	}
	if err := o.locked(ctx, func() error { o.checkView(); return nil }); err != nil {
		return err
	}

	if !s.transforming() {
		return nil
	}
	return o.updateTransformed(ctx, ids, gt, predictions, s)
}

func (o *Orchestrator) updateTransformed(ctx context.Context, ids []types.DatasetID, gt map[types.DatasetID][]types.Annotation, predictions map[string]map[types.DatasetID][]types.Annotation, s Settings) error {
	transformed := lazy.NewMap[types.ImageID, image.Image]()
	for _, id := range ids {
		transformed.Put(types.TransformedID(id), func() (image.Image, error) {
			return o.cfg.Images.GetTransformedImageWithoutEviction(s.Transform, id)
		})
	}

	if s.inferring() {
		for i, m := range s.Models {
			anns, err := o.detect(ctx, m.Transformed, m.Predictor, transformed)
			if err != nil {
				return err
			}
			byID := byDatasetID(anns)
			err = o.locked(ctx, func() error {
				scores := scoring.ScoreImages(gt, byID, s.scoring())
				for id, score := range scores {
					o.cfg.Store.Set(state.ScoreKey(types.TransformedID(id), m.Name), score)
				}
				if i == 0 {
					agreement := scoring.ScoreImages(predictions[m.Name], byID, s.scoring())
					for id, score := range scores {
						state.UpdateImageMeta(o.cfg.Store, id, func(meta *state.ImageMeta) {
							meta.GroundTruthToTransformed = score
							meta.OriginalToTransformed = agreement[id]
						})
					}
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		if err := o.locked(ctx, func() error { o.checkView(); return nil }); err != nil {
			return err
		}
	}

	if o.cfg.Embeddings == nil {
		return nil
	}
	imgs := make(map[types.DatasetID]image.Image, len(ids))
	err := o.locked(ctx, func() error {
		for _, id := range ids {
			img, _, err := transformed.Get(types.TransformedID(id))
			if err != nil {
				return err
			}
			imgs[id] = img
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := o.cfg.Embeddings.AddTransformed(ctx, imgs); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn("Orchestrator", "Transformed embeddings of %d images: %v", len(ids), err)
	}
	o.cfg.Store.Flush()
	return nil
}

// detect returns annotations for every key of imgs. Images are loaded and
// results stored under the loop lock; the predictor runs outside it.
func (o *Orchestrator) detect(ctx context.Context, cache *annotations.Detection, predictor inference.Predictor, imgs *lazy.Map[types.ImageID, image.Image]) (map[types.ImageID][]types.Annotation, error) {
	var (
		hits   map[types.ImageID][]types.Annotation
		misses []types.ImageID
		batch  map[types.ImageID]image.Image
	)
	err := o.locked(ctx, func() error {
		hits, misses = cache.Partition(imgs.Keys())
		batch = make(map[types.ImageID]image.Image, len(misses))
		for _, id := range misses {
			img, _, err := imgs.Get(id)
			if err != nil {
				return err
			}
			batch[id] = img
		}
		return nil
	})
	if err != nil || len(misses) == 0 {
		return hits, err
	}

	preds, err := predictor.Eval(ctx, batch)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if o.cfg.Metrics != nil {
			o.cfg.Metrics.InferenceErrors.Add(1)
		}
		return nil, fmt.Errorf("%s: %w", cache.Model(), err)
	}
	err = o.locked(ctx, func() error {
		for _, id := range misses {
			hits[id] = cache.Store(id, preds[id])
		}
		return nil
	})
	return hits, err
}

// ClearTransformed drops transformed predictions and scores of models and
// zeroes the transformed meta scores of ids. Called when a new transform is applied,
// with the loop lock held.
func ClearTransformed(store *state.Store, ids []types.DatasetID, models []*Model) {
	for _, m := range models {
		m.Transformed.Clear()
	}
	for _, id := range ids {
		for _, m := range models {
			retract(store, state.ScoreKey(types.TransformedID(id), m.Name))
		}
		state.UpdateImageMeta(store, id, func(meta *state.ImageMeta) {
			meta.OriginalToTransformed = 0
			meta.GroundTruthToTransformed = 0
		})
	}
}

// RetractScores nulls the original and transformed scores of ids for
// models. Called with the loop lock held.
func RetractScores(store *state.Store, ids []types.DatasetID, models []*Model) {
	for _, id := range ids {
		for _, m := range models {
			retract(store, state.ScoreKey(types.OriginalID(id), m.Name))
			retract(store, state.ScoreKey(types.TransformedID(id), m.Name))
		}
	}
}

func retract(store *state.Store, key string) {
	if store.Has(key) {
		store.Delete(key)
	}
}

func byDatasetID(anns map[types.ImageID][]types.Annotation) map[types.DatasetID][]types.Annotation {
	out := make(map[types.DatasetID][]types.Annotation, len(anns))
	for id, a := range anns {
		out[id.DatasetID] = a
	}
	return out
}

// difference returns the ids of a not in b, keeping the order of a.
func difference(a, b []types.DatasetID) []types.DatasetID {
	skip := make(map[types.DatasetID]bool, len(b))
	for _, id := range b {
		skip[id] = true
	}
	var out []types.DatasetID
	for _, id := range a {
		if !skip[id] {
			skip[id] = true
			out = append(out, id)
		}
	}
	return out
}
