package embeddings

import (
	"context"
	"errors"
	"fmt"
	"image"
	"maps"
	"slices"
	"sync"

	"github.com/Kitware/nrtk-explorer-sub000/internal/logger"
	"github.com/Kitware/nrtk-explorer-sub000/internal/reduce"
	"github.com/Kitware/nrtk-explorer-sub000/internal/state"
	"github.com/Kitware/nrtk-explorer-sub000/pkg/types"
)

// ImageSource loads dataset images. *images.Cache satisfies it.
type ImageSource interface {
	GetImageWithoutEviction(id types.DatasetID) (image.Image, error)
}

// Options select the reducer and its parameters.
type Options struct {
	Method string `json:"tab"`
	reduce.Options
}

func (o Options) method() string {
	if o.Method == "" {
		return "pca"
	}
	return o.Method
}

// Validate checks the reducer name and the dimensionality.
func (o Options) Validate() error {
	switch o.method() {
	case "pca", "umap":
	default:
		return fmt.Errorf("%w: %q", reduce.ErrUnknownReducer, o.Method)
	}
	if o.Dims != 0 && o.Dims != 2 && o.Dims != 3 {
		return fmt.Errorf("dimensionality must be 2 or 3, got %d", o.Dims)
	}
	return nil
}

// Points maps dataset ids to projected coordinates.
type Points map[string][]float64

// Service publishes projected source points under points_sources and
// projected transformed points under points_transformations.
//
// Source features are fitted once per update and reused for transformed
// images. At most one update runs at a time; starting one cancels the
// previous.
type Service struct {
	store   *state.Store
	loop    sync.Locker
	images  ImageSource
	reducer *reduce.Manager

	mu              sync.Mutex
	extractor       *Extractor
	options         Options
	sources         *Features
	transformed     *Features
	fit             [][]float64
	stashed         Points
	showTransformed bool
	cancel          context.CancelFunc
	done            chan struct{}
}

// NewService returns a service. loop guards images; it must not be held by
// callers of UpdatePoints or AddTransformed.
func NewService(store *state.Store, loop sync.Locker, images ImageSource, extractor *Extractor, reducer *reduce.Manager, opts Options) *Service {
	if reducer == nil {
		reducer = reduce.NewManager()
	}
	s := &Service{
		store:       store,
		loop:        loop,
		images:      images,
		reducer:     reducer,
		extractor:   extractor,
		options:     opts,
		sources:     NewFeatures(),
		transformed: NewFeatures(),
		stashed:     Points{},
	}
	store.Update(map[string]any{
		state.KeyPointsSources:         Points{},
		state.KeyPointsTransformations: Points{},
		state.KeyComputingEmbeddings:   false,
	})
	return s
}

// Options returns the options of the last update.
func (s *Service) Options() Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.options
}

// Start cancels the running update and starts a new one in the background.
func (s *Service) Start(ids []types.DatasetID, opts Options) {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel, s.done = cancel, done
	s.mu.Unlock()

	ids = slices.Clone(ids)
	go func() {
		defer close(done)
		defer cancel()
		err := s.UpdatePoints(ctx, ids, opts)
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled):
			logger.Debug("Embeddings", "Update of %d points cancelled", len(ids))
		default:
			logger.Error("Embeddings", "Update of %d points failed: %v", len(ids), err)
		}
	}()
}

// Wait blocks until the last started update returns.
func (s *Service) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Cancel stops the running update and clears the loading flag.
func (s *Service) Cancel() {
	s.mu.Lock()
	s.cancelLocked()
	s.mu.Unlock()
	s.store.Flush()
}

func (s *Service) cancelLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.store.Set(state.KeyComputingEmbeddings, false)
}

// Close cancels the running update and waits for it.
func (s *Service) Close() {
	s.Cancel()
	s.Wait()
}

// UpdatePoints extracts missing source features for ids, fits the reducer
// on all of them and publishes their points. Transformed features already
// known are projected with the new fit.
func (s *Service) UpdatePoints(ctx context.Context, ids []types.DatasetID, opts Options) error {
	s.mu.Lock()
	if err := ctx.Err(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.options = opts
	s.stashed = Points{}
	s.store.Update(map[string]any{
		state.KeyComputingEmbeddings:   true,
		state.KeyPointsSources:         Points{},
		state.KeyPointsTransformations: Points{},
	})
	missing := s.sources.Missing(ids)
	extractor := s.extractor
	s.mu.Unlock()
	s.store.Flush()

	imgs, err := s.load(missing)
	if err != nil {
		return s.fail(ctx, err)
	}
	features, err := extractor.Extract(ctx, imgs)
	if err != nil {
		return s.fail(ctx, err)
	}

	s.mu.Lock()
	if err := ctx.Err(); err != nil {
		s.mu.Unlock()
		return err
	}
	if extractor != s.extractor {
		s.mu.Unlock()
		return context.Canceled
	}
	for i, id := range missing {
		s.sources.Put(id, features[i])
	}
	fit := s.sources.Matrix(ids)
	var r *reduce.Reduction
	if len(fit) > 0 {
		r, err = s.reducer.Reduce(opts.method(), fit, fit, opts.Options)
	}
	if err != nil {
		s.store.Set(state.KeyComputingEmbeddings, false)
		s.mu.Unlock()
		s.store.Flush()
		return fmt.Errorf("project %d points: %w", len(ids), err)
	}

	s.fit = fit
	points := Points{}
	if r != nil {
		for i, id := range ids {
			points[string(id)] = r.Points[i]
		}
	}
	s.store.Set(state.KeyPointsSources, points)
	err = s.projectTransformed(s.transformed.IDs())
	s.store.Set(state.KeyComputingEmbeddings, false)
	s.mu.Unlock()
	s.store.Flush()

	logger.Debug("Embeddings", "Projected %d points with %s (%d extracted)", len(points), opts.method(), len(missing))
	return err
}

func (s *Service) load(ids []types.DatasetID) ([]image.Image, error) {
	s.loop.Lock()
	defer s.loop.Unlock()
	imgs := make([]image.Image, len(ids))
	for i, id := range ids {
		img, err := s.images.GetImageWithoutEviction(id)
		if err != nil {
			return nil, err
		}
		imgs[i] = img
	}
	return imgs, nil
}

// fail clears the loading flag unless ctx was cancelled, in which case the
// next update owns the flag.
func (s *Service) fail(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.mu.Lock()
	s.store.Set(state.KeyComputingEmbeddings, false)
	s.mu.Unlock()
	s.store.Flush()
	return err
}

// AddTransformed extracts features of transformed images and publishes
// their points against the current fit. The caller flushes the store.
func (s *Service) AddTransformed(ctx context.Context, images map[types.DatasetID]image.Image) error {
	if len(images) == 0 {
		return nil
	}
	ids := slices.Sorted(maps.Keys(images))
	imgs := make([]image.Image, len(ids))
	for i, id := range ids {
		imgs[i] = images[id]
	}

	s.mu.Lock()
	extractor := s.extractor
	s.mu.Unlock()

	features, err := extractor.Extract(ctx, imgs)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if extractor != s.extractor {
		return nil
	}
	for i, id := range ids {
		s.transformed.Put(id, features[i])
		delete(s.stashed, string(id))
	}
	return s.projectTransformed(ids)
}

// projectTransformed projects ids without a point yet. AddTransformed drops
// the point of every id whose features it replaces. Without a fit there
// is nothing to project against; the next update picks them up.
func (s *Service) projectTransformed(ids []types.DatasetID) error {
	var todo []types.DatasetID
	for _, id := range ids {
		if _, ok := s.stashed[string(id)]; !ok {
			todo = append(todo, id)
		}
	}
	if len(todo) == 0 || len(s.fit) == 0 {
		s.publishTransformed()
		return nil
	}

	r, err := s.reducer.Reduce(s.options.method(), s.fit, s.transformed.Matrix(todo), s.options.Options)
	if err != nil {
		return fmt.Errorf("project %d transformed points: %w", len(todo), err)
	}
	if r != nil {
		for i, id := range todo {
			s.stashed[string(id)] = r.Points[i]
		}
	}
	s.publishTransformed()
	return nil
}

func (s *Service) publishTransformed() {
	points := Points{}
	if s.showTransformed {
		points = maps.Clone(s.stashed)
	}
	s.store.Set(state.KeyPointsTransformations, points)
}

// SetTransformEnabled shows or hides the transformed points.
func (s *Service) SetTransformEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.showTransformed = enabled
	s.publishTransformed()
}

// ClearTransformations drops transformed features and points. Called when
// a new transform is applied.
func (s *Service) ClearTransformations() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transformed.Clear()
	s.stashed = Points{}
	s.publishTransformed()
}

// PruneTransformed drops transformed features and points of ids outside
// the working set.
func (s *Service) PruneTransformed(ids []types.DatasetID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transformed.Prune(ids)
	keep := make(map[string]bool, len(ids))
	for _, id := range ids {
		keep[string(id)] = true
	}
	maps.DeleteFunc(s.stashed, func(id string, _ []float64) bool { return !keep[id] })
	s.publishTransformed()
}

// Reset cancels the running update and drops every feature and point.
// Called on dataset change.
func (s *Service) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

// SetExtractor switches the feature model. Features of the previous model
// are dropped.
func (s *Service) SetExtractor(e *Extractor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extractor = e
	s.resetLocked()
}

func (s *Service) resetLocked() {
	s.cancelLocked()
	s.sources.Clear()
	s.transformed.Clear()
	s.fit = nil
	s.stashed = Points{}
	s.store.Set(state.KeyPointsSources, Points{})
	s.publishTransformed()
}
