// Package session owns one exploration session: the loaded dataset, every
// cache, the detection models, the transform chain, the orchestrator, the
// embeddings service and the store they all publish into.
//
// Triggers take the session loop lock, mutate, release it and flush the
// store. Background work takes the same lock for every cache access, so
// caches never see concurrent use.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/Kitware/nrtk-explorer-sub000/internal/annotations"
	"github.com/Kitware/nrtk-explorer-sub000/internal/broker"
	"github.com/Kitware/nrtk-explorer-sub000/internal/config"
	"github.com/Kitware/nrtk-explorer-sub000/internal/dataset"
	"github.com/Kitware/nrtk-explorer-sub000/internal/embeddings"
	"github.com/Kitware/nrtk-explorer-sub000/internal/filtering"
	"github.com/Kitware/nrtk-explorer-sub000/internal/images"
	"github.com/Kitware/nrtk-explorer-sub000/internal/inference"
	"github.com/Kitware/nrtk-explorer-sub000/internal/logger"
	"github.com/Kitware/nrtk-explorer-sub000/internal/metrics"
	"github.com/Kitware/nrtk-explorer-sub000/internal/orchestrator"
	"github.com/Kitware/nrtk-explorer-sub000/internal/reduce"
	"github.com/Kitware/nrtk-explorer-sub000/internal/state"
	"github.com/Kitware/nrtk-explorer-sub000/internal/transforms"
	"github.com/Kitware/nrtk-explorer-sub000/pkg/types"
)

// Session-level keys.
const (
	KeyNumImages      = "num_images"
	KeyRandomSampling = "random_sampling"
	KeyCategories     = "annotation_categories"
	KeyFilter         = "filter_categories"
	KeyFilterOperator = "filter_operator"
	KeyFilterNot      = "filter_not"
	KeySort           = "image_list_sort"
)

// ErrNoDataset is returned by triggers that need a loaded dataset.
var ErrNoDataset = errors.New("no dataset loaded")

// Options wire a Session. Zero fields are built from Config.
type Options struct {
	Config    config.Config
	Detectors broker.PredictorFactory
	Extractor *embeddings.Extractor
	Registry  *transforms.Registry
	Metrics   *metrics.Metrics
}

// Session is the explicit context of one running explorer.
type Session struct {
	loop    sync.Mutex
	store   *state.Store
	cfg     config.Config
	metrics *metrics.Metrics

	detectors broker.PredictorFactory
	registry  *transforms.Registry

	images      *images.Cache
	groundTruth *annotations.GroundTruth
	updates     *orchestrator.Orchestrator
	embeddings  *embeddings.Service
	list        *ImageList

	dataset          *dataset.Dataset
	models           []*orchestrator.Model
	chain            *transforms.Chain
	filter           filtering.Filter
	numImages        int
	random           bool
	inferenceEnabled bool
	transformEnabled bool
	threshold        float64

	exportCancel context.CancelFunc
	exportDone   chan struct{}
}

// New builds a session without a dataset.
func New(opts Options) (*Session, error) {
	cfg := opts.Config
	s := &Session{
		store:            state.NewStore(),
		cfg:              cfg,
		metrics:          opts.Metrics,
		detectors:        opts.Detectors,
		registry:         opts.Registry,
		chain:            transforms.NewChain(),
		filter:           filtering.None{},
		numImages:        cfg.Datasets.NumImages,
		random:           cfg.Datasets.RandomSampling,
		inferenceEnabled: cfg.Inference.Enabled,
		transformEnabled: cfg.Transforms.Enabled,
		threshold:        cfg.Inference.ConfidenceThreshold,
	}
	if s.detectors == nil {
		s.detectors = LocalDetectors(cfg.Inference, s.metrics)
	}
	if s.registry == nil {
		s.registry = transforms.NewRegistry()
		if cfg.Transforms.Definitions != "" {
			if err := s.registry.LoadFile(cfg.Transforms.Definitions); err != nil {
				return nil, err
			}
		}
	}
	extractor := opts.Extractor
	if extractor == nil {
		extractor = NewExtractor(cfg.Embeddings, s.metrics)
	}

	s.images = images.New(s.store, cfg.Cache.Images, s.metrics)
	s.groundTruth = annotations.NewGroundTruth(s.store, cfg.Cache.Annotations, s.metrics)
	s.list = NewImageList(s.store)
	s.embeddings = embeddings.NewService(s.store, &s.loop, s.images, extractor, reduce.NewManager(), embeddings.Options{
		Method:  cfg.Embeddings.Reducer,
		Options: reduce.Options{Dims: cfg.Embeddings.Dims},
	})
	s.embeddings.SetTransformEnabled(s.transformEnabled)
	s.updates = orchestrator.New(orchestrator.Config{
		Store:       s.store,
		Loop:        &s.loop,
		Images:      s.images,
		GroundTruth: s.groundTruth,
		Embeddings:  s.embeddings,
		Viewport:    s,
		Metrics:     s.metrics,
		BatchSize:   cfg.Orchestrator.BatchSize,
	})

	s.loop.Lock()
	s.store.Update(map[string]any{
		state.KeyCurrentDataset:      nil,
		state.KeyDatasetIDs:          []types.DatasetID{},
		state.KeyUserSelectedIDs:     []types.DatasetID{},
		state.KeyVisibleIDs:          []types.DatasetID{},
		state.KeyUpdatingImages:      false,
		state.KeyPredictionsEnabled:  s.inferenceEnabled,
		state.KeyTransformEnabled:    s.transformEnabled,
		state.KeyConfidenceThreshold: s.threshold,
		state.KeyAppliedTransforms:   []transforms.StepSpec{},
		KeyNumImages:                 s.numImages,
		KeyRandomSampling:            s.random,
		KeyFilter:                    []int{},
		KeyFilterOperator:            string(filtering.Or),
		KeyFilterNot:                 false,
		KeySort:                      SortByID,
		KeyExportStatus:              ExportIdle,
		KeyExportProgress:            0.0,
		KeyRepositoryDatasets:        discover(cfg.Datasets.Repository),
	})
	err := s.setModelsLocked(cfg.Inference.Models)
	s.loop.Unlock()
	s.store.Flush()
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Store returns the reactive store of the session.
func (s *Session) Store() *state.Store { return s.store }

// Registry returns the transform registry.
func (s *Session) Registry() *transforms.Registry { return s.registry }

// UpdateState returns the orchestrator state.
func (s *Session) UpdateState() orchestrator.State { return s.updates.State() }

// Wait blocks until the running image update, embeddings update and export
// return.
func (s *Session) Wait() {
	s.updates.Wait()
	s.embeddings.Wait()
	s.loop.Lock()
	done := s.exportDone
	s.loop.Unlock()
	if done != nil {
		<-done
	}
}

// do runs fn under the loop lock and flushes.
func (s *Session) do(fn func() error) error {
	s.loop.Lock()
	err := fn()
	s.loop.Unlock()
	s.store.Flush()
	return err
}

// LoadDataset switches to the dataset at path. Every cache is cleared and
// the predictors restart from their initial batch size.
func (s *Session) LoadDataset(path string) error {
	ds, err := dataset.Load(path)
	if err != nil {
		logger.Error("Session", "Cannot load dataset %s: %v", path, err)
		s.do(func() error {
			s.store.Set(state.KeyError, err.Error())
			return nil
		})
		return err
	}

	s.resetPredictors()
	err = s.do(func() error {
		s.updates.Cancel()
		s.embeddings.Reset()
		s.dataset = ds
		s.images.SetSource(ds)
		s.groundTruth.SetSource(ds)
		for _, m := range s.models {
			m.SetCategories(ds)
		}
		old, _ := state.Value[[]types.DatasetID](s.store, state.KeyDatasetIDs)
		s.forgetLocked(old)
		s.store.Update(map[string]any{
			state.KeyCurrentDataset: path,
			state.KeyError:          nil,
			KeyCategories:           ds.Categories(),
		})
		s.resampleLocked()
		return nil
	})
	logger.Info("Session", "Loaded %s: %d images, %d categories", path, ds.Len(), len(ds.Categories()))
	return err
}

func (s *Session) resetPredictors() {
	s.loop.Lock()
	predictors := make([]inference.Predictor, len(s.models))
	for i, m := range s.models {
		predictors[i] = m.Predictor
	}
	s.loop.Unlock()

	for _, p := range predictors {
		if err := p.Reset(context.Background()); err != nil {
			logger.Warn("Session", "Reset predictor: %v", err)
		}
	}
}

// SetNumImages resamples the working set. n <= 0 selects every image.
func (s *Session) SetNumImages(n int, random bool) error {
	return s.do(func() error {
		s.numImages, s.random = n, random
		s.store.Update(map[string]any{KeyNumImages: n, KeyRandomSampling: random})
		if s.dataset == nil {
			return ErrNoDataset
		}
		s.resampleLocked()
		return nil
	})
}

func (s *Session) resampleLocked() {
	ids := s.dataset.Sample(s.numImages, s.random, s.cfg.Datasets.Seed)
	old, _ := state.Value[[]types.DatasetID](s.store, state.KeyDatasetIDs)
	var dropped []types.DatasetID
	for _, id := range old {
		if !slices.Contains(ids, id) {
			dropped = append(dropped, id)
		}
	}
	s.forgetLocked(dropped)
	s.store.Set(state.KeyDatasetIDs, ids)
	s.embeddings.PruneTransformed(ids)
	s.selectLocked()
	s.list.Reset(s.selectedLocked())
	s.restartLocked()
}

// forgetLocked nulls everything published per dataset id: meta, scores of
// every model and failure status.
func (s *Session) forgetLocked(ids []types.DatasetID) {
	orchestrator.RetractScores(s.store, ids, s.models)
	for _, id := range ids {
		state.DeleteImageMeta(s.store, id)
		if s.store.Has(state.StatusKey(id)) {
			s.store.Delete(state.StatusKey(id))
		}
	}
}

// selectLocked applies the category filter to the working set.
func (s *Session) selectLocked() {
	ids, _ := state.Value[[]types.DatasetID](s.store, state.KeyDatasetIDs)
	selected := make([]types.DatasetID, 0, len(ids))
	for _, id := range ids {
		if s.filter.Evaluate(s.categoriesOf(id)) {
			selected = append(selected, id)
		}
	}
	s.store.Set(state.KeyUserSelectedIDs, selected)
}

func (s *Session) categoriesOf(id types.DatasetID) []int {
	var out []int
	for _, a := range s.dataset.Annotations(id) {
		if a.CategoryID != nil {
			out = append(out, *a.CategoryID)
		}
	}
	return out
}

func (s *Session) selectedLocked() []types.DatasetID {
	ids, _ := state.Value[[]types.DatasetID](s.store, state.KeyUserSelectedIDs)
	return ids
}

func (s *Session) settingsLocked() orchestrator.Settings {
	return orchestrator.Settings{
		Models:           s.models,
		InferenceEnabled: s.inferenceEnabled,
		TransformEnabled: s.transformEnabled,
		Transform:        s.chain,
		Threshold:        s.threshold,
		Categories:       s.dataset,
	}
}

func (s *Session) restartLocked() {
	if s.dataset == nil {
		return
	}
	s.updates.Start(s.list.Visible(), s.selectedLocked(), s.settingsLocked())
}

// CheckImagesInView restarts the update when newly computed scores moved
// images in or out of view. The orchestrator calls it under the loop lock.
func (s *Session) CheckImagesInView() {
	if s.dataset == nil {
		return
	}
	if s.list.Refresh(s.selectedLocked()) {
		logger.Debug("Session", "Images in view changed, restarting update")
		s.restartLocked()
	}
}

// SetModels switches the detection models. Models that stay keep their
// caches; dropped ones retract their results and stop their workers.
func (s *Session) SetModels(names []string) error {
	var dropped []*orchestrator.Model
	err := s.do(func() error {
		before := slices.Clone(s.models)
		if err := s.setModelsLocked(names); err != nil {
			return err
		}
		for _, m := range before {
			if !slices.Contains(s.models, m) {
				m.Clear()
				dropped = append(dropped, m)
			}
		}
		ids, _ := state.Value[[]types.DatasetID](s.store, state.KeyDatasetIDs)
		orchestrator.RetractScores(s.store, ids, dropped)
		s.restartLocked()
		return nil
	})
	for _, m := range dropped {
		closePredictor(m)
	}
	return err
}

func (s *Session) setModelsLocked(names []string) error {
	models := make([]*orchestrator.Model, 0, len(names))
	for _, name := range names {
		i := slices.IndexFunc(s.models, func(m *orchestrator.Model) bool { return m.Name == name })
		if i >= 0 {
			models = append(models, s.models[i])
			continue
		}
		p, err := s.detectors(name)
		if err != nil {
			return fmt.Errorf("model %s: %w", name, err)
		}
		m := orchestrator.NewModel(s.store, name, p, s.cfg.Cache.Annotations, s.metrics)
		if s.dataset != nil {
			m.SetCategories(s.dataset)
		}
		models = append(models, m)
	}
	s.models = models
	s.store.Set(state.KeyModels, slices.Clone(names))
	return nil
}

func discover(repo string) []string {
	found, err := dataset.Discover(repo)
	if err != nil {
		logger.Warn("Session", "%v", err)
	}
	return found
}

func closePredictor(m *orchestrator.Model) {
	if c, ok := m.Predictor.(io.Closer); ok {
		if err := c.Close(); err != nil {
			logger.Warn("Session", "Close %s: %v", m.Name, err)
		}
	}
}

// ApplyTransforms replaces the transform chain. Transformed images,
// predictions, scores and points are dropped; originals stay.
func (s *Session) ApplyTransforms(specs []transforms.StepSpec) error {
	chain, err := s.registry.BuildChain(specs)
	if err != nil {
		return err
	}
	return s.do(func() error {
		// The running update must not publish for the old chain after
		// its results are cleared.
		s.updates.Cancel()
		s.chain = chain
		s.images.ClearTransformed()
		ids, _ := state.Value[[]types.DatasetID](s.store, state.KeyDatasetIDs)
		orchestrator.ClearTransformed(s.store, ids, s.models)
		s.embeddings.ClearTransformations()
		s.store.Set(state.KeyAppliedTransforms, slices.Clone(specs))
		s.restartLocked()
		logger.Info("Session", "Applied transforms %v", chain.Names())
		return nil
	})
}

// SetConfidenceThreshold rescores with predictions below v ignored.
func (s *Session) SetConfidenceThreshold(v float64) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("confidence threshold must be within [0, 1], got %v", v)
	}
	return s.do(func() error {
		s.threshold = v
		s.store.Set(state.KeyConfidenceThreshold, v)
		s.restartLocked()
		return nil
	})
}

// SetInferenceEnabled turns detection on or off.
func (s *Session) SetInferenceEnabled(enabled bool) error {
	return s.do(func() error {
		s.inferenceEnabled = enabled
		s.store.Set(state.KeyPredictionsEnabled, enabled)
		s.restartLocked()
		return nil
	})
}

// SetTransformEnabled turns transformed images, their predictions and
// their points on or off.
func (s *Session) SetTransformEnabled(enabled bool) error {
	return s.do(func() error {
		s.transformEnabled = enabled
		s.store.Set(state.KeyTransformEnabled, enabled)
		s.embeddings.SetTransformEnabled(enabled)
		s.restartLocked()
		return nil
	})
}

// Scroll records the images the client shows and refreshes them first.
func (s *Session) Scroll(visible []types.DatasetID) error {
	return s.do(func() error {
		s.list.Scroll(s.selectedLocked(), visible)
		s.restartLocked()
		return nil
	})
}

// SetSort orders the image list.
func (s *Session) SetSort(key string, descending bool) error {
	return s.do(func() error {
		if err := s.list.SetSort(key, descending); err != nil {
			return err
		}
		s.store.Set(KeySort, key)
		if s.dataset != nil && s.list.Refresh(s.selectedLocked()) {
			s.restartLocked()
		}
		return nil
	})
}

// SetCategoryFilter selects the images whose ground truth matches ids
// under op, or the others when not is set. No ids select everything.
func (s *Session) SetCategoryFilter(ids []int, op string, not bool) error {
	if op == "" {
		op = string(filtering.Or)
	}
	operator, err := filtering.ParseOperator(op)
	if err != nil {
		return err
	}
	var f filtering.Filter = filtering.NewIDFilter(ids, operator)
	if not {
		f = filtering.Not{Filter: f}
	}
	return s.do(func() error {
		s.filter = f
		s.store.Update(map[string]any{
			KeyFilter:         slices.Clone(ids),
			KeyFilterOperator: string(operator),
			KeyFilterNot:      not,
		})
		if s.dataset == nil {
			return ErrNoDataset
		}
		s.selectLocked()
		s.list.Reset(s.selectedLocked())
		s.restartLocked()
		return nil
	})
}

// UpdateEmbeddings projects the selected images in the background.
func (s *Session) UpdateEmbeddings(opts embeddings.Options) error {
	var selected []types.DatasetID
	err := s.do(func() error {
		if s.dataset == nil {
			return ErrNoDataset
		}
		selected = s.selectedLocked()
		return nil
	})
	if err != nil {
		return err
	}
	if err := opts.Validate(); err != nil {
		return err
	}
	s.embeddings.Start(selected, opts)
	return nil
}

// Close cancels background work and stops model workers.
func (s *Session) Close() {
	var models []*orchestrator.Model
	var export chan struct{}
	s.do(func() error {
		s.updates.Cancel()
		export = s.cancelExportLocked()
		models = slices.Clone(s.models)
		return nil
	})
	s.updates.Wait()
	if export != nil {
		<-export
	}
	s.embeddings.Close()
	for _, m := range models {
		closePredictor(m)
	}
}
