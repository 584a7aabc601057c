package orchestrator

import (
	"context"
	"errors"
	"image"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kitware/nrtk-explorer-sub000/internal/annotations"
	"github.com/Kitware/nrtk-explorer-sub000/internal/dataset"
	"github.com/Kitware/nrtk-explorer-sub000/internal/dataset/datasettest"
	"github.com/Kitware/nrtk-explorer-sub000/internal/images"
	"github.com/Kitware/nrtk-explorer-sub000/internal/metrics"
	"github.com/Kitware/nrtk-explorer-sub000/internal/state"
	"github.com/Kitware/nrtk-explorer-sub000/internal/transforms"
	"github.com/Kitware/nrtk-explorer-sub000/pkg/types"
)

// boxPredictor answers every image with the ground-truth box of
// datasettest.Simple, or with box when set.
type boxPredictor struct {
	box  *types.Box
	err  error
	gate chan struct{}

	mu    sync.Mutex
	calls [][]types.DatasetID
}

func (p *boxPredictor) Eval(_ context.Context, imgs map[types.ImageID]image.Image) (map[types.ImageID][]types.RawPrediction, error) {
	if p.gate != nil {
		<-p.gate
	}
	ids := make([]types.DatasetID, 0, len(imgs))
	for id := range imgs {
		ids = append(ids, id.DatasetID)
	}
	slices.Sort(ids)
	p.mu.Lock()
	p.calls = append(p.calls, ids)
	p.mu.Unlock()

	if p.err != nil {
		return nil, p.err
	}
	box := types.Box{XMin: 4, YMin: 4, XMax: 14, YMax: 12}
	if p.box != nil {
		box = *p.box
	}
	out := make(map[types.ImageID][]types.RawPrediction, len(imgs))
	for id := range imgs {
		out[id] = []types.RawPrediction{{Box: box, Label: "cat", Score: 0.9}}
	}
	return out, nil
}

func (p *boxPredictor) Reset(context.Context) error { return nil }

func (p *boxPredictor) Calls() [][]types.DatasetID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.calls)
}

type recordingListener struct {
	mu  sync.Mutex
	ids []types.DatasetID
}

func (l *recordingListener) AddTransformed(_ context.Context, imgs map[types.DatasetID]image.Image) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, img := range imgs {
		if img != nil {
			l.ids = append(l.ids, id)
		}
	}
	return nil
}

type countingViewport struct{ calls int }

func (v *countingViewport) CheckImagesInView() { v.calls++ }

type fixture struct {
	store    *state.Store
	loop     *sync.Mutex
	ds       *dataset.Dataset
	metrics  *metrics.Metrics
	listener *recordingListener
	viewport *countingViewport
	o        *Orchestrator
}

func newFixture(t *testing.T, n, batch int) *fixture {
	t.Helper()
	ds, err := dataset.Load(datasettest.Write(t, t.TempDir(), datasettest.Simple(n)))
	require.NoError(t, err)

	f := &fixture{
		store:    state.NewStore(),
		loop:     &sync.Mutex{},
		ds:       ds,
		metrics:  metrics.New(),
		listener: &recordingListener{},
		viewport: &countingViewport{},
	}
	cache := images.New(f.store, 0, f.metrics)
	cache.SetSource(ds)
	gt := annotations.NewGroundTruth(f.store, 0, f.metrics)
	gt.SetSource(ds)

	f.o = New(Config{
		Store:       f.store,
		Loop:        f.loop,
		Images:      cache,
		GroundTruth: gt,
		Embeddings:  f.listener,
		Viewport:    f.viewport,
		Metrics:     f.metrics,
		BatchSize:   batch,
	})
	t.Cleanup(func() {
		f.loop.Lock()
		f.o.Cancel()
		f.loop.Unlock()
		f.o.Wait()
	})
	return f
}

func (f *fixture) model(name string, p *boxPredictor) *Model {
	m := NewModel(f.store, name, p, 0, f.metrics)
	m.SetCategories(f.ds)
	return m
}

func (f *fixture) settings(models ...*Model) Settings {
	return Settings{
		Models:           models,
		InferenceEnabled: true,
		TransformEnabled: true,
		Transform:        transforms.NewChain(transforms.IdentityTransform{}),
		Categories:       f.ds,
	}
}

func (f *fixture) start(visible, selected []types.DatasetID, s Settings) {
	f.loop.Lock()
	f.o.Start(visible, selected, s)
	f.loop.Unlock()
	f.store.Flush()
}

func TestRunScoresEveryImage(t *testing.T) {
	f := newFixture(t, 3, 16)
	p := &boxPredictor{}
	f.start([]types.DatasetID{"1"}, f.ds.IDs(), f.settings(f.model("boxes", p)))
	f.o.Wait()

	for _, id := range f.ds.IDs() {
		meta := state.GetImageMeta(f.store, id)
		assert.Equal(t, state.ImageMeta{
			GroundTruthToOriginal:    1,
			OriginalToTransformed:    1,
			GroundTruthToTransformed: 1,
		}, meta, "image %s", id)
		assert.Equal(t, 1.0, f.store.Get(state.ScoreKey(types.OriginalID(id), "boxes")))
		assert.Equal(t, 1.0, f.store.Get(state.ScoreKey(types.TransformedID(id), "boxes")))
		assert.NotNil(t, f.store.Get(state.ResultKey(types.TransformedID(id), "boxes")))
		assert.NotNil(t, f.store.Get(state.ImageKey(types.TransformedID(id))))
	}
	assert.Equal(t, false, f.store.Get(state.KeyUpdatingImages))
	assert.Equal(t, Idle, f.o.State())
	assert.ElementsMatch(t, f.ds.IDs(), f.listener.ids)
	assert.Positive(t, f.viewport.calls)
	assert.Equal(t, uint64(1), f.metrics.UpdatesCompleted.Load())
}

func TestVisibleImagesGoFirst(t *testing.T) {
	f := newFixture(t, 5, 2)
	p := &boxPredictor{}
	s := f.settings(f.model("boxes", p))
	s.TransformEnabled = false
	f.start([]types.DatasetID{"4"}, f.ds.IDs(), s)
	f.o.Wait()

	assert.Equal(t, [][]types.DatasetID{
		{"4"},
		{"1", "2"},
		{"3", "5"},
	}, p.Calls())
}

func TestCachedPredictionsAreReused(t *testing.T) {
	f := newFixture(t, 2, 16)
	p := &boxPredictor{}
	s := f.settings(f.model("boxes", p))
	f.start(f.ds.IDs(), f.ds.IDs(), s)
	f.o.Wait()
	f.start(f.ds.IDs(), f.ds.IDs(), s)
	f.o.Wait()

	assert.Len(t, p.Calls(), 2, "one original and one transformed call in total")
}

func TestInferenceDisabledStillTransforms(t *testing.T) {
	f := newFixture(t, 2, 16)
	p := &boxPredictor{}
	s := f.settings(f.model("boxes", p))
	s.InferenceEnabled = false
	f.start(f.ds.IDs(), f.ds.IDs(), s)
	f.o.Wait()

	assert.Empty(t, p.Calls())
	assert.Nil(t, f.store.Get(state.ScoreKey(types.OriginalID("1"), "boxes")))
	assert.NotNil(t, f.store.Get(state.ImageKey(types.TransformedID("1"))))
	assert.NotNil(t, f.store.Get(state.ResultKey(types.OriginalID("1"), state.GroundTruthModel)))
	assert.ElementsMatch(t, f.ds.IDs(), f.listener.ids)
}

func TestFailedBatchMarksOnlyItsImages(t *testing.T) {
	f := newFixture(t, 3, 2)
	ok := f.model("boxes", &boxPredictor{})
	s := f.settings(ok)
	f.start(f.ds.IDs(), f.ds.IDs(), s)
	f.o.Wait()

	broken := f.model("broken", &boxPredictor{err: errors.New("model crashed")})
	s.Models = []*Model{broken}
	f.start([]types.DatasetID{"1", "2"}, []types.DatasetID{"1", "2"}, s)
	f.o.Wait()

	assert.Contains(t, f.store.Get(state.StatusKey("1")), "model crashed")
	assert.Contains(t, f.store.Get(state.StatusKey("2")), "broken")
	assert.Nil(t, f.store.Get(state.StatusKey("3")))
	assert.Equal(t, 1.0, state.GetImageMeta(f.store, "1").GroundTruthToOriginal, "prior scores are kept")
	assert.Equal(t, uint64(1), f.metrics.BatchesFailed.Load())
	assert.Equal(t, false, f.store.Get(state.KeyUpdatingImages))

	// A successful run clears the status.
	s.Models = []*Model{ok}
	f.start([]types.DatasetID{"1", "2"}, []types.DatasetID{"1", "2"}, s)
	f.o.Wait()
	assert.Nil(t, f.store.Get(state.StatusKey("1")))
}

func TestSecondStartWins(t *testing.T) {
	f := newFixture(t, 3, 16)
	miss := types.Box{XMin: 20, YMin: 16, XMax: 30, YMax: 22}
	slow := &boxPredictor{box: &miss, gate: make(chan struct{})}
	fast := &boxPredictor{}

	f.start(f.ds.IDs(), f.ds.IDs(), f.settings(f.model("boxes", slow)))
	f.o.mu.Lock()
	first := f.o.done
	f.o.mu.Unlock()

	f.start(f.ds.IDs(), f.ds.IDs(), f.settings(f.model("boxes", fast)))
	f.o.Wait()
	close(slow.gate)
	<-first

	for _, id := range f.ds.IDs() {
		assert.Equal(t, 1.0, state.GetImageMeta(f.store, id).GroundTruthToOriginal)
		assert.Equal(t, 1.0, f.store.Get(state.ScoreKey(types.OriginalID(id), "boxes")))
	}
	assert.Equal(t, false, f.store.Get(state.KeyUpdatingImages))
	assert.Equal(t, Idle, f.o.State())
	assert.Equal(t, uint64(1), f.metrics.UpdatesCancelled.Load())
	assert.Equal(t, uint64(1), f.metrics.UpdatesCompleted.Load())
}

func TestCancelClearsUpdatingFlag(t *testing.T) {
	f := newFixture(t, 2, 16)
	p := &boxPredictor{gate: make(chan struct{})}
	f.start(f.ds.IDs(), f.ds.IDs(), f.settings(f.model("boxes", p)))
	assert.Equal(t, true, f.store.Get(state.KeyUpdatingImages))

	f.loop.Lock()
	f.o.Cancel()
	f.loop.Unlock()
	f.store.Flush()
	close(p.gate)
	f.o.Wait()

	assert.Equal(t, false, f.store.Get(state.KeyUpdatingImages))
	assert.Equal(t, Cancelled, f.o.State())
	assert.Nil(t, f.store.Get(state.ScoreKey(types.OriginalID("1"), "boxes")))
}

func TestClearTransformedZeroesTransformedScores(t *testing.T) {
	f := newFixture(t, 2, 16)
	m := f.model("boxes", &boxPredictor{})
	f.start(f.ds.IDs(), f.ds.IDs(), f.settings(m))
	f.o.Wait()

	f.loop.Lock()
	ClearTransformed(f.store, f.ds.IDs(), []*Model{m})
	f.loop.Unlock()

	meta := state.GetImageMeta(f.store, "1")
	assert.Equal(t, 1.0, meta.GroundTruthToOriginal)
	assert.Zero(t, meta.OriginalToTransformed)
	assert.Zero(t, meta.GroundTruthToTransformed)
	assert.Nil(t, f.store.Get(state.ResultKey(types.TransformedID("1"), "boxes")))
	assert.Nil(t, f.store.Get(state.ScoreKey(types.TransformedID("1"), "boxes")))
	assert.NotNil(t, f.store.Get(state.ResultKey(types.OriginalID("1"), "boxes")))
	assert.NotNil(t, f.store.Get(state.ScoreKey(types.OriginalID("1"), "boxes")))
}

func TestRetractScoresNullsBothScoreKeys(t *testing.T) {
	f := newFixture(t, 2, 16)
	m := f.model("boxes", &boxPredictor{})
	f.start(f.ds.IDs(), f.ds.IDs(), f.settings(m))
	f.o.Wait()
	require.NotNil(t, f.store.Get(state.ScoreKey(types.TransformedID("2"), "boxes")))

	f.loop.Lock()
	RetractScores(f.store, []types.DatasetID{"1"}, []*Model{m})
	f.loop.Unlock()

	assert.Nil(t, f.store.Get(state.ScoreKey(types.OriginalID("1"), "boxes")))
	assert.Nil(t, f.store.Get(state.ScoreKey(types.TransformedID("1"), "boxes")))
	assert.NotNil(t, f.store.Get(state.ScoreKey(types.OriginalID("2"), "boxes")))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "loading_visible", LoadingVisible.String())
	assert.Equal(t, "state(9)", State(9).String())
}
