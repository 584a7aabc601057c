package annotations

import (
	"context"
	"errors"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kitware/nrtk-explorer-sub000/internal/dataset"
	"github.com/Kitware/nrtk-explorer-sub000/internal/dataset/datasettest"
	"github.com/Kitware/nrtk-explorer-sub000/internal/lazy"
	"github.com/Kitware/nrtk-explorer-sub000/internal/state"
	"github.com/Kitware/nrtk-explorer-sub000/pkg/types"
)

type catalog map[int]string

func (c catalog) Category(id int) (types.Category, bool) {
	name, ok := c[id]
	return types.Category{ID: id, Name: name}, ok
}

func (c catalog) CategoryByName(name string) (types.Category, bool) {
	for id, n := range c {
		if n == name {
			return types.Category{ID: id, Name: n}, true
		}
	}
	return types.Category{}, false
}

type countingPredictor struct {
	calls int
	seen  []types.ImageID
	err   error
}

func (p *countingPredictor) Eval(_ context.Context, images map[types.ImageID]image.Image) (map[types.ImageID][]types.RawPrediction, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	out := make(map[types.ImageID][]types.RawPrediction, len(images))
	for id := range images {
		p.seen = append(p.seen, id)
		out[id] = []types.RawPrediction{{
			Box:   types.Box{XMin: 1, YMin: 2, XMax: 11, YMax: 12},
			Label: "dog",
			Score: 0.75,
		}}
	}
	return out, nil
}

func (p *countingPredictor) Reset(context.Context) error { return nil }

func images(ids ...types.ImageID) (*lazy.Map[types.ImageID, image.Image], *int) {
	forced := 0
	m := lazy.NewMap[types.ImageID, image.Image]()
	for _, id := range ids {
		m.Put(id, func() (image.Image, error) {
			forced++
			return image.NewRGBA(image.Rect(0, 0, 4, 4)), nil
		})
	}
	return m, &forced
}

func TestNormalizeResolvesLabelsAndScores(t *testing.T) {
	cats := catalog{1: "cat", 2: "dog"}
	box := types.BBox{1, 2, 3, 4}
	in := []types.Annotation{
		{CategoryID: types.IntPtr(1), BBox: &box},
		{Label: "dog", Score: types.Float64Ptr(0.4)},
		{Label: "zebra", Score: types.Float64Ptr(0)},
	}

	out := Normalize(cats, in)
	require.Len(t, out, 3)
	assert.Equal(t, "cat", out[0].Label)
	assert.Equal(t, 1.0, *out[0].Score)
	assert.NotSame(t, in[0].BBox, out[0].BBox)
	assert.Equal(t, 2, *out[1].CategoryID)
	assert.Equal(t, 0.4, *out[1].Score)
	assert.Nil(t, out[2].CategoryID)
	assert.Zero(t, *out[2].Score, "an explicit zero is kept")
	assert.Nil(t, in[0].Score, "input must not be modified")
	assert.Empty(t, in[0].Label, "input must not be modified")
}

func TestFromPredictionsKeepsDetectorScores(t *testing.T) {
	out := FromPredictions(catalog{2: "dog"}, []types.RawPrediction{
		{Box: types.Box{XMin: 1, YMin: 2, XMax: 4, YMax: 6}, Label: "dog", Score: 0},
	})
	require.Len(t, out, 1)
	assert.Equal(t, types.BBox{1, 2, 3, 4}, *out[0].BBox)
	assert.Equal(t, 2, *out[0].CategoryID)
	require.NotNil(t, out[0].Score)
	assert.Zero(t, *out[0].Score)
}

func TestGroundTruthPublishesNormalizedAnnotations(t *testing.T) {
	ds, err := dataset.Load(datasettest.Write(t, t.TempDir(), datasettest.Simple(3)))
	require.NoError(t, err)
	s := state.NewStore()
	g := NewGroundTruth(s, 2, nil)
	g.SetSource(ds)

	got := g.GetAnnotations([]types.DatasetID{"1", "2"})
	require.Len(t, got["1"], 1)
	assert.Equal(t, "cat", got["1"][0].Label)
	assert.Equal(t, types.BBox{4, 4, 10, 8}, *got["1"][0].BBox)

	key := state.ResultKey(types.OriginalID("1"), state.GroundTruthModel)
	published, ok := state.Value[[]types.Annotation](s, key)
	require.True(t, ok)
	assert.True(t, Equal(got["1"], published))

	// A third id evicts the least recently used one.
	g.GetAnnotations([]types.DatasetID{"3"})
	assert.Nil(t, s.Get(key))

	g.Clear()
	assert.Nil(t, s.Get(state.ResultKey(types.OriginalID("3"), state.GroundTruthModel)))
}

func TestDetectionRunsOnMissesOnly(t *testing.T) {
	s := state.NewStore()
	d := NewDetection(s, "detr", 10, nil)
	d.SetCategories(catalog{2: "dog"})
	p := &countingPredictor{}

	a, b := types.OriginalID("1"), types.TransformedID("1")
	imgs, forced := images(a)
	got, err := d.GetAnnotations(context.Background(), p, imgs)
	require.NoError(t, err)
	assert.Equal(t, 1, p.calls)
	assert.Equal(t, 0.75, got[a][0].Confidence())
	assert.Equal(t, 2, *got[a][0].CategoryID)
	assert.Equal(t, types.BBox{1, 2, 10, 10}, *got[a][0].BBox)
	assert.Equal(t, 1, *forced)

	published, ok := state.Value[[]types.Annotation](s, state.ResultKey(a, "detr"))
	require.True(t, ok)
	assert.True(t, Equal(got[a], published))

	imgs, forced = images(a, b)
	got, err = d.GetAnnotations(context.Background(), p, imgs)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, 2, p.calls)
	assert.Equal(t, []types.ImageID{a, b}, p.seen)
	assert.Equal(t, 1, *forced, "cached images are not loaded")

	imgs, _ = images(a, b)
	_, err = d.GetAnnotations(context.Background(), p, imgs)
	require.NoError(t, err)
	assert.Equal(t, 2, p.calls)
}

func TestDetectionPartitionAndStore(t *testing.T) {
	s := state.NewStore()
	d := NewDetection(s, "detr", 10, nil)

	a, b := types.OriginalID("1"), types.OriginalID("2")
	d.Store(a, nil)
	hits, misses := d.Partition([]types.ImageID{b, a})
	assert.Contains(t, hits, a)
	assert.Empty(t, hits[a])
	assert.Equal(t, []types.ImageID{b}, misses)

	d.Clear()
	assert.Nil(t, s.Get(state.ResultKey(a, "detr")))
	_, misses = d.Partition([]types.ImageID{a})
	assert.Equal(t, []types.ImageID{a}, misses)
}

func TestDetectionErrorCachesNothing(t *testing.T) {
	s := state.NewStore()
	d := NewDetection(s, "detr", 10, nil)
	boom := errors.New("boom")
	imgs, _ := images(types.OriginalID("1"))

	_, err := d.GetAnnotations(context.Background(), &countingPredictor{err: boom}, imgs)
	assert.ErrorIs(t, err, boom)
	_, misses := d.Partition([]types.ImageID{types.OriginalID("1")})
	assert.Len(t, misses, 1)
}

func TestSetCategoriesClears(t *testing.T) {
	s := state.NewStore()
	d := NewDetection(s, "detr", 10, nil)
	id := types.OriginalID("1")
	d.Store(id, []types.RawPrediction{{Label: "dog", Score: 1}})
	d.SetCategories(catalog{2: "dog"})
	assert.Nil(t, s.Get(state.ResultKey(id, "detr")))
}
