package images

import (
	"image/color"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kitware/nrtk-explorer-sub000/internal/dataset"
	"github.com/Kitware/nrtk-explorer-sub000/internal/dataset/datasettest"
	"github.com/Kitware/nrtk-explorer-sub000/internal/imageio"
	"github.com/Kitware/nrtk-explorer-sub000/internal/metrics"
	"github.com/Kitware/nrtk-explorer-sub000/internal/state"
	"github.com/Kitware/nrtk-explorer-sub000/internal/transforms"
	"github.com/Kitware/nrtk-explorer-sub000/pkg/types"
)

func load(t *testing.T, spec datasettest.Spec) *dataset.Dataset {
	t.Helper()
	ds, err := dataset.Load(datasettest.Write(t, t.TempDir(), spec))
	require.NoError(t, err)
	return ds
}

func published(s *state.Store, id types.ImageID) bool {
	uri, ok := s.Get(state.ImageKey(id)).(string)
	return ok && strings.HasPrefix(uri, "data:image/png;base64,")
}

func TestGetImagePublishesAndCaches(t *testing.T) {
	s := state.NewStore()
	m := metrics.New()
	c := New(s, 2, m)
	c.SetSource(load(t, datasettest.Simple(3)))

	img, err := c.GetImage("1")
	require.NoError(t, err)
	assert.Equal(t, imageio.Size{W: 32, H: 24}, imageio.SizeOf(img))
	assert.True(t, published(s, types.OriginalID("1")))

	again, err := c.GetImage("1")
	require.NoError(t, err)
	assert.Same(t, img, again)
}

func TestEvictionRetractsPublishedImage(t *testing.T) {
	s := state.NewStore()
	c := New(s, 2, nil)
	c.SetSource(load(t, datasettest.Simple(3)))

	for _, id := range []types.DatasetID{"1", "2", "3"} {
		_, err := c.GetImage(id)
		require.NoError(t, err)
	}
	assert.False(t, c.Cached("1"))
	assert.Nil(t, s.Get(state.ImageKey(types.OriginalID("1"))))
	assert.True(t, published(s, types.OriginalID("3")))
}

func TestWithoutEvictionKeepsVisibleImages(t *testing.T) {
	s := state.NewStore()
	c := New(s, 2, nil)
	c.SetSource(load(t, datasettest.Simple(3)))

	_, err := c.GetImage("1")
	require.NoError(t, err)
	_, err = c.GetImageWithoutEviction("2")
	require.NoError(t, err)

	img, err := c.GetImageWithoutEviction("3")
	require.NoError(t, err)
	assert.NotNil(t, img)
	assert.False(t, c.Cached("3"))
	assert.Nil(t, s.Get(state.ImageKey(types.OriginalID("3"))))
	assert.True(t, c.Cached("1"))
	assert.True(t, c.Cached("2"))
}

func TestTransformedImagesMatchOriginalSize(t *testing.T) {
	s := state.NewStore()
	c := New(s, 4, nil)
	c.SetSource(load(t, datasettest.Simple(1)))

	down := transforms.NewDownsample()
	chain := transforms.NewChain(down, transforms.Invert{})
	img, err := c.GetTransformedImage(chain, "1")
	require.NoError(t, err)
	assert.Equal(t, imageio.Size{W: 32, H: 24}, imageio.SizeOf(img))
	assert.True(t, published(s, types.TransformedID("1")))

	cached, err := c.GetTransformedImage(chain, "1")
	require.NoError(t, err)
	assert.Same(t, img, cached)

	// New parameters form a new identity and a new entry.
	require.NoError(t, down.SetParameters(map[string]any{"factor": 4}))
	changed, err := c.GetTransformedImage(chain, "1")
	require.NoError(t, err)
	assert.NotSame(t, img, changed)
}

func TestClearTransformedKeepsOriginals(t *testing.T) {
	s := state.NewStore()
	c := New(s, 4, nil)
	c.SetSource(load(t, datasettest.Simple(1)))
	chain := transforms.NewChain(transforms.Invert{})

	_, err := c.GetTransformedImage(chain, "1")
	require.NoError(t, err)
	c.ClearTransformed()

	assert.True(t, c.Cached("1"))
	assert.True(t, published(s, types.OriginalID("1")))
	assert.Nil(t, s.Get(state.ImageKey(types.TransformedID("1"))))

	c.ClearAll()
	assert.False(t, c.Cached("1"))
	assert.Nil(t, s.Get(state.ImageKey(types.OriginalID("1"))))
}

func TestRenderTransformedLeavesCachesAlone(t *testing.T) {
	s := state.NewStore()
	c := New(s, 4, nil)
	c.SetSource(load(t, datasettest.Simple(2)))
	chain := transforms.NewChain(transforms.Invert{})

	img, err := c.RenderTransformed(chain, "1")
	require.NoError(t, err)
	assert.Equal(t, color.RGBA{R: 215, G: 155, B: 55, A: 255}, color.RGBAModel.Convert(img.At(0, 0)))
	assert.False(t, c.Cached("1"))
	assert.Nil(t, s.Get(state.ImageKey(types.OriginalID("1"))))
	assert.Nil(t, s.Get(state.ImageKey(types.TransformedID("1"))))

	cached, err := c.GetTransformedImage(chain, "2")
	require.NoError(t, err)
	again, err := c.RenderTransformed(chain, "2")
	require.NoError(t, err)
	assert.Same(t, cached, again)
}

func TestDatasetSwitchServesNewPixels(t *testing.T) {
	s := state.NewStore()
	c := New(s, 4, nil)

	a := datasettest.Simple(1)
	c.SetSource(load(t, a))
	first, err := c.GetImage("1")
	require.NoError(t, err)

	b := datasettest.Spec{
		Categories: map[int]string{1: "cat"},
		Images:     []datasettest.Image{{ID: 1, Width: 8, Height: 8, Fill: color.Black}},
	}
	c.SetSource(load(t, b))
	assert.Nil(t, s.Get(state.ImageKey(types.OriginalID("1"))))

	second, err := c.GetImage("1")
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, imageio.Size{W: 8, H: 8}, imageio.SizeOf(second))
}

func TestUnknownImage(t *testing.T) {
	c := New(state.NewStore(), 2, nil)
	_, err := c.GetImage("1")
	assert.Error(t, err)

	c.SetSource(load(t, datasettest.Simple(1)))
	_, err = c.GetImage("99")
	assert.ErrorIs(t, err, dataset.ErrUnknownImage)
}
