package inference

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kitware/nrtk-explorer-sub000/internal/imageio"
	"github.com/Kitware/nrtk-explorer-sub000/internal/metrics"
	"github.com/Kitware/nrtk-explorer-sub000/pkg/types"
)

func solid(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestPowerOfTwoBelow(t *testing.T) {
	cases := map[int]int{1: 1, 2: 1, 3: 2, 5: 4, 16: 8, 17: 16, 32: 16}
	for failed, want := range cases {
		assert.Equal(t, want, PowerOfTwoBelow(32, failed), "failed=%d", failed)
	}
	assert.Equal(t, 16, Halve(32, 3))
}

func TestBatcherShrinksAndPersists(t *testing.T) {
	releases := 0
	var sizes []int
	b := NewBatcher(Policy{
		Start:    32,
		Shrink:   PowerOfTwoBelow,
		Release:  func() { releases++ },
		OnResize: func(n int) { sizes = append(sizes, n) },
	})

	var done [][2]int
	err := b.Run(context.Background(), 10, func(_ context.Context, start, end int) error {
		if end-start > 4 {
			return fmt.Errorf("cuda: %w", ErrOutOfMemory)
		}
		done = append(done, [2]int{start, end})
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, [][2]int{{0, 4}, {4, 8}, {8, 10}}, done)
	assert.Equal(t, 5, releases)
	assert.Equal(t, []int{32, 8, 4}, sizes)
	assert.Equal(t, 4, b.Size())

	b.Reset()
	assert.Equal(t, 32, b.Size())
}

func TestBatcherHalves(t *testing.T) {
	b := NewBatcher(Policy{Start: 8, Shrink: Halve})
	err := b.Run(context.Background(), 8, func(_ context.Context, start, end int) error {
		if end-start > 2 {
			return ErrOutOfMemory
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, b.Size())
}

func TestBatcherSurfacesOutOfMemoryAtSizeOne(t *testing.T) {
	releases := 0
	b := NewBatcher(Policy{Start: 2, Shrink: Halve, Release: func() { releases++ }})
	err := b.Run(context.Background(), 3, func(context.Context, int, int) error {
		return ErrOutOfMemory
	})
	assert.ErrorIs(t, err, ErrOutOfMemory)
	assert.Equal(t, 1, b.Size())
	assert.Equal(t, 2, releases)
}

func TestBatcherReturnsOtherErrorsImmediately(t *testing.T) {
	boom := errors.New("bad model")
	calls := 0
	b := NewBatcher(Policy{Start: 4})
	err := b.Run(context.Background(), 8, func(context.Context, int, int) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 4, b.Size())
}

func TestBatcherStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := NewBatcher(Policy{Start: 1})
	err := b.Run(ctx, 5, func(context.Context, int, int) error {
		cancel()
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

type recordingBackend struct {
	mu      sync.Mutex
	batches []int
	fail    func(n int) error
}

func (r *recordingBackend) Detect(_ context.Context, images []image.Image) ([][]types.RawPrediction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		if err := r.fail(len(images)); err != nil {
			return nil, err
		}
	}
	r.batches = append(r.batches, len(images))
	out := make([][]types.RawPrediction, len(images))
	for i, img := range images {
		s := imageio.SizeOf(img)
		out[i] = []types.RawPrediction{{
			Box:   types.Box{XMax: float64(s.W), YMax: float64(s.H)},
			Label: "cat",
			Score: 0.9,
		}}
	}
	return out, nil
}

type rotated struct {
	image.Image
}

func (rotated) Orientation() int { return 6 }

func TestGroupBySizeSwapsRotatedImages(t *testing.T) {
	images := map[types.ImageID]image.Image{
		types.OriginalID("a"): solid(4, 2, color.White),
		types.OriginalID("b"): rotated{solid(2, 4, color.White)},
		types.OriginalID("c"): solid(2, 4, color.White),
	}
	groups := GroupBySize(images)
	require.Len(t, groups, 2)
	assert.Equal(t, imageio.Size{W: 2, H: 4}, groups[0].Size)
	assert.Equal(t, []types.ImageID{types.OriginalID("c")}, groups[0].IDs)
	assert.Equal(t, []types.ImageID{types.OriginalID("a"), types.OriginalID("b")}, groups[1].IDs)
}

func TestDetectorEvalGroupsAndShrinks(t *testing.T) {
	backend := &recordingBackend{fail: func(n int) error {
		if n > 2 {
			return ErrOutOfMemory
		}
		return nil
	}}
	m := metrics.New()
	d := NewDetector("fake", backend, 8, m)

	images := map[types.ImageID]image.Image{}
	for i := range 5 {
		images[types.OriginalID(types.DatasetID(fmt.Sprint(i)))] = solid(6, 4, color.Black)
	}
	images[types.TransformedID("9")] = solid(3, 3, color.Black)

	out, err := d.Eval(context.Background(), images)
	require.NoError(t, err)
	require.Len(t, out, 6)
	assert.Equal(t, 3.0, out[types.TransformedID("9")][0].Box.XMax)
	assert.Equal(t, 6.0, out[types.OriginalID("0")][0].Box.XMax)
	assert.Equal(t, 2, d.BatchSize())
	assert.Equal(t, uint64(2), m.DetectorBatch.Load())
	assert.Equal(t, uint64(2), m.InferenceOOM.Load())

	require.NoError(t, d.Reset(context.Background()))
	assert.Equal(t, 8, d.BatchSize())
}

func TestDetectorEvalEmpty(t *testing.T) {
	d := NewDetector("fake", &recordingBackend{}, 4, nil)
	out, err := d.Eval(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestHTTPDetector(t *testing.T) {
	var auth []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		auth = append(auth, r.Header.Get("Authorization"))
		mu.Unlock()
		body, _ := io.ReadAll(r.Body)
		if _, err := imageio.Decode(body); err != nil {
			http.Error(w, "bad image", http.StatusBadRequest)
			return
		}
		assert.Equal(t, "/facebook/detr-resnet-50", r.URL.Path)
		fmt.Fprint(w, `[{"score":0.98,"label":"cat","box":{"xmin":1,"ymin":2,"xmax":5,"ymax":6}}]`)
	}))
	defer srv.Close()

	h := NewHTTPDetector("facebook/detr-resnet-50", WithEndpoint(srv.URL+"/"), WithToken("secret"))
	preds, err := h.Detect(context.Background(), []image.Image{solid(4, 4, color.White), solid(4, 4, color.Black)})
	require.NoError(t, err)
	require.Len(t, preds, 2)
	assert.Equal(t, types.RawPrediction{Box: types.Box{XMin: 1, YMin: 2, XMax: 5, YMax: 6}, Label: "cat", Score: 0.98}, preds[1][0])
	assert.Equal(t, []string{"Bearer secret", "Bearer secret"}, auth)
	h.Release()
}

func TestHTTPDetectorMapsCapacityErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/busy" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.URL.Path == "/cuda" {
			http.Error(w, "CUDA out of memory. Tried to allocate", http.StatusInternalServerError)
			return
		}
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	img := []image.Image{solid(2, 2, color.White)}
	_, err := NewHTTPDetector("busy", WithEndpoint(srv.URL)).Detect(context.Background(), img)
	assert.ErrorIs(t, err, ErrOutOfMemory)

	_, err = NewHTTPDetector("cuda", WithEndpoint(srv.URL)).Detect(context.Background(), img)
	assert.ErrorIs(t, err, ErrOutOfMemory)

	_, err = NewHTTPDetector("missing", WithEndpoint(srv.URL)).Detect(context.Background(), img)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrOutOfMemory)
	assert.Contains(t, err.Error(), "model not found")
}

func TestHTTPFeaturesPoolsNestedOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[[[1, 2], [3, 4]]]`)
	}))
	defer srv.Close()

	f := NewHTTPFeatures("vit", WithEndpoint(srv.URL))
	vecs, err := f.Features(context.Background(), []image.Image{solid(2, 2, color.White)})
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{2, 3}}, vecs)

	_, err = pool([]any{[]any{1.0}, []any{1.0, 2.0}})
	assert.Error(t, err)
}

func TestHistogramFeatures(t *testing.T) {
	h := NewHistogram()
	vecs, err := h.Features(context.Background(), []image.Image{
		solid(10, 10, color.RGBA{255, 0, 0, 255}),
		solid(10, 10, color.RGBA{255, 0, 0, 255}),
		solid(20, 8, color.RGBA{0, 0, 255, 255}),
	})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Len(t, vecs[0], h.Dims())
	assert.Equal(t, vecs[0], vecs[1])
	assert.NotEqual(t, vecs[0], vecs[2])

	// All red pixels fall in the last red bin and the first green bin.
	assert.InDelta(t, 1.0, vecs[0][h.Bins-1], 1e-9)
	assert.InDelta(t, 1.0, vecs[0][h.Bins], 1e-9)
	assert.InDelta(t, 1.0, vecs[0][3*h.Bins], 0.01)
}
