// Package images caches decoded dataset images and their transformed
// versions and publishes them to the state store as PNG data URIs.
//
// Every cached image has a published copy under its image key, and
// eviction nulls that key. Not safe for concurrent use.
package images

import (
	"fmt"
	"image"
	"strings"

	"github.com/Kitware/nrtk-explorer-sub000/internal/imageio"
	"github.com/Kitware/nrtk-explorer-sub000/internal/logger"
	"github.com/Kitware/nrtk-explorer-sub000/internal/lru"
	"github.com/Kitware/nrtk-explorer-sub000/internal/metrics"
	"github.com/Kitware/nrtk-explorer-sub000/internal/state"
	"github.com/Kitware/nrtk-explorer-sub000/pkg/types"
)

// DefaultCapacity bounds each of the two caches.
const DefaultCapacity = 200

// Source resolves dataset ids to files. *dataset.Dataset satisfies it.
type Source interface {
	ImagePath(id types.DatasetID) (string, error)
}

// Transform is an identified image transformation. *transforms.Chain
// satisfies it.
type Transform interface {
	Identity() string
	Execute(img image.Image) (image.Image, error)
}

// Cache holds original and transformed images.
type Cache struct {
	store  *state.Store
	source Source

	originals   *lru.Cache[types.DatasetID, image.Image]
	transformed *lru.Cache[string, image.Image]

	originalListener    *lru.Listener[types.DatasetID, image.Image]
	transformedListener *lru.Listener[string, image.Image]
}

func sameImage(a, b image.Image) bool { return a == b }

// New returns caches of capacity entries each publishing into store.
// m may be nil.
func New(store *state.Store, capacity int, m *metrics.Metrics) *Cache {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	c := &Cache{
		store:       store,
		originals:   lru.New[types.DatasetID, image.Image](capacity, sameImage),
		transformed: lru.New[string, image.Image](capacity, sameImage),
	}
	if m != nil {
		c.originals.SetObserver(m.Cache("images"))
		c.transformed.SetObserver(m.Cache("transformed_images"))
	}
	c.originalListener = &lru.Listener[types.DatasetID, image.Image]{
		OnAdd: func(id types.DatasetID, img image.Image) {
			c.publish(types.OriginalID(id), img)
		},
		OnClear: func(id types.DatasetID) {
			c.store.Delete(state.ImageKey(types.OriginalID(id)))
		},
	}
	c.transformedListener = &lru.Listener[string, image.Image]{
		OnAdd: func(key string, img image.Image) {
			c.publish(types.TransformedID(datasetIDOf(key)), img)
		},
		OnClear: func(key string) {
			c.store.Delete(state.ImageKey(types.TransformedID(datasetIDOf(key))))
		},
	}
	return c
}

func transformedKey(t Transform, id types.DatasetID) string {
	return t.Identity() + "/" + string(id)
}

func datasetIDOf(key string) types.DatasetID {
	return types.DatasetID(key[strings.IndexByte(key, '/')+1:])
}

func (c *Cache) publish(id types.ImageID, img image.Image) {
	uri, err := imageio.DataURI(img)
	if err != nil {
		logger.Warn("Images", "Cannot publish %s: %v", id, err)
		return
	}
	c.store.Set(state.ImageKey(id), uri)
}

// SetSource switches the dataset and clears both caches.
func (c *Cache) SetSource(src Source) {
	c.ClearAll()
	c.source = src
}

func (c *Cache) load(id types.DatasetID) (image.Image, error) {
	if c.source == nil {
		return nil, fmt.Errorf("load image %s: no dataset loaded", id)
	}
	path, err := c.source.ImagePath(id)
	if err != nil {
		return nil, fmt.Errorf("load image %s: %w", id, err)
	}
	img, err := imageio.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load image %s: %w", id, err)
	}
	return img, nil
}

// GetImage returns the decoded image of id, loading and publishing it on a
// miss.
func (c *Cache) GetImage(id types.DatasetID) (image.Image, error) {
	if img, ok := c.originals.Get(id); ok {
		return img, nil
	}
	img, err := c.load(id)
	if err != nil {
		return nil, err
	}
	c.originals.Add(id, img, c.originalListener)
	return img, nil
}

// GetImageWithoutEviction is GetImage for background work: a loaded image
// is cached and published only when that evicts nothing.
func (c *Cache) GetImageWithoutEviction(id types.DatasetID) (image.Image, error) {
	if img, ok := c.originals.Get(id); ok {
		return img, nil
	}
	img, err := c.load(id)
	if err != nil {
		return nil, err
	}
	c.originals.AddIfRoom(id, img, c.originalListener)
	return img, nil
}

func (c *Cache) transform(t Transform, original image.Image) (image.Image, error) {
	out, err := t.Execute(original)
	if err != nil {
		return nil, err
	}
	// Pixel-wise scoring compares against the original geometry.
	return imageio.ResizeTo(out, original), nil
}

// GetTransformedImage returns t applied to the image of id, resized to the
// original's size.
func (c *Cache) GetTransformedImage(t Transform, id types.DatasetID) (image.Image, error) {
	key := transformedKey(t, id)
	if img, ok := c.transformed.Get(key); ok {
		return img, nil
	}
	original, err := c.GetImage(id)
	if err != nil {
		return nil, err
	}
	img, err := c.transform(t, original)
	if err != nil {
		return nil, fmt.Errorf("transform image %s: %w", id, err)
	}
	c.transformed.Add(key, img, c.transformedListener)
	return img, nil
}

// GetTransformedImageWithoutEviction is GetTransformedImage for background
// work. Neither the original nor the result evicts cached entries.
func (c *Cache) GetTransformedImageWithoutEviction(t Transform, id types.DatasetID) (image.Image, error) {
	key := transformedKey(t, id)
	if img, ok := c.transformed.Get(key); ok {
		return img, nil
	}
	original, err := c.GetImageWithoutEviction(id)
	if err != nil {
		return nil, err
	}
	img, err := c.transform(t, original)
	if err != nil {
		return nil, fmt.Errorf("transform image %s: %w", id, err)
	}
	c.transformed.AddIfRoom(key, img, c.transformedListener)
	return img, nil
}

// RenderTransformed returns t applied to the image of id for one-off use
// such as export. Cached originals and results are reused; nothing is
// cached or published.
func (c *Cache) RenderTransformed(t Transform, id types.DatasetID) (image.Image, error) {
	if img, ok := c.transformed.Get(transformedKey(t, id)); ok {
		return img, nil
	}
	original, ok := c.originals.Get(id)
	if !ok {
		var err error
		if original, err = c.load(id); err != nil {
			return nil, err
		}
	}
	img, err := c.transform(t, original)
	if err != nil {
		return nil, fmt.Errorf("transform image %s: %w", id, err)
	}
	return img, nil
}

// Cached reports whether the original image of id is cached.
func (c *Cache) Cached(id types.DatasetID) bool {
	return c.originals.Contains(id)
}

// ClearAll empties both caches. Used on dataset change.
func (c *Cache) ClearAll() {
	c.originals.Clear()
	c.transformed.Clear()
}

// ClearTransformed empties the transformed cache. Used when a new transform
// is applied; originals stay valid.
func (c *Cache) ClearTransformed() {
	c.transformed.Clear()
}
