// Package dataset loads COCO-style JSON datasets.
package dataset

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/Kitware/nrtk-explorer-sub000/pkg/types"
)

// LoadError reports a missing or malformed dataset.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load dataset %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// ErrUnknownImage is returned for ids that are not in the dataset.
var ErrUnknownImage = errors.New("unknown image id")

// flexibleID accepts both numeric and string ids.
type flexibleID string

func (f *flexibleID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexibleID(n.String())
	return nil
}

// Image is one COCO image record.
type Image struct {
	ID       types.DatasetID `json:"-"`
	FileName string          `json:"file_name"`
	Width    int             `json:"width"`
	Height   int             `json:"height"`
}

type cocoImage struct {
	ID flexibleID `json:"id"`
	Image
}

type cocoAnnotation struct {
	ID         flexibleID `json:"id"`
	ImageID    flexibleID `json:"image_id"`
	CategoryID *int       `json:"category_id"`
	BBox       []float64  `json:"bbox"`
}

type cocoFile struct {
	Images      []cocoImage      `json:"images"`
	Categories  []types.Category `json:"categories"`
	Annotations []cocoAnnotation `json:"annotations"`
}

// Dataset is an immutable, loaded COCO dataset.
type Dataset struct {
	path        string
	dir         string
	ids         []types.DatasetID
	images      map[types.DatasetID]Image
	categories  map[int]types.Category
	byName      map[string]types.Category
	annotations map[types.DatasetID][]types.Annotation
}

// Load reads the dataset at path. All failures are *LoadError.
func Load(path string) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}

	var file cocoFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	if file.Images == nil || file.Categories == nil {
		return nil, &LoadError{Path: path, Err: errors.New("missing images or categories")}
	}

	d := &Dataset{
		path:        path,
		dir:         filepath.Dir(path),
		images:      make(map[types.DatasetID]Image, len(file.Images)),
		categories:  make(map[int]types.Category, len(file.Categories)),
		byName:      make(map[string]types.Category, len(file.Categories)),
		annotations: make(map[types.DatasetID][]types.Annotation),
	}
	for _, c := range file.Categories {
		d.categories[c.ID] = c
		d.byName[c.Name] = c
	}
	for _, img := range file.Images {
		id := types.DatasetID(img.ID)
		if _, dup := d.images[id]; dup {
			return nil, &LoadError{Path: path, Err: fmt.Errorf("duplicate image id %s", id)}
		}
		rec := img.Image
		rec.ID = id
		d.images[id] = rec
		d.ids = append(d.ids, id)
	}
	for _, a := range file.Annotations {
		id := types.DatasetID(a.ImageID)
		if _, ok := d.images[id]; !ok {
			continue
		}
		d.annotations[id] = append(d.annotations[id], d.toAnnotation(a))
	}
	return d, nil
}

func (d *Dataset) toAnnotation(a cocoAnnotation) types.Annotation {
	ann := types.Annotation{CategoryID: a.CategoryID, Score: types.Float64Ptr(1.0)}
	if a.CategoryID != nil {
		if c, ok := d.categories[*a.CategoryID]; ok {
			ann.Label = c.Name
		}
	}
	if len(a.BBox) == 4 {
		b := types.BBox{a.BBox[0], a.BBox[1], a.BBox[2], a.BBox[3]}
		ann.BBox = &b
	}
	return ann
}

// Path returns the file the dataset was loaded from.
func (d *Dataset) Path() string { return d.path }

// IDs returns image ids in file order.
func (d *Dataset) IDs() []types.DatasetID {
	return append([]types.DatasetID(nil), d.ids...)
}

// Len returns the number of images.
func (d *Dataset) Len() int { return len(d.ids) }

// Image returns the image record of id.
func (d *Dataset) Image(id types.DatasetID) (Image, bool) {
	img, ok := d.images[id]
	return img, ok
}

// ImagePath resolves the file of id relative to the dataset file.
func (d *Dataset) ImagePath(id types.DatasetID) (string, error) {
	img, ok := d.images[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownImage, id)
	}
	if filepath.IsAbs(img.FileName) {
		return img.FileName, nil
	}
	return filepath.Join(d.dir, img.FileName), nil
}

// Annotations returns the ground truth of id. Unknown ids have none.
func (d *Dataset) Annotations(id types.DatasetID) []types.Annotation {
	return append([]types.Annotation(nil), d.annotations[id]...)
}

// Category looks a category up by id.
func (d *Dataset) Category(id int) (types.Category, bool) {
	c, ok := d.categories[id]
	return c, ok
}

// CategoryByName looks a category up by name.
func (d *Dataset) CategoryByName(name string) (types.Category, bool) {
	c, ok := d.byName[name]
	return c, ok
}

// Categories returns categories sorted by id.
func (d *Dataset) Categories() []types.Category {
	out := make([]types.Category, 0, len(d.categories))
	for _, c := range d.categories {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Sample returns the first n ids, or n ids drawn with seed when random is
// set. n <= 0 or n >= Len returns every id.
func (d *Dataset) Sample(n int, random bool, seed int64) []types.DatasetID {
	ids := d.IDs()
	if n <= 0 || n >= len(ids) {
		return ids
	}
	if !random {
		return ids[:n]
	}
	r := rand.New(rand.NewSource(seed))
	r.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
	return ids[:n]
}

// IsCOCO reports whether path looks like a COCO JSON file.
func IsCOCO(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	for _, key := range []string{`"images"`, `"categories"`, `"annotations"`} {
		if !bytes.Contains(data, []byte(key)) {
			return false
		}
	}
	return true
}

// FormatID renders a numeric COCO id as a DatasetID.
func FormatID(id int) types.DatasetID {
	return types.DatasetID(strconv.Itoa(id))
}
