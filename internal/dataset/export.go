package dataset

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/Kitware/nrtk-explorer-sub000/pkg/types"
)

type exportImage struct {
	ID       any    `json:"id"`
	FileName string `json:"file_name"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

type exportAnnotation struct {
	ID         int       `json:"id"`
	ImageID    any       `json:"image_id"`
	CategoryID *int      `json:"category_id,omitempty"`
	BBox       []float64 `json:"bbox,omitempty"`
}

type exportFile struct {
	Images      []exportImage      `json:"images"`
	Categories  []types.Category   `json:"categories"`
	Annotations []exportAnnotation `json:"annotations"`
}

// cocoID writes numeric ids back as numbers.
func cocoID(id types.DatasetID) any {
	if n, err := strconv.Atoi(string(id)); err == nil {
		return n
	}
	return string(id)
}

// WriteSubset writes a COCO file at path holding the images of files, in
// dataset order, with their ground truth and every category. files maps
// ids to image paths relative to the directory of path.
func (d *Dataset) WriteSubset(path string, files map[types.DatasetID]string) error {
	out := exportFile{
		Images:      []exportImage{},
		Categories:  d.Categories(),
		Annotations: []exportAnnotation{},
	}
	for _, id := range d.ids {
		name, ok := files[id]
		if !ok {
			continue
		}
		rec := d.images[id]
		out.Images = append(out.Images, exportImage{
			ID:       cocoID(id),
			FileName: filepath.ToSlash(name),
			Width:    rec.Width,
			Height:   rec.Height,
		})
		for _, a := range d.annotations[id] {
			ann := exportAnnotation{
				ID:         len(out.Annotations) + 1,
				ImageID:    cocoID(id),
				CategoryID: a.CategoryID,
			}
			if a.BBox != nil {
				ann.BBox = a.BBox[:]
			}
			out.Annotations = append(out.Annotations, ann)
		}
	}

	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode dataset %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write dataset %s: %w", path, err)
	}
	return nil
}

// Discover returns the COCO files of the datasets in repo, one directory
// per dataset, sorted. A missing repo holds none.
func Discover(repo string) ([]string, error) {
	found := []string{}
	if repo == "" {
		return found, nil
	}
	matches, err := filepath.Glob(filepath.Join(repo, "*", "*.json"))
	if err != nil {
		return found, fmt.Errorf("discover datasets in %s: %w", repo, err)
	}
	for _, m := range matches {
		if IsCOCO(m) {
			found = append(found, m)
		}
	}
	slices.Sort(found)
	return found, nil
}
