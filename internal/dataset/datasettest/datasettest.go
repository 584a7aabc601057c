// Package datasettest writes small COCO datasets for tests.
package datasettest

import (
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

// Box is a ground-truth box in [x, y, w, h].
type Box struct {
	Category int
	BBox     [4]float64
}

// Image describes one generated image.
type Image struct {
	ID     int
	Width  int
	Height int
	Fill   color.Color
	Boxes  []Box
}

// Spec describes a dataset.
type Spec struct {
	Categories map[int]string
	Images     []Image
}

// Simple returns n 32x24 images, each with one "cat" box.
func Simple(n int) Spec {
	spec := Spec{Categories: map[int]string{1: "cat", 2: "dog"}}
	for i := 1; i <= n; i++ {
		spec.Images = append(spec.Images, Image{
			ID:     i,
			Width:  32,
			Height: 24,
			Fill:   color.RGBA{R: uint8(40 * i), G: 100, B: 200, A: 255},
			Boxes:  []Box{{Category: 1, BBox: [4]float64{4, 4, 10, 8}}},
		})
	}
	return spec
}

// Write renders spec into dir and returns the annotation file path.
func Write(t testing.TB, dir string, spec Spec) string {
	t.Helper()

	var (
		images      []map[string]any
		annotations []map[string]any
		categories  []map[string]any
	)
	for id, name := range spec.Categories {
		categories = append(categories, map[string]any{"id": id, "name": name})
	}

	annID := 1
	for _, img := range spec.Images {
		name := fmt.Sprintf("img_%d.png", img.ID)
		writePNG(t, filepath.Join(dir, name), img)
		images = append(images, map[string]any{
			"id": img.ID, "file_name": name, "width": img.Width, "height": img.Height,
		})
		for _, b := range img.Boxes {
			annotations = append(annotations, map[string]any{
				"id": annID, "image_id": img.ID, "category_id": b.Category, "bbox": b.BBox[:],
			})
			annID++
		}
	}

	data, err := json.Marshal(map[string]any{
		"images":      images,
		"annotations": annotations,
		"categories":  categories,
	})
	if err != nil {
		t.Fatalf("marshal dataset: %v", err)
	}
	path := filepath.Join(dir, "annotations.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write dataset: %v", err)
	}
	return path
}

func writePNG(t testing.TB, path string, spec Image) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, spec.Width, spec.Height))
	fill := spec.Fill
	if fill == nil {
		fill = color.White
	}
	for y := 0; y < spec.Height; y++ {
		for x := 0; x < spec.Width; x++ {
			img.Set(x, y, fill)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create image: %v", err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode image: %v", err)
	}
}
