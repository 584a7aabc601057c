// Package imageio decodes dataset images and renders them for the state
// store.
package imageio

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/png"
	"os"

	// Registered decoders for dataset images.
	_ "image/gif"
	_ "image/jpeg"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"golang.org/x/image/draw"
)

const dataURIPrefix = "data:image/png;base64,"

// Size is a width/height pair.
type Size struct {
	W, H int
}

// SizeOf returns the dimensions of img.
func SizeOf(img image.Image) Size {
	b := img.Bounds()
	return Size{W: b.Dx(), H: b.Dy()}
}

// Oriented is implemented by images whose pixels are stored in sensor
// orientation rather than display orientation.
type Oriented interface {
	Orientation() int
}

// DisplaySize is the size of img once its orientation is applied.
// Orientations 5 to 8 swap width and height.
func DisplaySize(img image.Image) Size {
	s := SizeOf(img)
	if o, ok := img.(Oriented); ok && o.Orientation() >= 5 && o.Orientation() <= 8 {
		s.W, s.H = s.H, s.W
	}
	return s
}

// Open reads and decodes the file at path, applying its EXIF orientation.
func Open(path string) (image.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// Decode decodes data and applies its EXIF orientation.
func Decode(data []byte) (image.Image, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if format == "jpeg" {
		if o := Orientation(data); o > 1 {
			img = ApplyOrientation(img, o)
		}
	}
	return img, nil
}

// RGBA returns img as *image.RGBA with its origin at (0, 0), copying when
// needed.
func RGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Rect, img, b.Min, draw.Src)
	return out
}

// Resize scales img to w x h.
func Resize(img image.Image, w, h int) *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(out, out.Rect, img, img.Bounds(), draw.Src, nil)
	return out
}

// ResizeTo scales img to the size of ref when the sizes differ.
func ResizeTo(img, ref image.Image) image.Image {
	want := SizeOf(ref)
	if SizeOf(img) == want {
		return img
	}
	return Resize(img, want.W, want.H)
}

// EncodePNG encodes img as PNG.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DataURI renders img as a base64 PNG data URI.
func DataURI(img image.Image) (string, error) {
	data, err := EncodePNG(img)
	if err != nil {
		return "", err
	}
	return dataURIPrefix + base64.StdEncoding.EncodeToString(data), nil
}
