// Package preview renders a quick-look PNG of a CT volume so a download
// run can be sanity-checked without opening the NIfTI in a viewer.
package preview

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"

	"golang.org/x/image/draw"

	"github.com/cbreuel/saros-tools/internal/volume"
)

// Soft tissue window, the standard preset for abdominal CT review.
const (
	windowCenter = 40.0
	windowWidth  = 400.0
)

// maxEdge is the longest edge of the rendered preview in pixels.
const maxEdge = 512

// Render draws the middle axial slice of v as a windowed grayscale image.
func Render(v *volume.Volume) (image.Image, error) {
	if err := v.Validate(); err != nil {
		return nil, err
	}

	z := v.Slices / 2
	img := image.NewGray(image.Rect(0, 0, v.Cols, v.Rows))

	low := windowCenter - windowWidth/2
	for y := 0; y < v.Rows; y++ {
		for x := 0; x < v.Cols; x++ {
			hu := float64(v.At(x, y, z))
			g := (hu - low) / windowWidth * 255
			if g < 0 {
				g = 0
			} else if g > 255 {
				g = 255
			}
			img.SetGray(x, y, color.Gray{Y: uint8(g)})
		}
	}

	// Correct for anisotropic in-plane spacing and cap the size.
	w := float64(v.Cols) * v.Spacing[0]
	h := float64(v.Rows) * v.Spacing[1]
	scale := float64(maxEdge) / max(w, h)
	outW, outH := int(w*scale), int(h*scale)
	if outW < 1 {
		outW = 1
	}
	if outH < 1 {
		outH = 1
	}

	scaled := image.NewGray(image.Rect(0, 0, outW, outH))
	draw.BiLinear.Scale(scaled, scaled.Bounds(), img, img.Bounds(), draw.Src, nil)
	return scaled, nil
}

// WritePNG renders the preview and writes it atomically to path.
func WritePNG(path string, v *volume.Volume) error {
	img, err := Render(v)
	if err != nil {
		return fmt.Errorf("preview: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".preview-*.tmp")
	if err != nil {
		return fmt.Errorf("preview: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := png.Encode(tmp, img); err != nil {
		tmp.Close()
		return fmt.Errorf("preview: encode png: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("preview: close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("preview: rename into place: %w", err)
	}
	return nil
}
