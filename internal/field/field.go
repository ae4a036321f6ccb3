// Package field holds the in-memory correction data that flows between the
// fusion, sidecar and apply stages: displacement fields, confidence maps,
// masks, tone curves and 3D lookup tables.
package field

import (
	"errors"
	"fmt"
	"image"
	"math"
)

var (
	// ErrShapeMismatch is returned when two arrays that must agree on
	// (height, width) do not.
	ErrShapeMismatch = errors.New("shape mismatch")
	// ErrMalformedLUT is returned for a .cube file without a size header or
	// with the wrong number of entries.
	ErrMalformedLUT = errors.New("malformed LUT")
	// ErrMalformedSourceMetadata marks a per-source meta.json that could not
	// be parsed. Callers log and skip it.
	ErrMalformedSourceMetadata = errors.New("malformed source metadata")
)

// Shape is the spatial size of a frame or field.
type Shape struct {
	Height int
	Width  int
}

func (s Shape) String() string { return fmt.Sprintf("(%d, %d)", s.Height, s.Width) }

// Len is the number of pixels.
func (s Shape) Len() int { return s.Height * s.Width }

// FrameShape returns the shape of an RGBA frame.
func FrameShape(img *image.RGBA) Shape {
	b := img.Bounds()
	return Shape{Height: b.Dy(), Width: b.Dx()}
}

// CheckShape returns a wrapped ErrShapeMismatch when got != want.
func CheckShape(what string, got, want Shape) error {
	if got != want {
		return fmt.Errorf("%s: %w: got %s, want %s", what, ErrShapeMismatch, got, want)
	}
	return nil
}

// NewFrame allocates an opaque black frame.
func NewFrame(s Shape) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, s.Width, s.Height))
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 255
	}
	return img
}

// DisplacementField is a per-pixel (du, dv) offset in pixel units, row-major.
type DisplacementField struct {
	Shape
	DU []float32
	DV []float32
}

// NewDisplacementField returns an all-zero field, which is the identity warp.
func NewDisplacementField(s Shape) *DisplacementField {
	return &DisplacementField{
		Shape: s,
		DU:    make([]float32, s.Len()),
		DV:    make([]float32, s.Len()),
	}
}

// At returns the offset for pixel (x, y).
func (d *DisplacementField) At(x, y int) (float32, float32) {
	i := y*d.Width + x
	return d.DU[i], d.DV[i]
}

// IsZero reports whether every offset is exactly zero.
func (d *DisplacementField) IsZero() bool {
	for i := range d.DU {
		if d.DU[i] != 0 || d.DV[i] != 0 {
			return false
		}
	}
	return true
}

// Validate checks that both axes match the declared shape.
func (d *DisplacementField) Validate() error {
	if len(d.DU) != d.Len() || len(d.DV) != d.Len() {
		return fmt.Errorf("displacement field %s: %w: du=%d dv=%d values", d.Shape, ErrShapeMismatch, len(d.DU), len(d.DV))
	}
	return nil
}

// ConfidenceMap is a per-pixel trust weight in [0, 1].
type ConfidenceMap struct {
	Shape
	Values []float32
}

// Mask renders the map as 8-bit values. Bytes are truncated, not rounded,
// so 0.75 becomes 191.
func (c *ConfidenceMap) Mask() *image.Gray {
	m := image.NewGray(image.Rect(0, 0, c.Width, c.Height))
	for i, v := range c.Values {
		switch {
		case v <= 0:
			m.Pix[i] = 0
		case v >= 1:
			m.Pix[i] = 255
		default:
			m.Pix[i] = uint8(v * 255)
		}
	}
	return m
}

// FullMask returns an all-255 mask: apply the correction everywhere.
func FullMask(s Shape) *image.Gray {
	m := image.NewGray(image.Rect(0, 0, s.Width, s.Height))
	for i := range m.Pix {
		m.Pix[i] = 255
	}
	return m
}

// MaskShape returns the shape of a mask image.
func MaskShape(m *image.Gray) Shape {
	b := m.Bounds()
	return Shape{Height: b.Dy(), Width: b.Dx()}
}

// ToUint8 rounds half away from zero and clamps to [0, 255]. NaN maps to 0.
func ToUint8(v float64) uint8 {
	v = math.Round(v)
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(v)
}
