// Package warp resamples frames through a displacement field.
package warp

import (
	"image"
	"math"

	"github.com/andresmejia3/fieldfixer/internal/field"
)

// Warp returns a new frame where each pixel (x, y) is sampled from src at
// (x+du, y+dv) with bilinear interpolation. Sample coordinates are clamped
// to the frame (border replicate) on each axis before interpolation, so
// off-frame displacement reads the nearest edge pixel.
//
// A zero field reproduces src exactly.
func Warp(src *image.RGBA, d *field.DisplacementField) (*image.RGBA, error) {
	shape := field.FrameShape(src)
	if err := field.CheckShape("warp displacement", d.Shape, shape); err != nil {
		return nil, err
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}

	w, h := shape.Width, shape.Height
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	if w == 0 || h == 0 {
		return dst, nil
	}

	pix := src.Pix
	stride := src.Stride
	base := src.PixOffset(src.Rect.Min.X, src.Rect.Min.Y)
	maxX, maxY := float64(w-1), float64(h-1)

	for y := 0; y < h; y++ {
		row := y * dst.Stride
		for x := 0; x < w; x++ {
			du, dv := d.At(x, y)
			sx := clamp(float64(x)+finite(du), 0, maxX)
			sy := clamp(float64(y)+finite(dv), 0, maxY)

			x0f, y0f := math.Floor(sx), math.Floor(sy)
			fx, fy := sx-x0f, sy-y0f
			x0, y0 := int(x0f), int(y0f)
			x1, y1 := x0+1, y0+1
			if x1 > w-1 {
				x1 = w - 1
			}
			if y1 > h-1 {
				y1 = h - 1
			}

			w00 := (1 - fx) * (1 - fy)
			w01 := fx * (1 - fy)
			w10 := (1 - fx) * fy
			w11 := fx * fy

			o00 := base + y0*stride + x0*4
			o01 := base + y0*stride + x1*4
			o10 := base + y1*stride + x0*4
			o11 := base + y1*stride + x1*4

			out := row + x*4
			for c := 0; c < 3; c++ {
				v := w00*float64(pix[o00+c]) +
					w01*float64(pix[o01+c]) +
					w10*float64(pix[o10+c]) +
					w11*float64(pix[o11+c])
				dst.Pix[out+c] = field.ToUint8(v)
			}
			dst.Pix[out+3] = 255
		}
	}
	return dst, nil
}

// finite maps NaN and Inf offsets to 0 so a corrupt field cannot index
// outside the frame.
func finite(v float32) float64 {
	f := float64(v)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
