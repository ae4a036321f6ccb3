// Package color applies the tonal stages of a correction: an
// exposure/white-balance/gamma curve followed by an optional 3D LUT.
package color

import (
	"image"
	"math"

	"github.com/andresmejia3/fieldfixer/internal/field"
)

const (
	curveCeiling = 10.0
	minGamma     = 1e-6
)

// ApplyCurve maps every channel through the tone curve. Each channel value
// is normalized, scaled by its white-balance gain, clamped to [0, 10],
// scaled by exposure, clamped again, raised to 1/gamma and rescaled.
// The identity curve returns an unchanged copy.
func ApplyCurve(src *image.RGBA, c field.ToneCurve) *image.RGBA {
	if c.IsIdentity() {
		return clone(src)
	}

	// The curve is a function of the input byte alone, so each channel
	// gets a 256-entry table.
	var tables [3][256]uint8
	inv := 1 / math.Max(c.Gamma, minGamma)
	for ch := 0; ch < 3; ch++ {
		for v := 0; v < 256; v++ {
			x := clamp(float64(v)/255*c.WhiteBalance[ch], 0, curveCeiling)
			x = clamp(x*c.Exposure, 0, curveCeiling)
			x = math.Pow(x, inv)
			tables[ch][v] = field.ToUint8(x * 255)
		}
	}

	dst := clone(src)
	for i := 0; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = tables[0][dst.Pix[i]]
		dst.Pix[i+1] = tables[1][dst.Pix[i+1]]
		dst.Pix[i+2] = tables[2][dst.Pix[i+2]]
	}
	return dst
}

// lattice holds the clamped neighbour indices and blend weight for one
// input byte on one LUT axis.
type lattice struct {
	i0, i1 int
	w      float64
}

// ApplyLUT looks every pixel up in the table with trilinear interpolation,
// blending along R first, then G, then B.
func ApplyLUT(src *image.RGBA, l *field.LUT3D) (*image.RGBA, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}

	// All three axes share the same byte-to-lattice mapping.
	var axis [256]lattice
	top := l.Size - 1
	for v := 0; v < 256; v++ {
		coord := float64(v) / 255 * float64(top)
		f := math.Floor(coord)
		i0 := clampInt(int(f), 0, top)
		axis[v] = lattice{i0: i0, i1: clampInt(i0+1, 0, top), w: coord - f}
	}

	dst := clone(src)
	t := l.Table
	for i := 0; i < len(dst.Pix); i += 4 {
		r := axis[dst.Pix[i]]
		g := axis[dst.Pix[i+1]]
		b := axis[dst.Pix[i+2]]

		for ch := 0; ch < 3; ch++ {
			c00 := lerp(float64(t[l.Index(r.i0, g.i0, b.i0)+ch]), float64(t[l.Index(r.i1, g.i0, b.i0)+ch]), r.w)
			c10 := lerp(float64(t[l.Index(r.i0, g.i1, b.i0)+ch]), float64(t[l.Index(r.i1, g.i1, b.i0)+ch]), r.w)
			c01 := lerp(float64(t[l.Index(r.i0, g.i0, b.i1)+ch]), float64(t[l.Index(r.i1, g.i0, b.i1)+ch]), r.w)
			c11 := lerp(float64(t[l.Index(r.i0, g.i1, b.i1)+ch]), float64(t[l.Index(r.i1, g.i1, b.i1)+ch]), r.w)

			c0 := lerp(c00, c10, g.w)
			c1 := lerp(c01, c11, g.w)

			dst.Pix[i+ch] = field.ToUint8(clamp(lerp(c0, c1, b.w)*255, 0, 255))
		}
	}
	return dst, nil
}

func clone(src *image.RGBA) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		off := src.PixOffset(b.Min.X, b.Min.Y+y)
		copy(dst.Pix[y*dst.Stride:(y+1)*dst.Stride], src.Pix[off:off+b.Dx()*4])
	}
	for i := 3; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = 255
	}
	return dst
}

func lerp(a, b, w float64) float64 { return a*(1-w) + b*w }

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
