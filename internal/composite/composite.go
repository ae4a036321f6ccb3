// Package composite blends a corrected frame over the original through a
// confidence mask.
package composite

import (
	"image"

	"github.com/andresmejia3/fieldfixer/internal/field"
)

// Composite returns fg*a + bg*(1-a) per channel, with a = mask/255.
// A full mask yields fg and an empty mask yields bg, byte for byte.
func Composite(fg, bg *image.RGBA, mask *image.Gray) (*image.RGBA, error) {
	shape := field.FrameShape(fg)
	if err := field.CheckShape("composite background", field.FrameShape(bg), shape); err != nil {
		return nil, err
	}
	if err := field.CheckShape("composite mask", field.MaskShape(mask), shape); err != nil {
		return nil, err
	}

	w, h := shape.Width, shape.Height
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		fgRow := fg.PixOffset(fg.Rect.Min.X, fg.Rect.Min.Y+y)
		bgRow := bg.PixOffset(bg.Rect.Min.X, bg.Rect.Min.Y+y)
		mRow := mask.PixOffset(mask.Rect.Min.X, mask.Rect.Min.Y+y)
		out := y * dst.Stride
		for x := 0; x < w; x++ {
			f := fg.Pix[fgRow+x*4 : fgRow+x*4+3]
			b := bg.Pix[bgRow+x*4 : bgRow+x*4+3]
			d := dst.Pix[out+x*4 : out+x*4+4]

			switch m := mask.Pix[mRow+x]; m {
			case 255:
				copy(d, f)
			case 0:
				copy(d, b)
			default:
				a := float64(m) / 255
				for c := 0; c < 3; c++ {
					d[c] = field.ToUint8(float64(f[c])*a + float64(b[c])*(1-a))
				}
			}
			d[3] = 255
		}
	}
	return dst, nil
}
