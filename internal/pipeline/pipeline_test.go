package pipeline

import (
	"context"
	"errors"
	"image"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/fieldfixer/internal/field"
	"github.com/andresmejia3/fieldfixer/internal/sidecar"
)

// memBundle serves in-memory entries with the same fallbacks as a sidecar
// bundle on disk.
type memBundle struct {
	warps  map[int]*field.DisplacementField
	masks  map[int]*image.Gray
	curves map[int]field.ToneCurve
	lut    *field.LUT3D
}

func (b *memBundle) LoadWarp(i int, s field.Shape) (*field.DisplacementField, error) {
	d, ok := b.warps[i]
	if !ok {
		return field.NewDisplacementField(s), nil
	}
	if err := field.CheckShape("warp", d.Shape, s); err != nil {
		return nil, err
	}
	return d, nil
}

func (b *memBundle) LoadMask(i int, s field.Shape) (*image.Gray, error) {
	m, ok := b.masks[i]
	if !ok {
		return field.FullMask(s), nil
	}
	if err := field.CheckShape("mask", field.MaskShape(m), s); err != nil {
		return nil, err
	}
	return m, nil
}

func (b *memBundle) LoadCurve(i int) field.ToneCurve {
	if c, ok := b.curves[i]; ok {
		return c
	}
	return field.IdentityCurve()
}

func (b *memBundle) LUT() *field.LUT3D { return b.lut }

// memSource yields count 4x3 frames whose pixels all carry the frame number.
type memSource struct {
	count, next int
}

func (s *memSource) Next() (*image.RGBA, error) {
	if s.next >= s.count {
		return nil, io.EOF
	}
	img := field.NewFrame(field.Shape{Height: 3, Width: 4})
	for p := 0; p < len(img.Pix); p += 4 {
		img.Pix[p], img.Pix[p+1], img.Pix[p+2], img.Pix[p+3] = uint8(s.next), uint8(s.next), uint8(s.next), 255
	}
	s.next++
	return img, nil
}

type memSink struct {
	frames []*image.RGBA
	failAt int
}

func (s *memSink) Write(img *image.RGBA) error {
	if s.failAt > 0 && len(s.frames) == s.failAt {
		return errors.New("disk full")
	}
	s.frames = append(s.frames, img)
	return nil
}

// redRow builds a 1x3 frame with the given red values.
func redRow(r ...uint8) *image.RGBA {
	img := field.NewFrame(field.Shape{Height: 1, Width: len(r)})
	for x, v := range r {
		img.Pix[4*x] = v
		img.Pix[4*x+3] = 255
	}
	return img
}

func reds(img *image.RGBA) []uint8 {
	var out []uint8
	for p := 0; p < len(img.Pix); p += 4 {
		out = append(out, img.Pix[p])
	}
	return out
}

func shiftField(s field.Shape, du float32) *field.DisplacementField {
	d := field.NewDisplacementField(s)
	for i := range d.DU {
		d.DU[i] = du
	}
	return d
}

func TestCorrectEmptyBundleIsIdentity(t *testing.T) {
	b, err := sidecar.Load(t.TempDir())
	require.NoError(t, err)
	c := &Corrector{Bundle: b}

	frame := redRow(10, 20, 30)
	out, err := c.Correct(0, frame)
	require.NoError(t, err)
	assert.Equal(t, frame.Pix, out.Pix)
}

func TestCorrectWarpAndComposite(t *testing.T) {
	s := field.Shape{Height: 1, Width: 3}
	tests := []struct {
		name string
		mask uint8
		want []uint8
	}{
		{"full confidence takes the warp", 255, []uint8{20, 30, 30}},
		{"zero confidence keeps the original", 0, []uint8{10, 20, 30}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mask := image.NewGray(image.Rect(0, 0, 3, 1))
			for i := range mask.Pix {
				mask.Pix[i] = tt.mask
			}
			b := &memBundle{
				warps: map[int]*field.DisplacementField{4: shiftField(s, 1)},
				masks: map[int]*image.Gray{4: mask},
			}
			frame := redRow(10, 20, 30)
			out, err := (&Corrector{Bundle: b}).Correct(4, frame)
			require.NoError(t, err)
			assert.Equal(t, tt.want, reds(out))
			assert.Equal(t, []uint8{10, 20, 30}, reds(frame), "input frame modified")
		})
	}
}

func TestCorrectCurveBeforeLUT(t *testing.T) {
	// Inverting cube: each lattice point maps to its complement.
	lut := field.IdentityLUT(2)
	for i := range lut.Table {
		lut.Table[i] = 1 - lut.Table[i]
	}
	curve := field.IdentityCurve()
	curve.Exposure = 2
	b := &memBundle{curves: map[int]field.ToneCurve{0: curve}, lut: lut}

	out, err := (&Corrector{Bundle: b}).Correct(0, redRow(64))
	require.NoError(t, err)
	// 64 doubles to 128, then inverts to 127. The other order would clip.
	assert.Equal(t, []uint8{127, 255, 255, 255}, out.Pix)
}

func TestCorrectShapeMismatch(t *testing.T) {
	b := &memBundle{warps: map[int]*field.DisplacementField{
		0: shiftField(field.Shape{Height: 2, Width: 3}, 1),
	}}
	_, err := (&Corrector{Bundle: b}).Correct(0, redRow(1, 2, 3))
	assert.ErrorIs(t, err, field.ErrShapeMismatch)
}

func TestRunWritesInDecodeOrder(t *testing.T) {
	s := field.Shape{Height: 3, Width: 4}
	b := &memBundle{warps: map[int]*field.DisplacementField{
		3: shiftField(s, 1),
		7: shiftField(s, -1),
	}}
	for _, workers := range []int{1, 4} {
		sink := &memSink{}
		progress := 0
		n, err := Run(context.Background(), &memSource{count: 25}, sink, &Corrector{Bundle: b}, Options{
			Workers:  workers,
			Progress: func() { progress++ },
		})
		require.NoError(t, err)
		assert.Equal(t, 25, n)
		assert.Equal(t, 25, progress)
		require.Len(t, sink.frames, 25)
		for i, f := range sink.frames {
			assert.Equal(t, uint8(i), f.Pix[0], "workers=%d position %d", workers, i)
		}
	}
}

func TestRunStopsOnSinkError(t *testing.T) {
	b := &memBundle{}
	sink := &memSink{failAt: 5}
	n, err := Run(context.Background(), &memSource{count: 40}, sink, &Corrector{Bundle: b}, Options{Workers: 3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 5, n)
	assert.Len(t, sink.frames, 5)
}

func TestRunStopsOnCorrectionError(t *testing.T) {
	b := &memBundle{warps: map[int]*field.DisplacementField{
		6: field.NewDisplacementField(field.Shape{Height: 1, Width: 1}),
	}}
	sink := &memSink{}
	_, err := Run(context.Background(), &memSource{count: 40}, sink, &Corrector{Bundle: b}, Options{Workers: 2})
	require.ErrorIs(t, err, field.ErrShapeMismatch)
	assert.LessOrEqual(t, len(sink.frames), 6)
}
