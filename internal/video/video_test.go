package video

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"

	"github.com/andresmejia3/fieldfixer/internal/field"
	"github.com/andresmejia3/fieldfixer/internal/utils"
)

func testFrame(s field.Shape, seed uint8) *image.RGBA {
	img := field.NewFrame(s)
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = seed + uint8(i)
		img.Pix[i+1] = seed * 2
		img.Pix[i+2] = uint8(i / 4)
		img.Pix[i+3] = 255
	}
	return img
}

func TestIsVideoPath(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"out.mp4", true},
		{"clip.MOV", true},
		{"a/b/c.mkv", true},
		{"frames", false},
		{"frames/", false},
		{"still.png", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, IsVideoPath(tt.path))
		})
	}
}

func TestDirRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "frames")
	s := field.Shape{Height: 3, Width: 5}

	w, err := Create(context.Background(), dir, Info{Width: 5, Height: 3}, utils.DefaultEncoderParams())
	require.NoError(t, err)
	require.IsType(t, &DirSink{}, w)
	var want []*image.RGBA
	for i := 0; i < 3; i++ {
		f := testFrame(s, uint8(10*i))
		want = append(want, f)
		require.NoError(t, w.Write(f))
	}
	require.NoError(t, w.Close())
	assert.FileExists(t, filepath.Join(dir, "000002.png"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))

	r, err := Open(context.Background(), dir)
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, Info{Width: 5, Height: 3, Frames: 3}, r.Info())
	assert.Nil(t, r.Command())

	for i := 0; i < 3; i++ {
		got, err := r.Next()
		require.NoError(t, err)
		assert.Equal(t, want[i].Pix, got.Pix, "frame %d", i)
	}
	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDirSourceDecodesOtherFormats(t *testing.T) {
	dir := t.TempDir()
	src := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			src.Set(x, y, color.NRGBA{R: uint8(40 * x), G: uint8(90 * y), B: 7, A: 255})
		}
	}

	encode := func(name string, enc func(io.Writer, image.Image) error) {
		f, err := os.Create(filepath.Join(dir, name))
		require.NoError(t, err)
		require.NoError(t, enc(f, src))
		require.NoError(t, f.Close())
	}
	encode("a.bmp", bmp.Encode)
	encode("b.tiff", func(w io.Writer, m image.Image) error { return tiff.Encode(w, m, nil) })

	r, err := NewDirSource(dir)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		got, err := r.Next()
		require.NoError(t, err)
		assert.Equal(t, color.RGBA{R: 40, G: 90, B: 7, A: 255}, got.RGBAAt(1, 1))
	}
}

func TestDirSourceShapeMismatch(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewDirSink(dir)
	require.NoError(t, err)
	require.NoError(t, sink.Write(testFrame(field.Shape{Height: 2, Width: 2}, 1)))
	require.NoError(t, sink.Write(testFrame(field.Shape{Height: 2, Width: 3}, 1)))

	r, err := NewDirSource(dir)
	require.NoError(t, err)
	_, err = r.Next()
	require.NoError(t, err)
	_, err = r.Next()
	assert.ErrorIs(t, err, field.ErrShapeMismatch)
}

func TestDirSourceEmpty(t *testing.T) {
	r, err := NewDirSource(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, Info{}, r.Info())
	_, err = r.Next()
	assert.True(t, errors.Is(err, io.EOF))
}

func TestToRGBAForcesOpaque(t *testing.T) {
	src := image.NewNRGBA(image.Rect(3, 4, 5, 5))
	src.SetNRGBA(3, 4, color.NRGBA{R: 200, G: 100, B: 50, A: 255})
	src.SetNRGBA(4, 4, color.NRGBA{R: 200, G: 100, B: 50, A: 0})

	got := toRGBA(src)
	assert.Equal(t, image.Rect(0, 0, 2, 1), got.Bounds())
	assert.Equal(t, color.RGBA{R: 200, G: 100, B: 50, A: 255}, got.RGBAAt(0, 0))
	assert.Equal(t, uint8(255), got.Pix[7])
}
