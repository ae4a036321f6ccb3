// Package sidecar reads and writes correction bundles: the directory of
// per-frame warps and masks plus curves, LUT and metadata that a bake
// produces and apply consumes.
//
// Layout:
//
//	W/000123.npz     du, dv as <f2 (H, W)
//	M/000123.png     8-bit gray confidence mask
//	LUT/scene.cube   optional 3D LUT
//	curves.json      optional tone curves
//	meta.json        bundle metadata
//
// Anything missing resolves to the identity correction.
package sidecar

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/png"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/andresmejia3/fieldfixer/internal/field"
	"github.com/andresmejia3/fieldfixer/internal/npy"
)

const (
	// Version is the bundle format version written to meta.json.
	Version = 1
	// MappingDisplacement marks W entries as sample offsets in pixels.
	MappingDisplacement = "displacement"

	WarpDir    = "W"
	MaskDir    = "M"
	LUTDir     = "LUT"
	LUTFile    = "scene.cube"
	CurvesFile = "curves.json"
	MetaFile   = "meta.json"
)

// Meta is the decoded meta.json. Fusion bakes fill the frame range fields;
// identity bakes fill Profile, Input and Frames instead.
type Meta struct {
	Version    int                        `json:"version"`
	Mapping    string                     `json:"mapping"`
	Modules    []string                   `json:"modules"`
	FrameStart int                        `json:"frame_start"`
	FrameEnd   int                        `json:"frame_end"`
	FrameCount int                        `json:"frame_count"`
	Height     int                        `json:"height"`
	Width      int                        `json:"width"`
	Sources    map[string]json.RawMessage `json:"sources,omitempty"`

	Profile string `json:"profile,omitempty"`
	Input   string `json:"input,omitempty"`
	Frames  int    `json:"frames,omitempty"`
}

// Shape returns the frame size recorded in the metadata.
func (m Meta) Shape() field.Shape {
	return field.Shape{Height: m.Height, Width: m.Width}
}

// WarpPath is the location of the displacement entry for frame i.
func WarpPath(root string, i int) string {
	return filepath.Join(root, WarpDir, fmt.Sprintf("%06d.npz", i))
}

// MaskPath is the location of the mask entry for frame i.
func MaskPath(root string, i int) string {
	return filepath.Join(root, MaskDir, fmt.Sprintf("%06d.png", i))
}

// LUTPath is the location of the bundle LUT.
func LUTPath(root string) string {
	return filepath.Join(root, LUTDir, LUTFile)
}

// optional is a bundle component that may be absent on disk. When the file
// does not exist the fallback is returned; any other failure is an error.
type optional[T any] struct {
	path     string
	decode   func(path string) (T, error)
	fallback func() T
}

func (o optional[T]) load() (T, error) {
	if _, err := os.Stat(o.path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return o.fallback(), nil
		}
		var zero T
		return zero, err
	}
	return o.decode(o.path)
}

// Bundle is a loaded, read-only sidecar bundle. Frame entries are read on
// demand; metadata, curves and LUT are read once by Load.
type Bundle struct {
	Root string
	Meta Meta

	curves field.CurveSet
	lut    *field.LUT3D
}

// Load opens the bundle at root. A missing meta.json yields empty metadata.
// Malformed meta.json, curves.json or LUT files fail here so that no frame
// is processed against a half-usable bundle.
func Load(root string) (*Bundle, error) {
	meta, err := optional[Meta]{
		path:     filepath.Join(root, MetaFile),
		decode:   decodeMeta,
		fallback: func() Meta { return Meta{} },
	}.load()
	if err != nil {
		return nil, err
	}

	curves, err := optional[field.CurveSet]{
		path: filepath.Join(root, CurvesFile),
		decode: func(path string) (field.CurveSet, error) {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, err
			}
			cs, err := field.ParseCurveSet(data)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			return cs, nil
		},
		fallback: func() field.CurveSet { return nil },
	}.load()
	if err != nil {
		return nil, err
	}

	lut, err := optional[*field.LUT3D]{
		path: LUTPath(root),
		decode: func(path string) (*field.LUT3D, error) {
			f, err := os.Open(path)
			if err != nil {
				return nil, err
			}
			defer f.Close()
			l, err := field.ParseCube(f)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			return l, nil
		},
		fallback: func() *field.LUT3D { return nil },
	}.load()
	if err != nil {
		return nil, err
	}

	return &Bundle{Root: root, Meta: meta, curves: curves, lut: lut}, nil
}

func decodeMeta(path string) (Meta, error) {
	var m Meta
	data, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("%s: parse bundle metadata: %w", path, err)
	}
	return m, nil
}

// LoadWarp returns the displacement for frame i, or a zero field of the
// requested shape when the bundle has none.
func (b *Bundle) LoadWarp(i int, s field.Shape) (*field.DisplacementField, error) {
	return optional[*field.DisplacementField]{
		path: WarpPath(b.Root, i),
		decode: func(path string) (*field.DisplacementField, error) {
			arrays, err := npy.ReadNPZ(path)
			if err != nil {
				return nil, err
			}
			d := field.NewDisplacementField(s)
			for _, axis := range []struct {
				name string
				dst  []float32
			}{{"du", d.DU}, {"dv", d.DV}} {
				a, ok := arrays[axis.name]
				if !ok {
					return nil, fmt.Errorf("%s: missing %s array", path, axis.name)
				}
				if len(a.Shape) != 2 {
					return nil, fmt.Errorf("%s: %s: %w: got %v, want %s", path, axis.name, field.ErrShapeMismatch, a.Shape, s)
				}
				got := field.Shape{Height: a.Shape[0], Width: a.Shape[1]}
				if err := field.CheckShape(path+": "+axis.name, got, s); err != nil {
					return nil, err
				}
				copy(axis.dst, a.Data)
			}
			return d, nil
		},
		fallback: func() *field.DisplacementField { return field.NewDisplacementField(s) },
	}.load()
}

// WarpShape reports the size of the stored displacement for frame i. It
// serves bundles whose metadata records no size.
func (b *Bundle) WarpShape(i int) (field.Shape, error) {
	path := WarpPath(b.Root, i)
	arrays, err := npy.ReadNPZ(path)
	if err != nil {
		return field.Shape{}, err
	}
	a, ok := arrays["du"]
	if !ok {
		return field.Shape{}, fmt.Errorf("%s: missing du array", path)
	}
	if len(a.Shape) != 2 {
		return field.Shape{}, fmt.Errorf("%s: du: %w: got %v", path, field.ErrShapeMismatch, a.Shape)
	}
	return field.Shape{Height: a.Shape[0], Width: a.Shape[1]}, nil
}

// LoadMask returns the 8-bit mask for frame i, or an all-255 mask of the
// requested shape when the bundle has none. Multi-channel images contribute
// their first channel.
func (b *Bundle) LoadMask(i int, s field.Shape) (*image.Gray, error) {
	return optional[*image.Gray]{
		path: MaskPath(b.Root, i),
		decode: func(path string) (*image.Gray, error) {
			f, err := os.Open(path)
			if err != nil {
				return nil, err
			}
			defer f.Close()
			img, _, err := image.Decode(f)
			if err != nil {
				return nil, fmt.Errorf("%s: decode mask: %w", path, err)
			}
			m := firstChannel(img)
			if err := field.CheckShape(path, field.MaskShape(m), s); err != nil {
				return nil, err
			}
			return m, nil
		},
		fallback: func() *image.Gray { return field.FullMask(s) },
	}.load()
}

// LoadCurve resolves the tone curve for frame i: per-frame entry, then
// the global entry, then identity.
func (b *Bundle) LoadCurve(i int) field.ToneCurve {
	return b.curves.For(i)
}

// Curves returns the decoded curves.json, nil when absent.
func (b *Bundle) Curves() field.CurveSet {
	return b.curves
}

// LUT returns the bundle LUT, nil when absent. A nil LUT skips the lookup
// stage.
func (b *Bundle) LUT() *field.LUT3D {
	return b.lut
}

// Frames lists the frame indices that have a stored warp, ascending.
func (b *Bundle) Frames() ([]int, error) {
	entries, err := os.ReadDir(filepath.Join(b.Root, WarpDir))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var frames []int
	for _, e := range entries {
		stem, ok := strings.CutSuffix(e.Name(), ".npz")
		if !ok || e.IsDir() {
			continue
		}
		i, err := strconv.Atoi(stem)
		if err != nil {
			continue
		}
		frames = append(frames, i)
	}
	sort.Ints(frames)
	return frames, nil
}

func firstChannel(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok && g.Rect.Min == (image.Point{}) {
		return g
	}
	r := img.Bounds()
	out := image.NewGray(image.Rect(0, 0, r.Dx(), r.Dy()))
	// NRGBA is read directly so a translucent pixel keeps its stored red.
	if n, ok := img.(*image.NRGBA); ok {
		for y := 0; y < r.Dy(); y++ {
			for x := 0; x < r.Dx(); x++ {
				out.Pix[y*out.Stride+x] = n.Pix[n.PixOffset(r.Min.X+x, r.Min.Y+y)]
			}
		}
		return out
	}
	for y := 0; y < r.Dy(); y++ {
		for x := 0; x < r.Dx(); x++ {
			v, _, _, _ := img.At(r.Min.X+x, r.Min.Y+y).RGBA()
			out.Pix[y*out.Stride+x] = uint8(v >> 8)
		}
	}
	return out
}
