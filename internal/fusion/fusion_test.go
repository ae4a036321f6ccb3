package fusion

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/fieldfixer/internal/field"
	"github.com/andresmejia3/fieldfixer/internal/npy"
	"github.com/andresmejia3/fieldfixer/internal/sidecar"
)

// writeFlow stores a uniform (h, w, 2) displacement for frame i.
func writeFlow(t *testing.T, dir string, i, h, w int, du, dv float32) {
	t.Helper()
	data := make([]float32, h*w*2)
	for k := 0; k < h*w; k++ {
		data[2*k] = du
		data[2*k+1] = dv
	}
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, npy.WriteFile(filepath.Join(dir, frameFile(i)), npy.Float32, []int{h, w, 2}, data))
}

// writeConf stores a uniform confidence map with the given layout.
func writeConf(t *testing.T, dir string, i int, shape []int, v float32) {
	t.Helper()
	n := 1
	for _, d := range shape {
		n *= d
	}
	data := make([]float32, n)
	for k := range data {
		data[k] = v
	}
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, npy.WriteFile(filepath.Join(dir, frameFile(i)), npy.Float32, shape, data))
}

func TestModuleName(t *testing.T) {
	tests := []struct {
		dir  string
		want string
	}{
		{"/work/rsnerf/flows", "rsnerf"},
		{"/work/rsnerf/FLOWS", "rsnerf"},
		{"/work/deblur/out", "out"},
		{"/work/nerfw/flows/", "nerfw"},
	}
	for _, tt := range tests {
		t.Run(tt.dir, func(t *testing.T) {
			assert.Equal(t, tt.want, ModuleName(tt.dir))
		})
	}
}

func TestConfidenceLookupOrder(t *testing.T) {
	root := t.TempDir()
	flows := filepath.Join(root, "flows")
	s, err := NewSource(flows)
	require.NoError(t, err)

	_, ok := s.ConfidencePath(3)
	assert.False(t, ok)

	inner := filepath.Join(flows, "conf")
	writeConf(t, inner, 3, []int{1, 1}, 1)
	p, ok := s.ConfidencePath(3)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(inner, frameFile(3)), p)

	named := filepath.Join(root, "conf", "flows")
	writeConf(t, named, 3, []int{1, 1}, 1)
	p, _ = s.ConfidencePath(3)
	assert.Equal(t, filepath.Join(named, frameFile(3)), p)

	sibling := filepath.Join(root, "conf")
	writeConf(t, sibling, 3, []int{1, 1}, 1)
	p, _ = s.ConfidencePath(3)
	assert.Equal(t, filepath.Join(sibling, frameFile(3)), p)
}

func TestDiscoverFrameIndices(t *testing.T) {
	root := t.TempDir()
	a := filepath.Join(root, "a", "flows")
	b := filepath.Join(root, "b", "flows")
	writeFlow(t, a, 7, 1, 1, 0, 0)
	writeFlow(t, a, 2, 1, 1, 0, 0)
	writeFlow(t, b, 2, 1, 1, 0, 0)
	writeFlow(t, b, 11, 1, 1, 0, 0)
	require.NoError(t, os.WriteFile(filepath.Join(a, "notes.npy"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(a, "000005.txt"), nil, 0644))

	sources, err := NewSources([]string{a, b, filepath.Join(root, "missing", "flows")})
	require.NoError(t, err)
	got, err := DiscoverFrameIndices(sources)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 7, 11}, got)
}

func TestFuseSingleSourceIsExact(t *testing.T) {
	root := t.TempDir()
	flows := filepath.Join(root, "m", "flows")
	data := []float32{0.5, -1.25, 3, 0, -7.75, 2.5, 1e-3, 100}
	require.NoError(t, os.MkdirAll(flows, 0755))
	require.NoError(t, npy.WriteFile(filepath.Join(flows, frameFile(0)), npy.Float32, []int{2, 2, 2}, data))

	sources, err := NewSources([]string{flows})
	require.NoError(t, err)
	e, err := NewEngine(sources)
	require.NoError(t, err)
	f, err := e.Fuse(0)
	require.NoError(t, err)

	assert.Equal(t, []float32{0.5, 3, -7.75, 1e-3}, f.Field.DU)
	assert.Equal(t, []float32{-1.25, 0, 2.5, 100}, f.Field.DV)
	assert.Equal(t, []float32{1, 1, 1, 1}, f.Confidence.Values)
	assert.Equal(t, []string{"m"}, f.Modules)
}

func TestFuseEqualConfidenceAverages(t *testing.T) {
	root := t.TempDir()
	a := filepath.Join(root, "a", "flows")
	b := filepath.Join(root, "b", "flows")
	writeFlow(t, a, 0, 2, 3, 1, -2)
	writeFlow(t, b, 0, 2, 3, 3, 6)
	writeConf(t, filepath.Join(root, "a", "conf"), 0, []int{2, 3}, 0.4)
	writeConf(t, filepath.Join(root, "b", "conf"), 0, []int{2, 3, 1}, 0.4)

	sources, err := NewSources([]string{a, b})
	require.NoError(t, err)
	e, err := NewEngine(sources)
	require.NoError(t, err)
	f, err := e.Fuse(0)
	require.NoError(t, err)

	for k := range f.Field.DU {
		assert.InDelta(t, 2.0, f.Field.DU[k], 1e-6)
		assert.InDelta(t, 2.0, f.Field.DV[k], 1e-6)
		assert.InDelta(t, 0.4, f.Confidence.Values[k], 1e-6)
	}
}

func TestFuseZeroConfidenceGivesNoDisplacement(t *testing.T) {
	root := t.TempDir()
	a := filepath.Join(root, "a", "flows")
	writeFlow(t, a, 0, 1, 2, 5, 5)
	writeConf(t, filepath.Join(root, "a", "conf"), 0, []int{1, 2}, 0)

	sources, err := NewSources([]string{a})
	require.NoError(t, err)
	e, err := NewEngine(sources)
	require.NoError(t, err)
	f, err := e.Fuse(0)
	require.NoError(t, err)
	assert.True(t, f.Field.IsZero())
	assert.Equal(t, []float32{0, 0}, f.Confidence.Values)
}

// abSources builds the two-source example: A moves (2, 0) at full
// confidence, B moves (0, 4) at half confidence.
func abSources(t *testing.T) (root, a, b string) {
	root = t.TempDir()
	a = filepath.Join(root, "srcA", "flows")
	b = filepath.Join(root, "srcB", "flows")
	writeFlow(t, a, 0, 1, 1, 2, 0)
	writeFlow(t, b, 0, 1, 1, 0, 4)
	writeConf(t, filepath.Join(root, "srcB", "conf"), 0, []int{1, 1}, 0.5)
	return root, a, b
}

func TestBakeTwoSourceExample(t *testing.T) {
	root, a, b := abSources(t)
	out := filepath.Join(root, "bundle")

	res, err := Bake(context.Background(), Options{Sources: []string{a, b}, Out: out, Workers: 2})
	require.NoError(t, err)
	assert.Equal(t, []int{0}, res.Frames)

	bundle, err := sidecar.Load(out)
	require.NoError(t, err)
	s := field.Shape{Height: 1, Width: 1}
	d, err := bundle.LoadWarp(0, s)
	require.NoError(t, err)
	assert.InDelta(t, 4.0/3.0, d.DU[0], 1e-3)
	assert.InDelta(t, 4.0/3.0, d.DV[0], 1e-3)

	m, err := bundle.LoadMask(0, s)
	require.NoError(t, err)
	assert.Equal(t, uint8(191), m.Pix[0])

	assert.Equal(t, []string{"srcA", "srcB"}, bundle.Meta.Modules)
	assert.Equal(t, sidecar.Version, bundle.Meta.Version)
	assert.Equal(t, sidecar.MappingDisplacement, bundle.Meta.Mapping)
	assert.Equal(t, 1, bundle.Meta.FrameCount)
	assert.Equal(t, s, bundle.Meta.Shape())
}

func TestBakeMissingFrameSkip(t *testing.T) {
	root := t.TempDir()
	a := filepath.Join(root, "a", "flows")
	b := filepath.Join(root, "b", "flows")
	writeFlow(t, a, 0, 2, 2, 1, 1)
	writeFlow(t, a, 7, 2, 2, 3, 0)
	writeFlow(t, b, 0, 2, 2, 1, 1)
	writeFlow(t, b, 9, 2, 2, 0, 2)
	out := filepath.Join(root, "bundle")

	res, err := Bake(context.Background(), Options{Sources: []string{a, b}, Out: out, Workers: 4})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 7, 9}, res.Frames)

	bundle, err := sidecar.Load(out)
	require.NoError(t, err)
	assert.Equal(t, 0, bundle.Meta.FrameStart)
	assert.Equal(t, 9, bundle.Meta.FrameEnd)
	assert.Equal(t, 3, bundle.Meta.FrameCount)

	// Frame 7 comes from A alone, at A's full confidence.
	d, err := bundle.LoadWarp(7, field.Shape{Height: 2, Width: 2})
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 3, 3, 3}, d.DU)
	m, err := bundle.LoadMask(7, field.Shape{Height: 2, Width: 2})
	require.NoError(t, err)
	assert.Equal(t, []uint8{255, 255, 255, 255}, m.Pix)

	assert.NoFileExists(t, sidecar.WarpPath(out, 3))
	assert.NoFileExists(t, sidecar.MaskPath(out, 8))
}

func TestBakeShapeMismatchWritesNothing(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, root, a, b string)
	}{
		{"sources disagree", func(t *testing.T, root, a, b string) {
			writeFlow(t, a, 0, 2, 2, 0, 0)
			writeFlow(t, a, 5, 2, 2, 0, 0)
			writeFlow(t, b, 5, 2, 3, 0, 0)
		}},
		{"confidence disagrees with flow", func(t *testing.T, root, a, b string) {
			writeFlow(t, a, 0, 2, 2, 0, 0)
			writeConf(t, filepath.Join(root, "a", "conf"), 0, []int{2, 3}, 1)
		}},
		{"flow is not (H, W, 2)", func(t *testing.T, root, a, b string) {
			require.NoError(t, os.MkdirAll(a, 0755))
			require.NoError(t, npy.WriteFile(filepath.Join(a, frameFile(0)), npy.Float32, []int{2, 2, 3}, make([]float32, 12)))
		}},
		{"confidence has channels", func(t *testing.T, root, a, b string) {
			writeFlow(t, a, 0, 2, 2, 0, 0)
			writeConf(t, filepath.Join(root, "a", "conf"), 0, []int{2, 2, 2}, 1)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			a := filepath.Join(root, "a", "flows")
			b := filepath.Join(root, "b", "flows")
			tt.setup(t, root, a, b)
			out := filepath.Join(root, "bundle")

			_, err := Bake(context.Background(), Options{Sources: []string{a, b}, Out: out, Workers: 2})
			require.ErrorIs(t, err, field.ErrShapeMismatch)
			assert.NoDirExists(t, out)

			stale, err := sidecar.StaleStaging(root)
			require.NoError(t, err)
			assert.Empty(t, stale)
		})
	}
}

func TestBakeSourceMetadata(t *testing.T) {
	root, a, b := abSources(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "srcA", "meta.json"), []byte(`{"iters": 3000, "lr": 0.001}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "srcB", "meta.json"), []byte(`{"iters": `), 0644))
	out := filepath.Join(root, "bundle")

	res, err := Bake(context.Background(), Options{Sources: []string{a, b}, Out: out})
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	assert.ErrorIs(t, res.Warnings[0], field.ErrMalformedSourceMetadata)

	bundle, err := sidecar.Load(out)
	require.NoError(t, err)
	require.Contains(t, bundle.Meta.Sources, "srcA")
	assert.NotContains(t, bundle.Meta.Sources, "srcB")

	var got map[string]any
	require.NoError(t, json.Unmarshal(bundle.Meta.Sources["srcA"], &got))
	assert.Equal(t, map[string]any{"iters": 3000.0, "lr": 0.001}, got)
}

func TestBakeOmitsEmptySources(t *testing.T) {
	root, a, b := abSources(t)
	out := filepath.Join(root, "bundle")
	_, err := Bake(context.Background(), Options{Sources: []string{a, b}, Out: out})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(out, sidecar.MetaFile))
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"sources"`)
}

func TestBakeCopiesCurvesAndLUT(t *testing.T) {
	root, a, b := abSources(t)
	t1 := filepath.Join(root, "t1")
	t2 := filepath.Join(root, "t2")
	require.NoError(t, os.MkdirAll(t1, 0755))
	require.NoError(t, os.MkdirAll(t2, 0755))

	curves := []byte(`{"global": {"exposure": 1.2, "gamma": 0.9}}`)
	require.NoError(t, os.WriteFile(filepath.Join(t2, "curves.json"), curves, 0644))
	var cube bytes.Buffer
	require.NoError(t, field.FormatCube(&cube, field.IdentityLUT(2)))
	require.NoError(t, os.WriteFile(filepath.Join(t1, "lut.cube"), cube.Bytes(), 0644))

	out := filepath.Join(root, "bundle")
	_, err := Bake(context.Background(), Options{Sources: []string{a, b}, Targets: []string{t1, t2}, Out: out})
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(out, sidecar.CurvesFile))
	require.NoError(t, err)
	assert.Equal(t, curves, got)
	got, err = os.ReadFile(sidecar.LUTPath(out))
	require.NoError(t, err)
	assert.Equal(t, cube.Bytes(), got)
}

func TestBakeRejectsMalformedTargetLUT(t *testing.T) {
	root, a, b := abSources(t)
	target := filepath.Join(root, "target")
	require.NoError(t, os.MkdirAll(target, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(target, "scene.cube"), []byte("0 0 0\n"), 0644))
	out := filepath.Join(root, "bundle")

	_, err := Bake(context.Background(), Options{Sources: []string{a, b}, Targets: []string{target}, Out: out})
	require.ErrorIs(t, err, field.ErrMalformedLUT)
	assert.NoDirExists(t, out)
}

func TestBakeNoFramesPublishesEmptyBundle(t *testing.T) {
	root := t.TempDir()
	out := filepath.Join(root, "bundle")
	res, err := Bake(context.Background(), Options{Sources: []string{filepath.Join(root, "nothing", "flows")}, Out: out})
	require.NoError(t, err)
	assert.Empty(t, res.Frames)
	assert.DirExists(t, filepath.Join(out, sidecar.WarpDir))
	assert.NoFileExists(t, filepath.Join(out, sidecar.MetaFile))
}

func TestBakeCancelled(t *testing.T) {
	root, a, b := abSources(t)
	out := filepath.Join(root, "bundle")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Bake(ctx, Options{Sources: []string{a, b}, Out: out})
	require.ErrorIs(t, err, context.Canceled)
	assert.NoDirExists(t, out)
}

type fakeFrames struct {
	frames []*image.RGBA
}

func (f *fakeFrames) Next() (*image.RGBA, error) {
	if len(f.frames) == 0 {
		return nil, io.EOF
	}
	img := f.frames[0]
	f.frames = f.frames[1:]
	return img, nil
}

func TestIdentityBake(t *testing.T) {
	s := field.Shape{Height: 4, Width: 6}
	src := &fakeFrames{frames: []*image.RGBA{field.NewFrame(s), field.NewFrame(s), field.NewFrame(s)}}
	out := filepath.Join(t.TempDir(), "bundle")

	res, err := IdentityBake(context.Background(), IdentityOptions{
		Out:     out,
		Input:   "clip.mp4",
		Profile: "quality",
		Modules: []string{"rsnerf", "deblurnerf"},
		Frames:  src,
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, res.Frames)

	b, err := sidecar.Load(out)
	require.NoError(t, err)
	assert.Equal(t, 3, b.Meta.Frames)
	assert.Equal(t, "quality", b.Meta.Profile)
	assert.Equal(t, "clip.mp4", b.Meta.Input)
	assert.Equal(t, s, b.Meta.Shape())
	assert.Equal(t, []string{"rsnerf", "deblurnerf"}, b.Meta.Modules)
	require.NotNil(t, b.LUT())
	assert.Equal(t, field.DefaultLUTSize, b.LUT().Size)
	assert.True(t, b.LoadCurve(2).IsIdentity())

	for i := 0; i < 3; i++ {
		assert.FileExists(t, sidecar.WarpPath(out, i))
		d, err := b.LoadWarp(i, s)
		require.NoError(t, err)
		assert.True(t, d.IsZero())
	}
}

func TestIdentityBakeWithoutFrames(t *testing.T) {
	out := filepath.Join(t.TempDir(), "bundle")
	res, err := IdentityBake(context.Background(), IdentityOptions{
		Out:    out,
		Shape:  field.Shape{Height: 2, Width: 2},
		Frames: &fakeFrames{},
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0}, res.Frames)
	assert.FileExists(t, sidecar.WarpPath(out, 0))
	assert.FileExists(t, sidecar.MaskPath(out, 0))
}
