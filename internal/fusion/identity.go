package fusion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"

	"github.com/andresmejia3/fieldfixer/internal/field"
	"github.com/andresmejia3/fieldfixer/internal/sidecar"
)

// FrameSource yields decoded frames until io.EOF.
type FrameSource interface {
	Next() (*image.RGBA, error)
}

// IdentityOptions configures an identity bake.
type IdentityOptions struct {
	Out     string
	Input   string
	Profile string
	Modules []string
	// Shape is used for the placeholder frame when Frames yields nothing.
	Shape    field.Shape
	Frames   FrameSource
	Progress func()
}

// identityMeta is meta.json for an identity bundle.
type identityMeta struct {
	Version int      `json:"version"`
	Mapping string   `json:"mapping"`
	Modules []string `json:"modules"`
	Profile string   `json:"profile"`
	Input   string   `json:"input"`
	Width   int      `json:"width"`
	Height  int      `json:"height"`
	Frames  int      `json:"frames"`
}

// IdentityBake writes a bundle that leaves the video unchanged: a zero warp
// and full mask for every decoded frame, an identity LUT and unit curves.
// It is used to exercise apply end to end without running an estimator.
// A source with no frames still gets one placeholder frame 000000.
func IdentityBake(ctx context.Context, opts IdentityOptions) (*Result, error) {
	w, err := sidecar.NewWriter(opts.Out)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			w.Abort()
		}
	}()

	shape := opts.Shape
	var frames []int
	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		frame, err := opts.Frames.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		shape = field.FrameShape(frame)
		if err := writeIdentityFrame(w, idx, shape); err != nil {
			return nil, err
		}
		frames = append(frames, idx)
		if opts.Progress != nil {
			opts.Progress()
		}
	}
	if len(frames) == 0 {
		if shape.Len() == 0 {
			return nil, fmt.Errorf("%s decoded no frames and its size is unknown", opts.Input)
		}
		if err := writeIdentityFrame(w, 0, shape); err != nil {
			return nil, err
		}
		frames = []int{0}
	}

	var cube bytes.Buffer
	if err := field.FormatCube(&cube, field.IdentityLUT(field.DefaultLUTSize)); err != nil {
		return nil, err
	}
	if err := w.WriteLUT(cube.Bytes()); err != nil {
		return nil, err
	}

	curves, err := json.MarshalIndent(map[string]map[string]float64{
		field.GlobalCurveKey: {"exposure": 1, "gamma": 1},
	}, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := w.WriteCurves(curves); err != nil {
		return nil, err
	}

	modules := opts.Modules
	if modules == nil {
		modules = []string{}
	}
	if err := w.WriteMeta(identityMeta{
		Version: sidecar.Version,
		Mapping: sidecar.MappingDisplacement,
		Modules: modules,
		Profile: opts.Profile,
		Input:   opts.Input,
		Width:   shape.Width,
		Height:  shape.Height,
		Frames:  len(frames),
	}); err != nil {
		return nil, err
	}

	if err := w.Commit(); err != nil {
		return nil, err
	}
	committed = true

	return &Result{
		Out:    w.Out(),
		Frames: frames,
		Meta: sidecar.Meta{
			Version:    sidecar.Version,
			Mapping:    sidecar.MappingDisplacement,
			Modules:    modules,
			FrameStart: frames[0],
			FrameEnd:   frames[len(frames)-1],
			FrameCount: len(frames),
			Height:     shape.Height,
			Width:      shape.Width,
			Profile:    opts.Profile,
			Input:      opts.Input,
			Frames:     len(frames),
		},
	}, nil
}

func writeIdentityFrame(w *sidecar.Writer, i int, s field.Shape) error {
	if err := w.WriteWarp(i, field.NewDisplacementField(s)); err != nil {
		return err
	}
	return w.WriteMask(i, field.FullMask(s))
}
