// Package pipeline applies a sidecar bundle to a stream of decoded frames.
package pipeline

import (
	"context"
	"image"

	"github.com/andresmejia3/fieldfixer/internal/color"
	"github.com/andresmejia3/fieldfixer/internal/composite"
	"github.com/andresmejia3/fieldfixer/internal/field"
	"github.com/andresmejia3/fieldfixer/internal/types"
	"github.com/andresmejia3/fieldfixer/internal/warp"
	"github.com/andresmejia3/fieldfixer/internal/worker"
)

// Bundle is the read side of a sidecar bundle.
type Bundle interface {
	LoadWarp(i int, s field.Shape) (*field.DisplacementField, error)
	LoadMask(i int, s field.Shape) (*image.Gray, error)
	LoadCurve(i int) field.ToneCurve
	LUT() *field.LUT3D
}

// Source yields decoded frames until io.EOF.
type Source interface {
	Next() (*image.RGBA, error)
}

// Sink consumes corrected frames in order.
type Sink interface {
	Write(*image.RGBA) error
}

// Corrector turns a decoded frame into a corrected one using the bundle
// entries for its index.
type Corrector struct {
	Bundle Bundle
}

// Correct runs warp, composite, tone curve and LUT for frame i. The input
// frame is not modified.
func (c *Corrector) Correct(i int, frame *image.RGBA) (*image.RGBA, error) {
	shape := field.FrameShape(frame)
	d, err := c.Bundle.LoadWarp(i, shape)
	if err != nil {
		return nil, err
	}
	mask, err := c.Bundle.LoadMask(i, shape)
	if err != nil {
		return nil, err
	}

	// A zero warp reproduces the frame, and compositing a frame over itself
	// is the identity for any mask.
	out := frame
	if !d.IsZero() {
		warped, err := warp.Warp(frame, d)
		if err != nil {
			return nil, err
		}
		if out, err = composite.Composite(warped, frame, mask); err != nil {
			return nil, err
		}
	}

	out = color.ApplyCurve(out, c.Bundle.LoadCurve(i))
	if lut := c.Bundle.LUT(); lut != nil {
		return color.ApplyLUT(out, lut)
	}
	return out, nil
}

// Options tunes Run.
type Options struct {
	// Workers is the number of frames corrected concurrently.
	Workers int
	// Progress, when set, is called after each frame reaches the sink.
	Progress func()
}

// Run corrects every frame from src and writes it to sink in decode order.
// It returns the number of frames written. Any error stops the run.
func Run(ctx context.Context, src Source, sink Sink, c *Corrector, opts Options) (int, error) {
	return worker.Ordered(ctx, opts.Workers, src.Next,
		func(ctx context.Context, task types.FrameTask) (*image.RGBA, error) {
			return c.Correct(task.Index, task.Frame)
		},
		func(res types.FrameResult) error {
			if err := sink.Write(res.Frame); err != nil {
				return err
			}
			if opts.Progress != nil {
				opts.Progress()
			}
			return nil
		})
}
