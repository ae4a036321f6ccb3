package fusion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/andresmejia3/fieldfixer/internal/field"
	"github.com/andresmejia3/fieldfixer/internal/sidecar"
)

// lutNames are the target-directory LUT files copied into a bundle, in
// order of preference.
var lutNames = []string{"scene.cube", "lut.cube"}

// Options configures a fusion bake.
type Options struct {
	// Sources are flow directories, one per estimator.
	Sources []string
	// Targets are searched for curves.json and a .cube LUT to copy through.
	Targets []string
	// Out is the bundle directory. It must be absent or empty.
	Out string
	// Workers bounds the number of frames fused at once.
	Workers int
	// Progress, when set, is called once per frame written.
	Progress func()
}

// Result describes a published bundle.
type Result struct {
	Out    string
	Meta   sidecar.Meta
	Frames []int
	// Warnings holds per-source metadata that was skipped.
	Warnings []error
}

// Bake fuses every discovered frame and publishes the bundle at opts.Out.
// All sources are validated before anything is written, and the bundle
// only appears at opts.Out once every frame has been fused.
func Bake(ctx context.Context, opts Options) (*Result, error) {
	sources, err := NewSources(opts.Sources)
	if err != nil {
		return nil, err
	}
	engine, err := NewEngine(sources)
	if err != nil {
		return nil, err
	}
	curves, lut, err := findCopyThrough(opts.Targets)
	if err != nil {
		return nil, err
	}

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

	res := &Result{Out: w.Out(), Frames: engine.Frames()}
	if len(res.Frames) == 0 {
		if err := w.Commit(); err != nil {
			return nil, err
		}
		committed = true
		return res, nil
	}

	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, i := range res.Frames {
		i := i // per-iteration copy (go 1.21 loop semantics)
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			f, err := engine.Fuse(i)
			if err != nil {
				return err
			}
			if err := w.WriteWarp(i, f.Field); err != nil {
				return err
			}
			if err := w.WriteMask(i, f.Confidence.Mask()); err != nil {
				return err
			}
			if opts.Progress != nil {
				opts.Progress()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if curves != nil {
		if err := w.WriteCurves(curves); err != nil {
			return nil, err
		}
	}
	if lut != nil {
		if err := w.WriteLUT(lut); err != nil {
			return nil, err
		}
	}

	first, _ := engine.Shape(res.Frames[0])
	res.Meta = sidecar.Meta{
		Version:    sidecar.Version,
		Mapping:    sidecar.MappingDisplacement,
		Modules:    moduleNames(sources),
		FrameStart: res.Frames[0],
		FrameEnd:   res.Frames[len(res.Frames)-1],
		FrameCount: len(res.Frames),
		Height:     first.Height,
		Width:      first.Width,
	}
	res.Meta.Sources, res.Warnings = sourceMetadata(sources)
	if err := w.WriteMeta(res.Meta); err != nil {
		return nil, err
	}

	if err := w.Commit(); err != nil {
		return nil, err
	}
	committed = true
	return res, nil
}

// moduleNames returns the sorted unique names of the sources whose flow
// directory exists.
func moduleNames(sources []Source) []string {
	seen := make(map[string]struct{})
	names := []string{}
	for _, s := range sources {
		if !s.Exists() {
			continue
		}
		if _, ok := seen[s.Module]; ok {
			continue
		}
		seen[s.Module] = struct{}{}
		names = append(names, s.Module)
	}
	sort.Strings(names)
	return names
}

// sourceMetadata collects each source's meta.json verbatim, keyed by module
// name. Unreadable or malformed documents are logged and skipped.
func sourceMetadata(sources []Source) (map[string]json.RawMessage, []error) {
	var warnings []error
	out := make(map[string]json.RawMessage)
	for _, s := range sources {
		path := s.MetaPath()
		data, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				warnings = append(warnings, fmt.Errorf("%w: %s: %v", field.ErrMalformedSourceMetadata, path, err))
			}
			continue
		}
		if !json.Valid(data) {
			warnings = append(warnings, fmt.Errorf("%w: %s: invalid JSON", field.ErrMalformedSourceMetadata, path))
			continue
		}
		out[s.Module] = json.RawMessage(data)
	}
	for _, w := range warnings {
		log.Printf("warning: skipping source metadata: %v", w)
	}
	if len(out) == 0 {
		return nil, warnings
	}
	return out, warnings
}

// findCopyThrough reads the first curves.json and the first LUT found in
// the target directories. Both are validated here so a bad file stops the
// bake before any output is staged.
func findCopyThrough(targets []string) (curves, lut []byte, err error) {
	for _, dir := range targets {
		path := filepath.Join(dir, sidecar.CurvesFile)
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		if _, err := field.ParseCurveSet(data); err != nil {
			return nil, nil, fmt.Errorf("%s: %w", path, err)
		}
		curves = data
		break
	}

search:
	for _, dir := range targets {
		for _, name := range lutNames {
			path := filepath.Join(dir, name)
			data, err := os.ReadFile(path)
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			if err != nil {
				return nil, nil, err
			}
			if _, err := field.ParseCubeBytes(data); err != nil {
				return nil, nil, fmt.Errorf("%s: %w", path, err)
			}
			lut = data
			break search
		}
	}
	return curves, lut, nil
}
