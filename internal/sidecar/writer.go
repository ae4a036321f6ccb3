package sidecar

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/andresmejia3/fieldfixer/internal/field"
	"github.com/andresmejia3/fieldfixer/internal/npy"
	"github.com/google/uuid"
)

// ErrBundleExists is returned when the output directory already holds files.
var ErrBundleExists = errors.New("bundle output directory is not empty")

// stagingMarker separates the output name from the run id of a staging
// directory.
const stagingMarker = ".partial-"

// Writer stages a bundle next to its destination and publishes it with a
// single rename. Until Commit, nothing is visible at the output path.
type Writer struct {
	out     string
	staging string
	done    bool
}

// NewWriter prepares a staging directory for out. It refuses an out that
// already exists and is not empty.
func NewWriter(out string) (*Writer, error) {
	out = filepath.Clean(out)
	entries, err := os.ReadDir(out)
	switch {
	case err == nil && len(entries) > 0:
		return nil, fmt.Errorf("%w: %s", ErrBundleExists, out)
	case err != nil && !errors.Is(err, fs.ErrNotExist):
		return nil, err
	}

	staging := out + stagingMarker + uuid.NewString()
	for _, d := range []string{WarpDir, MaskDir, LUTDir} {
		if err := os.MkdirAll(filepath.Join(staging, d), 0755); err != nil {
			os.RemoveAll(staging)
			return nil, fmt.Errorf("create staging directory: %w", err)
		}
	}
	return &Writer{out: out, staging: staging}, nil
}

// Out is the path the bundle is published to.
func (w *Writer) Out() string { return w.out }

// Staging is the directory currently being written.
func (w *Writer) Staging() string { return w.staging }

// WriteWarp stores the field for frame i as half-precision du and dv.
func (w *Writer) WriteWarp(i int, d *field.DisplacementField) error {
	if err := d.Validate(); err != nil {
		return err
	}
	shape := []int{d.Height, d.Width}
	var buf bytes.Buffer
	if err := npy.WriteNPZ(&buf,
		npy.Entry{Name: "du", DType: npy.Float16, Shape: shape, Data: d.DU},
		npy.Entry{Name: "dv", DType: npy.Float16, Shape: shape, Data: d.DV},
	); err != nil {
		return fmt.Errorf("encode warp %06d: %w", i, err)
	}
	return os.WriteFile(WarpPath(w.staging, i), buf.Bytes(), 0644)
}

// WriteMask stores the mask for frame i as an 8-bit grayscale PNG.
func (w *Writer) WriteMask(i int, m *image.Gray) error {
	var buf bytes.Buffer
	if err := png.Encode(&buf, m); err != nil {
		return fmt.Errorf("encode mask %06d: %w", i, err)
	}
	return os.WriteFile(MaskPath(w.staging, i), buf.Bytes(), 0644)
}

// WriteCurves copies a curves.json document verbatim after checking that
// it parses.
func (w *Writer) WriteCurves(data []byte) error {
	if _, err := field.ParseCurveSet(data); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(w.staging, CurvesFile), data, 0644)
}

// WriteLUT copies a .cube document verbatim after checking that it parses.
func (w *Writer) WriteLUT(data []byte) error {
	if _, err := field.ParseCubeBytes(data); err != nil {
		return err
	}
	return os.WriteFile(LUTPath(w.staging), data, 0644)
}

// WriteMeta writes v as meta.json, indented by two spaces.
func (w *Writer) WriteMeta(v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode bundle metadata: %w", err)
	}
	return os.WriteFile(filepath.Join(w.staging, MetaFile), buf.Bytes(), 0644)
}

// Commit publishes the staged bundle at the output path.
func (w *Writer) Commit() error {
	if w.done {
		return errors.New("bundle writer already closed")
	}
	// An empty out directory is allowed; rename cannot replace it.
	if err := os.Remove(w.out); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrBundleExists, w.out)
	}
	if err := os.Rename(w.staging, w.out); err != nil {
		return fmt.Errorf("publish bundle: %w", err)
	}
	w.done = true
	return nil
}

// Abort discards the staging directory. It is a no-op after Commit.
func (w *Writer) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	return os.RemoveAll(w.staging)
}

// StaleStaging lists staging directories left in dir by interrupted bakes.
func StaleStaging(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		i := strings.LastIndex(name, stagingMarker)
		if i <= 0 {
			continue
		}
		if _, err := uuid.Parse(name[i+len(stagingMarker):]); err != nil {
			continue
		}
		out = append(out, filepath.Join(dir, name))
	}
	return out, nil
}
