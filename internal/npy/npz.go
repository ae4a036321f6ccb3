package npy

import (
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
)

// Entry is one named array of an .npz archive.
type Entry struct {
	Name  string
	DType DType
	Shape []int
	Data  []float32
}

// WriteNPZ writes a deflate-compressed archive, the layout produced by
// numpy.savez_compressed. Entry names get the ".npy" suffix.
func WriteNPZ(w io.Writer, entries ...Entry) error {
	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.DefaultCompression)
	})
	for _, e := range entries {
		fw, err := zw.CreateHeader(&zip.FileHeader{
			Name:   e.Name + ".npy",
			Method: zip.Deflate,
		})
		if err != nil {
			return fmt.Errorf("npz entry %s: %w", e.Name, err)
		}
		if err := Write(fw, e.DType, e.Shape, e.Data); err != nil {
			return fmt.Errorf("npz entry %s: %w", e.Name, err)
		}
	}
	return zw.Close()
}

// ReadNPZ decodes every array in the archive at path, keyed by name without
// the ".npy" suffix.
func ReadNPZ(path string) (map[string]*Array, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	out := make(map[string]*Array, len(zr.File))
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("%s: open %s: %w", path, f.Name, err)
		}
		a, err := Read(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %s: %w", path, f.Name, err)
		}
		out[strings.TrimSuffix(f.Name, ".npy")] = a
	}
	return out, nil
}
