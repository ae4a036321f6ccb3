package video

import (
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "golang.org/x/image/bmp"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/andresmejia3/fieldfixer/internal/field"
	"github.com/andresmejia3/fieldfixer/internal/utils"
)

var frameExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".tif": true, ".tiff": true, ".webp": true, ".bmp": true,
}

// DirSource reads image files from a directory in lexical order. Every
// image must have the size of the first one.
type DirSource struct {
	paths []string
	next  int
	info  Info
}

// NewDirSource lists the frames in dir and reads the size of the first.
func NewDirSource(dir string) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !frameExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)

	s := &DirSource{paths: paths, info: Info{Frames: len(paths)}}
	if len(paths) > 0 {
		cfg, err := decodeConfig(paths[0])
		if err != nil {
			return nil, err
		}
		s.info.Width, s.info.Height = cfg.Width, cfg.Height
	}
	return s, nil
}

func decodeConfig(path string) (image.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return image.Config{}, err
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return image.Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (s *DirSource) Info() Info { return s.info }

func (s *DirSource) Command() *utils.SafeCommand { return nil }

// Next decodes the next file into an opaque RGBA frame.
func (s *DirSource) Next() (*image.RGBA, error) {
	if s.next >= len(s.paths) {
		return nil, io.EOF
	}
	path := s.paths[s.next]
	s.next++

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	b := img.Bounds()
	got := field.Shape{Height: b.Dy(), Width: b.Dx()}
	if err := field.CheckShape(path, got, s.info.Shape()); err != nil {
		return nil, err
	}
	return toRGBA(img), nil
}

func (s *DirSource) Close() error { return nil }

// toRGBA converts img to a zero-origin RGBA frame with alpha forced to 255.
func toRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	xdraw.Draw(dst, dst.Bounds(), img, b.Min, xdraw.Src)
	for i := 3; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = 255
	}
	return dst
}

// DirSink writes frames as numbered PNG files, starting at 000000.png.
type DirSink struct {
	dir  string
	next int
	enc  png.Encoder
}

// NewDirSink creates dir if needed.
func NewDirSink(dir string) (*DirSink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &DirSink{dir: dir, enc: png.Encoder{CompressionLevel: png.BestSpeed}}, nil
}

func (s *DirSink) Command() *utils.SafeCommand { return nil }

func (s *DirSink) Write(img *image.RGBA) error {
	path := filepath.Join(s.dir, fmt.Sprintf("%06d.png", s.next))
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := s.enc.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("%s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	s.next++
	return nil
}

func (s *DirSink) Close() error { return nil }
