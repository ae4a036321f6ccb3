// Package video moves frames between ffmpeg or image directories and the
// correction pipeline.
package video

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/andresmejia3/fieldfixer/internal/field"
	"github.com/andresmejia3/fieldfixer/internal/utils"
)

// DefaultFPS is used when encoding frames whose source has no frame rate,
// such as an image directory.
const DefaultFPS = 30.0

// Info describes a frame stream. Frames is 0 when the count is unknown.
type Info struct {
	Width  int
	Height int
	FPS    float64
	Frames int
}

// Shape returns the frame shape.
func (i Info) Shape() field.Shape {
	return field.Shape{Height: i.Height, Width: i.Width}
}

// Reader yields decoded frames until io.EOF.
type Reader interface {
	Next() (*image.RGBA, error)
	Info() Info
	// Command returns the backing ffmpeg process, or nil.
	Command() *utils.SafeCommand
	Close() error
}

// Writer consumes frames in order. Close flushes the output.
type Writer interface {
	Write(*image.RGBA) error
	Command() *utils.SafeCommand
	Close() error
}

var videoExts = map[string]bool{
	".mp4": true, ".mov": true, ".mkv": true, ".avi": true, ".webm": true, ".m4v": true,
}

// IsVideoPath reports whether path names a video container rather than a
// frame directory.
func IsVideoPath(path string) bool {
	return videoExts[strings.ToLower(filepath.Ext(path))]
}

// Open returns a frame directory reader when path is a directory and an
// ffmpeg decoder otherwise.
func Open(ctx context.Context, path string) (Reader, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return NewDirSource(path)
	}
	return NewDecoder(ctx, path)
}

// Create returns an ffmpeg encoder when path has a video extension and a
// PNG frame directory writer otherwise.
func Create(ctx context.Context, path string, info Info, p utils.EncoderParams) (Writer, error) {
	if IsVideoPath(path) {
		return NewEncoder(ctx, path, info, p)
	}
	return NewDirSink(path)
}

// Decoder reads raw RGBA frames from an ffmpeg process.
type Decoder struct {
	cmd  *utils.SafeCommand
	out  io.ReadCloser
	info Info
}

// NewDecoder probes path and starts ffmpeg. Callers must Close it.
func NewDecoder(ctx context.Context, path string) (*Decoder, error) {
	fps, err := utils.GetVideoFPS(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to determine video FPS: %w", err)
	}
	width, height, err := utils.GetVideoDimensions(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to determine video dimensions: %w", err)
	}
	info := Info{Width: width, Height: height, FPS: fps, Frames: utils.GetTotalFrames(ctx, path)}

	cmd := utils.NewFFmpegRawDecoder(ctx, path)
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start decoder: %w", err)
	}
	return &Decoder{cmd: cmd, out: out, info: info}, nil
}

func (d *Decoder) Info() Info { return d.info }

func (d *Decoder) Command() *utils.SafeCommand { return d.cmd }

// Next reads one frame. A stream that ends mid-frame is an error.
func (d *Decoder) Next() (*image.RGBA, error) {
	img := field.NewFrame(d.info.Shape())
	if _, err := io.ReadFull(d.out, img.Pix); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("truncated frame from decoder: %w", err)
		}
		return nil, err
	}
	return img, nil
}

// Close waits for ffmpeg to exit.
func (d *Decoder) Close() error {
	return d.cmd.Wait()
}

// Encoder writes raw RGBA frames into an ffmpeg process.
type Encoder struct {
	cmd   *utils.SafeCommand
	in    io.WriteCloser
	shape field.Shape
}

// NewEncoder starts ffmpeg writing to path. Callers must Close it to flush
// the container.
func NewEncoder(ctx context.Context, path string, info Info, p utils.EncoderParams) (*Encoder, error) {
	fps := info.FPS
	if fps <= 0 {
		fps = DefaultFPS
	}
	cmd := utils.NewFFmpegEncoder(ctx, path, fps, info.Width, info.Height, p)
	in, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start encoder: %w", err)
	}
	return &Encoder{cmd: cmd, in: in, shape: info.Shape()}, nil
}

func (e *Encoder) Command() *utils.SafeCommand { return e.cmd }

// Write sends one frame. Its shape must match the shape given to NewEncoder.
func (e *Encoder) Write(img *image.RGBA) error {
	if err := field.CheckShape("encoder frame", field.FrameShape(img), e.shape); err != nil {
		return err
	}
	rowLen := e.shape.Width * 4
	if img.Stride == rowLen {
		_, err := e.in.Write(img.Pix[:rowLen*e.shape.Height])
		return err
	}
	for y := 0; y < e.shape.Height; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+rowLen]
		if _, err := e.in.Write(row); err != nil {
			return err
		}
	}
	return nil
}

// Close ends the input stream and waits for ffmpeg to finish the file.
func (e *Encoder) Close() error {
	if err := e.in.Close(); err != nil {
		return err
	}
	return e.cmd.Wait()
}
