// Package npy reads and writes NumPy .npy arrays and .npz archives, the
// exchange format shared with the field estimators.
//
// Only what the sidecar format needs is supported: little-endian floating
// point arrays (f2, f4, f8) in C order.
package npy

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/x448/float16"
)

// ErrUnsupported is returned for dtypes or layouts this package cannot
// decode.
var ErrUnsupported = errors.New("unsupported npy array")

var magic = []byte("\x93NUMPY")

// DType is a NumPy type descriptor such as "<f4".
type DType string

const (
	Float16 DType = "<f2"
	Float32 DType = "<f4"
	Float64 DType = "<f8"
)

func (d DType) size() (int, error) {
	switch d {
	case Float16:
		return 2, nil
	case Float32:
		return 4, nil
	case Float64:
		return 8, nil
	}
	return 0, fmt.Errorf("%w: dtype %q", ErrUnsupported, string(d))
}

// Header is the parsed .npy preamble.
type Header struct {
	Descr        DType
	FortranOrder bool
	Shape        []int
}

// Len is the number of elements described by the shape.
func (h Header) Len() int {
	n := 1
	for _, d := range h.Shape {
		n *= d
	}
	return n
}

// Array is a decoded array, upcast to float32.
type Array struct {
	Shape []int
	Data  []float32
}

var (
	descrRe   = regexp.MustCompile(`'descr'\s*:\s*'([^']*)'`)
	fortranRe = regexp.MustCompile(`'fortran_order'\s*:\s*(True|False)`)
	shapeRe   = regexp.MustCompile(`'shape'\s*:\s*\(([^)]*)\)`)
)

// ReadHeader consumes the magic string and header dictionary from r.
func ReadHeader(r io.Reader) (Header, error) {
	var h Header
	pre := make([]byte, 8)
	if _, err := io.ReadFull(r, pre); err != nil {
		return h, fmt.Errorf("read npy preamble: %w", err)
	}
	if !bytes.Equal(pre[:6], magic) {
		return h, fmt.Errorf("%w: bad magic", ErrUnsupported)
	}

	var hlen int
	switch major := pre[6]; major {
	case 1:
		var n uint16
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return h, fmt.Errorf("read npy header length: %w", err)
		}
		hlen = int(n)
	case 2, 3:
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return h, fmt.Errorf("read npy header length: %w", err)
		}
		hlen = int(n)
	default:
		return h, fmt.Errorf("%w: format version %d", ErrUnsupported, major)
	}

	raw := make([]byte, hlen)
	if _, err := io.ReadFull(r, raw); err != nil {
		return h, fmt.Errorf("read npy header: %w", err)
	}
	dict := string(raw)

	m := descrRe.FindStringSubmatch(dict)
	if m == nil {
		return h, fmt.Errorf("%w: header has no descr: %q", ErrUnsupported, dict)
	}
	h.Descr = DType(m[1])

	if m := fortranRe.FindStringSubmatch(dict); m != nil {
		h.FortranOrder = m[1] == "True"
	}

	m = shapeRe.FindStringSubmatch(dict)
	if m == nil {
		return h, fmt.Errorf("%w: header has no shape: %q", ErrUnsupported, dict)
	}
	for _, p := range strings.Split(m[1], ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		d, err := strconv.Atoi(p)
		if err != nil || d < 0 {
			return h, fmt.Errorf("%w: bad shape %q", ErrUnsupported, m[1])
		}
		h.Shape = append(h.Shape, d)
	}
	return h, nil
}

// Read decodes a full array from r.
func Read(r io.Reader) (*Array, error) {
	br := bufio.NewReader(r)
	h, err := ReadHeader(br)
	if err != nil {
		return nil, err
	}
	if h.FortranOrder {
		return nil, fmt.Errorf("%w: fortran order", ErrUnsupported)
	}
	width, err := h.Descr.size()
	if err != nil {
		return nil, err
	}

	n := h.Len()
	buf := make([]byte, n*width)
	if _, err := io.ReadFull(br, buf); err != nil {
		return nil, fmt.Errorf("read npy data (%d values of %s): %w", n, h.Descr, err)
	}

	out := make([]float32, n)
	switch h.Descr {
	case Float16:
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(buf[2*i:])).Float32()
		}
	case Float32:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
		}
	case Float64:
		for i := range out {
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(buf[8*i:])))
		}
	}
	return &Array{Shape: h.Shape, Data: out}, nil
}

// ReadFile decodes the array stored at path.
func ReadFile(path string) (*Array, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	a, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return a, nil
}

// ReadFileHeader reads only the header of the array at path.
func ReadFileHeader(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, err
	}
	defer f.Close()
	h, err := ReadHeader(bufio.NewReader(f))
	if err != nil {
		return h, fmt.Errorf("%s: %w", path, err)
	}
	return h, nil
}

// Write encodes data with the given shape as a version 1.0 .npy stream.
func Write(w io.Writer, dtype DType, shape []int, data []float32) error {
	width, err := dtype.size()
	if err != nil {
		return err
	}
	n := 1
	for _, d := range shape {
		n *= d
	}
	if n != len(data) {
		return fmt.Errorf("npy write: shape %v holds %d values, got %d", shape, n, len(data))
	}

	if _, err := w.Write(encodeHeader(dtype, shape)); err != nil {
		return err
	}

	buf := make([]byte, n*width)
	switch dtype {
	case Float16:
		for i, v := range data {
			binary.LittleEndian.PutUint16(buf[2*i:], float16.Fromfloat32(v).Bits())
		}
	case Float32:
		for i, v := range data {
			binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
		}
	case Float64:
		for i, v := range data {
			binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(float64(v)))
		}
	}
	_, err = w.Write(buf)
	return err
}

// WriteFile writes a single array to path.
func WriteFile(path string, dtype DType, shape []int, data []float32) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Write(f, dtype, shape, data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// encodeHeader renders the preamble the way numpy does: the header dict is
// space padded and newline terminated so the data starts on a 64-byte
// boundary.
func encodeHeader(dtype DType, shape []int) []byte {
	dims := make([]string, len(shape))
	for i, d := range shape {
		dims[i] = strconv.Itoa(d)
	}
	shapeStr := strings.Join(dims, ", ")
	if len(shape) == 1 {
		shapeStr += ","
	}
	dict := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': (%s), }", dtype, shapeStr)

	const prefix = 10 // magic + version + uint16 length
	total := prefix + len(dict) + 1
	if rem := total % 64; rem != 0 {
		dict += strings.Repeat(" ", 64-rem)
	}
	dict += "\n"

	var b bytes.Buffer
	b.Write(magic)
	b.WriteByte(1)
	b.WriteByte(0)
	binary.Write(&b, binary.LittleEndian, uint16(len(dict)))
	b.WriteString(dict)
	return b.Bytes()
}
