package field

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	// DefaultLUTSize is the edge length used for generated identity tables.
	DefaultLUTSize = 33
	// MaxLUTSize is the largest edge length the .cube format allows.
	MaxLUTSize = 256
)

// LUT3D is a cubic color lookup table. Table holds Size^3 RGB triples,
// row-major with R varying fastest, then G, then B.
type LUT3D struct {
	Size  int
	Table []float32
}

// Index returns the offset of the triple for lattice cell (r, g, b).
func (l *LUT3D) Index(r, g, b int) int {
	return ((b*l.Size+g)*l.Size + r) * 3
}

// Validate checks the size and the table length.
func (l *LUT3D) Validate() error {
	if l.Size < 2 {
		return fmt.Errorf("%w: LUT_3D_SIZE %d is too small", ErrMalformedLUT, l.Size)
	}
	if l.Size > MaxLUTSize {
		return fmt.Errorf("%w: LUT_3D_SIZE %d exceeds %d", ErrMalformedLUT, l.Size, MaxLUTSize)
	}
	if want := l.Size * l.Size * l.Size; len(l.Table) != 3*want {
		return fmt.Errorf("%w: LUT_3D_SIZE %d needs %d entries, got %d", ErrMalformedLUT, l.Size, want, len(l.Table)/3)
	}
	return nil
}

// IdentityLUT maps every lattice point to its own coordinates.
func IdentityLUT(size int) *LUT3D {
	l := &LUT3D{Size: size, Table: make([]float32, 3*size*size*size)}
	den := float32(size - 1)
	for b := 0; b < size; b++ {
		for g := 0; g < size; g++ {
			for r := 0; r < size; r++ {
				i := l.Index(r, g, b)
				l.Table[i] = float32(r) / den
				l.Table[i+1] = float32(g) / den
				l.Table[i+2] = float32(b) / den
			}
		}
	}
	return l
}

// ParseCube reads a .cube text table. Only the LUT_3D_SIZE header and the
// numeric rows are interpreted; TITLE, DOMAIN_* and comments are skipped.
func ParseCube(r io.Reader) (*LUT3D, error) {
	size := 0
	var table []float32

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		if strings.HasPrefix(strings.ToUpper(line), "LUT_3D_SIZE") {
			parts := strings.Fields(line)
			n, err := strconv.Atoi(parts[len(parts)-1])
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: bad size %q", ErrMalformedLUT, lineNo, line)
			}
			size = n
			continue
		}
		c := line[0]
		if !(c >= '0' && c <= '9') && c != '-' && c != '.' {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) != 3 {
			return nil, fmt.Errorf("%w: line %d: want 3 values, got %d", ErrMalformedLUT, lineNo, len(parts))
		}
		for _, p := range parts {
			v, err := strconv.ParseFloat(p, 32)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: %v", ErrMalformedLUT, lineNo, err)
			}
			table = append(table, float32(v))
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read cube: %w", err)
	}

	if size == 0 {
		return nil, fmt.Errorf("%w: missing LUT_3D_SIZE", ErrMalformedLUT)
	}
	l := &LUT3D{Size: size, Table: table}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return l, nil
}

// ParseCubeBytes is ParseCube over an in-memory document.
func ParseCubeBytes(data []byte) (*LUT3D, error) {
	return ParseCube(bytes.NewReader(data))
}

// FormatCube writes the table in .cube text form.
func FormatCube(w io.Writer, l *LUT3D) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "LUT_3D_SIZE %d\n", l.Size)
	for i := 0; i+2 < len(l.Table); i += 3 {
		fmt.Fprintf(bw, "%.6f %.6f %.6f\n", l.Table[i], l.Table[i+1], l.Table[i+2])
	}
	return bw.Flush()
}
