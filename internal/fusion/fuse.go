package fusion

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/andresmejia3/fieldfixer/internal/field"
	"github.com/andresmejia3/fieldfixer/internal/npy"
)

// confEpsilon is the accumulated confidence below which a pixel gets no
// displacement.
const confEpsilon = 1e-6

// input is one source's contribution to a frame. An empty conf path means
// full confidence.
type input struct {
	source Source
	flow   string
	conf   string
}

// framePlan lists the contributions to one frame and the shape they share.
type framePlan struct {
	index  int
	shape  field.Shape
	inputs []input
}

// Fused is the combined correction for one frame.
type Fused struct {
	Index      int
	Field      *field.DisplacementField
	Confidence *field.ConfidenceMap
	Modules    []string
}

// Engine fuses frames from a fixed set of sources. NewEngine validates
// every array header up front, so a shape problem anywhere is reported
// before any frame is fused.
type Engine struct {
	sources []Source
	plans   map[int]*framePlan
	frames  []int
}

// NewEngine discovers frame indices and plans every frame.
func NewEngine(sources []Source) (*Engine, error) {
	indices, err := DiscoverFrameIndices(sources)
	if err != nil {
		return nil, err
	}

	plans := make(map[int]*framePlan)
	for _, s := range sources {
		for _, i := range indices {
			flow := s.FlowPath(i)
			if !fileExists(flow) {
				continue
			}
			shape, err := flowHeaderShape(flow)
			if err != nil {
				return nil, err
			}
			in := input{source: s, flow: flow}
			if conf, ok := s.ConfidencePath(i); ok {
				if err := checkConfidenceHeader(conf, shape); err != nil {
					return nil, err
				}
				in.conf = conf
			}

			p, ok := plans[i]
			if !ok {
				p = &framePlan{index: i, shape: shape}
				plans[i] = p
			} else if err := field.CheckShape(fmt.Sprintf("frame %06d source %s", i, s.Module), shape, p.shape); err != nil {
				return nil, err
			}
			p.inputs = append(p.inputs, in)
		}
	}

	frames := make([]int, 0, len(plans))
	for i := range plans {
		frames = append(frames, i)
	}
	sort.Ints(frames)
	return &Engine{sources: sources, plans: plans, frames: frames}, nil
}

// Frames returns the sorted indices that have at least one contribution.
func (e *Engine) Frames() []int { return e.frames }

// Shape returns the planned shape of frame i.
func (e *Engine) Shape(i int) (field.Shape, bool) {
	p, ok := e.plans[i]
	if !ok {
		return field.Shape{}, false
	}
	return p.shape, true
}

// Fuse combines every contribution to frame i with a confidence-weighted
// mean. The fused confidence is the mean confidence over the contributing
// sources, clamped to [0, 1].
func (e *Engine) Fuse(i int) (*Fused, error) {
	p, ok := e.plans[i]
	if !ok {
		return nil, fmt.Errorf("frame %06d has no contributing source", i)
	}

	n := p.shape.Len()
	accDU := make([]float64, n)
	accDV := make([]float64, n)
	accConf := make([]float64, n)
	du := make([]float64, n)
	dv := make([]float64, n)
	conf := make([]float64, n)
	tmp := make([]float64, n)

	modules := make([]string, 0, len(p.inputs))
	for _, in := range p.inputs {
		if err := in.load(p.shape, du, dv, conf); err != nil {
			return nil, err
		}
		floats.Add(accDU, floats.MulTo(tmp, du, conf))
		floats.Add(accDV, floats.MulTo(tmp, dv, conf))
		floats.Add(accConf, conf)
		modules = append(modules, in.source.Module)
	}

	out := &Fused{
		Index:      i,
		Field:      field.NewDisplacementField(p.shape),
		Confidence: &field.ConfidenceMap{Shape: p.shape, Values: make([]float32, n)},
		Modules:    modules,
	}
	for k := 0; k < n; k++ {
		if accConf[k] > confEpsilon {
			out.Field.DU[k] = float32(accDU[k] / accConf[k])
			out.Field.DV[k] = float32(accDV[k] / accConf[k])
		}
	}
	floats.Scale(1/float64(len(p.inputs)), accConf)
	for k, c := range accConf {
		switch {
		case c < 0:
			c = 0
		case c > 1:
			c = 1
		}
		out.Confidence.Values[k] = float32(c)
	}
	return out, nil
}

// load reads one contribution into the per-axis scratch slices.
func (in input) load(shape field.Shape, du, dv, conf []float64) error {
	a, err := npy.ReadFile(in.flow)
	if err != nil {
		return err
	}
	if err := checkFlowShape(in.flow, a.Shape, shape); err != nil {
		return err
	}
	for k := range du {
		du[k] = float64(a.Data[2*k])
		dv[k] = float64(a.Data[2*k+1])
	}

	if in.conf == "" {
		for k := range conf {
			conf[k] = 1
		}
		return nil
	}
	c, err := npy.ReadFile(in.conf)
	if err != nil {
		return err
	}
	if err := checkConfidenceShape(in.conf, c.Shape, shape); err != nil {
		return err
	}
	for k := range conf {
		conf[k] = float64(c.Data[k])
	}
	return nil
}

func flowHeaderShape(path string) (field.Shape, error) {
	h, err := npy.ReadFileHeader(path)
	if err != nil {
		return field.Shape{}, err
	}
	if len(h.Shape) != 3 || h.Shape[2] != 2 {
		return field.Shape{}, fmt.Errorf("%s: %w: flow must be (H, W, 2), got %v", path, field.ErrShapeMismatch, h.Shape)
	}
	if err := checkHeaderLayout(path, h); err != nil {
		return field.Shape{}, err
	}
	return field.Shape{Height: h.Shape[0], Width: h.Shape[1]}, nil
}

func checkConfidenceHeader(path string, want field.Shape) error {
	h, err := npy.ReadFileHeader(path)
	if err != nil {
		return err
	}
	if err := checkConfidenceShape(path, h.Shape, want); err != nil {
		return err
	}
	return checkHeaderLayout(path, h)
}

func checkHeaderLayout(path string, h npy.Header) error {
	if h.FortranOrder {
		return fmt.Errorf("%s: %w: fortran order", path, npy.ErrUnsupported)
	}
	switch h.Descr {
	case npy.Float16, npy.Float32, npy.Float64:
		return nil
	}
	return fmt.Errorf("%s: %w: dtype %q", path, npy.ErrUnsupported, string(h.Descr))
}

func checkFlowShape(path string, dims []int, want field.Shape) error {
	if len(dims) != 3 || dims[2] != 2 {
		return fmt.Errorf("%s: %w: flow must be (H, W, 2), got %v", path, field.ErrShapeMismatch, dims)
	}
	return field.CheckShape(path, field.Shape{Height: dims[0], Width: dims[1]}, want)
}

func checkConfidenceShape(path string, dims []int, want field.Shape) error {
	switch {
	case len(dims) == 2:
	case len(dims) == 3 && dims[2] == 1:
	default:
		return fmt.Errorf("%s: %w: confidence must be (H, W) or (H, W, 1), got %v", path, field.ErrShapeMismatch, dims)
	}
	return field.CheckShape(path, field.Shape{Height: dims[0], Width: dims[1]}, want)
}
