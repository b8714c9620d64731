// Package frame derives transmit-ready data products from history records.
//
// A Processor turns one Record into a Frame at a requested resolution
// level. Macro reads the magnitudes precomputed at capture time; meso and
// micro read the selected component's raw array and apply the session's
// normalization transform. The source record is never modified.
package frame

import (
	"math"

	"github.com/r3d91ll/shuttle/pkg/errors"
	"github.com/r3d91ll/shuttle/pkg/record"
)

// Level is the coarseness tier of a processed frame.
type Level string

const (
	// LevelMacro reduces every component to its precomputed magnitude.
	LevelMacro Level = "macro"

	// LevelMeso sends the selected component's lateral profile: the L2
	// norm over the feature axis per sequence position, normalized.
	LevelMeso Level = "meso"

	// LevelMicro sends the selected component's full array, normalized.
	LevelMicro Level = "micro"
)

// Valid reports whether the level is one of the three tiers.
func (l Level) Valid() bool {
	switch l {
	case LevelMacro, LevelMeso, LevelMicro:
		return true
	}
	return false
}

// Transform names a normalization transform. The two transforms are not
// numerically comparable and must never be silently mixed within a session.
type Transform string

const (
	// TransformPercentile clamps to the array's [p_low, p_high] percentile
	// range and rescales to [0, 1].
	TransformPercentile Transform = "percentile"

	// TransformZScore subtracts the mean and divides by the standard
	// deviation, leaving values unbounded.
	TransformZScore Transform = "zscore"
)

// Valid reports whether the transform is one of the two documented ones.
func (tr Transform) Valid() bool {
	return tr == TransformPercentile || tr == TransformZScore
}

// Normalization describes which transform a frame's arrays went through
// and its parameters, so the consumer can interpret the value range.
type Normalization struct {
	Transform Transform `json:"transform"`

	// PLow and PHigh are the clip percentiles. Only meaningful for the
	// percentile transform.
	PLow  float64 `json:"p_low,omitempty"`
	PHigh float64 `json:"p_high,omitempty"`
}

// Array is one named numeric array inside a processed frame.
type Array struct {
	Name  string
	Data  []float32
	Shape []int
}

// Frame is the transient output of the processor. It exists only for the
// duration of one send.
type Frame struct {
	Step   int64
	Level  Level
	Norm   Normalization
	Arrays []Array

	// Components lists the source record's component IDs in capture
	// order. For macro frames this names the entries of the magnitude
	// array.
	Components []string

	Token  string
	SeqLen int
}

// PayloadElements returns the total float32 count across all arrays.
func (f *Frame) PayloadElements() int {
	n := 0
	for _, a := range f.Arrays {
		n += len(a.Data)
	}
	return n
}

// Processor derives frames at a fixed normalization transform. One
// processor serves one session, which is what keeps the two transforms
// from being mixed within it.
type Processor struct {
	transform Transform
	pLow      float64
	pHigh     float64
}

// NewProcessor creates a processor with the given transform and percentile
// clip bounds.
func NewProcessor(transform Transform, pLow, pHigh float64) (*Processor, error) {
	if !transform.Valid() {
		return nil, errors.ProcessErrorf(errors.ErrConfigInvalid, "unknown transform %q", transform)
	}
	if pLow < 0 || pHigh > 100 || pLow >= pHigh {
		return nil, errors.ProcessErrorf(errors.ErrConfigInvalid, "invalid percentile bounds [%g, %g]", pLow, pHigh)
	}
	return &Processor{transform: transform, pLow: pLow, pHigh: pHigh}, nil
}

// Transform returns the processor's normalization transform.
func (p *Processor) Transform() Transform { return p.transform }

// Process derives a frame from rec at the given level. selector names the
// component for meso/micro and is ignored for macro. The record is read
// only; residency is the caller's concern (resolve the step through the
// history store first).
func (p *Processor) Process(rec *record.Record, level Level, selector string) (*Frame, error) {
	switch level {
	case LevelMacro:
		return p.macro(rec), nil
	case LevelMeso, LevelMicro:
		if selector == "" {
			return nil, errors.ProcessError(errors.ErrSelectorRequired,
				"meso/micro resolution requires a component selector")
		}
		comp, ok := rec.Component(selector)
		if !ok {
			return nil, errors.ProcessErrorf(errors.ErrComponentNotFound,
				"component %q absent from step %d", selector, rec.Step())
		}
		if level == LevelMeso {
			return p.meso(rec, comp), nil
		}
		return p.micro(rec, comp), nil
	default:
		return nil, errors.ProcessErrorf(errors.ErrConfigInvalid, "unknown resolution level %q", level)
	}
}

// macro packs the magnitudes precomputed at capture time. No raw arrays
// are touched and no normalization is applied.
func (p *Processor) macro(rec *record.Record) *Frame {
	src := rec.Macro()
	data := make([]float32, len(src))
	copy(data, src)

	return &Frame{
		Step:  rec.Step(),
		Level: LevelMacro,
		Norm:  Normalization{Transform: p.transform},
		Arrays: []Array{{
			Name:  "magnitudes",
			Data:  data,
			Shape: []int{len(data)},
		}},
		Components: rec.ComponentIDs(),
		Token:      rec.Meta().Token,
		SeqLen:     rec.Meta().SeqLen,
	}
}

// meso reduces the component to its per-position profile: the L2 norm over
// the innermost axis, then normalized. 1-D components profile to
// per-element absolute values, which the same reduction yields naturally.
func (p *Processor) meso(rec *record.Record, comp *record.Component) *Frame {
	inner := comp.Shape[len(comp.Shape)-1]
	if len(comp.Shape) < 2 {
		inner = 1
	}
	rows := len(comp.Data) / inner

	profile := make([]float32, rows)
	for r := 0; r < rows; r++ {
		sum := 0.0
		for _, v := range comp.Data[r*inner : (r+1)*inner] {
			sum += float64(v) * float64(v)
		}
		profile[r] = float32(math.Sqrt(sum))
	}

	return &Frame{
		Step:  rec.Step(),
		Level: LevelMeso,
		Norm:  p.descriptor(),
		Arrays: []Array{{
			Name:  comp.ID,
			Data:  p.normalize(profile),
			Shape: []int{rows},
		}},
		Components: []string{comp.ID},
		Token:      rec.Meta().Token,
		SeqLen:     rec.Meta().SeqLen,
	}
}

// micro normalizes the component's full array, preserving its shape.
func (p *Processor) micro(rec *record.Record, comp *record.Component) *Frame {
	shape := make([]int, len(comp.Shape))
	copy(shape, comp.Shape)

	return &Frame{
		Step:  rec.Step(),
		Level: LevelMicro,
		Norm:  p.descriptor(),
		Arrays: []Array{{
			Name:  comp.ID,
			Data:  p.normalize(comp.Data),
			Shape: shape,
		}},
		Components: []string{comp.ID},
		Token:      rec.Meta().Token,
		SeqLen:     rec.Meta().SeqLen,
	}
}

func (p *Processor) descriptor() Normalization {
	n := Normalization{Transform: p.transform}
	if p.transform == TransformPercentile {
		n.PLow = p.pLow
		n.PHigh = p.pHigh
	}
	return n
}

func (p *Processor) normalize(x []float32) []float32 {
	if p.transform == TransformZScore {
		return zscoreNormalize(x)
	}
	return percentileNormalize(x, p.pLow, p.pHigh)
}
