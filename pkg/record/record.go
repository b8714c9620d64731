// Package record defines the immutable per-step state snapshot that flows
// from the producer into the history store.
//
// A Record is assembled by a Builder during one producer step and sealed by
// Build. After that it is never mutated: the history store owns it while
// resident and drops it on eviction.
package record

import (
	"fmt"
	"math"
	"time"
)

// Component is one named numeric array inside a Record.
type Component struct {
	// ID identifies the component (e.g. "resid_pre", "mlp_out").
	ID string

	// Data is the flat float32 array, row-major over Shape.
	Data []float32

	// Shape gives the array dimensions, outermost first
	// (e.g. [seq_len, d_model]).
	Shape []int
}

// Elements returns the number of elements implied by the shape.
func (c *Component) Elements() int {
	n := 1
	for _, d := range c.Shape {
		n *= d
	}
	return n
}

// SizeBytes returns the payload size of the component data.
func (c *Component) SizeBytes() int {
	return len(c.Data) * 4
}

// Metadata carries step-level capture context.
type Metadata struct {
	// Token is the token emitted at this step, if any.
	Token string

	// SeqLen is the sequence length at capture time.
	SeqLen int

	// CapturedAt is when the producer sealed the record.
	CapturedAt time.Time
}

// Record is an immutable snapshot of one discrete producer step.
type Record struct {
	step       int64
	components []Component
	index      map[string]int
	meta       Metadata

	// macro holds the precomputed per-component magnitude, in component
	// order. Computed once at Build time because it is cheap and the
	// macro tier must not touch raw arrays per request.
	macro []float32

	sizeBytes int
}

// Step returns the record's step index.
func (r *Record) Step() int64 { return r.step }

// Meta returns the step-level metadata.
func (r *Record) Meta() Metadata { return r.meta }

// Components returns the ordered component list. Callers must not modify
// the returned slice or the arrays it references.
func (r *Record) Components() []Component { return r.components }

// Component looks up a component by ID.
func (r *Record) Component(id string) (*Component, bool) {
	i, ok := r.index[id]
	if !ok {
		return nil, false
	}
	return &r.components[i], true
}

// ComponentIDs returns the component identifiers in capture order.
func (r *Record) ComponentIDs() []string {
	ids := make([]string, len(r.components))
	for i, c := range r.components {
		ids[i] = c.ID
	}
	return ids
}

// Macro returns the precomputed per-component magnitudes, in component
// order. For 2-D components this is the mean over sequence positions of
// the L2 norm over the feature axis; for 1-D components it is the plain
// L2 norm.
func (r *Record) Macro() []float32 { return r.macro }

// SizeBytes returns the total payload size of all component arrays. Used
// by the history store's byte-budget eviction.
func (r *Record) SizeBytes() int { return r.sizeBytes }

// -----------------------------------------------------------------------------
// Builder
// -----------------------------------------------------------------------------

// Builder assembles a Record over the course of one producer step.
// It replaces the callback-written shared accumulator pattern: the producer
// owns the builder exclusively, adds components as they are captured, and
// hands the sealed Record to the history store atomically.
type Builder struct {
	components []Component
	index      map[string]int
	meta       Metadata
	built      bool
}

// NewBuilder creates an empty record builder.
func NewBuilder() *Builder {
	return &Builder{index: make(map[string]int)}
}

// AddComponent adds a named array. The builder takes ownership of data;
// the caller must not reuse the slice afterwards.
func (b *Builder) AddComponent(id string, data []float32, shape []int) error {
	if b.built {
		return fmt.Errorf("builder already sealed")
	}
	if id == "" {
		return fmt.Errorf("component id is empty")
	}
	if _, dup := b.index[id]; dup {
		return fmt.Errorf("duplicate component %q", id)
	}
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return fmt.Errorf("component %q: invalid dimension %d", id, d)
		}
		n *= d
	}
	if n != len(data) {
		return fmt.Errorf("component %q: shape %v implies %d elements, data has %d", id, shape, n, len(data))
	}
	b.index[id] = len(b.components)
	b.components = append(b.components, Component{ID: id, Data: data, Shape: shape})
	return nil
}

// SetToken records the token emitted at this step.
func (b *Builder) SetToken(token string) *Builder {
	b.meta.Token = token
	return b
}

// SetSeqLen records the sequence length at capture time.
func (b *Builder) SetSeqLen(n int) *Builder {
	b.meta.SeqLen = n
	return b
}

// Build seals the builder into an immutable Record for the given step.
// Macro magnitudes are computed here, once per record.
func (b *Builder) Build(step int64) (*Record, error) {
	if b.built {
		return nil, fmt.Errorf("builder already sealed")
	}
	if len(b.components) == 0 {
		return nil, fmt.Errorf("record has no components")
	}
	b.built = true
	b.meta.CapturedAt = time.Now()

	macro := make([]float32, len(b.components))
	size := 0
	for i := range b.components {
		macro[i] = magnitude(&b.components[i])
		size += b.components[i].SizeBytes()
	}

	return &Record{
		step:       step,
		components: b.components,
		index:      b.index,
		meta:       b.meta,
		macro:      macro,
		sizeBytes:  size,
	}, nil
}

// magnitude reduces a component array to one scalar. Arrays with two or
// more dimensions reduce to the mean over leading positions of the L2 norm
// over the innermost axis; 1-D arrays reduce to their L2 norm.
func magnitude(c *Component) float32 {
	if len(c.Data) == 0 {
		return 0
	}
	if len(c.Shape) < 2 {
		return norm(c.Data)
	}
	inner := c.Shape[len(c.Shape)-1]
	rows := len(c.Data) / inner
	sum := 0.0
	for r := 0; r < rows; r++ {
		sum += float64(norm(c.Data[r*inner : (r+1)*inner]))
	}
	return float32(sum / float64(rows))
}

// norm computes the Euclidean norm of a vector.
func norm(v []float32) float32 {
	sum := 0.0
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return float32(math.Sqrt(sum))
}
