// Package phasespace maps particle event states onto a fixed
// multi-dimensional bin grid.
//
// A Discretization combines up to one Dimension per Kind with a number of
// response functions. Every (response function, dimension-bin combination)
// owns exactly one linear bin index:
//
//	bin = rf*Combinations() + Σ idx(d)*stride(d)
//
// The grid never changes after construction, so a Discretization is safe for
// concurrent use. Lookups write into a caller-owned Buffer to keep the
// scoring hot path allocation free.
package phasespace

import (
	"fmt"
)

// Discretization is the immutable phase-space grid of one estimator.
type Discretization struct {
	dims      []*Dimension
	strides   []int
	combos    int
	responses int
	byKind    [kindCount]int
}

// Buffer holds scratch space for lookups. The zero value is ready to use;
// a Buffer must not be shared between goroutines.
type Buffer struct {
	axis []BinWeight
	cur  []BinWeight
	next []BinWeight
}

// New builds a grid with the given number of response functions over dims.
// Dimensions are laid out in the order given; the first varies fastest.
func New(responses int, dims ...*Dimension) (*Discretization, error) {
	if responses < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidResponseCount, responses)
	}
	d := &Discretization{
		dims:      make([]*Dimension, 0, len(dims)),
		strides:   make([]int, 0, len(dims)),
		combos:    1,
		responses: responses,
	}
	for k := range d.byKind {
		d.byKind[k] = -1
	}
	for _, dim := range dims {
		if dim == nil {
			return nil, fmt.Errorf("%w: nil dimension", ErrInvalidDimension)
		}
		if d.byKind[dim.kind] >= 0 {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateDimension, dim.kind)
		}
		d.byKind[dim.kind] = len(d.dims)
		d.dims = append(d.dims, dim)
		d.strides = append(d.strides, d.combos)
		d.combos *= dim.Bins()
	}
	return d, nil
}

// Responses returns the number of response functions.
func (d *Discretization) Responses() int { return d.responses }

// Combinations returns the number of dimension-bin combinations per
// response function.
func (d *Discretization) Combinations() int { return d.combos }

// Bins returns the total number of linear bins.
func (d *Discretization) Bins() int { return d.responses * d.combos }

// Dimensions returns the enabled dimensions in layout order.
func (d *Discretization) Dimensions() []*Dimension {
	out := make([]*Dimension, len(d.dims))
	copy(out, d.dims)
	return out
}

// Dimension returns the dimension discretizing kind, if enabled.
func (d *Discretization) Dimension(kind Kind) (*Dimension, bool) {
	if kind >= kindCount || d.byKind[kind] < 0 {
		return nil, false
	}
	return d.dims[d.byKind[kind]], true
}

// Response returns the response-function index that owns bin.
func (d *Discretization) Response(bin int) int {
	return bin / d.combos
}

// Decompose splits a linear bin into its response function and the bin
// index along every enabled dimension.
func (d *Discretization) Decompose(bin int) (int, []int) {
	rf := bin / d.combos
	rem := bin % d.combos
	idx := make([]int, len(d.dims))
	for i, dim := range d.dims {
		idx[i] = (rem / d.strides[i]) % dim.Bins()
	}
	return rf, idx
}

// PointBins resolves a single event for response function rf. Every returned
// bin carries weight 1. An event outside any enabled dimension resolves to
// no bins.
func (d *Discretization) PointBins(e Event, rf int, buf *Buffer) []BinWeight {
	buf.cur = append(buf.cur[:0], BinWeight{Bin: rf * d.combos, Weight: 1})
	for i, dim := range d.dims {
		buf.axis = dim.Lookup(e.values[dim.kind], buf.axis[:0])
		if !d.combine(i, buf) {
			return nil
		}
	}
	return buf.cur
}

// RangeBins resolves a swept range for response function rf. Swept axes
// contribute fractional weights, the others contribute point lookups that
// are multiplied in. Sweeping an unordered dimension returns
// ErrUnorderedRange.
func (d *Discretization) RangeBins(r Range, rf int, buf *Buffer) ([]BinWeight, error) {
	buf.cur = append(buf.cur[:0], BinWeight{Bin: rf * d.combos, Weight: 1})
	empty := false
	for i, dim := range d.dims {
		if r.ranged[dim.kind] {
			var err error
			buf.axis, err = dim.Overlaps(r.start.values[dim.kind], r.end[dim.kind], buf.axis[:0])
			if err != nil {
				return nil, err
			}
		} else {
			buf.axis = dim.Lookup(r.start.values[dim.kind], buf.axis[:0])
		}
		// Keep validating the remaining axes so contract violations surface
		// even when an earlier axis already missed the grid.
		if empty {
			continue
		}
		if !d.combine(i, buf) {
			empty = true
		}
	}
	if empty {
		return nil, nil
	}
	return buf.cur, nil
}

// combine multiplies the lookups in buf.axis for dimension i into buf.cur.
func (d *Discretization) combine(i int, buf *Buffer) bool {
	if len(buf.axis) == 0 {
		return false
	}
	stride := d.strides[i]
	buf.next = buf.next[:0]
	for _, c := range buf.cur {
		for _, a := range buf.axis {
			buf.next = append(buf.next, BinWeight{
				Bin:    c.Bin + a.Bin*stride,
				Weight: c.Weight * a.Weight,
			})
		}
	}
	buf.cur, buf.next = buf.next, buf.cur
	return true
}
