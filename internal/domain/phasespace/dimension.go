package phasespace

import (
	"fmt"
	"math"
	"slices"
)

// BinWeight is one resolved bin and the fraction of the contribution it receives.
type BinWeight struct {
	Bin    int
	Weight float64
}

// Dimension discretizes one phase-space axis.
//
// Ordered dimensions are split by increasing edges into half-open bins
// [e(i), e(i+1)); the last bin is closed on both ends. Unordered dimensions
// hold discrete member sets and only support point lookups.
type Dimension struct {
	kind    Kind
	ordered bool
	edges   []float64
	sets    [][]float64
	lower   float64
	upper   float64
}

// NewOrdered builds an ordered dimension from at least two strictly
// increasing, finite edges.
func NewOrdered(kind Kind, edges []float64) (*Dimension, error) {
	if kind >= kindCount {
		return nil, fmt.Errorf("%w: %v", ErrUnknownKind, kind)
	}
	if len(edges) < 2 {
		return nil, fmt.Errorf("%w: %s needs at least two edges, got %d", ErrInvalidDimension, kind, len(edges))
	}
	for i, e := range edges {
		if math.IsNaN(e) || math.IsInf(e, 0) {
			return nil, fmt.Errorf("%w: %s edge %d is not finite", ErrInvalidDimension, kind, i)
		}
		if i > 0 && e <= edges[i-1] {
			return nil, fmt.Errorf("%w: %s edges must be strictly increasing (edge %d)", ErrInvalidDimension, kind, i)
		}
	}
	return &Dimension{
		kind:    kind,
		ordered: true,
		edges:   slices.Clone(edges),
		lower:   edges[0],
		upper:   edges[len(edges)-1],
	}, nil
}

// NewUnordered builds an unordered dimension where bin i is the set sets[i].
// A value may belong to more than one set.
func NewUnordered(kind Kind, sets [][]float64) (*Dimension, error) {
	if kind >= kindCount {
		return nil, fmt.Errorf("%w: %v", ErrUnknownKind, kind)
	}
	if len(sets) == 0 {
		return nil, fmt.Errorf("%w: %s needs at least one member set", ErrInvalidDimension, kind)
	}
	d := &Dimension{
		kind:  kind,
		sets:  make([][]float64, len(sets)),
		lower: math.Inf(1),
		upper: math.Inf(-1),
	}
	for i, set := range sets {
		if len(set) == 0 {
			return nil, fmt.Errorf("%w: %s member set %d is empty", ErrInvalidDimension, kind, i)
		}
		d.sets[i] = slices.Clone(set)
		for _, v := range set {
			if math.IsNaN(v) {
				return nil, fmt.Errorf("%w: %s member set %d contains NaN", ErrInvalidDimension, kind, i)
			}
			d.lower = min(d.lower, v)
			d.upper = max(d.upper, v)
		}
	}
	return d, nil
}

// Kind returns the axis this dimension discretizes.
func (d *Dimension) Kind() Kind { return d.kind }

// Ordered reports whether the dimension supports ranges.
func (d *Dimension) Ordered() bool { return d.ordered }

// Bins returns the number of bins along this axis.
func (d *Dimension) Bins() int {
	if d.ordered {
		return len(d.edges) - 1
	}
	return len(d.sets)
}

// Bounds returns the lower and upper bound of the axis.
func (d *Dimension) Bounds() (float64, float64) { return d.lower, d.upper }

// Edges returns a copy of the bin edges of an ordered dimension.
func (d *Dimension) Edges() []float64 { return slices.Clone(d.edges) }

// Members returns a copy of the member set of unordered bin i.
func (d *Dimension) Members(i int) []float64 { return slices.Clone(d.sets[i]) }

// Lookup appends every bin that owns v to dst. Values outside the axis
// append nothing.
func (d *Dimension) Lookup(v float64, dst []BinWeight) []BinWeight {
	if !d.ordered {
		for i, set := range d.sets {
			if slices.Contains(set, v) {
				dst = append(dst, BinWeight{Bin: i, Weight: 1})
			}
		}
		return dst
	}
	if math.IsNaN(v) || v < d.lower || v > d.upper {
		return dst
	}
	return append(dst, BinWeight{Bin: d.binOf(v), Weight: 1})
}

// binOf assumes lower <= v <= upper.
func (d *Dimension) binOf(v float64) int {
	last := len(d.edges) - 2
	if v >= d.upper {
		return last
	}
	i, found := slices.BinarySearch(d.edges, v)
	if found {
		return i
	}
	return i - 1
}

// Overlaps appends the bins touched by [start,end) to dst, weighted by the
// fraction of the interval's measure that falls in each bin. Portions of the
// interval outside the axis carry no weight, so the weights sum to 1 only
// when the interval lies inside [lower, upper]. A zero-width interval is
// scored as a point.
func (d *Dimension) Overlaps(start, end float64, dst []BinWeight) ([]BinWeight, error) {
	if !d.ordered {
		return dst, fmt.Errorf("%w: %s", ErrUnorderedRange, d.kind)
	}
	if math.IsNaN(start) || math.IsNaN(end) || math.IsInf(start, 0) || math.IsInf(end, 0) || end < start {
		return dst, fmt.Errorf("%w: %s [%g, %g)", ErrInvalidRange, d.kind, start, end)
	}
	if end == start {
		return d.Lookup(start, dst), nil
	}

	measure := end - start
	lo := max(start, d.lower)
	hi := min(end, d.upper)
	if hi <= lo {
		return dst, nil
	}
	for b := d.binOf(lo); b < len(d.edges)-1 && d.edges[b] < hi; b++ {
		overlap := min(hi, d.edges[b+1]) - max(lo, d.edges[b])
		if overlap > 0 {
			dst = append(dst, BinWeight{Bin: b, Weight: overlap / measure})
		}
	}
	return dst, nil
}
