package tally

import (
	"fmt"
	"slices"

	"gonum.org/v1/gonum/floats"
)

// Snapshot is a detached copy of accumulator state. It is the unit that is
// reduced between ranks, archived and served.
type Snapshot struct {
	Responses    int
	Bins         int
	Histories    uint64
	Entities     []Entity
	EntityBins   [][]float64
	EntityTotals [][]float64
	Totals       []float64
}

// NewSnapshot returns a zeroed snapshot with the given layout.
func NewSnapshot(responses, bins int, entities []Entity) *Snapshot {
	s := &Snapshot{
		Responses:    responses,
		Bins:         bins,
		Entities:     slices.Clone(entities),
		EntityBins:   make([][]float64, len(entities)),
		EntityTotals: make([][]float64, len(entities)),
		Totals:       make([]float64, responses*Orders),
	}
	for i := range entities {
		s.EntityBins[i] = make([]float64, bins*Orders)
		s.EntityTotals[i] = make([]float64, responses*Orders)
	}
	return s
}

// CheckLayout reports ErrLayoutMismatch unless o covers the same entities,
// bins and response functions as s.
func (s *Snapshot) CheckLayout(o *Snapshot) error {
	if o == nil {
		return fmt.Errorf("%w: nil snapshot", ErrLayoutMismatch)
	}
	if s.Responses != o.Responses || s.Bins != o.Bins {
		return fmt.Errorf("%w: %d×%d vs %d×%d responses×bins", ErrLayoutMismatch, s.Responses, s.Bins, o.Responses, o.Bins)
	}
	if len(s.Entities) != len(o.Entities) {
		return fmt.Errorf("%w: %d vs %d entities", ErrLayoutMismatch, len(s.Entities), len(o.Entities))
	}
	for i := range s.Entities {
		if s.Entities[i].ID != o.Entities[i].ID {
			return fmt.Errorf("%w: entity %d is %d vs %d", ErrLayoutMismatch, i, s.Entities[i].ID, o.Entities[i].ID)
		}
	}
	if len(o.Totals) != s.Responses*Orders || len(o.EntityBins) != len(s.Entities) || len(o.EntityTotals) != len(s.Entities) {
		return fmt.Errorf("%w: malformed moment arrays", ErrLayoutMismatch)
	}
	for i := range o.Entities {
		if len(o.EntityBins[i]) != s.Bins*Orders || len(o.EntityTotals[i]) != s.Responses*Orders {
			return fmt.Errorf("%w: malformed moment arrays for entity %d", ErrLayoutMismatch, o.Entities[i].ID)
		}
	}
	return nil
}

// Merge adds o into s elementwise.
func (s *Snapshot) Merge(o *Snapshot) error {
	if err := s.CheckLayout(o); err != nil {
		return err
	}
	for i := range s.Entities {
		addFlat(s.EntityBins[i], o.EntityBins[i])
		addFlat(s.EntityTotals[i], o.EntityTotals[i])
	}
	addFlat(s.Totals, o.Totals)
	s.Histories += o.Histories
	return nil
}

// Clone returns a deep copy.
func (s *Snapshot) Clone() *Snapshot {
	c := NewSnapshot(s.Responses, s.Bins, s.Entities)
	for i := range s.Entities {
		copy(c.EntityBins[i], s.EntityBins[i])
		copy(c.EntityTotals[i], s.EntityTotals[i])
	}
	copy(c.Totals, s.Totals)
	c.Histories = s.Histories
	return c
}

// EntityIndex returns the position of id in Entities.
func (s *Snapshot) EntityIndex(id EntityID) (int, bool) {
	for i, e := range s.Entities {
		if e.ID == id {
			return i, true
		}
	}
	return 0, false
}

// Bin returns the moments of bin for the entity at index e.
func (s *Snapshot) Bin(e, bin int) Moments { return momentsAt(s.EntityBins[e], bin) }

// EntityTotal returns the totals of response function rf for the entity at index e.
func (s *Snapshot) EntityTotal(e, rf int) Moments { return momentsAt(s.EntityTotals[e], rf) }

// Total returns the global totals of response function rf.
func (s *Snapshot) Total(rf int) Moments { return momentsAt(s.Totals, rf) }

// addFlat adds src into dst. Lengths are checked by the caller.
func addFlat(dst, src []float64) {
	floats.Add(dst, src)
}
