package phasespace

import (
	"fmt"
	"strings"
)

// Kind identifies one axis of phase space.
type Kind uint8

// Supported phase-space axes.
const (
	Energy Kind = iota
	Time
	Cosine
	CollisionNumber
	SourceID

	kindCount
)

var kindNames = [kindCount]string{
	Energy:          "energy",
	Time:            "time",
	Cosine:          "cosine",
	CollisionNumber: "collision_number",
	SourceID:        "source_id",
}

func (k Kind) String() string {
	if k >= kindCount {
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
	return kindNames[k]
}

// ParseKind converts a configuration name ("energy", "time", ...) to a Kind.
func ParseKind(name string) (Kind, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for k, s := range kindNames {
		if s == n {
			return Kind(k), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, name)
}

// Event is a single point in phase space. The zero value places every
// coordinate at 0.
type Event struct {
	values [kindCount]float64
}

// With returns a copy of e with coordinate k set to v.
func (e Event) With(k Kind, v float64) Event {
	e.values[k] = v
	return e
}

// Value returns coordinate k.
func (e Event) Value(k Kind) float64 {
	return e.values[k]
}

// Range is an event whose state swept [start,end) along one or more
// axes while a particle travelled a segment. Axes that were not swept keep
// the point value of the starting event.
type Range struct {
	start  Event
	end    [kindCount]float64
	ranged [kindCount]bool
}

// RangeFrom starts a range at the given event with no swept axes.
func RangeFrom(e Event) Range {
	return Range{start: e}
}

// Over returns a copy of r swept over [start,end) along axis k.
func (r Range) Over(k Kind, start, end float64) Range {
	r.start.values[k] = start
	r.end[k] = end
	r.ranged[k] = true
	return r
}

// Start is the state at the beginning of the segment.
func (r Range) Start() Event {
	return r.start
}

// Ranged reports whether axis k was swept.
func (r Range) Ranged(k Kind) bool {
	return r.ranged[k]
}

// Span returns the [start,end) interval along axis k. For axes that were not
// swept both ends equal the point value.
func (r Range) Span(k Kind) (float64, float64) {
	if !r.ranged[k] {
		v := r.start.values[k]
		return v, v
	}
	return r.start.values[k], r.end[k]
}
