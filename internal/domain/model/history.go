// Package model contains domain models passed between layers.
package model

import (
	"github.com/okian/tally/internal/domain/phasespace"
	"github.com/okian/tally/internal/domain/tally"
)

// HistoryJob asks a worker to simulate one particle history.
// Index is unique within a run and seeds the history's random stream, so a
// job yields the same history no matter which worker picks it up.
type HistoryJob struct {
	Batch uint64
	Index uint64
}

// StepKind tells a worker which accumulator entry point a step goes to.
type StepKind uint8

// Scoring step kinds.
const (
	PointStep StepKind = iota + 1 // collision-style, one event
	RangeStep                     // track-length style, swept range
)

func (k StepKind) String() string {
	switch k {
	case PointStep:
		return "point"
	case RangeStep:
		return "range"
	default:
		return "unknown"
	}
}

// Step is one scoring event produced while transporting a particle.
type Step struct {
	Kind   StepKind
	Entity tally.EntityID
	Event  phasespace.Event // PointStep
	Range  phasespace.Range // RangeStep
	Score  float64
}

// History is the ordered list of scoring steps of one particle.
// Steps is reused across histories by the worker that owns the value.
type History struct {
	Job   HistoryJob
	Steps []Step
}

// Reset prepares h for job, keeping the step capacity.
func (h *History) Reset(job HistoryJob) {
	h.Job = job
	h.Steps = h.Steps[:0]
}

// Point appends a point step.
func (h *History) Point(entity tally.EntityID, e phasespace.Event, score float64) {
	h.Steps = append(h.Steps, Step{Kind: PointStep, Entity: entity, Event: e, Score: score})
}

// Sweep appends a range step.
func (h *History) Sweep(entity tally.EntityID, r phasespace.Range, score float64) {
	h.Steps = append(h.Steps, Step{Kind: RangeStep, Entity: entity, Range: r, Score: score})
}
