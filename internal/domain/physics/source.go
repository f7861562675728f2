// Package physics produces particle histories for the accumulator.
//
// Real transport (geometry, cross sections) lives outside this repository.
// Synthetic is a small Monte Carlo stand-in that drives the engine with
// realistic scoring patterns: collision scores at points, track-length scores
// over time ranges, decreasing energies and random directions.
package physics

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/okian/tally/internal/domain/model"
	"github.com/okian/tally/internal/domain/phasespace"
	"github.com/okian/tally/internal/domain/tally"
)

// Default synthetic source parameters.
const (
	defaultMaxEnergy     = 14.0
	defaultMeanFlight    = 1.0
	defaultAbsorption    = 0.1
	defaultMaxCollisions = 64
	defaultSources       = 1
)

// Source fills h with the scoring steps of job.
type Source interface {
	Transport(ctx context.Context, job model.HistoryJob, h *model.History) error
}

// Synthetic is a deterministic Monte Carlo history generator.
// It is safe for concurrent use; each history draws from its own stream.
type Synthetic struct {
	entities      []tally.EntityID
	seed          uint64
	maxEnergy     float64
	meanFlight    float64
	absorption    float64
	maxCollisions int
	sources       int
}

// NewSynthetic creates a source that scores into the given entities.
func NewSynthetic(entities []tally.EntityID, opts ...Option) (*Synthetic, error) {
	if len(entities) == 0 {
		return nil, ErrNoEntities
	}
	s := &Synthetic{
		entities:      append([]tally.EntityID(nil), entities...),
		maxEnergy:     defaultMaxEnergy,
		meanFlight:    defaultMeanFlight,
		absorption:    defaultAbsorption,
		maxCollisions: defaultMaxCollisions,
		sources:       defaultSources,
	}
	for _, opt := range opts {
		opt(s)
	}
	switch {
	case !(s.maxEnergy > 0) || math.IsInf(s.maxEnergy, 0):
		return nil, fmt.Errorf("%w: max energy %g", ErrInvalidParameter, s.maxEnergy)
	case !(s.meanFlight > 0) || math.IsInf(s.meanFlight, 0):
		return nil, fmt.Errorf("%w: mean flight time %g", ErrInvalidParameter, s.meanFlight)
	case !(s.absorption > 0) || s.absorption > 1:
		return nil, fmt.Errorf("%w: absorption %g", ErrInvalidParameter, s.absorption)
	case s.maxCollisions < 1:
		return nil, fmt.Errorf("%w: max collisions %d", ErrInvalidParameter, s.maxCollisions)
	case s.sources < 1:
		return nil, fmt.Errorf("%w: sources %d", ErrInvalidParameter, s.sources)
	}
	return s, nil
}

// Transport simulates one history. The particle starts in the upper half of
// the spectrum, flies an exponential time to each collision (a range step
// scored with the flight time), collides (a point step scored with 1) and
// loses energy, until it is absorbed or hits the collision cap.
func (s *Synthetic) Transport(ctx context.Context, job model.HistoryJob, h *model.History) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.Reset(job)
	rng := rand.New(rand.NewPCG(s.seed, job.Index))

	energy := s.maxEnergy * (0.5 + 0.5*rng.Float64())
	source := float64(rng.IntN(s.sources))
	t := 0.0
	for n := 0; n < s.maxCollisions; n++ {
		entity := s.entities[rng.IntN(len(s.entities))]
		mu := 2*rng.Float64() - 1
		at := phasespace.Event{}.
			With(phasespace.Energy, energy).
			With(phasespace.Cosine, mu).
			With(phasespace.CollisionNumber, float64(n)).
			With(phasespace.SourceID, source)

		dt := s.meanFlight * rng.ExpFloat64()
		h.Sweep(entity, phasespace.RangeFrom(at.With(phasespace.Time, t)).Over(phasespace.Time, t, t+dt), dt)
		t += dt
		h.Point(entity, at.With(phasespace.Time, t), 1)

		if rng.Float64() < s.absorption {
			break
		}
		energy *= 0.5 + 0.5*rng.Float64()
	}
	return nil
}
