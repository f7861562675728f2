package service

import (
	"fmt"

	"github.com/okian/tally/internal/config"
	"github.com/okian/tally/internal/domain/phasespace"
	"github.com/okian/tally/internal/domain/physics"
	"github.com/okian/tally/internal/domain/response"
	"github.com/okian/tally/internal/domain/tally"
)

// buildAccumulator turns the configured grid, responses and entities into
// an accumulator with one slot per worker.
func buildAccumulator(cfg *config.Config) (*tally.Accumulator, error) {
	responses, err := response.New(response.WithSpecs(cfg.Responses))
	if err != nil {
		return nil, err
	}

	var dims []*phasespace.Dimension
	for _, axis := range []struct {
		kind  phasespace.Kind
		edges []float64
	}{
		{phasespace.Energy, cfg.EnergyEdges},
		{phasespace.Time, cfg.TimeEdges},
		{phasespace.Cosine, cfg.CosineEdges},
	} {
		if len(axis.edges) == 0 {
			continue
		}
		dim, err := phasespace.NewOrdered(axis.kind, axis.edges)
		if err != nil {
			return nil, fmt.Errorf("%s edges: %w", axis.kind, err)
		}
		dims = append(dims, dim)
	}
	for _, axis := range []struct {
		kind phasespace.Kind
		sets [][]float64
	}{
		{phasespace.CollisionNumber, cfg.CollisionSets},
		{phasespace.SourceID, cfg.SourceSets},
	} {
		if len(axis.sets) == 0 {
			continue
		}
		dim, err := phasespace.NewUnordered(axis.kind, axis.sets)
		if err != nil {
			return nil, fmt.Errorf("%s sets: %w", axis.kind, err)
		}
		dims = append(dims, dim)
	}
	disc, err := phasespace.New(responses.Len(), dims...)
	if err != nil {
		return nil, err
	}

	return tally.New(disc, responses, entities(cfg),
		tally.WithWorkers(cfg.WorkerCount),
		tally.WithLockStripes(cfg.LockStripes),
	)
}

func buildSource(cfg *config.Config) (*physics.Synthetic, error) {
	ids := make([]tally.EntityID, len(cfg.Entities))
	for i, e := range cfg.Entities {
		ids[i] = tally.EntityID(e.ID)
	}
	return physics.NewSynthetic(ids,
		physics.WithSeed(cfg.Seed),
		physics.WithMaxEnergy(cfg.MaxEnergy()),
		physics.WithAbsorption(cfg.Absorption),
		physics.WithMaxCollisions(cfg.MaxCollisions),
		physics.WithSources(cfg.Sources),
	)
}

func entities(cfg *config.Config) []tally.Entity {
	out := make([]tally.Entity, len(cfg.Entities))
	for i, e := range cfg.Entities {
		out[i] = tally.Entity{ID: tally.EntityID(e.ID), Norm: e.Norm}
	}
	return out
}
