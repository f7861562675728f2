package service

import (
	"fmt"

	"github.com/okian/tally/internal/domain/stats"
	"github.com/okian/tally/internal/domain/tally"
	"github.com/okian/tally/internal/domain/types"
)

// Stats summarizes the published run state.
func (s *Service) Stats() types.RunStats {
	disc := s.acc.Discretization()
	out := types.RunStats{
		Rank:       s.comm.Rank(),
		Size:       s.comm.Size(),
		Root:       s.cfg.Root,
		Entities:   len(s.cfg.Entities),
		Bins:       disc.Bins(),
		Batches:    s.completed.Load(),
		Reductions: s.coord.Round(),
	}
	pub := s.published.Load()
	if pub == nil {
		return out
	}
	out.Scope = pub.Scope
	out.Batch = pub.Batch
	out.Histories = pub.Snapshot.Histories
	out.ElapsedSeconds = pub.Elapsed.Seconds()
	out.Totals = make([]types.ResponseSummary, pub.Snapshot.Responses)
	out.FigureOfMerit = make([]float64, pub.Snapshot.Responses)
	for rf := range out.Totals {
		sum := stats.Summarize(pub.Snapshot.Total(rf), pub.Snapshot.Histories)
		out.Totals[rf] = types.ResponseSummary{
			Response: s.acc.Responses().Name(rf),
			Summary:  sum,
		}
		out.FigureOfMerit[rf] = stats.FigureOfMerit(sum, pub.Elapsed)
	}
	return out
}

// Tallies lists every entity with its per-response totals.
func (s *Service) Tallies() ([]types.TallyEntry, error) {
	pub := s.published.Load()
	if pub == nil {
		return nil, ErrNotPublished
	}
	snap := pub.Snapshot
	out := make([]types.TallyEntry, len(snap.Entities))
	for i, e := range snap.Entities {
		out[i] = types.TallyEntry{
			ID:     uint64(e.ID),
			Norm:   e.Norm,
			Totals: s.entityTotals(snap, i),
		}
	}
	return out, nil
}

// Tally reports one entity, including every bin that scored.
func (s *Service) Tally(id uint64) (types.EntityReport, error) {
	pub := s.published.Load()
	if pub == nil {
		return types.EntityReport{}, ErrNotPublished
	}
	snap := pub.Snapshot
	idx, ok := snap.EntityIndex(tally.EntityID(id))
	if !ok {
		return types.EntityReport{}, fmt.Errorf("%w: %d", tally.ErrUnknownEntity, id)
	}
	e := snap.Entities[idx]
	out := types.EntityReport{
		ID:     id,
		Norm:   e.Norm,
		Scope:  pub.Scope,
		Batch:  pub.Batch,
		Totals: s.entityTotals(snap, idx),
	}
	disc := s.acc.Discretization()
	for bin := 0; bin < snap.Bins; bin++ {
		m := snap.Bin(idx, bin)
		if m.IsZero() {
			continue
		}
		rf, index := disc.Decompose(bin)
		sum := stats.Summarize(m, snap.Histories)
		out.Bins = append(out.Bins, types.BinSummary{
			Bin:        bin,
			Response:   s.acc.Responses().Name(rf),
			Index:      index,
			Summary:    sum,
			Normalized: stats.Normalize(sum, e.Norm),
		})
	}
	return out, nil
}

func (s *Service) entityTotals(snap *tally.Snapshot, idx int) []types.ResponseSummary {
	norm := snap.Entities[idx].Norm
	out := make([]types.ResponseSummary, snap.Responses)
	for rf := range out {
		sum := stats.Summarize(snap.EntityTotal(idx, rf), snap.Histories)
		normalized := stats.Normalize(sum, norm)
		out[rf] = types.ResponseSummary{
			Response:   s.acc.Responses().Name(rf),
			Summary:    sum,
			Normalized: &normalized,
		}
	}
	return out
}
