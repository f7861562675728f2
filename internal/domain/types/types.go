// Package types contains the report types served by the HTTP API.
package types

import (
	"errors"

	"github.com/okian/tally/internal/domain/stats"
)

// Scope tells whether a report covers the whole group or one rank.
const (
	ScopeGlobal = "global"
	ScopeLocal  = "local"
)

// ResponseSummary is the estimate of one response function. Normalized is
// set for entity totals only; grand totals span entities of different norms.
type ResponseSummary struct {
	Response   string         `json:"response"`
	Summary    stats.Summary  `json:"summary"`
	Normalized *stats.Summary `json:"normalized,omitempty"`
}

// BinSummary is the estimate of one phase-space bin that scored.
type BinSummary struct {
	Bin        int           `json:"bin"`
	Response   string        `json:"response"`
	Index      []int         `json:"index"`
	Summary    stats.Summary `json:"summary"`
	Normalized stats.Summary `json:"normalized"`
}

// EntityReport is the full tally of one entity.
type EntityReport struct {
	ID     uint64            `json:"id"`
	Norm   float64           `json:"norm"`
	Scope  string            `json:"scope"`
	Batch  uint64            `json:"batch"`
	Totals []ResponseSummary `json:"totals"`
	Bins   []BinSummary      `json:"bins"`
}

// TallyEntry is the short form of an entity used in listings.
type TallyEntry struct {
	ID     uint64            `json:"id"`
	Norm   float64           `json:"norm"`
	Totals []ResponseSummary `json:"totals"`
}

// RunStats describes the state of the run on this rank.
type RunStats struct {
	Rank           int               `json:"rank"`
	Size           int               `json:"size"`
	Root           int               `json:"root"`
	Scope          string            `json:"scope"`
	Batch          uint64            `json:"batch"`
	Batches        uint64            `json:"batches_completed"`
	Histories      uint64            `json:"histories"`
	Entities       int               `json:"entities"`
	Bins           int               `json:"bins"`
	Reductions     uint64            `json:"reductions"`
	ElapsedSeconds float64           `json:"elapsed_seconds"`
	Totals         []ResponseSummary `json:"totals"`
	FigureOfMerit  []float64         `json:"figure_of_merit"`
}

// ErrNotPublished is returned by report accessors before the first batch
// has been published.
var ErrNotPublished = errors.New("no results published yet")
