package physics

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/okian/tally/internal/domain/model"
	"github.com/okian/tally/internal/domain/phasespace"
	"github.com/okian/tally/internal/domain/tally"
)

func TestSynthetic_Deterministic(t *testing.T) {
	src, err := NewSynthetic([]tally.EntityID{1, 2, 3}, WithSeed(42))
	if err != nil {
		t.Fatal(err)
	}
	var a, b model.History
	job := model.HistoryJob{Batch: 0, Index: 17}
	if err := src.Transport(context.Background(), job, &a); err != nil {
		t.Fatal(err)
	}
	if err := src.Transport(context.Background(), job, &b); err != nil {
		t.Fatal(err)
	}
	if len(a.Steps) == 0 || len(a.Steps) != len(b.Steps) {
		t.Fatalf("histories differ in length: %d vs %d", len(a.Steps), len(b.Steps))
	}
	for i := range a.Steps {
		if a.Steps[i] != b.Steps[i] {
			t.Fatalf("step %d differs: %+v vs %+v", i, a.Steps[i], b.Steps[i])
		}
	}
}

func TestSynthetic_StepShape(t *testing.T) {
	src, err := NewSynthetic([]tally.EntityID{5}, WithMaxEnergy(2), WithMaxCollisions(4), WithAbsorption(0.5))
	if err != nil {
		t.Fatal(err)
	}
	var h model.History
	for i := uint64(0); i < 50; i++ {
		if err := src.Transport(context.Background(), model.HistoryJob{Index: i}, &h); err != nil {
			t.Fatal(err)
		}
		if len(h.Steps)%2 != 0 || len(h.Steps) > 8 {
			t.Fatalf("history %d has %d steps", i, len(h.Steps))
		}
		prevEnergy := 3.0
		for j := 0; j < len(h.Steps); j += 2 {
			sweep, hit := h.Steps[j], h.Steps[j+1]
			if sweep.Kind != model.RangeStep || hit.Kind != model.PointStep {
				t.Fatalf("unexpected kinds %v, %v", sweep.Kind, hit.Kind)
			}
			if sweep.Entity != 5 || hit.Entity != 5 {
				t.Fatalf("unexpected entity")
			}
			start, end := sweep.Range.Span(phasespace.Time)
			if !sweep.Range.Ranged(phasespace.Time) || end < start || math.Abs(sweep.Score-(end-start)) > 1e-9 {
				t.Fatalf("range [%g,%g] score %g", start, end, sweep.Score)
			}
			if hit.Event.Value(phasespace.Time) != end {
				t.Fatalf("collision at %g, flight ended at %g", hit.Event.Value(phasespace.Time), end)
			}
			e := hit.Event.Value(phasespace.Energy)
			if e <= 0 || e > prevEnergy {
				t.Fatalf("energy %g after %g", e, prevEnergy)
			}
			prevEnergy = e
			if mu := hit.Event.Value(phasespace.Cosine); mu < -1 || mu > 1 {
				t.Fatalf("cosine %g", mu)
			}
		}
	}
}

func TestSynthetic_Validation(t *testing.T) {
	if _, err := NewSynthetic(nil); !errors.Is(err, ErrNoEntities) {
		t.Errorf("expected ErrNoEntities, got %v", err)
	}
	bad := []Option{WithMaxEnergy(0), WithMeanFlightTime(-1), WithAbsorption(0), WithAbsorption(2), WithMaxCollisions(0), WithSources(0)}
	for i, opt := range bad {
		if _, err := NewSynthetic([]tally.EntityID{1}, opt); !errors.Is(err, ErrInvalidParameter) {
			t.Errorf("option %d: expected ErrInvalidParameter, got %v", i, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src, _ := NewSynthetic([]tally.EntityID{1})
	if err := src.Transport(ctx, model.HistoryJob{}, &model.History{}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
