package tally

import (
	"sync/atomic"

	"github.com/okian/tally/internal/domain/phasespace"
)

// contribution is one drained (entity, bin, score) triple. entity is the
// dense entity index, not the EntityID.
type contribution struct {
	entity int
	bin    int
	score  float64
}

// tracker sums every contribution of the in-flight history of one worker
// slot. It is never read by another worker, so none of its state besides
// the ownership flag and the history counter needs synchronization.
type tracker struct {
	busy      atomic.Bool
	histories atomic.Uint64

	slots   map[int]map[int]float64
	order   []int
	pending bool

	added   int
	offGrid int

	out       []contribution
	buf       phasespace.Buffer
	entitySum []float64
	grandSum  []float64
}

func newTracker(responses int) *tracker {
	return &tracker{
		slots:     make(map[int]map[int]float64),
		entitySum: make([]float64, responses),
		grandSum:  make([]float64, responses),
	}
}

func (t *tracker) release() { t.busy.Store(false) }

// add sums score into the (entity, bin) slot, creating it if needed.
func (t *tracker) add(entity, bin int, score float64) {
	bins, ok := t.slots[entity]
	if !ok {
		bins = make(map[int]float64)
		t.slots[entity] = bins
	}
	if len(bins) == 0 {
		t.order = append(t.order, entity)
	}
	bins[bin] += score
	t.pending = true
}

// uncommitted reports whether the tracker holds contributions of a history
// that has not been committed yet.
func (t *tracker) uncommitted() bool { return t.pending }

// drain returns every accumulated triple grouped by entity and clears the
// tracker. The returned slice is reused by the next drain.
func (t *tracker) drain() []contribution {
	t.out = t.out[:0]
	for _, entity := range t.order {
		bins := t.slots[entity]
		for bin, score := range bins {
			t.out = append(t.out, contribution{entity: entity, bin: bin, score: score})
		}
		clear(bins)
	}
	t.order = t.order[:0]
	t.pending = false
	return t.out
}

// reset drops everything, including uncommitted contributions.
func (t *tracker) reset() {
	for _, bins := range t.slots {
		clear(bins)
	}
	t.order = t.order[:0]
	t.pending = false
	t.added = 0
	t.offGrid = 0
	t.histories.Store(0)
}
