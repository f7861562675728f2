// Package tally accumulates per-history score moments for a set of
// entities over a phase-space grid.
//
// Workers add contributions to their own tracker while a history is being
// simulated and fold them into the shared moment storage with Commit once
// the history ends. Squaring therefore always happens on the per-history
// sum of a slot, never on individual contributions.
package tally

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/tally/internal/domain/phasespace"
	"github.com/okian/tally/internal/domain/response"
	"github.com/okian/tally/pkg/logger"
	"github.com/okian/tally/pkg/metrics"
)

// Operation names carried by contract errors and metrics.
const (
	OpAddPoint       = "add_point"
	OpAddRange       = "add_range"
	OpBegin          = "begin_history"
	OpCommit         = "commit"
	OpReset          = "reset"
	OpResize         = "enable_thread_support"
	OpHasUncommitted = "has_uncommitted"
)

const cacheLine = 64

// EntityID identifies a geometric entity such as a cell or a surface.
type EntityID uint64

// Entity is one registered tally target and the normalization it reports
// with (a volume or an area).
type Entity struct {
	ID   EntityID `json:"id"`
	Norm float64  `json:"norm"`
}

type stripe struct {
	sync.Mutex
	_ [cacheLine - 8]byte
}

// Accumulator is the shared moment storage of one estimator.
//
// Add*, BeginHistory, Commit and HasUncommitted are safe to call from
// different goroutines as long as each goroutine uses its own worker slot.
// Reset, EnableThreadSupport and Absorb must only be called while no worker
// is active.
type Accumulator struct {
	disc      *phasespace.Discretization
	responses *response.Set
	entities  []Entity
	index     map[EntityID]int

	// bins[e] holds Bins() slots of Orders moments each; totals[e] holds
	// one slot per response function; grand holds the same over all entities.
	bins   [][]float64
	totals [][]float64
	grand  []float64

	stripes     []stripe
	stripeMask  int
	stripeCount int
	grandMu     sync.Mutex

	trackers       []*tracker
	initialWorkers int
	committing     atomic.Int64
	retired        atomic.Uint64
	absorbed       atomic.Uint64

	log logger.Logger
}

// New builds an accumulator for entities over disc. responses must provide
// exactly one function per response index of disc.
func New(disc *phasespace.Discretization, responses *response.Set, entities []Entity, opts ...Option) (*Accumulator, error) {
	if disc == nil || responses == nil {
		return nil, fmt.Errorf("%w: discretization and responses are required", ErrResponseMismatch)
	}
	if responses.Len() != disc.Responses() {
		return nil, fmt.Errorf("%w: grid has %d, set has %d", ErrResponseMismatch, disc.Responses(), responses.Len())
	}
	if len(entities) == 0 {
		return nil, ErrNoEntities
	}

	a := &Accumulator{
		disc:           disc,
		responses:      responses,
		entities:       make([]Entity, len(entities)),
		index:          make(map[EntityID]int, len(entities)),
		initialWorkers: defaultWorkers,
		stripeCount:    defaultLockStripes,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.log == nil {
		a.log = logger.Named("tally")
	}

	for i, e := range entities {
		if math.IsNaN(e.Norm) || math.IsInf(e.Norm, 0) || e.Norm <= 0 {
			return nil, fmt.Errorf("%w: entity %d has norm %g", ErrInvalidEntity, e.ID, e.Norm)
		}
		if _, dup := a.index[e.ID]; dup {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateEntity, e.ID)
		}
		a.index[e.ID] = i
		a.entities[i] = e
	}

	bins := disc.Bins()
	a.bins = make([][]float64, len(entities))
	a.totals = make([][]float64, len(entities))
	for i := range entities {
		a.bins[i] = make([]float64, bins*Orders)
		a.totals[i] = make([]float64, disc.Responses()*Orders)
	}
	a.grand = make([]float64, disc.Responses()*Orders)
	a.stripes = make([]stripe, a.stripeCount)
	a.stripeMask = a.stripeCount - 1

	a.trackers = make([]*tracker, a.initialWorkers)
	for i := range a.trackers {
		a.trackers[i] = newTracker(disc.Responses())
	}

	metrics.UpdateEntityCount(len(entities))
	metrics.UpdateBinCount(bins)
	metrics.UpdateWorkerSlots(len(a.trackers))
	a.log.Debug(context.Background(), "accumulator ready",
		logger.Int("entities", len(entities)),
		logger.Int("bins", bins),
		logger.Int("responses", disc.Responses()),
		logger.Int("workers", len(a.trackers)),
		logger.Int("lock_stripes", a.stripeCount),
	)
	return a, nil
}

// Discretization returns the grid the accumulator bins into.
func (a *Accumulator) Discretization() *phasespace.Discretization { return a.disc }

// Responses returns the response-function set.
func (a *Accumulator) Responses() *response.Set { return a.responses }

// Entities returns the registered entities in registration order.
func (a *Accumulator) Entities() []Entity {
	out := make([]Entity, len(a.entities))
	copy(out, a.entities)
	return out
}

// EntityIndex returns the dense index of id.
func (a *Accumulator) EntityIndex(id EntityID) (int, bool) {
	i, ok := a.index[id]
	return i, ok
}

// Workers returns the number of worker slots.
func (a *Accumulator) Workers() int { return len(a.trackers) }

// slotStripe returns the lock guarding slot of entity. Bin slots come first
// followed by the per-response totals.
func (a *Accumulator) slotStripe(entity, slot int) *stripe {
	key := entity*(a.disc.Bins()+a.disc.Responses()) + slot
	return &a.stripes[key&a.stripeMask]
}

func (a *Accumulator) acquire(op string, worker int) (*tracker, error) {
	if worker < 0 || worker >= len(a.trackers) {
		return nil, a.violation(op, worker, ErrUnknownWorker)
	}
	t := a.trackers[worker]
	if !t.busy.CompareAndSwap(false, true) {
		return nil, a.violation(op, worker, ErrConcurrentWorkerUse)
	}
	return t, nil
}

func (a *Accumulator) violation(op string, worker int, err error) error {
	metrics.RecordContractViolation(op)
	return &ContractError{Op: op, Worker: worker, Err: err}
}

// BeginHistory marks the start of a new history on worker. It fails if the
// previous history of that worker was never committed.
func (a *Accumulator) BeginHistory(worker int) error {
	t, err := a.acquire(OpBegin, worker)
	if err != nil {
		return err
	}
	defer t.release()
	if t.uncommitted() {
		return a.violation(OpBegin, worker, ErrUncommitted)
	}
	t.histories.Add(1)
	return nil
}

// AddPointContribution scores an event at a single phase-space point. The
// score is multiplied by every response function evaluated at e and summed
// into the worker's tracker; nothing shared is touched.
func (a *Accumulator) AddPointContribution(worker int, entity EntityID, e phasespace.Event, score float64) error {
	t, err := a.acquire(OpAddPoint, worker)
	if err != nil {
		return err
	}
	defer t.release()

	idx, ok := a.index[entity]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownEntity, entity)
	}
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return a.violation(OpAddPoint, worker, ErrInvalidScore)
	}

	t.added++
	hit := false
	for rf := range a.responses.Len() {
		bins := a.disc.PointBins(e, rf, &t.buf)
		if len(bins) == 0 {
			continue
		}
		hit = true
		s := score * a.responses.Evaluate(rf, e)
		for _, bw := range bins {
			t.add(idx, bw.Bin, s*bw.Weight)
		}
	}
	if !hit {
		t.offGrid++
	}
	return nil
}

// AddRangeContribution scores a track segment swept over r. Every bin the
// range touches receives the score scaled by its overlap weight. Response
// functions are evaluated at the start of the range.
func (a *Accumulator) AddRangeContribution(worker int, entity EntityID, r phasespace.Range, score float64) error {
	t, err := a.acquire(OpAddRange, worker)
	if err != nil {
		return err
	}
	defer t.release()

	idx, ok := a.index[entity]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownEntity, entity)
	}
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return a.violation(OpAddRange, worker, ErrInvalidScore)
	}

	start := r.Start()
	t.added++
	hit := false
	for rf := range a.responses.Len() {
		bins, err := a.disc.RangeBins(r, rf, &t.buf)
		if err != nil {
			return a.violation(OpAddRange, worker, err)
		}
		if len(bins) == 0 {
			continue
		}
		hit = true
		s := score * a.responses.Evaluate(rf, start)
		for _, bw := range bins {
			t.add(idx, bw.Bin, s*bw.Weight)
		}
	}
	if !hit {
		t.offGrid++
	}
	return nil
}

// HasUncommitted reports whether worker holds contributions of a history
// that has not been committed.
func (a *Accumulator) HasUncommitted(worker int) (bool, error) {
	t, err := a.acquire(OpHasUncommitted, worker)
	if err != nil {
		return false, err
	}
	defer t.release()
	return t.uncommitted(), nil
}

// Commit folds the finished history of worker into the shared storage.
// Every touched (entity, bin) slot gets its per-history sum and the powers
// of it added; the same happens for the per-entity and global totals of
// each response function. Committing an empty tracker is a no-op.
func (a *Accumulator) Commit(worker int) error {
	t, err := a.acquire(OpCommit, worker)
	if err != nil {
		return err
	}
	defer t.release()
	if !t.uncommitted() {
		a.flushCounters(t)
		return nil
	}

	a.committing.Add(1)
	defer a.committing.Add(-1)
	start := time.Now()

	combos := a.disc.Combinations()
	bins := a.disc.Bins()
	contribs := t.drain()
	clear(t.grandSum)
	slots := 0

	for i := 0; i < len(contribs); {
		ent := contribs[i].entity
		clear(t.entitySum)
		j := i
		for ; j < len(contribs) && contribs[j].entity == ent; j++ {
			c := contribs[j]
			if c.score == 0 {
				continue
			}
			s := a.slotStripe(ent, c.bin)
			s.Lock()
			addScore(a.bins[ent], c.bin, c.score)
			s.Unlock()
			t.entitySum[c.bin/combos] += c.score
			slots++
		}
		for rf, sum := range t.entitySum {
			if sum == 0 {
				continue
			}
			s := a.slotStripe(ent, bins+rf)
			s.Lock()
			addScore(a.totals[ent], rf, sum)
			s.Unlock()
			t.grandSum[rf] += sum
		}
		i = j
	}

	a.grandMu.Lock()
	for rf, sum := range t.grandSum {
		if sum != 0 {
			addScore(a.grand, rf, sum)
		}
	}
	a.grandMu.Unlock()

	metrics.RecordHistoryCommitted()
	metrics.RecordSlotsUpdated(slots)
	metrics.RecordCommitLatency(float64(time.Since(start).Microseconds()))
	a.flushCounters(t)
	return nil
}

func (a *Accumulator) flushCounters(t *tracker) {
	if t.added > 0 {
		metrics.RecordContributions(t.added)
		t.added = 0
	}
	if t.offGrid > 0 {
		metrics.RecordOffGridContributions(t.offGrid)
		t.offGrid = 0
	}
}

// quiescent checks that no worker is inside an operation and that no
// tracker holds uncommitted contributions.
func (a *Accumulator) quiescent(op string) error {
	if a.committing.Load() > 0 {
		return a.violation(op, -1, ErrCommitInFlight)
	}
	for i, t := range a.trackers {
		if t.busy.Load() {
			return a.violation(op, i, ErrCommitInFlight)
		}
		if t.uncommitted() {
			return a.violation(op, i, ErrUncommitted)
		}
	}
	return nil
}

// Reset zeroes every moment and history counter. It fails while any
// worker is mid-operation or holds an uncommitted history.
func (a *Accumulator) Reset() error {
	if err := a.quiescent(OpReset); err != nil {
		return err
	}
	for i := range a.entities {
		clear(a.bins[i])
		clear(a.totals[i])
	}
	clear(a.grand)
	for _, t := range a.trackers {
		t.reset()
	}
	a.retired.Store(0)
	a.absorbed.Store(0)
	metrics.RecordReset()
	return nil
}

// EnableThreadSupport resizes the worker arena to n slots. Slots that go
// away keep their history counts.
func (a *Accumulator) EnableThreadSupport(n int) error {
	if n < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidWorkerCount, n)
	}
	if err := a.quiescent(OpResize); err != nil {
		return err
	}
	switch {
	case n < len(a.trackers):
		for _, t := range a.trackers[n:] {
			a.retired.Add(t.histories.Load())
		}
		clear(a.trackers[n:])
		a.trackers = a.trackers[:n]
	case n > len(a.trackers):
		for len(a.trackers) < n {
			a.trackers = append(a.trackers, newTracker(a.disc.Responses()))
		}
	}
	metrics.UpdateWorkerSlots(n)
	a.log.Debug(context.Background(), "worker slots resized", logger.Int("workers", n))
	return nil
}

// Histories returns the number of histories started since the last reset,
// including histories absorbed from peers.
func (a *Accumulator) Histories() uint64 {
	n := a.retired.Load() + a.absorbed.Load()
	for _, t := range a.trackers {
		n += t.histories.Load()
	}
	return n
}

// EntityBins returns the moments of every bin of entity.
func (a *Accumulator) EntityBins(entity EntityID) ([]Moments, error) {
	idx, ok := a.index[entity]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownEntity, entity)
	}
	out := make([]Moments, a.disc.Bins())
	for b := range out {
		s := a.slotStripe(idx, b)
		s.Lock()
		out[b] = momentsAt(a.bins[idx], b)
		s.Unlock()
	}
	return out, nil
}

// EntityTotals returns the per-response-function totals of entity.
func (a *Accumulator) EntityTotals(entity EntityID) ([]Moments, error) {
	idx, ok := a.index[entity]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownEntity, entity)
	}
	bins := a.disc.Bins()
	out := make([]Moments, a.disc.Responses())
	for rf := range out {
		s := a.slotStripe(idx, bins+rf)
		s.Lock()
		out[rf] = momentsAt(a.totals[idx], rf)
		s.Unlock()
	}
	return out, nil
}

// Totals returns the per-response-function totals over all entities.
func (a *Accumulator) Totals() []Moments {
	out := make([]Moments, a.disc.Responses())
	a.grandMu.Lock()
	defer a.grandMu.Unlock()
	for rf := range out {
		out[rf] = momentsAt(a.grand, rf)
	}
	return out
}

// Snapshot copies the committed state. Workers may keep committing while
// the copy is taken; each slot is read under its lock.
func (a *Accumulator) Snapshot() *Snapshot {
	s := NewSnapshot(a.disc.Responses(), a.disc.Bins(), a.entities)
	bins := a.disc.Bins()
	for e := range a.entities {
		for b := range bins {
			st := a.slotStripe(e, b)
			st.Lock()
			copy(s.EntityBins[e][b*Orders:(b+1)*Orders], a.bins[e][b*Orders:(b+1)*Orders])
			st.Unlock()
		}
		for rf := range a.disc.Responses() {
			st := a.slotStripe(e, bins+rf)
			st.Lock()
			copy(s.EntityTotals[e][rf*Orders:(rf+1)*Orders], a.totals[e][rf*Orders:(rf+1)*Orders])
			st.Unlock()
		}
	}
	a.grandMu.Lock()
	copy(s.Totals, a.grand)
	a.grandMu.Unlock()
	s.Histories = a.Histories()
	return s
}

// Absorb adds a peer snapshot into the accumulator. The layouts must match.
// Absorb must only run while no worker is active.
func (a *Accumulator) Absorb(s *Snapshot) error {
	local := NewSnapshot(a.disc.Responses(), a.disc.Bins(), a.entities)
	if err := local.CheckLayout(s); err != nil {
		return err
	}
	for e := range a.entities {
		addFlat(a.bins[e], s.EntityBins[e])
		addFlat(a.totals[e], s.EntityTotals[e])
	}
	a.grandMu.Lock()
	addFlat(a.grand, s.Totals)
	a.grandMu.Unlock()
	a.absorbed.Add(s.Histories)
	return nil
}
