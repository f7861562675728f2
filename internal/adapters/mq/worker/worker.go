// Package worker runs particle histories through the accumulator.
//
// Every worker owns one accumulator slot for its whole life, so two
// goroutines never share a tracker. A Pool dispatches a batch of history
// jobs, waits for the batch to drain and reports the first failure.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/tally/internal/adapters/mq/queue"
	"github.com/okian/tally/internal/domain/model"
	"github.com/okian/tally/internal/domain/phasespace"
	"github.com/okian/tally/internal/domain/physics"
	"github.com/okian/tally/internal/domain/tally"
	"github.com/okian/tally/pkg/logger"
	"github.com/okian/tally/pkg/metrics"
)

// Default worker configuration constants.
const (
	metricsUpdateInterval = 5 * time.Second
	poolShutdownTimeout   = 30 * time.Second
)

// Sentinel kinds for pool errors.
var (
	ErrNotEnoughSlots = errors.New("accumulator has fewer worker slots than the pool")
	ErrStopped        = errors.New("worker pool stopped")

	errSkipped = errors.New("history skipped after an earlier failure")
)

// Tally is the part of the accumulator a worker drives.
type Tally interface {
	Workers() int
	BeginHistory(worker int) error
	AddPointContribution(worker int, entity tally.EntityID, e phasespace.Event, score float64) error
	AddRangeContribution(worker int, entity tally.EntityID, r phasespace.Range, score float64) error
	Commit(worker int) error
}

// Queue defines how workers receive jobs.
type Queue interface {
	Dequeue(ctx context.Context) <-chan queue.Job
	Put(ctx context.Context, j queue.Job) error
}

// Worker processes history jobs until its queue closes.
type Worker interface {
	// Run starts the worker loop until ctx is canceled.
	Run(ctx context.Context)

	// Shutdown gracefully stops the worker.
	Shutdown(ctx context.Context) error
}

// InMemoryWorker implements Worker on one accumulator slot.
type InMemoryWorker struct {
	slot    int
	queue   Queue
	source  physics.Source
	tally   Tally
	name    string
	history model.History

	// finish is called once per job with its outcome
	finish func(error)
	halted func() bool

	// Shutdown control
	shutdown chan struct{}
	done     chan struct{}
	once     sync.Once

	logger logger.Logger
}

// NewInMemoryWorker creates a worker bound to accumulator slot.
func NewInMemoryWorker(slot int, q Queue, src physics.Source, t Tally, finish func(error), opts ...Option) *InMemoryWorker {
	w := &InMemoryWorker{
		slot:     slot,
		queue:    q,
		source:   src,
		tally:    t,
		finish:   finish,
		name:     "worker",
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
		logger:   logger.Get().Named("worker"),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.name != "worker" {
		w.logger = w.logger.Named(w.name)
	}
	if w.finish == nil {
		w.finish = func(error) {}
	}
	return w
}

// Run starts the worker loop.
func (w *InMemoryWorker) Run(ctx context.Context) {
	defer close(w.done)

	jobs := w.queue.Dequeue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.shutdown:
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			if w.halted != nil && w.halted() {
				w.finish(errSkipped)
				continue
			}
			w.finish(w.process(ctx, job))
		}
	}
}

// Shutdown gracefully stops the worker.
func (w *InMemoryWorker) Shutdown(ctx context.Context) error {
	w.once.Do(func() { close(w.shutdown) })

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.logger.Warn(ctx, "shutdown timed out")
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

// process simulates one history and tallies it: begin, add every step,
// commit. A failure leaves the slot with uncommitted contributions, which
// the next BeginHistory reports.
func (w *InMemoryWorker) process(ctx context.Context, job queue.Job) error {
	start := time.Now()
	defer func() {
		metrics.RecordWorkerProcessingLatency(float64(time.Since(start).Microseconds()) / 1000)
	}()

	if err := w.source.Transport(ctx, job, &w.history); err != nil {
		return w.fail(ctx, job, "transport_error", err)
	}
	if err := w.tally.BeginHistory(w.slot); err != nil {
		return w.fail(ctx, job, "begin_error", err)
	}
	for _, st := range w.history.Steps {
		var err error
		switch st.Kind {
		case model.PointStep:
			err = w.tally.AddPointContribution(w.slot, st.Entity, st.Event, st.Score)
		case model.RangeStep:
			err = w.tally.AddRangeContribution(w.slot, st.Entity, st.Range, st.Score)
		default:
			err = fmt.Errorf("unknown step kind %d", st.Kind)
		}
		if err != nil {
			return w.fail(ctx, job, "add_error", err)
		}
	}
	if err := w.tally.Commit(w.slot); err != nil {
		return w.fail(ctx, job, "commit_error", err)
	}
	return nil
}

func (w *InMemoryWorker) fail(ctx context.Context, job queue.Job, kind string, err error) error {
	severity := "medium"
	if tally.IsContractViolation(err) {
		severity = "high"
	}
	metrics.RecordWorkerError()
	metrics.RecordErrorByComponent("worker", kind)
	metrics.RecordErrorByType(kind, severity)
	w.logger.Error(ctx, "history failed",
		logger.Int("slot", w.slot),
		logger.Uint64("batch", job.Batch),
		logger.Uint64("history", job.Index),
		logger.Error(err),
	)
	return fmt.Errorf("history %d: %w", job.Index, err)
}

// Pool manages one worker per accumulator slot.
type Pool struct {
	workers []*InMemoryWorker
	queue   Queue

	// batch bookkeeping
	pending  sync.WaitGroup
	mu       sync.Mutex
	firstErr error
	failed   atomic.Bool

	// Shutdown control
	shutdown chan struct{}
	stopOnce sync.Once

	// Metrics tracking
	processed         atomic.Int64
	lastProcessedTime time.Time

	logger logger.Logger
}

// NewPool creates a pool of workerCount workers, worker i on slot i of t.
func NewPool(workerCount int, q Queue, src physics.Source, t Tally, opts ...PoolOption) (*Pool, error) {
	if workerCount < 1 {
		return nil, fmt.Errorf("%w: %d", tally.ErrInvalidWorkerCount, workerCount)
	}
	if t.Workers() < workerCount {
		return nil, fmt.Errorf("%w: %d slots, %d workers", ErrNotEnoughSlots, t.Workers(), workerCount)
	}

	p := &Pool{
		workers:           make([]*InMemoryWorker, workerCount),
		queue:             q,
		shutdown:          make(chan struct{}),
		lastProcessedTime: time.Now(),
		logger:            logger.Get().Named("worker-pool"),
	}
	for _, opt := range opts {
		opt(p)
	}

	for i := 0; i < workerCount; i++ {
		name := "worker-" + strconv.Itoa(i)
		w := NewInMemoryWorker(i, q, src, t, p.finish,
			WithName(name),
			WithLogger(p.logger.Named(name)),
		)
		w.halted = p.failed.Load
		p.workers[i] = w
	}

	metrics.UpdateWorkerCount(workerCount)
	metrics.UpdateWorkerActiveCount(0)
	metrics.UpdateWorkerIdleCount(workerCount)
	metrics.UpdateWorkerHistoriesPerSecond(0.0)

	return p, nil
}

// Size returns the number of workers.
func (p *Pool) Size() int { return len(p.workers) }

// Start starts all workers in the pool.
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		go w.Run(ctx)
	}
	go p.startMetricsUpdater(ctx)
}

// Dispatch enqueues n history jobs of batch, starting at index first.
// Once a history in the current batch has failed, the rest are skipped.
func (p *Pool) Dispatch(ctx context.Context, batch, first uint64, n int) error {
	metrics.UpdateWorkerActiveCount(len(p.workers))
	metrics.UpdateWorkerIdleCount(0)
	for i := 0; i < n; i++ {
		p.pending.Add(1)
		job := queue.Job{Batch: batch, Index: first + uint64(i)}
		if err := p.queue.Put(ctx, job); err != nil {
			p.pending.Done()
			if errors.Is(err, queue.ErrClosed) {
				return ErrStopped
			}
			return fmt.Errorf("dispatch history %d: %w", job.Index, err)
		}
	}
	return nil
}

// Quiesce waits until every dispatched job has finished and returns the
// first history error of the batch, if any. On return no worker is inside
// an accumulator call.
func (p *Pool) Quiesce(ctx context.Context) error {
	drained := make(chan struct{})
	go func() {
		p.pending.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		return fmt.Errorf("quiesce: %w", ctx.Err())
	}

	metrics.UpdateWorkerActiveCount(0)
	metrics.UpdateWorkerIdleCount(len(p.workers))

	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.firstErr
	p.firstErr = nil
	p.failed.Store(false)
	return err
}

func (p *Pool) finish(err error) {
	switch {
	case err == nil:
		p.processed.Add(1)
	case errors.Is(err, errSkipped):
	case p.failed.CompareAndSwap(false, true):
		p.mu.Lock()
		p.firstErr = err
		p.mu.Unlock()
	}
	p.pending.Done()
}

// startMetricsUpdater starts a background goroutine that updates worker metrics.
func (p *Pool) startMetricsUpdater(ctx context.Context) {
	ticker := time.NewTicker(metricsUpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.shutdown:
			return
		case <-ticker.C:
			p.updateMetrics()
		}
	}
}

func (p *Pool) updateMetrics() {
	now := time.Now()
	if dt := now.Sub(p.lastProcessedTime).Seconds(); dt > 0 {
		metrics.UpdateWorkerHistoriesPerSecond(float64(p.processed.Swap(0)) / dt)
	}
	p.lastProcessedTime = now
}

// Shutdown closes the queue and waits for the workers to exit.
func (p *Pool) Shutdown(ctx context.Context) error {
	if closer, ok := p.queue.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			p.logger.Error(ctx, "error closing queue", logger.Error(err))
		}
	}
	p.stopOnce.Do(func() { close(p.shutdown) })

	shutdownCtx, cancel := context.WithTimeout(ctx, poolShutdownTimeout)
	defer cancel()

	var timedOut bool
	for i, w := range p.workers {
		select {
		case <-w.done:
		case <-shutdownCtx.Done():
			timedOut = true
			p.logger.Warn(ctx, "worker shutdown timed out", logger.Int("worker_id", i))
		}
	}
	if timedOut {
		return fmt.Errorf("worker pool shutdown: %w", shutdownCtx.Err())
	}
	return nil
}
