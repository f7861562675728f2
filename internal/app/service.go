// Package service wires the accumulator, the history workers, the snapshot
// archive and the reduction coordinator into a batch driver, and serves the
// published results to the HTTP API.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/tally/internal/adapters/archive"
	"github.com/okian/tally/internal/adapters/mq/queue"
	"github.com/okian/tally/internal/adapters/mq/worker"
	"github.com/okian/tally/internal/config"
	"github.com/okian/tally/internal/domain/dedupe"
	"github.com/okian/tally/internal/domain/reduce"
	"github.com/okian/tally/internal/domain/tally"
	"github.com/okian/tally/internal/domain/types"
	"github.com/okian/tally/pkg/logger"
	"github.com/okian/tally/pkg/metrics"
)

// ErrNotPublished is returned by report accessors before the first batch.
var ErrNotPublished = types.ErrNotPublished

// Published is an immutable view of the results after a batch.
type Published struct {
	Snapshot *tally.Snapshot
	Scope    string
	Batch    uint64
	Elapsed  time.Duration
	At       time.Time
}

// Service runs batches of histories on one rank.
type Service struct {
	mu sync.Mutex

	cfg   *config.Config
	comm  reduce.Communicator
	acc   *tally.Accumulator
	queue *queue.InMemoryQueue
	pool  *worker.Pool
	coord *reduce.Coordinator

	archive     *archive.Store
	ownsArchive bool

	published atomic.Pointer[Published]
	completed atomic.Uint64
	runStart  time.Time

	started bool
	logger  logger.Logger
}

// New builds the service for the rank comm represents.
func New(cfg *config.Config, comm reduce.Communicator, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Root >= comm.Size() {
		return nil, fmt.Errorf("%w: root %d of %d", reduce.ErrInvalidRoot, cfg.Root, comm.Size())
	}

	s := &Service{cfg: cfg, comm: comm}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Named(fmt.Sprintf("rank-%d", comm.Rank()))
	}

	acc, err := buildAccumulator(cfg)
	if err != nil {
		return nil, err
	}
	src, err := buildSource(cfg)
	if err != nil {
		return nil, err
	}
	s.acc = acc
	s.queue = queue.NewInMemoryQueue(queue.WithCapacity(cfg.QueueSize))
	s.pool, err = worker.NewPool(cfg.WorkerCount, s.queue, src, acc,
		worker.WithPoolLogger(s.logger.Named("worker-pool")))
	if err != nil {
		return nil, err
	}
	s.coord = reduce.NewCoordinator(
		reduce.WithLogger(s.logger.Named("reduce")),
		reduce.WithTimeout(time.Duration(cfg.ReductionTimeoutMS)*time.Millisecond),
		reduce.WithDeduper(dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(cfg.DedupeSize))),
	)
	return s, nil
}

// Start opens the archive if none was shared and starts the workers.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if s.archive == nil {
		a, err := archive.Open(
			archive.WithDir(s.cfg.ArchiveDir),
			archive.WithLogger(s.logger.Named("archive")),
		)
		if err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
		s.archive, s.ownsArchive = a, true
	}
	s.pool.Start(ctx)
	s.runStart = time.Now()
	s.started = true

	s.logger.Info(ctx, "tally service started",
		logger.Int("rank", s.comm.Rank()),
		logger.Int("size", s.comm.Size()),
		logger.Int("workers", s.cfg.WorkerCount),
		logger.Int("entities", len(s.cfg.Entities)),
		logger.Int("bins", s.acc.Discretization().Bins()),
	)
	return nil
}

// Stop shuts the workers down and closes an owned archive.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	var errs []error
	if err := s.pool.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.ownsArchive {
		if err := s.archive.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.started = false
	s.logger.Info(ctx, "tally service stopped")
	return errors.Join(errs...)
}

// Run executes every configured batch in order.
func (s *Service) Run(ctx context.Context) error {
	for b := 0; b < s.cfg.Batches; b++ {
		if err := s.RunBatch(ctx, uint64(b)); err != nil {
			return err
		}
	}
	return nil
}

// RunBatch runs one batch of histories, archives the local result and
// reduces it onto root. Root publishes the group total. The other ranks
// publish their local batch result and start the next batch from zero once
// root holds their contribution. When the reduction keeps failing the local
// moments are left in place and the error is returned.
func (s *Service) RunBatch(ctx context.Context, batch uint64) error {
	start := time.Now()
	rank, size := s.comm.Rank(), s.comm.Size()
	per := uint64(s.cfg.HistoriesPerBatch)
	first := (batch*uint64(size) + uint64(rank)) * per

	if err := s.pool.Dispatch(ctx, batch, first, s.cfg.HistoriesPerBatch); err != nil {
		return fmt.Errorf("batch %d: %w", batch, err)
	}
	if err := s.pool.Quiesce(ctx); err != nil {
		return fmt.Errorf("batch %d: %w", batch, err)
	}

	local := s.acc.Snapshot()
	if err := s.archive.Put(ctx, batch, rank, local); err != nil {
		// the archive is a convenience; the run goes on without it
		s.logger.Warn(ctx, "archive write failed", logger.Uint64("batch", batch), logger.Error(err))
	}

	if err := s.reduce(ctx, batch); err != nil {
		return fmt.Errorf("batch %d: %w", batch, err)
	}

	pub := &Published{Batch: batch, Elapsed: time.Since(s.runStart), At: time.Now()}
	if rank == s.cfg.Root {
		pub.Snapshot, pub.Scope = s.acc.Snapshot(), types.ScopeGlobal
	} else {
		pub.Snapshot, pub.Scope = local, types.ScopeLocal
		if err := s.acc.Reset(); err != nil {
			return fmt.Errorf("batch %d: %w", batch, err)
		}
	}
	s.published.Store(pub)
	s.completed.Add(1)
	metrics.RecordSnapshotPublished(pub.Snapshot.Histories)
	metrics.RecordBatchCompleted(float64(time.Since(start).Milliseconds()))

	s.logger.Info(ctx, "batch complete",
		logger.Uint64("batch", batch),
		logger.String("scope", pub.Scope),
		logger.Uint64("histories", pub.Snapshot.Histories),
		logger.Duration("duration", time.Since(start)),
	)
	return nil
}

// reduce runs the collective, retrying recoverable failures. Every rank
// retries in step: root answers a failed gather with a failed ack, so
// all ranks see the same attempt fail.
func (s *Service) reduce(ctx context.Context, batch uint64) error {
	var err error
	for attempt := 0; attempt <= s.cfg.ReductionRetries; attempt++ {
		if attempt > 0 {
			metrics.RecordReductionRetry()
			s.logger.Warn(ctx, "retrying reduction",
				logger.Uint64("batch", batch), logger.Int("attempt", attempt), logger.Error(err))
		}
		err = s.coord.Reduce(ctx, s.comm, s.cfg.Root, s.acc)
		if err == nil || !retryable(ctx, err) {
			return err
		}
	}
	return err
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	return !errors.Is(err, reduce.ErrInvalidRoot) && !errors.Is(err, tally.ErrLayoutMismatch)
}

// Accumulator exposes the rank's accumulator.
func (s *Service) Accumulator() *tally.Accumulator { return s.acc }

// Published returns the latest published results, or nil.
func (s *Service) Published() *Published { return s.published.Load() }

// Healthy reports whether the service is running.
func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}
