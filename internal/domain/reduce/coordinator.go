// Package reduce sums the accumulators of cooperating processes onto a root
// process.
//
// A reduction is collective: every rank calls Reduce with the same root. All
// ranks meet at a barrier, peers send their snapshot to root, and root only
// merges once every payload has arrived and passed validation. Any failure
// leaves every accumulator as it was, so the call can be retried. After a
// merge each peer confirms the verdict; a peer that never saw it resends
// and root repeats the OK without applying the payload twice.
package reduce

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/okian/tally/internal/domain/dedupe"
	"github.com/okian/tally/internal/domain/tally"
	"github.com/okian/tally/pkg/logger"
	"github.com/okian/tally/pkg/metrics"
)

// Target is the accumulator side of a reduction.
type Target interface {
	Snapshot() *tally.Snapshot
	Absorb(*tally.Snapshot) error
}

// Coordinator runs reductions for one rank. Each rank keeps its own
// Coordinator for the lifetime of the run so that round numbers line up.
//
// A round number advances only when a reduction completes, so every retry
// of a failed reduction carries the same round on every rank. Ranks meet at
// the barrier once per round; retries within a round skip it and are paired
// by messages alone.
type Coordinator struct {
	log        logger.Logger
	seen       dedupe.Deduper
	timeout    time.Duration
	ackTimeout time.Duration

	done atomic.Uint64

	mu sync.Mutex
	// joined is the round whose barrier this rank has passed.
	joined uint64
	// pending is the payload id of a peer whose last send was never
	// acknowledged; a retry reuses it so root can recognise the resend.
	pending uuid.UUID
}

// NewCoordinator builds a Coordinator.
func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{ackTimeout: defaultAckTimeout}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logger.Named("reduce")
	}
	if c.seen == nil {
		c.seen = dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(defaultDedupeSize))
	}
	return c
}

// Round returns the number of reductions completed so far.
func (c *Coordinator) Round() uint64 { return c.done.Load() }

// Reduce sums the target of every rank of comm onto root. On root the
// target ends up holding its own state plus every peer's; the targets of
// the other ranks are not modified. With a single rank Reduce is a no-op.
//
// A failed Reduce must be retried before the next one starts: until it
// succeeds every call works on the same round.
func (c *Coordinator) Reduce(ctx context.Context, comm Communicator, root int, target Target) (err error) {
	if root < 0 || root >= comm.Size() {
		return fmt.Errorf("%w: %d of %d", ErrInvalidRoot, root, comm.Size())
	}
	parent := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	round := c.done.Load() + 1
	start := time.Now()
	defer func() {
		status := "ok"
		if err != nil {
			status = "failed"
			metrics.RecordErrorByComponent("reduce", errorType(err))
		} else {
			c.done.Store(round)
		}
		metrics.RecordReduction(status)
		metrics.RecordReductionLatency(float64(time.Since(start).Milliseconds()))
	}()

	if err := c.join(ctx, comm, round); err != nil {
		return err
	}
	if comm.Size() == 1 {
		return nil
	}
	if comm.Rank() == root {
		return c.gather(ctx, parent, comm, round, target)
	}
	return c.contribute(ctx, comm, root, round, target)
}

// join passes the barrier of round unless this rank already has.
func (c *Coordinator) join(ctx context.Context, comm Communicator, round uint64) error {
	c.mu.Lock()
	joined := c.joined == round
	c.mu.Unlock()
	if joined {
		return nil
	}
	if err := comm.Barrier(ctx); err != nil {
		return fmt.Errorf("%w: barrier: %w", ErrCommunication, err)
	}
	c.mu.Lock()
	c.joined = round
	c.mu.Unlock()
	return nil
}

// contribute sends the local snapshot to root and waits for its verdict.
// An OK verdict is confirmed back to root before returning.
func (c *Coordinator) contribute(ctx context.Context, comm Communicator, root int, round uint64, target Target) error {
	c.mu.Lock()
	if c.pending == uuid.Nil {
		c.pending = uuid.New()
	}
	id := c.pending
	c.mu.Unlock()

	msg, err := encodePayload(payload{Sender: comm.Rank(), Round: round, ID: id, Snapshot: target.Snapshot()})
	if err != nil {
		return err
	}
	metrics.RecordPayloadBytes(len(msg))
	if err := comm.Send(ctx, root, msg); err != nil {
		return fmt.Errorf("%w: send to root %d: %w", ErrCommunication, root, err)
	}

	for {
		raw, err := comm.Recv(ctx, root)
		if err != nil {
			return fmt.Errorf("%w: waiting for root %d: %w", ErrCommunication, root, err)
		}
		a, err := decodeAck(raw)
		if err != nil {
			return err
		}
		if a.Round < round {
			c.log.Debug(ctx, "dropping stale acknowledgement",
				logger.Uint64("round", a.Round), logger.Uint64("current", round))
			continue
		}
		if a.Round > round {
			return fmt.Errorf("%w: acknowledgement for round %d while in round %d", ErrMalformedPayload, a.Round, round)
		}
		if a.Status != ackOK {
			return fmt.Errorf("%w: round %d", ErrRejected, round)
		}
		c.mu.Lock()
		c.pending = uuid.Nil
		c.mu.Unlock()
		c.confirm(ctx, comm, root, round)
		return nil
	}
}

// confirm tells root the OK verdict of round arrived. Root stands by
// the verdict either way, so a failed send is only logged.
func (c *Coordinator) confirm(ctx context.Context, comm Communicator, root int, round uint64) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.ackTimeout)
	defer cancel()
	if err := comm.Send(cctx, root, encodeConfirm(round)); err != nil {
		c.log.Warn(ctx, "confirmation not delivered",
			logger.Int("root", root), logger.Uint64("round", round), logger.Error(err))
	}
}

// gather collects one payload from every peer, then merges them into the
// root target in a single step. After a merge root waits, bounded by
// parent, until every peer confirms the verdict, answering resends of
// payloads it already applied with a fresh OK.
func (c *Coordinator) gather(ctx, parent context.Context, comm Communicator, round uint64, target Target) error {
	local := target.Snapshot()
	peers := make([]*tally.Snapshot, comm.Size())
	ids := make([]string, comm.Size())

	g, gctx := errgroup.WithContext(ctx)
	for rank := range comm.Size() {
		if rank == comm.Rank() {
			continue
		}
		g.Go(func() error {
			snap, id, err := c.receive(gctx, comm, rank, round, local)
			if err != nil {
				return err
			}
			peers[rank], ids[rank] = snap, id
			return nil
		})
	}
	gatherErr := g.Wait()

	if gatherErr == nil {
		merged := tally.NewSnapshot(local.Responses, local.Bins, local.Entities)
		for _, p := range peers {
			if p == nil {
				continue
			}
			if err := merged.Merge(p); err != nil {
				gatherErr = fmt.Errorf("%w: %w", ErrMalformedPayload, err)
				break
			}
		}
		if gatherErr == nil {
			if err := target.Absorb(merged); err != nil {
				gatherErr = fmt.Errorf("%w: %w", ErrMalformedPayload, err)
			}
		}
	}

	if gatherErr != nil {
		for _, id := range ids {
			if id != "" {
				c.seen.Unrecord(ctx, id)
			}
		}
		c.acknowledge(ctx, comm, round, ackFailed)
		c.log.Warn(ctx, "reduction failed, root state unchanged",
			logger.Uint64("round", round), logger.Error(gatherErr))
		return gatherErr
	}

	c.acknowledge(ctx, comm, round, ackOK)
	c.awaitConfirms(parent, comm, round)
	c.log.Debug(ctx, "reduction complete",
		logger.Uint64("round", round), logger.Int("ranks", comm.Size()))
	return nil
}

// receive reads from rank until a payload of the current round arrives.
// Stale payloads that were already applied are acknowledged again so a
// peer that lost its verdict can move on; other stale messages are
// dropped. A redelivered payload id counts as arrived but contributes
// nothing.
func (c *Coordinator) receive(ctx context.Context, comm Communicator, rank int, round uint64, local *tally.Snapshot) (*tally.Snapshot, string, error) {
	for {
		raw, err := comm.Recv(ctx, rank)
		if err != nil {
			return nil, "", fmt.Errorf("%w: receive from rank %d: %w", ErrCommunication, rank, err)
		}
		if isConfirm(raw) {
			c.log.Debug(ctx, "dropping late confirmation", logger.Int("rank", rank))
			continue
		}
		p, err := decodePayload(raw)
		if err != nil {
			return nil, "", fmt.Errorf("rank %d: %w", rank, err)
		}
		if p.Sender != rank {
			return nil, "", fmt.Errorf("%w: rank %d sent a payload claiming rank %d", ErrMalformedPayload, rank, p.Sender)
		}
		if p.Round < round {
			c.resolveStale(ctx, comm, rank, p)
			continue
		}
		if p.Round > round {
			return nil, "", fmt.Errorf("%w: rank %d is in round %d, root in %d", ErrMalformedPayload, rank, p.Round, round)
		}
		if err := local.CheckLayout(p.Snapshot); err != nil {
			return nil, "", fmt.Errorf("%w: rank %d: %w", ErrMalformedPayload, rank, err)
		}
		id := p.ID.String()
		if c.seen.SeenAndRecord(ctx, id) {
			metrics.RecordPayloadDuplicate()
			c.log.Warn(ctx, "payload already applied, skipping",
				logger.Int("rank", rank), logger.String("payload", id))
			return nil, "", nil
		}
		return p.Snapshot, id, nil
	}
}

// awaitConfirms waits for the confirmation of round from every peer. It
// outlasts the peers' own reduction timeout so a peer that lost the
// verdict has time to resend. Peers that stay silent are logged.
func (c *Coordinator) awaitConfirms(parent context.Context, comm Communicator, round uint64) {
	ctx, cancel := context.WithTimeout(parent, c.timeout+c.ackTimeout)
	defer cancel()

	var g errgroup.Group
	for rank := range comm.Size() {
		if rank == comm.Rank() {
			continue
		}
		g.Go(func() error {
			if err := c.awaitConfirm(ctx, comm, rank, round); err != nil {
				c.log.Warn(ctx, "peer did not confirm the reduction",
					logger.Int("rank", rank), logger.Uint64("round", round), logger.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Coordinator) awaitConfirm(ctx context.Context, comm Communicator, rank int, round uint64) error {
	for {
		raw, err := comm.Recv(ctx, rank)
		if err != nil {
			return err
		}
		if isConfirm(raw) {
			r, err := decodeConfirm(raw)
			if err != nil {
				return err
			}
			if r == round {
				return nil
			}
			continue
		}
		p, err := decodePayload(raw)
		if err != nil {
			return err
		}
		if p.Round > round {
			return fmt.Errorf("%w: rank %d is in round %d, root in %d", ErrMalformedPayload, rank, p.Round, round)
		}
		c.resolveStale(ctx, comm, rank, p)
	}
}

// resolveStale answers a payload from a round root has moved past. If its
// id was applied the peer only missed the verdict, so the OK is repeated.
func (c *Coordinator) resolveStale(ctx context.Context, comm Communicator, rank int, p payload) {
	id := p.ID.String()
	if !c.seen.Seen(ctx, id) {
		c.log.Debug(ctx, "dropping stale payload",
			logger.Int("rank", rank), logger.Uint64("round", p.Round), logger.String("payload", id))
		return
	}
	metrics.RecordPayloadDuplicate()
	c.log.Warn(ctx, "payload already applied, repeating verdict",
		logger.Int("rank", rank), logger.Uint64("round", p.Round), logger.String("payload", id))

	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.ackTimeout)
	defer cancel()
	if err := comm.Send(actx, rank, encodeAck(ack{Round: p.Round, Status: ackOK})); err != nil {
		c.log.Warn(ctx, "acknowledgement not delivered",
			logger.Int("rank", rank), logger.Error(err))
	}
}

// acknowledge sends the verdict to every peer. Delivery failures are
// logged; the verdict on root stands either way.
func (c *Coordinator) acknowledge(ctx context.Context, comm Communicator, round uint64, status ackStatus) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.ackTimeout)
	defer cancel()

	msg := encodeAck(ack{Round: round, Status: status})
	g, gctx := errgroup.WithContext(actx)
	for rank := range comm.Size() {
		if rank == comm.Rank() {
			continue
		}
		g.Go(func() error {
			if err := comm.Send(gctx, rank, msg); err != nil {
				c.log.Warn(gctx, "acknowledgement not delivered",
					logger.Int("rank", rank), logger.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

func errorType(err error) string {
	switch {
	case errors.Is(err, ErrMalformedPayload):
		return "malformed_payload"
	case errors.Is(err, ErrRejected):
		return "rejected"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrCommunication):
		return "communication"
	default:
		return "unknown"
	}
}
