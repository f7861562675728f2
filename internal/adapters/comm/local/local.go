// Package local connects ranks that live in the same process. It backs
// single-binary runs and tests of the reduction protocol.
package local

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

const defaultMailbox = 16

// Sentinel kinds for in-process communication errors.
var (
	ErrInvalidRank = errors.New("invalid rank")
	ErrInvalidSize = errors.New("group size must be positive")
)

// Group is a set of in-process ranks. Every ordered pair of ranks has its
// own mailbox so messages between two ranks keep their order.
type Group struct {
	size  int
	boxes [][]chan []byte

	mu      sync.Mutex
	arrived int
	release chan struct{}
}

// NewGroup creates size ranks with the given mailbox depth per pair.
func NewGroup(size, mailbox int) (*Group, error) {
	if size < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	if mailbox < 1 {
		mailbox = defaultMailbox
	}
	g := &Group{size: size, release: make(chan struct{})}
	g.boxes = make([][]chan []byte, size)
	for src := range size {
		g.boxes[src] = make([]chan []byte, size)
		for dest := range size {
			g.boxes[src][dest] = make(chan []byte, mailbox)
		}
	}
	return g, nil
}

// Size returns the number of ranks.
func (g *Group) Size() int { return g.size }

// Rank returns the communicator of rank r.
func (g *Group) Rank(r int) (*Comm, error) {
	if r < 0 || r >= g.size {
		return nil, fmt.Errorf("%w: %d of %d", ErrInvalidRank, r, g.size)
	}
	return &Comm{group: g, rank: r}, nil
}

// Comms returns one communicator per rank.
func (g *Group) Comms() []*Comm {
	out := make([]*Comm, g.size)
	for r := range out {
		out[r] = &Comm{group: g, rank: r}
	}
	return out
}

func (g *Group) barrier(ctx context.Context) error {
	g.mu.Lock()
	ch := g.release
	g.arrived++
	if g.arrived == g.size {
		close(ch)
		g.release = make(chan struct{})
		g.arrived = 0
		g.mu.Unlock()
		return nil
	}
	g.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		defer g.mu.Unlock()
		select {
		case <-ch:
			// released while we were giving up
			return nil
		default:
		}
		g.arrived--
		return ctx.Err()
	}
}

// Comm is the view of one rank.
type Comm struct {
	group *Group
	rank  int
}

func (c *Comm) Rank() int { return c.rank }

func (c *Comm) Size() int { return c.group.size }

func (c *Comm) Barrier(ctx context.Context) error { return c.group.barrier(ctx) }

func (c *Comm) Send(ctx context.Context, dest int, msg []byte) error {
	if dest < 0 || dest >= c.group.size {
		return fmt.Errorf("%w: %d", ErrInvalidRank, dest)
	}
	cp := make([]byte, len(msg))
	copy(cp, msg)
	select {
	case c.group.boxes[c.rank][dest] <- cp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Comm) Recv(ctx context.Context, src int) ([]byte, error) {
	if src < 0 || src >= c.group.size {
		return nil, fmt.Errorf("%w: %d", ErrInvalidRank, src)
	}
	select {
	case msg := <-c.group.boxes[src][c.rank]:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
