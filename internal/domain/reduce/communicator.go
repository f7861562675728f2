package reduce

import "context"

// Communicator is the set of cooperating processes taking part in a
// reduction. Messages between a pair of ranks are delivered in order.
type Communicator interface {
	// Rank returns the rank of the calling process in [0, Size()).
	Rank() int
	// Size returns the number of processes.
	Size() int
	// Barrier blocks until every rank has entered it.
	Barrier(ctx context.Context) error
	// Send delivers msg to rank dest.
	Send(ctx context.Context, dest int, msg []byte) error
	// Recv blocks for the next message sent by rank src.
	Recv(ctx context.Context, src int) ([]byte, error)
}
