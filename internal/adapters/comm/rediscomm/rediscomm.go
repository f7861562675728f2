// Package rediscomm connects ranks running in separate processes through a
// Redis server. Every ordered pair of ranks gets a list used as a FIFO
// mailbox; barriers are counted with a Lua script so arrival and release
// are atomic.
package rediscomm

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/okian/tally/internal/domain/reduce"
	"github.com/okian/tally/pkg/logger"
)

// Sentinel kinds for Redis communication errors.
var (
	ErrInvalidRank = errors.New("invalid rank")
	ErrMissingRun  = errors.New("run id is required")
)

var _ reduce.Communicator = (*Comm)(nil)

// arriveScript counts one arrival. The last rank marks the barrier as
// released and leaves one token per waiting rank.
var arriveScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
redis.call('EXPIRE', KEYS[1], ARGV[2])
if n == tonumber(ARGV[1]) then
  redis.call('SET', KEYS[3], 1, 'EX', ARGV[2])
  for i = 1, n - 1 do
    redis.call('RPUSH', KEYS[2], 1)
  end
  redis.call('EXPIRE', KEYS[2], ARGV[2])
  return 1
end
return 0
`)

// leaveScript withdraws an arrival unless the barrier was already released.
var leaveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
  return 1
end
redis.call('DECR', KEYS[1])
return 0
`)

// Comm is one rank's view of a Redis-backed group.
type Comm struct {
	client redis.UniversalClient
	run    string
	rank   int
	size   int

	prefix string
	poll   time.Duration
	ttl    time.Duration
	log    logger.Logger

	// barriers counts completed barriers; every rank passes the same
	// sequence so the counter names the same key everywhere.
	barriers uint64
}

// New returns the communicator of rank within a group of size ranks that
// share run.
func New(client redis.UniversalClient, run string, rank, size int, opts ...Option) (*Comm, error) {
	if run == "" {
		return nil, ErrMissingRun
	}
	if size < 1 || rank < 0 || rank >= size {
		return nil, fmt.Errorf("%w: rank %d of %d", ErrInvalidRank, rank, size)
	}
	c := &Comm{
		client: client,
		run:    run,
		rank:   rank,
		size:   size,
		prefix: defaultPrefix,
		poll:   defaultPollInterval,
		ttl:    defaultKeyTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logger.Named("comm")
	}
	return c, nil
}

// Dial connects to addr and returns the communicator of rank.
func Dial(ctx context.Context, addr, run string, rank, size int, opts ...Option) (*Comm, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, ContextTimeoutEnabled: true})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis %s: %w", addr, err)
	}
	return New(client, run, rank, size, opts...)
}

// Close releases the underlying client.
func (c *Comm) Close() error { return c.client.Close() }

func (c *Comm) Rank() int { return c.rank }

func (c *Comm) Size() int { return c.size }

func (c *Comm) mailbox(src, dest int) string {
	return fmt.Sprintf("%s:%s:msg:%d:%d", c.prefix, c.run, src, dest)
}

func (c *Comm) barrierKeys(gen uint64) []string {
	base := fmt.Sprintf("%s:%s:barrier:%d", c.prefix, c.run, gen)
	return []string{base + ":count", base + ":release", base + ":done"}
}

// Send appends msg to the mailbox of dest.
func (c *Comm) Send(ctx context.Context, dest int, msg []byte) error {
	if dest < 0 || dest >= c.size {
		return fmt.Errorf("%w: %d", ErrInvalidRank, dest)
	}
	key := c.mailbox(c.rank, dest)
	pipe := c.client.TxPipeline()
	pipe.RPush(ctx, key, msg)
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("send to rank %d: %w", dest, err)
	}
	return nil
}

// Recv pops the next message from src, polling until ctx is done.
func (c *Comm) Recv(ctx context.Context, src int) ([]byte, error) {
	if src < 0 || src >= c.size {
		return nil, fmt.Errorf("%w: %d", ErrInvalidRank, src)
	}
	v, err := c.pop(ctx, c.mailbox(src, c.rank))
	if err != nil {
		return nil, fmt.Errorf("receive from rank %d: %w", src, err)
	}
	return []byte(v), nil
}

func (c *Comm) pop(ctx context.Context, key string) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		wait := c.poll
		if deadline, ok := ctx.Deadline(); ok {
			// BLPOP timeouts have second granularity.
			if left := time.Until(deadline); left < wait {
				wait = max(left, time.Second)
			}
		}
		res, err := c.client.BLPop(ctx, wait, key).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", err
		}
		// res is [key, value]
		return res[1], nil
	}
}

// Barrier blocks until every rank of the run reached the same barrier.
func (c *Comm) Barrier(ctx context.Context) error {
	keys := c.barrierKeys(c.barriers)
	ttl := int64(c.ttl / time.Second)

	last, err := arriveScript.Run(ctx, c.client, keys, c.size, ttl).Int()
	if err != nil {
		return fmt.Errorf("barrier %d: %w", c.barriers, err)
	}
	if last == 1 {
		c.barriers++
		return nil
	}

	if _, err := c.pop(ctx, keys[1]); err != nil {
		// Withdraw so a retry of the same barrier counts this rank once.
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.poll)
		defer cancel()
		released, lerr := leaveScript.Run(lctx, c.client, []string{keys[0], keys[2]}).Int()
		if lerr == nil && released == 1 {
			_ = c.client.LPop(lctx, keys[1]).Err()
			c.barriers++
			return nil
		}
		return fmt.Errorf("barrier %d: %w", c.barriers, err)
	}
	c.barriers++
	return nil
}
