package rediscomm

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/okian/tally/pkg/logger"
)

func TestMain(m *testing.M) {
	_ = logger.Init()
	os.Exit(m.Run())
}

// dialGroup connects size ranks to the Redis under TALLY_TEST_REDIS_ADDR
// (default 127.0.0.1:6379) and skips when it is not reachable.
func dialGroup(t *testing.T, size int) []*Comm {
	t.Helper()
	addr := os.Getenv("TALLY_TEST_REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	rc := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rc.Ping(ctx).Err(); err != nil {
		_ = rc.Close()
		t.Skipf("Skipping: Redis not reachable on %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = rc.Close() })

	run := uuid.NewString()
	comms := make([]*Comm, size)
	for r := range size {
		c, err := New(rc, run, r, size, WithPollInterval(time.Second), WithKeyTTL(time.Minute))
		if err != nil {
			t.Fatal(err)
		}
		comms[r] = c
	}
	return comms
}

func TestNewValidation(t *testing.T) {
	rc := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer rc.Close()
	if _, err := New(rc, "", 0, 1); !errors.Is(err, ErrMissingRun) {
		t.Errorf("expected ErrMissingRun, got %v", err)
	}
	if _, err := New(rc, "run", 2, 2); !errors.Is(err, ErrInvalidRank) {
		t.Errorf("expected ErrInvalidRank, got %v", err)
	}
	c, err := New(rc, "run", 1, 3, WithKeyPrefix("x"))
	if err != nil {
		t.Fatal(err)
	}
	if got := c.mailbox(2, 1); got != "x:run:msg:2:1" {
		t.Errorf("mailbox key = %q", got)
	}
	if err := c.Send(context.Background(), 3, nil); !errors.Is(err, ErrInvalidRank) {
		t.Errorf("send to unknown rank: %v", err)
	}
}

func TestSendRecvOrder(t *testing.T) {
	comms := dialGroup(t, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, m := range []string{"first", "second"} {
		if err := comms[1].Send(ctx, 0, []byte(m)); err != nil {
			t.Fatal(err)
		}
	}
	for _, want := range []string{"first", "second"} {
		got, err := comms[0].Recv(ctx, 1)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}
}

func TestBarrier(t *testing.T) {
	comms := dialGroup(t, 3)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for round := range 2 {
		var g errgroup.Group
		for _, c := range comms {
			g.Go(func() error { return c.Barrier(ctx) })
		}
		if err := g.Wait(); err != nil {
			t.Fatalf("round %d: %v", round, err)
		}
	}
	for _, c := range comms {
		if c.barriers != 2 {
			t.Errorf("rank %d passed %d barriers, want 2", c.rank, c.barriers)
		}
	}
}

func TestBarrierWithdrawOnTimeout(t *testing.T) {
	comms := dialGroup(t, 2)
	short, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()
	if err := comms[0].Barrier(short); err == nil {
		t.Fatal("lonely rank passed the barrier")
	}

	ctx, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel2()
	var g errgroup.Group
	for _, c := range comms {
		g.Go(func() error { return c.Barrier(ctx) })
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}
