package reduce

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/okian/tally/internal/adapters/comm/local"
	"github.com/okian/tally/internal/domain/phasespace"
	"github.com/okian/tally/internal/domain/response"
	"github.com/okian/tally/internal/domain/tally"
	"github.com/okian/tally/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func TestMain(m *testing.M) {
	_ = logger.Init()
	os.Exit(m.Run())
}

const entityE tally.EntityID = 7

func newAccumulator(t testing.TB) *tally.Accumulator {
	t.Helper()
	dim, err := phasespace.NewOrdered(phasespace.Energy, []float64{0, 1, 2})
	if err != nil {
		t.Fatal(err)
	}
	disc, err := phasespace.New(1, dim)
	if err != nil {
		t.Fatal(err)
	}
	rs, err := response.New()
	if err != nil {
		t.Fatal(err)
	}
	acc, err := tally.New(disc, rs, []tally.Entity{{ID: entityE, Norm: 1}, {ID: 8, Norm: 2}})
	if err != nil {
		t.Fatal(err)
	}
	return acc
}

func score(t testing.TB, acc *tally.Accumulator, entity tally.EntityID, energy float64, values ...float64) {
	t.Helper()
	if err := acc.BeginHistory(0); err != nil {
		t.Fatal(err)
	}
	for _, v := range values {
		if err := acc.AddPointContribution(0, entity, phasespace.Event{}.With(phasespace.Energy, energy), v); err != nil {
			t.Fatal(err)
		}
	}
	if err := acc.Commit(0); err != nil {
		t.Fatal(err)
	}
}

// runAll calls Reduce on every rank concurrently and returns the error of each.
func runAll(comms []Communicator, coords []*Coordinator, accs []*tally.Accumulator, root int) []error {
	errs := make([]error, len(comms))
	var wg sync.WaitGroup
	for r := range comms {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			errs[r] = coords[r].Reduce(ctx, comms[r], root, accs[r])
		}(r)
	}
	wg.Wait()
	return errs
}

func setup(t testing.TB, size int) ([]Communicator, []*Coordinator, []*tally.Accumulator) {
	t.Helper()
	g, err := local.NewGroup(size, 8)
	if err != nil {
		t.Fatal(err)
	}
	comms := make([]Communicator, size)
	coords := make([]*Coordinator, size)
	accs := make([]*tally.Accumulator, size)
	for r, c := range g.Comms() {
		comms[r] = c
		coords[r] = NewCoordinator()
		accs[r] = newAccumulator(t)
	}
	return comms, coords, accs
}

func noErrors(errs []error) bool {
	for _, err := range errs {
		if err != nil {
			return false
		}
	}
	return true
}

func TestReduceEndToEnd(t *testing.T) {
	Convey("Given entity 7 scored on two processes", t, func() {
		comms, coords, accs := setup(t, 2)
		score(t, accs[0], entityE, 0.5, 2, 3)
		score(t, accs[0], entityE, 1.5, 4)
		score(t, accs[1], entityE, 0.5, 1)

		Convey("When they reduce onto rank 0", func() {
			errs := runAll(comms, coords, accs, 0)
			So(noErrors(errs), ShouldBeTrue)

			Convey("Then root holds the combined moments", func() {
				bins, _ := accs[0].EntityBins(entityE)
				So(bins[0].M1, ShouldEqual, 6.0)
				So(bins[0].M2, ShouldEqual, 26.0)
				So(bins[1].M1, ShouldEqual, 4.0)
				totals, _ := accs[0].EntityTotals(entityE)
				So(totals[0].M1, ShouldEqual, 10.0)
				So(accs[0].Histories(), ShouldEqual, 3)
			})

			Convey("And the peer keeps its own partial result", func() {
				bins, _ := accs[1].EntityBins(entityE)
				So(bins[0].M1, ShouldEqual, 1.0)
				So(bins[0].M2, ShouldEqual, 1.0)
			})
		})
	})
}

func TestReduceAdditivity(t *testing.T) {
	comms, coords, accs := setup(t, 4)
	for r, acc := range accs {
		score(t, acc, entityE, 0.5, float64(r+1))
		score(t, acc, 8, 1.5, float64(2*r+1), 1)
	}
	var want []*tally.Snapshot
	for _, acc := range accs {
		want = append(want, acc.Snapshot())
	}
	expected := want[0].Clone()
	for _, s := range want[1:] {
		if err := expected.Merge(s); err != nil {
			t.Fatal(err)
		}
	}

	const root = 2
	if errs := runAll(comms, coords, accs, root); !noErrors(errs) {
		t.Fatalf("reduce: %v", errs)
	}
	got := accs[root].Snapshot()
	for e := range got.Entities {
		for b := range got.Bins {
			if got.Bin(e, b) != expected.Bin(e, b) {
				t.Errorf("entity %d bin %d = %+v, want %+v", e, b, got.Bin(e, b), expected.Bin(e, b))
			}
		}
		if got.EntityTotal(e, 0) != expected.EntityTotal(e, 0) {
			t.Errorf("entity %d total = %+v, want %+v", e, got.EntityTotal(e, 0), expected.EntityTotal(e, 0))
		}
	}
	if got.Total(0) != expected.Total(0) || got.Histories != expected.Histories {
		t.Errorf("totals = %+v/%d, want %+v/%d", got.Total(0), got.Histories, expected.Total(0), expected.Histories)
	}
}

func TestReduceSingleProcessIsNoop(t *testing.T) {
	comms, coords, accs := setup(t, 1)
	score(t, accs[0], entityE, 0.5, 3)
	before := accs[0].Snapshot()

	if errs := runAll(comms, coords, accs, 0); !noErrors(errs) {
		t.Fatalf("reduce: %v", errs)
	}
	after := accs[0].Snapshot()
	if after.Bin(0, 0) != before.Bin(0, 0) || after.Histories != before.Histories {
		t.Errorf("single-rank reduce changed state: %+v -> %+v", before.Bin(0, 0), after.Bin(0, 0))
	}
}

func TestReduceInvalidRoot(t *testing.T) {
	comms, coords, accs := setup(t, 2)
	err := coords[0].Reduce(context.Background(), comms[0], 2, accs[0])
	if !errors.Is(err, ErrInvalidRoot) {
		t.Errorf("expected ErrInvalidRoot, got %v", err)
	}
}

// corruptingComm flips a byte in the first payload it sends.
type corruptingComm struct {
	Communicator
	once sync.Once
}

func (c *corruptingComm) Send(ctx context.Context, dest int, msg []byte) error {
	c.once.Do(func() {
		msg = append([]byte(nil), msg...)
		msg[len(msg)/2] ^= 0xff
	})
	return c.Communicator.Send(ctx, dest, msg)
}

func TestReduceFailureLeavesRootUntouched(t *testing.T) {
	Convey("Given three ranks where rank 2 corrupts its first payload", t, func() {
		comms, coords, accs := setup(t, 3)
		comms[2] = &corruptingComm{Communicator: comms[2]}
		for r, acc := range accs {
			score(t, acc, entityE, 0.5, float64(r+1))
		}
		before := accs[0].Snapshot()

		Convey("When the first reduction runs", func() {
			errs := runAll(comms, coords, accs, 0)

			Convey("Then root reports a malformed payload and keeps its state", func() {
				So(errors.Is(errs[0], ErrMalformedPayload), ShouldBeTrue)
				So(errors.Is(errs[1], ErrRejected), ShouldBeTrue)
				So(errors.Is(errs[2], ErrRejected), ShouldBeTrue)
				So(accs[0].Snapshot().Bin(0, 0), ShouldResemble, before.Bin(0, 0))
			})

			Convey("And a retry sums every rank exactly once", func() {
				So(noErrors(runAll(comms, coords, accs, 0)), ShouldBeTrue)
				bin := accs[0].Snapshot().Bin(0, 0)
				So(bin.M1, ShouldEqual, 6.0)
				So(bin.M2, ShouldEqual, 14.0)
				So(coords[0].Round(), ShouldEqual, 1)
				So(coords[2].Round(), ShouldEqual, 1)
			})
		})
	})
}

// lossyComm fails the first receive so the peer misses root's verdict.
type lossyComm struct {
	Communicator
	once sync.Once
}

func (c *lossyComm) Recv(ctx context.Context, src int) ([]byte, error) {
	var lost bool
	c.once.Do(func() { lost = true })
	if lost {
		return nil, errors.New("connection reset")
	}
	return c.Communicator.Recv(ctx, src)
}

func TestReduceResendIsAppliedOnce(t *testing.T) {
	Convey("Given a peer that loses root's first verdict", t, func() {
		comms, coords, accs := setup(t, 2)
		comms[1] = &lossyComm{Communicator: comms[1]}
		score(t, accs[0], entityE, 0.5, 2)
		score(t, accs[1], entityE, 0.5, 3)

		Convey("When the peer retries while root waits for its confirmation", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			var rootErr, lostErr, retryErr error
			var wg sync.WaitGroup
			wg.Add(2)
			go func() {
				defer wg.Done()
				rootErr = coords[0].Reduce(ctx, comms[0], 0, accs[0])
			}()
			go func() {
				defer wg.Done()
				lostErr = coords[1].Reduce(ctx, comms[1], 0, accs[1])
				retryErr = coords[1].Reduce(ctx, comms[1], 0, accs[1])
			}()
			wg.Wait()

			Convey("Then both ranks complete the same round", func() {
				So(errors.Is(lostErr, ErrCommunication), ShouldBeTrue)
				So(rootErr, ShouldBeNil)
				So(retryErr, ShouldBeNil)
				So(coords[0].Round(), ShouldEqual, 1)
				So(coords[1].Round(), ShouldEqual, 1)
			})

			Convey("And the resend is applied once", func() {
				bins, _ := accs[0].EntityBins(entityE)
				So(bins[0].M1, ShouldEqual, 5.0)
			})

			Convey("And the next round pairs up again", func() {
				So(noErrors(runAll(comms, coords, accs, 0)), ShouldBeTrue)
				bins, _ := accs[0].EntityBins(entityE)
				So(bins[0].M1, ShouldEqual, 8.0)
				So(coords[1].Round(), ShouldEqual, 2)
			})
		})
	})
}

func TestCodec(t *testing.T) {
	acc := newAccumulator(t)
	score(t, acc, entityE, 0.5, 2, 3)
	score(t, acc, 8, 1.5, 0.25)
	snap := acc.Snapshot()

	msg, err := encodePayload(payload{Sender: 3, Round: 9, Snapshot: snap})
	if err != nil {
		t.Fatal(err)
	}
	p, err := decodePayload(msg)
	if err != nil {
		t.Fatal(err)
	}
	if p.Sender != 3 || p.Round != 9 || p.Snapshot.Histories != 2 {
		t.Errorf("header = %d/%d/%d", p.Sender, p.Round, p.Snapshot.Histories)
	}
	if err := snap.CheckLayout(p.Snapshot); err != nil {
		t.Fatal(err)
	}
	if p.Snapshot.Bin(0, 0) != snap.Bin(0, 0) || p.Snapshot.Bin(1, 1) != snap.Bin(1, 1) {
		t.Errorf("moments changed on the wire")
	}

	t.Run("truncated", func(t *testing.T) {
		if _, err := decodePayload(msg[:len(msg)-9]); !errors.Is(err, ErrMalformedPayload) {
			t.Errorf("got %v", err)
		}
	})
	t.Run("flipped bit", func(t *testing.T) {
		bad := append([]byte(nil), msg...)
		bad[payloadHeaderLen+3] ^= 1
		if _, err := decodePayload(bad); !errors.Is(err, ErrMalformedPayload) {
			t.Errorf("got %v", err)
		}
	})
	t.Run("ack is not a payload", func(t *testing.T) {
		if _, err := decodePayload(encodeAck(ack{Round: 1, Status: ackOK})); !errors.Is(err, ErrMalformedPayload) {
			t.Errorf("got %v", err)
		}
		a, err := decodeAck(encodeAck(ack{Round: 4, Status: ackFailed}))
		if err != nil || a.Round != 4 || a.Status != ackFailed {
			t.Errorf("ack = %+v, %v", a, err)
		}
	})
	t.Run("confirmation", func(t *testing.T) {
		msg := encodeConfirm(6)
		if !isConfirm(msg) || isConfirm(encodeAck(ack{Round: 6, Status: ackOK})) {
			t.Fatal("confirmation not told apart from an acknowledgement")
		}
		if r, err := decodeConfirm(msg); err != nil || r != 6 {
			t.Errorf("confirm = %d, %v", r, err)
		}
		if _, err := decodeAck(msg); !errors.Is(err, ErrMalformedPayload) {
			t.Errorf("got %v", err)
		}
	})
}
