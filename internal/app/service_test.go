package service_test

import (
	"context"
	"errors"
	"math"
	"os"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/okian/tally/internal/adapters/archive"
	"github.com/okian/tally/internal/adapters/comm/local"
	service "github.com/okian/tally/internal/app"
	"github.com/okian/tally/internal/config"
	"github.com/okian/tally/internal/domain/reduce"
	"github.com/okian/tally/internal/domain/tally"
	"github.com/okian/tally/internal/domain/types"
	"github.com/okian/tally/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func TestMain(m *testing.M) {
	_ = logger.Init()
	os.Exit(m.Run())
}

func testConfig(size, histories, batches int) *config.Config {
	cfg := config.New()
	cfg.Addr = ""
	cfg.WorkerCount = 2
	cfg.QueueSize = 16
	cfg.LockStripes = 64
	cfg.HistoriesPerBatch = histories
	cfg.Batches = batches
	cfg.Seed = 99
	cfg.Size = size
	cfg.ReductionRetries = 0
	cfg.ReductionTimeoutMS = 10_000
	return cfg
}

// runGroup runs every rank of an in-process group to completion.
func runGroup(t *testing.T, cfg *config.Config, store *archive.Store) []*service.Service {
	t.Helper()
	return runGroupWith(t, cfg, store, nil)
}

// runGroupWith is runGroup with wrap applied to every rank's communicator.
func runGroupWith(t *testing.T, cfg *config.Config, store *archive.Store, wrap func(int, reduce.Communicator) reduce.Communicator) []*service.Service {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	group, err := local.NewGroup(cfg.Size, 4)
	if err != nil {
		t.Fatal(err)
	}
	svcs := make([]*service.Service, cfg.Size)
	for i, c := range group.Comms() {
		var comm reduce.Communicator = c
		if wrap != nil {
			comm = wrap(i, comm)
		}
		svcs[i], err = service.New(cfg, comm, service.WithArchive(store))
		if err != nil {
			t.Fatal(err)
		}
		if err := svcs[i].Start(ctx); err != nil {
			t.Fatal(err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, svc := range svcs {
		g.Go(func() error { return svc.Run(gctx) })
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	for _, svc := range svcs {
		if err := svc.Stop(ctx); err != nil {
			t.Fatal(err)
		}
	}
	return svcs
}

func openArchive(t *testing.T) *archive.Store {
	t.Helper()
	store, err := archive.Open()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestService_GroupRun(t *testing.T) {
	Convey("Given two in-process ranks running two batches of 50 histories", t, func() {
		store := openArchive(t)
		svcs := runGroup(t, testConfig(2, 50, 2), store)
		root, peer := svcs[0], svcs[1]

		Convey("Then root publishes the group total", func() {
			pub := root.Published()
			So(pub, ShouldNotBeNil)
			So(pub.Scope, ShouldEqual, types.ScopeGlobal)
			So(pub.Batch, ShouldEqual, 1)
			So(pub.Snapshot.Histories, ShouldEqual, 200)
			So(root.Accumulator().Histories(), ShouldEqual, 200)
		})

		Convey("And the peer publishes its own batch and starts over", func() {
			pub := peer.Published()
			So(pub.Scope, ShouldEqual, types.ScopeLocal)
			So(pub.Snapshot.Histories, ShouldEqual, 50)
			So(peer.Accumulator().Histories(), ShouldEqual, 0)
		})

		Convey("And every batch of every rank is archived", func() {
			entries, err := store.List(context.Background())
			So(err, ShouldBeNil)
			So(entries, ShouldHaveLength, 4)
		})

		Convey("And reports are served from the published snapshot", func() {
			st := root.Stats()
			So(st.Batches, ShouldEqual, 2)
			So(st.Reductions, ShouldEqual, 2)
			So(st.Histories, ShouldEqual, 200)
			So(st.Totals, ShouldHaveLength, 1)
			So(st.Totals[0].Summary.Mean, ShouldBeGreaterThan, 0)
			So(st.Totals[0].Normalized, ShouldBeNil)

			list, err := root.Tallies()
			So(err, ShouldBeNil)
			So(list, ShouldHaveLength, 2)
			So(list[0].Totals[0].Normalized, ShouldNotBeNil)

			rep, err := root.Tally(1)
			So(err, ShouldBeNil)
			So(rep.Bins, ShouldNotBeEmpty)
			for _, b := range rep.Bins {
				So(b.Index, ShouldHaveLength, 2)
				So(b.Summary.Histories, ShouldEqual, 200)
			}

			_, err = root.Tally(99)
			So(errors.Is(err, tally.ErrUnknownEntity), ShouldBeTrue)
		})
	})
}

func TestService_ReductionMatchesSingleRank(t *testing.T) {
	Convey("Given the same 200 histories split over two ranks or run on one", t, func() {
		split := runGroup(t, testConfig(2, 50, 2), openArchive(t))[0].Published().Snapshot
		single := runGroup(t, testConfig(1, 200, 1), openArchive(t))[0].Published().Snapshot

		Convey("Then the reduced moments agree up to summation order", func() {
			So(split.Histories, ShouldEqual, single.Histories)
			for e := range single.Entities {
				for i, want := range single.EntityBins[e] {
					So(math.Abs(split.EntityBins[e][i]-want), ShouldBeLessThanOrEqualTo, 1e-9*math.Max(1, math.Abs(want)))
				}
			}
		})
	})
}

func TestService_UnorderedAxes(t *testing.T) {
	Convey("Given a run binned by collision number and source id", t, func() {
		cfg := testConfig(1, 200, 1)
		cfg.Sources = 2
		cfg.CollisionSets = [][]float64{{0}, {1, 2, 3}}
		cfg.SourceSets = [][]float64{{0}, {1}, {0, 1}}
		root := runGroup(t, cfg, openArchive(t))[0]

		Convey("Then every collision and source bin scores", func() {
			rep, err := root.Tally(1)
			So(err, ShouldBeNil)
			collisions := map[int]float64{}
			sources := map[int]float64{}
			for _, b := range rep.Bins {
				So(b.Index, ShouldHaveLength, 4)
				collisions[b.Index[2]] += b.Summary.Mean
				sources[b.Index[3]] += b.Summary.Mean
			}
			So(collisions[0], ShouldBeGreaterThan, 0)
			So(collisions[1], ShouldBeGreaterThan, 0)
			for bin := range 3 {
				So(sources[bin], ShouldBeGreaterThan, 0)
			}
			So(math.Abs(sources[2]-sources[0]-sources[1]), ShouldBeLessThanOrEqualTo, 1e-9*sources[2])
		})
	})
}

// droppingComm loses the first message it receives.
type droppingComm struct {
	reduce.Communicator
	once sync.Once
}

func (c *droppingComm) Recv(ctx context.Context, src int) ([]byte, error) {
	var drop bool
	c.once.Do(func() { drop = true })
	if drop {
		if _, err := c.Communicator.Recv(ctx, src); err != nil {
			return nil, err
		}
	}
	return c.Communicator.Recv(ctx, src)
}

func TestService_LostAcknowledgement(t *testing.T) {
	Convey("Given two ranks where the peer loses root's verdict on the first batch", t, func() {
		cfg := testConfig(2, 50, 3)
		cfg.ReductionRetries = 2
		cfg.ReductionTimeoutMS = 1000
		svcs := runGroupWith(t, cfg, openArchive(t), func(rank int, c reduce.Communicator) reduce.Communicator {
			if rank == 1 {
				return &droppingComm{Communicator: c}
			}
			return c
		})
		root, peer := svcs[0], svcs[1]

		Convey("Then root still sums every batch of both ranks exactly once", func() {
			pub := root.Published()
			So(pub.Batch, ShouldEqual, 2)
			So(pub.Snapshot.Histories, ShouldEqual, 300)
			So(root.Stats().Reductions, ShouldEqual, 3)

			single := runGroup(t, testConfig(1, 300, 1), openArchive(t))[0].Published().Snapshot
			for e := range single.Entities {
				for i, want := range single.EntityBins[e] {
					So(math.Abs(pub.Snapshot.EntityBins[e][i]-want), ShouldBeLessThanOrEqualTo, 1e-9*math.Max(1, math.Abs(want)))
				}
			}
		})

		Convey("And the peer finishes its last batch in step with root", func() {
			pub := peer.Published()
			So(pub.Batch, ShouldEqual, 2)
			So(pub.Snapshot.Histories, ShouldEqual, 50)
		})
	})
}

func TestService_BeforeFirstBatch(t *testing.T) {
	group, _ := local.NewGroup(1, 1)
	svc, err := service.New(testConfig(1, 10, 1), group.Comms()[0])
	if err != nil {
		t.Fatal(err)
	}
	if svc.Published() != nil {
		t.Error("nothing should be published yet")
	}
	if _, err := svc.Tallies(); !errors.Is(err, service.ErrNotPublished) {
		t.Errorf("expected ErrNotPublished, got %v", err)
	}
	if st := svc.Stats(); st.Histories != 0 || st.Bins == 0 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestService_RejectsInvalidSetup(t *testing.T) {
	group, _ := local.NewGroup(1, 1)
	cfg := testConfig(1, 10, 1)
	cfg.WorkerCount = 0
	if _, err := service.New(cfg, group.Comms()[0]); !errors.Is(err, config.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}

	cfg = testConfig(2, 10, 1)
	cfg.Root = 1
	if _, err := service.New(cfg, group.Comms()[0]); err == nil {
		t.Error("expected an error for a root outside the communicator")
	}
}
