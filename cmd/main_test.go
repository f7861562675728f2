package main

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/okian/tally/internal/config"
	"github.com/okian/tally/pkg/logger"
	"github.com/smartystreets/goconvey/convey"
)

func TestMain(m *testing.M) {
	_ = logger.Init()
	os.Exit(m.Run())
}

func TestRun(t *testing.T) {
	convey.Convey("Given a small local run without HTTP", t, func() {
		cfg := config.New()
		cfg.Addr = ""
		cfg.WorkerCount = 2
		cfg.Size = 3
		cfg.Root = 1
		cfg.HistoriesPerBatch = 40
		cfg.Batches = 2
		cfg.ArchiveDir = t.TempDir()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		convey.Convey("Then every batch completes and the run returns", func() {
			convey.So(run(ctx, cfg, logger.Get()), convey.ShouldBeNil)
		})
	})

	convey.Convey("Given a run that is cancelled before it starts", t, func() {
		cfg := config.New()
		cfg.Addr = ""
		cfg.WorkerCount = 1
		cfg.HistoriesPerBatch = 10

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		convey.Convey("Then run treats it as a clean stop", func() {
			convey.So(run(ctx, cfg, logger.Get()), convey.ShouldBeNil)
		})
	})
}
