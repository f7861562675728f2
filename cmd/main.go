package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/okian/tally/internal/adapters/archive"
	"github.com/okian/tally/internal/adapters/comm/local"
	"github.com/okian/tally/internal/adapters/comm/rediscomm"
	"github.com/okian/tally/internal/adapters/http/api"
	"github.com/okian/tally/internal/adapters/http/swagger"
	app "github.com/okian/tally/internal/app"
	"github.com/okian/tally/internal/config"
	"github.com/okian/tally/internal/domain/reduce"
	"github.com/okian/tally/internal/domain/tally"
	"github.com/okian/tally/pkg/logger"
	"github.com/okian/tally/pkg/metrics"
)

// HTTP server timeout constants.
const (
	readTimeout       = 10 * time.Second
	writeTimeout      = 10 * time.Second
	idleTimeout       = 60 * time.Second
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 30 * time.Second
	localMailbox      = 4
)

func main() {
	// plain text until the configured format is known
	if err := logger.Init(); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	log := logger.Get()

	// Root context with cancel on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration (defaults -> optional file -> env)
	cfg, err := config.Load(ctx)
	if err != nil {
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}
	if err := logger.Init(logger.WithFormat(cfg.LogFormat)); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	log = logger.Get()
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		log.Warn(ctx, "invalid log_level; falling back to info", logger.String("log_level", cfg.LogLevel), logger.Error(err))
		_ = logger.SetLevelString("info")
	}

	metrics.Configure(metrics.WithRunLabels(cfg.RunID, cfg.Transport))
	go metrics.RunSystemSampler(ctx)

	if err := run(ctx, cfg, log); err != nil {
		if tally.IsContractViolation(err) {
			log.Fatal(ctx, "tally contract violated", logger.Error(err))
		}
		log.Error(ctx, "run failed", logger.Error(err))
		os.Exit(1)
	}
}

// run drives every rank hosted by this process through the configured
// batches and serves the reporting API of the first of them until ctx ends.
func run(ctx context.Context, cfg *config.Config, log logger.Logger) error {
	comms, closeComms, err := communicators(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeComms()

	store, err := archive.Open(
		archive.WithDir(cfg.ArchiveDir),
		archive.WithLogger(log.Named("archive")),
	)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	svcs := make([]*app.Service, len(comms))
	for i, comm := range comms {
		svcs[i], err = app.New(cfg, comm, app.WithArchive(store))
		if err != nil {
			return err
		}
		if err := svcs[i].Start(ctx); err != nil {
			return err
		}
		defer func(s *app.Service) {
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := s.Stop(stopCtx); err != nil {
				log.Warn(ctx, "service stop failed", logger.Error(err))
			}
		}(svcs[i])
	}

	// the root's view when it runs here, otherwise this rank's own
	front := svcs[0]
	for _, s := range svcs {
		if s.Stats().Rank == cfg.Root {
			front = s
		}
	}
	srv := serve(ctx, cfg.Addr, front, log)

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range svcs {
		g.Go(func() error { return s.Run(gctx) })
	}
	runErr := g.Wait()
	if runErr == nil {
		st := front.Stats()
		log.Info(ctx, "run complete",
			logger.String("scope", st.Scope),
			logger.Uint64("histories", st.Histories),
			logger.Uint64("batches", st.Batches),
		)
		if srv != nil {
			// keep reporting until asked to stop
			<-ctx.Done()
		}
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error(ctx, "server shutdown failed", logger.Error(err))
		}
	}
	if errors.Is(runErr, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return runErr
}

// communicators returns the ranks this process hosts: all of them for the
// local transport, the configured one for redis.
func communicators(ctx context.Context, cfg *config.Config, log logger.Logger) ([]reduce.Communicator, func(), error) {
	switch cfg.Transport {
	case config.TransportRedis:
		c, err := rediscomm.Dial(ctx, cfg.RedisAddr, cfg.RunID, cfg.Rank, cfg.Size,
			rediscomm.WithLogger(log.Named("comm")))
		if err != nil {
			return nil, nil, err
		}
		return []reduce.Communicator{c}, func() { _ = c.Close() }, nil
	default:
		group, err := local.NewGroup(cfg.Size, localMailbox)
		if err != nil {
			return nil, nil, err
		}
		out := make([]reduce.Communicator, 0, cfg.Size)
		for _, c := range group.Comms() {
			out = append(out, c)
		}
		return out, func() {}, nil
	}
}

// serve starts the HTTP server in the background. An empty addr disables it.
func serve(ctx context.Context, addr string, svc *app.Service, log logger.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	swagger.Register(ctx, mux)
	api.NewServer(svc, api.WithLogger(log.Named("http"))).Register(ctx, mux)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	go func() {
		log.Info(ctx, "starting HTTP server", logger.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(ctx, "HTTP server failed", logger.Error(err))
		}
	}()
	return srv
}
