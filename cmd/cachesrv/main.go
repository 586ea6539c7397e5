// Command cachesrv runs the NICOS-style line-protocol cache server: a
// TCP+UDP listener over an in-memory key/value database, durable to a
// flat-file or PostgreSQL store, with subscriptions, prefix mirroring, and
// distributed locks.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/nicos-cache/cachesrv/internal/cachedb"
	"github.com/nicos-cache/cachesrv/internal/cleaner"
	"github.com/nicos-cache/cachesrv/internal/config"
	"github.com/nicos-cache/cachesrv/internal/logging"
	"github.com/nicos-cache/cachesrv/internal/metrics"
	"github.com/nicos-cache/cachesrv/internal/ratelimit"
	"github.com/nicos-cache/cachesrv/internal/server"
	"github.com/nicos-cache/cachesrv/internal/store"
	"github.com/nicos-cache/cachesrv/internal/store/sqlstore"
	"github.com/nicos-cache/cachesrv/internal/updater"
)

const pidFileName = "cache_rs.pid"

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		panic(err)
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Dir: cfg.LogPath, Console: true})
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("starting")
	cfg.Print(logger)

	backend, closeBackend, err := openStore(cfg.StorePath, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("could not open store")
	}
	defer closeBackend()

	if cfg.Clear {
		if err := backend.Clear(); err != nil {
			logger.Fatal().Err(err).Msg("could not clear store")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	worker := updater.NewWorker(logger)
	go worker.Run(ctx)

	db := cachedb.New(backend, worker.Inbox(), logger)
	if !cfg.Clear {
		if err := db.LoadDB(); err != nil {
			logger.Warn().Err(err).Msg("could not load existing store data")
		}
	}

	if cfg.PidPath != "" {
		if err := writePIDFile(cfg.PidPath); err != nil {
			logger.Fatal().Err(err).Msg("could not write pid file")
		}
		defer removePIDFile(cfg.PidPath)
	}

	metricsReg := metrics.New()
	go metricsReg.RunSampler(ctx, 15*time.Second)

	clean := cleaner.New(db, logger)
	go clean.Run(ctx)

	limiter := ratelimit.NewConnLimiter(
		cfg.ConnRateGlobalPerSec, cfg.ConnRateGlobalBurst,
		cfg.ConnRateIPPerSec, cfg.ConnRateIPBurst,
		logger,
	)
	defer limiter.Stop()

	srv := server.New(cfg.Bind, db, worker.Inbox(), limiter, logger)
	if err := srv.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("could not start server")
	}

	if err := dropPrivileges(cfg.User, cfg.Group); err != nil {
		logger.Fatal().Err(err).Msg("could not drop privileges")
	}

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux(metricsReg)}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	cancel()
	_ = metricsServer.Close()
	if err := srv.Shutdown(30 * time.Second); err != nil {
		logger.Error().Err(err).Msg("error during shutdown")
	}
}

func metricsMux(reg *metrics.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	return mux
}

// openStore dispatches to the flat-file or Postgres backend based on the
// store path's scheme, matching the original StorePath::Uri/Fs split: an
// unrecognized scheme is a hard startup error, not a silent fallback.
func openStore(path string, logger zerolog.Logger) (store.Backend, func(), error) {
	if idx := strings.Index(path, "://"); idx >= 0 {
		scheme := path[:idx]
		if scheme != "postgresql" && scheme != "postgres" {
			return nil, nil, fmt.Errorf("unrecognized store URI scheme %q", scheme)
		}
		s, err := sqlstore.New(path, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	}

	fs := store.NewFlatStore(path, logger)
	return fs, func() {}, nil
}
