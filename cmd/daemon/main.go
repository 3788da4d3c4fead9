// SPDX-License-Identifier: MIT

// The gifpress daemon: a self-hosted batch GIF-compression service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gifpress/gifpress/internal/api"
	"github.com/gifpress/gifpress/internal/artifact"
	"github.com/gifpress/gifpress/internal/bus"
	"github.com/gifpress/gifpress/internal/config"
	"github.com/gifpress/gifpress/internal/gifsicle"
	gplog "github.com/gifpress/gifpress/internal/log"
	"github.com/gifpress/gifpress/internal/pool"
	"github.com/gifpress/gifpress/internal/predict"
	"github.com/gifpress/gifpress/internal/reaper"
	"github.com/gifpress/gifpress/internal/store"
	"github.com/gifpress/gifpress/internal/version"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		os.Exit(0)
	}

	cfg := config.FromEnv()

	gplog.Configure(gplog.Config{
		Level:   cfg.LogLevel,
		Service: "gifpress",
	})
	logger := gplog.WithComponent("daemon")

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(cfg.DBPath)
	if err != nil {
		// Repository corruption is fatal; exit so the container restarts.
		logger.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open job store failed")
	}
	defer func() { _ = st.Close() }()

	artifacts, err := artifact.New(cfg.UploadDir, cfg.OutputDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("prepare artifact directories failed")
	}

	baseline, err := predict.LoadBaseline(cfg.BaselinePath)
	if err != nil {
		logger.Warn().Err(err).Msg("baseline model unavailable, using heuristic estimates")
		baseline = nil
	}

	runner := gifsicle.New(cfg.GifsicleBin)
	predictor := predict.New(baseline, st)
	if buckets, err := st.AllResiduals(ctx); err == nil && len(buckets) > 0 {
		logger.Info().Int("buckets", len(buckets)).Msg("loaded learned duration corrections")
	}
	eventBus := bus.New()

	workerPool := pool.New(pool.Deps{
		Store:     st,
		Artifacts: artifacts,
		Runner:    runner,
		Predictor: predictor,
		Bus:       eventBus,
		Retention: cfg.Retention,
	}, cfg.Workers, cfg.MaxWorkers)

	sweeper := reaper.New(st, artifacts, cfg.ReaperInterval)
	if err := sweeper.RecoverInterrupted(ctx); err != nil {
		logger.Fatal().Err(err).Msg("startup recovery sweep failed")
	}

	server := api.New(api.Deps{
		Store:          st,
		Artifacts:      artifacts,
		Pool:           workerPool,
		Bus:            eventBus,
		Runner:         runner,
		MaxUploadBytes: cfg.MaxUploadBytes,
	})

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info().
		Str("version", version.Version).
		Int("port", cfg.Port).
		Int("workers", cfg.Workers).
		Int("max_workers", cfg.MaxWorkers).
		Dur("retention", cfg.Retention).
		Msg("starting gifpress")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := workerPool.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		err := sweeper.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Fatal().Err(err).Msg("daemon exited with error")
	}
	logger.Info().Msg("shutdown complete")
}
