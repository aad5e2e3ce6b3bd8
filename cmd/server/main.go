// Package main is the entry point for the cloval valuation service.
// It wires configuration, the results database, the run orchestrator,
// the optional S3 archiver and the scheduled compliance job, then
// serves the HTTP API until interrupted.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/petrakis/cloval/internal/archive"
	"github.com/petrakis/cloval/internal/config"
	"github.com/petrakis/cloval/internal/database"
	"github.com/petrakis/cloval/internal/modules/deal"
	"github.com/petrakis/cloval/internal/modules/results"
	"github.com/petrakis/cloval/internal/runner"
	"github.com/petrakis/cloval/internal/scheduler"
	"github.com/petrakis/cloval/internal/server"
	"github.com/petrakis/cloval/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Fatal().Err(err).Msg("loading configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	log.Info().Str("data_dir", cfg.DataDir).Msg("starting cloval")

	db, err := database.New(database.Config{
		Path:    cfg.ResultsDBPath(),
		Profile: database.ProfileResults,
		Name:    "results",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("opening results database")
	}
	defer db.Close()

	repo, err := results.NewRepository(db, log)
	if err != nil {
		log.Fatal().Err(err).Msg("initializing results repository")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var archiver runner.Archiver
	if cfg.ArchiveBucket != "" {
		a, err := archive.New(ctx, cfg.ArchiveBucket, cfg.ArchivePrefix, cfg.ArchiveRegion, log)
		if err != nil {
			log.Fatal().Err(err).Msg("initializing run archiver")
		}
		archiver = a
		log.Info().Str("bucket", cfg.ArchiveBucket).Msg("run archiving enabled")
	}

	run := runner.New(log, repo, archiver)
	loader := deal.NewLoader(log)

	srv := server.New(server.Config{
		Log:     log,
		Port:    cfg.Port,
		DevMode: cfg.DevMode,
		DataDir: cfg.DataDir,
		Runner:  run,
		Repo:    repo,
		Loader:  loader,
		Defaults: server.RunDefaults{
			Paths:   cfg.DefaultPaths,
			Workers: cfg.DefaultWorkers,
		},
	})

	sched := scheduler.New(log)
	if cfg.ComplianceCron != "" {
		job := scheduler.FuncJob{JobName: "nightly_compliance", Fn: func(ctx context.Context) error {
			d := srv.CurrentDeal()
			if d == nil {
				log.Debug().Msg("no deal loaded, skipping scheduled compliance run")
				return nil
			}
			_, err := run.RunCompliance(ctx, d, 0)
			return err
		}}
		if err := sched.AddJob(cfg.ComplianceCron, job); err != nil {
			log.Fatal().Err(err).Str("schedule", cfg.ComplianceCron).Msg("registering compliance job")
		}
		sched.Start()
		defer sched.Stop()
	}

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server stopped")
			stop()
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("server started")

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
	log.Info().Msg("cloval stopped")
}
