// Package main is the entry point for the PeakMap server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/peakmap/server/internal/api"
	"github.com/peakmap/server/internal/app"
	"github.com/peakmap/server/internal/buildstore"
	"github.com/peakmap/server/internal/config"
	"github.com/peakmap/server/internal/levelstore"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger := app.NewLogger(cfg.Logging, os.Stderr)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx := context.Background()
	logger.Info("starting PeakMap server", "port", cfg.Server.Port, "datasets", len(cfg.Data.Datasets), "default", cfg.Data.DefaultDataset)

	comps, err := app.Setup(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer comps.Close()

	// Build jobs run in the background and are persisted in SQLite
	jobManager, err := api.NewJobManager(api.JobManagerConfig{
		MaxConcurrent: cfg.Jobs.MaxConcurrent,
		SQLitePath:    cfg.Jobs.SQLitePath,
		RetentionDays: cfg.Jobs.RetentionDays,
		CleanupPeriod: 1 * time.Hour,
		MaxAttempts:   cfg.Jobs.MaxAttempts,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize job manager: %w", err)
	}
	logger.Info("build job manager ready",
		"max_concurrent", cfg.Jobs.MaxConcurrent,
		"retention_days", cfg.Jobs.RetentionDays,
		"sqlite", cfg.Jobs.SQLitePath,
	)
	jobManager.Executor = comps.Builds.ExecuteBuildJob
	jobManager.Start()
	defer jobManager.Stop()

	if cfg.Jobs.BuildOnStart {
		queueMissingBuilds(ctx, comps, jobManager)
	}

	router := api.NewRouter(api.RouterConfig{
		Registry:    comps.Registry,
		CORSOrigins: cfg.Server.CORSOrigins,
		JobManager:  jobManager,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", fmt.Sprintf("http://localhost:%d", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return err
	}

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced to shutdown", "error", err)
	}

	logger.Info("server stopped")
	return nil
}

// queueMissingBuilds submits a build for every dataset without a published
// hierarchy.
func queueMissingBuilds(ctx context.Context, comps *app.Components, jm *api.JobManager) {
	for _, id := range comps.Registry.DatasetIDs() {
		_, err := comps.Store.Current(ctx, id)
		if err == nil {
			continue
		}
		if !errors.Is(err, levelstore.ErrNoBuild) {
			comps.Logger.Warn("failed to read published build", "dataset", id, "error", err)
			continue
		}
		job, err := jm.Submit(buildstore.JobParams{DatasetID: id, Categories: comps.Config.Data.Datasets[id].Categories})
		if err != nil && !errors.Is(err, api.ErrBuildActive) {
			comps.Logger.Warn("failed to queue build", "dataset", id, "error", err)
			continue
		}
		comps.Logger.Info("queued initial build", "dataset", id, "job_id", job.ID)
	}
}
