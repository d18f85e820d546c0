// Package app wires the configured components together for the server and
// the build command.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/peakmap/server/internal/api"
	"github.com/peakmap/server/internal/cache"
	"github.com/peakmap/server/internal/config"
	"github.com/peakmap/server/internal/levelstore"
	"github.com/peakmap/server/internal/metrics"
	"github.com/peakmap/server/internal/resource"
	"github.com/peakmap/server/internal/service"
)

// NewLogger builds the process logger from the logging section.
func NewLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// NewBackend opens the configured level storage backend.
func NewBackend(ctx context.Context, cfg config.StorageConfig) (levelstore.Backend, error) {
	switch cfg.Backend {
	case "local":
		return levelstore.NewLocalBackend(cfg.Root)
	case "memory":
		return levelstore.NewMemoryBackend(), nil
	case "minio":
		return levelstore.NewMinIOBackend(ctx, levelstore.MinIOConfig{
			Endpoint:  cfg.MinIO.Endpoint,
			AccessKey: cfg.MinIO.AccessKey,
			SecretKey: cfg.MinIO.SecretKey,
			Bucket:    cfg.MinIO.Bucket,
			Prefix:    cfg.MinIO.Prefix,
			UseSSL:    cfg.MinIO.UseSSL,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// Components are the long-lived objects shared by all datasets.
type Components struct {
	Config    *config.Config
	Logger    *slog.Logger
	Resources *resource.Controller
	Cache     *cache.Manager
	Store     *levelstore.Store
	Registry  *api.DatasetRegistry
	Builds    *service.BuildService
}

// Setup creates the components for cfg.
func Setup(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Components, error) {
	compression, err := levelstore.ParseCompression(cfg.Storage.Compression)
	if err != nil {
		return nil, err
	}

	resources := resource.NewController(resource.Config{
		MemoryLimitBytes:   int64(cfg.Pyramid.MemoryLimitMB) << 20,
		MaxWorkers:         int64(cfg.Jobs.MaxConcurrent),
		IOLimitBytesPerSec: int64(cfg.Storage.IOLimitMBPerSec) << 20,
	})

	cacheManager, err := cache.NewManager(cache.Config{
		LevelCacheSizeMB:  cfg.Cache.LevelSizeMB,
		LevelTTL:          time.Duration(cfg.Cache.LevelTTLMinutes) * time.Minute,
		SnapshotCacheSize: cfg.Cache.ManifestCacheSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}

	backend, err := NewBackend(ctx, cfg.Storage)
	if err != nil {
		cacheManager.Close()
		return nil, fmt.Errorf("failed to open storage backend: %w", err)
	}
	store, err := levelstore.New(levelstore.Config{
		Backend:        backend,
		Compression:    compression,
		WriteRetries:   cfg.Pyramid.WriteRetries,
		RetryBackoff:   time.Duration(cfg.Pyramid.RetryBackoffMS) * time.Millisecond,
		RetainBuilds:   cfg.Storage.RetainBuilds,
		Resources:      resources,
		Cache:          cacheManager,
		Logger:         logger,
		OnLevelWritten: metrics.ObserveLevelWritten,
	})
	if err != nil {
		cacheManager.Close()
		return nil, err
	}
	logger.Info("level storage ready",
		"backend", cfg.Storage.Backend,
		"compression", compression,
		"memory_limit", humanize.IBytes(uint64(resources.Config().MemoryLimitBytes)),
	)

	datasetIDs := cfg.Data.DatasetIDs()
	registry := api.NewDatasetRegistry(cfg.Data.DefaultDataset, datasetIDs, cfg.Server.Title)
	for _, id := range datasetIDs {
		ds := cfg.Data.Datasets[id]
		registry.Register(id, service.NewHierarchyService(service.HierarchyServiceConfig{
			DatasetID: id,
			Dataset:   ds,
			Store:     store,
			Cache:     cacheManager,
			Logger:    logger,
		}))
		logger.Info("dataset registered", "dataset", id, "path", ds.Path, "format", ds.Format, "category_column", ds.Columns.Category)
	}

	builds := service.NewBuildService(service.BuildServiceConfig{
		Registry:     registry,
		Store:        store,
		Resources:    resources,
		MinPoints:    cfg.Pyramid.MinPoints,
		XBins:        cfg.Pyramid.XBins,
		YBins:        cfg.Pyramid.YBins,
		GrowthFactor: cfg.Pyramid.GrowthFactor,
		Workers:      cfg.Pyramid.Workers,
		Logger:       logger,
	})

	return &Components{
		Config:    cfg,
		Logger:    logger,
		Resources: resources,
		Cache:     cacheManager,
		Store:     store,
		Registry:  registry,
		Builds:    builds,
	}, nil
}

// Close releases the components.
func (c *Components) Close() error {
	return c.Cache.Close()
}
