package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/peakmap/server/internal/buildstore"
	"github.com/peakmap/server/internal/levelstore"
	"github.com/peakmap/server/internal/metrics"
	"github.com/peakmap/server/internal/pyramid"
	"github.com/peakmap/server/internal/resource"
)

// BuildServiceConfig contains build service configuration.
type BuildServiceConfig struct {
	Registry interface {
		Get(datasetID string) *HierarchyService
	}
	Store     *levelstore.Store
	Resources *resource.Controller

	MinPoints    int
	XBins        int
	YBins        int
	GrowthFactor float64

	// Workers bounds the hierarchies of one build that run concurrently.
	Workers int

	// OpenSource defaults to OpenSource.
	OpenSource SourceOpener
	Logger     *slog.Logger
}

// BuildService builds and publishes the hierarchies of a dataset.
type BuildService struct {
	cfg    BuildServiceConfig
	logger *slog.Logger
}

// NewBuildService creates a build service.
func NewBuildService(cfg BuildServiceConfig) *BuildService {
	if cfg.OpenSource == nil {
		cfg.OpenSource = OpenSource
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &BuildService{cfg: cfg, logger: logger.With("component", "build")}
}

// BuildRequest selects what to build.
type BuildRequest struct {
	DatasetID string

	// Categories restricts the category hierarchies; nil builds all of them.
	Categories []string

	// OnProgress receives the number of level files written so far and the
	// number known to be planned. Hierarchies build concurrently; calls are
	// serialized and done never decreases.
	OnProgress func(done, total int)
}

// Build runs a full build of a dataset and publishes it. When some category
// hierarchies fail the build is still published without them, and the
// returned error is a *pyramid.PartialFailureError.
func (s *BuildService) Build(ctx context.Context, req BuildRequest) (*levelstore.Manifest, error) {
	svc := s.cfg.Registry.Get(req.DatasetID)
	if svc == nil {
		return nil, fmt.Errorf("dataset not found: %s", req.DatasetID)
	}
	ds := svc.Dataset()

	if !s.cfg.Resources.TryAcquireWorker() {
		s.logger.Info("waiting for a build slot", "dataset", req.DatasetID)
		if err := s.cfg.Resources.AcquireWorker(ctx); err != nil {
			return nil, err
		}
	}
	defer s.cfg.Resources.ReleaseWorker()

	src, err := s.cfg.OpenSource(ds)
	if err != nil {
		return nil, err
	}

	var (
		mu          sync.Mutex
		done, total int
		seen        = make(map[string]int)
	)
	onProgress := func(p pyramid.Progress) {
		mu.Lock()
		switch p.State {
		case pyramid.StateLevelsPlanned:
			total += p.Total
		case pyramid.StateFullResolutionPersisted, pyramid.StateComplete:
			done += p.Done - seen[p.Category]
			seen[p.Category] = p.Done
			if p.State == pyramid.StateFullResolutionPersisted && !p.Level.Full {
				metrics.DownsampleDuration.Observe(p.Elapsed.Seconds())
			}
		default:
			mu.Unlock()
			return
		}
		if req.OnProgress != nil {
			req.OnProgress(done, total)
		}
		mu.Unlock()
	}

	builder, err := pyramid.NewBuilder(pyramid.BuilderConfig{
		MinPoints:    s.cfg.MinPoints,
		XBins:        s.cfg.XBins,
		YBins:        s.cfg.YBins,
		GrowthFactor: s.cfg.GrowthFactor,
		Memory:       s.cfg.Resources,
		Logger:       s.logger.With("dataset", req.DatasetID),
		OnProgress:   onProgress,
	})
	if err != nil {
		return nil, err
	}
	partitioner, err := pyramid.NewPartitioner(pyramid.PartitionerConfig{
		Builder:    builder,
		Workers:    s.cfg.Workers,
		Categories: req.Categories,
		Logger:     s.logger.With("dataset", req.DatasetID),
	})
	if err != nil {
		return nil, err
	}

	started := time.Now()
	build, err := s.cfg.Store.BeginBuild(ctx, req.DatasetID, levelstore.BuildParams{
		MinPoints:      s.cfg.MinPoints,
		XBins:          s.cfg.XBins,
		YBins:          s.cfg.YBins,
		GrowthFactor:   builder.Config().GrowthFactor,
		CategoryColumn: ds.Columns.Category,
	})
	if err != nil {
		return nil, err
	}
	abort := func() {
		if aerr := build.Abort(context.WithoutCancel(ctx)); aerr != nil {
			s.logger.Warn("failed to abort build", "dataset", req.DatasetID, "build_id", build.ID(), "error", aerr)
		}
	}

	set, buildErr := partitioner.Build(ctx, src, ds.Categorical(), build)
	if buildErr != nil && !errors.Is(buildErr, pyramid.ErrPartialCategoryFailure) {
		abort()
		return nil, buildErr
	}

	m, err := build.Commit(ctx, set)
	if err != nil {
		abort()
		return nil, fmt.Errorf("failed to commit build: %w", err)
	}
	recordLevels(m)

	s.logger.Info("build published",
		"dataset", req.DatasetID,
		"build_id", m.BuildID,
		"points", m.Global.Total,
		"categories", len(m.Categories),
		"failed", len(m.Failed),
		"size", humanize.Bytes(uint64(m.TotalBytes())),
		"elapsed", time.Since(started),
	)
	return m, buildErr
}

func recordLevels(m *levelstore.Manifest) {
	record := func(e levelstore.HierarchyEntry) {
		for _, l := range e.Levels {
			metrics.LevelPoints.WithLabelValues(m.Dataset, pyramid.Label(e.Category), strconv.Itoa(l.Index)).Set(float64(l.Size))
		}
	}
	record(m.Global)
	for _, e := range m.Categories {
		record(e)
	}
}

// ExecuteBuildJob runs the build of a job (called by the JobManager worker).
func (s *BuildService) ExecuteBuildJob(ctx context.Context, store *buildstore.Store, jobID string) error {
	job, err := store.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}
	if job == nil {
		return fmt.Errorf("job not found: %s", jobID)
	}

	store.UpdateJobProgress(jobID, "scanning", 0, 0)
	m, err := s.Build(ctx, BuildRequest{
		DatasetID:  job.DatasetID,
		Categories: job.Params.Categories,
		OnProgress: func(done, total int) {
			store.UpdateJobProgress(jobID, "building", done, total)
		},
	})
	if m != nil {
		if rerr := store.UpdateJobResult(jobID, m.BuildID, m.Failed); rerr != nil {
			s.logger.Warn("failed to record build result", "job_id", jobID, "error", rerr)
		}
		store.UpdateJobProgress(jobID, "published", 1, 1)
	}
	return err
}
