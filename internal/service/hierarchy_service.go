// Package service provides the dataset-level operations behind the HTTP API:
// reading published hierarchies and running builds.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/peakmap/server/internal/cache"
	"github.com/peakmap/server/internal/config"
	"github.com/peakmap/server/internal/levelstore"
	"github.com/peakmap/server/internal/pyramid"
)

var (
	// ErrLevelNotFound is returned for a level index outside the hierarchy.
	ErrLevelNotFound = errors.New("level not found")

	// ErrInvalidQuery is returned for malformed viewport queries.
	ErrInvalidQuery = errors.New("invalid query")
)

// HierarchyServiceConfig contains hierarchy service configuration.
type HierarchyServiceConfig struct {
	DatasetID string
	Dataset   config.DatasetConfig
	Store     *levelstore.Store
	Cache     *cache.Manager
	Logger    *slog.Logger
}

// HierarchyService serves the published hierarchies of one dataset.
type HierarchyService struct {
	datasetID string
	dataset   config.DatasetConfig
	store     *levelstore.Store
	cache     *cache.Manager
	logger    *slog.Logger
}

// NewHierarchyService creates a hierarchy service.
func NewHierarchyService(cfg HierarchyServiceConfig) *HierarchyService {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HierarchyService{
		datasetID: cfg.DatasetID,
		dataset:   cfg.Dataset,
		store:     cfg.Store,
		cache:     cfg.Cache,
		logger:    logger.With("dataset", cfg.DatasetID),
	}
}

// DatasetID returns the dataset id.
func (s *HierarchyService) DatasetID() string { return s.datasetID }

// Dataset returns the dataset configuration.
func (s *HierarchyService) Dataset() config.DatasetConfig { return s.dataset }

// Snapshot returns the published build. CURRENT is resolved on every call;
// opened builds are cached by build id, so a new publish is picked up on the
// next call.
func (s *HierarchyService) Snapshot(ctx context.Context) (*levelstore.Snapshot, error) {
	id, err := s.store.Current(ctx, s.datasetID)
	if err != nil {
		return nil, err
	}
	key := cache.SnapshotKey(s.datasetID, id)
	if s.cache != nil {
		if snap, ok := s.cache.GetSnapshot(key); ok {
			return snap, nil
		}
	}
	snap, err := s.store.OpenBuild(ctx, s.datasetID, id)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.SetSnapshot(key, snap)
	}
	s.logger.Debug("opened build", "build_id", id)
	return snap, nil
}

// Hierarchy returns the hierarchy of category ("" for global). A category
// without a hierarchy falls back to the global one, reported by fallback.
func (s *HierarchyService) Hierarchy(ctx context.Context, category string) (h *pyramid.Hierarchy, fallback bool, err error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return nil, false, err
	}
	return resolve(snap.Set, category)
}

func resolve(set *pyramid.Set, category string) (*pyramid.Hierarchy, bool, error) {
	if category == "" {
		return set.Global, false, nil
	}
	if h, ok := set.ForCategory(category); ok {
		return h, false, nil
	}
	return set.Global, true, nil
}

// CategoriesResult lists the category hierarchies of the published build.
type CategoriesResult struct {
	BuildID string            `json:"build_id"`
	Column  string            `json:"column,omitempty"`
	Built   []string          `json:"built"`
	Failed  map[string]string `json:"failed,omitempty"`
}

// Categories returns the built and failed categories of the published build.
func (s *HierarchyService) Categories(ctx context.Context) (*CategoriesResult, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return &CategoriesResult{
		BuildID: snap.Manifest.BuildID,
		Column:  snap.Manifest.Params.CategoryColumn,
		Built:   snap.Set.CategoryValues(),
		Failed:  snap.Set.Failed,
	}, nil
}

// LevelResult holds the points of one level.
type LevelResult struct {
	Hierarchy string            `json:"hierarchy"`
	Fallback  bool              `json:"fallback,omitempty"`
	Range     pyramid.AxisRange `json:"range"`
	Level     pyramid.Level     `json:"level"`
	Points    []pyramid.Point   `json:"points"`
}

// Level returns the points of level index of the hierarchy of category.
func (s *HierarchyService) Level(ctx context.Context, category string, index int) (*LevelResult, error) {
	h, fallback, err := s.Hierarchy(ctx, category)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(h.Levels) {
		return nil, fmt.Errorf("%w: %d of %s has %d levels", ErrLevelNotFound, index, pyramid.Label(h.Category), len(h.Levels))
	}
	pts, err := h.Points(ctx, index)
	if err != nil {
		return nil, err
	}
	return &LevelResult{
		Hierarchy: pyramid.Label(h.Category),
		Fallback:  fallback,
		Range:     h.Range(),
		Level:     h.Levels[index],
		Points:    pts,
	}, nil
}

// ViewportQuery asks for the finest level whose points inside View number
// at most MaxPoints.
type ViewportQuery struct {
	Category  string
	View      pyramid.AxisRange
	MaxPoints int
}

// ViewportResult is the answer to a ViewportQuery.
type ViewportResult struct {
	Hierarchy string          `json:"hierarchy"`
	Fallback  bool            `json:"fallback,omitempty"`
	Level     pyramid.Level   `json:"level"`
	InView    int             `json:"in_view"`
	Truncated bool            `json:"truncated,omitempty"`
	Points    []pyramid.Point `json:"points"`
}

// Viewport selects the level to display for a view rectangle. Levels are
// nested, so in-view counts only grow with finer levels and the scan stops
// at the first level that exceeds MaxPoints. When even the coarsest level
// exceeds it, its best-ranked in-view points are returned and the result is
// flagged truncated.
func (s *HierarchyService) Viewport(ctx context.Context, q ViewportQuery) (*ViewportResult, error) {
	if q.MaxPoints <= 0 {
		return nil, fmt.Errorf("%w: max_points must be positive", ErrInvalidQuery)
	}
	// Written so that NaN bounds fail too.
	if !(q.View.MinX <= q.View.MaxX) || !(q.View.MinY <= q.View.MaxY) {
		return nil, fmt.Errorf("%w: empty view %+v", ErrInvalidQuery, q.View)
	}
	h, fallback, err := s.Hierarchy(ctx, q.Category)
	if err != nil {
		return nil, err
	}
	res := &ViewportResult{Hierarchy: pyramid.Label(h.Category), Fallback: fallback}

	for i := range h.Levels {
		pts, err := h.Points(ctx, i)
		if err != nil {
			return nil, err
		}
		in := inView(pts, q.View)
		if len(in) > q.MaxPoints {
			if i == 0 {
				res.Level = h.Levels[0]
				res.InView = len(in)
				res.Points = truncate(in, q.MaxPoints)
				res.Truncated = true
				return res, nil
			}
			break
		}
		res.Level = h.Levels[i]
		res.InView = len(in)
		res.Points = in
	}
	return res, nil
}

func inView(pts []pyramid.Point, view pyramid.AxisRange) []pyramid.Point {
	out := make([]pyramid.Point, 0, len(pts))
	for _, p := range pts {
		if view.Contains(p.X, p.Y) {
			out = append(out, p)
		}
	}
	return out
}

// truncate keeps the n best-ranked points, returned in locality order.
func truncate(pts []pyramid.Point, n int) []pyramid.Point {
	ranked := slices.Clone(pts)
	slices.SortFunc(ranked, func(a, b pyramid.Point) int {
		switch {
		case pyramid.Better(a, b):
			return -1
		case pyramid.Better(b, a):
			return 1
		}
		return 0
	})
	ranked = ranked[:n]
	slices.SortFunc(ranked, pyramid.CompareLocality)
	return ranked
}

// Verify checks that the levels of the hierarchy of category are nested.
func (s *HierarchyService) Verify(ctx context.Context, category string) (pyramid.NestingReport, error) {
	h, _, err := s.Hierarchy(ctx, category)
	if err != nil {
		return pyramid.NestingReport{}, err
	}
	return pyramid.VerifyNesting(ctx, h)
}

// BuildsResult lists the stored builds of the dataset.
type BuildsResult struct {
	Current string   `json:"current,omitempty"`
	Builds  []string `json:"builds"`
}

// Builds returns the stored build ids, oldest first, and the published one.
func (s *HierarchyService) Builds(ctx context.Context) (*BuildsResult, error) {
	ids, err := s.store.Builds(ctx, s.datasetID)
	if err != nil {
		return nil, err
	}
	current, err := s.store.Current(ctx, s.datasetID)
	if err != nil && !errors.Is(err, levelstore.ErrNoBuild) {
		return nil, err
	}
	if ids == nil {
		ids = []string{}
	}
	return &BuildsResult{Current: current, Builds: ids}, nil
}
