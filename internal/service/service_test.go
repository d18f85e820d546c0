package service

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peakmap/server/internal/buildstore"
	"github.com/peakmap/server/internal/cache"
	"github.com/peakmap/server/internal/config"
	"github.com/peakmap/server/internal/data"
	"github.com/peakmap/server/internal/levelstore"
	"github.com/peakmap/server/internal/pyramid"
	"github.com/peakmap/server/internal/resource"
)

type registryStub map[string]*HierarchyService

func (r registryStub) Get(id string) *HierarchyService { return r[id] }

// peaks returns n points over [0,1000]x[0,60], alternating between the
// "pos" and "neg" categories.
func peaks(n int, seed uint64) []pyramid.Point {
	r := rand.New(rand.NewPCG(seed, seed+1))
	pts := make([]pyramid.Point, n)
	for i := range pts {
		cat := "pos"
		if i%2 == 1 {
			cat = "neg"
		}
		pts[i] = pyramid.Point{
			RowID:     int64(i),
			X:         r.Float64() * 1000,
			Y:         r.Float64() * 60,
			Intensity: r.Float64() * 1e6,
			Category:  cat,
		}
	}
	return pts
}

type fixture struct {
	svc    *HierarchyService
	builds *BuildService
	res    *resource.Controller
	pts    []pyramid.Point
}

func newFixture(t *testing.T, pts []pyramid.Point) *fixture {
	t.Helper()
	cm, err := cache.NewManager(cache.Config{LevelCacheSizeMB: 16, LevelTTL: time.Minute, SnapshotCacheSize: 4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cm.Close() })

	store, err := levelstore.New(levelstore.Config{
		Backend:     levelstore.NewMemoryBackend(),
		Compression: levelstore.CompressionLZ4,
		Cache:       cm,
	})
	require.NoError(t, err)

	ds := config.DatasetConfig{
		Path:              "mem://plasma",
		Format:            "parquet",
		Columns:           data.Columns{X: "mz", Y: "rt", Intensity: "intensity", Category: "polarity"},
		CategoricalColumn: "polarity",
	}
	svc := NewHierarchyService(HierarchyServiceConfig{DatasetID: "plasma", Dataset: ds, Store: store, Cache: cm})
	res := resource.NewController(resource.Config{MaxWorkers: 1})
	builds := NewBuildService(BuildServiceConfig{
		Registry:     registryStub{"plasma": svc},
		Store:        store,
		Resources:    res,
		MinPoints:    500,
		XBins:        16,
		YBins:        16,
		GrowthFactor: 4,
		Workers:      3,
		OpenSource: func(config.DatasetConfig) (pyramid.Source, error) {
			return pyramid.SliceSource(pts), nil
		},
	})
	return &fixture{svc: svc, builds: builds, res: res, pts: pts}
}

func (f *fixture) build(t *testing.T) *levelstore.Manifest {
	t.Helper()
	m, err := f.builds.Build(context.Background(), BuildRequest{DatasetID: "plasma"})
	require.NoError(t, err)
	return m
}

func TestBuildPublishesHierarchies(t *testing.T) {
	f := newFixture(t, peaks(5000, 1))
	var (
		mu                  sync.Mutex
		dones               []int
		calls               int
		lastDone, lastTotal int
	)
	m, err := f.builds.Build(context.Background(), BuildRequest{
		DatasetID: "plasma",
		OnProgress: func(done, total int) {
			mu.Lock()
			defer mu.Unlock()
			dones = append(dones, done)
			lastDone, lastTotal = done, total
			calls++
		},
	})
	require.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()
	require.Positive(t, calls)
	assert.True(t, slices.IsSorted(dones), "progress went backwards: %v", dones)

	assert.Equal(t, 5000, m.Global.Total)
	assert.Len(t, m.Global.Levels, 3)
	assert.Len(t, m.Categories, 2)
	assert.Equal(t, "polarity", m.Params.CategoryColumn)
	assert.Equal(t, 9, lastTotal, "three levels for global and for each category")
	assert.Equal(t, lastTotal, lastDone)

	h, fallback, err := f.svc.Hierarchy(context.Background(), "neg")
	require.NoError(t, err)
	assert.False(t, fallback)
	assert.Equal(t, "neg", h.Category)
	assert.Equal(t, 2500, h.Total)

	cats, err := f.svc.Categories(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"neg", "pos"}, cats.Built)
	assert.Equal(t, m.BuildID, cats.BuildID)
	assert.Empty(t, cats.Failed)
}

func TestBuildRestrictsCategories(t *testing.T) {
	f := newFixture(t, peaks(3000, 2))
	m, err := f.builds.Build(context.Background(), BuildRequest{DatasetID: "plasma", Categories: []string{"pos"}})
	require.NoError(t, err)
	require.Len(t, m.Categories, 1)
	assert.Contains(t, m.Categories, "pos")
}

func TestBuildUnknownDataset(t *testing.T) {
	f := newFixture(t, peaks(100, 3))
	_, err := f.builds.Build(context.Background(), BuildRequest{DatasetID: "urine"})
	assert.Error(t, err)
}

func TestBuildFailureLeavesPreviousBuild(t *testing.T) {
	pts := peaks(2000, 4)
	f := newFixture(t, pts)
	first := f.build(t)

	pts[10].X = math.NaN()
	_, err := f.builds.Build(context.Background(), BuildRequest{DatasetID: "plasma"})
	require.ErrorIs(t, err, pyramid.ErrInvalidPoint)

	snap, err := f.svc.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.BuildID, snap.Manifest.BuildID)
}

func TestSnapshotFollowsCurrent(t *testing.T) {
	f := newFixture(t, peaks(2000, 5))
	_, err := f.svc.Snapshot(context.Background())
	require.ErrorIs(t, err, levelstore.ErrNoBuild)

	first := f.build(t)
	snap, err := f.svc.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.BuildID, snap.Manifest.BuildID)

	second := f.build(t)
	snap, err = f.svc.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, second.BuildID, snap.Manifest.BuildID)
}

func TestLevel(t *testing.T) {
	f := newFixture(t, peaks(5000, 6))
	f.build(t)
	ctx := context.Background()

	res, err := f.svc.Level(ctx, "", 0)
	require.NoError(t, err)
	assert.Equal(t, "global", res.Hierarchy)
	assert.Len(t, res.Points, res.Level.Size)
	assert.LessOrEqual(t, res.Level.Size, 500)

	res, err = f.svc.Level(ctx, "adduct", 2)
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.True(t, res.Level.Full)
	assert.Len(t, res.Points, 5000)

	_, err = f.svc.Level(ctx, "pos", 7)
	assert.ErrorIs(t, err, ErrLevelNotFound)
}

func TestViewportSelectsFinestFittingLevel(t *testing.T) {
	f := newFixture(t, peaks(5000, 7))
	f.build(t)
	ctx := context.Background()
	all := pyramid.AxisRange{MinX: 0, MaxX: 1000, MinY: 0, MaxY: 60}

	res, err := f.svc.Viewport(ctx, ViewportQuery{View: all, MaxPoints: 10000})
	require.NoError(t, err)
	assert.True(t, res.Level.Full)
	assert.Equal(t, 5000, res.InView)
	assert.False(t, res.Truncated)

	res, err = f.svc.Viewport(ctx, ViewportQuery{View: all, MaxPoints: 2000})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Level.Index)
	assert.LessOrEqual(t, res.InView, 2000)
	assert.Len(t, res.Points, res.InView)

	// A narrow view fits a finer level than the whole range does.
	narrow := pyramid.AxisRange{MinX: 0, MaxX: 100, MinY: 0, MaxY: 60}
	res, err = f.svc.Viewport(ctx, ViewportQuery{View: narrow, MaxPoints: 2000})
	require.NoError(t, err)
	assert.True(t, res.Level.Full)
	for _, p := range res.Points {
		assert.True(t, narrow.Contains(p.X, p.Y))
	}
}

func TestViewportTruncatesCoarsestLevel(t *testing.T) {
	f := newFixture(t, peaks(5000, 8))
	f.build(t)
	all := pyramid.AxisRange{MinX: 0, MaxX: 1000, MinY: 0, MaxY: 60}

	res, err := f.svc.Viewport(context.Background(), ViewportQuery{Category: "pos", View: all, MaxPoints: 50})
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.Equal(t, 0, res.Level.Index)
	assert.Equal(t, res.Level.Size, res.InView)
	require.Len(t, res.Points, 50)
	assert.True(t, slices.IsSortedFunc(res.Points, pyramid.CompareLocality))

	coarsest, err := f.svc.Level(context.Background(), "pos", 0)
	require.NoError(t, err)
	kept := make(map[int64]bool, len(res.Points))
	minKept := res.Points[0].Intensity
	for _, p := range res.Points {
		kept[p.RowID] = true
		minKept = min(minKept, p.Intensity)
	}
	for _, p := range coarsest.Points {
		if !kept[p.RowID] {
			assert.LessOrEqual(t, p.Intensity, minKept)
		}
	}
}

func TestViewportRejectsBadQueries(t *testing.T) {
	f := newFixture(t, peaks(100, 9))
	f.build(t)
	ctx := context.Background()

	_, err := f.svc.Viewport(ctx, ViewportQuery{View: pyramid.AxisRange{MaxX: 1, MaxY: 1}})
	assert.ErrorIs(t, err, ErrInvalidQuery)
	_, err = f.svc.Viewport(ctx, ViewportQuery{View: pyramid.AxisRange{MinX: 2, MaxX: 1, MaxY: 1}, MaxPoints: 10})
	assert.ErrorIs(t, err, ErrInvalidQuery)

	nan := math.NaN()
	for _, view := range []pyramid.AxisRange{
		{MinX: nan, MaxX: 1, MaxY: 1},
		{MaxX: nan, MaxY: 1},
		{MaxX: 1, MinY: nan, MaxY: 1},
		{MaxX: 1, MaxY: nan},
	} {
		_, err = f.svc.Viewport(ctx, ViewportQuery{View: view, MaxPoints: 10})
		assert.ErrorIs(t, err, ErrInvalidQuery, "%+v", view)
	}
}

func TestVerify(t *testing.T) {
	f := newFixture(t, peaks(5000, 10))
	f.build(t)
	rep, err := f.svc.Verify(context.Background(), "neg")
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Levels)
	assert.Equal(t, uint64(2500), rep.Sizes[len(rep.Sizes)-1])
}

func TestExecuteBuildJob(t *testing.T) {
	f := newFixture(t, peaks(3000, 11))
	jobs, err := buildstore.NewStore(filepath.Join(t.TempDir(), "jobs.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = jobs.Close() })

	require.NoError(t, jobs.CreateJob(&buildstore.Job{
		ID:        "j1",
		DatasetID: "plasma",
		Status:    buildstore.JobStatusQueued,
		Params:    buildstore.JobParams{DatasetID: "plasma"},
		CreatedAt: time.Now(),
	}))
	require.NoError(t, f.builds.ExecuteBuildJob(context.Background(), jobs, "j1"))

	job, err := jobs.GetJob("j1")
	require.NoError(t, err)
	snap, err := f.svc.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, snap.Manifest.BuildID, job.BuildID)
	assert.Equal(t, "published", job.Progress.Phase)

	err = f.builds.ExecuteBuildJob(context.Background(), jobs, "missing")
	assert.Error(t, err)
}

func TestExecuteBuildJobCancelled(t *testing.T) {
	f := newFixture(t, peaks(3000, 12))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.builds.Build(ctx, BuildRequest{DatasetID: "plasma"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	_, err = f.svc.Snapshot(context.Background())
	assert.ErrorIs(t, err, levelstore.ErrNoBuild)
}

func TestBuildWaitsForBuildSlot(t *testing.T) {
	f := newFixture(t, peaks(2000, 4))
	require.True(t, f.res.TryAcquireWorker())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := f.builds.Build(ctx, BuildRequest{DatasetID: "plasma"})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() {
		_, err := f.builds.Build(context.Background(), BuildRequest{DatasetID: "plasma"})
		done <- err
	}()
	select {
	case err := <-done:
		t.Fatalf("build ran while the only slot was held: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	f.res.ReleaseWorker()
	require.NoError(t, <-done)
	assert.True(t, f.res.TryAcquireWorker(), "the build released its slot")
	f.res.ReleaseWorker()
}
