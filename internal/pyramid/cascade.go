package pyramid

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"
)

// State is a step of a hierarchy build.
type State int

const (
	StateInit State = iota
	StateRangeComputed
	StateLevelsPlanned
	StateFullResolutionPersisted
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateRangeComputed:
		return "range_computed"
	case StateLevelsPlanned:
		return "levels_planned"
	case StateFullResolutionPersisted:
		return "full_resolution_persisted"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// pointFootprint approximates the resident size of one Point.
const pointFootprint = 48

// MemoryBudget reserves memory for the levels a build keeps resident.
type MemoryBudget interface {
	TryAcquireMemory(bytes int64) bool
	AcquireMemory(ctx context.Context, bytes int64) error
	ReleaseMemory(bytes int64)
}

// Progress is reported after every state transition and every level write.
type Progress struct {
	Category string
	State    State
	Level    Level
	Done     int
	Total    int
	Elapsed  time.Duration
}

// BuilderConfig configures a Builder.
type BuilderConfig struct {
	MinPoints    int
	XBins        int
	YBins        int
	GrowthFactor float64

	// Memory, when set, is charged for the full snapshot and the largest
	// downsampled level for the duration of a build.
	Memory MemoryBudget

	Logger *slog.Logger

	// OnProgress is called from every build running on the Builder, so a
	// Builder shared by a Partitioner calls it concurrently.
	OnProgress func(Progress)
}

// Builder runs the cascade for one hierarchy at a time. It keeps no state
// between builds and is safe for concurrent use.
type Builder struct {
	cfg    BuilderConfig
	logger *slog.Logger
}

// NewBuilder validates cfg and returns a Builder.
func NewBuilder(cfg BuilderConfig) (*Builder, error) {
	if cfg.GrowthFactor == 0 {
		cfg.GrowthFactor = DefaultGrowthFactor
	}
	if cfg.XBins <= 0 || cfg.YBins <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrZeroBins, cfg.XBins, cfg.YBins)
	}
	if _, err := PlanLevels(cfg.MinPoints, 0, cfg.GrowthFactor); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{cfg: cfg, logger: logger}, nil
}

// Config returns the builder configuration.
func (b *Builder) Config() BuilderConfig { return b.cfg }

// Build constructs the hierarchy of one category ("" for the global
// hierarchy) from src, persisting every level
// through w before computing the next coarser one. The AxisRange is computed
// once from src and used for every level. Cancellation is checked between
// levels.
func (b *Builder) Build(ctx context.Context, category string, src Source, w LevelWriter) (*Hierarchy, error) {
	state := StateInit
	fail := func(err error) (*Hierarchy, error) {
		b.report(Progress{Category: category, State: StateFailed})
		return nil, &BuildError{Category: category, State: state, Err: err}
	}
	started := time.Now()

	ext, err := EstimateRange(ctx, src)
	if err != nil {
		return fail(err)
	}
	grid, err := NewGrid(ext.Range, b.cfg.XBins, b.cfg.YBins)
	if err != nil {
		return fail(err)
	}
	state = StateRangeComputed
	b.report(Progress{Category: category, State: state})

	plan, err := PlanLevels(b.cfg.MinPoints, ext.Count, b.cfg.GrowthFactor)
	if err != nil {
		return fail(err)
	}
	state = StateLevelsPlanned
	total := len(plan) + 1
	b.report(Progress{Category: category, State: state, Total: total})

	if b.cfg.Memory != nil {
		resident := int64(ext.Count) * pointFootprint
		if len(plan) > 0 {
			resident += int64(plan[len(plan)-1]) * pointFootprint
		}
		if !b.cfg.Memory.TryAcquireMemory(resident) {
			b.logger.Info("waiting for memory budget", "hierarchy", Label(category), "bytes", resident)
			if err := b.cfg.Memory.AcquireMemory(ctx, resident); err != nil {
				return fail(err)
			}
		}
		defer b.cfg.Memory.ReleaseMemory(resident)
	}

	cur, err := Collect(ctx, src, ext.Count)
	if err != nil {
		return fail(err)
	}
	if len(cur) != ext.Count {
		return fail(fmt.Errorf("source yielded %d rows, range scan saw %d", len(cur), ext.Count))
	}
	slices.SortFunc(cur, CompareLocality)

	levels := make([]Level, total)
	full := Level{Index: len(plan), Target: ext.Count, Size: ext.Count, Full: true}
	if err := w.WriteLevel(ctx, grid, full, cur); err != nil {
		return fail(err)
	}
	levels[full.Index] = full
	done := 1

	if len(plan) == 0 {
		b.logger.Debug("passthrough hierarchy", "hierarchy", Label(category), "points", ext.Count)
	} else {
		state = StateFullResolutionPersisted
		b.report(Progress{Category: category, State: state, Level: full, Done: done, Total: total, Elapsed: time.Since(started)})
	}

	for i := len(plan) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		levelStart := time.Now()
		out, err := Downsample(cur, grid, plan[i])
		if err != nil {
			return fail(err)
		}
		lvl := Level{Index: i, Target: plan[i], Size: len(out)}
		if err := w.WriteLevel(ctx, grid, lvl, out); err != nil {
			return fail(err)
		}
		levels[i] = lvl
		cur = out
		done++
		b.report(Progress{Category: category, State: state, Level: lvl, Done: done, Total: total, Elapsed: time.Since(levelStart)})
		b.logger.Debug("level built", "hierarchy", Label(category), "level", i, "target", plan[i], "size", len(out))
	}

	state = StateComplete
	b.report(Progress{Category: category, State: state, Done: done, Total: total, Elapsed: time.Since(started)})
	b.logger.Info("hierarchy built",
		"hierarchy", Label(category),
		"points", ext.Count,
		"levels", len(plan),
		"elapsed", time.Since(started),
	)

	return &Hierarchy{Category: category, Grid: grid, Total: ext.Count, Levels: levels}, nil
}

func (b *Builder) report(p Progress) {
	if b.cfg.OnProgress != nil {
		b.cfg.OnProgress(p)
	}
}
