package pyramid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Output hands out a LevelWriter per hierarchy and cleans up after a failed
// one. The global hierarchy uses the empty category.
type Output interface {
	Writer(category string) (LevelWriter, error)
	Discard(ctx context.Context, category string) error
}

// PartitionerConfig configures a Partitioner.
type PartitionerConfig struct {
	Builder *Builder

	// Workers bounds the number of hierarchies built concurrently.
	Workers int

	// Categories, when non-nil, restricts the per-category hierarchies to
	// the listed values. Unknown values are ignored.
	Categories []string

	Logger *slog.Logger
}

// Partitioner builds the global hierarchy of a dataset and, for categorical
// datasets, one independent hierarchy per distinct category value.
type Partitioner struct {
	builder *Builder
	workers int
	only    map[string]bool
	logger  *slog.Logger
}

// NewPartitioner returns a Partitioner. Workers defaults to 1.
func NewPartitioner(cfg PartitionerConfig) (*Partitioner, error) {
	if cfg.Builder == nil {
		return nil, errors.New("partitioner requires a builder")
	}
	p := &Partitioner{
		builder: cfg.Builder,
		workers: max(cfg.Workers, 1),
		logger:  cfg.Logger,
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if cfg.Categories != nil {
		p.only = make(map[string]bool, len(cfg.Categories))
		for _, c := range cfg.Categories {
			p.only[c] = true
		}
	}
	return p, nil
}

// CategoryCounts scans src once and returns the row count of every non-empty
// category value.
func CategoryCounts(ctx context.Context, src Source) (map[string]int, error) {
	counts := make(map[string]int)
	err := src.Scan(ctx, func(p Point) error {
		if p.Category != "" {
			counts[p.Category]++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// Build constructs the hierarchies of src. When categorical is false only the
// global hierarchy is built. Rows without a category value belong to the
// global hierarchy only.
//
// A failing category hierarchy is discarded through out and reported in the
// returned *PartialFailureError alongside a Set holding everything that was
// built. A failing global hierarchy, or cancellation of ctx, fails the whole
// build.
func (p *Partitioner) Build(ctx context.Context, src Source, categorical bool, out Output) (*Set, error) {
	var values []string
	if categorical {
		counts, err := CategoryCounts(ctx, src)
		if err != nil {
			return nil, fmt.Errorf("failed to scan categories: %w", err)
		}
		for v := range counts {
			if p.only == nil || p.only[v] {
				values = append(values, v)
			}
		}
		sort.Strings(values)
		p.logger.Info("partitioning dataset", "categories", len(values))
	}

	set := &Set{Categories: make(map[string]*Hierarchy, len(values))}
	failed := make(map[string]error)
	var (
		mu        sync.Mutex
		globalErr error
	)

	// Tasks never return an error so that one failing hierarchy does not
	// cancel its siblings; outcomes are collected under mu.
	var g errgroup.Group
	g.SetLimit(p.workers)
	run := func(category string, part Source) {
		g.Go(func() error {
			h, err := p.buildOne(ctx, category, part, out)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && category == "":
				set.Global = h
			case err == nil:
				set.Categories[category] = h
			case category == "":
				globalErr = err
			default:
				failed[category] = err
			}
			return nil
		})
	}

	run("", src)
	for _, v := range values {
		run(v, Filter(src, func(pt Point) bool { return pt.Category == v }))
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if globalErr != nil {
		return nil, globalErr
	}
	if len(failed) == 0 {
		return set, nil
	}

	set.Failed = make(map[string]string, len(failed))
	for v, err := range failed {
		set.Failed[v] = err.Error()
		p.logger.Warn("category hierarchy failed", "category", v, "error", err)
	}
	return set, &PartialFailureError{Failed: failed}
}

func (p *Partitioner) buildOne(ctx context.Context, category string, src Source, out Output) (*Hierarchy, error) {
	w, err := out.Writer(category)
	if err != nil {
		return nil, &BuildError{Category: category, State: StateInit, Err: err}
	}
	h, err := p.builder.Build(ctx, category, src, w)
	if err != nil {
		// Discarding uses a fresh context so that cleanup still runs after
		// cancellation.
		if derr := out.Discard(context.WithoutCancel(ctx), category); derr != nil {
			p.logger.Warn("failed to discard partial hierarchy", "hierarchy", Label(category), "error", derr)
		}
		return nil, err
	}
	return h, nil
}
