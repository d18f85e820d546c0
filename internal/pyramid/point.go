// Package pyramid builds multi-resolution level hierarchies for large 2D
// scatter datasets.
//
// A hierarchy is a stack of levels, each a subsample of the one above it,
// selected by keeping the highest-intensity points of every cell of a fixed
// grid. All levels of one hierarchy share a single AxisRange and bin grid,
// which is what makes building each level from the next finer one produce
// exactly the same result as downsampling the raw data directly.
package pyramid

import (
	"cmp"
	"context"
	"math"
)

// Point is one row of a scatter dataset.
type Point struct {
	RowID     int64   `json:"row_id"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Intensity float64 `json:"intensity"`
	Category  string  `json:"category,omitempty"`
}

// rankIntensity maps NaN below every real intensity so ordering stays total.
func rankIntensity(v float64) float64 {
	if math.IsNaN(v) {
		return math.Inf(-1)
	}
	return v
}

// Better reports whether a ranks ahead of b: higher intensity first, then
// lower row id.
func Better(a, b Point) bool {
	ai, bi := rankIntensity(a.Intensity), rankIntensity(b.Intensity)
	if ai != bi {
		return ai > bi
	}
	return a.RowID < b.RowID
}

// compareRank orders points best-first for slices.SortFunc.
func compareRank(a, b Point) int {
	ai, bi := rankIntensity(a.Intensity), rankIntensity(b.Intensity)
	if ai != bi {
		if ai > bi {
			return -1
		}
		return 1
	}
	if c := cmp.Compare(a.RowID, b.RowID); c != 0 {
		return c
	}
	// Row ids are expected to be unique; fall back to position so that
	// duplicated ids still sort deterministically.
	if c := cmp.Compare(a.X, b.X); c != 0 {
		return c
	}
	return cmp.Compare(a.Y, b.Y)
}

// CompareLocality orders points by x, then y, then row id. Persisted levels
// use this order.
func CompareLocality(a, b Point) int {
	if c := cmp.Compare(a.X, b.X); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Y, b.Y); c != 0 {
		return c
	}
	return cmp.Compare(a.RowID, b.RowID)
}

// Source is a re-scannable stream of points. Scan must deliver points in the
// same order on every call and stop at the first error returned by fn.
type Source interface {
	Scan(ctx context.Context, fn func(Point) error) error
}

// SliceSource serves points from memory.
type SliceSource []Point

// Scan implements Source.
func (s SliceSource) Scan(ctx context.Context, fn func(Point) error) error {
	for i, p := range s {
		if i%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if err := fn(p); err != nil {
			return err
		}
	}
	return nil
}

type filterSource struct {
	src  Source
	keep func(Point) bool
}

// Filter returns a Source yielding only the points of src for which keep
// returns true.
func Filter(src Source, keep func(Point) bool) Source {
	return &filterSource{src: src, keep: keep}
}

func (f *filterSource) Scan(ctx context.Context, fn func(Point) error) error {
	return f.src.Scan(ctx, func(p Point) error {
		if !f.keep(p) {
			return nil
		}
		return fn(p)
	})
}

// Collect materializes a source. sizeHint preallocates when known.
func Collect(ctx context.Context, src Source, sizeHint int) ([]Point, error) {
	pts := make([]Point, 0, max(sizeHint, 0))
	err := src.Scan(ctx, func(p Point) error {
		pts = append(pts, p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pts, nil
}
