package pyramid

import (
	"context"
	"fmt"
	"math"
)

// AxisRange holds fixed bounds for both axes. Every level of a hierarchy is
// binned against the same AxisRange.
type AxisRange struct {
	MinX float64 `json:"min_x"`
	MaxX float64 `json:"max_x"`
	MinY float64 `json:"min_y"`
	MaxY float64 `json:"max_y"`
}

// Validate checks that both axes are finite and non-empty.
func (r AxisRange) Validate() error {
	for _, v := range []float64{r.MinX, r.MaxX, r.MinY, r.MaxY} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite bound in %+v", ErrInvalidRange, r)
		}
	}
	if r.MinX >= r.MaxX {
		return fmt.Errorf("%w: x [%g, %g]", ErrInvalidRange, r.MinX, r.MaxX)
	}
	if r.MinY >= r.MaxY {
		return fmt.Errorf("%w: y [%g, %g]", ErrInvalidRange, r.MinY, r.MaxY)
	}
	return nil
}

// Contains reports whether (x, y) lies inside the closed range.
func (r AxisRange) Contains(x, y float64) bool {
	return x >= r.MinX && x <= r.MaxX && y >= r.MinY && y <= r.MaxY
}

// Extent is the result of a range scan.
type Extent struct {
	Range AxisRange
	Count int
}

// EstimateRange computes the bounds of src in one streaming pass. Degenerate
// axes (min == max) are widened so that binning never divides by zero.
func EstimateRange(ctx context.Context, src Source) (Extent, error) {
	ext := Extent{Range: AxisRange{
		MinX: math.Inf(1), MaxX: math.Inf(-1),
		MinY: math.Inf(1), MaxY: math.Inf(-1),
	}}
	err := src.Scan(ctx, func(p Point) error {
		if !finite(p.X) || !finite(p.Y) {
			return fmt.Errorf("%w: row %d at (%g, %g)", ErrInvalidPoint, p.RowID, p.X, p.Y)
		}
		r := &ext.Range
		r.MinX = math.Min(r.MinX, p.X)
		r.MaxX = math.Max(r.MaxX, p.X)
		r.MinY = math.Min(r.MinY, p.Y)
		r.MaxY = math.Max(r.MaxY, p.Y)
		ext.Count++
		return nil
	})
	if err != nil {
		return Extent{}, err
	}
	if ext.Count == 0 {
		return Extent{}, ErrEmptyDataset
	}
	ext.Range.MinX, ext.Range.MaxX = widen(ext.Range.MinX, ext.Range.MaxX)
	ext.Range.MinY, ext.Range.MaxY = widen(ext.Range.MinY, ext.Range.MaxY)
	return ext, nil
}

func widen(lo, hi float64) (float64, float64) {
	if lo < hi {
		return lo, hi
	}
	d := math.Max(math.Abs(lo)*1e-9, 1e-9)
	return lo - d, hi + d
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Grid is a fixed XBins x YBins partition of an AxisRange into half-open
// cells; the last cell of each axis is closed on its upper edge.
type Grid struct {
	Range AxisRange `json:"range"`
	XBins int       `json:"x_bins"`
	YBins int       `json:"y_bins"`
}

// NewGrid validates and returns a grid.
func NewGrid(r AxisRange, xBins, yBins int) (Grid, error) {
	if xBins <= 0 || yBins <= 0 {
		return Grid{}, fmt.Errorf("%w: %dx%d", ErrZeroBins, xBins, yBins)
	}
	if err := r.Validate(); err != nil {
		return Grid{}, err
	}
	return Grid{Range: r, XBins: xBins, YBins: yBins}, nil
}

// Validate re-checks a grid that was not built through NewGrid.
func (g Grid) Validate() error {
	_, err := NewGrid(g.Range, g.XBins, g.YBins)
	return err
}

// Cells returns the number of cells.
func (g Grid) Cells() int { return g.XBins * g.YBins }

// Cell returns the row-major cell index of (x, y). Coordinates outside the
// range are clamped into the border cells.
func (g Grid) Cell(x, y float64) int {
	ix := binIndex(x, g.Range.MinX, g.Range.MaxX, g.XBins)
	iy := binIndex(y, g.Range.MinY, g.Range.MaxY, g.YBins)
	return iy*g.XBins + ix
}

func binIndex(v, lo, hi float64, bins int) int {
	if !(v > lo) {
		return 0
	}
	if v >= hi {
		return bins - 1
	}
	i := int((v - lo) / (hi - lo) * float64(bins))
	if i >= bins {
		i = bins - 1
	}
	return i
}
