package pyramid

import (
	"cmp"
	"slices"
)

type cellPoint struct {
	cell int
	p    Point
}

// groupByCell returns the points ordered by cell, best-ranked first inside
// each cell, together with the [start, end) bounds of every occupied cell.
func groupByCell(points []Point, g Grid) ([]cellPoint, [][2]int) {
	cps := make([]cellPoint, len(points))
	for i, p := range points {
		cps[i] = cellPoint{cell: g.Cell(p.X, p.Y), p: p}
	}
	slices.SortFunc(cps, func(a, b cellPoint) int {
		if c := cmp.Compare(a.cell, b.cell); c != 0 {
			return c
		}
		return compareRank(a.p, b.p)
	})

	var runs [][2]int
	for start := 0; start < len(cps); {
		end := start + 1
		for end < len(cps) && cps[end].cell == cps[start].cell {
			end++
		}
		runs = append(runs, [2]int{start, end})
		start = end
	}
	return cps, runs
}

// TopKPerBin keeps the k highest-intensity points of every occupied cell of g,
// ties broken by ascending row id. The result is in locality order.
func TopKPerBin(points []Point, g Grid, k int) ([]Point, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if k <= 0 || len(points) == 0 {
		return []Point{}, nil
	}

	cps, runs := groupByCell(points, g)
	out := make([]Point, 0, min(len(points), k*len(runs)))
	for _, r := range runs {
		end := min(r[1], r[0]+k)
		for _, cp := range cps[r[0]:end] {
			out = append(out, cp.p)
		}
	}
	slices.SortFunc(out, CompareLocality)
	return out, nil
}

// Downsample selects at most target points from points.
//
// Every occupied cell first receives the largest common quota q for which
// the sum over cells of min(count, q) fits in target. The remaining budget
// goes to the best-ranked (q+1)-th points of the cells that still have one.
// The selection keeps, per cell, a best-ranked prefix whose length depends
// only on the cell counts up to q+1, so downsampling a previous output with a
// smaller target gives the same points as downsampling the raw input.
//
// The result is in locality order. An input no larger than target is
// returned whole.
func Downsample(points []Point, g Grid, target int) ([]Point, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if target <= 0 || len(points) == 0 {
		return []Point{}, nil
	}
	if len(points) <= target {
		out := slices.Clone(points)
		slices.SortFunc(out, CompareLocality)
		return out, nil
	}

	cps, runs := groupByCell(points, g)
	counts := make([]int, len(runs))
	for i, r := range runs {
		counts[i] = r[1] - r[0]
	}
	q, used := cellQuota(counts, target)

	out := make([]Point, 0, target)
	var overflow []Point
	for i, r := range runs {
		take := min(counts[i], q)
		for _, cp := range cps[r[0] : r[0]+take] {
			out = append(out, cp.p)
		}
		if counts[i] > q {
			overflow = append(overflow, cps[r[0]+q].p)
		}
	}
	if extra := target - used; extra > 0 {
		slices.SortFunc(overflow, compareRank)
		out = append(out, overflow[:min(extra, len(overflow))]...)
	}

	slices.SortFunc(out, CompareLocality)
	return out, nil
}

// cellQuota returns the largest q with sum(min(count, q)) <= target and that
// sum. The caller guarantees sum(counts) > target.
func cellQuota(counts []int, target int) (int, int) {
	filled := func(q int) int {
		total := 0
		for _, c := range counts {
			total += min(c, q)
		}
		return total
	}

	lo, hi := 0, slices.Max(counts)
	for lo < hi {
		mid := lo + (hi-lo+1)/2
		if filled(mid) <= target {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo, filled(lo)
}
