package pyramid

import (
	"context"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
)

// NestingReport summarizes a VerifyNesting run.
type NestingReport struct {
	Levels int      `json:"levels"`
	Sizes  []uint64 `json:"sizes"`
}

// RowSet returns the row ids of pts as a bitmap. Negative ids cannot be
// represented and are rejected.
func RowSet(pts []Point) (*roaring64.Bitmap, error) {
	bm := roaring64.New()
	for _, p := range pts {
		if p.RowID < 0 {
			return nil, fmt.Errorf("negative row id %d", p.RowID)
		}
		bm.Add(uint64(p.RowID))
	}
	return bm, nil
}

// VerifyNesting loads every level of h and checks that the rows of each level
// are contained in the rows of the next finer level, ending at the full
// snapshot.
func VerifyNesting(ctx context.Context, h *Hierarchy) (NestingReport, error) {
	rep := NestingReport{Levels: len(h.Levels)}
	var finer *roaring64.Bitmap
	for i := len(h.Levels) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		pts, err := h.Points(ctx, i)
		if err != nil {
			return rep, fmt.Errorf("failed to load level %d: %w", i, err)
		}
		cur, err := RowSet(pts)
		if err != nil {
			return rep, fmt.Errorf("level %d: %w", i, err)
		}
		if n := cur.GetCardinality(); n != uint64(len(pts)) {
			return rep, fmt.Errorf("level %d: %d points but %d distinct rows", i, len(pts), n)
		}
		if finer != nil {
			if shared := cur.AndCardinality(finer); shared != cur.GetCardinality() {
				return rep, fmt.Errorf("%w: level %d has %d rows missing from level %d",
					ErrNotNested, i, cur.GetCardinality()-shared, i+1)
			}
		}
		rep.Sizes = append([]uint64{cur.GetCardinality()}, rep.Sizes...)
		finer = cur
	}
	return rep, nil
}
