package parquet

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peakmap/server/internal/data"
	"github.com/peakmap/server/internal/pyramid"
)

type peakRow struct {
	ScanID    int64   `parquet:"scan_id"`
	MZ        float64 `parquet:"mz"`
	RT        float32 `parquet:"rt"`
	Intensity int32   `parquet:"intensity"`
	Level     string  `parquet:"ms_level"`
}

func writePeaks(t *testing.T, n int) string {
	t.Helper()
	rows := make([]peakRow, n)
	for i := range rows {
		rows[i] = peakRow{
			ScanID:    int64(1000 + i),
			MZ:        100 + float64(i),
			RT:        float32(i%60) / 2,
			Intensity: int32(i % 17),
			Level:     []string{"MS1", "MS2"}[i%2],
		}
	}
	path := filepath.Join(t.TempDir(), "peaks.parquet")
	require.NoError(t, parquet.WriteFile(path, rows))
	return path
}

func TestSourceScan(t *testing.T) {
	path := writePeaks(t, 10000)
	src, err := NewSource(path, data.Columns{X: "mz", Y: "rt", Intensity: "intensity", Category: "ms_level", RowID: "scan_id"})
	require.NoError(t, err)

	n, err := src.NumRows()
	require.NoError(t, err)
	assert.EqualValues(t, 10000, n)

	pts, err := pyramid.Collect(context.Background(), src, 0)
	require.NoError(t, err)
	require.Len(t, pts, 10000)
	assert.Equal(t, pyramid.Point{RowID: 1003, X: 103, Y: 1.5, Intensity: 3, Category: "MS2"}, pts[3])

	again, err := pyramid.Collect(context.Background(), src, 0)
	require.NoError(t, err)
	assert.Equal(t, pts, again, "scans are repeatable")
}

func TestSourceRowOrdinalFallback(t *testing.T) {
	path := writePeaks(t, 20)
	src, err := NewSource(path, data.Columns{X: "mz", Y: "rt", Intensity: "intensity"})
	require.NoError(t, err)
	pts, err := pyramid.Collect(context.Background(), src, 0)
	require.NoError(t, err)
	for i, p := range pts {
		assert.EqualValues(t, i, p.RowID)
		assert.Empty(t, p.Category)
	}
}

func TestSourceKeepsLargeRowIDsExact(t *testing.T) {
	type row struct {
		ID int64   `parquet:"id"`
		X  float64 `parquet:"x"`
		Y  float64 `parquet:"y"`
		I  float64 `parquet:"i"`
	}
	base := int64(1)<<62 + 1
	rows := make([]row, 4)
	for i := range rows {
		rows[i] = row{ID: base + int64(i), X: float64(i), Y: 1, I: 5}
	}
	path := filepath.Join(t.TempDir(), "ids.parquet")
	require.NoError(t, parquet.WriteFile(path, rows))

	src, err := NewSource(path, data.Columns{X: "x", Y: "y", Intensity: "i", RowID: "id"})
	require.NoError(t, err)
	pts, err := pyramid.Collect(context.Background(), src, 0)
	require.NoError(t, err)
	require.Len(t, pts, 4)
	for i, p := range pts {
		assert.Equal(t, base+int64(i), p.RowID)
	}
}

func TestSourceRejectsFractionalRowID(t *testing.T) {
	type row struct {
		ID float64 `parquet:"id"`
		X  float64 `parquet:"x"`
		Y  float64 `parquet:"y"`
		I  float64 `parquet:"i"`
	}
	path := filepath.Join(t.TempDir(), "ids.parquet")
	require.NoError(t, parquet.WriteFile(path, []row{{ID: 2, X: 1, Y: 1, I: 1}, {ID: 2.5, X: 2, Y: 1, I: 1}}))

	src, err := NewSource(path, data.Columns{X: "x", Y: "y", Intensity: "i", RowID: "id"})
	require.NoError(t, err)
	_, err = pyramid.Collect(context.Background(), src, 0)
	assert.ErrorContains(t, err, "not an integer")
}

func TestSourceRejectsBadColumns(t *testing.T) {
	path := writePeaks(t, 5)

	_, err := NewSource(path, data.Columns{X: "mz", Y: "missing", Intensity: "intensity"})
	assert.ErrorContains(t, err, "missing")

	_, err = NewSource(path, data.Columns{X: "ms_level", Y: "rt", Intensity: "intensity"})
	assert.ErrorContains(t, err, "non-numeric")

	_, err = NewSource(path, data.Columns{X: "mz"})
	assert.Error(t, err)

	_, err = NewSource(filepath.Join(t.TempDir(), "nope.parquet"), data.Columns{X: "a", Y: "b", Intensity: "c"})
	assert.Error(t, err)
}

func TestSourceFeedsBuilder(t *testing.T) {
	path := writePeaks(t, 6000)
	src, err := NewSource(path, data.Columns{X: "mz", Y: "rt", Intensity: "intensity", Category: "ms_level", RowID: "scan_id"})
	require.NoError(t, err)

	counts, err := pyramid.CategoryCounts(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"MS1": 3000, "MS2": 3000}, counts)

	ext, err := pyramid.EstimateRange(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, 6000, ext.Count)
	assert.Equal(t, 100.0, ext.Range.MinX)
	assert.Equal(t, 6099.0, ext.Range.MaxX)
}

func TestSourceStopsOnCancel(t *testing.T) {
	src, err := NewSource(writePeaks(t, 100), data.Columns{X: "mz", Y: "rt", Intensity: "intensity"})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = src.Scan(ctx, func(pyramid.Point) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
