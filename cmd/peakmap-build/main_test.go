package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peakmap/server/internal/config"
)

type peakRow struct {
	ScanID    int64   `parquet:"scan_id"`
	MZ        float64 `parquet:"mz"`
	RT        float64 `parquet:"rt"`
	Intensity float64 `parquet:"intensity"`
	Level     string  `parquet:"ms_level"`
}

func writeConfig(t *testing.T, rows int) *config.Config {
	t.Helper()
	dir := t.TempDir()
	peaks := make([]peakRow, rows)
	for i := range peaks {
		peaks[i] = peakRow{
			ScanID:    int64(i),
			MZ:        100 + float64(i%97)*3.5,
			RT:        float64(i%41) / 4,
			Intensity: float64((i * 7919) % 1000),
			Level:     []string{"MS1", "MS2"}[i%2],
		}
	}
	dataPath := filepath.Join(dir, "peaks.parquet")
	require.NoError(t, parquet.WriteFile(dataPath, peaks))

	yml := fmt.Sprintf(`
data:
  run1:
    path: %s
    columns:
      x: mz
      y: rt
      intensity: intensity
      category: ms_level
      row_id: scan_id
pyramid:
  min_points: 200
  x_bins: 8
  y_bins: 8
storage:
  backend: memory
  compression: lz4
`, dataPath)
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(yml), 0o644))
	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunBuildsAndVerifies(t *testing.T) {
	cfg := writeConfig(t, 2000)
	assert.Equal(t, exitOK, run(cfg, quietLogger(), options{verify: true}))
}

func TestRunSingleDatasetWithCategories(t *testing.T) {
	cfg := writeConfig(t, 2000)
	code := run(cfg, quietLogger(), options{dataset: "run1", categories: []string{"MS1"}, verify: true})
	assert.Equal(t, exitOK, code)
}

func TestRunUnknownDataset(t *testing.T) {
	cfg := writeConfig(t, 10)
	assert.Equal(t, exitUsage, run(cfg, quietLogger(), options{dataset: "nope"}))
}

func TestRunMissingInput(t *testing.T) {
	cfg := writeConfig(t, 10)
	ds := cfg.Data.Datasets["run1"]
	ds.Path = filepath.Join(t.TempDir(), "missing.parquet")
	cfg.Data.Datasets["run1"] = ds
	assert.Equal(t, exitFailed, run(cfg, quietLogger(), options{}))
}
