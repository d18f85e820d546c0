package service

import (
	"fmt"

	"github.com/peakmap/server/internal/config"
	"github.com/peakmap/server/internal/data/parquet"
	"github.com/peakmap/server/internal/data/tiledb"
	"github.com/peakmap/server/internal/pyramid"
)

// SourceOpener opens the point source of a dataset.
type SourceOpener func(ds config.DatasetConfig) (pyramid.Source, error)

// OpenSource opens ds according to its configured format.
func OpenSource(ds config.DatasetConfig) (pyramid.Source, error) {
	switch ds.Format {
	case "parquet", "":
		src, err := parquet.NewSource(ds.Path, ds.Columns)
		if err != nil {
			return nil, fmt.Errorf("failed to open parquet source: %w", err)
		}
		return src, nil
	case "tiledb":
		src, err := tiledb.NewSource(ds.Path, ds.Columns)
		if err != nil {
			return nil, fmt.Errorf("failed to open tiledb source: %w", err)
		}
		return src, nil
	default:
		return nil, fmt.Errorf("unknown dataset format %q", ds.Format)
	}
}
