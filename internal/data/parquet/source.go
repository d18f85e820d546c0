// Package parquet streams scatter points out of Parquet files.
package parquet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"

	"github.com/parquet-go/parquet-go"

	"github.com/peakmap/server/internal/data"
	"github.com/peakmap/server/internal/pyramid"
)

const batchRows = 4096

// Source is a re-scannable pyramid.Source over one Parquet file.
type Source struct {
	path string
	cols data.Columns
}

// NewSource checks that path is readable and that the configured columns
// exist and have supported types.
func NewSource(path string, cols data.Columns) (*Source, error) {
	if err := cols.Validate(); err != nil {
		return nil, err
	}
	s := &Source{path: path, cols: cols}
	f, pf, err := s.open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if _, err := s.resolve(pf.Schema()); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the file path.
func (s *Source) Path() string { return s.path }

// NumRows returns the row count recorded in the file footer.
func (s *Source) NumRows() (int64, error) {
	f, pf, err := s.open()
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return pf.NumRows(), nil
}

func (s *Source) open() (*os.File, *parquet.File, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open parquet file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("failed to stat parquet file: %w", err)
	}
	pf, err := parquet.OpenFile(f, info.Size(), parquet.SkipBloomFilters(true))
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("failed to read parquet footer: %w", err)
	}
	return f, pf, nil
}

// layout maps the configured columns to leaf column indexes; -1 when absent.
type layout struct {
	x, y, intensity, category, rowID int
}

func (s *Source) resolve(schema *parquet.Schema) (layout, error) {
	l := layout{category: -1, rowID: -1}
	lookup := func(name string, numeric bool) (int, error) {
		leaf, ok := schema.Lookup(name)
		if !ok {
			return -1, fmt.Errorf("column %q not found in %s", name, s.path)
		}
		if leaf.MaxRepetitionLevel > 0 {
			return -1, fmt.Errorf("column %q is repeated", name)
		}
		if numeric {
			switch leaf.Node.Type().Kind() {
			case parquet.Double, parquet.Float, parquet.Int32, parquet.Int64:
			default:
				return -1, fmt.Errorf("column %q has non-numeric type %s", name, leaf.Node.Type())
			}
		}
		return leaf.ColumnIndex, nil
	}
	var err error
	if l.x, err = lookup(s.cols.X, true); err != nil {
		return l, err
	}
	if l.y, err = lookup(s.cols.Y, true); err != nil {
		return l, err
	}
	if l.intensity, err = lookup(s.cols.Intensity, true); err != nil {
		return l, err
	}
	if s.cols.Category != "" {
		if l.category, err = lookup(s.cols.Category, false); err != nil {
			return l, err
		}
	}
	if s.cols.RowID != "" {
		if l.rowID, err = lookup(s.cols.RowID, true); err != nil {
			return l, err
		}
	}
	return l, nil
}

// Scan implements pyramid.Source.
func (s *Source) Scan(ctx context.Context, fn func(pyramid.Point) error) error {
	f, pf, err := s.open()
	if err != nil {
		return pyramid.IOError("open "+s.path, err)
	}
	defer f.Close()
	l, err := s.resolve(pf.Schema())
	if err != nil {
		return err
	}

	reader := parquet.NewReader(pf)
	defer reader.Close()

	rows := make([]parquet.Row, batchRows)
	var ordinal int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := reader.ReadRows(rows)
		for _, row := range rows[:n] {
			p, err := l.point(row, ordinal)
			if err != nil {
				return err
			}
			ordinal++
			if err := fn(p); err != nil {
				return err
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return nil
			}
			return pyramid.IOError("read "+s.path, rerr)
		}
		if n == 0 {
			return nil
		}
	}
}

func (l layout) point(row parquet.Row, ordinal int64) (pyramid.Point, error) {
	p := pyramid.Point{RowID: ordinal, Intensity: math.NaN()}
	for _, v := range row {
		switch v.Column() {
		case l.x:
			p.X = numeric(v)
		case l.y:
			p.Y = numeric(v)
		case l.intensity:
			p.Intensity = numeric(v)
		case l.category:
			p.Category = text(v)
		case l.rowID:
			id, err := rowID(v)
			if err != nil {
				return p, fmt.Errorf("row %d: %w", ordinal, err)
			}
			p.RowID = id
		}
	}
	return p, nil
}

// rowID reads integer columns exactly. Floating point ids are accepted only
// when they hold a whole number.
func rowID(v parquet.Value) (int64, error) {
	if v.IsNull() {
		return 0, errors.New("null row id")
	}
	switch v.Kind() {
	case parquet.Int64:
		return v.Int64(), nil
	case parquet.Int32:
		return int64(v.Int32()), nil
	}
	f := numeric(v)
	if math.IsNaN(f) || f != math.Trunc(f) || math.Abs(f) >= 1<<63 {
		return 0, fmt.Errorf("row id %v is not an integer", f)
	}
	return int64(f), nil
}

// numeric converts a numeric value; null becomes NaN so that missing
// coordinates are rejected by the range scan.
func numeric(v parquet.Value) float64 {
	if v.IsNull() {
		return math.NaN()
	}
	switch v.Kind() {
	case parquet.Double:
		return v.Double()
	case parquet.Float:
		return float64(v.Float())
	case parquet.Int32:
		return float64(v.Int32())
	case parquet.Int64:
		return float64(v.Int64())
	default:
		return math.NaN()
	}
}

func text(v parquet.Value) string {
	if v.IsNull() {
		return ""
	}
	switch v.Kind() {
	case parquet.ByteArray, parquet.FixedLenByteArray:
		return string(v.ByteArray())
	case parquet.Int32:
		return strconv.FormatInt(int64(v.Int32()), 10)
	case parquet.Int64:
		return strconv.FormatInt(v.Int64(), 10)
	case parquet.Boolean:
		return strconv.FormatBool(v.Boolean())
	default:
		return v.String()
	}
}
