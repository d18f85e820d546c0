//go:build tiledb

package tiledb

import (
	"context"
	"fmt"
	"math"
	"os"
	"strings"

	tiledb "github.com/TileDB-Inc/TileDB-Go"

	"github.com/peakmap/server/internal/data"
	"github.com/peakmap/server/internal/pyramid"
)

// Source reads points from a TileDB sparse array.
type Source struct {
	uri  string
	cols data.Columns
	ctx  *tiledb.Context
}

func NewSource(path string, cols data.Columns) (*Source, error) {
	if err := cols.Validate(); err != nil {
		return nil, err
	}
	uri, err := ResolveArrayURI(path)
	if err != nil {
		return nil, err
	}
	if !strings.Contains(uri, "://") {
		if _, statErr := os.Stat(uri); statErr != nil {
			return nil, fmt.Errorf("tiledb array not found at %s: %w", uri, statErr)
		}
	}
	tctx, err := tiledb.NewContext(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create TileDB context: %w", err)
	}
	return &Source{uri: uri, cols: cols, ctx: tctx}, nil
}

func (s *Source) Supported() bool { return true }

func (s *Source) URI() string { return s.uri }

func (s *Source) dimension() string {
	if s.cols.RowID != "" {
		return s.cols.RowID
	}
	return "row_id"
}

// Scan implements pyramid.Source. Cells are read in row-id order, chunkRows
// at a time, resubmitting while the query is INCOMPLETE.
func (s *Source) Scan(ctx context.Context, fn func(pyramid.Point) error) error {
	arr, err := tiledb.NewArray(s.ctx, s.uri)
	if err != nil {
		return pyramid.IOError("open "+s.uri, err)
	}
	defer arr.Free()
	if err := arr.Open(tiledb.TILEDB_READ); err != nil {
		return pyramid.IOError("open "+s.uri, fmt.Errorf("failed to open array for read: %w", err))
	}
	defer arr.Close()

	dim := s.dimension()
	ned, isEmpty, err := arr.NonEmptyDomainFromName(dim)
	if err != nil {
		return fmt.Errorf("failed to get non-empty domain of %s: %w", dim, err)
	}
	if isEmpty || ned == nil {
		return nil
	}
	minID, maxID, err := boundsMinMaxInt64(ned.Bounds)
	if err != nil {
		return fmt.Errorf("failed to parse non-empty domain bounds: %w", err)
	}

	sub, err := arr.NewSubarray()
	if err != nil {
		return fmt.Errorf("failed to create subarray: %w", err)
	}
	defer sub.Free()
	if err := sub.AddRangeByName(dim, tiledb.MakeRange[int64](minID, maxID)); err != nil {
		return fmt.Errorf("failed to set %s range: %w", dim, err)
	}

	q, err := tiledb.NewQuery(s.ctx, arr)
	if err != nil {
		return fmt.Errorf("failed to create query: %w", err)
	}
	defer q.Free()
	if err := q.SetSubarray(sub); err != nil {
		return fmt.Errorf("failed to set subarray: %w", err)
	}
	if err := q.SetLayout(tiledb.TILEDB_ROW_MAJOR); err != nil {
		return fmt.Errorf("failed to set query layout: %w", err)
	}

	numeric := []string{s.cols.X, s.cols.Y, s.cols.Intensity}
	nullable := make(map[string]bool, 4)
	for _, name := range append(numeric, s.cols.Category) {
		if name == "" {
			continue
		}
		n, err := attributeNullable(arr, name)
		if err != nil {
			return fmt.Errorf("failed to inspect attribute %s: %w", name, err)
		}
		nullable[name] = n
	}

	ids := make([]int64, chunkRows)
	values := make([][]float64, len(numeric))
	valid := make([][]uint8, len(numeric))
	for i, name := range numeric {
		values[i] = make([]float64, chunkRows)
		if nullable[name] {
			valid[i] = make([]uint8, chunkRows)
		}
	}
	var (
		catOffsets []uint64
		catBytes   []byte
		catValid   []uint8
	)
	if s.cols.Category != "" {
		catOffsets = make([]uint64, chunkRows)
		catBytes = make([]byte, 1024*1024)
		if nullable[s.cols.Category] {
			catValid = make([]uint8, chunkRows)
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Buffer sizes are in/out parameters, so every submit resets them.
		if _, err := q.SetDataBuffer(dim, ids); err != nil {
			return fmt.Errorf("failed to set buffer %s: %w", dim, err)
		}
		for i, name := range numeric {
			if _, err := q.SetDataBuffer(name, values[i]); err != nil {
				return fmt.Errorf("failed to set buffer %s: %w", name, err)
			}
			if valid[i] != nil {
				if _, err := q.SetValidityBuffer(name, valid[i]); err != nil {
					return fmt.Errorf("failed to set validity buffer %s: %w", name, err)
				}
			}
		}
		if s.cols.Category != "" {
			if _, err := q.SetOffsetsBuffer(s.cols.Category, catOffsets); err != nil {
				return fmt.Errorf("failed to set offsets buffer %s: %w", s.cols.Category, err)
			}
			if _, err := q.SetDataBuffer(s.cols.Category, catBytes); err != nil {
				return fmt.Errorf("failed to set data buffer %s: %w", s.cols.Category, err)
			}
			if catValid != nil {
				if _, err := q.SetValidityBuffer(s.cols.Category, catValid); err != nil {
					return fmt.Errorf("failed to set validity buffer %s: %w", s.cols.Category, err)
				}
			}
		}

		if err := q.Submit(); err != nil {
			return pyramid.IOError("read "+s.uri, fmt.Errorf("query submit failed: %w", err))
		}
		status, err := q.Status()
		if err != nil {
			return fmt.Errorf("query status failed: %w", err)
		}
		elems, err := q.ResultBufferElements()
		if err != nil {
			return fmt.Errorf("failed to get result buffer elements: %w", err)
		}
		got := min(int(elems[dim][1]), len(ids))

		if status == tiledb.TILEDB_INCOMPLETE && got == 0 {
			if s.cols.Category != "" && len(catBytes) < 64*1024*1024 {
				catBytes = make([]byte, len(catBytes)*2)
				continue
			}
			return fmt.Errorf("query buffers too small; no progress at %d bytes", len(catBytes))
		}

		var cats []string
		if s.cols.Category != "" {
			used := min(int(elems[s.cols.Category][0]), len(catOffsets))
			cats = splitVar(catOffsets[:used], catBytes[:min(int(elems[s.cols.Category][1]), len(catBytes))], catValid)
		}
		for i := 0; i < got; i++ {
			p := pyramid.Point{
				RowID:     ids[i],
				X:         cell(values[0], valid[0], i),
				Y:         cell(values[1], valid[1], i),
				Intensity: cell(values[2], valid[2], i),
			}
			if i < len(cats) {
				p.Category = cats[i]
			}
			if err := fn(p); err != nil {
				return err
			}
		}

		switch status {
		case tiledb.TILEDB_COMPLETED:
			return nil
		case tiledb.TILEDB_INCOMPLETE:
		default:
			return fmt.Errorf("unexpected TileDB query status: %v", status)
		}
	}
}

func cell(vals []float64, valid []uint8, i int) float64 {
	if valid != nil && valid[i] == 0 {
		return math.NaN()
	}
	return vals[i]
}

func splitVar(offsets []uint64, data []byte, valid []uint8) []string {
	out := make([]string, len(offsets))
	for i := range offsets {
		if valid != nil && i < len(valid) && valid[i] == 0 {
			continue
		}
		start := int(offsets[i])
		end := len(data)
		if i+1 < len(offsets) {
			end = int(offsets[i+1])
		}
		if start < 0 || end < start || end > len(data) {
			continue
		}
		out[i] = string(data[start:end])
	}
	return out
}

func boundsMinMaxInt64(bounds interface{}) (int64, int64, error) {
	switch v := bounds.(type) {
	case []int64:
		if len(v) >= 2 {
			return v[0], v[1], nil
		}
	case []int32:
		if len(v) >= 2 {
			return int64(v[0]), int64(v[1]), nil
		}
	case []uint64:
		if len(v) >= 2 {
			if v[0] > math.MaxInt64 || v[1] > math.MaxInt64 {
				return 0, 0, fmt.Errorf("uint64 bounds exceed int64 range")
			}
			return int64(v[0]), int64(v[1]), nil
		}
	}
	return 0, 0, fmt.Errorf("unsupported bounds type for non-empty domain")
}

func attributeNullable(arr *tiledb.Array, name string) (bool, error) {
	schema, err := arr.Schema()
	if err != nil {
		return false, err
	}
	defer schema.Free()
	attr, err := schema.AttributeFromName(name)
	if err != nil {
		return false, err
	}
	defer attr.Free()
	return attr.Nullable()
}
