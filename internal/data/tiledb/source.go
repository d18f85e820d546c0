// Package tiledb streams scatter points out of a TileDB sparse array whose
// single int64 dimension is the row id and whose attributes hold x, y,
// intensity and an optional category string.
package tiledb

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnsupported indicates this binary was built without TileDB support.
var ErrUnsupported = errors.New("tiledb support is not enabled in this build (build with: go build -tags tiledb)")

// chunkRows is the number of cells requested per query submit.
const chunkRows = 4096

// ResolveArrayURI expands environment variables in a local array path and
// cleans it. Remote URIs (s3://, tiledb://) are returned unchanged.
func ResolveArrayURI(path string) (string, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return "", errors.New("empty tiledb array path")
	}
	if strings.Contains(p, "://") {
		return p, nil
	}
	return filepath.Clean(os.ExpandEnv(p)), nil
}
