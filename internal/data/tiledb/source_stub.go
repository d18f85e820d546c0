//go:build !tiledb

package tiledb

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/peakmap/server/internal/data"
	"github.com/peakmap/server/internal/pyramid"
)

// Source is a stub when built without "-tags tiledb". It still resolves and
// validates the array path so that configuration errors surface early.
type Source struct {
	uri string
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
	return &Source{uri: uri}, nil
}

func (s *Source) Supported() bool { return false }

func (s *Source) URI() string { return s.uri }

func (s *Source) Scan(context.Context, func(pyramid.Point) error) error {
	return ErrUnsupported
}
