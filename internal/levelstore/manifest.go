package levelstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/peakmap/server/internal/pyramid"
)

const manifestVersion = 1

// BuildParams records the configuration a build ran with.
type BuildParams struct {
	MinPoints      int     `json:"min_points"`
	XBins          int     `json:"x_bins"`
	YBins          int     `json:"y_bins"`
	GrowthFactor   float64 `json:"growth_factor"`
	CategoryColumn string  `json:"category_column,omitempty"`
}

// HierarchyEntry locates one hierarchy inside a build.
type HierarchyEntry struct {
	Category string          `json:"category,omitempty"`
	Dir      string          `json:"dir"`
	Grid     pyramid.Grid    `json:"grid"`
	Total    int             `json:"total"`
	Levels   []pyramid.Level `json:"levels"`
	Bytes    int64           `json:"bytes"`
}

func (e HierarchyEntry) hierarchy() *pyramid.Hierarchy {
	return &pyramid.Hierarchy{
		Category: e.Category,
		Grid:     e.Grid,
		Total:    e.Total,
		Levels:   append([]pyramid.Level(nil), e.Levels...),
	}
}

// Manifest describes a committed build. It is written once, before the
// dataset's CURRENT pointer is moved to the build.
type Manifest struct {
	FormatVersion int                       `json:"format_version"`
	Dataset       string                    `json:"dataset"`
	BuildID       string                    `json:"build_id"`
	CreatedAt     time.Time                 `json:"created_at"`
	Compression   string                    `json:"compression"`
	Params        BuildParams               `json:"params"`
	Global        HierarchyEntry            `json:"global"`
	Categories    map[string]HierarchyEntry `json:"categories,omitempty"`
	Failed        map[string]string         `json:"failed_categories,omitempty"`
}

// TotalBytes sums the stored size of every level of the build.
func (m *Manifest) TotalBytes() int64 {
	n := m.Global.Bytes
	for _, e := range m.Categories {
		n += e.Bytes
	}
	return n
}

func encodeManifest(m *Manifest) ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

func decodeManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if m.FormatVersion != manifestVersion {
		return nil, fmt.Errorf("unsupported manifest version %d", m.FormatVersion)
	}
	if len(m.Global.Levels) == 0 {
		return nil, fmt.Errorf("manifest for build %s has no global hierarchy", m.BuildID)
	}
	return &m, nil
}
