package pyramid

import (
	"context"
	"fmt"
	"sort"
)

// GlobalKey labels the hierarchy built over the unfiltered dataset in logs
// and storage paths. In code the global hierarchy has an empty Category.
const GlobalKey = "global"

// Label returns the display name of the hierarchy for category.
func Label(category string) string {
	if category == "" {
		return GlobalKey
	}
	return "category:" + category
}

// Level describes one resolution step. Index 0 is the coarsest level; the
// full-resolution snapshot has the highest index.
type Level struct {
	Index  int  `json:"index"`
	Target int  `json:"target"`
	Size   int  `json:"size"`
	Full   bool `json:"full,omitempty"`
}

// LevelWriter persists the points of one level of one hierarchy.
type LevelWriter interface {
	WriteLevel(ctx context.Context, grid Grid, lvl Level, pts []Point) error
}

// LevelReader loads a persisted level by index.
type LevelReader interface {
	ReadLevel(ctx context.Context, index int) ([]Point, error)
}

// Hierarchy is an immutable resolution hierarchy: the full snapshot plus the
// downsampled levels, all binned on Grid.
type Hierarchy struct {
	Category string  `json:"category,omitempty"`
	Grid     Grid    `json:"grid"`
	Total    int     `json:"total"`
	Levels   []Level `json:"levels"`

	reader LevelReader
}

// WithReader returns a copy of h that loads level points through r.
func (h *Hierarchy) WithReader(r LevelReader) *Hierarchy {
	cp := *h
	cp.Levels = append([]Level(nil), h.Levels...)
	cp.reader = r
	return &cp
}

// Range returns the AxisRange shared by every level.
func (h *Hierarchy) Range() AxisRange { return h.Grid.Range }

// Passthrough reports whether the hierarchy has no downsampled levels.
func (h *Hierarchy) Passthrough() bool { return len(h.Levels) <= 1 }

// Full returns the full-resolution level.
func (h *Hierarchy) Full() Level { return h.Levels[len(h.Levels)-1] }

// Planned returns the target sizes of the downsampled levels, coarsest first.
func (h *Hierarchy) Planned() []int {
	out := make([]int, 0, len(h.Levels))
	for _, l := range h.Levels {
		if !l.Full {
			out = append(out, l.Target)
		}
	}
	return out
}

// Points loads the points of the level at index.
func (h *Hierarchy) Points(ctx context.Context, index int) ([]Point, error) {
	if index < 0 || index >= len(h.Levels) {
		return nil, fmt.Errorf("level %d out of range [0, %d)", index, len(h.Levels))
	}
	if h.reader == nil {
		return nil, ErrNoReader
	}
	return h.reader.ReadLevel(ctx, index)
}

// Set groups the hierarchies built for one dataset: the global fallback and,
// when a categorical column is configured, one per category value.
type Set struct {
	Global     *Hierarchy            `json:"global"`
	Categories map[string]*Hierarchy `json:"categories,omitempty"`
	Failed     map[string]string     `json:"failed,omitempty"`
}

// ForCategory returns the hierarchy built for value.
func (s *Set) ForCategory(value string) (*Hierarchy, bool) {
	h, ok := s.Categories[value]
	return h, ok
}

// CategoryValues returns the built category values in sorted order.
func (s *Set) CategoryValues() []string {
	out := make([]string, 0, len(s.Categories))
	for v := range s.Categories {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
