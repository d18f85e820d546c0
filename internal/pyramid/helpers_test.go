package pyramid

import (
	"context"
	"errors"
	"math/rand/v2"
	"slices"
	"sync"
)

var errInjected = errors.New("injected write failure")

// uniformPoints returns n points spread over [0,100]x[0,10] with coarse
// intensities so that ties are common.
func uniformPoints(n int, seed uint64) []Point {
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	pts := make([]Point, n)
	for i := range pts {
		pts[i] = Point{
			RowID:     int64(i),
			X:         r.Float64() * 100,
			Y:         r.Float64() * 10,
			Intensity: float64(r.IntN(50)),
		}
	}
	return pts
}

func rowIDs(pts []Point) []int64 {
	ids := make([]int64, len(pts))
	for i, p := range pts {
		ids[i] = p.RowID
	}
	slices.Sort(ids)
	return ids
}

func testGrid(xBins, yBins int) Grid {
	return Grid{Range: AxisRange{MinX: 0, MaxX: 100, MinY: 0, MaxY: 10}, XBins: xBins, YBins: yBins}
}

type memLevels struct {
	mu     sync.Mutex
	levels map[int][]Point
	grids  map[int]Grid
	order  []int
	failAt int
}

func newMemLevels() *memLevels {
	return &memLevels{levels: map[int][]Point{}, grids: map[int]Grid{}, failAt: -1}
}

func (m *memLevels) WriteLevel(_ context.Context, grid Grid, lvl Level, pts []Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lvl.Index == m.failAt {
		return IOError("write level", errInjected)
	}
	m.levels[lvl.Index] = slices.Clone(pts)
	m.grids[lvl.Index] = grid
	m.order = append(m.order, lvl.Index)
	return nil
}

func (m *memLevels) ReadLevel(_ context.Context, index int) ([]Point, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pts, ok := m.levels[index]
	if !ok {
		return nil, IOError("read level", errors.New("missing level"))
	}
	return slices.Clone(pts), nil
}

type memOutput struct {
	mu        sync.Mutex
	writers   map[string]*memLevels
	discarded []string
	failFull  map[string]bool
}

func newMemOutput() *memOutput {
	return &memOutput{writers: map[string]*memLevels{}, failFull: map[string]bool{}}
}

func (o *memOutput) Writer(category string) (LevelWriter, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	w := newMemLevels()
	if o.failFull[category] {
		w.failAt = 0
	}
	o.writers[category] = w
	return w, nil
}

func (o *memOutput) Discard(_ context.Context, category string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.writers, category)
	o.discarded = append(o.discarded, category)
	return nil
}

type limitBudget struct {
	limit   int64
	mu      sync.Mutex
	held    int64
	peak    int64
	waits   int
	release chan struct{}
}

func (b *limitBudget) TryAcquireMemory(n int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.held+n > b.limit {
		return false
	}
	b.held += n
	b.peak = max(b.peak, b.held)
	return true
}

// AcquireMemory fails when n does not fit, unless release is set, in which
// case it waits for release and then takes the memory regardless.
func (b *limitBudget) AcquireMemory(ctx context.Context, n int64) error {
	b.mu.Lock()
	b.waits++
	release := b.release
	b.mu.Unlock()
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		b.held += n
		b.peak = max(b.peak, b.held)
		return nil
	}
	if !b.TryAcquireMemory(n) {
		return errors.New("over budget")
	}
	return nil
}

func (b *limitBudget) ReleaseMemory(n int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.held -= n
}
