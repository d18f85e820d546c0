// Package levelstore persists resolution hierarchies.
//
// Every build of a dataset is written below its own prefix and becomes
// visible only when the dataset's CURRENT pointer is replaced with the build
// id. Readers resolve CURRENT once and keep reading that build, so a rebuild
// never mutates files that are in use.
//
//	<dataset>/CURRENT
//	<dataset>/builds/<build-id>/manifest.json
//	<dataset>/builds/<build-id>/global/level_<i>.pts
//	<dataset>/builds/<build-id>/category/c_<escaped value>/level_<i>.pts
package levelstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/peakmap/server/internal/pyramid"
	"github.com/peakmap/server/internal/resource"
)

// ErrNoBuild is returned when a dataset has no committed build.
var ErrNoBuild = errors.New("no committed build")

const (
	currentFile  = "CURRENT"
	manifestFile = "manifest.json"
)

// LevelCache holds encoded level files by object name. Object names are
// unique per build, so entries never go stale.
type LevelCache interface {
	GetLevel(key string) ([]byte, bool)
	SetLevel(key string, data []byte) error
}

// Config configures a Store.
type Config struct {
	Backend     Backend
	Compression Compression

	// WriteRetries is the number of extra attempts for a failed object
	// write or read, with RetryBackoff growing linearly per attempt.
	WriteRetries int
	RetryBackoff time.Duration

	// RetainBuilds is how many committed builds to keep per dataset,
	// including the current one. Defaults to 2.
	RetainBuilds int

	Resources *resource.Controller
	Cache     LevelCache
	Logger    *slog.Logger

	// OnLevelWritten is called with the stored size of every level file. It
	// is called concurrently by the writers of different hierarchies.
	OnLevelWritten func(bytes int)
}

// Store reads and writes hierarchy builds through a Backend.
type Store struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Store.
func New(cfg Config) (*Store, error) {
	if cfg.Backend == nil {
		return nil, errors.New("levelstore requires a backend")
	}
	if cfg.WriteRetries < 0 {
		cfg.WriteRetries = 0
	}
	if cfg.RetainBuilds <= 0 {
		cfg.RetainBuilds = 2
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{cfg: cfg, logger: logger.With("component", "levelstore")}, nil
}

func validateDataset(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("invalid dataset id %q", id)
	}
	return nil
}

func buildsPrefix(dataset string) string { return dataset + "/builds/" }

func buildPrefix(dataset, id string) string { return buildsPrefix(dataset) + id + "/" }

func hierarchyDir(category string) string {
	if category == "" {
		return pyramid.GlobalKey
	}
	return "category/c_" + url.PathEscape(category)
}

func levelName(dir string, index int) string {
	return fmt.Sprintf("%s/level_%d.pts", dir, index)
}

func newBuildID() string {
	return time.Now().UTC().Format("20060102T150405.000000000Z") + "-" + uuid.NewString()[:8]
}

// retry runs fn until it succeeds, a missing object is reported or the
// attempts are exhausted.
func (s *Store) retry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt <= s.cfg.WriteRetries; attempt++ {
		if attempt > 0 {
			wait := s.cfg.RetryBackoff * time.Duration(attempt)
			s.logger.Warn("retrying storage operation", "op", op, "attempt", attempt, "wait", wait, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
		if err = fn(); err == nil {
			return nil
		}
		if errors.Is(err, ErrNotFound) || ctx.Err() != nil {
			break
		}
	}
	return pyramid.IOError(op, err)
}

func (s *Store) put(ctx context.Context, name string, data []byte) error {
	if err := s.cfg.Resources.AcquireIO(ctx, len(data)); err != nil {
		return err
	}
	return s.retry(ctx, "put "+name, func() error {
		return s.cfg.Backend.Put(ctx, name, data)
	})
}

func (s *Store) get(ctx context.Context, name string) ([]byte, error) {
	var data []byte
	err := s.retry(ctx, "get "+name, func() error {
		var err error
		data, err = s.cfg.Backend.Get(ctx, name)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := s.cfg.Resources.AcquireIO(ctx, len(data)); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *Store) deletePrefix(ctx context.Context, prefix string) error {
	names, err := s.cfg.Backend.List(ctx, prefix)
	if err != nil {
		return pyramid.IOError("list "+prefix, err)
	}
	for _, name := range names {
		if err := s.retry(ctx, "delete "+name, func() error {
			return s.cfg.Backend.Delete(ctx, name)
		}); err != nil {
			return err
		}
	}
	return nil
}

// Current returns the id of the committed build of dataset.
func (s *Store) Current(ctx context.Context, dataset string) (string, error) {
	if err := validateDataset(dataset); err != nil {
		return "", err
	}
	data, err := s.get(ctx, dataset+"/"+currentFile)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", fmt.Errorf("%w for dataset %s", ErrNoBuild, dataset)
		}
		return "", err
	}
	id := string(bytes.TrimSpace(data))
	if id == "" {
		return "", fmt.Errorf("%w for dataset %s", ErrNoBuild, dataset)
	}
	return id, nil
}

// Builds lists the build ids stored for dataset, oldest first. Uncommitted
// and aborted builds are included until they are pruned.
func (s *Store) Builds(ctx context.Context, dataset string) ([]string, error) {
	if err := validateDataset(dataset); err != nil {
		return nil, err
	}
	prefix := buildsPrefix(dataset)
	names, err := s.cfg.Backend.List(ctx, prefix)
	if err != nil {
		return nil, pyramid.IOError("list "+prefix, err)
	}
	seen := make(map[string]bool)
	var ids []string
	for _, name := range names {
		id, _, ok := strings.Cut(strings.TrimPrefix(name, prefix), "/")
		if ok && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Manifest loads the manifest of a build.
func (s *Store) Manifest(ctx context.Context, dataset, buildID string) (*Manifest, error) {
	data, err := s.get(ctx, buildPrefix(dataset, buildID)+manifestFile)
	if err != nil {
		return nil, err
	}
	return decodeManifest(data)
}

// Snapshot is an opened build: its manifest and the hierarchies, with level
// readers attached.
type Snapshot struct {
	Manifest *Manifest
	Set      *pyramid.Set
}

// Open resolves CURRENT and opens the committed build of dataset.
func (s *Store) Open(ctx context.Context, dataset string) (*Snapshot, error) {
	id, err := s.Current(ctx, dataset)
	if err != nil {
		return nil, err
	}
	return s.OpenBuild(ctx, dataset, id)
}

// OpenBuild opens a specific build of dataset, committed or not.
func (s *Store) OpenBuild(ctx context.Context, dataset, buildID string) (*Snapshot, error) {
	if err := validateDataset(dataset); err != nil {
		return nil, err
	}
	m, err := s.Manifest(ctx, dataset, buildID)
	if err != nil {
		return nil, fmt.Errorf("failed to load manifest of build %s: %w", buildID, err)
	}
	return s.snapshot(m), nil
}

func (s *Store) snapshot(m *Manifest) *Snapshot {
	prefix := buildPrefix(m.Dataset, m.BuildID)
	attach := func(e HierarchyEntry) *pyramid.Hierarchy {
		return e.hierarchy().WithReader(&levelReader{store: s, prefix: prefix, entry: e})
	}
	set := &pyramid.Set{
		Global:     attach(m.Global),
		Categories: make(map[string]*pyramid.Hierarchy, len(m.Categories)),
		Failed:     m.Failed,
	}
	for v, e := range m.Categories {
		set.Categories[v] = attach(e)
	}
	return &Snapshot{Manifest: m, Set: set}
}

// Prune deletes all but the newest RetainBuilds builds of dataset. The
// current build is always kept. It returns the removed build ids.
func (s *Store) Prune(ctx context.Context, dataset string) ([]string, error) {
	ids, err := s.Builds(ctx, dataset)
	if err != nil {
		return nil, err
	}
	current, err := s.Current(ctx, dataset)
	if err != nil && !errors.Is(err, ErrNoBuild) {
		return nil, err
	}
	var removed []string
	keep := s.cfg.RetainBuilds
	for i, id := range ids {
		if id == current || i >= len(ids)-keep {
			continue
		}
		if err := s.deletePrefix(ctx, buildPrefix(dataset, id)); err != nil {
			return removed, fmt.Errorf("failed to prune build %s: %w", id, err)
		}
		removed = append(removed, id)
	}
	if len(removed) > 0 {
		s.logger.Info("pruned builds", "dataset", dataset, "removed", len(removed))
	}
	return removed, nil
}

// BeginBuild starts a new staged build of dataset.
func (s *Store) BeginBuild(ctx context.Context, dataset string, params BuildParams) (*Build, error) {
	if err := validateDataset(dataset); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := &Build{
		store:   s,
		dataset: dataset,
		id:      newBuildID(),
		params:  params,
		bytes:   make(map[string]int64),
	}
	b.prefix = buildPrefix(dataset, b.id)
	s.logger.Info("build started", "dataset", dataset, "build_id", b.id)
	return b, nil
}

// Build stages the level files of one build. It implements pyramid.Output.
type Build struct {
	store   *Store
	dataset string
	id      string
	prefix  string
	params  BuildParams

	mu        sync.Mutex
	bytes     map[string]int64
	committed bool
}

// ID returns the build id.
func (b *Build) ID() string { return b.id }

// Writer returns the level writer of one hierarchy.
func (b *Build) Writer(category string) (pyramid.LevelWriter, error) {
	dir := hierarchyDir(category)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.committed {
		return nil, fmt.Errorf("build %s is already committed", b.id)
	}
	b.bytes[dir] = 0
	return &levelWriter{build: b, dir: dir}, nil
}

// Discard removes everything written for one hierarchy.
func (b *Build) Discard(ctx context.Context, category string) error {
	dir := hierarchyDir(category)
	b.mu.Lock()
	delete(b.bytes, dir)
	b.mu.Unlock()
	return b.store.deletePrefix(ctx, b.prefix+dir+"/")
}

// Abort removes the whole staged build.
func (b *Build) Abort(ctx context.Context) error {
	b.store.logger.Info("build aborted", "dataset", b.dataset, "build_id", b.id)
	return b.store.deletePrefix(ctx, b.prefix)
}

// Commit writes the manifest for set and then points CURRENT at the build.
// Until CURRENT is replaced readers keep seeing the previous build. Old
// builds beyond the retention limit are pruned afterwards.
func (b *Build) Commit(ctx context.Context, set *pyramid.Set) (*Manifest, error) {
	if set == nil || set.Global == nil {
		return nil, errors.New("cannot commit a build without a global hierarchy")
	}
	b.mu.Lock()
	entry := func(h *pyramid.Hierarchy) HierarchyEntry {
		dir := hierarchyDir(h.Category)
		return HierarchyEntry{
			Category: h.Category,
			Dir:      dir,
			Grid:     h.Grid,
			Total:    h.Total,
			Levels:   append([]pyramid.Level(nil), h.Levels...),
			Bytes:    b.bytes[dir],
		}
	}
	m := &Manifest{
		FormatVersion: manifestVersion,
		Dataset:       b.dataset,
		BuildID:       b.id,
		CreatedAt:     time.Now().UTC(),
		Compression:   b.store.cfg.Compression.String(),
		Params:        b.params,
		Global:        entry(set.Global),
		Failed:        set.Failed,
	}
	if len(set.Categories) > 0 {
		m.Categories = make(map[string]HierarchyEntry, len(set.Categories))
		for v, h := range set.Categories {
			m.Categories[v] = entry(h)
		}
	}
	b.committed = true
	b.mu.Unlock()

	data, err := encodeManifest(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := b.store.put(ctx, b.prefix+manifestFile, data); err != nil {
		return nil, err
	}
	if err := b.store.put(ctx, b.dataset+"/"+currentFile, []byte(b.id+"\n")); err != nil {
		return nil, err
	}
	b.store.logger.Info("build committed",
		"dataset", b.dataset,
		"build_id", b.id,
		"categories", len(m.Categories),
		"failed", len(m.Failed),
	)

	if _, err := b.store.Prune(ctx, b.dataset); err != nil {
		b.store.logger.Warn("failed to prune old builds", "dataset", b.dataset, "error", err)
	}
	return m, nil
}

type levelWriter struct {
	build *Build
	dir   string
}

func (w *levelWriter) WriteLevel(ctx context.Context, grid pyramid.Grid, lvl pyramid.Level, pts []pyramid.Point) error {
	s := w.build.store
	data, err := EncodeLevel(grid, lvl, pts, s.cfg.Compression)
	if err != nil {
		return fmt.Errorf("failed to encode level %d: %w", lvl.Index, err)
	}
	if err := s.put(ctx, w.build.prefix+levelName(w.dir, lvl.Index), data); err != nil {
		return err
	}
	w.build.mu.Lock()
	w.build.bytes[w.dir] += int64(len(data))
	w.build.mu.Unlock()
	if s.cfg.OnLevelWritten != nil {
		s.cfg.OnLevelWritten(len(data))
	}
	return nil
}

type levelReader struct {
	store  *Store
	prefix string
	entry  HierarchyEntry
}

// ReadLevel loads and validates a level. A file whose grid differs from the
// one recorded in the manifest is rejected with pyramid.ErrRangeMismatch.
func (r *levelReader) ReadLevel(ctx context.Context, index int) ([]pyramid.Point, error) {
	if index < 0 || index >= len(r.entry.Levels) {
		return nil, fmt.Errorf("level %d out of range [0, %d)", index, len(r.entry.Levels))
	}
	name := r.prefix + levelName(r.entry.Dir, index)

	data, cached := r.cachedLevel(name)
	if !cached {
		var err error
		if data, err = r.store.get(ctx, name); err != nil {
			return nil, err
		}
	}
	h, pts, err := DecodeLevel(data)
	if err != nil {
		return nil, fmt.Errorf("level %s: %w", name, err)
	}
	if h.Grid != r.entry.Grid {
		return nil, fmt.Errorf("%w: level %s has grid %+v, manifest records %+v",
			pyramid.ErrRangeMismatch, name, h.Grid, r.entry.Grid)
	}
	want := r.entry.Levels[index]
	if h.Level.Index != index || h.Level.Size != want.Size || h.Level.Full != want.Full {
		return nil, fmt.Errorf("%w: level %s header %+v does not match manifest %+v", ErrCorrupt, name, h.Level, want)
	}
	if !cached && r.store.cfg.Cache != nil {
		if err := r.store.cfg.Cache.SetLevel(name, data); err != nil {
			r.store.logger.Debug("level not cached", "name", name, "error", err)
		}
	}
	return pts, nil
}

func (r *levelReader) cachedLevel(name string) ([]byte, bool) {
	if r.store.cfg.Cache == nil {
		return nil, false
	}
	return r.store.cfg.Cache.GetLevel(name)
}
