// Package cache provides caching for level files and opened builds.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/peakmap/server/internal/levelstore"
	"github.com/peakmap/server/internal/metrics"
)

// Config contains cache configuration.
type Config struct {
	LevelCacheSizeMB  int
	LevelTTL          time.Duration
	SnapshotCacheSize int
}

// Manager caches encoded level files and opened builds. It implements
// levelstore.LevelCache.
type Manager struct {
	levels    *bigcache.BigCache
	snapshots *lru.Cache[string, *levelstore.Snapshot]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.LevelTTL <= 0 {
		cfg.LevelTTL = 10 * time.Minute
	}
	if cfg.SnapshotCacheSize <= 0 {
		cfg.SnapshotCacheSize = 64
	}
	// Level files are large, so fewer shards keep each shard able to hold
	// a whole level.
	levelConfig := bigcache.Config{
		Shards:             64,
		LifeWindow:         cfg.LevelTTL,
		CleanWindow:        cfg.LevelTTL / 2,
		MaxEntriesInWindow: 4096,
		MaxEntrySize:       1024 * 1024,
		HardMaxCacheSize:   cfg.LevelCacheSizeMB,
		StatsEnabled:       false,
		Verbose:            false,
	}

	levels, err := bigcache.New(context.Background(), levelConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create level cache: %w", err)
	}

	snapshots, err := lru.New[string, *levelstore.Snapshot](cfg.SnapshotCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot cache: %w", err)
	}

	return &Manager{
		levels:    levels,
		snapshots: snapshots,
	}, nil
}

// GetLevel retrieves an encoded level file.
func (m *Manager) GetLevel(key string) ([]byte, bool) {
	data, err := m.levels.Get(key)
	metrics.ObserveCache(err == nil)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetLevel stores an encoded level file.
func (m *Manager) SetLevel(key string, data []byte) error {
	return m.levels.Set(key, data)
}

// GetSnapshot retrieves an opened build.
func (m *Manager) GetSnapshot(key string) (*levelstore.Snapshot, bool) {
	return m.snapshots.Get(key)
}

// SetSnapshot stores an opened build.
func (m *Manager) SetSnapshot(key string, snap *levelstore.Snapshot) {
	m.snapshots.Add(key, snap)
}

// SnapshotKey identifies a build of a dataset. Build ids are never reused,
// so a key never refers to stale data.
func SnapshotKey(dataset, buildID string) string {
	return dataset + "@" + buildID
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	s := m.levels.Stats()
	return map[string]interface{}{
		"level_cache_len":    m.levels.Len(),
		"level_cache_cap":    m.levels.Capacity(),
		"level_cache_hits":   s.Hits,
		"level_cache_misses": s.Misses,
		"snapshot_cache_len": m.snapshots.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.levels.Close()
}
