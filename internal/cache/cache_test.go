package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peakmap/server/internal/levelstore"
)

var _ levelstore.LevelCache = (*Manager)(nil)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(Config{LevelCacheSizeMB: 8, LevelTTL: time.Minute, SnapshotCacheSize: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestLevelRoundTrip(t *testing.T) {
	m := newTestManager(t)

	_, ok := m.GetLevel("plasma/builds/a/global/level_0.pts")
	assert.False(t, ok)

	require.NoError(t, m.SetLevel("plasma/builds/a/global/level_0.pts", []byte("PKLV")))
	got, ok := m.GetLevel("plasma/builds/a/global/level_0.pts")
	require.True(t, ok)
	assert.Equal(t, []byte("PKLV"), got)

	stats := m.Stats()
	assert.Equal(t, 1, stats["level_cache_len"])
}

func TestSnapshotEviction(t *testing.T) {
	m := newTestManager(t)

	for _, id := range []string{"b1", "b2", "b3"} {
		m.SetSnapshot(SnapshotKey("plasma", id), &levelstore.Snapshot{})
	}
	_, ok := m.GetSnapshot(SnapshotKey("plasma", "b1"))
	assert.False(t, ok, "oldest snapshot should be evicted")
	_, ok = m.GetSnapshot(SnapshotKey("plasma", "b3"))
	assert.True(t, ok)
	assert.Equal(t, 2, m.Stats()["snapshot_cache_len"])
}

func TestSnapshotKey(t *testing.T) {
	assert.Equal(t, "plasma@20260101T000000.000000000Z-abcd1234",
		SnapshotKey("plasma", "20260101T000000.000000000Z-abcd1234"))
}
