package levelstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseBackend(t *testing.T, b Backend) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, b.Put(ctx, "ds/builds/a/global/level_0.pts", []byte("zero")))
	require.NoError(t, b.Put(ctx, "ds/builds/a/global/level_1.pts", []byte("one")))
	require.NoError(t, b.Put(ctx, "ds/builds/b/manifest.json", []byte("{}")))
	require.NoError(t, b.Put(ctx, "ds2/CURRENT", []byte("x")))

	got, err := b.Get(ctx, "ds/builds/a/global/level_1.pts")
	require.NoError(t, err)
	assert.Equal(t, "one", string(got))

	require.NoError(t, b.Put(ctx, "ds/builds/a/global/level_1.pts", []byte("uno")))
	got, err = b.Get(ctx, "ds/builds/a/global/level_1.pts")
	require.NoError(t, err)
	assert.Equal(t, "uno", string(got))

	names, err := b.List(ctx, "ds/builds/")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"ds/builds/a/global/level_0.pts",
		"ds/builds/a/global/level_1.pts",
		"ds/builds/b/manifest.json",
	}, names)

	names, err = b.List(ctx, "nope/")
	require.NoError(t, err)
	assert.Empty(t, names)

	require.NoError(t, b.Delete(ctx, "ds/builds/b/manifest.json"))
	require.NoError(t, b.Delete(ctx, "ds/builds/b/manifest.json"))
	_, err = b.Get(ctx, "ds/builds/b/manifest.json")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryBackend(t *testing.T) {
	exerciseBackend(t, NewMemoryBackend())
}

func TestLocalBackend(t *testing.T) {
	root := t.TempDir()
	b, err := NewLocalBackend(root)
	require.NoError(t, err)
	exerciseBackend(t, b)

	// Leftover temp files from an interrupted write are not listed.
	require.NoError(t, os.WriteFile(filepath.Join(root, "ds", ".tmp-123"), []byte("partial"), 0o644))
	names, err := b.List(context.Background(), "ds/")
	require.NoError(t, err)
	for _, n := range names {
		assert.NotContains(t, n, ".tmp-")
	}
}

func TestLocalBackendRejectsEscapingNames(t *testing.T) {
	b, err := NewLocalBackend(t.TempDir())
	require.NoError(t, err)
	for _, name := range []string{"../x", "a/../../x", "/abs", "a//b", ""} {
		assert.Error(t, b.Put(context.Background(), name, []byte("x")), name)
	}
}
