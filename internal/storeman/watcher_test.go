package storeman

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWatcher(t *testing.T) {
	w := NewWatcher("/test/path", 0)

	assert.Equal(t, "/test/path", w.watchDir)
	assert.Equal(t, DefaultDebounce, w.debounceTimeout)
	assert.Nil(t, w.rawEvents)
	assert.NotNil(t, w.changes)
}

func TestWatcher_CoalescesBurst(t *testing.T) {
	// tmpdir on macos lives behind a symlink
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	w := NewWatcher(dir, 100*time.Millisecond)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	for i := range 5 {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "f.txt"), []byte(strings.Repeat("x", i+1)), 0o644))
	}

	select {
	case <-w.Changes():
	case <-time.After(3 * time.Second):
		require.FailNow(t, "timeout waiting for change")
	}

	select {
	case <-w.Changes():
		assert.Fail(t, "burst produced more than one signal")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcher_Filter(t *testing.T) {
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	w := NewWatcher(dir, 50*time.Millisecond)
	w.FilterPaths(func(p string) bool {
		return strings.HasSuffix(p, ".ignored")
	})
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.ignored"), []byte("x"), 0o644))

	select {
	case <-w.Changes():
		assert.Fail(t, "filtered path produced a signal")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcher_Drain(t *testing.T) {
	w := NewWatcher(t.TempDir(), time.Hour)
	w.debounce()
	w.Drain()

	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()
	assert.Zero(t, w.pending)
	assert.Nil(t, w.timer)
}
