package scanner

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/openmined/storeman/internal/index"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

const helloSHA256 = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

func writeFile(t *testing.T, fsys afero.Fs, p, content string) {
	t.Helper()
	require.NoError(t, fsys.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, afero.WriteFile(fsys, p, []byte(content), 0o644))
	require.NoError(t, fsys.Chtimes(p, t0, t0))
}

func TestScan_BuildsIndex(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeFile(t, fsys, "docs/a.txt", "hello")
	writeFile(t, fsys, "b.txt", "world")
	writeFile(t, fsys, ConfigFile, "{}")
	writeFile(t, fsys, ".storeman/journal.db", "x")

	s, err := New(fsys)
	require.NoError(t, err)

	idx, err := s.Scan(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"b.txt", "docs", "docs/a.txt"}, idx.Paths())

	a := idx.GetObjectByPath("docs/a.txt")
	require.NotNil(t, a)
	assert.Equal(t, int64(5), a.FileSize())
	digest, ok := a.Hashes.Get("sha256")
	require.True(t, ok)
	assert.Equal(t, helloSHA256, digest)
	assert.True(t, a.Hashes.Has("md5"))
	assert.True(t, a.MTime.Equal(t0))

	assert.True(t, idx.GetObjectByPath("docs").IsDirectory())
}

func TestScan_Excludes(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeFile(t, fsys, "keep.txt", "k")
	writeFile(t, fsys, "debug.log", "l")
	writeFile(t, fsys, "node_modules/pkg/index.js", "js")

	s, err := New(fsys, WithExclude("*.log", "node_modules/"))
	require.NoError(t, err)

	idx, err := s.Scan(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"keep.txt"}, idx.Paths())
}

func TestScan_ReusesBaseHashes(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeFile(t, fsys, "a.txt", "hello")

	base := index.New()
	// a digest that cannot come from hashing proves the base was reused
	stale := index.NewHashContainer().Set("sha256", "from-base").Set("md5", "from-base")
	require.NoError(t, base.AddObject(index.NewFile("a.txt", t0, 0o644, 5, stale)))

	s, err := New(fsys)
	require.NoError(t, err)

	idx, err := s.Scan(context.Background(), base)
	require.NoError(t, err)
	digest, _ := idx.GetObjectByPath("a.txt").Hashes.Get("sha256")
	assert.Equal(t, "from-base", digest)

	// a changed mtime forces a rehash
	require.NoError(t, fsys.Chtimes("a.txt", t0.Add(time.Second), t0.Add(time.Second)))
	idx, err = s.Scan(context.Background(), base)
	require.NoError(t, err)
	digest, _ = idx.GetObjectByPath("a.txt").Hashes.Get("sha256")
	assert.Equal(t, helloSHA256, digest)
}

func TestScan_CacheSharedBetweenScanners(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeFile(t, fsys, "a.txt", "hello")
	writeFile(t, fsys, "b.txt", "bye")

	cache, err := NewHashCache(16)
	require.NoError(t, err)

	first, err := New(fsys, WithCache(cache))
	require.NoError(t, err)
	_, err = first.Scan(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, cache.Len())

	second, err := New(fsys, WithCache(cache), WithWorkers(1))
	require.NoError(t, err)
	idx, err := second.Scan(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, idx.Count())
}

func TestScan_UnknownAlgorithm(t *testing.T) {
	_, err := New(afero.NewMemMapFs(), WithAlgorithms("crc7"))
	assert.Error(t, err)
}

func TestScan_OsFsSymlinksAndInodes(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "target.txt"), []byte("hello"), 0o600))
	require.NoError(t, os.Symlink("target.txt", filepath.Join(root, "link")))

	s, err := New(afero.NewBasePathFs(afero.NewOsFs(), root))
	require.NoError(t, err)
	idx, err := s.Scan(context.Background(), nil)
	require.NoError(t, err)

	link := idx.GetObjectByPath("link")
	require.NotNil(t, link)
	assert.True(t, link.IsSymlink())
	assert.Equal(t, "target.txt", link.LinkTarget)

	target := idx.GetObjectByPath("target.txt")
	require.NotNil(t, target)
	assert.Equal(t, os.FileMode(0o600), target.Permissions)
	if runtime.GOOS == "linux" || runtime.GOOS == "darwin" {
		assert.NotNil(t, target.Inode)
		assert.NotNil(t, target.CTime)
	}
}
