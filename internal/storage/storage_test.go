package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryAdapter_ReadWrite(t *testing.T) {
	ctx := context.Background()
	a := NewMemory()

	exists, err := a.Exists(ctx, "blobs/abc")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, a.Write(ctx, "blobs/abc", []byte("hello")))

	exists, err = a.Exists(ctx, "blobs/abc")
	require.NoError(t, err)
	assert.True(t, exists)

	data, err := a.Read(ctx, "blobs/abc")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	require.NoError(t, a.Write(ctx, "blobs/abc", []byte("world")))
	data, err = a.Read(ctx, "blobs/abc")
	require.NoError(t, err)
	assert.Equal(t, "world", string(data))
}

func TestMemoryAdapter_NotFound(t *testing.T) {
	ctx := context.Background()
	a := NewMemory()

	_, err := a.Read(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrIO)

	err = a.Unlink(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, IgnoreNotFound(err))

	_, err = a.GetStream(ctx, "missing", StreamRead)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryAdapter_Unlink(t *testing.T) {
	ctx := context.Background()
	a := NewMemory()

	require.NoError(t, a.Write(ctx, "locks/main.lock", []byte("{}")))
	require.NoError(t, a.Unlink(ctx, "locks/main.lock"))

	exists, err := a.Exists(ctx, "locks/main.lock")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMemoryAdapter_Streams(t *testing.T) {
	ctx := context.Background()
	a := NewMemory()

	w, err := OpenWriter(ctx, a, "index/index.json.zst")
	require.NoError(t, err)
	_, err = io.WriteString(w, "part one, ")
	require.NoError(t, err)
	_, err = io.WriteString(w, "part two")
	require.NoError(t, err)

	exists, err := a.Exists(ctx, "index/index.json.zst")
	require.NoError(t, err)
	assert.False(t, exists, "content is visible only after close")

	require.NoError(t, w.Close())

	r, err := OpenReader(ctx, a, "index/index.json.zst")
	require.NoError(t, err)
	defer r.Close()

	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "part one, part two", string(data))
}

func TestMemoryAdapter_List(t *testing.T) {
	ctx := context.Background()
	a := NewMemory()

	for _, p := range []string{"blobs/b", "blobs/a", "locks/x.lock", "index/index.json.zst"} {
		require.NoError(t, a.Write(ctx, p, []byte(p)))
	}

	blobs, err := a.List(ctx, BlobPrefix)
	require.NoError(t, err)
	assert.Equal(t, []string{"blobs/a", "blobs/b"}, blobs)

	all, err := a.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 4)

	none, err := a.List(ctx, "nothing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestCleanPath(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"blobs/a", "blobs/a", true},
		{"/blobs/a", "blobs/a", true},
		{"blobs//a/", "blobs/a", true},
		{"", "", false},
		{"..", "", false},
		{"../etc/passwd", "", false},
		{"a\\b", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := CleanPath(tc.in)
			if !tc.ok {
				assert.ErrorIs(t, err, ErrInvalidPath)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestLocalAdapter(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	a, err := New("local", map[string]string{"path": root})
	require.NoError(t, err)
	assert.Equal(t, "local", a.Name())

	require.NoError(t, a.Write(ctx, BlobPath("abc"), []byte("content")))

	data, err := os.ReadFile(filepath.Join(root, "blobs", "abc"))
	require.NoError(t, err)
	assert.Equal(t, "content", string(data))

	entries, err := os.ReadDir(filepath.Join(root, "blobs"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files are left behind")
}

func TestRegistry(t *testing.T) {
	_, err := New("nope", nil)
	assert.ErrorIs(t, err, ErrUnknown)

	_, err = New("local", map[string]string{})
	assert.ErrorIs(t, err, ErrSettings)

	_, err = New("local", map[string]string{"path": filepath.Join(t.TempDir(), "missing")})
	assert.ErrorIs(t, err, ErrSettings)

	assert.Contains(t, Names(), "memory")
	assert.Contains(t, Names(), "local")
}

func TestAbort(t *testing.T) {
	ctx := context.Background()
	a := NewMemory()
	require.NoError(t, a.Write(ctx, "blobs/x", []byte("kept")))

	w, err := OpenWriter(ctx, a, "blobs/x")
	require.NoError(t, err)
	_, err = w.Write([]byte("partial"))
	require.NoError(t, err)
	require.NoError(t, Abort(w))
	require.NoError(t, w.Close(), "closing an aborted stream commits nothing")

	data, err := a.Read(ctx, "blobs/x")
	require.NoError(t, err)
	assert.Equal(t, "kept", string(data))

	names, err := a.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"blobs/x"}, names)
}
