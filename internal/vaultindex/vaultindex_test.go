package vaultindex

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
	"github.com/openmined/storeman/internal/index"
	"github.com/openmined/storeman/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 123456789, time.UTC)

func sample(t *testing.T) *index.Index {
	t.Helper()
	inode := uint64(99)
	ctime := t0.Add(time.Second)
	f := index.NewFile("docs/a.txt", t0, 0o640, 5, index.NewHashContainer().Set("sha256", "aa").Set("md5", "bb")).WithBlobID("aa")
	f.Inode = &inode
	f.CTime = &ctime

	idx := index.New()
	require.NoError(t, idx.AddAll([]*index.Object{
		index.NewDirectory("docs", t0, 0o755),
		f,
		index.NewSymlink("docs/link", t0, 0o777, "a.txt"),
	}))
	return idx
}

func TestEncodeDecode(t *testing.T) {
	idx := sample(t)

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, idx))

	got, err := Decode(&buf)
	require.NoError(t, err)
	assert.True(t, idx.Equal(got, index.CompareOptions{}))
	assert.Same(t, got.GetObjectByPath("docs/a.txt"), got.GetObjectByBlobID("aa"))
}

func TestDecode_RejectsUnknownVersion(t *testing.T) {
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	require.NoError(t, err)
	require.NoError(t, json.NewEncoder(zw).Encode(map[string]any{"version": 7, "objects": []any{}}))
	require.NoError(t, zw.Close())

	_, err = Decode(&buf)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestDecode_RejectsInvalidObjects(t *testing.T) {
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	require.NoError(t, err)
	doc := document{Version: Version, Objects: []Record{{Path: "orphan/a.txt", Type: "FILE", MTime: 1, Size: new(int64), Hashes: map[string]string{"md5": "x"}}}}
	require.NoError(t, json.NewEncoder(zw).Encode(doc))
	require.NoError(t, zw.Close())

	_, err = Decode(&buf)
	assert.ErrorIs(t, err, index.ErrMissingParent)

	_, err = Decode(bytes.NewReader([]byte("not zstd")))
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestLoadPublish(t *testing.T) {
	ctx := context.Background()
	adapter := storage.NewMemory()

	empty, err := Load(ctx, adapter)
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Count())

	idx := sample(t)
	_, err = Publish(ctx, adapter, idx)
	require.NoError(t, err)

	lazy := Lazy(ctx, adapter)
	assert.False(t, lazy.Loaded())
	count, err := lazy.Count()
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestRevision(t *testing.T) {
	ctx := context.Background()
	adapter := storage.NewMemory()

	rev, err := Revision(ctx, adapter)
	require.NoError(t, err)
	assert.Empty(t, rev, "a vault that was never published has no revision")

	first, err := Publish(ctx, adapter, sample(t))
	require.NoError(t, err)
	require.NotEmpty(t, first)
	rev, err = Revision(ctx, adapter)
	require.NoError(t, err)
	assert.Equal(t, first, rev)

	second, err := Publish(ctx, adapter, sample(t))
	require.NoError(t, err)
	assert.NotEqual(t, first, second, "every publish moves the revision")
	rev, err = Revision(ctx, adapter)
	require.NoError(t, err)
	assert.Equal(t, second, rev)
}
