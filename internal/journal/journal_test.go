package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/openmined/storeman/internal/db"
	"github.com/openmined/storeman/internal/index"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 42, time.UTC)

func newJournal(t *testing.T) *Journal {
	t.Helper()
	conn, err := db.NewSqliteDB()
	require.NoError(t, err)
	j, err := New(conn)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func sample(t *testing.T) *index.Index {
	t.Helper()
	inode := uint64(1) << 63
	ctime := t0.Add(time.Second)
	f := index.NewFile("d/a.txt", t0, 0o600, 12, index.NewHashContainer().Set("sha256", "abc")).WithBlobID("abc")
	f.Inode = &inode
	f.CTime = &ctime

	idx := index.New()
	require.NoError(t, idx.AddAll([]*index.Object{
		index.NewDirectory("d", t0, 0o755),
		f,
		index.NewSymlink("d/l", t0, 0o777, "a.txt"),
	}))
	return idx
}

func TestJournal_ReplaceAndLoad(t *testing.T) {
	ctx := context.Background()
	j := newJournal(t)

	empty, err := j.Load(ctx, "backup")
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Count())

	idx := sample(t)
	require.NoError(t, j.Replace(ctx, "backup", idx, ""))

	got, err := j.Load(ctx, "backup")
	require.NoError(t, err)
	assert.True(t, idx.Equal(got, index.CompareOptions{}))
	assert.NotNil(t, got.GetObjectByBlobID("abc"))

	count, err := j.Count(ctx, "backup")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestJournal_ReplaceIsPerVault(t *testing.T) {
	ctx := context.Background()
	j := newJournal(t)

	require.NoError(t, j.Replace(ctx, "a", sample(t), "rev-a"))
	require.NoError(t, j.Replace(ctx, "b", sample(t), "rev-b"))

	smaller := index.New()
	require.NoError(t, smaller.AddObject(index.NewDirectory("only", t0, 0o755)))
	require.NoError(t, j.Replace(ctx, "a", smaller, "rev-a2"))

	countA, err := j.Count(ctx, "a")
	require.NoError(t, err)
	countB, err := j.Count(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 1, countA)
	assert.Equal(t, 3, countB)

	vaults, err := j.Vaults(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, vaults)

	require.NoError(t, j.Forget(ctx, "a"))
	vaults, err = j.Vaults(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, vaults)
}

func TestJournal_OpenFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), ".storeman", "journal.db")

	j, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, j.Replace(ctx, "v", sample(t), "rev-v"))
	require.NoError(t, j.Close())

	j, err = Open(path)
	require.NoError(t, err)
	defer j.Close()

	count, err := j.Count(ctx, "v")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	rev, err := j.Revision(ctx, "v")
	require.NoError(t, err)
	assert.Equal(t, "rev-v", rev)
}

func TestJournal_Revision(t *testing.T) {
	ctx := context.Background()
	j := newJournal(t)

	rev, err := j.Revision(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, rev)

	require.NoError(t, j.Replace(ctx, "a", sample(t), "rev-1"))
	require.NoError(t, j.Replace(ctx, "b", sample(t), "rev-b"))
	rev, err = j.Revision(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "rev-1", rev)

	require.NoError(t, j.SetRevision(ctx, "a", "rev-2"))
	rev, err = j.Revision(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "rev-2", rev)

	// an unknown match clears the stored revision
	require.NoError(t, j.Replace(ctx, "a", sample(t), ""))
	rev, err = j.Revision(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, rev)

	require.NoError(t, j.Forget(ctx, "b"))
	rev, err = j.Revision(ctx, "b")
	require.NoError(t, err)
	assert.Empty(t, rev)
}
