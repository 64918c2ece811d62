package operation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openmined/storeman/internal/hashing"
	"github.com/openmined/storeman/internal/index"
	"github.com/openmined/storeman/internal/storage"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutor_UploadAndDownload(t *testing.T) {
	ctx := context.Background()
	src := afero.NewMemMapFs()
	vault := storage.NewMemory()

	require.NoError(t, src.MkdirAll("dir", 0o755))
	require.NoError(t, afero.WriteFile(src, "dir/file.txt", []byte("payload"), 0o644))

	list := NewList(
		CreateDirectory{Path: "dir", Mode: 0o755},
		UploadBlob{Path: "dir/file.txt", BlobID: "blob-1"},
	)
	n, err := NewExecutor(src, vault).Execute(ctx, list)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	data, err := vault.Read(ctx, storage.BlobPath("blob-1"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	dst := afero.NewMemMapFs()
	mtime := time.Date(2023, 1, 2, 3, 4, 5, 0, time.UTC)
	list = NewList(
		CreateDirectory{Path: "dir", Mode: 0o750},
		DownloadBlob{BlobID: "blob-1", Path: "dir/file.txt", Mode: 0o600, MTime: mtime},
	)
	_, err = NewExecutor(dst, vault).Execute(ctx, list)
	require.NoError(t, err)

	got, err := afero.ReadFile(dst, "dir/file.txt")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))

	info, err := dst.Stat("dir/file.txt")
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	assert.True(t, info.ModTime().Equal(mtime))

	entries, err := afero.ReadDir(dst, "dir")
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files are renamed away")
}

func TestExecutor_Idempotent(t *testing.T) {
	ctx := context.Background()
	local := afero.NewMemMapFs()
	vault := storage.NewMemory()

	require.NoError(t, afero.WriteFile(local, "a.txt", []byte("a"), 0o644))
	require.NoError(t, vault.Write(ctx, storage.BlobPath("blob-b"), []byte("b")))

	list := NewList(
		CreateDirectory{Path: "d", Mode: 0o755},
		UploadBlob{Path: "a.txt", BlobID: "blob-a"},
		DownloadBlob{BlobID: "blob-b", Path: "d/b.txt", Mode: 0o644, MTime: t0},
		SetMetadata{Path: "a.txt", Mode: 0o600, MTime: t0},
		Unlink{Path: "gone.txt"},
		Unlink{BlobID: "blob-gone"},
	)

	exec := NewExecutor(local, vault)
	_, err := exec.Execute(ctx, list)
	require.NoError(t, err)

	blobs, err := vault.List(ctx, storage.BlobPrefix)
	require.NoError(t, err)

	_, err = exec.Execute(ctx, list)
	require.NoError(t, err)

	again, err := vault.List(ctx, storage.BlobPrefix)
	require.NoError(t, err)
	assert.Equal(t, blobs, again)

	got, err := afero.ReadFile(local, "d/b.txt")
	require.NoError(t, err)
	assert.Equal(t, "b", string(got))
}

func TestExecutor_StopsAtFirstFailure(t *testing.T) {
	ctx := context.Background()
	local := afero.NewMemMapFs()
	vault := storage.NewMemory()

	list := NewList(
		CreateDirectory{Path: "d", Mode: 0o755},
		DownloadBlob{BlobID: "missing", Path: "d/x.txt", Mode: 0o644, MTime: t0},
		CreateDirectory{Path: "e", Mode: 0o755},
	)

	n, err := NewExecutor(local, vault, WithRetry(2, time.Millisecond)).Execute(ctx, list)
	assert.Equal(t, 1, n)

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, 1, execErr.Index)
	assert.Equal(t, KindDownloadBlob, execErr.Op.Kind())
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, statErr := local.Stat("e")
	assert.True(t, errors.Is(statErr, os.ErrNotExist))
}

func TestExecutor_Relink(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	local := afero.NewBasePathFs(afero.NewOsFs(), root)
	require.NoError(t, afero.WriteFile(local, "target.txt", []byte("t"), 0o644))

	exec := NewExecutor(local, storage.NewMemory())
	op := Relink{Path: "link", Target: "target.txt"}
	require.NoError(t, exec.Apply(ctx, op))
	require.NoError(t, exec.Apply(ctx, op))

	target, err := os.Readlink(filepath.Join(root, "link"))
	require.NoError(t, err)
	assert.Equal(t, "target.txt", target)

	require.NoError(t, exec.Apply(ctx, Relink{Path: "link", Target: "other.txt"}))
	target, err = os.Readlink(filepath.Join(root, "link"))
	require.NoError(t, err)
	assert.Equal(t, "other.txt", target)
}

func TestExecutor_RelinkUnsupported(t *testing.T) {
	exec := NewExecutor(afero.NewMemMapFs(), storage.NewMemory())
	err := exec.Apply(context.Background(), Relink{Path: "l", Target: "t"})
	assert.ErrorIs(t, err, ErrSymlinkUnsupported)
}

// indexed builds a file object carrying the real digests of content.
func indexed(t *testing.T, p, content string) *index.Object {
	t.Helper()
	hashes, n, err := hashing.HashReader(strings.NewReader(content))
	require.NoError(t, err)
	return index.NewFile(p, t0, 0o644, n, hashes)
}

func TestBuildThenExecute_Roundtrip(t *testing.T) {
	ctx := context.Background()
	local := afero.NewMemMapFs()
	vault := storage.NewMemory()
	require.NoError(t, local.MkdirAll("docs", 0o755))
	require.NoError(t, afero.WriteFile(local, "docs/a.txt", []byte("same"), 0o644))
	require.NoError(t, afero.WriteFile(local, "docs/b.txt", []byte("same"), 0o644))

	l := build(t, dir("docs"), indexed(t, "docs/a.txt", "same"), indexed(t, "docs/b.txt", "same"))
	m := l.Clone()

	list, err := (&StandardBuilder{}).Build(m, l, index.New())
	require.NoError(t, err)
	_, err = NewExecutor(local, vault).Execute(ctx, list)
	require.NoError(t, err)

	blobs, err := vault.List(ctx, storage.BlobPrefix)
	require.NoError(t, err)
	assert.Equal(t, []string{storage.BlobPath(m.GetObjectByPath("docs/a.txt").BlobID())}, blobs)
}

func TestExecutor_UploadRejectsChangedContent(t *testing.T) {
	ctx := context.Background()
	local := afero.NewMemMapFs()
	vault := storage.NewMemory()
	require.NoError(t, afero.WriteFile(local, "a.txt", []byte("indexed"), 0o644))

	l := build(t, indexed(t, "a.txt", "indexed"))
	m := l.Clone()
	list, err := (&StandardBuilder{}).Build(m, l, index.New())
	require.NoError(t, err)
	require.Equal(t, 1, list.Count(KindUploadBlob))

	// the file is rewritten between scan and upload
	require.NoError(t, afero.WriteFile(local, "a.txt", []byte("rewritten"), 0o644))

	n, err := NewExecutor(local, vault, WithRetry(3, time.Millisecond)).Execute(ctx, list)
	assert.Equal(t, 0, n)
	require.ErrorIs(t, err, ErrContentChanged)

	exists, err := vault.Exists(ctx, storage.BlobPath(m.GetObjectByPath("a.txt").BlobID()))
	require.NoError(t, err)
	assert.False(t, exists, "a blob that does not match its id is never stored")
}

func TestExecutor_UploadAbortLeavesNoTempFiles(t *testing.T) {
	ctx := context.Background()
	local := afero.NewMemMapFs()
	vaultFs := afero.NewMemMapFs()
	vault := storage.NewLocalFs("vault", vaultFs)
	require.NoError(t, afero.WriteFile(local, "a.txt", []byte("new"), 0o644))

	op := UploadBlob{Path: "a.txt", BlobID: "blob-a", Hashes: indexed(t, "a.txt", "old").Hashes}
	require.ErrorIs(t, NewExecutor(local, vault).Apply(ctx, op), ErrContentChanged)

	entries, err := afero.ReadDir(vaultFs, storage.BlobPrefix)
	require.NoError(t, err)
	assert.Empty(t, entries, "the temporary blob file is removed")
}

func TestExecutor_UnlinkUnderReplacedDirectory(t *testing.T) {
	ctx := context.Background()
	local := afero.NewBasePathFs(afero.NewOsFs(), t.TempDir())
	require.NoError(t, afero.WriteFile(local, "d", []byte("now a file"), 0o644))

	exec := NewExecutor(local, storage.NewMemory())
	require.NoError(t, exec.Apply(ctx, Unlink{Path: "d/f"}))
	require.NoError(t, exec.Apply(ctx, Unlink{Path: "d/sub/f"}))
	require.NoError(t, exec.Apply(ctx, Unlink{Path: "missing"}))

	got, err := afero.ReadFile(local, "d")
	require.NoError(t, err)
	assert.Equal(t, "now a file", string(got))
}

func TestExecutor_IdempotentOnDisk(t *testing.T) {
	ctx := context.Background()
	local := afero.NewBasePathFs(afero.NewOsFs(), t.TempDir())
	vault := storage.NewMemory()

	require.NoError(t, local.MkdirAll("old/sub", 0o755))
	require.NoError(t, afero.WriteFile(local, "old/sub/x.txt", []byte("x"), 0o644))
	require.NoError(t, afero.WriteFile(local, "a.txt", []byte("a"), 0o644))
	require.NoError(t, vault.Write(ctx, storage.BlobPath("blob-b"), []byte("b")))

	list := NewList(
		Unlink{Path: "old"},
		CreateDirectory{Path: "old", Mode: 0o700},
		Unlink{Path: "old/sub/x.txt"},
		CreateDirectory{Path: "d", Mode: 0o755},
		UploadBlob{Path: "a.txt", BlobID: "blob-a", Hashes: indexed(t, "a.txt", "a").Hashes},
		DownloadBlob{BlobID: "blob-b", Path: "d/b.txt", Mode: 0o644, MTime: t0},
		Relink{Path: "d/link", Target: "b.txt"},
		SetMetadata{Path: "a.txt", Mode: 0o600, MTime: t0},
		SetMetadata{Path: "d", Mode: 0o750, MTime: t0},
	)

	exec := NewExecutor(local, vault)
	for range 2 {
		n, err := exec.Execute(ctx, list)
		require.NoError(t, err)
		assert.Equal(t, list.Len(), n)
	}

	info, err := local.Stat("d")
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o750), info.Mode().Perm())
	assert.True(t, info.ModTime().Equal(t0))

	data, err := vault.Read(ctx, storage.BlobPath("blob-a"))
	require.NoError(t, err)
	assert.Equal(t, "a", string(data))
}
