package operation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"syscall"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/openmined/storeman/internal/hashing"
	"github.com/openmined/storeman/internal/storage"
	"github.com/openmined/storeman/internal/utils"
	"github.com/spf13/afero"
)

var (
	ErrSymlinkUnsupported = errors.New("filesystem does not support symlinks")
	ErrContentChanged     = errors.New("file changed since it was indexed")
)

// ExecutionError reports the operation that stopped a run. Operations before
// Index were applied and are not rolled back.
type ExecutionError struct {
	Index int
	Op    Operation
	Err   error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("operation %d (%s): %v", e.Index, e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Executor applies operations to the local archive and the vault storage.
type Executor struct {
	local    afero.Fs
	vault    storage.Adapter
	attempts uint
	delay    time.Duration
}

type ExecutorOption func(*Executor)

// WithRetry retries a failing operation. Every operation is safe to repeat.
func WithRetry(attempts uint, delay time.Duration) ExecutorOption {
	return func(e *Executor) {
		if attempts > 0 {
			e.attempts = attempts
		}
		e.delay = delay
	}
}

func NewExecutor(local afero.Fs, vault storage.Adapter, opts ...ExecutorOption) *Executor {
	e := &Executor{local: local, vault: vault, attempts: 1, delay: 100 * time.Millisecond}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute applies the list in order and stops at the first failure. It
// returns the number of operations applied.
func (e *Executor) Execute(ctx context.Context, list *List) (int, error) {
	for i, op := range list.All() {
		err := retry.Do(
			func() error { return e.Apply(ctx, op) },
			retry.Attempts(e.attempts),
			retry.Delay(e.delay),
			retry.DelayType(retry.BackOffDelay),
			retry.LastErrorOnly(true),
			retry.Context(ctx),
			retry.OnRetry(func(n uint, err error) {
				slog.Warn("operation retry", "op", op, "attempt", n+1, "error", err)
			}),
		)
		if err != nil {
			return i, &ExecutionError{Index: i, Op: op, Err: err}
		}
		slog.Debug("operation applied", "op", op)
	}
	return list.Len(), nil
}

// Apply executes a single operation.
func (e *Executor) Apply(ctx context.Context, op Operation) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	switch op := op.(type) {
	case CreateDirectory:
		return e.createDirectory(op)
	case UploadBlob:
		return e.upload(ctx, op)
	case DownloadBlob:
		return e.download(ctx, op)
	case Unlink:
		return e.unlink(ctx, op)
	case Relink:
		return e.relink(op)
	case SetMetadata:
		return e.setMetadata(op)
	default:
		return fmt.Errorf("unsupported operation %T", op)
	}
}

func (e *Executor) createDirectory(op CreateDirectory) error {
	if err := e.local.MkdirAll(op.Path, op.Mode|0o700); err != nil {
		return err
	}
	return e.local.Chmod(op.Path, op.Mode)
}

func (e *Executor) upload(ctx context.Context, op UploadBlob) error {
	blobPath := storage.BlobPath(op.BlobID)
	exists, err := e.vault.Exists(ctx, blobPath)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	src, err := e.local.Open(op.Path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := storage.OpenWriter(ctx, e.vault, blobPath)
	if err != nil {
		return err
	}
	if op.Hashes == nil || op.Hashes.Len() == 0 {
		if _, err := io.Copy(dst, src); err != nil {
			storage.Abort(dst)
			return err
		}
		return dst.Close()
	}

	got, _, err := hashing.HashReader(io.TeeReader(src, dst), op.Hashes.Algorithms()...)
	if err != nil {
		storage.Abort(dst)
		return err
	}
	if !got.Equal(op.Hashes) {
		storage.Abort(dst)
		// a rewritten file will not match on the next attempt either
		return retry.Unrecoverable(fmt.Errorf("%w: %s", ErrContentChanged, op.Path))
	}
	return dst.Close()
}

func (e *Executor) download(ctx context.Context, op DownloadBlob) error {
	src, err := storage.OpenReader(ctx, e.vault, storage.BlobPath(op.BlobID))
	if err != nil {
		return err
	}
	defer src.Close()

	tmp := path.Join(path.Dir(op.Path), ".storeman-tmp-"+uuid.NewString())
	dst, err := e.local.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		e.local.Remove(tmp)
		return err
	}
	if err := dst.Close(); err != nil {
		e.local.Remove(tmp)
		return err
	}
	if err := e.local.Chmod(tmp, op.Mode); err != nil {
		e.local.Remove(tmp)
		return err
	}
	if err := e.local.Rename(tmp, op.Path); err != nil {
		e.local.Remove(tmp)
		return err
	}
	return e.local.Chtimes(op.Path, op.MTime, op.MTime)
}

func (e *Executor) unlink(ctx context.Context, op Unlink) error {
	if op.BlobID != "" {
		return storage.IgnoreNotFound(e.vault.Unlink(ctx, storage.BlobPath(op.BlobID)))
	}
	err := e.local.RemoveAll(op.Path)
	// an ancestor replaced by a file already took the path with it
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
		return nil
	}
	return err
}

func (e *Executor) relink(op Relink) error {
	if target, err := utils.Readlink(e.local, op.Path); err == nil && target == op.Target {
		return nil
	}
	if err := e.local.Remove(op.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := utils.Symlink(e.local, op.Target, op.Path); err != nil {
		if errors.Is(err, afero.ErrNoSymlink) {
			return fmt.Errorf("%w: %s", ErrSymlinkUnsupported, op.Path)
		}
		return err
	}
	return nil
}

func (e *Executor) setMetadata(op SetMetadata) error {
	if err := e.local.Chmod(op.Path, op.Mode); err != nil {
		return err
	}
	return e.local.Chtimes(op.Path, op.MTime, op.MTime)
}
