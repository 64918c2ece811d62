package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

func init() {
	Register("local", NewLocalFromSettings)
	Register("memory", func(map[string]string) (Adapter, error) {
		return NewMemory(), nil
	})
}

// LocalAdapter stores vault objects in a directory tree through afero.
type LocalAdapter struct {
	name string
	fs   afero.Fs
}

// NewLocal builds an adapter rooted at an existing, writable directory.
func NewLocal(root string) (*LocalAdapter, error) {
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: path %q does not exist or is not a directory", ErrSettings, root)
	}
	if info.Mode().Perm()&0o200 == 0 {
		return nil, fmt.Errorf("%w: path %q is not writable", ErrSettings, root)
	}
	return NewLocalFs("local", afero.NewBasePathFs(afero.NewOsFs(), root)), nil
}

// NewLocalFromSettings is the registry factory for "local" vaults.
func NewLocalFromSettings(settings map[string]string) (Adapter, error) {
	root := settings["path"]
	if root == "" {
		return nil, fmt.Errorf("%w: missing setting 'path'", ErrSettings)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSettings, err)
	}
	return NewLocal(abs)
}

// NewMemory returns an adapter backed by an in-memory filesystem.
func NewMemory() *LocalAdapter {
	return NewLocalFs("memory", afero.NewMemMapFs())
}

// NewLocalFs wraps any afero filesystem.
func NewLocalFs(name string, fsys afero.Fs) *LocalAdapter {
	return &LocalAdapter{name: name, fs: fsys}
}

func (a *LocalAdapter) Name() string {
	return a.name
}

// Fs exposes the underlying filesystem, mostly for tests.
func (a *LocalAdapter) Fs() afero.Fs {
	return a.fs
}

func (a *LocalAdapter) Exists(ctx context.Context, p string) (bool, error) {
	clean, err := a.prepare(ctx, p)
	if err != nil {
		return false, err
	}
	info, err := a.fs.Stat(clean)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, a.wrap(clean, err)
	}
	return !info.IsDir(), nil
}

func (a *LocalAdapter) Read(ctx context.Context, p string) ([]byte, error) {
	clean, err := a.prepare(ctx, p)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(a.fs, clean)
	if err != nil {
		return nil, a.wrap(clean, err)
	}
	return data, nil
}

func (a *LocalAdapter) Write(ctx context.Context, p string, data []byte) error {
	w, err := a.openWriter(ctx, p)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		w.abort()
		return a.wrap(p, err)
	}
	return w.Close()
}

func (a *LocalAdapter) Unlink(ctx context.Context, p string) error {
	clean, err := a.prepare(ctx, p)
	if err != nil {
		return err
	}
	if _, err := a.fs.Stat(clean); err != nil {
		return a.wrap(clean, err)
	}
	if err := a.fs.Remove(clean); err != nil {
		return a.wrap(clean, err)
	}
	return nil
}

func (a *LocalAdapter) GetStream(ctx context.Context, p string, mode StreamMode) (io.Closer, error) {
	if mode == StreamWrite {
		return a.openWriter(ctx, p)
	}

	clean, err := a.prepare(ctx, p)
	if err != nil {
		return nil, err
	}
	f, err := a.fs.Open(clean)
	if err != nil {
		return nil, a.wrap(clean, err)
	}
	return f, nil
}

func (a *LocalAdapter) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	root := "."
	if prefix != "" {
		clean, err := CleanPath(prefix)
		if err != nil {
			return nil, err
		}
		root = clean
	}

	var out []string
	err := afero.Walk(a.fs, root, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if info.IsDir() || isTempName(path.Base(p)) {
			return nil
		}
		out = append(out, filepath.ToSlash(filepath.Clean(p)))
		return nil
	})
	if err != nil {
		return nil, a.wrap(root, err)
	}
	slices.Sort(out)
	return out, nil
}

func (a *LocalAdapter) prepare(ctx context.Context, p string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return CleanPath(p)
}

func (a *LocalAdapter) wrap(p string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s %s: %w", a.name, p, ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w: %w", a.name, p, ErrIO, err)
}

func (a *LocalAdapter) openWriter(ctx context.Context, p string) (*atomicWriter, error) {
	clean, err := a.prepare(ctx, p)
	if err != nil {
		return nil, err
	}
	if err := a.fs.MkdirAll(path.Dir(clean), 0o755); err != nil {
		return nil, a.wrap(clean, err)
	}

	tmp := path.Join(path.Dir(clean), tempPrefix+uuid.NewString())
	f, err := a.fs.Create(tmp)
	if err != nil {
		return nil, a.wrap(clean, err)
	}
	return &atomicWriter{adapter: a, file: f, tmp: tmp, dst: clean}, nil
}

const tempPrefix = ".tmp-"

func isTempName(name string) bool {
	return len(name) > len(tempPrefix) && name[:len(tempPrefix)] == tempPrefix
}

// atomicWriter writes to a temporary file and renames it into place on Close.
type atomicWriter struct {
	adapter *LocalAdapter
	file    afero.File
	tmp     string
	dst     string
	closed  bool
}

func (w *atomicWriter) Write(p []byte) (int, error) {
	return w.file.Write(p)
}

func (w *atomicWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.file.Close(); err != nil {
		_ = w.adapter.fs.Remove(w.tmp)
		return w.adapter.wrap(w.dst, err)
	}
	if err := w.adapter.fs.Rename(w.tmp, w.dst); err != nil {
		_ = w.adapter.fs.Remove(w.tmp)
		return w.adapter.wrap(w.dst, err)
	}
	return nil
}

func (w *atomicWriter) abort() {
	_ = w.Abort()
}

// Abort drops the temporary file; the destination is left untouched.
func (w *atomicWriter) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true
	_ = w.file.Close()
	return w.adapter.fs.Remove(w.tmp)
}
