package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/openmined/storeman/internal/index"
	"github.com/openmined/storeman/internal/lock"
	"github.com/openmined/storeman/internal/operation"
	"github.com/openmined/storeman/internal/storage"
	"github.com/openmined/storeman/internal/vaultindex"
	"github.com/spf13/afero"
)

var ErrUploadDuringRestore = errors.New("restore plan would upload to the vault")

type RestoreOptions struct {
	// Match restricts the restore to paths matching a doublestar pattern.
	// A matching directory brings its whole subtree along.
	Match    string
	WaitLock bool
	DryRun   bool
}

type RestoreResult struct {
	Vault      string
	Objects    int
	Operations *operation.List
	Executed   int
}

// Restore materializes the vault's published index into target. current is
// the present state of target; paths outside the restored set are left
// alone. Neither the vault nor the base index change.
func (v *Vault) Restore(ctx context.Context, target afero.Fs, current *index.Index, opts RestoreOptions) (res *RestoreResult, err error) {
	if current == nil {
		current = index.New()
	}
	if opts.Match != "" && !doublestar.ValidatePattern(opts.Match) {
		return nil, fmt.Errorf("%w: %q", doublestar.ErrBadPattern, opts.Match)
	}

	// the lock keeps garbage collection from removing blobs mid-restore
	if err := v.acquire(ctx, opts.WaitLock, false); err != nil {
		return nil, err
	}
	defer func() {
		if rerr := v.release(ctx); rerr != nil && err == nil {
			err = rerr
		}
	}()

	remote, err := vaultindex.Load(ctx, v.adapter)
	if err != nil {
		return nil, fmt.Errorf("vault %s: load index: %w", v.Title, err)
	}
	wanted, err := selectSubtree(remote, opts.Match)
	if err != nil {
		return nil, err
	}
	present, err := restrict(current, wanted)
	if err != nil {
		return nil, err
	}

	// wanted doubles as the remote side so paths outside it are never unlinked
	ops, err := v.builder.Build(wanted, present, wanted.Clone())
	if err != nil {
		return nil, fmt.Errorf("vault %s: build: %w", v.Title, err)
	}
	if ops.Count(operation.KindUploadBlob) > 0 {
		return nil, fmt.Errorf("vault %s: %w", v.Title, ErrUploadDuringRestore)
	}

	res = &RestoreResult{Vault: v.Title, Objects: wanted.Count(), Operations: ops}
	if opts.DryRun {
		return res, nil
	}

	executor := operation.NewExecutor(target, v.adapter)
	res.Executed, err = executor.Execute(ctx, ops)
	if err != nil {
		return nil, fmt.Errorf("vault %s: %w", v.Title, err)
	}
	slog.Info("restore", "vault", v.Title, "objects", res.Objects, "ops", res.Executed)
	return res, nil
}

// selectSubtree keeps the objects matching pattern, their descendants and
// their ancestors.
func selectSubtree(idx *index.Index, pattern string) (*index.Index, error) {
	if pattern == "" {
		return idx.Clone(), nil
	}

	keep := make(map[string]*index.Object)
	for obj := range idx.All() {
		if !matchesSelfOrAncestor(pattern, obj.Path) {
			continue
		}
		keep[obj.Path] = obj.Clone()
		for _, a := range index.Ancestors(obj.Path) {
			if _, ok := keep[a]; !ok {
				keep[a] = idx.GetObjectByPath(a).Clone()
			}
		}
	}

	out := index.New()
	objs := make([]*index.Object, 0, len(keep))
	for _, obj := range keep {
		objs = append(objs, obj)
	}
	if err := out.AddAll(objs); err != nil {
		return nil, err
	}
	return out, nil
}

func matchesSelfOrAncestor(pattern, p string) bool {
	if ok, _ := doublestar.Match(pattern, p); ok {
		return true
	}
	for _, a := range index.Ancestors(p) {
		if ok, _ := doublestar.Match(pattern, a); ok {
			return true
		}
	}
	return false
}

// restrict keeps the objects of idx whose path is also in wanted.
func restrict(idx, wanted *index.Index) (*index.Index, error) {
	out := index.New()
	var objs []*index.Object
	for obj := range idx.All() {
		if wanted.GetObjectByPath(obj.Path) != nil {
			objs = append(objs, obj.Clone())
		}
	}
	if err := out.AddAll(objs); err != nil {
		return nil, err
	}
	return out, nil
}

// Info summarizes the vault's published state.
type Info struct {
	Title       string
	Adapter     string
	Objects     int
	Files       int
	Directories int
	Symlinks    int
	TotalSize   int64
	Blobs       int
	BaseObjects int
	Lock        *lock.Lock
}

func (v *Vault) Info(ctx context.Context) (*Info, error) {
	remote, err := vaultindex.Load(ctx, v.adapter)
	if err != nil {
		return nil, fmt.Errorf("vault %s: load index: %w", v.Title, err)
	}
	blobs, err := v.adapter.List(ctx, storage.BlobPrefix)
	if err != nil {
		return nil, fmt.Errorf("vault %s: list blobs: %w", v.Title, err)
	}
	held, err := v.coordinator.GetLock(ctx, LockName)
	if err != nil {
		return nil, fmt.Errorf("vault %s: %w", v.Title, err)
	}
	baseCount, err := v.journal.Count(ctx, v.Title)
	if err != nil {
		return nil, fmt.Errorf("vault %s: %w", v.Title, err)
	}

	info := &Info{
		Title:       v.Title,
		Adapter:     v.adapter.Name(),
		Objects:     remote.Count(),
		TotalSize:   remote.TotalSize(),
		Blobs:       len(blobs),
		BaseObjects: baseCount,
		Lock:        held,
	}
	for obj := range remote.All() {
		switch obj.Type {
		case index.TypeFile:
			info.Files++
		case index.TypeDirectory:
			info.Directories++
		case index.TypeSymlink:
			info.Symlinks++
		}
	}
	return info, nil
}
