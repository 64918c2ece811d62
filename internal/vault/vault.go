package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openmined/storeman/internal/config"
	"github.com/openmined/storeman/internal/conflict"
	"github.com/openmined/storeman/internal/index"
	"github.com/openmined/storeman/internal/journal"
	"github.com/openmined/storeman/internal/lock"
	"github.com/openmined/storeman/internal/merge"
	"github.com/openmined/storeman/internal/operation"
	"github.com/openmined/storeman/internal/storage"
	"github.com/openmined/storeman/internal/vaultindex"
	"github.com/spf13/afero"
)

// LockName is the lock every writer of a vault holds.
const LockName = "storeman"

var (
	ErrLockBusy = errors.New("vault is locked by another client")
	ErrNoLocal  = errors.New("no local index")
)

// Vault is one configured destination together with the components that
// synchronize it.
type Vault struct {
	Title string

	archive     afero.Fs
	adapter     storage.Adapter
	coordinator *lock.Coordinator
	merger      merge.Merger
	handler     conflict.Handler
	builder     operation.Builder
	journal     *journal.Journal
	executor    *operation.Executor
}

type settings struct {
	identity    string
	adapter     storage.Adapter
	lockOptions []lock.Option
	retries     uint
	retryDelay  time.Duration
}

type Option func(*settings)

// WithIdentity names this client in lock records.
func WithIdentity(identity string) Option {
	return func(s *settings) { s.identity = identity }
}

// WithAdapter uses an existing adapter instead of building one from config.
func WithAdapter(adapter storage.Adapter) Option {
	return func(s *settings) { s.adapter = adapter }
}

func WithLockOptions(opts ...lock.Option) Option {
	return func(s *settings) { s.lockOptions = append(s.lockOptions, opts...) }
}

// WithRetries retries each failing operation up to n times.
func WithRetries(n int, delay time.Duration) Option {
	return func(s *settings) {
		if n > 0 {
			s.retries = uint(n)
		}
		s.retryDelay = delay
	}
}

// New resolves every component named by cfg. The archive filesystem is
// where local changes are applied.
func New(cfg config.VaultConfig, archive afero.Fs, j *journal.Journal, opts ...Option) (*Vault, error) {
	s := &settings{identity: config.DefaultIdentity(), retries: 1, retryDelay: 500 * time.Millisecond}
	for _, opt := range opts {
		opt(s)
	}

	adapter := s.adapter
	if adapter == nil {
		var err error
		if adapter, err = storage.New(cfg.Adapter, cfg.Settings); err != nil {
			return nil, fmt.Errorf("vault %s: %w", cfg.Title, err)
		}
	}
	backend, err := lock.NewBackend(cfg.LockAdapter, adapter)
	if err != nil {
		return nil, fmt.Errorf("vault %s: %w", cfg.Title, err)
	}
	merger, err := merge.NewMerger(cfg.IndexMerger)
	if err != nil {
		return nil, fmt.Errorf("vault %s: %w", cfg.Title, err)
	}
	handler, err := conflict.New(cfg.ConflictHandler)
	if err != nil {
		return nil, fmt.Errorf("vault %s: %w", cfg.Title, err)
	}
	builder, err := operation.NewBuilder(cfg.OperationListBuilder)
	if err != nil {
		return nil, fmt.Errorf("vault %s: %w", cfg.Title, err)
	}

	return &Vault{
		Title:       cfg.Title,
		archive:     archive,
		adapter:     adapter,
		coordinator: lock.NewCoordinator(backend, s.identity, s.lockOptions...),
		merger:      merger,
		handler:     handler,
		builder:     builder,
		journal:     j,
		executor:    operation.NewExecutor(archive, adapter, operation.WithRetry(s.retries, s.retryDelay)),
	}, nil
}

func (v *Vault) Adapter() storage.Adapter {
	return v.adapter
}

func (v *Vault) Coordinator() *lock.Coordinator {
	return v.coordinator
}

// Base is the index both sides agreed on after the last successful run.
func (v *Vault) Base(ctx context.Context) (*index.Index, error) {
	return v.journal.Load(ctx, v.Title)
}

type SyncOptions struct {
	DryRun    bool
	ForceLock bool
	WaitLock  bool
}

type SyncResult struct {
	Vault      string
	UpToDate   bool
	DryRun     bool
	Stats      merge.Stats
	Conflicts  []merge.Resolved
	Operations *operation.List
	Executed   int
	Published  bool
	Collected  int
	Took       time.Duration
}

// Synchronize reconciles the local index with the vault. The published
// index and the base only move forward after every operation succeeded.
func (v *Vault) Synchronize(ctx context.Context, local *index.Index, opts SyncOptions) (res *SyncResult, err error) {
	if local == nil {
		return nil, ErrNoLocal
	}
	start := time.Now()

	if err := v.acquire(ctx, opts.WaitLock, opts.ForceLock); err != nil {
		return nil, err
	}
	defer func() {
		if rerr := v.release(ctx); rerr != nil && err == nil {
			err = rerr
		}
	}()

	res = &SyncResult{Vault: v.Title, DryRun: opts.DryRun, Operations: operation.NewList()}
	defer func() {
		if res != nil {
			res.Took = time.Since(start)
		}
	}()

	base, err := v.Base(ctx)
	if err != nil {
		return nil, fmt.Errorf("vault %s: load base: %w", v.Title, err)
	}
	revision, err := vaultindex.Revision(ctx, v.adapter)
	if err != nil {
		return nil, fmt.Errorf("vault %s: %w", v.Title, err)
	}
	lazyRemote := vaultindex.Lazy(ctx, v.adapter)

	if local.Equal(base, index.CompareContent) {
		known, err := v.journal.Revision(ctx, v.Title)
		if err != nil {
			return nil, fmt.Errorf("vault %s: %w", v.Title, err)
		}
		// an unchanged revision means the published index is still the base
		upToDate := revision != "" && revision == known
		if !upToDate {
			remote, err := lazyRemote.Index()
			if err != nil {
				return nil, fmt.Errorf("vault %s: load index: %w", v.Title, err)
			}
			upToDate = remote.Equal(base, index.CompareOptions{IgnoreInode: true, IgnoreCTime: true})
			if upToDate && revision != "" && !opts.DryRun {
				if err := v.journal.SetRevision(ctx, v.Title, revision); err != nil {
					return nil, fmt.Errorf("vault %s: %w", v.Title, err)
				}
			}
		}
		if upToDate {
			res.UpToDate = true
			res.Stats.Unchanged = base.Count()
			slog.Info("sync", "vault", v.Title, "upToDate", true, "indexLoaded", lazyRemote.Loaded())
			return res, nil
		}
	}

	remote, err := lazyRemote.Index()
	if err != nil {
		return nil, fmt.Errorf("vault %s: load index: %w", v.Title, err)
	}

	merged, err := v.merger.Merge(base, local, remote, v.handler)
	if err != nil {
		return nil, fmt.Errorf("vault %s: merge: %w", v.Title, err)
	}
	res.Stats = merged.Stats
	res.Conflicts = merged.Conflicts

	ops, err := v.builder.Build(merged.Merged, local, remote)
	if err != nil {
		return nil, fmt.Errorf("vault %s: build: %w", v.Title, err)
	}
	res.Operations = ops
	slog.Debug("sync plan", "vault", v.Title, "ops", ops.Len(), "stats", fmt.Sprintf("%+v", res.Stats))

	if opts.DryRun {
		for _, op := range ops.All() {
			slog.Info("sync", "vault", v.Title, "dryRun", true, "op", op)
		}
		return res, nil
	}

	res.Executed, err = v.executor.Execute(ctx, ops)
	if err != nil {
		return nil, fmt.Errorf("vault %s: %w", v.Title, err)
	}

	if !merged.Merged.Equal(remote, index.CompareOptions{IgnoreInode: true, IgnoreCTime: true}) {
		if revision, err = vaultindex.Publish(ctx, v.adapter, merged.Merged); err != nil {
			return nil, fmt.Errorf("vault %s: %w", v.Title, err)
		}
		res.Published = true
	}
	if err := v.journal.Replace(ctx, v.Title, merged.Merged, revision); err != nil {
		return nil, fmt.Errorf("vault %s: save base: %w", v.Title, err)
	}

	res.Collected = v.collect(ctx, merged.Merged, remote)

	slog.Info("sync", "vault", v.Title, "ops", res.Executed, "published", res.Published,
		"collected", res.Collected, "conflicts", len(res.Conflicts), "took", time.Since(start))
	return res, nil
}

// collect removes blobs the new index no longer references. Failures only
// leave unreferenced blobs behind.
func (v *Vault) collect(ctx context.Context, merged, remote *index.Index) int {
	gc := v.builder.BuildGarbageCollection(merged, remote)
	if gc.Len() == 0 {
		return 0
	}
	n, err := v.executor.Execute(ctx, gc)
	if err != nil {
		slog.Warn("garbage collection", "vault", v.Title, "collected", n, "error", err)
	}
	return n
}

func (v *Vault) acquire(ctx context.Context, wait, force bool) error {
	ok, err := v.coordinator.AcquireLock(ctx, LockName, lock.AcquireOptions{Wait: wait, Force: force})
	if err != nil {
		return fmt.Errorf("vault %s: %w", v.Title, err)
	}
	if !ok {
		holder := "unknown"
		if l, err := v.coordinator.GetLock(ctx, LockName); err == nil && l != nil {
			holder = l.Identity
		}
		return fmt.Errorf("vault %s: %w (held by %s)", v.Title, ErrLockBusy, holder)
	}
	return nil
}

func (v *Vault) release(ctx context.Context) error {
	// a cancelled run still has to give the lock back
	if _, err := v.coordinator.ReleaseLock(context.WithoutCancel(ctx), LockName); err != nil {
		slog.Error("lock release", "vault", v.Title, "error", err)
		return fmt.Errorf("vault %s: %w", v.Title, err)
	}
	return nil
}

// Unlock removes the vault lock whoever holds it.
func (v *Vault) Unlock(ctx context.Context) (*lock.Lock, error) {
	return v.coordinator.ForceRelease(ctx, LockName)
}
