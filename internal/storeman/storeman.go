package storeman

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/openmined/storeman/internal/config"
	"github.com/openmined/storeman/internal/index"
	"github.com/openmined/storeman/internal/journal"
	"github.com/openmined/storeman/internal/lock"
	"github.com/openmined/storeman/internal/scanner"
	"github.com/openmined/storeman/internal/storage"
	_ "github.com/openmined/storeman/internal/storage/s3"
	"github.com/openmined/storeman/internal/vault"
	"github.com/openmined/storeman/internal/workspace"
	"github.com/spf13/afero"
)

var ErrUnknownVault = errors.New("unknown vault")

// Storeman mirrors one archive to every configured vault.
type Storeman struct {
	config    *config.Config
	workspace *workspace.Workspace
	journal   *journal.Journal
	archive   afero.Fs
	scanner   *scanner.Scanner
	vaults    []*vault.Vault
}

type options struct {
	adapters    map[string]storage.Adapter
	lockOptions []lock.Option
	retryDelay  time.Duration
}

type Option func(*options)

// WithAdapter replaces the adapter of the vault with the given title.
func WithAdapter(title string, adapter storage.Adapter) Option {
	return func(o *options) { o.adapters[title] = adapter }
}

func WithLockOptions(opts ...lock.Option) Option {
	return func(o *options) { o.lockOptions = append(o.lockOptions, opts...) }
}

func WithRetryDelay(d time.Duration) Option {
	return func(o *options) { o.retryDelay = d }
}

// New locks the workspace at cfg.Path, opens its journal and resolves every
// vault. Close releases all of it.
func New(cfg *config.Config, opts ...Option) (s *Storeman, err error) {
	o := &options{adapters: make(map[string]storage.Adapter), retryDelay: time.Second}
	for _, opt := range opts {
		opt(o)
	}

	ws, err := workspace.NewWorkspace(cfg.Path)
	if err != nil {
		return nil, err
	}
	if err := ws.Setup(); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = ws.Unlock()
		}
	}()

	j, err := journal.Open(ws.JournalPath)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer func() {
		if err != nil {
			_ = j.Close()
		}
	}()

	archive := afero.NewBasePathFs(afero.NewOsFs(), ws.Root)
	cache, err := scanner.NewHashCache(scanner.DefaultCacheSize)
	if err != nil {
		return nil, err
	}
	scan, err := scanner.New(archive,
		scanner.WithExclude(cfg.Exclude...),
		scanner.WithAlgorithms(cfg.HashAlgorithms...),
		scanner.WithCache(cache),
	)
	if err != nil {
		return nil, err
	}

	lockOpts := append([]lock.Option{lock.WithTimeout(cfg.LockTimeout)}, o.lockOptions...)
	vaults := make([]*vault.Vault, 0, len(cfg.Vaults))
	for _, vc := range cfg.Vaults {
		vopts := []vault.Option{
			vault.WithIdentity(cfg.Identity),
			vault.WithRetries(cfg.Retries, o.retryDelay),
			vault.WithLockOptions(lockOpts...),
		}
		if adapter, ok := o.adapters[vc.Title]; ok {
			vopts = append(vopts, vault.WithAdapter(adapter))
		}
		v, err := vault.New(vc, archive, j, vopts...)
		if err != nil {
			return nil, err
		}
		vaults = append(vaults, v)
	}

	return &Storeman{
		config:    cfg,
		workspace: ws,
		journal:   j,
		archive:   archive,
		scanner:   scan,
		vaults:    vaults,
	}, nil
}

func (s *Storeman) Close() error {
	return errors.Join(s.journal.Close(), s.workspace.Unlock())
}

func (s *Storeman) Config() *config.Config {
	return s.config
}

func (s *Storeman) Workspace() *workspace.Workspace {
	return s.workspace
}

func (s *Storeman) Vaults() []*vault.Vault {
	return s.vaults
}

func (s *Storeman) Vault(title string) (*vault.Vault, error) {
	for _, v := range s.vaults {
		if v.Title == title {
			return v, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownVault, title)
}

// selectVaults returns the named vaults, or all of them.
func (s *Storeman) selectVaults(titles []string) ([]*vault.Vault, error) {
	if len(titles) == 0 {
		return s.vaults, nil
	}
	out := make([]*vault.Vault, 0, len(titles))
	for _, t := range titles {
		v, err := s.Vault(t)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Scan indexes the archive using the vault's base to skip unchanged files.
func (s *Storeman) Scan(ctx context.Context, v *vault.Vault) (*index.Index, error) {
	base, err := v.Base(ctx)
	if err != nil {
		return nil, err
	}
	return s.scanner.Scan(ctx, base)
}

// Synchronize runs every selected vault in turn. A failing vault does not
// stop the others; all failures are returned together.
func (s *Storeman) Synchronize(ctx context.Context, opts vault.SyncOptions, titles ...string) ([]*vault.SyncResult, error) {
	vaults, err := s.selectVaults(titles)
	if err != nil {
		return nil, err
	}
	opts.WaitLock = opts.WaitLock || s.config.LockWait

	var (
		results []*vault.SyncResult
		errs    []error
	)
	for _, v := range vaults {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		local, err := s.Scan(ctx, v)
		if err != nil {
			errs = append(errs, fmt.Errorf("vault %s: scan: %w", v.Title, err))
			continue
		}
		res, err := v.Synchronize(ctx, local, opts)
		if err != nil {
			slog.Error("sync failed", "vault", v.Title, "error", err)
			errs = append(errs, err)
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

// Restore writes the published state of a vault into dir, or into the
// archive itself when dir is empty.
func (s *Storeman) Restore(ctx context.Context, title, dir string, opts vault.RestoreOptions) (*vault.RestoreResult, error) {
	v, err := s.Vault(title)
	if err != nil {
		return nil, err
	}
	opts.WaitLock = opts.WaitLock || s.config.LockWait

	target, scan := s.archive, s.scanner
	if dir != "" {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(abs, 0o755); err != nil {
			return nil, err
		}
		target = afero.NewBasePathFs(afero.NewOsFs(), abs)
		if scan, err = scanner.New(target, scanner.WithAlgorithms(s.config.HashAlgorithms...)); err != nil {
			return nil, err
		}
	}

	current, err := scan.Scan(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	return v.Restore(ctx, target, current, opts)
}

func (s *Storeman) Info(ctx context.Context) ([]*vault.Info, error) {
	infos := make([]*vault.Info, 0, len(s.vaults))
	for _, v := range s.vaults {
		info, err := v.Info(ctx)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Unlock force releases the lock of the named vault.
func (s *Storeman) Unlock(ctx context.Context, title string) (*lock.Lock, error) {
	v, err := s.Vault(title)
	if err != nil {
		return nil, err
	}
	prev, err := v.Unlock(ctx)
	if err != nil {
		return nil, err
	}
	if prev != nil {
		slog.Warn("vault unlocked", "vault", title, "holder", prev.Identity, "acquired", prev.Acquired)
	}
	return prev, nil
}

type WatchOptions struct {
	Sync     vault.SyncOptions
	Debounce time.Duration
	// Interval also syncs periodically to pick up changes made elsewhere.
	// Zero disables polling.
	Interval time.Duration
	// OnSync is called after every run.
	OnSync func([]*vault.SyncResult, error)
}

// Watch syncs once, then again whenever the archive changes or the poll
// interval elapses, until ctx is done.
func (s *Storeman) Watch(ctx context.Context, opts WatchOptions) error {
	w := NewWatcher(s.workspace.Root, opts.Debounce)
	w.FilterPaths(func(p string) bool {
		rel, err := s.workspace.RelPath(p)
		if err != nil {
			return true
		}
		return rel == config.FileName || workspace.IsInternal(rel)
	})
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("watch %s: %w", s.workspace.Root, err)
	}
	defer w.Stop()

	var tick <-chan time.Time
	if opts.Interval > 0 {
		ticker := time.NewTicker(opts.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	run := func(reason string) {
		slog.Debug("watch sync", "reason", reason)
		results, err := s.Synchronize(ctx, opts.Sync)
		// our own downloads show up as events too
		w.Drain()
		if opts.OnSync != nil {
			opts.OnSync(results, err)
		}
	}

	run("start")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.Changes():
			run("change")
		case <-tick:
			run("poll")
		}
	}
}
