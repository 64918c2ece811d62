package scanner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"runtime"
	"slices"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/openmined/storeman/internal/config"
	"github.com/openmined/storeman/internal/hashing"
	"github.com/openmined/storeman/internal/index"
	"github.com/openmined/storeman/internal/utils"
	"github.com/openmined/storeman/internal/workspace"
	gitignore "github.com/sabhiram/go-gitignore"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

const (
	ConfigFile  = config.FileName
	InternalDir = workspace.MetadataDir

	DefaultCacheSize = 100_000
)

// HashCache remembers digests between scans, keyed by path. One cache is
// shared by every vault of an archive so a file is hashed once per run.
type HashCache struct {
	lru *lru.Cache[string, cacheEntry]
}

type cacheEntry struct {
	size   int64
	mtime  time.Time
	inode  *uint64
	hashes *index.HashContainer
}

func NewHashCache(size int) (*HashCache, error) {
	c, err := lru.New[string, cacheEntry](size)
	if err != nil {
		return nil, err
	}
	return &HashCache{lru: c}, nil
}

func (c *HashCache) Len() int {
	return c.lru.Len()
}

// Scanner builds the local index of an archive directory.
type Scanner struct {
	fs         afero.Fs
	exclude    *gitignore.GitIgnore
	algorithms []string
	cache      *HashCache
	workers    int
}

type Option func(*Scanner)

// WithExclude skips paths matching any of the gitignore style patterns.
func WithExclude(patterns ...string) Option {
	return func(s *Scanner) {
		if len(patterns) > 0 {
			s.exclude = gitignore.CompileIgnoreLines(patterns...)
		}
	}
}

func WithAlgorithms(algorithms ...string) Option {
	return func(s *Scanner) {
		if len(algorithms) > 0 {
			s.algorithms = algorithms
		}
	}
}

func WithCache(cache *HashCache) Option {
	return func(s *Scanner) { s.cache = cache }
}

// WithWorkers bounds the number of files hashed concurrently.
func WithWorkers(n int) Option {
	return func(s *Scanner) {
		if n > 0 {
			s.workers = n
		}
	}
}

// New builds a scanner over fsys, whose root is the archive root.
func New(fsys afero.Fs, opts ...Option) (*Scanner, error) {
	s := &Scanner{
		fs:         fsys,
		algorithms: hashing.DefaultAlgorithms,
		workers:    runtime.NumCPU(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := hashing.Validate(s.algorithms); err != nil {
		return nil, err
	}
	if s.cache == nil {
		cache, err := NewHashCache(DefaultCacheSize)
		if err != nil {
			return nil, err
		}
		s.cache = cache
	}
	return s, nil
}

// Scan walks the archive and returns its index. Files whose size, mtime and
// inode match base or the hash cache keep their known digests; all others
// are hashed.
func (s *Scanner) Scan(ctx context.Context, base *index.Index) (*index.Index, error) {
	start := time.Now()
	if base == nil {
		base = index.New()
	}

	var (
		objs    []*index.Object
		pending []*index.Object
	)

	err := afero.Walk(s.fs, ".", func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		rel := filepath.ToSlash(filepath.Clean(p))
		if rel == "." {
			return nil
		}
		if s.skip(rel, info.IsDir()) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		inode, ctime := statExtra(info)
		mode := info.Mode()

		var obj *index.Object
		switch {
		case mode.IsDir():
			obj = index.NewDirectory(rel, info.ModTime(), mode.Perm())
		case mode&fs.ModeSymlink != 0:
			target, err := utils.Readlink(s.fs, p)
			if err != nil {
				return fmt.Errorf("readlink %s: %w", rel, err)
			}
			obj = index.NewSymlink(rel, info.ModTime(), mode.Perm(), target)
		case mode.IsRegular():
			obj = index.NewFile(rel, info.ModTime(), mode.Perm(), info.Size(), nil)
		default:
			slog.Debug("scan skip special file", "path", rel, "mode", mode)
			return nil
		}
		obj.Inode = inode
		obj.CTime = ctime

		if obj.IsFile() {
			if hashes := s.knownHashes(base, obj); hashes != nil {
				obj.Hashes = hashes
			} else {
				pending = append(pending, obj)
			}
		}
		objs = append(objs, obj)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}

	vanished, err := s.hashAll(ctx, pending)
	if err != nil {
		return nil, err
	}
	if len(vanished) > 0 {
		objs = slices.DeleteFunc(objs, func(obj *index.Object) bool {
			return slices.Contains(vanished, obj)
		})
	}

	idx := index.New()
	if err := idx.AddAll(objs); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	slog.Debug("scan done", "objects", idx.Count(), "hashed", len(pending), "took", time.Since(start))
	return idx, nil
}

func (s *Scanner) skip(rel string, isDir bool) bool {
	if rel == ConfigFile || rel == InternalDir {
		return true
	}
	if s.exclude == nil {
		return false
	}
	if isDir {
		return s.exclude.MatchesPath(rel) || s.exclude.MatchesPath(rel+"/")
	}
	return s.exclude.MatchesPath(rel)
}

// knownHashes returns reusable digests for obj, or nil when it must be hashed.
func (s *Scanner) knownHashes(base *index.Index, obj *index.Object) *index.HashContainer {
	if prev := base.GetObjectByPath(obj.Path); prev != nil && prev.IsFile() {
		if s.unchanged(obj, prev.FileSize(), prev.MTime, prev.Inode, prev.Hashes) {
			return prev.Hashes.Clone()
		}
	}
	if entry, ok := s.cache.lru.Get(obj.Path); ok {
		if s.unchanged(obj, entry.size, entry.mtime, entry.inode, entry.hashes) {
			return entry.hashes.Clone()
		}
	}
	return nil
}

func (s *Scanner) unchanged(obj *index.Object, size int64, mtime time.Time, inode *uint64, hashes *index.HashContainer) bool {
	if obj.FileSize() != size || !obj.MTime.Equal(mtime) {
		return false
	}
	if obj.Inode != nil && inode != nil && *obj.Inode != *inode {
		return false
	}
	if hashes == nil {
		return false
	}
	for _, alg := range s.algorithms {
		if !hashes.Has(alg) {
			return false
		}
	}
	return true
}

// hashAll digests files in parallel. Files deleted since the walk are
// returned so the caller can drop them.
func (s *Scanner) hashAll(ctx context.Context, pending []*index.Object) ([]*index.Object, error) {
	missing := make([]bool, len(pending))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, obj := range pending {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			f, err := s.fs.Open(obj.Path)
			if errors.Is(err, fs.ErrNotExist) {
				missing[i] = true
				return nil
			}
			if err != nil {
				return fmt.Errorf("open %s: %w", obj.Path, err)
			}
			defer f.Close()

			hashes, n, err := hashing.HashReader(f, s.algorithms...)
			if err != nil {
				return fmt.Errorf("hash %s: %w", obj.Path, err)
			}
			obj.Hashes = hashes
			*obj.Size = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var vanished []*index.Object
	for i, obj := range pending {
		if missing[i] {
			slog.Debug("scan file vanished", "path", obj.Path)
			vanished = append(vanished, obj)
			continue
		}
		s.cache.lru.Add(obj.Path, cacheEntry{
			size:   obj.FileSize(),
			mtime:  obj.MTime,
			inode:  obj.Inode,
			hashes: obj.Hashes.Clone(),
		})
	}
	return vanished, nil
}
