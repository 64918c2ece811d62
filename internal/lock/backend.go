package lock

import (
	"context"
	"fmt"
	"path"
	"slices"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/openmined/storeman/internal/storage"
)

const DefaultBackend = "storage"

// Backends lists the backend names NewBackend accepts.
func Backends() []string {
	return []string{"memory", DefaultBackend}
}

// NewBackend resolves a backend by its configured name.
func NewBackend(name string, adapter storage.Adapter) (Backend, error) {
	switch name {
	case "", DefaultBackend:
		return NewStorageBackend(adapter), nil
	case "memory":
		return NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}
}

// MemoryBackend keeps records in process memory. Coordinators sharing one
// MemoryBackend behave like separate processes sharing a vault.
type MemoryBackend struct {
	mu    sync.Mutex
	locks map[string]Lock
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{locks: make(map[string]Lock)}
}

func (b *MemoryBackend) Get(_ context.Context, name string) (*Lock, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.locks[name]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

func (b *MemoryBackend) Put(_ context.Context, l *Lock) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.locks[l.Name] = *l
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.locks, name)
	return nil
}

func (b *MemoryBackend) Names(_ context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.locks))
	for name := range b.locks {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

// StorageBackend keeps one JSON record per lock under locks/ in the vault.
type StorageBackend struct {
	adapter storage.Adapter
}

func NewStorageBackend(adapter storage.Adapter) *StorageBackend {
	return &StorageBackend{adapter: adapter}
}

func (b *StorageBackend) Get(ctx context.Context, name string) (*Lock, error) {
	data, err := b.adapter.Read(ctx, storage.LockPath(name))
	if err != nil {
		return nil, storage.IgnoreNotFound(err)
	}
	var l Lock
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("decode lock %s: %w", name, err)
	}
	return &l, nil
}

func (b *StorageBackend) Put(ctx context.Context, l *Lock) error {
	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("encode lock %s: %w", l.Name, err)
	}
	return b.adapter.Write(ctx, storage.LockPath(l.Name), data)
}

func (b *StorageBackend) Delete(ctx context.Context, name string) error {
	return storage.IgnoreNotFound(b.adapter.Unlink(ctx, storage.LockPath(name)))
}

func (b *StorageBackend) Names(ctx context.Context) ([]string, error) {
	paths, err := b.adapter.List(ctx, storage.LockPrefix)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, p := range paths {
		if name, ok := strings.CutSuffix(path.Base(p), ".lock"); ok {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names, nil
}
