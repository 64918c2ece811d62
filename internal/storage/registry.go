package storage

import (
	"fmt"
	"slices"
	"sync"
)

// Factory builds an adapter from the vault's settings.
type Factory func(settings map[string]string) (Adapter, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// Register makes an adapter available by name. Adapter packages call it
// from init, like database/sql drivers.
func Register(name string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if _, dup := factories[name]; dup {
		panic("storage: Register called twice for adapter " + name)
	}
	factories[name] = factory
}

// New resolves the named adapter and builds it.
func New(name string, settings map[string]string) (Adapter, error) {
	factoriesMu.RLock()
	factory, ok := factories[name]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknown, name)
	}
	return factory(settings)
}

// Names lists the registered adapters.
func Names() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
