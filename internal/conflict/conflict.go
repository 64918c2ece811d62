package conflict

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/openmined/storeman/internal/index"
)

var ErrUnknownPolicy = errors.New("unknown conflict policy")

// Resolution is the answer of a Handler for one conflicting path.
type Resolution uint8

const (
	Fail Resolution = iota
	KeepLocal
	KeepRemote
)

func (r Resolution) String() string {
	switch r {
	case KeepLocal:
		return "keep-local"
	case KeepRemote:
		return "keep-remote"
	default:
		return "fail"
	}
}

// Kind classifies how the two sides diverged from the base.
type Kind uint8

const (
	// KindEdit: both sides hold the path with different content.
	KindEdit Kind = iota + 1
	// KindDeleteRecreate: deleted locally, changed or recreated remotely.
	KindDeleteRecreate
	// KindEditDelete: changed locally, deleted remotely.
	KindEditDelete
)

func (k Kind) String() string {
	switch k {
	case KindEdit:
		return "edit"
	case KindDeleteRecreate:
		return "delete-recreate"
	case KindEditDelete:
		return "edit-delete"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Conflict describes one path whose local and remote versions cannot be
// reconciled automatically. Absent sides are nil.
type Conflict struct {
	Path   string
	Kind   Kind
	Base   *index.Object
	Local  *index.Object
	Remote *index.Object
}

func (c Conflict) String() string {
	return fmt.Sprintf("%s (%s)", c.Path, c.Kind)
}

// Handler decides how a conflict is resolved. It is called synchronously
// during a merge and must not perform I/O on the archive.
type Handler interface {
	Resolve(c Conflict) Resolution
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(c Conflict) Resolution

func (f HandlerFunc) Resolve(c Conflict) Resolution {
	return f(c)
}

const DefaultPolicy = "panicking"

var (
	policiesMu sync.RWMutex
	policies   = map[string]Handler{
		"panicking": HandlerFunc(failAll),
		"newest":    HandlerFunc(newestWins),
		"local":     HandlerFunc(func(Conflict) Resolution { return KeepLocal }),
		"remote":    HandlerFunc(func(Conflict) Resolution { return KeepRemote }),
	}
)

// Register adds a named policy, replacing any policy of the same name.
func Register(name string, h Handler) {
	policiesMu.Lock()
	defer policiesMu.Unlock()
	policies[name] = h
}

// New resolves a policy by name. An empty name selects DefaultPolicy.
func New(name string) (Handler, error) {
	if name == "" {
		name = DefaultPolicy
	}
	policiesMu.RLock()
	defer policiesMu.RUnlock()
	h, ok := policies[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
	}
	return h, nil
}

// Names lists the registered policies.
func Names() []string {
	policiesMu.RLock()
	defer policiesMu.RUnlock()
	names := make([]string, 0, len(policies))
	for name := range policies {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func failAll(c Conflict) Resolution {
	slog.Warn("conflict", "path", c.Path, "kind", c.Kind)
	return Fail
}

// newestWins keeps the side with the more recent mtime. A deletion has no
// mtime, so the side that still holds the object wins.
func newestWins(c Conflict) Resolution {
	switch {
	case c.Local == nil && c.Remote == nil:
		return Fail
	case c.Local == nil:
		return KeepRemote
	case c.Remote == nil:
		return KeepLocal
	}

	switch cmp := c.Local.MTime.Compare(c.Remote.MTime); {
	case cmp > 0:
		return KeepLocal
	case cmp < 0:
		return KeepRemote
	default:
		slog.Warn("conflict with equal mtime", "path", c.Path, "kind", c.Kind)
		return Fail
	}
}
