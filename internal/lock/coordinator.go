package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultTimeout      = 5 * time.Minute
)

// AcquireOptions controls what happens when another holder has the lock.
type AcquireOptions struct {
	// Wait polls until the lock is free or the coordinator timeout elapses.
	Wait bool
	// Force takes the lock over immediately.
	Force bool
}

// Coordinator hands out named, reentrant locks on behalf of one identity.
// Every Coordinator has its own handle, so two processes running under the
// same identity still exclude each other.
type Coordinator struct {
	mu           sync.Mutex
	backend      Backend
	identity     string
	handle       string
	clock        clockwork.Clock
	pollInterval time.Duration
	timeout      time.Duration
	depth        map[string]int
}

type Option func(*Coordinator)

func WithClock(clock clockwork.Clock) Option {
	return func(c *Coordinator) { c.clock = clock }
}

func WithPollInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.pollInterval = d }
}

// WithTimeout bounds waiting acquisitions. Zero waits until the context ends.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.timeout = d }
}

func NewCoordinator(backend Backend, identity string, opts ...Option) *Coordinator {
	c := &Coordinator{
		backend:      backend,
		identity:     identity,
		handle:       uuid.NewString(),
		clock:        clockwork.NewRealClock(),
		pollInterval: DefaultPollInterval,
		timeout:      DefaultTimeout,
		depth:        make(map[string]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// SetIdentity changes the identity used for new acquisitions.
func (c *Coordinator) SetIdentity(identity string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.depth) > 0 {
		return ErrLockHeld
	}
	c.identity = identity
	return nil
}

// AcquireLock takes the named lock. It returns false without error when the
// lock is held elsewhere and neither Wait nor Force is set.
func (c *Coordinator) AcquireLock(ctx context.Context, name string, opts AcquireOptions) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}

	ok, holder, err := c.tryAcquire(ctx, name, opts.Force)
	if err != nil || ok {
		return ok, err
	}
	if !opts.Wait {
		slog.Debug("lock busy", "name", name, "holder", holder.Identity)
		return false, nil
	}

	slog.Info("lock wait", "name", name, "holder", holder.Identity, "since", holder.Acquired)
	deadline := c.clock.Now().Add(c.timeout)
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-c.clock.After(c.pollInterval):
		}

		ok, holder, err = c.tryAcquire(ctx, name, false)
		if err != nil || ok {
			return ok, err
		}
		if c.timeout > 0 && !c.clock.Now().Before(deadline) {
			return false, fmt.Errorf("%w: %s held by %s", ErrLockTimeout, name, holder.Identity)
		}
	}
}

func (c *Coordinator) tryAcquire(ctx context.Context, name string, force bool) (bool, *Lock, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, err := c.backend.Get(ctx, name)
	if err != nil {
		return false, nil, err
	}

	if current != nil && c.owns(current) {
		c.depth[name]++
		if c.depth[name] > 1 {
			slog.Debug("lock", "op", "reenter", "name", name, "depth", c.depth[name])
		}
		return true, nil, nil
	}
	// a record that is not ours means any depth we counted was lost
	delete(c.depth, name)

	next := &Lock{
		Name:     name,
		Identity: c.identity,
		Handle:   c.handle,
		Acquired: c.clock.Now().UTC(),
	}
	if current != nil {
		if !force {
			return false, current, nil
		}
		next.Forced = true
		next.PreviousIdentity = current.Identity
	}

	if err := c.backend.Put(ctx, next); err != nil {
		return false, nil, err
	}

	// backends have no compare-and-swap; read back to detect a racing writer
	written, err := c.backend.Get(ctx, name)
	if err != nil {
		return false, nil, err
	}
	if written == nil || !c.owns(written) {
		if written == nil {
			written = next
		}
		return false, written, nil
	}

	c.depth[name] = 1
	if next.Forced {
		slog.Warn("lock", "op", "acquire", "name", name, "identity", c.identity, "forced", true, "previous", next.PreviousIdentity)
	} else {
		slog.Info("lock", "op", "acquire", "name", name, "identity", c.identity, "forced", false)
	}
	return true, nil, nil
}

// ReleaseLock drops one level of the named lock. The record is removed when
// the depth reaches zero, unless someone else took the lock over meanwhile.
func (c *Coordinator) ReleaseLock(ctx context.Context, name string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	depth := c.depth[name]
	if depth == 0 {
		return false, nil
	}
	if depth > 1 {
		c.depth[name] = depth - 1
		return true, nil
	}
	delete(c.depth, name)

	current, err := c.backend.Get(ctx, name)
	if err != nil {
		return false, err
	}
	if current == nil || !c.owns(current) {
		holder := "nobody"
		if current != nil {
			holder = current.Identity
		}
		slog.Warn("lock", "op", "release", "name", name, "identity", c.identity, "lost", true, "holder", holder)
		return false, fmt.Errorf("%w: %s now held by %s", ErrLockLost, name, holder)
	}

	if err := c.backend.Delete(ctx, name); err != nil {
		return false, err
	}
	slog.Info("lock", "op", "release", "name", name, "identity", c.identity)
	return true, nil
}

// IsLocked reports whether anyone holds the lock.
func (c *Coordinator) IsLocked(ctx context.Context, name string) (bool, error) {
	current, err := c.backend.Get(ctx, name)
	return current != nil, err
}

// HasLock reports whether this coordinator holds the lock.
func (c *Coordinator) HasLock(ctx context.Context, name string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.depth[name] == 0 {
		return false, nil
	}
	current, err := c.backend.Get(ctx, name)
	if err != nil {
		return false, err
	}
	return current != nil && c.owns(current), nil
}

func (c *Coordinator) GetLock(ctx context.Context, name string) (*Lock, error) {
	return c.backend.Get(ctx, name)
}

// Locks returns every record currently in the backend.
func (c *Coordinator) Locks(ctx context.Context) ([]*Lock, error) {
	names, err := c.backend.Names(ctx)
	if err != nil {
		return nil, err
	}
	locks := make([]*Lock, 0, len(names))
	for _, name := range names {
		l, err := c.backend.Get(ctx, name)
		if err != nil {
			return nil, err
		}
		if l != nil {
			locks = append(locks, l)
		}
	}
	return locks, nil
}

// ForceRelease removes the record regardless of its holder. It is meant for
// operators clearing a lock left behind by a dead process.
func (c *Coordinator) ForceRelease(ctx context.Context, name string) (*Lock, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, err := c.backend.Get(ctx, name)
	if err != nil || current == nil {
		return nil, err
	}
	if err := c.backend.Delete(ctx, name); err != nil {
		return nil, err
	}
	delete(c.depth, name)
	slog.Warn("lock", "op", "force-release", "name", name, "identity", c.identity, "holder", current.Identity, "age", current.Age(c.clock.Now()))
	return current, nil
}

func (c *Coordinator) owns(l *Lock) bool {
	return l.Identity == c.identity && l.Handle == c.handle
}
