package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrLockTimeout    = errors.New("timed out waiting for lock")
	ErrLockLost       = errors.New("lock was taken over by another holder")
	ErrLockHeld       = errors.New("identity cannot change while locks are held")
	ErrInvalidName    = errors.New("invalid lock name")
	ErrUnknownBackend = errors.New("unknown lock backend")
)

// Lock is the record a holder leaves in the backend.
type Lock struct {
	Name             string    `json:"name"`
	Identity         string    `json:"identity"`
	Handle           string    `json:"handle"`
	Acquired         time.Time `json:"acquired"`
	Forced           bool      `json:"forced,omitempty"`
	PreviousIdentity string    `json:"previousIdentity,omitempty"`
}

// Age is how long the lock has been held at now.
func (l *Lock) Age(now time.Time) time.Duration {
	return now.Sub(l.Acquired)
}

func (l *Lock) String() string {
	s := fmt.Sprintf("%s held by %s since %s", l.Name, l.Identity, l.Acquired.UTC().Format(time.RFC3339))
	if l.Forced {
		s += fmt.Sprintf(" (forced from %s)", l.PreviousIdentity)
	}
	return s
}

// Backend persists lock records. It is the only storage specific part of
// locking; depth counting and wait/force semantics live in the Coordinator.
type Backend interface {
	// Get returns the current record or nil when the name is unlocked.
	Get(ctx context.Context, name string) (*Lock, error)
	Put(ctx context.Context, lock *Lock) error
	// Delete removes the record. Deleting an unlocked name is not an error.
	Delete(ctx context.Context, name string) error
	Names(ctx context.Context) ([]string, error)
}

func validateName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
