// Package lock serializes builds that would share a backing file path. The
// orchestrator itself does not lock; the caller that picks the backing path
// owns its uniqueness and takes the lock.
package lock

import (
	"context"
)

// Locker provides exclusive locking keyed by an arbitrary string.
// Acquire blocks until the lock is held or the context is cancelled.
type Locker interface {
	Acquire(ctx context.Context, key string) (Lock, error)
}

// Lock represents an acquired lock that must be released.
type Lock interface {
	Release() error
}
