// Package lock provides the distributed locks that serialize scheduler
// ticks per scaling group. Acquisition is fail-fast: a held lock means
// another manager is already ticking that group, so the caller skips the
// tick instead of waiting.
package lock

import (
	"context"
	"time"

	"github.com/sokovan-io/sokovan/pkg/types"
)

// Handle releases one held lock. Release is idempotent.
type Handle interface {
	Release(ctx context.Context) error
}

// Manager hands out named locks with a lease lifetime. TryAcquire returns
// *types.LockError immediately when the lock is held elsewhere.
type Manager interface {
	TryAcquire(ctx context.Context, name string, lifetime time.Duration) (Handle, error)
	Close() error
}

// lockErr keeps the constructors uniform.
func lockErr(name string) error {
	return &types.LockError{Name: name}
}
