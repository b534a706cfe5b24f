// Package lock serializes writers to the content-addressed cache store so
// two goroutines racing to materialize the same digest don't both stream
// a blob into the same temp-then-rename path.
package lock

import (
	"context"

	"github.com/opencontainers/go-digest"
)

// Locker hands out a per-digest lock, blocking until it's free or ctx is
// cancelled. Digest, not path, is the key: two blobs with the same
// content hash to the same lock regardless of which layer or config they
// came from.
type Locker interface {
	AcquireLock(ctx context.Context, digest digest.Digest) (Lock, error)
}

// Lock is held until Release is called.
type Lock interface {
	Release() error
}
