package lock

import (
	"context"
	"sync"

	"github.com/opencontainers/go-digest"
)

// InProcessLocker serializes concurrent writers for the same digest within
// one process, per the cache's concurrency contract: a single writer per
// digest, with concurrent readers unaffected.
type InProcessLocker struct {
	mu    sync.Mutex
	locks map[digest.Digest]*sync.Mutex
}

// NewInProcessLocker creates a locker backed by a per-digest mutex table.
func NewInProcessLocker() *InProcessLocker {
	return &InProcessLocker{locks: make(map[digest.Digest]*sync.Mutex)}
}

func (l *InProcessLocker) AcquireLock(ctx context.Context, d digest.Digest) (Lock, error) {
	l.mu.Lock()
	m, ok := l.locks[d]
	if !ok {
		m = &sync.Mutex{}
		l.locks[d] = m
	}
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.Lock()
		close(done)
	}()

	select {
	case <-done:
		return &inProcessLock{mu: m}, nil
	case <-ctx.Done():
		go func() { <-done; m.Unlock() }()
		return nil, ctx.Err()
	}
}

type inProcessLock struct {
	mu *sync.Mutex
}

func (l *inProcessLock) Release() error {
	l.mu.Unlock()
	return nil
}
