package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"
)

func TestNoOpLockerGrantsImmediately(t *testing.T) {
	l := NewNoOpLocker()
	lk, err := l.AcquireLock(context.Background(), digest.FromString("a"))
	require.NoError(t, err)
	require.NoError(t, lk.Release())
}

func TestInProcessLockerSerializesSameDigest(t *testing.T) {
	l := NewInProcessLocker()
	d := digest.FromString("same")

	lk, err := l.AcquireLock(context.Background(), d)
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		lk2, err := l.AcquireLock(context.Background(), d)
		require.NoError(t, err)
		close(acquired)
		require.NoError(t, lk2.Release())
	}()

	select {
	case <-acquired:
		t.Fatal("second AcquireLock for the same digest returned before Release")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, lk.Release())
	<-acquired
}

func TestInProcessLockerDistinctDigestsDoNotContend(t *testing.T) {
	l := NewInProcessLocker()

	lk1, err := l.AcquireLock(context.Background(), digest.FromString("one"))
	require.NoError(t, err)
	defer func() { _ = lk1.Release() }()

	done := make(chan struct{})
	go func() {
		lk2, err := l.AcquireLock(context.Background(), digest.FromString("two"))
		require.NoError(t, err)
		require.NoError(t, lk2.Release())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("AcquireLock for a distinct digest blocked on an unrelated lock")
	}
}

func TestInProcessLockerCancelledContext(t *testing.T) {
	l := NewInProcessLocker()
	d := digest.FromString("ctx")

	lk, err := l.AcquireLock(context.Background(), d)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = l.AcquireLock(ctx, d)
	require.Error(t, err)

	require.NoError(t, lk.Release())
}

func TestInProcessLockerManyGoroutinesSameDigest(t *testing.T) {
	l := NewInProcessLocker()
	d := digest.FromString("many")

	var counter int
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lk, err := l.AcquireLock(context.Background(), d)
			require.NoError(t, err)
			counter++
			require.NoError(t, lk.Release())
		}()
	}
	wg.Wait()
	require.Equal(t, 50, counter)
}
