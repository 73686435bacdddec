package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newLocker(t *testing.T) Locker {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return Locker{R: client, RetryBackoff: 5 * time.Millisecond}
}

func TestWithLockRunsCallback(t *testing.T) {
	l := newLocker(t)
	ran := false
	err := l.WithLock(context.Background(), "recon:lock:txn-1", time.Second, func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	require.True(t, ran)
}

func TestWithLockReleasesAfterCallback(t *testing.T) {
	l := newLocker(t)
	require.NoError(t, l.WithLock(context.Background(), "k", time.Second, func(ctx context.Context) error { return nil }))

	// a second acquisition must not wait for the TTL
	done := make(chan struct{})
	go func() {
		_ = l.WithLock(context.Background(), "k", time.Second, func(ctx context.Context) error { return nil })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("lock was not released")
	}
}

func TestWithLockSerializesSameKey(t *testing.T) {
	l := newLocker(t)

	var mu sync.Mutex
	var inside, maxInside int
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.WithLock(context.Background(), "same", time.Second, func(ctx context.Context) error {
				mu.Lock()
				inside++
				if inside > maxInside {
					maxInside = inside
				}
				mu.Unlock()
				time.Sleep(5 * time.Millisecond)
				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	require.Equal(t, 1, maxInside)
}

func TestWithLockCancelledWhileWaiting(t *testing.T) {
	l := newLocker(t)

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = l.WithLock(context.Background(), "busy", time.Minute, func(ctx context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := l.WithLock(ctx, "busy", time.Second, func(ctx context.Context) error { return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
