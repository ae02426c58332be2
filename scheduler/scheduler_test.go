package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/imaas/gateway/redisclient"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *redisclient.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return redisclient.NewFromRedisClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func TestDLockAcquireIsReentrant(t *testing.T) {
	client := newTestClient(t)
	lock := NewDLock(client, zerolog.Nop(), "global-lock:test", "worker-a", time.Minute)

	ok, err := lock.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = lock.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok, "re-acquiring with the same value should succeed reentrantly")
}

func TestDLockSecondHolderFailsToAcquire(t *testing.T) {
	client := newTestClient(t)
	first := NewDLock(client, zerolog.Nop(), "global-lock:test", "worker-a", time.Minute)
	ok, err := first.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	second := NewDLock(client, zerolog.Nop(), "global-lock:test", "worker-b", time.Minute)
	ok, err = second.Acquire(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDLockReleaseAllowsAnotherHolder(t *testing.T) {
	client := newTestClient(t)
	first := NewDLock(client, zerolog.Nop(), "global-lock:test", "worker-a", time.Minute)
	ok, err := first.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	first.Release(context.Background())

	second := NewDLock(client, zerolog.Nop(), "global-lock:test", "worker-b", time.Minute)
	ok, err = second.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
}

func TestDLockDisarmsWhenStolen(t *testing.T) {
	client := newTestClient(t)
	lock := NewDLock(client, zerolog.Nop(), "global-lock:test", "worker-a", 90*time.Millisecond)
	ok, err := lock.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	// Simulate another process stealing the key out from under the renewer.
	require.NoError(t, client.SetEX(context.Background(), "global-lock:test", "worker-b", time.Minute))

	select {
	case <-lock.Lost():
	case <-time.After(500 * time.Millisecond):
		t.Fatal("renewer did not disarm after the lock was stolen")
	}
}

func TestSchedulerRunsLocalJobRepeatedly(t *testing.T) {
	client := newTestClient(t)
	s := New(client, zerolog.Nop(), "global-lock:test", time.Minute)

	var calls int32
	s.RegisterLocal(LocalJob{
		Name:     "flush",
		Interval: 20 * time.Millisecond,
		Run: func(ctx context.Context) {
			atomic.AddInt32(&calls, 1)
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Run(ctx)
	}()

	time.Sleep(80 * time.Millisecond)
	cancel()
	wg.Wait()

	require.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(2))
}

func TestSchedulerOnlyOneReplicaRunsGlobalJob(t *testing.T) {
	client := newTestClient(t)

	s1 := &Scheduler{redis: client, logger: zerolog.Nop(), lockKey: "global-lock:test", identity: "replica-1", expire: 300 * time.Millisecond}
	s2 := &Scheduler{redis: client, logger: zerolog.Nop(), lockKey: "global-lock:test", identity: "replica-2", expire: 300 * time.Millisecond}

	var calls1, calls2 int32
	s1.RegisterGlobal(func(ctx context.Context) {
		atomic.AddInt32(&calls1, 1)
		<-ctx.Done()
	})
	s2.RegisterGlobal(func(ctx context.Context) {
		atomic.AddInt32(&calls2, 1)
		<-ctx.Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s1.Run(ctx) }()
	go func() { defer wg.Done(); s2.Run(ctx) }()

	time.Sleep(200 * time.Millisecond)
	cancel()
	wg.Wait()

	total := atomic.LoadInt32(&calls1) + atomic.LoadInt32(&calls2)
	require.Equal(t, int32(1), total, "exactly one replica should have started the global job")
}
