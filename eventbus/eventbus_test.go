package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/imaas/gateway/redisclient"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rc := redisclient.NewFromRedisClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	return New(rc, zerolog.Nop(), "test_server_events", 100), mr
}

func TestEmitAndDispatch(t *testing.T) {
	m, _ := newTestManager(t)

	var mu sync.Mutex
	var deletedParams []interface{}
	m.Register(EvictSubscriber{
		Module: ModuleChannel,
		Delete: func(params []interface{}) {
			mu.Lock()
			deletedParams = params
			mu.Unlock()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	require.NoError(t, m.EmitEvictCache(context.Background(), ModuleChannel, "chan-1"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(deletedParams) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestDispatchIgnoresOtherModules(t *testing.T) {
	m, _ := newTestManager(t)

	called := false
	m.Register(EvictSubscriber{
		Module: ModuleAPIKey,
		Delete: func(params []interface{}) { called = true },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	require.NoError(t, m.EmitEvictCache(context.Background(), ModuleBalance, "irrelevant"))
	time.Sleep(100 * time.Millisecond)
	require.False(t, called)
}

func TestRunRecoversFromStreamTail(t *testing.T) {
	m, _ := newTestManager(t)

	// Emit before any consumer is running; a freshly started Run should
	// not replay this one.
	require.NoError(t, m.EmitEvictCache(context.Background(), ModuleChannel, "stale"))

	var mu sync.Mutex
	var seen int
	m.Register(EvictSubscriber{
		Module: ModuleChannel,
		Delete: func(params []interface{}) {
			mu.Lock()
			seen++
			mu.Unlock()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	require.NoError(t, m.EmitEvictCache(context.Background(), ModuleChannel, "fresh"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen == 1
	}, time.Second, 10*time.Millisecond)
}
