package ratelimit

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/imaas/gateway/redisclient"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type staticLimits struct {
	limits Limits
	err    error
}

func (s staticLimits) Limits(ctx context.Context, level, model string) (Limits, error) {
	return s.limits, s.err
}

func newTestLimiter(t *testing.T, limits Limits) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rc := redisclient.NewFromRedisClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	return New(rc, staticLimits{limits: limits}, zerolog.Nop(), true, "imaas:"), mr
}

func TestAllowWithinLimit(t *testing.T) {
	l, _ := newTestLimiter(t, Limits{RPM: 3, TPM: 1000})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "sk-test", "free", "gpt-4o")
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := l.Allow(ctx, "sk-test", "free", "gpt-4o")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAllowUnlimitedSentinel(t *testing.T) {
	l, _ := newTestLimiter(t, Limits{RPM: Unlimited, TPM: Unlimited})
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		ok, err := l.Allow(ctx, "sk-test", "free", "gpt-4o")
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestRecordTokenUsageWithinLimit(t *testing.T) {
	l, _ := newTestLimiter(t, Limits{RPM: 1000, TPM: 100})
	ctx := context.Background()

	ok, err := l.RecordTokenUsage(ctx, "sk-test", "free", "gpt-4o", 40)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.RecordTokenUsage(ctx, "sk-test", "free", "gpt-4o", 40)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.RecordTokenUsage(ctx, "sk-test", "free", "gpt-4o", 40)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAllowBlocksOnceTPMWindowIsRecorded(t *testing.T) {
	l, _ := newTestLimiter(t, Limits{RPM: 1000, TPM: 100})
	ctx := context.Background()

	ok, err := l.Allow(ctx, "sk-test", "free", "gpt-4o")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.RecordTokenUsage(ctx, "sk-test", "free", "gpt-4o", 100)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = l.Allow(ctx, "sk-test", "free", "gpt-4o")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFallbackAllowsWhenRedisUnreachable(t *testing.T) {
	l, mr := newTestLimiter(t, Limits{RPM: 2, TPM: 100})
	mr.Close()

	ctx := context.Background()
	ok1, err := l.Allow(ctx, "sk-test", "free", "gpt-4o")
	require.NoError(t, err)
	require.True(t, ok1)

	ok2, err := l.Allow(ctx, "sk-test", "free", "gpt-4o")
	require.NoError(t, err)
	require.True(t, ok2)

	ok3, err := l.Allow(ctx, "sk-test", "free", "gpt-4o")
	require.NoError(t, err)
	require.False(t, ok3)
}
