package billing

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/imaas/gateway/redisclient"
	"github.com/imaas/gateway/usage"
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

type stubCharge struct {
	seen    []ChargeIntent
	outcome func(ChargeIntent) ChargeResult
}

func (s *stubCharge) Charge(ctx context.Context, intents []ChargeIntent) ([]ChargeResult, error) {
	s.seen = append(s.seen, intents...)
	results := make([]ChargeResult, 0, len(intents))
	for _, intent := range intents {
		if s.outcome != nil {
			results = append(results, s.outcome(intent))
			continue
		}
		results = append(results, ChargeResult{EventID: intent.EventID, Success: true})
	}
	return results, nil
}

type allowAllCatalog struct{}

func (allowAllCatalog) HasProduct(model, unit string) bool { return true }

type denyCatalog struct{}

func (denyCatalog) HasProduct(model, unit string) bool { return false }

type recordingLog struct {
	outcomes []ChargeResult
}

func (r *recordingLog) WriteOutcome(ctx context.Context, intent ChargeIntent, result ChargeResult) {
	r.outcomes = append(r.outcomes, result)
}

func TestSweepChargesAboveRateAndDecrementsRemainder(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	_, err := client.ZIncrBy(ctx, usage.MeterTokens, 2500, "u1:gpt-4o:c1")
	require.NoError(t, err)

	charge := &stubCharge{}
	sweeper := NewSweeper(client, zerolog.Nop(), charge, allowAllCatalog{}, nil, time.Minute)
	require.NoError(t, sweeper.Sweep(ctx))

	require.Len(t, charge.seen, 1)
	require.Equal(t, int64(2), charge.seen[0].Amount)
	require.Equal(t, "u1", charge.seen[0].UserID)
	require.Equal(t, "gpt-4o", charge.seen[0].Model)
	require.Equal(t, "c1", charge.seen[0].ChannelID)
	require.Len(t, charge.seen[0].EventID, 16)

	entries, err := client.ZRangeByScoreWithScores(ctx, usage.MeterTokens, "-inf", "+inf")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, float64(500), entries[0].Score)
}

func TestSweepSkipsBelowThreshold(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	_, err := client.ZIncrBy(ctx, usage.MeterTokens, 999, "u1:gpt-4o:c1")
	require.NoError(t, err)

	charge := &stubCharge{}
	sweeper := NewSweeper(client, zerolog.Nop(), charge, allowAllCatalog{}, nil, time.Minute)
	require.NoError(t, sweeper.Sweep(ctx))

	require.Empty(t, charge.seen)
}

func TestSweepSkipsUnknownProduct(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	_, err := client.ZIncrBy(ctx, usage.MeterTokens, 5000, "u1:unknown-model:c1")
	require.NoError(t, err)

	charge := &stubCharge{}
	sweeper := NewSweeper(client, zerolog.Nop(), charge, denyCatalog{}, nil, time.Minute)
	require.NoError(t, sweeper.Sweep(ctx))

	require.Empty(t, charge.seen)

	entries, err := client.ZRangeByScoreWithScores(ctx, usage.MeterTokens, "-inf", "+inf")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, float64(5000), entries[0].Score)
}

func TestSweepRetainsAccumulatorOnChargeFailure(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	_, err := client.ZIncrBy(ctx, usage.MeterWords, 3000, "u1:tts-1:c1")
	require.NoError(t, err)

	charge := &stubCharge{outcome: func(i ChargeIntent) ChargeResult {
		return ChargeResult{EventID: i.EventID, Success: false, Message: "insufficient balance"}
	}}
	log := &recordingLog{}
	sweeper := NewSweeper(client, zerolog.Nop(), charge, allowAllCatalog{}, log, time.Minute)
	require.NoError(t, sweeper.Sweep(ctx))

	require.Len(t, log.outcomes, 1)
	require.False(t, log.outcomes[0].Success)

	entries, err := client.ZRangeByScoreWithScores(ctx, usage.MeterWords, "-inf", "+inf")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, float64(3000), entries[0].Score)
}

func TestSweepCleansZeroedEntriesAfterSuccessfulCharge(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	_, err := client.ZIncrBy(ctx, usage.MeterSeconds, 4, "u1:asr-1:c1")
	require.NoError(t, err)

	charge := &stubCharge{}
	sweeper := NewSweeper(client, zerolog.Nop(), charge, allowAllCatalog{}, nil, time.Minute)
	require.NoError(t, sweeper.Sweep(ctx))

	card, err := client.ZCard(ctx, usage.MeterSeconds)
	require.NoError(t, err)
	require.Equal(t, int64(0), card)
}

func TestSweepDefaultsIntervalWhenNonPositive(t *testing.T) {
	client := newTestClient(t)
	sweeper := NewSweeper(client, zerolog.Nop(), &stubCharge{}, allowAllCatalog{}, nil, 0)
	require.Equal(t, 600*time.Second, sweeper.interval)
}
