package usage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/imaas/gateway/redisclient"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
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

func TestPublishAndConsumeInvoke(t *testing.T) {
	client := newTestClient(t)
	pub := NewPublisher(client, "invoke", "errors", 1000)
	consumer := NewConsumer(client, zerolog.Nop(), "invoke", "errors", "usage-group", nil, nil, true)

	require.NoError(t, pub.PublishInvoke(context.Background(), InvokeRecord{
		Model: "gpt-4o", ChannelID: "c1", UserID: "u1", APIKey: "sk-1", ModelTag: TagChat,
		TotalTokens: 42, DateTime: time.Now(),
	}))

	require.NoError(t, client.EnsureGroup(context.Background(), "invoke", "usage-group"))
	messages, err := client.XReadGroupFrom(context.Background(), "invoke", "usage-group", "consumer-1", 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, messages, 1)

	rec, ok := decodeInvoke(messages[0].Values)
	require.True(t, ok)
	require.Equal(t, "gpt-4o", rec.Model)

	consumer.processInvoke(context.Background(), rec)

	sum, err := client.ZScanAll(context.Background(), MeterTokens)
	require.NoError(t, err)
	require.NotEmpty(t, sum)

	metric := counterValue(t, consumer.tokenUsage, prometheus.Labels{
		"user_id": "u1", "model": "gpt-4o", "api_key": "sk-1", "token_type": "chat", "unit": "token",
	})
	require.Equal(t, float64(42), metric)
}

func TestProcessErrorIncrementsCounter(t *testing.T) {
	client := newTestClient(t)
	consumer := NewConsumer(client, zerolog.Nop(), "invoke", "errors", "usage-group", nil, nil, true)

	consumer.processError(ErrorRecord{Model: "gpt-4o", ChannelID: "c1", UserID: "u1", APIKey: "sk-1", Err: "timeout", Stream: true})

	metric := counterValue(t, consumer.apiErrors, prometheus.Labels{
		"model": "gpt-4o", "channel_id": "c1", "user_id": "u1", "api_key": "sk-1", "err": "timeout", "stream": "1",
	})
	require.Equal(t, float64(1), metric)
}

func TestMeterForMapsModelTagsToMeters(t *testing.T) {
	meterKey, unit, amount, ok := meterFor(InvokeRecord{ModelTag: TagTTS, Words: 10})
	require.True(t, ok)
	require.Equal(t, MeterWords, meterKey)
	require.Equal(t, "word", unit)
	require.Equal(t, int64(10), amount)

	_, _, _, ok = meterFor(InvokeRecord{ModelTag: "unknown"})
	require.False(t, ok)
}

func TestSeedingOnlyHappensOnce(t *testing.T) {
	client := newTestClient(t)
	seeder := &countingSeeder{value: 100, found: true}
	consumer := NewConsumer(client, zerolog.Nop(), "invoke", "errors", "usage-group", nil, seeder, false)

	rec := InvokeRecord{Model: "gpt-4o", UserID: "u1", APIKey: "sk-1", ModelTag: TagChat, TotalTokens: 5}
	consumer.processInvoke(context.Background(), rec)
	consumer.processInvoke(context.Background(), rec)

	require.Equal(t, 1, seeder.calls)
	metric := counterValue(t, consumer.tokenUsage, prometheus.Labels{
		"user_id": "u1", "model": "gpt-4o", "api_key": "sk-1", "token_type": "chat", "unit": "token",
	})
	require.Equal(t, float64(110), metric) // 100 seed + 5 + 5
}

type countingSeeder struct {
	value float64
	found bool
	calls int
}

func (s *countingSeeder) QueryMax(ctx context.Context, metric string, labels map[string]string, window time.Duration) (float64, bool, error) {
	s.calls++
	return s.value, s.found, nil
}

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels prometheus.Labels) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, vec.With(labels).Write(&m))
	return m.GetCounter().GetValue()
}
