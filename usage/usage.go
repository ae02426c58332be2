// Package usage implements the durable usage pipeline: the proxy engine
// publishes one record per completed (or failed) upstream call onto a
// Redis stream, and a consumer group — run on a single replica at a time,
// gated by the scheduler's distributed lock — drains it into Prometheus
// counters, the billing meters, and the search-store daily index.
package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/imaas/gateway/analytics"
	"github.com/imaas/gateway/redisclient"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// ModelTag discriminates the family of request a usage record belongs to.
type ModelTag string

const (
	TagChat      ModelTag = "chat"
	TagEmbedding ModelTag = "embedding"
	TagReranker  ModelTag = "reranker"
	TagTTS       ModelTag = "tts"
	TagASR       ModelTag = "asr"
)

// Meter sorted sets the billing job reads from. Each accumulates
// `amount` per "{user}:{model}:{channel}" member until it crosses its
// per-unit rate; members carry no token_type part.
const (
	MeterTokens  = "tokens_for_bill"
	MeterWords   = "words_for_bill"
	MeterCounts  = "counts_for_bill"
	MeterSeconds = "seconds_for_bill"
)

// meterRate is the billable unit size for each meter (tokens/words bill
// per thousand, counts/seconds bill per one).
var meterRate = map[string]int64{
	MeterTokens:  1000,
	MeterWords:   1000,
	MeterCounts:  1,
	MeterSeconds: 1,
}

// InvokeRecord is one successfully completed upstream call.
type InvokeRecord struct {
	Model      string    `json:"model"`
	ChannelID  string    `json:"channel_id"`
	UserID     string    `json:"user_id"`
	APIKey     string    `json:"api_key"`
	ModelTag   ModelTag  `json:"model_tag"`
	DateTime   time.Time `json:"date_time"`
	CostTime   float64   `json:"cost_time"`
	TraceID    string    `json:"trace_id"`

	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	CachedTokens     int `json:"cached_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
	Words            int `json:"words,omitempty"`
	Seconds          int `json:"seconds,omitempty"`
}

// ErrorRecord is one failed upstream call.
type ErrorRecord struct {
	Model     string    `json:"model"`
	ChannelID string    `json:"channel_id"`
	UserID    string    `json:"user_id"`
	APIKey    string    `json:"api_key"`
	DateTime  time.Time `json:"date_time"`
	CostTime  float64   `json:"cost_time"`
	Err       string    `json:"err"`
	Message   string    `json:"message"`
	Stream    bool      `json:"stream"`
	TraceID   string    `json:"trace_id"`
}

// meterFor maps a model tag to the meter sorted set it bills against and
// the billable amount for this record. ok is false for tags that don't
// bill (none today, but new tags default to "no billing" rather than a
// panic).
func meterFor(rec InvokeRecord) (meterKey, unit string, amount int64, ok bool) {
	switch rec.ModelTag {
	case TagChat, TagEmbedding, TagReranker:
		return MeterTokens, "token", int64(rec.TotalTokens), true
	case TagTTS:
		return MeterWords, "word", int64(rec.Words), true
	case TagASR:
		return MeterSeconds, "second", int64(rec.Seconds), true
	default:
		return "", "", 0, false
	}
}

func meterMember(userID, model, channelID string) string {
	return fmt.Sprintf("%s:%s:%s", userID, model, channelID)
}

// MeterKey returns the sorted-set key a meter's counts are written to
// (the meter name itself).
func MeterKey(meter string) string { return meter }

// Publisher is the write side: the proxy engine calls PublishInvoke /
// PublishError once per request, fire-and-forget from the caller's point
// of view (the caller logs but does not block on pipeline backpressure).
type Publisher struct {
	redis        *redisclient.Client
	invokeStream string
	errorStream  string
	maxLen       int64
}

func NewPublisher(redis *redisclient.Client, invokeStream, errorStream string, maxLen int64) *Publisher {
	return &Publisher{redis: redis, invokeStream: invokeStream, errorStream: errorStream, maxLen: maxLen}
}

func (p *Publisher) PublishInvoke(ctx context.Context, rec InvokeRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = p.redis.XAddMaxLen(ctx, p.invokeStream, p.maxLen, map[string]interface{}{"data": string(body)})
	return err
}

func (p *Publisher) PublishError(ctx context.Context, rec ErrorRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = p.redis.XAddMaxLen(ctx, p.errorStream, p.maxLen, map[string]interface{}{"data": string(body)})
	return err
}

// PrometheusSeeder recovers a counter's pre-restart value so a freshly
// started process doesn't under-report token_usage_total for a label set
// it has already been emitting to before the restart.
type PrometheusSeeder interface {
	QueryMax(ctx context.Context, metric string, labels map[string]string, window time.Duration) (float64, bool, error)
}

// Consumer drains the invoke/error streams through a named consumer
// group, so a crash mid-batch redelivers unacked entries to whichever
// replica picks the lock up next.
type Consumer struct {
	redis  *redisclient.Client
	logger zerolog.Logger

	invokeStream string
	errorStream  string
	group        string

	billingEnabled bool
	seeder         PrometheusSeeder
	seededLabels   map[string]bool

	sink *analytics.Pipeline

	tokenUsage *prometheus.CounterVec
	apiErrors  *prometheus.CounterVec
}

func NewConsumer(redis *redisclient.Client, logger zerolog.Logger, invokeStream, errorStream, group string, sink *analytics.Pipeline, seeder PrometheusSeeder, billingEnabled bool) *Consumer {
	return &Consumer{
		redis:          redis,
		logger:         logger.With().Str("component", "usage_consumer").Logger(),
		invokeStream:   invokeStream,
		errorStream:    errorStream,
		group:          group,
		billingEnabled: billingEnabled,
		seeder:         seeder,
		seededLabels:   make(map[string]bool),
		sink:           sink,
		tokenUsage: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "token_usage_total",
			Help: "Units of usage billed to a caller, by token/word/second type.",
		}, []string{"user_id", "model", "api_key", "token_type", "unit"}),
		apiErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imaas_api_error",
			Help: "Upstream call failures observed by the proxy engine.",
		}, []string{"model", "channel_id", "user_id", "api_key", "err", "stream"}),
	}
}

// Collectors returns the metrics this consumer owns, for registration
// against the process's Prometheus registerer.
func (c *Consumer) Collectors() []prometheus.Collector {
	return []prometheus.Collector{c.tokenUsage, c.apiErrors}
}

// RunInvokeConsumer blocks, draining the invoke stream until ctx is cancelled.
func (c *Consumer) RunInvokeConsumer(ctx context.Context, consumerName string) error {
	if err := c.redis.EnsureGroup(ctx, c.invokeStream, c.group); err != nil {
		return fmt.Errorf("ensure invoke consumer group: %w", err)
	}
	c.logger.Info().Str("stream", c.invokeStream).Msg("starting usage invoke consumer")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		messages, err := c.redis.XReadGroupFrom(ctx, c.invokeStream, c.group, consumerName, 100, 10*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error().Err(err).Msg("invoke stream read failed")
			time.Sleep(time.Second)
			continue
		}
		for _, msg := range messages {
			if rec, ok := decodeInvoke(msg.Values); ok {
				c.processInvoke(ctx, rec)
			} else {
				c.logger.Warn().Str("id", msg.ID).Msg("dropping undecodable invoke record")
			}
			if err := c.redis.XAck(ctx, c.invokeStream, c.group, msg.ID); err != nil {
				c.logger.Error().Err(err).Str("id", msg.ID).Msg("ack failed, will be redelivered")
			}
		}
	}
}

// RunErrorConsumer blocks, draining the error stream until ctx is cancelled.
func (c *Consumer) RunErrorConsumer(ctx context.Context, consumerName string) error {
	if err := c.redis.EnsureGroup(ctx, c.errorStream, c.group); err != nil {
		return fmt.Errorf("ensure error consumer group: %w", err)
	}
	c.logger.Info().Str("stream", c.errorStream).Msg("starting usage error consumer")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		messages, err := c.redis.XReadGroupFrom(ctx, c.errorStream, c.group, consumerName, 100, 10*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error().Err(err).Msg("error stream read failed")
			time.Sleep(time.Second)
			continue
		}
		for _, msg := range messages {
			if rec, ok := decodeError(msg.Values); ok {
				c.processError(rec)
			} else {
				c.logger.Warn().Str("id", msg.ID).Msg("dropping undecodable error record")
			}
			if err := c.redis.XAck(ctx, c.errorStream, c.group, msg.ID); err != nil {
				c.logger.Error().Err(err).Str("id", msg.ID).Msg("ack failed, will be redelivered")
			}
		}
	}
}

func (c *Consumer) processInvoke(ctx context.Context, rec InvokeRecord) {
	meterKey, unit, amount, billable := meterFor(rec)
	if unit != "" {
		c.bumpCounter(ctx, rec, unit, amount)
	}

	if c.billingEnabled && billable && amount > 0 {
		member := meterMember(rec.UserID, rec.Model, rec.ChannelID)
		if _, err := c.redis.ZIncrBy(ctx, meterKey, float64(amount), member); err != nil {
			c.logger.Error().Err(err).Str("meter", meterKey).Msg("meter increment failed")
		}
	}

	if c.sink != nil {
		c.sink.TrackRequest(toRequestEvent(rec))
	}
}

func (c *Consumer) processError(rec ErrorRecord) {
	streamLabel := "0"
	if rec.Stream {
		streamLabel = "1"
	}
	c.apiErrors.WithLabelValues(rec.Model, rec.ChannelID, rec.UserID, rec.APIKey, rec.Err, streamLabel).Inc()
}

// bumpCounter seeds the in-process counter from Prometheus's own history
// the first time this label combination is seen since process start, then
// adds the record's amount on top.
func (c *Consumer) bumpCounter(ctx context.Context, rec InvokeRecord, unit string, amount int64) {
	labels := map[string]string{"user_id": rec.UserID, "model": rec.Model, "api_key": rec.APIKey, "token_type": string(rec.ModelTag), "unit": unit}
	labelKey := fmt.Sprintf("%s|%s|%s|%s|%s", labels["user_id"], labels["model"], labels["api_key"], labels["token_type"], labels["unit"])

	if c.seeder != nil && !c.seededLabels[labelKey] {
		if seed, found, err := c.seeder.QueryMax(ctx, "token_usage_total", labels, 30*24*time.Hour); err == nil && found {
			c.tokenUsage.With(labels).Add(seed)
		} else if err != nil {
			c.logger.Warn().Err(err).Msg("prometheus seed query failed, starting counter from 0")
		}
		c.seededLabels[labelKey] = true
	}

	c.tokenUsage.With(labels).Add(float64(amount))
}

func toRequestEvent(rec InvokeRecord) analytics.RequestEvent {
	return analytics.RequestEvent{
		TraceID:          rec.TraceID,
		UserID:           rec.UserID,
		APIKeyHash:       rec.APIKey,
		Model:            rec.Model,
		Endpoint:         string(rec.ModelTag),
		PromptTokens:     rec.PromptTokens,
		CompletionTokens: rec.CompletionTokens,
		TotalTokens:      rec.TotalTokens,
		LatencyMs:        int(rec.CostTime * 1000),
		CreatedAt:        rec.DateTime,
	}
}

func decodeInvoke(values map[string]interface{}) (InvokeRecord, bool) {
	raw, ok := values["data"].(string)
	if !ok || raw == "" {
		return InvokeRecord{}, false
	}
	var rec InvokeRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return InvokeRecord{}, false
	}
	return rec, true
}

func decodeError(values map[string]interface{}) (ErrorRecord, bool) {
	raw, ok := values["data"].(string)
	if !ok || raw == "" {
		return ErrorRecord{}, false
	}
	var rec ErrorRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return ErrorRecord{}, false
	}
	return rec, true
}
