// Package redisclient wraps the shared go-redis client used by every
// Redis-backed component: the rate limiter's sorted sets, the event bus's
// stream, the distributed lock, and the billing meters.
package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/imaas/gateway/config"
	"github.com/redis/go-redis/v9"
)

// Client wraps *redis.Client, exposing the subset of commands the gateway's
// components need directly while keeping Raw() available for anything else.
type Client struct {
	c *redis.Client
}

// New creates a Redis client from the provided config. Returns an error
// if the Redis URL cannot be parsed.
func New(cfg *config.Config) (*Client, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	r := redis.NewClient(opt)
	return &Client{c: r}, nil
}

// NewFromRedisClient wraps an already-constructed *redis.Client (used by
// tests against miniredis).
func NewFromRedisClient(c *redis.Client) *Client {
	return &Client{c: c}
}

// Raw returns the underlying go-redis client for commands this wrapper
// doesn't expose directly.
func (r *Client) Raw() *redis.Client { return r.c }

func (r *Client) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return r.c.Ping(ctx).Err()
}

func (r *Client) Close() error {
	return r.c.Close()
}

// Get/SetEX/Del are plain string primitives; Get backs the distributed
// lock's ownership check.
func (r *Client) Get(ctx context.Context, key string) (string, error) {
	return r.c.Get(ctx, key).Result()
}

func (r *Client) SetEX(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.c.Set(ctx, key, value, ttl).Err()
}

func (r *Client) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.c.Del(ctx, keys...).Err()
}

// SetNX is the primitive distributed locks are built from.
func (r *Client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return r.c.SetNX(ctx, key, value, ttl).Result()
}

func (r *Client) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return r.c.Expire(ctx, key, ttl).Result()
}

// Eval runs a Lua script (used by the atomic RPM admission check).
func (r *Client) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	return r.c.Eval(ctx, script, keys, args...).Result()
}

// ZAdd adds a single member/score pair to a sorted set.
func (r *Client) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return r.c.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (r *Client) ZIncrBy(ctx context.Context, key string, incr float64, member string) (float64, error) {
	return r.c.ZIncrBy(ctx, key, incr, member).Result()
}

func (r *Client) ZRemRangeByScore(ctx context.Context, key, min, max string) error {
	return r.c.ZRemRangeByScore(ctx, key, min, max).Err()
}

func (r *Client) ZCard(ctx context.Context, key string) (int64, error) {
	return r.c.ZCard(ctx, key).Result()
}

func (r *Client) ZRangeByScoreWithScores(ctx context.Context, key string, min, max string) ([]redis.Z, error) {
	return r.c.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{Min: min, Max: max}).Result()
}

// ZScanAll drains a sorted set's full member/score contents via ZSCAN,
// following the cursor until exhausted. Used by the TPM admission check,
// which trims expired entries incrementally rather than atomically.
func (r *Client) ZScanAll(ctx context.Context, key string) ([]string, error) {
	var out []string
	var cursor uint64
	for {
		keys, next, err := r.c.ZScan(ctx, key, cursor, "*", 100).Result()
		if err != nil {
			return nil, err
		}
		out = append(out, keys...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

func (r *Client) ZRem(ctx context.Context, key string, members ...interface{}) error {
	return r.c.ZRem(ctx, key, members...).Err()
}

// XAddMaxLen appends to a stream, trimming it to roughly maxLen entries.
func (r *Client) XAddMaxLen(ctx context.Context, stream string, maxLen int64, values map[string]interface{}) (string, error) {
	return r.c.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxLen,
		Approx: true,
		Values: values,
	}).Result()
}

// XLastID returns the id of the most recent entry in a stream, or "0" if
// the stream is empty. Used by consumers to recover their read position on
// startup without replaying the entire backlog.
func (r *Client) XLastID(ctx context.Context, stream string) (string, error) {
	entries, err := r.c.XRevRangeN(ctx, stream, "+", "-", 1).Result()
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "0", nil
	}
	return entries[0].ID, nil
}

// XReadFrom performs a single blocking read of up to count entries after id.
func (r *Client) XReadFrom(ctx context.Context, stream, id string, count int64, block time.Duration) ([]redis.XMessage, error) {
	res, err := r.c.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, id},
		Count:   count,
		Block:   block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	if len(res) == 0 {
		return nil, nil
	}
	return res[0].Messages, nil
}

// EnsureGroup creates a consumer group starting from the beginning of the
// stream, so entries published before the group existed are delivered,
// tolerating the "already exists" case.
func (r *Client) EnsureGroup(ctx context.Context, stream, group string) error {
	err := r.c.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && isBusyGroupErr(err) {
		return nil
	}
	return err
}

func isBusyGroupErr(err error) bool {
	return err != nil && (err.Error() == "BUSYGROUP Consumer Group name already exists")
}

// XReadGroupFrom reads new entries (">") for a consumer group member.
func (r *Client) XReadGroupFrom(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]redis.XMessage, error) {
	res, err := r.c.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	if len(res) == 0 {
		return nil, nil
	}
	return res[0].Messages, nil
}

func (r *Client) XAck(ctx context.Context, stream, group string, ids ...string) error {
	return r.c.XAck(ctx, stream, group, ids...).Err()
}
