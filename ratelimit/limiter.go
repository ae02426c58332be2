// Package ratelimit enforces per-api-key requests-per-minute and
// tokens-per-minute ceilings backed by Redis sorted sets. RPM admission is
// atomic (a single Lua script does remove-expired + count + conditional
// add); TPM accounting trims and sums non-atomically, since it is treated
// as a post-admission usage signal rather than a hard gate.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/imaas/gateway/redisclient"
	"github.com/rs/zerolog"
)

// Unlimited is the sentinel limit value meaning "do not enforce".
const Unlimited = -1

const windowSize = 60 * time.Second

// rpmLuaScript performs remove-expired + count + conditional-add
// atomically so concurrent requests from the same key can't all slip
// through between the count and the add. Each admitted request is stored
// under its own member (ARGV[4]) scored by its millisecond timestamp, so
// requests landing in the same millisecond are still counted separately.
const rpmLuaScript = `
local window_start = ARGV[1] - (ARGV[3] * 1000)
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', window_start)
local count = redis.call('ZCARD', KEYS[1])
if count < tonumber(ARGV[2]) then
	redis.call('ZADD', KEYS[1], ARGV[1], ARGV[4])
	redis.call('EXPIRE', KEYS[1], 3600)
	return 1
else
	return 0
end
`

// Limits is the RPM/TPM ceiling for one (level, model) pair.
type Limits struct {
	RPM int
	TPM int
}

// LimitSource resolves the configured RPM/TPM for a user level and model,
// the cascading level+model -> level+default -> configured-default lookup
// described in SPEC_FULL.md §4.4. Implementations typically read from a
// small Redis-cached table backed by a database row.
type LimitSource interface {
	Limits(ctx context.Context, level, model string) (Limits, error)
}

// Limiter enforces RPM/TPM ceilings per api key.
type Limiter struct {
	redis     *redisclient.Client
	limits    LimitSource
	logger    zerolog.Logger
	failOpen  bool
	keyPrefix string

	mu       sync.Mutex
	fallback map[string]*slidingWindow
}

// New creates a limiter. keyPrefix namespaces Redis keys (e.g. "imaas:").
func New(redis *redisclient.Client, limits LimitSource, logger zerolog.Logger, failOpen bool, keyPrefix string) *Limiter {
	return &Limiter{
		redis:     redis,
		limits:    limits,
		logger:    logger.With().Str("component", "ratelimit").Logger(),
		failOpen:  failOpen,
		keyPrefix: keyPrefix,
		fallback:  make(map[string]*slidingWindow),
	}
}

// Allow checks both RPM admission and TPM admission for a request. TPM is
// judged against the rolling window RecordTokenUsage has already
// accumulated from this key's completed requests — Allow itself never
// knows this request's own token count, since that isn't known until the
// upstream responds. A limit-lookup error is handled per the configured
// fail-open policy. A Redis error on the RPM check falls back to an
// in-process sliding window, so a momentary Redis outage degrades
// gracefully rather than either admitting everything or blocking
// everything; a Redis error on the TPM check admits. Neither Redis case
// consults the fail-open setting.
func (l *Limiter) Allow(ctx context.Context, apiKey, level, model string) (bool, error) {
	limits, err := l.limits.Limits(ctx, level, model)
	if err != nil {
		l.logger.Warn().Err(err).Msg("limit lookup failed, using fail-open default")
		if !l.failOpen {
			return false, err
		}
		return true, nil
	}

	if limits.RPM != Unlimited {
		ok, err := l.checkRPM(ctx, apiKey, model, limits.RPM)
		if err != nil {
			l.logger.Warn().Err(err).Str("api_key", redactKey(apiKey)).Msg("rpm check failed against redis, using in-process fallback")
			return l.fallbackAllow(apiKey, limits.RPM), nil
		}
		if !ok {
			return false, nil
		}
	}

	if limits.TPM != Unlimited {
		ok, err := l.checkTPM(ctx, apiKey, model, limits.TPM)
		if err != nil {
			l.logger.Warn().Err(err).Str("api_key", redactKey(apiKey)).Msg("tpm check failed against redis, failing open")
			return true, nil
		}
		if !ok {
			return false, nil
		}
	}

	return true, nil
}

// checkTPM reports whether the rolling tpm window recorded by
// RecordTokenUsage is already at or over limit, without adding a sample —
// Allow runs pre-flight, before this request's own usage is known.
func (l *Limiter) checkTPM(ctx context.Context, apiKey, model string, limit int) (bool, error) {
	total, err := l.sumAndTrimTPM(ctx, l.tpmKey(apiKey, model))
	if err != nil {
		return false, err
	}
	return total < limit, nil
}

// RecordTokenUsage appends a token-usage sample once a request's actual
// token count is known, and reports whether the rolling tpm window is
// still within limits. Unlike Allow, a failure here never blocks the
// request — it's accounting for the next request's admission check, not
// admission itself.
func (l *Limiter) RecordTokenUsage(ctx context.Context, apiKey, level, model string, tokens int) (bool, error) {
	limits, err := l.limits.Limits(ctx, level, model)
	if err != nil || limits.TPM == Unlimited {
		return true, nil
	}

	key := l.tpmKey(apiKey, model)
	member := fmt.Sprintf("%d-%d", time.Now().UnixNano(), tokens)
	if err := l.redis.ZAdd(ctx, key, float64(tokens), member); err != nil {
		return true, err
	}
	_, _ = l.redis.Expire(ctx, key, time.Hour)

	total, err := l.sumAndTrimTPM(ctx, key)
	if err != nil {
		return true, err
	}
	return total < limits.TPM, nil
}

func (l *Limiter) checkRPM(ctx context.Context, apiKey, model string, limit int) (bool, error) {
	key := l.rpmKey(apiKey, model)
	nowMs := time.Now().UnixMilli()
	member := strconv.FormatInt(time.Now().UnixNano(), 10)
	res, err := l.redis.Eval(ctx, rpmLuaScript, []string{key}, nowMs, limit, int(windowSize.Seconds()), member)
	if err != nil {
		return false, err
	}
	n, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected rpm script result %v", res)
	}
	return n == 1, nil
}

// sumAndTrimTPM drains the tpm bucket via ZSCAN, removing members whose
// encoded timestamp has fallen out of the window and summing the scores
// (token counts) of the rest. Non-atomic by design: a concurrent writer
// may add a member between the scan and the trim, which only means this
// particular check under-counts by one sample, an acceptable tradeoff for
// a non-admission accounting signal.
func (l *Limiter) sumAndTrimTPM(ctx context.Context, key string) (int, error) {
	members, err := l.redis.ZScanAll(ctx, key)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-windowSize).UnixNano()

	total := 0
	for i := 0; i+1 < len(members); i += 2 {
		member := members[i]
		score := members[i+1]
		ts, tokens, ok := parseTPMMember(member, score)
		if !ok {
			continue
		}
		if ts < cutoff {
			_ = l.redis.ZRem(ctx, key, member)
			continue
		}
		total += tokens
	}
	return total, nil
}

func parseTPMMember(member, scoreStr string) (int64, int, bool) {
	parts := strings.SplitN(member, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	ts, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	scoreF, err := strconv.ParseFloat(scoreStr, 64)
	if err != nil {
		return 0, 0, false
	}
	return ts, int(scoreF), true
}

func (l *Limiter) rpmKey(apiKey, model string) string {
	return fmt.Sprintf("%srate:rpm:%s:%s", l.keyPrefix, apiKey, model)
}

func (l *Limiter) tpmKey(apiKey, model string) string {
	return fmt.Sprintf("%srate:tpm:%s:%s", l.keyPrefix, apiKey, model)
}

func (l *Limiter) fallbackAllow(apiKey string, rpm int) bool {
	l.mu.Lock()
	w, ok := l.fallback[apiKey]
	if !ok {
		w = newSlidingWindow(rpm)
		l.fallback[apiKey] = w
	}
	l.mu.Unlock()
	return w.allow()
}

func redactKey(apiKey string) string {
	if len(apiKey) <= 8 {
		return "***"
	}
	return apiKey[:4] + "..." + apiKey[len(apiKey)-4:]
}
