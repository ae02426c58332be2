package scheduler

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/imaas/gateway/redisclient"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DLock is a Redis-backed distributed lock that renews its own TTL for as
// long as it holds the key, and silently disarms if another process steals
// or outlives it — callers must tolerate losing the lock without warning
// and watch Lost() rather than assume Acquire grants permanent ownership.
//
// Grounded directly on the original's DLock (common/utils/dlock.py):
// reentrant SET NX EX acquisition keyed by a stable per-process value, a
// renewer goroutine re-setting the TTL every expire/3, and self-disarming
// once the stored value no longer matches what this instance wrote.
type DLock struct {
	redis  *redisclient.Client
	logger zerolog.Logger
	key    string
	value  string
	expire time.Duration

	mu     sync.Mutex
	held   bool
	cancel context.CancelFunc
	lost   chan struct{}
}

// WorkerIdentity returns the value this process claims locks with:
// hostname + pid, matching the original's `HOSTNAME-pid` convention.
func WorkerIdentity() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// NewDLock builds a lock over key, claimed under value (use a fresh DLock
// per acquisition attempt — it is not meant to be re-armed after Release
// or after losing the lock).
func NewDLock(redis *redisclient.Client, logger zerolog.Logger, key, value string, expire time.Duration) *DLock {
	if expire <= 0 {
		expire = 600 * time.Second
	}
	return &DLock{
		redis:  redis,
		logger: logger.With().Str("component", "dlock").Str("lock_key", key).Logger(),
		key:    key,
		value:  value,
		expire: expire,
		lost:   make(chan struct{}),
	}
}

// Acquire attempts to claim the lock, reentrantly succeeding if this
// instance's value is already the current holder. On success it starts a
// background renewer and returns true; Lost() closes if the renewer later
// finds the key gone or held by someone else.
func (l *DLock) Acquire(ctx context.Context) (bool, error) {
	current, err := l.redis.Get(ctx, l.key)
	if err != nil && err != redis.Nil {
		return false, err
	}
	if err == nil && current == l.value {
		l.arm()
		return true, nil
	}

	ok, err := l.redis.SetNX(ctx, l.key, l.value, l.expire)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	l.logger.Info().Msg("acquired distributed lock")
	l.arm()
	return true, nil
}

// Release gives up the lock immediately if this instance still holds it,
// stopping the renewer and deleting the key only if no one else has
// already taken it over.
func (l *DLock) Release(ctx context.Context) {
	l.mu.Lock()
	wasHeld := l.held
	if l.cancel != nil {
		l.cancel()
	}
	l.held = false
	l.mu.Unlock()

	if !wasHeld {
		return
	}

	current, err := l.redis.Get(ctx, l.key)
	if err != nil {
		return
	}
	if current == l.value {
		_ = l.redis.Del(ctx, l.key)
		l.logger.Info().Msg("released distributed lock")
	}
}

// Lost returns a channel that closes once the renewer observes the lock
// key no longer belongs to this instance (expired or stolen). It never
// closes if Release is called first.
func (l *DLock) Lost() <-chan struct{} {
	return l.lost
}

func (l *DLock) arm() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return
	}
	l.held = true
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	go l.renew(ctx)
}

func (l *DLock) renew(ctx context.Context) {
	interval := l.expire / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current, err := l.redis.Get(context.Background(), l.key)
			if err != nil || current != l.value {
				l.logger.Warn().Msg("lock expired or stolen, disarming")
				l.disarm()
				return
			}
			if _, err := l.redis.Expire(context.Background(), l.key, l.expire); err != nil {
				l.logger.Error().Err(err).Msg("failed to renew lock TTL")
			}
		}
	}
}

func (l *DLock) disarm() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return
	}
	l.held = false
	close(l.lost)
}
