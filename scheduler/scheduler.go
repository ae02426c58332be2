// Package scheduler gates singleton background work (health checking, the
// billing sweep, the usage/error stream consumers) behind a distributed
// lock so exactly one replica runs each at a time, while letting
// per-replica periodics (the api-key last_used_at flush) run everywhere
// unconditionally.
package scheduler

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/imaas/gateway/redisclient"
	"github.com/rs/zerolog"
)

// GlobalJob is a long-running task, started only on the replica holding
// the lock, that blocks until ctx is cancelled (mirroring the usage
// consumers' and billing sweeper's own Run methods).
type GlobalJob func(ctx context.Context)

// LocalJob runs on every replica, invoked once immediately and then again
// every Interval until the scheduler stops.
type LocalJob struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context)
}

// Scheduler owns the global-job lock lifecycle and the local periodic
// tickers. Grounded on the original's GlobalJob/global_task
// (global_server_job.py) for the acquire-or-backoff retry loop, and on the
// teacher's health Checker.Start/loop shape (channel/health.go) for the
// ticker-driven local-job runner.
type Scheduler struct {
	redis    *redisclient.Client
	logger   zerolog.Logger
	lockKey  string
	identity string
	expire   time.Duration

	globalJobs []GlobalJob
	localJobs  []LocalJob
}

// New creates a scheduler. lockKey identifies the global-job lock (shared
// across every replica of this gateway); expire is the lock TTL
// (GLOBAL_JOB_EXPIRE, default 600s).
func New(redis *redisclient.Client, logger zerolog.Logger, lockKey string, expire time.Duration) *Scheduler {
	if expire <= 0 {
		expire = 600 * time.Second
	}
	return &Scheduler{
		redis:    redis,
		logger:   logger.With().Str("component", "scheduler").Logger(),
		lockKey:  lockKey,
		identity: WorkerIdentity(),
		expire:   expire,
	}
}

// RegisterGlobal adds a singleton job, started once this replica holds the
// lock and stopped (its context cancelled) as soon as the lock is lost.
func (s *Scheduler) RegisterGlobal(job GlobalJob) {
	s.globalJobs = append(s.globalJobs, job)
}

// RegisterLocal adds a periodic job run on every replica independently.
func (s *Scheduler) RegisterLocal(job LocalJob) {
	s.localJobs = append(s.localJobs, job)
}

// Run blocks until ctx is cancelled: local jobs tick unconditionally,
// global jobs run only while this replica holds the lock, re-attempting
// acquisition with jittered backoff whenever it doesn't (or no longer
// does).
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup

	for _, job := range s.localJobs {
		wg.Add(1)
		go func(j LocalJob) {
			defer wg.Done()
			s.runLocal(ctx, j)
		}(job)
	}

	if len(s.globalJobs) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runGlobalLoop(ctx)
		}()
	}

	wg.Wait()
}

func (s *Scheduler) runLocal(ctx context.Context, job LocalJob) {
	logger := s.logger.With().Str("job", job.Name).Logger()
	logger.Info().Dur("interval", job.Interval).Msg("starting local periodic job")

	s.invokeLocal(ctx, logger, job)

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("stopping local periodic job")
			return
		case <-ticker.C:
			s.invokeLocal(ctx, logger, job)
		}
	}
}

func (s *Scheduler) invokeLocal(ctx context.Context, logger zerolog.Logger, job LocalJob) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("local job panicked")
		}
	}()
	job.Run(ctx)
}

func (s *Scheduler) runGlobalLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		lock := NewDLock(s.redis, s.logger, s.lockKey, s.identity, s.expire)
		acquired, err := lock.Acquire(ctx)
		if err != nil {
			s.logger.Error().Err(err).Msg("global lock acquire failed")
			if !s.sleepBackoff(ctx) {
				return
			}
			continue
		}
		if !acquired {
			if !s.sleepBackoff(ctx) {
				return
			}
			continue
		}

		s.logger.Info().Str("lock", s.lockKey).Msg("holding global job lock, starting global jobs")
		if !s.runGlobalJobs(ctx, lock) {
			return
		}
	}
}

// runGlobalJobs runs every registered global job under a context tied both
// to the scheduler's own ctx and to the lock: it returns once either is
// cancelled/lost. The bool return is false only when the outer ctx itself
// ended (signalling the caller to stop retrying entirely).
func (s *Scheduler) runGlobalJobs(ctx context.Context, lock *DLock) bool {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for _, job := range s.globalJobs {
		wg.Add(1)
		go func(j GlobalJob) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error().Interface("panic", r).Msg("global job panicked")
				}
			}()
			j(jobCtx)
		}(job)
	}

	select {
	case <-ctx.Done():
		cancel()
		wg.Wait()
		lock.Release(context.Background())
		return false
	case <-lock.Lost():
		s.logger.Warn().Str("lock", s.lockKey).Msg("lost global job lock, stopping global jobs")
		cancel()
		wg.Wait()
		return true
	}
}

// sleepBackoff waits a random duration in [expire/3, expire/2) before the
// next acquisition attempt, matching the original loser's retry cadence.
// Returns false if ctx ended while waiting.
func (s *Scheduler) sleepBackoff(ctx context.Context) bool {
	lo := int64(s.expire / 3)
	hi := int64(s.expire / 2)
	if hi <= lo {
		hi = lo + 1
	}
	wait := time.Duration(lo + rand.Int63n(hi-lo))

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
