// Package auth implements the gateway's pre-flight: turning a bearer
// token into a validated, rate-limit-cleared api key before a request is
// allowed to reach the proxy engine.
package auth

import (
	"context"
	"errors"
	"time"

	"github.com/imaas/gateway/eventbus"
)

// Status is an api key's administrative state.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

// ApiKey is the authentication record looked up by the raw key material.
type ApiKey struct {
	ID      string
	OwnerID string
	Level   string
	Status  Status
}

// ErrMissingToken means no bearer token was presented.
var ErrMissingToken = errors.New("no authentication token provided")

// ErrInvalidToken means the token doesn't match any known api key.
var ErrInvalidToken = errors.New("invalid api key")

// ErrInactiveToken means the key exists but isn't active.
var ErrInactiveToken = errors.New("api key is not active")

// ErrInsufficientBalance means the owning account can't afford this call.
var ErrInsufficientBalance = errors.New("insufficient balance")

// ErrRateLimited means the caller has exceeded its rpm/tpm ceiling.
var ErrRateLimited = errors.New("rate limit exceeded")

// KeyStore resolves raw api key material to a record. Implementations are
// expected to cache aggressively (SPEC_FULL.md recommends a ~10 minute
// TTL); this package doesn't own the cache itself so the same store can
// back multiple gateway replicas independently.
type KeyStore interface {
	Lookup(ctx context.Context, rawKey string) (*ApiKey, error)
	// TouchLastUsed records that rawKey was just used. Implementations may
	// buffer this and flush periodically — see LastUsedFlusher.
	TouchLastUsed(ctx context.Context, rawKey string, at time.Time)
}

// BalanceChecker reports whether an account can afford one more call
// against model. Expected to cache its verdict briefly (SPEC_FULL.md
// recommends ~8 minutes) since it's usually backed by a billing RPC.
type BalanceChecker interface {
	HasBalance(ctx context.Context, ownerID, model string) (bool, error)
}

// Limiter is the subset of ratelimit.Limiter that pre-flight needs.
type Limiter interface {
	Allow(ctx context.Context, apiKey, level, model string) (bool, error)
}

// Gate runs the full pre-flight sequence for one request.
type Gate struct {
	keys     KeyStore
	balances BalanceChecker
	limiter  Limiter
}

func NewGate(keys KeyStore, balances BalanceChecker, limiter Limiter) *Gate {
	return &Gate{keys: keys, balances: balances, limiter: limiter}
}

// Authorize validates rawKey, checks the owning account's balance for
// model, and clears the rate limiter, in that order — each step is
// allowed to short-circuit the rest, matching the original's
// validate_auth (status check before balance check before rate check).
// checkBilling/checkLimit let callers skip the balance or limiter checks
// for low-cost endpoints (e.g. /models) the way the original's
// check_billing/check_limit flags do.
func (g *Gate) Authorize(ctx context.Context, rawKey, model string, checkBilling, checkLimit bool) (*ApiKey, error) {
	if rawKey == "" {
		return nil, ErrMissingToken
	}

	key, err := g.keys.Lookup(ctx, rawKey)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, ErrInvalidToken
	}
	if key.Status != StatusActive {
		return nil, ErrInactiveToken
	}

	if checkBilling {
		// A failed balance probe fails open: only a definite
		// "insufficient" verdict rejects the request.
		ok, err := g.balances.HasBalance(ctx, key.OwnerID, model)
		if err == nil && !ok {
			return nil, ErrInsufficientBalance
		}
	}

	if checkLimit {
		ok, err := g.limiter.Allow(ctx, rawKey, key.Level, model)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrRateLimited
		}
	}

	g.keys.TouchLastUsed(ctx, rawKey, time.Now())
	return key, nil
}

// EvictOnKeyChange wires a KeyStore's cache invalidation to the event bus,
// so a key edited through the admin API is immediately reflected across
// every gateway replica rather than waiting out its TTL.
func EvictOnKeyChange(deleteCached func(rawKey string)) eventbus.EvictSubscriber {
	return eventbus.EvictSubscriber{
		Module: eventbus.ModuleAPIKey,
		Delete: func(params []interface{}) {
			if len(params) == 0 {
				return
			}
			if rawKey, ok := params[0].(string); ok {
				deleteCached(rawKey)
			}
		},
	}
}
