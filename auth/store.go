package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/imaas/gateway/eventbus"
)

// Backend is the durable api-key collaborator (a database table in
// production). CachedKeyStore wraps it with the short-TTL cache SPEC_FULL.md
// calls for, so most lookups never reach it.
type Backend interface {
	LookupByHash(ctx context.Context, keyHash string) (*ApiKey, error)
	SetLastUsedAt(ctx context.Context, keyHash string, at time.Time) error
}

// CachedKeyStore is the production KeyStore: a TtlCache in front of a
// Backend, with last_used_at writes buffered in memory and flushed
// periodically instead of on every request.
type CachedKeyStore struct {
	backend Backend
	cache   *eventbus.TtlCache[string, *ApiKey]

	mu      sync.Mutex
	pending map[string]time.Time // key hash -> most recent observed use
}

// NewCachedKeyStore creates a store with the given cache TTL (SPEC_FULL.md
// recommends ~10 minutes).
func NewCachedKeyStore(backend Backend, ttl time.Duration) (*CachedKeyStore, error) {
	cache, err := eventbus.NewTtlCache[string, *ApiKey](10000, ttl)
	if err != nil {
		return nil, err
	}
	return &CachedKeyStore{
		backend: backend,
		cache:   cache,
		pending: make(map[string]time.Time),
	}, nil
}

func HashKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

func (s *CachedKeyStore) Lookup(ctx context.Context, rawKey string) (*ApiKey, error) {
	hash := HashKey(rawKey)
	if key, ok := s.cache.Get(hash); ok {
		return key, nil
	}
	key, err := s.backend.LookupByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	s.cache.Set(hash, key)
	return key, nil
}

// TouchLastUsed records the use in memory; Flush is responsible for
// actually writing it to the backend. Only the maximum timestamp observed
// since the last flush is kept, so out-of-order delivery never moves
// last_used_at backwards.
func (s *CachedKeyStore) TouchLastUsed(ctx context.Context, rawKey string, at time.Time) {
	hash := HashKey(rawKey)
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.pending[hash]; !ok || at.After(prev) {
		s.pending[hash] = at
	}
}

// Flush writes every buffered last_used_at timestamp to the backend and
// clears the buffer. Intended to be called by a local periodic job
// (SPEC_FULL.md §4.5 / §4.10) running on every replica.
func (s *CachedKeyStore) Flush(ctx context.Context) error {
	s.mu.Lock()
	batch := s.pending
	s.pending = make(map[string]time.Time)
	s.mu.Unlock()

	for hash, at := range batch {
		if err := s.backend.SetLastUsedAt(ctx, hash, at); err != nil {
			return err
		}
	}
	return nil
}

// InvalidateCache drops a cached record, used by the eventbus eviction
// subscriber when a key's status or level changes out from under us.
func (s *CachedKeyStore) InvalidateCache(rawKey string) {
	s.cache.Delete(HashKey(rawKey))
}
