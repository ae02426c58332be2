package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticBalance struct {
	ok  bool
	err error
}

func (b staticBalance) HasBalance(ctx context.Context, ownerID, model string) (bool, error) {
	return b.ok, b.err
}

type staticLimiter struct {
	ok  bool
	err error
}

func (l staticLimiter) Allow(ctx context.Context, apiKey, level, model string) (bool, error) {
	return l.ok, l.err
}

func newGate(t *testing.T, balanceOK, limiterOK bool) (*Gate, *MemoryBackend, *CachedKeyStore) {
	t.Helper()
	backend := NewMemoryBackend()
	store, err := NewCachedKeyStore(backend, time.Minute)
	require.NoError(t, err)
	gate := NewGate(store, staticBalance{ok: balanceOK}, staticLimiter{ok: limiterOK})
	return gate, backend, store
}

func TestAuthorizeHappyPath(t *testing.T) {
	gate, backend, _ := newGate(t, true, true)
	raw, _, err := backend.GenerateKey("free")
	require.NoError(t, err)

	key, err := gate.Authorize(context.Background(), raw, "gpt-4o", true, true)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, key.Status)
	assert.True(t, backend.VerifyBcrypt(raw))
}

func TestAuthorizeMissingToken(t *testing.T) {
	gate, _, _ := newGate(t, true, true)
	_, err := gate.Authorize(context.Background(), "", "gpt-4o", true, true)
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestAuthorizeInvalidToken(t *testing.T) {
	gate, _, _ := newGate(t, true, true)
	_, err := gate.Authorize(context.Background(), "sk-does-not-exist", "gpt-4o", true, true)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthorizeInactiveKey(t *testing.T) {
	gate, backend, _ := newGate(t, true, true)
	raw, _, err := backend.GenerateKey("free")
	require.NoError(t, err)
	backend.SetStatus(raw, StatusSuspended)

	_, err = gate.Authorize(context.Background(), raw, "gpt-4o", true, true)
	assert.ErrorIs(t, err, ErrInactiveToken)
}

func TestAuthorizeInsufficientBalance(t *testing.T) {
	gate, backend, _ := newGate(t, false, true)
	raw, _, err := backend.GenerateKey("free")
	require.NoError(t, err)

	_, err = gate.Authorize(context.Background(), raw, "gpt-4o", true, true)
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestAuthorizeRateLimited(t *testing.T) {
	gate, backend, _ := newGate(t, true, false)
	raw, _, err := backend.GenerateKey("free")
	require.NoError(t, err)

	_, err = gate.Authorize(context.Background(), raw, "gpt-4o", true, true)
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestAuthorizeSkipsBillingAndLimitWhenDisabled(t *testing.T) {
	gate, backend, _ := newGate(t, false, false)
	raw, _, err := backend.GenerateKey("free")
	require.NoError(t, err)

	_, err = gate.Authorize(context.Background(), raw, "gpt-4o", false, false)
	require.NoError(t, err)
}

func TestLastUsedAtNeverMovesBackwards(t *testing.T) {
	gate, backend, store := newGate(t, true, true)
	raw, _, err := backend.GenerateKey("free")
	require.NoError(t, err)

	_, err = gate.Authorize(context.Background(), raw, "gpt-4o", true, true)
	require.NoError(t, err)

	later := time.Now().Add(time.Hour)
	store.TouchLastUsed(context.Background(), raw, later)
	store.TouchLastUsed(context.Background(), raw, later.Add(-time.Minute)) // older, should be ignored

	require.NoError(t, store.Flush(context.Background()))
	assert.WithinDuration(t, later, backend.LastUsedAt(raw), time.Second)
}

func TestCachedKeyStoreServesFromCacheAfterFirstLookup(t *testing.T) {
	backend := NewMemoryBackend()
	store, err := NewCachedKeyStore(backend, time.Minute)
	require.NoError(t, err)
	raw, _, err := backend.GenerateKey("free")
	require.NoError(t, err)

	first, err := store.Lookup(context.Background(), raw)
	require.NoError(t, err)
	require.NotNil(t, first)

	backend.SetStatus(raw, StatusSuspended)

	cached, err := store.Lookup(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, cached.Status, "cached record should not reflect the out-of-band status change yet")

	store.InvalidateCache(raw)
	fresh, err := store.Lookup(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, fresh.Status)
}
