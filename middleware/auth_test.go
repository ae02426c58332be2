package middleware

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/imaas/gateway/auth"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticBalance struct{ ok bool }

func (b staticBalance) HasBalance(ctx context.Context, ownerID, model string) (bool, error) {
	return b.ok, nil
}

type staticLimiter struct{ ok bool }

func (l staticLimiter) Allow(ctx context.Context, apiKey, level, model string) (bool, error) {
	return l.ok, nil
}

func newTestAuthMiddleware(t *testing.T, balanceOK, limitOK bool) (*AuthMiddleware, *auth.MemoryBackend) {
	t.Helper()
	backend := auth.NewMemoryBackend()
	store, err := auth.NewCachedKeyStore(backend, time.Minute)
	require.NoError(t, err)
	gate := auth.NewGate(store, staticBalance{ok: balanceOK}, staticLimiter{ok: limitOK})
	return NewAuthMiddleware(gate, zerolog.Nop(), true, true), backend
}

func TestAuthHandlerPopulatesContext(t *testing.T) {
	am, backend := newTestAuthMiddleware(t, true, true)
	raw, _, err := backend.GenerateKey("gold")
	require.NoError(t, err)

	var gotKey, gotLevel, gotModel string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = GetAPIKey(r.Context())
		gotLevel = GetUserLevel(r.Context())
		gotModel = GetRequestModel(r.Context())
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), "gpt-4o")
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"gpt-4o"}`))
	req.Header.Set("Authorization", "Bearer "+raw)
	rr := httptest.NewRecorder()

	am.Handler(next).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, raw, gotKey)
	assert.Equal(t, "gold", gotLevel)
	assert.Equal(t, "gpt-4o", gotModel)
}

func TestAuthHandlerRejectsMissingToken(t *testing.T) {
	am, _ := newTestAuthMiddleware(t, true, true)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next should not be called")
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"gpt-4o"}`))
	rr := httptest.NewRecorder()

	am.Handler(next).ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Contains(t, rr.Body.String(), "no authentication token provided")
	assert.Contains(t, rr.Body.String(), `"code":401`)
}

func TestAuthHandlerRejectsInsufficientBalance(t *testing.T) {
	am, backend := newTestAuthMiddleware(t, false, true)
	raw, _, err := backend.GenerateKey("free")
	require.NoError(t, err)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next should not be called")
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"gpt-4o"}`))
	req.Header.Set("Authorization", "Bearer "+raw)
	rr := httptest.NewRecorder()

	am.Handler(next).ServeHTTP(rr, req)
	assert.Equal(t, http.StatusPaymentRequired, rr.Code)
	assert.Contains(t, rr.Body.String(), "insufficient balance")
	assert.Contains(t, rr.Body.String(), `"code":402`)
}

func TestAuthHandlerRejectsInactiveKey(t *testing.T) {
	am, backend := newTestAuthMiddleware(t, true, true)
	raw, _, err := backend.GenerateKey("gold")
	require.NoError(t, err)
	backend.SetStatus(raw, auth.StatusSuspended)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next should not be called")
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"gpt-4o"}`))
	req.Header.Set("Authorization", "Bearer "+raw)
	rr := httptest.NewRecorder()

	am.Handler(next).ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Contains(t, rr.Body.String(), `"code":401`)
}

func TestAuthHandlerRejectsInvalidJSONBody(t *testing.T) {
	am, backend := newTestAuthMiddleware(t, true, true)
	raw, _, err := backend.GenerateKey("free")
	require.NoError(t, err)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next should not be called")
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`not json`))
	req.Header.Set("Authorization", "Bearer "+raw)
	rr := httptest.NewRecorder()

	am.Handler(next).ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAuthHandlerAllowsEmptyBody(t *testing.T) {
	am, backend := newTestAuthMiddleware(t, true, true)
	raw, _, err := backend.GenerateKey("free")
	require.NoError(t, err)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "", GetRequestModel(r.Context()))
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	rr := httptest.NewRecorder()

	am.Handler(next).ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}
