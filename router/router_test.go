package router

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/imaas/gateway/auth"
	"github.com/imaas/gateway/channel"
	"github.com/imaas/gateway/config"
	"github.com/imaas/gateway/handler"
	"github.com/imaas/gateway/provider"
	"github.com/imaas/gateway/ratelimit"
	"github.com/imaas/gateway/redisclient"
	"github.com/imaas/gateway/usage"
)

type alwaysBalance struct{}

func (alwaysBalance) HasBalance(ctx context.Context, ownerID, model string) (bool, error) {
	return true, nil
}

type generousLimits struct{}

func (generousLimits) Limits(ctx context.Context, level, model string) (ratelimit.Limits, error) {
	return ratelimit.Limits{RPM: 1000, TPM: 1000000}, nil
}

func testSetup(t *testing.T) http.Handler {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	redisC := redisclient.NewFromRedisClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	cfg := &config.Config{
		Addr:             ":0",
		Env:              "test",
		APIPrefix:        "/imaas",
		RateLimitEnabled: false,
		APIKeyHeader:     "Authorization",
		MaxBodyBytes:     1 << 20,
		DefaultTimeout:   2 * time.Second,
		ProviderTimeouts: map[string]time.Duration{},
	}
	log := zerolog.New(io.Discard).With().Timestamp().Logger()

	backend := auth.NewMemoryBackend()
	store, err := auth.NewCachedKeyStore(backend, time.Minute)
	if err != nil {
		t.Fatalf("key store: %v", err)
	}
	limiter := ratelimit.New(redisC, generousLimits{}, log, true, "ratelimit")
	gate := auth.NewGate(store, alwaysBalance{}, limiter)

	routes := channel.NewRoutingTable(map[string][]channel.Channel{})
	pool := provider.DefaultConnectionPool()
	usagePub := usage.NewPublisher(redisC, "invoke-stream", "error-stream", 1000)
	params := handler.NewParamTable(nil)

	return NewRouter(cfg, log, Deps{
		Routes:   routes,
		Pool:     pool,
		UsagePub: usagePub,
		Params:   params,
		Gate:     gate,
		Limiter:  limiter,
	})
}

func TestHealthEndpoints(t *testing.T) {
	r := testSetup(t)

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{"healthz", "/healthz", http.StatusOK},
		{"ready", "/ready", http.StatusOK},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			rw := httptest.NewRecorder()
			r.ServeHTTP(rw, req)
			if rw.Result().StatusCode != tc.status {
				t.Fatalf("expected %d for %s, got %d", tc.status, tc.path, rw.Result().StatusCode)
			}
		})
	}
}

func TestUnauthenticatedRouteReturns401(t *testing.T) {
	r := testSetup(t)

	req := httptest.NewRequest(http.MethodGet, "/imaas/v1/models", nil)
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)

	if rw.Result().StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unauthenticated /imaas/v1/models, got %d", rw.Result().StatusCode)
	}
}

func TestCORSPreflight(t *testing.T) {
	r := testSetup(t)

	req := httptest.NewRequest(http.MethodOptions, "/imaas/v1/chat/completions", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)

	if rw.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Fatal("expected CORS Allow-Origin header on preflight response")
	}
}

func TestSecurityHeaders(t *testing.T) {
	r := testSetup(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)

	headers := []string{
		"X-Content-Type-Options",
		"X-Frame-Options",
		"Strict-Transport-Security",
	}
	for _, h := range headers {
		if rw.Header().Get(h) == "" {
			t.Fatalf("expected security header %s to be set", h)
		}
	}
}

func TestNotFoundCatchAllUnderPrefix(t *testing.T) {
	r := testSetup(t)

	req := httptest.NewRequest(http.MethodGet, "/imaas/v1/nonexistent", nil)
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)

	if rw.Result().StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rw.Result().StatusCode)
	}
}
