package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imaas/gateway/auth"
	"github.com/imaas/gateway/channel"
	"github.com/imaas/gateway/config"
	"github.com/imaas/gateway/middleware"
	"github.com/imaas/gateway/provider"
	"github.com/imaas/gateway/ratelimit"
	"github.com/imaas/gateway/redisclient"
	"github.com/imaas/gateway/usage"
)

func testConfig() *config.Config {
	return &config.Config{
		APIPrefix:          "/imaas",
		MaxBodyBytes:       1 << 20,
		DefaultTimeout:     2 * time.Second,
		ProviderTimeouts:   map[string]time.Duration{},
		ThinkModelPatterns: []*regexp.Regexp{regexp.MustCompile(`(?i)deepseek-r1`)},
	}
}

func testRoutes(t *testing.T, upstream *httptest.Server, model string) *channel.RoutingTable {
	t.Helper()
	return channel.NewRoutingTable(map[string][]channel.Channel{
		model: {{
			ID:             "chan-1",
			Name:           "primary",
			UpstreamURL:    upstream.URL,
			UpstreamSecret: "upstream-secret",
			Status:         channel.StatusEnabled,
			Health:         true,
		}},
	})
}

func testUsagePublisher(t *testing.T) *usage.Publisher {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redisclient.NewFromRedisClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	return usage.NewPublisher(client, "invoke-stream", "error-stream", 1000)
}

func testGate(t *testing.T, model string) (*auth.Gate, string) {
	t.Helper()
	backend := auth.NewMemoryBackend()
	store, err := auth.NewCachedKeyStore(backend, time.Minute)
	require.NoError(t, err)
	raw, _, err := backend.GenerateKey("free")
	require.NoError(t, err)
	gate := auth.NewGate(store, alwaysBalance{}, alwaysLimiter{})
	return gate, raw
}

type alwaysBalance struct{}

func (alwaysBalance) HasBalance(ctx context.Context, ownerID, model string) (bool, error) {
	return true, nil
}

type alwaysLimiter struct{}

func (alwaysLimiter) Allow(ctx context.Context, apiKey, level, model string) (bool, error) {
	return true, nil
}

type generousLimits struct{}

func (generousLimits) Limits(ctx context.Context, level, model string) (ratelimit.Limits, error) {
	return ratelimit.Limits{RPM: 1000, TPM: 1000000}, nil
}

func testLimiter(t *testing.T) *ratelimit.Limiter {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redisclient.NewFromRedisClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	return ratelimit.New(client, generousLimits{}, zerolog.Nop(), true, "test")
}

func newTestHandler(t *testing.T, upstream *httptest.Server, model string) (*ProxyHandler, string) {
	t.Helper()
	pool := provider.DefaultConnectionPool()
	gate, rawKey := testGate(t, model)
	h := NewProxyHandler(zerolog.Nop(), testConfig(), testRoutes(t, upstream, model), pool, testUsagePublisher(t), NewParamTable(nil), gate, testLimiter(t))
	return h, rawKey
}

func withAuthContext(r *http.Request, apiKey, userID, model string) *http.Request {
	ctx := middleware.NewRequestContext(r.Context(), apiKey, userID, "free", model)
	return r.WithContext(ctx)
}

func TestChatCompletionsNonStreaming(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer upstream-secret", r.Header.Get("Authorization"))
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4o", body["model"])
		assert.EqualValues(t, 4096, body["max_tokens"])

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"id":    "chatcmpl-1",
			"model": "gpt-4o",
			"choices": []map[string]interface{}{
				{"message": map[string]interface{}{"role": "assistant", "content": "hi"}},
			},
			"usage": map[string]interface{}{
				"prompt_tokens":     10,
				"completion_tokens": 2,
				"total_tokens":      12,
			},
		})
	}))
	defer upstream.Close()

	h, rawKey := newTestHandler(t, upstream, "gpt-4o")

	reqBody := `{"model":"gpt-4o","messages":[{"role":"user","content":"hello"}]}`
	req := httptest.NewRequest(http.MethodPost, "/imaas/v1/chat/completions", bytes.NewBufferString(reqBody))
	req = withAuthContext(req, rawKey, "owner-1", "gpt-4o")
	rec := httptest.NewRecorder()

	h.ChatCompletions(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "chatcmpl-1", resp["id"])
}

func TestChatCompletionsSchemaRejection(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream should not be called for an invalid body")
	}))
	defer upstream.Close()

	h, rawKey := newTestHandler(t, upstream, "gpt-4o")

	req := httptest.NewRequest(http.MethodPost, "/imaas/v1/chat/completions", bytes.NewBufferString(`{"model":"gpt-4o"}`))
	req = withAuthContext(req, rawKey, "owner-1", "gpt-4o")
	rec := httptest.NewRecorder()

	h.ChatCompletions(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestChatCompletionsUnknownModel(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream should not be called for an unresolvable model")
	}))
	defer upstream.Close()

	h, rawKey := newTestHandler(t, upstream, "gpt-4o")

	req := httptest.NewRequest(http.MethodPost, "/imaas/v1/chat/completions", bytes.NewBufferString(`{"model":"unknown-model","messages":[{"role":"user","content":"hi"}]}`))
	req = withAuthContext(req, rawKey, "owner-1", "unknown-model")
	rec := httptest.NewRecorder()

	h.ChatCompletions(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "error", resp["object"])
	assert.Contains(t, resp["message"], "未找到模型[unknown-model]的渠道")
}

func TestEmbeddingsStripsDimensions(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, hasDimensions := body["dimensions"]
		assert.False(t, hasDimensions)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"object": "list",
			"data":   []interface{}{},
			"usage":  map[string]interface{}{"prompt_tokens": 3, "total_tokens": 3},
		})
	}))
	defer upstream.Close()

	h, rawKey := newTestHandler(t, upstream, "text-embed")

	req := httptest.NewRequest(http.MethodPost, "/imaas/v1/embeddings", bytes.NewBufferString(`{"model":"text-embed","input":"hello","dimensions":256}`))
	req = withAuthContext(req, rawKey, "owner-1", "text-embed")
	rec := httptest.NewRecorder()

	h.Embeddings(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAudioSpeechExtRejectsBadKey(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream should not be called when pre-flight fails")
	}))
	defer upstream.Close()

	h, _ := newTestHandler(t, upstream, "tts-1")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("model", "tts-1")
	_ = mw.WriteField("input", "hello world")
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/imaas/v1/audio/speech-ext", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer sk-does-not-exist")
	rec := httptest.NewRecorder()

	h.AudioSpeechExt(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestNotFoundCatchAll(t *testing.T) {
	h, _ := newTestHandler(t, httptest.NewServer(http.NotFoundHandler()), "gpt-4o")
	req := httptest.NewRequest(http.MethodGet, "/imaas/v1/unknown-endpoint", nil)
	rec := httptest.NewRecorder()

	h.NotFound(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp["message"], "v1/unknown-endpoint")
}
