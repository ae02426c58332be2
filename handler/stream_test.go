package handler

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sseUpstream(t *testing.T, records []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		for _, rec := range records {
			fmt.Fprintf(w, "data: %s\n\n", rec)
			flusher.Flush()
		}
	}))
}

func TestChatCompletionsStreamingForwardsChunks(t *testing.T) {
	upstream := sseUpstream(t, []string{
		`{"choices":[{"delta":{"content":"hel"}}]}`,
		`{"choices":[{"delta":{"content":"lo"},"finish_reason":"stop"}]}`,
		`{"choices":[],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`,
		`[DONE]`,
	})
	defer upstream.Close()

	h, rawKey := newTestHandler(t, upstream, "gpt-4o")

	reqBody := `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}],"stream":true}`
	req := httptest.NewRequest(http.MethodPost, "/imaas/v1/chat/completions", bytes.NewBufferString(reqBody))
	req = withAuthContext(req, rawKey, "owner-1", "gpt-4o")
	rec := httptest.NewRecorder()

	h.ChatCompletions(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `"hel"`))
	assert.True(t, strings.Contains(body, `"lo"`))
	assert.True(t, strings.Contains(body, "[DONE]"))
}

func TestChatCompletionsStreamingForwardsUsageWhenRequested(t *testing.T) {
	upstream := sseUpstream(t, []string{
		`{"choices":[{"delta":{"content":"ok"},"finish_reason":"stop"}]}`,
		`{"choices":[],"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`,
		`[DONE]`,
	})
	defer upstream.Close()

	h, rawKey := newTestHandler(t, upstream, "gpt-4o")

	reqBody := `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}],"stream":true,"stream_options":{"include_usage":true}}`
	req := httptest.NewRequest(http.MethodPost, "/imaas/v1/chat/completions", bytes.NewBufferString(reqBody))
	req = withAuthContext(req, rawKey, "owner-1", "gpt-4o")
	rec := httptest.NewRecorder()

	h.ChatCompletions(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"usage"`)
}

func TestChatCompletionsStreamingSplitsThinkContentOnWire(t *testing.T) {
	upstream := sseUpstream(t, []string{
		`{"choices":[{"delta":{"content":"pondering"}}]}`,
		`{"choices":[{"delta":{"content":"</think>answer"},"finish_reason":"stop"}]}`,
		`{"choices":[],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`,
		`[DONE]`,
	})
	defer upstream.Close()

	h, rawKey := newTestHandler(t, upstream, "deepseek-r1")

	reqBody := `{"model":"deepseek-r1","messages":[{"role":"user","content":"hi"}],"stream":true}`
	req := httptest.NewRequest(http.MethodPost, "/imaas/v1/chat/completions", bytes.NewBufferString(reqBody))
	req = withAuthContext(req, rawKey, "owner-1", "deepseek-r1")
	rec := httptest.NewRecorder()

	h.ChatCompletions(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()

	// The raw wire bytes, not just the parser's internal accumulators, must
	// carry the split: the first chunk's content moves to reasoning_content,
	// and the second chunk's post-</think> text stays in content.
	assert.Contains(t, body, `"reasoning_content":"pondering"`)
	assert.Contains(t, body, `"content":"answer"`)
	assert.NotContains(t, body, `"content":"pondering"`)
}

func TestUsageFromJSONSplitsCachedTokens(t *testing.T) {
	body := map[string]interface{}{
		"usage": map[string]interface{}{
			"prompt_tokens":     float64(10),
			"completion_tokens": float64(4),
			"total_tokens":      float64(14),
			"prompt_tokens_details": map[string]interface{}{
				"cached_tokens": float64(3),
			},
		},
	}
	u := usageFromJSON(body)
	assert.Equal(t, 7, u.PromptTokens)
	assert.Equal(t, 3, u.CachedTokens)
	assert.Equal(t, 4, u.CompletionTokens)
}
