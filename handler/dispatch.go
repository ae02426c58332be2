package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/imaas/gateway/channel"
	"github.com/imaas/gateway/gwerrors"
	"github.com/imaas/gateway/middleware"
	"github.com/imaas/gateway/usage"
	"github.com/tidwall/gjson"
)

func newTraceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// resolveChannel wraps RoutingTable.Resolve, translating a ModelNotFoundError
// into the wire-level BadRequest kind (an unknown model is a client error,
// not a missing resource). A request path that still carries the API
// prefix and version segment ("/imaas/v1/chat/completions") is cut down to
// the part after "/v1" before it is appended to the upstream URL.
func (h *ProxyHandler) resolveChannel(model, apiKey, reqPath string) (channel.Resolved, *gwerrors.GatewayError) {
	if i := strings.Index(reqPath, "/v1/"); i >= 0 {
		reqPath = reqPath[i+len("/v1"):]
	}
	resolved, err := h.routes.Resolve(model, apiKey, reqPath)
	if err != nil {
		var notFound *channel.ModelNotFoundError
		if errors.As(err, &notFound) {
			return channel.Resolved{}, gwerrors.BadRequest(notFound.Error())
		}
		return channel.Resolved{}, gwerrors.Unavailable(err.Error())
	}
	return resolved, nil
}

// doRequest issues one outbound HTTP call to an upstream channel, mapping
// transport failures into the gateway's own error taxonomy.
func (h *ProxyHandler) doRequest(ctx context.Context, client *http.Client, method, url, secret string, body []byte) (*http.Response, *gwerrors.GatewayError) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, gwerrors.Unavailable("failed to build upstream request: " + err.Error())
	}
	req.Header.Set("Authorization", "Bearer "+secret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, gwerrors.Timeout("upstream request timed out")
		}
		if ctx.Err() != nil {
			return nil, gwerrors.Unavailable("request cancelled")
		}
		return nil, gwerrors.Unavailable("upstream request failed: " + err.Error())
	}
	return resp, nil
}

// readUpstreamJSON takes an upstream response whose body the caller has
// already read, passing the body through on 200 and otherwise mapping the
// status to a GatewayError built from the body's top-level "message" field
// (falling back to a generic message when that field is absent or the body
// isn't JSON).
func readUpstreamJSON(resp *http.Response, body []byte) ([]byte, *gwerrors.GatewayError) {
	if resp.StatusCode == http.StatusOK {
		return body, nil
	}
	msg := gjson.GetBytes(body, "message").String()
	return body, gwerrors.Upstream(resp.StatusCode, msg)
}

// extractedUsage is the normalized shape pulled from an upstream usage
// block, with the cached-token split (step 7 of the proxy flow) applied.
type extractedUsage struct {
	PromptTokens     int
	CompletionTokens int
	CachedTokens     int
	TotalTokens      int
}

func extractUsage(respBody []byte) extractedUsage {
	usageJSON := gjson.GetBytes(respBody, "usage")
	if !usageJSON.Exists() {
		return extractedUsage{}
	}
	prompt := int(usageJSON.Get("prompt_tokens").Int())
	completion := int(usageJSON.Get("completion_tokens").Int())
	total := int(usageJSON.Get("total_tokens").Int())

	var cached int
	if details := usageJSON.Get("prompt_tokens_details"); details.Exists() {
		cached = int(details.Get("cached_tokens").Int())
		prompt -= cached
		if prompt < 0 {
			prompt = 0
		}
	}
	return extractedUsage{PromptTokens: prompt, CompletionTokens: completion, CachedTokens: cached, TotalTokens: total}
}

// applyThinkSplit rewrites a non-streaming chat response in place: if the
// model is a think-variant and its message carries an inline </think>
// marker with no reasoning_content already set, the preamble is moved out.
func applyThinkSplit(body map[string]interface{}, isThink bool) {
	if !isThink {
		return
	}
	choices, _ := body["choices"].([]interface{})
	if len(choices) == 0 {
		return
	}
	choice, _ := choices[0].(map[string]interface{})
	message, _ := choice["message"].(map[string]interface{})
	if message == nil {
		return
	}
	if reasoning, _ := message["reasoning_content"].(string); reasoning != "" {
		return
	}
	content, _ := message["content"].(string)
	idx := strings.Index(content, "</think>")
	if idx == -1 {
		return
	}
	message["reasoning_content"] = content[:idx]
	message["content"] = content[idx+len("</think>"):]
}

func (h *ProxyHandler) emitInvoke(ctx context.Context, model, channelID, userID, apiKey string, tag usage.ModelTag, costTime float64, traceID string, u extractedUsage, words, seconds int) {
	rec := usage.InvokeRecord{
		Model:            model,
		ChannelID:        channelID,
		UserID:           userID,
		APIKey:           apiKey,
		ModelTag:         tag,
		DateTime:         time.Now().UTC(),
		CostTime:         costTime,
		TraceID:          traceID,
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		CachedTokens:     u.CachedTokens,
		TotalTokens:      u.TotalTokens,
		Words:            words,
		Seconds:          seconds,
	}
	if err := h.usagePub.PublishInvoke(ctx, rec); err != nil {
		h.logger.Error().Err(err).Str("model", model).Msg("failed to publish invoke usage event")
	}

	if u.TotalTokens > 0 && h.limiter != nil {
		level := middleware.GetUserLevel(ctx)
		if _, err := h.limiter.RecordTokenUsage(ctx, apiKey, level, model, u.TotalTokens); err != nil {
			h.logger.Warn().Err(err).Str("model", model).Msg("failed to record tpm usage")
		}
	}
}

func (h *ProxyHandler) emitError(ctx context.Context, model, channelID, userID, apiKey string, costTime float64, traceID string, gwErr *gwerrors.GatewayError, stream bool) {
	rec := usage.ErrorRecord{
		Model:     model,
		ChannelID: channelID,
		UserID:    userID,
		APIKey:    apiKey,
		DateTime:  time.Now().UTC(),
		CostTime:  costTime,
		Err:       string(gwErr.Kind),
		Message:   gwErr.Message,
		Stream:    stream,
		TraceID:   traceID,
	}
	if err := h.usagePub.PublishError(ctx, rec); err != nil {
		h.logger.Error().Err(err).Str("model", model).Msg("failed to publish error usage event")
	}
}

func (h *ProxyHandler) writeError(w http.ResponseWriter, traceID string, gwErr *gwerrors.GatewayError) {
	wired := gwErr.WithTraceID(traceID)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("trace-id", traceID)
	w.WriteHeader(wired.Status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"object":  "error",
		"message": wired.Message,
		"code":    wired.Code,
	})
}

// countCharacters matches the original TTS word-count rule: a CJK
// character counts as 2, everything else as 1.
func countCharacters(s string) int {
	total := 0
	for _, r := range s {
		if r >= 0x4e00 && r <= 0x9fff {
			total += 2
		} else {
			total++
		}
	}
	return total
}

// clampSpeed bounds TTS playback speed to [0.5, 2.0].
func clampSpeed(speed float64) float64 {
	if speed < 0.5 {
		return 0.5
	}
	if speed > 2.0 {
		return 2.0
	}
	return speed
}
