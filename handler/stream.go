package handler

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/imaas/gateway/bpe"
	"github.com/imaas/gateway/channel"
	"github.com/imaas/gateway/streamparser"
	"github.com/imaas/gateway/usage"
	"github.com/tidwall/gjson"
)

// streamChat implements the streaming half of the chat/completions flow:
// it forces stream_options.include_usage, forwards SSE records as they
// arrive, and on client disconnect falls back to a bpe token count over
// whatever the parser accumulated so far (step 6 of the proxy flow). The
// upstream client uses a zero-timeout http.Client — the request's own
// context cancellation is the only thing that ends the call.
func (h *ProxyHandler) streamChat(w http.ResponseWriter, r *http.Request, resolved channel.Resolved, model, apiKey, userID, traceID string, outbound, rawRequest []byte, promptText func(map[string]interface{}) string, isThink bool) {
	ctx := r.Context()
	wantsUsage := gjson.GetBytes(rawRequest, "stream_options.include_usage").Bool()

	// GetClient caches its *http.Client by key on first call, so the
	// streaming client needs a key distinct from the non-streaming one —
	// otherwise whichever family hits a channel first would pin its
	// timeout for the other.
	client := h.pool.GetClient(resolved.Channel.ID+":stream", 0)
	start := time.Now()
	resp, gwErr := h.doRequest(ctx, client, r.Method, resolved.ProxyURL, resolved.Channel.UpstreamSecret, outbound)
	if gwErr != nil {
		h.emitError(ctx, model, resolved.Channel.ID, userID, apiKey, time.Since(start).Seconds(), traceID, gwErr, true)
		h.writeError(w, traceID, gwErr)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		_, gwErr := readUpstreamJSON(resp, body)
		h.emitError(ctx, model, resolved.Channel.ID, userID, apiKey, time.Since(start).Seconds(), traceID, gwErr, true)
		h.writeError(w, traceID, gwErr)
		return
	}

	flusher, canFlush := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("trace-id", traceID)
	w.WriteHeader(http.StatusOK)
	if canFlush {
		flusher.Flush()
	}

	parser := streamparser.New(isThink)
	reader := bufio.NewReaderSize(resp.Body, 64*1024)
	chunk := make([]byte, 32*1024)

	disconnected := false
	var lastUsage extractedUsage
	sawUsage := false

readLoop:
	for {
		select {
		case <-ctx.Done():
			disconnected = true
			break readLoop
		default:
		}

		n, err := reader.Read(chunk)
		if n > 0 {
			lines := parser.Feed(chunk[:n])
			for _, line := range lines {
				switch line.Type {
				case streamparser.LineUsage:
					choices, _ := line.JSON["choices"].([]interface{})
					if len(choices) > 0 || wantsUsage {
						if !h.writeSSE(w, line.Raw) {
							disconnected = true
							break readLoop
						}
					}
					lastUsage = usageFromJSON(line.JSON)
					sawUsage = true
				case streamparser.LineText:
					if !h.writeSSE(w, line.Raw) {
						disconnected = true
						break readLoop
					}
				case streamparser.LineDone:
					if !h.writeSSE(w, "[DONE]") {
						disconnected = true
						break readLoop
					}
				case streamparser.LineError:
					// a record whose payload is not valid JSON is forwarded
					// unchanged rather than dropped.
					if !h.writeSSE(w, line.Raw) {
						disconnected = true
						break readLoop
					}
				case streamparser.LineOther:
					// comment and keepalive records are dropped.
				}
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				disconnected = true
			}
			break
		}
	}

	costTime := time.Since(start).Seconds()

	if sawUsage && !disconnected {
		h.emitInvoke(ctx, model, resolved.Channel.ID, userID, apiKey, usage.TagChat, costTime, traceID, lastUsage, 0, 0)
		return
	}

	prompt := bpe.Count(promptTextBody(promptText, rawRequest))
	completion := bpe.Count(parser.ReasoningContent.String() + parser.Content.String())
	h.emitInvoke(ctx, model, resolved.Channel.ID, userID, apiKey, usage.TagChat, costTime, traceID,
		extractedUsage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion}, 0, 0)
}

func (h *ProxyHandler) writeSSE(w http.ResponseWriter, payload string) bool {
	_, err := w.Write([]byte("data: " + payload + "\n\n"))
	return err == nil
}

func usageFromJSON(body map[string]interface{}) extractedUsage {
	raw, err := json.Marshal(body)
	if err != nil {
		return extractedUsage{}
	}
	return extractUsage(raw)
}

func promptTextBody(promptText func(map[string]interface{}) string, raw []byte) string {
	var body map[string]interface{}
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	return promptText(body)
}
