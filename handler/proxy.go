// Package handler implements the public /v1 HTTP surface: routing a
// validated request to its upstream channel, rewriting it, forwarding the
// response (streamed or not), and emitting usage/error accounting events.
package handler

import (
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/imaas/gateway/auth"
	"github.com/imaas/gateway/channel"
	"github.com/imaas/gateway/config"
	"github.com/imaas/gateway/gwerrors"
	"github.com/imaas/gateway/middleware"
	"github.com/imaas/gateway/provider"
	"github.com/imaas/gateway/ratelimit"
	"github.com/imaas/gateway/usage"
	"github.com/rs/zerolog"
)

// ProxyHandler implements the proxied inference endpoints: chat/completions,
// completions, embeddings, rerank, and the audio family. Auth/pre-flight for
// JSON-bodied endpoints already ran in AuthMiddleware by the time a handler
// method is called; the two multipart endpoints (speech-ext,
// transcriptions) run pre-flight inline since their body isn't JSON and
// AuthMiddleware can't peek a "model" field out of it.
type ProxyHandler struct {
	logger   zerolog.Logger
	cfg      *config.Config
	routes   *channel.RoutingTable
	pool     *provider.ConnectionPool
	usagePub *usage.Publisher
	params   *ParamTable
	gate     *auth.Gate
	limiter  *ratelimit.Limiter
}

// NewProxyHandler wires a proxy handler. gate is used only by the
// multipart endpoints' inline pre-flight; JSON endpoints rely on
// AuthMiddleware having already populated the request context. limiter
// records each completed request's actual token usage so the next
// request's pre-flight TPM admission check has something to judge against.
func NewProxyHandler(logger zerolog.Logger, cfg *config.Config, routes *channel.RoutingTable, pool *provider.ConnectionPool, usagePub *usage.Publisher, params *ParamTable, gate *auth.Gate, limiter *ratelimit.Limiter) *ProxyHandler {
	return &ProxyHandler{
		logger:   logger.With().Str("component", "proxy").Logger(),
		cfg:      cfg,
		routes:   routes,
		pool:     pool,
		usagePub: usagePub,
		params:   params,
		gate:     gate,
		limiter:  limiter,
	}
}

func (h *ProxyHandler) readBody(r *http.Request) ([]byte, error) {
	limited := io.LimitReader(r.Body, h.cfg.MaxBodyBytes)
	return io.ReadAll(limited)
}

// ChatCompletions handles POST /v1/chat/completions.
func (h *ProxyHandler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	h.generate(w, r, chatCompletionsSchema, chatPromptText)
}

// Completions handles POST /v1/completions — the legacy single-prompt
// family, sharing every other step of the chat flow (shared upstream as
// ModelTag.chat, same max_tokens injection, same think-model split).
func (h *ProxyHandler) Completions(w http.ResponseWriter, r *http.Request) {
	h.generate(w, r, completionsSchema, completionsPromptText)
}

func chatPromptText(body map[string]interface{}) string {
	messages, _ := body["messages"].([]interface{})
	var sb strings.Builder
	for _, m := range messages {
		msg, ok := m.(map[string]interface{})
		if !ok {
			continue
		}
		if content, ok := msg["content"].(string); ok {
			sb.WriteString(content)
		}
	}
	return sb.String()
}

func completionsPromptText(body map[string]interface{}) string {
	if prompt, ok := body["prompt"].(string); ok {
		return prompt
	}
	return ""
}

// generate implements the shared chat/completions flow: pre-flight
// already ran in AuthMiddleware; this handles schema validation,
// routing, max_tokens injection, streaming/non-streaming dispatch, and
// usage/error emission.
func (h *ProxyHandler) generate(w http.ResponseWriter, r *http.Request, schema *requestSchema, promptText func(map[string]interface{}) string) {
	ctx := r.Context()
	traceID := newTraceID()
	apiKey := middleware.GetAPIKey(ctx)
	userID := middleware.GetUserID(ctx)
	model := middleware.GetRequestModel(ctx)

	raw, err := h.readBody(r)
	if err != nil {
		h.writeError(w, traceID, gwerrors.Unprocessable("failed to read request body: "+err.Error()))
		return
	}
	if err := schema.Validate(raw); err != nil {
		h.writeError(w, traceID, gwerrors.Unprocessable(err.Error()))
		return
	}

	var body map[string]interface{}
	if err := json.Unmarshal(raw, &body); err != nil {
		h.writeError(w, traceID, gwerrors.Unprocessable("invalid json body: "+err.Error()))
		return
	}

	resolved, gwErr := h.resolveChannel(model, apiKey, r.URL.Path)
	if gwErr != nil {
		h.writeError(w, traceID, gwErr)
		return
	}

	param := h.params.MaxTokens(ctx, model)
	if mt, ok := body["max_tokens"].(float64); !ok || mt <= 0 {
		body["max_tokens"] = param.Value
	}
	if mt, ok := body["max_tokens"].(float64); ok && int(mt) > param.Max {
		body["max_tokens"] = param.Max
	}
	body["model"] = resolved.ProxyModel

	stream, _ := body["stream"].(bool)
	isThink := h.cfg.IsThinkModel(model)

	if stream {
		// Usage is always requested upstream; whether the usage record is
		// forwarded downstream still follows the client's own request.
		opts, _ := body["stream_options"].(map[string]interface{})
		if opts == nil {
			opts = map[string]interface{}{}
		}
		opts["include_usage"] = true
		body["stream_options"] = opts
		outbound, err := json.Marshal(body)
		if err != nil {
			h.writeError(w, traceID, gwerrors.Unprocessable("failed to encode request: "+err.Error()))
			return
		}
		h.streamChat(w, r, resolved, model, apiKey, userID, traceID, outbound, raw, promptText, isThink)
		return
	}

	outbound, err := json.Marshal(body)
	if err != nil {
		h.writeError(w, traceID, gwerrors.Unprocessable("failed to encode request: "+err.Error()))
		return
	}

	start := time.Now()
	client := h.pool.GetClient(resolved.Channel.ID+":chat", h.cfg.Timeout("chat"))
	resp, gwErr := h.doRequest(ctx, client, r.Method, resolved.ProxyURL, resolved.Channel.UpstreamSecret, outbound)
	costTime := time.Since(start).Seconds()
	if gwErr != nil {
		h.emitError(ctx, model, resolved.Channel.ID, userID, apiKey, costTime, traceID, gwErr, false)
		h.writeError(w, traceID, gwErr)
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		gwErr := gwerrors.Unavailable("failed to read upstream response: " + err.Error())
		h.emitError(ctx, model, resolved.Channel.ID, userID, apiKey, costTime, traceID, gwErr, false)
		h.writeError(w, traceID, gwErr)
		return
	}

	respBody, gwErr = readUpstreamJSON(resp, respBody)
	if gwErr != nil {
		h.emitError(ctx, model, resolved.Channel.ID, userID, apiKey, costTime, traceID, gwErr, false)
		h.writeError(w, traceID, gwErr)
		return
	}

	var respData map[string]interface{}
	if err := json.Unmarshal(respBody, &respData); err == nil {
		applyThinkSplit(respData, isThink)
		respBody, _ = json.Marshal(respData)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("trace-id", traceID)
	_, _ = w.Write(respBody)

	h.emitInvoke(ctx, model, resolved.Channel.ID, userID, apiKey, usage.TagChat, costTime, traceID, extractUsage(respBody), 0, 0)
}

// Embeddings handles POST /v1/embeddings, stripping the "dimensions"
// field before forwarding (the original also drops it — no upstream in
// the pack's connector set honors it consistently).
func (h *ProxyHandler) Embeddings(w http.ResponseWriter, r *http.Request) {
	h.commonProxy(w, r, embeddingsSchema, usage.TagEmbedding, "embeddings", func(body map[string]interface{}) {
		delete(body, "dimensions")
	})
}

// Rerank handles POST /v1/rerank.
func (h *ProxyHandler) Rerank(w http.ResponseWriter, r *http.Request) {
	h.commonProxy(w, r, rerankSchema, usage.TagReranker, "rerank", nil)
}

// commonProxy implements the simple non-streaming, non-max_tokens-injecting
// proxy shape shared by embeddings and rerank.
func (h *ProxyHandler) commonProxy(w http.ResponseWriter, r *http.Request, schema *requestSchema, tag usage.ModelTag, timeoutFamily string, transform func(map[string]interface{})) {
	ctx := r.Context()
	traceID := newTraceID()
	apiKey := middleware.GetAPIKey(ctx)
	userID := middleware.GetUserID(ctx)
	model := middleware.GetRequestModel(ctx)

	raw, err := h.readBody(r)
	if err != nil {
		h.writeError(w, traceID, gwerrors.Unprocessable("failed to read request body: "+err.Error()))
		return
	}
	if err := schema.Validate(raw); err != nil {
		h.writeError(w, traceID, gwerrors.Unprocessable(err.Error()))
		return
	}

	var body map[string]interface{}
	if err := json.Unmarshal(raw, &body); err != nil {
		h.writeError(w, traceID, gwerrors.Unprocessable("invalid json body: "+err.Error()))
		return
	}
	if transform != nil {
		transform(body)
	}

	resolved, gwErr := h.resolveChannel(model, apiKey, r.URL.Path)
	if gwErr != nil {
		h.writeError(w, traceID, gwErr)
		return
	}
	body["model"] = resolved.ProxyModel

	outbound, err := json.Marshal(body)
	if err != nil {
		h.writeError(w, traceID, gwerrors.Unprocessable("failed to encode request: "+err.Error()))
		return
	}

	start := time.Now()
	client := h.pool.GetClient(resolved.Channel.ID+":"+timeoutFamily, h.cfg.Timeout(timeoutFamily))
	resp, gwErr := h.doRequest(ctx, client, r.Method, resolved.ProxyURL, resolved.Channel.UpstreamSecret, outbound)
	costTime := time.Since(start).Seconds()
	if gwErr != nil {
		h.emitError(ctx, model, resolved.Channel.ID, userID, apiKey, costTime, traceID, gwErr, false)
		h.writeError(w, traceID, gwErr)
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		gwErr := gwerrors.Unavailable("failed to read upstream response: " + err.Error())
		h.emitError(ctx, model, resolved.Channel.ID, userID, apiKey, costTime, traceID, gwErr, false)
		h.writeError(w, traceID, gwErr)
		return
	}

	respBody, gwErr = readUpstreamJSON(resp, respBody)
	if gwErr != nil {
		h.emitError(ctx, model, resolved.Channel.ID, userID, apiKey, costTime, traceID, gwErr, false)
		h.writeError(w, traceID, gwErr)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("trace-id", traceID)
	_, _ = w.Write(respBody)

	h.emitInvoke(ctx, model, resolved.Channel.ID, userID, apiKey, tag, costTime, traceID, extractUsage(respBody), 0, 0)
}

// AudioSpeech handles POST /v1/audio/speech (JSON body).
func (h *ProxyHandler) AudioSpeech(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	traceID := newTraceID()
	apiKey := middleware.GetAPIKey(ctx)
	userID := middleware.GetUserID(ctx)
	model := middleware.GetRequestModel(ctx)

	raw, err := h.readBody(r)
	if err != nil {
		h.writeError(w, traceID, gwerrors.Unprocessable("failed to read request body: "+err.Error()))
		return
	}
	if err := ttsSchema.Validate(raw); err != nil {
		h.writeError(w, traceID, gwerrors.Unprocessable(err.Error()))
		return
	}

	var req struct {
		Model string  `json:"model"`
		Input string  `json:"input"`
		Voice string  `json:"voice"`
		Speed float64 `json:"speed"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		h.writeError(w, traceID, gwerrors.Unprocessable("invalid json body: "+err.Error()))
		return
	}
	if req.Speed == 0 {
		req.Speed = 1.0
	}

	h.doSpeech(w, r, traceID, apiKey, userID, model, req.Input, req.Voice, "", nil, req.Speed)
}

// AudioSpeechExt handles POST /v1/audio/speech-ext (multipart form with an
// optional reference-voice wav upload); pre-flight runs inline since the
// body can't be JSON-peeked by AuthMiddleware.
func (h *ProxyHandler) AudioSpeechExt(w http.ResponseWriter, r *http.Request) {
	traceID := newTraceID()
	if err := r.ParseMultipartForm(h.cfg.MaxBodyBytes); err != nil {
		h.writeError(w, traceID, gwerrors.Unprocessable("invalid multipart form: "+err.Error()))
		return
	}

	model := r.FormValue("model")
	rawKey := middleware.ExtractBearer(r.Header.Get("Authorization"))
	key, err := h.gate.Authorize(r.Context(), rawKey, model, true, true)
	if err != nil {
		h.writeError(w, traceID, authErrorToGateway(err))
		return
	}

	input := r.FormValue("input")
	voice := r.FormValue("voice")
	promptText := r.FormValue("prompt_text")
	_ = promptText
	speed := 1.0
	if s := r.FormValue("speed"); s != "" {
		if parsed, err := parseFloat(s); err == nil {
			speed = parsed
		}
	}

	var wav *multipart.FileHeader
	if f, fh, err := r.FormFile("prompt_wav"); err == nil {
		_ = f.Close()
		wav = fh
	}

	h.doSpeech(w, r, traceID, rawKey, key.OwnerID, model, input, voice, promptText, wav, speed)
}

func (h *ProxyHandler) doSpeech(w http.ResponseWriter, r *http.Request, traceID, apiKey, userID, model, input, voice, promptText string, promptWav *multipart.FileHeader, speed float64) {
	ctx := r.Context()
	speed = clampSpeed(speed)

	resolved, gwErr := h.resolveChannel(model, apiKey, "/audio/speech")
	if gwErr != nil {
		h.writeError(w, traceID, gwErr)
		return
	}

	var buf strings.Builder
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("input", input)
	_ = mw.WriteField("voice", voice)
	_ = mw.WriteField("prompt_text", promptText)
	_ = mw.WriteField("speed", formatFloat(speed))
	if promptWav != nil {
		part, err := mw.CreateFormFile("prompt_wav", promptWav.Filename)
		if err == nil {
			if src, err := promptWav.Open(); err == nil {
				_, _ = io.Copy(part, src)
				_ = src.Close()
			}
		}
	}
	_ = mw.Close()

	start := time.Now()
	client := h.pool.GetClient(resolved.Channel.ID+":audio", h.cfg.Timeout("audio"))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, resolved.ProxyURL, strings.NewReader(buf.String()))
	if err != nil {
		gwErr := gwerrors.Unavailable("failed to build upstream request: " + err.Error())
		h.emitError(ctx, model, resolved.Channel.ID, userID, apiKey, time.Since(start).Seconds(), traceID, gwErr, false)
		h.writeError(w, traceID, gwErr)
		return
	}
	req.Header.Set("Authorization", "Bearer "+resolved.Channel.UpstreamSecret)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := client.Do(req)
	costTime := time.Since(start).Seconds()
	if err != nil {
		gwErr := gwerrors.Unavailable("upstream request failed: " + err.Error())
		h.emitError(ctx, model, resolved.Channel.ID, userID, apiKey, costTime, traceID, gwErr, false)
		h.writeError(w, traceID, gwErr)
		return
	}
	defer resp.Body.Close()

	audioBody, err := io.ReadAll(resp.Body)
	if err != nil {
		gwErr := gwerrors.Unavailable("failed to read upstream response: " + err.Error())
		h.emitError(ctx, model, resolved.Channel.ID, userID, apiKey, costTime, traceID, gwErr, false)
		h.writeError(w, traceID, gwErr)
		return
	}
	if resp.StatusCode != http.StatusOK {
		gwErr := gwerrors.Upstream(resp.StatusCode, string(audioBody))
		h.emitError(ctx, model, resolved.Channel.ID, userID, apiKey, costTime, traceID, gwErr, false)
		h.writeError(w, traceID, gwErr)
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("trace-id", traceID)
	_, _ = w.Write(audioBody)

	words := countCharacters(input)
	h.emitInvoke(ctx, model, resolved.Channel.ID, userID, apiKey, usage.TagTTS, costTime, traceID, extractedUsage{}, words, 0)
}

// AudioTranscriptions handles POST /v1/audio/transcriptions (multipart);
// pre-flight runs inline for the same reason as AudioSpeechExt.
func (h *ProxyHandler) AudioTranscriptions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	traceID := newTraceID()
	if err := r.ParseMultipartForm(h.cfg.MaxBodyBytes); err != nil {
		h.writeError(w, traceID, gwerrors.Unprocessable("invalid multipart form: "+err.Error()))
		return
	}

	model := r.FormValue("model")
	lang := r.FormValue("lang")
	if lang == "" {
		lang = "auto"
	}
	rawKey := middleware.ExtractBearer(r.Header.Get("Authorization"))
	key, err := h.gate.Authorize(ctx, rawKey, model, true, true)
	if err != nil {
		h.writeError(w, traceID, authErrorToGateway(err))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		h.writeError(w, traceID, gwerrors.Unprocessable("missing audio file: "+err.Error()))
		return
	}
	defer file.Close()

	resolved, gwErr := h.resolveChannel(model, rawKey, r.URL.Path)
	if gwErr != nil {
		h.writeError(w, traceID, gwErr)
		return
	}

	var buf strings.Builder
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("files", header.Filename)
	if err == nil {
		_, _ = io.Copy(part, file)
	}
	_ = mw.WriteField("lang", lang)
	_ = mw.Close()

	start := time.Now()
	client := h.pool.GetClient(resolved.Channel.ID+":audio", h.cfg.Timeout("audio"))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, resolved.ProxyURL, strings.NewReader(buf.String()))
	if err != nil {
		gwErr := gwerrors.Unavailable("failed to build upstream request: " + err.Error())
		h.emitError(ctx, model, resolved.Channel.ID, key.OwnerID, rawKey, time.Since(start).Seconds(), traceID, gwErr, false)
		h.writeError(w, traceID, gwErr)
		return
	}
	req.Header.Set("Authorization", "Bearer "+resolved.Channel.UpstreamSecret)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := client.Do(req)
	costTime := time.Since(start).Seconds()
	if err != nil {
		gwErr := gwerrors.Unavailable("upstream request failed: " + err.Error())
		h.emitError(ctx, model, resolved.Channel.ID, key.OwnerID, rawKey, costTime, traceID, gwErr, false)
		h.writeError(w, traceID, gwErr)
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		gwErr := gwerrors.Unavailable("failed to read upstream response: " + err.Error())
		h.emitError(ctx, model, resolved.Channel.ID, key.OwnerID, rawKey, costTime, traceID, gwErr, false)
		h.writeError(w, traceID, gwErr)
		return
	}
	respBody, gwErr = readUpstreamJSON(resp, respBody)
	if gwErr != nil {
		h.emitError(ctx, model, resolved.Channel.ID, key.OwnerID, rawKey, costTime, traceID, gwErr, false)
		h.writeError(w, traceID, gwErr)
		return
	}

	var result struct {
		Result []struct {
			Text string `json:"text"`
		} `json:"result"`
		AudioLengths []int `json:"audio_lengths"`
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("trace-id", traceID)
	if err := json.Unmarshal(respBody, &result); err != nil || len(result.Result) == 0 {
		_, _ = w.Write(respBody)
		return
	}

	seconds := 0
	if len(result.AudioLengths) > 0 {
		seconds = result.AudioLengths[0]
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"text": result.Result[0].Text})

	h.emitInvoke(ctx, model, resolved.Channel.ID, key.OwnerID, rawKey, usage.TagASR, costTime, traceID, extractedUsage{}, 0, seconds)
}

// Models handles GET /v1/models: the de-duplicated set of model names
// with at least one channel binding.
func (h *ProxyHandler) Models(w http.ResponseWriter, r *http.Request) {
	models := h.routes.Models()
	data := make([]map[string]interface{}, 0, len(models))
	for _, m := range models {
		data = append(data, map[string]interface{}{"id": m, "object": "model"})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"object": "list", "data": data})
}

// NotFound handles the catch-all /v1/{any} route.
func (h *ProxyHandler) NotFound(w http.ResponseWriter, r *http.Request) {
	traceID := newTraceID()
	path := strings.TrimPrefix(r.URL.Path, h.cfg.APIPrefix)
	h.writeError(w, traceID, gwerrors.NotFound("不存在的接口["+path+"]"))
}

// Files handles /v1/files[/{id}] — file storage is an external
// collaborator's concern, not this gateway's.
func (h *ProxyHandler) Files(w http.ResponseWriter, r *http.Request) {
	h.writeError(w, newTraceID(), &gwerrors.GatewayError{Kind: "not_implemented", Code: http.StatusNotImplemented,
		Message: "file management is not implemented by this gateway", Status: http.StatusNotImplemented})
}

// authErrorToGateway delegates to gwerrors.FromAuthError so the multipart
// endpoints' inline pre-flight can't drift from AuthMiddleware's mapping.
func authErrorToGateway(err error) *gwerrors.GatewayError {
	return gwerrors.FromAuthError(err)
}

func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(s, 64)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
