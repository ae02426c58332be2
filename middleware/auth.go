package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/imaas/gateway/auth"
	"github.com/imaas/gateway/gwerrors"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

type contextKey string

const (
	// APIKeyContextKey stores the raw bearer token in request context.
	APIKeyContextKey contextKey = "api_key"
	// UserIDContextKey stores the authenticated key's owner id in request context.
	UserIDContextKey contextKey = "user_id"
	// userLevelContextKey stores the authenticated key's billing level.
	userLevelContextKey contextKey = "user_level"
	// requestModelContextKey stores the model named in the request body.
	requestModelContextKey contextKey = "request_model"

	maxBodyPeek = 1 << 20 // 1MiB, enough to hold any request's "model" field
)

// AuthMiddleware is a thin chi wrapper around auth.Gate: it extracts the
// bearer token and the request's target model, runs pre-flight, and stores
// the verdict in request context for downstream middleware (rate limiting)
// and handlers to read back out.
type AuthMiddleware struct {
	gate         *auth.Gate
	logger       zerolog.Logger
	checkBilling bool
	checkLimit   bool
}

// NewAuthMiddleware wires a gate into chi. checkBilling/checkLimit are the
// defaults applied to every request through this instance — mount a second
// instance with both false for endpoints like /models that only need
// identity, not billing or rate-limit clearance.
func NewAuthMiddleware(gate *auth.Gate, logger zerolog.Logger, checkBilling, checkLimit bool) *AuthMiddleware {
	return &AuthMiddleware{gate: gate, logger: logger, checkBilling: checkBilling, checkLimit: checkLimit}
}

// Handler authenticates the request, resolves billing and rate-limit
// clearance, and stashes the api key, owner id, level, and request model in
// context before calling next.
func (am *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawKey := ExtractBearer(r.Header.Get("Authorization"))
		model, err := peekRequestModel(r)
		if err != nil {
			gwErr := gwerrors.BadRequest("request body is not valid JSON")
			writeAuthError(w, gwErr.Status, gwErr.Code, gwErr.Message)
			return
		}

		key, err := am.gate.Authorize(r.Context(), rawKey, model, am.checkBilling, am.checkLimit)
		if err != nil {
			am.logger.Debug().Err(err).Str("model", model).Msg("pre-flight rejected request")
			gwErr := gwerrors.FromAuthError(err)
			writeAuthError(w, gwErr.Status, gwErr.Code, gwErr.Message)
			return
		}

		ctx := context.WithValue(r.Context(), APIKeyContextKey, rawKey)
		ctx = context.WithValue(ctx, UserIDContextKey, key.OwnerID)
		ctx = context.WithValue(ctx, userLevelContextKey, key.Level)
		ctx = context.WithValue(ctx, requestModelContextKey, model)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ExtractBearer strips a "Bearer " prefix (case-insensitive) from an
// Authorization header value, returning the header unchanged if absent —
// used both by this middleware and by handlers that run pre-flight
// manually (multipart endpoints, whose body can't be JSON-peeked).
func ExtractBearer(header string) string {
	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return strings.TrimSpace(header[len("bearer "):])
	}
	return header
}

// peekRequestModel reads the "model" field out of a JSON request body
// without consuming it — the body is replaced with an equivalent reader so
// the proxy engine downstream still sees the original bytes.
func peekRequestModel(r *http.Request) (string, error) {
	if r.Body == nil || r.ContentLength == 0 {
		return "", nil
	}
	limited := io.LimitReader(r.Body, maxBodyPeek)
	body, err := io.ReadAll(limited)
	if err != nil {
		return "", err
	}
	// Peeked bytes first, then whatever lies beyond the peek window.
	r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), r.Body))

	if len(body) == 0 {
		return "", nil
	}
	if len(body) < maxBodyPeek && !json.Valid(body) {
		return "", fmt.Errorf("invalid json body")
	}
	return gjson.GetBytes(body, "model").String(), nil
}

func writeAuthError(w http.ResponseWriter, status, code int, message string) {
	traceID := strings.ReplaceAll(uuid.NewString(), "-", "")
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("trace-id", traceID)
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"object":"error","message":%q,"code":%d}`, message+" (request id: "+traceID+")", code)
}

// NewRequestContext builds a context carrying the same auth values
// Handler would have stashed after a successful pre-flight — used by
// handlers that run pre-flight inline (multipart endpoints) and by tests
// that need to exercise a handler without going through the middleware.
func NewRequestContext(parent context.Context, apiKey, userID, level, model string) context.Context {
	ctx := context.WithValue(parent, APIKeyContextKey, apiKey)
	ctx = context.WithValue(ctx, UserIDContextKey, userID)
	ctx = context.WithValue(ctx, userLevelContextKey, level)
	ctx = context.WithValue(ctx, requestModelContextKey, model)
	return ctx
}

// GetAPIKey extracts the raw bearer token from the request context.
func GetAPIKey(ctx context.Context) string {
	if v, ok := ctx.Value(APIKeyContextKey).(string); ok {
		return v
	}
	return ""
}

// GetUserID extracts the authenticated key's owner id from request context.
func GetUserID(ctx context.Context) string {
	if v, ok := ctx.Value(UserIDContextKey).(string); ok {
		return v
	}
	return ""
}

// GetUserLevel extracts the authenticated key's billing level from request context.
func GetUserLevel(ctx context.Context) string {
	if v, ok := ctx.Value(userLevelContextKey).(string); ok {
		return v
	}
	return ""
}

// GetRequestModel extracts the model named in the request body from request context.
func GetRequestModel(ctx context.Context) string {
	if v, ok := ctx.Value(requestModelContextKey).(string); ok {
		return v
	}
	return ""
}
