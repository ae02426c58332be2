package middleware

import (
	"fmt"
	"net/http"

	"github.com/imaas/gateway/gwerrors"
	"github.com/imaas/gateway/ratelimit"
	"github.com/rs/zerolog"
)

// RateLimiter is a thin chi middleware wrapper around ratelimit.Limiter.
// The heavy lifting (Redis sorted sets, fail-open fallback, cascading
// limit lookup) lives in the ratelimit package; this just wires request
// context (api key, user level, model) into it and turns the verdict into
// an HTTP response.
type RateLimiter struct {
	limiter *ratelimit.Limiter
	logger  zerolog.Logger
	enabled bool
}

func NewRateLimiter(limiter *ratelimit.Limiter, logger zerolog.Logger, enabled bool) *RateLimiter {
	return &RateLimiter{limiter: limiter, logger: logger, enabled: enabled}
}

// Handler enforces the limit for the request's api key against the model
// named in the request context (set by an earlier body-parsing step).
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.enabled {
			next.ServeHTTP(w, r)
			return
		}

		key := GetAPIKey(r.Context())
		level := GetUserLevel(r.Context())
		model := GetRequestModel(r.Context())
		if key == "" || model == "" {
			next.ServeHTTP(w, r)
			return
		}

		allowed, err := rl.limiter.Allow(r.Context(), key, level, model)
		if err != nil {
			rl.logger.Error().Err(err).Msg("rate limit check failed")
		}
		if !allowed {
			gwErr := gwerrors.TooManyRequests(fmt.Sprintf("rate limit exceeded for model %q", model))
			writeAuthError(w, gwErr.Status, gwErr.Code, gwErr.Message)
			return
		}

		next.ServeHTTP(w, r)
	})
}
