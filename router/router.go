package router

import (
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/imaas/gateway/analytics"
	"github.com/imaas/gateway/auth"
	"github.com/imaas/gateway/caching"
	"github.com/imaas/gateway/channel"
	"github.com/imaas/gateway/config"
	"github.com/imaas/gateway/handler"
	"github.com/imaas/gateway/intelligence"
	gwmw "github.com/imaas/gateway/middleware"
	"github.com/imaas/gateway/observability"
	"github.com/imaas/gateway/policy"
	"github.com/imaas/gateway/provider"
	"github.com/imaas/gateway/ratelimit"
	"github.com/imaas/gateway/routing"
	"github.com/imaas/gateway/usage"
)

// Deps bundles the components NewRouter wires into handlers and
// middleware. It exists so main.go's startup sequence — build each
// component, then hand them all to the router in one call — doesn't need
// an ever-growing positional argument list.
type Deps struct {
	Routes   *channel.RoutingTable
	Pool     *provider.ConnectionPool
	UsagePub *usage.Publisher
	Params   *handler.ParamTable
	Gate     *auth.Gate
	Limiter  *ratelimit.Limiter

	// Optional: absent deps degrade their mount gracefully (metrics route
	// omitted, tracing middleware skipped, analytics routes omitted).
	AnalyticsPipeline *analytics.Pipeline
	Metrics           *observability.Metrics
	Tracer            *observability.Tracer
}

// NewRouter returns a configured chi Router with the full middleware chain
// and all API routes mounted.
func NewRouter(cfg *config.Config, appLogger zerolog.Logger, deps Deps) http.Handler {
	r := chi.NewRouter()

	// --- Middleware Chain (order matters) ---
	// 1. CORS — must be first so preflight responses succeed
	r.Use(gwmw.CORSMiddleware([]string{"*"}))

	// 2. Security headers
	r.Use(gwmw.SecurityHeadersMiddleware)

	// 3. Request ID injection (chi built-in)
	r.Use(chimw.RequestID)

	// 4. Panic recovery
	r.Use(chimw.Recoverer)

	// 5. Request logger
	r.Use(mwRequestLogger(appLogger))

	if deps.Tracer != nil {
		r.Use(observability.TracingMiddleware(deps.Tracer))
	}

	// 6. Body size limit
	r.Use(mwMaxBodySize(cfg.MaxBodyBytes))

	// --- Health endpoints (no auth required) ---
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"imaas-gateway"}`))
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready","service":"imaas-gateway"}`))
	})

	if deps.Metrics != nil {
		r.Get("/metrics", deps.Metrics.Handler())
	}

	r.Get("/openapi.json", handler.OpenAPIHandler())
	r.Get("/docs", handler.SwaggerUIHandler())

	proxyHandler := handler.NewProxyHandler(appLogger, cfg, deps.Routes, deps.Pool, deps.UsagePub, deps.Params, deps.Gate, deps.Limiter)

	// identity-only pre-flight: no billing/limit check, used for listing
	// and health-style endpoints that don't spend quota.
	identityMW := gwmw.NewAuthMiddleware(deps.Gate, appLogger, false, false)
	// full pre-flight: billing clearance, used by every endpoint that
	// dispatches to an upstream model; rate limits are enforced once, by
	// rateLimiter below.
	fullMW := gwmw.NewAuthMiddleware(deps.Gate, appLogger, true, false)
	rateLimiter := gwmw.NewRateLimiter(deps.Limiter, appLogger, cfg.RateLimitEnabled)
	headerNorm := gwmw.NewHeaderNormalization(appLogger)
	// 50 concurrent in-flight requests per api key is a coarse safety net
	// against one tenant starving the others, independent of the RPM/TPM
	// ceilings the rate limiter already enforces.
	concurrencyGuard := gwmw.NewConcurrencyGuard(50, 30*time.Second, appLogger)

	routingEngine := routing.NewEngine(appLogger)
	failoverState := routing.NewFailoverState(5, 30*time.Second)
	routingHandler := handler.NewRoutingHandler(routingEngine, failoverState, appLogger)

	cacheEngine := caching.NewEngine(appLogger, nil)
	cacheHandler := handler.NewCacheHandler(cacheEngine, appLogger)

	var analyticsHandler *handler.AnalyticsHandler
	if deps.AnalyticsPipeline != nil {
		analyticsHandler = handler.NewAnalyticsHandler(deps.AnalyticsPipeline, appLogger)
	}

	prefix := cfg.APIPrefix
	if prefix == "" {
		prefix = "/imaas"
	}

	r.Route(prefix, func(r chi.Router) {
		r.Route("/v1", func(r chi.Router) {
			// Model dispatch endpoints spend quota and carry their own
			// per-family pre-flight (JSON body peek for the fullMW-mounted
			// routes, inline gate.Authorize for the multipart audio ones).
			r.Group(func(r chi.Router) {
				r.Use(fullMW.Handler)
				r.Use(rateLimiter.Handler)
				r.Use(concurrencyGuard.Middleware)
				r.Use(headerNorm.Handler)

				r.Post("/chat/completions", proxyHandler.ChatCompletions)
				r.Post("/completions", proxyHandler.Completions)
				r.Post("/embeddings", proxyHandler.Embeddings)
				r.Post("/rerank", proxyHandler.Rerank)
				r.Post("/audio/speech", proxyHandler.AudioSpeech)
			})

			// Multipart endpoints run pre-flight inline inside the handler
			// (their bodies can't be JSON-peeked by AuthMiddleware), so
			// they're mounted without fullMW/rateLimiter in front.
			r.Post("/audio/speech-ext", proxyHandler.AudioSpeechExt)
			r.Post("/audio/transcriptions", proxyHandler.AudioTranscriptions)

			r.Group(func(r chi.Router) {
				r.Use(identityMW.Handler)
				r.Get("/models", proxyHandler.Models)
			})

			r.Post("/files", proxyHandler.Files)
			r.Get("/files", proxyHandler.Files)

			// Routing rules CRUD + evaluation
			r.Get("/routing/rules", routingHandler.ListRules)
			r.Post("/routing/rules", routingHandler.CreateRule)
			r.Get("/routing/rules/{id}", routingHandler.GetRule)
			r.Put("/routing/rules/{id}", routingHandler.UpdateRule)
			r.Delete("/routing/rules/{id}", routingHandler.DeleteRule)
			r.Post("/routing/evaluate", routingHandler.EvaluateRouting)

			// Semantic cache management
			r.Get("/cache/stats", cacheHandler.Stats)
			r.Delete("/cache", cacheHandler.FlushAll)
			r.Delete("/cache/{namespace}", cacheHandler.FlushNamespace)
			r.Delete("/cache/{namespace}/{entryId}", cacheHandler.InvalidateEntry)

			if analyticsHandler != nil {
				r.Post("/analytics/cost", analyticsHandler.QueryCost)
				r.Post("/analytics/latency", analyticsHandler.QueryLatency)
				r.Get("/analytics/cache", analyticsHandler.CacheAnalytics)
				r.Get("/analytics/pipeline", analyticsHandler.PipelineStats)
				r.Get("/analytics/daily", analyticsHandler.DailyCostAggregation)
				r.Get("/analytics/export/csv", analyticsHandler.ExportCostCSV)
			}

			experimentEngine := routing.NewExperimentEngine(appLogger)
			experimentHandler := handler.NewExperimentHandler(experimentEngine, appLogger)
			r.Get("/experiments", experimentHandler.ListExperiments)
			r.Post("/experiments", experimentHandler.CreateExperiment)
			r.Get("/experiments/{id}", experimentHandler.GetExperiment)
			r.Post("/experiments/{id}/start", experimentHandler.StartExperiment)
			r.Post("/experiments/{id}/pause", experimentHandler.PauseExperiment)
			r.Post("/experiments/{id}/conclude", experimentHandler.ConcludeExperiment)
			r.Delete("/experiments/{id}", experimentHandler.DeleteExperiment)
			r.Post("/experiments/{id}/assign", experimentHandler.AssignVariant)
			r.Post("/experiments/{id}/result", experimentHandler.RecordResult)
			r.Get("/experiments/{id}/metrics", experimentHandler.GetMetrics)
			r.Get("/experiments/{id}/compare", experimentHandler.CompareVariants)

			opaClient := policy.NewOPAClient(policy.OPAConfig{}, appLogger)
			policyHandler := handler.NewPolicyHandler(opaClient, appLogger)
			r.Get("/policies", policyHandler.ListPolicies)
			r.Post("/policies", policyHandler.CreatePolicy)
			r.Get("/policies/templates", policyHandler.ListTemplates)
			r.Get("/policies/evaluations", policyHandler.GetEvaluationLog)
			r.Post("/policies/evaluate", policyHandler.EvaluatePolicy)
			r.Get("/policies/{id}", policyHandler.GetPolicy)
			r.Put("/policies/{id}", policyHandler.UpdatePolicy)
			r.Delete("/policies/{id}", policyHandler.DeletePolicy)
			r.Post("/policies/{id}/dry-run", policyHandler.ToggleDryRun)

			classifier := intelligence.NewClassifier(nil)
			forecaster := intelligence.NewForecaster()
			anomalyDetector := intelligence.NewAnomalyDetector(0, 0)
			featureTracker := intelligence.NewFeatureTracker()
			arbitrageEngine := intelligence.NewArbitrageEngine()
			trafficRecorder := intelligence.NewTrafficRecorder(0)
			intelHandler := handler.NewIntelligenceHandler(
				classifier, forecaster, anomalyDetector,
				featureTracker, arbitrageEngine, trafficRecorder, appLogger,
			)
			r.Post("/intelligence/classify", intelHandler.Classify)
			r.Post("/intelligence/forecast", intelHandler.Forecast)
			r.Post("/intelligence/anomaly", intelHandler.DetectAnomaly)
			r.Post("/intelligence/features/cost", intelHandler.RecordFeatureCost)
			r.Get("/intelligence/features", intelHandler.GetFeatureCosts)
			r.Post("/intelligence/roi", intelHandler.CalculateROI)
			r.Post("/intelligence/efficiency", intelHandler.CalculateEfficiency)
			r.Get("/intelligence/arbitrage", intelHandler.FindArbitrage)
			r.Post("/intelligence/arbitrage/prices", intelHandler.UpdateArbitragePrices)
			r.Post("/intelligence/traffic/record", intelHandler.RecordTraffic)
			r.Post("/intelligence/traffic/simulate", intelHandler.SimulateTraffic)
		})

		r.NotFound(proxyHandler.NotFound)
	})

	return r
}

// mwMaxBodySize returns middleware that limits the request body size.
func mwMaxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = 1 * 1024 * 1024
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			max := maxBytes
			if v := os.Getenv("GATEWAY_MAX_BODY_BYTES"); v != "" {
				if parsed, err := strconv.ParseInt(v, 10, 64); err == nil && parsed > 0 {
					max = parsed
				}
			}

			if r.ContentLength > 0 && r.ContentLength > max {
				http.Error(w, `{"error":"request_too_large","message":"request body too large"}`, http.StatusRequestEntityTooLarge)
				return
			}

			r.Body = http.MaxBytesReader(w, r.Body, max)
			next.ServeHTTP(w, r)
		})
	}
}

func mwRequestLogger(appLogger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(rw, r)
			dur := time.Since(start)
			reqID := chimw.GetReqID(r.Context())
			appLogger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("req_id", reqID).
				Int("status", rw.Status()).
				Dur("duration", dur).
				Msg("request completed")
		})
	}
}
