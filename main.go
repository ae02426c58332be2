package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/imaas/gateway/analytics"
	"github.com/imaas/gateway/auth"
	"github.com/imaas/gateway/billing"
	"github.com/imaas/gateway/channel"
	"github.com/imaas/gateway/config"
	"github.com/imaas/gateway/eventbus"
	"github.com/imaas/gateway/handler"
	"github.com/imaas/gateway/logger"
	"github.com/imaas/gateway/metering"
	"github.com/imaas/gateway/observability"
	"github.com/imaas/gateway/provider"
	"github.com/imaas/gateway/ratelimit"
	"github.com/imaas/gateway/redisclient"
	"github.com/imaas/gateway/router"
	"github.com/imaas/gateway/scheduler"
	"github.com/imaas/gateway/usage"
	"github.com/rs/zerolog"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg)

	log.Info().Str("env", cfg.Env).Msg("imaas gateway starting")

	rc, err := redisclient.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("redis init failed")
	}
	if err := rc.Ping(); err != nil {
		log.Fatal().Err(err).Msg("redis ping failed")
	}
	log.Info().Msg("redis connected")

	routes := channel.NewRoutingTable(loadChannels(log))

	pool := provider.DefaultConnectionPool()

	healthChecker := channel.NewChecker(routes, channel.HTTPProber{Timeout: cfg.HealthCheckTimeout}, log, cfg.HealthCheckInterval, cfg.HealthChangeThreshold)
	healthChecker.OnChange(func(channelID string, healthy bool) {
		if healthy {
			log.Info().Str("channel_id", channelID).Msg("channel recovered")
		} else {
			log.Error().Str("channel_id", channelID).Msg("channel degraded")
		}
	})

	// api keys are an external collaborator's database in production;
	// MemoryBackend stands in until that store is wired, per the
	// channel/model/api-key CRUD being out of this gateway's scope.
	keyBackend := auth.NewMemoryBackend()
	keyStore, err := auth.NewCachedKeyStore(keyBackend, cfg.APIKeyCacheTTL)
	if err != nil {
		log.Fatal().Err(err).Msg("key store init failed")
	}

	limiter := ratelimit.New(rc, defaultLimits{rpm: cfg.DefaultRPM, tpm: cfg.DefaultTPM}, log, cfg.RateLimitFailOpen, "imaas")
	gate := auth.NewGate(keyStore, stubBalanceChecker{}, limiter)

	usagePub := usage.NewPublisher(rc, "api_invoke_event_queue", "api_error_event_queue", int64(cfg.InvokeEventQueueMaxLen))
	params := handler.NewParamTable(nil)

	events := eventbus.New(rc, log, "server_event_queue", int64(cfg.ServerEventQueueMaxLen))
	events.Register(eventbus.EvictSubscriber{Module: eventbus.ModuleAPIKey, Delete: func(p []interface{}) {
		if len(p) > 0 {
			if rawKey, ok := p[0].(string); ok {
				keyStore.InvalidateCache(rawKey)
			}
		}
	}})

	var analyticsSink analytics.Sink
	if chDSN := os.Getenv("CLICKHOUSE_DSN"); chDSN != "" {
		chSink, err := analytics.NewClickHouseSink(chDSN, log)
		if err != nil {
			log.Warn().Err(err).Msg("clickhouse sink init failed — falling back to log sink")
			analyticsSink = analytics.NewLogSink(log)
		} else {
			analyticsSink = chSink
			log.Info().Msg("clickhouse analytics sink connected")
		}
	} else {
		analyticsSink = analytics.NewLogSink(log)
		log.Info().Msg("analytics using log sink (set CLICKHOUSE_DSN for production)")
	}
	analyticsPipeline := analytics.NewPipeline(log, analyticsSink)
	analyticsPipeline.Start(context.Background())

	metrics := observability.NewMetrics(log)
	traceExporter := observability.NewLogExporter(log)
	tracer := observability.NewTracer(log, traceExporter, 1.0)

	usageConsumer := usage.NewConsumer(rc, log, "api_invoke_event_queue", "api_error_event_queue", "imaas-consumers", analyticsPipeline, nil, true)
	billingSweeper := billing.NewSweeper(rc, log, stubChargeClient{}, pricingProductCatalog{engine: metering.NewCostEngine()}, stubOutcomeLog{log: log}, cfg.BillingInterval)

	sched := scheduler.New(rc, log, "imaas:global-job-lock", cfg.GlobalJobExpire)
	sched.RegisterGlobal(func(ctx context.Context) {
		healthChecker.Start()
		<-ctx.Done()
		healthChecker.Stop()
	})
	sched.RegisterGlobal(billingSweeper.Run)
	sched.RegisterGlobal(func(ctx context.Context) {
		if err := usageConsumer.RunInvokeConsumer(ctx, scheduler.WorkerIdentity()); err != nil {
			log.Error().Err(err).Msg("invoke consumer exited")
		}
	})
	sched.RegisterGlobal(func(ctx context.Context) {
		if err := usageConsumer.RunErrorConsumer(ctx, scheduler.WorkerIdentity()); err != nil {
			log.Error().Err(err).Msg("error consumer exited")
		}
	})
	sched.RegisterLocal(scheduler.LocalJob{
		Name:     "api_key_last_used_flush",
		Interval: cfg.LastUsedFlushInterval,
		Run: func(ctx context.Context) {
			if err := keyStore.Flush(ctx); err != nil {
				log.Error().Err(err).Msg("last_used_at flush failed")
			}
		},
	})

	schedCtx, cancelSched := context.WithCancel(context.Background())
	go sched.Run(schedCtx)

	// the event bus recovers its read position from the stream tail on
	// startup, so every replica runs its own consumer loop independently
	// rather than through the global-job lock.
	eventCtx, cancelEvents := context.WithCancel(context.Background())
	go events.Run(eventCtx)

	r := router.NewRouter(cfg, log, router.Deps{
		Routes:            routes,
		Pool:              pool,
		UsagePub:          usagePub,
		Params:            params,
		Gate:              gate,
		Limiter:           limiter,
		AnalyticsPipeline: analyticsPipeline,
		Metrics:           metrics,
		Tracer:            tracer,
	})

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.DefaultTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-done
	log.Info().Msg("shutdown signal received")

	cancelSched()
	cancelEvents()
	analyticsPipeline.Stop()
	tracer.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	} else {
		log.Info().Msg("gateway stopped gracefully")
	}
}

// loadChannels reads the channel-to-model map off disk at
// GATEWAY_CHANNELS_FILE (a JSON object of model name -> []channel.Channel).
// The real channel table is an external collaborator's database per the
// scope this gateway covers; this is the minimal bootstrap needed to run
// it standalone, not a replacement for that store.
func loadChannels(log zerolog.Logger) map[string][]channel.Channel {
	path := os.Getenv("GATEWAY_CHANNELS_FILE")
	if path == "" {
		log.Warn().Msg("GATEWAY_CHANNELS_FILE not set, starting with an empty routing table")
		return map[string][]channel.Channel{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to read channels file, starting empty")
		return map[string][]channel.Channel{}
	}
	var byModel map[string][]channel.Channel
	if err := json.Unmarshal(data, &byModel); err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to parse channels file, starting empty")
		return map[string][]channel.Channel{}
	}
	log.Info().Int("models", len(byModel)).Msg("loaded channel routing table")
	return byModel
}

type defaultLimits struct {
	rpm int
	tpm int
}

func (d defaultLimits) Limits(ctx context.Context, level, model string) (ratelimit.Limits, error) {
	return ratelimit.Limits{RPM: d.rpm, TPM: d.tpm}, nil
}

// stubBalanceChecker always reports sufficient balance — billing balance
// lives in the same external product/account store as channel and api-key
// data, out of this gateway's scope.
type stubBalanceChecker struct{}

func (stubBalanceChecker) HasBalance(ctx context.Context, ownerID, model string) (bool, error) {
	return true, nil
}

// stubChargeClient accepts every charge intent without contacting a real
// billing system — wiring a production ChargeClient means pointing this
// at that collaborator's RPC endpoint.
type stubChargeClient struct{}

func (stubChargeClient) Charge(ctx context.Context, intents []billing.ChargeIntent) ([]billing.ChargeResult, error) {
	results := make([]billing.ChargeResult, len(intents))
	for i, in := range intents {
		results[i] = billing.ChargeResult{EventID: in.EventID, Success: true}
	}
	return results, nil
}

// pricingProductCatalog answers product lookups from the static pricing
// table rather than the real product/plan database, per the same
// external-collaborator boundary as the other stand-ins above.
type pricingProductCatalog struct {
	engine *metering.CostEngine
}

func (p pricingProductCatalog) HasProduct(model, unit string) bool {
	if unit != "token" {
		return true
	}
	return p.engine.HasPricing("", model)
}

type stubOutcomeLog struct {
	log zerolog.Logger
}

func (s stubOutcomeLog) WriteOutcome(ctx context.Context, intent billing.ChargeIntent, result billing.ChargeResult) {
	s.log.Info().
		Str("event_id", intent.EventID).
		Str("user_id", intent.UserID).
		Str("model", intent.Model).
		Bool("success", result.Success).
		Msg("billing charge outcome")
}
