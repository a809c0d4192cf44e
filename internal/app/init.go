package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/inference-gateway/internal/auth"
	"github.com/nulpointcorp/inference-gateway/internal/backends"
	anthropicbackend "github.com/nulpointcorp/inference-gateway/internal/backends/anthropic"
	mockbackend "github.com/nulpointcorp/inference-gateway/internal/backends/mock"
	openaibackend "github.com/nulpointcorp/inference-gateway/internal/backends/openai"
	"github.com/nulpointcorp/inference-gateway/internal/batch"
	gwcache "github.com/nulpointcorp/inference-gateway/internal/cache"
	"github.com/nulpointcorp/inference-gateway/internal/coalesce"
	"github.com/nulpointcorp/inference-gateway/internal/gateway"
	"github.com/nulpointcorp/inference-gateway/internal/logger"
	"github.com/nulpointcorp/inference-gateway/internal/metrics"
	"github.com/nulpointcorp/inference-gateway/internal/quota"
	"github.com/nulpointcorp/inference-gateway/internal/router"
)

// initInfra establishes optional external connections. Redis backs the
// shared cache and quota counters; ClickHouse receives the async request log.
// Neither is required — the gateway degrades to in-process implementations.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Redis.URL != "" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	reqLogger, err := logger.New(a.baseCtx, a.log)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLogger = reqLogger

	if a.cfg.ClickHouse.Addr != "" {
		sink, err := logger.NewClickHouseSink(ctx,
			a.cfg.ClickHouse.Addr,
			a.cfg.ClickHouse.Database,
			a.cfg.ClickHouse.Username,
			a.cfg.ClickHouse.Password,
		)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		a.chSink = sink
		a.reqLogger.SetSink(sink)
		a.log.Info("clickhouse sink connected", slog.String("addr", a.cfg.ClickHouse.Addr))
	}

	return nil
}

// initBackends builds the upstream pool from configured API keys. With no
// keys configured the gateway runs two built-in mock backends so it works
// out of the box.
func (a *App) initBackends(_ context.Context) error {
	var pool []backends.Backend

	if a.cfg.OpenAI.APIKey != "" {
		opts := []openaibackend.Option{openaibackend.WithTimeout(a.cfg.OpenAI.Timeout)}
		if a.cfg.OpenAI.BaseURL != "" {
			opts = append(opts, openaibackend.WithBaseURL(a.cfg.OpenAI.BaseURL))
		}
		pool = append(pool, openaibackend.New(a.cfg.OpenAI.APIKey, opts...))
	}
	if a.cfg.Anthropic.APIKey != "" {
		opts := []anthropicbackend.Option{anthropicbackend.WithTimeout(a.cfg.Anthropic.Timeout)}
		if a.cfg.Anthropic.BaseURL != "" {
			opts = append(opts, anthropicbackend.WithBaseURL(a.cfg.Anthropic.BaseURL))
		}
		pool = append(pool, anthropicbackend.New(a.cfg.Anthropic.APIKey, opts...))
	}

	if len(pool) == 0 {
		pool = append(pool, mockbackend.New("mock-a"), mockbackend.New("mock-b"))
		a.log.Warn("no backend API keys configured, serving built-in mock backends")
	}

	a.pool = pool

	names := make([]string, len(pool))
	for i, b := range pool {
		names[i] = b.Name()
	}
	a.log.Info("backends loaded", slog.Any("backends", names))

	return nil
}

// initServices creates the metrics registry, router, and micro-batcher.
func (a *App) initServices(_ context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	a.rtr = router.New(a.pool, router.Config{
		FailureThreshold: a.cfg.Router.FailureThreshold,
		Cooldown:         a.cfg.Router.Cooldown,
		Retries:          a.cfg.Router.Retries,
		ProbeInterval:    a.cfg.Router.ProbeInterval,
	}, a.log, a.prom)
	go a.rtr.RunProber(a.baseCtx)

	if a.cfg.Batch.Enabled {
		dispatch := func(ctx context.Context, req *backends.ChatRequest) (*backends.ChatResponse, error) {
			resp, _, err := a.rtr.Execute(ctx, req)
			return resp, err
		}
		a.batcher = batch.New(
			a.cfg.Batch.MaxSize, a.cfg.Batch.MaxWait, dispatch, a.log,
			func(size int) { a.prom.ObserveBatchFlush(size) },
		)
		a.log.Info("micro-batching enabled",
			slog.Int("max_size", a.cfg.Batch.MaxSize),
			slog.Duration("max_wait", a.cfg.Batch.MaxWait),
		)
	}

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	policy := sharedPolicy(a.cfg)

	var store quota.Store
	if a.rdb != nil {
		store = quota.NewRedisStore(a.rdb, a.cfg.Redis.Prefix)
	} else {
		store = quota.NewMemoryStore()
	}
	qm := quota.NewManager(store, a.cfg.Quota.FailOpen, a.log,
		func(result string) { a.prom.RecordRateLimit(result) })

	var exclusions *gwcache.ExclusionList
	if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		el, err := gwcache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		exclusions = el
		a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
	}

	svc := gateway.Services{
		Auth:  auth.NewRegistry(a.cfg.APIKeys, policy),
		Quota: qm,
		Unary: coalesce.NewUnary(a.log,
			func(outcome string) { a.prom.RecordCoalesce("unary", outcome) }),
		Streams: coalesce.NewStreams(0, 0, a.log,
			func(outcome string) { a.prom.RecordCoalesce("stream", outcome) }),
		Batcher: a.batcher,
		Router:  a.rtr,
		Cache:   buildCache(a.rdb, a.cfg),
	}

	a.gw = gateway.New(a.baseCtx, svc, gateway.Options{
		Logger:          a.log,
		Metrics:         a.prom,
		RequestLogger:   a.reqLogger,
		CacheTTL:        a.cfg.Cache.TTL,
		CacheExclusions: exclusions,
		RequestTimeout:  a.cfg.RequestTimeout,
		CORSOrigins:     a.cfg.CORSOrigins,
	})

	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
