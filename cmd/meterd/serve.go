package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/vnmchuo/ai-metering/config"
	"github.com/vnmchuo/ai-metering/internal/auth"
	"github.com/vnmchuo/ai-metering/internal/catalog"
	"github.com/vnmchuo/ai-metering/internal/clock"
	"github.com/vnmchuo/ai-metering/internal/events"
	"github.com/vnmchuo/ai-metering/internal/metrics"
	"github.com/vnmchuo/ai-metering/internal/pricing"
	"github.com/vnmchuo/ai-metering/internal/provider"
	"github.com/vnmchuo/ai-metering/internal/provider/claude"
	"github.com/vnmchuo/ai-metering/internal/provider/gemini"
	"github.com/vnmchuo/ai-metering/internal/provider/openai"
	"github.com/vnmchuo/ai-metering/internal/proxy"
	"github.com/vnmchuo/ai-metering/internal/quota"
	"github.com/vnmchuo/ai-metering/internal/telemetry"
	"github.com/vnmchuo/ai-metering/internal/tier"
	"github.com/vnmchuo/ai-metering/internal/usage"
	"github.com/vnmchuo/ai-metering/pkg/ratelimit"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the metering HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, log, err := bootstrap(true)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	shutdownTracer, err := telemetry.InitTracer(serviceName, version, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to init tracer: %w", err)
	}
	defer shutdownTracer()

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("failed to connect postgres: %w", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping postgres: %w", err)
	}
	log.Info("postgres connected")

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	if err := redisotel.InstrumentTracing(rdb); err != nil {
		return fmt.Errorf("failed to instrument redis: %w", err)
	}
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	log.Info("redis connected")

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return err
	}
	table, err := cat.PricingTable()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)
	clk := clock.SystemClock{}

	sinks := events.Multi{events.NewLogSink(log), events.NewMetricsSink(m)}
	if cfg.EventsChannel != "" {
		sinks = append(sinks, events.NewRedisSink(rdb, cfg.EventsChannel))
	}
	emitter := events.NewEmitter(sinks, cfg.EventsBuffer, log, m)

	tierStore := tier.NewPostgresStore(pool)
	if rows, err := tierStore.ListTiers(ctx); err != nil {
		log.Warn("failed to load stored tiers, using catalog only", zap.Error(err))
	} else {
		cat.Tiers = tier.Merge(cat.Tiers, rows)
	}
	resolver, err := tier.NewResolver(tierStore, cat.Tiers, cat.Default(), clk, log)
	if err != nil {
		return err
	}
	log.Info("catalog loaded",
		zap.Int("tiers", len(resolver.Tiers())),
		zap.Int("models", len(table.Models())),
		zap.String("default_model", table.DefaultModel()),
	)
	recorder := usage.NewRecorder(usage.NewPostgresStore(pool), clk)
	gate := quota.NewGate(resolver, recorder,
		quota.WithClock(clk),
		quota.WithLogger(log),
		quota.WithMetrics(m),
		quota.WithEvents(emitter),
	)

	var reserver quota.Reserver = quota.SoftLimitReserver{}
	if cfg.QuotaReservation == config.ReservationRedis {
		reserver = quota.NewRedisReserver(rdb, clk, log, m)
	}

	router, err := proxy.NewRouter(provider.NewRegistry(), newProviders(cfg)...)
	if err != nil {
		return err
	}

	dispatcher := proxy.NewDispatcher(proxy.Deps{
		Router:            router,
		Gate:              gate,
		Reserver:          reserver,
		Recorder:          recorder,
		Calculator:        pricing.NewCalculator(table),
		Events:            emitter,
		Metrics:           m,
		Logger:            log,
		Tracer:            otel.GetTracerProvider().Tracer(serviceName),
		Clock:             clk,
		ReservationTokens: cfg.DefaultReservationTokens,
	})

	limiter := ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitTPM)
	handler := proxy.NewHandler(dispatcher, gate, recorder, limiter, clk, log,
		proxy.WithDefaultTokens(cfg.DefaultReservationTokens),
	)
	authMiddleware := auth.NewMiddleware(auth.NewPostgresStore(pool), rdb, log)

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, `{"status":"ok","service":%q}`, serviceName)
	})
	r.Get("/healthz/providers", func(w http.ResponseWriter, req *http.Request) {
		writeStates(w, router.State())
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		handler.Routes(r)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(r, serviceName),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.ProviderTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		log.Info("meterd starting",
			zap.String("port", cfg.Port),
			zap.Strings("providers", router.Providers()),
			zap.String("reservation", cfg.QuotaReservation),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-quit:
		log.Info("shutting down gracefully")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}
	if err := emitter.Close(shutdownCtx); err != nil {
		log.Warn("events not fully drained", zap.Error(err))
	}
	log.Info("server stopped")
	return nil
}

// newProviders builds every adapter. A provider without an API key is still
// registered so its models route; upstream rejects the call with 401.
func newProviders(cfg *config.Config) []provider.Provider {
	client := provider.NewHTTPClient(cfg.ProviderTimeout)

	openaiOpts := []openai.Option{openai.WithHTTPClient(client)}
	if cfg.OpenAIBaseURL != "" {
		openaiOpts = append(openaiOpts, openai.WithBaseURL(cfg.OpenAIBaseURL))
	}
	claudeOpts := []claude.Option{claude.WithHTTPClient(client)}
	if cfg.AnthropicBaseURL != "" {
		claudeOpts = append(claudeOpts, claude.WithBaseURL(cfg.AnthropicBaseURL))
	}
	geminiOpts := []gemini.Option{gemini.WithHTTPClient(client)}
	if cfg.GeminiBaseURL != "" {
		geminiOpts = append(geminiOpts, gemini.WithBaseURL(cfg.GeminiBaseURL))
	}

	return []provider.Provider{
		openai.New(cfg.OpenAIAPIKey, openaiOpts...),
		claude.New(cfg.AnthropicAPIKey, claudeOpts...),
		gemini.New(cfg.GeminiAPIKey, geminiOpts...),
	}
}

func writeStates(w http.ResponseWriter, states map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	status := http.StatusOK
	for _, s := range states {
		if s == "open" {
			status = http.StatusServiceUnavailable
			break
		}
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(states)
}
