package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"

	"github.com/vnmchuo/llm-optimizer/config"
	"github.com/vnmchuo/llm-optimizer/internal/auth"
	"github.com/vnmchuo/llm-optimizer/internal/ingest"
	"github.com/vnmchuo/llm-optimizer/internal/optimizer"
	"github.com/vnmchuo/llm-optimizer/internal/provider"
	"github.com/vnmchuo/llm-optimizer/internal/provider/claude"
	"github.com/vnmchuo/llm-optimizer/internal/provider/gemini"
	"github.com/vnmchuo/llm-optimizer/internal/provider/openai"
	"github.com/vnmchuo/llm-optimizer/internal/proxy"
	"github.com/vnmchuo/llm-optimizer/internal/seeder"
	"github.com/vnmchuo/llm-optimizer/internal/telemetry"
	"github.com/vnmchuo/llm-optimizer/pkg/ratelimit"
)

const serviceName = "llm-optimizer"

var version = "dev"

func main() {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Str("service", serviceName).Logger()

	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer(telemetry.Options{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Exporter:       cfg.OTELExporterType,
		Endpoint:       cfg.OTELExporterEndpoint,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init tracer")
	}
	defer shutdownTracer()

	// 3. Connect PostgreSQL
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect postgres")
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping postgres")
	}
	if err := auth.Migrate(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate")
	}
	if err := ingest.Migrate(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate")
	}
	log.Info().Msg("PostgreSQL connected")

	// 4. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to ping redis")
	}
	log.Info().Msg("Redis connected")

	// 5. Init auth
	authStore := auth.NewPostgresStore(pool)
	authMiddleware := auth.NewMiddleware(authStore, auth.NewRedisKeyCache(rdb))

	if os.Getenv("RUN_SEED") == "true" {
		if err := seeder.SeedDevAPIKey(ctx, authStore); err != nil {
			log.Warn().Err(err).Msg("seeding skipped")
		}
	}

	// 6. Init sink and rate limiter
	runStore := ingest.NewPostgresStore(pool)
	limiter := ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitTPM)

	// 7. Init optimizer
	providers := []provider.Provider{
		gemini.New(cfg.GeminiAPIKey),
		openai.New(cfg.OpenAIAPIKey),
		claude.New(cfg.AnthropicAPIKey),
	}

	tracer := otel.GetTracerProvider().Tracer(serviceName)
	opts := []optimizer.Option{
		optimizer.WithLogger(log.Logger),
		optimizer.WithTracer(tracer),
	}
	if cfg.PricingFile != "" {
		catalog, err := config.LoadCatalog(cfg.PricingFile)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.PricingFile).Msg("failed to load pricing file")
		}
		opts = append(opts, optimizer.WithPricing(&catalog.PriceTable))
		if len(catalog.Candidates) > 0 {
			opts = append(opts, optimizer.WithSmartCandidates(catalog.Candidates))
		}
	}

	client, err := optimizer.New(cfg.Optimizer(), providers, opts...)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init optimizer")
	}

	proxyHandler := proxy.NewHandler(client, limiter, tracer, cfg.CacheTTL)
	ingestHandler := ingest.NewHandler(runStore, tracer)

	// 8. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"` + serviceName + `"}`))
	})

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/v1/chat/completions", proxyHandler.HandleComplete)
		r.Post("/v1/chat/completions/stream", proxyHandler.HandleCompleteStream)
		r.Post("/v1/smart", proxyHandler.HandleSmart)

		r.Post("/api/integrations/run", ingestHandler.HandleRun)
		r.Get("/api/integrations/runs", ingestHandler.HandleList)
	})

	// 9. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Info().Str("port", cfg.Port).Msg("LLM optimizer gateway starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-quit
	log.Info().Msg("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("forced shutdown")
	}
	// Pending usage reports are flushed before exit.
	client.Wait()
	log.Info().Msg("Server stopped")
}
