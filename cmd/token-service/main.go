package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hqms/token-service/internal/config"
	"hqms/token-service/internal/httpapi"
	"hqms/token-service/internal/queue"
	"hqms/token-service/internal/store"
	"hqms/token-service/internal/store/memory"
	"hqms/token-service/internal/store/postgres"
	redisstore "hqms/token-service/internal/store/redis"
	"hqms/token-service/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	cfg := config.Load()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	shutdownTracing := telemetry.Setup("token-service")
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(ctx)
	}()

	var patients store.PatientStore
	var counters store.CounterStore

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("db connect")
		}
		defer pool.Close()
		pg := postgres.NewStore(pool)
		patients = pg
		counters = pg
	} else {
		log.Warn().Msg("DB_DSN not set, running with in-memory store")
		patients = memory.NewStore()
		counters = memory.NewCounterStore()
	}

	if cfg.CounterBackend == "redis" {
		if cfg.RedisURL == "" {
			log.Fatal().Msg("COUNTER_BACKEND=redis requires REDIS_URL")
		}
		redisOpts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("redis connect")
		}
		client := goredis.NewClient(redisOpts)
		defer client.Close()
		counters = redisstore.NewCounterStore(client)
	}

	manager := queue.NewManager(patients, counters, log.Logger, queue.ManagerOptions{
		TokenTTL: cfg.TokenTTL,
	})
	estimator := queue.NewEstimator(patients, log.Logger)
	view := queue.NewViewBuilder(patients, estimator)

	handler := httpapi.NewHandler(manager, estimator, view, patients)
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:      cfg.RateLimitPerMinute,
		IPBurst:          cfg.RateLimitBurst,
		PatientPerMinute: cfg.PatientRateLimitPerMinute,
		PatientBurst:     cfg.PatientRateLimitBurst,
	})

	routes := httpapi.LoggingMiddleware(log.Logger, limiter.Middleware(handler.Routes()))
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(routes, "token-service"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("token-service listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	go func() {
		if cfg.ExpiryInterval <= 0 || cfg.TokenTTL <= 0 {
			return
		}
		ticker := time.NewTicker(cfg.ExpiryInterval)
		defer ticker.Stop()
		for range ticker.C {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			count, err := manager.ExpirePending(ctx, cfg.ExpiryBatchSize)
			cancel()
			if err != nil {
				log.Error().Err(err).Msg("expiry sweep error")
				continue
			}
			if count > 0 {
				log.Info().Int("count", count).Msg("expired pending tokens cancelled")
			}
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
}
