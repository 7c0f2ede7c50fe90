package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/vnmchuo/voice-metering/config"
	"github.com/vnmchuo/voice-metering/internal/ingest"
	"github.com/vnmchuo/voice-metering/internal/ledger"
	"github.com/vnmchuo/voice-metering/internal/metering"
	"github.com/vnmchuo/voice-metering/internal/seeder"
	"github.com/vnmchuo/voice-metering/internal/telemetry"
	"github.com/vnmchuo/voice-metering/pkg/ratelimit"
)

const serviceName = "voice-metering"

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync()

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer(serviceName, cfg, logger)
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdownTracer()
	tracer := otel.GetTracerProvider().Tracer(serviceName)

	// 3. Connect PostgreSQL
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Fatal("failed to ping postgres", zap.Error(err))
	}
	logger.Info("PostgreSQL connected")

	store := ledger.NewPostgresStore(pool)
	if err := store.Migrate(ctx); err != nil {
		logger.Fatal("failed to migrate ledger schema", zap.Error(err))
	}

	// 4. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("failed to ping redis", zap.Error(err))
	}
	logger.Info("Redis connected")

	// 5. Init ledger
	accounts := ledger.New(store, rdb, logger.Named("ledger"), tracer)

	if cfg.RunSeed {
		seeder.SeedTestAccount(ctx, accounts, logger.Named("seeder"))
	}

	// 6. Init metering
	registry := metering.NewRegistry(cfg.Metering, metering.Deps{
		Ledger: accounts,
		Prices: cfg.Prices,
		Logger: logger.Named("metering"),
		Tracer: tracer,
	})

	// 7. Init ingest
	limiter := ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitEPM)
	handler := ingest.NewHandler(registry, accounts, limiter, logger.Named("ingest"), tracer)
	authMiddleware := ingest.NewAuthMiddleware(accounts, logger.Named("auth"))
	router := ingest.NewRouter(handler, authMiddleware, cfg.CORSAllowedOrigins, logger.Named("http"))

	// 8. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("voice metering starting",
			zap.String("port", cfg.Port),
			zap.String("mode", string(cfg.Metering.Mode)),
			zap.String("credit_policy", string(cfg.Metering.Policy)),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("shutting down gracefully")

	// Sessions still open are settled before the stores close.
	drain(srv, registry, logger, serveTimeout, settleTimeout)
	logger.Info("server stopped")
}

const (
	serveTimeout  = 15 * time.Second
	settleTimeout = 30 * time.Second
)

// drain stops intake and then settles open sessions. Settlement gets its own
// deadline so slow in-flight requests cannot eat into it.
func drain(srv *http.Server, registry *metering.Registry, logger *zap.Logger, serve, settle time.Duration) {
	serveCtx, cancelServe := context.WithTimeout(context.Background(), serve)
	defer cancelServe()
	if err := srv.Shutdown(serveCtx); err != nil {
		logger.Error("forced shutdown", zap.Error(err))
	}

	settleCtx, cancelSettle := context.WithTimeout(context.Background(), settle)
	defer cancelSettle()
	registry.Shutdown(settleCtx)
}
