/**
 * @description
 * This is the main entry point for the ledger-service. It initializes configuration,
 * logging, tracing, the account store, Redis-backed request protections, the RabbitMQ
 * producer and provisioning consumer, the ledger audit schedule and the HTTP server,
 * then wires them together and serves until it receives a shutdown signal.
 *
 * @dependencies
 * - github.com/joho/godotenv: local .env loading.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: idempotency and rate limiting.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/transfa/ledger-service/internal/api"
	"github.com/transfa/ledger-service/internal/app"
	"github.com/transfa/ledger-service/internal/config"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/observability"
	"github.com/transfa/ledger-service/internal/store"
	"github.com/transfa/ledger-service/pkg/logger"
	rmrabbit "github.com/transfa/ledger-service/pkg/rabbitmq"
)

type ledgerStore interface {
	store.Ledger
	Ping(ctx context.Context) error
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	baseLog, err := logger.New(cfg.LogMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer baseLog.Sync()
	log := baseLog.Component("bootstrap")
	log.Info("starting ledger-service", "port", cfg.ServerPort, "store_driver", cfg.StoreDriver)

	shutdownTracing := observability.InitTracing(context.Background(), baseLog, observability.TracingConfig{
		Enabled:     cfg.OTelEnabled,
		ServiceName: cfg.OTelServiceName,
		Environment: cfg.LogMode,
	})
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(ctx)
	}()

	ledger, closeStore := openStore(cfg, log)
	defer closeStore()

	redisClient := openRedis(cfg, log)
	if redisClient != nil {
		defer redisClient.Close()
	}

	var producer rmrabbit.Publisher = &rmrabbit.EventProducerFallback{Log: baseLog}
	if cfg.RabbitMQURL == "" {
		log.Warn("rabbitmq url missing; ledger events will be dropped", "env", "RABBITMQ_URL")
	} else if rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL, baseLog); err != nil {
		log.Warn("rabbitmq producer unavailable; using fallback", "error", err)
	} else {
		producer = rabbitProducer
		log.Info("rabbitmq producer connected")
	}
	defer producer.Close()

	ledgerService := app.NewService(ledger, producer, baseLog, app.Options{
		TransferTimeout: cfg.TransferTimeout(),
		EventsExchange:  cfg.EventsExchange,
		SeedMin:         cfg.AccountSeedMin,
		SeedMax:         cfg.AccountSeedMax,
	})

	if cfg.RabbitMQURL != "" {
		rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL, baseLog)
		if err != nil {
			log.Fatal("rabbitmq consumer init failed", "error", err)
		}
		defer rabbitConsumer.Close()

		provisioning := app.NewProvisioningConsumer(ledgerService, baseLog)
		bindings := map[string]func([]byte) bool{
			domain.RoutingKeyIdentityProvisioned: provisioning.HandleMessage,
		}
		if err := rabbitConsumer.ConsumeWithBindings(cfg.EventsExchange, cfg.ProvisioningQueue, bindings); err != nil {
			log.Fatal("provisioning consumer start failed", "error", err)
		}
		log.Info("provisioning consumer started", "queue", cfg.ProvisioningQueue)
	}

	if cfg.AuditSchedule != "" {
		scheduler := app.NewScheduler(app.NewLedgerAuditor(ledger, baseLog), cfg.AuditSchedule, baseLog)
		if err := scheduler.Start(); err != nil {
			log.Fatal("audit scheduler start failed", "schedule", cfg.AuditSchedule, "error", err)
		}
		defer func() { <-scheduler.Stop().Done() }()
	}

	if cfg.JWTSecret == "" {
		log.Warn("jwt secret missing; every authenticated request will be rejected", "env", "JWT_SECRET")
	}
	handlerOpts := api.HandlerOptions{TransferLimitPerMinute: cfg.TransferRateLimitPerMinute}
	if redisClient != nil {
		handlerOpts.RateLimiter = app.NewRedisRateLimiter(redisClient, cfg.RedisKeyPrefix)
		handlerOpts.IdempotencyStore = app.NewRedisIdempotencyStore(redisClient, cfg.RedisKeyPrefix, cfg.IdempotencyTTL())
	}
	handlers := api.NewLedgerHandlers(ledgerService, baseLog, handlerOpts)

	router := api.LedgerRoutes(handlers, api.RouterConfig{
		Gateway:        api.NewHMACGateway(cfg.JWTSecret, cfg.JWTOwnerClaim),
		Health:         ledger,
		AllowedOrigins: cfg.CORSAllowedOrigins,
		Logger:         baseLog,
	})

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("server listening", "addr", serverAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server stopped unexpectedly", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info("shutdown started")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error("shutdown failed", "error", err)
	}
	log.Info("shutdown complete")
}

func openStore(cfg config.Config, log *logger.Logger) (ledgerStore, func()) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		log.Warn("using in-memory account store; balances are lost on restart")
		return store.NewMemoryRepository(cfg.LockTimeout()), func() {}
	}

	if cfg.DatabaseURL == "" {
		log.Fatal("database url must be configured", "env", "DATABASE_URL")
	}
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("database url parse failed", "error", err)
	}
	poolConfig.MaxConns = cfg.DBMaxConns
	poolConfig.MinConns = cfg.DBMaxConns / 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts behind poolers.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		log.Fatal("database connection failed", "error", err)
	}
	if err := dbpool.Ping(ctx); err != nil {
		log.Fatal("database ping failed", "error", err)
	}
	log.Info("database connected", "max_conns", poolConfig.MaxConns)

	if cfg.RunMigrations {
		applied, err := store.RunMigrations(ctx, dbpool)
		if err != nil {
			log.Fatal("database migrations failed", "error", err)
		}
		log.Info("database migrations complete", "applied", applied)
	}

	return store.NewPostgresRepository(dbpool, cfg.LockTimeout()), dbpool.Close
}

func openRedis(cfg config.Config, log *logger.Logger) *redis.Client {
	if cfg.RedisURL == "" {
		log.Warn("redis url missing; idempotency keys and rate limiting disabled", "env", "REDIS_URL")
		return nil
	}
	options, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Warn("redis url parse failed; idempotency keys and rate limiting disabled", "error", err)
		return nil
	}
	client := redis.NewClient(options)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn("redis ping failed; idempotency keys and rate limiting disabled", "error", err)
		_ = client.Close()
		return nil
	}
	log.Info("redis connected")
	return client
}
