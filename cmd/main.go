/**
 * @description
 * Main entry point for the jobs-service. It loads configuration, connects to
 * PostgreSQL, RabbitMQ and Redis, wires the queue, workers and scheduler, and
 * serves the internal HTTP API until it receives a shutdown signal.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: rate cache and trigger rate limiting.
 * - github.com/joho/godotenv: local .env loading.
 * - internal/*, pkg/rabbitmq, pkg/rateclient.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/growthpact/jobs-service/internal/api"
	"github.com/growthpact/jobs-service/internal/app"
	"github.com/growthpact/jobs-service/internal/config"
	"github.com/growthpact/jobs-service/internal/logging"
	"github.com/growthpact/jobs-service/internal/queue"
	"github.com/growthpact/jobs-service/internal/store"
	"github.com/growthpact/jobs-service/pkg/rabbitmq"
	"github.com/growthpact/jobs-service/pkg/rateclient"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

const wakeupQueueName = "jobs-service.wakeups"

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, reading from environment")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Cannot load config: %v", err)
	}

	logger := logging.Init("jobs-service", cfg.LogLevel, cfg.AppEnv)
	logger.Info("starting jobs-service", "port", cfg.ServerPort, "timezone", cfg.Location.String())

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		fatal(logger, "database url parse failed", err)
	}
	poolConfig.MaxConns = 20
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		fatal(logger, "database connection failed", err)
	}
	defer dbpool.Close()
	logger.Info("database connected")

	var publisher rabbitmq.Publisher
	producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, logger)
	if err != nil {
		logger.Warn("rabbitmq producer unavailable; audit records and wake-ups disabled", "error", err)
		publisher = &rabbitmq.EventProducerFallback{Logger: logger}
	} else {
		publisher = producer
		logger.Info("rabbitmq producer connected")
	}
	defer publisher.Close()

	// Stays a nil interface unless Redis answers.
	var redisClient redis.UniversalClient
	if strings.TrimSpace(cfg.RedisURL) == "" {
		logger.Warn("redis url missing; rate cache and trigger rate limiting disabled")
	} else if opts, parseErr := redis.ParseURL(cfg.RedisURL); parseErr != nil {
		logger.Warn("redis url parse failed; rate cache and trigger rate limiting disabled", "error", parseErr)
	} else {
		client := redis.NewClient(opts)
		pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
		pingErr := client.Ping(pingCtx).Err()
		cancelPing()
		if pingErr != nil {
			logger.Warn("redis ping failed; rate cache and trigger rate limiting disabled", "error", pingErr)
			client.Close()
		} else {
			redisClient = client
			defer client.Close()
			logger.Info("redis connected")
		}
	}

	repository := store.NewPostgresRepository(dbpool)

	rates := rateclient.NewCachedProvider(
		rateclient.NewClient(cfg.RateProviderURL, cfg.RateProviderAPIKey, cfg.RateProviderTimeout()),
		redisClient,
		cfg.RedisKeyPrefix,
		cfg.RateCacheTTL(),
		logger,
	)

	auditor := app.NewAuditor(publisher, logger)
	accrualWorker := app.NewAccrualWorker(repository, auditor, logger, cfg.AccrualConcurrency)
	settlementWorker := app.NewSettlementWorker(repository, rates, auditor, logger, cfg.RateProviderTimeout())
	jobHandler := app.NewJobHandler(accrualWorker, settlementWorker, logger)

	jobQueue := queue.New(repository, publisher, logger, queue.Defaults{
		MaxAttempts: cfg.JobMaxAttempts,
		Backoff:     cfg.JobBackoff(),
	})
	dispatcher := queue.NewDispatcher(repository, jobHandler, logger, queue.DispatcherConfig{
		Concurrency:  cfg.QueueConcurrency,
		PollInterval: cfg.QueuePollInterval(),
		StaleAfter:   cfg.QueueStaleAfter(),
		JobTimeout:   cfg.JobTimeout(),
	})

	if producer != nil {
		consumer, consumerErr := rabbitmq.NewConsumer(cfg.RabbitMQURL, logger)
		if consumerErr != nil {
			logger.Warn("rabbitmq consumer unavailable; dispatcher will rely on polling", "error", consumerErr)
		} else {
			defer consumer.Close()
			if err := dispatcher.ListenForWakeups(consumer, wakeupQueueName); err != nil {
				logger.Warn("wake-up subscription failed; dispatcher will rely on polling", "error", err)
			}
		}
	}

	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		dispatcher.Run(dispatchCtx)
	}()

	scheduler := app.NewScheduler(jobQueue, logger, cfg.InterestJobSchedule, cfg.Location)
	if err := scheduler.Start(); err != nil {
		fatal(logger, "scheduler start failed", err)
	}

	var limiter api.RateLimiter
	if redisClient != nil {
		limiter = app.NewRedisRateLimiter(redisClient, cfg.RedisKeyPrefix)
	}
	handlers := api.NewJobHandlers(api.HandlerDeps{
		Enqueuer:     jobQueue,
		Jobs:         repository,
		Deposits:     repository,
		Limiter:      limiter,
		TriggerLimit: cfg.TriggerRateLimitPerMinute,
		Location:     cfg.Location,
		Logger:       logger,
	})
	router := api.NewRouter(handlers, api.AuthConfig{
		CronSecret:     cfg.CronSecret,
		AdminJWTSecret: cfg.AdminJWTSecret,
		InternalAPIKey: cfg.InternalAPIKey,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatal(logger, "server stopped unexpectedly", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutdown started")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}

	select {
	case <-scheduler.Stop().Done():
	case <-ctx.Done():
		logger.Warn("scheduled enqueue still running at shutdown")
	}

	stopDispatch()
	select {
	case <-dispatchDone:
	case <-ctx.Done():
		logger.Warn("dispatcher did not drain before shutdown deadline; leases will be reclaimed")
	}

	logger.Info("shutdown complete")
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}
