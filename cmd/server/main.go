package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/lalithlochan/vlasia/internal/api"
	"github.com/lalithlochan/vlasia/internal/config"
	"github.com/lalithlochan/vlasia/internal/db"
	"github.com/lalithlochan/vlasia/internal/observ"
	"github.com/lalithlochan/vlasia/internal/redis"
	"github.com/lalithlochan/vlasia/internal/sns"
	"github.com/lalithlochan/vlasia/internal/sqs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.LoadServer()
	if err != nil {
		return err
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel, "server")
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting vlasia content service", zap.Object("config", cfg))

	ctx := context.Background()
	database, err := db.New(ctx, db.Config{
		Host:         cfg.Database.Host,
		Port:         cfg.Database.Port,
		User:         cfg.Database.User,
		Password:     cfg.Database.Password,
		Database:     cfg.Database.Name,
		SSLMode:      cfg.Database.SSLMode,
		QueryTimeout: cfg.Database.QueryTimeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)

	opts := []api.Option{api.WithMaxAttempts(cfg.OutboxMaxAttempts)}
	routerCfg := api.RouterConfig{
		OutboxSecret: cfg.OutboxSecret,
		AdminAPIKey:  cfg.AdminAPIKey,
	}

	// Redis is optional: without it forms are neither rate limited nor deduplicated.
	if cfg.Redis.Enabled() {
		redisClient, err := redis.New(ctx, cfg.Redis, logger)
		if err != nil {
			logger.Warn("redis unavailable, idempotency and rate limiting disabled",
				zap.Error(err),
				zap.String("host", cfg.Redis.Host),
			)
		} else {
			defer redisClient.Close()
			opts = append(opts, api.WithIdempotency(redis.NewIdempotencyService(redisClient, logger)))
			routerCfg.FormLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
				Limit:  cfg.FormRateLimit,
				Window: time.Minute,
			})
		}
	}

	if cfg.AWS.WakeQueueURL != "" {
		producer, err := sqs.NewProducer(ctx, sqs.Config{Region: cfg.AWS.Region, QueueURL: cfg.AWS.WakeQueueURL}, logger)
		if err != nil {
			logger.Warn("sqs producer unavailable, relay wake-ups disabled", zap.Error(err))
		} else {
			opts = append(opts, api.WithWakeQueue(producer))
		}
	}

	if cfg.AWS.AlertTopicARN != "" {
		publisher, err := sns.NewPublisher(ctx, sns.Config{Region: cfg.AWS.Region, TopicARN: cfg.AWS.AlertTopicARN}, logger)
		if err != nil {
			logger.Warn("sns publisher unavailable, dead-letter alerts go to the log", zap.Error(err))
		} else {
			opts = append(opts, api.WithAlerter(publisher))
		}
	}

	handler := api.NewHandler(logger, repo, opts...)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(handler, routerCfg, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			_ = srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
