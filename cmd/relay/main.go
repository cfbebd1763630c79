package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/lalithlochan/vlasia/internal/config"
	"github.com/lalithlochan/vlasia/internal/mailer"
	"github.com/lalithlochan/vlasia/internal/observ"
	"github.com/lalithlochan/vlasia/internal/outbox"
	"github.com/lalithlochan/vlasia/internal/redis"
	"github.com/lalithlochan/vlasia/internal/relay"
	"github.com/lalithlochan/vlasia/internal/sqs"
)

const lockKey = "vlasia:relay:lock"

// Only configuration problems exit non-zero. A sweep with failed sends, or
// one skipped because another relay holds the lock, exits 0.
func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.LoadRelay()
	if err != nil {
		return err
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel, "relay")
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting vlasia relay", zap.Object("config", cfg))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := outbox.NewClient(outbox.Config{
		BaseURL: cfg.OutboxURL,
		Secret:  cfg.OutboxSecret,
		Timeout: cfg.OutboxTimeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("outbox client: %w", err)
	}

	transport, err := mailer.FromConfig(ctx, cfg.Mail, cfg.AWS.Region, logger)
	if err != nil {
		return fmt.Errorf("mail transport: %w", err)
	}

	composer, err := mailer.NewComposer(cfg.Mail.AdminEmail)
	if err != nil {
		return fmt.Errorf("composer: %w", err)
	}

	opts := relay.DefaultOptions()
	opts.BatchSize = cfg.BatchSize
	opts.SendDelay = cfg.SendDelay
	opts.SendTimeout = cfg.Mail.Timeout
	opts.Fanout = relay.FanoutMode(cfg.Fanout)
	opts.LockRefresh = cfg.LockTTL / 3

	locker, closeLocker := newLocker(ctx, cfg, logger)
	defer closeLocker()

	runner := relay.NewRunner(relay.Deps{
		Outbox:   client,
		Mailer:   transport,
		Composer: composer,
		Sleep:    relay.Sleep,
		Logger:   logger,
	}, opts, locker, logger)

	switch cfg.Mode {
	case config.ModeLoop:
		logger.Info("relay loop started", zap.Duration("interval", cfg.Interval))
		runner.Loop(ctx, cfg.Interval)
	case config.ModeSQS:
		consumer, err := sqs.NewConsumer(ctx, sqs.Config{Region: cfg.AWS.Region, QueueURL: cfg.AWS.WakeQueueURL}, logger)
		if err != nil {
			return fmt.Errorf("sqs consumer: %w", err)
		}
		logger.Info("relay waiting for wake signals", zap.String("queue", cfg.AWS.WakeQueueURL))
		runner.ConsumeWake(ctx, consumer)
	default:
		if _, _, err := runner.RunOnce(ctx); err != nil {
			logger.Error("relay lock failed", zap.Error(err))
		}
	}
	return nil
}

// newLocker prefers the Redis lock so relays on different hosts exclude each
// other, and falls back to a lock file on this host.
func newLocker(ctx context.Context, cfg *config.Relay, logger *zap.Logger) (relay.Locker, func()) {
	fileLock := relay.NewFileLock(cfg.LockFile, cfg.LockTTL)
	if !cfg.Redis.Enabled() {
		return fileLock, func() {}
	}

	client, err := redis.New(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Warn("redis unavailable, using lock file",
			zap.Error(err),
			zap.String("lock_file", cfg.LockFile),
		)
		return fileLock, func() {}
	}
	return redis.NewLock(client, lockKey, cfg.LockTTL, logger), func() { _ = client.Close() }
}
