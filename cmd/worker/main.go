package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sahajm/courier/internal/circuitbreaker"
	"github.com/sahajm/courier/internal/config"
	"github.com/sahajm/courier/internal/db"
	"github.com/sahajm/courier/internal/gateway"
	"github.com/sahajm/courier/internal/observ"
	"github.com/sahajm/courier/internal/queue"
	"github.com/sahajm/courier/internal/ratelimit"
	"github.com/sahajm/courier/internal/settings"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting courier worker",
		zap.String("env", cfg.Env),
		zap.Int("email_workers", cfg.EmailWorkers),
		zap.Int("sms_workers", cfg.SMSWorkers),
	)

	ctx := context.Background()

	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)

	store, err := settings.New(ctx, settings.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to settings store: %w", err)
	}
	defer store.Close()

	mailSender := circuitbreaker.NewProtectedMailSender(
		gateway.NewMailAdapter(store, gateway.PlainRenderer{}, logger),
		circuitbreaker.New(circuitbreaker.DefaultConfig("mail"), logger),
		logger,
	)
	smsSender := circuitbreaker.NewProtectedSMSSender(
		gateway.NewSMSAdapter(store, logger),
		circuitbreaker.New(circuitbreaker.DefaultConfig("sms"), logger),
		logger,
	)

	pollInterval := time.Duration(cfg.WorkerPollInterval) * time.Second

	emailPool := queue.NewPool(
		queue.PoolConfig{
			Channel:      db.ChannelEmail,
			Workers:      cfg.EmailWorkers,
			PollInterval: pollInterval,
			MaxRetries:   cfg.WorkerMaxRetries,
		},
		repo, store, mailSender, smsSender,
		ratelimit.New(cfg.EmailRatePerSecond),
		logger,
	)
	smsPool := queue.NewPool(
		queue.PoolConfig{
			Channel:      db.ChannelSMS,
			Workers:      cfg.SMSWorkers,
			PollInterval: pollInterval,
			MaxRetries:   cfg.WorkerMaxRetries,
		},
		repo, store, mailSender, smsSender,
		ratelimit.New(cfg.SMSRatePerSecond),
		logger,
	)

	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		emailPool.Start(workerCtx)
	}()
	go func() {
		defer wg.Done()
		smsPool.Start(workerCtx)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	sig := <-shutdown
	logger.Info("shutdown signal received, draining workers", zap.String("signal", sig.String()))

	cancel()
	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		logger.Info("workers drained")
	case <-time.After(30 * time.Second):
		logger.Warn("drain timed out, exiting with jobs in flight")
	}

	return nil
}
