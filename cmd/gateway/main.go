package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/sahajm/courier/internal/api"
	"github.com/sahajm/courier/internal/circuitbreaker"
	"github.com/sahajm/courier/internal/config"
	"github.com/sahajm/courier/internal/db"
	"github.com/sahajm/courier/internal/gateway"
	"github.com/sahajm/courier/internal/metrics"
	"github.com/sahajm/courier/internal/notify"
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

	logger.Info("starting courier gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
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

	// Adapters, each behind its own circuit breaker.
	mailBreaker := circuitbreaker.New(circuitbreaker.DefaultConfig("mail"), logger)
	smsBreaker := circuitbreaker.New(circuitbreaker.DefaultConfig("sms"), logger)

	mailSender := circuitbreaker.NewProtectedMailSender(
		gateway.NewMailAdapter(store, gateway.PlainRenderer{}, logger),
		mailBreaker, logger,
	)
	smsSender := circuitbreaker.NewProtectedSMSSender(
		gateway.NewSMSAdapter(store, logger),
		smsBreaker, logger,
	)

	// Limiters pace outbound sends for this process as a whole.
	mailLimit := ratelimit.New(cfg.EmailRatePerSecond)
	smsLimit := ratelimit.New(cfg.SMSRatePerSecond)

	coordinator := notify.NewCoordinator(
		repo, mailSender, smsSender, store,
		notify.NewResolver(logger),
		mailLimit, smsLimit,
		logger,
	)
	producer := queue.NewProducer(repo, store, logger)

	handler := api.NewHandler(logger, coordinator, producer, repo, mailBreaker, smsBreaker)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	handler.Routes(r)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("settings store unreachable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
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

		// Give outstanding requests 10 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
