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

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"kasirpay/backend/internal/cache"
	"kasirpay/backend/internal/config"
	"kasirpay/backend/internal/gateway"
	"kasirpay/backend/internal/httpapi"
	"kasirpay/backend/internal/idempotency"
	"kasirpay/backend/internal/notify"
	"kasirpay/backend/internal/reconcile"
	"kasirpay/backend/internal/retry"
	"kasirpay/backend/internal/service"
	"kasirpay/backend/internal/store"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and webhook receiver",
		RunE:  runServe,
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if err := validateSecurityConfig(cfg); err != nil {
		return fmt.Errorf("invalid security configuration: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	repo, closeRepo, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	closers := []func() error{closeRepo}

	var dedup cache.EventDedup = cache.NewMemoryEventDedup()
	if cfg.RedisAddr != "" {
		redisDedup := cache.NewRedisEventDedup(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisDedup.Ping(ctx); err != nil {
			logger.Warn("redis unavailable, webhook dedup cache is in-process", zap.Error(err))
			_ = redisDedup.Close()
		} else {
			dedup = redisDedup
			closers = append(closers, redisDedup.Close)
			logger.Info("webhook dedup cache: redis")
		}
	} else {
		logger.Info("webhook dedup cache: in-process")
	}

	notifiers := notify.Multi{notify.NewLog(logger)}
	if len(cfg.KafkaBrokers) > 0 {
		producer := notify.NewKafka(cfg.KafkaBrokers, cfg.KafkaTopic, 0, logger)
		producer.Start()
		notifiers = append(notifiers, producer)
		closers = append(closers, func() error { producer.Close(); return nil })
		logger.Info("reconciliation events: kafka", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}

	engine := reconcile.New(repo, reconcile.Options{
		Gateways: buildRegistry(cfg, logger),
		Guard:    idempotency.NewGuard(dedup, cfg.DedupTTL(), logger),
		Retry:    retry.New(cfg.RetryAttempts, cfg.RetryBaseDelay(), store.IsTransient, logger),
		Notifier: notifiers,
		Logger:   logger,
	})
	svc := service.New(repo, engine, logger)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, cfg.AccessTokenTTL(), cfg.ManagerPIN, repo, logger)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, cfg.WebhookTimeout(), logger)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.WebhookTimeout() + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case err := <-serverErr:
		if err != nil {
			logger.Error("server error", zap.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			logger.Warn("close error", zap.Error(err))
		}
	}

	logger.Info("server stopped")
	return nil
}

// buildRegistry registers only gateways with credentials; webhooks for the
// others are answered as unknown providers.
func buildRegistry(cfg config.Config, logger *zap.Logger) *gateway.Registry {
	var adapters []gateway.Adapter
	if cfg.MidtransServerKey != "" {
		adapters = append(adapters, gateway.NewMidtrans(cfg.MidtransServerKey, logger))
	} else {
		logger.Warn("MIDTRANS_SERVER_KEY not set, midtrans webhooks disabled")
	}
	if cfg.DokuSecretKey != "" {
		adapters = append(adapters, gateway.NewDoku(cfg.DokuClientID, cfg.DokuSecretKey, logger))
	} else {
		logger.Warn("DOKU_SECRET_KEY not set, doku webhooks disabled")
	}
	return gateway.NewRegistry(adapters...)
}
