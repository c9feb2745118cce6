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

	"github.com/dunamismax/pixelfit/internal/config"
	"github.com/dunamismax/pixelfit/internal/logging"
	"github.com/dunamismax/pixelfit/internal/pipeline"
	"github.com/dunamismax/pixelfit/internal/storage"
	"github.com/dunamismax/pixelfit/internal/store"
	"github.com/dunamismax/pixelfit/internal/telemetry"
	"github.com/dunamismax/pixelfit/internal/webhook"
	"github.com/dunamismax/pixelfit/internal/worker"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, loader, err := config.Load()
	if err != nil {
		return err
	}
	logger, level, err := logging.New(cfg.Log, "worker")
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	loader.Watch(func(next config.Config, err error) {
		if err != nil {
			logger.Warn("config reload failed", zap.Error(err))
			return
		}
		if err := logging.SetLevel(level, next.Log.Level); err != nil {
			logger.Warn("log level reload failed", zap.Error(err))
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, "pixelfit-worker", cfg.Tracing, logger)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	if err := pipeline.Startup(); err != nil {
		return fmt.Errorf("start image runtime: %w", err)
	}
	defer pipeline.Shutdown()

	backend, closeStore, err := store.Open(ctx, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	defer func() { _ = closeStore() }()

	storageClient, err := storage.NewClient(storage.Config{
		Endpoint:       cfg.Storage.Endpoint,
		Access:         cfg.Storage.AccessKey,
		Secret:         cfg.Storage.SecretKey,
		Bucket:         cfg.Storage.Bucket,
		UseSSL:         cfg.Storage.UseSSL,
		MaxObjectBytes: cfg.Storage.MaxObjectBytes,
	})
	if err != nil {
		return fmt.Errorf("create storage client: %w", err)
	}

	webhookClient := webhook.NewClient(webhook.Config{
		SigningSecret:  cfg.Webhook.SigningSecret,
		Timeout:        cfg.Webhook.Timeout,
		MaxAttempts:    cfg.Webhook.MaxAttempts,
		InitialBackoff: cfg.Webhook.InitialBackoff,
		MaxBackoff:     cfg.Webhook.MaxBackoff,
	})

	logger.Info("starting worker",
		zap.Int("concurrency", cfg.Worker.Concurrency),
		zap.Int("max_active_jobs", cfg.Worker.MaxActiveJobs),
		zap.String("queue", cfg.Queue.Name),
		zap.String("redis", cfg.Queue.RedisAddr),
	)

	srv, err := worker.NewServer(logger, cfg.Queue, cfg.Worker, cfg.Pipeline, storageClient, webhookClient, backend, backend)
	if err != nil {
		return err
	}

	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           srv.MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	// asynq handles SIGINT/SIGTERM itself and returns once workers drain.
	if err := srv.Run(); err != nil {
		return fmt.Errorf("worker failed: %w", err)
	}
	return nil
}
