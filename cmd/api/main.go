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

	"github.com/dunamismax/pixelfit/internal/api"
	"github.com/dunamismax/pixelfit/internal/config"
	"github.com/dunamismax/pixelfit/internal/logging"
	"github.com/dunamismax/pixelfit/internal/pipeline"
	"github.com/dunamismax/pixelfit/internal/preview"
	"github.com/dunamismax/pixelfit/internal/queue"
	"github.com/dunamismax/pixelfit/internal/ratelimit"
	"github.com/dunamismax/pixelfit/internal/storage"
	"github.com/dunamismax/pixelfit/internal/store"
	"github.com/dunamismax/pixelfit/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "api: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, loader, err := config.Load()
	if err != nil {
		return err
	}
	logger, level, err := logging.New(cfg.Log, "api")
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
			return
		}
		logger.Info("config reloaded", zap.String("log_level", next.Log.Level))
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, "pixelfit-api", cfg.Tracing, logger)
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

	queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name)
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Warn("queue client close failed", zap.Error(err))
		}
	}()

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
	bucketCtx, cancelBucket := context.WithTimeout(ctx, 10*time.Second)
	if err := storageClient.EnsureBucket(bucketCtx); err != nil {
		logger.Warn("bucket check failed; presigned uploads may fail", zap.Error(err))
	}
	cancelBucket()

	var limiter api.RateLimiter
	if cfg.API.RateLimitEnabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		})
		defer func() { _ = rdb.Close() }()
		bucket, err := ratelimit.NewRedisTokenBucket(rdb, cfg.API.RateLimitCapacity, cfg.API.RateLimitWindow, "pixelfit:ratelimit")
		if err != nil {
			return fmt.Errorf("create rate limiter: %w", err)
		}
		limiter = bucket
	}

	previews := preview.NewRegistry(cfg.API.PreviewSessionTTL)
	go previews.Run(ctx, time.Minute, logger.Named("preview"))

	engine := pipeline.NewEngine(
		pipeline.WithFilter(pipeline.ParseFilter(cfg.Pipeline.Filter)),
		pipeline.WithLimits(pipeline.Limits{MaxSide: cfg.Pipeline.MaxOutputSide, MaxPixels: cfg.Pipeline.MaxOutputPixels}),
		pipeline.WithLogger(logger.Named("pipeline")),
	)

	app := api.NewServer(api.Options{
		Logger:          logger,
		Queue:           queueClient,
		Jobs:            backend,
		Storage:         storageClient,
		Engine:          engine,
		Previews:        previews,
		RateLimiter:     limiter,
		UserIDHeader:    cfg.API.UserIDHeader,
		PresignTTL:      cfg.API.PresignTTL,
		PreviewMaxBytes: cfg.API.PreviewMaxBytes,
		LocalInputRoot:  cfg.Worker.LocalInputRoot,
	})

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.API.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}
	return nil
}
