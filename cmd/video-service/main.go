// video-service is the HTTP API server orchestrating looped video generation.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"videoloop/internal/api"
	"videoloop/internal/blob"
	"videoloop/internal/config"
	"videoloop/internal/health"
	"videoloop/internal/job"
	"videoloop/internal/lease"
	"videoloop/internal/media"
	"videoloop/internal/observability"
	"videoloop/internal/pipeline"
	"videoloop/internal/render"
)

func main() {
	// Optional .env for local development; real deployments set the
	// environment directly.
	_ = godotenv.Load()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// Load configuration
	svcCfg := config.LoadServiceConfig()
	storCfg := config.LoadStorageConfig()
	renderCfg := render.LoadClientConfigFromEnv()
	dispatcherCfg := render.LoadDispatcherConfigFromEnv()
	totalLoops := config.GetIntEnv("TOTAL_LOOPS", 3)

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Shared Redis client for the blob backend and the distributed lease
	var redisClient *redis.Client
	if storCfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr: storCfg.RedisAddr,
			DB:   storCfg.RedisDB,
		})
		defer redisClient.Close()
	}

	healthDeps := make(map[string]health.ReadinessChecker)

	// Blob storage backend
	var blobStore blob.Store
	switch storCfg.BlobBackend {
	case "redis":
		if redisClient == nil {
			return fmt.Errorf("BLOB_BACKEND=redis requires REDIS_ADDR")
		}
		store := blob.NewRedisStore(redisClient)
		blobStore = store
		healthDeps["blobStore"] = store
		slog.Info("Using Redis blob storage", "addr", storCfg.RedisAddr)
	case "fs":
		store, err := blob.NewFSStore(storCfg.DataDir)
		if err != nil {
			return err
		}
		blobStore = store
		healthDeps["blobStore"] = store
		slog.Info("Using filesystem blob storage", "dir", storCfg.DataDir)
	default:
		return fmt.Errorf("unknown BLOB_BACKEND %q (want fs or redis)", storCfg.BlobBackend)
	}

	// Job record backend
	var jobStore job.Store
	switch storCfg.JobBackend {
	case "postgres":
		if storCfg.PostgresURL == "" {
			return fmt.Errorf("JOB_BACKEND=postgres requires POSTGRES_URL")
		}
		store, err := job.NewPostgresStore(ctx, storCfg.PostgresURL)
		if err != nil {
			return err
		}
		defer store.Close()
		jobStore = store
		healthDeps["jobStore"] = store
		slog.Info("Using Postgres job store")
	case "blob":
		// Job records live in the blob store; its readiness check covers both.
		jobStore = job.NewBlobStore(blobStore)
		slog.Info("Using blob-backed job store")
	default:
		return fmt.Errorf("unknown JOB_BACKEND %q (want blob or postgres)", storCfg.JobBackend)
	}

	// Per-job lease: distributed when Redis is available, in-process otherwise
	var locker lease.Locker
	if redisClient != nil {
		locker = lease.NewRedisLocker(redisClient)
	} else {
		locker = lease.NewMemoryLocker()
		slog.Info("Using in-process job leases; run a single instance or configure REDIS_ADDR")
	}

	// Render dispatch
	if err := renderCfg.Validate(); err != nil {
		slog.Warn("Render service not fully configured, submissions will be rejected", "error", err)
	}
	renderClient := render.NewClient(renderCfg)
	renderDispatcher := render.NewDispatcher(dispatcherCfg, renderClient, metrics)

	// Pipeline
	pipe := pipeline.New(pipeline.Config{
		TotalLoops: totalLoops,
		SelfURL:    svcCfg.SelfURL,
		LeaseTTL:   storCfg.LeaseTTL,
		Render:     renderCfg,
	}, pipeline.Deps{
		Jobs:    jobStore,
		Blobs:   blobStore,
		Renders: renderDispatcher,
		Media:   media.NewFFmpeg(config.GetEnv("FFMPEG_BINARY", "")),
		Locks:   locker,
		Metrics: metrics,
	})

	// A render request the dispatcher could not deliver permanently fails
	// its job; the submitter sees it when polling.
	renderDispatcher.SetFailureHandler(func(ctx context.Context, rootID string, err error) {
		if _, ferr := pipe.HandleRenderFailure(ctx, rootID, "render dispatch failed: "+err.Error()); ferr != nil {
			slog.Error("Failed to record dispatch failure", "rootId", rootID, "error", ferr)
		}
	})

	// Create health checker
	healthChecker := health.NewChecker(healthDeps)

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		Pipeline:      pipe,
		Blobs:         blobStore,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        svcCfg.APIKey,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY configured")
	}

	// Create API server
	apiServer := &http.Server{
		Addr:         ":" + svcCfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 1)

	// Start API server
	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port, "selfUrl", svcCfg.SelfURL)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Start metrics server
	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	// Wait for load balancers to stop sending traffic
	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: Graceful shutdown - stop accepting new connections, finish in-flight requests
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: Drain the render dispatcher
	slog.Info("Draining render dispatcher")
	dispatcherCtx, dispatcherCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dispatcherCancel()
	if err := renderDispatcher.Close(dispatcherCtx); err != nil {
		slog.Warn("Dispatcher shutdown error", "error", err)
	}

	// Log final dispatcher stats
	stats := renderDispatcher.Stats()
	slog.Info("Dispatcher stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)

	// Renders already accepted by the render service complete independently;
	// their callbacks land on whichever instance replaces this one.
	slog.Info("Shutdown complete")
	return nil
}
