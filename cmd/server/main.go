package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/koios/mapgen/internal/config"
	"github.com/koios/mapgen/internal/handlers"
	"github.com/koios/mapgen/internal/logging"
	"github.com/koios/mapgen/internal/middleware"
	"github.com/koios/mapgen/internal/ratelimit"
	"github.com/koios/mapgen/internal/redis"
	"github.com/koios/mapgen/internal/renderer"
	"github.com/koios/mapgen/internal/storage"
	"github.com/koios/mapgen/pkg/models"
	"go.uber.org/zap"
)

// redisKeySlack keeps a counter key alive a little past its last decrement
const redisKeySlack = 5 * time.Second

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	logger := logging.New(cfg.LogLevel, cfg.LogFile)
	defer logger.Sync()

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	styles := models.DefaultStyles()
	if cfg.Request.StylesFile != "" {
		styles, err = models.LoadStyles(cfg.Request.StylesFile)
		if err != nil {
			logger.Fatal("Failed to load map styles", zap.Error(err))
		}
	}

	// Rate limit counters live in memory unless Redis is configured
	var counter ratelimit.Counter
	var redisClient *redis.Client
	if cfg.RateLimit.Backend == "redis" {
		logger.Info("Using Redis rate limit counters",
			zap.String("redis_addr", cfg.Redis.Addr),
			zap.Int("redis_db", cfg.Redis.DB))
		redisClient, err = redis.NewClient(ctx, cfg.Redis, logger)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		counter = ratelimit.NewRedisCounter(redisClient, cfg.RateLimit.Window+redisKeySlack, logger)
	} else {
		logger.Info("Using in-memory rate limit counters")
		counter = ratelimit.NewMemoryCounter()
	}
	limiter := ratelimit.NewLimiter(cfg.RateLimit.Algorithm, counter, cfg.RateLimit.Requests, cfg.RateLimit.Window)
	if cfg.RateLimit.Algorithm == ratelimit.AlgorithmRequestLog && redisClient != nil {
		logger.Warn("The request_log algorithm keeps per-process state; Redis counters are unused")
	}

	store := storage.NewStore(cfg.Storage.Dir, cfg.Storage.URLPrefix, logger)
	if err := store.EnsureDirectory(); err != nil {
		logger.Fatal("Failed to create maps directory", zap.Error(err))
	}

	runner := renderer.NewExecRunner(cfg.Renderer.Command, logger)
	invoker := renderer.NewInvoker(runner, cfg.Renderer.Script, cfg.Renderer.Timeout, logger)
	pool := renderer.NewPool(cfg.Renderer.Workers, invoker, logger)
	pool.Start()

	validator := handlers.NewValidator(styles, cfg.Request.ScaleMin, cfg.Request.ScaleMax, logger)
	mapHandler := handlers.NewMapHandler(cfg, limiter, validator, store, pool, styles, logger)
	if redisClient != nil {
		mapHandler.SetHealthChecker(redisClient)
	}

	mux := http.NewServeMux()
	mapHandler.RegisterRoutes(mux)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      middleware.Stack(mux, logger),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Start HTTP server
	go func() {
		logger.Info("Starting HTTP server", zap.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", zap.Error(err))
			cancel()
		}
	}()

	logger.Info("Server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("maps_dir", cfg.Storage.Dir),
		zap.String("renderer", cfg.Renderer.Command),
		zap.String("script", cfg.Renderer.Script),
		zap.Int("rate_limit", cfg.RateLimit.Requests),
		zap.Duration("rate_window", cfg.RateLimit.Window))

	// Wait for interrupt signal or a server failure
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")

	// Renders in flight may need the full renderer timeout to finish
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Renderer.Timeout+10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}

	// Stop the render worker pool
	pool.Stop()

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Warn("Failed to close Redis client", zap.Error(err))
		}
	}

	cancel()
	logger.Info("Server shutdown complete")
}
