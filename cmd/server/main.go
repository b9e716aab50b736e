// Package main is the entry point for the vodedge server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clipstream/vodedge/internal/cache"
	"github.com/clipstream/vodedge/internal/config"
	"github.com/clipstream/vodedge/internal/observability"
	"github.com/clipstream/vodedge/internal/origin"
	"github.com/clipstream/vodedge/internal/proxy"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(observability.LoggerConfig{
		Level:      cfg.Logging.Level,
		Output:     os.Stdout,
		JSONFormat: cfg.Logging.Format != "text",
	})
	slog.SetDefault(logger)

	logger.Info("starting vodedge",
		"version", version,
		"env", cfg.Server.Env,
		"cache_mode", string(cfg.Cache.Mode))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing
	tp, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRate:  cfg.Tracing.SampleRate,
		Insecure:    cfg.Tracing.Insecure,
	})
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	// Origin client
	originClient, err := origin.NewS3Client(ctx, cfg.Origin)
	if err != nil {
		logger.Error("failed to create origin client", "error", err)
		os.Exit(1)
	}

	// Cache manager; non-memory init failures fall back to memory
	cacheManager := cache.NewManager(cfg.Cache, logger)
	if err := cacheManager.Init(ctx); err != nil {
		logger.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	if cacheManager.FellBack() {
		logger.Warn("cache backend unavailable, serving from memory",
			"requested_mode", string(cfg.Cache.Mode))
	}

	// Capacity manager
	capacityManager := cache.NewCapacityManager(cacheManager, cfg.Capacity, logger)
	capacityManager.StartMonitoring()

	handler := proxy.NewHandler(proxy.Options{
		DefaultBucket:         cfg.Proxy.DefaultBucket,
		CDNBasePath:           cfg.Proxy.CDNBasePath,
		ProxyBasePath:         cfg.Proxy.ProxyBasePath,
		MaxCacheableBytes:     cfg.Proxy.MaxCacheableBytes,
		MaxPlaylistCacheBytes: cfg.Proxy.MaxPlaylistCacheBytes,
		Version:               version,
	}, cacheManager, capacityManager, originClient, logger, tp.Tracer())

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      buildHandler(cfg, handler),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	capacityManager.StopMonitoring()
	if err := cacheManager.Close(); err != nil {
		logger.Error("cache shutdown error", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", "error", err)
	}

	logger.Info("server stopped")
}
