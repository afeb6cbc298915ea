// Package main is the entry point for the flag delivery server.
//
// The bootstrap sequence is:
//  1. Load configuration from environment variables.
//  2. Connect to PostgreSQL via pgxpool and apply pending migrations.
//  3. Create the repository, stream hub, and service (which subscribes to
//     cross-process cache invalidation).
//  4. Start the scheduled change poller and the analytics flush loop.
//  5. Start the HTTP server and wait for SIGINT/SIGTERM, then gracefully
//     shut down, flushing buffered analytics on the way out.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/TzachiGitHub/feature-flag-service-sub000/internal/analytics"
	"github.com/TzachiGitHub/feature-flag-service-sub000/internal/config"
	"github.com/TzachiGitHub/feature-flag-service-sub000/internal/logging"
	"github.com/TzachiGitHub/feature-flag-service-sub000/internal/metrics"
	"github.com/TzachiGitHub/feature-flag-service-sub000/internal/repository"
	"github.com/TzachiGitHub/feature-flag-service-sub000/internal/scheduler"
	"github.com/TzachiGitHub/feature-flag-service-sub000/internal/server"
	"github.com/TzachiGitHub/feature-flag-service-sub000/internal/service"
	"github.com/TzachiGitHub/feature-flag-service-sub000/internal/stream"
	"github.com/TzachiGitHub/feature-flag-service-sub000/internal/tracing"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpIdleTimeout       = 2 * time.Minute
	gaugeUpdateInterval   = 5 * time.Second
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg.LogLevel)
	slog.SetDefault(log)

	shutdownTracer, err := tracing.Init(context.Background())
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if err := runMigrations(pool); err != nil {
		return err
	}

	m := metrics.New()
	metrics.RegisterPoolMetrics(m.Registry, pool)

	repo := repository.NewPostgresRepository(pool)

	hub := stream.NewHub(
		stream.WithBufferSize(cfg.StreamBufferSize),
		stream.WithDropCallback(m.RecordStreamDrop),
	)
	defer hub.Close()

	svc, err := service.New(ctx, repo, hub,
		service.WithInvalidationHook(m.CacheInvalidations.Inc),
	)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}

	buffer := analytics.NewBuffer(repo, log,
		analytics.WithFlushInterval(cfg.AnalyticsFlushInterval),
		analytics.WithFlushThreshold(cfg.AnalyticsFlushThreshold),
		analytics.WithBufferCeiling(cfg.AnalyticsBufferCeiling),
		analytics.WithDropCallback(func(count int) {
			m.AnalyticsEventsDropped.Add(float64(count))
		}),
	)

	sched := scheduler.New(repo, svc, log,
		scheduler.WithPollInterval(cfg.SchedulerPollInterval),
		scheduler.WithRunHooks(m.SchedulerRunsTotal.Inc, m.SchedulerFailuresTotal.Inc),
	)

	background := make(chan struct{}, 2)
	go func() {
		defer func() { background <- struct{}{} }()
		buffer.Run(ctx)
	}()
	go func() {
		defer func() { background <- struct{}{} }()
		sched.Run(ctx)
	}()

	// Sampled gauges that have no event to hook.
	go func() {
		ticker := time.NewTicker(gaugeUpdateInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.AnalyticsEventsBuffered.Set(float64(buffer.Len()))
			}
		}
	}()

	handler := server.NewHTTPHandler(server.HandlerConfig{
		Service:           svc,
		Events:            buffer,
		Hub:               hub,
		Resolver:          svc,
		Logger:            log,
		Metrics:           m,
		HeartbeatInterval: cfg.StreamHeartbeatInterval,
		MaxJSONBodySize:   cfg.MaxJSONBodySize,
		AuthRateLimit:     cfg.AuthRateLimit,
	})
	defer handler.Close()

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(handler, "flag-delivery-http"),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.HTTPAddr, err)
	}
	defer listener.Close()

	serveErrCh := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("serve HTTP: %w", err)
		}
	}()

	log.Info("server started", "http_addr", cfg.HTTPAddr)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-serveErrCh:
	}
	stop()

	log.Info("server shutting down")

	// Closing the hub releases SSE connections so Shutdown is not stuck
	// waiting on long-lived streams.
	hub.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		if serveErr != nil {
			return serveErr
		}
		return fmt.Errorf("shutdown HTTP: %w", err)
	}

	// Wait for the analytics buffer's final flush and the scheduler to stop.
	for i := 0; i < 2; i++ {
		select {
		case <-background:
		case <-time.After(shutdownTimeout):
			return serveErr
		}
	}

	return serveErr
}
