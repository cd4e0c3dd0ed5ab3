package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/basket/lemongate/internal/audit"
	"github.com/basket/lemongate/internal/bus"
	"github.com/basket/lemongate/internal/channels"
	"github.com/basket/lemongate/internal/config"
	"github.com/basket/lemongate/internal/engine"
	"github.com/basket/lemongate/internal/gateway"
	"github.com/basket/lemongate/internal/lock"
	"github.com/basket/lemongate/internal/maintenance"
	otelpkg "github.com/basket/lemongate/internal/otel"
	"github.com/basket/lemongate/internal/router"
	"github.com/basket/lemongate/internal/scheduler"
	"github.com/basket/lemongate/internal/store"
	"github.com/basket/lemongate/internal/stream"
	"github.com/basket/lemongate/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "lemongate:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logCloser.Close() }()
	slog.SetDefault(logger)
	logger.Info("lemongate starting", "version", Version, "config", cfg.Fingerprint())

	live := config.NewLive(cfg)
	if err := live.Watch(ctx, cfg.HomeDir, logger); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	}

	otelProvider, err := otelpkg.Init(ctx, otelpkg.Config{
		Enabled:  cfg.Otel.Enabled,
		Endpoint: cfg.Otel.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()
	metrics, err := otelpkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	eventBus := bus.NewWithLogger(logger)

	engines := engine.NewRegistry(cfg.DefaultEngine)
	// The built-in echo engine keeps the gateway usable without any
	// external backend configured; real engines register over it.
	engines.Register(engine.NewEcho(cfg.DefaultEngine))

	locks := lock.New(lock.Options{
		Disabled: !cfg.RequireEngineLock(),
		MaxAge:   cfg.MaxLockAge(),
		Logger:   logger,
	})

	sched := scheduler.New(ctx, scheduler.Options{
		Config:  live,
		Bus:     eventBus,
		Store:   st,
		Engines: engines,
		Locks:   locks,
		Metrics: metrics,
		Logger:  logger,
	})

	auditLog, err := audit.Open(cfg.HomeDir)
	if err != nil {
		logger.Warn("audit log unavailable", "error", err)
	}
	defer func() { _ = auditLog.Close() }()

	rt := router.New(router.Options{
		Config:  live,
		Sched:   sched,
		Engines: engines,
		Store:   st,
		Logger:  logger,
		Audit:   auditLog,
	})

	jobs := maintenance.New(maintenance.Options{
		Store:  st,
		Sched:  sched,
		Config: live,
		Logger: logger,
	})
	if err := jobs.Start(ctx); err != nil {
		return fmt.Errorf("start maintenance: %w", err)
	}

	// Telegram: inbound channel, output adapter, and outbox sender.
	if tg := cfg.Channels.Telegram; tg.Enabled && tg.Token != "" {
		telegram := channels.NewTelegramChannel(tg.Token, "default", tg.AllowedIDs, rt, logger)
		tracker := stream.NewOutputTracker(stream.TrackerOptions{
			Adapter: telegram,
			Outbox:  telegram,
			Store:   st,
			Bus:     eventBus,
			Thresholds: stream.Thresholds{
				MinChars:   cfg.Coalescing.MinChars,
				Idle:       time.Duration(cfg.Coalescing.IdleMs) * time.Millisecond,
				MaxLatency: time.Duration(cfg.Coalescing.MaxLatencyMs) * time.Millisecond,
			},
			Logger:  logger,
			Metrics: metrics,
		})
		go tracker.Run(ctx)
		go func() {
			if err := telegram.Start(ctx); err != nil {
				logger.Error("telegram channel stopped", "error", err)
			}
		}()
	}

	// Control-plane websocket ingress.
	controlSrv, err := gateway.NewServer(gateway.Options{
		Router:    rt,
		AuthToken: os.Getenv("LEMONGATE_CONTROL_TOKEN"),
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("create control server: %w", err)
	}
	httpSrv := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: controlSrv.Handler(),
	}
	go func() {
		logger.Info("control plane listening", "addr", cfg.BindAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("control plane server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("control plane shutdown", "error", err)
	}
	jobs.Stop()
	logger.Info("lemongate stopped")
	return nil
}
