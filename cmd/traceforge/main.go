package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	tfhttp "github.com/Strob0t/TraceForge/internal/adapter/http"
	"github.com/Strob0t/TraceForge/internal/adapter/natskv"
	tfotel "github.com/Strob0t/TraceForge/internal/adapter/otel"
	"github.com/Strob0t/TraceForge/internal/adapter/ristretto"
	"github.com/Strob0t/TraceForge/internal/adapter/sqlite"
	"github.com/Strob0t/TraceForge/internal/adapter/tiered"
	"github.com/Strob0t/TraceForge/internal/adapter/ws"
	"github.com/Strob0t/TraceForge/internal/config"
	"github.com/Strob0t/TraceForge/internal/fallback"
	"github.com/Strob0t/TraceForge/internal/logger"
	"github.com/Strob0t/TraceForge/internal/middleware"
	"github.com/Strob0t/TraceForge/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser := logger.New(cfg.Logging)
	slog.SetDefault(log)
	defer logCloser.Close()

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"sqlite_path", cfg.SQLite.Path,
		"nats_url", cfg.NATS.URL,
		"fallback_enabled", cfg.Fallback.Enabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Observability ---

	otelShutdown, err := tfotel.InitMetrics(ctx, cfg.OTel.Endpoint, cfg.Logging.Service)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelShutdown(shutdownCtx)
	}()

	metrics, err := tfotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Infrastructure ---

	// SQLite durable store
	db, err := sqlite.Open(ctx, cfg.SQLite)
	if err != nil {
		return fmt.Errorf("sqlite: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := sqlite.RunMigrations(ctx, db); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	schemaVersion, err := sqlite.MigrationVersion(ctx, db)
	if err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied", "version", schemaVersion)

	store := sqlite.NewStore(db)

	// NATS KV cache tier behind a local ristretto layer. A NATS outage
	// at startup is not fatal; the monitor and fallback queue handle it.
	l2, err := natskv.Connect(ctx, cfg.NATS, cfg.Cache.TTL)
	if err != nil {
		return fmt.Errorf("nats kv: %w", err)
	}
	defer l2.Close()

	l1, err := ristretto.New(cfg.Cache.L1MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("ristretto: %w", err)
	}
	cacheTier := tiered.New(l1, l2, cfg.Cache.L1TTL)

	// --- Fallback mechanism ---

	queue, err := fallback.OpenQueue(ctx, cfg.Fallback.Dir)
	if err != nil {
		return fmt.Errorf("fallback queue: %w", err)
	}
	defer func() { _ = queue.Close() }()

	// The enabled flag only gates fallback routing on the ingest path.
	// Admin endpoints keep access to the queue either way.
	ingestQueue := queue
	if !cfg.Fallback.Enabled {
		ingestQueue = nil
	}

	monitor := fallback.NewMonitor(l2, cfg.Fallback.FailureThreshold, cfg.Fallback.CacheTimeout)
	syncer := fallback.NewSyncService(queue, cacheTier, monitor, fallback.SyncConfig{
		Interval:   cfg.Fallback.SyncInterval,
		BatchSize:  cfg.Fallback.SyncBatchSize,
		MaxRetries: cfg.Fallback.SyncMaxRetries,
	})

	// --- Services ---

	engine := service.NewRelationshipEngine(store)
	terminal := service.NewTerminalStatusService(store)
	hub := ws.NewHub(store, func(ctx context.Context) (any, error) {
		return terminal.Snapshot(ctx)
	}, cfg.Hub.BacklogSize, cfg.Hub.WriteTimeout)
	ingest := service.NewIngestService(store, cacheTier, ingestQueue, monitor, engine, hub,
		cfg.Fallback.CacheTimeout, service.DefaultRecentWindow, metrics)
	sweeper := service.NewTimeoutSweeper(store, hub, cfg.Session.TimeoutAfter, cfg.Session.SweepInterval)

	if err := metrics.RegisterWSConnections(hub.ConnectionCount); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	if err := metrics.RegisterSyncStats(syncer.Stats); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Background loops ---

	go monitor.Run(ctx, cfg.Fallback.ProbeInterval)
	go sweeper.Run(ctx)
	go syncer.Run(ctx)

	// --- HTTP ---

	handlers := tfhttp.NewHandlers(ingest, store, cacheTier, schemaVersion)
	fbHandlers := tfhttp.NewFallbackHandlers(cacheTier, queue, monitor, syncer, cfg.Fallback.CacheTimeout)

	r := chi.NewRouter()
	r.Use(tfhttp.SecurityHeaders)
	r.Use(tfhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(middleware.RequestID)
	r.Use(tfhttp.Logger)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(tfotel.HTTPMiddleware(cfg.Logging.Service))

	tfhttp.MountRoutes(r, handlers, fbHandlers, hub.HandleWS)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}
