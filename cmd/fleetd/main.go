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
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/spritelab/fleetd/internal/adapter/github"
	fleethttp "github.com/spritelab/fleetd/internal/adapter/http"
	"github.com/spritelab/fleetd/internal/adapter/inproc"
	"github.com/spritelab/fleetd/internal/adapter/memstore"
	fleetnats "github.com/spritelab/fleetd/internal/adapter/nats"
	fleetotel "github.com/spritelab/fleetd/internal/adapter/otel"
	"github.com/spritelab/fleetd/internal/adapter/postgres"
	"github.com/spritelab/fleetd/internal/adapter/spritesd"
	"github.com/spritelab/fleetd/internal/adapter/ws"
	"github.com/spritelab/fleetd/internal/config"
	"github.com/spritelab/fleetd/internal/domain/safety"
	"github.com/spritelab/fleetd/internal/domain/sprite"
	"github.com/spritelab/fleetd/internal/fleet"
	"github.com/spritelab/fleetd/internal/logger"
	"github.com/spritelab/fleetd/internal/middleware"
	"github.com/spritelab/fleetd/internal/port/bus"
	"github.com/spritelab/fleetd/internal/port/store"
	"github.com/spritelab/fleetd/internal/service"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log := logger.New(cfg.Logging)

	log.Info("config loaded",
		"port", cfg.Server.Port,
		"store", cfg.Store.Backend,
		"state_profile", cfg.Sprite.StateProfile,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Telemetry ---
	shutdownMeter, err := fleetotel.InitMeter(ctx, cfg.Logging.Service, cfg.Telemetry.Endpoint, cfg.Telemetry.Interval)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownMeter(shutdownCtx)
	}()
	shutdownTracer, err := fleetotel.InitTracer(ctx, cfg.Logging.Service, cfg.Telemetry.Endpoint)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracer(shutdownCtx)
	}()
	metrics, err := fleetotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Record store ---
	var st store.Store
	switch cfg.Store.Backend {
	case "postgres":
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()
		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		log.Info("postgres connected, migrations applied")
		st = postgres.NewStore(pool)
	default:
		st = memstore.New()
	}

	// --- Event bus ---
	var eventBus bus.Bus
	if cfg.NATS.URL != "" {
		nb, err := fleetnats.Connect(ctx, cfg.NATS.URL, log)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer func() { _ = nb.Close() }()
		eventBus = nb
		log.Info("nats connected", "url", cfg.NATS.URL)
	} else {
		eventBus = inproc.New()
	}

	// --- Sandbox API ---
	api, err := spritesd.NewClient(cfg.Sandbox.URL, cfg.Sandbox.Token)
	if err != nil {
		return fmt.Errorf("sandbox client: %w", err)
	}

	// --- Core services ---
	registry := fleet.NewRegistry(api, eventBus, metrics, cfg.Sprite, log)
	defer registry.Stop()

	policy := safety.Policy{ResourceAllowList: cfg.Safety.ResourceAllowList}
	pipeline := service.NewPipeline(st, eventBus, metrics, policy, log)
	runs := service.NewRuns(pipeline, api, eventBus, cfg.Sprite, log)
	observations := service.NewObservations(pipeline, eventBus, log)

	bridge := service.NewBridge(pipeline, eventBus, log)
	go bridge.Run(ctx)

	poke := make(chan struct{}, 1)
	if cfg.Approval.Repo != "" {
		tracker, err := github.NewTracker(cfg.Approval.Repo, cfg.Approval.Token)
		if err != nil {
			return fmt.Errorf("approval tracker: %w", err)
		}
		governance := service.NewGovernance(st, pipeline, tracker, cfg.Approval, log)
		go governance.Run(ctx, poke)
		log.Info("governance sweeper started", "repo", cfg.Approval.Repo)
	} else {
		log.Warn("approval repo not configured, intents await manual API approval")
	}

	hub := ws.NewHub(log)
	go hub.Run(ctx, eventBus, bus.ChannelFleet, bus.ChannelIntentsAll, bus.ChannelRuns)

	// --- HTTP ---
	dedup, err := middleware.NewDeduper(cfg.Webhook.DedupMaxBytes, cfg.Webhook.DedupTTL, func() {
		metrics.WebhookDuplicates.Add(ctx, 1)
	})
	if err != nil {
		return fmt.Errorf("webhook dedup: %w", err)
	}
	defer dedup.Close()

	handlers := &fleethttp.Handlers{
		Fleet:        registry,
		Pipeline:     pipeline,
		Runs:         runs,
		Observations: observations,
		Profile:      sprite.Profile(cfg.Sprite.StateProfile),
		ApprovalPoke: poke,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(cfg.Server.ReadTimeout))
	r.Use(middleware.CORS(cfg.Server.CORSOrigin))
	r.Use(fleetotel.HTTPMiddleware(cfg.Logging.Service))
	r.Use(middleware.Auth(cfg.Server.AuthToken))

	r.Get("/health", handlers.Health)
	r.Get("/ws", hub.HandleWS)
	fleethttp.MountRoutes(r, handlers, dedup)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "error", err)
		}
	}()

	<-done
	log.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}
