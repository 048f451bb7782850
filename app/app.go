package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	nc "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tourneykit/rankbot/app/api"
	"github.com/tourneykit/rankbot/app/eventbus"
	"github.com/tourneykit/rankbot/app/metrics"
	"github.com/tourneykit/rankbot/app/modules/ranking"
	rankingevents "github.com/tourneykit/rankbot/app/modules/ranking/domain/events"
	"github.com/tourneykit/rankbot/app/modules/roles"
	rolesevents "github.com/tourneykit/rankbot/app/modules/roles/domain/events"
	"github.com/tourneykit/rankbot/app/shared"
	"github.com/tourneykit/rankbot/config"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// App wires configuration, storage, messaging, both modules, and the
// operator HTTP server.
type App struct {
	Config        *config.Config
	Logger        *slog.Logger
	DB            *bun.DB
	EventBus      shared.EventBus
	Router        *message.Router
	RankingModule *ranking.Module
	RolesModule   *roles.Module

	natsConn   *nc.Conn
	httpServer *http.Server
	tracer     trace.Tracer
}

// NewApp initializes the application.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	logger := newLogger(cfg)
	tracer := otel.Tracer("rankbot")

	pgdb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.Postgres.DSN)))
	db := bun.NewDB(pgdb, pgdialect.New())
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	bus, err := eventbus.NewEventBus(ctx, cfg.NATS.URL, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create event bus: %w", err)
	}

	if err := createStreams(ctx, bus); err != nil {
		return nil, err
	}

	// The roles gateway does synchronous request/reply against the external
	// system; it gets its own connection, separate from the JetStream bus.
	natsConn, err := nc.Connect(cfg.NATS.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	watermillLogger := watermill.NewSlogLogger(logger)
	router, err := message.NewRouter(message.RouterConfig{}, watermillLogger)
	if err != nil {
		return nil, fmt.Errorf("failed to create message router: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewPrometheusMetrics(registry)

	rankingModule, err := ranking.NewModule(ctx, cfg, logger, m, tracer, bus, router, db)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize ranking module: %w", err)
	}

	rolesModule, err := roles.NewModule(ctx, cfg, logger, m, tracer, bus, router, db, natsConn)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize roles module: %w", err)
	}

	httpRouter := chi.NewRouter()
	httpRouter.Use(chimiddleware.Recoverer)
	httpRouter.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	api.New(rankingModule.Service, rolesModule.Service, logger).Routes(httpRouter)

	return &App{
		Config:        cfg,
		Logger:        logger,
		DB:            db,
		EventBus:      bus,
		Router:        router,
		RankingModule: rankingModule,
		RolesModule:   rolesModule,
		natsConn:      natsConn,
		httpServer: &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           httpRouter,
			ReadHeaderTimeout: 5 * time.Second,
		},
		tracer: tracer,
	}, nil
}

// Run starts the message router, both modules, and the operator HTTP server,
// blocking until the context is cancelled.
func (a *App) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.Router.Run(ctx); err != nil && ctx.Err() == nil {
			a.Logger.ErrorContext(ctx, "Message router exited", slog.Any("error", err))
		}
	}()

	select {
	case <-a.Router.Running():
	case <-ctx.Done():
		wg.Wait()
		return ctx.Err()
	}

	wg.Add(2)
	go a.RankingModule.Run(ctx, &wg)
	go a.RolesModule.Run(ctx, &wg)

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.Logger.InfoContext(ctx, "Operator API listening", slog.String("addr", a.httpServer.Addr))
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.Logger.ErrorContext(ctx, "HTTP server exited", slog.Any("error", err))
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		a.Logger.Error("HTTP server shutdown failed", slog.Any("error", err))
	}

	wg.Wait()
	return nil
}

// Close releases every resource the app holds.
func (a *App) Close() {
	if err := a.RolesModule.Close(); err != nil {
		a.Logger.Error("Failed to close roles module", slog.Any("error", err))
	}
	if err := a.RankingModule.Close(); err != nil {
		a.Logger.Error("Failed to close ranking module", slog.Any("error", err))
	}
	if err := a.Router.Close(); err != nil {
		a.Logger.Error("Failed to close message router", slog.Any("error", err))
	}
	if a.natsConn != nil {
		a.natsConn.Close()
	}
	if err := a.EventBus.Close(); err != nil {
		a.Logger.Error("Failed to close event bus", slog.Any("error", err))
	}
	if err := a.DB.Close(); err != nil {
		a.Logger.Error("Failed to close database", slog.Any("error", err))
	}
}

// createStreams provisions the JetStream streams every module publishes or
// consumes on.
func createStreams(ctx context.Context, bus shared.EventBus) error {
	streams := []struct {
		name    string
		subject string
	}{
		{rankingevents.RankingStreamName, "tournament.>"},
		{rankingevents.PlayerStreamName, "player.>"},
		{rolesevents.RolesStreamName, "stats.>"},
		{rolesevents.CommunityStreamName, "community.>"},
	}

	for _, s := range streams {
		if err := bus.CreateStream(ctx, s.name, s.subject); err != nil {
			return fmt.Errorf("failed to create stream %q: %w", s.name, err)
		}
	}
	return nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	var handler slog.Handler
	if cfg.Observability.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, nil)
	} else {
		handler = slog.NewTextHandler(os.Stdout, nil)
	}
	return slog.New(handler).With(
		slog.String("service", "rankbot"),
		slog.String("env", cfg.Observability.Environment),
	)
}
