package roles

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"
	"github.com/tourneykit/rankbot/app/metrics"
	playersdb "github.com/tourneykit/rankbot/app/modules/players/infrastructure/repositories"
	rolesservice "github.com/tourneykit/rankbot/app/modules/roles/application"
	rolesadapters "github.com/tourneykit/rankbot/app/modules/roles/infrastructure/adapters"
	roleshandlers "github.com/tourneykit/rankbot/app/modules/roles/infrastructure/handlers"
	rolesqueue "github.com/tourneykit/rankbot/app/modules/roles/infrastructure/queue"
	rolesdb "github.com/tourneykit/rankbot/app/modules/roles/infrastructure/repositories"
	rolesrouter "github.com/tourneykit/rankbot/app/modules/roles/infrastructure/router"
	"github.com/tourneykit/rankbot/app/shared"
	"github.com/tourneykit/rankbot/config"
	"github.com/uptrace/bun"
	"go.opentelemetry.io/otel/trace"
)

// Module bundles the roles service, the drift supervisor, its correction
// queue, and event routing.
type Module struct {
	Service    rolesservice.Service
	Supervisor *rolesservice.Supervisor
	Queue      *rolesqueue.Service
	Router     *rolesrouter.RolesRouter
	logger     *slog.Logger
	cancelFunc context.CancelFunc
}

// NewModule creates and initializes the roles module. The supervisor and the
// queue service are wired to each other: the queue fires corrections back
// into the supervisor, the supervisor arms jobs on the queue.
func NewModule(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	m metrics.Metrics,
	tracer trace.Tracer,
	eventBus shared.EventBus,
	router *message.Router,
	db *bun.DB,
	natsConn *nc.Conn,
) (*Module, error) {
	logger.InfoContext(ctx, "roles.NewModule initializing")

	repo := rolesdb.NewRepository(db)
	stats := rolesdb.NewStatsRepository(db)
	players := playersdb.NewRepository(db)
	gateway := rolesadapters.NewNATSGateway(natsConn, logger)

	reconciler := rolesservice.NewReconciler(repo, stats, players, gateway, eventBus, logger, m, db, cfg)
	service := rolesservice.NewRolesService(reconciler, repo, logger, m, tracer, db, cfg)

	supervisor := rolesservice.NewSupervisor(repo, gateway, nil, logger, m, db, cfg)

	queue, err := rolesqueue.NewService(ctx, logger, cfg.Postgres.DSN, m, supervisor)
	if err != nil {
		return nil, fmt.Errorf("failed to create correction queue: %w", err)
	}
	supervisor.SetScheduler(queue)
	reconciler.SetSuppressor(supervisor)

	handlers := roleshandlers.NewRolesHandlers(service, supervisor, logger, tracer)

	rolesRouter := rolesrouter.NewRolesRouter(logger, router, eventBus, tracer)
	if err := rolesRouter.Configure(ctx, handlers); err != nil {
		return nil, fmt.Errorf("failed to configure roles router: %w", err)
	}

	return &Module{
		Service:    service,
		Supervisor: supervisor,
		Queue:      queue,
		Router:     rolesRouter,
		logger:     logger,
	}, nil
}

// Run starts the correction queue until the context is cancelled.
func (m *Module) Run(ctx context.Context, wg *sync.WaitGroup) {
	m.logger.InfoContext(ctx, "Starting roles module")

	ctx, cancel := context.WithCancel(ctx)
	m.cancelFunc = cancel
	defer cancel()

	if wg != nil {
		defer wg.Done()
	}

	if err := m.Queue.Start(ctx); err != nil {
		m.logger.ErrorContext(ctx, "Failed to start correction queue", slog.Any("error", err))
		return
	}

	<-ctx.Done()
	m.logger.InfoContext(ctx, "Roles module goroutine stopped")
}

// Close shuts down the roles module. Pending corrections are cancelled so
// they do not fire against a shut-down supervisor on the next start.
func (m *Module) Close() error {
	m.logger.Info("Stopping roles module")

	ctx := context.Background()
	m.Supervisor.Shutdown(ctx)

	if err := m.Queue.Stop(ctx); err != nil {
		m.logger.Error("Failed to stop correction queue", slog.Any("error", err))
	}

	if m.cancelFunc != nil {
		m.cancelFunc()
	}

	m.logger.Info("Roles module stopped")
	return nil
}
