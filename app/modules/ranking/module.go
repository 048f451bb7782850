package ranking

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/tourneykit/rankbot/app/metrics"
	playersdb "github.com/tourneykit/rankbot/app/modules/players/infrastructure/repositories"
	rankingservice "github.com/tourneykit/rankbot/app/modules/ranking/application"
	rankinghandlers "github.com/tourneykit/rankbot/app/modules/ranking/infrastructure/handlers"
	rankingdb "github.com/tourneykit/rankbot/app/modules/ranking/infrastructure/repositories"
	rankingrouter "github.com/tourneykit/rankbot/app/modules/ranking/infrastructure/router"
	"github.com/tourneykit/rankbot/app/shared"
	"github.com/tourneykit/rankbot/config"
	"github.com/uptrace/bun"
	"go.opentelemetry.io/otel/trace"
)

// Module bundles the ranking service, its queue worker, and event routing.
type Module struct {
	Service    rankingservice.Service
	Worker     *rankingservice.Worker
	Router     *rankingrouter.RankingRouter
	logger     *slog.Logger
	cancelFunc context.CancelFunc
}

// NewModule creates and initializes the ranking module.
func NewModule(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	m metrics.Metrics,
	tracer trace.Tracer,
	eventBus shared.EventBus,
	router *message.Router,
	db *bun.DB,
) (*Module, error) {
	logger.InfoContext(ctx, "ranking.NewModule initializing")

	repo := rankingdb.NewRepository(db)
	players := playersdb.NewRepository(db)

	service := rankingservice.NewRankingService(repo, players, logger, m, tracer, db, rankingservice.Config{
		MaxRetries:      cfg.Engine.MaxRetries,
		LeagueHierarchy: cfg.Engine.LeagueHierarchy,
		FoldShunned:     cfg.Engine.FoldShunnedInRanking,
	})

	worker := rankingservice.NewWorker(service, eventBus, logger, cfg.Engine.WorkerIdleDelay, cfg.Engine.WorkerErrorDelay)

	handlers := rankinghandlers.NewRankingHandlers(service, logger, tracer)

	rankingRouter := rankingrouter.NewRankingRouter(logger, router, eventBus, tracer)
	if err := rankingRouter.Configure(ctx, handlers); err != nil {
		return nil, fmt.Errorf("failed to configure ranking router: %w", err)
	}

	return &Module{
		Service: service,
		Worker:  worker,
		Router:  rankingRouter,
		logger:  logger,
	}, nil
}

// Run starts the recalc worker until the context is cancelled.
func (m *Module) Run(ctx context.Context, wg *sync.WaitGroup) {
	m.logger.InfoContext(ctx, "Starting ranking module")

	ctx, cancel := context.WithCancel(ctx)
	m.cancelFunc = cancel
	defer cancel()

	if wg != nil {
		defer wg.Done()
	}

	if err := m.Worker.Run(ctx); err != nil && ctx.Err() == nil {
		m.logger.ErrorContext(ctx, "Recalc worker exited", slog.Any("error", err))
	}
	m.logger.InfoContext(ctx, "Ranking module goroutine stopped")
}

// Close shuts down the ranking module.
func (m *Module) Close() error {
	m.logger.Info("Stopping ranking module")

	if m.cancelFunc != nil {
		m.cancelFunc()
	}

	m.logger.Info("Ranking module stopped")
	return nil
}
