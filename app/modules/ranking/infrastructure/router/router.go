package rankingrouter

import (
	"context"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/tourneykit/rankbot/app/handlerwrapper"
	rankingevents "github.com/tourneykit/rankbot/app/modules/ranking/domain/events"
	rankinghandlers "github.com/tourneykit/rankbot/app/modules/ranking/infrastructure/handlers"
	"github.com/tourneykit/rankbot/app/shared"
	"go.opentelemetry.io/otel/trace"
)

// RankingRouter handles Watermill handler registration for ranking events.
type RankingRouter struct {
	logger   *slog.Logger
	router   *message.Router
	eventBus shared.EventBus
	tracer   trace.Tracer
}

// NewRankingRouter creates a new RankingRouter.
func NewRankingRouter(
	logger *slog.Logger,
	router *message.Router,
	eventBus shared.EventBus,
	tracer trace.Tracer,
) *RankingRouter {
	return &RankingRouter{
		logger:   logger,
		router:   router,
		eventBus: eventBus,
		tracer:   tracer,
	}
}

// Configure sets up the router with handlers.
func (r *RankingRouter) Configure(_ context.Context, handlers rankinghandlers.Handlers) error {
	r.registerHandlers(handlers)
	return nil
}

// handlerDeps bundles dependencies for handler registration.
type handlerDeps struct {
	router   *message.Router
	eventBus shared.EventBus
	logger   *slog.Logger
	tracer   trace.Tracer
}

// registerHandlers wires NATS topics to handler methods.
func (r *RankingRouter) registerHandlers(handlers rankinghandlers.Handlers) {
	deps := handlerDeps{
		router:   r.router,
		eventBus: r.eventBus,
		logger:   r.logger,
		tracer:   r.tracer,
	}

	r.logger.Info("Registering ranking module handlers",
		slog.String("moderation_flag_subject", rankingevents.ModerationFlagChangedV1),
		slog.String("tournament_ingested_subject", rankingevents.TournamentIngestedV1),
	)

	registerHandler(deps, rankingevents.ModerationFlagChangedV1, handlers.HandleModerationFlagChanged)
	registerHandler(deps, rankingevents.TournamentIngestedV1, handlers.HandleTournamentIngested)

	r.logger.Info("Ranking module handlers registered successfully")
}

// registerHandler is a generic function for type-safe Watermill handler registration.
func registerHandler[T any](
	deps handlerDeps,
	topic string,
	handler func(context.Context, *T) ([]handlerwrapper.Result, error),
) {
	handlerName := "ranking." + topic

	deps.router.AddNoPublisherHandler(
		handlerName,
		topic,
		deps.eventBus,
		handlerwrapper.WrapTyped(
			handlerName,
			deps.logger,
			deps.tracer,
			deps.eventBus,
			handler,
		),
	)
}

// Close shuts down the router.
func (r *RankingRouter) Close() error {
	return r.router.Close()
}
