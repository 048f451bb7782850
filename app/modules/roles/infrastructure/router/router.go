package rolesrouter

import (
	"context"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/tourneykit/rankbot/app/handlerwrapper"
	rolesevents "github.com/tourneykit/rankbot/app/modules/roles/domain/events"
	roleshandlers "github.com/tourneykit/rankbot/app/modules/roles/infrastructure/handlers"
	"github.com/tourneykit/rankbot/app/shared"
	"go.opentelemetry.io/otel/trace"
)

// RolesRouter handles Watermill handler registration for roles events.
type RolesRouter struct {
	logger   *slog.Logger
	router   *message.Router
	eventBus shared.EventBus
	tracer   trace.Tracer
}

// NewRolesRouter creates a new RolesRouter.
func NewRolesRouter(
	logger *slog.Logger,
	router *message.Router,
	eventBus shared.EventBus,
	tracer trace.Tracer,
) *RolesRouter {
	return &RolesRouter{
		logger:   logger,
		router:   router,
		eventBus: eventBus,
		tracer:   tracer,
	}
}

// Configure sets up the router with handlers.
func (r *RolesRouter) Configure(_ context.Context, handlers roleshandlers.Handlers) error {
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
func (r *RolesRouter) registerHandlers(handlers roleshandlers.Handlers) {
	deps := handlerDeps{
		router:   r.router,
		eventBus: r.eventBus,
		logger:   r.logger,
		tracer:   r.tracer,
	}

	r.logger.Info("Registering roles module handlers",
		slog.String("data_refreshed_subject", rolesevents.DataRefreshedV1),
		slog.String("roles_observed_subject", rolesevents.AccountRolesObservedV1),
	)

	registerHandler(deps, rolesevents.DataRefreshedV1, handlers.HandleDataRefreshed)
	registerHandler(deps, rolesevents.AccountRolesObservedV1, handlers.HandleAccountRolesObserved)

	r.logger.Info("Roles module handlers registered successfully")
}

// registerHandler is a generic function for type-safe Watermill handler registration.
func registerHandler[T any](
	deps handlerDeps,
	topic string,
	handler func(context.Context, *T) ([]handlerwrapper.Result, error),
) {
	handlerName := "roles." + topic

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
func (r *RolesRouter) Close() error {
	return r.router.Close()
}
