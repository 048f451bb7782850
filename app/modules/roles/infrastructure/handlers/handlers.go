package roleshandlers

import (
	"context"
	"log/slog"

	"github.com/tourneykit/rankbot/app/handlerwrapper"
	rolesservice "github.com/tourneykit/rankbot/app/modules/roles/application"
	rolesevents "github.com/tourneykit/rankbot/app/modules/roles/domain/events"
	"go.opentelemetry.io/otel/trace"
)

// RolesHandlers implements the Handlers interface.
type RolesHandlers struct {
	service    rolesservice.Service
	supervisor *rolesservice.Supervisor
	logger     *slog.Logger
	tracer     trace.Tracer
}

// NewRolesHandlers creates a new RolesHandlers instance.
func NewRolesHandlers(
	service rolesservice.Service,
	supervisor *rolesservice.Supervisor,
	logger *slog.Logger,
	tracer trace.Tracer,
) Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &RolesHandlers{
		service:    service,
		supervisor: supervisor,
		logger:     logger,
		tracer:     tracer,
	}
}

// HandleDataRefreshed refreshes every community's role assignments against
// the new stats. Per-community failures were already logged and counted by
// the reconciler, so the event is never redelivered for them.
func (h *RolesHandlers) HandleDataRefreshed(ctx context.Context, payload *rolesevents.DataRefreshedPayloadV1) ([]handlerwrapper.Result, error) {
	ctx, span := h.tracer.Start(ctx, "RolesHandlers.HandleDataRefreshed")
	defer span.End()

	h.logger.InfoContext(ctx, "Stats data refreshed, reconciling communities",
		slog.String("source", payload.Source),
		slog.Time("refreshed_at", payload.RefreshedAt),
	)

	reports, err := h.service.ReconcileAll(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "Community reconciliation had failures", slog.Any("error", err))
	}

	h.logger.InfoContext(ctx, "Community reconciliation finished",
		slog.Int("communities", len(reports)),
	)
	return nil, nil
}

// HandleAccountRolesObserved feeds an observed role snapshot to the drift
// supervisor. Transient failures are returned so the observation redelivers.
func (h *RolesHandlers) HandleAccountRolesObserved(ctx context.Context, payload *rolesevents.AccountRolesObservedPayloadV1) ([]handlerwrapper.Result, error) {
	ctx, span := h.tracer.Start(ctx, "RolesHandlers.HandleAccountRolesObserved")
	defer span.End()

	if err := h.supervisor.Observe(ctx, payload); err != nil {
		return nil, err
	}
	return nil, nil
}
