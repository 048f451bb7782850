package rankinghandlers

import (
	"context"
	"log/slog"

	"github.com/tourneykit/rankbot/app/handlerwrapper"
	rankingservice "github.com/tourneykit/rankbot/app/modules/ranking/application"
	rankingevents "github.com/tourneykit/rankbot/app/modules/ranking/domain/events"
	"github.com/tourneykit/rankbot/app/shared"
	"go.opentelemetry.io/otel/trace"
)

// RankingHandlers implements the Handlers interface.
type RankingHandlers struct {
	service rankingservice.Service
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewRankingHandlers creates a new RankingHandlers instance.
func NewRankingHandlers(
	service rankingservice.Service,
	logger *slog.Logger,
	tracer trace.Tracer,
) Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &RankingHandlers{
		service: service,
		logger:  logger,
		tracer:  tracer,
	}
}

// HandleModerationFlagChanged re-flags every tournament the identity appears
// in. A flagging failure is logged and swallowed: moderation changes must
// never bounce, and the next flag change or manual reset picks the work up.
func (h *RankingHandlers) HandleModerationFlagChanged(ctx context.Context, payload *rankingevents.ModerationFlagChangedPayloadV1) ([]handlerwrapper.Result, error) {
	ctx, span := h.tracer.Start(ctx, "RankingHandlers.HandleModerationFlagChanged")
	defer span.End()

	h.logger.InfoContext(ctx, "Moderation flag change received",
		slog.String("player_id", string(payload.PlayerID)),
		slog.String("kind", payload.Kind),
		slog.Bool("active", payload.Active),
	)

	count, err := h.service.MarkDirtyForPlayers(ctx, []shared.PlayerID{payload.PlayerID})
	if err != nil {
		h.logger.ErrorContext(ctx, "Failed to flag tournaments for recalc",
			slog.String("player_id", string(payload.PlayerID)),
			slog.Any("error", err),
		)
		return nil, nil
	}

	h.logger.InfoContext(ctx, "Tournaments flagged for recalc",
		slog.String("player_id", string(payload.PlayerID)),
		slog.Int64("count", count),
	)
	return nil, nil
}

// HandleTournamentIngested records the tournament and queues its first
// ranking pass. Result rows are written by the importer before the event is
// published, so only the bookkeeping happens here.
func (h *RankingHandlers) HandleTournamentIngested(ctx context.Context, payload *rankingevents.TournamentIngestedPayloadV1) ([]handlerwrapper.Result, error) {
	ctx, span := h.tracer.Start(ctx, "RankingHandlers.HandleTournamentIngested")
	defer span.End()

	h.logger.InfoContext(ctx, "Tournament ingested",
		slog.Int64("tournament_id", payload.TournamentID),
		slog.String("league", string(payload.League)),
	)

	if err := h.service.IngestTournament(ctx, payload, nil); err != nil {
		return nil, err
	}
	return nil, nil
}
