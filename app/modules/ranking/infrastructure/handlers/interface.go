package rankinghandlers

import (
	"context"

	"github.com/tourneykit/rankbot/app/handlerwrapper"
	rankingevents "github.com/tourneykit/rankbot/app/modules/ranking/domain/events"
)

// Handlers defines the ranking module's event handlers.
type Handlers interface {
	HandleModerationFlagChanged(ctx context.Context, payload *rankingevents.ModerationFlagChangedPayloadV1) ([]handlerwrapper.Result, error)
	HandleTournamentIngested(ctx context.Context, payload *rankingevents.TournamentIngestedPayloadV1) ([]handlerwrapper.Result, error)
}
