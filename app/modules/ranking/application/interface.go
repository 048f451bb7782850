package rankingservice

import (
	"context"

	rankingevents "github.com/tourneykit/rankbot/app/modules/ranking/domain/events"
	rankingdb "github.com/tourneykit/rankbot/app/modules/ranking/infrastructure/repositories"
	"github.com/tourneykit/rankbot/app/shared"
)

// Service defines the ranking module's application operations.
type Service interface {
	// IngestTournament stores a tournament's results and flags it for ranking.
	IngestTournament(ctx context.Context, payload *rankingevents.TournamentIngestedPayloadV1, rows []rankingdb.TournamentRow) error

	// ProcessNext claims and re-ranks the highest-priority dirty tournament.
	// Returns rankingdb.ErrQueueEmpty when there is nothing to do. A
	// processing failure is recorded against the tournament's retry count and
	// reported in the outcome, not as an error.
	ProcessNext(ctx context.Context) (*RecalcOutcome, error)

	// MarkDirtyForPlayers flags every tournament the identities appear in.
	MarkDirtyForPlayers(ctx context.Context, playerIDs []shared.PlayerID) (int64, error)

	// ForceRecalculate flags one tournament regardless of its retry state.
	ForceRecalculate(ctx context.Context, tournamentID int64) error

	// QueueStatus reports the operator snapshot of the recalc queue.
	QueueStatus(ctx context.Context) (*rankingdb.QueueStatus, error)

	// ResetFailed re-flags tournaments stuck at the retry ceiling.
	ResetFailed(ctx context.Context) (int64, error)
}

// RecalcOutcome describes one ProcessNext pass.
type RecalcOutcome struct {
	TournamentID int64
	League       shared.League
	ChangedRows  int
	Failed       bool
	FailureCause string
}
