package rankingdb

import (
	"context"
	"time"

	"github.com/tourneykit/rankbot/app/shared"
	"github.com/uptrace/bun"
)

// Repository defines the contract for tournament and recalc-queue persistence.
type Repository interface {
	// GetTournament retrieves a tournament by ID.
	GetTournament(ctx context.Context, db bun.IDB, tournamentID int64) (*Tournament, error)

	// UpsertTournament creates or refreshes a tournament record.
	UpsertTournament(ctx context.Context, db bun.IDB, t *Tournament) error

	// ReplaceRows swaps a tournament's result rows for a fresh import.
	ReplaceRows(ctx context.Context, db bun.IDB, tournamentID int64, rows []TournamentRow) error

	// ClaimNext locks and returns the highest-priority dirty tournament,
	// clearing its needs_recalc flag inside the caller's transaction. Returns
	// ErrQueueEmpty when nothing is claimable.
	ClaimNext(ctx context.Context, db bun.IDB, maxRetries int, hierarchy []string) (*Tournament, error)

	// RowsByWaveDesc returns a tournament's rows ordered by wave descending.
	RowsByWaveDesc(ctx context.Context, db bun.IDB, tournamentID int64) ([]TournamentRow, error)

	// UpdatePositions writes new positions for the given rows and returns how
	// many rows changed.
	UpdatePositions(ctx context.Context, db bun.IDB, updates []PositionUpdate) (int, error)

	// MarkDirty flags one tournament for recalculation and resets its retries.
	MarkDirty(ctx context.Context, db bun.IDB, tournamentID int64) error

	// MarkDirtyByPlayers flags every tournament the given identities appear in
	// and resets their retry counts. Returns the number of flagged tournaments.
	MarkDirtyByPlayers(ctx context.Context, db bun.IDB, playerIDs []shared.PlayerID) (int64, error)

	// ReportFailure increments a tournament's retry count. Below the ceiling
	// the tournament is re-flagged for another attempt; at the ceiling it is
	// left un-flagged until an operator resets it.
	ReportFailure(ctx context.Context, db bun.IDB, tournamentID int64, maxRetries int) error

	// MarkSucceeded records a successful recalculation.
	MarkSucceeded(ctx context.Context, db bun.IDB, tournamentID int64, at time.Time) error

	// ResetFailed re-flags every tournament stuck at the retry ceiling and
	// returns how many were reset.
	ResetFailed(ctx context.Context, db bun.IDB, maxRetries int) (int64, error)

	// QueueStatus builds the operator snapshot of the recalc queue.
	QueueStatus(ctx context.Context, db bun.IDB, maxRetries int, hierarchy []string) (*QueueStatus, error)
}
