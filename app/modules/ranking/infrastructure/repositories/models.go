package rankingdb

import (
	"time"

	"github.com/tourneykit/rankbot/app/shared"
	"github.com/uptrace/bun"
)

// Tournament is one imported tournament with its recalculation bookkeeping.
// NeedsRecalc plus RecalcRetryCount form the work queue: a tournament is
// claimable while NeedsRecalc is set and the retry count is below the
// configured ceiling.
type Tournament struct {
	bun.BaseModel    `bun:"table:tournaments,alias:t"`
	ID               int64         `bun:"id,pk,autoincrement" json:"id"`
	League           shared.League `bun:"league,notnull" json:"league"`
	Date             time.Time     `bun:"date,notnull" json:"date"`
	NeedsRecalc      bool          `bun:"needs_recalc,notnull,default:false" json:"needs_recalc"`
	RecalcRetryCount int           `bun:"recalc_retry_count,notnull,default:0" json:"recalc_retry_count"`
	LastRecalcAt     *time.Time    `bun:"last_recalc_at,nullzero" json:"last_recalc_at,omitempty"`
	CreatedAt        time.Time     `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
}

// TournamentRow is a single participant result. Position is the computed
// competition position, or -1 when the participant is excluded from ranking.
type TournamentRow struct {
	bun.BaseModel `bun:"table:tournament_rows,alias:tr"`
	ID            int64           `bun:"id,pk,autoincrement" json:"id"`
	TournamentID  int64           `bun:"tournament_id,notnull" json:"tournament_id"`
	PlayerID      shared.PlayerID `bun:"player_id,notnull" json:"player_id"`
	PlayerName    string          `bun:"player_name" json:"player_name"`
	Wave          int             `bun:"wave,notnull" json:"wave"`
	Position      int             `bun:"position,notnull,default:0" json:"position"`
}

// PositionUpdate carries one row's new position for a bulk update.
type PositionUpdate struct {
	RowID    int64
	Position int
}

// QueuePreview is one upcoming queue entry in operator status output.
type QueuePreview struct {
	TournamentID int64         `json:"tournament_id"`
	League       shared.League `json:"league"`
	Date         time.Time     `json:"date"`
	RetryCount   int           `json:"retry_count"`
}

// QueueStatus is the operator-facing snapshot of the recalculation queue.
type QueueStatus struct {
	Pending          int                   `json:"pending"`
	Failed           int                   `json:"failed"`
	ProcessedLast24h int                   `json:"processed_last_24h"`
	PendingByLeague  map[shared.League]int `json:"pending_by_league"`
	NextUp           []QueuePreview        `json:"next_up"`
	FailedRecords    []QueuePreview        `json:"failed_records"`
}
