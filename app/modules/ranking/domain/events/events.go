package rankingevents

import (
	"time"

	"github.com/tourneykit/rankbot/app/shared"
)

// Stream names
const (
	RankingStreamName = "ranking"
	PlayerStreamName  = "player"
)

// Ranking-related subjects
const (
	ModerationFlagChangedV1 = "player.moderation.flag.changed.v1"
	TournamentIngestedV1    = "tournament.results.ingested.v1"
	TournamentRerankedV1    = "tournament.reranked.v1"
)

// ModerationFlagChangedPayloadV1 is published when a moderation flag on a
// game identity is raised or cleared. Every tournament the identity appears
// in must be re-ranked.
type ModerationFlagChangedPayloadV1 struct {
	PlayerID shared.PlayerID `json:"player_id"`
	Kind     string          `json:"kind"`
	Active   bool            `json:"active"`
	Reason   string          `json:"reason,omitempty"`
}

// TournamentIngestedPayloadV1 is published when a tournament's result rows
// have been imported or replaced.
type TournamentIngestedPayloadV1 struct {
	TournamentID int64         `json:"tournament_id"`
	League       shared.League `json:"league"`
	Date         time.Time     `json:"date"`
}

// TournamentRerankedPayloadV1 is published after a tournament's positions
// have been recomputed and persisted.
type TournamentRerankedPayloadV1 struct {
	TournamentID int64         `json:"tournament_id"`
	League       shared.League `json:"league"`
	ChangedRows  int           `json:"changed_rows"`
	RecalcAt     time.Time     `json:"recalc_at"`
}
