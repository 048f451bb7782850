package playersdb

import (
	"time"

	"github.com/tourneykit/rankbot/app/shared"
	"github.com/uptrace/bun"
)

// FlagKind classifies a moderation flag.
type FlagKind string

const (
	FlagBanned     FlagKind = "banned"
	FlagSuspicious FlagKind = "suspicious"
	FlagShunned    FlagKind = "shunned"
)

// PlayerIdentity is a game identity observed in tournament results.
type PlayerIdentity struct {
	bun.BaseModel `bun:"table:player_identities,alias:pi"`
	ID            int64           `bun:"id,pk,autoincrement" json:"id"`
	PlayerID      shared.PlayerID `bun:"player_id,unique,notnull" json:"player_id"`
	Name          string          `bun:"name" json:"name"`
	CreatedAt     time.Time       `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt     time.Time       `bun:"updated_at,notnull,default:current_timestamp" json:"updated_at"`
}

// AccountLink binds a community account to a game identity. One account may
// link several identities; stats aggregation spans all of them.
type AccountLink struct {
	bun.BaseModel `bun:"table:account_links,alias:al"`
	ID            int64              `bun:"id,pk,autoincrement" json:"id"`
	CommunityID   shared.CommunityID `bun:"community_id,notnull" json:"community_id"`
	AccountID     shared.AccountID   `bun:"account_id,notnull" json:"account_id"`
	PlayerID      shared.PlayerID    `bun:"player_id,notnull" json:"player_id"`
	Primary       bool               `bun:"is_primary,notnull,default:false" json:"primary"`
	CreatedAt     time.Time          `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
}

// ModerationFlag marks a game identity as banned, suspicious, or shunned.
type ModerationFlag struct {
	bun.BaseModel `bun:"table:moderation_flags,alias:mf"`
	ID            int64           `bun:"id,pk,autoincrement" json:"id"`
	PlayerID      shared.PlayerID `bun:"player_id,notnull" json:"player_id"`
	Kind          FlagKind        `bun:"kind,notnull" json:"kind"`
	Reason        *string         `bun:"reason,nullzero" json:"reason,omitempty"`
	CreatedBy     string          `bun:"created_by" json:"created_by"`
	CreatedAt     time.Time       `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
}
