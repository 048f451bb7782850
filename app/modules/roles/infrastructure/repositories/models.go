package rolesdb

import (
	"time"

	"github.com/google/uuid"
	"github.com/tourneykit/rankbot/app/shared"
	"github.com/uptrace/bun"
)

// RoleAssignment is the cached expected role for one community account.
// RoleID is empty when the account was computed to deserve no managed role;
// a missing row means the account has never been computed at all. The two
// states are distinct on purpose: corrections act on the first, never the
// second.
type RoleAssignment struct {
	bun.BaseModel `bun:"table:role_assignments,alias:ra"`
	ID            int64              `bun:"id,pk,autoincrement" json:"id"`
	CommunityID   shared.CommunityID `bun:"community_id,notnull" json:"community_id"`
	AccountID     shared.AccountID   `bun:"account_id,notnull" json:"account_id"`
	RoleID        shared.RoleID      `bun:"role_id,notnull,default:''" json:"role_id"`
	Generation    uuid.UUID          `bun:"generation,notnull,type:uuid" json:"generation"`
	ComputedAt    time.Time          `bun:"computed_at,notnull,default:current_timestamp" json:"computed_at"`
}

// HasRole reports whether the cached expectation is a concrete role.
func (a *RoleAssignment) HasRole() bool {
	return a.RoleID != ""
}

// CacheMeta tracks one community's cache generation. CompletedAt is nil while
// a refresh is running; StatsVersion is the data refresh timestamp the
// generation was computed from, used to detect staleness.
type CacheMeta struct {
	bun.BaseModel `bun:"table:role_cache_meta,alias:rcm"`
	CommunityID   shared.CommunityID `bun:"community_id,pk" json:"community_id"`
	Generation    uuid.UUID          `bun:"generation,notnull,type:uuid" json:"generation"`
	StartedAt     time.Time          `bun:"started_at,notnull" json:"started_at"`
	CompletedAt   *time.Time         `bun:"completed_at,nullzero" json:"completed_at,omitempty"`
	StatsVersion  *time.Time         `bun:"stats_version,nullzero" json:"stats_version,omitempty"`
}
