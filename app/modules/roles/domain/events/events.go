package rolesevents

import (
	"time"

	"github.com/tourneykit/rankbot/app/shared"
)

// Stream names
const (
	RolesStreamName     = "roles"
	CommunityStreamName = "community"
)

// Role-related subjects
const (
	DataRefreshedV1        = "stats.data.refreshed.v1"
	AccountRolesObservedV1 = "community.account.roles.observed.v1"
	RolesReconciledV1      = "community.roles.reconciled.v1"
)

// DataRefreshedPayloadV1 is published when the tournament stats underlying
// role determination have been refreshed. Cached assignments computed before
// this moment are stale.
type DataRefreshedPayloadV1 struct {
	Source      string    `json:"source"`
	RefreshedAt time.Time `json:"refreshed_at"`
}

// AccountRolesObservedPayloadV1 reports the full role set currently visible
// on an account in the external system. The supervisor compares it against
// the cached expectation and schedules a correction when they drift.
type AccountRolesObservedPayloadV1 struct {
	CommunityID shared.CommunityID `json:"community_id"`
	AccountID   shared.AccountID   `json:"account_id"`
	RoleIDs     []shared.RoleID    `json:"role_ids"`
	ObservedAt  time.Time          `json:"observed_at"`
}

// RolesReconciledPayloadV1 is published after a community refresh finishes.
type RolesReconciledPayloadV1 struct {
	CommunityID shared.CommunityID `json:"community_id"`
	Generation  string             `json:"generation"`
	Processed   int                `json:"processed"`
	Changed     int                `json:"changed"`
	Errors      int                `json:"errors"`
	DryRun      bool               `json:"dry_run"`
	FinishedAt  time.Time          `json:"finished_at"`
}
