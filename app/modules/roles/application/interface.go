package rolesservice

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/tourneykit/rankbot/app/shared"
)

// Service is the operator-facing surface of the roles module.
type Service interface {
	// ReconcileCommunity runs a full refresh for one community.
	ReconcileCommunity(ctx context.Context, communityID shared.CommunityID) (*ReconcileReport, error)

	// ReconcileAll refreshes every configured community. Per-community
	// failures are collected, not fatal.
	ReconcileAll(ctx context.Context) ([]*ReconcileReport, error)

	// AccountRole returns the cached expectation for an account together
	// with its staleness. Returns rolesdb.ErrNotFound when the account has
	// never been computed.
	AccountRole(ctx context.Context, communityID shared.CommunityID, accountID shared.AccountID) (*AccountRoleView, error)

	// RecalculateAccount recomputes one account immediately, rewrites its
	// cache entry, and returns the fresh view.
	RecalculateAccount(ctx context.Context, communityID shared.CommunityID, accountID shared.AccountID) (*AccountRoleView, error)
}

// ReconcileReport summarizes one community refresh.
type ReconcileReport struct {
	CommunityID shared.CommunityID `json:"community_id"`
	Generation  uuid.UUID          `json:"generation"`
	Processed   int                `json:"processed"`
	Changed     int                `json:"changed"`
	Errors      int                `json:"errors"`
	DryRun      bool               `json:"dry_run"`
	// Skipped is set when the refresh did not run at all, with SkipReason
	// naming why (paused community, refresh already in flight).
	Skipped    bool   `json:"skipped,omitempty"`
	SkipReason string `json:"skip_reason,omitempty"`
}

// AccountRoleView is the cached expectation plus staleness for one account.
type AccountRoleView struct {
	CommunityID shared.CommunityID `json:"community_id"`
	AccountID   shared.AccountID   `json:"account_id"`
	RoleID      shared.RoleID      `json:"role_id,omitempty"`
	HasRole     bool               `json:"has_role"`
	ComputedAt  time.Time          `json:"computed_at"`
	Generation  uuid.UUID          `json:"generation"`
	// Stale is set when the assignment belongs to a superseded generation or
	// the current generation has not completed.
	Stale bool `json:"stale"`
}

// Scheduler arms and disarms delayed corrections. Satisfied by the River
// queue service.
type Scheduler interface {
	ScheduleCorrection(ctx context.Context, communityID shared.CommunityID, accountID shared.AccountID, token string, at time.Time) (int64, error)
	CancelJob(ctx context.Context, jobID int64) error
}
