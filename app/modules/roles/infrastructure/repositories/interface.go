package rolesdb

import (
	"context"
	"time"

	"github.com/google/uuid"
	rolesdomain "github.com/tourneykit/rankbot/app/modules/roles/domain"
	"github.com/tourneykit/rankbot/app/shared"
	"github.com/uptrace/bun"
)

// Repository defines the contract for the role assignment cache.
type Repository interface {
	// GetCachedRole returns the cached expectation for an account, or
	// ErrNotFound when the account has never been computed.
	GetCachedRole(ctx context.Context, db bun.IDB, communityID shared.CommunityID, accountID shared.AccountID) (*RoleAssignment, error)

	// BeginGeneration clears a community's cache and opens a new generation.
	BeginGeneration(ctx context.Context, db bun.IDB, communityID shared.CommunityID, statsVersion *time.Time) (uuid.UUID, error)

	// UpsertAssignment writes one account's computed expectation.
	UpsertAssignment(ctx context.Context, db bun.IDB, assignment *RoleAssignment) error

	// CompleteGeneration marks a generation as fully computed. Corrections
	// only trust completed generations.
	CompleteGeneration(ctx context.Context, db bun.IDB, communityID shared.CommunityID, generation uuid.UUID) error

	// GetMeta returns a community's cache metadata, or ErrNotFound.
	GetMeta(ctx context.Context, db bun.IDB, communityID shared.CommunityID) (*CacheMeta, error)
}

// StatsRepository is the shared aggregated stats fetch used by role
// determination and operator queries alike.
type StatsRepository interface {
	// AggregatedStats folds every given identity's tournament results into
	// one per-account view. Window zero means unbounded history.
	AggregatedStats(ctx context.Context, db bun.IDB, playerIDs []shared.PlayerID, window time.Duration) (rolesdomain.AggregatedStats, error)

	// AggregatedStatsByAccount folds stats for many accounts at once: one
	// pass over the tournament tables covering every listed identity, instead
	// of one round trip per account.
	AggregatedStatsByAccount(ctx context.Context, db bun.IDB, accounts map[shared.AccountID][]shared.PlayerID, window time.Duration) (map[shared.AccountID]rolesdomain.AggregatedStats, error)
}
