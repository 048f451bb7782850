package playersdb

import (
	"context"

	"github.com/tourneykit/rankbot/app/shared"
	"github.com/uptrace/bun"
)

// Repository defines the contract for player identity persistence.
type Repository interface {
	// UpsertIdentity creates or refreshes a player identity.
	UpsertIdentity(ctx context.Context, db bun.IDB, identity *PlayerIdentity) error

	// AccountLinks returns the game identities linked to a community account.
	AccountLinks(ctx context.Context, db bun.IDB, communityID shared.CommunityID, accountID shared.AccountID) ([]shared.PlayerID, error)

	// ListAccounts returns every account link for a community.
	ListAccounts(ctx context.Context, db bun.IDB, communityID shared.CommunityID) ([]AccountLink, error)

	// AccountsForPlayer returns the account links that reference a game identity.
	AccountsForPlayer(ctx context.Context, db bun.IDB, playerID shared.PlayerID) ([]AccountLink, error)

	// InstanceGroup expands identities to every identity sharing an account
	// link with any of them. Identities with no links map to themselves.
	InstanceGroup(ctx context.Context, db bun.IDB, playerIDs []shared.PlayerID) ([]shared.PlayerID, error)

	// LinkAccount binds a community account to a game identity.
	LinkAccount(ctx context.Context, db bun.IDB, link *AccountLink) error

	// UnlinkAccount removes a binding. Returns ErrNotFound when no link exists.
	UnlinkAccount(ctx context.Context, db bun.IDB, communityID shared.CommunityID, accountID shared.AccountID, playerID shared.PlayerID) error

	// SetModerationFlag raises or clears a flag. Returns true when the stored
	// state actually changed.
	SetModerationFlag(ctx context.Context, db bun.IDB, flag *ModerationFlag, on bool) (bool, error)

	// FlagsForPlayer returns the active flags on a game identity.
	FlagsForPlayer(ctx context.Context, db bun.IDB, playerID shared.PlayerID) ([]ModerationFlag, error)

	// GetExclusions loads the full exclusion sets used by rank calculation.
	GetExclusions(ctx context.Context, db bun.IDB, foldShunned bool) (shared.ExclusionSet, error)
}
