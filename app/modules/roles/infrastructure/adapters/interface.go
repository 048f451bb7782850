package rolesadapters

import (
	"context"

	"github.com/tourneykit/rankbot/app/shared"
)

// CommunityGateway talks to the external system that actually holds roles.
// The engine computes expectations; the gateway reads and writes reality.
type CommunityGateway interface {
	// AccountRoles returns the full role set currently on the account.
	AccountRoles(ctx context.Context, communityID shared.CommunityID, accountID shared.AccountID) (shared.RoleSet, error)

	// SetAccountRoles replaces the account's full role set.
	SetAccountRoles(ctx context.Context, communityID shared.CommunityID, accountID shared.AccountID, roles shared.RoleSet) error
}
