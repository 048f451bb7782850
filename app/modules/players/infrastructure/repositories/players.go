package playersdb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tourneykit/rankbot/app/shared"
	"github.com/uptrace/bun"
)

// ErrNotFound is returned when a link or identity is not found.
var ErrNotFound = errors.New("player record not found")

// Impl implements the Repository interface using Bun ORM.
type Impl struct {
	db bun.IDB
}

// NewRepository creates a new players repository.
func NewRepository(db bun.IDB) Repository {
	return &Impl{db: db}
}

func (r *Impl) resolveDB(db bun.IDB) bun.IDB {
	if db == nil {
		return r.db
	}
	return db
}

// UpsertIdentity creates or refreshes a player identity.
func (r *Impl) UpsertIdentity(ctx context.Context, db bun.IDB, identity *PlayerIdentity) error {
	db = r.resolveDB(db)
	identity.UpdatedAt = time.Now()
	_, err := db.NewInsert().
		Model(identity).
		On("CONFLICT (player_id) DO UPDATE").
		Set("name = EXCLUDED.name").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to upsert player identity: %w", err)
	}
	return nil
}

// AccountLinks returns the game identities linked to a community account.
func (r *Impl) AccountLinks(ctx context.Context, db bun.IDB, communityID shared.CommunityID, accountID shared.AccountID) ([]shared.PlayerID, error) {
	db = r.resolveDB(db)
	var ids []shared.PlayerID
	err := db.NewSelect().
		Model((*AccountLink)(nil)).
		Column("player_id").
		Where("community_id = ?", communityID).
		Where("account_id = ?", accountID).
		OrderExpr("is_primary DESC, created_at ASC").
		Scan(ctx, &ids)
	if err != nil {
		return nil, fmt.Errorf("failed to get account links: %w", err)
	}
	return ids, nil
}

// ListAccounts returns every account link for a community.
func (r *Impl) ListAccounts(ctx context.Context, db bun.IDB, communityID shared.CommunityID) ([]AccountLink, error) {
	db = r.resolveDB(db)
	var links []AccountLink
	err := db.NewSelect().
		Model(&links).
		Where("community_id = ?", communityID).
		Order("account_id").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list account links: %w", err)
	}
	return links, nil
}

// AccountsForPlayer returns the account links that reference a game identity.
func (r *Impl) AccountsForPlayer(ctx context.Context, db bun.IDB, playerID shared.PlayerID) ([]AccountLink, error) {
	db = r.resolveDB(db)
	var links []AccountLink
	err := db.NewSelect().
		Model(&links).
		Where("player_id = ?", playerID).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get accounts for player: %w", err)
	}
	return links, nil
}

// InstanceGroup expands identities to every identity sharing an account link
// with any of them. Identities with no links map to themselves.
func (r *Impl) InstanceGroup(ctx context.Context, db bun.IDB, playerIDs []shared.PlayerID) ([]shared.PlayerID, error) {
	if len(playerIDs) == 0 {
		return nil, nil
	}
	db = r.resolveDB(db)

	accounts := db.NewSelect().
		Model((*AccountLink)(nil)).
		Column("community_id", "account_id").
		Where("player_id IN (?)", bun.In(playerIDs))

	var linked []shared.PlayerID
	err := db.NewSelect().
		Model((*AccountLink)(nil)).
		ColumnExpr("DISTINCT player_id").
		Where("(community_id, account_id) IN (?)", accounts).
		Scan(ctx, &linked)
	if err != nil {
		return nil, fmt.Errorf("failed to expand instance group: %w", err)
	}

	group := shared.NewIDSet(playerIDs...)
	out := append([]shared.PlayerID(nil), playerIDs...)
	for _, id := range linked {
		if !group.Contains(id) {
			group[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out, nil
}

// LinkAccount binds a community account to a game identity.
func (r *Impl) LinkAccount(ctx context.Context, db bun.IDB, link *AccountLink) error {
	db = r.resolveDB(db)
	_, err := db.NewInsert().
		Model(link).
		On("CONFLICT (community_id, account_id, player_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to link account: %w", err)
	}
	return nil
}

// UnlinkAccount removes a binding.
func (r *Impl) UnlinkAccount(ctx context.Context, db bun.IDB, communityID shared.CommunityID, accountID shared.AccountID, playerID shared.PlayerID) error {
	db = r.resolveDB(db)
	result, err := db.NewDelete().
		Model((*AccountLink)(nil)).
		Where("community_id = ?", communityID).
		Where("account_id = ?", accountID).
		Where("player_id = ?", playerID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to unlink account: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// SetModerationFlag raises or clears a flag, reporting whether stored state changed.
func (r *Impl) SetModerationFlag(ctx context.Context, db bun.IDB, flag *ModerationFlag, on bool) (bool, error) {
	db = r.resolveDB(db)

	if on {
		result, err := db.NewInsert().
			Model(flag).
			On("CONFLICT (player_id, kind) DO NOTHING").
			Exec(ctx)
		if err != nil {
			return false, fmt.Errorf("failed to set moderation flag: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return false, fmt.Errorf("failed to get rows affected: %w", err)
		}
		return rows > 0, nil
	}

	result, err := db.NewDelete().
		Model((*ModerationFlag)(nil)).
		Where("player_id = ?", flag.PlayerID).
		Where("kind = ?", flag.Kind).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to clear moderation flag: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// FlagsForPlayer returns the active flags on a game identity.
func (r *Impl) FlagsForPlayer(ctx context.Context, db bun.IDB, playerID shared.PlayerID) ([]ModerationFlag, error) {
	db = r.resolveDB(db)
	var flags []ModerationFlag
	err := db.NewSelect().
		Model(&flags).
		Where("player_id = ?", playerID).
		Order("kind").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get moderation flags: %w", err)
	}
	return flags, nil
}

// GetExclusions loads the full exclusion sets used by rank calculation.
func (r *Impl) GetExclusions(ctx context.Context, db bun.IDB, foldShunned bool) (shared.ExclusionSet, error) {
	db = r.resolveDB(db)

	var flags []ModerationFlag
	err := db.NewSelect().
		Model(&flags).
		Column("player_id", "kind").
		Scan(ctx)
	if err != nil {
		return shared.ExclusionSet{}, fmt.Errorf("failed to load moderation flags: %w", err)
	}

	set := shared.ExclusionSet{
		Banned:      shared.IDSet{},
		Suspicious:  shared.IDSet{},
		Shunned:     shared.IDSet{},
		FoldShunned: foldShunned,
	}
	for _, f := range flags {
		switch f.Kind {
		case FlagBanned:
			set.Banned[f.PlayerID] = struct{}{}
		case FlagSuspicious:
			set.Suspicious[f.PlayerID] = struct{}{}
		case FlagShunned:
			set.Shunned[f.PlayerID] = struct{}{}
		}
	}
	return set, nil
}
