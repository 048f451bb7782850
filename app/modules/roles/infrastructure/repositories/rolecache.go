package rolesdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tourneykit/rankbot/app/shared"
	"github.com/uptrace/bun"
)

// ErrNotFound is returned when a cache entry or meta row is not found.
var ErrNotFound = errors.New("role cache entry not found")

// Impl implements the Repository interface using Bun ORM.
type Impl struct {
	db bun.IDB
}

// NewRepository creates a new role cache repository.
func NewRepository(db bun.IDB) Repository {
	return &Impl{db: db}
}

func (r *Impl) resolveDB(db bun.IDB) bun.IDB {
	if db == nil {
		return r.db
	}
	return db
}

// GetCachedRole returns the cached expectation for an account.
func (r *Impl) GetCachedRole(ctx context.Context, db bun.IDB, communityID shared.CommunityID, accountID shared.AccountID) (*RoleAssignment, error) {
	db = r.resolveDB(db)
	assignment := new(RoleAssignment)
	err := db.NewSelect().
		Model(assignment).
		Where("community_id = ?", communityID).
		Where("account_id = ?", accountID).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get cached role: %w", err)
	}
	return assignment, nil
}

// BeginGeneration clears a community's cache and opens a new generation.
func (r *Impl) BeginGeneration(ctx context.Context, db bun.IDB, communityID shared.CommunityID, statsVersion *time.Time) (uuid.UUID, error) {
	db = r.resolveDB(db)

	if _, err := db.NewDelete().
		Model((*RoleAssignment)(nil)).
		Where("community_id = ?", communityID).
		Exec(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("failed to clear role cache: %w", err)
	}

	generation := uuid.New()
	meta := &CacheMeta{
		CommunityID:  communityID,
		Generation:   generation,
		StartedAt:    time.Now(),
		CompletedAt:  nil,
		StatsVersion: statsVersion,
	}
	if _, err := db.NewInsert().
		Model(meta).
		On("CONFLICT (community_id) DO UPDATE").
		Set("generation = EXCLUDED.generation").
		Set("started_at = EXCLUDED.started_at").
		Set("completed_at = NULL").
		Set("stats_version = EXCLUDED.stats_version").
		Exec(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("failed to open cache generation: %w", err)
	}

	return generation, nil
}

// UpsertAssignment writes one account's computed expectation.
func (r *Impl) UpsertAssignment(ctx context.Context, db bun.IDB, assignment *RoleAssignment) error {
	db = r.resolveDB(db)
	assignment.ComputedAt = time.Now()
	_, err := db.NewInsert().
		Model(assignment).
		On("CONFLICT (community_id, account_id) DO UPDATE").
		Set("role_id = EXCLUDED.role_id").
		Set("generation = EXCLUDED.generation").
		Set("computed_at = EXCLUDED.computed_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to upsert role assignment: %w", err)
	}
	return nil
}

// CompleteGeneration marks a generation as fully computed. The generation
// check guards against a concurrent refresh having opened a newer one.
func (r *Impl) CompleteGeneration(ctx context.Context, db bun.IDB, communityID shared.CommunityID, generation uuid.UUID) error {
	db = r.resolveDB(db)
	result, err := db.NewUpdate().
		Model((*CacheMeta)(nil)).
		Set("completed_at = ?", time.Now()).
		Where("community_id = ?", communityID).
		Where("generation = ?", generation).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to complete cache generation: %w", err)
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

// GetMeta returns a community's cache metadata.
func (r *Impl) GetMeta(ctx context.Context, db bun.IDB, communityID shared.CommunityID) (*CacheMeta, error) {
	db = r.resolveDB(db)
	meta := new(CacheMeta)
	err := db.NewSelect().
		Model(meta).
		Where("community_id = ?", communityID).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get cache meta: %w", err)
	}
	return meta, nil
}
