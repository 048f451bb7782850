package rolesmigrations

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		fmt.Println("Creating role cache tables...")

		return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			if _, err := tx.ExecContext(ctx, `
				CREATE TABLE IF NOT EXISTS role_assignments (
					id BIGSERIAL PRIMARY KEY,
					community_id VARCHAR(32) NOT NULL,
					account_id VARCHAR(32) NOT NULL,
					role_id VARCHAR(32) NOT NULL DEFAULT '',
					generation UUID NOT NULL,
					computed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					UNIQUE (community_id, account_id)
				);
				CREATE INDEX IF NOT EXISTS idx_role_assignments_generation ON role_assignments(community_id, generation);
			`); err != nil {
				return fmt.Errorf("failed to create role_assignments table: %w", err)
			}

			if _, err := tx.ExecContext(ctx, `
				CREATE TABLE IF NOT EXISTS role_cache_meta (
					community_id VARCHAR(32) PRIMARY KEY,
					generation UUID NOT NULL,
					started_at TIMESTAMPTZ NOT NULL,
					completed_at TIMESTAMPTZ,
					stats_version TIMESTAMPTZ
				);
			`); err != nil {
				return fmt.Errorf("failed to create role_cache_meta table: %w", err)
			}

			return nil
		})
	}, func(ctx context.Context, db *bun.DB) error {
		fmt.Println("Dropping role cache tables...")

		return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			if _, err := tx.ExecContext(ctx, `
				DROP TABLE IF EXISTS role_cache_meta;
				DROP TABLE IF EXISTS role_assignments;
			`); err != nil {
				return fmt.Errorf("failed to drop role cache tables: %w", err)
			}
			return nil
		})
	})
}
