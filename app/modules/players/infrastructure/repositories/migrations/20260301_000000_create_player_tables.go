package playersmigrations

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		fmt.Println("Creating player identity tables...")

		return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			if _, err := tx.ExecContext(ctx, `
				CREATE TABLE IF NOT EXISTS player_identities (
					id BIGSERIAL PRIMARY KEY,
					player_id VARCHAR(64) NOT NULL UNIQUE,
					name VARCHAR(255),
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);
			`); err != nil {
				return fmt.Errorf("failed to create player_identities table: %w", err)
			}

			if _, err := tx.ExecContext(ctx, `
				CREATE TABLE IF NOT EXISTS account_links (
					id BIGSERIAL PRIMARY KEY,
					community_id VARCHAR(32) NOT NULL,
					account_id VARCHAR(32) NOT NULL,
					player_id VARCHAR(64) NOT NULL,
					is_primary BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					UNIQUE (community_id, account_id, player_id)
				);
				CREATE INDEX IF NOT EXISTS idx_account_links_player ON account_links(player_id);
				CREATE INDEX IF NOT EXISTS idx_account_links_account ON account_links(community_id, account_id);
			`); err != nil {
				return fmt.Errorf("failed to create account_links table: %w", err)
			}

			if _, err := tx.ExecContext(ctx, `
				CREATE TABLE IF NOT EXISTS moderation_flags (
					id BIGSERIAL PRIMARY KEY,
					player_id VARCHAR(64) NOT NULL,
					kind VARCHAR(16) NOT NULL,
					reason TEXT,
					created_by VARCHAR(64),
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					UNIQUE (player_id, kind)
				);
				CREATE INDEX IF NOT EXISTS idx_moderation_flags_kind ON moderation_flags(kind);
			`); err != nil {
				return fmt.Errorf("failed to create moderation_flags table: %w", err)
			}

			return nil
		})
	}, func(ctx context.Context, db *bun.DB) error {
		fmt.Println("Dropping player identity tables...")

		return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			if _, err := tx.ExecContext(ctx, `
				DROP TABLE IF EXISTS moderation_flags;
				DROP TABLE IF EXISTS account_links;
				DROP TABLE IF EXISTS player_identities;
			`); err != nil {
				return fmt.Errorf("failed to drop player identity tables: %w", err)
			}
			return nil
		})
	})
}
