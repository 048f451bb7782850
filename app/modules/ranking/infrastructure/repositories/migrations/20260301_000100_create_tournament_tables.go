package rankingmigrations

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		fmt.Println("Creating tournament tables...")

		return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			if _, err := tx.ExecContext(ctx, `
				CREATE TABLE IF NOT EXISTS tournaments (
					id BIGSERIAL PRIMARY KEY,
					league VARCHAR(32) NOT NULL,
					date TIMESTAMPTZ NOT NULL,
					needs_recalc BOOLEAN NOT NULL DEFAULT FALSE,
					recalc_retry_count INT NOT NULL DEFAULT 0,
					last_recalc_at TIMESTAMPTZ,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);
				CREATE INDEX IF NOT EXISTS idx_tournaments_queue
					ON tournaments(needs_recalc, recalc_retry_count)
					WHERE needs_recalc = TRUE;
				CREATE INDEX IF NOT EXISTS idx_tournaments_league_date ON tournaments(league, date DESC);
			`); err != nil {
				return fmt.Errorf("failed to create tournaments table: %w", err)
			}

			if _, err := tx.ExecContext(ctx, `
				CREATE TABLE IF NOT EXISTS tournament_rows (
					id BIGSERIAL PRIMARY KEY,
					tournament_id BIGINT NOT NULL REFERENCES tournaments(id) ON DELETE CASCADE,
					player_id VARCHAR(64) NOT NULL,
					player_name VARCHAR(255),
					wave INT NOT NULL,
					position INT NOT NULL DEFAULT 0
				);
				CREATE INDEX IF NOT EXISTS idx_tournament_rows_tournament ON tournament_rows(tournament_id);
				CREATE INDEX IF NOT EXISTS idx_tournament_rows_player ON tournament_rows(player_id);
			`); err != nil {
				return fmt.Errorf("failed to create tournament_rows table: %w", err)
			}

			return nil
		})
	}, func(ctx context.Context, db *bun.DB) error {
		fmt.Println("Dropping tournament tables...")

		return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			if _, err := tx.ExecContext(ctx, `
				DROP TABLE IF EXISTS tournament_rows;
				DROP TABLE IF EXISTS tournaments;
			`); err != nil {
				return fmt.Errorf("failed to drop tournament tables: %w", err)
			}
			return nil
		})
	})
}
