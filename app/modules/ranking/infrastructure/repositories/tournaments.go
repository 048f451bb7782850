package rankingdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tourneykit/rankbot/app/shared"
	"github.com/uptrace/bun"
)

// ErrNotFound is returned when a tournament is not found.
var ErrNotFound = errors.New("tournament not found")

// ErrQueueEmpty is returned by ClaimNext when no tournament is claimable.
var ErrQueueEmpty = errors.New("recalc queue is empty")

// Impl implements the Repository interface using Bun ORM.
type Impl struct {
	db bun.IDB
}

// NewRepository creates a new tournament repository.
func NewRepository(db bun.IDB) Repository {
	return &Impl{db: db}
}

func (r *Impl) resolveDB(db bun.IDB) bun.IDB {
	if db == nil {
		return r.db
	}
	return db
}

// leaguePriority builds a CASE expression ranking leagues by hierarchy order.
// Unknown leagues sort last.
func leaguePriority(hierarchy []string) (string, []interface{}) {
	var b strings.Builder
	args := make([]interface{}, 0, len(hierarchy))
	b.WriteString("CASE league")
	for i, league := range hierarchy {
		b.WriteString(" WHEN ? THEN ")
		fmt.Fprintf(&b, "%d", i)
		args = append(args, league)
	}
	fmt.Fprintf(&b, " ELSE %d END", len(hierarchy))
	return b.String(), args
}

// GetTournament retrieves a tournament by ID.
func (r *Impl) GetTournament(ctx context.Context, db bun.IDB, tournamentID int64) (*Tournament, error) {
	db = r.resolveDB(db)
	t := new(Tournament)
	err := db.NewSelect().
		Model(t).
		Where("id = ?", tournamentID).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get tournament: %w", err)
	}
	return t, nil
}

// UpsertTournament creates or refreshes a tournament record.
func (r *Impl) UpsertTournament(ctx context.Context, db bun.IDB, t *Tournament) error {
	db = r.resolveDB(db)
	_, err := db.NewInsert().
		Model(t).
		On("CONFLICT (id) DO UPDATE").
		Set("league = EXCLUDED.league").
		Set("date = EXCLUDED.date").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to upsert tournament: %w", err)
	}
	return nil
}

// ReplaceRows swaps a tournament's result rows for a fresh import.
func (r *Impl) ReplaceRows(ctx context.Context, db bun.IDB, tournamentID int64, rows []TournamentRow) error {
	db = r.resolveDB(db)

	if _, err := db.NewDelete().
		Model((*TournamentRow)(nil)).
		Where("tournament_id = ?", tournamentID).
		Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete old tournament rows: %w", err)
	}

	if len(rows) == 0 {
		return nil
	}

	for i := range rows {
		rows[i].TournamentID = tournamentID
	}
	if _, err := db.NewInsert().
		Model(&rows).
		Exec(ctx); err != nil {
		return fmt.Errorf("failed to insert tournament rows: %w", err)
	}
	return nil
}

// ClaimNext locks and returns the highest-priority dirty tournament, clearing
// its needs_recalc flag and stamping last_recalc_at while the row lock is
// held. The caller commits the claim before processing: a crash mid-ranking
// must not leave the record claimable again, or it would be reclaimed
// immediately and forever. SKIP LOCKED keeps concurrent workers from blocking
// on each other's claims.
func (r *Impl) ClaimNext(ctx context.Context, db bun.IDB, maxRetries int, hierarchy []string) (*Tournament, error) {
	db = r.resolveDB(db)

	priorityExpr, priorityArgs := leaguePriority(hierarchy)

	t := new(Tournament)
	err := db.NewSelect().
		Model(t).
		Where("needs_recalc = TRUE").
		Where("recalc_retry_count < ?", maxRetries).
		OrderExpr(priorityExpr, priorityArgs...).
		OrderExpr("date DESC").
		Limit(1).
		For("UPDATE SKIP LOCKED").
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrQueueEmpty
		}
		return nil, fmt.Errorf("failed to claim next tournament: %w", err)
	}

	// Clear the flag while the row lock is held so a mark-dirty landing during
	// processing re-queues the tournament instead of being lost.
	claimedAt := time.Now()
	if _, err := db.NewUpdate().
		Model((*Tournament)(nil)).
		Set("needs_recalc = FALSE").
		Set("last_recalc_at = ?", claimedAt).
		Where("id = ?", t.ID).
		Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to clear needs_recalc on claim: %w", err)
	}
	t.NeedsRecalc = false
	t.LastRecalcAt = &claimedAt

	return t, nil
}

// RowsByWaveDesc returns a tournament's rows ordered by wave descending.
// Ties keep a stable order by row ID so repeated ranking passes see the same
// sequence.
func (r *Impl) RowsByWaveDesc(ctx context.Context, db bun.IDB, tournamentID int64) ([]TournamentRow, error) {
	db = r.resolveDB(db)
	var rows []TournamentRow
	err := db.NewSelect().
		Model(&rows).
		Where("tournament_id = ?", tournamentID).
		OrderExpr("wave DESC, id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get tournament rows: %w", err)
	}
	return rows, nil
}

// UpdatePositions writes new positions for the given rows.
func (r *Impl) UpdatePositions(ctx context.Context, db bun.IDB, updates []PositionUpdate) (int, error) {
	db = r.resolveDB(db)

	changed := 0
	for _, u := range updates {
		result, err := db.NewUpdate().
			Model((*TournamentRow)(nil)).
			Set("position = ?", u.Position).
			Where("id = ?", u.RowID).
			Exec(ctx)
		if err != nil {
			return changed, fmt.Errorf("failed to update position for row %d: %w", u.RowID, err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return changed, fmt.Errorf("failed to get rows affected: %w", err)
		}
		changed += int(rows)
	}
	return changed, nil
}

// MarkDirty flags one tournament for recalculation and resets its retries.
func (r *Impl) MarkDirty(ctx context.Context, db bun.IDB, tournamentID int64) error {
	db = r.resolveDB(db)
	result, err := db.NewUpdate().
		Model((*Tournament)(nil)).
		Set("needs_recalc = TRUE").
		Set("recalc_retry_count = 0").
		Where("id = ?", tournamentID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to mark tournament dirty: %w", err)
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

// MarkDirtyByPlayers flags every tournament the given identities appear in.
func (r *Impl) MarkDirtyByPlayers(ctx context.Context, db bun.IDB, playerIDs []shared.PlayerID) (int64, error) {
	if len(playerIDs) == 0 {
		return 0, nil
	}
	db = r.resolveDB(db)

	subquery := db.NewSelect().
		Model((*TournamentRow)(nil)).
		Column("tournament_id").
		Where("player_id IN (?)", bun.In(playerIDs)).
		Distinct()

	result, err := db.NewUpdate().
		Model((*Tournament)(nil)).
		Set("needs_recalc = TRUE").
		Set("recalc_retry_count = 0").
		Where("id IN (?)", subquery).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to mark tournaments dirty by players: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}

// ReportFailure increments a tournament's retry count, re-flagging it only
// while the count stays below the ceiling.
func (r *Impl) ReportFailure(ctx context.Context, db bun.IDB, tournamentID int64, maxRetries int) error {
	db = r.resolveDB(db)
	_, err := db.NewUpdate().
		Model((*Tournament)(nil)).
		Set("recalc_retry_count = recalc_retry_count + 1").
		Set("needs_recalc = (recalc_retry_count + 1 < ?)", maxRetries).
		Where("id = ?", tournamentID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to report recalc failure: %w", err)
	}
	return nil
}

// MarkSucceeded records a successful recalculation.
func (r *Impl) MarkSucceeded(ctx context.Context, db bun.IDB, tournamentID int64, at time.Time) error {
	db = r.resolveDB(db)
	_, err := db.NewUpdate().
		Model((*Tournament)(nil)).
		Set("recalc_retry_count = 0").
		Set("last_recalc_at = ?", at).
		Where("id = ?", tournamentID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to mark recalc succeeded: %w", err)
	}
	return nil
}

// ResetFailed re-flags every tournament stuck at the retry ceiling.
func (r *Impl) ResetFailed(ctx context.Context, db bun.IDB, maxRetries int) (int64, error) {
	db = r.resolveDB(db)
	result, err := db.NewUpdate().
		Model((*Tournament)(nil)).
		Set("needs_recalc = TRUE").
		Set("recalc_retry_count = 0").
		Where("recalc_retry_count >= ?", maxRetries).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to reset failed tournaments: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}

// QueueStatus builds the operator snapshot of the recalc queue.
func (r *Impl) QueueStatus(ctx context.Context, db bun.IDB, maxRetries int, hierarchy []string) (*QueueStatus, error) {
	db = r.resolveDB(db)

	status := &QueueStatus{
		PendingByLeague: make(map[shared.League]int),
	}

	pending, err := db.NewSelect().
		Model((*Tournament)(nil)).
		Where("needs_recalc = TRUE").
		Where("recalc_retry_count < ?", maxRetries).
		Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count pending tournaments: %w", err)
	}
	status.Pending = pending

	failed, err := db.NewSelect().
		Model((*Tournament)(nil)).
		Where("recalc_retry_count >= ?", maxRetries).
		Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count failed tournaments: %w", err)
	}
	status.Failed = failed

	processed, err := db.NewSelect().
		Model((*Tournament)(nil)).
		Where("last_recalc_at > ?", time.Now().Add(-24*time.Hour)).
		Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count processed tournaments: %w", err)
	}
	status.ProcessedLast24h = processed

	var perLeague []struct {
		League shared.League `bun:"league"`
		Count  int           `bun:"count"`
	}
	err = db.NewSelect().
		Model((*Tournament)(nil)).
		ColumnExpr("league, COUNT(*) AS count").
		Where("needs_recalc = TRUE").
		Where("recalc_retry_count < ?", maxRetries).
		GroupExpr("league").
		Scan(ctx, &perLeague)
	if err != nil {
		return nil, fmt.Errorf("failed to count pending tournaments per league: %w", err)
	}
	for _, pl := range perLeague {
		status.PendingByLeague[pl.League] = pl.Count
	}

	priorityExpr, priorityArgs := leaguePriority(hierarchy)
	var next []Tournament
	err = db.NewSelect().
		Model(&next).
		Where("needs_recalc = TRUE").
		Where("recalc_retry_count < ?", maxRetries).
		OrderExpr(priorityExpr, priorityArgs...).
		OrderExpr("date DESC").
		Limit(5).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load queue preview: %w", err)
	}
	for _, t := range next {
		status.NextUp = append(status.NextUp, QueuePreview{
			TournamentID: t.ID,
			League:       t.League,
			Date:         t.Date,
			RetryCount:   t.RecalcRetryCount,
		})
	}

	var exhausted []Tournament
	err = db.NewSelect().
		Model(&exhausted).
		Where("recalc_retry_count >= ?", maxRetries).
		OrderExpr("date DESC").
		Limit(10).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load failed tournaments: %w", err)
	}
	for _, t := range exhausted {
		status.FailedRecords = append(status.FailedRecords, QueuePreview{
			TournamentID: t.ID,
			League:       t.League,
			Date:         t.Date,
			RetryCount:   t.RecalcRetryCount,
		})
	}

	return status, nil
}
