package rolesdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	rolesdomain "github.com/tourneykit/rankbot/app/modules/roles/domain"
	"github.com/tourneykit/rankbot/app/shared"
	"github.com/uptrace/bun"
)

// StatsImpl implements StatsRepository against the tournament tables.
type StatsImpl struct {
	db bun.IDB
}

// NewStatsRepository creates a new aggregated stats repository.
func NewStatsRepository(db bun.IDB) StatsRepository {
	return &StatsImpl{db: db}
}

func (r *StatsImpl) resolveDB(db bun.IDB) bun.IDB {
	if db == nil {
		return r.db
	}
	return db
}

// AggregatedStats folds every given identity's tournament results into one
// per-account view: the latest tournament's league and placement, plus
// best-ever position and wave per league. Positions below 1 (excluded rows)
// never count as a best position.
func (r *StatsImpl) AggregatedStats(ctx context.Context, db bun.IDB, playerIDs []shared.PlayerID, window time.Duration) (rolesdomain.AggregatedStats, error) {
	stats := rolesdomain.AggregatedStats{
		PerLeague: make(map[shared.League]rolesdomain.LeagueStats),
	}
	if len(playerIDs) == 0 {
		return stats, nil
	}
	db = r.resolveDB(db)

	var latest struct {
		League   shared.League `bun:"league"`
		Position int           `bun:"position"`
	}
	latestQuery := db.NewSelect().
		TableExpr("tournament_rows AS tr").
		ColumnExpr("t.league, tr.position").
		Join("JOIN tournaments AS t ON t.id = tr.tournament_id").
		Where("tr.player_id IN (?)", bun.In(playerIDs)).
		OrderExpr("t.date DESC, tr.position ASC").
		Limit(1)
	if window > 0 {
		latestQuery = latestQuery.Where("t.date > ?", time.Now().Add(-window))
	}
	if err := latestQuery.Scan(ctx, &latest); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return stats, fmt.Errorf("failed to load latest result: %w", err)
		}
	} else {
		stats.LatestLeague = latest.League
		stats.LatestPlacement = latest.Position
	}

	var perLeague []struct {
		League       shared.League `bun:"league"`
		BestPosition *int          `bun:"best_position"`
		BestWave     *int          `bun:"best_wave"`
	}
	leagueQuery := db.NewSelect().
		TableExpr("tournament_rows AS tr").
		ColumnExpr("t.league").
		ColumnExpr("MIN(tr.position) FILTER (WHERE tr.position >= 1) AS best_position").
		ColumnExpr("MAX(tr.wave) AS best_wave").
		Join("JOIN tournaments AS t ON t.id = tr.tournament_id").
		Where("tr.player_id IN (?)", bun.In(playerIDs)).
		GroupExpr("t.league")
	if window > 0 {
		leagueQuery = leagueQuery.Where("t.date > ?", time.Now().Add(-window))
	}
	if err := leagueQuery.Scan(ctx, &perLeague); err != nil {
		return stats, fmt.Errorf("failed to load per-league stats: %w", err)
	}

	for _, pl := range perLeague {
		ls := rolesdomain.LeagueStats{}
		if pl.BestPosition != nil {
			ls.BestPosition = *pl.BestPosition
		}
		if pl.BestWave != nil {
			ls.BestWave = *pl.BestWave
		}
		stats.PerLeague[pl.League] = ls
	}

	return stats, nil
}

// AggregatedStatsByAccount runs the same aggregation for every account at
// once: one latest-result row per identity plus one per-identity per-league
// rollup, folded into per-account views in memory. Accounts with no results
// get an empty view, never a missing key.
func (r *StatsImpl) AggregatedStatsByAccount(ctx context.Context, db bun.IDB, accounts map[shared.AccountID][]shared.PlayerID, window time.Duration) (map[shared.AccountID]rolesdomain.AggregatedStats, error) {
	out := make(map[shared.AccountID]rolesdomain.AggregatedStats, len(accounts))
	index := make(map[shared.PlayerID][]shared.AccountID)
	var allIDs []shared.PlayerID
	for accountID, playerIDs := range accounts {
		out[accountID] = rolesdomain.AggregatedStats{
			PerLeague: make(map[shared.League]rolesdomain.LeagueStats),
		}
		for _, id := range playerIDs {
			if _, seen := index[id]; !seen {
				allIDs = append(allIDs, id)
			}
			index[id] = append(index[id], accountID)
		}
	}
	if len(allIDs) == 0 {
		return out, nil
	}
	db = r.resolveDB(db)

	var latest []struct {
		PlayerID shared.PlayerID `bun:"player_id"`
		League   shared.League   `bun:"league"`
		Position int             `bun:"position"`
		Date     time.Time       `bun:"date"`
	}
	latestQuery := db.NewSelect().
		TableExpr("tournament_rows AS tr").
		ColumnExpr("DISTINCT ON (tr.player_id) tr.player_id, t.league, tr.position, t.date").
		Join("JOIN tournaments AS t ON t.id = tr.tournament_id").
		Where("tr.player_id IN (?)", bun.In(allIDs)).
		OrderExpr("tr.player_id, t.date DESC, tr.position ASC")
	if window > 0 {
		latestQuery = latestQuery.Where("t.date > ?", time.Now().Add(-window))
	}
	if err := latestQuery.Scan(ctx, &latest); err != nil {
		return nil, fmt.Errorf("failed to load latest results: %w", err)
	}

	latestDates := make(map[shared.AccountID]time.Time)
	for _, row := range latest {
		for _, accountID := range index[row.PlayerID] {
			prev, seen := latestDates[accountID]
			stats := out[accountID]
			switch {
			case !seen || row.Date.After(prev):
				latestDates[accountID] = row.Date
				stats.LatestLeague = row.League
				stats.LatestPlacement = row.Position
			case row.Date.Equal(prev) && row.Position < stats.LatestPlacement:
				stats.LatestPlacement = row.Position
				stats.LatestLeague = row.League
			default:
				continue
			}
			out[accountID] = stats
		}
	}

	var perLeague []struct {
		PlayerID     shared.PlayerID `bun:"player_id"`
		League       shared.League   `bun:"league"`
		BestPosition *int            `bun:"best_position"`
		BestWave     *int            `bun:"best_wave"`
	}
	leagueQuery := db.NewSelect().
		TableExpr("tournament_rows AS tr").
		ColumnExpr("tr.player_id, t.league").
		ColumnExpr("MIN(tr.position) FILTER (WHERE tr.position >= 1) AS best_position").
		ColumnExpr("MAX(tr.wave) AS best_wave").
		Join("JOIN tournaments AS t ON t.id = tr.tournament_id").
		Where("tr.player_id IN (?)", bun.In(allIDs)).
		GroupExpr("tr.player_id, t.league")
	if window > 0 {
		leagueQuery = leagueQuery.Where("t.date > ?", time.Now().Add(-window))
	}
	if err := leagueQuery.Scan(ctx, &perLeague); err != nil {
		return nil, fmt.Errorf("failed to load per-league stats: %w", err)
	}

	for _, pl := range perLeague {
		for _, accountID := range index[pl.PlayerID] {
			stats := out[accountID]
			ls := stats.PerLeague[pl.League]
			if pl.BestPosition != nil && (ls.BestPosition == 0 || *pl.BestPosition < ls.BestPosition) {
				ls.BestPosition = *pl.BestPosition
			}
			if pl.BestWave != nil && *pl.BestWave > ls.BestWave {
				ls.BestWave = *pl.BestWave
			}
			stats.PerLeague[pl.League] = ls
			out[accountID] = stats
		}
	}

	return out, nil
}
