package rankingservice

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tourneykit/rankbot/app/metrics"
	playersdb "github.com/tourneykit/rankbot/app/modules/players/infrastructure/repositories"
	rankingdomain "github.com/tourneykit/rankbot/app/modules/ranking/domain"
	rankingevents "github.com/tourneykit/rankbot/app/modules/ranking/domain/events"
	rankingdb "github.com/tourneykit/rankbot/app/modules/ranking/infrastructure/repositories"
	"github.com/tourneykit/rankbot/app/shared"
	"github.com/uptrace/bun"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Config carries the ranking service tunables resolved at startup.
type Config struct {
	MaxRetries      int
	LeagueHierarchy []string
	FoldShunned     bool
}

// RankingService implements the Service interface.
type RankingService struct {
	repo    rankingdb.Repository
	players playersdb.Repository
	logger  *slog.Logger
	metrics metrics.Metrics
	tracer  trace.Tracer
	db      *bun.DB
	cfg     Config
}

// NewRankingService creates a new RankingService.
func NewRankingService(
	repo rankingdb.Repository,
	players playersdb.Repository,
	logger *slog.Logger,
	m metrics.Metrics,
	tracer trace.Tracer,
	db *bun.DB,
	cfg Config,
) *RankingService {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.NoOp()
	}
	return &RankingService{
		repo:    repo,
		players: players,
		logger:  logger,
		metrics: m,
		tracer:  tracer,
		db:      db,
		cfg:     cfg,
	}
}

// IngestTournament stores a tournament's results and flags it for ranking.
func (s *RankingService) IngestTournament(ctx context.Context, payload *rankingevents.TournamentIngestedPayloadV1, rows []rankingdb.TournamentRow) error {
	ingestTx := func(ctx context.Context, db bun.IDB) (struct{}, error) {
		t := &rankingdb.Tournament{
			ID:     payload.TournamentID,
			League: payload.League,
			Date:   payload.Date,
		}
		if err := s.repo.UpsertTournament(ctx, db, t); err != nil {
			return struct{}{}, err
		}
		if len(rows) > 0 {
			if err := s.repo.ReplaceRows(ctx, db, payload.TournamentID, rows); err != nil {
				return struct{}{}, err
			}
		}
		if err := s.repo.MarkDirty(ctx, db, payload.TournamentID); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, nil
	}

	_, err := withTelemetry(s, ctx, "IngestTournament", fmt.Sprintf("%d", payload.TournamentID), func(ctx context.Context) (struct{}, error) {
		return runInTx(s, ctx, ingestTx)
	})
	return err
}

// ProcessNext claims and re-ranks the highest-priority dirty tournament. The
// claim commits in its own transaction before ranking starts: the flag clear
// and last_recalc_at stamp must survive a crash mid-ranking, or the same
// record would be reclaimed immediately on every restart. Ranking and outcome
// bookkeeping then commit as a second transaction; a failed ranking pass
// records the retry there instead of rolling anything back.
func (s *RankingService) ProcessNext(ctx context.Context) (*RecalcOutcome, error) {
	claimTx := func(ctx context.Context, db bun.IDB) (*rankingdb.Tournament, error) {
		return s.repo.ClaimNext(ctx, db, s.cfg.MaxRetries, s.cfg.LeagueHierarchy)
	}

	return withTelemetry(s, ctx, "ProcessNext", "", func(ctx context.Context) (*RecalcOutcome, error) {
		t, err := runInTx(s, ctx, claimTx)
		if err != nil {
			return nil, err
		}

		processTx := func(ctx context.Context, db bun.IDB) (*RecalcOutcome, error) {
			outcome := &RecalcOutcome{TournamentID: t.ID, League: t.League}

			changed, rankErr := s.rankTournament(ctx, db, t.ID)
			if rankErr != nil {
				s.logger.WarnContext(ctx, "Tournament ranking failed",
					slog.Int64("tournament_id", t.ID),
					slog.Int("retry_count", t.RecalcRetryCount),
					slog.Any("error", rankErr),
				)
				if err := s.repo.ReportFailure(ctx, db, t.ID, s.cfg.MaxRetries); err != nil {
					return nil, err
				}
				outcome.Failed = true
				outcome.FailureCause = rankErr.Error()
				return outcome, nil
			}

			if err := s.repo.MarkSucceeded(ctx, db, t.ID, time.Now()); err != nil {
				return nil, err
			}
			outcome.ChangedRows = changed
			return outcome, nil
		}
		return runInTx(s, ctx, processTx)
	})
}

// rankTournament recomputes positions for one tournament and persists only
// the rows whose position changed.
func (s *RankingService) rankTournament(ctx context.Context, db bun.IDB, tournamentID int64) (int, error) {
	exclusions, err := s.players.GetExclusions(ctx, db, s.cfg.FoldShunned)
	if err != nil {
		return 0, fmt.Errorf("failed to load exclusions: %w", err)
	}

	rows, err := s.repo.RowsByWaveDesc(ctx, db, tournamentID)
	if err != nil {
		return 0, err
	}

	entries := make([]rankingdomain.Entry, len(rows))
	stored := make([]int, len(rows))
	for i, row := range rows {
		entries[i] = rankingdomain.Entry{PlayerID: row.PlayerID, Score: row.Wave}
		stored[i] = row.Position
	}

	computed := rankingdomain.Positions(entries, exclusions.Excludes)

	var updates []rankingdb.PositionUpdate
	for _, i := range rankingdomain.Diff(stored, computed) {
		updates = append(updates, rankingdb.PositionUpdate{
			RowID:    rows[i].ID,
			Position: computed[i],
		})
	}
	if len(updates) == 0 {
		return 0, nil
	}

	return s.repo.UpdatePositions(ctx, db, updates)
}

// MarkDirtyForPlayers flags every tournament the identities appear in. Each
// identity is first expanded to its full instance group, so flagging one
// alias dirties the tournaments of every linked identity.
func (s *RankingService) MarkDirtyForPlayers(ctx context.Context, playerIDs []shared.PlayerID) (int64, error) {
	markTx := func(ctx context.Context, db bun.IDB) (int64, error) {
		group, err := s.players.InstanceGroup(ctx, db, playerIDs)
		if err != nil {
			return 0, err
		}
		return s.repo.MarkDirtyByPlayers(ctx, db, group)
	}

	identifier := ""
	if len(playerIDs) > 0 {
		identifier = string(playerIDs[0])
	}
	return withTelemetry(s, ctx, "MarkDirtyForPlayers", identifier, func(ctx context.Context) (int64, error) {
		return runInTx(s, ctx, markTx)
	})
}

// ForceRecalculate flags one tournament regardless of its retry state.
func (s *RankingService) ForceRecalculate(ctx context.Context, tournamentID int64) error {
	forceTx := func(ctx context.Context, db bun.IDB) (struct{}, error) {
		return struct{}{}, s.repo.MarkDirty(ctx, db, tournamentID)
	}

	_, err := withTelemetry(s, ctx, "ForceRecalculate", fmt.Sprintf("%d", tournamentID), func(ctx context.Context) (struct{}, error) {
		return runInTx(s, ctx, forceTx)
	})
	return err
}

// QueueStatus reports the operator snapshot of the recalc queue.
func (s *RankingService) QueueStatus(ctx context.Context) (*rankingdb.QueueStatus, error) {
	return withTelemetry(s, ctx, "QueueStatus", "", func(ctx context.Context) (*rankingdb.QueueStatus, error) {
		return s.repo.QueueStatus(ctx, nil, s.cfg.MaxRetries, s.cfg.LeagueHierarchy)
	})
}

// ResetFailed re-flags tournaments stuck at the retry ceiling.
func (s *RankingService) ResetFailed(ctx context.Context) (int64, error) {
	resetTx := func(ctx context.Context, db bun.IDB) (int64, error) {
		return s.repo.ResetFailed(ctx, db, s.cfg.MaxRetries)
	}

	return withTelemetry(s, ctx, "ResetFailed", "", func(ctx context.Context) (int64, error) {
		return runInTx(s, ctx, resetTx)
	})
}

// -----------------------------------------------------------------------------
// Generic Helpers (Defined as functions because methods cannot have type params)
// -----------------------------------------------------------------------------

// withTelemetry wraps a service operation with tracing, metrics, and panic recovery.
func withTelemetry[T any](
	s *RankingService,
	ctx context.Context,
	operationName string,
	identifier string,
	op func(ctx context.Context) (T, error),
) (result T, err error) {

	var span trace.Span
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, operationName, trace.WithAttributes(
			attribute.String("operation", operationName),
			attribute.String("identifier", identifier),
		))
	} else {
		span = trace.SpanFromContext(ctx)
	}
	defer span.End()

	s.metrics.RecordOperationAttempt(ctx, operationName, "RankingService")

	startTime := time.Now()
	defer func() {
		s.metrics.RecordOperationDuration(ctx, operationName, "RankingService", time.Since(startTime))
	}()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", operationName, r)
			s.logger.ErrorContext(ctx, "Critical panic recovered",
				slog.String("operation", operationName),
				slog.String("identifier", identifier),
				slog.Any("error", err),
			)
			s.metrics.RecordOperationFailure(ctx, operationName, "RankingService")
			span.RecordError(err)
		}
	}()

	result, err = op(ctx)
	if err != nil {
		// An empty queue is the worker's idle signal, not a failure.
		if errors.Is(err, rankingdb.ErrQueueEmpty) {
			return result, err
		}
		wrappedErr := fmt.Errorf("%s: %w", operationName, err)
		s.logger.ErrorContext(ctx, "Operation failed with error",
			slog.String("operation", operationName),
			slog.String("identifier", identifier),
			slog.Any("error", wrappedErr),
		)
		s.metrics.RecordOperationFailure(ctx, operationName, "RankingService")
		span.RecordError(wrappedErr)
		return result, wrappedErr
	}

	s.metrics.RecordOperationSuccess(ctx, operationName, "RankingService")
	return result, nil
}

// runInTx ensures the operation runs within a transaction.
func runInTx[T any](
	s *RankingService,
	ctx context.Context,
	fn func(ctx context.Context, db bun.IDB) (T, error),
) (T, error) {

	if s.db == nil {
		return fn(ctx, nil)
	}

	var result T
	err := s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		var txErr error
		result, txErr = fn(ctx, tx)
		return txErr
	})
	return result, err
}
