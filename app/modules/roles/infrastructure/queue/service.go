package rolesqueue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/tourneykit/rankbot/app/metrics"
	"github.com/tourneykit/rankbot/app/shared"
)

// Corrector performs the re-validation and write when a correction fires.
type Corrector interface {
	CorrectAccount(ctx context.Context, communityID shared.CommunityID, accountID shared.AccountID, token string) error
}

// Service schedules role corrections through River.
type Service struct {
	client  *river.Client[pgx.Tx]
	pool    *pgxpool.Pool
	logger  *slog.Logger
	metrics metrics.Metrics
}

// correctionWorker runs scheduled corrections.
type correctionWorker struct {
	river.WorkerDefaults[CorrectionArgs]
	corrector Corrector
	logger    *slog.Logger
}

func (w *correctionWorker) Work(ctx context.Context, job *river.Job[CorrectionArgs]) error {
	w.logger.InfoContext(ctx, "Running scheduled role correction",
		slog.String("community_id", string(job.Args.CommunityID)),
		slog.String("account_id", string(job.Args.AccountID)),
		slog.String("token", job.Args.Token),
	)
	return w.corrector.CorrectAccount(ctx, job.Args.CommunityID, job.Args.AccountID, job.Args.Token)
}

// NewService creates a River-based correction queue service.
func NewService(ctx context.Context, logger *slog.Logger, dsn string, m metrics.Metrics, corrector Corrector) (*Service, error) {
	ctxLogger := logger.With(
		slog.String("component", "river_queue"),
	)

	start := time.Now()
	m.RecordOperationAttempt(ctx, "initialize_service", "river")

	ctxLogger.Info("Initializing role correction queue service")

	// River requires pgx, not database/sql.
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		m.RecordOperationFailure(ctx, "initialize_service", "river")
		return nil, fmt.Errorf("failed to parse DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		m.RecordOperationFailure(ctx, "initialize_service", "river")
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		m.RecordOperationFailure(ctx, "initialize_service", "river")
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, &correctionWorker{corrector: corrector, logger: ctxLogger})

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 10},
			"roles":            {MaxWorkers: 5},
		},
		Workers: workers,
	})
	if err != nil {
		pool.Close()
		m.RecordOperationFailure(ctx, "initialize_service", "river")
		return nil, fmt.Errorf("failed to create River client: %w", err)
	}

	service := &Service{
		client:  riverClient,
		pool:    pool,
		logger:  ctxLogger,
		metrics: m,
	}

	m.RecordOperationSuccess(ctx, "initialize_service", "river")
	m.RecordOperationDuration(ctx, "initialize_service", "river", time.Since(start))

	ctxLogger.Info("Role correction queue service initialized successfully")
	return service, nil
}

// Start starts the River queue service.
func (s *Service) Start(ctx context.Context) error {
	s.metrics.RecordOperationAttempt(ctx, "start_service", "river")

	if err := s.client.Start(ctx); err != nil {
		s.metrics.RecordOperationFailure(ctx, "start_service", "river")
		return fmt.Errorf("failed to start River client: %w", err)
	}

	s.metrics.RecordOperationSuccess(ctx, "start_service", "river")
	s.logger.Info("Role correction queue service started")
	return nil
}

// Stop stops the River queue service and closes its pool.
func (s *Service) Stop(ctx context.Context) error {
	s.metrics.RecordOperationAttempt(ctx, "stop_service", "river")

	if err := s.client.Stop(ctx); err != nil {
		s.metrics.RecordOperationFailure(ctx, "stop_service", "river")
		return fmt.Errorf("failed to stop River client: %w", err)
	}
	s.pool.Close()

	s.metrics.RecordOperationSuccess(ctx, "stop_service", "river")
	s.logger.Info("Role correction queue service stopped")
	return nil
}

// ScheduleCorrection inserts a correction job to fire at the given time and
// returns its job ID.
func (s *Service) ScheduleCorrection(ctx context.Context, communityID shared.CommunityID, accountID shared.AccountID, token string, at time.Time) (int64, error) {
	start := time.Now()
	s.metrics.RecordOperationAttempt(ctx, "schedule_correction", "river")

	ctxLogger := s.logger.With(
		slog.String("community_id", string(communityID)),
		slog.String("account_id", string(accountID)),
		slog.Time("fire_at", at),
	)

	jobResult, err := s.client.Insert(ctx, CorrectionArgs{
		CommunityID: communityID,
		AccountID:   accountID,
		Token:       token,
	}, &river.InsertOpts{
		Queue:       "roles",
		ScheduledAt: at,
	})
	if err != nil {
		ctxLogger.Error("Failed to schedule role correction", slog.Any("error", err))
		s.metrics.RecordOperationFailure(ctx, "schedule_correction", "river")
		return 0, fmt.Errorf("failed to schedule role correction: %w", err)
	}

	s.metrics.RecordOperationSuccess(ctx, "schedule_correction", "river")
	s.metrics.RecordOperationDuration(ctx, "schedule_correction", "river", time.Since(start))

	ctxLogger.Info("Role correction scheduled", slog.Int64("job_id", jobResult.Job.ID))
	return jobResult.Job.ID, nil
}

// CancelJob cancels a scheduled correction by job ID. Cancelling a job that
// already ran is a no-op.
func (s *Service) CancelJob(ctx context.Context, jobID int64) error {
	s.metrics.RecordOperationAttempt(ctx, "cancel_correction", "river")

	if _, err := s.client.JobCancel(ctx, jobID); err != nil {
		s.metrics.RecordOperationFailure(ctx, "cancel_correction", "river")
		return fmt.Errorf("failed to cancel correction job %d: %w", jobID, err)
	}

	s.metrics.RecordOperationSuccess(ctx, "cancel_correction", "river")
	return nil
}
