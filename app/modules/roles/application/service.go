package rolesservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tourneykit/rankbot/app/metrics"
	rolesdb "github.com/tourneykit/rankbot/app/modules/roles/infrastructure/repositories"
	"github.com/tourneykit/rankbot/app/shared"
	"github.com/tourneykit/rankbot/config"
	"github.com/uptrace/bun"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RolesService implements the Service interface.
type RolesService struct {
	reconciler *Reconciler
	repo       rolesdb.Repository
	logger     *slog.Logger
	metrics    metrics.Metrics
	tracer     trace.Tracer
	db         *bun.DB
	cfg        *config.Config
}

// NewRolesService creates a new RolesService.
func NewRolesService(
	reconciler *Reconciler,
	repo rolesdb.Repository,
	logger *slog.Logger,
	m metrics.Metrics,
	tracer trace.Tracer,
	db *bun.DB,
	cfg *config.Config,
) *RolesService {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.NoOp()
	}
	return &RolesService{
		reconciler: reconciler,
		repo:       repo,
		logger:     logger,
		metrics:    m,
		tracer:     tracer,
		db:         db,
		cfg:        cfg,
	}
}

// ReconcileCommunity runs a full refresh for one community.
func (s *RolesService) ReconcileCommunity(ctx context.Context, communityID shared.CommunityID) (*ReconcileReport, error) {
	return withRolesTelemetry(s, ctx, "ReconcileCommunity", string(communityID), func(ctx context.Context) (*ReconcileReport, error) {
		community, ok := s.cfg.Community(string(communityID))
		if !ok {
			return nil, fmt.Errorf("unknown community %q: %w", communityID, rolesdb.ErrNotFound)
		}
		return s.reconciler.Reconcile(ctx, community)
	})
}

// ReconcileAll refreshes every configured community.
func (s *RolesService) ReconcileAll(ctx context.Context) ([]*ReconcileReport, error) {
	return withRolesTelemetry(s, ctx, "ReconcileAll", "", func(ctx context.Context) ([]*ReconcileReport, error) {
		return s.reconciler.ReconcileAll(ctx)
	})
}

// AccountRole returns the cached expectation for an account together with
// its staleness.
func (s *RolesService) AccountRole(ctx context.Context, communityID shared.CommunityID, accountID shared.AccountID) (*AccountRoleView, error) {
	return withRolesTelemetry(s, ctx, "AccountRole", string(accountID), func(ctx context.Context) (*AccountRoleView, error) {
		assignment, err := s.repo.GetCachedRole(ctx, s.db, communityID, accountID)
		if err != nil {
			return nil, err
		}

		view := &AccountRoleView{
			CommunityID: communityID,
			AccountID:   accountID,
			RoleID:      assignment.RoleID,
			HasRole:     assignment.HasRole(),
			ComputedAt:  assignment.ComputedAt,
			Generation:  assignment.Generation,
		}

		meta, err := s.repo.GetMeta(ctx, s.db, communityID)
		switch {
		case errors.Is(err, rolesdb.ErrNotFound):
			view.Stale = true
		case err != nil:
			return nil, err
		default:
			view.Stale = meta.CompletedAt == nil || meta.Generation != assignment.Generation
		}
		return view, nil
	})
}

// RecalculateAccount recomputes one account immediately, rewrites its cache
// entry, and returns the fresh view.
func (s *RolesService) RecalculateAccount(ctx context.Context, communityID shared.CommunityID, accountID shared.AccountID) (*AccountRoleView, error) {
	return withRolesTelemetry(s, ctx, "RecalculateAccount", string(accountID), func(ctx context.Context) (*AccountRoleView, error) {
		community, ok := s.cfg.Community(string(communityID))
		if !ok {
			return nil, fmt.Errorf("unknown community %q: %w", communityID, rolesdb.ErrNotFound)
		}
		if _, err := s.reconciler.ReconcileAccount(ctx, community, accountID); err != nil {
			return nil, err
		}
		return s.AccountRole(ctx, communityID, accountID)
	})
}

// withRolesTelemetry wraps a service operation with tracing, metrics, and
// panic recovery.
func withRolesTelemetry[T any](
	s *RolesService,
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

	s.metrics.RecordOperationAttempt(ctx, operationName, "RolesService")

	startTime := time.Now()
	defer func() {
		s.metrics.RecordOperationDuration(ctx, operationName, "RolesService", time.Since(startTime))
	}()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", operationName, r)
			s.logger.ErrorContext(ctx, "Critical panic recovered",
				slog.String("operation", operationName),
				slog.String("identifier", identifier),
				slog.Any("error", err),
			)
			s.metrics.RecordOperationFailure(ctx, operationName, "RolesService")
			span.RecordError(err)
		}
	}()

	result, err = op(ctx)
	if err != nil {
		// Missing cache rows are an expected lookup outcome, not a failure.
		if errors.Is(err, rolesdb.ErrNotFound) {
			return result, err
		}
		wrappedErr := fmt.Errorf("%s: %w", operationName, err)
		s.logger.ErrorContext(ctx, "Operation failed with error",
			slog.String("operation", operationName),
			slog.String("identifier", identifier),
			slog.Any("error", wrappedErr),
		)
		s.metrics.RecordOperationFailure(ctx, operationName, "RolesService")
		span.RecordError(wrappedErr)
		return result, wrappedErr
	}

	s.metrics.RecordOperationSuccess(ctx, operationName, "RolesService")
	return result, nil
}
