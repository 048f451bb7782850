package rolesservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tourneykit/rankbot/app/metrics"
	rolesevents "github.com/tourneykit/rankbot/app/modules/roles/domain/events"
	rolesadapters "github.com/tourneykit/rankbot/app/modules/roles/infrastructure/adapters"
	rolesdb "github.com/tourneykit/rankbot/app/modules/roles/infrastructure/repositories"
	"github.com/tourneykit/rankbot/app/shared"
	"github.com/tourneykit/rankbot/config"
	"github.com/uptrace/bun"
)

// Supervisor watches observed role drift and arms delayed corrections. Each
// drifting account gets one pending correction; repeat observations within
// the stabilization window re-arm it rather than stacking jobs, so a burst of
// manual edits settles before the engine writes anything back.
type Supervisor struct {
	repo      rolesdb.Repository
	gateway   rolesadapters.CommunityGateway
	scheduler Scheduler
	logger    *slog.Logger
	metrics   metrics.Metrics
	db        *bun.DB
	cfg       *config.Config

	mu         sync.Mutex
	pending    map[correctionKey]*correctionHandle
	suppressed map[correctionKey]int
}

type correctionKey struct {
	communityID shared.CommunityID
	accountID   shared.AccountID
}

// correctionHandle is one armed correction. Token ties the scheduled job to
// this arming; a fired job whose token no longer matches is stale and does
// nothing.
type correctionHandle struct {
	jobID int64
	token string
}

// NewSupervisor creates a new Supervisor.
func NewSupervisor(
	repo rolesdb.Repository,
	gateway rolesadapters.CommunityGateway,
	scheduler Scheduler,
	logger *slog.Logger,
	m metrics.Metrics,
	db *bun.DB,
	cfg *config.Config,
) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.NoOp()
	}
	return &Supervisor{
		repo:       repo,
		gateway:    gateway,
		scheduler:  scheduler,
		logger:     logger,
		metrics:    m,
		db:         db,
		cfg:        cfg,
		pending:    make(map[correctionKey]*correctionHandle),
		suppressed: make(map[correctionKey]int),
	}
}

// SetScheduler wires the correction scheduler. The supervisor and the queue
// service reference each other, so one side binds after construction, before
// any observation is processed.
func (s *Supervisor) SetScheduler(scheduler Scheduler) {
	s.scheduler = scheduler
}

// SuppressNext marks the account so its next observation is ignored. The
// reconciler and correction paths call it right before writing roles, so the
// gateway echo of the engine's own write never arms a correction.
func (s *Supervisor) SuppressNext(communityID shared.CommunityID, accountID shared.AccountID) {
	key := correctionKey{communityID: communityID, accountID: accountID}
	s.mu.Lock()
	s.suppressed[key]++
	s.mu.Unlock()
}

// Unsuppress takes one suppression mark back after the write it covered
// failed to go out, so the next genuine observation is not mistaken for an
// echo.
func (s *Supervisor) Unsuppress(communityID shared.CommunityID, accountID shared.AccountID) {
	key := correctionKey{communityID: communityID, accountID: accountID}
	s.mu.Lock()
	if s.suppressed[key] > 0 {
		s.suppressed[key]--
		if s.suppressed[key] == 0 {
			delete(s.suppressed, key)
		}
	}
	s.mu.Unlock()
}

// Observe compares an observed role set against the cached expectation and
// arms, re-arms, or disarms the account's correction accordingly.
func (s *Supervisor) Observe(ctx context.Context, payload *rolesevents.AccountRolesObservedPayloadV1) error {
	key := correctionKey{communityID: payload.CommunityID, accountID: payload.AccountID}

	s.mu.Lock()
	if s.suppressed[key] > 0 {
		s.suppressed[key]--
		if s.suppressed[key] == 0 {
			delete(s.suppressed, key)
		}
		s.mu.Unlock()
		s.logger.DebugContext(ctx, "Ignoring echo of own write",
			slog.String("community_id", string(payload.CommunityID)),
			slog.String("account_id", string(payload.AccountID)),
		)
		return nil
	}
	s.mu.Unlock()

	community, found := s.cfg.Community(string(payload.CommunityID))
	if !found || community.Paused {
		return nil
	}

	observed := shared.NewRoleSet(payload.RoleIDs...)

	expected, ok, err := s.expectedRoles(ctx, community, payload.CommunityID, payload.AccountID, observed)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	managed := managedRoleSet(community)
	observedManaged := intersect(observed, managed)

	if observedManaged.Equal(expected) {
		s.disarm(ctx, key)
		return nil
	}

	return s.arm(ctx, key, s.cfg.CommunityStabilizationDelay(string(payload.CommunityID)))
}

// arm schedules a correction for the key, cancelling any prior one so the
// stabilization window restarts from the latest observation.
func (s *Supervisor) arm(ctx context.Context, key correctionKey, delay time.Duration) error {
	s.mu.Lock()
	prior := s.pending[key]
	s.mu.Unlock()

	if prior != nil {
		if err := s.scheduler.CancelJob(ctx, prior.jobID); err != nil {
			s.logger.WarnContext(ctx, "Failed to cancel prior correction job",
				slog.Int64("job_id", prior.jobID),
				slog.Any("error", err),
			)
		}
	}

	token := uuid.NewString()
	jobID, err := s.scheduler.ScheduleCorrection(ctx, key.communityID, key.accountID, token, time.Now().Add(delay))
	if err != nil {
		return fmt.Errorf("failed to schedule correction: %w", err)
	}

	s.mu.Lock()
	s.pending[key] = &correctionHandle{jobID: jobID, token: token}
	s.mu.Unlock()

	s.metrics.RecordOperationAttempt(ctx, "ArmCorrection", "Supervisor")
	armedMsg := "Correction armed"
	if prior != nil {
		armedMsg = "Correction re-armed, stabilization window reset"
	}
	s.logger.InfoContext(ctx, armedMsg,
		slog.String("community_id", string(key.communityID)),
		slog.String("account_id", string(key.accountID)),
		slog.Duration("delay", delay),
		slog.Int64("job_id", jobID),
	)
	return nil
}

// disarm cancels a pending correction because the drift resolved itself.
func (s *Supervisor) disarm(ctx context.Context, key correctionKey) {
	s.mu.Lock()
	handle := s.pending[key]
	delete(s.pending, key)
	s.mu.Unlock()

	if handle == nil {
		return
	}

	if err := s.scheduler.CancelJob(ctx, handle.jobID); err != nil {
		s.logger.WarnContext(ctx, "Failed to cancel resolved correction job",
			slog.Int64("job_id", handle.jobID),
			slog.Any("error", err),
		)
	}
	s.logger.InfoContext(ctx, "Correction disarmed, drift resolved",
		slog.String("community_id", string(key.communityID)),
		slog.String("account_id", string(key.accountID)),
	)
}

// CorrectAccount runs when a scheduled correction fires. The cached
// expectation and the live role set are both re-read: anything may have
// changed during the stabilization window, and a stale token means this
// arming was superseded.
func (s *Supervisor) CorrectAccount(ctx context.Context, communityID shared.CommunityID, accountID shared.AccountID, token string) error {
	key := correctionKey{communityID: communityID, accountID: accountID}

	s.mu.Lock()
	handle := s.pending[key]
	if handle == nil || handle.token != token {
		s.mu.Unlock()
		s.logger.InfoContext(ctx, "Dropping stale correction",
			slog.String("community_id", string(communityID)),
			slog.String("account_id", string(accountID)),
		)
		return nil
	}
	delete(s.pending, key)
	s.mu.Unlock()

	s.metrics.RecordOperationAttempt(ctx, "CorrectAccount", "Supervisor")

	community, found := s.cfg.Community(string(communityID))
	if !found || community.Paused {
		return nil
	}

	observed, err := s.gateway.AccountRoles(ctx, communityID, accountID)
	if err != nil {
		s.metrics.RecordOperationFailure(ctx, "CorrectAccount", "Supervisor")
		return fmt.Errorf("failed to read account roles: %w", err)
	}

	expected, ok, err := s.expectedRoles(ctx, community, communityID, accountID, observed)
	if err != nil {
		s.metrics.RecordOperationFailure(ctx, "CorrectAccount", "Supervisor")
		return err
	}
	if !ok {
		return nil
	}

	managed := managedRoleSet(community)
	if intersect(observed, managed).Equal(expected) {
		s.logger.InfoContext(ctx, "Correction fired but drift already resolved",
			slog.String("community_id", string(communityID)),
			slog.String("account_id", string(accountID)),
		)
		s.metrics.RecordOperationSuccess(ctx, "CorrectAccount", "Supervisor")
		return nil
	}

	target := make(shared.RoleSet, len(observed)+len(expected))
	for id := range observed {
		if !managed.Contains(id) {
			target[id] = struct{}{}
		}
	}
	for id := range expected {
		target[id] = struct{}{}
	}

	if community.DryRun {
		s.logger.InfoContext(ctx, "Dry run, correction not applied",
			slog.String("community_id", string(communityID)),
			slog.String("account_id", string(accountID)),
			slog.Any("target", target.Slice()),
		)
		s.metrics.RecordOperationSuccess(ctx, "CorrectAccount", "Supervisor")
		return nil
	}

	s.SuppressNext(communityID, accountID)
	if err := s.gateway.SetAccountRoles(ctx, communityID, accountID, target); err != nil {
		s.Unsuppress(communityID, accountID)
		s.metrics.RecordOperationFailure(ctx, "CorrectAccount", "Supervisor")
		return fmt.Errorf("failed to correct account roles: %w", err)
	}

	s.metrics.RecordOperationSuccess(ctx, "CorrectAccount", "Supervisor")
	s.logger.InfoContext(ctx, "Account roles corrected",
		slog.String("community_id", string(communityID)),
		slog.String("account_id", string(accountID)),
		slog.Any("target", target.Slice()),
	)
	return nil
}

// expectedRoles returns the managed roles the account should hold. An
// account missing the community's eligibility role holds no managed role no
// matter what the rules computed, so that gate is checked against the live
// observed set before the cache is consulted. ok is false when there is no
// trustworthy expectation: the account was never computed, or the cache
// generation is incomplete or superseded.
func (s *Supervisor) expectedRoles(ctx context.Context, community config.CommunityConfig, communityID shared.CommunityID, accountID shared.AccountID, observed shared.RoleSet) (shared.RoleSet, bool, error) {
	if community.EligibilityRoleID != "" && !observed.Contains(shared.RoleID(community.EligibilityRoleID)) {
		return shared.NewRoleSet(), true, nil
	}

	assignment, err := s.repo.GetCachedRole(ctx, s.db, communityID, accountID)
	if err != nil {
		if errors.Is(err, rolesdb.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to load cached role: %w", err)
	}

	meta, err := s.repo.GetMeta(ctx, s.db, communityID)
	if err != nil {
		if errors.Is(err, rolesdb.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to load cache meta: %w", err)
	}
	if meta.CompletedAt == nil || meta.Generation != assignment.Generation {
		return nil, false, nil
	}

	expected := shared.NewRoleSet()
	if assignment.HasRole() {
		expected[assignment.RoleID] = struct{}{}
	}
	return expected, true, nil
}

// Shutdown cancels every pending correction job.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	handles := make([]*correctionHandle, 0, len(s.pending))
	for _, h := range s.pending {
		handles = append(handles, h)
	}
	s.pending = make(map[correctionKey]*correctionHandle)
	s.mu.Unlock()

	for _, h := range handles {
		if err := s.scheduler.CancelJob(ctx, h.jobID); err != nil {
			s.logger.WarnContext(ctx, "Failed to cancel correction job on shutdown",
				slog.Int64("job_id", h.jobID),
				slog.Any("error", err),
			)
		}
	}
}

func intersect(a, b shared.RoleSet) shared.RoleSet {
	out := make(shared.RoleSet)
	for id := range a {
		if b.Contains(id) {
			out[id] = struct{}{}
		}
	}
	return out
}
