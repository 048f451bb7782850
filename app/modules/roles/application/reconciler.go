package rolesservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/tourneykit/rankbot/app/metrics"
	playersdb "github.com/tourneykit/rankbot/app/modules/players/infrastructure/repositories"
	rolesdomain "github.com/tourneykit/rankbot/app/modules/roles/domain"
	rolesevents "github.com/tourneykit/rankbot/app/modules/roles/domain/events"
	rolesadapters "github.com/tourneykit/rankbot/app/modules/roles/infrastructure/adapters"
	rolesdb "github.com/tourneykit/rankbot/app/modules/roles/infrastructure/repositories"
	"github.com/tourneykit/rankbot/app/shared"
	"github.com/tourneykit/rankbot/config"
	"github.com/uptrace/bun"
	"golang.org/x/time/rate"
)

// Reconciler runs the clear/calculate/apply refresh for communities. One
// refresh per community runs at a time; overlapping triggers are skipped.
type Reconciler struct {
	repo      rolesdb.Repository
	stats     rolesdb.StatsRepository
	players   playersdb.Repository
	gateway   rolesadapters.CommunityGateway
	publisher message.Publisher
	logger    *slog.Logger
	metrics   metrics.Metrics
	db        *bun.DB
	cfg       *config.Config

	suppressor Suppressor

	mu       sync.Mutex
	inFlight map[shared.CommunityID]bool
}

// Suppressor marks accounts whose next observation is an echo of the
// engine's own write and should be ignored. Unsuppress takes one mark back
// when the write it covered never went out, so a genuine observation is not
// swallowed later. Satisfied by the Supervisor.
type Suppressor interface {
	SuppressNext(communityID shared.CommunityID, accountID shared.AccountID)
	Unsuppress(communityID shared.CommunityID, accountID shared.AccountID)
}

// NewReconciler creates a new Reconciler.
func NewReconciler(
	repo rolesdb.Repository,
	stats rolesdb.StatsRepository,
	players playersdb.Repository,
	gateway rolesadapters.CommunityGateway,
	publisher message.Publisher,
	logger *slog.Logger,
	m metrics.Metrics,
	db *bun.DB,
	cfg *config.Config,
) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.NoOp()
	}
	return &Reconciler{
		repo:      repo,
		stats:     stats,
		players:   players,
		gateway:   gateway,
		publisher: publisher,
		logger:    logger,
		metrics:   m,
		db:        db,
		cfg:       cfg,
		inFlight:  make(map[shared.CommunityID]bool),
	}
}

// SetSuppressor wires the observation suppressor. The reconciler and the
// supervisor reference each other, so one side binds after construction.
func (r *Reconciler) SetSuppressor(suppressor Suppressor) {
	r.suppressor = suppressor
}

// Reconcile refreshes one community's role assignments end to end: open a new
// cache generation, compute every account's expected role, write drifted
// accounts back to the external system, and close the generation.
func (r *Reconciler) Reconcile(ctx context.Context, community config.CommunityConfig) (*ReconcileReport, error) {
	communityID := shared.CommunityID(community.ID)
	report := &ReconcileReport{CommunityID: communityID, DryRun: community.DryRun}

	if community.Paused {
		report.Skipped = true
		report.SkipReason = "community is paused"
		return report, nil
	}

	r.mu.Lock()
	if r.inFlight[communityID] {
		r.mu.Unlock()
		report.Skipped = true
		report.SkipReason = "refresh already in flight"
		r.logger.InfoContext(ctx, "Skipping refresh, one is already running",
			slog.String("community_id", community.ID),
		)
		return report, nil
	}
	r.inFlight[communityID] = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.inFlight, communityID)
		r.mu.Unlock()
	}()

	start := time.Now()
	r.metrics.RecordOperationAttempt(ctx, "Reconcile", "Reconciler")

	statsVersion := time.Now()
	generation, err := r.repo.BeginGeneration(ctx, r.db, communityID, &statsVersion)
	if err != nil {
		r.metrics.RecordOperationFailure(ctx, "Reconcile", "Reconciler")
		return nil, fmt.Errorf("failed to begin generation: %w", err)
	}
	report.Generation = generation

	links, err := r.players.ListAccounts(ctx, r.db, communityID)
	if err != nil {
		r.metrics.RecordOperationFailure(ctx, "Reconcile", "Reconciler")
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	// Accounts may carry several linked identities; fold them into one
	// identity list per account.
	identities := make(map[shared.AccountID][]shared.PlayerID)
	for _, link := range links {
		identities[link.AccountID] = append(identities[link.AccountID], link.PlayerID)
	}

	// Calculate phase: one grouped stats fetch covering every linked
	// identity, then rule evaluation and the cache write per account. The
	// whole cache is written before the first external write goes out.
	desired, calcFailed, err := r.calculateAssignments(ctx, community, generation, identities)
	if err != nil {
		r.metrics.RecordOperationFailure(ctx, "Reconcile", "Reconciler")
		return nil, err
	}

	limiter := rate.NewLimiter(rate.Limit(r.cfg.Engine.ApplyRatePerSecond), 1)
	sem := make(chan struct{}, r.cfg.Engine.ApplyConcurrency)
	batcher := newChangeBatcher(r.logger, community.ID, r.cfg.Engine.LogBatchSize)

	var (
		wg        sync.WaitGroup
		counterMu sync.Mutex
		changed   int
		failed    int
	)

	for accountID, roleID := range desired {
		wg.Add(1)
		sem <- struct{}{}
		go func(accountID shared.AccountID, roleID shared.RoleID) {
			defer wg.Done()
			defer func() { <-sem }()

			didChange, err := r.applyAccount(ctx, community, accountID, roleID, limiter, batcher)

			counterMu.Lock()
			if didChange {
				changed++
			}
			if err != nil {
				failed++
			}
			counterMu.Unlock()

			if err != nil {
				r.logger.ErrorContext(ctx, "Failed to reconcile account",
					slog.String("community_id", community.ID),
					slog.String("account_id", string(accountID)),
					slog.Any("error", err),
				)
			}
		}(accountID, roleID)
	}
	wg.Wait()
	batcher.Flush()

	report.Processed = len(identities)
	report.Changed = changed
	report.Errors = calcFailed + failed

	// A partially failed refresh still completes its generation: every
	// account was visited, failed ones simply keep an error-free retry on
	// the next refresh.
	if err := r.repo.CompleteGeneration(ctx, r.db, communityID, generation); err != nil {
		r.metrics.RecordOperationFailure(ctx, "Reconcile", "Reconciler")
		return nil, fmt.Errorf("failed to complete generation: %w", err)
	}

	r.publishReconciled(ctx, report)

	r.metrics.RecordOperationSuccess(ctx, "Reconcile", "Reconciler")
	r.metrics.RecordOperationDuration(ctx, "Reconcile", "Reconciler", time.Since(start))

	r.logger.InfoContext(ctx, "Community refresh finished",
		slog.String("community_id", community.ID),
		slog.String("generation", generation.String()),
		slog.Int("processed", report.Processed),
		slog.Int("changed", changed),
		slog.Int("errors", report.Errors),
		slog.Bool("dry_run", community.DryRun),
	)

	return report, nil
}

// calculateAssignments computes and caches the rule-derived role for every
// account in one pass: a single grouped stats fetch across all linked
// identities, then DetermineRole and the cache write per account. Returns
// the computed role per account along with the count of accounts whose
// cache write failed; those accounts are left out of the apply phase.
func (r *Reconciler) calculateAssignments(
	ctx context.Context,
	community config.CommunityConfig,
	generation uuid.UUID,
	identities map[shared.AccountID][]shared.PlayerID,
) (map[shared.AccountID]shared.RoleID, int, error) {
	communityID := shared.CommunityID(community.ID)

	statsByAccount, err := r.stats.AggregatedStatsByAccount(ctx, r.db, identities, r.cfg.Engine.StatsWindow)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to aggregate stats: %w", err)
	}

	rules := rulesFromConfig(community)
	hierarchy := leaguesFromStrings(r.cfg.Engine.LeagueHierarchy)

	desired := make(map[shared.AccountID]shared.RoleID, len(identities))
	failed := 0
	for accountID := range identities {
		var roleID shared.RoleID
		if id, ok := rolesdomain.DetermineRole(statsByAccount[accountID], rules, hierarchy); ok {
			roleID = id
		}

		if err := r.repo.UpsertAssignment(ctx, r.db, &rolesdb.RoleAssignment{
			CommunityID: communityID,
			AccountID:   accountID,
			RoleID:      roleID,
			Generation:  generation,
		}); err != nil {
			failed++
			r.logger.ErrorContext(ctx, "Failed to cache assignment",
				slog.String("community_id", community.ID),
				slog.String("account_id", string(accountID)),
				slog.Any("error", err),
			)
			continue
		}
		desired[accountID] = roleID
	}
	return desired, failed, nil
}

// applyAccount writes one account's computed role to the external system when
// it drifts. Eligibility is checked here against the live role set: an
// account missing the eligibility role holds no managed role, whatever the
// rules computed. Returns whether a write (or a dry-run would-be write)
// happened.
func (r *Reconciler) applyAccount(
	ctx context.Context,
	community config.CommunityConfig,
	accountID shared.AccountID,
	desired shared.RoleID,
	limiter *rate.Limiter,
	batcher *changeBatcher,
) (bool, error) {
	communityID := shared.CommunityID(community.ID)

	observed, err := r.gateway.AccountRoles(ctx, communityID, accountID)
	if err != nil {
		return false, fmt.Errorf("failed to read account roles: %w", err)
	}

	if community.EligibilityRoleID != "" && !observed.Contains(shared.RoleID(community.EligibilityRoleID)) {
		desired = ""
	}

	managed := managedRoleSet(community)
	target := reconcileRoleSet(observed, managed, desired)
	if target.Equal(observed) {
		return false, nil
	}

	batcher.Record(accountID, observed, target)

	if community.DryRun {
		return true, nil
	}

	if err := limiter.Wait(ctx); err != nil {
		return false, err
	}
	if r.suppressor != nil {
		r.suppressor.SuppressNext(communityID, accountID)
	}
	if err := r.gateway.SetAccountRoles(ctx, communityID, accountID, target); err != nil {
		if r.suppressor != nil {
			r.suppressor.Unsuppress(communityID, accountID)
		}
		return false, fmt.Errorf("failed to write account roles: %w", err)
	}
	return true, nil
}

// ReconcileAccount recomputes a single account's expected role and writes it
// back when it drifts, without opening a new generation. The entry is cached
// under the community's current generation so it stays fresh; a community
// that has never been refreshed gets a throwaway generation and the entry
// reports stale until the first full refresh.
func (r *Reconciler) ReconcileAccount(ctx context.Context, community config.CommunityConfig, accountID shared.AccountID) (bool, error) {
	communityID := shared.CommunityID(community.ID)

	playerIDs, err := r.players.AccountLinks(ctx, r.db, communityID, accountID)
	if err != nil {
		return false, fmt.Errorf("failed to resolve account links: %w", err)
	}

	generation := uuid.New()
	meta, err := r.repo.GetMeta(ctx, r.db, communityID)
	switch {
	case err == nil:
		generation = meta.Generation
	case !errors.Is(err, rolesdb.ErrNotFound):
		return false, fmt.Errorf("failed to read generation: %w", err)
	}

	desired, failed, err := r.calculateAssignments(ctx, community, generation,
		map[shared.AccountID][]shared.PlayerID{accountID: playerIDs})
	if err != nil {
		return false, err
	}
	if failed > 0 {
		return false, fmt.Errorf("failed to cache assignment for account %s", accountID)
	}

	limiter := rate.NewLimiter(rate.Limit(r.cfg.Engine.ApplyRatePerSecond), 1)
	batcher := newChangeBatcher(r.logger, community.ID, 1)

	changed, err := r.applyAccount(ctx, community, accountID, desired[accountID], limiter, batcher)
	batcher.Flush()
	return changed, err
}

// ReconcileAll refreshes every configured community in order, collecting
// per-community failures instead of aborting.
func (r *Reconciler) ReconcileAll(ctx context.Context) ([]*ReconcileReport, error) {
	reports := make([]*ReconcileReport, 0, len(r.cfg.Communities))
	var firstErr error
	for _, community := range r.cfg.Communities {
		report, err := r.Reconcile(ctx, community)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			r.logger.ErrorContext(ctx, "Community refresh failed",
				slog.String("community_id", community.ID),
				slog.Any("error", err),
			)
			continue
		}
		reports = append(reports, report)
	}
	return reports, firstErr
}

func (r *Reconciler) publishReconciled(ctx context.Context, report *ReconcileReport) {
	if r.publisher == nil {
		return
	}

	payload := rolesevents.RolesReconciledPayloadV1{
		CommunityID: report.CommunityID,
		Generation:  report.Generation.String(),
		Processed:   report.Processed,
		Changed:     report.Changed,
		Errors:      report.Errors,
		DryRun:      report.DryRun,
		FinishedAt:  time.Now().UTC(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to marshal reconciled event", slog.Any("error", err))
		return
	}

	msg := message.NewMessage(watermill.NewUUID(), data)
	msg.Metadata.Set("subject", rolesevents.RolesReconciledV1)
	if err := r.publisher.Publish(rolesevents.RolesReconciledV1, msg); err != nil {
		r.logger.ErrorContext(ctx, "Failed to publish reconciled event", slog.Any("error", err))
	}
}

// reconcileRoleSet replaces the managed slice of an observed role set with
// the single desired role, leaving unmanaged roles untouched.
func reconcileRoleSet(observed shared.RoleSet, managed shared.RoleSet, desired shared.RoleID) shared.RoleSet {
	target := make(shared.RoleSet, len(observed)+1)
	for id := range observed {
		if !managed.Contains(id) {
			target[id] = struct{}{}
		}
	}
	if desired != "" {
		target[desired] = struct{}{}
	}
	return target
}

func managedRoleSet(community config.CommunityConfig) shared.RoleSet {
	managed := make(shared.RoleSet, len(community.Roles))
	for id := range community.ManagedRoleIDs() {
		managed[shared.RoleID(id)] = struct{}{}
	}
	return managed
}

func rulesFromConfig(community config.CommunityConfig) []rolesdomain.Rule {
	rules := make([]rolesdomain.Rule, 0, len(community.Roles))
	for _, rc := range community.Roles {
		rules = append(rules, rolesdomain.Rule{
			ID:        shared.RoleID(rc.RoleID),
			Name:      rc.Name,
			Method:    rolesdomain.Method(rc.Method),
			Threshold: rc.Threshold,
			League:    shared.League(rc.League),
		})
	}
	return rules
}

func leaguesFromStrings(names []string) []shared.League {
	leagues := make([]shared.League, len(names))
	for i, n := range names {
		leagues[i] = shared.League(n)
	}
	return leagues
}

// changeBatcher batches per-account change lines so large refreshes do not
// produce one log line per account.
type changeBatcher struct {
	logger      *slog.Logger
	communityID string
	size        int

	mu      sync.Mutex
	pending []string
}

func newChangeBatcher(logger *slog.Logger, communityID string, size int) *changeBatcher {
	if size < 1 {
		size = 1
	}
	return &changeBatcher{logger: logger, communityID: communityID, size: size}
}

func (b *changeBatcher) Record(accountID shared.AccountID, observed, target shared.RoleSet) {
	line := fmt.Sprintf("%s: %v -> %v", accountID, observed.Slice(), target.Slice())

	b.mu.Lock()
	b.pending = append(b.pending, line)
	var flush []string
	if len(b.pending) >= b.size {
		flush = b.pending
		b.pending = nil
	}
	b.mu.Unlock()

	if flush != nil {
		b.emit(flush)
	}
}

func (b *changeBatcher) Flush() {
	b.mu.Lock()
	flush := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(flush) > 0 {
		b.emit(flush)
	}
}

func (b *changeBatcher) emit(lines []string) {
	b.logger.Info("Role changes",
		slog.String("community_id", b.communityID),
		slog.Int("count", len(lines)),
		slog.Any("changes", lines),
	)
}
