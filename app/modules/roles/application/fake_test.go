package rolesservice

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	playersdb "github.com/tourneykit/rankbot/app/modules/players/infrastructure/repositories"
	rolesdomain "github.com/tourneykit/rankbot/app/modules/roles/domain"
	rolesdb "github.com/tourneykit/rankbot/app/modules/roles/infrastructure/repositories"
	"github.com/tourneykit/rankbot/app/shared"
	"github.com/uptrace/bun"
)

// FakeRoleCacheRepo is a hand-rolled fake for rolesdb.Repository.
type FakeRoleCacheRepo struct {
	GetCachedRoleFunc      func(ctx context.Context, db bun.IDB, communityID shared.CommunityID, accountID shared.AccountID) (*rolesdb.RoleAssignment, error)
	BeginGenerationFunc    func(ctx context.Context, db bun.IDB, communityID shared.CommunityID, statsVersion *time.Time) (uuid.UUID, error)
	UpsertAssignmentFunc   func(ctx context.Context, db bun.IDB, assignment *rolesdb.RoleAssignment) error
	CompleteGenerationFunc func(ctx context.Context, db bun.IDB, communityID shared.CommunityID, generation uuid.UUID) error
	GetMetaFunc            func(ctx context.Context, db bun.IDB, communityID shared.CommunityID) (*rolesdb.CacheMeta, error)

	mu          sync.Mutex
	Assignments []*rolesdb.RoleAssignment
}

func (f *FakeRoleCacheRepo) GetCachedRole(ctx context.Context, db bun.IDB, communityID shared.CommunityID, accountID shared.AccountID) (*rolesdb.RoleAssignment, error) {
	if f.GetCachedRoleFunc != nil {
		return f.GetCachedRoleFunc(ctx, db, communityID, accountID)
	}
	return nil, rolesdb.ErrNotFound
}

func (f *FakeRoleCacheRepo) BeginGeneration(ctx context.Context, db bun.IDB, communityID shared.CommunityID, statsVersion *time.Time) (uuid.UUID, error) {
	if f.BeginGenerationFunc != nil {
		return f.BeginGenerationFunc(ctx, db, communityID, statsVersion)
	}
	return uuid.New(), nil
}

func (f *FakeRoleCacheRepo) UpsertAssignment(ctx context.Context, db bun.IDB, assignment *rolesdb.RoleAssignment) error {
	if f.UpsertAssignmentFunc != nil {
		return f.UpsertAssignmentFunc(ctx, db, assignment)
	}
	f.mu.Lock()
	f.Assignments = append(f.Assignments, assignment)
	f.mu.Unlock()
	return nil
}

func (f *FakeRoleCacheRepo) CompleteGeneration(ctx context.Context, db bun.IDB, communityID shared.CommunityID, generation uuid.UUID) error {
	if f.CompleteGenerationFunc != nil {
		return f.CompleteGenerationFunc(ctx, db, communityID, generation)
	}
	return nil
}

func (f *FakeRoleCacheRepo) GetMeta(ctx context.Context, db bun.IDB, communityID shared.CommunityID) (*rolesdb.CacheMeta, error) {
	if f.GetMetaFunc != nil {
		return f.GetMetaFunc(ctx, db, communityID)
	}
	return nil, rolesdb.ErrNotFound
}

// AssignmentFor returns the recorded assignment for an account, if any.
func (f *FakeRoleCacheRepo) AssignmentFor(accountID shared.AccountID) *rolesdb.RoleAssignment {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.Assignments {
		if a.AccountID == accountID {
			return a
		}
	}
	return nil
}

// FakeStatsRepo is a hand-rolled fake for rolesdb.StatsRepository.
type FakeStatsRepo struct {
	AggregatedStatsFunc          func(ctx context.Context, db bun.IDB, playerIDs []shared.PlayerID, window time.Duration) (rolesdomain.AggregatedStats, error)
	AggregatedStatsByAccountFunc func(ctx context.Context, db bun.IDB, accounts map[shared.AccountID][]shared.PlayerID, window time.Duration) (map[shared.AccountID]rolesdomain.AggregatedStats, error)
}

func (f *FakeStatsRepo) AggregatedStats(ctx context.Context, db bun.IDB, playerIDs []shared.PlayerID, window time.Duration) (rolesdomain.AggregatedStats, error) {
	if f.AggregatedStatsFunc != nil {
		return f.AggregatedStatsFunc(ctx, db, playerIDs, window)
	}
	return rolesdomain.AggregatedStats{PerLeague: map[shared.League]rolesdomain.LeagueStats{}}, nil
}

func (f *FakeStatsRepo) AggregatedStatsByAccount(ctx context.Context, db bun.IDB, accounts map[shared.AccountID][]shared.PlayerID, window time.Duration) (map[shared.AccountID]rolesdomain.AggregatedStats, error) {
	if f.AggregatedStatsByAccountFunc != nil {
		return f.AggregatedStatsByAccountFunc(ctx, db, accounts, window)
	}
	out := make(map[shared.AccountID]rolesdomain.AggregatedStats, len(accounts))
	for accountID, playerIDs := range accounts {
		stats, err := f.AggregatedStats(ctx, db, playerIDs, window)
		if err != nil {
			return nil, err
		}
		out[accountID] = stats
	}
	return out, nil
}

// FakePlayersRepo is a hand-rolled fake for playersdb.Repository.
type FakePlayersRepo struct {
	UpsertIdentityFunc     func(ctx context.Context, db bun.IDB, identity *playersdb.PlayerIdentity) error
	AccountLinksFunc       func(ctx context.Context, db bun.IDB, communityID shared.CommunityID, accountID shared.AccountID) ([]shared.PlayerID, error)
	ListAccountsFunc       func(ctx context.Context, db bun.IDB, communityID shared.CommunityID) ([]playersdb.AccountLink, error)
	AccountsForPlayerFunc  func(ctx context.Context, db bun.IDB, playerID shared.PlayerID) ([]playersdb.AccountLink, error)
	LinkAccountFunc        func(ctx context.Context, db bun.IDB, link *playersdb.AccountLink) error
	UnlinkAccountFunc      func(ctx context.Context, db bun.IDB, communityID shared.CommunityID, accountID shared.AccountID, playerID shared.PlayerID) error
	SetModerationFlagFunc  func(ctx context.Context, db bun.IDB, flag *playersdb.ModerationFlag, on bool) (bool, error)
	FlagsForPlayerFunc     func(ctx context.Context, db bun.IDB, playerID shared.PlayerID) ([]playersdb.ModerationFlag, error)
	GetExclusionsFunc      func(ctx context.Context, db bun.IDB, foldShunned bool) (shared.ExclusionSet, error)
	InstanceGroupFunc      func(ctx context.Context, db bun.IDB, playerIDs []shared.PlayerID) ([]shared.PlayerID, error)
}

func (f *FakePlayersRepo) UpsertIdentity(ctx context.Context, db bun.IDB, identity *playersdb.PlayerIdentity) error {
	if f.UpsertIdentityFunc != nil {
		return f.UpsertIdentityFunc(ctx, db, identity)
	}
	return nil
}

func (f *FakePlayersRepo) AccountLinks(ctx context.Context, db bun.IDB, communityID shared.CommunityID, accountID shared.AccountID) ([]shared.PlayerID, error) {
	if f.AccountLinksFunc != nil {
		return f.AccountLinksFunc(ctx, db, communityID, accountID)
	}
	return nil, nil
}

func (f *FakePlayersRepo) ListAccounts(ctx context.Context, db bun.IDB, communityID shared.CommunityID) ([]playersdb.AccountLink, error) {
	if f.ListAccountsFunc != nil {
		return f.ListAccountsFunc(ctx, db, communityID)
	}
	return nil, nil
}

func (f *FakePlayersRepo) AccountsForPlayer(ctx context.Context, db bun.IDB, playerID shared.PlayerID) ([]playersdb.AccountLink, error) {
	if f.AccountsForPlayerFunc != nil {
		return f.AccountsForPlayerFunc(ctx, db, playerID)
	}
	return nil, nil
}

func (f *FakePlayersRepo) LinkAccount(ctx context.Context, db bun.IDB, link *playersdb.AccountLink) error {
	if f.LinkAccountFunc != nil {
		return f.LinkAccountFunc(ctx, db, link)
	}
	return nil
}

func (f *FakePlayersRepo) UnlinkAccount(ctx context.Context, db bun.IDB, communityID shared.CommunityID, accountID shared.AccountID, playerID shared.PlayerID) error {
	if f.UnlinkAccountFunc != nil {
		return f.UnlinkAccountFunc(ctx, db, communityID, accountID, playerID)
	}
	return nil
}

func (f *FakePlayersRepo) SetModerationFlag(ctx context.Context, db bun.IDB, flag *playersdb.ModerationFlag, on bool) (bool, error) {
	if f.SetModerationFlagFunc != nil {
		return f.SetModerationFlagFunc(ctx, db, flag, on)
	}
	return false, nil
}

func (f *FakePlayersRepo) FlagsForPlayer(ctx context.Context, db bun.IDB, playerID shared.PlayerID) ([]playersdb.ModerationFlag, error) {
	if f.FlagsForPlayerFunc != nil {
		return f.FlagsForPlayerFunc(ctx, db, playerID)
	}
	return nil, nil
}

func (f *FakePlayersRepo) InstanceGroup(ctx context.Context, db bun.IDB, playerIDs []shared.PlayerID) ([]shared.PlayerID, error) {
	if f.InstanceGroupFunc != nil {
		return f.InstanceGroupFunc(ctx, db, playerIDs)
	}
	return playerIDs, nil
}

func (f *FakePlayersRepo) GetExclusions(ctx context.Context, db bun.IDB, foldShunned bool) (shared.ExclusionSet, error) {
	if f.GetExclusionsFunc != nil {
		return f.GetExclusionsFunc(ctx, db, foldShunned)
	}
	return shared.ExclusionSet{
		Banned:     shared.NewIDSet(),
		Suspicious: shared.NewIDSet(),
		Shunned:    shared.NewIDSet(),
	}, nil
}

// FakeGateway is a hand-rolled fake for rolesadapters.CommunityGateway. Role
// sets are keyed by account; SetAccountRoles calls are recorded.
type FakeGateway struct {
	AccountRolesFunc    func(ctx context.Context, communityID shared.CommunityID, accountID shared.AccountID) (shared.RoleSet, error)
	SetAccountRolesFunc func(ctx context.Context, communityID shared.CommunityID, accountID shared.AccountID, roles shared.RoleSet) error

	mu    sync.Mutex
	Roles map[shared.AccountID]shared.RoleSet
	Sets  []GatewaySet
}

// GatewaySet is one recorded SetAccountRoles call.
type GatewaySet struct {
	CommunityID shared.CommunityID
	AccountID   shared.AccountID
	Roles       shared.RoleSet
}

func (f *FakeGateway) AccountRoles(ctx context.Context, communityID shared.CommunityID, accountID shared.AccountID) (shared.RoleSet, error) {
	if f.AccountRolesFunc != nil {
		return f.AccountRolesFunc(ctx, communityID, accountID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if roles, ok := f.Roles[accountID]; ok {
		return roles.Clone(), nil
	}
	return shared.NewRoleSet(), nil
}

func (f *FakeGateway) SetAccountRoles(ctx context.Context, communityID shared.CommunityID, accountID shared.AccountID, roles shared.RoleSet) error {
	if f.SetAccountRolesFunc != nil {
		return f.SetAccountRolesFunc(ctx, communityID, accountID, roles)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Roles == nil {
		f.Roles = make(map[shared.AccountID]shared.RoleSet)
	}
	f.Roles[accountID] = roles.Clone()
	f.Sets = append(f.Sets, GatewaySet{CommunityID: communityID, AccountID: accountID, Roles: roles.Clone()})
	return nil
}

// SetsFor returns the recorded writes for one account.
func (f *FakeGateway) SetsFor(accountID shared.AccountID) []GatewaySet {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []GatewaySet
	for _, s := range f.Sets {
		if s.AccountID == accountID {
			out = append(out, s)
		}
	}
	return out
}

// FakeScheduler is a hand-rolled fake for Scheduler.
type FakeScheduler struct {
	ScheduleCorrectionFunc func(ctx context.Context, communityID shared.CommunityID, accountID shared.AccountID, token string, at time.Time) (int64, error)
	CancelJobFunc          func(ctx context.Context, jobID int64) error

	mu        sync.Mutex
	nextJobID int64
	Scheduled []ScheduledCorrection
	Cancelled []int64
}

// ScheduledCorrection is one recorded ScheduleCorrection call.
type ScheduledCorrection struct {
	JobID       int64
	CommunityID shared.CommunityID
	AccountID   shared.AccountID
	Token       string
	At          time.Time
}

func (f *FakeScheduler) ScheduleCorrection(ctx context.Context, communityID shared.CommunityID, accountID shared.AccountID, token string, at time.Time) (int64, error) {
	if f.ScheduleCorrectionFunc != nil {
		return f.ScheduleCorrectionFunc(ctx, communityID, accountID, token, at)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextJobID++
	f.Scheduled = append(f.Scheduled, ScheduledCorrection{
		JobID:       f.nextJobID,
		CommunityID: communityID,
		AccountID:   accountID,
		Token:       token,
		At:          at,
	})
	return f.nextJobID, nil
}

func (f *FakeScheduler) CancelJob(ctx context.Context, jobID int64) error {
	if f.CancelJobFunc != nil {
		return f.CancelJobFunc(ctx, jobID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Cancelled = append(f.Cancelled, jobID)
	return nil
}
