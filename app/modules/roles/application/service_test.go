package rolesservice

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	playersdb "github.com/tourneykit/rankbot/app/modules/players/infrastructure/repositories"
	rolesdb "github.com/tourneykit/rankbot/app/modules/roles/infrastructure/repositories"
	"github.com/tourneykit/rankbot/app/shared"
	"github.com/tourneykit/rankbot/config"
	"github.com/uptrace/bun"
	"go.opentelemetry.io/otel/trace/noop"
)

func newTestService(repo *FakeRoleCacheRepo, cfg *config.Config) *RolesService {
	reconciler := NewReconciler(repo, &FakeStatsRepo{}, &FakePlayersRepo{}, &FakeGateway{}, nil, nil, nil, nil, cfg)
	return NewRolesService(reconciler, repo, nil, nil, noop.NewTracerProvider().Tracer("test"), nil, cfg)
}

func TestAccountRole_FreshAssignment(t *testing.T) {
	generation := uuid.New()
	now := time.Now()
	repo := &FakeRoleCacheRepo{
		GetCachedRoleFunc: func(context.Context, bun.IDB, shared.CommunityID, shared.AccountID) (*rolesdb.RoleAssignment, error) {
			return &rolesdb.RoleAssignment{
				CommunityID: "guild-1",
				AccountID:   "acct-1",
				RoleID:      "role-champ",
				Generation:  generation,
				ComputedAt:  now,
			}, nil
		},
		GetMetaFunc: func(context.Context, bun.IDB, shared.CommunityID) (*rolesdb.CacheMeta, error) {
			return &rolesdb.CacheMeta{Generation: generation, StartedAt: now, CompletedAt: &now}, nil
		},
	}

	svc := newTestService(repo, testEngineConfig(testCommunity()))
	view, err := svc.AccountRole(context.Background(), "guild-1", "acct-1")

	require.NoError(t, err)
	assert.Equal(t, shared.RoleID("role-champ"), view.RoleID)
	assert.True(t, view.HasRole)
	assert.False(t, view.Stale)
}

func TestAccountRole_StaleWhenGenerationSuperseded(t *testing.T) {
	now := time.Now()
	repo := &FakeRoleCacheRepo{
		GetCachedRoleFunc: func(context.Context, bun.IDB, shared.CommunityID, shared.AccountID) (*rolesdb.RoleAssignment, error) {
			return &rolesdb.RoleAssignment{RoleID: "role-champ", Generation: uuid.New(), ComputedAt: now}, nil
		},
		GetMetaFunc: func(context.Context, bun.IDB, shared.CommunityID) (*rolesdb.CacheMeta, error) {
			return &rolesdb.CacheMeta{Generation: uuid.New(), StartedAt: now, CompletedAt: &now}, nil
		},
	}

	svc := newTestService(repo, testEngineConfig(testCommunity()))
	view, err := svc.AccountRole(context.Background(), "guild-1", "acct-1")

	require.NoError(t, err)
	assert.True(t, view.Stale)
}

func TestAccountRole_StaleWhileRefreshRuns(t *testing.T) {
	generation := uuid.New()
	now := time.Now()
	repo := &FakeRoleCacheRepo{
		GetCachedRoleFunc: func(context.Context, bun.IDB, shared.CommunityID, shared.AccountID) (*rolesdb.RoleAssignment, error) {
			return &rolesdb.RoleAssignment{Generation: generation, ComputedAt: now}, nil
		},
		GetMetaFunc: func(context.Context, bun.IDB, shared.CommunityID) (*rolesdb.CacheMeta, error) {
			return &rolesdb.CacheMeta{Generation: generation, StartedAt: now}, nil
		},
	}

	svc := newTestService(repo, testEngineConfig(testCommunity()))
	view, err := svc.AccountRole(context.Background(), "guild-1", "acct-1")

	require.NoError(t, err)
	assert.False(t, view.HasRole)
	assert.True(t, view.Stale)
}

func TestAccountRole_NeverComputed(t *testing.T) {
	svc := newTestService(&FakeRoleCacheRepo{}, testEngineConfig(testCommunity()))
	_, err := svc.AccountRole(context.Background(), "guild-1", "acct-1")
	require.ErrorIs(t, err, rolesdb.ErrNotFound)
}

func TestReconcileCommunity_UnknownCommunity(t *testing.T) {
	svc := newTestService(&FakeRoleCacheRepo{}, testEngineConfig(testCommunity()))
	_, err := svc.ReconcileCommunity(context.Background(), "guild-unknown")
	require.ErrorIs(t, err, rolesdb.ErrNotFound)
}

func TestRecalculateAccount_UnknownCommunity(t *testing.T) {
	svc := newTestService(&FakeRoleCacheRepo{}, testEngineConfig(testCommunity()))
	_, err := svc.RecalculateAccount(context.Background(), "guild-unknown", "acct-1")
	require.ErrorIs(t, err, rolesdb.ErrNotFound)
}

func TestRecalculateAccount_ReturnsFreshView(t *testing.T) {
	cfg := testEngineConfig(testCommunity())
	generation := uuid.New()
	now := time.Now()

	repo := &FakeRoleCacheRepo{
		GetMetaFunc: func(context.Context, bun.IDB, shared.CommunityID) (*rolesdb.CacheMeta, error) {
			return &rolesdb.CacheMeta{Generation: generation, StartedAt: now, CompletedAt: &now}, nil
		},
	}
	repo.GetCachedRoleFunc = func(context.Context, bun.IDB, shared.CommunityID, shared.AccountID) (*rolesdb.RoleAssignment, error) {
		if a := repo.AssignmentFor("acct-1"); a != nil {
			return a, nil
		}
		return nil, rolesdb.ErrNotFound
	}
	players := &FakePlayersRepo{
		AccountLinksFunc: func(context.Context, bun.IDB, shared.CommunityID, shared.AccountID) ([]shared.PlayerID, error) {
			return []shared.PlayerID{"p1"}, nil
		},
	}
	reconciler := NewReconciler(repo, &FakeStatsRepo{}, players, &FakeGateway{}, nil, nil, nil, nil, cfg)
	svc := NewRolesService(reconciler, repo, nil, nil, noop.NewTracerProvider().Tracer("test"), nil, cfg)

	view, err := svc.RecalculateAccount(context.Background(), "guild-1", "acct-1")

	require.NoError(t, err)
	assert.Equal(t, shared.AccountID("acct-1"), view.AccountID)
	assert.Equal(t, generation, view.Generation)
	assert.False(t, view.HasRole)
	assert.False(t, view.Stale)
}

func TestReconcileCommunity_RunsRefresh(t *testing.T) {
	cfg := testEngineConfig(testCommunity())
	repo := &FakeRoleCacheRepo{}
	players := &FakePlayersRepo{
		ListAccountsFunc: func(context.Context, bun.IDB, shared.CommunityID) ([]playersdb.AccountLink, error) {
			return []playersdb.AccountLink{{CommunityID: "guild-1", AccountID: "acct-1", PlayerID: "p1"}}, nil
		},
	}
	reconciler := NewReconciler(repo, &FakeStatsRepo{}, players, &FakeGateway{}, nil, nil, nil, nil, cfg)
	svc := NewRolesService(reconciler, repo, nil, nil, noop.NewTracerProvider().Tracer("test"), nil, cfg)

	report, err := svc.ReconcileCommunity(context.Background(), "guild-1")

	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
}
