package rolesservice

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	rolesevents "github.com/tourneykit/rankbot/app/modules/roles/domain/events"
	rolesdb "github.com/tourneykit/rankbot/app/modules/roles/infrastructure/repositories"
	"github.com/tourneykit/rankbot/app/shared"
	"github.com/uptrace/bun"
)

func completedCacheRepo(generation uuid.UUID, roleID shared.RoleID) *FakeRoleCacheRepo {
	now := time.Now()
	return &FakeRoleCacheRepo{
		GetCachedRoleFunc: func(context.Context, bun.IDB, shared.CommunityID, shared.AccountID) (*rolesdb.RoleAssignment, error) {
			return &rolesdb.RoleAssignment{
				CommunityID: "guild-1",
				AccountID:   "acct-1",
				RoleID:      roleID,
				Generation:  generation,
				ComputedAt:  now,
			}, nil
		},
		GetMetaFunc: func(context.Context, bun.IDB, shared.CommunityID) (*rolesdb.CacheMeta, error) {
			return &rolesdb.CacheMeta{
				CommunityID: "guild-1",
				Generation:  generation,
				StartedAt:   now,
				CompletedAt: &now,
			}, nil
		},
	}
}

func observation(roleIDs ...shared.RoleID) *rolesevents.AccountRolesObservedPayloadV1 {
	return &rolesevents.AccountRolesObservedPayloadV1{
		CommunityID: "guild-1",
		AccountID:   "acct-1",
		RoleIDs:     roleIDs,
		ObservedAt:  time.Now(),
	}
}

func newTestSupervisor(repo *FakeRoleCacheRepo, gateway *FakeGateway, scheduler *FakeScheduler) *Supervisor {
	cfg := testEngineConfig(testCommunity())
	return NewSupervisor(repo, gateway, scheduler, nil, nil, nil, cfg)
}

func TestObserve_DriftArmsCorrection(t *testing.T) {
	generation := uuid.New()
	repo := completedCacheRepo(generation, "role-champ")
	scheduler := &FakeScheduler{}
	s := newTestSupervisor(repo, &FakeGateway{}, scheduler)

	// Cache expects role-champ, observation shows role-top50 instead.
	err := s.Observe(context.Background(), observation("role-top50", "unmanaged"))

	require.NoError(t, err)
	require.Len(t, scheduler.Scheduled, 1)
	sc := scheduler.Scheduled[0]
	assert.Equal(t, shared.CommunityID("guild-1"), sc.CommunityID)
	assert.Equal(t, shared.AccountID("acct-1"), sc.AccountID)
	assert.NotEmpty(t, sc.Token)
	assert.WithinDuration(t, time.Now().Add(2*time.Second), sc.At, time.Second)
}

func TestObserve_MatchingRolesDisarmPending(t *testing.T) {
	generation := uuid.New()
	repo := completedCacheRepo(generation, "role-champ")
	scheduler := &FakeScheduler{}
	s := newTestSupervisor(repo, &FakeGateway{}, scheduler)

	require.NoError(t, s.Observe(context.Background(), observation("role-top50")))
	require.Len(t, scheduler.Scheduled, 1)

	// The drift resolves itself before the window expires.
	require.NoError(t, s.Observe(context.Background(), observation("role-champ", "unmanaged")))

	assert.Equal(t, []int64{scheduler.Scheduled[0].JobID}, scheduler.Cancelled)
	assert.Len(t, scheduler.Scheduled, 1, "no new job should be armed")
}

func TestObserve_RepeatDriftReArmsInsteadOfStacking(t *testing.T) {
	generation := uuid.New()
	repo := completedCacheRepo(generation, "role-champ")
	scheduler := &FakeScheduler{}
	s := newTestSupervisor(repo, &FakeGateway{}, scheduler)

	require.NoError(t, s.Observe(context.Background(), observation("role-top50")))
	require.NoError(t, s.Observe(context.Background(), observation()))

	require.Len(t, scheduler.Scheduled, 2)
	assert.Equal(t, []int64{scheduler.Scheduled[0].JobID}, scheduler.Cancelled,
		"the first job is cancelled when the window re-arms")
}

func TestObserve_NeverComputedAccountIsIgnored(t *testing.T) {
	scheduler := &FakeScheduler{}
	s := newTestSupervisor(&FakeRoleCacheRepo{}, &FakeGateway{}, scheduler)

	require.NoError(t, s.Observe(context.Background(), observation("role-top50")))
	assert.Empty(t, scheduler.Scheduled)
}

func TestObserve_IncompleteGenerationIsIgnored(t *testing.T) {
	generation := uuid.New()
	repo := completedCacheRepo(generation, "role-champ")
	repo.GetMetaFunc = func(context.Context, bun.IDB, shared.CommunityID) (*rolesdb.CacheMeta, error) {
		return &rolesdb.CacheMeta{
			CommunityID: "guild-1",
			Generation:  generation,
			StartedAt:   time.Now(),
		}, nil
	}
	scheduler := &FakeScheduler{}
	s := newTestSupervisor(repo, &FakeGateway{}, scheduler)

	require.NoError(t, s.Observe(context.Background(), observation("role-top50")))
	assert.Empty(t, scheduler.Scheduled)
}

func TestObserve_SupersededGenerationIsIgnored(t *testing.T) {
	repo := completedCacheRepo(uuid.New(), "role-champ")
	newer := uuid.New()
	now := time.Now()
	repo.GetMetaFunc = func(context.Context, bun.IDB, shared.CommunityID) (*rolesdb.CacheMeta, error) {
		return &rolesdb.CacheMeta{
			CommunityID: "guild-1",
			Generation:  newer,
			StartedAt:   now,
			CompletedAt: &now,
		}, nil
	}
	scheduler := &FakeScheduler{}
	s := newTestSupervisor(repo, &FakeGateway{}, scheduler)

	require.NoError(t, s.Observe(context.Background(), observation("role-top50")))
	assert.Empty(t, scheduler.Scheduled)
}

func TestObserve_UnknownCommunityIsIgnored(t *testing.T) {
	scheduler := &FakeScheduler{}
	s := newTestSupervisor(completedCacheRepo(uuid.New(), "role-champ"), &FakeGateway{}, scheduler)

	payload := observation("role-top50")
	payload.CommunityID = "guild-unknown"
	require.NoError(t, s.Observe(context.Background(), payload))
	assert.Empty(t, scheduler.Scheduled)
}

func TestObserve_SuppressedEchoIsIgnoredOnce(t *testing.T) {
	generation := uuid.New()
	repo := completedCacheRepo(generation, "role-champ")
	scheduler := &FakeScheduler{}
	s := newTestSupervisor(repo, &FakeGateway{}, scheduler)

	s.SuppressNext("guild-1", "acct-1")

	// The echo of the engine's own write looks like drift but must not arm.
	require.NoError(t, s.Observe(context.Background(), observation("role-top50")))
	assert.Empty(t, scheduler.Scheduled)

	// The mark is consumed, so real drift afterwards still arms.
	require.NoError(t, s.Observe(context.Background(), observation("role-top50")))
	assert.Len(t, scheduler.Scheduled, 1)
}

func TestCorrectAccount_SuppressesItsOwnEcho(t *testing.T) {
	generation := uuid.New()
	repo := completedCacheRepo(generation, "role-champ")
	scheduler := &FakeScheduler{}
	gateway := &FakeGateway{
		Roles: map[shared.AccountID]shared.RoleSet{"acct-1": shared.NewRoleSet("role-top50")},
	}
	s := newTestSupervisor(repo, gateway, scheduler)

	require.NoError(t, s.Observe(context.Background(), observation("role-top50")))
	token := scheduler.Scheduled[0].Token
	require.NoError(t, s.CorrectAccount(context.Background(), "guild-1", "acct-1", token))
	require.Len(t, gateway.SetsFor("acct-1"), 1)

	// The gateway reports the corrected roles back; nothing re-arms.
	require.NoError(t, s.Observe(context.Background(), observation("role-champ")))
	assert.Len(t, scheduler.Scheduled, 1)
}

func TestCorrectAccount_WritesExpectedRoles(t *testing.T) {
	generation := uuid.New()
	repo := completedCacheRepo(generation, "role-champ")
	scheduler := &FakeScheduler{}
	gateway := &FakeGateway{
		Roles: map[shared.AccountID]shared.RoleSet{
			"acct-1": shared.NewRoleSet("role-top50", "unmanaged"),
		},
	}
	s := newTestSupervisor(repo, gateway, scheduler)

	require.NoError(t, s.Observe(context.Background(), observation("role-top50", "unmanaged")))
	require.Len(t, scheduler.Scheduled, 1)
	token := scheduler.Scheduled[0].Token

	require.NoError(t, s.CorrectAccount(context.Background(), "guild-1", "acct-1", token))

	sets := gateway.SetsFor("acct-1")
	require.Len(t, sets, 1)
	assert.True(t, sets[0].Roles.Equal(shared.NewRoleSet("unmanaged", "role-champ")))
}

func TestCorrectAccount_StaleTokenDoesNothing(t *testing.T) {
	generation := uuid.New()
	repo := completedCacheRepo(generation, "role-champ")
	scheduler := &FakeScheduler{}
	gateway := &FakeGateway{
		Roles: map[shared.AccountID]shared.RoleSet{"acct-1": shared.NewRoleSet("role-top50")},
	}
	s := newTestSupervisor(repo, gateway, scheduler)

	require.NoError(t, s.Observe(context.Background(), observation("role-top50")))
	// Re-arm supersedes the first token.
	require.NoError(t, s.Observe(context.Background(), observation()))
	staleToken := scheduler.Scheduled[0].Token

	require.NoError(t, s.CorrectAccount(context.Background(), "guild-1", "acct-1", staleToken))
	assert.Empty(t, gateway.Sets)
}

func TestCorrectAccount_DriftResolvedBeforeExpiryDoesNothing(t *testing.T) {
	generation := uuid.New()
	repo := completedCacheRepo(generation, "role-champ")
	scheduler := &FakeScheduler{}
	gateway := &FakeGateway{
		Roles: map[shared.AccountID]shared.RoleSet{"acct-1": shared.NewRoleSet("role-top50")},
	}
	s := newTestSupervisor(repo, gateway, scheduler)

	require.NoError(t, s.Observe(context.Background(), observation("role-top50")))
	token := scheduler.Scheduled[0].Token

	// Someone fixed the roles by hand during the stabilization window.
	gateway.Roles["acct-1"] = shared.NewRoleSet("role-champ")

	require.NoError(t, s.CorrectAccount(context.Background(), "guild-1", "acct-1", token))
	assert.Empty(t, gateway.Sets)
}

func TestCorrectAccount_DryRunNeverWrites(t *testing.T) {
	community := testCommunity()
	community.DryRun = true
	cfg := testEngineConfig(community)

	generation := uuid.New()
	repo := completedCacheRepo(generation, "role-champ")
	scheduler := &FakeScheduler{}
	gateway := &FakeGateway{
		Roles: map[shared.AccountID]shared.RoleSet{"acct-1": shared.NewRoleSet("role-top50")},
	}
	s := NewSupervisor(repo, gateway, scheduler, nil, nil, nil, cfg)

	require.NoError(t, s.Observe(context.Background(), observation("role-top50")))
	token := scheduler.Scheduled[0].Token

	require.NoError(t, s.CorrectAccount(context.Background(), "guild-1", "acct-1", token))
	assert.Empty(t, gateway.Sets)
}

func TestObserve_IneligibleAccountHoldingManagedRoleArmsCorrection(t *testing.T) {
	community := testCommunity()
	community.EligibilityRoleID = "role-verified"
	cfg := testEngineConfig(community)

	generation := uuid.New()
	repo := completedCacheRepo(generation, "role-champ")
	scheduler := &FakeScheduler{}
	s := NewSupervisor(repo, &FakeGateway{}, scheduler, nil, nil, nil, cfg)

	// The cache computed role-champ, but the account no longer carries the
	// eligibility role: it should hold no managed role at all, so keeping
	// role-champ is drift.
	require.NoError(t, s.Observe(context.Background(), observation("role-champ")))
	require.Len(t, scheduler.Scheduled, 1)

	// With the eligibility role present the same set matches the cache.
	require.NoError(t, s.Observe(context.Background(), observation("role-champ", "role-verified")))
	assert.Equal(t, []int64{scheduler.Scheduled[0].JobID}, scheduler.Cancelled)
}

func TestCorrectAccount_StripsManagedRolesFromIneligibleAccount(t *testing.T) {
	community := testCommunity()
	community.EligibilityRoleID = "role-verified"
	cfg := testEngineConfig(community)

	generation := uuid.New()
	repo := completedCacheRepo(generation, "role-champ")
	scheduler := &FakeScheduler{}
	gateway := &FakeGateway{
		Roles: map[shared.AccountID]shared.RoleSet{
			"acct-1": shared.NewRoleSet("role-champ", "unmanaged"),
		},
	}
	s := NewSupervisor(repo, gateway, scheduler, nil, nil, nil, cfg)

	require.NoError(t, s.Observe(context.Background(), observation("role-champ")))
	require.Len(t, scheduler.Scheduled, 1)
	token := scheduler.Scheduled[0].Token

	require.NoError(t, s.CorrectAccount(context.Background(), "guild-1", "acct-1", token))

	sets := gateway.SetsFor("acct-1")
	require.Len(t, sets, 1)
	assert.True(t, sets[0].Roles.Equal(shared.NewRoleSet("unmanaged")))
}

func TestCorrectAccount_FailedWriteDoesNotSwallowNextObservation(t *testing.T) {
	generation := uuid.New()
	repo := completedCacheRepo(generation, "role-champ")
	scheduler := &FakeScheduler{}
	gateway := &FakeGateway{
		AccountRolesFunc: func(context.Context, shared.CommunityID, shared.AccountID) (shared.RoleSet, error) {
			return shared.NewRoleSet("role-top50"), nil
		},
		SetAccountRolesFunc: func(context.Context, shared.CommunityID, shared.AccountID, shared.RoleSet) error {
			return errors.New("gateway timeout")
		},
	}
	s := newTestSupervisor(repo, gateway, scheduler)

	require.NoError(t, s.Observe(context.Background(), observation("role-top50")))
	token := scheduler.Scheduled[0].Token

	require.Error(t, s.CorrectAccount(context.Background(), "guild-1", "acct-1", token))

	// The write never landed, so the next observation is genuine drift and
	// must re-arm instead of being dropped as an echo.
	require.NoError(t, s.Observe(context.Background(), observation("role-top50")))
	assert.Len(t, scheduler.Scheduled, 2)
}

func TestObserve_ReArmLogsWindowReset(t *testing.T) {
	generation := uuid.New()
	repo := completedCacheRepo(generation, "role-champ")
	scheduler := &FakeScheduler{}

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	cfg := testEngineConfig(testCommunity())
	s := NewSupervisor(repo, &FakeGateway{}, scheduler, logger, nil, nil, cfg)

	require.NoError(t, s.Observe(context.Background(), observation("role-top50")))
	assert.Contains(t, buf.String(), "Correction armed")
	assert.NotContains(t, buf.String(), "re-armed")

	buf.Reset()
	require.NoError(t, s.Observe(context.Background(), observation()))
	assert.Contains(t, buf.String(), "re-armed, stabilization window reset")
}

func TestShutdown_CancelsPendingCorrections(t *testing.T) {
	generation := uuid.New()
	repo := completedCacheRepo(generation, "role-champ")
	scheduler := &FakeScheduler{}
	s := newTestSupervisor(repo, &FakeGateway{}, scheduler)

	require.NoError(t, s.Observe(context.Background(), observation("role-top50")))
	require.Len(t, scheduler.Scheduled, 1)

	s.Shutdown(context.Background())
	assert.Equal(t, []int64{scheduler.Scheduled[0].JobID}, scheduler.Cancelled)

	// The fired job is now stale.
	require.NoError(t, s.CorrectAccount(context.Background(), "guild-1", "acct-1", scheduler.Scheduled[0].Token))
}
