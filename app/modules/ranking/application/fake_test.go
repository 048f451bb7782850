package rankingservice

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	playersdb "github.com/tourneykit/rankbot/app/modules/players/infrastructure/repositories"
	rankingevents "github.com/tourneykit/rankbot/app/modules/ranking/domain/events"
	rankingdb "github.com/tourneykit/rankbot/app/modules/ranking/infrastructure/repositories"
	"github.com/tourneykit/rankbot/app/shared"
	"github.com/uptrace/bun"
)

// FakeRankingRepo is a hand-rolled fake for rankingdb.Repository.
type FakeRankingRepo struct {
	GetTournamentFunc     func(ctx context.Context, db bun.IDB, tournamentID int64) (*rankingdb.Tournament, error)
	UpsertTournamentFunc  func(ctx context.Context, db bun.IDB, t *rankingdb.Tournament) error
	ReplaceRowsFunc       func(ctx context.Context, db bun.IDB, tournamentID int64, rows []rankingdb.TournamentRow) error
	ClaimNextFunc         func(ctx context.Context, db bun.IDB, maxRetries int, hierarchy []string) (*rankingdb.Tournament, error)
	RowsByWaveDescFunc    func(ctx context.Context, db bun.IDB, tournamentID int64) ([]rankingdb.TournamentRow, error)
	UpdatePositionsFunc   func(ctx context.Context, db bun.IDB, updates []rankingdb.PositionUpdate) (int, error)
	MarkDirtyFunc         func(ctx context.Context, db bun.IDB, tournamentID int64) error
	MarkDirtyByPlayersFunc func(ctx context.Context, db bun.IDB, playerIDs []shared.PlayerID) (int64, error)
	ReportFailureFunc     func(ctx context.Context, db bun.IDB, tournamentID int64, maxRetries int) error
	MarkSucceededFunc     func(ctx context.Context, db bun.IDB, tournamentID int64, at time.Time) error
	ResetFailedFunc       func(ctx context.Context, db bun.IDB, maxRetries int) (int64, error)
	QueueStatusFunc       func(ctx context.Context, db bun.IDB, maxRetries int, hierarchy []string) (*rankingdb.QueueStatus, error)
}

func (f *FakeRankingRepo) GetTournament(ctx context.Context, db bun.IDB, tournamentID int64) (*rankingdb.Tournament, error) {
	if f.GetTournamentFunc != nil {
		return f.GetTournamentFunc(ctx, db, tournamentID)
	}
	return nil, rankingdb.ErrNotFound
}

func (f *FakeRankingRepo) UpsertTournament(ctx context.Context, db bun.IDB, t *rankingdb.Tournament) error {
	if f.UpsertTournamentFunc != nil {
		return f.UpsertTournamentFunc(ctx, db, t)
	}
	return nil
}

func (f *FakeRankingRepo) ReplaceRows(ctx context.Context, db bun.IDB, tournamentID int64, rows []rankingdb.TournamentRow) error {
	if f.ReplaceRowsFunc != nil {
		return f.ReplaceRowsFunc(ctx, db, tournamentID, rows)
	}
	return nil
}

func (f *FakeRankingRepo) ClaimNext(ctx context.Context, db bun.IDB, maxRetries int, hierarchy []string) (*rankingdb.Tournament, error) {
	if f.ClaimNextFunc != nil {
		return f.ClaimNextFunc(ctx, db, maxRetries, hierarchy)
	}
	return nil, rankingdb.ErrQueueEmpty
}

func (f *FakeRankingRepo) RowsByWaveDesc(ctx context.Context, db bun.IDB, tournamentID int64) ([]rankingdb.TournamentRow, error) {
	if f.RowsByWaveDescFunc != nil {
		return f.RowsByWaveDescFunc(ctx, db, tournamentID)
	}
	return nil, nil
}

func (f *FakeRankingRepo) UpdatePositions(ctx context.Context, db bun.IDB, updates []rankingdb.PositionUpdate) (int, error) {
	if f.UpdatePositionsFunc != nil {
		return f.UpdatePositionsFunc(ctx, db, updates)
	}
	return len(updates), nil
}

func (f *FakeRankingRepo) MarkDirty(ctx context.Context, db bun.IDB, tournamentID int64) error {
	if f.MarkDirtyFunc != nil {
		return f.MarkDirtyFunc(ctx, db, tournamentID)
	}
	return nil
}

func (f *FakeRankingRepo) MarkDirtyByPlayers(ctx context.Context, db bun.IDB, playerIDs []shared.PlayerID) (int64, error) {
	if f.MarkDirtyByPlayersFunc != nil {
		return f.MarkDirtyByPlayersFunc(ctx, db, playerIDs)
	}
	return 0, nil
}

func (f *FakeRankingRepo) ReportFailure(ctx context.Context, db bun.IDB, tournamentID int64, maxRetries int) error {
	if f.ReportFailureFunc != nil {
		return f.ReportFailureFunc(ctx, db, tournamentID, maxRetries)
	}
	return nil
}

func (f *FakeRankingRepo) MarkSucceeded(ctx context.Context, db bun.IDB, tournamentID int64, at time.Time) error {
	if f.MarkSucceededFunc != nil {
		return f.MarkSucceededFunc(ctx, db, tournamentID, at)
	}
	return nil
}

func (f *FakeRankingRepo) ResetFailed(ctx context.Context, db bun.IDB, maxRetries int) (int64, error) {
	if f.ResetFailedFunc != nil {
		return f.ResetFailedFunc(ctx, db, maxRetries)
	}
	return 0, nil
}

func (f *FakeRankingRepo) QueueStatus(ctx context.Context, db bun.IDB, maxRetries int, hierarchy []string) (*rankingdb.QueueStatus, error) {
	if f.QueueStatusFunc != nil {
		return f.QueueStatusFunc(ctx, db, maxRetries, hierarchy)
	}
	return &rankingdb.QueueStatus{}, nil
}

// FakePlayersRepo is a hand-rolled fake for playersdb.Repository.
type FakePlayersRepo struct {
	UpsertIdentityFunc    func(ctx context.Context, db bun.IDB, identity *playersdb.PlayerIdentity) error
	AccountLinksFunc      func(ctx context.Context, db bun.IDB, communityID shared.CommunityID, accountID shared.AccountID) ([]shared.PlayerID, error)
	ListAccountsFunc      func(ctx context.Context, db bun.IDB, communityID shared.CommunityID) ([]playersdb.AccountLink, error)
	AccountsForPlayerFunc func(ctx context.Context, db bun.IDB, playerID shared.PlayerID) ([]playersdb.AccountLink, error)
	LinkAccountFunc       func(ctx context.Context, db bun.IDB, link *playersdb.AccountLink) error
	UnlinkAccountFunc     func(ctx context.Context, db bun.IDB, communityID shared.CommunityID, accountID shared.AccountID, playerID shared.PlayerID) error
	SetModerationFlagFunc func(ctx context.Context, db bun.IDB, flag *playersdb.ModerationFlag, on bool) (bool, error)
	FlagsForPlayerFunc    func(ctx context.Context, db bun.IDB, playerID shared.PlayerID) ([]playersdb.ModerationFlag, error)
	GetExclusionsFunc     func(ctx context.Context, db bun.IDB, foldShunned bool) (shared.ExclusionSet, error)
	InstanceGroupFunc     func(ctx context.Context, db bun.IDB, playerIDs []shared.PlayerID) ([]shared.PlayerID, error)
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
		Banned:     shared.IDSet{},
		Suspicious: shared.IDSet{},
		Shunned:    shared.IDSet{},
	}, nil
}

// FakeService is a hand-rolled fake for the ranking Service interface.
type FakeService struct {
	IngestTournamentFunc    func(ctx context.Context) error
	ProcessNextFunc         func(ctx context.Context) (*RecalcOutcome, error)
	MarkDirtyForPlayersFunc func(ctx context.Context, playerIDs []shared.PlayerID) (int64, error)
	ForceRecalculateFunc    func(ctx context.Context, tournamentID int64) error
	QueueStatusFunc         func(ctx context.Context) (*rankingdb.QueueStatus, error)
	ResetFailedFunc         func(ctx context.Context) (int64, error)
}

func (f *FakeService) IngestTournament(ctx context.Context, _ *rankingevents.TournamentIngestedPayloadV1, _ []rankingdb.TournamentRow) error {
	if f.IngestTournamentFunc != nil {
		return f.IngestTournamentFunc(ctx)
	}
	return nil
}

func (f *FakeService) ProcessNext(ctx context.Context) (*RecalcOutcome, error) {
	if f.ProcessNextFunc != nil {
		return f.ProcessNextFunc(ctx)
	}
	return nil, rankingdb.ErrQueueEmpty
}

func (f *FakeService) MarkDirtyForPlayers(ctx context.Context, playerIDs []shared.PlayerID) (int64, error) {
	if f.MarkDirtyForPlayersFunc != nil {
		return f.MarkDirtyForPlayersFunc(ctx, playerIDs)
	}
	return 0, nil
}

func (f *FakeService) ForceRecalculate(ctx context.Context, tournamentID int64) error {
	if f.ForceRecalculateFunc != nil {
		return f.ForceRecalculateFunc(ctx, tournamentID)
	}
	return nil
}

func (f *FakeService) QueueStatus(ctx context.Context) (*rankingdb.QueueStatus, error) {
	if f.QueueStatusFunc != nil {
		return f.QueueStatusFunc(ctx)
	}
	return &rankingdb.QueueStatus{}, nil
}

func (f *FakeService) ResetFailed(ctx context.Context) (int64, error) {
	if f.ResetFailedFunc != nil {
		return f.ResetFailedFunc(ctx)
	}
	return 0, nil
}

// FakePublisher captures published messages.
type FakePublisher struct {
	Published map[string][]*message.Message
	Err       error
}

func (f *FakePublisher) Publish(topic string, messages ...*message.Message) error {
	if f.Err != nil {
		return f.Err
	}
	if f.Published == nil {
		f.Published = make(map[string][]*message.Message)
	}
	f.Published[topic] = append(f.Published[topic], messages...)
	return nil
}

func (f *FakePublisher) Close() error { return nil }
