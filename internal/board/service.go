// Package board assembles the canvas, ledger, moderation and lifecycle components
// into the single service the transports call.
package board

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/canvas"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/cycle"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/lifecycle"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/moderation"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/pricing"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/serviceerror"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

const (
	opServiceNew    = "board.new"
	opSnapshot      = "board.snapshot"
	opLeaderboard   = "board.leaderboard"
	opFileReport    = "board.file_report"
	opAccount       = "board.account"
	opGrant         = "board.grant"
	opEnsureAccount = "board.ensure_account"

	accountHistoryLimit = 20
)

// Dependencies wires the board service.
type Dependencies struct {
	Database   *gorm.DB
	Settings   Settings
	Clock      func() time.Time
	IDProvider ledger.IDProvider
	Logger     *zap.Logger
}

// Service is the board's single entry point.
type Service struct {
	ledger    *ledger.Ledger
	store     *canvas.Store
	engine    *canvas.Engine
	gate      *moderation.Gate
	guard     *cycle.Guard
	manager   *lifecycle.Manager
	scheduler *lifecycle.Scheduler
	clock     func() time.Time
	logger    *zap.Logger
}

// New builds the component graph, resuming the persisted cycle.
func New(ctx context.Context, deps Dependencies) (*Service, error) {
	if deps.Database == nil {
		return nil, serviceerror.New(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = noOpLogger
	}
	ids := deps.IDProvider
	if ids == nil {
		ids = ledger.NewUUIDProvider()
	}
	settings := deps.Settings

	schedule, err := cycle.NewSchedule(settings.Lifecycle.Epoch, settings.Lifecycle.CycleLength)
	if err != nil {
		return nil, serviceerror.New(opServiceNew, "invalid_cycle_schedule", err)
	}
	votes, err := cycle.NewSchedule(settings.Lifecycle.Epoch, settings.Lifecycle.VoteCycleLength)
	if err != nil {
		return nil, serviceerror.New(opServiceNew, "invalid_vote_schedule", err)
	}
	policy, err := pricing.NewPolicy(settings.Pricing)
	if err != nil {
		return nil, serviceerror.New(opServiceNew, "invalid_pricing", err)
	}

	accounts, err := ledger.New(ledger.Config{
		Database:   deps.Database,
		Clock:      clock,
		IDProvider: ids,
		Logger:     logger.Named("ledger"),
		LockWait:   settings.LockWait,
	})
	if err != nil {
		return nil, err
	}
	initial, err := lifecycle.LoadCycle(ctx, deps.Database, schedule, clock())
	if err != nil {
		return nil, err
	}
	guard := cycle.NewGuard(initial)
	store, err := canvas.NewStore(deps.Database)
	if err != nil {
		return nil, err
	}
	gate, err := moderation.NewGate(ctx, moderation.Config{
		Database:    deps.Database,
		Ledger:      accounts,
		Guard:       guard,
		Owners:      store,
		IDProvider:  ids,
		Clock:       clock,
		Logger:      logger.Named("moderation"),
		Scope:       settings.Moderation.Scope,
		ClearPolicy: settings.Moderation.ClearPolicy,
		RegionSize:  settings.Moderation.RegionSize,
		Threshold:   settings.Moderation.Threshold,
		AdmitWait:   settings.LockWait,
	})
	if err != nil {
		return nil, err
	}
	engine, err := canvas.NewEngine(canvas.EngineConfig{
		Database: deps.Database,
		Store:    store,
		Ledger:   accounts,
		Gate:     gate,
		Guard:    guard,
		Pricing:  policy,
		Quote:    settings.Quote,
		Clock:    clock,
		Logger:   logger.Named("canvas"),
		LockWait: settings.LockWait,
	})
	if err != nil {
		return nil, err
	}
	lifecycleLogger := logger.Named("lifecycle")
	manager, err := lifecycle.NewManager(lifecycle.Config{
		Database:                  deps.Database,
		Store:                     store,
		Ledger:                    accounts,
		Gate:                      gate,
		Guard:                     guard,
		Schedule:                  schedule,
		VoteSchedule:              votes,
		VoteGrace:                 settings.Lifecycle.CycleLength,
		TopContributors:           settings.Lifecycle.TopContributors,
		WeeklyBonusAmount:         settings.Lifecycle.WeeklyBonusAmount,
		WeeklyBonusTopN:           settings.Lifecycle.WeeklyBonusTopN,
		VoteRewardAmount:          settings.Lifecycle.VoteRewardAmount,
		VoteRewardCooldownPeriods: settings.Lifecycle.VoteRewardCooldownPeriods,
		Clock:                     clock,
		Logger:                    lifecycleLogger,
	})
	if err != nil {
		return nil, err
	}

	logger.Info("board ready",
		zap.Int64("cycle_id", initial.ID),
		zap.Time("cycle_ends_at", initial.EndsAt))
	return &Service{
		ledger:    accounts,
		store:     store,
		engine:    engine,
		gate:      gate,
		guard:     guard,
		manager:   manager,
		scheduler: lifecycle.NewScheduler(manager, settings.Lifecycle.TickInterval, lifecycleLogger),
		clock:     clock,
		logger:    logger,
	}, nil
}

// Scheduler returns the lifecycle ticker bound to this service.
func (s *Service) Scheduler() *lifecycle.Scheduler {
	return s.scheduler
}

// CurrentCycle reports the cycle accepting placements.
func (s *Service) CurrentCycle() cycle.State {
	return s.guard.Current()
}

// Place commits a placement for the user.
func (s *Service) Place(ctx context.Context, request canvas.PlaceRequest) (canvas.PlaceResult, error) {
	return s.engine.Place(ctx, request)
}

// Undo reverts the user's latest placement at (x, y).
func (s *Service) Undo(ctx context.Context, userID string, x, y int) (canvas.UndoResult, error) {
	return s.engine.Undo(ctx, userID, x, y)
}

// QuotePrice prices a placement without committing it.
func (s *Service) QuotePrice(ctx context.Context, userID string, x, y int) (pricing.Quote, error) {
	return s.engine.Quote(ctx, userID, x, y)
}

// CanvasSnapshot returns the live grid, or an archived grid when cycleID names a
// finished cycle.
func (s *Service) CanvasSnapshot(ctx context.Context, cycleID *int64) (canvas.Grid, error) {
	current := s.guard.Current()
	if cycleID == nil || *cycleID == current.ID {
		return s.store.Snapshot(ctx, current.ID)
	}
	if *cycleID > current.ID || *cycleID < 0 {
		return canvas.Grid{}, serviceerror.New(opSnapshot, "archive_not_found", fmt.Errorf("%w: cycle %d", lifecycle.ErrArchiveNotFound, *cycleID))
	}
	detail, err := s.manager.Archive(ctx, *cycleID)
	if err != nil {
		return canvas.Grid{}, err
	}
	return detail.Grid, nil
}

// Leaderboard ranks contributors of the current cycle, or of cycleID when given.
func (s *Service) Leaderboard(ctx context.Context, cycleID *int64, limit int) ([]canvas.LeaderboardEntry, error) {
	current := s.guard.Current()
	target := current.ID
	if cycleID != nil {
		target = *cycleID
	}
	if target > current.ID || target < 0 {
		return nil, serviceerror.New(opLeaderboard, "archive_not_found", fmt.Errorf("%w: cycle %d", lifecycle.ErrArchiveNotFound, target))
	}
	return s.store.Leaderboard(ctx, target, limit)
}

// FileReport records a report against the pixel at (x, y).
func (s *Service) FileReport(ctx context.Context, rawUserID string, x, y int, reason string) (moderation.ReportOutcome, error) {
	userID, err := ledger.NewUserID(rawUserID)
	if err != nil {
		return moderation.ReportOutcome{}, serviceerror.New(opFileReport, "invalid_user_id", err)
	}
	return s.gate.FileReport(ctx, moderation.ReportRequest{UserID: userID, X: x, Y: y, Reason: reason})
}

// RunLifecycleTick performs one lifecycle step at now.
func (s *Service) RunLifecycleTick(ctx context.Context, now time.Time) (lifecycle.TickReport, error) {
	return s.manager.Tick(ctx, now)
}

// CastVote records the user's vote for an archive.
func (s *Service) CastVote(ctx context.Context, userID string, archiveCycleID int64) (lifecycle.VoteReceipt, error) {
	return s.manager.CastVote(ctx, userID, archiveCycleID)
}

// ListArchives lists the most recent archives.
func (s *Service) ListArchives(ctx context.Context, limit int) ([]lifecycle.ArchiveSummary, error) {
	return s.manager.ListArchives(ctx, limit)
}

// ArchivesForPeriod lists the archives competing in one vote period.
func (s *Service) ArchivesForPeriod(ctx context.Context, period int64) ([]lifecycle.ArchiveSummary, error) {
	return s.manager.ArchivesForPeriod(ctx, period)
}

// Archive loads one archive with its grid.
func (s *Service) Archive(ctx context.Context, cycleID int64) (lifecycle.ArchiveDetail, error) {
	return s.manager.Archive(ctx, cycleID)
}

// AccountSummary is an account with its most recent ledger entries.
type AccountSummary struct {
	Account ledger.Account
	Recent  []ledger.Entry
}

// EnsureAccount opens the user's account on first sight.
func (s *Service) EnsureAccount(ctx context.Context, rawUserID string) (ledger.Account, error) {
	userID, err := ledger.NewUserID(rawUserID)
	if err != nil {
		return ledger.Account{}, serviceerror.New(opEnsureAccount, "invalid_user_id", err)
	}
	return s.ledger.OpenAccount(ctx, userID)
}

// Account returns the user's balance, counters and recent entries.
func (s *Service) Account(ctx context.Context, rawUserID string) (AccountSummary, error) {
	userID, err := ledger.NewUserID(rawUserID)
	if err != nil {
		return AccountSummary{}, serviceerror.New(opAccount, "invalid_user_id", err)
	}
	account, err := s.ledger.Account(ctx, userID)
	if err != nil {
		return AccountSummary{}, err
	}
	recent, err := s.ledger.History(ctx, userID, accountHistoryLimit)
	if err != nil {
		return AccountSummary{}, err
	}
	return AccountSummary{Account: account, Recent: recent}, nil
}

// Grant credits the user as an operator action.
func (s *Service) Grant(ctx context.Context, rawUserID string, amount int64, reference string) (ledger.Account, error) {
	userID, err := ledger.NewUserID(rawUserID)
	if err != nil {
		return ledger.Account{}, serviceerror.New(opGrant, "invalid_user_id", err)
	}
	account, err := s.ledger.Grant(ctx, userID, amount, reference)
	if err != nil {
		return ledger.Account{}, err
	}
	s.logger.Info("credits granted",
		zap.String("user_id", userID.String()),
		zap.Int64("amount", amount),
		zap.Int64("balance", account.Balance))
	return account, nil
}

// ClearFreeze lifts the freeze on scopeKey by moderator action.
func (s *Service) ClearFreeze(ctx context.Context, scopeKey string) (bool, error) {
	return s.gate.Clear(ctx, scopeKey)
}

// ModerationStatus reports the gate's state.
func (s *Service) ModerationStatus(ctx context.Context) (moderation.Status, error) {
	return s.gate.Status(ctx)
}
