// Package lifecycle rolls the board over at cycle boundaries: it archives the
// finished grid, opens the next cycle, pays weekly bonuses and runs the monthly vote reward.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/canvas"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/cycle"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/moderation"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/serviceerror"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingStore    = errors.New("canvas store is required")
	errMissingLedger   = errors.New("ledger is required")
	errMissingGate     = errors.New("moderation gate is required")
	errMissingGuard    = errors.New("cycle guard is required")
	noOpLogger         = zap.NewNop()
)

const (
	opManagerNew = "lifecycle.new"
	opLoadCycle  = "lifecycle.load_cycle"
	opTick       = "lifecycle.tick"
	opArchive    = "lifecycle.archive"
	opOpenCycle  = "lifecycle.open_cycle"

	tickFlightKey          = "tick"
	defaultTopContributors = 10
)

// Config wires the lifecycle manager.
type Config struct {
	Database *gorm.DB
	Store    *canvas.Store
	Ledger   *ledger.Ledger
	Gate     *moderation.Gate
	Guard    *cycle.Guard
	// Schedule defines board cycles; VoteSchedule defines vote periods.
	Schedule     cycle.Schedule
	VoteSchedule cycle.Schedule
	// VoteGrace delays the tally of a vote period so the last archive in it can be voted on.
	VoteGrace time.Duration

	TopContributors           int
	WeeklyBonusAmount         int64
	WeeklyBonusTopN           int
	VoteRewardAmount          int64
	VoteRewardCooldownPeriods int64

	Clock  func() time.Time
	Logger *zap.Logger
}

// Manager performs the idempotent cycle rollover and vote reward.
type Manager struct {
	db       *gorm.DB
	store    *canvas.Store
	ledger   *ledger.Ledger
	gate     *moderation.Gate
	guard    *cycle.Guard
	schedule cycle.Schedule
	votes    cycle.Schedule
	config   Config
	clock    func() time.Time
	logger   *zap.Logger
	flight   singleflight.Group
}

// NewManager validates cfg and constructs a Manager.
func NewManager(cfg Config) (*Manager, error) {
	switch {
	case cfg.Database == nil:
		return nil, serviceerror.New(opManagerNew, "missing_database", errMissingDatabase)
	case cfg.Store == nil:
		return nil, serviceerror.New(opManagerNew, "missing_store", errMissingStore)
	case cfg.Ledger == nil:
		return nil, serviceerror.New(opManagerNew, "missing_ledger", errMissingLedger)
	case cfg.Gate == nil:
		return nil, serviceerror.New(opManagerNew, "missing_gate", errMissingGate)
	case cfg.Guard == nil:
		return nil, serviceerror.New(opManagerNew, "missing_guard", errMissingGuard)
	case cfg.Schedule.Length <= 0 || cfg.VoteSchedule.Length <= 0:
		return nil, serviceerror.New(opManagerNew, "invalid_schedule", fmt.Errorf("lifecycle: cycle and vote schedules are required"))
	}
	if cfg.TopContributors <= 0 {
		cfg.TopContributors = defaultTopContributors
	}
	if cfg.WeeklyBonusTopN < 0 {
		cfg.WeeklyBonusTopN = 0
	}
	if cfg.VoteGrace < 0 {
		cfg.VoteGrace = 0
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Manager{
		db:       cfg.Database,
		store:    cfg.Store,
		ledger:   cfg.Ledger,
		gate:     cfg.Gate,
		guard:    cfg.Guard,
		schedule: cfg.Schedule,
		votes:    cfg.VoteSchedule,
		config:   cfg,
		clock:    clock,
		logger:   logger,
	}, nil
}

// LoadCycle returns the persisted current cycle, creating the state row for the
// cycle containing now on first start.
func LoadCycle(ctx context.Context, db *gorm.DB, schedule cycle.Schedule, now time.Time) (cycle.State, error) {
	initial := schedule.State(schedule.IndexAt(now))
	row := CycleState{
		Singleton:       cycleStateSingleton,
		CycleID:         initial.ID,
		StartedAtMillis: initial.StartedAt.UnixMilli(),
		UpdatedAtMillis: now.UTC().UnixMilli(),
	}
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
			return err
		}
		return tx.Where("singleton = ?", cycleStateSingleton).Take(&row).Error
	})
	if err != nil {
		return cycle.State{}, serviceerror.New(opLoadCycle, "state_failed", err)
	}
	return schedule.State(row.CycleID), nil
}

// TickReport describes what a lifecycle tick did.
type TickReport struct {
	CurrentCycleID  int64
	Rolled          bool
	ArchivedCycleID int64
	ArchiveWritten  bool
	BonusesCredited int
	VoteRewards     []VoteRewardRun
}

// Tick archives and rolls over the cycle when now has passed its end and runs any
// due vote rewards. Repeating a tick for the same instant changes nothing.
// Concurrent calls share one execution.
func (m *Manager) Tick(ctx context.Context, now time.Time) (TickReport, error) {
	value, err, _ := m.flight.Do(tickFlightKey, func() (any, error) {
		return m.tick(ctx, now)
	})
	if err != nil {
		ticksTotal.WithLabelValues("failed").Inc()
		return TickReport{}, err
	}
	report := value.(TickReport)
	if report.Rolled {
		ticksTotal.WithLabelValues("rolled").Inc()
	} else {
		ticksTotal.WithLabelValues("idle").Inc()
	}
	return report, nil
}

func (m *Manager) tick(ctx context.Context, now time.Time) (TickReport, error) {
	report := TickReport{CurrentCycleID: m.guard.Current().ID}
	target := m.schedule.IndexAt(now)

	if target > report.CurrentCycleID {
		next, err := m.guard.Roll(func(current cycle.State) (cycle.State, error) {
			if target <= current.ID {
				return current, nil
			}
			return m.rollover(ctx, current, target, now, &report)
		})
		if err != nil {
			return TickReport{}, err
		}
		report.CurrentCycleID = next.ID
	}

	runs, err := m.rewardPass(ctx, now)
	if err != nil {
		return TickReport{}, err
	}
	report.VoteRewards = runs
	return report, nil
}

func (m *Manager) rollover(ctx context.Context, current cycle.State, target int64, now time.Time, report *TickReport) (cycle.State, error) {
	grid, err := m.store.Snapshot(ctx, current.ID)
	if err != nil {
		m.logError(opArchive, "snapshot_failed", err, zap.Int64("cycle_id", current.ID))
		return current, serviceerror.New(opArchive, "snapshot_failed", err)
	}
	totals, err := m.store.Totals(ctx, current.ID)
	if err != nil {
		m.logError(opArchive, "totals_failed", err, zap.Int64("cycle_id", current.ID))
		return current, serviceerror.New(opArchive, "totals_failed", err)
	}
	leaders, err := m.store.Leaderboard(ctx, current.ID, max(m.config.TopContributors, m.config.WeeklyBonusTopN))
	if err != nil {
		m.logError(opArchive, "leaderboard_failed", err, zap.Int64("cycle_id", current.ID))
		return current, serviceerror.New(opArchive, "leaderboard_failed", err)
	}

	written, err := m.writeArchive(ctx, current, grid, totals, leaders, now)
	if err != nil {
		return current, err
	}

	next := m.schedule.State(target)
	credited, err := m.openCycle(ctx, current, next, leaders, now)
	if err != nil {
		return current, err
	}

	report.Rolled = true
	report.ArchivedCycleID = current.ID
	report.ArchiveWritten = written
	report.BonusesCredited = credited
	m.logger.Info("cycle rolled over",
		zap.Int64("archived_cycle_id", current.ID),
		zap.Int64("cycle_id", next.ID),
		zap.Bool("archive_written", written),
		zap.Int64("total_placements", totals.Placements),
		zap.Int64("unique_contributors", totals.Contributors),
		zap.Int("bonuses_credited", credited))
	return next, nil
}

// writeArchive inserts the archive once. A retry after a failed reset finds the
// row already present and leaves it untouched.
func (m *Manager) writeArchive(ctx context.Context, current cycle.State, grid canvas.Grid, totals canvas.CycleTotals, leaders []canvas.LeaderboardEntry, now time.Time) (bool, error) {
	blob, err := encodeGrid(grid.Cells)
	if err != nil {
		m.logError(opArchive, "encode_failed", err, zap.Int64("cycle_id", current.ID))
		return false, serviceerror.New(opArchive, "encode_failed", err)
	}
	archive := Archive{
		CycleID:            current.ID,
		StartedAtMillis:    current.StartedAt.UnixMilli(),
		EndedAtMillis:      current.EndsAt.UnixMilli(),
		GridBlob:           blob,
		GridCells:          len(grid.Cells),
		TotalPlacements:    totals.Placements,
		UniqueContributors: totals.Contributors,
		ArchivedAtMillis:   now.UTC().UnixMilli(),
	}

	written := false
	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&archive)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		written = true
		limit := min(len(leaders), m.config.TopContributors)
		if limit == 0 {
			return nil
		}
		contributors := make([]ArchiveContributor, 0, limit)
		for _, leader := range leaders[:limit] {
			contributors = append(contributors, ArchiveContributor{
				CycleID:    current.ID,
				Rank:       leader.Rank,
				UserID:     leader.UserID,
				Placements: leader.Placements,
			})
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&contributors).Error
	})
	if err != nil {
		m.logError(opArchive, "insert_failed", err, zap.Int64("cycle_id", current.ID))
		return false, serviceerror.New(opArchive, "insert_failed", err)
	}
	if written {
		archivesWritten.Inc()
		archiveBlobBytes.Observe(float64(len(blob)))
	}
	return written, nil
}

// openCycle advances the persisted cycle state, credits the weekly bonus and
// resets moderation in one transaction.
func (m *Manager) openCycle(ctx context.Context, current, next cycle.State, leaders []canvas.LeaderboardEntry, now time.Time) (int, error) {
	var recipients []ledger.UserID
	if m.config.WeeklyBonusAmount > 0 {
		for _, leader := range leaders[:min(len(leaders), m.config.WeeklyBonusTopN)] {
			recipients = append(recipients, ledger.UserID(leader.UserID))
		}
	}
	sort.Slice(recipients, func(i, j int) bool { return recipients[i] < recipients[j] })
	for _, recipient := range recipients {
		release, err := m.ledger.Lock(ctx, recipient)
		if err != nil {
			return 0, err
		}
		defer release()
	}

	credited := 0
	var applyReset func()
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&CycleState{}).
			Where("singleton = ? AND cycle_id = ?", cycleStateSingleton, current.ID).
			Updates(map[string]any{
				"cycle_id":      next.ID,
				"started_at_ms": next.StartedAt.UnixMilli(),
				"updated_at_ms": now.UTC().UnixMilli(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return errStaleCycleState
		}
		for _, recipient := range recipients {
			applied, err := m.ledger.CreditTx(tx, ledger.Posting{
				UserID:    recipient,
				Amount:    m.config.WeeklyBonusAmount,
				Reason:    ledger.ReasonWeeklyBonus,
				CycleID:   current.ID,
				Reference: fmt.Sprintf("weekly-bonus:%d:%s", current.ID, recipient),
			})
			if err != nil {
				return err
			}
			if applied {
				credited++
			}
		}
		apply, err := m.gate.ResetForCycle(tx, next.ID)
		if err != nil {
			return err
		}
		applyReset = apply
		return nil
	})
	if err != nil {
		m.logError(opOpenCycle, "advance_failed", err, zap.Int64("cycle_id", current.ID))
		return 0, serviceerror.New(opOpenCycle, "advance_failed", err)
	}
	applyReset()
	return credited, nil
}

func (m *Manager) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	m.logger.Error("lifecycle error", attrs...)
}
