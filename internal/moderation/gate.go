// Package moderation counts reports and halts board mutation once a threshold is reached.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/cycle"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/pixel"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/serviceerror"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingLedger     = errors.New("ledger is required")
	errMissingGuard      = errors.New("cycle guard is required")
	errMissingOwners     = errors.New("owner lookup is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

const (
	opGateNew    = "moderation.new"
	opAdmit      = "moderation.admit"
	opFileReport = "moderation.file_report"
	opClear      = "moderation.clear"
	opReset      = "moderation.reset_for_cycle"
	opStatus     = "moderation.status"

	admitPollInterval = 2 * time.Millisecond
	maxReasonLength   = 500

	defaultThreshold  = 2500
	defaultRegionSize = 32
	defaultAdmitWait  = 250 * time.Millisecond
)

// OwnerLookup resolves who currently owns a pixel. An empty owner means blank.
type OwnerLookup interface {
	PixelOwner(ctx context.Context, cycleID int64, coordinate pixel.Coordinate) (string, error)
}

// Config wires the gate dependencies and policies.
type Config struct {
	Database    *gorm.DB
	Ledger      *ledger.Ledger
	Guard       *cycle.Guard
	Owners      OwnerLookup
	IDProvider  ledger.IDProvider
	Clock       func() time.Time
	Logger      *zap.Logger
	Scope       Scope
	ClearPolicy ClearPolicy
	RegionSize  int
	Threshold   int64
	AdmitWait   time.Duration
}

// Gate admits mutations while their scope is open. Admission holds the shared
// side of mu; every freeze transition holds the exclusive side, so once a freeze
// is recorded no admitted mutation is still in flight.
type Gate struct {
	db          *gorm.DB
	ledger      *ledger.Ledger
	guard       *cycle.Guard
	owners      OwnerLookup
	idProvider  ledger.IDProvider
	clock       func() time.Time
	logger      *zap.Logger
	scope       Scope
	clearPolicy ClearPolicy
	regionSize  int
	threshold   int64
	admitWait   time.Duration

	mu     sync.RWMutex
	frozen map[string]Freeze
}

// NewGate validates cfg and loads persisted freezes.
func NewGate(ctx context.Context, cfg Config) (*Gate, error) {
	switch {
	case cfg.Database == nil:
		return nil, serviceerror.New(opGateNew, "missing_database", errMissingDatabase)
	case cfg.Ledger == nil:
		return nil, serviceerror.New(opGateNew, "missing_ledger", errMissingLedger)
	case cfg.Guard == nil:
		return nil, serviceerror.New(opGateNew, "missing_guard", errMissingGuard)
	case cfg.Owners == nil:
		return nil, serviceerror.New(opGateNew, "missing_owner_lookup", errMissingOwners)
	case cfg.IDProvider == nil:
		return nil, serviceerror.New(opGateNew, "missing_id_provider", errMissingIDProvider)
	}

	gate := &Gate{
		db:          cfg.Database,
		ledger:      cfg.Ledger,
		guard:       cfg.Guard,
		owners:      cfg.Owners,
		idProvider:  cfg.IDProvider,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		scope:       cfg.Scope,
		clearPolicy: cfg.ClearPolicy,
		regionSize:  cfg.RegionSize,
		threshold:   cfg.Threshold,
		admitWait:   cfg.AdmitWait,
		frozen:      make(map[string]Freeze),
	}
	if gate.clock == nil {
		gate.clock = time.Now
	}
	if gate.logger == nil {
		gate.logger = noOpLogger
	}
	if gate.scope == "" {
		gate.scope = ScopeBoard
	}
	if gate.clearPolicy == "" {
		gate.clearPolicy = ClearBoth
	}
	if gate.regionSize <= 0 {
		gate.regionSize = defaultRegionSize
	}
	if gate.threshold <= 0 {
		gate.threshold = defaultThreshold
	}
	if gate.admitWait <= 0 {
		gate.admitWait = defaultAdmitWait
	}

	var freezes []Freeze
	if err := cfg.Database.WithContext(ctx).Find(&freezes).Error; err != nil {
		gate.logError(opGateNew, "load_freezes_failed", err)
		return nil, serviceerror.New(opGateNew, "load_freezes_failed", err)
	}
	for _, freeze := range freezes {
		gate.frozen[freeze.ScopeKey] = freeze
	}
	frozenScopes.Set(float64(len(gate.frozen)))
	return gate, nil
}

// Admit obtains shared admission for a mutation at coordinate. The release function
// must be called once the mutation has committed or failed.
func (g *Gate) Admit(ctx context.Context, coordinate pixel.Coordinate) (func(), error) {
	deadline := time.Now().Add(g.admitWait)
	for !g.mu.TryRLock() {
		if !time.Now().Before(deadline) {
			return nil, serviceerror.New(opAdmit, "timeout", ErrGateBusy)
		}
		select {
		case <-ctx.Done():
			return nil, serviceerror.New(opAdmit, "cancelled", ctx.Err())
		case <-time.After(admitPollInterval):
		}
	}
	if key, frozen := g.frozenKeyLocked(coordinate); frozen {
		g.mu.RUnlock()
		return nil, serviceerror.New(opAdmit, "frozen", fmt.Errorf("%w: %s", ErrBoardFrozen, key))
	}
	return g.mu.RUnlock, nil
}

// IsFrozen reports whether mutations at coordinate are currently halted.
func (g *Gate) IsFrozen(coordinate pixel.Coordinate) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, frozen := g.frozenKeyLocked(coordinate)
	return frozen
}

// ReportRequest is one report submission.
type ReportRequest struct {
	UserID ledger.UserID
	X      int
	Y      int
	Reason string
}

// ReportOutcome describes the effect of an accepted report.
type ReportOutcome struct {
	ReportID  string
	CycleID   int64
	ScopeKey  string
	Count     int64
	Threshold int64
	Frozen    bool
	FrozeNow  bool
}

// FileReport records a report. Reports are accepted while frozen. Reaching the
// threshold for the configured scope freezes it.
func (g *Gate) FileReport(ctx context.Context, request ReportRequest) (ReportOutcome, error) {
	coordinate, err := pixel.NewCoordinate(request.X, request.Y)
	if err != nil {
		return ReportOutcome{}, serviceerror.New(opFileReport, "invalid_coordinate", err)
	}
	reason := strings.TrimSpace(request.Reason)
	if len(reason) > maxReasonLength {
		return ReportOutcome{}, serviceerror.New(opFileReport, "invalid_reason", fmt.Errorf("%w: exceeds %d characters", ErrInvalidReason, maxReasonLength))
	}

	now := g.clock()
	state, leave, err := g.guard.Enter(now)
	if err != nil {
		return ReportOutcome{}, serviceerror.New(opFileReport, "cycle_rolling", err)
	}
	defer leave()

	owner, err := g.owners.PixelOwner(ctx, state.ID, coordinate)
	if err != nil {
		g.logError(opFileReport, "owner_lookup_failed", err, zap.Int64("cycle_id", state.ID))
		return ReportOutcome{}, serviceerror.New(opFileReport, "owner_lookup_failed", err)
	}
	reportID, err := g.idProvider.NewID()
	if err != nil {
		g.logError(opFileReport, "id_generation_failed", err)
		return ReportOutcome{}, serviceerror.New(opFileReport, "id_generation_failed", err)
	}

	scopeKey := g.scopeKey(coordinate)
	report := Report{
		ReportID:         reportID,
		CycleID:          state.ID,
		X:                coordinate.X,
		Y:                coordinate.Y,
		RegionKey:        g.regionKey(coordinate),
		ReporterID:       request.UserID.String(),
		OwnerID:          owner,
		Reason:           reason,
		CreatedAtSeconds: now.UTC().Unix(),
	}

	var (
		count  int64
		freeze Freeze
	)
	err = g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := g.ledger.BumpCountersTx(tx, request.UserID, ledger.Counters{ReportsGiven: 1}); err != nil {
			return err
		}
		if owner != "" {
			if err := g.ledger.BumpCountersTx(tx, ledger.UserID(owner), ledger.Counters{ReportsReceived: 1}); err != nil {
				return err
			}
		}
		if err := tx.Create(&report).Error; err != nil {
			g.logError(opFileReport, "insert_failed", err, zap.String("user_id", request.UserID.String()))
			return serviceerror.New(opFileReport, "insert_failed", err)
		}
		counted, err := g.countReports(tx, state.ID, coordinate)
		if err != nil {
			g.logError(opFileReport, "count_failed", err, zap.Int64("cycle_id", state.ID))
			return serviceerror.New(opFileReport, "count_failed", err)
		}
		count = counted
		if count < g.threshold {
			return nil
		}
		freeze = Freeze{ScopeKey: scopeKey, CycleID: state.ID, ReportCount: count, FrozenAtSeconds: now.UTC().Unix()}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&freeze).Error; err != nil {
			g.logError(opFileReport, "freeze_insert_failed", err, zap.String("scope_key", scopeKey))
			return serviceerror.New(opFileReport, "freeze_insert_failed", err)
		}
		return nil
	})
	if err != nil {
		return ReportOutcome{}, err
	}
	reportsTotal.Inc()

	outcome := ReportOutcome{
		ReportID:  reportID,
		CycleID:   state.ID,
		ScopeKey:  scopeKey,
		Count:     count,
		Threshold: g.threshold,
	}
	if count >= g.threshold {
		outcome.FrozeNow = g.engage(freeze)
	}
	outcome.Frozen = g.IsFrozen(coordinate)
	return outcome, nil
}

// Clear lifts the freeze on scopeKey by moderator action. It reports whether a
// freeze existed.
func (g *Gate) Clear(ctx context.Context, scopeKey string) (bool, error) {
	if g.clearPolicy == ClearOnCycle {
		return false, serviceerror.New(opClear, "not_allowed", ErrClearNotAllowed)
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	result := g.db.WithContext(ctx).Where("scope_key = ?", scopeKey).Delete(&Freeze{})
	if result.Error != nil {
		g.logError(opClear, "delete_failed", result.Error, zap.String("scope_key", scopeKey))
		return false, serviceerror.New(opClear, "delete_failed", result.Error)
	}
	_, existed := g.frozen[scopeKey]
	delete(g.frozen, scopeKey)
	frozenScopes.Set(float64(len(g.frozen)))
	if existed {
		freezeTransitions.WithLabelValues("cleared").Inc()
		g.logger.Info("moderation freeze cleared", zap.String("scope_key", scopeKey))
	}
	return existed, nil
}

// ResetForCycle removes persisted freezes inside tx when the clear policy lifts
// freezes at the cycle boundary. The returned function applies the change to the
// in-memory state and must be called only after tx commits.
func (g *Gate) ResetForCycle(tx *gorm.DB, nextCycleID int64) (func(), error) {
	if g.clearPolicy == ClearByModerator {
		return func() {}, nil
	}
	if err := tx.Where("1 = 1").Delete(&Freeze{}).Error; err != nil {
		g.logError(opReset, "delete_failed", err, zap.Int64("cycle_id", nextCycleID))
		return nil, serviceerror.New(opReset, "delete_failed", err)
	}
	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		if len(g.frozen) > 0 {
			freezeTransitions.WithLabelValues("cycle_reset").Add(float64(len(g.frozen)))
		}
		g.frozen = make(map[string]Freeze)
		frozenScopes.Set(0)
	}, nil
}

// Status summarizes the gate for the current cycle.
type Status struct {
	CycleID          int64
	Scope            Scope
	ClearPolicy      ClearPolicy
	Threshold        int64
	BoardFrozen      bool
	ReportsThisCycle int64
	Freezes          []Freeze
}

// Status reports frozen scopes and the current cycle's report count.
func (g *Gate) Status(ctx context.Context) (Status, error) {
	state := g.guard.Current()
	var count int64
	if err := g.db.WithContext(ctx).Model(&Report{}).Where("cycle_id = ?", state.ID).Count(&count).Error; err != nil {
		g.logError(opStatus, "count_failed", err, zap.Int64("cycle_id", state.ID))
		return Status{}, serviceerror.New(opStatus, "count_failed", err)
	}

	g.mu.RLock()
	freezes := make([]Freeze, 0, len(g.frozen))
	for _, freeze := range g.frozen {
		freezes = append(freezes, freeze)
	}
	_, boardFrozen := g.frozen[boardScopeKey]
	g.mu.RUnlock()
	sort.Slice(freezes, func(i, j int) bool { return freezes[i].ScopeKey < freezes[j].ScopeKey })

	return Status{
		CycleID:          state.ID,
		Scope:            g.scope,
		ClearPolicy:      g.clearPolicy,
		Threshold:        g.threshold,
		BoardFrozen:      boardFrozen,
		ReportsThisCycle: count,
		Freezes:          freezes,
	}, nil
}

// engage halts mutations in freeze's scope once its row is committed. It
// waits for admitted mutations to finish and reports whether the scope was
// open before.
func (g *Gate) engage(freeze Freeze) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, already := g.frozen[freeze.ScopeKey]; already {
		return false
	}
	g.frozen[freeze.ScopeKey] = freeze
	frozenScopes.Set(float64(len(g.frozen)))
	freezeTransitions.WithLabelValues("frozen").Inc()
	g.logger.Warn("moderation freeze engaged",
		zap.String("scope_key", freeze.ScopeKey),
		zap.Int64("cycle_id", freeze.CycleID),
		zap.Int64("reports", freeze.ReportCount))
	return true
}

func (g *Gate) countReports(tx *gorm.DB, cycleID int64, coordinate pixel.Coordinate) (int64, error) {
	query := tx.Model(&Report{}).Where("cycle_id = ?", cycleID)
	switch g.scope {
	case ScopeRegion:
		query = query.Where("region_key = ?", g.regionKey(coordinate))
	case ScopePixel:
		query = query.Where("x = ? AND y = ?", coordinate.X, coordinate.Y)
	}
	var count int64
	err := query.Count(&count).Error
	return count, err
}

func (g *Gate) frozenKeyLocked(coordinate pixel.Coordinate) (string, bool) {
	if _, ok := g.frozen[boardScopeKey]; ok {
		return boardScopeKey, true
	}
	regionKey := g.regionKey(coordinate)
	if _, ok := g.frozen[regionKey]; ok {
		return regionKey, true
	}
	pixelKey := pixelScopeKey(coordinate)
	if _, ok := g.frozen[pixelKey]; ok {
		return pixelKey, true
	}
	return "", false
}

func (g *Gate) scopeKey(coordinate pixel.Coordinate) string {
	switch g.scope {
	case ScopeRegion:
		return g.regionKey(coordinate)
	case ScopePixel:
		return pixelScopeKey(coordinate)
	default:
		return boardScopeKey
	}
}

func (g *Gate) regionKey(coordinate pixel.Coordinate) string {
	rx, ry := coordinate.Region(g.regionSize)
	return fmt.Sprintf("region:%d:%d", rx, ry)
}

func pixelScopeKey(coordinate pixel.Coordinate) string {
	return "pixel:" + coordinate.Key()
}

func (g *Gate) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	g.logger.Error("moderation error", attrs...)
}
