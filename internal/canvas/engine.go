// Package canvas owns the cycle grid and the placement engine that mutates it.
package canvas

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/cycle"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/keylock"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/moderation"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/pixel"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/pricing"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/serviceerror"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingStore  = errors.New("canvas store is required")
	errMissingLedger = errors.New("ledger is required")
	errMissingGate   = errors.New("moderation gate is required")
	errMissingGuard  = errors.New("cycle guard is required")
	errMissingPolicy = errors.New("pricing policy is required")
	noOpLogger       = zap.NewNop()
)

const (
	opEngineNew = "canvas.new"
	opPlace     = "canvas.place"
	opUndo      = "canvas.undo"
	opQuote     = "canvas.quote"

	defaultLockWait = 250 * time.Millisecond
	maxAttempts     = 2
)

// QuotePolicy governs how a stale client quote is treated.
type QuotePolicy struct {
	// RequireReconfirm rejects placements whose price rose by more than ReconfirmDelta.
	RequireReconfirm bool
	ReconfirmDelta   int64
}

// EngineConfig wires the placement engine.
type EngineConfig struct {
	Database *gorm.DB
	Store    *Store
	Ledger   *ledger.Ledger
	Gate     *moderation.Gate
	Guard    *cycle.Guard
	Pricing  pricing.Policy
	Quote    QuotePolicy
	Clock    func() time.Time
	Logger   *zap.Logger
	LockWait time.Duration
}

// Engine validates, prices and applies placements and undos. Locks are taken in a
// fixed order: cycle guard, moderation gate, pixel, account, then the transaction.
type Engine struct {
	db          *gorm.DB
	store       *Store
	ledger      *ledger.Ledger
	gate        *moderation.Gate
	guard       *cycle.Guard
	pricing     pricing.Policy
	quotePolicy QuotePolicy
	clock       func() time.Time
	logger      *zap.Logger
	lockWait    time.Duration
	pixelLocks  *keylock.Locker
	undo        *undoTracker
}

// NewEngine validates cfg and constructs an Engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	switch {
	case cfg.Database == nil:
		return nil, serviceerror.New(opEngineNew, "missing_database", errMissingDatabase)
	case cfg.Store == nil:
		return nil, serviceerror.New(opEngineNew, "missing_store", errMissingStore)
	case cfg.Ledger == nil:
		return nil, serviceerror.New(opEngineNew, "missing_ledger", errMissingLedger)
	case cfg.Gate == nil:
		return nil, serviceerror.New(opEngineNew, "missing_gate", errMissingGate)
	case cfg.Guard == nil:
		return nil, serviceerror.New(opEngineNew, "missing_guard", errMissingGuard)
	case cfg.Pricing.UndoWindow() <= 0:
		return nil, serviceerror.New(opEngineNew, "missing_pricing", errMissingPolicy)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	lockWait := cfg.LockWait
	if lockWait <= 0 {
		lockWait = defaultLockWait
	}
	return &Engine{
		db:          cfg.Database,
		store:       cfg.Store,
		ledger:      cfg.Ledger,
		gate:        cfg.Gate,
		guard:       cfg.Guard,
		pricing:     cfg.Pricing,
		quotePolicy: cfg.Quote,
		clock:       clock,
		logger:      logger,
		lockWait:    lockWait,
		pixelLocks:  keylock.New(),
		undo:        newUndoTracker(cfg.Pricing.UndoWindow()),
	}, nil
}

// PlaceRequest is one placement attempt. QuotedPrice is the price the client was
// shown. IsAd declares the pixel as advertising.
type PlaceRequest struct {
	UserID      string
	X           int
	Y           int
	Color       string
	IsAd        bool
	QuotedPrice *int64
}

// PlaceResult describes a committed placement.
type PlaceResult struct {
	RecordID     int64
	CycleID      int64
	X            int
	Y            int
	Color        pixel.Color
	Cost         int64
	WasFree      bool
	IsAd         bool
	Seq          int64
	PriceChanged bool
	Balance      int64
	PlacedAt     time.Time
	UndoDeadline time.Time
}

type placementTarget struct {
	state      cycle.State
	userID     ledger.UserID
	coordinate pixel.Coordinate
	color      pixel.Color
	isAd       bool
	quoted     *int64
	now        time.Time
}

// Place validates, prices and commits a placement.
func (e *Engine) Place(ctx context.Context, request PlaceRequest) (result PlaceResult, err error) {
	defer func() { placementAttempts.WithLabelValues(outcomeLabel(err)).Inc() }()

	coordinate, err := pixel.NewCoordinate(request.X, request.Y)
	if err != nil {
		return PlaceResult{}, serviceerror.New(opPlace, "invalid_coordinate", err)
	}
	color, err := pixel.NewColor(request.Color)
	if err != nil {
		return PlaceResult{}, serviceerror.New(opPlace, "invalid_color", err)
	}
	userID, err := ledger.NewUserID(request.UserID)
	if err != nil {
		return PlaceResult{}, serviceerror.New(opPlace, "invalid_user_id", err)
	}

	now := e.clock()
	state, leave, err := e.guard.Enter(now)
	if err != nil {
		return PlaceResult{}, serviceerror.New(opPlace, "cycle_rolling", err)
	}
	defer leave()

	release, err := e.admit(ctx, opPlace, coordinate)
	if err != nil {
		return PlaceResult{}, err
	}
	defer release()

	target := placementTarget{
		state:      state,
		userID:     userID,
		coordinate: coordinate,
		color:      color,
		isAd:       request.IsAd,
		quoted:     request.QuotedPrice,
		now:        now,
	}
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err = e.tryPlace(ctx, target)
		if !errors.Is(err, errStaleSequence) {
			break
		}
		casRetries.Inc()
	}
	if errors.Is(err, errStaleSequence) {
		return PlaceResult{}, serviceerror.New(opPlace, "conflict", fmt.Errorf("%w: %w", ErrConflict, err))
	}
	if err != nil {
		return PlaceResult{}, err
	}

	e.undo.remember(result.RecordID, now)
	placementCost.Observe(float64(result.Cost))
	return result, nil
}

func (e *Engine) tryPlace(ctx context.Context, target placementTarget) (PlaceResult, error) {
	releasePixel, err := e.lockPixel(ctx, opPlace, target.state.ID, target.coordinate)
	if err != nil {
		return PlaceResult{}, err
	}
	defer releasePixel()

	releaseAccount, err := e.lockAccount(ctx, opPlace, target.userID)
	if err != nil {
		return PlaceResult{}, err
	}
	defer releaseAccount()

	var result PlaceResult
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := e.store.pixelTx(tx, target.state.ID, target.coordinate)
		if err != nil {
			e.logError(opPlace, "pixel_select_failed", err, zap.String("user_id", target.userID.String()))
			return serviceerror.New(opPlace, "pixel_select_failed", err)
		}
		account, err := e.ledger.AccountTx(tx, target.userID)
		if err != nil {
			return err
		}
		quote, err := e.quoteTx(tx, target.state, target.coordinate, target.userID, account, current, target.now)
		if err != nil {
			return err
		}

		priceChanged := false
		if target.quoted != nil && quote.Cost != *target.quoted {
			priceChanged = true
			if e.quotePolicy.RequireReconfirm && quote.Cost-*target.quoted > e.quotePolicy.ReconfirmDelta {
				return serviceerror.New(opPlace, "price_changed",
					fmt.Errorf("%w: quoted %d, now %d", ErrPriceChanged, *target.quoted, quote.Cost))
			}
		}

		var expectedSeq, previousRecordID int64
		if current != nil {
			expectedSeq = current.Seq
			previousRecordID = current.ActiveRecordID
		}
		placedAt := target.now.UTC()
		record := PlacementRecord{
			CycleID:          target.state.ID,
			X:                target.coordinate.X,
			Y:                target.coordinate.Y,
			UserID:           target.userID.String(),
			Color:            target.color.String(),
			Cost:             quote.Cost,
			WasFree:          quote.Free,
			IsAd:             target.isAd,
			PlacedAtMillis:   placedAt.UnixMilli(),
			Seq:              expectedSeq + 1,
			PreviousRecordID: previousRecordID,
		}
		if err := e.store.insertRecordTx(tx, &record); err != nil {
			e.logError(opPlace, "record_insert_failed", err, zap.String("user_id", target.userID.String()))
			return serviceerror.New(opPlace, "record_insert_failed", err)
		}

		swapped, err := e.store.swapPixelTx(tx, current, Pixel{
			CycleID:        target.state.ID,
			X:              target.coordinate.X,
			Y:              target.coordinate.Y,
			Color:          record.Color,
			OwnerID:        record.UserID,
			PlacedAtMillis: record.PlacedAtMillis,
			Seq:            record.Seq,
			ActiveRecordID: record.RecordID,
			IsAd:           record.IsAd,
		})
		if err != nil {
			e.logError(opPlace, "pixel_swap_failed", err, zap.String("user_id", target.userID.String()))
			return serviceerror.New(opPlace, "pixel_swap_failed", err)
		}
		if !swapped {
			return errStaleSequence
		}
		if previousRecordID != 0 {
			if err := e.store.setSupersededTx(tx, previousRecordID, true); err != nil {
				e.logError(opPlace, "supersede_failed", err, zap.Int64("record_id", previousRecordID))
				return serviceerror.New(opPlace, "supersede_failed", err)
			}
		}

		placementID := record.RecordID
		if err := e.ledger.DebitTx(tx, ledger.Posting{
			UserID:      target.userID,
			Amount:      quote.Cost,
			Reason:      ledger.ReasonPlacement,
			CycleID:     target.state.ID,
			PlacementID: &placementID,
		}); err != nil {
			return err
		}
		if err := e.store.bumpContributionTx(tx, target.state.ID, target.userID, 1, 0, placedAt); err != nil {
			e.logError(opPlace, "contribution_failed", err, zap.String("user_id", target.userID.String()))
			return serviceerror.New(opPlace, "contribution_failed", err)
		}
		counters := ledger.Counters{}
		if !quote.Free {
			counters.LifetimePlacements = 1
		}
		if coversAd(current) && !target.isAd {
			counters.AdViolations = 1
		}
		if counters != (ledger.Counters{}) {
			if err := e.ledger.BumpCountersTx(tx, target.userID, counters); err != nil {
				return err
			}
		}

		result = PlaceResult{
			RecordID:     record.RecordID,
			CycleID:      target.state.ID,
			X:            target.coordinate.X,
			Y:            target.coordinate.Y,
			Color:        target.color,
			Cost:         quote.Cost,
			WasFree:      quote.Free,
			IsAd:         record.IsAd,
			Seq:          record.Seq,
			PriceChanged: priceChanged,
			Balance:      account.Balance - quote.Cost,
			PlacedAt:     placedAt,
			UndoDeadline: placedAt.Add(e.pricing.UndoWindow()),
		}
		return nil
	})
	if err != nil {
		return PlaceResult{}, err
	}
	return result, nil
}

// Quote prices a placement for the user at (x, y) without mutating anything.
func (e *Engine) Quote(ctx context.Context, rawUserID string, x, y int) (pricing.Quote, error) {
	coordinate, err := pixel.NewCoordinate(x, y)
	if err != nil {
		return pricing.Quote{}, serviceerror.New(opQuote, "invalid_coordinate", err)
	}
	userID, err := ledger.NewUserID(rawUserID)
	if err != nil {
		return pricing.Quote{}, serviceerror.New(opQuote, "invalid_user_id", err)
	}
	now := e.clock()
	state, leave, err := e.guard.Enter(now)
	if err != nil {
		return pricing.Quote{}, serviceerror.New(opQuote, "cycle_rolling", err)
	}
	defer leave()

	var quote pricing.Quote
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := e.store.pixelTx(tx, state.ID, coordinate)
		if err != nil {
			return serviceerror.New(opQuote, "pixel_select_failed", err)
		}
		account, err := e.ledger.AccountTx(tx, userID)
		if err != nil {
			return err
		}
		quote, err = e.quoteTx(tx, state, coordinate, userID, account, current, now)
		return err
	})
	if err != nil {
		return pricing.Quote{}, err
	}
	return quote, nil
}

func (e *Engine) quoteTx(tx *gorm.DB, state cycle.State, coordinate pixel.Coordinate, userID ledger.UserID, account ledger.Account, current *Pixel, now time.Time) (pricing.Quote, error) {
	contribution, err := e.store.contributionTx(tx, state.ID, userID)
	if err != nil {
		e.logError(opQuote, "contribution_select_failed", err, zap.String("user_id", userID.String()))
		return pricing.Quote{}, serviceerror.New(opQuote, "contribution_select_failed", err)
	}
	input := pricing.PlacementInput{
		UserCyclePlacements:    contribution.Placements,
		UserLifetimePlacements: account.LifetimePlacements,
		CycleRemaining:         state.EndsAt.Sub(now),
	}
	if current != nil {
		input.PixelSeq = current.Seq
		if current.ActiveRecordID != 0 {
			input.PixelPainted = true
			input.PixelIsAd = current.IsAd
			input.SinceLastPaint = now.Sub(time.UnixMilli(current.PlacedAtMillis))
		}
	}
	if capSeq, ok := e.pricing.CapSeq(); ok {
		saturated, err := e.store.pixelsAtSeqTx(tx, state.ID, capSeq)
		if err != nil {
			e.logError(opQuote, "cap_select_failed", err)
			return pricing.Quote{}, serviceerror.New(opQuote, "cap_select_failed", err)
		}
		input.PixelsAtCap = saturated
	}
	if e.pricing.Config().FreeIdleAfter > 0 {
		last, found, err := e.store.lastPlacementTx(tx, state.ID)
		if err != nil {
			e.logError(opQuote, "idle_select_failed", err)
			return pricing.Quote{}, serviceerror.New(opQuote, "idle_select_failed", err)
		}
		if !found {
			last = state.StartedAt
		}
		input.BoardIdle = now.Sub(last)
	}
	return e.pricing.Quote(input), nil
}

// coversAd reports whether the pixel's active placement is an ad. Painting over
// one without declaring an ad counts as an ad violation.
func coversAd(current *Pixel) bool {
	return current != nil && current.ActiveRecordID != 0 && current.IsAd
}

func (e *Engine) admit(ctx context.Context, operation string, coordinate pixel.Coordinate) (func(), error) {
	release, err := e.gate.Admit(ctx, coordinate)
	if errors.Is(err, moderation.ErrBoardFrozen) {
		return nil, serviceerror.New(operation, "board_frozen", err)
	}
	if errors.Is(err, moderation.ErrGateBusy) {
		return nil, serviceerror.New(operation, "conflict", fmt.Errorf("%w: %w", ErrConflict, err))
	}
	if err != nil {
		return nil, serviceerror.New(operation, "admit_failed", err)
	}
	return release, nil
}

func (e *Engine) lockPixel(ctx context.Context, operation string, cycleID int64, coordinate pixel.Coordinate) (func(), error) {
	key := fmt.Sprintf("%d:%s", cycleID, coordinate.Key())
	release, err := e.pixelLocks.Acquire(ctx, key, e.lockWait)
	if errors.Is(err, keylock.ErrTimeout) {
		return nil, serviceerror.New(operation, "conflict", fmt.Errorf("%w: pixel %s busy", ErrConflict, coordinate.Key()))
	}
	if err != nil {
		return nil, serviceerror.New(operation, "cancelled", err)
	}
	return release, nil
}

func (e *Engine) lockAccount(ctx context.Context, operation string, userID ledger.UserID) (func(), error) {
	release, err := e.ledger.Lock(ctx, userID)
	if errors.Is(err, ledger.ErrAccountBusy) {
		return nil, serviceerror.New(operation, "conflict", fmt.Errorf("%w: %w", ErrConflict, err))
	}
	if err != nil {
		return nil, err
	}
	return release, nil
}

func (e *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	e.logger.Error("canvas engine error", attrs...)
}
