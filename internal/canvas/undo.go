package canvas

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/cycle"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/pixel"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/pricing"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/serviceerror"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const undoPruneEvery = 256

// undoTracker keeps the clock reading taken at each recent placement so the undo
// window is measured on the monotonic clock. After a restart the tracker is empty
// and the persisted wall-clock time is used instead.
type undoTracker struct {
	mu       sync.Mutex
	window   time.Duration
	placedAt map[int64]time.Time
	inserts  int
}

func newUndoTracker(window time.Duration) *undoTracker {
	return &undoTracker{window: window, placedAt: make(map[int64]time.Time)}
}

func (u *undoTracker) remember(recordID int64, at time.Time) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.placedAt[recordID] = at
	u.inserts++
	if u.inserts%undoPruneEvery != 0 {
		return
	}
	for id, placed := range u.placedAt {
		if at.Sub(placed) > u.window {
			delete(u.placedAt, id)
		}
	}
}

func (u *undoTracker) elapsed(recordID int64, now time.Time) (time.Duration, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	placed, ok := u.placedAt[recordID]
	if !ok {
		return 0, false
	}
	return now.Sub(placed), true
}

func (u *undoTracker) forget(recordID int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.placedAt, recordID)
}

// UndoResult describes a committed undo.
type UndoResult struct {
	RecordID         int64
	CycleID          int64
	X                int
	Y                int
	RestoredColor    pixel.Color
	RestoredRecordID int64
	Charged          int64
	Refunded         int64
	Balance          int64
}

type undoTarget struct {
	state      cycle.State
	userID     ledger.UserID
	coordinate pixel.Coordinate
	now        time.Time
}

// Undo reverts the caller's active placement at (x, y) if it is still inside the
// undo window. The pixel returns to the placement it replaced, or to blank.
func (e *Engine) Undo(ctx context.Context, rawUserID string, x, y int) (result UndoResult, err error) {
	defer func() { undoAttempts.WithLabelValues(outcomeLabel(err)).Inc() }()

	coordinate, err := pixel.NewCoordinate(x, y)
	if err != nil {
		return UndoResult{}, serviceerror.New(opUndo, "invalid_coordinate", err)
	}
	userID, err := ledger.NewUserID(rawUserID)
	if err != nil {
		return UndoResult{}, serviceerror.New(opUndo, "invalid_user_id", err)
	}

	now := e.clock()
	state, leave, err := e.guard.Enter(now)
	if err != nil {
		return UndoResult{}, serviceerror.New(opUndo, "cycle_rolling", err)
	}
	defer leave()

	release, err := e.admit(ctx, opUndo, coordinate)
	if err != nil {
		return UndoResult{}, err
	}
	defer release()

	target := undoTarget{state: state, userID: userID, coordinate: coordinate, now: now}
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err = e.tryUndo(ctx, target)
		if !errors.Is(err, errStaleSequence) {
			break
		}
		casRetries.Inc()
	}
	if errors.Is(err, errStaleSequence) {
		return UndoResult{}, serviceerror.New(opUndo, "conflict", fmt.Errorf("%w: %w", ErrConflict, err))
	}
	if err != nil {
		return UndoResult{}, err
	}
	e.undo.forget(result.RecordID)
	return result, nil
}

func (e *Engine) tryUndo(ctx context.Context, target undoTarget) (UndoResult, error) {
	releasePixel, err := e.lockPixel(ctx, opUndo, target.state.ID, target.coordinate)
	if err != nil {
		return UndoResult{}, err
	}
	defer releasePixel()

	releaseAccount, err := e.lockAccount(ctx, opUndo, target.userID)
	if err != nil {
		return UndoResult{}, err
	}
	defer releaseAccount()

	var result UndoResult
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := e.store.pixelTx(tx, target.state.ID, target.coordinate)
		if err != nil {
			e.logError(opUndo, "pixel_select_failed", err, zap.String("user_id", target.userID.String()))
			return serviceerror.New(opUndo, "pixel_select_failed", err)
		}
		if current == nil || current.ActiveRecordID == 0 {
			return serviceerror.New(opUndo, "not_eligible", fmt.Errorf("%w: pixel %s is blank", ErrNotEligible, target.coordinate.Key()))
		}
		record, err := e.store.recordTx(tx, current.ActiveRecordID)
		if err != nil {
			e.logError(opUndo, "record_select_failed", err, zap.Int64("record_id", current.ActiveRecordID))
			return serviceerror.New(opUndo, "record_select_failed", err)
		}
		if record.UserID != target.userID.String() || record.Undone || record.Superseded {
			return serviceerror.New(opUndo, "not_eligible", fmt.Errorf("%w: record %d is not yours to undo", ErrNotEligible, record.RecordID))
		}
		elapsed := e.elapsedSince(record, target.now)
		if elapsed > e.pricing.UndoWindow() {
			return serviceerror.New(opUndo, "not_eligible", fmt.Errorf("%w: window closed %s ago", ErrNotEligible, elapsed-e.pricing.UndoWindow()))
		}

		contribution, err := e.store.contributionTx(tx, target.state.ID, target.userID)
		if err != nil {
			e.logError(opUndo, "contribution_select_failed", err, zap.String("user_id", target.userID.String()))
			return serviceerror.New(opUndo, "contribution_select_failed", err)
		}
		penalty := e.pricing.UndoCost(pricing.UndoInput{
			OriginalCost: record.Cost,
			Elapsed:      elapsed,
			PriorUndos:   contribution.Undos,
		})
		refund := e.pricing.UndoRefund(record.Cost)

		restored := Pixel{
			CycleID: target.state.ID,
			X:       target.coordinate.X,
			Y:       target.coordinate.Y,
			Color:   pixel.BlankColor.String(),
			Seq:     current.Seq,
		}
		if record.PreviousRecordID != 0 {
			previous, err := e.store.recordTx(tx, record.PreviousRecordID)
			if err != nil {
				e.logError(opUndo, "previous_select_failed", err, zap.Int64("record_id", record.PreviousRecordID))
				return serviceerror.New(opUndo, "previous_select_failed", err)
			}
			restored.Color = previous.Color
			restored.OwnerID = previous.UserID
			restored.PlacedAtMillis = previous.PlacedAtMillis
			restored.ActiveRecordID = previous.RecordID
			restored.IsAd = previous.IsAd
		}
		swapped, err := e.store.swapPixelTx(tx, current, restored)
		if err != nil {
			e.logError(opUndo, "pixel_swap_failed", err, zap.String("user_id", target.userID.String()))
			return serviceerror.New(opUndo, "pixel_swap_failed", err)
		}
		if !swapped {
			return errStaleSequence
		}
		if restored.ActiveRecordID != 0 {
			if err := e.store.setSupersededTx(tx, restored.ActiveRecordID, false); err != nil {
				e.logError(opUndo, "reinstate_failed", err, zap.Int64("record_id", restored.ActiveRecordID))
				return serviceerror.New(opUndo, "reinstate_failed", err)
			}
		}

		placementID := record.RecordID
		if refund > 0 {
			if _, err := e.ledger.CreditTx(tx, ledger.Posting{
				UserID:      target.userID,
				Amount:      refund,
				Reason:      ledger.ReasonUndoRefundPartial,
				CycleID:     target.state.ID,
				PlacementID: &placementID,
				Reference:   fmt.Sprintf("undo-refund:%d", record.RecordID),
			}); err != nil {
				return err
			}
		}
		charged, err := e.ledger.ChargeClampedTx(tx, ledger.Posting{
			UserID:      target.userID,
			Amount:      penalty,
			Reason:      ledger.ReasonUndoPenalty,
			CycleID:     target.state.ID,
			PlacementID: &placementID,
			Reference:   fmt.Sprintf("undo-penalty:%d", record.RecordID),
		})
		if err != nil {
			return err
		}
		if err := e.store.markUndoneTx(tx, record.RecordID, target.now.UTC(), charged); err != nil {
			if errors.Is(err, errStaleSequence) {
				return err
			}
			e.logError(opUndo, "record_update_failed", err, zap.Int64("record_id", record.RecordID))
			return serviceerror.New(opUndo, "record_update_failed", err)
		}
		if err := e.store.bumpContributionTx(tx, target.state.ID, target.userID, -1, 1, target.now.UTC()); err != nil {
			e.logError(opUndo, "contribution_failed", err, zap.String("user_id", target.userID.String()))
			return serviceerror.New(opUndo, "contribution_failed", err)
		}
		account, err := e.ledger.AccountTx(tx, target.userID)
		if err != nil {
			return err
		}

		result = UndoResult{
			RecordID:         record.RecordID,
			CycleID:          target.state.ID,
			X:                target.coordinate.X,
			Y:                target.coordinate.Y,
			RestoredColor:    pixel.Color(restored.Color),
			RestoredRecordID: restored.ActiveRecordID,
			Charged:          charged,
			Refunded:         refund,
			Balance:          account.Balance,
		}
		return nil
	})
	if err != nil {
		return UndoResult{}, err
	}
	return result, nil
}

func (e *Engine) elapsedSince(record *PlacementRecord, now time.Time) time.Duration {
	if elapsed, ok := e.undo.elapsed(record.RecordID, now); ok {
		return elapsed
	}
	return now.Sub(time.UnixMilli(record.PlacedAtMillis))
}
