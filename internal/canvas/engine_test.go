package canvas

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/moderation"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/pixel"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/pricing"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/serviceerror"
)

func TestPlaceUndoReplaceScenario(t *testing.T) {
	fixture := newEngineFixture(t, fixtureOptions{})
	ctx := context.Background()
	fixture.fund(t, "user-a", 100)
	fixture.fund(t, "user-b", 100)

	placed, err := fixture.engine.Place(ctx, PlaceRequest{UserID: "user-a", X: 5, Y: 5, Color: "#ff0000"})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if placed.Cost != 10 || placed.Seq != 1 || placed.Balance != 90 {
		t.Fatalf("unexpected placement %+v", placed)
	}
	grid, err := fixture.store.Snapshot(ctx, 0)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if grid.ColorAt(5, 5) != "#FF0000" {
		t.Fatalf("expected red pixel, got %s", grid.ColorAt(5, 5))
	}

	fixture.clock.Advance(2 * time.Minute)
	undone, err := fixture.engine.Undo(ctx, "user-a", 5, 5)
	if err != nil {
		t.Fatalf("undo: %v", err)
	}
	if undone.Charged != 15 || undone.Balance != 75 || undone.RestoredColor != pixel.BlankColor {
		t.Fatalf("unexpected undo %+v", undone)
	}
	record, err := fixture.store.Record(ctx, placed.RecordID)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if !record.Undone || record.UndoCost != 15 {
		t.Fatalf("expected record marked undone, got %+v", record)
	}
	grid, _ = fixture.store.Snapshot(ctx, 0)
	if len(grid.Cells) != 0 || grid.ColorAt(5, 5) != pixel.BlankColor {
		t.Fatalf("expected blank board, got %+v", grid.Cells)
	}

	replaced, err := fixture.engine.Place(ctx, PlaceRequest{UserID: "user-b", X: 5, Y: 5, Color: "#00FF00"})
	if err != nil {
		t.Fatalf("second place: %v", err)
	}
	if replaced.Seq != 2 {
		t.Fatalf("expected sequence 2, got %d", replaced.Seq)
	}
	history, err := fixture.store.History(ctx, 0, pixel.Coordinate{X: 5, Y: 5})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[1].PreviousRecordID != 0 {
		t.Fatalf("new placement must not chain to the undone record: %+v", history)
	}
	fixture.assertReconciled(t, "user-a")
	fixture.assertReconciled(t, "user-b")
}

func TestPlaceRejectsInvalidInputWithoutMutation(t *testing.T) {
	fixture := newEngineFixture(t, fixtureOptions{})
	ctx := context.Background()
	fixture.fund(t, "user-a", 100)

	if _, err := fixture.engine.Place(ctx, PlaceRequest{UserID: "user-a", X: 1024, Y: 0, Color: "#000000"}); !errors.Is(err, ErrInvalidCoordinate) {
		t.Fatalf("expected invalid coordinate, got %v", err)
	}
	if _, err := fixture.engine.Place(ctx, PlaceRequest{UserID: "user-a", X: 0, Y: 0, Color: "blue"}); !errors.Is(err, ErrInvalidColor) {
		t.Fatalf("expected invalid color, got %v", err)
	}
	if _, err := fixture.engine.Place(ctx, PlaceRequest{UserID: "ghost", X: 0, Y: 0, Color: "#000000"}); !errors.Is(err, ErrUnknownAccount) {
		t.Fatalf("expected unknown account, got %v", err)
	}
	if fixture.balance(t, "user-a") != 100 {
		t.Fatalf("balance changed on rejected input")
	}
}

func TestPlaceInsufficientCreditsLeavesStateUnchanged(t *testing.T) {
	fixture := newEngineFixture(t, fixtureOptions{})
	ctx := context.Background()
	fixture.fund(t, "user-a", 9)

	_, err := fixture.engine.Place(ctx, PlaceRequest{UserID: "user-a", X: 1, Y: 1, Color: "#000000"})
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected insufficient credits, got %v", err)
	}
	if code := serviceerror.CodeOf(err); code != "ledger.debit.insufficient_credits" {
		t.Fatalf("unexpected code %q", code)
	}
	grid, _ := fixture.store.Snapshot(ctx, 0)
	if len(grid.Cells) != 0 {
		t.Fatalf("expected no pixel to be written")
	}
	var records int64
	fixture.db.Model(&PlacementRecord{}).Count(&records)
	if records != 0 {
		t.Fatalf("expected no placement record, found %d", records)
	}
	if fixture.balance(t, "user-a") != 9 {
		t.Fatalf("balance changed on rejected placement")
	}
}

func TestRepaintChargesContentionAndSupersedes(t *testing.T) {
	fixture := newEngineFixture(t, fixtureOptions{})
	ctx := context.Background()
	fixture.fund(t, "user-a", 100)
	fixture.fund(t, "user-b", 100)

	first, err := fixture.engine.Place(ctx, PlaceRequest{UserID: "user-a", X: 2, Y: 2, Color: "#111111"})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	fixture.clock.Advance(10 * time.Second)
	second, err := fixture.engine.Place(ctx, PlaceRequest{UserID: "user-b", X: 2, Y: 2, Color: "#222222"})
	if err != nil {
		t.Fatalf("repaint: %v", err)
	}
	if second.Cost != 40 {
		t.Fatalf("expected (10 + 10*1) * 2 for a fast repaint, got %d", second.Cost)
	}
	record, _ := fixture.store.Record(ctx, first.RecordID)
	if !record.Superseded {
		t.Fatalf("expected first record superseded")
	}

	if _, err := fixture.engine.Undo(ctx, "user-a", 2, 2); !errors.Is(err, ErrNotEligible) {
		t.Fatalf("superseded owner must not undo, got %v", err)
	}

	undone, err := fixture.engine.Undo(ctx, "user-b", 2, 2)
	if err != nil {
		t.Fatalf("undo: %v", err)
	}
	if undone.RestoredRecordID != first.RecordID || undone.RestoredColor != "#111111" {
		t.Fatalf("expected previous placement restored, got %+v", undone)
	}
	record, _ = fixture.store.Record(ctx, first.RecordID)
	if record.Superseded {
		t.Fatalf("restored record must be active again")
	}
	owner, err := fixture.store.PixelOwner(ctx, 0, pixel.Coordinate{X: 2, Y: 2})
	if err != nil || owner != "user-a" {
		t.Fatalf("expected user-a to own the pixel again, got %q %v", owner, err)
	}

	if _, err := fixture.engine.Undo(ctx, "user-a", 2, 2); err != nil {
		t.Fatalf("restored owner inside the window may undo: %v", err)
	}
	fixture.assertReconciled(t, "user-a")
	fixture.assertReconciled(t, "user-b")
}

func TestQuoteMismatchAndReconfirm(t *testing.T) {
	fixture := newEngineFixture(t, fixtureOptions{quote: QuotePolicy{RequireReconfirm: true, ReconfirmDelta: 5}})
	ctx := context.Background()
	fixture.fund(t, "user-a", 500)

	quote, err := fixture.engine.Quote(ctx, "user-a", 3, 3)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if quote.Cost != 10 {
		t.Fatalf("unexpected quote %+v", quote)
	}

	cheaper, err := fixture.engine.Place(ctx, PlaceRequest{UserID: "user-a", X: 3, Y: 3, Color: "#333333", QuotedPrice: int64Pointer(12)})
	if err != nil {
		t.Fatalf("place with generous quote: %v", err)
	}
	if !cheaper.PriceChanged || cheaper.Cost != 10 {
		t.Fatalf("expected price change to be reported, got %+v", cheaper)
	}

	_, err = fixture.engine.Place(ctx, PlaceRequest{UserID: "user-a", X: 3, Y: 3, Color: "#444444", QuotedPrice: int64Pointer(10)})
	if !errors.Is(err, ErrPriceChanged) {
		t.Fatalf("expected reconfirmation for a rise of 30, got %v", err)
	}
	if fixture.balance(t, "user-a") != 490 {
		t.Fatalf("rejected placement must not charge")
	}
}

func TestUndoWindowBoundary(t *testing.T) {
	fixture := newEngineFixture(t, fixtureOptions{})
	ctx := context.Background()
	fixture.fund(t, "user-a", 100)

	if _, err := fixture.engine.Place(ctx, PlaceRequest{UserID: "user-a", X: 7, Y: 7, Color: "#777777"}); err != nil {
		t.Fatalf("place: %v", err)
	}
	fixture.clock.Advance(301 * time.Second)
	if _, err := fixture.engine.Undo(ctx, "user-a", 7, 7); !errors.Is(err, ErrNotEligible) {
		t.Fatalf("expected not eligible after window, got %v", err)
	}

	if _, err := fixture.engine.Place(ctx, PlaceRequest{UserID: "user-a", X: 8, Y: 8, Color: "#777777"}); err != nil {
		t.Fatalf("place: %v", err)
	}
	fixture.clock.Advance(300 * time.Second)
	if _, err := fixture.engine.Undo(ctx, "user-a", 8, 8); err != nil {
		t.Fatalf("undo at the window edge must succeed: %v", err)
	}
	if _, err := fixture.engine.Undo(ctx, "user-a", 8, 8); !errors.Is(err, ErrNotEligible) {
		t.Fatalf("blank pixel cannot be undone, got %v", err)
	}
}

func TestUndoFallsBackToWallClockAfterRestart(t *testing.T) {
	fixture := newEngineFixture(t, fixtureOptions{})
	ctx := context.Background()
	fixture.fund(t, "user-a", 100)

	placed, err := fixture.engine.Place(ctx, PlaceRequest{UserID: "user-a", X: 9, Y: 9, Color: "#999999"})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	fixture.engine.undo.forget(placed.RecordID)
	fixture.clock.Advance(400 * time.Second)
	if _, err := fixture.engine.Undo(ctx, "user-a", 9, 9); !errors.Is(err, ErrNotEligible) {
		t.Fatalf("expected wall-clock fallback to close the window, got %v", err)
	}
}

func TestUndoCostEscalatesAndClampsToBalance(t *testing.T) {
	fixture := newEngineFixture(t, fixtureOptions{})
	ctx := context.Background()
	fixture.fund(t, "user-a", 70)

	var previous int64
	for index := 0; index < 3; index++ {
		x := 20 + index
		if _, err := fixture.engine.Place(ctx, PlaceRequest{UserID: "user-a", X: x, Y: 0, Color: "#ABCDEF"}); err != nil {
			t.Fatalf("place %d: %v", index, err)
		}
		undone, err := fixture.engine.Undo(ctx, "user-a", x, 0)
		if err != nil {
			t.Fatalf("undo %d: %v", index, err)
		}
		if undone.Charged < previous && undone.Balance > 0 {
			t.Fatalf("undo cost decreased: %d < %d", undone.Charged, previous)
		}
		previous = undone.Charged
	}
	if balance := fixture.balance(t, "user-a"); balance != 0 {
		t.Fatalf("expected clamped balance 0, got %d", balance)
	}
	fixture.assertReconciled(t, "user-a")
}

func TestFrozenBoardRejectsPlaceAndUndo(t *testing.T) {
	fixture := newEngineFixture(t, fixtureOptions{moderation: func(cfg *moderation.Config) { cfg.Threshold = 50 }})
	ctx := context.Background()
	fixture.fund(t, "user-a", 100)
	if _, err := fixture.engine.Place(ctx, PlaceRequest{UserID: "user-a", X: 10, Y: 10, Color: "#000000"}); err != nil {
		t.Fatalf("place: %v", err)
	}

	var last moderation.ReportOutcome
	for index := 0; index < 50; index++ {
		reporter := fmt.Sprintf("reporter-%02d", index)
		if _, err := fixture.ledger.OpenAccount(ctx, ledger.UserID(reporter)); err != nil {
			t.Fatalf("open account: %v", err)
		}
		outcome, err := fixture.gate.FileReport(ctx, moderation.ReportRequest{UserID: ledger.UserID(reporter), X: 10, Y: 10})
		if err != nil {
			t.Fatalf("report %d: %v", index, err)
		}
		last = outcome
	}
	if !last.FrozeNow {
		t.Fatalf("expected the 50th report to freeze the board, got %+v", last)
	}

	before := fixture.balance(t, "user-a")
	if _, err := fixture.engine.Place(ctx, PlaceRequest{UserID: "user-a", X: 900, Y: 900, Color: "#000000"}); !errors.Is(err, ErrBoardFrozen) {
		t.Fatalf("expected frozen board, got %v", err)
	}
	if _, err := fixture.engine.Undo(ctx, "user-a", 10, 10); !errors.Is(err, ErrBoardFrozen) {
		t.Fatalf("expected frozen board on undo, got %v", err)
	}
	if fixture.balance(t, "user-a") != before {
		t.Fatalf("ledger changed while frozen")
	}
	grid, _ := fixture.store.Snapshot(ctx, 0)
	if len(grid.Cells) != 1 {
		t.Fatalf("canvas changed while frozen: %+v", grid.Cells)
	}
}

func TestConcurrentPlacementsKeepSequenceConsistent(t *testing.T) {
	fixture := newEngineFixture(t, fixtureOptions{pricing: func(cfg *pricing.Config) {
		cfg.Curve = pricing.CurveFlat
		cfg.PixelIncrement = 0
		cfg.RepaintMultiplier = 1
	}})
	ctx := context.Background()
	users := []string{"user-a", "user-b", "user-c", "user-d"}
	for _, user := range users {
		fixture.fund(t, user, 55)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for round := 0; round < 8; round++ {
		for _, user := range users {
			wg.Add(1)
			go func(user string) {
				defer wg.Done()
				_, err := fixture.engine.Place(ctx, PlaceRequest{UserID: user, X: 500, Y: 500, Color: "#123456"})
				if err == nil {
					mu.Lock()
					succeeded++
					mu.Unlock()
					return
				}
				if !errors.Is(err, ErrInsufficientCredits) && !errors.Is(err, ErrConflict) {
					t.Errorf("unexpected error: %v", err)
				}
			}(user)
		}
	}
	wg.Wait()

	history, err := fixture.store.History(ctx, 0, pixel.Coordinate{X: 500, Y: 500})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != succeeded {
		t.Fatalf("expected %d records, got %d", succeeded, len(history))
	}
	active := 0
	for _, record := range history {
		if !record.Superseded && !record.Undone {
			active++
		}
	}
	if active != 1 {
		t.Fatalf("expected exactly one active record, got %d", active)
	}
	grid, _ := fixture.store.Snapshot(ctx, 0)
	if len(grid.Cells) != 1 || grid.Cells[0].Seq != int64(succeeded) {
		t.Fatalf("expected seq %d, got %+v", succeeded, grid.Cells)
	}
	for _, user := range users {
		fixture.assertReconciled(t, user)
	}
}

func TestPlaceRejectedWhileCycleOverdue(t *testing.T) {
	fixture := newEngineFixture(t, fixtureOptions{})
	fixture.fund(t, "user-a", 100)
	fixture.clock.Advance(6 * 24 * time.Hour)
	_, err := fixture.engine.Place(context.Background(), PlaceRequest{UserID: "user-a", X: 1, Y: 1, Color: "#000000"})
	if !errors.Is(err, ErrCycleRolling) {
		t.Fatalf("expected cycle rolling, got %v", err)
	}
}

func TestLeaderboardAndTotals(t *testing.T) {
	fixture := newEngineFixture(t, fixtureOptions{})
	ctx := context.Background()
	fixture.fund(t, "user-a", 1000)
	fixture.fund(t, "user-b", 1000)

	for x := 0; x < 3; x++ {
		if _, err := fixture.engine.Place(ctx, PlaceRequest{UserID: "user-a", X: x, Y: 40, Color: "#010101"}); err != nil {
			t.Fatalf("place: %v", err)
		}
	}
	if _, err := fixture.engine.Place(ctx, PlaceRequest{UserID: "user-b", X: 0, Y: 41, Color: "#020202"}); err != nil {
		t.Fatalf("place: %v", err)
	}
	if _, err := fixture.engine.Undo(ctx, "user-a", 2, 40); err != nil {
		t.Fatalf("undo: %v", err)
	}

	board, err := fixture.store.Leaderboard(ctx, 0, 10)
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	if len(board) != 2 || board[0].UserID != "user-a" || board[0].Placements != 2 || board[0].Undos != 1 {
		t.Fatalf("unexpected leaderboard %+v", board)
	}
	totals, err := fixture.store.Totals(ctx, 0)
	if err != nil {
		t.Fatalf("totals: %v", err)
	}
	if totals.Placements != 3 || totals.Contributors != 2 {
		t.Fatalf("unexpected totals %+v", totals)
	}
}

func TestFreePlacementOnIdleBoard(t *testing.T) {
	fixture := newEngineFixture(t, fixtureOptions{pricing: func(cfg *pricing.Config) {
		cfg.FreeIdleAfter = 30 * time.Minute
		cfg.FreeMaxLifetimePlacements = 500
	}})
	ctx := context.Background()
	fixture.fund(t, "user-a", 100)

	free, err := fixture.engine.Place(ctx, PlaceRequest{UserID: "user-a", X: 1, Y: 1, Color: "#000000"})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if !free.WasFree || free.Cost != 0 {
		t.Fatalf("expected free placement on an idle board, got %+v", free)
	}
	paid, err := fixture.engine.Place(ctx, PlaceRequest{UserID: "user-a", X: 2, Y: 1, Color: "#000000"})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if paid.WasFree || paid.Cost != 10 {
		t.Fatalf("expected paid placement right after activity, got %+v", paid)
	}

	account, err := fixture.ledger.Account(ctx, "user-a")
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if account.LifetimePlacements != 1 {
		t.Fatalf("expected only the paid placement counted, got %d", account.LifetimePlacements)
	}
}

func TestAdOverwriteIsDiscountedAndCountedAsViolation(t *testing.T) {
	fixture := newEngineFixture(t, fixtureOptions{pricing: func(cfg *pricing.Config) {
		cfg.AdOverwriteDiscount = 0.5
	}})
	ctx := context.Background()
	fixture.fund(t, "user-a", 100)
	fixture.fund(t, "user-b", 100)

	ad, err := fixture.engine.Place(ctx, PlaceRequest{UserID: "user-a", X: 3, Y: 3, Color: "#FFCC00", IsAd: true})
	if err != nil {
		t.Fatalf("place ad: %v", err)
	}
	if !ad.IsAd || ad.Cost != 10 {
		t.Fatalf("expected a full-price ad placement, got %+v", ad)
	}

	fixture.clock.Advance(2 * time.Minute)
	cover, err := fixture.engine.Place(ctx, PlaceRequest{UserID: "user-b", X: 3, Y: 3, Color: "#000000"})
	if err != nil {
		t.Fatalf("cover ad: %v", err)
	}
	if cover.Cost != 10 || cover.IsAd {
		t.Fatalf("expected (10 + 10*1) * 0.5 over an ad, got %+v", cover)
	}
	coverer, err := fixture.ledger.Account(ctx, "user-b")
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if coverer.AdViolations != 1 {
		t.Fatalf("expected covering an ad to count a violation, got %d", coverer.AdViolations)
	}
	advertiser, err := fixture.ledger.Account(ctx, "user-a")
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if advertiser.AdViolations != 0 {
		t.Fatalf("expected no violation for the advertiser, got %d", advertiser.AdViolations)
	}

	if _, err := fixture.engine.Undo(ctx, "user-b", 3, 3); err != nil {
		t.Fatalf("undo: %v", err)
	}
	grid, err := fixture.store.Snapshot(ctx, 0)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(grid.Cells) != 1 || !grid.Cells[0].IsAd || grid.Cells[0].OwnerID != "user-a" {
		t.Fatalf("expected the ad restored by undo, got %+v", grid.Cells)
	}
	fixture.assertReconciled(t, "user-b")
}

func TestPriceCapDropsOnceEnoughPixelsSaturate(t *testing.T) {
	fixture := newEngineFixture(t, fixtureOptions{pricing: func(cfg *pricing.Config) {
		cfg.PriceCap = 30
		cfg.LowerPriceCap = 15
		cfg.CapTriggerCount = 1
		cfg.RepaintWindow = 0
	}})
	ctx := context.Background()
	fixture.fund(t, "user-a", 200)

	if _, err := fixture.engine.Place(ctx, PlaceRequest{UserID: "user-a", X: 1, Y: 1, Color: "#111111"}); err != nil {
		t.Fatalf("first place: %v", err)
	}
	before, err := fixture.engine.Quote(ctx, "user-a", 1, 1)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if before.Cost != 20 || before.CapLowered {
		t.Fatalf("expected 10 + 10*1 under the initial cap, got %+v", before)
	}

	if _, err := fixture.engine.Place(ctx, PlaceRequest{UserID: "user-a", X: 1, Y: 1, Color: "#222222"}); err != nil {
		t.Fatalf("second place: %v", err)
	}
	saturated, err := fixture.engine.Quote(ctx, "user-a", 1, 1)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if saturated.Cost != 15 || !saturated.CapLowered || !saturated.Capped {
		t.Fatalf("expected the lowered cap once a pixel saturates, got %+v", saturated)
	}
	fresh, err := fixture.engine.Quote(ctx, "user-a", 9, 9)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if fresh.Cost != 10 {
		t.Fatalf("expected untouched base price on a blank pixel, got %+v", fresh)
	}
}
