package board

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/canvas"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/database"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/lifecycle"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/moderation"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/pixel"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

type sequenceIDGenerator struct {
	mu   sync.Mutex
	next int
}

func (g *sequenceIDGenerator) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return fmt.Sprintf("id-%06d", g.next), nil
}

func newTestService(t *testing.T, mutate func(*Settings), logger *zap.Logger) (*Service, *testClock, *gorm.DB) {
	t.Helper()

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "board.db"), nil)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	settings := DefaultSettings()
	settings.Moderation.Threshold = 2
	settings.Lifecycle.WeeklyBonusAmount = 5
	if mutate != nil {
		mutate(&settings)
	}
	clock := &testClock{now: settings.Lifecycle.Epoch.Add(24 * time.Hour)}
	service, err := New(context.Background(), Dependencies{
		Database:   db,
		Settings:   settings,
		Clock:      clock.Now,
		IDProvider: &sequenceIDGenerator{},
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service, clock, db
}

func TestNewRequiresDatabase(t *testing.T) {
	if _, err := New(context.Background(), Dependencies{}); !errors.Is(err, errMissingDatabase) {
		t.Fatalf("expected missing database error, got %v", err)
	}
}

func TestNewRejectsInvalidSettings(t *testing.T) {
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "board.db"), nil)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	settings := DefaultSettings()
	settings.Lifecycle.CycleLength = 0
	if _, err := New(context.Background(), Dependencies{Database: db, Settings: settings}); err == nil {
		t.Fatalf("expected invalid cycle length to fail")
	}
}

func TestServicePlaceSnapshotAndArchive(t *testing.T) {
	service, clock, _ := newTestService(t, nil, nil)
	ctx := context.Background()

	if _, err := service.Grant(ctx, "alice", 200, "signup:alice"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	quote, err := service.QuotePrice(ctx, "alice", 10, 20)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	placed, err := service.Place(ctx, canvas.PlaceRequest{UserID: "alice", X: 10, Y: 20, Color: "#00ff00", QuotedPrice: &quote.Cost})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if placed.Cost != quote.Cost || placed.Color != "#00FF00" {
		t.Fatalf("unexpected placement %+v for quote %+v", placed, quote)
	}

	grid, err := service.CanvasSnapshot(ctx, nil)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if grid.ColorAt(10, 20) != "#00FF00" || grid.ColorAt(0, 0) != pixel.BlankColor {
		t.Fatalf("unexpected live grid %+v", grid.Cells)
	}

	summary, err := service.Account(ctx, "alice")
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if summary.Account.Balance != 200-placed.Cost || len(summary.Recent) != 2 {
		t.Fatalf("unexpected account summary %+v", summary)
	}

	boundary := service.CurrentCycle().EndsAt.Add(time.Second)
	clock.Set(boundary)
	report, err := service.RunLifecycleTick(ctx, boundary)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if !report.Rolled || report.ArchivedCycleID != 0 || service.CurrentCycle().ID != 1 {
		t.Fatalf("unexpected tick report %+v", report)
	}

	live, err := service.CanvasSnapshot(ctx, nil)
	if err != nil {
		t.Fatalf("live snapshot: %v", err)
	}
	if len(live.Cells) != 0 {
		t.Fatalf("expected blank board after rollover, got %d cells", len(live.Cells))
	}
	archivedID := int64(0)
	archived, err := service.CanvasSnapshot(ctx, &archivedID)
	if err != nil {
		t.Fatalf("archived snapshot: %v", err)
	}
	if archived.ColorAt(10, 20) != "#00FF00" {
		t.Fatalf("expected archived pixel, got %+v", archived.Cells)
	}
	future := int64(9)
	if _, err := service.CanvasSnapshot(ctx, &future); !errors.Is(err, lifecycle.ErrArchiveNotFound) {
		t.Fatalf("expected archive not found, got %v", err)
	}

	leaders, err := service.Leaderboard(ctx, &archivedID, 5)
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	if len(leaders) != 1 || leaders[0].UserID != "alice" {
		t.Fatalf("unexpected leaderboard %+v", leaders)
	}
	if _, err := service.Leaderboard(ctx, &future, 5); !errors.Is(err, lifecycle.ErrArchiveNotFound) {
		t.Fatalf("expected archive not found, got %v", err)
	}

	archives, err := service.ListArchives(ctx, 10)
	if err != nil {
		t.Fatalf("list archives: %v", err)
	}
	if len(archives) != 1 || archives[0].CycleID != 0 {
		t.Fatalf("unexpected archives %+v", archives)
	}
	if _, err := service.CastVote(ctx, "alice", 0); err != nil {
		t.Fatalf("vote: %v", err)
	}
}

func TestServiceReportFreezeAndModeratorClear(t *testing.T) {
	service, _, _ := newTestService(t, func(settings *Settings) {
		settings.Moderation.ClearPolicy = moderation.ClearByModerator
	}, nil)
	ctx := context.Background()

	if _, err := service.Grant(ctx, "owner", 100, ""); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if _, err := service.Place(ctx, canvas.PlaceRequest{UserID: "owner", X: 5, Y: 5, Color: "#112233"}); err != nil {
		t.Fatalf("place: %v", err)
	}
	for _, reporter := range []string{"r1", "r2"} {
		if _, err := service.EnsureAccount(ctx, reporter); err != nil {
			t.Fatalf("ensure account: %v", err)
		}
		if _, err := service.FileReport(ctx, reporter, 5, 5, "offensive"); err != nil {
			t.Fatalf("report: %v", err)
		}
	}
	if _, err := service.FileReport(ctx, " ", 5, 5, ""); !errors.Is(err, ledger.ErrInvalidUserID) {
		t.Fatalf("expected invalid user id, got %v", err)
	}

	status, err := service.ModerationStatus(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.BoardFrozen || status.ReportsThisCycle != 2 {
		t.Fatalf("unexpected status %+v", status)
	}
	if _, err := service.Place(ctx, canvas.PlaceRequest{UserID: "owner", X: 6, Y: 6, Color: "#112233"}); !errors.Is(err, canvas.ErrBoardFrozen) {
		t.Fatalf("expected frozen board, got %v", err)
	}

	cleared, err := service.ClearFreeze(ctx, "board")
	if err != nil || !cleared {
		t.Fatalf("expected freeze cleared, got %v %v", cleared, err)
	}
	if _, err := service.Place(ctx, canvas.PlaceRequest{UserID: "owner", X: 6, Y: 6, Color: "#112233"}); err != nil {
		t.Fatalf("place after clear: %v", err)
	}
}

func TestServiceResumesPersistedCycle(t *testing.T) {
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "board.db"), nil)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	settings := DefaultSettings()
	clock := &testClock{now: settings.Lifecycle.Epoch.Add(time.Hour)}
	first, err := New(context.Background(), Dependencies{Database: db, Settings: settings, Clock: clock.Now})
	if err != nil {
		t.Fatalf("first service: %v", err)
	}
	clock.Set(settings.Lifecycle.Epoch.Add(3 * settings.Lifecycle.CycleLength))
	second, err := New(context.Background(), Dependencies{Database: db, Settings: settings, Clock: clock.Now})
	if err != nil {
		t.Fatalf("second service: %v", err)
	}
	if first.CurrentCycle().ID != 0 || second.CurrentCycle().ID != 0 {
		t.Fatalf("expected persisted cycle 0 until a tick rolls it, got %d and %d", first.CurrentCycle().ID, second.CurrentCycle().ID)
	}
}

func TestServiceLogsGrants(t *testing.T) {
	core, recorded := observer.New(zap.InfoLevel)
	service, _, _ := newTestService(t, nil, zap.New(core))

	if _, err := service.Grant(context.Background(), "alice", 10, ""); err != nil {
		t.Fatalf("grant: %v", err)
	}
	entries := recorded.FilterMessage("credits granted").All()
	if len(entries) != 1 {
		t.Fatalf("expected one grant log, got %d", len(entries))
	}
	if entries[0].ContextMap()["user_id"] != "alice" {
		t.Fatalf("unexpected log fields %+v", entries[0].ContextMap())
	}
}
