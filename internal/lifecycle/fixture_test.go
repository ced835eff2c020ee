package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/canvas"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/cycle"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/moderation"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/pricing"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var testEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

const (
	testWeek          = 7 * 24 * time.Hour
	testWeeklyBonus   = 25
	testVoteReward    = 100
	testRewardCooling = 2
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

type lifecycleFixture struct {
	manager *Manager
	engine  *canvas.Engine
	store   *canvas.Store
	ledger  *ledger.Ledger
	gate    *moderation.Gate
	guard   *cycle.Guard
	db      *gorm.DB
	clock   *testClock
}

func newLifecycleFixture(t *testing.T) lifecycleFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:lifecycle_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(
		&ledger.Account{}, &ledger.Entry{},
		&moderation.Report{}, &moderation.Freeze{},
		&canvas.Pixel{}, &canvas.PlacementRecord{}, &canvas.CycleContribution{},
		&CycleState{}, &Archive{}, &ArchiveContributor{}, &Vote{}, &VoteRewardRun{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := &testClock{now: testEpoch.Add(2 * 24 * time.Hour)}
	ids := &sequenceIDGenerator{}
	accounts, err := ledger.New(ledger.Config{Database: db, Clock: clock.Now, IDProvider: ids, LockWait: time.Second})
	if err != nil {
		t.Fatalf("failed to construct ledger: %v", err)
	}
	schedule, _ := cycle.NewSchedule(testEpoch, testWeek)
	votes, _ := cycle.NewSchedule(testEpoch, 4*testWeek)

	initial, err := LoadCycle(context.Background(), db, schedule, clock.Now())
	if err != nil {
		t.Fatalf("failed to load cycle: %v", err)
	}
	guard := cycle.NewGuard(initial)
	store, err := canvas.NewStore(db)
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	gate, err := moderation.NewGate(context.Background(), moderation.Config{
		Database:   db,
		Ledger:     accounts,
		Guard:      guard,
		Owners:     store,
		IDProvider: ids,
		Clock:      clock.Now,
		Threshold:  3,
		AdmitWait:  time.Second,
	})
	if err != nil {
		t.Fatalf("failed to construct gate: %v", err)
	}
	policy, err := pricing.NewPolicy(pricing.DefaultConfig())
	if err != nil {
		t.Fatalf("failed to construct pricing policy: %v", err)
	}
	engine, err := canvas.NewEngine(canvas.EngineConfig{
		Database: db,
		Store:    store,
		Ledger:   accounts,
		Gate:     gate,
		Guard:    guard,
		Pricing:  policy,
		Clock:    clock.Now,
		LockWait: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}
	manager, err := NewManager(Config{
		Database:                  db,
		Store:                     store,
		Ledger:                    accounts,
		Gate:                      gate,
		Guard:                     guard,
		Schedule:                  schedule,
		VoteSchedule:              votes,
		VoteGrace:                 testWeek,
		TopContributors:           3,
		WeeklyBonusAmount:         testWeeklyBonus,
		WeeklyBonusTopN:           2,
		VoteRewardAmount:          testVoteReward,
		VoteRewardCooldownPeriods: testRewardCooling,
		Clock:                     clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to construct manager: %v", err)
	}
	return lifecycleFixture{
		manager: manager,
		engine:  engine,
		store:   store,
		ledger:  accounts,
		gate:    gate,
		guard:   guard,
		db:      db,
		clock:   clock,
	}
}

func (f lifecycleFixture) fund(t *testing.T, user string, amount int64) {
	t.Helper()
	if _, err := f.ledger.Grant(context.Background(), ledger.UserID(user), amount, ""); err != nil {
		t.Fatalf("grant %s: %v", user, err)
	}
}

func (f lifecycleFixture) balance(t *testing.T, user string) int64 {
	t.Helper()
	account, err := f.ledger.Account(context.Background(), ledger.UserID(user))
	if err != nil {
		t.Fatalf("account %s: %v", user, err)
	}
	return account.Balance
}

func (f lifecycleFixture) place(t *testing.T, user string, x, y int, color string) {
	t.Helper()
	if _, err := f.engine.Place(context.Background(), canvas.PlaceRequest{UserID: user, X: x, Y: y, Color: color}); err != nil {
		t.Fatalf("place %s at %d,%d: %v", user, x, y, err)
	}
}

func (f lifecycleFixture) countArchives(t *testing.T) int64 {
	t.Helper()
	var count int64
	if err := f.db.Model(&Archive{}).Count(&count).Error; err != nil {
		t.Fatalf("count archives: %v", err)
	}
	return count
}
