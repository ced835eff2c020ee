package canvas

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/cycle"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/moderation"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/pricing"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var testEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(step time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(step)
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

type engineFixture struct {
	engine *Engine
	store  *Store
	ledger *ledger.Ledger
	gate   *moderation.Gate
	guard  *cycle.Guard
	db     *gorm.DB
	clock  *testClock
}

type fixtureOptions struct {
	pricing    func(*pricing.Config)
	moderation func(*moderation.Config)
	quote      QuotePolicy
}

func newEngineFixture(t *testing.T, options fixtureOptions) engineFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:canvas_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
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
		&Pixel{}, &PlacementRecord{}, &CycleContribution{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := &testClock{now: testEpoch.Add(2 * 24 * time.Hour)}
	ids := &sequenceIDGenerator{}
	accounts, err := ledger.New(ledger.Config{Database: db, Clock: clock.Now, IDProvider: ids, LockWait: time.Second})
	if err != nil {
		t.Fatalf("failed to construct ledger: %v", err)
	}
	schedule, _ := cycle.NewSchedule(testEpoch, 7*24*time.Hour)
	guard := cycle.NewGuard(schedule.State(0))
	store, err := NewStore(db)
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}

	gateConfig := moderation.Config{
		Database:   db,
		Ledger:     accounts,
		Guard:      guard,
		Owners:     store,
		IDProvider: ids,
		Clock:      clock.Now,
		Threshold:  50,
		AdmitWait:  time.Second,
	}
	if options.moderation != nil {
		options.moderation(&gateConfig)
	}
	gate, err := moderation.NewGate(context.Background(), gateConfig)
	if err != nil {
		t.Fatalf("failed to construct gate: %v", err)
	}

	pricingConfig := pricing.DefaultConfig()
	pricingConfig.UndoLatePenalty = 0
	if options.pricing != nil {
		options.pricing(&pricingConfig)
	}
	policy, err := pricing.NewPolicy(pricingConfig)
	if err != nil {
		t.Fatalf("failed to construct pricing policy: %v", err)
	}

	engine, err := NewEngine(EngineConfig{
		Database: db,
		Store:    store,
		Ledger:   accounts,
		Gate:     gate,
		Guard:    guard,
		Pricing:  policy,
		Quote:    options.quote,
		Clock:    clock.Now,
		LockWait: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}
	return engineFixture{engine: engine, store: store, ledger: accounts, gate: gate, guard: guard, db: db, clock: clock}
}

func (f engineFixture) fund(t *testing.T, user string, amount int64) {
	t.Helper()
	if _, err := f.ledger.Grant(context.Background(), ledger.UserID(user), amount, ""); err != nil {
		t.Fatalf("grant %s: %v", user, err)
	}
}

func (f engineFixture) balance(t *testing.T, user string) int64 {
	t.Helper()
	account, err := f.ledger.Account(context.Background(), ledger.UserID(user))
	if err != nil {
		t.Fatalf("account %s: %v", user, err)
	}
	return account.Balance
}

func (f engineFixture) assertReconciled(t *testing.T, user string) {
	t.Helper()
	cached, derived, err := f.ledger.Reconcile(context.Background(), ledger.UserID(user))
	if err != nil {
		t.Fatalf("reconcile %s: %v", user, err)
	}
	if cached != derived {
		t.Fatalf("balance drift for %s: cached %d derived %d", user, cached, derived)
	}
	if cached < 0 {
		t.Fatalf("negative balance for %s: %d", user, cached)
	}
}

func int64Pointer(value int64) *int64 {
	return &value
}
