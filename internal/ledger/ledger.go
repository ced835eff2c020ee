// Package ledger owns user balances and the append-only entry log that backs them.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/keylock"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/serviceerror"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

const (
	opLedgerNew   = "ledger.new"
	opOpenAccount = "ledger.open_account"
	opGrant       = "ledger.grant"
	opAccount     = "ledger.account"
	opHistory     = "ledger.history"
	opReconcile   = "ledger.reconcile"
	opDebit       = "ledger.debit"
	opCredit      = "ledger.credit"
	opCharge      = "ledger.charge"
	opCounters    = "ledger.counters"
	opLock        = "ledger.lock"

	defaultLockWait     = 250 * time.Millisecond
	defaultHistoryLimit = 100
)

// Config wires the ledger dependencies.
type Config struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
	LockWait   time.Duration
}

// Ledger applies postings to accounts. Callers serialize work on one account with
// Lock and perform the *Tx methods inside their own transaction.
type Ledger struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	locks      *keylock.Locker
	lockWait   time.Duration
}

// New validates cfg and constructs a Ledger.
func New(cfg Config) (*Ledger, error) {
	if cfg.Database == nil {
		return nil, serviceerror.New(opLedgerNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, serviceerror.New(opLedgerNew, "missing_id_provider", errMissingIDProvider)
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
	return &Ledger{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		locks:      keylock.New(),
		lockWait:   lockWait,
	}, nil
}

// Lock serializes balance-changing work on one account. The wait is bounded.
func (l *Ledger) Lock(ctx context.Context, userID UserID) (func(), error) {
	release, err := l.locks.Acquire(ctx, userID.String(), l.lockWait)
	if errors.Is(err, keylock.ErrTimeout) {
		return nil, serviceerror.New(opLock, "timeout", ErrAccountBusy)
	}
	if err != nil {
		return nil, serviceerror.New(opLock, "cancelled", err)
	}
	return release, nil
}

// OpenAccount returns the user's account, creating an empty one on first sight.
func (l *Ledger) OpenAccount(ctx context.Context, userID UserID) (Account, error) {
	now := l.clock().UTC().Unix()
	account := Account{UserID: userID.String(), CreatedAtSeconds: now, UpdatedAtSeconds: now}
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&account).Error; err != nil {
			return err
		}
		return tx.Where("user_id = ?", userID.String()).Take(&account).Error
	})
	if err != nil {
		l.logError(opOpenAccount, "upsert_failed", err, zap.String("user_id", userID.String()))
		return Account{}, serviceerror.New(opOpenAccount, "upsert_failed", err)
	}
	return account, nil
}

// Grant credits amount to the user as an operator action. A non-empty reference
// makes the grant idempotent.
func (l *Ledger) Grant(ctx context.Context, userID UserID, amount int64, reference string) (Account, error) {
	if amount <= 0 {
		return Account{}, serviceerror.New(opGrant, "invalid_amount", ErrInvalidAmount)
	}
	if _, err := l.OpenAccount(ctx, userID); err != nil {
		return Account{}, err
	}
	release, err := l.Lock(ctx, userID)
	if err != nil {
		return Account{}, err
	}
	defer release()

	var account Account
	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := l.CreditTx(tx, Posting{UserID: userID, Amount: amount, Reason: ReasonGrant, Reference: reference}); err != nil {
			return err
		}
		loaded, err := l.AccountTx(tx, userID)
		account = loaded
		return err
	})
	if err != nil {
		return Account{}, err
	}
	return account, nil
}

// Account loads the user's account.
func (l *Ledger) Account(ctx context.Context, userID UserID) (Account, error) {
	account, err := l.AccountTx(l.db.WithContext(ctx), userID)
	if err != nil {
		return Account{}, err
	}
	return account, nil
}

// History lists the user's most recent entries, newest first.
func (l *Ledger) History(ctx context.Context, userID UserID, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	var entries []Entry
	if err := l.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("created_at_s DESC").
		Order("entry_id DESC").
		Limit(limit).
		Find(&entries).Error; err != nil {
		l.logError(opHistory, "query_failed", err, zap.String("user_id", userID.String()))
		return nil, serviceerror.New(opHistory, "query_failed", err)
	}
	return entries, nil
}

// Reconcile returns the cached balance and the balance derived from the entry log.
func (l *Ledger) Reconcile(ctx context.Context, userID UserID) (int64, int64, error) {
	account, err := l.Account(ctx, userID)
	if err != nil {
		return 0, 0, err
	}
	var derived struct{ Total int64 }
	if err := l.db.WithContext(ctx).
		Model(&Entry{}).
		Select("COALESCE(SUM(delta), 0) AS total").
		Where("user_id = ?", userID.String()).
		Scan(&derived).Error; err != nil {
		l.logError(opReconcile, "sum_failed", err, zap.String("user_id", userID.String()))
		return 0, 0, serviceerror.New(opReconcile, "sum_failed", err)
	}
	return account.Balance, derived.Total, nil
}

// AccountTx loads the user's account inside tx.
func (l *Ledger) AccountTx(tx *gorm.DB, userID UserID) (Account, error) {
	var account Account
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID.String()).
		Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, serviceerror.New(opAccount, "unknown_account", ErrUnknownAccount)
	}
	if err != nil {
		l.logError(opAccount, "select_failed", err, zap.String("user_id", userID.String()))
		return Account{}, serviceerror.New(opAccount, "select_failed", err)
	}
	return account, nil
}

// DebitTx removes posting.Amount from the balance only if the balance covers it.
// A zero amount records an audit entry without moving the balance. A reference
// that was already applied changes nothing.
func (l *Ledger) DebitTx(tx *gorm.DB, posting Posting) error {
	if posting.Amount < 0 {
		return serviceerror.New(opDebit, "invalid_amount", ErrInvalidAmount)
	}
	now := l.clock().UTC().Unix()
	applied, err := l.appendEntry(tx, opDebit, posting, -posting.Amount, now)
	if err != nil || !applied {
		return err
	}
	update := tx.Model(&Account{}).
		Where("user_id = ? AND balance >= ?", posting.UserID.String(), posting.Amount).
		Updates(map[string]any{
			"balance":      gorm.Expr("balance - ?", posting.Amount),
			"updated_at_s": now,
		})
	if update.Error != nil {
		l.logError(opDebit, "update_failed", update.Error, zap.String("user_id", posting.UserID.String()))
		return serviceerror.New(opDebit, "update_failed", update.Error)
	}
	if update.RowsAffected == 0 {
		if _, err := l.AccountTx(tx, posting.UserID); err != nil {
			return err
		}
		return serviceerror.New(opDebit, "insufficient_credits", ErrInsufficientCredits)
	}
	return nil
}

// CreditTx adds posting.Amount to the balance. With a reference already applied it
// changes nothing and reports false.
func (l *Ledger) CreditTx(tx *gorm.DB, posting Posting) (bool, error) {
	if posting.Amount <= 0 {
		return false, serviceerror.New(opCredit, "invalid_amount", ErrInvalidAmount)
	}
	now := l.clock().UTC().Unix()
	applied, err := l.appendEntry(tx, opCredit, posting, posting.Amount, now)
	if err != nil || !applied {
		return false, err
	}
	update := tx.Model(&Account{}).
		Where("user_id = ?", posting.UserID.String()).
		Updates(map[string]any{
			"balance":      gorm.Expr("balance + ?", posting.Amount),
			"updated_at_s": now,
		})
	if update.Error != nil {
		l.logError(opCredit, "update_failed", update.Error, zap.String("user_id", posting.UserID.String()))
		return false, serviceerror.New(opCredit, "update_failed", update.Error)
	}
	if update.RowsAffected == 0 {
		return false, serviceerror.New(opCredit, "unknown_account", ErrUnknownAccount)
	}
	return true, nil
}

// ChargeClampedTx removes up to posting.Amount, never taking the balance below zero.
// It returns the amount actually charged.
func (l *Ledger) ChargeClampedTx(tx *gorm.DB, posting Posting) (int64, error) {
	if posting.Amount < 0 {
		return 0, serviceerror.New(opCharge, "invalid_amount", ErrInvalidAmount)
	}
	account, err := l.AccountTx(tx, posting.UserID)
	if err != nil {
		return 0, err
	}
	charged := min(posting.Amount, account.Balance)
	posting.Amount = charged
	if err := l.DebitTx(tx, posting); err != nil {
		return 0, err
	}
	return charged, nil
}

// Counters holds increments applied to an account's activity counters.
type Counters struct {
	LifetimePlacements int64
	AdViolations       int64
	ReportsGiven       int64
	ReportsReceived    int64
}

// BumpCountersTx adds counters to the user's account.
func (l *Ledger) BumpCountersTx(tx *gorm.DB, userID UserID, counters Counters) error {
	update := tx.Model(&Account{}).
		Where("user_id = ?", userID.String()).
		Updates(map[string]any{
			"lifetime_placements": gorm.Expr("lifetime_placements + ?", counters.LifetimePlacements),
			"ad_violations":       gorm.Expr("ad_violations + ?", counters.AdViolations),
			"reports_given":       gorm.Expr("reports_given + ?", counters.ReportsGiven),
			"reports_received":    gorm.Expr("reports_received + ?", counters.ReportsReceived),
			"updated_at_s":        l.clock().UTC().Unix(),
		})
	if update.Error != nil {
		l.logError(opCounters, "update_failed", update.Error, zap.String("user_id", userID.String()))
		return serviceerror.New(opCounters, "update_failed", update.Error)
	}
	if update.RowsAffected == 0 {
		return serviceerror.New(opCounters, "unknown_account", ErrUnknownAccount)
	}
	return nil
}

// SetLastRewardPeriodTx records the vote period in which the user was last rewarded.
func (l *Ledger) SetLastRewardPeriodTx(tx *gorm.DB, userID UserID, period int64) error {
	update := tx.Model(&Account{}).
		Where("user_id = ?", userID.String()).
		Updates(map[string]any{
			"last_reward_period": period,
			"updated_at_s":       l.clock().UTC().Unix(),
		})
	if update.Error != nil {
		l.logError(opCounters, "reward_period_failed", update.Error, zap.String("user_id", userID.String()))
		return serviceerror.New(opCounters, "reward_period_failed", update.Error)
	}
	return nil
}

func (l *Ledger) appendEntry(tx *gorm.DB, operation string, posting Posting, delta int64, now int64) (bool, error) {
	entryID, err := l.idProvider.NewID()
	if err != nil {
		l.logError(operation, "id_generation_failed", err, zap.String("user_id", posting.UserID.String()))
		return false, serviceerror.New(operation, "id_generation_failed", err)
	}
	entry := Entry{
		EntryID:          entryID,
		UserID:           posting.UserID.String(),
		Delta:            delta,
		Reason:           posting.Reason,
		CycleID:          posting.CycleID,
		PlacementID:      posting.PlacementID,
		CreatedAtSeconds: now,
	}
	if posting.Reference != "" {
		reference := posting.Reference
		entry.Reference = &reference
	}
	result := tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "reference"}}, DoNothing: true}).Create(&entry)
	if result.Error != nil {
		l.logError(operation, "entry_insert_failed", result.Error, zap.String("user_id", posting.UserID.String()))
		return false, serviceerror.New(operation, "entry_insert_failed", result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (l *Ledger) loggerOrDefault() *zap.Logger {
	if l == nil || l.logger == nil {
		return noOpLogger
	}
	return l.logger
}

func (l *Ledger) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	l.loggerOrDefault().Error("ledger error", attrs...)
}
