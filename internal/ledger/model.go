package ledger

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

// Reason classifies a ledger entry.
type Reason string

const (
	ReasonPlacement         Reason = "placement"
	ReasonUndoRefundPartial Reason = "undo-refund-partial"
	ReasonUndoPenalty       Reason = "undo-penalty"
	ReasonWeeklyBonus       Reason = "weekly-bonus"
	ReasonVoteReward        Reason = "vote-reward"
	// ReasonGrant funds an account by operator action.
	ReasonGrant Reason = "grant"
)

var (
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("ledger: invalid user id")
	// ErrInvalidAmount indicates a non-positive credit or debit amount.
	ErrInvalidAmount = errors.New("ledger: invalid amount")
	// ErrInsufficientCredits indicates that a debit would take the balance below zero.
	ErrInsufficientCredits = errors.New("ledger: insufficient credits")
	// ErrUnknownAccount indicates that no account exists for the user.
	ErrUnknownAccount = errors.New("ledger: unknown account")
	// ErrAccountBusy indicates that the per-account lock could not be obtained in time.
	ErrAccountBusy = errors.New("ledger: account busy")
)

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// Account is the cached balance and counters of one user. Balance always equals the
// sum of the user's entries. LifetimePlacements counts paid placements, undone
// ones included.
type Account struct {
	UserID             string `gorm:"column:user_id;primaryKey;size:190;not null"`
	Balance            int64  `gorm:"column:balance;not null;default:0;check:balance >= 0"`
	LifetimePlacements int64  `gorm:"column:lifetime_placements;not null;default:0"`
	AdViolations       int64  `gorm:"column:ad_violations;not null;default:0"`
	ReportsGiven       int64  `gorm:"column:reports_given;not null;default:0"`
	ReportsReceived    int64  `gorm:"column:reports_received;not null;default:0"`
	LastRewardPeriod   *int64 `gorm:"column:last_reward_period"`
	CreatedAtSeconds   int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds   int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Account) TableName() string {
	return "accounts"
}

// Entry is an append-only balance movement.
type Entry struct {
	EntryID          string  `gorm:"column:entry_id;primaryKey;size:190;not null"`
	UserID           string  `gorm:"column:user_id;size:190;not null;index:idx_entries_user_time,priority:1"`
	Delta            int64   `gorm:"column:delta;not null"`
	Reason           Reason  `gorm:"column:reason;size:64;not null"`
	CycleID          int64   `gorm:"column:cycle_id;not null;default:0"`
	PlacementID      *int64  `gorm:"column:placement_id;index"`
	Reference        *string `gorm:"column:reference;size:190;uniqueIndex"`
	CreatedAtSeconds int64   `gorm:"column:created_at_s;not null;index:idx_entries_user_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "ledger_entries"
}

// Posting describes one balance movement requested by a caller.
type Posting struct {
	UserID      UserID
	Amount      int64
	Reason      Reason
	CycleID     int64
	PlacementID *int64
	// Reference makes the posting idempotent when set.
	Reference string
}
