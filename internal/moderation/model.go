package moderation

import (
	"errors"
	"fmt"
)

// Scope selects what a report threshold freezes.
type Scope string

const (
	ScopeBoard  Scope = "board"
	ScopeRegion Scope = "region"
	ScopePixel  Scope = "pixel"
)

// ClearPolicy selects how a freeze is lifted.
type ClearPolicy string

const (
	ClearOnCycle     ClearPolicy = "cycle"
	ClearByModerator ClearPolicy = "moderator"
	ClearBoth        ClearPolicy = "both"
)

const boardScopeKey = "board"

var (
	// ErrBoardFrozen indicates that mutations are halted for the addressed pixel.
	ErrBoardFrozen = errors.New("moderation: board frozen")
	// ErrGateBusy indicates that admission could not be obtained within the allowed wait.
	ErrGateBusy = errors.New("moderation: gate busy")
	// ErrClearNotAllowed indicates that the clear policy forbids moderator clears.
	ErrClearNotAllowed = errors.New("moderation: clear not allowed by policy")
	// ErrInvalidReason indicates an over-long report reason.
	ErrInvalidReason = errors.New("moderation: invalid reason")
)

// ParseScope validates a configured scope.
func ParseScope(raw string) (Scope, error) {
	switch Scope(raw) {
	case ScopeBoard, ScopeRegion, ScopePixel:
		return Scope(raw), nil
	}
	return "", fmt.Errorf("moderation: unknown scope %q", raw)
}

// ParseClearPolicy validates a configured clear policy.
func ParseClearPolicy(raw string) (ClearPolicy, error) {
	switch ClearPolicy(raw) {
	case ClearOnCycle, ClearByModerator, ClearBoth:
		return ClearPolicy(raw), nil
	}
	return "", fmt.Errorf("moderation: unknown clear policy %q", raw)
}

// Report is one user's complaint about a pixel.
type Report struct {
	ReportID         string `gorm:"column:report_id;primaryKey;size:190;not null"`
	CycleID          int64  `gorm:"column:cycle_id;not null;index:idx_reports_cycle_region,priority:1;index:idx_reports_cycle_pixel,priority:1"`
	X                int    `gorm:"column:x;not null;index:idx_reports_cycle_pixel,priority:2"`
	Y                int    `gorm:"column:y;not null;index:idx_reports_cycle_pixel,priority:3"`
	RegionKey        string `gorm:"column:region_key;size:64;not null;index:idx_reports_cycle_region,priority:2"`
	ReporterID       string `gorm:"column:reporter_id;size:190;not null;index"`
	OwnerID          string `gorm:"column:owner_id;size:190;not null;default:''"`
	Reason           string `gorm:"column:reason;type:text;not null;default:''"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Report) TableName() string {
	return "reports"
}

// Freeze is a persisted halt on one scope key.
type Freeze struct {
	ScopeKey        string `gorm:"column:scope_key;primaryKey;size:64;not null"`
	CycleID         int64  `gorm:"column:cycle_id;not null"`
	ReportCount     int64  `gorm:"column:report_count;not null;default:0"`
	FrozenAtSeconds int64  `gorm:"column:frozen_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Freeze) TableName() string {
	return "moderation_freezes"
}
