package canvas

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/pixel"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingDatabase = errors.New("database handle is required")

const defaultLeaderboardLimit = 10

// Store reads cycle grids and placement history. Mutations are reachable only
// through the Engine in this package.
type Store struct {
	db *gorm.DB
}

// NewStore wraps the database handle.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &Store{db: db}, nil
}

// Snapshot returns every painted pixel of the cycle.
func (s *Store) Snapshot(ctx context.Context, cycleID int64) (Grid, error) {
	var pixels []Pixel
	if err := s.db.WithContext(ctx).
		Where("cycle_id = ? AND active_record_id <> 0", cycleID).
		Order("y ASC").
		Order("x ASC").
		Find(&pixels).Error; err != nil {
		return Grid{}, fmt.Errorf("canvas: load snapshot: %w", err)
	}
	cells := make([]Cell, 0, len(pixels))
	for _, stored := range pixels {
		cells = append(cells, Cell{X: stored.X, Y: stored.Y, Color: stored.Color, OwnerID: stored.OwnerID, Seq: stored.Seq, IsAd: stored.IsAd})
	}
	return Grid{CycleID: cycleID, Size: pixel.BoardSize, Cells: cells}, nil
}

// PixelOwner returns the owner of the pixel's active placement, or "" when blank.
func (s *Store) PixelOwner(ctx context.Context, cycleID int64, coordinate pixel.Coordinate) (string, error) {
	stored, err := s.pixelTx(s.db.WithContext(ctx), cycleID, coordinate)
	if err != nil || stored == nil || stored.ActiveRecordID == 0 {
		return "", err
	}
	return stored.OwnerID, nil
}

// Record loads one placement record.
func (s *Store) Record(ctx context.Context, recordID int64) (PlacementRecord, error) {
	record, err := s.recordTx(s.db.WithContext(ctx), recordID)
	if err != nil {
		return PlacementRecord{}, err
	}
	return *record, nil
}

// History lists the placement records of one pixel, oldest first.
func (s *Store) History(ctx context.Context, cycleID int64, coordinate pixel.Coordinate) ([]PlacementRecord, error) {
	var records []PlacementRecord
	if err := s.db.WithContext(ctx).
		Where("cycle_id = ? AND x = ? AND y = ?", cycleID, coordinate.X, coordinate.Y).
		Order("record_id ASC").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("canvas: load history: %w", err)
	}
	return records, nil
}

// Leaderboard ranks the cycle's contributors by net placements.
func (s *Store) Leaderboard(ctx context.Context, cycleID int64, limit int) ([]LeaderboardEntry, error) {
	if limit <= 0 {
		limit = defaultLeaderboardLimit
	}
	var contributions []CycleContribution
	if err := s.db.WithContext(ctx).
		Where("cycle_id = ? AND placements > 0", cycleID).
		Order("placements DESC").
		Order("user_id ASC").
		Limit(limit).
		Find(&contributions).Error; err != nil {
		return nil, fmt.Errorf("canvas: load leaderboard: %w", err)
	}
	entries := make([]LeaderboardEntry, 0, len(contributions))
	for index, contribution := range contributions {
		entries = append(entries, LeaderboardEntry{
			Rank:       index + 1,
			UserID:     contribution.UserID,
			Placements: contribution.Placements,
			Undos:      contribution.Undos,
		})
	}
	return entries, nil
}

// Totals sums net placements and counts contributors in the cycle.
func (s *Store) Totals(ctx context.Context, cycleID int64) (CycleTotals, error) {
	var totals struct {
		Placements   int64
		Contributors int64
	}
	if err := s.db.WithContext(ctx).
		Model(&CycleContribution{}).
		Select("COALESCE(SUM(placements), 0) AS placements, COUNT(*) AS contributors").
		Where("cycle_id = ? AND placements > 0", cycleID).
		Scan(&totals).Error; err != nil {
		return CycleTotals{}, fmt.Errorf("canvas: load totals: %w", err)
	}
	return CycleTotals{Placements: totals.Placements, Contributors: totals.Contributors}, nil
}

func (s *Store) pixelTx(tx *gorm.DB, cycleID int64, coordinate pixel.Coordinate) (*Pixel, error) {
	var stored Pixel
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("cycle_id = ? AND x = ? AND y = ?", cycleID, coordinate.X, coordinate.Y).
		Take(&stored).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("canvas: load pixel: %w", err)
	}
	return &stored, nil
}

// pixelsAtSeqTx counts the cycle's pixels whose seq has reached minSeq. Rows are
// scoped to a cycle, so the count starts over at every reset.
func (s *Store) pixelsAtSeqTx(tx *gorm.DB, cycleID, minSeq int64) (int64, error) {
	var count int64
	if err := tx.Model(&Pixel{}).
		Where("cycle_id = ? AND seq >= ?", cycleID, minSeq).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("canvas: count saturated pixels: %w", err)
	}
	return count, nil
}

func (s *Store) recordTx(tx *gorm.DB, recordID int64) (*PlacementRecord, error) {
	var record PlacementRecord
	if err := tx.Where("record_id = ?", recordID).Take(&record).Error; err != nil {
		return nil, fmt.Errorf("canvas: load record %d: %w", recordID, err)
	}
	return &record, nil
}

func (s *Store) contributionTx(tx *gorm.DB, cycleID int64, userID ledger.UserID) (CycleContribution, error) {
	var contribution CycleContribution
	err := tx.Where("cycle_id = ? AND user_id = ?", cycleID, userID.String()).Take(&contribution).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return CycleContribution{CycleID: cycleID, UserID: userID.String()}, nil
	}
	if err != nil {
		return CycleContribution{}, fmt.Errorf("canvas: load contribution: %w", err)
	}
	return contribution, nil
}

func (s *Store) lastPlacementTx(tx *gorm.DB, cycleID int64) (time.Time, bool, error) {
	var latest struct{ Latest *int64 }
	if err := tx.Model(&PlacementRecord{}).
		Select("MAX(placed_at_ms) AS latest").
		Where("cycle_id = ? AND undone = ?", cycleID, false).
		Scan(&latest).Error; err != nil {
		return time.Time{}, false, fmt.Errorf("canvas: load last placement: %w", err)
	}
	if latest.Latest == nil {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(*latest.Latest).UTC(), true, nil
}

func (s *Store) insertRecordTx(tx *gorm.DB, record *PlacementRecord) error {
	if err := tx.Create(record).Error; err != nil {
		return fmt.Errorf("canvas: insert record: %w", err)
	}
	return nil
}

// swapPixelTx writes next only if the pixel still carries the sequence observed in
// current. A nil current means the pixel had no row.
func (s *Store) swapPixelTx(tx *gorm.DB, current *Pixel, next Pixel) (bool, error) {
	if current == nil {
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&next)
		if result.Error != nil {
			return false, fmt.Errorf("canvas: insert pixel: %w", result.Error)
		}
		return result.RowsAffected == 1, nil
	}
	result := tx.Model(&Pixel{}).
		Where("cycle_id = ? AND x = ? AND y = ? AND seq = ? AND active_record_id = ?",
			current.CycleID, current.X, current.Y, current.Seq, current.ActiveRecordID).
		Updates(map[string]any{
			"color":            next.Color,
			"owner_id":         next.OwnerID,
			"placed_at_ms":     next.PlacedAtMillis,
			"seq":              next.Seq,
			"active_record_id": next.ActiveRecordID,
			"is_ad":            next.IsAd,
		})
	if result.Error != nil {
		return false, fmt.Errorf("canvas: update pixel: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (s *Store) setSupersededTx(tx *gorm.DB, recordID int64, superseded bool) error {
	if err := tx.Model(&PlacementRecord{}).
		Where("record_id = ?", recordID).
		Update("superseded", superseded).Error; err != nil {
		return fmt.Errorf("canvas: update record %d: %w", recordID, err)
	}
	return nil
}

func (s *Store) markUndoneTx(tx *gorm.DB, recordID int64, undoneAt time.Time, undoCost int64) error {
	result := tx.Model(&PlacementRecord{}).
		Where("record_id = ? AND undone = ?", recordID, false).
		Updates(map[string]any{
			"undone":       true,
			"undone_at_ms": undoneAt.UnixMilli(),
			"undo_cost":    undoCost,
		})
	if result.Error != nil {
		return fmt.Errorf("canvas: mark record %d undone: %w", recordID, result.Error)
	}
	if result.RowsAffected == 0 {
		return errStaleSequence
	}
	return nil
}

func (s *Store) bumpContributionTx(tx *gorm.DB, cycleID int64, userID ledger.UserID, placements, undos int64, at time.Time) error {
	contribution := CycleContribution{
		CycleID:         cycleID,
		UserID:          userID.String(),
		Placements:      placements,
		Undos:           undos,
		UpdatedAtMillis: at.UnixMilli(),
	}
	err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "cycle_id"}, {Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"placements":    gorm.Expr("cycle_contributions.placements + ?", placements),
			"undos":         gorm.Expr("cycle_contributions.undos + ?", undos),
			"updated_at_ms": at.UnixMilli(),
		}),
	}).Create(&contribution).Error
	if err != nil {
		return fmt.Errorf("canvas: bump contribution: %w", err)
	}
	return nil
}
