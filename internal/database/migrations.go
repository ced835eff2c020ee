package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/canvas"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillLifetimePlacements = "2024-01-08_backfill_lifetime_placements"
	migrationUppercaseStoredColors      = "2024-02-12_uppercase_stored_colors"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

// schemaStep is a one-off data repair. Steps run in declaration order, each in
// its own transaction together with the row that marks it applied.
type schemaStep struct {
	name  string
	apply func(*gorm.DB) error
}

var schemaSteps = []schemaStep{
	{name: migrationBackfillLifetimePlacements, apply: backfillLifetimePlacements},
	{name: migrationUppercaseStoredColors, apply: uppercaseStoredColors},
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	return applySteps(db, logger, schemaSteps, time.Now)
}

func applySteps(db *gorm.DB, logger *zap.Logger, steps []schemaStep, clock func() time.Time) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, step := range steps {
		applied, err := stepApplied(db, step.name)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := step.apply(tx); err != nil {
				return err
			}
			return tx.Create(&migrationRecord{Name: step.name, AppliedAtSeconds: clock().UTC().Unix()}).Error
		})
		if err != nil {
			return fmt.Errorf("migration %s: %w", step.name, err)
		}
		logger.Info("database migration applied", zap.String("migration", step.name))
	}
	return nil
}

func stepApplied(db *gorm.DB, name string) (bool, error) {
	var record migrationRecord
	err := db.Where("name = ?", name).Take(&record).Error
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return false, nil
	default:
		return false, err
	}
}

// backfillLifetimePlacements derives lifetime paid placement counters for
// accounts created before the counter was maintained. Free placements do not
// count; undone ones do, as they were charged.
func backfillLifetimePlacements(db *gorm.DB) error {
	return db.Exec(`UPDATE accounts SET lifetime_placements = (
		SELECT COUNT(*) FROM placement_records
		WHERE placement_records.user_id = accounts.user_id AND placement_records.was_free = ?
	) WHERE lifetime_placements = 0`, false).Error
}

// uppercaseStoredColors rewrites colors written before hex digits were
// normalized, so grid lookups and archive encodings compare equal.
func uppercaseStoredColors(db *gorm.DB) error {
	for _, model := range []any{&canvas.Pixel{}, &canvas.PlacementRecord{}} {
		err := db.Model(model).
			Where("color <> UPPER(color)").
			Update("color", gorm.Expr("UPPER(color)")).Error
		if err != nil {
			return err
		}
	}
	return nil
}
