package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/ridelog/internal/rides"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationClampNegativeComponentHours = "2024-06-01_clamp_negative_component_hours"
	migrationRebuildMappingLedger        = "2024-06-15_rebuild_gear_mapping_applied_seconds"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationClampNegativeComponentHours, apply: clampNegativeComponentHours},
		{name: migrationRebuildMappingLedger, apply: rebuildMappingLedger},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// clampNegativeComponentHours repairs components driven below zero before the engine
// clamped after every delta.
func clampNegativeComponentHours(db *gorm.DB) error {
	return db.Model(&rides.Component{}).
		Where("hours_used < 0").
		Update("hours_used", 0).Error
}

// rebuildMappingLedger recomputes each mapping's applied seconds from the rides it
// currently attributes.
func rebuildMappingLedger(db *gorm.DB) error {
	attributed := db.Model(&rides.Ride{}).
		Select("COALESCE(SUM(rides.duration_seconds), 0)").
		Where("rides.user_id = gear_mappings.user_id").
		Where("rides.gear_id = gear_mappings.gear_id").
		Where("rides.bike_id = gear_mappings.bike_id").
		Where("rides.attribution = ?", rides.AttributionGearMapping)
	return db.Model(&rides.GearMapping{}).
		Where("1 = 1").
		Update("applied_seconds", attributed).Error
}
