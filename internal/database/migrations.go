package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/harbor/internal/events"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationTrimEventDateTimes = "2024-06-20_trim_event_date_times"

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
		{name: migrationTrimEventDateTimes, apply: trimEventDateTimes},
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
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

// Event dates imported with a time component ("2024-06-14T18:00") are cut
// back to the calendar day so they index like manual events.
func trimEventDateTimes(db *gorm.DB) error {
	return db.Model(&events.Event{}).
		Where("length(event_date) > 10").
		Update("event_date", gorm.Expr("substr(event_date, 1, 10)")).Error
}
