package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillSyncCursors = "2026-06-18_backfill_sync_cursors"

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
		{name: migrationBackfillSyncCursors, apply: backfillSyncCursors},
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
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillSyncCursors seeds the catch-up cursor for bookmark rows written
// before the cursor column existed. A client's own latest change-log entry
// is the closest available approximation of what it had observed.
func backfillSyncCursors(db *gorm.DB) error {
	return db.Exec(`UPDATE sync_states
		SET last_change_id = COALESCE(
			(SELECT MAX(id) FROM change_log WHERE change_log.client_id = sync_states.client_id), 0)
		WHERE last_change_id = 0`).Error
}
