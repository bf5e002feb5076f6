package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/macrat/markdown-board/internal/pages"
)

const migrationBackfillUntitledPages = "2026-05-12_backfill_untitled_pages"

type migrationRecord struct {
	Name            string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtMillis int64  `gorm:"column:applied_at;not null"`
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
		{name: migrationBackfillUntitledPages, apply: backfillUntitledPages},
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
		appliedAt := time.Now().UTC().UnixMilli()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtMillis: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Rows written before title projection existed carry an empty title; the
// list UI expects the sentinel instead.
func backfillUntitledPages(db *gorm.DB) error {
	return db.Model(&pages.Page{}).
		Where("title = ''").
		Update("title", pages.DefaultTitle).Error
}
