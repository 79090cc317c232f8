package database

import (
	"errors"
	"time"

	"github.com/makotoclub/backend/internal/reviews"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillRewardStatus = "2026-07-28_backfill_reward_status"

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
		{name: migrationBackfillRewardStatus, apply: backfillRewardStatus},
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

// Reviews created before the reward lifecycle existed carry an empty reward
// status; they start the payout flow as pending.
func backfillRewardStatus(db *gorm.DB) error {
	return db.Model(&reviews.Review{}).
		Where("reward_status = ''").
		Update("reward_status", string(reviews.RewardPending)).Error
}
