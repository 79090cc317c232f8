package database

import (
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"github.com/makotoclub/backend/internal/reviews"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsBackfillsRewardStatus(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&reviews.Review{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	legacy := reviews.Review{
		ID:         "legacy-1",
		StoreName:  "クラブ誠",
		Prefecture: "東京都",
		Category:   "store_health",
		VisitedAt:  "2026-01",
		Status:     string(reviews.StatusApproved),
		ReviewerID: "line:U123",
	}
	if err := database.Create(&legacy).Error; err != nil {
		testContext.Fatalf("failed to insert legacy review: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored reviews.Review
	if err := database.Where("id = ?", legacy.ID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload review: %v", err)
	}
	if stored.RewardStatus != string(reviews.RewardPending) {
		testContext.Fatalf("expected reward status backfilled, got %q", stored.RewardStatus)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationBackfillRewardStatus).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}
