package repo

import (
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-loyalty-backend/internal/domain"
)

// newTestDB opens an isolated in-memory database with the full schema.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:repo_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func seedBusiness(t *testing.T, db *gorm.DB, slug string) *domain.Business {
	t.Helper()
	now := time.Now().UTC()
	b := &domain.Business{
		ID:               uuid.NewString(),
		Slug:             slug,
		Name:             slug,
		DefaultThreshold: 10,
		RewardExpiryDays: 90,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := db.Create(b).Error; err != nil {
		t.Fatalf("seed business: %v", err)
	}
	return b
}
