package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-loyalty-backend/internal/domain"
)

// GetBusinessBySlug fetches an active business by its public slug, or
// ErrNotFound.
func GetBusinessBySlug(ctx context.Context, db *gorm.DB, slug string) (*domain.Business, error) {
	var b domain.Business
	if err := db.WithContext(ctx).Where("slug = ?", slug).First(&b).Error; err != nil {
		return nil, err
	}
	return &b, nil
}

// GetBusiness fetches a business by ID, or ErrNotFound.
func GetBusiness(ctx context.Context, db *gorm.DB, id string) (*domain.Business, error) {
	var b domain.Business
	if err := db.WithContext(ctx).Where("id = ?", id).First(&b).Error; err != nil {
		return nil, err
	}
	return &b, nil
}

// UpsertBusiness inserts b or updates the mutable settings of the business
// with the same slug. b.ID is filled with the persisted ID.
func UpsertBusiness(ctx context.Context, db *gorm.DB, b *domain.Business) error {
	now := time.Now().UTC()
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	err := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "slug"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "default_threshold", "cooldown_seconds", "minimum_age", "reward_expiry_days", "updated_at",
		}),
	}).Create(b).Error
	if err != nil {
		return err
	}
	// On conflict the generated ID was not stored; read back the real one.
	var ids []string
	if err := db.WithContext(ctx).Model(&domain.Business{}).
		Where("slug = ?", b.Slug).Pluck("id", &ids).Error; err != nil {
		return err
	}
	if len(ids) == 0 {
		return ErrNotFound
	}
	b.ID = ids[0]
	return nil
}
