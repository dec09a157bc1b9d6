package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-loyalty-backend/internal/domain"
)

// ActiveTemplateFor returns the winning active template of a business:
// lowest priority first, oldest first on ties. ErrNotFound when none is
// active.
func ActiveTemplateFor(ctx context.Context, db *gorm.DB, businessID string) (*domain.RewardTemplate, error) {
	var t domain.RewardTemplate
	err := db.WithContext(ctx).
		Where("business_id = ? AND is_active = ?", businessID, true).
		Order("priority asc").
		Order("created_at asc").
		First(&t).Error
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// UpsertRewardTemplate inserts t or replaces the template with the same ID.
func UpsertRewardTemplate(ctx context.Context, db *gorm.DB, t *domain.RewardTemplate) error {
	now := time.Now().UTC()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "threshold", "discount_type", "discount_value", "priority", "expiry_days", "is_active", "updated_at",
		}),
	}).Create(t).Error
}

// CreateRewardInstance inserts a minted reward. A code collision is reported
// as ErrDuplicate so the caller can retry with a fresh code.
func CreateRewardInstance(ctx context.Context, db *gorm.DB, r *domain.RewardInstance) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if err := db.WithContext(ctx).Omit(clause.Associations).Create(r).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// GetRewardInstance looks a reward up by ID or by its presentable code.
func GetRewardInstance(ctx context.Context, db *gorm.DB, idOrCode string) (*domain.RewardInstance, error) {
	var r domain.RewardInstance
	err := db.WithContext(ctx).
		Where("id = ? OR code = ?", idOrCode, idOrCode).
		First(&r).Error
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// MarkRewardRedeemed flips redeemed to true if it is still false and the
// reward has not expired. It returns the number of rows changed, so zero
// means another caller won or the reward is no longer valid.
func MarkRewardRedeemed(ctx context.Context, db *gorm.DB, id string, at time.Time) (int64, error) {
	res := db.WithContext(ctx).Model(&domain.RewardInstance{}).
		Where("id = ? AND redeemed = ? AND expired = ?", id, false, false).
		Updates(map[string]any{"redeemed": true, "redeemed_at": at.UTC()})
	return res.RowsAffected, res.Error
}

// ExpireStaleRewards marks every unredeemed reward past its expiry as
// expired. Rows are kept for history.
func ExpireStaleRewards(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Model(&domain.RewardInstance{}).
		Where("redeemed = ? AND expired = ? AND expires_at < ?", false, false, now.UTC()).
		Update("expired", true)
	return res.RowsAffected, res.Error
}

// ListCustomerRewards returns a customer's rewards, newest first.
func ListCustomerRewards(ctx context.Context, db *gorm.DB, customerID string) ([]domain.RewardInstance, error) {
	var out []domain.RewardInstance
	err := db.WithContext(ctx).
		Where("customer_id = ?", customerID).
		Order("issued_at desc").
		Find(&out).Error
	return out, err
}

// CountCustomerRewards counts every reward ever issued to a customer.
func CountCustomerRewards(ctx context.Context, db *gorm.DB, customerID string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.RewardInstance{}).
		Where("customer_id = ?", customerID).
		Count(&n).Error
	return n, err
}
