// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the read-only queries used by
// campaign consumers (win-back lists) and by the conditional responses of the
// HTTP layer.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-loyalty-backend/internal/domain"
)

// winbackScope selects reachable customers whose last visit is older than
// cutoff. Only active subscribers with marketing consent qualify.
func winbackScope(ctx context.Context, db *gorm.DB, businessID string, cutoff time.Time) *gorm.DB {
	return db.WithContext(ctx).Model(&domain.Customer{}).
		Where("business_id = ?", businessID).
		Where("subscription_state = ?", domain.SubscriptionActive).
		Where("marketing_consent = ?", true).
		Where("last_checkin_at IS NOT NULL AND last_checkin_at < ?", cutoff.UTC())
}

// CountWinbackCandidates returns the number of customers matching the
// win-back criteria.
func CountWinbackCandidates(ctx context.Context, db *gorm.DB, businessID string, cutoff time.Time) (int64, error) {
	var n int64
	err := winbackScope(ctx, db, businessID, cutoff).Count(&n).Error
	return n, err
}

// ListWinbackCandidates returns one page of win-back candidates, the longest
// absent first.
func ListWinbackCandidates(ctx context.Context, db *gorm.DB, businessID string, cutoff time.Time, offset, limit int) ([]domain.Customer, error) {
	var out []domain.Customer
	err := winbackScope(ctx, db, businessID, cutoff).
		Order("last_checkin_at asc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// CustomerStats returns the number of customers of a business and the
// greatest UpdatedAt among them. maxUpdatedAt is nil when there are none.
func CustomerStats(ctx context.Context, db *gorm.DB, businessID string) (count int64, maxUpdatedAt *time.Time, err error) {
	q := db.WithContext(ctx).Model(&domain.Customer{}).Where("business_id = ?", businessID)

	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Get latest updated_at (avoid MAX() -> TEXT in SQLite)
	var row struct {
		UpdatedAt time.Time
	}
	if err = q.Select("updated_at").Order("updated_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.UpdatedAt, nil
}
