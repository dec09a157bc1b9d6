package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-loyalty-backend/internal/domain"
)

// AppendCheckinEvent inserts an audit entry. Events are never updated.
func AppendCheckinEvent(ctx context.Context, db *gorm.DB, ev *domain.CheckinEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	return db.WithContext(ctx).Create(ev).Error
}

// ListCheckinEvents returns the latest events for a customer, newest first.
func ListCheckinEvents(ctx context.Context, db *gorm.DB, customerID string, limit int) ([]domain.CheckinEvent, error) {
	var out []domain.CheckinEvent
	q := db.WithContext(ctx).
		Where("customer_id = ?", customerID).
		Order("created_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// CountCheckinEvents counts a customer's events, optionally filtered by source.
func CountCheckinEvents(ctx context.Context, db *gorm.DB, customerID string, source domain.CheckinSource) (int64, error) {
	var n int64
	q := db.WithContext(ctx).Model(&domain.CheckinEvent{}).Where("customer_id = ?", customerID)
	if source != "" {
		q = q.Where("source = ?", source)
	}
	err := q.Count(&n).Error
	return n, err
}
