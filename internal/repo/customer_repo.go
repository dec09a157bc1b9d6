// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file is the engagement store: the repository for
// Customer records shared by live check-ins and bulk imports.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only
// persistence and query composition.
//
// Counter mutations never read-modify-write in application code. They are
// single UPDATE statements using column arithmetic, optionally guarded by the
// row version, and the fresh row is read back on the same handle. Callers run
// them inside a transaction so the increment and the read are one unit.
//
// Error semantics:
//   - Missing customers yield ErrNotFound.
//   - A guarded update whose version no longer matches yields ErrVersionConflict.
//   - Other DB errors are propagated unchanged.
package repo

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-loyalty-backend/internal/domain"
)

// FindOrCreateCustomer resolves the record for (businessID, phone), creating
// it from seed when none exists. The insert relies on the unique index with
// ON CONFLICT DO NOTHING, so concurrent first visits for the same phone end up
// with exactly one row and exactly one caller sees created == true.
//
// A soft-deleted row is revived rather than duplicated.
func FindOrCreateCustomer(ctx context.Context, db *gorm.DB, businessID, phone string, seed domain.Customer) (*domain.Customer, bool, error) {
	now := time.Now().UTC()
	c := seed
	c.ID = uuid.NewString()
	c.BusinessID = businessID
	c.Phone = phone
	if c.SubscriptionState == "" {
		c.SubscriptionState = domain.SubscriptionActive
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = c.CreatedAt

	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "business_id"}, {Name: "phone"}},
			DoNothing: true,
		}).
		Create(&c)
	if res.Error != nil {
		return nil, false, res.Error
	}
	created := res.RowsAffected == 1

	var out domain.Customer
	if err := db.WithContext(ctx).Unscoped().
		Where("business_id = ? AND phone = ?", businessID, phone).
		First(&out).Error; err != nil {
		return nil, false, err
	}
	if out.DeletedAt.Valid {
		if err := db.WithContext(ctx).Unscoped().Model(&domain.Customer{}).
			Where("id = ?", out.ID).
			Update("deleted_at", nil).Error; err != nil {
			return nil, false, err
		}
		out.DeletedAt = gorm.DeletedAt{}
	}
	return &out, created, nil
}

// GetCustomer fetches a customer by ID, or ErrNotFound.
func GetCustomer(ctx context.Context, db *gorm.DB, id string) (*domain.Customer, error) {
	var c domain.Customer
	if err := db.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// GetCustomerByPhone fetches the record for (businessID, phone), or ErrNotFound.
func GetCustomerByPhone(ctx context.Context, db *gorm.DB, businessID, phone string) (*domain.Customer, error) {
	var c domain.Customer
	err := db.WithContext(ctx).
		Where("business_id = ? AND phone = ?", businessID, phone).
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Increment describes one atomic counter advance.
type Increment struct {
	// Delta is added to checkin_count.
	Delta int
	// At is the visit time recorded in last_checkin_at.
	At time.Time
	// Live also moves the cooldown anchor (last_live_checkin_at).
	Live bool
	// KeepLatest leaves last_checkin_at untouched when it is already after At.
	KeepLatest bool
	// ExpectVersion, when set, turns the update into a compare-and-swap.
	ExpectVersion *int64
}

// IncrementCheckins atomically advances the counter of customer id and
// returns the updated row. first_checkin_at is filled on the first advance.
func IncrementCheckins(ctx context.Context, db *gorm.DB, id string, inc Increment) (*domain.Customer, error) {
	at := inc.At.UTC()
	updates := map[string]any{
		"checkin_count":    gorm.Expr("checkin_count + ?", inc.Delta),
		"version":          gorm.Expr("version + 1"),
		"first_checkin_at": gorm.Expr("COALESCE(first_checkin_at, ?)", at),
		"updated_at":       time.Now().UTC(),
	}
	if inc.KeepLatest {
		updates["last_checkin_at"] = gorm.Expr(
			"CASE WHEN last_checkin_at IS NULL OR last_checkin_at < ? THEN ? ELSE last_checkin_at END", at, at)
	} else {
		updates["last_checkin_at"] = at
	}
	if inc.Live {
		updates["last_live_checkin_at"] = at
	}

	q := db.WithContext(ctx).Model(&domain.Customer{}).Where("id = ?", id)
	if inc.ExpectVersion != nil {
		q = q.Where("version = ?", *inc.ExpectVersion)
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		if inc.ExpectVersion != nil {
			return nil, ErrVersionConflict
		}
		return nil, ErrNotFound
	}
	return GetCustomer(ctx, db, id)
}

// SetCheckinCount overwrites the counter. It is used by redemption resets.
func SetCheckinCount(ctx context.Context, db *gorm.DB, id string, value int) error {
	res := db.WithContext(ctx).Model(&domain.Customer{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"checkin_count": value,
			"version":       gorm.Expr("version + 1"),
			"updated_at":    time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementRewardsIssued bumps the issuance tally.
func IncrementRewardsIssued(ctx context.Context, db *gorm.DB, id string) error {
	return db.WithContext(ctx).Model(&domain.Customer{}).
		Where("id = ?", id).
		UpdateColumn("rewards_issued", gorm.Expr("rewards_issued + 1")).Error
}

// UpdateCustomerFields applies a partial update. Counter and identity columns
// are not accepted here; use IncrementCheckins or SetCheckinCount.
func UpdateCustomerFields(ctx context.Context, db *gorm.DB, id string, fields map[string]any) error {
	clean := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		switch k {
		case "id", "business_id", "phone", "checkin_count", "version":
			continue
		}
		clean[k] = v
	}
	if len(clean) == 0 {
		return nil
	}
	clean["updated_at"] = time.Now().UTC()
	res := db.WithContext(ctx).Model(&domain.Customer{}).Where("id = ?", id).Updates(clean)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Metadata carries optional profile fields from an import row.
type Metadata struct {
	Name  string
	Email string
	Notes string
}

// MergeCustomerMetadata fills profile fields that are still empty. Values the
// customer or a previous import already set are never overwritten.
func MergeCustomerMetadata(ctx context.Context, db *gorm.DB, id string, md Metadata) error {
	set := func(col, val string) error {
		val = strings.TrimSpace(val)
		if val == "" {
			return nil
		}
		return db.WithContext(ctx).Model(&domain.Customer{}).
			Where("id = ? AND ("+col+" IS NULL OR "+col+" = '')", id).
			UpdateColumn(col, val).Error
	}
	if err := set("name", md.Name); err != nil {
		return err
	}
	if err := set("email", md.Email); err != nil {
		return err
	}
	return set("notes", md.Notes)
}

// SetSubscriptionState moves the customer identified by (businessID, phone)
// to state. It reports ErrNotFound when no such customer exists.
func SetSubscriptionState(ctx context.Context, db *gorm.DB, businessID, phone string, state domain.SubscriptionState) error {
	res := db.WithContext(ctx).Model(&domain.Customer{}).
		Where("business_id = ? AND phone = ?", businessID, phone).
		Updates(map[string]any{"subscription_state": state, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListImportedCustomers returns the active customers created by import run
// runID, oldest first.
func ListImportedCustomers(ctx context.Context, db *gorm.DB, runID string) ([]domain.Customer, error) {
	var out []domain.Customer
	err := db.WithContext(ctx).
		Where("import_run_id = ?", runID).
		Where("subscription_state = ?", domain.SubscriptionActive).
		Order("created_at asc").
		Order("id asc").
		Find(&out).Error
	return out, err
}
