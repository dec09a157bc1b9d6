// Package domain defines the persistence models for businesses, customer
// engagement records, check-in events, rewards and import runs. These types
// are mapped with GORM and form the core data layer of the loyalty service.
package domain

import (
	"time"

	"gorm.io/gorm"
)

// SubscriptionState gates whether a customer may check in and receive
// messages.
type SubscriptionState string

const (
	SubscriptionActive       SubscriptionState = "active"
	SubscriptionUnsubscribed SubscriptionState = "unsubscribed"
	SubscriptionBlocked      SubscriptionState = "blocked"
	SubscriptionInvalid      SubscriptionState = "invalid"
)

// Valid reports whether s is one of the known states.
func (s SubscriptionState) Valid() bool {
	switch s {
	case SubscriptionActive, SubscriptionUnsubscribed, SubscriptionBlocked, SubscriptionInvalid:
		return true
	}
	return false
}

// CheckinSource identifies which path produced a CheckinEvent.
type CheckinSource string

const (
	SourceKiosk         CheckinSource = "kiosk"
	SourceImport        CheckinSource = "import"
	SourceCooldownBlock CheckinSource = "cooldown-block"
)

// Business is a merchant running a loyalty program.
//
// Fields:
//   - Slug: public identifier used by kiosks (unique).
//   - DefaultThreshold: check-ins per reward when no active template exists.
//   - CooldownSeconds: per-business cooldown override; 0 uses the service default.
//   - MinimumAge: age gate for first check-in; 0 disables it.
//   - RewardExpiryDays: default applied when creating reward templates only.
type Business struct {
	ID               string         `json:"id"                 gorm:"type:char(36);primaryKey"`
	Slug             string         `json:"slug"               gorm:"type:varchar(64);not null;uniqueIndex:ux_business_slug"`
	Name             string         `json:"name"               gorm:"type:varchar(255);not null"`
	DefaultThreshold int            `json:"default_threshold"  gorm:"not null;default:10"`
	CooldownSeconds  int64          `json:"cooldown_seconds"   gorm:"not null;default:0"`
	MinimumAge       int            `json:"minimum_age"        gorm:"not null;default:0"`
	RewardExpiryDays int            `json:"reward_expiry_days" gorm:"not null;default:90"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	DeletedAt        gorm.DeletedAt `json:"-"                  gorm:"index"`
}

// TableName returns the database table name for Business.
func (Business) TableName() string { return "businesses" }

// Customer is the engagement record of one phone number at one business.
// Exactly one row exists per (business_id, phone); the unique index enforces it.
//
// CheckinCount only moves forward, except for the reset that follows a reward
// redemption. Version is bumped by every counter mutation and backs the
// compare-and-swap increments used by the live check-in path.
//
// LastCheckinAt records the latest visit from any source. LastLiveCheckinAt is
// written only by counted live check-ins and is the cooldown anchor, so bulk
// imports never influence live cooldown.
//
// ImportRunID is set only on records created by a tracked import run and
// selects the recipients of that run's welcome messages.
//
// Rows are never hard-deleted; DeletedAt is a soft-delete marker so that
// reward history keeps its references.
type Customer struct {
	ID                string            `json:"id"                   gorm:"type:char(36);primaryKey"`
	BusinessID        string            `json:"business_id"          gorm:"type:char(36);not null;uniqueIndex:ux_customer_business_phone,priority:1"`
	Phone             string            `json:"phone"                gorm:"type:varchar(20);not null;uniqueIndex:ux_customer_business_phone,priority:2"`
	Name              string            `json:"name,omitempty"       gorm:"type:varchar(255)"`
	Email             string            `json:"email,omitempty"      gorm:"type:varchar(255)"`
	Notes             string            `json:"notes,omitempty"      gorm:"type:text"`
	CheckinCount      int               `json:"checkin_count"        gorm:"not null;default:0;check:checkin_count >= 0"`
	Version           int64             `json:"-"                    gorm:"not null;default:0"`
	RewardsIssued     int               `json:"rewards_issued"       gorm:"not null;default:0"`
	FirstCheckinAt    *time.Time        `json:"first_checkin_at,omitempty"`
	LastCheckinAt     *time.Time        `json:"last_checkin_at,omitempty" gorm:"index"`
	LastLiveCheckinAt *time.Time        `json:"-"`
	SubscriptionState SubscriptionState `json:"subscription_state"   gorm:"type:varchar(16);not null;default:'active'"`
	MarketingConsent  bool              `json:"marketing_consent"    gorm:"not null;default:false"`
	AgeVerified       bool              `json:"age_verified"         gorm:"not null;default:false"`
	DateOfBirth       *time.Time        `json:"-"`
	ConsentSource     string            `json:"consent_source"       gorm:"type:varchar(16)"`
	CreatedVia        CheckinSource     `json:"created_via"          gorm:"type:varchar(16);not null"`
	ImportRunID       *string           `json:"-"                    gorm:"type:char(36);index"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	DeletedAt         gorm.DeletedAt    `json:"-"                    gorm:"index"`

	Business Business `json:"-" gorm:"foreignKey:BusinessID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT"`
}

// TableName returns the database table name for Customer.
func (Customer) TableName() string { return "customers" }

// CheckinEvent is an append-only audit entry for every check-in attempt,
// including the ones rejected by cooldown and the ones replayed from imports.
type CheckinEvent struct {
	ID                     string        `json:"id"                       gorm:"type:char(36);primaryKey"`
	BusinessID             string        `json:"business_id"              gorm:"type:char(36);not null;index:idx_events_business_time,priority:1"`
	CustomerID             *string       `json:"customer_id,omitempty"    gorm:"type:char(36);index"`
	Phone                  string        `json:"phone"                    gorm:"type:varchar(20);not null"`
	Source                 CheckinSource `json:"source"                   gorm:"type:varchar(16);not null"`
	CountedTowardThreshold bool          `json:"counted_toward_threshold" gorm:"not null"`
	CountAfter             int           `json:"count_after"              gorm:"not null;default:0"`
	CreatedAt              time.Time     `json:"created_at"               gorm:"index:idx_events_business_time,priority:2"`
}

// TableName returns the database table name for CheckinEvent.
func (CheckinEvent) TableName() string { return "checkin_events" }
