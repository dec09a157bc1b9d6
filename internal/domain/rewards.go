package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// DiscountType describes how a reward's value is applied.
type DiscountType string

const (
	DiscountNone       DiscountType = "none"
	DiscountFixed      DiscountType = "fixed"
	DiscountPercentage DiscountType = "percentage"
)

// RewardTemplate is a business-configured reward definition. The active
// template with the lowest Priority wins when several are active.
type RewardTemplate struct {
	ID            string          `json:"id"             gorm:"type:char(36);primaryKey"`
	BusinessID    string          `json:"business_id"    gorm:"type:char(36);not null;index:idx_templates_business_priority,priority:1"`
	Name          string          `json:"name"           gorm:"type:varchar(255);not null"`
	Threshold     int             `json:"threshold"      gorm:"not null;check:threshold > 0"`
	DiscountType  DiscountType    `json:"discount_type"  gorm:"type:varchar(16);not null;default:'none'"`
	DiscountValue decimal.Decimal `json:"discount_value" gorm:"type:decimal(10,2);not null;default:0"`
	Priority      int             `json:"priority"       gorm:"not null;default:0;index:idx_templates_business_priority,priority:2"`
	ExpiryDays    int             `json:"expiry_days"    gorm:"not null;default:0"`
	IsActive      bool            `json:"is_active"      gorm:"not null"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// TableName returns the database table name for RewardTemplate.
func (RewardTemplate) TableName() string { return "reward_templates" }

// RewardInstance is a concrete reward issued to one customer at one threshold
// crossing. Discount terms are copied from the template at mint time so later
// template edits do not change rewards already handed out.
//
// Redeemed only ever goes from false to true. Expired is set by the
// maintenance sweep; the row itself is kept for history.
type RewardInstance struct {
	ID            string          `json:"id"                    gorm:"type:char(36);primaryKey"`
	BusinessID    string          `json:"business_id"           gorm:"type:char(36);not null;index"`
	CustomerID    string          `json:"customer_id"           gorm:"type:char(36);not null;index"`
	TemplateID    string          `json:"template_id"           gorm:"type:char(36);not null;index"`
	Code          string          `json:"code"                  gorm:"type:varchar(32);not null;uniqueIndex:ux_reward_code"`
	Title         string          `json:"title"                 gorm:"type:varchar(255);not null"`
	DiscountType  DiscountType    `json:"discount_type"         gorm:"type:varchar(16);not null"`
	DiscountValue decimal.Decimal `json:"discount_value"        gorm:"type:decimal(10,2);not null;default:0"`
	Threshold     int             `json:"threshold"             gorm:"not null"`
	IssuedAt      time.Time       `json:"issued_at"             gorm:"not null"`
	ExpiresAt     time.Time       `json:"expires_at"            gorm:"not null;index"`
	Redeemed      bool            `json:"redeemed"              gorm:"not null;default:false"`
	RedeemedAt    *time.Time      `json:"redeemed_at,omitempty"`
	Expired       bool            `json:"expired"               gorm:"not null;default:false;index"`

	Customer Customer       `json:"-" gorm:"foreignKey:CustomerID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT"`
	Template RewardTemplate `json:"-" gorm:"foreignKey:TemplateID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT"`
}

// TableName returns the database table name for RewardInstance.
func (RewardInstance) TableName() string { return "reward_instances" }

// Terms renders the human-readable discount terms of the instance.
func (r RewardInstance) Terms() string {
	return DescribeDiscount(r.Title, r.DiscountType, r.DiscountValue)
}

// DescribeDiscount formats discount terms for customer-facing messages.
func DescribeDiscount(title string, kind DiscountType, value decimal.Decimal) string {
	switch kind {
	case DiscountPercentage:
		return value.StringFixedBank(0) + "% off"
	case DiscountFixed:
		return "$" + value.StringFixed(2) + " off"
	default:
		if title == "" {
			return "a free reward"
		}
		return title
	}
}
