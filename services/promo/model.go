package promo

import (
	"time"
)

type DiscountType string

const (
	DiscountPercentage DiscountType = "percentage"
	DiscountFixed      DiscountType = "fixed"
)

type PromoCode struct {
	ID           string       `gorm:"column:id;primaryKey"`
	Code         string       `gorm:"column:code;not null;uniqueIndex"`
	DiscountType DiscountType `gorm:"column:discount_type;not null"`
	// DiscountValue is a percentage for percentage codes, minor units for
	// fixed codes.
	DiscountValue int64      `gorm:"column:discount_value;not null"`
	MaxDiscount   *int64     `gorm:"column:max_discount"`
	MinPurchase   int64      `gorm:"column:min_purchase;not null;default:0"`
	UsageCount    int        `gorm:"column:usage_count;not null;default:0"`
	UsageLimit    *int       `gorm:"column:usage_limit"`
	IsActive      bool       `gorm:"column:is_active;not null;default:true"`
	ExpiresAt     *time.Time `gorm:"column:expires_at"`
	CreatedAt     time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// Discount is the outcome of validating a promo code against an order's
// subtotal. Amount is already clamped to [0, subtotal].
type Discount struct {
	Code   string
	Amount int64
}

// ComputeDiscount applies the code's rule to a subtotal. Percentage
// codes honor max_discount; fixed codes never exceed the subtotal.
func ComputeDiscount(p *PromoCode, subtotal int64) int64 {
	var amount int64
	switch p.DiscountType {
	case DiscountPercentage:
		amount = subtotal * p.DiscountValue / 100
		if p.MaxDiscount != nil && amount > *p.MaxDiscount {
			amount = *p.MaxDiscount
		}
	case DiscountFixed:
		amount = p.DiscountValue
	}
	if amount > subtotal {
		amount = subtotal
	}
	if amount < 0 {
		amount = 0
	}
	return amount
}
