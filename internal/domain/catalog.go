package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Restaurant carries only what order processing needs; the full profile
// belongs to the restaurant CRUD surface.
type Restaurant struct {
	ID           uuid.UUID
	OwnerID      uuid.UUID
	IsActive     bool
	IsOpen       bool
	DeliveryFee  decimal.Decimal
	MinimumOrder decimal.Decimal
}

type MenuItem struct {
	ID            uuid.UUID
	RestaurantID  uuid.UUID
	Price         decimal.Decimal
	DiscountPrice *decimal.Decimal
	IsAvailable   bool
}

// EffectivePrice is the discount price if present and lower, else the
// list price.
func (m MenuItem) EffectivePrice() decimal.Decimal {
	if m.DiscountPrice != nil && m.DiscountPrice.LessThan(m.Price) {
		return *m.DiscountPrice
	}
	return m.Price
}

type Address struct {
	ID      uuid.UUID
	OwnerID uuid.UUID
}

type Coupon struct {
	Code          string
	DiscountType  string
	DiscountValue decimal.Decimal
	MinimumOrder  decimal.Decimal
	MaxDiscount   *decimal.Decimal
	UsageLimit    *int32
	UsageCount    int32
	IsActive      bool
	ValidFrom     time.Time
	ValidUntil    time.Time
}

// ApplicableTo reports whether the coupon may discount an order with the
// given subtotal at time now. Usage-limit enforcement at commit time is
// the store's job; this is the pricing-time check.
func (c Coupon) ApplicableTo(subtotal decimal.Decimal, now time.Time) bool {
	if !c.IsActive {
		return false
	}
	if now.Before(c.ValidFrom) || now.After(c.ValidUntil) {
		return false
	}
	if subtotal.LessThan(c.MinimumOrder) {
		return false
	}
	if c.UsageLimit != nil && c.UsageCount >= *c.UsageLimit {
		return false
	}
	return true
}

// PriceBreakdown is the result of pricing an order.
type PriceBreakdown struct {
	Subtotal    decimal.Decimal
	DeliveryFee decimal.Decimal
	Tax         decimal.Decimal
	Discount    decimal.Decimal
	Total       decimal.Decimal
}
