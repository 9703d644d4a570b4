// Package pricing turns a restaurant, a set of line items and an optional
// coupon into a cost breakdown. It performs no I/O; callers fetch the
// catalog rows first.
package pricing

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mealmesh/api/internal/domain"
	"github.com/mealmesh/api/internal/enum"
)

var (
	ErrItemUnavailable   = errors.New("item unavailable")
	ErrBelowMinimumOrder = errors.New("below minimum order")
)

// TaxRate is the flat tax applied to the discounted subtotal.
var TaxRate = decimal.NewFromFloat(0.14)

var oneHundred = decimal.NewFromInt(100)

// Item is one requested line: a menu item reference and a quantity.
type Item struct {
	MenuItemID uuid.UUID
	Quantity   int32
}

// Line is a priced line item with the unit price captured at pricing time.
type Line struct {
	MenuItemID uuid.UUID
	Quantity   int32
	UnitPrice  decimal.Decimal
}

// Calculate prices an order. menu must contain a row for every requested
// item; missing, unavailable or foreign-restaurant items fail with
// ErrItemUnavailable. An inapplicable coupon yields zero discount, not an
// error; creation-time usage-limit enforcement happens at commit.
func Calculate(restaurant domain.Restaurant, items []Item, menu []domain.MenuItem, coupon *domain.Coupon, now time.Time) (domain.PriceBreakdown, []Line, error) {
	var zero domain.PriceBreakdown

	byID := make(map[uuid.UUID]domain.MenuItem, len(menu))
	for _, m := range menu {
		byID[m.ID] = m
	}

	subtotal := decimal.Zero
	lines := make([]Line, 0, len(items))
	for i, item := range items {
		if item.Quantity < 1 {
			return zero, nil, fmt.Errorf("items[%d]: quantity must be >= 1: %w", i, ErrItemUnavailable)
		}
		m, ok := byID[item.MenuItemID]
		if !ok {
			return zero, nil, fmt.Errorf("items[%d]: %w", i, ErrItemUnavailable)
		}
		if !m.IsAvailable || m.RestaurantID != restaurant.ID {
			return zero, nil, fmt.Errorf("items[%d]: %w", i, ErrItemUnavailable)
		}

		unit := m.EffectivePrice()
		subtotal = subtotal.Add(unit.Mul(decimal.NewFromInt32(item.Quantity)))
		lines = append(lines, Line{
			MenuItemID: item.MenuItemID,
			Quantity:   item.Quantity,
			UnitPrice:  unit,
		})
	}

	if subtotal.LessThan(restaurant.MinimumOrder) {
		return zero, nil, fmt.Errorf("%w: minimum order is %s", ErrBelowMinimumOrder, restaurant.MinimumOrder.StringFixed(2))
	}

	discount := couponDiscount(coupon, subtotal, now)

	tax := subtotal.Sub(discount).Mul(TaxRate).Round(2)
	total := subtotal.Add(restaurant.DeliveryFee).Add(tax).Sub(discount)

	// Discount is capped at subtotal and the fee is non-negative, so a
	// negative total means a caller bug.
	if total.IsNegative() {
		return zero, nil, fmt.Errorf("negative total %s for subtotal %s", total, subtotal)
	}

	return domain.PriceBreakdown{
		Subtotal:    subtotal,
		DeliveryFee: restaurant.DeliveryFee,
		Tax:         tax,
		Discount:    discount,
		Total:       total,
	}, lines, nil
}

// couponDiscount returns zero for a nil or inapplicable coupon.
// Percentage coupons are capped at MaxDiscount when set; fixed coupons are
// capped at the subtotal.
func couponDiscount(c *domain.Coupon, subtotal decimal.Decimal, now time.Time) decimal.Decimal {
	if c == nil || !c.ApplicableTo(subtotal, now) {
		return decimal.Zero
	}

	var d decimal.Decimal
	switch c.DiscountType {
	case enum.DiscountTypePercentage:
		d = subtotal.Mul(c.DiscountValue).Div(oneHundred).Round(2)
		if c.MaxDiscount != nil && d.GreaterThan(*c.MaxDiscount) {
			d = *c.MaxDiscount
		}
	case enum.DiscountTypeFixed:
		d = c.DiscountValue
	default:
		return decimal.Zero
	}

	if d.GreaterThan(subtotal) {
		d = subtotal
	}
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
