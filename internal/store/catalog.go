package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/mealmesh/api/internal/domain"
)

// Catalog queries. These surfaces are owned by the out-of-scope CRUD
// subsystems; the order core only reads them, except for the coupon usage
// counter and driver availability.

func (s *Store) GetRestaurant(ctx context.Context, id uuid.UUID) (domain.Restaurant, error) {
	var (
		r        domain.Restaurant
		fee, min pgtype.Numeric
	)
	err := s.db.QueryRow(ctx, `
		SELECT id, owner_id, is_active, is_open, delivery_fee, minimum_order
		FROM restaurants WHERE id = $1`, id).
		Scan(&r.ID, &r.OwnerID, &r.IsActive, &r.IsOpen, &fee, &min)
	if err != nil {
		return r, fmt.Errorf("get restaurant: %w", err)
	}
	r.DeliveryFee = numericToDecimal(fee)
	r.MinimumOrder = numericToDecimal(min)
	return r, nil
}

// GetMenuItems returns the rows for the requested ids. Callers treat a
// shorter result set as a partial-availability error.
func (s *Store) GetMenuItems(ctx context.Context, ids []uuid.UUID) ([]domain.MenuItem, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, restaurant_id, price, discount_price, is_available
		FROM menu_items WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("get menu items: %w", err)
	}
	defer rows.Close()

	var items []domain.MenuItem
	for rows.Next() {
		var (
			m             domain.MenuItem
			price         pgtype.Numeric
			discountPrice pgtype.Numeric
		)
		if err := rows.Scan(&m.ID, &m.RestaurantID, &price, &discountPrice, &m.IsAvailable); err != nil {
			return nil, fmt.Errorf("scan menu item: %w", err)
		}
		m.Price = numericToDecimal(price)
		if discountPrice.Valid {
			d := numericToDecimal(discountPrice)
			m.DiscountPrice = &d
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

// GetAddress looks up an address scoped to its owner, so a foreign
// address id behaves exactly like a missing one.
func (s *Store) GetAddress(ctx context.Context, id, ownerID uuid.UUID) (domain.Address, error) {
	var a domain.Address
	err := s.db.QueryRow(ctx, `
		SELECT id, owner_id FROM addresses WHERE id = $1 AND owner_id = $2`, id, ownerID).
		Scan(&a.ID, &a.OwnerID)
	if err != nil {
		return a, fmt.Errorf("get address: %w", err)
	}
	return a, nil
}

func (s *Store) GetCoupon(ctx context.Context, code string) (domain.Coupon, error) {
	var (
		c               domain.Coupon
		value, minOrder pgtype.Numeric
		maxDiscount     pgtype.Numeric
	)
	err := s.db.QueryRow(ctx, `
		SELECT code, discount_type, discount_value, minimum_order, max_discount,
			usage_limit, usage_count, is_active, valid_from, valid_until
		FROM coupons WHERE code = $1`, code).
		Scan(&c.Code, &c.DiscountType, &value, &minOrder, &maxDiscount,
			&c.UsageLimit, &c.UsageCount, &c.IsActive, &c.ValidFrom, &c.ValidUntil)
	if err != nil {
		return c, fmt.Errorf("get coupon: %w", err)
	}
	c.DiscountValue = numericToDecimal(value)
	c.MinimumOrder = numericToDecimal(minOrder)
	if maxDiscount.Valid {
		d := numericToDecimal(maxDiscount)
		c.MaxDiscount = &d
	}
	return c, nil
}

// IncrementCouponUsage bumps the usage counter only while the limit
// holds. The false return means the coupon was exhausted by a concurrent
// order; callers run this inside the creation transaction so the whole
// order rolls back.
func (s *Store) IncrementCouponUsage(ctx context.Context, code string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE coupons SET usage_count = usage_count + 1
		WHERE code = $1 AND (usage_limit IS NULL OR usage_count < usage_limit)`, code)
	if err != nil {
		return false, fmt.Errorf("increment coupon usage: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetDriverAvailability upserts the driver's availability flag.
func (s *Store) SetDriverAvailability(ctx context.Context, driverID uuid.UUID, available bool) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO drivers (id, is_available, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (id) DO UPDATE SET is_available = $2, updated_at = now()`,
		driverID, available)
	if err != nil {
		return fmt.Errorf("set driver availability: %w", err)
	}
	return nil
}
