package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/samber/lo"

	"github.com/mealmesh/api/internal/domain"
)

const orderColumns = `id, order_number, customer_id, restaurant_id, driver_id, address_id,
	status, subtotal, delivery_fee, tax, discount, total,
	payment_method, payment_status, coupon_code, notes, cancel_reason,
	estimated_delivery_time, created_at, confirmed_at, prepared_at,
	picked_up_at, delivered_at, cancelled_at`

// CreateOrder inserts the order row. Line items are inserted separately so
// the caller can run both inside one transaction.
func (s *Store) CreateOrder(ctx context.Context, o domain.Order) (domain.Order, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO orders (order_number, customer_id, restaurant_id, address_id,
			status, subtotal, delivery_fee, tax, discount, total,
			payment_method, payment_status, coupon_code, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING `+orderColumns,
		o.OrderNumber, o.CustomerID, o.RestaurantID, o.AddressID,
		o.Status, decimalToNumeric(o.Subtotal), decimalToNumeric(o.DeliveryFee),
		decimalToNumeric(o.Tax), decimalToNumeric(o.Discount), decimalToNumeric(o.Total),
		o.PaymentMethod, o.PaymentStatus, o.CouponCode, o.Notes,
	)

	created, err := scanOrder(row)
	if err != nil {
		return domain.Order{}, fmt.Errorf("insert order: %w", err)
	}
	return created, nil
}

// CreateOrderItem inserts one line item.
func (s *Store) CreateOrderItem(ctx context.Context, item domain.OrderItem) (domain.OrderItem, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO order_items (order_id, menu_item_id, quantity, unit_price, notes)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, order_id, menu_item_id, quantity, unit_price, notes`,
		item.OrderID, item.MenuItemID, item.Quantity, decimalToNumeric(item.UnitPrice), item.Notes,
	)

	var (
		out   domain.OrderItem
		price pgtype.Numeric
	)
	if err := row.Scan(&out.ID, &out.OrderID, &out.MenuItemID, &out.Quantity, &price, &out.Notes); err != nil {
		return domain.OrderItem{}, fmt.Errorf("insert order item: %w", err)
	}
	out.UnitPrice = numericToDecimal(price)
	return out, nil
}

// GetOrder fetches an order with its line items.
func (s *Store) GetOrder(ctx context.Context, id uuid.UUID) (domain.Order, error) {
	row := s.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	order, err := scanOrder(row)
	if err != nil {
		return domain.Order{}, fmt.Errorf("get order: %w", err)
	}

	items, err := s.listOrderItems(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	order.Items = items
	return order, nil
}

func (s *Store) listOrderItems(ctx context.Context, orderID uuid.UUID) ([]domain.OrderItem, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, order_id, menu_item_id, quantity, unit_price, notes
		FROM order_items WHERE order_id = $1 ORDER BY id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list order items: %w", err)
	}
	defer rows.Close()

	var items []domain.OrderItem
	for rows.Next() {
		var (
			item  domain.OrderItem
			price pgtype.Numeric
		)
		if err := rows.Scan(&item.ID, &item.OrderID, &item.MenuItemID, &item.Quantity, &price, &item.Notes); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		item.UnitPrice = numericToDecimal(price)
		items = append(items, item)
	}
	return items, rows.Err()
}

// ListOrdersFilter scopes a listing to one participant column.
// Exactly zero or one of the ID fields should be set; zero means all
// orders (admin listing).
type ListOrdersFilter struct {
	CustomerID        *uuid.UUID
	RestaurantID      *uuid.UUID
	RestaurantOwnerID *uuid.UUID
	DriverID          *uuid.UUID
	Limit             int32
	Offset            int32
}

// ListOrders returns orders without their line items, newest first.
func (s *Store) ListOrders(ctx context.Context, f ListOrdersFilter) ([]domain.Order, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE ($1::uuid IS NULL OR customer_id = $1)
		  AND ($2::uuid IS NULL OR restaurant_id = $2)
		  AND ($3::uuid IS NULL OR restaurant_id IN (SELECT id FROM restaurants WHERE owner_id = $3))
		  AND ($4::uuid IS NULL OR driver_id = $4)
		ORDER BY created_at DESC
		LIMIT $5 OFFSET $6`,
		f.CustomerID, f.RestaurantID, f.RestaurantOwnerID, f.DriverID, f.Limit, f.Offset)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

// UpdateOrderStatusParams is a conditional update keyed on the expected
// prior status; no row matches when a concurrent writer got there first.
type UpdateOrderStatusParams struct {
	ID                    uuid.UUID
	ExpectedStatus        string
	NewStatus             string
	EstimatedDeliveryTime *time.Time
}

// UpdateOrderStatus advances the status and stamps the entered state's
// timestamp exactly once. Cash orders flip to payment COMPLETED on
// delivery. Returns pgx.ErrNoRows when the expected status no longer holds.
func (s *Store) UpdateOrderStatus(ctx context.Context, p UpdateOrderStatusParams) (domain.Order, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE orders SET
			status = $2,
			confirmed_at = CASE WHEN $2 = 'CONFIRMED' THEN COALESCE(confirmed_at, now()) ELSE confirmed_at END,
			prepared_at = CASE WHEN $2 = 'READY_FOR_PICKUP' THEN COALESCE(prepared_at, now()) ELSE prepared_at END,
			picked_up_at = CASE WHEN $2 = 'OUT_FOR_DELIVERY' THEN COALESCE(picked_up_at, now()) ELSE picked_up_at END,
			delivered_at = CASE WHEN $2 = 'DELIVERED' THEN COALESCE(delivered_at, now()) ELSE delivered_at END,
			payment_status = CASE WHEN $2 = 'DELIVERED' AND payment_method = 'CASH' THEN 'COMPLETED' ELSE payment_status END,
			estimated_delivery_time = COALESCE($4, estimated_delivery_time)
		WHERE id = $1 AND status = $3
		RETURNING `+orderColumns,
		p.ID, p.NewStatus, p.ExpectedStatus, p.EstimatedDeliveryTime)

	order, err := scanOrder(row)
	if err != nil {
		return domain.Order{}, fmt.Errorf("update order status: %w", err)
	}
	return order, nil
}

// CancelOrder sets CANCELLED with a reason, conditional on the expected
// prior status. Returns pgx.ErrNoRows on a lost race.
func (s *Store) CancelOrder(ctx context.Context, id uuid.UUID, expectedStatus, reason string) (domain.Order, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE orders SET
			status = 'CANCELLED',
			cancelled_at = COALESCE(cancelled_at, now()),
			cancel_reason = $3
		WHERE id = $1 AND status = $2
		RETURNING `+orderColumns,
		id, expectedStatus, reason)

	order, err := scanOrder(row)
	if err != nil {
		return domain.Order{}, fmt.Errorf("cancel order: %w", err)
	}
	return order, nil
}

// AssignDriver sets the driver exactly once per delivery attempt.
// Returns pgx.ErrNoRows if a driver is already assigned.
func (s *Store) AssignDriver(ctx context.Context, orderID, driverID uuid.UUID) (domain.Order, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE orders SET driver_id = $2
		WHERE id = $1 AND driver_id IS NULL
		RETURNING `+orderColumns,
		orderID, driverID)

	order, err := scanOrder(row)
	if err != nil {
		return domain.Order{}, fmt.Errorf("assign driver: %w", err)
	}
	return order, nil
}

func scanOrder(row pgx.Row) (domain.Order, error) {
	var (
		o                                      domain.Order
		driverID                               *uuid.UUID
		subtotal, fee, tax, discount, total    pgtype.Numeric
		estimated                              pgtype.Timestamptz
		confirmed, prepared, picked, delivered pgtype.Timestamptz
		cancelled                              pgtype.Timestamptz
	)

	err := row.Scan(&o.ID, &o.OrderNumber, &o.CustomerID, &o.RestaurantID, &driverID, &o.AddressID,
		&o.Status, &subtotal, &fee, &tax, &discount, &total,
		&o.PaymentMethod, &o.PaymentStatus, &o.CouponCode, &o.Notes, &o.CancelReason,
		&estimated, &o.CreatedAt, &confirmed, &prepared, &picked, &delivered, &cancelled)
	if err != nil {
		return o, err
	}

	o.DriverID = driverID
	o.Subtotal = numericToDecimal(subtotal)
	o.DeliveryFee = numericToDecimal(fee)
	o.Tax = numericToDecimal(tax)
	o.Discount = numericToDecimal(discount)
	o.Total = numericToDecimal(total)
	o.EstimatedDeliveryTime = timePtr(estimated)
	o.ConfirmedAt = timePtr(confirmed)
	o.PreparedAt = timePtr(prepared)
	o.PickedUpAt = timePtr(picked)
	o.DeliveredAt = timePtr(delivered)
	o.CancelledAt = timePtr(cancelled)
	return o, nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	return lo.ToPtr(t.Time)
}
