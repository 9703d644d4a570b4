package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Order is the central entity. Money fields always satisfy
// total = subtotal + delivery_fee + tax - discount.
type Order struct {
	ID            uuid.UUID
	OrderNumber   string
	CustomerID    uuid.UUID
	RestaurantID  uuid.UUID
	DriverID      *uuid.UUID
	AddressID     uuid.UUID
	Status        string
	Subtotal      decimal.Decimal
	DeliveryFee   decimal.Decimal
	Tax           decimal.Decimal
	Discount      decimal.Decimal
	Total         decimal.Decimal
	PaymentMethod string
	PaymentStatus string
	CouponCode    *string
	Notes         *string
	CancelReason  *string

	EstimatedDeliveryTime *time.Time

	CreatedAt   time.Time
	ConfirmedAt *time.Time
	PreparedAt  *time.Time
	PickedUpAt  *time.Time
	DeliveredAt *time.Time
	CancelledAt *time.Time

	Items []OrderItem
}

// OrderItem snapshots the unit price at order time; it never changes
// afterwards even if the menu item's price does.
type OrderItem struct {
	ID         uuid.UUID
	OrderID    uuid.UUID
	MenuItemID uuid.UUID
	Quantity   int32
	UnitPrice  decimal.Decimal
	Notes      *string
}
