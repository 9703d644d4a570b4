package enum

// ── Order lifecycle (CHECK constrained in DB) ──

const (
	OrderStatusPending        = "PENDING"
	OrderStatusConfirmed      = "CONFIRMED"
	OrderStatusPreparing      = "PREPARING"
	OrderStatusReadyForPickup = "READY_FOR_PICKUP"
	OrderStatusOutForDelivery = "OUT_FOR_DELIVERY"
	OrderStatusDelivered      = "DELIVERED"
	OrderStatusCancelled      = "CANCELLED"
)

const (
	PaymentStatusPending   = "PENDING"
	PaymentStatusCompleted = "COMPLETED"
	PaymentStatusFailed    = "FAILED"
	PaymentStatusRefunded  = "REFUNDED"
)

// ── Roles ──

const (
	UserRoleCustomer        = "CUSTOMER"
	UserRoleRestaurantOwner = "RESTAURANT_OWNER"
	UserRoleDriver          = "DRIVER"
	UserRoleAdmin           = "ADMIN"
)

// ── Configurable labels (no DB constraint) ──

const (
	PaymentMethodCash   = "CASH"
	PaymentMethodCard   = "CARD"
	PaymentMethodWallet = "WALLET"
)

const (
	DiscountTypePercentage = "PERCENTAGE"
	DiscountTypeFixed      = "FIXED_AMOUNT"
)

// ValidOrderStatus reports whether s is a member of the order status enum.
func ValidOrderStatus(s string) bool {
	switch s {
	case OrderStatusPending, OrderStatusConfirmed, OrderStatusPreparing,
		OrderStatusReadyForPickup, OrderStatusOutForDelivery,
		OrderStatusDelivered, OrderStatusCancelled:
		return true
	}
	return false
}

// ValidRole reports whether s is a known user role.
func ValidRole(s string) bool {
	switch s {
	case UserRoleCustomer, UserRoleRestaurantOwner, UserRoleDriver, UserRoleAdmin:
		return true
	}
	return false
}
