package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/mealmesh/api/internal/domain"
	"github.com/mealmesh/api/internal/enum"
	"github.com/mealmesh/api/internal/pricing"
	"github.com/mealmesh/api/internal/store"
)

const (
	maxOrderNumberRetries = 3

	// A CONFIRMED order can only be cancelled this soon after creation;
	// PENDING orders can be cancelled at any time.
	cancellationWindow = 5 * time.Minute
)

// Errors returned by the order service. Pricing errors
// (pricing.ErrItemUnavailable, pricing.ErrBelowMinimumOrder) propagate
// unchanged.
var (
	ErrEmptyItems                = errors.New("items are required")
	ErrInvalidPaymentMethod      = errors.New("invalid payment_method")
	ErrRestaurantNotFound        = errors.New("restaurant not found")
	ErrRestaurantClosed          = errors.New("restaurant is closed")
	ErrAddressNotFound           = errors.New("address not found")
	ErrOrderNotFound             = errors.New("order not found")
	ErrInvalidStatus             = errors.New("invalid status")
	ErrAccessDenied              = errors.New("access denied")
	ErrEmptyCancelReason         = errors.New("cancellation reason is required")
	ErrCancellationWindowExpired = errors.New("cancellation window expired")
	ErrConcurrentUpdateConflict  = errors.New("order changed concurrently, please retry")
	ErrCouponExhausted           = errors.New("coupon usage limit reached")
	ErrDriverAlreadyAssigned     = errors.New("driver already assigned")
)

// TxBeginner starts a new database transaction.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// OrderStore defines the DB methods the lifecycle controller needs.
// Satisfied by *store.Store (pool- or tx-backed).
type OrderStore interface {
	CreateOrder(ctx context.Context, o domain.Order) (domain.Order, error)
	CreateOrderItem(ctx context.Context, item domain.OrderItem) (domain.OrderItem, error)
	GetOrder(ctx context.Context, id uuid.UUID) (domain.Order, error)
	ListOrders(ctx context.Context, f store.ListOrdersFilter) ([]domain.Order, error)
	UpdateOrderStatus(ctx context.Context, p store.UpdateOrderStatusParams) (domain.Order, error)
	CancelOrder(ctx context.Context, id uuid.UUID, expectedStatus, reason string) (domain.Order, error)
	AssignDriver(ctx context.Context, orderID, driverID uuid.UUID) (domain.Order, error)

	GetRestaurant(ctx context.Context, id uuid.UUID) (domain.Restaurant, error)
	GetMenuItems(ctx context.Context, ids []uuid.UUID) ([]domain.MenuItem, error)
	GetAddress(ctx context.Context, id, ownerID uuid.UUID) (domain.Address, error)
	GetCoupon(ctx context.Context, code string) (domain.Coupon, error)
	IncrementCouponUsage(ctx context.Context, code string) (bool, error)
}

// NewOrderStore creates an OrderStore from a DBTX (pool or tx), letting
// the service run the same queries inside its creation transaction.
type NewOrderStore func(db store.DBTX) OrderStore

// Notifier receives lifecycle events after the durable write commits.
// Implementations push to connected clients; a nil Notifier is valid.
type Notifier interface {
	OrderCreated(order domain.Order, restaurantOwnerID uuid.UUID)
	OrderStatusChanged(order domain.Order, message string)
	DriverAssigned(order domain.Order)
}

// OrderService validates requests, prices orders, drives the state
// machine and triggers distribution after commit.
type OrderService struct {
	pool     TxBeginner
	store    OrderStore
	newStore NewOrderStore
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time
}

func NewOrderService(pool TxBeginner, st OrderStore, newStore NewOrderStore, notifier Notifier, logger *zap.Logger) *OrderService {
	return &OrderService{
		pool:     pool,
		store:    st,
		newStore: newStore,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// allowedTransitions is the strict sequential state machine; forward
// jumps are rejected and DELIVERED/CANCELLED are terminal.
var allowedTransitions = map[string][]string{
	enum.OrderStatusPending:        {enum.OrderStatusConfirmed, enum.OrderStatusCancelled},
	enum.OrderStatusConfirmed:      {enum.OrderStatusPreparing, enum.OrderStatusCancelled},
	enum.OrderStatusPreparing:      {enum.OrderStatusReadyForPickup},
	enum.OrderStatusReadyForPickup: {enum.OrderStatusOutForDelivery},
	enum.OrderStatusOutForDelivery: {enum.OrderStatusDelivered},
}

func validateStatusTransition(current, next string) error {
	for _, s := range allowedTransitions[current] {
		if s == next {
			return nil
		}
	}
	return fmt.Errorf("%w: cannot transition from %s to %s", ErrInvalidStatus, current, next)
}

// --- Requests ---

type ItemRequest struct {
	MenuItemID uuid.UUID
	Quantity   int32
	Notes      string
}

type CalculateRequest struct {
	RestaurantID uuid.UUID
	Items        []ItemRequest
	CouponCode   string
}

type CreateOrderRequest struct {
	CustomerID    uuid.UUID
	RestaurantID  uuid.UUID
	AddressID     uuid.UUID
	Items         []ItemRequest
	PaymentMethod string
	Notes         string
	CouponCode    string
}

type UpdateStatusRequest struct {
	OrderID               uuid.UUID
	RequesterID           uuid.UUID
	RequesterRole         string
	NewStatus             string
	EstimatedDeliveryTime *time.Time
}

// --- Operations ---

// Calculate prices a prospective order without side effects. An unknown
// or inapplicable coupon code yields zero discount, not an error.
func (s *OrderService) Calculate(ctx context.Context, req CalculateRequest) (domain.PriceBreakdown, error) {
	var zero domain.PriceBreakdown

	if len(req.Items) == 0 {
		return zero, ErrEmptyItems
	}

	restaurant, err := s.store.GetRestaurant(ctx, req.RestaurantID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return zero, ErrRestaurantNotFound
		}
		return zero, fmt.Errorf("get restaurant: %w", err)
	}

	menu, err := s.store.GetMenuItems(ctx, menuItemIDs(req.Items))
	if err != nil {
		return zero, fmt.Errorf("get menu items: %w", err)
	}

	coupon := s.lookupCoupon(ctx, req.CouponCode)

	breakdown, _, err := pricing.Calculate(restaurant, toPricingItems(req.Items), menu, coupon, s.now())
	if err != nil {
		return zero, err
	}
	return breakdown, nil
}

// Create validates, prices and persists an order atomically, then emits
// a new-order event to the restaurant owner.
func (s *OrderService) Create(ctx context.Context, req CreateOrderRequest) (domain.Order, error) {
	var zero domain.Order

	if len(req.Items) == 0 {
		return zero, ErrEmptyItems
	}
	if !validPaymentMethod(req.PaymentMethod) {
		return zero, ErrInvalidPaymentMethod
	}

	restaurant, err := s.store.GetRestaurant(ctx, req.RestaurantID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return zero, ErrRestaurantNotFound
		}
		return zero, fmt.Errorf("get restaurant: %w", err)
	}
	if !restaurant.IsActive || !restaurant.IsOpen {
		return zero, ErrRestaurantClosed
	}

	// Scoped by owner so foreign addresses are indistinguishable from
	// missing ones.
	if _, err := s.store.GetAddress(ctx, req.AddressID, req.CustomerID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return zero, ErrAddressNotFound
		}
		return zero, fmt.Errorf("get address: %w", err)
	}

	menu, err := s.store.GetMenuItems(ctx, menuItemIDs(req.Items))
	if err != nil {
		return zero, fmt.Errorf("get menu items: %w", err)
	}

	coupon := s.lookupCoupon(ctx, req.CouponCode)

	breakdown, lines, err := pricing.Calculate(restaurant, toPricingItems(req.Items), menu, coupon, s.now())
	if err != nil {
		return zero, err
	}

	// Retry loop: handles order_number unique constraint collisions,
	// which the random token makes practically impossible but cheap to
	// recover from.
	var lastErr error
	for attempt := 0; attempt < maxOrderNumberRetries; attempt++ {
		order, err := s.createOrderTx(ctx, req, breakdown, lines, coupon)
		if err == nil {
			if s.notifier != nil {
				s.notifier.OrderCreated(order, restaurant.OwnerID)
			}
			return order, nil
		}
		if isOrderNumberConflict(err) {
			lastErr = err
			continue
		}
		return zero, err
	}
	return zero, lastErr
}

// createOrderTx persists the order, its line items, and the coupon usage
// increment in a single transaction: either everything commits or
// nothing is visible.
func (s *OrderService) createOrderTx(ctx context.Context, req CreateOrderRequest, breakdown domain.PriceBreakdown, lines []pricing.Line, coupon *domain.Coupon) (domain.Order, error) {
	var zero domain.Order

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return zero, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	st := s.newStore(tx)

	order := domain.Order{
		OrderNumber:   generateOrderNumber(s.now()),
		CustomerID:    req.CustomerID,
		RestaurantID:  req.RestaurantID,
		AddressID:     req.AddressID,
		Status:        enum.OrderStatusPending,
		Subtotal:      breakdown.Subtotal,
		DeliveryFee:   breakdown.DeliveryFee,
		Tax:           breakdown.Tax,
		Discount:      breakdown.Discount,
		Total:         breakdown.Total,
		PaymentMethod: req.PaymentMethod,
		PaymentStatus: enum.PaymentStatusPending,
	}
	if req.Notes != "" {
		order.Notes = &req.Notes
	}
	if coupon != nil && breakdown.Discount.IsPositive() {
		code := coupon.Code
		order.CouponCode = &code
	}

	created, err := st.CreateOrder(ctx, order)
	if err != nil {
		return zero, fmt.Errorf("create order: %w", err)
	}

	notesByItem := make(map[uuid.UUID]string, len(req.Items))
	for _, item := range req.Items {
		if item.Notes != "" {
			notesByItem[item.MenuItemID] = item.Notes
		}
	}

	for _, line := range lines {
		item := domain.OrderItem{
			OrderID:    created.ID,
			MenuItemID: line.MenuItemID,
			Quantity:   line.Quantity,
			UnitPrice:  line.UnitPrice,
		}
		if n, ok := notesByItem[line.MenuItemID]; ok {
			item.Notes = &n
		}
		saved, err := st.CreateOrderItem(ctx, item)
		if err != nil {
			return zero, fmt.Errorf("create order item: %w", err)
		}
		created.Items = append(created.Items, saved)
	}

	// The conditional increment makes overrunning the usage limit
	// impossible under concurrent creation: the loser rolls back here.
	if order.CouponCode != nil {
		ok, err := st.IncrementCouponUsage(ctx, *order.CouponCode)
		if err != nil {
			return zero, fmt.Errorf("increment coupon usage: %w", err)
		}
		if !ok {
			return zero, ErrCouponExhausted
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return zero, fmt.Errorf("commit tx: %w", err)
	}

	s.logger.Info("order created",
		zap.String("order_id", created.ID.String()),
		zap.String("order_number", created.OrderNumber),
		zap.String("total", created.Total.StringFixed(2)))

	return created, nil
}

// Get fetches an order, visible only to its participants and admins.
func (s *OrderService) Get(ctx context.Context, id, requesterID uuid.UUID, requesterRole string) (domain.Order, error) {
	var zero domain.Order

	order, err := s.store.GetOrder(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return zero, ErrOrderNotFound
		}
		return zero, fmt.Errorf("get order: %w", err)
	}

	if err := s.authorizeParticipant(ctx, order, requesterID, requesterRole); err != nil {
		return zero, err
	}
	return order, nil
}

// List returns the requester's orders: customers their own, owners their
// restaurants', drivers their assigned, admins everything.
func (s *OrderService) List(ctx context.Context, requesterID uuid.UUID, requesterRole string, limit, offset int32) ([]domain.Order, error) {
	f := store.ListOrdersFilter{Limit: limit, Offset: offset}
	switch requesterRole {
	case enum.UserRoleCustomer:
		f.CustomerID = &requesterID
	case enum.UserRoleRestaurantOwner:
		f.RestaurantOwnerID = &requesterID
	case enum.UserRoleDriver:
		f.DriverID = &requesterID
	case enum.UserRoleAdmin:
		// no scoping
	default:
		return nil, ErrAccessDenied
	}

	orders, err := s.store.ListOrders(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return orders, nil
}

// UpdateStatus advances the state machine. Allowed actors: the owning
// restaurant's owner, the assigned driver, or an admin.
func (s *OrderService) UpdateStatus(ctx context.Context, req UpdateStatusRequest) (domain.Order, error) {
	var zero domain.Order

	if !enum.ValidOrderStatus(req.NewStatus) {
		return zero, fmt.Errorf("%w: %q", ErrInvalidStatus, req.NewStatus)
	}

	order, err := s.store.GetOrder(ctx, req.OrderID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return zero, ErrOrderNotFound
		}
		return zero, fmt.Errorf("get order: %w", err)
	}

	if err := s.authorizeActor(ctx, order, req.RequesterID, req.RequesterRole); err != nil {
		return zero, err
	}

	if err := validateStatusTransition(order.Status, req.NewStatus); err != nil {
		return zero, err
	}

	updated, err := s.store.UpdateOrderStatus(ctx, store.UpdateOrderStatusParams{
		ID:                    req.OrderID,
		ExpectedStatus:        order.Status,
		NewStatus:             req.NewStatus,
		EstimatedDeliveryTime: req.EstimatedDeliveryTime,
	})
	if errors.Is(err, pgx.ErrNoRows) {
		// Lost a race: re-read, re-validate, retry once.
		updated, err = s.retryUpdateStatus(ctx, req)
	}
	if err != nil {
		return zero, err
	}

	s.logger.Info("order status updated",
		zap.String("order_id", updated.ID.String()),
		zap.String("status", updated.Status))

	if s.notifier != nil {
		s.notifier.OrderStatusChanged(updated, statusMessage(updated.Status))
	}
	return updated, nil
}

func (s *OrderService) retryUpdateStatus(ctx context.Context, req UpdateStatusRequest) (domain.Order, error) {
	var zero domain.Order

	current, err := s.store.GetOrder(ctx, req.OrderID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return zero, ErrOrderNotFound
		}
		return zero, fmt.Errorf("get order: %w", err)
	}

	if err := validateStatusTransition(current.Status, req.NewStatus); err != nil {
		return zero, err
	}

	updated, err := s.store.UpdateOrderStatus(ctx, store.UpdateOrderStatusParams{
		ID:                    req.OrderID,
		ExpectedStatus:        current.Status,
		NewStatus:             req.NewStatus,
		EstimatedDeliveryTime: req.EstimatedDeliveryTime,
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return zero, ErrConcurrentUpdateConflict
	}
	if err != nil {
		return zero, err
	}
	return updated, nil
}

// Cancel is the customer's exit: legal from PENDING at any time, from
// CONFIRMED only within the cancellation window.
func (s *OrderService) Cancel(ctx context.Context, orderID, customerID uuid.UUID, reason string) (domain.Order, error) {
	var zero domain.Order

	if strings.TrimSpace(reason) == "" {
		return zero, ErrEmptyCancelReason
	}

	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return zero, ErrOrderNotFound
		}
		return zero, fmt.Errorf("get order: %w", err)
	}
	if order.CustomerID != customerID {
		return zero, ErrAccessDenied
	}

	if err := s.checkCancellable(order); err != nil {
		return zero, err
	}

	cancelled, err := s.store.CancelOrder(ctx, orderID, order.Status, reason)
	if errors.Is(err, pgx.ErrNoRows) {
		// Racing writer moved the status; one re-validation attempt.
		current, rerr := s.store.GetOrder(ctx, orderID)
		if rerr != nil {
			if errors.Is(rerr, pgx.ErrNoRows) {
				return zero, ErrOrderNotFound
			}
			return zero, fmt.Errorf("get order: %w", rerr)
		}
		if cerr := s.checkCancellable(current); cerr != nil {
			return zero, cerr
		}
		cancelled, err = s.store.CancelOrder(ctx, orderID, current.Status, reason)
		if errors.Is(err, pgx.ErrNoRows) {
			return zero, ErrConcurrentUpdateConflict
		}
	}
	if err != nil {
		return zero, err
	}

	s.logger.Info("order cancelled",
		zap.String("order_id", cancelled.ID.String()),
		zap.String("reason", reason))

	if s.notifier != nil {
		s.notifier.OrderStatusChanged(cancelled, statusMessage(cancelled.Status))
	}
	return cancelled, nil
}

func (s *OrderService) checkCancellable(order domain.Order) error {
	switch order.Status {
	case enum.OrderStatusPending:
		return nil
	case enum.OrderStatusConfirmed:
		if s.now().Sub(order.CreatedAt) > cancellationWindow {
			return ErrCancellationWindowExpired
		}
		return nil
	}
	return fmt.Errorf("%w: cannot cancel order in status %s", ErrInvalidStatus, order.Status)
}

// AssignDriver attaches a driver to an order, admin only, at most once.
func (s *OrderService) AssignDriver(ctx context.Context, orderID, driverID uuid.UUID, requesterRole string) (domain.Order, error) {
	var zero domain.Order

	if requesterRole != enum.UserRoleAdmin {
		return zero, ErrAccessDenied
	}

	order, err := s.store.AssignDriver(ctx, orderID, driverID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Either the order does not exist or a driver is already set.
			if _, gerr := s.store.GetOrder(ctx, orderID); gerr != nil {
				return zero, ErrOrderNotFound
			}
			return zero, ErrDriverAlreadyAssigned
		}
		return zero, fmt.Errorf("assign driver: %w", err)
	}

	if s.notifier != nil {
		s.notifier.DriverAssigned(order)
	}
	return order, nil
}

// --- Authorization ---

// authorizeParticipant grants read access to the customer, the owning
// restaurant's owner, the assigned driver, and admins.
func (s *OrderService) authorizeParticipant(ctx context.Context, order domain.Order, requesterID uuid.UUID, role string) error {
	switch role {
	case enum.UserRoleAdmin:
		return nil
	case enum.UserRoleCustomer:
		if order.CustomerID == requesterID {
			return nil
		}
	case enum.UserRoleDriver:
		if order.DriverID != nil && *order.DriverID == requesterID {
			return nil
		}
	case enum.UserRoleRestaurantOwner:
		restaurant, err := s.store.GetRestaurant(ctx, order.RestaurantID)
		if err != nil {
			return fmt.Errorf("get restaurant: %w", err)
		}
		if restaurant.OwnerID == requesterID {
			return nil
		}
	}
	return ErrAccessDenied
}

// authorizeActor is the stricter write check: restaurant owner, assigned
// driver, or admin. Customers use Cancel.
func (s *OrderService) authorizeActor(ctx context.Context, order domain.Order, requesterID uuid.UUID, role string) error {
	switch role {
	case enum.UserRoleAdmin:
		return nil
	case enum.UserRoleDriver:
		if order.DriverID != nil && *order.DriverID == requesterID {
			return nil
		}
	case enum.UserRoleRestaurantOwner:
		restaurant, err := s.store.GetRestaurant(ctx, order.RestaurantID)
		if err != nil {
			return fmt.Errorf("get restaurant: %w", err)
		}
		if restaurant.OwnerID == requesterID {
			return nil
		}
	}
	return ErrAccessDenied
}

// --- Helpers ---

// lookupCoupon returns nil for empty or unknown codes; inapplicability is
// decided at pricing time.
func (s *OrderService) lookupCoupon(ctx context.Context, code string) *domain.Coupon {
	if code == "" {
		return nil
	}
	coupon, err := s.store.GetCoupon(ctx, code)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			s.logger.Warn("coupon lookup failed", zap.String("code", code), zap.Error(err))
		}
		return nil
	}
	return &coupon
}

func menuItemIDs(items []ItemRequest) []uuid.UUID {
	ids := make([]uuid.UUID, len(items))
	for i, item := range items {
		ids[i] = item.MenuItemID
	}
	return ids
}

func toPricingItems(items []ItemRequest) []pricing.Item {
	out := make([]pricing.Item, len(items))
	for i, item := range items {
		out[i] = pricing.Item{MenuItemID: item.MenuItemID, Quantity: item.Quantity}
	}
	return out
}

func validPaymentMethod(m string) bool {
	switch m {
	case enum.PaymentMethodCash, enum.PaymentMethodCard, enum.PaymentMethodWallet:
		return true
	}
	return false
}

// generateOrderNumber builds a support-facing token: date component for
// rough sortability plus random bytes for uniqueness.
func generateOrderNumber(now time.Time) string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return fmt.Sprintf("MM-%s-%s", now.UTC().Format("20060102"), strings.ToUpper(hex.EncodeToString(b)))
}

// isOrderNumberConflict checks for a unique constraint violation on the
// order number (pgconn error code 23505).
func isOrderNumberConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" && pgErr.ConstraintName == "orders_order_number_key"
	}
	return false
}

func statusMessage(status string) string {
	switch status {
	case enum.OrderStatusConfirmed:
		return "Your order has been confirmed by the restaurant"
	case enum.OrderStatusPreparing:
		return "The restaurant is preparing your order"
	case enum.OrderStatusReadyForPickup:
		return "Your order is ready and waiting for the driver"
	case enum.OrderStatusOutForDelivery:
		return "Your order is on its way"
	case enum.OrderStatusDelivered:
		return "Your order has been delivered"
	case enum.OrderStatusCancelled:
		return "Your order has been cancelled"
	}
	return "Your order status is " + status
}
