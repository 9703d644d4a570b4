package ws

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mealmesh/api/internal/domain"
	"github.com/mealmesh/api/internal/enum"
)

// Notifier translates committed lifecycle changes into room events. It
// satisfies the order service's notifier contract; delivery is
// best-effort, at most once per connected session.
type Notifier struct {
	hub    *Hub
	logger *zap.Logger
}

func NewNotifier(hub *Hub, logger *zap.Logger) *Notifier {
	return &Notifier{hub: hub, logger: logger}
}

type orderItemSummary struct {
	MenuItemID uuid.UUID       `json:"menu_item_id"`
	Quantity   int32           `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
}

type newOrderEvent struct {
	OrderID     uuid.UUID          `json:"order_id"`
	OrderNumber string             `json:"order_number"`
	CustomerID  uuid.UUID          `json:"customer_id"`
	Total       decimal.Decimal    `json:"total"`
	Items       []orderItemSummary `json:"items"`
}

// OrderCreated pushes a new-order event to the restaurant owner's
// private room and to the restaurant's room.
func (n *Notifier) OrderCreated(order domain.Order, restaurantOwnerID uuid.UUID) {
	items := make([]orderItemSummary, len(order.Items))
	for i, item := range order.Items {
		items[i] = orderItemSummary{
			MenuItemID: item.MenuItemID,
			Quantity:   item.Quantity,
			UnitPrice:  item.UnitPrice,
		}
	}
	event := newOrderEvent{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		CustomerID:  order.CustomerID,
		Total:       order.Total,
		Items:       items,
	}
	n.push(UserRoomFor(restaurantOwnerID), "new_order", event)
	n.push(RestaurantRoomFor(order.RestaurantID), "new_order", event)
}

type orderUpdateEvent struct {
	OrderID               uuid.UUID  `json:"order_id"`
	OrderNumber           string     `json:"order_number"`
	Status                string     `json:"status"`
	Message               string     `json:"message"`
	EstimatedDeliveryTime *time.Time `json:"estimated_delivery_time,omitempty"`
}

// OrderStatusChanged pushes an order-update event to the customer's
// private room and a notice to the admin broadcast room.
func (n *Notifier) OrderStatusChanged(order domain.Order, message string) {
	event := orderUpdateEvent{
		OrderID:               order.ID,
		OrderNumber:           order.OrderNumber,
		Status:                order.Status,
		Message:               message,
		EstimatedDeliveryTime: order.EstimatedDeliveryTime,
	}
	n.push(UserRoomFor(order.CustomerID), "order_update", event)
	n.push(RoleRoomFor(enum.UserRoleAdmin), "notification", event)
}

type driverAssignedEvent struct {
	OrderID      uuid.UUID `json:"order_id"`
	OrderNumber  string    `json:"order_number"`
	RestaurantID uuid.UUID `json:"restaurant_id"`
	AddressID    uuid.UUID `json:"address_id"`
}

// DriverAssigned notifies the driver of a new assignment.
func (n *Notifier) DriverAssigned(order domain.Order) {
	if order.DriverID == nil {
		return
	}
	n.push(UserRoomFor(*order.DriverID), "notification", driverAssignedEvent{
		OrderID:      order.ID,
		OrderNumber:  order.OrderNumber,
		RestaurantID: order.RestaurantID,
		AddressID:    order.AddressID,
	})
}

func (n *Notifier) push(room Room, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		n.logger.Error("marshal event payload", zap.String("type", eventType), zap.Error(err))
		return
	}
	n.hub.Broadcast(room, Event{Type: eventType, Payload: data})
}
