package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/mealmesh/api/internal/cache"
	"github.com/mealmesh/api/internal/domain"
	"github.com/mealmesh/api/internal/enum"
	"github.com/mealmesh/api/internal/service"
)

var (
	ErrInvalidCoordinates = errors.New("invalid coordinates")
	ErrEmptyMessage       = errors.New("message text is required")
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrNoDriverAssigned   = errors.New("no driver assigned to order")
)

// RelayStore is the read surface the relay needs for authorization
// checks, plus the driver availability flag. Satisfied by *store.Store.
type RelayStore interface {
	GetOrder(ctx context.Context, id uuid.UUID) (domain.Order, error)
	GetRestaurant(ctx context.Context, id uuid.UUID) (domain.Restaurant, error)
	SetDriverAvailability(ctx context.Context, driverID uuid.UUID, available bool) error
}

// LocationSetter records the last-known driver location per order.
type LocationSetter interface {
	Set(ctx context.Context, orderID uuid.UUID, loc cache.DriverLocation) error
}

// Relay validates inbound socket messages and routes them to rooms.
// Location and chat payloads are transient; nothing here writes to the
// order store.
type Relay struct {
	hub       *Hub
	store     RelayStore
	locations LocationSetter
	logger    *zap.Logger
	now       func() time.Time
}

func NewRelay(hub *Hub, store RelayStore, locations LocationSetter, logger *zap.Logger) *Relay {
	return &Relay{
		hub:       hub,
		store:     store,
		locations: locations,
		logger:    logger,
		now:       time.Now,
	}
}

// Dispatch routes one inbound message to its handler. Returned errors
// go back to the sender as error events.
func (r *Relay) Dispatch(ctx context.Context, client *Client, msg inboundMessage) error {
	switch msg.Type {
	case "location":
		return r.SendLocation(ctx, client, msg.Payload)
	case "chat":
		return r.SendChatMessage(ctx, client, msg.Payload)
	case "availability":
		return r.SetDriverAvailability(ctx, client, msg.Payload)
	case "join_restaurant":
		return r.JoinRestaurantRoom(ctx, client, msg.Payload)
	}
	return fmt.Errorf("%w: %q", ErrUnknownMessageType, msg.Type)
}

type locationPayload struct {
	OrderID   uuid.UUID `json:"order_id"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
}

type locationEvent struct {
	OrderID     uuid.UUID `json:"order_id"`
	OrderNumber string    `json:"order_number"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	Timestamp   time.Time `json:"timestamp"`
}

// SendLocation relays a driver position ping to the order's customer.
// Only the assigned driver may ping, and only while the order is out
// for delivery.
func (r *Relay) SendLocation(ctx context.Context, client *Client, raw json.RawMessage) error {
	if client.role != enum.UserRoleDriver {
		return service.ErrAccessDenied
	}

	var p locationPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("parse location: %w", err)
	}
	if p.Latitude < -90 || p.Latitude > 90 || p.Longitude < -180 || p.Longitude > 180 {
		return fmt.Errorf("%w: lat=%v lon=%v", ErrInvalidCoordinates, p.Latitude, p.Longitude)
	}

	order, err := r.store.GetOrder(ctx, p.OrderID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return service.ErrOrderNotFound
		}
		return fmt.Errorf("get order: %w", err)
	}
	if order.DriverID == nil || *order.DriverID != client.userID {
		return service.ErrAccessDenied
	}
	if order.Status != enum.OrderStatusOutForDelivery {
		return fmt.Errorf("%w: order is not out for delivery", service.ErrInvalidStatus)
	}

	recordedAt := r.now().UTC()
	if r.locations != nil {
		err := r.locations.Set(ctx, order.ID, cache.DriverLocation{
			DriverID:   client.userID,
			Latitude:   p.Latitude,
			Longitude:  p.Longitude,
			RecordedAt: recordedAt,
		})
		if err != nil {
			// The live push still goes out; only the cached copy is lost.
			r.logger.Warn("cache driver location", zap.Error(err))
		}
	}

	r.push(UserRoomFor(order.CustomerID), "driver_location", locationEvent{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		Latitude:    p.Latitude,
		Longitude:   p.Longitude,
		Timestamp:   recordedAt,
	})
	return nil
}

type chatPayload struct {
	OrderID       uuid.UUID `json:"order_id"`
	Text          string    `json:"text"`
	RecipientRole string    `json:"recipient_role"`
}

type chatEvent struct {
	OrderID    uuid.UUID `json:"order_id"`
	SenderID   uuid.UUID `json:"sender_id"`
	SenderRole string    `json:"sender_role"`
	Text       string    `json:"text"`
	SentAt     time.Time `json:"sent_at"`
}

// SendChatMessage relays free text between an order's participants. The
// sender must be a participant; the recipient is resolved from the role
// named in the payload.
func (r *Relay) SendChatMessage(ctx context.Context, client *Client, raw json.RawMessage) error {
	var p chatPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("parse chat: %w", err)
	}
	if strings.TrimSpace(p.Text) == "" {
		return ErrEmptyMessage
	}

	order, err := r.store.GetOrder(ctx, p.OrderID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return service.ErrOrderNotFound
		}
		return fmt.Errorf("get order: %w", err)
	}

	restaurant, err := r.store.GetRestaurant(ctx, order.RestaurantID)
	if err != nil {
		return fmt.Errorf("get restaurant: %w", err)
	}

	if !isParticipant(order, restaurant, client) {
		return service.ErrAccessDenied
	}

	room, err := recipientRoom(order, restaurant, p.RecipientRole)
	if err != nil {
		return err
	}

	r.push(room, "chat_message", chatEvent{
		OrderID:    order.ID,
		SenderID:   client.userID,
		SenderRole: client.role,
		Text:       p.Text,
		SentAt:     r.now().UTC(),
	})
	return nil
}

func isParticipant(order domain.Order, restaurant domain.Restaurant, client *Client) bool {
	switch client.role {
	case enum.UserRoleAdmin:
		return true
	case enum.UserRoleCustomer:
		return order.CustomerID == client.userID
	case enum.UserRoleDriver:
		return order.DriverID != nil && *order.DriverID == client.userID
	case enum.UserRoleRestaurantOwner:
		return restaurant.OwnerID == client.userID
	}
	return false
}

func recipientRoom(order domain.Order, restaurant domain.Restaurant, role string) (Room, error) {
	switch role {
	case enum.UserRoleCustomer:
		return UserRoomFor(order.CustomerID), nil
	case enum.UserRoleDriver:
		if order.DriverID == nil {
			return Room{}, ErrNoDriverAssigned
		}
		return UserRoomFor(*order.DriverID), nil
	case enum.UserRoleRestaurantOwner:
		return UserRoomFor(restaurant.OwnerID), nil
	}
	return Room{}, fmt.Errorf("invalid recipient role %q", role)
}

type availabilityPayload struct {
	Available bool `json:"available"`
}

// SetDriverAvailability flips the sender's availability flag.
func (r *Relay) SetDriverAvailability(ctx context.Context, client *Client, raw json.RawMessage) error {
	if client.role != enum.UserRoleDriver {
		return service.ErrAccessDenied
	}

	var p availabilityPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("parse availability: %w", err)
	}

	if err := r.store.SetDriverAvailability(ctx, client.userID, p.Available); err != nil {
		return fmt.Errorf("set driver availability: %w", err)
	}

	r.logger.Info("driver availability changed",
		zap.String("driver_id", client.userID.String()),
		zap.Bool("available", p.Available))
	return nil
}

type joinRestaurantPayload struct {
	RestaurantID uuid.UUID `json:"restaurant_id"`
}

// JoinRestaurantRoom subscribes the client to a restaurant's room.
// Owners may only join rooms for restaurants they own; admins may join
// any.
func (r *Relay) JoinRestaurantRoom(ctx context.Context, client *Client, raw json.RawMessage) error {
	var p joinRestaurantPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("parse join_restaurant: %w", err)
	}

	switch client.role {
	case enum.UserRoleAdmin:
	case enum.UserRoleRestaurantOwner:
		restaurant, err := r.store.GetRestaurant(ctx, p.RestaurantID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return service.ErrRestaurantNotFound
			}
			return fmt.Errorf("get restaurant: %w", err)
		}
		if restaurant.OwnerID != client.userID {
			return service.ErrAccessDenied
		}
	default:
		return service.ErrAccessDenied
	}

	r.hub.Join(client, RestaurantRoomFor(p.RestaurantID))
	return nil
}

// push marshals a payload and broadcasts it; a payload that cannot be
// marshalled is a programming error and only logged.
func (r *Relay) push(room Room, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		r.logger.Error("marshal event payload", zap.String("type", eventType), zap.Error(err))
		return
	}
	r.hub.Broadcast(room, Event{Type: eventType, Payload: data})
}
