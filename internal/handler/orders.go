package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mealmesh/api/internal/cache"
	"github.com/mealmesh/api/internal/domain"
	"github.com/mealmesh/api/internal/enum"
	"github.com/mealmesh/api/internal/middleware"
	"github.com/mealmesh/api/internal/service"
)

// OrderServicer defines the service methods needed by order handlers.
// Satisfied by *service.OrderService; narrow interface for testability.
type OrderServicer interface {
	Calculate(ctx context.Context, req service.CalculateRequest) (domain.PriceBreakdown, error)
	Create(ctx context.Context, req service.CreateOrderRequest) (domain.Order, error)
	Get(ctx context.Context, id, requesterID uuid.UUID, requesterRole string) (domain.Order, error)
	List(ctx context.Context, requesterID uuid.UUID, requesterRole string, limit, offset int32) ([]domain.Order, error)
	UpdateStatus(ctx context.Context, req service.UpdateStatusRequest) (domain.Order, error)
	Cancel(ctx context.Context, orderID, customerID uuid.UUID, reason string) (domain.Order, error)
	AssignDriver(ctx context.Context, orderID, driverID uuid.UUID, requesterRole string) (domain.Order, error)
}

// LocationGetter reads the last-known driver location for an order.
// Satisfied by *cache.LocationCache.
type LocationGetter interface {
	Get(ctx context.Context, orderID uuid.UUID) (cache.DriverLocation, error)
}

// OrderHandler handles order endpoints.
type OrderHandler struct {
	svc       OrderServicer
	locations LocationGetter
	logger    *zap.Logger
}

func NewOrderHandler(svc OrderServicer, locations LocationGetter, logger *zap.Logger) *OrderHandler {
	return &OrderHandler{svc: svc, locations: locations, logger: logger}
}

// RegisterRoutes registers order endpoints, mounted at /orders.
func (h *OrderHandler) RegisterRoutes(r chi.Router) {
	r.Post("/calculate", h.Calculate)
	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Get("/{id}/location", h.GetLocation)
	r.Patch("/{id}/status", h.UpdateStatus)
	r.With(middleware.RequireRole(enum.UserRoleAdmin)).Post("/{id}/driver", h.AssignDriver)
	r.Delete("/{id}", h.Cancel)
}

// --- Request / Response types ---

type orderItemRequest struct {
	MenuItemID string `json:"menu_item_id"`
	Quantity   int32  `json:"quantity"`
	Notes      string `json:"notes"`
}

type calculateRequest struct {
	RestaurantID string             `json:"restaurant_id"`
	Items        []orderItemRequest `json:"items"`
	CouponCode   string             `json:"coupon_code"`
}

type createOrderRequest struct {
	RestaurantID  string             `json:"restaurant_id"`
	AddressID     string             `json:"address_id"`
	Items         []orderItemRequest `json:"items"`
	PaymentMethod string             `json:"payment_method"`
	Notes         string             `json:"notes"`
	CouponCode    string             `json:"coupon_code"`
}

type updateStatusRequest struct {
	Status                string     `json:"status"`
	EstimatedDeliveryTime *time.Time `json:"estimated_delivery_time"`
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

type assignDriverRequest struct {
	DriverID string `json:"driver_id"`
}

type breakdownResponse struct {
	Subtotal    string `json:"subtotal"`
	DeliveryFee string `json:"delivery_fee"`
	Tax         string `json:"tax"`
	Discount    string `json:"discount"`
	Total       string `json:"total"`
}

type orderItemResponse struct {
	ID         uuid.UUID `json:"id"`
	MenuItemID uuid.UUID `json:"menu_item_id"`
	Quantity   int32     `json:"quantity"`
	UnitPrice  string    `json:"unit_price"`
	Notes      *string   `json:"notes"`
}

type orderResponse struct {
	ID                    uuid.UUID           `json:"id"`
	OrderNumber           string              `json:"order_number"`
	CustomerID            uuid.UUID           `json:"customer_id"`
	RestaurantID          uuid.UUID           `json:"restaurant_id"`
	DriverID              *uuid.UUID          `json:"driver_id"`
	AddressID             uuid.UUID           `json:"address_id"`
	Status                string              `json:"status"`
	Subtotal              string              `json:"subtotal"`
	DeliveryFee           string              `json:"delivery_fee"`
	Tax                   string              `json:"tax"`
	Discount              string              `json:"discount"`
	Total                 string              `json:"total"`
	PaymentMethod         string              `json:"payment_method"`
	PaymentStatus         string              `json:"payment_status"`
	CouponCode            *string             `json:"coupon_code"`
	Notes                 *string             `json:"notes"`
	CancelReason          *string             `json:"cancel_reason"`
	EstimatedDeliveryTime *time.Time          `json:"estimated_delivery_time"`
	CreatedAt             time.Time           `json:"created_at"`
	ConfirmedAt           *time.Time          `json:"confirmed_at"`
	PreparedAt            *time.Time          `json:"prepared_at"`
	PickedUpAt            *time.Time          `json:"picked_up_at"`
	DeliveredAt           *time.Time          `json:"delivered_at"`
	CancelledAt           *time.Time          `json:"cancelled_at"`
	Items                 []orderItemResponse `json:"items"`
}

type orderListResponse struct {
	Orders []orderResponse `json:"orders"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
}

type locationResponse struct {
	OrderID    uuid.UUID `json:"order_id"`
	DriverID   uuid.UUID `json:"driver_id"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	RecordedAt time.Time `json:"recorded_at"`
}

// --- Handlers ---

// Calculate handles POST /orders/calculate. Prices a prospective order
// without creating anything.
func (h *OrderHandler) Calculate(w http.ResponseWriter, r *http.Request) {
	var req calculateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	restaurantID, err := uuid.Parse(req.RestaurantID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid restaurant_id")
		return
	}

	items, ok := parseItems(w, req.Items)
	if !ok {
		return
	}

	breakdown, err := h.svc.Calculate(r.Context(), service.CalculateRequest{
		RestaurantID: restaurantID,
		Items:        items,
		CouponCode:   req.CouponCode,
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, toBreakdownResponse(breakdown))
}

// Create handles POST /orders.
func (h *OrderHandler) Create(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	restaurantID, err := uuid.Parse(req.RestaurantID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid restaurant_id")
		return
	}
	addressID, err := uuid.Parse(req.AddressID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid address_id")
		return
	}

	items, ok := parseItems(w, req.Items)
	if !ok {
		return
	}

	order, err := h.svc.Create(r.Context(), service.CreateOrderRequest{
		CustomerID:    claims.UserID,
		RestaurantID:  restaurantID,
		AddressID:     addressID,
		Items:         items,
		PaymentMethod: req.PaymentMethod,
		Notes:         req.Notes,
		CouponCode:    req.CouponCode,
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, toOrderResponse(order))
}

// List handles GET /orders, scoped to the requester's role.
func (h *OrderHandler) List(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	limit := 20
	if s := r.URL.Query().Get("limit"); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v > 0 {
			limit = v
		}
	}
	if limit > 100 {
		limit = 100
	}

	offset := 0
	if s := r.URL.Query().Get("offset"); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v >= 0 {
			offset = v
		}
	}

	orders, err := h.svc.List(r.Context(), claims.UserID, claims.Role, int32(limit), int32(offset))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	resp := make([]orderResponse, len(orders))
	for i, o := range orders {
		resp[i] = toOrderResponse(o)
	}

	writeJSON(w, http.StatusOK, orderListResponse{
		Orders: resp,
		Limit:  limit,
		Offset: offset,
	})
}

// Get handles GET /orders/{id}.
func (h *OrderHandler) Get(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	orderID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order ID")
		return
	}

	order, err := h.svc.Get(r.Context(), orderID, claims.UserID, claims.Role)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

// GetLocation handles GET /orders/{id}/location. Participant check runs
// through the service's Get before the cache read.
func (h *OrderHandler) GetLocation(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	orderID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order ID")
		return
	}

	if _, err := h.svc.Get(r.Context(), orderID, claims.UserID, claims.Role); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	loc, err := h.locations.Get(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, cache.ErrLocationNotFound) {
			writeError(w, http.StatusNotFound, "no location recorded for this order")
			return
		}
		h.logger.Error("get driver location", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, locationResponse{
		OrderID:    orderID,
		DriverID:   loc.DriverID,
		Latitude:   loc.Latitude,
		Longitude:  loc.Longitude,
		RecordedAt: loc.RecordedAt,
	})
}

// UpdateStatus handles PATCH /orders/{id}/status.
func (h *OrderHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	orderID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order ID")
		return
	}

	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Status == "" {
		writeError(w, http.StatusBadRequest, "status is required")
		return
	}

	order, err := h.svc.UpdateStatus(r.Context(), service.UpdateStatusRequest{
		OrderID:               orderID,
		RequesterID:           claims.UserID,
		RequesterRole:         claims.Role,
		NewStatus:             req.Status,
		EstimatedDeliveryTime: req.EstimatedDeliveryTime,
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

// Cancel handles DELETE /orders/{id}.
func (h *OrderHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	orderID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order ID")
		return
	}

	var req cancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	order, err := h.svc.Cancel(r.Context(), orderID, claims.UserID, req.Reason)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

// AssignDriver handles POST /orders/{id}/driver. Admin only, enforced
// both at the route and in the service.
func (h *OrderHandler) AssignDriver(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	orderID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order ID")
		return
	}

	var req assignDriverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	driverID, err := uuid.Parse(req.DriverID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid driver_id")
		return
	}

	order, err := h.svc.AssignDriver(r.Context(), orderID, driverID, claims.Role)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

// --- Helpers ---

func parseItems(w http.ResponseWriter, items []orderItemRequest) ([]service.ItemRequest, bool) {
	if len(items) == 0 {
		writeError(w, http.StatusBadRequest, "items are required")
		return nil, false
	}

	out := make([]service.ItemRequest, len(items))
	for i, item := range items {
		id, err := uuid.Parse(item.MenuItemID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "items["+strconv.Itoa(i)+"]: invalid menu_item_id")
			return nil, false
		}
		if item.Quantity <= 0 {
			writeError(w, http.StatusBadRequest, "items["+strconv.Itoa(i)+"]: quantity must be > 0")
			return nil, false
		}
		out[i] = service.ItemRequest{
			MenuItemID: id,
			Quantity:   item.Quantity,
			Notes:      item.Notes,
		}
	}
	return out, true
}

func toBreakdownResponse(b domain.PriceBreakdown) breakdownResponse {
	return breakdownResponse{
		Subtotal:    b.Subtotal.StringFixed(2),
		DeliveryFee: b.DeliveryFee.StringFixed(2),
		Tax:         b.Tax.StringFixed(2),
		Discount:    b.Discount.StringFixed(2),
		Total:       b.Total.StringFixed(2),
	}
}

func toOrderResponse(o domain.Order) orderResponse {
	items := make([]orderItemResponse, len(o.Items))
	for i, item := range o.Items {
		items[i] = orderItemResponse{
			ID:         item.ID,
			MenuItemID: item.MenuItemID,
			Quantity:   item.Quantity,
			UnitPrice:  item.UnitPrice.StringFixed(2),
			Notes:      item.Notes,
		}
	}

	return orderResponse{
		ID:                    o.ID,
		OrderNumber:           o.OrderNumber,
		CustomerID:            o.CustomerID,
		RestaurantID:          o.RestaurantID,
		DriverID:              o.DriverID,
		AddressID:             o.AddressID,
		Status:                o.Status,
		Subtotal:              o.Subtotal.StringFixed(2),
		DeliveryFee:           o.DeliveryFee.StringFixed(2),
		Tax:                   o.Tax.StringFixed(2),
		Discount:              o.Discount.StringFixed(2),
		Total:                 o.Total.StringFixed(2),
		PaymentMethod:         o.PaymentMethod,
		PaymentStatus:         o.PaymentStatus,
		CouponCode:            o.CouponCode,
		Notes:                 o.Notes,
		CancelReason:          o.CancelReason,
		EstimatedDeliveryTime: o.EstimatedDeliveryTime,
		CreatedAt:             o.CreatedAt,
		ConfirmedAt:           o.ConfirmedAt,
		PreparedAt:            o.PreparedAt,
		PickedUpAt:            o.PickedUpAt,
		DeliveredAt:           o.DeliveredAt,
		CancelledAt:           o.CancelledAt,
		Items:                 items,
	}
}
