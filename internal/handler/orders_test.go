package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mealmesh/api/internal/auth"
	"github.com/mealmesh/api/internal/cache"
	"github.com/mealmesh/api/internal/domain"
	"github.com/mealmesh/api/internal/enum"
	"github.com/mealmesh/api/internal/handler"
	"github.com/mealmesh/api/internal/middleware"
	"github.com/mealmesh/api/internal/pricing"
	"github.com/mealmesh/api/internal/service"
)

// --- Mock OrderServicer ---

type mockOrderService struct {
	calculateFn    func(ctx context.Context, req service.CalculateRequest) (domain.PriceBreakdown, error)
	createFn       func(ctx context.Context, req service.CreateOrderRequest) (domain.Order, error)
	getFn          func(ctx context.Context, id, requesterID uuid.UUID, requesterRole string) (domain.Order, error)
	listFn         func(ctx context.Context, requesterID uuid.UUID, requesterRole string, limit, offset int32) ([]domain.Order, error)
	updateStatusFn func(ctx context.Context, req service.UpdateStatusRequest) (domain.Order, error)
	cancelFn       func(ctx context.Context, orderID, customerID uuid.UUID, reason string) (domain.Order, error)
	assignDriverFn func(ctx context.Context, orderID, driverID uuid.UUID, requesterRole string) (domain.Order, error)
}

func (m *mockOrderService) Calculate(ctx context.Context, req service.CalculateRequest) (domain.PriceBreakdown, error) {
	return m.calculateFn(ctx, req)
}
func (m *mockOrderService) Create(ctx context.Context, req service.CreateOrderRequest) (domain.Order, error) {
	return m.createFn(ctx, req)
}
func (m *mockOrderService) Get(ctx context.Context, id, requesterID uuid.UUID, requesterRole string) (domain.Order, error) {
	return m.getFn(ctx, id, requesterID, requesterRole)
}
func (m *mockOrderService) List(ctx context.Context, requesterID uuid.UUID, requesterRole string, limit, offset int32) ([]domain.Order, error) {
	return m.listFn(ctx, requesterID, requesterRole, limit, offset)
}
func (m *mockOrderService) UpdateStatus(ctx context.Context, req service.UpdateStatusRequest) (domain.Order, error) {
	return m.updateStatusFn(ctx, req)
}
func (m *mockOrderService) Cancel(ctx context.Context, orderID, customerID uuid.UUID, reason string) (domain.Order, error) {
	return m.cancelFn(ctx, orderID, customerID, reason)
}
func (m *mockOrderService) AssignDriver(ctx context.Context, orderID, driverID uuid.UUID, requesterRole string) (domain.Order, error) {
	return m.assignDriverFn(ctx, orderID, driverID, requesterRole)
}

type mockLocations struct {
	getFn func(ctx context.Context, orderID uuid.UUID) (cache.DriverLocation, error)
}

func (m *mockLocations) Get(ctx context.Context, orderID uuid.UUID) (cache.DriverLocation, error) {
	if m.getFn != nil {
		return m.getFn(ctx, orderID)
	}
	return cache.DriverLocation{}, cache.ErrLocationNotFound
}

// --- Helpers ---

func newRouter(svc *mockOrderService, locations *mockLocations) *chi.Mux {
	h := handler.NewOrderHandler(svc, locations, zap.NewNop())
	r := chi.NewRouter()
	r.Route("/orders", h.RegisterRoutes)
	return r
}

func doRequest(router http.Handler, method, path string, body any, claims *auth.Claims) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if claims != nil {
		req = req.WithContext(middleware.ContextWithClaims(req.Context(), claims))
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func customerClaims() *auth.Claims {
	return &auth.Claims{UserID: uuid.New(), Role: enum.UserRoleCustomer}
}

func sampleOrder() domain.Order {
	return domain.Order{
		ID:            uuid.New(),
		OrderNumber:   "MM-20250601-CAFE0001",
		CustomerID:    uuid.New(),
		RestaurantID:  uuid.New(),
		AddressID:     uuid.New(),
		Status:        enum.OrderStatusPending,
		Subtotal:      decimal.RequireFromString("100.00"),
		DeliveryFee:   decimal.RequireFromString("10.00"),
		Tax:           decimal.RequireFromString("14.00"),
		Discount:      decimal.RequireFromString("0"),
		Total:         decimal.RequireFromString("124.00"),
		PaymentMethod: enum.PaymentMethodCash,
		PaymentStatus: enum.PaymentStatusPending,
		CreatedAt:     time.Now().UTC(),
		Items: []domain.OrderItem{{
			ID:         uuid.New(),
			MenuItemID: uuid.New(),
			Quantity:   2,
			UnitPrice:  decimal.RequireFromString("50.00"),
		}},
	}
}

func createBody(restaurantID, addressID uuid.UUID) map[string]any {
	return map[string]any{
		"restaurant_id":  restaurantID.String(),
		"address_id":     addressID.String(),
		"payment_method": enum.PaymentMethodCash,
		"items": []map[string]any{
			{"menu_item_id": uuid.New().String(), "quantity": 2},
		},
	}
}

// --- Create ---

func TestCreateOrder(t *testing.T) {
	order := sampleOrder()
	claims := customerClaims()

	var captured service.CreateOrderRequest
	svc := &mockOrderService{
		createFn: func(ctx context.Context, req service.CreateOrderRequest) (domain.Order, error) {
			captured = req
			return order, nil
		},
	}
	router := newRouter(svc, &mockLocations{})

	rec := doRequest(router, http.MethodPost, "/orders", createBody(order.RestaurantID, order.AddressID), claims)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// identity always comes from the token, not the body
	assert.Equal(t, claims.UserID, captured.CustomerID)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, order.OrderNumber, resp["order_number"])
	assert.Equal(t, "124.00", resp["total"])
	assert.Equal(t, enum.OrderStatusPending, resp["status"])
}

func TestCreateOrder_Unauthenticated(t *testing.T) {
	router := newRouter(&mockOrderService{}, &mockLocations{})
	rec := doRequest(router, http.MethodPost, "/orders", createBody(uuid.New(), uuid.New()), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateOrder_BadRequests(t *testing.T) {
	router := newRouter(&mockOrderService{}, &mockLocations{})
	claims := customerClaims()

	tests := []struct {
		name string
		body map[string]any
	}{
		{"invalid restaurant id", map[string]any{
			"restaurant_id": "nope", "address_id": uuid.New().String(),
			"payment_method": "CASH",
			"items":          []map[string]any{{"menu_item_id": uuid.New().String(), "quantity": 1}},
		}},
		{"invalid address id", map[string]any{
			"restaurant_id": uuid.New().String(), "address_id": "nope",
			"payment_method": "CASH",
			"items":          []map[string]any{{"menu_item_id": uuid.New().String(), "quantity": 1}},
		}},
		{"empty items", map[string]any{
			"restaurant_id": uuid.New().String(), "address_id": uuid.New().String(),
			"payment_method": "CASH",
			"items":          []map[string]any{},
		}},
		{"zero quantity", map[string]any{
			"restaurant_id": uuid.New().String(), "address_id": uuid.New().String(),
			"payment_method": "CASH",
			"items":          []map[string]any{{"menu_item_id": uuid.New().String(), "quantity": 0}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(router, http.MethodPost, "/orders", tt.body, claims)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestCreateOrder_ServiceErrorMapping(t *testing.T) {
	claims := customerClaims()

	tests := []struct {
		err      error
		wantCode int
	}{
		{fmt.Errorf("%w: minimum order is 50.00", pricing.ErrBelowMinimumOrder), http.StatusBadRequest},
		{pricing.ErrItemUnavailable, http.StatusBadRequest},
		{service.ErrRestaurantNotFound, http.StatusNotFound},
		{service.ErrAddressNotFound, http.StatusNotFound},
		{service.ErrRestaurantClosed, http.StatusConflict},
		{service.ErrCouponExhausted, http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			svc := &mockOrderService{
				createFn: func(ctx context.Context, req service.CreateOrderRequest) (domain.Order, error) {
					return domain.Order{}, tt.err
				},
			}
			router := newRouter(svc, &mockLocations{})
			rec := doRequest(router, http.MethodPost, "/orders", createBody(uuid.New(), uuid.New()), claims)
			assert.Equal(t, tt.wantCode, rec.Code)

			var resp map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.err.Error(), resp["error"])
		})
	}
}

// The minimum-order rejection must surface the actual minimum to the
// caller.
func TestCreateOrder_BelowMinimumMessage(t *testing.T) {
	svc := &mockOrderService{
		createFn: func(ctx context.Context, req service.CreateOrderRequest) (domain.Order, error) {
			return domain.Order{}, fmt.Errorf("%w: minimum order is 50.00", pricing.ErrBelowMinimumOrder)
		},
	}
	router := newRouter(svc, &mockLocations{})

	rec := doRequest(router, http.MethodPost, "/orders", createBody(uuid.New(), uuid.New()), customerClaims())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "50")
}

// --- Calculate ---

func TestCalculate(t *testing.T) {
	svc := &mockOrderService{
		calculateFn: func(ctx context.Context, req service.CalculateRequest) (domain.PriceBreakdown, error) {
			return domain.PriceBreakdown{
				Subtotal:    decimal.RequireFromString("100.00"),
				DeliveryFee: decimal.RequireFromString("10.00"),
				Tax:         decimal.RequireFromString("13.30"),
				Discount:    decimal.RequireFromString("5.00"),
				Total:       decimal.RequireFromString("118.30"),
			}, nil
		},
	}
	router := newRouter(svc, &mockLocations{})

	body := map[string]any{
		"restaurant_id": uuid.New().String(),
		"coupon_code":   "SAVE10",
		"items":         []map[string]any{{"menu_item_id": uuid.New().String(), "quantity": 2}},
	}
	rec := doRequest(router, http.MethodPost, "/orders/calculate", body, customerClaims())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "118.30", resp["total"])
	assert.Equal(t, "5.00", resp["discount"])
}

// --- Get ---

func TestGetOrder(t *testing.T) {
	order := sampleOrder()
	svc := &mockOrderService{
		getFn: func(ctx context.Context, id, requesterID uuid.UUID, requesterRole string) (domain.Order, error) {
			require.Equal(t, order.ID, id)
			return order, nil
		},
	}
	router := newRouter(svc, &mockLocations{})

	rec := doRequest(router, http.MethodGet, "/orders/"+order.ID.String(), nil, customerClaims())
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, order.ID.String(), resp["id"])
}

func TestGetOrder_Errors(t *testing.T) {
	tests := []struct {
		err      error
		wantCode int
	}{
		{service.ErrOrderNotFound, http.StatusNotFound},
		{service.ErrAccessDenied, http.StatusForbidden},
	}

	for _, tt := range tests {
		svc := &mockOrderService{
			getFn: func(ctx context.Context, id, requesterID uuid.UUID, requesterRole string) (domain.Order, error) {
				return domain.Order{}, tt.err
			},
		}
		router := newRouter(svc, &mockLocations{})
		rec := doRequest(router, http.MethodGet, "/orders/"+uuid.New().String(), nil, customerClaims())
		assert.Equal(t, tt.wantCode, rec.Code)
	}
}

func TestGetOrder_InvalidID(t *testing.T) {
	router := newRouter(&mockOrderService{}, &mockLocations{})
	rec := doRequest(router, http.MethodGet, "/orders/not-a-uuid", nil, customerClaims())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// --- List ---

func TestListOrders_PaginationCaps(t *testing.T) {
	var gotLimit, gotOffset int32
	svc := &mockOrderService{
		listFn: func(ctx context.Context, requesterID uuid.UUID, requesterRole string, limit, offset int32) ([]domain.Order, error) {
			gotLimit, gotOffset = limit, offset
			return []domain.Order{sampleOrder()}, nil
		},
	}
	router := newRouter(svc, &mockLocations{})

	rec := doRequest(router, http.MethodGet, "/orders?limit=500&offset=40", nil, customerClaims())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int32(100), gotLimit)
	assert.Equal(t, int32(40), gotOffset)

	var resp struct {
		Orders []map[string]any `json:"orders"`
		Limit  int              `json:"limit"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Orders, 1)
	assert.Equal(t, 100, resp.Limit)
}

// --- UpdateStatus ---

func TestUpdateStatus(t *testing.T) {
	order := sampleOrder()
	order.Status = enum.OrderStatusConfirmed

	var captured service.UpdateStatusRequest
	svc := &mockOrderService{
		updateStatusFn: func(ctx context.Context, req service.UpdateStatusRequest) (domain.Order, error) {
			captured = req
			return order, nil
		},
	}
	router := newRouter(svc, &mockLocations{})
	claims := &auth.Claims{UserID: uuid.New(), Role: enum.UserRoleRestaurantOwner}

	body := map[string]any{"status": enum.OrderStatusConfirmed}
	rec := doRequest(router, http.MethodPatch, "/orders/"+order.ID.String()+"/status", body, claims)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, enum.OrderStatusConfirmed, captured.NewStatus)
	assert.Equal(t, claims.UserID, captured.RequesterID)
	assert.Equal(t, enum.UserRoleRestaurantOwner, captured.RequesterRole)
}

func TestUpdateStatus_MissingStatus(t *testing.T) {
	router := newRouter(&mockOrderService{}, &mockLocations{})
	rec := doRequest(router, http.MethodPatch, "/orders/"+uuid.New().String()+"/status", map[string]any{}, customerClaims())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateStatus_Conflicts(t *testing.T) {
	tests := []error{
		service.ErrInvalidStatus,
		service.ErrConcurrentUpdateConflict,
	}
	for _, serviceErr := range tests {
		svc := &mockOrderService{
			updateStatusFn: func(ctx context.Context, req service.UpdateStatusRequest) (domain.Order, error) {
				return domain.Order{}, serviceErr
			},
		}
		router := newRouter(svc, &mockLocations{})
		body := map[string]any{"status": enum.OrderStatusDelivered}
		rec := doRequest(router, http.MethodPatch, "/orders/"+uuid.New().String()+"/status", body, customerClaims())
		assert.Equal(t, http.StatusConflict, rec.Code)
	}
}

// --- Cancel ---

func TestCancelOrder(t *testing.T) {
	order := sampleOrder()
	order.Status = enum.OrderStatusCancelled
	reason := "changed my mind"
	order.CancelReason = &reason

	var gotReason string
	svc := &mockOrderService{
		cancelFn: func(ctx context.Context, orderID, customerID uuid.UUID, r string) (domain.Order, error) {
			gotReason = r
			return order, nil
		},
	}
	router := newRouter(svc, &mockLocations{})

	rec := doRequest(router, http.MethodDelete, "/orders/"+order.ID.String(), map[string]any{"reason": reason}, customerClaims())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, reason, gotReason)
}

func TestCancelOrder_WindowExpired(t *testing.T) {
	svc := &mockOrderService{
		cancelFn: func(ctx context.Context, orderID, customerID uuid.UUID, reason string) (domain.Order, error) {
			return domain.Order{}, service.ErrCancellationWindowExpired
		},
	}
	router := newRouter(svc, &mockLocations{})

	rec := doRequest(router, http.MethodDelete, "/orders/"+uuid.New().String(), map[string]any{"reason": "too slow"}, customerClaims())
	assert.Equal(t, http.StatusConflict, rec.Code)
}

// --- AssignDriver ---

func TestAssignDriver_RouteRequiresAdmin(t *testing.T) {
	svc := &mockOrderService{
		assignDriverFn: func(ctx context.Context, orderID, driverID uuid.UUID, requesterRole string) (domain.Order, error) {
			return sampleOrder(), nil
		},
	}
	router := newRouter(svc, &mockLocations{})
	body := map[string]any{"driver_id": uuid.New().String()}
	path := "/orders/" + uuid.New().String() + "/driver"

	rec := doRequest(router, http.MethodPost, path, body, customerClaims())
	assert.Equal(t, http.StatusForbidden, rec.Code)

	admin := &auth.Claims{UserID: uuid.New(), Role: enum.UserRoleAdmin}
	rec = doRequest(router, http.MethodPost, path, body, admin)
	assert.Equal(t, http.StatusOK, rec.Code)
}

// --- GetLocation ---

func TestGetLocation(t *testing.T) {
	order := sampleOrder()
	driverID := uuid.New()
	svc := &mockOrderService{
		getFn: func(ctx context.Context, id, requesterID uuid.UUID, requesterRole string) (domain.Order, error) {
			return order, nil
		},
	}
	locations := &mockLocations{
		getFn: func(ctx context.Context, orderID uuid.UUID) (cache.DriverLocation, error) {
			return cache.DriverLocation{
				DriverID:   driverID,
				Latitude:   40.7128,
				Longitude:  -74.006,
				RecordedAt: time.Now().UTC(),
			}, nil
		},
	}
	router := newRouter(svc, locations)

	rec := doRequest(router, http.MethodGet, "/orders/"+order.ID.String()+"/location", nil, customerClaims())
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 40.7128, resp["latitude"])
	assert.Equal(t, driverID.String(), resp["driver_id"])
}

func TestGetLocation_NoneRecorded(t *testing.T) {
	svc := &mockOrderService{
		getFn: func(ctx context.Context, id, requesterID uuid.UUID, requesterRole string) (domain.Order, error) {
			return sampleOrder(), nil
		},
	}
	router := newRouter(svc, &mockLocations{})

	rec := doRequest(router, http.MethodGet, "/orders/"+uuid.New().String()+"/location", nil, customerClaims())
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetLocation_NotParticipant(t *testing.T) {
	svc := &mockOrderService{
		getFn: func(ctx context.Context, id, requesterID uuid.UUID, requesterRole string) (domain.Order, error) {
			return domain.Order{}, service.ErrAccessDenied
		},
	}
	router := newRouter(svc, &mockLocations{})

	rec := doRequest(router, http.MethodGet, "/orders/"+uuid.New().String()+"/location", nil, customerClaims())
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
