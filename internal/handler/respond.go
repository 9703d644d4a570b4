package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/mealmesh/api/internal/pricing"
	"github.com/mealmesh/api/internal/service"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeServiceError maps service errors to HTTP status codes. Known
// errors carry user-renderable messages; anything unrecognized is a 500
// with the detail kept out of the response.
func writeServiceError(w http.ResponseWriter, logger *zap.Logger, err error) {
	switch {
	case errors.Is(err, service.ErrEmptyItems),
		errors.Is(err, service.ErrInvalidPaymentMethod),
		errors.Is(err, service.ErrEmptyCancelReason),
		errors.Is(err, pricing.ErrItemUnavailable),
		errors.Is(err, pricing.ErrBelowMinimumOrder):
		writeError(w, http.StatusBadRequest, err.Error())

	case errors.Is(err, service.ErrAccessDenied):
		writeError(w, http.StatusForbidden, err.Error())

	case errors.Is(err, service.ErrOrderNotFound),
		errors.Is(err, service.ErrRestaurantNotFound),
		errors.Is(err, service.ErrAddressNotFound):
		writeError(w, http.StatusNotFound, err.Error())

	case errors.Is(err, service.ErrRestaurantClosed),
		errors.Is(err, service.ErrInvalidStatus),
		errors.Is(err, service.ErrCancellationWindowExpired),
		errors.Is(err, service.ErrConcurrentUpdateConflict),
		errors.Is(err, service.ErrCouponExhausted),
		errors.Is(err, service.ErrDriverAlreadyAssigned):
		writeError(w, http.StatusConflict, err.Error())

	default:
		logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
