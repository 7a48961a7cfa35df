package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/md-rashed-zaman/bookingengine/libs/httpx"
	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/payments"
)

// writeError maps domain errors to status codes. Anything unrecognised is logged and hidden
// behind a generic 500.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validation *model.ValidationError
		notFound   *model.NotFoundError
		conflict   *model.SlotConflictError
		transition *model.InvalidTransitionError
		policy     *model.PolicyViolationError
		transient  *model.TransientStorageError
		payment    *payments.Error
	)
	switch {
	case errors.As(err, &validation):
		httpx.WriteError(w, http.StatusBadRequest, "validation_error", validation.Error())
	case errors.As(err, &notFound):
		httpx.WriteError(w, http.StatusNotFound, "not_found", notFound.Error())
	case errors.As(err, &conflict):
		httpx.WriteError(w, http.StatusConflict, "slot_conflict", conflict.Error())
	case errors.As(err, &transition):
		httpx.WriteError(w, http.StatusConflict, "invalid_transition", transition.Error())
	case errors.As(err, &policy):
		httpx.WriteError(w, http.StatusForbidden, "policy_violation", policy.Error())
	case errors.As(err, &transient):
		h.logger.Warn("transient storage failure", "path", r.URL.Path, "op", transient.Op, "err", transient.Err)
		w.Header().Set("Retry-After", "1")
		httpx.WriteError(w, http.StatusServiceUnavailable, "transient_storage", "storage temporarily unavailable, retry")
	case errors.As(err, &payment):
		h.logger.Error("payment call failed", "path", r.URL.Path, "booking_id", payment.BookingID, "op", payment.Op, "err", payment.Err)
		httpx.WriteError(w, http.StatusBadGateway, "payment_failed", "payment provider rejected the request")
	case errors.Is(err, context.DeadlineExceeded):
		httpx.WriteError(w, http.StatusGatewayTimeout, "timeout", "request timed out")
	default:
		h.logger.Error("request failed", "path", r.URL.Path, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func badRequest(w http.ResponseWriter, msg string) {
	httpx.WriteError(w, http.StatusBadRequest, "validation_error", msg)
}
