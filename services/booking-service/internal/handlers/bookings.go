package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/md-rashed-zaman/bookingengine/libs/httpx"
	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/booking"
	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/refund"
)

type bookingResponse struct {
	ID                 string `json:"id"`
	CustomerID         string `json:"customer_id"`
	ProviderID         string `json:"provider_id"`
	ServiceID          string `json:"service_id"`
	StaffID            string `json:"staff_id"`
	StartTime          string `json:"start_time"`
	EndTime            string `json:"end_time"`
	ReservedFrom       string `json:"reserved_from"`
	Status             string `json:"status"`
	TotalAmount        int64  `json:"total_amount"`
	PaidAmount         int64  `json:"paid_amount"`
	RefundAmount       int64  `json:"refund_amount,omitempty"`
	RefundReason       string `json:"refund_reason,omitempty"`
	NoShowFee          int64  `json:"no_show_fee,omitempty"`
	CancellationReason string `json:"cancellation_reason,omitempty"`
	CancelledBy        string `json:"cancelled_by,omitempty"`
	PaymentRef         string `json:"payment_ref,omitempty"`
	SettlementStatus   string `json:"settlement_status,omitempty"`
	SettlementRef      string `json:"settlement_ref,omitempty"`
	RescheduledFromID  string `json:"rescheduled_from_id,omitempty"`
	RescheduledToID    string `json:"rescheduled_to_id,omitempty"`
	ConfirmedAt        string `json:"confirmed_at,omitempty"`
	StartedAt          string `json:"started_at,omitempty"`
	CompletedAt        string `json:"completed_at,omitempty"`
	CancelledAt        string `json:"cancelled_at,omitempty"`
	NoShowAt           string `json:"no_show_at,omitempty"`
	ReleasedAt         string `json:"released_at,omitempty"`
	CreatedAt          string `json:"created_at"`
	UpdatedAt          string `json:"updated_at"`
}

func toBookingResponse(b model.Booking) bookingResponse {
	return bookingResponse{
		ID:                 b.ID,
		CustomerID:         b.CustomerID,
		ProviderID:         b.ProviderID,
		ServiceID:          b.ServiceID,
		StaffID:            b.StaffID,
		StartTime:          b.StartTime.UTC().Format(time.RFC3339),
		EndTime:            b.EndTime.UTC().Format(time.RFC3339),
		ReservedFrom:       b.ReservedFrom.UTC().Format(time.RFC3339),
		Status:             b.Status.String(),
		TotalAmount:        b.TotalAmount,
		PaidAmount:         b.PaidAmount,
		RefundAmount:       b.RefundAmount,
		RefundReason:       b.RefundReason,
		NoShowFee:          b.NoShowFee,
		CancellationReason: b.CancellationReason,
		CancelledBy:        string(b.CancelledBy),
		PaymentRef:         b.PaymentRef,
		SettlementStatus:   b.SettlementStatus,
		SettlementRef:      b.SettlementRef,
		RescheduledFromID:  b.RescheduledFromID,
		RescheduledToID:    b.RescheduledToID,
		ConfirmedAt:        formatOptional(b.ConfirmedAt),
		StartedAt:          formatOptional(b.StartedAt),
		CompletedAt:        formatOptional(b.CompletedAt),
		CancelledAt:        formatOptional(b.CancelledAt),
		NoShowAt:           formatOptional(b.NoShowAt),
		ReleasedAt:         formatOptional(b.ReleasedAt),
		CreatedAt:          b.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:          b.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func formatOptional(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

type createBookingRequest struct {
	ProviderID string `json:"provider_id"`
	ServiceID  string `json:"service_id"`
	StaffID    string `json:"staff_id"`
	CustomerID string `json:"customer_id"`
	StartTime  string `json:"start_time"`
	PaymentRef string `json:"payment_ref"`
	PaidAmount int64  `json:"paid_amount"`
}

type transitionRequest struct {
	Reason string `json:"reason"`
}

type rescheduleRequest struct {
	StartTime string `json:"start_time"`
	StaffID   string `json:"staff_id"`
}

type rescheduleResponse struct {
	Previous bookingResponse `json:"previous"`
	Booking  bookingResponse `json:"booking"`
}

type listResponse struct {
	Bookings []bookingResponse `json:"bookings"`
}

// transitionTargets maps the action path segment to the target status.
var transitionTargets = map[string]model.Status{
	"confirm":  model.StatusConfirmed,
	"start":    model.StatusInProgress,
	"complete": model.StatusCompleted,
	"cancel":   model.StatusCancelled,
	"no-show":  model.StatusNoShow,
}

func parseTimestamp(field, raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, model.Invalid(field, "must be an RFC3339 timestamp")
	}
	return t, nil
}

func idempotencyKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("Idempotency-Key")); key != "" {
		return key
	}
	return strings.TrimSpace(r.Header.Get("X-Idempotency-Key"))
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFromContext(r.Context())

	var req createBookingRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	start, err := parseTimestamp("start_time", req.StartTime)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	b, err := h.svc.ReserveSlot(r.Context(), actor, booking.ReserveRequest{
		ProviderID:     strings.TrimSpace(req.ProviderID),
		ServiceID:      strings.TrimSpace(req.ServiceID),
		StaffID:        strings.TrimSpace(req.StaffID),
		CustomerID:     strings.TrimSpace(req.CustomerID),
		StartTime:      start,
		IdempotencyKey: idempotencyKey(r),
		PaymentRef:     strings.TrimSpace(req.PaymentRef),
		PaidAmount:     req.PaidAmount,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, toBookingResponse(b))
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFromContext(r.Context())
	b, err := h.svc.Get(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toBookingResponse(b))
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFromContext(r.Context())
	q := r.URL.Query()

	query := booking.ListQuery{ProviderID: strings.TrimSpace(q.Get("provider_id"))}
	if raw := q.Get("from"); raw != "" {
		t, err := parseTimestamp("from", raw)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		query.From = t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := parseTimestamp("to", raw)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		query.To = t
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			badRequest(w, "limit must be a positive integer")
			return
		}
		query.Limit = n
	}

	bookings, err := h.svc.List(r.Context(), actor, query)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := listResponse{Bookings: make([]bookingResponse, 0, len(bookings))}
	for _, b := range bookings {
		out.Bookings = append(out.Bookings, toBookingResponse(b))
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) Transition(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFromContext(r.Context())
	target, ok := transitionTargets[r.PathValue("action")]
	if !ok {
		httpx.WriteError(w, http.StatusNotFound, "not_found", "unknown booking action")
		return
	}
	var req transitionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	b, err := h.svc.TransitionBooking(r.Context(), actor, r.PathValue("id"), booking.TransitionRequest{
		Target: target,
		Reason: strings.TrimSpace(req.Reason),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toBookingResponse(b))
}

func (h *Handler) Reschedule(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFromContext(r.Context())
	var req rescheduleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	start, err := parseTimestamp("start_time", req.StartTime)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	old, created, err := h.svc.Reschedule(r.Context(), actor, r.PathValue("id"), booking.RescheduleRequest{
		StartTime: start,
		StaffID:   strings.TrimSpace(req.StaffID),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, rescheduleResponse{Previous: toBookingResponse(old), Booking: toBookingResponse(created)})
}

func (h *Handler) RefundQuote(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFromContext(r.Context())
	quote, err := h.svc.ComputeRefund(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, struct {
		BookingID string `json:"booking_id"`
		refund.Quote
	}{BookingID: r.PathValue("id"), Quote: quote})
}
