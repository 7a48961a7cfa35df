package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/booking"
)

type Handler struct {
	svc                    *booking.Service
	logger                 *slog.Logger
	stripeWebhookSecret    string
	stripeWebhookTolerance time.Duration
}

type Config struct {
	StripeWebhookSecret    string
	StripeWebhookTolerance time.Duration
}

func New(svc *booking.Service, logger *slog.Logger, cfg Config) *Handler {
	if cfg.StripeWebhookTolerance <= 0 {
		cfg.StripeWebhookTolerance = 5 * time.Minute
	}
	return &Handler{
		svc:                    svc,
		logger:                 logger,
		stripeWebhookSecret:    cfg.StripeWebhookSecret,
		stripeWebhookTolerance: cfg.StripeWebhookTolerance,
	}
}

// Register mounts the API on mux. Availability reads and the Stripe webhook are public;
// booking routes go through authn.
func (h *Handler) Register(mux *http.ServeMux, authn func(http.Handler) http.Handler) {
	mux.HandleFunc("GET /api/v1/availability/slots", h.Slots)
	mux.HandleFunc("GET /api/v1/availability/dates", h.Dates)
	mux.HandleFunc("GET /api/v1/providers/{id}/availability", h.ProviderCalendar)
	mux.HandleFunc("POST /api/v1/payments/webhooks/stripe", h.StripeWebhook)

	private := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, authn(fn))
	}
	private("POST /api/v1/bookings", h.Create)
	private("GET /api/v1/bookings", h.List)
	private("GET /api/v1/bookings/{id}", h.Get)
	private("GET /api/v1/bookings/{id}/refund-quote", h.RefundQuote)
	private("POST /api/v1/bookings/{id}/reschedule", h.Reschedule)
	private("POST /api/v1/bookings/{id}/{action}", h.Transition)
}
