package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/md-rashed-zaman/bookingengine/libs/httpx"
	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/model"
)

// StripeWebhook records succeeded payment intents against the booking named in their
// booking_id metadata. The signature is the only authentication.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	if strings.TrimSpace(h.stripeWebhookSecret) == "" {
		httpx.WriteError(w, http.StatusServiceUnavailable, "not_configured", "stripe webhook not configured")
		return
	}
	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		badRequest(w, "missing Stripe-Signature header")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		badRequest(w, "failed to read request body")
		return
	}

	evt, err := webhook.ConstructEventWithOptions(body, sigHeader, h.stripeWebhookSecret, webhook.ConstructEventOptions{
		Tolerance:                h.stripeWebhookTolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		badRequest(w, "invalid signature")
		return
	}
	h.logger.Info("stripe event received", "provider_event_id", evt.ID, "event_type", string(evt.Type))

	if evt.Type != "payment_intent.succeeded" {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(evt.Data.Raw, &intent); err != nil {
		badRequest(w, "invalid payment intent payload")
		return
	}
	bookingID := strings.TrimSpace(intent.Metadata["booking_id"])
	if bookingID == "" {
		h.logger.Warn("stripe: payment intent without booking_id metadata", "payment_intent", intent.ID)
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	amount := intent.AmountReceived
	if amount == 0 {
		amount = intent.Amount
	}

	b, err := h.svc.RecordPayment(r.Context(), bookingID, intent.ID, amount)
	switch {
	case err == nil:
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": "recorded", "booking_id": b.ID, "paid_amount": b.PaidAmount})
	case model.IsNotFound(err), model.IsInvalidTransition(err):
		// Acknowledge so Stripe stops redelivering an event nothing can apply.
		h.logger.Warn("stripe: payment not applied", "booking_id", bookingID, "payment_intent", intent.ID, "err", err)
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
	default:
		h.writeError(w, r, err)
	}
}
