package payments

import (
	"context"
	"errors"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/paymentintent"
	"github.com/stripe/stripe-go/v79/refund"
)

// Stripe captures and refunds PaymentIntents. PaymentRef is the PaymentIntent id.
type Stripe struct {
	capture func(id string, params *stripe.PaymentIntentCaptureParams) (*stripe.PaymentIntent, error)
	refund  func(params *stripe.RefundParams) (*stripe.Refund, error)
}

func NewStripe(secretKey string) (*Stripe, error) {
	if secretKey == "" {
		return nil, errors.New("stripe secret key is required")
	}
	stripe.Key = secretKey
	return &Stripe{capture: paymentintent.Capture, refund: refund.New}, nil
}

func (s *Stripe) Capture(ctx context.Context, req Request) (string, error) {
	if skip(req) {
		return "", nil
	}
	params := &stripe.PaymentIntentCaptureParams{AmountToCapture: stripe.Int64(req.Amount)}
	params.Context = ctx
	params.IdempotencyKey = stripe.String("capture:" + req.BookingID)
	pi, err := s.capture(req.PaymentRef, params)
	if err != nil {
		return "", &Error{Op: "capture", BookingID: req.BookingID, Err: err}
	}
	return pi.ID, nil
}

func (s *Stripe) Refund(ctx context.Context, req Request) (string, error) {
	if skip(req) {
		return "", nil
	}
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.PaymentRef),
		Amount:        stripe.Int64(req.Amount),
	}
	params.Context = ctx
	params.IdempotencyKey = stripe.String("refund:" + req.BookingID)
	params.AddMetadata("booking_id", req.BookingID)
	r, err := s.refund(params)
	if err != nil {
		return "", &Error{Op: "refund", BookingID: req.BookingID, Err: err}
	}
	return r.ID, nil
}
