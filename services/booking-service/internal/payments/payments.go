package payments

import (
	"context"
	"errors"
	"fmt"
)

// Request identifies money movement for one booking. Amount is in minor units.
type Request struct {
	BookingID  string
	PaymentRef string
	Amount     int64
}

// Gateway moves money for bookings. Both calls return the provider reference of the
// operation, or "" when there was nothing to do.
type Gateway interface {
	Capture(ctx context.Context, req Request) (string, error)
	Refund(ctx context.Context, req Request) (string, error)
}

// Error wraps a failed gateway call.
type Error struct {
	Op        string
	BookingID string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("payment %s for booking %s failed: %v", e.Op, e.BookingID, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func IsError(err error) bool {
	var target *Error
	return errors.As(err, &target)
}

// skip reports requests that need no call: no intent on file or nothing to move.
func skip(req Request) bool {
	return req.PaymentRef == "" || req.Amount <= 0
}

// Noop accepts every request without moving money.
type Noop struct{}

func (Noop) Capture(_ context.Context, req Request) (string, error) {
	if skip(req) {
		return "", nil
	}
	return "noop_capture_" + req.BookingID, nil
}

func (Noop) Refund(_ context.Context, req Request) (string, error) {
	if skip(req) {
		return "", nil
	}
	return "noop_refund_" + req.BookingID, nil
}
