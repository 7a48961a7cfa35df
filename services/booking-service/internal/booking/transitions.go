package booking

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	otelx "github.com/md-rashed-zaman/bookingengine/libs/otel"
	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/ledger"
	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/lifecycle"
	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/metrics"
	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/payments"
	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/refund"
)

// ExpiredReason is recorded on requests cancelled by the expiry worker.
const ExpiredReason = "request expired"

type TransitionRequest struct {
	Target model.Status
	// Reason is recorded on cancellations.
	Reason string
}

// TransitionBooking moves a booking to Target. Reschedules go through Reschedule.
func (s *Service) TransitionBooking(ctx context.Context, actor model.Actor, id string, req TransitionRequest) (b model.Booking, err error) {
	ctx, span := s.startSpan(ctx, "TransitionBooking")
	span.SetAttributes(attribute.String("booking_id", id), attribute.String("target", req.Target.String()))
	defer func() {
		metrics.IncTransition(req.Target.String(), outcome(err))
		endSpan(span, err)
	}()

	current, err := retry(ctx, s, "get", func() (model.Booking, error) { return s.ledger.Get(ctx, id) })
	if err != nil {
		return model.Booking{}, err
	}

	switch req.Target {
	case model.StatusConfirmed:
		return s.confirm(ctx, actor, current)
	case model.StatusInProgress:
		return s.start(ctx, actor, current)
	case model.StatusCompleted:
		return s.complete(ctx, actor, current)
	case model.StatusCancelled:
		return s.cancel(ctx, actor, current, req.Reason)
	case model.StatusNoShow:
		return s.noShow(ctx, actor, current)
	case model.StatusRescheduled:
		return model.Booking{}, model.Invalid("target", "reschedules need a new start time")
	case model.StatusRequested, model.StatusPending:
		return model.Booking{}, &model.InvalidTransitionError{From: current.Status, To: req.Target}
	default:
		return model.Booking{}, model.Invalid("target", "unknown status %s", req.Target)
	}
}

// apply runs fn on the stored booking under its staff lock, retrying transient failures. evts
// are recorded with the change.
func (s *Service) apply(ctx context.Context, op, id string, fn func(*model.Booking) error, evts ...model.Event) (model.Booking, error) {
	return retry(ctx, s, op, func() (model.Booking, error) { return s.ledger.Apply(ctx, id, fn, evts...) })
}

// transition applies fn and records the event for the status it leaves the booking in.
func (s *Service) transition(ctx context.Context, actor model.Actor, op, id string, fn func(*model.Booking) error) (model.Booking, error) {
	b, err := s.apply(ctx, op, id, fn, s.event(actor, ""))
	if err != nil {
		return model.Booking{}, err
	}
	s.cache.Invalidate(ctx, b.ProviderID)
	s.logger.Info("booking transitioned", "booking_id", b.ID, "status", b.Status.String(), "actor", string(actor.Kind))
	return b, nil
}

// release marks the interval of a booking that left the holding statuses as released. The
// booking stopped holding time when its status changed, so a failure here is only logged.
func (s *Service) release(ctx context.Context, b model.Booking) model.Booking {
	released, err := retry(ctx, s, "release", func() (model.Booking, error) { return s.ledger.Release(ctx, b.ID) })
	if err != nil {
		s.logger.Warn("releasing booking failed", "booking_id", b.ID, "err", err)
		return b
	}
	return released
}

func (s *Service) confirm(ctx context.Context, actor model.Actor, current model.Booking) (model.Booking, error) {
	if err := authorize(actor, current, "confirm"); err != nil {
		return model.Booking{}, err
	}
	if err := lifecycle.Validate(current.Status, model.StatusConfirmed); err != nil {
		return model.Booking{}, err
	}
	iv := current.Committed()
	free, err := retry(ctx, s, "is_free", func() (bool, error) {
		return s.ledger.IsFree(ctx, current.StaffID, iv.Start, iv.End)
	})
	if err != nil {
		return model.Booking{}, err
	}
	if !free {
		return model.Booking{}, ledger.Conflict(current.StaffID, iv, "")
	}
	now := s.now()
	return s.transition(ctx, actor, "confirm", current.ID, func(b *model.Booking) error {
		return lifecycle.Transition(b, model.StatusConfirmed, now)
	})
}

func (s *Service) start(ctx context.Context, actor model.Actor, current model.Booking) (model.Booking, error) {
	if err := authorize(actor, current, "start"); err != nil {
		return model.Booking{}, err
	}
	now := s.now()
	return s.transition(ctx, actor, "start", current.ID, func(b *model.Booking) error {
		if err := lifecycle.Validate(b.Status, model.StatusInProgress); err != nil {
			return err
		}
		if now.Before(b.StartTime) {
			return model.Invalid("start_time", "booking cannot start before %s", b.StartTime.Format(time.RFC3339))
		}
		return lifecycle.Transition(b, model.StatusInProgress, now)
	})
}

// complete captures the outstanding balance of deposit-only bookings before completing them.
// A failed capture leaves the booking in progress. A capture whose booking could not be
// completed afterwards is logged with its reference for reconciliation.
func (s *Service) complete(ctx context.Context, actor model.Actor, current model.Booking) (model.Booking, error) {
	if err := authorize(actor, current, "complete"); err != nil {
		return model.Booking{}, err
	}
	if err := lifecycle.Validate(current.Status, model.StatusCompleted); err != nil {
		return model.Booking{}, err
	}

	var captureRef string
	balance := current.TotalAmount - current.PaidAmount
	if current.DepositOnly() {
		ref, err := s.payments.Capture(ctx, payments.Request{
			BookingID:  current.ID,
			PaymentRef: current.PaymentRef,
			Amount:     balance,
		})
		if err != nil {
			s.logger.Error("balance capture failed", "booking_id", current.ID, "err", err)
			return model.Booking{}, err
		}
		captureRef = ref
	}

	now := s.now()
	b, err := s.transition(ctx, actor, "complete", current.ID, func(b *model.Booking) error {
		if err := lifecycle.Transition(b, model.StatusCompleted, now); err != nil {
			return err
		}
		if b.DepositOnly() {
			b.PaidAmount = b.TotalAmount
			b.SettlementStatus = model.SettlementSettled
			b.SettlementRef = captureRef
		}
		return nil
	})
	if err != nil {
		if captureRef != "" {
			metrics.IncUnappliedCapture()
			s.logger.Error("balance captured but booking not completed",
				"booking_id", current.ID, "capture_ref", captureRef, "amount", balance, "err", err)
		}
		return model.Booking{}, err
	}
	return b, nil
}

func (s *Service) cancel(ctx context.Context, actor model.Actor, current model.Booking, reason string) (model.Booking, error) {
	if err := authorize(actor, current, "cancel"); err != nil {
		return model.Booking{}, err
	}
	snap, err := s.catalog.Load(ctx, current.ProviderID)
	if err != nil {
		return model.Booking{}, err
	}
	if reason == "" {
		reason = "cancelled by " + string(actor.Kind)
	}

	now := s.now()
	b, err := s.transition(ctx, actor, "cancel", current.ID, func(b *model.Booking) error {
		if err := lifecycle.Validate(b.Status, model.StatusCancelled); err != nil {
			return err
		}
		quote, err := refund.Compute(*b, snap.Provider.Cancellation, actor.Kind, now)
		if err != nil {
			return err
		}
		if err := lifecycle.Transition(b, model.StatusCancelled, now); err != nil {
			return err
		}
		b.CancellationReason = reason
		b.CancelledBy = actor.Kind
		b.RefundAmount = quote.Amount
		b.RefundReason = quote.Reason
		if quote.Amount > 0 && b.PaymentRef != "" {
			b.SettlementStatus = model.SettlementPending
		}
		return nil
	})
	if err != nil {
		return model.Booking{}, err
	}
	b = s.release(ctx, b)

	if b.SettlementStatus == model.SettlementPending {
		b = s.settle(ctx, b, func(ctx context.Context) (string, error) {
			return s.payments.Refund(ctx, payments.Request{BookingID: b.ID, PaymentRef: b.PaymentRef, Amount: b.RefundAmount})
		})
	}
	return b, nil
}

func (s *Service) noShow(ctx context.Context, actor model.Actor, current model.Booking) (model.Booking, error) {
	if err := authorize(actor, current, "no_show"); err != nil {
		return model.Booking{}, err
	}
	snap, err := s.catalog.Load(ctx, current.ProviderID)
	if err != nil {
		return model.Booking{}, err
	}

	now := s.now()
	b, err := s.transition(ctx, actor, "no_show", current.ID, func(b *model.Booking) error {
		if err := lifecycle.Validate(b.Status, model.StatusNoShow); err != nil {
			return err
		}
		if now.Before(b.StartTime) {
			return model.Invalid("start_time", "no-show can only be recorded after %s", b.StartTime.Format(time.RFC3339))
		}
		if err := lifecycle.Transition(b, model.StatusNoShow, now); err != nil {
			return err
		}
		b.NoShowFee = snap.Provider.NoShowFee
		if b.NoShowFee > 0 && b.PaymentRef != "" {
			b.SettlementStatus = model.SettlementPending
		}
		return nil
	})
	if err != nil {
		return model.Booking{}, err
	}
	b = s.release(ctx, b)

	if b.SettlementStatus == model.SettlementPending {
		b = s.settle(ctx, b, func(ctx context.Context) (string, error) {
			return s.payments.Capture(ctx, payments.Request{BookingID: b.ID, PaymentRef: b.PaymentRef, Amount: b.NoShowFee})
		})
	}
	return b, nil
}

// settle runs a post-commit payment call and records its outcome on the booking. The call
// outlives the request's cancellation.
func (s *Service) settle(ctx context.Context, b model.Booking, call func(context.Context) (string, error)) model.Booking {
	ctx = otelx.Detached(ctx)
	ref, callErr := call(ctx)
	status := model.SettlementSettled
	if callErr != nil {
		status = model.SettlementFailed
		s.logger.Error("settlement failed", "booking_id", b.ID, "status", b.Status.String(), "err", callErr)
	}
	updated, err := s.apply(ctx, "settle", b.ID, func(b *model.Booking) error {
		b.SettlementStatus = status
		b.SettlementRef = ref
		return nil
	})
	if err != nil {
		s.logger.Error("recording settlement failed", "booking_id", b.ID, "err", err)
		b.SettlementStatus = status
		b.SettlementRef = ref
		return b
	}
	return updated
}

type RescheduleRequest struct {
	StartTime time.Time
	// StaffID moves the booking to another eligible staff member. Empty keeps the current one.
	StaffID string
}

// Reschedule moves a booking to a new slot. The old booking becomes Rescheduled and a new
// booking with the same status, amounts and payment reference takes the new slot. On conflict
// nothing changes.
func (s *Service) Reschedule(ctx context.Context, actor model.Actor, id string, req RescheduleRequest) (old, created model.Booking, err error) {
	ctx, span := s.startSpan(ctx, "Reschedule")
	span.SetAttributes(attribute.String("booking_id", id))
	defer func() {
		metrics.IncTransition(model.StatusRescheduled.String(), outcome(err))
		endSpan(span, err)
	}()

	current, err := retry(ctx, s, "get", func() (model.Booking, error) { return s.ledger.Get(ctx, id) })
	if err != nil {
		return model.Booking{}, model.Booking{}, err
	}
	if err := authorize(actor, current, "reschedule"); err != nil {
		return model.Booking{}, model.Booking{}, err
	}
	if err := lifecycle.Validate(current.Status, model.StatusRescheduled); err != nil {
		return model.Booking{}, model.Booking{}, err
	}
	now := s.now()
	if req.StartTime.IsZero() {
		return model.Booking{}, model.Booking{}, model.Invalid("start_time", "is required")
	}
	if req.StartTime.Before(now) {
		return model.Booking{}, model.Booking{}, model.Invalid("start_time", "is in the past")
	}
	staffID := req.StaffID
	if staffID == "" {
		staffID = current.StaffID
	}

	v, err := s.loadView(ctx, current.ProviderID, current.ServiceID, staffID)
	if err != nil {
		return model.Booking{}, model.Booking{}, err
	}
	slots, err := s.daySlots(ctx, v, req.StartTime, slotOptions{fresh: true, excludeID: current.ID})
	if err != nil {
		return model.Booking{}, model.Booking{}, err
	}
	slot, err := pickSlot(slots, req.StartTime)
	if err != nil {
		return model.Booking{}, model.Booking{}, err
	}

	replacement := current
	replacement.ID = s.newID()
	replacement.StaffID = staffID
	replacement.StartTime = slot.Start
	replacement.EndTime = slot.End
	replacement.ReservedFrom = slot.Start.Add(-v.params.Preparation)
	replacement.IdempotencyKey = ""
	replacement.RescheduledToID = ""
	replacement.ReleasedAt = nil
	replacement.SettlementStatus = ""
	replacement.SettlementRef = ""
	replacement.CreatedAt = now
	replacement.UpdatedAt = now

	type pair struct{ old, created model.Booking }
	res, err := retry(ctx, s, "reschedule", func() (pair, error) {
		o, c, err := s.ledger.Swap(ctx, current.ID, func(b *model.Booking) error {
			return lifecycle.Transition(b, model.StatusRescheduled, now)
		}, replacement, s.event(actor, current.ID))
		return pair{o, c}, err
	})
	if err != nil {
		return model.Booking{}, model.Booking{}, err
	}

	s.cache.Invalidate(ctx, res.created.ProviderID)
	s.logger.Info("booking rescheduled", "booking_id", res.old.ID, "new_booking_id", res.created.ID,
		"staff_id", res.created.StaffID, "start_time", res.created.StartTime)
	return res.old, res.created, nil
}

// ComputeRefund previews the refund the actor would get by cancelling now.
func (s *Service) ComputeRefund(ctx context.Context, actor model.Actor, id string) (refund.Quote, error) {
	b, err := retry(ctx, s, "get", func() (model.Booking, error) { return s.ledger.Get(ctx, id) })
	if err != nil {
		return refund.Quote{}, err
	}
	if err := authorize(actor, b, "quote"); err != nil {
		return refund.Quote{}, err
	}
	if err := lifecycle.Validate(b.Status, model.StatusCancelled); err != nil {
		return refund.Quote{}, err
	}
	snap, err := s.catalog.Load(ctx, b.ProviderID)
	if err != nil {
		return refund.Quote{}, err
	}
	return refund.Compute(b, snap.Provider.Cancellation, actor.Kind, s.now())
}

// RecordPayment attaches a succeeded payment to a booking. Amounts above the total are capped.
func (s *Service) RecordPayment(ctx context.Context, bookingID, paymentRef string, amount int64) (model.Booking, error) {
	if paymentRef == "" {
		return model.Booking{}, model.Invalid("payment_ref", "is required")
	}
	if amount < 0 {
		return model.Booking{}, model.Invalid("amount", "must not be negative")
	}
	b, err := s.apply(ctx, "record_payment", bookingID, func(b *model.Booking) error {
		if b.Status.Terminal() {
			return &model.InvalidTransitionError{From: b.Status, To: b.Status}
		}
		b.PaymentRef = paymentRef
		b.PaidAmount = max(b.PaidAmount, min(amount, b.TotalAmount))
		return nil
	})
	if err != nil {
		return model.Booking{}, err
	}
	s.logger.Info("payment recorded", "booking_id", b.ID, "paid_amount", b.PaidAmount)
	return b, nil
}

// ExpireStaleRequests cancels Requested and Pending bookings older than the reservation TTL
// and returns how many were cancelled.
func (s *Service) ExpireStaleRequests(ctx context.Context, limit int) (int, error) {
	cutoff := s.now().Add(-s.cfg.ReservationTTL)
	stale, err := retry(ctx, s, "list_stale", func() ([]model.Booking, error) {
		return s.ledger.ListStaleRequests(ctx, cutoff, limit)
	})
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, b := range stale {
		_, err := s.cancel(ctx, model.SystemActor, b, ExpiredReason)
		switch {
		case err == nil:
			expired++
		case model.IsInvalidTransition(err):
			// Confirmed or cancelled since it was listed.
		default:
			s.logger.Warn("expiring request failed", "booking_id", b.ID, "err", err)
		}
	}
	metrics.AddExpired(expired)
	return expired, nil
}
