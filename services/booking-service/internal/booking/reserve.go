package booking

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/lifecycle"
	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/metrics"
	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/model"
)

type ReserveRequest struct {
	ProviderID string
	ServiceID  string
	// StaffID is optional unless the service requires a specific staff member. Without it the
	// first free eligible staff member, by id, is assigned.
	StaffID    string
	CustomerID string
	StartTime  time.Time
	// IdempotencyKey makes retries of the same request by the same customer return the
	// original booking.
	IdempotencyKey string
	// PaymentRef and PaidAmount record a payment taken before booking. Only provider, admin
	// and system actors may set them; customer payments arrive through RecordPayment.
	PaymentRef string
	PaidAmount int64
}

// ReserveSlot validates the requested start against generated slots and reserves it in the
// ledger. The booking starts in the status the provider's settings dictate.
func (s *Service) ReserveSlot(ctx context.Context, actor model.Actor, req ReserveRequest) (b model.Booking, err error) {
	started := s.now()
	ctx, span := s.startSpan(ctx, "ReserveSlot")
	span.SetAttributes(
		attribute.String("provider_id", req.ProviderID),
		attribute.String("service_id", req.ServiceID),
		attribute.String("start_time", req.StartTime.UTC().Format(time.RFC3339)),
	)
	defer func() {
		metrics.ObserveReservation(outcome(err), started)
		endSpan(span, err)
	}()

	if actor.Kind == model.ActorCustomer {
		if req.CustomerID != "" && req.CustomerID != actor.ID {
			return model.Booking{}, &model.PolicyViolationError{Reason: "customers can only book for themselves"}
		}
		if req.PaidAmount != 0 || req.PaymentRef != "" {
			return model.Booking{}, &model.PolicyViolationError{Reason: "customers cannot record payments"}
		}
		req.CustomerID = actor.ID
	}
	if actor.Kind == model.ActorProvider && actor.ProviderID != "" && actor.ProviderID != req.ProviderID {
		return model.Booking{}, &model.PolicyViolationError{Reason: "cannot book for another provider"}
	}
	switch {
	case req.ProviderID == "":
		return model.Booking{}, model.Invalid("provider_id", "is required")
	case req.ServiceID == "":
		return model.Booking{}, model.Invalid("service_id", "is required")
	case req.CustomerID == "":
		return model.Booking{}, model.Invalid("customer_id", "is required")
	case req.StartTime.IsZero():
		return model.Booking{}, model.Invalid("start_time", "is required")
	case req.PaidAmount < 0:
		return model.Booking{}, model.Invalid("paid_amount", "must not be negative")
	}

	if req.IdempotencyKey != "" {
		existing, err := retry(ctx, s, "get_idempotent", func() (model.Booking, error) {
			return s.ledger.GetByIdempotencyKey(ctx, req.ProviderID, req.CustomerID, req.IdempotencyKey)
		})
		if err == nil {
			return replay(actor, req, existing)
		}
		if !model.IsNotFound(err) {
			return model.Booking{}, err
		}
	}

	now := s.now()
	if req.StartTime.Before(now) {
		return model.Booking{}, model.Invalid("start_time", "is in the past")
	}
	v, err := s.loadView(ctx, req.ProviderID, req.ServiceID, req.StaffID)
	if err != nil {
		return model.Booking{}, err
	}
	slots, err := s.daySlots(ctx, v, req.StartTime, slotOptions{fresh: true})
	if err != nil {
		return model.Booking{}, err
	}
	slot, err := pickSlot(slots, req.StartTime)
	if err != nil {
		return model.Booking{}, err
	}
	candidates := slot.FreeStaffIDs
	if slot.StaffID != "" {
		candidates = []string{slot.StaffID}
	}

	status := lifecycle.InitialStatus(v.snap.Provider)
	for i, staffID := range candidates {
		draft := model.Booking{
			ID:             s.newID(),
			CustomerID:     req.CustomerID,
			ProviderID:     req.ProviderID,
			ServiceID:      req.ServiceID,
			StaffID:        staffID,
			StartTime:      slot.Start,
			EndTime:        slot.End,
			ReservedFrom:   slot.Start.Add(-v.params.Preparation),
			Status:         status,
			TotalAmount:    v.service.Price,
			PaidAmount:     min(req.PaidAmount, v.service.Price),
			PaymentRef:     req.PaymentRef,
			IdempotencyKey: req.IdempotencyKey,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if status == model.StatusConfirmed {
			at := now
			draft.ConfirmedAt = &at
		}

		evt := s.event(actor, "")
		b, err = retry(ctx, s, "reserve", func() (model.Booking, error) { return s.ledger.Reserve(ctx, draft, evt) })
		if model.IsConflict(err) && i < len(candidates)-1 {
			continue
		}
		if err != nil {
			return model.Booking{}, err
		}
		if b.ID != draft.ID {
			return replay(actor, req, b)
		}
		s.cache.Invalidate(ctx, b.ProviderID)
		s.logger.Info("booking reserved",
			"booking_id", b.ID, "provider_id", b.ProviderID, "staff_id", b.StaffID,
			"start_time", b.StartTime, "status", b.Status.String())
		return b, nil
	}
	return model.Booking{}, model.Invalid("start_time", "no staff member can take this slot")
}

// replay returns the booking created by an earlier request with the same idempotency key. The
// caller must be allowed to see it and must be asking for the same service, start and staff.
func replay(actor model.Actor, req ReserveRequest, existing model.Booking) (model.Booking, error) {
	if err := authorize(actor, existing, "view"); err != nil {
		return model.Booking{}, err
	}
	if existing.ServiceID != req.ServiceID || !existing.StartTime.Equal(req.StartTime) ||
		(req.StaffID != "" && existing.StaffID != req.StaffID) {
		return model.Booking{}, model.Invalid("idempotency_key", "was already used for a different booking request")
	}
	return existing, nil
}

// pickSlot finds the slot starting at start. Booked slots and slots held by a request
// conflict; anything else that is not available is not a bookable start.
func pickSlot(slots []model.TimeSlot, start time.Time) (model.TimeSlot, error) {
	for _, slot := range slots {
		if !slot.Start.Equal(start) {
			continue
		}
		switch slot.Status {
		case model.SlotAvailable:
			return slot, nil
		case model.SlotBooked:
			return model.TimeSlot{}, &model.SlotConflictError{StaffID: slot.StaffID, Start: slot.Start, End: slot.End, BookingID: slot.BookingID}
		case model.SlotBlocked:
			if slot.BookingID != "" {
				return model.TimeSlot{}, &model.SlotConflictError{StaffID: slot.StaffID, Start: slot.Start, End: slot.End, BookingID: slot.BookingID}
			}
			return model.TimeSlot{}, model.Invalid("start_time", "%s is not open for booking", start.Format(time.RFC3339))
		default:
			return model.TimeSlot{}, model.Invalid("start_time", "%s is not open for booking", start.Format(time.RFC3339))
		}
	}
	return model.TimeSlot{}, model.Invalid("start_time", "%s is not a slot start", start.Format(time.RFC3339))
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case model.IsConflict(err):
		return "conflict"
	case model.IsValidation(err), model.IsNotFound(err):
		return "rejected"
	case model.IsPolicyViolation(err):
		return "forbidden"
	case model.IsTransient(err):
		return "transient"
	default:
		return "error"
	}
}
