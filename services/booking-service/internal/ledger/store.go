package ledger

import (
	"context"
	"time"

	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/model"
)

// Store is the authoritative record of bookings and the only place where staff time is
// committed. Reserve, Apply, Swap and Release serialise per staff member; implementations
// return the taxonomy errors from the model package.
//
// Every event passed to a mutation is completed with the booking as stored and recorded in
// the same unit as the change. A mutation that fails records nothing.
type Store interface {
	// IsFree reports whether no blocking booking of staffID overlaps [start, end).
	IsFree(ctx context.Context, staffID string, start, end time.Time) (bool, error)

	// Reserve checks the draft's committed interval against every booking holding the staff
	// member's time and inserts it, atomically. A draft whose idempotency key was already
	// used by the same customer of the provider returns the earlier booking and records no
	// events.
	Reserve(ctx context.Context, draft model.Booking, evts ...model.Event) (model.Booking, error)

	// Release marks the booking's interval as released. Releasing twice is a no-op.
	Release(ctx context.Context, id string) (model.Booking, error)

	// Apply mutates one booking under its staff lock. When fn moves the booking into a
	// blocking status the interval is re-validated before the change is stored.
	Apply(ctx context.Context, id string, fn func(*model.Booking) error, evts ...model.Event) (model.Booking, error)

	// Swap mutates and releases the old booking and inserts replacement in one unit. If the
	// replacement conflicts nothing is changed. Events describe the replacement.
	Swap(ctx context.Context, oldID string, fn func(*model.Booking) error, replacement model.Booking, evts ...model.Event) (old, created model.Booking, err error)

	Get(ctx context.Context, id string) (model.Booking, error)
	GetByIdempotencyKey(ctx context.Context, providerID, customerID, key string) (model.Booking, error)

	// ListCommitted returns bookings of staffID that hold time overlapping [from, to).
	ListCommitted(ctx context.Context, staffID string, from, to time.Time) ([]model.Booking, error)
	// ListByProvider returns bookings starting in [from, to), ordered by start. Zero bounds
	// are open.
	ListByProvider(ctx context.Context, providerID string, from, to time.Time, limit int) ([]model.Booking, error)
	// ListStaleRequests returns Requested and Pending bookings created before createdBefore.
	ListStaleRequests(ctx context.Context, createdBefore time.Time, limit int) ([]model.Booking, error)
}

// Notifier receives events after the change they describe is committed. Notify must not
// block.
type Notifier interface {
	Notify(ctx context.Context, evt model.Event)
}

// Stamp completes evts with the stored booking.
func Stamp(b model.Booking, evts []model.Event) []model.Event {
	out := make([]model.Event, 0, len(evts))
	for _, evt := range evts {
		evt.Booking = b
		evt.Type = model.EventType(b.Status)
		out = append(out, evt)
	}
	return out
}

// ValidateDraft checks the fields every reservation must carry.
func ValidateDraft(d model.Booking) error {
	switch {
	case d.ID == "":
		return model.Invalid("id", "is required")
	case d.ProviderID == "":
		return model.Invalid("provider_id", "is required")
	case d.StaffID == "":
		return model.Invalid("staff_id", "is required")
	case d.StartTime.IsZero() || !d.EndTime.After(d.StartTime):
		return model.Invalid("start_time", "must be before end_time")
	case d.ReservedFrom.After(d.StartTime):
		return model.Invalid("reserved_from", "must not be after start_time")
	case !d.Status.Active():
		return model.Invalid("status", "reservation cannot start as %s", d.Status)
	}
	return nil
}

// Conflict builds the error returned when interval iv of staffID collides with holder.
func Conflict(staffID string, iv model.Interval, holderID string) *model.SlotConflictError {
	return &model.SlotConflictError{StaffID: staffID, Start: iv.Start, End: iv.End, BookingID: holderID}
}

// DefaultListLimit caps list queries without an explicit limit.
const DefaultListLimit = 100
