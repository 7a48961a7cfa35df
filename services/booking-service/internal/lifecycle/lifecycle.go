package lifecycle

import (
	"time"

	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/model"
)

// Targets lists the statuses reachable from s in one step.
func Targets(s model.Status) []model.Status {
	switch s {
	case model.StatusRequested:
		return []model.Status{model.StatusConfirmed, model.StatusCancelled}
	case model.StatusPending:
		return []model.Status{model.StatusConfirmed, model.StatusCancelled, model.StatusRescheduled}
	case model.StatusConfirmed:
		return []model.Status{model.StatusInProgress, model.StatusCancelled, model.StatusNoShow, model.StatusRescheduled}
	case model.StatusInProgress:
		return []model.Status{model.StatusCompleted}
	case model.StatusCompleted, model.StatusCancelled, model.StatusNoShow, model.StatusRescheduled:
		return nil
	default:
		return nil
	}
}

func CanTransition(from, to model.Status) bool {
	for _, t := range Targets(from) {
		if t == to {
			return true
		}
	}
	return false
}

func Validate(from, to model.Status) error {
	if !CanTransition(from, to) {
		return &model.InvalidTransitionError{From: from, To: to}
	}
	return nil
}

// InitialStatus picks the status a fresh reservation lands in.
func InitialStatus(p model.Provider) model.Status {
	switch {
	case p.AutoAcceptBookings:
		return model.StatusConfirmed
	case p.RequiresPrepayment:
		return model.StatusPending
	default:
		return model.StatusRequested
	}
}

// Transition moves b to status to and stamps the matching timestamp. Ledger release and money
// movement are left to the caller.
func Transition(b *model.Booking, to model.Status, at time.Time) error {
	if err := Validate(b.Status, to); err != nil {
		return err
	}
	ts := at
	switch to {
	case model.StatusConfirmed:
		b.ConfirmedAt = &ts
	case model.StatusInProgress:
		b.StartedAt = &ts
	case model.StatusCompleted:
		b.CompletedAt = &ts
	case model.StatusCancelled:
		b.CancelledAt = &ts
	case model.StatusNoShow:
		b.NoShowAt = &ts
	case model.StatusRescheduled, model.StatusRequested, model.StatusPending:
	}
	b.Status = to
	b.UpdatedAt = at
	return nil
}
