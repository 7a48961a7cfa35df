package model

import "time"

type Booking struct {
	ID         string
	CustomerID string
	ProviderID string
	ServiceID  string
	StaffID    string
	StartTime  time.Time
	EndTime    time.Time
	// ReservedFrom is StartTime minus the service's preparation time. The staff member is
	// committed over [ReservedFrom, EndTime).
	ReservedFrom time.Time
	Status       Status

	TotalAmount int64
	PaidAmount  int64

	CancellationReason string
	CancelledBy        ActorKind
	RefundAmount       int64
	RefundReason       string
	NoShowFee          int64
	SettlementStatus   string
	SettlementRef      string
	PaymentRef         string

	RescheduledFromID string
	RescheduledToID   string
	IdempotencyKey    string

	ConfirmedAt *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	CancelledAt *time.Time
	NoShowAt    *time.Time
	ReleasedAt  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

const (
	SettlementPending = "pending"
	SettlementSettled = "settled"
	SettlementFailed  = "failed"
)

func (b Booking) Committed() Interval {
	from := b.ReservedFrom
	if from.IsZero() {
		from = b.StartTime
	}
	return Interval{Start: from, End: b.EndTime}
}

// Blocking bookings are the ones covered by the per-staff no-overlap guarantee.
func (b Booking) Blocking() bool {
	return b.Status.Blocking() && b.ReleasedAt == nil
}

// Holds reports whether the booking keeps its slot away from new reservations. Requested and
// Pending bookings hold their slot until they are confirmed, cancelled or expire.
func (b Booking) Holds() bool {
	return b.Status.Active() && b.ReleasedAt == nil
}

func (b Booking) DepositOnly() bool {
	return b.PaidAmount > 0 && b.PaidAmount < b.TotalAmount
}
