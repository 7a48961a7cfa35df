package outbox

import (
	"encoding/json"
	"time"

	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/model"
)

// Record is one outbox_events row. The Kafka topic equals EventType.
type Record struct {
	ID          int64
	EventID     string
	EventType   string
	AggregateID string
	Payload     []byte
	Traceparent string
	Tracestate  string
	CreatedAt   time.Time
}

// Payload is the JSON body published for every booking event.
type Payload struct {
	EventID           string         `json:"event_id"`
	EventType         string         `json:"event_type"`
	OccurredAt        time.Time      `json:"occurred_at"`
	ActorKind         string         `json:"actor_kind"`
	ActorID           string         `json:"actor_id,omitempty"`
	PreviousBookingID string         `json:"previous_booking_id,omitempty"`
	Booking           BookingPayload `json:"booking"`
}

type BookingPayload struct {
	ID                 string     `json:"id"`
	ProviderID         string     `json:"provider_id"`
	CustomerID         string     `json:"customer_id"`
	ServiceID          string     `json:"service_id"`
	StaffID            string     `json:"staff_id"`
	Status             string     `json:"status"`
	StartTime          time.Time  `json:"start_time"`
	EndTime            time.Time  `json:"end_time"`
	TotalAmount        int64      `json:"total_amount"`
	PaidAmount         int64      `json:"paid_amount"`
	RefundAmount       int64      `json:"refund_amount,omitempty"`
	NoShowFee          int64      `json:"no_show_fee,omitempty"`
	CancellationReason string     `json:"cancellation_reason,omitempty"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty"`
}

// Encode renders evt as an outbox record ready to insert.
func Encode(evt model.Event) (Record, error) {
	b := evt.Booking
	payload, err := json.Marshal(Payload{
		EventID:           evt.ID,
		EventType:         evt.Type,
		OccurredAt:        evt.OccurredAt.UTC(),
		ActorKind:         string(evt.Actor.Kind),
		ActorID:           evt.Actor.ID,
		PreviousBookingID: evt.PreviousBookingID,
		Booking: BookingPayload{
			ID:                 b.ID,
			ProviderID:         b.ProviderID,
			CustomerID:         b.CustomerID,
			ServiceID:          b.ServiceID,
			StaffID:            b.StaffID,
			Status:             b.Status.String(),
			StartTime:          b.StartTime.UTC(),
			EndTime:            b.EndTime.UTC(),
			TotalAmount:        b.TotalAmount,
			PaidAmount:         b.PaidAmount,
			RefundAmount:       b.RefundAmount,
			NoShowFee:          b.NoShowFee,
			CancellationReason: b.CancellationReason,
			CancelledAt:        b.CancelledAt,
		},
	})
	if err != nil {
		return Record{}, err
	}
	return Record{
		EventID:     evt.ID,
		EventType:   evt.Type,
		AggregateID: b.ID,
		Payload:     payload,
		CreatedAt:   evt.OccurredAt,
	}, nil
}
