package model

import "time"

// Event announces a booking state change to the notification collaborator.
type Event struct {
	ID                string
	Type              string
	OccurredAt        time.Time
	Actor             Actor
	Booking           Booking
	PreviousBookingID string
}

// EventType names the topic for a booking entering status.
func EventType(status Status) string {
	return "booking." + status.String() + ".v1"
}
