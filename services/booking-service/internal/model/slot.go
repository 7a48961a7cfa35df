package model

import (
	"fmt"
	"time"
)

type SlotStatus uint8

const (
	SlotAvailable SlotStatus = iota
	SlotBooked
	SlotBlocked
)

func (s SlotStatus) String() string {
	switch s {
	case SlotAvailable:
		return "available"
	case SlotBooked:
		return "booked"
	case SlotBlocked:
		return "blocked"
	default:
		return fmt.Sprintf("slot_status(%d)", uint8(s))
	}
}

func (s SlotStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *SlotStatus) UnmarshalText(text []byte) error {
	switch string(text) {
	case "available":
		*s = SlotAvailable
	case "booked":
		*s = SlotBooked
	case "blocked":
		*s = SlotBlocked
	default:
		return fmt.Errorf("unknown slot status %q", text)
	}
	return nil
}

// TimeSlot is derived on demand and never persisted.
type TimeSlot struct {
	Start           time.Time  `json:"start"`
	End             time.Time  `json:"end"`
	DurationMinutes int        `json:"duration_minutes"`
	Status          SlotStatus `json:"status"`
	StaffID         string     `json:"staff_id,omitempty"`
	FreeStaffIDs    []string   `json:"free_staff_ids,omitempty"`
	// BookingID is the confirmed booking behind a booked slot, or the unconfirmed request
	// holding a blocked one.
	BookingID       string     `json:"booking_id,omitempty"`
}
