package model

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of a booking. The zero value is not a valid status.
type Status uint8

const (
	StatusRequested Status = iota + 1
	StatusPending
	StatusConfirmed
	StatusInProgress
	StatusCompleted
	StatusCancelled
	StatusNoShow
	StatusRescheduled
)

var AllStatuses = []Status{
	StatusRequested,
	StatusPending,
	StatusConfirmed,
	StatusInProgress,
	StatusCompleted,
	StatusCancelled,
	StatusNoShow,
	StatusRescheduled,
}

func (s Status) String() string {
	switch s {
	case StatusRequested:
		return "requested"
	case StatusPending:
		return "pending"
	case StatusConfirmed:
		return "confirmed"
	case StatusInProgress:
		return "in_progress"
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	case StatusNoShow:
		return "no_show"
	case StatusRescheduled:
		return "rescheduled"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

func ParseStatus(raw string) (Status, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "-", "_")
	for _, s := range AllStatuses {
		if s.String() == normalized {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown booking status %q", raw)
}

// Blocking reports whether a booking in this status occupies its staff member's calendar for
// the no-overlap guarantee.
func (s Status) Blocking() bool {
	return s == StatusConfirmed || s == StatusInProgress
}

// Active covers the blocking statuses plus reservations awaiting confirmation or prepayment.
func (s Status) Active() bool {
	return s == StatusRequested || s == StatusPending || s.Blocking()
}

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusNoShow, StatusRescheduled:
		return true
	default:
		return false
	}
}

func (s Status) MarshalText() ([]byte, error) {
	if s < StatusRequested || s > StatusRescheduled {
		return nil, fmt.Errorf("invalid booking status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
