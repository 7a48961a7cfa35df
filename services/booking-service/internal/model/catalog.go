package model

import (
	"slices"
	"time"
)

type CancellationPolicy struct {
	AllowCancellation bool
	FreeBeforeHours   float64
	// RefundPercentage is a fraction in [0, 1] applied inside the late window.
	RefundPercentage float64
	PenaltyAmount    int64
}

type Provider struct {
	ID                 string
	Name               string
	Timezone           string
	AutoAcceptBookings bool
	RequiresPrepayment bool
	Cancellation       CancellationPolicy
	NoShowFee          int64
	SlotStrideMinutes  int
	MinNoticeMinutes   int
	DefaultSlotMinutes int
}

func (p Provider) Location() (*time.Location, error) {
	if p.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(p.Timezone)
}

func (p Provider) MinNotice() time.Duration {
	return time.Duration(p.MinNoticeMinutes) * time.Minute
}

type Service struct {
	ID                    string
	ProviderID            string
	Name                  string
	DurationMinutes       int
	PreparationMinutes    int
	BufferMinutes         int
	AssignedStaffIDs      []string
	RequiresSpecificStaff bool
	Price                 int64
	DepositAmount         int64
}

// SlotLength is the customer-visible slot: duration plus buffer.
func (s Service) SlotLength() time.Duration {
	return time.Duration(s.DurationMinutes+s.BufferMinutes) * time.Minute
}

func (s Service) Preparation() time.Duration {
	return time.Duration(s.PreparationMinutes) * time.Minute
}

type StaffMember struct {
	ID         string
	ProviderID string
	Name       string
	// Hours overrides the provider's weekly hours when non-empty. A weekday missing from a
	// non-empty override is a day off.
	Hours      []BusinessHours
	ServiceIDs []string
	IsActive   bool
	TimeOff    []Interval
}

func (s StaffMember) HoursFor(day time.Weekday) (BusinessHours, bool) {
	if len(s.Hours) == 0 {
		return BusinessHours{}, false
	}
	for _, h := range s.Hours {
		if h.DayOfWeek == day {
			return h, true
		}
	}
	return BusinessHours{DayOfWeek: day, IsOpen: false}, true
}

// CanPerform reports whether the staff member may be assigned to svc. An explicit assignment
// list on the service wins over the staff member's own qualifications.
func (s StaffMember) CanPerform(svc Service) bool {
	if !s.IsActive {
		return false
	}
	if len(svc.AssignedStaffIDs) > 0 {
		return slices.Contains(svc.AssignedStaffIDs, s.ID)
	}
	return slices.Contains(s.ServiceIDs, svc.ID)
}
