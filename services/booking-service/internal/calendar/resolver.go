package calendar

import (
	"time"

	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/model"
)

// Day is the resolved calendar for one date in the provider's timezone.
type Day struct {
	// Date is local midnight.
	Date time.Time
	// Nominal is the provider's operating window before breaks, or the exception override.
	Nominal model.Interval
	// Open lists bookable intervals, ordered and pairwise disjoint.
	Open []model.Interval
	// Closed lists the break and time-off ranges inside Nominal.
	Closed []model.Interval
	// Exception is set when a schedule exception decided the day.
	Exception *model.ScheduleException
}

func (d Day) Key() string {
	return d.Date.Format(model.DateLayout)
}

func (d Day) IsClosed() bool {
	return len(d.Open) == 0
}

// Schedule is an immutable view of one provider's weekly hours and exceptions. It is safe for
// concurrent use.
type Schedule struct {
	loc        *time.Location
	weekly     map[time.Weekday]model.BusinessHours
	exceptions map[string]model.ScheduleException
}

func NewSchedule(loc *time.Location, weekly []model.BusinessHours, exceptions []model.ScheduleException) *Schedule {
	if loc == nil {
		loc = time.UTC
	}
	s := &Schedule{
		loc:        loc,
		weekly:     make(map[time.Weekday]model.BusinessHours, len(weekly)),
		exceptions: make(map[string]model.ScheduleException, len(exceptions)),
	}
	for _, h := range weekly {
		s.weekly[h.DayOfWeek] = h
	}
	for _, e := range exceptions {
		s.exceptions[e.Date] = e
	}
	return s
}

func (s *Schedule) Location() *time.Location {
	return s.loc
}

// Midnight returns the start of the local calendar day containing t.
func (s *Schedule) Midnight(t time.Time) time.Time {
	y, m, d := t.In(s.loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, s.loc)
}

// ParseDate reads a YYYY-MM-DD date in the schedule's timezone.
func (s *Schedule) ParseDate(raw string) (time.Time, error) {
	return time.ParseInLocation(model.DateLayout, raw, s.loc)
}

// Resolve computes the open intervals of date, optionally narrowed to one staff member.
func (s *Schedule) Resolve(date time.Time, staff *model.StaffMember) Day {
	midnight := s.Midnight(date)
	day := Day{Date: midnight}

	hours, ok := s.hoursFor(midnight, &day)
	if !ok {
		return day
	}
	day.Nominal = model.Interval{Start: hours.Open.On(midnight), End: hours.Close.On(midnight)}
	if day.Nominal.Empty() {
		return day
	}

	breaks := clockRanges(midnight, hours.Breaks)
	day.Open = Subtract(day.Nominal, breaks)
	closed := Clip(day.Nominal, breaks)

	if staff != nil {
		if sh, overridden := staff.HoursFor(midnight.Weekday()); overridden {
			var staffOpen []model.Interval
			if sh.IsOpen {
				own := model.Interval{Start: sh.Open.On(midnight), End: sh.Close.On(midnight)}
				staffBreaks := clockRanges(midnight, sh.Breaks)
				staffOpen = Subtract(own, staffBreaks)
				closed = append(closed, Clip(day.Nominal, staffBreaks)...)
			}
			day.Open = Intersect(day.Open, staffOpen)
		}
		if len(staff.TimeOff) > 0 {
			day.Open = SubtractAll(day.Open, staff.TimeOff)
			closed = append(closed, Clip(day.Nominal, staff.TimeOff)...)
		}
	}
	day.Closed = Coalesce(closed)
	return day
}

func (s *Schedule) hoursFor(midnight time.Time, day *Day) (model.BusinessHours, bool) {
	weekly, hasWeekly := s.weekly[midnight.Weekday()]

	if exc, ok := s.exceptions[midnight.Format(model.DateLayout)]; ok {
		day.Exception = &exc
		if !exc.IsOpen {
			return model.BusinessHours{}, false
		}
		h := model.BusinessHours{DayOfWeek: midnight.Weekday(), IsOpen: true}
		switch {
		case exc.Open != nil:
			h.Open = *exc.Open
		case hasWeekly && weekly.IsOpen:
			h.Open = weekly.Open
		default:
			return model.BusinessHours{}, false
		}
		switch {
		case exc.Close != nil:
			h.Close = *exc.Close
		case hasWeekly && weekly.IsOpen:
			h.Close = weekly.Close
		default:
			return model.BusinessHours{}, false
		}
		return h, true
	}

	if !hasWeekly || !weekly.IsOpen {
		return model.BusinessHours{}, false
	}
	return weekly, true
}

func clockRanges(midnight time.Time, ranges []model.ClockRange) []model.Interval {
	out := make([]model.Interval, 0, len(ranges))
	for _, r := range ranges {
		if !r.Valid() {
			continue
		}
		out = append(out, model.Interval{Start: r.Start.On(midnight), End: r.End.On(midnight)})
	}
	return out
}
