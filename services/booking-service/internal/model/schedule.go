package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the wire and storage format of calendar dates in a provider's timezone.
const DateLayout = "2006-01-02"

// Clock is a wall-clock time of day in minutes since midnight. 24:00 is allowed as a closing
// time.
type Clock int

func ParseClock(raw string) (Clock, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok {
		return 0, fmt.Errorf("invalid time %q (want HH:MM)", raw)
	}
	h, err := strconv.Atoi(hh)
	if err != nil {
		return 0, fmt.Errorf("invalid hour in %q", raw)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || len(mm) != 2 {
		return 0, fmt.Errorf("invalid minute in %q", raw)
	}
	if h < 0 || m < 0 || m > 59 || h > 24 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("time %q out of range", raw)
	}
	return Clock(h*60 + m), nil
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

// On places the clock on the calendar day of day, in day's location.
func (c Clock) On(day time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, int(c)/60, int(c)%60, 0, 0, day.Location())
}

type ClockRange struct {
	Start Clock
	End   Clock
}

func (r ClockRange) Valid() bool {
	return r.End > r.Start
}

// BusinessHours is one weekday of a recurring weekly schedule. Staff overrides reuse the type
// with ProviderID set to the staff member's provider.
type BusinessHours struct {
	ProviderID string
	DayOfWeek  time.Weekday
	IsOpen     bool
	Open       Clock
	Close      Clock
	Breaks     []ClockRange
}

// ScheduleException replaces the weekly entry for one date. Open and Close are optional
// overrides; when nil the weekday's times apply.
type ScheduleException struct {
	ProviderID string
	Date       string
	IsOpen     bool
	Open       *Clock
	Close      *Clock
	Reason     string
}

// Interval is a half-open range of absolute instants.
type Interval struct {
	Start time.Time
	End   time.Time
}

func (i Interval) Empty() bool {
	return !i.End.After(i.Start)
}

// Overlaps uses half-open semantics: touching intervals do not overlap.
func (i Interval) Overlaps(o Interval) bool {
	return i.Start.Before(o.End) && o.Start.Before(i.End)
}

func (i Interval) Contains(o Interval) bool {
	return !o.Start.Before(i.Start) && !o.End.After(i.End)
}
