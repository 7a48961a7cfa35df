package model

import (
	"testing"
	"time"
)

func TestParseStatusRoundTrip(t *testing.T) {
	for _, s := range AllStatuses {
		got, err := ParseStatus(s.String())
		if err != nil {
			t.Fatalf("ParseStatus(%q): %v", s, err)
		}
		if got != s {
			t.Fatalf("expected %s, got %s", s, got)
		}
	}
	if _, err := ParseStatus("booked"); err == nil {
		t.Fatal("expected unknown status to be rejected")
	}
	if got, err := ParseStatus("No-Show"); err != nil || got != StatusNoShow {
		t.Fatalf("expected no_show, got %v %v", got, err)
	}
}

func TestParseClock(t *testing.T) {
	cases := map[string]Clock{"09:00": 540, "10:45": 645, "00:00": 0, "24:00": 1440}
	for raw, want := range cases {
		got, err := ParseClock(raw)
		if err != nil || got != want {
			t.Fatalf("ParseClock(%q) = %d, %v; want %d", raw, got, err, want)
		}
	}
	for _, raw := range []string{"9", "25:00", "24:30", "10:60", "10:5", "ab:cd"} {
		if _, err := ParseClock(raw); err == nil {
			t.Fatalf("expected %q to be rejected", raw)
		}
	}
	if Clock(645).String() != "10:45" {
		t.Fatalf("unexpected format %s", Clock(645))
	}
}

func TestClockOnKeepsWallClockAcrossDST(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	day := time.Date(2026, 3, 29, 0, 0, 0, 0, loc)
	got := Clock(9 * 60).On(day)
	if got.Hour() != 9 || got.Minute() != 0 {
		t.Fatalf("expected 09:00 local, got %s", got)
	}
}

func TestIntervalOverlapIsHalfOpen(t *testing.T) {
	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	a := Interval{Start: base, End: base.Add(time.Hour)}
	b := Interval{Start: base.Add(time.Hour), End: base.Add(2 * time.Hour)}
	if a.Overlaps(b) || b.Overlaps(a) {
		t.Fatal("touching intervals must not overlap")
	}
	c := Interval{Start: base.Add(59 * time.Minute), End: base.Add(2 * time.Hour)}
	if !a.Overlaps(c) {
		t.Fatal("expected overlap")
	}
}

func TestStaffHoursOverride(t *testing.T) {
	inherit := StaffMember{ID: "s1"}
	if _, ok := inherit.HoursFor(time.Monday); ok {
		t.Fatal("staff without override must inherit provider hours")
	}
	custom := StaffMember{ID: "s2", Hours: []BusinessHours{{DayOfWeek: time.Monday, IsOpen: true, Open: 600, Close: 720}}}
	if h, ok := custom.HoursFor(time.Monday); !ok || !h.IsOpen {
		t.Fatalf("expected monday override, got %+v %v", h, ok)
	}
	if h, ok := custom.HoursFor(time.Tuesday); !ok || h.IsOpen {
		t.Fatalf("expected tuesday off, got %+v %v", h, ok)
	}
}

func TestErrorHelpers(t *testing.T) {
	err := &TransientStorageError{Op: "reserve", Err: &SlotConflictError{StaffID: "s"}}
	if !IsTransient(err) || !IsConflict(err) {
		t.Fatal("expected both helpers to see through the wrapper")
	}
	if IsDomain(nil) {
		t.Fatal("nil is not a domain error")
	}
}
