package availability

import (
	"sort"
	"time"

	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/calendar"
	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/model"
)

// Params describe how a day is partitioned. Length is the customer-visible slot (duration
// plus buffer); Preparation extends the staff commitment before the slot start.
type Params struct {
	Length      time.Duration
	Preparation time.Duration
	// Stride is the distance between consecutive slot starts. Zero means Length, giving
	// back-to-back slots. A smaller stride is an explicit provider opt-in.
	Stride time.Duration
}

// ParamsFor derives the slot parameters of svc under the provider's stride policy.
func ParamsFor(p model.Provider, svc model.Service) Params {
	params := Params{Length: svc.SlotLength(), Preparation: svc.Preparation()}
	if p.SlotStrideMinutes > 0 {
		params.Stride = time.Duration(p.SlotStrideMinutes) * time.Minute
	}
	return params
}

func (p Params) stride() time.Duration {
	if p.Stride > 0 {
		return p.Stride
	}
	return p.Length
}

// Generate lays slot starts across each open interval of day and classifies every slot.
// A slot overlapping a confirmed or in-progress booking is booked and references it. A slot
// held by an unconfirmed request is blocked and references the request. A slot that does not
// fit inside its interval (it would run into a break, time off or closing time) or touches a
// closed range is blocked. The output depends only on the inputs.
func Generate(day calendar.Day, p Params, busy []model.Booking, staffID string) []model.TimeSlot {
	if p.Length <= 0 {
		return nil
	}
	step := p.stride()

	var slots []model.TimeSlot
	for _, win := range day.Open {
		for t := win.Start; t.Before(win.End); t = t.Add(step) {
			slot := model.TimeSlot{
				Start:           t,
				End:             t.Add(p.Length),
				DurationMinutes: int(p.Length / time.Minute),
				Status:          model.SlotAvailable,
				StaffID:         staffID,
			}
			committed := model.Interval{Start: t.Add(-p.Preparation), End: slot.End}
			if id, ok := overlapsAny(committed, busy, model.Booking.Blocking); ok {
				slot.Status = model.SlotBooked
				slot.BookingID = id
			} else if id, ok := overlapsAny(committed, busy, model.Booking.Holds); ok {
				slot.Status = model.SlotBlocked
				slot.BookingID = id
			} else if slot.End.After(win.End) || intersectsClosed(model.Interval{Start: slot.Start, End: slot.End}, day.Closed) {
				slot.Status = model.SlotBlocked
			}
			slots = append(slots, slot)
		}
	}
	return slots
}

// Finalize applies the query time: slots starting before now are dropped and available slots
// inside the minimum notice window become blocked. The input is not modified.
func Finalize(slots []model.TimeSlot, now time.Time, minNotice time.Duration) []model.TimeSlot {
	noticeEnd := now.Add(minNotice)
	out := make([]model.TimeSlot, 0, len(slots))
	for _, s := range slots {
		if s.Start.Before(now) {
			continue
		}
		if s.Status == model.SlotAvailable && s.Start.Before(noticeEnd) {
			s.Status = model.SlotBlocked
			s.FreeStaffIDs = nil
		}
		out = append(out, s)
	}
	return out
}

// MergeStaff folds per-staff slot lists into one list keyed by start time. A merged slot is
// available when at least one staff member is free and lists those members in FreeStaffIDs.
// Otherwise it is booked when any member is booked, else blocked; a blocked slot keeps the
// first holding request it saw.
func MergeStaff(perStaff map[string][]model.TimeSlot) []model.TimeSlot {
	staffIDs := make([]string, 0, len(perStaff))
	for id := range perStaff {
		staffIDs = append(staffIDs, id)
	}
	sort.Strings(staffIDs)

	type key struct{ start, end int64 }
	index := map[key]int{}
	var merged []model.TimeSlot
	for _, staffID := range staffIDs {
		for _, s := range perStaff[staffID] {
			k := key{s.Start.UnixNano(), s.End.UnixNano()}
			i, seen := index[k]
			if !seen {
				merged = append(merged, model.TimeSlot{
					Start:           s.Start,
					End:             s.End,
					DurationMinutes: s.DurationMinutes,
					Status:          model.SlotBlocked,
				})
				i = len(merged) - 1
				index[k] = i
			}
			m := &merged[i]
			switch s.Status {
			case model.SlotAvailable:
				m.Status = model.SlotAvailable
				m.BookingID = ""
				m.FreeStaffIDs = append(m.FreeStaffIDs, staffID)
			case model.SlotBooked:
				if m.Status == model.SlotBlocked {
					m.Status = model.SlotBooked
					m.BookingID = s.BookingID
				}
			case model.SlotBlocked:
				if m.Status == model.SlotBlocked && m.BookingID == "" {
					m.BookingID = s.BookingID
				}
			}
		}
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Start.Before(merged[j].Start) })
	return merged
}

// Summarize counts slots by status.
func Summarize(slots []model.TimeSlot) (available, booked, blocked int) {
	for _, s := range slots {
		switch s.Status {
		case model.SlotAvailable:
			available++
		case model.SlotBooked:
			booked++
		case model.SlotBlocked:
			blocked++
		}
	}
	return available, booked, blocked
}

func overlapsAny(iv model.Interval, busy []model.Booking, counts func(model.Booking) bool) (string, bool) {
	for _, b := range busy {
		if !counts(b) {
			continue
		}
		if iv.Overlaps(b.Committed()) {
			return b.ID, true
		}
	}
	return "", false
}

func intersectsClosed(iv model.Interval, closed []model.Interval) bool {
	for _, c := range closed {
		if iv.Overlaps(c) {
			return true
		}
	}
	return false
}
