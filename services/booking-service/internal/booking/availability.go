package booking

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/availability"
	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/cache"
	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/calendar"
	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/catalog"
	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/heatmap"
	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/metrics"
	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/model"
)

const (
	defaultSlotMinutes = 30
	maxRangeDays       = 30
)

var calendarSpans = map[int]bool{7: true, 14: true, 30: true}

// view is everything needed to generate slots for one provider and service.
type view struct {
	snap    *catalog.Snapshot
	sched   *calendar.Schedule
	service model.Service
	params  availability.Params
	staff   []model.StaffMember
}

func (s *Service) loadView(ctx context.Context, providerID, serviceID, staffID string) (*view, error) {
	if providerID == "" {
		return nil, model.Invalid("provider_id", "is required")
	}
	snap, err := retry(ctx, s, "load_catalog", func() (*catalog.Snapshot, error) { return s.catalog.Load(ctx, providerID) })
	if err != nil {
		return nil, err
	}
	sched, err := snap.Schedule()
	if err != nil {
		return nil, err
	}
	v := &view{snap: snap, sched: sched}

	if serviceID == "" {
		minutes := snap.Provider.DefaultSlotMinutes
		if minutes <= 0 {
			minutes = defaultSlotMinutes
		}
		v.params = availability.Params{Length: time.Duration(minutes) * time.Minute}
		if snap.Provider.SlotStrideMinutes > 0 {
			v.params.Stride = time.Duration(snap.Provider.SlotStrideMinutes) * time.Minute
		}
		for _, st := range snap.ActiveStaff() {
			if staffID == "" || st.ID == staffID {
				v.staff = append(v.staff, st)
			}
		}
		if staffID != "" && len(v.staff) == 0 {
			return nil, &model.NotFoundError{Kind: "staff", ID: staffID}
		}
		return v, nil
	}

	svc, err := snap.Service(serviceID)
	if err != nil {
		return nil, err
	}
	v.service = svc
	v.params = availability.ParamsFor(snap.Provider, svc)

	switch {
	case staffID != "":
		member, err := snap.StaffMember(staffID)
		if err != nil {
			return nil, err
		}
		if !member.CanPerform(svc) {
			return nil, model.Invalid("staff_id", "staff %s cannot perform service %s", staffID, serviceID)
		}
		v.staff = []model.StaffMember{member}
	case svc.RequiresSpecificStaff:
		return nil, model.Invalid("staff_id", "is required for service %s", serviceID)
	default:
		v.staff = snap.EligibleStaff(svc)
	}
	return v, nil
}

type slotOptions struct {
	// fresh bypasses the cache.
	fresh bool
	// excludeID ignores one booking, used when it is being moved.
	excludeID string
}

// staffSlots generates one staff member's slots for the local day containing date.
func (s *Service) staffSlots(ctx context.Context, v *view, date time.Time, staff model.StaffMember, opts slotOptions) ([]model.TimeSlot, error) {
	day := v.sched.Resolve(date, &staff)
	if day.IsClosed() {
		return nil, nil
	}

	var key string
	if !opts.fresh && opts.excludeID == "" {
		// The generation is resolved before the ledger is read, so a concurrent mutation
		// can only make this entry unreachable, never stale.
		key = s.cache.Resolve(ctx, cache.SlotKey{
			ProviderID: v.snap.Provider.ID,
			ServiceID:  v.service.ID,
			StaffID:    staff.ID,
			Date:       day.Key(),
			Length:     int(v.params.Length / time.Minute),
		})
		if key != "" {
			if slots, ok := s.cache.Get(ctx, key); ok {
				metrics.IncSlotCache("hit")
				return slots, nil
			}
			metrics.IncSlotCache("miss")
		}
	}

	from := day.Nominal.Start.Add(-v.params.Preparation)
	to := day.Nominal.End.Add(v.params.Length)
	busy, err := retry(ctx, s, "list_committed", func() ([]model.Booking, error) {
		return s.ledger.ListCommitted(ctx, staff.ID, from, to)
	})
	if err != nil {
		return nil, err
	}
	if opts.excludeID != "" {
		kept := busy[:0]
		for _, b := range busy {
			if b.ID != opts.excludeID {
				kept = append(kept, b)
			}
		}
		busy = kept
	}

	slots := availability.Generate(day, v.params, busy, staff.ID)
	if key != "" {
		s.cache.Set(ctx, key, slots)
	}
	return slots, nil
}

// daySlots generates the finalised slots of one local day across the view's staff.
func (s *Service) daySlots(ctx context.Context, v *view, date time.Time, opts slotOptions) ([]model.TimeSlot, error) {
	perStaff := make(map[string][]model.TimeSlot, len(v.staff))
	for _, st := range v.staff {
		slots, err := s.staffSlots(ctx, v, date, st, opts)
		if err != nil {
			return nil, err
		}
		perStaff[st.ID] = slots
	}

	var slots []model.TimeSlot
	switch len(v.staff) {
	case 0:
		return []model.TimeSlot{}, nil
	case 1:
		slots = perStaff[v.staff[0].ID]
	default:
		slots = availability.MergeStaff(perStaff)
	}
	return availability.Finalize(slots, s.now(), v.snap.Provider.MinNotice()), nil
}

// rangeSlots fans out over dates and returns results in date order.
func (s *Service) rangeSlots(ctx context.Context, v *view, dates []time.Time) ([][]model.TimeSlot, error) {
	out := make([][]model.TimeSlot, len(dates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxParallelDays)
	for i, d := range dates {
		g.Go(func() error {
			slots, err := s.daySlots(gctx, v, d, slotOptions{})
			if err != nil {
				return err
			}
			out[i] = slots
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// parseFutureDate reads a local date and rejects dates before today.
func (s *Service) parseFutureDate(sched *calendar.Schedule, field, raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, model.Invalid(field, "is required")
	}
	d, err := sched.ParseDate(raw)
	if err != nil {
		return time.Time{}, model.Invalid(field, "must be a date in YYYY-MM-DD format")
	}
	if d.Before(sched.Midnight(s.now())) {
		return time.Time{}, model.Invalid(field, "%s is in the past", raw)
	}
	return d, nil
}

func localDays(start time.Time, n int) []time.Time {
	out := make([]time.Time, 0, n)
	for i := 0; i < n; i++ {
		// AddDate keeps wall-clock midnight across DST changes.
		out = append(out, start.AddDate(0, 0, i))
	}
	return out
}

type SlotQuery struct {
	ProviderID string
	ServiceID  string
	StaffID    string
	Date       string
}

type SlotsResult struct {
	Date     string
	Timezone string
	Slots    []model.TimeSlot
}

// Slots lists the slots of one date for a service, merged across eligible staff unless a
// staff member is named.
func (s *Service) Slots(ctx context.Context, q SlotQuery) (res SlotsResult, err error) {
	ctx, span := s.startSpan(ctx, "Slots")
	span.SetAttributes(attribute.String("provider_id", q.ProviderID), attribute.String("date", q.Date))
	defer func() { endSpan(span, err) }()

	if q.ServiceID == "" {
		return SlotsResult{}, model.Invalid("service_id", "is required")
	}
	v, err := s.loadView(ctx, q.ProviderID, q.ServiceID, q.StaffID)
	if err != nil {
		return SlotsResult{}, err
	}
	date, err := s.parseFutureDate(v.sched, "date", q.Date)
	if err != nil {
		return SlotsResult{}, err
	}
	slots, err := s.daySlots(ctx, v, date, slotOptions{})
	if err != nil {
		return SlotsResult{}, err
	}
	return SlotsResult{Date: q.Date, Timezone: v.sched.Location().String(), Slots: slots}, nil
}

type DatesQuery struct {
	ProviderID string
	ServiceID  string
	FromDate   string
	ToDate     string
}

type DateAvailability struct {
	Date            string `json:"date"`
	HasAvailability bool   `json:"has_availability"`
	TotalSlots      int    `json:"total_slots"`
	AvailableSlots  int    `json:"available_slots"`
}

type DatesResult struct {
	Timezone string
	Dates    []DateAvailability
}

// Dates summarises availability for every date in [FromDate, ToDate].
func (s *Service) Dates(ctx context.Context, q DatesQuery) (res DatesResult, err error) {
	ctx, span := s.startSpan(ctx, "Dates")
	span.SetAttributes(attribute.String("provider_id", q.ProviderID))
	defer func() { endSpan(span, err) }()

	if q.ServiceID == "" {
		return DatesResult{}, model.Invalid("service_id", "is required")
	}
	v, err := s.loadView(ctx, q.ProviderID, q.ServiceID, "")
	if err != nil {
		return DatesResult{}, err
	}
	from, err := s.parseFutureDate(v.sched, "from_date", q.FromDate)
	if err != nil {
		return DatesResult{}, err
	}
	to, err := v.sched.ParseDate(q.ToDate)
	if err != nil {
		return DatesResult{}, model.Invalid("to_date", "must be a date in YYYY-MM-DD format")
	}
	if to.Before(from) {
		return DatesResult{}, model.Invalid("to_date", "must not be before from_date")
	}
	n := 1
	for d := from; d.Before(to); d = d.AddDate(0, 0, 1) {
		n++
	}
	if n > maxRangeDays {
		return DatesResult{}, model.Invalid("to_date", "range is limited to %d days", maxRangeDays)
	}

	dates := localDays(from, n)
	perDay, err := s.rangeSlots(ctx, v, dates)
	if err != nil {
		return DatesResult{}, err
	}
	res = DatesResult{Timezone: v.sched.Location().String(), Dates: make([]DateAvailability, 0, n)}
	for i, slots := range perDay {
		available, _, _ := availability.Summarize(slots)
		res.Dates = append(res.Dates, DateAvailability{
			Date:            dates[i].Format(model.DateLayout),
			HasAvailability: available > 0,
			TotalSlots:      len(slots),
			AvailableSlots:  available,
		})
	}
	return res, nil
}

type CalendarQuery struct {
	ProviderID string
	ServiceID  string
	StartDate  string
	Days       int
}

type CalendarDay struct {
	Date  string           `json:"date"`
	Slots []model.TimeSlot `json:"slots"`
}

type CalendarResult struct {
	Timezone string
	Days     []CalendarDay
	Heatmap  heatmap.Summary
}

// ProviderCalendar returns a multi-day calendar with its heatmap. Without a service it uses
// the provider's default slot length across all active staff.
func (s *Service) ProviderCalendar(ctx context.Context, q CalendarQuery) (res CalendarResult, err error) {
	ctx, span := s.startSpan(ctx, "ProviderCalendar")
	span.SetAttributes(attribute.String("provider_id", q.ProviderID), attribute.Int("days", q.Days))
	defer func() { endSpan(span, err) }()

	if !calendarSpans[q.Days] {
		return CalendarResult{}, model.Invalid("days", "must be one of 7, 14 or 30")
	}
	v, err := s.loadView(ctx, q.ProviderID, q.ServiceID, "")
	if err != nil {
		return CalendarResult{}, err
	}
	start, err := s.parseFutureDate(v.sched, "start_date", q.StartDate)
	if err != nil {
		return CalendarResult{}, err
	}

	dates := localDays(start, q.Days)
	perDay, err := s.rangeSlots(ctx, v, dates)
	if err != nil {
		return CalendarResult{}, err
	}
	res = CalendarResult{Timezone: v.sched.Location().String(), Days: make([]CalendarDay, 0, len(dates))}
	hm := make([]heatmap.DaySlots, 0, len(dates))
	for i, slots := range perDay {
		key := dates[i].Format(model.DateLayout)
		res.Days = append(res.Days, CalendarDay{Date: key, Slots: slots})
		hm = append(hm, heatmap.DaySlots{Date: key, Slots: slots})
	}
	res.Heatmap = heatmap.Aggregate(hm, s.cfg.Heatmap)
	return res, nil
}
