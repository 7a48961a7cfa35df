package catalog

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/model"
)

type seedFile struct {
	Providers []seedProvider `yaml:"providers"`
}

type seedProvider struct {
	ID                 string          `yaml:"id"`
	Name               string          `yaml:"name"`
	Timezone           string          `yaml:"timezone"`
	AutoAcceptBookings bool            `yaml:"auto_accept_bookings"`
	RequiresPrepayment bool            `yaml:"requires_prepayment"`
	Cancellation       seedPolicy      `yaml:"cancellation_policy"`
	NoShowFee          int64           `yaml:"no_show_fee"`
	SlotStrideMinutes  int             `yaml:"slot_stride_minutes"`
	MinNoticeMinutes   int             `yaml:"min_notice_minutes"`
	DefaultSlotMinutes int             `yaml:"default_slot_minutes"`
	BusinessHours      []seedHours     `yaml:"business_hours"`
	Exceptions         []seedException `yaml:"exceptions"`
	Services           []seedService   `yaml:"services"`
	Staff              []seedStaff     `yaml:"staff"`
}

type seedPolicy struct {
	AllowCancellation bool    `yaml:"allow_cancellation"`
	FreeBeforeHours   float64 `yaml:"free_before_hours"`
	RefundPercentage  float64 `yaml:"refund_percentage"`
	PenaltyAmount     int64   `yaml:"penalty_amount"`
}

type seedHours struct {
	Day    string      `yaml:"day"`
	Closed bool        `yaml:"closed"`
	Open   string      `yaml:"open"`
	Close  string      `yaml:"close"`
	Breaks []seedRange `yaml:"breaks"`
}

type seedRange struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

type seedException struct {
	Date   string `yaml:"date"`
	Open   string `yaml:"open"`
	Close  string `yaml:"close"`
	Closed bool   `yaml:"closed"`
	Reason string `yaml:"reason"`
}

type seedService struct {
	ID                    string   `yaml:"id"`
	Name                  string   `yaml:"name"`
	DurationMinutes       int      `yaml:"duration_minutes"`
	PreparationMinutes    int      `yaml:"preparation_minutes"`
	BufferMinutes         int      `yaml:"buffer_minutes"`
	Staff                 []string `yaml:"staff"`
	RequiresSpecificStaff bool     `yaml:"requires_specific_staff"`
	Price                 int64    `yaml:"price"`
	DepositAmount         int64    `yaml:"deposit_amount"`
}

type seedStaff struct {
	ID       string        `yaml:"id"`
	Name     string        `yaml:"name"`
	Inactive bool          `yaml:"inactive"`
	Services []string      `yaml:"services"`
	Hours    []seedHours   `yaml:"hours"`
	TimeOff  []seedTimeOff `yaml:"time_off"`
}

type seedTimeOff struct {
	Start time.Time `yaml:"start"`
	End   time.Time `yaml:"end"`
}

// LoadFile reads a YAML seed file into a Memory catalog.
func LoadFile(path string) (*Memory, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	snapshots, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return NewMemory(snapshots...), nil
}

// Parse decodes a YAML seed document.
func Parse(raw []byte) ([]*Snapshot, error) {
	var f seedFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	out := make([]*Snapshot, 0, len(f.Providers))
	seen := map[string]bool{}
	for _, p := range f.Providers {
		if p.ID == "" {
			return nil, fmt.Errorf("provider without id")
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("duplicate provider %q", p.ID)
		}
		seen[p.ID] = true
		snap, err := p.snapshot()
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", p.ID, err)
		}
		out = append(out, snap)
	}
	return out, nil
}

func (p seedProvider) snapshot() (*Snapshot, error) {
	snap := &Snapshot{Provider: model.Provider{
		ID:                 p.ID,
		Name:               p.Name,
		Timezone:           p.Timezone,
		AutoAcceptBookings: p.AutoAcceptBookings,
		RequiresPrepayment: p.RequiresPrepayment,
		Cancellation: model.CancellationPolicy{
			AllowCancellation: p.Cancellation.AllowCancellation,
			FreeBeforeHours:   p.Cancellation.FreeBeforeHours,
			RefundPercentage:  p.Cancellation.RefundPercentage,
			PenaltyAmount:     p.Cancellation.PenaltyAmount,
		},
		NoShowFee:          p.NoShowFee,
		SlotStrideMinutes:  p.SlotStrideMinutes,
		MinNoticeMinutes:   p.MinNoticeMinutes,
		DefaultSlotMinutes: p.DefaultSlotMinutes,
	}}
	if _, err := snap.Provider.Location(); err != nil {
		return nil, err
	}

	hours, err := convertHours(p.ID, p.BusinessHours)
	if err != nil {
		return nil, err
	}
	snap.Hours = hours

	dates := map[string]bool{}
	for _, e := range p.Exceptions {
		if _, err := time.Parse(model.DateLayout, e.Date); err != nil {
			return nil, fmt.Errorf("exception date %q: %w", e.Date, err)
		}
		if dates[e.Date] {
			return nil, fmt.Errorf("more than one exception on %s", e.Date)
		}
		dates[e.Date] = true
		exc := model.ScheduleException{ProviderID: p.ID, Date: e.Date, IsOpen: !e.Closed, Reason: e.Reason}
		if exc.Open, err = optionalClock(e.Open); err != nil {
			return nil, err
		}
		if exc.Close, err = optionalClock(e.Close); err != nil {
			return nil, err
		}
		snap.Exceptions = append(snap.Exceptions, exc)
	}

	staffServices := map[string][]string{}
	for _, s := range p.Services {
		if s.ID == "" || s.DurationMinutes <= 0 {
			return nil, fmt.Errorf("service %q needs an id and a positive duration", s.ID)
		}
		snap.Services = append(snap.Services, model.Service{
			ID:                    s.ID,
			ProviderID:            p.ID,
			Name:                  s.Name,
			DurationMinutes:       s.DurationMinutes,
			PreparationMinutes:    s.PreparationMinutes,
			BufferMinutes:         s.BufferMinutes,
			AssignedStaffIDs:      s.Staff,
			RequiresSpecificStaff: s.RequiresSpecificStaff,
			Price:                 s.Price,
			DepositAmount:         s.DepositAmount,
		})
		for _, staffID := range s.Staff {
			staffServices[staffID] = append(staffServices[staffID], s.ID)
		}
	}

	for _, st := range p.Staff {
		hours, err := convertHours(p.ID, st.Hours)
		if err != nil {
			return nil, fmt.Errorf("staff %s: %w", st.ID, err)
		}
		member := model.StaffMember{
			ID:         st.ID,
			ProviderID: p.ID,
			Name:       st.Name,
			Hours:      hours,
			ServiceIDs: append(append([]string(nil), st.Services...), staffServices[st.ID]...),
			IsActive:   !st.Inactive,
		}
		for _, off := range st.TimeOff {
			if !off.End.After(off.Start) {
				return nil, fmt.Errorf("staff %s: time off must end after it starts", st.ID)
			}
			member.TimeOff = append(member.TimeOff, model.Interval{Start: off.Start, End: off.End})
		}
		snap.Staff = append(snap.Staff, member)
	}
	return snap, nil
}

func convertHours(providerID string, in []seedHours) ([]model.BusinessHours, error) {
	var out []model.BusinessHours
	for _, h := range in {
		day, err := parseWeekday(h.Day)
		if err != nil {
			return nil, err
		}
		bh := model.BusinessHours{ProviderID: providerID, DayOfWeek: day, IsOpen: !h.Closed}
		if bh.IsOpen {
			if bh.Open, err = model.ParseClock(h.Open); err != nil {
				return nil, err
			}
			if bh.Close, err = model.ParseClock(h.Close); err != nil {
				return nil, err
			}
			if bh.Close <= bh.Open {
				return nil, fmt.Errorf("%s: close %s is not after open %s", h.Day, bh.Close, bh.Open)
			}
		}
		for _, b := range h.Breaks {
			start, err := model.ParseClock(b.Start)
			if err != nil {
				return nil, err
			}
			end, err := model.ParseClock(b.End)
			if err != nil {
				return nil, err
			}
			r := model.ClockRange{Start: start, End: end}
			if !r.Valid() || start < bh.Open || end > bh.Close {
				return nil, fmt.Errorf("%s: break %s-%s must lie inside opening hours", h.Day, start, end)
			}
			bh.Breaks = append(bh.Breaks, r)
		}
		out = append(out, bh)
	}
	return out, nil
}

func optionalClock(raw string) (*model.Clock, error) {
	if raw == "" {
		return nil, nil
	}
	c, err := model.ParseClock(raw)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

func parseWeekday(raw string) (time.Weekday, error) {
	if d, ok := weekdays[raw]; ok {
		return d, nil
	}
	return 0, fmt.Errorf("unknown weekday %q", raw)
}
