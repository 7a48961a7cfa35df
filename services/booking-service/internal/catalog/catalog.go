package catalog

import (
	"context"
	"sort"

	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/calendar"
	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/model"
)

// Catalog is the provider, schedule and service read model the engine consumes.
type Catalog interface {
	Load(ctx context.Context, providerID string) (*Snapshot, error)
}

// Snapshot is everything about one provider needed to resolve calendars and generate slots.
type Snapshot struct {
	Provider   model.Provider
	Hours      []model.BusinessHours
	Exceptions []model.ScheduleException
	Services   []model.Service
	Staff      []model.StaffMember
}

// Schedule builds the provider calendar in the provider's timezone.
func (s *Snapshot) Schedule() (*calendar.Schedule, error) {
	loc, err := s.Provider.Location()
	if err != nil {
		return nil, model.Invalid("timezone", "provider %s has invalid timezone %q", s.Provider.ID, s.Provider.Timezone)
	}
	return calendar.NewSchedule(loc, s.Hours, s.Exceptions), nil
}

func (s *Snapshot) Service(id string) (model.Service, error) {
	for _, svc := range s.Services {
		if svc.ID == id {
			return svc, nil
		}
	}
	return model.Service{}, &model.NotFoundError{Kind: "service", ID: id}
}

func (s *Snapshot) StaffMember(id string) (model.StaffMember, error) {
	for _, st := range s.Staff {
		if st.ID == id {
			return st, nil
		}
	}
	return model.StaffMember{}, &model.NotFoundError{Kind: "staff", ID: id}
}

// EligibleStaff returns the active staff members who can perform svc, sorted by id.
func (s *Snapshot) EligibleStaff(svc model.Service) []model.StaffMember {
	var out []model.StaffMember
	for _, st := range s.Staff {
		if st.CanPerform(svc) {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ActiveStaff returns every active staff member, sorted by id.
func (s *Snapshot) ActiveStaff() []model.StaffMember {
	var out []model.StaffMember
	for _, st := range s.Staff {
		if st.IsActive {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
