package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/md-rashed-zaman/bookingengine/libs/db"
	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/catalog"
	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/model"
)

// CatalogRepository loads provider snapshots from the catalog tables.
type CatalogRepository struct {
	pool *db.Pool
}

func NewCatalogRepository(pool *db.Pool) *CatalogRepository {
	return &CatalogRepository{pool: pool}
}

var _ catalog.Catalog = (*CatalogRepository)(nil)

func (r *CatalogRepository) Load(ctx context.Context, providerID string) (*catalog.Snapshot, error) {
	snap := &catalog.Snapshot{}
	p := &snap.Provider
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, timezone, auto_accept_bookings, requires_prepayment,
			allow_cancellation, free_before_hours, refund_percentage, penalty_amount,
			no_show_fee, slot_stride_minutes, min_notice_minutes, default_slot_minutes
		FROM providers
		WHERE id = $1
	`, providerID).Scan(
		&p.ID, &p.Name, &p.Timezone, &p.AutoAcceptBookings, &p.RequiresPrepayment,
		&p.Cancellation.AllowCancellation, &p.Cancellation.FreeBeforeHours,
		&p.Cancellation.RefundPercentage, &p.Cancellation.PenaltyAmount,
		&p.NoShowFee, &p.SlotStrideMinutes, &p.MinNoticeMinutes, &p.DefaultSlotMinutes,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &model.NotFoundError{Kind: "provider", ID: providerID}
	}
	if err != nil {
		return nil, classify("load provider", err)
	}

	if snap.Hours, err = r.providerHours(ctx, providerID); err != nil {
		return nil, classify("load business hours", err)
	}
	if snap.Exceptions, err = r.exceptions(ctx, providerID); err != nil {
		return nil, classify("load schedule exceptions", err)
	}
	if snap.Services, err = r.services(ctx, providerID); err != nil {
		return nil, classify("load services", err)
	}
	if snap.Staff, err = r.staff(ctx, providerID); err != nil {
		return nil, classify("load staff", err)
	}
	return snap, nil
}

func (r *CatalogRepository) providerHours(ctx context.Context, providerID string) ([]model.BusinessHours, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT day_of_week, is_open, open_minute, close_minute, break_start_minutes, break_end_minutes
		FROM business_hours
		WHERE provider_id = $1
		ORDER BY day_of_week ASC
	`, providerID)
	if err != nil {
		return nil, err
	}
	return scanHours(rows, providerID)
}

func scanHours(rows pgx.Rows, providerID string) ([]model.BusinessHours, error) {
	defer rows.Close()
	var out []model.BusinessHours
	for rows.Next() {
		var (
			day, openMin, closeMin int
			isOpen                 bool
			breakStarts, breakEnds []int
		)
		if err := rows.Scan(&day, &isOpen, &openMin, &closeMin, &breakStarts, &breakEnds); err != nil {
			return nil, err
		}
		if len(breakStarts) != len(breakEnds) {
			return nil, fmt.Errorf("weekday %d has %d break starts and %d break ends", day, len(breakStarts), len(breakEnds))
		}
		h := model.BusinessHours{
			ProviderID: providerID,
			DayOfWeek:  time.Weekday(day),
			IsOpen:     isOpen,
			Open:       model.Clock(openMin),
			Close:      model.Clock(closeMin),
		}
		for i := range breakStarts {
			h.Breaks = append(h.Breaks, model.ClockRange{Start: model.Clock(breakStarts[i]), End: model.Clock(breakEnds[i])})
		}
		out = append(out, h)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func (r *CatalogRepository) exceptions(ctx context.Context, providerID string) ([]model.ScheduleException, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT exception_date, is_open, open_minute, close_minute, reason
		FROM schedule_exceptions
		WHERE provider_id = $1
			AND exception_date >= CURRENT_DATE - 1
		ORDER BY exception_date ASC
	`, providerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ScheduleException
	for rows.Next() {
		var (
			date        time.Time
			openMin, closeMin *int
			e           = model.ScheduleException{ProviderID: providerID}
		)
		if err := rows.Scan(&date, &e.IsOpen, &openMin, &closeMin, &e.Reason); err != nil {
			return nil, err
		}
		e.Date = date.Format(model.DateLayout)
		if openMin != nil {
			c := model.Clock(*openMin)
			e.Open = &c
		}
		if closeMin != nil {
			c := model.Clock(*closeMin)
			e.Close = &c
		}
		out = append(out, e)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func (r *CatalogRepository) services(ctx context.Context, providerID string) ([]model.Service, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT s.id, s.name, s.duration_minutes, s.preparation_minutes, s.buffer_minutes,
			s.requires_specific_staff, s.price, s.deposit_amount,
			COALESCE(array_agg(ss.staff_id ORDER BY ss.staff_id) FILTER (WHERE ss.staff_id IS NOT NULL), '{}')
		FROM services s
		LEFT JOIN service_staff ss ON ss.service_id = s.id
		WHERE s.provider_id = $1 AND s.is_active
		GROUP BY s.id
		ORDER BY s.id ASC
	`, providerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Service
	for rows.Next() {
		s := model.Service{ProviderID: providerID}
		if err := rows.Scan(&s.ID, &s.Name, &s.DurationMinutes, &s.PreparationMinutes, &s.BufferMinutes,
			&s.RequiresSpecificStaff, &s.Price, &s.DepositAmount, &s.AssignedStaffIDs); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func (r *CatalogRepository) staff(ctx context.Context, providerID string) ([]model.StaffMember, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT st.id, st.name, st.is_active,
			COALESCE(array_agg(ss.service_id ORDER BY ss.service_id) FILTER (WHERE ss.service_id IS NOT NULL), '{}')
		FROM staff st
		LEFT JOIN service_staff ss ON ss.staff_id = st.id
		WHERE st.provider_id = $1
		GROUP BY st.id
		ORDER BY st.id ASC
	`, providerID)
	if err != nil {
		return nil, err
	}
	var members []model.StaffMember
	func() {
		defer rows.Close()
		for rows.Next() {
			m := model.StaffMember{ProviderID: providerID}
			if err = rows.Scan(&m.ID, &m.Name, &m.IsActive, &m.ServiceIDs); err != nil {
				return
			}
			members = append(members, m)
		}
		err = rows.Err()
	}()
	if err != nil {
		return nil, err
	}

	for i := range members {
		rows, err := r.pool.Query(ctx, `
			SELECT day_of_week, is_open, open_minute, close_minute, break_start_minutes, break_end_minutes
			FROM staff_working_hours
			WHERE staff_id = $1
			ORDER BY day_of_week ASC
		`, members[i].ID)
		if err != nil {
			return nil, err
		}
		if members[i].Hours, err = scanHours(rows, providerID); err != nil {
			return nil, err
		}
		if members[i].TimeOff, err = r.timeOff(ctx, members[i].ID); err != nil {
			return nil, err
		}
	}
	return members, nil
}

func (r *CatalogRepository) timeOff(ctx context.Context, staffID string) ([]model.Interval, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT start_time, end_time
		FROM staff_time_off
		WHERE staff_id = $1 AND end_time > now() - interval '1 day'
		ORDER BY start_time ASC
	`, staffID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Interval
	for rows.Next() {
		var iv model.Interval
		if err := rows.Scan(&iv.Start, &iv.End); err != nil {
			return nil, err
		}
		out = append(out, iv)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}
