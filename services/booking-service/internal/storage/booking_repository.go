package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/md-rashed-zaman/bookingengine/libs/db"
	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/ledger"
	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/model"
)

// EventWriter stores events in the transaction of the change they describe.
type EventWriter interface {
	Insert(ctx context.Context, tx pgx.Tx, evt model.Event) error
}

// BookingRepository is the Postgres ledger. Writes for a staff member serialise on a
// transaction-scoped advisory lock keyed by the staff id; the bookings_no_overlap exclusion
// constraint backs the same guarantee for blocking rows.
type BookingRepository struct {
	pool        *db.Pool
	lockTimeout time.Duration
	events      EventWriter
}

// NewBookingRepository builds the ledger. A nil events writer drops the events passed to
// mutations.
func NewBookingRepository(pool *db.Pool, lockTimeout time.Duration, events EventWriter) *BookingRepository {
	if lockTimeout <= 0 {
		lockTimeout = 2 * time.Second
	}
	return &BookingRepository{pool: pool, lockTimeout: lockTimeout, events: events}
}

func (r *BookingRepository) record(ctx context.Context, tx pgx.Tx, b model.Booking, evts []model.Event) error {
	if r.events == nil {
		return nil
	}
	for _, evt := range ledger.Stamp(b, evts) {
		if err := r.events.Insert(ctx, tx, evt); err != nil {
			return fmt.Errorf("insert outbox event: %w", err)
		}
	}
	return nil
}

var _ ledger.Store = (*BookingRepository)(nil)

const bookingColumns = `
	id, customer_id, provider_id, service_id, staff_id,
	start_time, end_time, reserved_from, status,
	total_amount, paid_amount,
	cancellation_reason, cancelled_by, refund_amount, refund_reason, no_show_fee,
	settlement_status, settlement_ref, payment_ref,
	rescheduled_from_id, rescheduled_to_id, COALESCE(idempotency_key, ''),
	confirmed_at, started_at, completed_at, cancelled_at, no_show_at, released_at,
	created_at, updated_at`

var (
	blockingStatuses = statusNames(model.StatusConfirmed, model.StatusInProgress)
	holdingStatuses  = statusNames(model.StatusRequested, model.StatusPending, model.StatusConfirmed, model.StatusInProgress)
)

func statusNames(statuses ...model.Status) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, s.String())
	}
	return out
}

func (r *BookingRepository) IsFree(ctx context.Context, staffID string, start, end time.Time) (bool, error) {
	_, busy, err := findOverlap(ctx, r.pool, staffID, model.Interval{Start: start, End: end}, "", blockingStatuses)
	if err != nil {
		return false, classify("check staff availability", err)
	}
	return !busy, nil
}

func (r *BookingRepository) Reserve(ctx context.Context, draft model.Booking, evts ...model.Event) (model.Booking, error) {
	if err := ledger.ValidateDraft(draft); err != nil {
		return model.Booking{}, err
	}
	if draft.IdempotencyKey != "" {
		existing, err := r.GetByIdempotencyKey(ctx, draft.ProviderID, draft.CustomerID, draft.IdempotencyKey)
		if err == nil {
			return existing, nil
		}
		if !model.IsNotFound(err) {
			return model.Booking{}, err
		}
	}

	err := r.withStaffLocks(ctx, []string{draft.StaffID}, func(tx pgx.Tx) error {
		holder, busy, err := findOverlap(ctx, tx, draft.StaffID, draft.Committed(), "", holdingStatuses)
		if err != nil {
			return err
		}
		if busy {
			return ledger.Conflict(draft.StaffID, draft.Committed(), holder)
		}
		if err := insertBooking(ctx, tx, &draft); err != nil {
			return err
		}
		return r.record(ctx, tx, draft, evts)
	})
	if err != nil {
		if draft.IdempotencyKey != "" && isUniqueViolation(err, "bookings_idempotency_key") {
			return r.GetByIdempotencyKey(ctx, draft.ProviderID, draft.CustomerID, draft.IdempotencyKey)
		}
		if isExclusionViolation(err) {
			return model.Booking{}, ledger.Conflict(draft.StaffID, draft.Committed(), "")
		}
		return model.Booking{}, classify("reserve booking", err)
	}
	return draft, nil
}

func (r *BookingRepository) Release(ctx context.Context, id string) (model.Booking, error) {
	return r.Apply(ctx, id, func(b *model.Booking) error {
		if b.ReleasedAt == nil {
			at := time.Now().UTC()
			b.ReleasedAt = &at
		}
		return nil
	})
}

func (r *BookingRepository) Apply(ctx context.Context, id string, fn func(*model.Booking) error, evts ...model.Event) (model.Booking, error) {
	current, err := r.Get(ctx, id)
	if err != nil {
		return model.Booking{}, err
	}

	var next model.Booking
	err = r.withStaffLocks(ctx, []string{current.StaffID}, func(tx pgx.Tx) error {
		locked, err := selectBookingForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		next = locked
		if err := fn(&next); err != nil {
			return err
		}
		if err := ledger.CheckIdentity(locked, next); err != nil {
			return err
		}
		if next.Blocking() && !locked.Blocking() {
			holder, busy, err := findOverlap(ctx, tx, next.StaffID, next.Committed(), next.ID, blockingStatuses)
			if err != nil {
				return err
			}
			if busy {
				return ledger.Conflict(next.StaffID, next.Committed(), holder)
			}
		}
		next.UpdatedAt = time.Now().UTC()
		if err := updateBooking(ctx, tx, next); err != nil {
			return err
		}
		return r.record(ctx, tx, next, evts)
	})
	if err != nil {
		if isExclusionViolation(err) {
			return model.Booking{}, ledger.Conflict(current.StaffID, current.Committed(), "")
		}
		return model.Booking{}, classify("update booking", err)
	}
	return next, nil
}

func (r *BookingRepository) Swap(ctx context.Context, oldID string, fn func(*model.Booking) error, replacement model.Booking, evts ...model.Event) (model.Booking, model.Booking, error) {
	if err := ledger.ValidateDraft(replacement); err != nil {
		return model.Booking{}, model.Booking{}, err
	}
	current, err := r.Get(ctx, oldID)
	if err != nil {
		return model.Booking{}, model.Booking{}, err
	}

	var old model.Booking
	err = r.withStaffLocks(ctx, []string{current.StaffID, replacement.StaffID}, func(tx pgx.Tx) error {
		locked, err := selectBookingForUpdate(ctx, tx, oldID)
		if err != nil {
			return err
		}
		old = locked
		if err := fn(&old); err != nil {
			return err
		}
		if err := ledger.CheckIdentity(locked, old); err != nil {
			return err
		}
		holder, busy, err := findOverlap(ctx, tx, replacement.StaffID, replacement.Committed(), oldID, holdingStatuses)
		if err != nil {
			return err
		}
		if busy {
			return ledger.Conflict(replacement.StaffID, replacement.Committed(), holder)
		}

		now := time.Now().UTC()
		if old.ReleasedAt == nil {
			old.ReleasedAt = &now
		}
		old.RescheduledToID = replacement.ID
		old.UpdatedAt = now
		// The old row must stop blocking before the replacement is inserted.
		if err := updateBooking(ctx, tx, old); err != nil {
			return err
		}
		replacement.RescheduledFromID = oldID
		if err := insertBooking(ctx, tx, &replacement); err != nil {
			return err
		}
		return r.record(ctx, tx, replacement, evts)
	})
	if err != nil {
		if isExclusionViolation(err) {
			return model.Booking{}, model.Booking{}, ledger.Conflict(replacement.StaffID, replacement.Committed(), "")
		}
		return model.Booking{}, model.Booking{}, classify("reschedule booking", err)
	}
	return old, replacement, nil
}

func (r *BookingRepository) Get(ctx context.Context, id string) (model.Booking, error) {
	b, err := scanBooking(r.pool.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Booking{}, &model.NotFoundError{Kind: "booking", ID: id}
	}
	if err != nil {
		return model.Booking{}, classify("get booking", err)
	}
	return b, nil
}

func (r *BookingRepository) GetByIdempotencyKey(ctx context.Context, providerID, customerID, key string) (model.Booking, error) {
	b, err := scanBooking(r.pool.QueryRow(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE provider_id = $1 AND customer_id = $2 AND idempotency_key = $3
	`, providerID, customerID, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Booking{}, &model.NotFoundError{Kind: "booking", ID: key}
	}
	if err != nil {
		return model.Booking{}, classify("get booking by idempotency key", err)
	}
	return b, nil
}

func (r *BookingRepository) ListCommitted(ctx context.Context, staffID string, from, to time.Time) ([]model.Booking, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE staff_id = $1
			AND released_at IS NULL
			AND status = ANY($2)
			AND reserved_from < $4
			AND end_time > $3
		ORDER BY reserved_from ASC
	`, staffID, holdingStatuses, from, to)
	if err != nil {
		return nil, classify("list committed bookings", err)
	}
	out, err := collectBookings(rows)
	return out, classify("list committed bookings", err)
}

func (r *BookingRepository) ListByProvider(ctx context.Context, providerID string, from, to time.Time, limit int) ([]model.Booking, error) {
	if limit <= 0 {
		limit = ledger.DefaultListLimit
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE provider_id = $1
			AND ($2::timestamptz IS NULL OR start_time >= $2)
			AND ($3::timestamptz IS NULL OR start_time < $3)
		ORDER BY start_time ASC, id ASC
		LIMIT $4
	`, providerID, optionalTime(from), optionalTime(to), limit)
	if err != nil {
		return nil, classify("list provider bookings", err)
	}
	out, err := collectBookings(rows)
	return out, classify("list provider bookings", err)
}

func (r *BookingRepository) ListStaleRequests(ctx context.Context, createdBefore time.Time, limit int) ([]model.Booking, error) {
	if limit <= 0 {
		limit = ledger.DefaultListLimit
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE status = ANY($1)
			AND released_at IS NULL
			AND created_at < $2
		ORDER BY created_at ASC
		LIMIT $3
	`, statusNames(model.StatusRequested, model.StatusPending), createdBefore, limit)
	if err != nil {
		return nil, classify("list stale requests", err)
	}
	out, err := collectBookings(rows)
	return out, classify("list stale requests", err)
}

// withStaffLocks runs fn in a transaction holding the advisory lock of every staff id, taken
// in sorted order. lock_timeout turns a long wait into SQLSTATE 55P03.
func (r *BookingRepository) withStaffLocks(ctx context.Context, staffIDs []string, fn func(pgx.Tx) error) error {
	ids := append([]string(nil), staffIDs...)
	sort.Strings(ids)
	return r.pool.InTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds())); err != nil {
			return err
		}
		for i, id := range ids {
			if i > 0 && ids[i-1] == id {
				continue
			}
			if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "staff:"+id); err != nil {
				return err
			}
		}
		return fn(tx)
	})
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func findOverlap(ctx context.Context, q querier, staffID string, iv model.Interval, excludeID string, statuses []string) (string, bool, error) {
	var holder string
	err := q.QueryRow(ctx, `
		SELECT id
		FROM bookings
		WHERE staff_id = $1
			AND released_at IS NULL
			AND status = ANY($2)
			AND reserved_from < $4
			AND end_time > $3
			AND id <> $5
		ORDER BY reserved_from ASC
		LIMIT 1
	`, staffID, statuses, iv.Start, iv.End, excludeID).Scan(&holder)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return holder, true, nil
}

func insertBooking(ctx context.Context, tx pgx.Tx, b *model.Booking) error {
	now := time.Now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	if b.ReservedFrom.IsZero() {
		b.ReservedFrom = b.StartTime
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO bookings (
			id, customer_id, provider_id, service_id, staff_id,
			start_time, end_time, reserved_from, status,
			total_amount, paid_amount,
			cancellation_reason, cancelled_by, refund_amount, refund_reason, no_show_fee,
			settlement_status, settlement_ref, payment_ref,
			rescheduled_from_id, rescheduled_to_id, idempotency_key,
			confirmed_at, started_at, completed_at, cancelled_at, no_show_at, released_at,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19,
			$20, $21, NULLIF($22, ''), $23, $24, $25, $26, $27, $28, $29, $30)
	`, b.ID, b.CustomerID, b.ProviderID, b.ServiceID, b.StaffID,
		b.StartTime, b.EndTime, b.ReservedFrom, b.Status.String(),
		b.TotalAmount, b.PaidAmount,
		b.CancellationReason, string(b.CancelledBy), b.RefundAmount, b.RefundReason, b.NoShowFee,
		b.SettlementStatus, b.SettlementRef, b.PaymentRef,
		b.RescheduledFromID, b.RescheduledToID, b.IdempotencyKey,
		b.ConfirmedAt, b.StartedAt, b.CompletedAt, b.CancelledAt, b.NoShowAt, b.ReleasedAt,
		b.CreatedAt, b.UpdatedAt)
	return err
}

func updateBooking(ctx context.Context, tx pgx.Tx, b model.Booking) error {
	_, err := tx.Exec(ctx, `
		UPDATE bookings
		SET status = $2,
			total_amount = $3,
			paid_amount = $4,
			cancellation_reason = $5,
			cancelled_by = $6,
			refund_amount = $7,
			refund_reason = $8,
			no_show_fee = $9,
			settlement_status = $10,
			settlement_ref = $11,
			payment_ref = $12,
			rescheduled_to_id = $13,
			confirmed_at = $14,
			started_at = $15,
			completed_at = $16,
			cancelled_at = $17,
			no_show_at = $18,
			released_at = $19,
			updated_at = $20
		WHERE id = $1
	`, b.ID, b.Status.String(), b.TotalAmount, b.PaidAmount,
		b.CancellationReason, string(b.CancelledBy), b.RefundAmount, b.RefundReason, b.NoShowFee,
		b.SettlementStatus, b.SettlementRef, b.PaymentRef, b.RescheduledToID,
		b.ConfirmedAt, b.StartedAt, b.CompletedAt, b.CancelledAt, b.NoShowAt, b.ReleasedAt,
		b.UpdatedAt)
	return err
}

func selectBookingForUpdate(ctx context.Context, tx pgx.Tx, id string) (model.Booking, error) {
	b, err := scanBooking(tx.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Booking{}, &model.NotFoundError{Kind: "booking", ID: id}
	}
	return b, err
}

func scanBooking(row pgx.Row) (model.Booking, error) {
	var (
		b           model.Booking
		status      string
		cancelledBy string
	)
	err := row.Scan(
		&b.ID, &b.CustomerID, &b.ProviderID, &b.ServiceID, &b.StaffID,
		&b.StartTime, &b.EndTime, &b.ReservedFrom, &status,
		&b.TotalAmount, &b.PaidAmount,
		&b.CancellationReason, &cancelledBy, &b.RefundAmount, &b.RefundReason, &b.NoShowFee,
		&b.SettlementStatus, &b.SettlementRef, &b.PaymentRef,
		&b.RescheduledFromID, &b.RescheduledToID, &b.IdempotencyKey,
		&b.ConfirmedAt, &b.StartedAt, &b.CompletedAt, &b.CancelledAt, &b.NoShowAt, &b.ReleasedAt,
		&b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return model.Booking{}, err
	}
	if b.Status, err = model.ParseStatus(status); err != nil {
		return model.Booking{}, err
	}
	b.CancelledBy = model.ActorKind(cancelledBy)
	return b, nil
}

func collectBookings(rows pgx.Rows) ([]model.Booking, error) {
	defer rows.Close()
	var out []model.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
