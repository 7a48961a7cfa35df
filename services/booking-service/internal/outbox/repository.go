package outbox

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/md-rashed-zaman/bookingengine/libs/db"
	otelx "github.com/md-rashed-zaman/bookingengine/libs/otel"
	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/model"
)

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert stores evt as an unpublished row inside tx, so the event commits or rolls back
// with the booking change it describes. Replays of the same event id are ignored.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, evt model.Event) error {
	rec, err := Encode(evt)
	if err != nil {
		return err
	}
	traceparent, tracestate := otelx.TraceContextStrings(ctx)
	_, err = tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, event_type, aggregate_id, payload, traceparent, tracestate, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (event_id) DO NOTHING
	`, rec.EventID, rec.EventType, rec.AggregateID, rec.Payload, traceparent, tracestate, rec.CreatedAt)
	return err
}

func (r *Repository) FetchUnpublished(ctx context.Context, tx pgx.Tx, limit int) ([]Record, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, event_id, event_type, aggregate_id, payload, traceparent, tracestate, created_at
		FROM outbox_events
		WHERE published_at IS NULL
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rcd Record
		if err := rows.Scan(&rcd.ID, &rcd.EventID, &rcd.EventType, &rcd.AggregateID, &rcd.Payload, &rcd.Traceparent, &rcd.Tracestate, &rcd.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, rcd)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func (r *Repository) MarkPublished(ctx context.Context, tx pgx.Tx, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := tx.Exec(ctx, `
		UPDATE outbox_events
		SET published_at = now()
		WHERE id = ANY($1)
	`, ids)
	return err
}
