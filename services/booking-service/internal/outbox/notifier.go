package outbox

import (
	"context"
	"log/slog"
	"time"

	otelx "github.com/md-rashed-zaman/bookingengine/libs/otel"
	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/model"
)

// Sink receives events drained from the Notifier queue.
type Sink interface {
	Deliver(ctx context.Context, evt model.Event) error
}

type queued struct {
	evt         model.Event
	traceparent string
	tracestate  string
}

// Notifier hands events of the in-memory ledger to a Sink off the request path. Notify never
// blocks; when the queue is full the event is dropped and counted. The Postgres ledger writes
// its events to the outbox table instead.
type Notifier struct {
	queue  chan queued
	sink   Sink
	logger *slog.Logger
	onDrop func(eventType string)
}

type NotifierConfig struct {
	Buffer int
	// OnDrop is called for every event dropped because the queue was full.
	OnDrop func(eventType string)
}

func NewNotifier(sink Sink, logger *slog.Logger, cfg NotifierConfig) *Notifier {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.OnDrop == nil {
		cfg.OnDrop = func(string) {}
	}
	return &Notifier{
		queue:  make(chan queued, cfg.Buffer),
		sink:   sink,
		logger: logger,
		onDrop: cfg.OnDrop,
	}
}

func (n *Notifier) Notify(ctx context.Context, evt model.Event) {
	traceparent, tracestate := otelx.TraceContextStrings(ctx)
	select {
	case n.queue <- queued{evt: evt, traceparent: traceparent, tracestate: tracestate}:
	default:
		n.onDrop(evt.Type)
		n.logger.Warn("event queue full, dropping event", "event_type", evt.Type, "booking_id", evt.Booking.ID)
	}
}

// Run delivers queued events until ctx is done, then drains what is left with a short grace
// period.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			n.drain()
			return
		case q := <-n.queue:
			n.deliver(ctx, q)
		}
	}
}

func (n *Notifier) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case q := <-n.queue:
			n.deliver(ctx, q)
		default:
			return
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, q queued) {
	evtCtx := otelx.ContextWithTraceContext(ctx, q.traceparent, q.tracestate)
	if err := n.sink.Deliver(evtCtx, q.evt); err != nil {
		n.logger.Error("event delivery failed", "event_type", q.evt.Type, "booking_id", q.evt.Booking.ID, "err", err)
	}
}

// LogSink writes events to the log. It is the sink when no outbox table is available.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Deliver(_ context.Context, evt model.Event) error {
	s.Logger.Info("booking event",
		"event_id", evt.ID,
		"event_type", evt.Type,
		"booking_id", evt.Booking.ID,
		"provider_id", evt.Booking.ProviderID,
		"status", evt.Booking.Status.String(),
		"actor", string(evt.Actor.Kind),
	)
	return nil
}
