package outbox

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/md-rashed-zaman/bookingengine/libs/kafkax"
	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/model"
)

type recordingSink struct {
	mu     sync.Mutex
	events []model.Event
	traces []trace.TraceID
	done   chan struct{}
}

func (s *recordingSink) Deliver(ctx context.Context, evt model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	s.traces = append(s.traces, trace.SpanContextFromContext(ctx).TraceID())
	if s.done != nil && len(s.events) == cap(s.done) {
		close(s.done)
	}
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleEvent(id string) model.Event {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	return model.Event{
		ID:         id,
		Type:       model.EventType(model.StatusConfirmed),
		OccurredAt: start.Add(-time.Hour),
		Actor:      model.Actor{Kind: model.ActorProvider, ID: "owner-1"},
		Booking: model.Booking{
			ID: "b1", ProviderID: "p1", StaffID: "s1", Status: model.StatusConfirmed,
			StartTime: start, EndTime: start.Add(40 * time.Minute), TotalAmount: 1000,
		},
	}
}

func spanContext() (context.Context, trace.TraceID) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	return trace.ContextWithSpanContext(context.Background(), sc), traceID
}

func TestNotifierDeliversWithTraceContext(t *testing.T) {
	sink := &recordingSink{done: make(chan struct{}, 2)}
	n := NewNotifier(sink, testLogger(), NotifierConfig{Buffer: 4})

	ctx, traceID := spanContext()
	n.Notify(ctx, sampleEvent("e1"))
	n.Notify(ctx, sampleEvent("e2"))

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(runCtx)

	select {
	case <-sink.done:
	case <-time.After(2 * time.Second):
		t.Fatal("events were not delivered")
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.events[0].ID != "e1" || sink.events[1].ID != "e2" {
		t.Fatalf("expected FIFO delivery, got %+v", sink.events)
	}
	if sink.traces[0] != traceID {
		t.Fatalf("expected trace %s to be carried, got %s", traceID, sink.traces[0])
	}
}

func TestNotifierDropsWhenFull(t *testing.T) {
	var dropped []string
	sink := &recordingSink{}
	n := NewNotifier(sink, testLogger(), NotifierConfig{
		Buffer: 1,
		OnDrop: func(eventType string) { dropped = append(dropped, eventType) },
	})
	n.Notify(context.Background(), sampleEvent("e1"))
	n.Notify(context.Background(), sampleEvent("e2"))
	if len(dropped) != 1 || dropped[0] != "booking.confirmed.v1" {
		t.Fatalf("expected one dropped event, got %v", dropped)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n.Run(ctx)
	if len(sink.events) != 1 || sink.events[0].ID != "e1" {
		t.Fatalf("expected queued event drained on shutdown, got %+v", sink.events)
	}
}

func TestEncodeAndBuildMessage(t *testing.T) {
	rec, err := Encode(sampleEvent("e1"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if rec.EventType != "booking.confirmed.v1" || rec.AggregateID != "b1" {
		t.Fatalf("unexpected record %+v", rec)
	}
	var payload Payload
	if err := json.Unmarshal(rec.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.Booking.Status != "confirmed" || payload.ActorKind != "provider" || payload.Booking.TotalAmount != 1000 {
		t.Fatalf("unexpected payload %+v", payload)
	}

	ctx, _ := spanContext()
	rec.ID = 7
	rec.Traceparent = "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"
	msg := buildMessage(ctx, rec)
	if msg.Topic != "booking.confirmed.v1" || string(msg.Key) != "b1" {
		t.Fatalf("unexpected message routing %s/%s", msg.Topic, msg.Key)
	}
	meta := kafkax.ExtractEventMeta(msg)
	if meta.EventID != "e1" || meta.EventType != "booking.confirmed.v1" {
		t.Fatalf("unexpected headers %+v", meta)
	}
	if kafkax.HeaderValue(msg.Headers, "traceparent") != rec.Traceparent {
		t.Fatalf("expected stored traceparent on message, got %v", msg.Headers)
	}
}
