package booking

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/cache"
	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/catalog"
	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/heatmap"
	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/ledger"
	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/lifecycle"
	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/payments"
)

const fixture = `
providers:
  - id: p1
    timezone: UTC
    auto_accept_bookings: true
    no_show_fee: 2500
    cancellation_policy:
      allow_cancellation: true
      free_before_hours: 24
      refund_percentage: 0.5
    business_hours:
      - day: monday
        open: "09:00"
        close: "12:00"
        breaks: [{start: "10:30", end: "10:45"}]
    services:
      - id: svc-cut
        duration_minutes: 30
        buffer_minutes: 10
        price: 1000000
        staff: [s1, s2]
      - id: svc-solo
        duration_minutes: 30
        buffer_minutes: 10
        requires_specific_staff: true
        staff: [s1]
    staff:
      - {id: s1}
      - {id: s2}
  - id: p2
    timezone: UTC
    business_hours:
      - {day: monday, open: "09:00", close: "12:00"}
    services:
      - id: svc-long
        duration_minutes: 60
        price: 1000
        staff: [s3]
    staff:
      - {id: s3}
`

// Sunday 08:00; the fixture's first open day is Monday 2026-03-02.
var sunday = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func at(hh, mm int) time.Time {
	return time.Date(2026, 3, 2, hh, mm, 0, 0, time.UTC)
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type fakePayments struct {
	mu          sync.Mutex
	captures    []payments.Request
	refunds     []payments.Request
	failCapture bool
	// onCapture runs before a capture is taken.
	onCapture func(req payments.Request)
}

func (f *fakePayments) Capture(_ context.Context, req payments.Request) (string, error) {
	if f.onCapture != nil {
		f.onCapture(req)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCapture {
		return "", &payments.Error{Op: "capture", BookingID: req.BookingID, Err: errors.New("card_declined")}
	}
	f.captures = append(f.captures, req)
	return "pi_captured", nil
}

func (f *fakePayments) Refund(_ context.Context, req payments.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunds = append(f.refunds, req)
	return "re_test", nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []model.Event
}

func (n *recordingNotifier) Notify(_ context.Context, evt model.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, evt)
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.Type)
	}
	return out
}

type harness struct {
	svc      *Service
	clock    *testClock
	store    *ledger.MemoryStore
	payments *fakePayments
	events   *recordingNotifier
}

func newHarness(t *testing.T, configure func(*Deps)) *harness {
	t.Helper()
	snaps, err := catalog.Parse([]byte(fixture))
	if err != nil {
		t.Fatalf("fixture: %v", err)
	}
	h := &harness{
		clock:    &testClock{t: sunday},
		payments: &fakePayments{},
		events:   &recordingNotifier{},
	}
	h.store = ledger.NewMemoryStore(ledger.MemoryOptions{Now: h.clock.Now, Notifier: h.events})
	deps := Deps{
		Catalog:  catalog.NewMemory(snaps...),
		Ledger:   h.store,
		Payments: h.payments,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:      h.clock.Now,
	}
	if configure != nil {
		configure(&deps)
	}
	h.svc = NewService(deps, Config{RetryAttempts: 3, RetryInitial: time.Millisecond})
	return h
}

var provider = model.Actor{Kind: model.ActorProvider, ID: "owner", ProviderID: "p1"}

func customer(id string) model.Actor {
	return model.Actor{Kind: model.ActorCustomer, ID: id}
}

func (h *harness) reserve(t *testing.T, actor model.Actor, req ReserveRequest) model.Booking {
	t.Helper()
	if req.ProviderID == "" {
		req.ProviderID = "p1"
	}
	if req.ServiceID == "" {
		req.ServiceID = "svc-cut"
	}
	b, err := h.svc.ReserveSlot(context.Background(), actor, req)
	if err != nil {
		t.Fatalf("reserve %s: %v", req.StartTime.Format(time.Kitchen), err)
	}
	return b
}

// reservePaid books for customer c1 and records a payment the way the payment webhook does.
func (h *harness) reservePaid(t *testing.T, req ReserveRequest, paymentRef string, amount int64) model.Booking {
	t.Helper()
	b := h.reserve(t, customer("c1"), req)
	paid, err := h.svc.RecordPayment(context.Background(), b.ID, paymentRef, amount)
	if err != nil {
		t.Fatalf("record payment: %v", err)
	}
	return paid
}

func statuses(slots []model.TimeSlot) map[string]model.SlotStatus {
	out := map[string]model.SlotStatus{}
	for _, s := range slots {
		out[s.Start.Format("15:04")] = s.Status
	}
	return out
}

func TestSlotsForStaffMatchesExample(t *testing.T) {
	h := newHarness(t, nil)
	res, err := h.svc.Slots(context.Background(), SlotQuery{ProviderID: "p1", ServiceID: "svc-cut", StaffID: "s1", Date: "2026-03-02"})
	if err != nil {
		t.Fatalf("slots: %v", err)
	}
	want := []struct {
		start  string
		status model.SlotStatus
	}{
		{"09:00", model.SlotAvailable},
		{"09:40", model.SlotAvailable},
		{"10:20", model.SlotBlocked},
		{"10:45", model.SlotAvailable},
		{"11:25", model.SlotBlocked},
	}
	if len(res.Slots) != len(want) {
		t.Fatalf("expected %d slots, got %+v", len(want), res.Slots)
	}
	for i, w := range want {
		got := res.Slots[i]
		if got.Start.Format("15:04") != w.start || got.Status != w.status || got.StaffID != "s1" {
			t.Fatalf("slot %d: expected %s %s, got %s %s", i, w.start, w.status, got.Start.Format("15:04"), got.Status)
		}
	}
	if res.Timezone != "UTC" {
		t.Fatalf("unexpected timezone %s", res.Timezone)
	}
}

func TestSlotsMergeStaffAndValidate(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	res, err := h.svc.Slots(ctx, SlotQuery{ProviderID: "p1", ServiceID: "svc-cut", Date: "2026-03-02"})
	if err != nil {
		t.Fatalf("slots: %v", err)
	}
	if free := res.Slots[0].FreeStaffIDs; len(free) != 2 || free[0] != "s1" || free[1] != "s2" {
		t.Fatalf("expected both staff free at 09:00, got %v", free)
	}

	if _, err := h.svc.Slots(ctx, SlotQuery{ProviderID: "p1", ServiceID: "svc-cut", Date: "2026-02-27"}); !model.IsValidation(err) {
		t.Fatalf("expected validation error for past date, got %v", err)
	}
	if _, err := h.svc.Slots(ctx, SlotQuery{ProviderID: "p1", ServiceID: "svc-solo", Date: "2026-03-02"}); !model.IsValidation(err) {
		t.Fatalf("expected staff_id to be required, got %v", err)
	}
	if _, err := h.svc.Slots(ctx, SlotQuery{ProviderID: "p1", ServiceID: "svc-cut", StaffID: "s3", Date: "2026-03-02"}); !model.IsNotFound(err) {
		t.Fatalf("expected unknown staff to be not found, got %v", err)
	}
	if _, err := h.svc.Slots(ctx, SlotQuery{ProviderID: "nope", ServiceID: "svc-cut", Date: "2026-03-02"}); !model.IsNotFound(err) {
		t.Fatalf("expected unknown provider to be not found, got %v", err)
	}
}

func TestConcurrentReservesHaveOneWinner(t *testing.T) {
	h := newHarness(t, nil)
	const n = 32

	var wg sync.WaitGroup
	var successes, conflicts atomic.Int32
	errs := make(chan error, n)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := h.svc.ReserveSlot(context.Background(), customer("c"+string(rune('a'+i%26))), ReserveRequest{
				ProviderID: "p1", ServiceID: "svc-cut", StaffID: "s1", StartTime: at(9, 0),
			})
			switch {
			case err == nil:
				successes.Add(1)
			case model.IsConflict(err):
				conflicts.Add(1)
			default:
				errs <- err
			}
		}(i)
	}
	close(start)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("unexpected error: %v", err)
	}
	if successes.Load() != 1 || conflicts.Load() != n-1 {
		t.Fatalf("expected 1 success and %d conflicts, got %d and %d", n-1, successes.Load(), conflicts.Load())
	}
}

func TestReserveAutoAssignsFreeStaff(t *testing.T) {
	h := newHarness(t, nil)
	first := h.reserve(t, customer("c1"), ReserveRequest{StartTime: at(9, 0)})
	second := h.reserve(t, customer("c2"), ReserveRequest{StartTime: at(9, 0)})
	if first.StaffID != "s1" || second.StaffID != "s2" {
		t.Fatalf("expected s1 then s2, got %s and %s", first.StaffID, second.StaffID)
	}
	if first.Status != model.StatusConfirmed || first.ConfirmedAt == nil {
		t.Fatalf("auto-accept provider should confirm immediately, got %+v", first)
	}
	if !first.EndTime.Equal(at(9, 40)) || first.TotalAmount != 1000000 {
		t.Fatalf("unexpected booking %+v", first)
	}

	_, err := h.svc.ReserveSlot(context.Background(), customer("c3"), ReserveRequest{ProviderID: "p1", ServiceID: "svc-cut", StartTime: at(9, 0)})
	if !model.IsConflict(err) {
		t.Fatalf("expected conflict once every staff member is booked, got %v", err)
	}
	_, err = h.svc.ReserveSlot(context.Background(), customer("c3"), ReserveRequest{ProviderID: "p1", ServiceID: "svc-cut", StartTime: at(10, 20)})
	if !model.IsValidation(err) {
		t.Fatalf("expected blocked slot to be rejected, got %v", err)
	}
	_, err = h.svc.ReserveSlot(context.Background(), customer("c3"), ReserveRequest{ProviderID: "p1", ServiceID: "svc-cut", StartTime: at(9, 5)})
	if !model.IsValidation(err) {
		t.Fatalf("expected misaligned start to be rejected, got %v", err)
	}
	if got := h.events.types(); len(got) != 2 || got[0] != "booking.confirmed.v1" {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestReserveIdempotencyKey(t *testing.T) {
	h := newHarness(t, nil)
	req := ReserveRequest{StartTime: at(9, 0), StaffID: "s1", IdempotencyKey: "order-1"}
	first := h.reserve(t, customer("c1"), req)
	again := h.reserve(t, customer("c1"), req)
	if first.ID != again.ID {
		t.Fatalf("expected the same booking, got %s and %s", first.ID, again.ID)
	}
	if got := h.events.types(); len(got) != 1 {
		t.Fatalf("replay must not emit events, got %v", got)
	}
}

func TestCustomerCannotBookForOthers(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.svc.ReserveSlot(context.Background(), customer("c1"), ReserveRequest{
		ProviderID: "p1", ServiceID: "svc-cut", CustomerID: "c2", StartTime: at(9, 0),
	})
	if !model.IsPolicyViolation(err) {
		t.Fatalf("expected policy violation, got %v", err)
	}
}

func TestRequestedBookingsHoldTheirSlot(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	b := h.reserve(t, customer("c1"), ReserveRequest{ProviderID: "p2", ServiceID: "svc-long", StartTime: at(9, 0)})
	if b.Status != model.StatusRequested {
		t.Fatalf("expected requested, got %s", b.Status)
	}
	_, err := h.svc.ReserveSlot(ctx, customer("c2"), ReserveRequest{ProviderID: "p2", ServiceID: "svc-long", StartTime: at(9, 0)})
	if !model.IsConflict(err) {
		t.Fatalf("expected requested booking to hold its slot, got %v", err)
	}

	if _, err := h.svc.TransitionBooking(ctx, customer("c1"), b.ID, TransitionRequest{Target: model.StatusConfirmed}); !model.IsPolicyViolation(err) {
		t.Fatalf("customers cannot confirm, got %v", err)
	}
	other := model.Actor{Kind: model.ActorProvider, ID: "x", ProviderID: "p1"}
	if _, err := h.svc.TransitionBooking(ctx, other, b.ID, TransitionRequest{Target: model.StatusConfirmed}); !model.IsPolicyViolation(err) {
		t.Fatalf("other providers cannot confirm, got %v", err)
	}
	owner := model.Actor{Kind: model.ActorProvider, ID: "owner", ProviderID: "p2"}
	confirmed, err := h.svc.TransitionBooking(ctx, owner, b.ID, TransitionRequest{Target: model.StatusConfirmed})
	if err != nil || confirmed.Status != model.StatusConfirmed || confirmed.ConfirmedAt == nil {
		t.Fatalf("confirm: %v %+v", err, confirmed)
	}
	if _, err := h.svc.TransitionBooking(ctx, owner, b.ID, TransitionRequest{Target: model.StatusConfirmed}); !model.IsInvalidTransition(err) {
		t.Fatalf("expected invalid transition on second confirm, got %v", err)
	}
}

func TestRescheduleOntoBookedSlotLeavesOriginal(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.reserve(t, customer("c1"), ReserveRequest{StaffID: "s1", StartTime: at(9, 0)})
	b := h.reserve(t, customer("c2"), ReserveRequest{StaffID: "s1", StartTime: at(9, 40)})

	_, _, err := h.svc.Reschedule(ctx, customer("c2"), b.ID, RescheduleRequest{StartTime: at(9, 0)})
	if !model.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	unchanged, _ := h.store.Get(ctx, b.ID)
	if unchanged.Status != model.StatusConfirmed || unchanged.ReleasedAt != nil || !unchanged.StartTime.Equal(at(9, 40)) {
		t.Fatalf("original booking changed: %+v", unchanged)
	}

	if _, _, err := h.svc.Reschedule(ctx, customer("c1"), b.ID, RescheduleRequest{StartTime: at(10, 45)}); !model.IsPolicyViolation(err) {
		t.Fatalf("expected other customers to be refused, got %v", err)
	}

	old, created, err := h.svc.Reschedule(ctx, customer("c2"), b.ID, RescheduleRequest{StartTime: at(10, 45)})
	if err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if old.Status != model.StatusRescheduled || old.ReleasedAt == nil || old.RescheduledToID != created.ID {
		t.Fatalf("unexpected old booking %+v", old)
	}
	if created.Status != model.StatusConfirmed || created.RescheduledFromID != b.ID || created.TotalAmount != b.TotalAmount {
		t.Fatalf("unexpected new booking %+v", created)
	}

	res, err := h.svc.Slots(ctx, SlotQuery{ProviderID: "p1", ServiceID: "svc-cut", StaffID: "s1", Date: "2026-03-02"})
	if err != nil {
		t.Fatalf("slots: %v", err)
	}
	got := statuses(res.Slots)
	if got["09:40"] != model.SlotAvailable || got["10:45"] != model.SlotBooked {
		t.Fatalf("expected 09:40 free and 10:45 booked, got %v", got)
	}
}

func TestRescheduleWithinOwnInterval(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	b := h.reserve(t, customer("c1"), ReserveRequest{StaffID: "s1", StartTime: at(9, 0)})
	// 09:40 touches the old interval; the move must ignore the booking being moved.
	_, created, err := h.svc.Reschedule(ctx, customer("c1"), b.ID, RescheduleRequest{StartTime: at(9, 40)})
	if err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if !created.StartTime.Equal(at(9, 40)) {
		t.Fatalf("unexpected start %s", created.StartTime)
	}
	if _, _, err := h.svc.Reschedule(ctx, customer("c1"), b.ID, RescheduleRequest{StartTime: at(10, 45)}); !model.IsInvalidTransition(err) {
		t.Fatalf("a rescheduled booking cannot move again, got %v", err)
	}
}

func TestSlotQueriesAreIdempotentAndCached(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	slotCache := cache.NewRedis(rdb, time.Minute, "test", slog.New(slog.NewTextHandler(io.Discard, nil)))
	h := newHarness(t, func(d *Deps) { d.Cache = slotCache })
	ctx := context.Background()
	q := SlotQuery{ProviderID: "p1", ServiceID: "svc-cut", StaffID: "s1", Date: "2026-03-02"}

	first, err := h.svc.Slots(ctx, q)
	if err != nil {
		t.Fatalf("slots: %v", err)
	}
	if len(mr.Keys()) == 0 {
		t.Fatal("expected generated slots to be cached")
	}
	second, err := h.svc.Slots(ctx, q)
	if err != nil {
		t.Fatalf("slots: %v", err)
	}
	if len(first.Slots) != len(second.Slots) {
		t.Fatalf("expected identical results, got %d and %d slots", len(first.Slots), len(second.Slots))
	}
	for i := range first.Slots {
		a, b := first.Slots[i], second.Slots[i]
		if !a.Start.Equal(b.Start) || !a.End.Equal(b.End) || a.Status != b.Status || a.StaffID != b.StaffID {
			t.Fatalf("slot %d differs: %+v vs %+v", i, a, b)
		}
	}

	h.reserve(t, customer("c1"), ReserveRequest{StaffID: "s1", StartTime: at(9, 0)})
	third, err := h.svc.Slots(ctx, q)
	if err != nil {
		t.Fatalf("slots: %v", err)
	}
	if third.Slots[0].Status != model.SlotBooked || third.Slots[0].BookingID == "" {
		t.Fatalf("expected reservation to invalidate cached slots, got %+v", third.Slots[0])
	}
}

func TestCancelAppliesRefundPolicy(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	b := h.reservePaid(t, ReserveRequest{StaffID: "s1", StartTime: at(9, 0)}, "pi_1", 1000000)

	h.clock.Set(at(9, 0).Add(-12 * time.Hour))
	quote, err := h.svc.ComputeRefund(ctx, customer("c1"), b.ID)
	if err != nil || quote.Amount != 500000 || quote.FreeCancellation {
		t.Fatalf("unexpected quote %+v %v", quote, err)
	}

	cancelled, err := h.svc.TransitionBooking(ctx, customer("c1"), b.ID, TransitionRequest{Target: model.StatusCancelled, Reason: "sick"})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != model.StatusCancelled || cancelled.RefundAmount != 500000 || cancelled.CancellationReason != "sick" {
		t.Fatalf("unexpected cancelled booking %+v", cancelled)
	}
	if cancelled.CancelledBy != model.ActorCustomer || cancelled.ReleasedAt == nil {
		t.Fatalf("expected customer cancellation to release the slot, got %+v", cancelled)
	}
	if cancelled.SettlementStatus != model.SettlementSettled || cancelled.SettlementRef != "re_test" {
		t.Fatalf("expected settled refund, got %+v", cancelled)
	}
	if len(h.payments.refunds) != 1 || h.payments.refunds[0].Amount != 500000 || h.payments.refunds[0].PaymentRef != "pi_1" {
		t.Fatalf("unexpected refunds %+v", h.payments.refunds)
	}
	free, _ := h.store.IsFree(ctx, "s1", at(9, 0), at(9, 40))
	if !free {
		t.Fatal("expected the slot to be free after cancellation")
	}
	if _, err := h.svc.TransitionBooking(ctx, customer("c1"), b.ID, TransitionRequest{Target: model.StatusCancelled}); !model.IsInvalidTransition(err) {
		t.Fatalf("expected second cancel to fail, got %v", err)
	}
}

func TestProviderCancellationRefundsEverything(t *testing.T) {
	h := newHarness(t, nil)
	b := h.reservePaid(t, ReserveRequest{StaffID: "s1", StartTime: at(9, 0)}, "pi_1", 300000)
	h.clock.Set(at(8, 0))
	cancelled, err := h.svc.TransitionBooking(context.Background(), provider, b.ID, TransitionRequest{Target: model.StatusCancelled})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.RefundAmount != 300000 || cancelled.CancelledBy != model.ActorProvider {
		t.Fatalf("expected full refund, got %+v", cancelled)
	}
}

func TestStartCompleteCapturesBalance(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	b := h.reservePaid(t, ReserveRequest{StaffID: "s1", StartTime: at(9, 0)}, "pi_2", 200000)

	if _, err := h.svc.TransitionBooking(ctx, provider, b.ID, TransitionRequest{Target: model.StatusInProgress}); !model.IsValidation(err) {
		t.Fatalf("expected start before start time to fail, got %v", err)
	}
	if _, err := h.svc.TransitionBooking(ctx, provider, b.ID, TransitionRequest{Target: model.StatusCompleted}); !model.IsInvalidTransition(err) {
		t.Fatalf("expected confirmed -> completed to fail, got %v", err)
	}

	h.clock.Set(at(9, 5))
	started, err := h.svc.TransitionBooking(ctx, provider, b.ID, TransitionRequest{Target: model.StatusInProgress})
	if err != nil || started.Status != model.StatusInProgress || started.StartedAt == nil {
		t.Fatalf("start: %v %+v", err, started)
	}

	h.payments.failCapture = true
	if _, err := h.svc.TransitionBooking(ctx, provider, b.ID, TransitionRequest{Target: model.StatusCompleted}); !payments.IsError(err) {
		t.Fatalf("expected capture failure, got %v", err)
	}
	still, _ := h.store.Get(ctx, b.ID)
	if still.Status != model.StatusInProgress {
		t.Fatalf("failed capture must leave booking in progress, got %s", still.Status)
	}

	h.payments.failCapture = false
	done, err := h.svc.TransitionBooking(ctx, provider, b.ID, TransitionRequest{Target: model.StatusCompleted})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != model.StatusCompleted || done.PaidAmount != 1000000 || done.CompletedAt == nil {
		t.Fatalf("unexpected completed booking %+v", done)
	}
	if len(h.payments.captures) != 1 || h.payments.captures[0].Amount != 800000 {
		t.Fatalf("expected the balance to be captured, got %+v", h.payments.captures)
	}
	if _, err := h.svc.TransitionBooking(ctx, provider, b.ID, TransitionRequest{Target: model.StatusConfirmed}); !model.IsInvalidTransition(err) {
		t.Fatalf("expected completed -> confirmed to fail, got %v", err)
	}
}

func TestNoShowRecordsFee(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	b := h.reservePaid(t, ReserveRequest{StaffID: "s1", StartTime: at(9, 0)}, "pi_3", 1000)
	if _, err := h.svc.TransitionBooking(ctx, provider, b.ID, TransitionRequest{Target: model.StatusNoShow}); !model.IsValidation(err) {
		t.Fatalf("expected no-show before start to fail, got %v", err)
	}
	h.clock.Set(at(9, 20))
	got, err := h.svc.TransitionBooking(ctx, provider, b.ID, TransitionRequest{Target: model.StatusNoShow})
	if err != nil {
		t.Fatalf("no-show: %v", err)
	}
	if got.Status != model.StatusNoShow || got.NoShowFee != 2500 || got.ReleasedAt == nil || got.NoShowAt == nil {
		t.Fatalf("unexpected no-show booking %+v", got)
	}
	if len(h.payments.captures) != 1 || h.payments.captures[0].Amount != 2500 || got.SettlementStatus != model.SettlementSettled {
		t.Fatalf("expected fee capture, got %+v / %s", h.payments.captures, got.SettlementStatus)
	}
}

type flakyStore struct {
	*ledger.MemoryStore
	failures atomic.Int32
}

func (f *flakyStore) Reserve(ctx context.Context, draft model.Booking, evts ...model.Event) (model.Booking, error) {
	if f.failures.Add(-1) >= 0 {
		return model.Booking{}, &model.TransientStorageError{Op: "reserve", Err: errors.New("lock timeout")}
	}
	return f.MemoryStore.Reserve(ctx, draft, evts...)
}

func TestReserveRetriesTransientErrors(t *testing.T) {
	flaky := &flakyStore{MemoryStore: ledger.NewMemoryStore(ledger.MemoryOptions{})}
	flaky.failures.Store(2)
	h := newHarness(t, func(d *Deps) { d.Ledger = flaky })
	if _, err := h.svc.ReserveSlot(context.Background(), customer("c1"), ReserveRequest{
		ProviderID: "p1", ServiceID: "svc-cut", StaffID: "s1", StartTime: at(9, 0),
	}); err != nil {
		t.Fatalf("expected retries to absorb two transient failures, got %v", err)
	}

	flaky.failures.Store(10)
	_, err := h.svc.ReserveSlot(context.Background(), customer("c2"), ReserveRequest{
		ProviderID: "p1", ServiceID: "svc-cut", StaffID: "s2", StartTime: at(9, 0),
	})
	if !model.IsTransient(err) {
		t.Fatalf("expected transient error after exhausting retries, got %v", err)
	}
}

func TestExpireStaleRequests(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	b := h.reserve(t, customer("c1"), ReserveRequest{ProviderID: "p2", ServiceID: "svc-long", StartTime: at(9, 0)})

	if n, err := h.svc.ExpireStaleRequests(ctx, 10); err != nil || n != 0 {
		t.Fatalf("nothing should expire yet, got %d %v", n, err)
	}
	h.clock.Set(sunday.Add(31 * time.Minute))
	n, err := h.svc.ExpireStaleRequests(ctx, 10)
	if err != nil || n != 1 {
		t.Fatalf("expected one expired request, got %d %v", n, err)
	}
	got, _ := h.store.Get(ctx, b.ID)
	if got.Status != model.StatusCancelled || got.CancellationReason != ExpiredReason || got.CancelledBy != model.ActorSystem {
		t.Fatalf("unexpected expired booking %+v", got)
	}
}

func TestProviderCalendarAndDates(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if _, err := h.svc.ProviderCalendar(ctx, CalendarQuery{ProviderID: "p1", StartDate: "2026-03-02", Days: 5}); !model.IsValidation(err) {
		t.Fatalf("expected days validation, got %v", err)
	}
	cal, err := h.svc.ProviderCalendar(ctx, CalendarQuery{ProviderID: "p1", ServiceID: "svc-cut", StartDate: "2026-03-02", Days: 7})
	if err != nil {
		t.Fatalf("calendar: %v", err)
	}
	if len(cal.Days) != 7 || cal.Days[0].Date != "2026-03-02" || cal.Days[6].Date != "2026-03-08" {
		t.Fatalf("unexpected calendar days %+v", cal.Days)
	}
	monday := cal.Heatmap.Days[0]
	if monday.Total != 5 || monday.Available != 3 || monday.AvailablePercentage != 60 || monday.Band != heatmap.BandGreen {
		t.Fatalf("unexpected monday stats %+v", monday)
	}
	if cal.Heatmap.Days[1].Band != heatmap.BandNone || cal.Heatmap.Overall.Total != 5 {
		t.Fatalf("unexpected heatmap %+v", cal.Heatmap)
	}

	generic, err := h.svc.ProviderCalendar(ctx, CalendarQuery{ProviderID: "p1", StartDate: "2026-03-02", Days: 7})
	if err != nil {
		t.Fatalf("calendar without service: %v", err)
	}
	if got := len(generic.Days[0].Slots); got != 6 {
		t.Fatalf("expected six 30 minute slots on monday, got %d", got)
	}

	dates, err := h.svc.Dates(ctx, DatesQuery{ProviderID: "p1", ServiceID: "svc-cut", FromDate: "2026-03-02", ToDate: "2026-03-03"})
	if err != nil {
		t.Fatalf("dates: %v", err)
	}
	if len(dates.Dates) != 2 || !dates.Dates[0].HasAvailability || dates.Dates[0].AvailableSlots != 3 || dates.Dates[1].HasAvailability {
		t.Fatalf("unexpected dates %+v", dates.Dates)
	}
	if _, err := h.svc.Dates(ctx, DatesQuery{ProviderID: "p1", ServiceID: "svc-cut", FromDate: "2026-03-02", ToDate: "2026-04-05"}); !model.IsValidation(err) {
		t.Fatalf("expected range validation, got %v", err)
	}
}

func TestListScopesCustomers(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.reserve(t, customer("c1"), ReserveRequest{StaffID: "s1", StartTime: at(9, 0)})
	h.reserve(t, customer("c2"), ReserveRequest{StaffID: "s2", StartTime: at(9, 0)})

	all, err := h.svc.List(ctx, provider, ListQuery{ProviderID: "p1"})
	if err != nil || len(all) != 2 {
		t.Fatalf("provider should see both bookings, got %d %v", len(all), err)
	}
	own, err := h.svc.List(ctx, customer("c2"), ListQuery{ProviderID: "p1"})
	if err != nil || len(own) != 1 || own[0].CustomerID != "c2" {
		t.Fatalf("customer should only see their booking, got %+v %v", own, err)
	}
	if _, err := h.svc.Get(ctx, customer("c1"), own[0].ID); !model.IsPolicyViolation(err) {
		t.Fatalf("expected policy violation reading another customer's booking, got %v", err)
	}
}

func TestIdempotencyKeysAreScopedPerCustomer(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	alice := h.reserve(t, customer("alice"), ReserveRequest{StaffID: "s1", StartTime: at(9, 0), IdempotencyKey: "k1"})
	bob := h.reserve(t, customer("bob"), ReserveRequest{StaffID: "s1", StartTime: at(9, 40), IdempotencyKey: "k1"})
	if bob.ID == alice.ID || bob.CustomerID != "bob" || !bob.StartTime.Equal(at(9, 40)) {
		t.Fatalf("expected bob to get his own booking, got %+v", bob)
	}

	_, err := h.svc.ReserveSlot(ctx, customer("alice"), ReserveRequest{
		ProviderID: "p1", ServiceID: "svc-cut", StaffID: "s1", StartTime: at(10, 45), IdempotencyKey: "k1",
	})
	if !model.IsValidation(err) {
		t.Fatalf("expected a reused key with a different start to be rejected, got %v", err)
	}
	_, err = h.svc.ReserveSlot(ctx, customer("alice"), ReserveRequest{
		ProviderID: "p1", ServiceID: "svc-solo", StaffID: "s1", StartTime: at(9, 0), IdempotencyKey: "k1",
	})
	if !model.IsValidation(err) {
		t.Fatalf("expected a reused key with a different service to be rejected, got %v", err)
	}

	replayed := h.reserve(t, provider, ReserveRequest{CustomerID: "alice", StartTime: at(9, 0), IdempotencyKey: "k1"})
	if replayed.ID != alice.ID {
		t.Fatalf("expected the provider to replay alice's booking, got %+v", replayed)
	}
	if got := h.events.types(); len(got) != 2 {
		t.Fatalf("expected one event per created booking, got %v", got)
	}
}

func TestCustomersCannotAssertPayments(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	for _, req := range []ReserveRequest{
		{ProviderID: "p1", ServiceID: "svc-cut", StaffID: "s1", StartTime: at(9, 0), PaidAmount: 1000000},
		{ProviderID: "p1", ServiceID: "svc-cut", StaffID: "s1", StartTime: at(9, 0), PaymentRef: "pi_forged"},
	} {
		if _, err := h.svc.ReserveSlot(ctx, customer("c1"), req); !model.IsPolicyViolation(err) {
			t.Fatalf("expected policy violation for %+v, got %v", req, err)
		}
	}
	if all, _ := h.svc.List(ctx, provider, ListQuery{ProviderID: "p1"}); len(all) != 0 {
		t.Fatalf("rejected requests must not create bookings, got %+v", all)
	}

	b := h.reserve(t, provider, ReserveRequest{CustomerID: "c1", StaffID: "s1", StartTime: at(9, 0), PaymentRef: "pi_desk", PaidAmount: 300000})
	if b.PaidAmount != 300000 || b.PaymentRef != "pi_desk" {
		t.Fatalf("expected the provider to record the payment, got %+v", b)
	}
}

func TestHeldSlotsAreBlockedUntilConfirmed(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	q := SlotQuery{ProviderID: "p2", ServiceID: "svc-long", StaffID: "s3", Date: "2026-03-02"}
	b := h.reserve(t, customer("c1"), ReserveRequest{ProviderID: "p2", ServiceID: "svc-long", StartTime: at(9, 0)})

	res, err := h.svc.Slots(ctx, q)
	if err != nil {
		t.Fatalf("slots: %v", err)
	}
	held := res.Slots[0]
	if held.Status != model.SlotBlocked || held.BookingID != b.ID {
		t.Fatalf("expected the requested booking to block 09:00, got %+v", held)
	}
	assertBookedSlotsAreBlocking(t, h, res.Slots)

	owner := model.Actor{Kind: model.ActorProvider, ID: "owner", ProviderID: "p2"}
	if _, err := h.svc.TransitionBooking(ctx, owner, b.ID, TransitionRequest{Target: model.StatusConfirmed}); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	res, err = h.svc.Slots(ctx, q)
	if err != nil {
		t.Fatalf("slots: %v", err)
	}
	if res.Slots[0].Status != model.SlotBooked || res.Slots[0].BookingID != b.ID {
		t.Fatalf("expected the confirmed booking to book 09:00, got %+v", res.Slots[0])
	}
	assertBookedSlotsAreBlocking(t, h, res.Slots)
}

func assertBookedSlotsAreBlocking(t *testing.T, h *harness, slots []model.TimeSlot) {
	t.Helper()
	for _, slot := range slots {
		if slot.Status != model.SlotBooked {
			continue
		}
		b, err := h.store.Get(context.Background(), slot.BookingID)
		if err != nil || !b.Blocking() {
			t.Fatalf("booked slot %s is backed by %+v (%v)", slot.Start.Format("15:04"), b, err)
		}
	}
}

func TestEventsCarryTheStoredBooking(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	b := h.reserve(t, customer("c1"), ReserveRequest{StaffID: "s1", StartTime: at(9, 0)})
	if _, err := h.svc.TransitionBooking(ctx, customer("c1"), b.ID, TransitionRequest{Target: model.StatusCancelled}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := h.svc.TransitionBooking(ctx, customer("c1"), b.ID, TransitionRequest{Target: model.StatusCancelled}); !model.IsInvalidTransition(err) {
		t.Fatalf("expected second cancel to fail, got %v", err)
	}

	h.events.mu.Lock()
	defer h.events.mu.Unlock()
	if len(h.events.events) != 2 {
		t.Fatalf("expected reserve and cancel events only, got %+v", h.events.events)
	}
	evt := h.events.events[1]
	if evt.Type != "booking.cancelled.v1" || evt.Booking.ID != b.ID || evt.Booking.Status != model.StatusCancelled {
		t.Fatalf("unexpected cancel event %+v", evt)
	}
	if evt.ID == "" || evt.Actor.ID != "c1" || evt.OccurredAt.IsZero() {
		t.Fatalf("event is missing its envelope: %+v", evt)
	}
}

// spyStore counts releases and can report every interval as taken.
type spyStore struct {
	*ledger.MemoryStore
	releases atomic.Int32
	busy     atomic.Bool
}

func (s *spyStore) IsFree(ctx context.Context, staffID string, start, end time.Time) (bool, error) {
	if s.busy.Load() {
		return false, nil
	}
	return s.MemoryStore.IsFree(ctx, staffID, start, end)
}

func (s *spyStore) Release(ctx context.Context, id string) (model.Booking, error) {
	s.releases.Add(1)
	return s.MemoryStore.Release(ctx, id)
}

func TestConfirmAndCancelUseTheLedgerChecks(t *testing.T) {
	spy := &spyStore{}
	h := newHarness(t, func(d *Deps) {
		spy.MemoryStore = d.Ledger.(*ledger.MemoryStore)
		d.Ledger = spy
	})
	ctx := context.Background()
	owner := model.Actor{Kind: model.ActorProvider, ID: "owner", ProviderID: "p2"}
	b := h.reserve(t, customer("c1"), ReserveRequest{ProviderID: "p2", ServiceID: "svc-long", StartTime: at(9, 0)})

	spy.busy.Store(true)
	if _, err := h.svc.TransitionBooking(ctx, owner, b.ID, TransitionRequest{Target: model.StatusConfirmed}); !model.IsConflict(err) {
		t.Fatalf("expected confirm to see the taken interval, got %v", err)
	}
	if got, _ := h.store.Get(ctx, b.ID); got.Status != model.StatusRequested {
		t.Fatalf("a refused confirm must leave the request, got %s", got.Status)
	}

	spy.busy.Store(false)
	cancelled, err := h.svc.TransitionBooking(ctx, owner, b.ID, TransitionRequest{Target: model.StatusCancelled})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if spy.releases.Load() != 1 || cancelled.ReleasedAt == nil {
		t.Fatalf("expected cancel to release through the ledger, got %d releases and %+v", spy.releases.Load(), cancelled)
	}
}

func TestCaptureIsLoggedWhenCompletionFails(t *testing.T) {
	var logs bytes.Buffer
	h := newHarness(t, func(d *Deps) { d.Logger = slog.New(slog.NewJSONHandler(&logs, nil)) })
	ctx := context.Background()
	b := h.reservePaid(t, ReserveRequest{StaffID: "s1", StartTime: at(9, 0)}, "pi_4", 200000)
	h.clock.Set(at(9, 5))
	if _, err := h.svc.TransitionBooking(ctx, provider, b.ID, TransitionRequest{Target: model.StatusInProgress}); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Another request completes the booking while the balance is being captured.
	h.payments.onCapture = func(payments.Request) {
		_, err := h.store.Apply(ctx, b.ID, func(b *model.Booking) error {
			return lifecycle.Transition(b, model.StatusCompleted, at(9, 6))
		})
		if err != nil {
			t.Errorf("concurrent complete: %v", err)
		}
	}
	if _, err := h.svc.TransitionBooking(ctx, provider, b.ID, TransitionRequest{Target: model.StatusCompleted}); !model.IsInvalidTransition(err) {
		t.Fatalf("expected the second completion to fail, got %v", err)
	}
	if len(h.payments.captures) != 1 {
		t.Fatalf("expected one capture, got %+v", h.payments.captures)
	}
	if !strings.Contains(logs.String(), `"capture_ref":"pi_captured"`) {
		t.Fatalf("expected the capture reference to be logged, got %s", logs.String())
	}
}
