package expiry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakeExpirer struct {
	mu      sync.Mutex
	batches []int
	calls   int
	err     error
}

func (f *fakeExpirer) ExpireStaleRequests(_ context.Context, limit int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	if len(f.batches) == 0 {
		return 0, nil
	}
	n := min(f.batches[0], limit)
	f.batches = f.batches[1:]
	return n, nil
}

func (f *fakeExpirer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSweepDrainsFullBatches(t *testing.T) {
	fake := &fakeExpirer{batches: []int{2, 2, 1}}
	w := NewWorker(fake, discardLogger(), WorkerConfig{BatchSize: 2})
	if err := w.sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if fake.callCount() != 3 {
		t.Fatalf("expected 3 calls, got %d", fake.callCount())
	}
}

func TestSweepReturnsErrors(t *testing.T) {
	fake := &fakeExpirer{err: errors.New("db down")}
	w := NewWorker(fake, discardLogger(), WorkerConfig{})
	if err := w.sweep(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	fake := &fakeExpirer{}
	w := NewWorker(fake, discardLogger(), WorkerConfig{Interval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for fake.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
	if fake.callCount() == 0 {
		t.Fatal("expected at least one sweep")
	}
}
