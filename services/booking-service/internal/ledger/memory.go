package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/model"
)

// arena hands out one binary semaphore per staff member. Semaphores are never removed; the
// arena grows with the number of distinct staff ids seen by the process.
type arena struct {
	mu    sync.Mutex
	locks map[string]*semaphore.Weighted
}

func (a *arena) get(staffID string) *semaphore.Weighted {
	a.mu.Lock()
	defer a.mu.Unlock()
	sem, ok := a.locks[staffID]
	if !ok {
		sem = semaphore.NewWeighted(1)
		a.locks[staffID] = sem
	}
	return sem
}

// acquire takes the locks of staffIDs in sorted order so two-staff swaps cannot deadlock.
func (a *arena) acquire(ctx context.Context, timeout time.Duration, staffIDs ...string) (func(), error) {
	ids := append([]string(nil), staffIDs...)
	sort.Strings(ids)

	var held []*semaphore.Weighted
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Release(1)
		}
	}
	for i, id := range ids {
		if i > 0 && ids[i-1] == id {
			continue
		}
		sem := a.get(id)
		lockCtx, cancel := context.WithTimeout(ctx, timeout)
		err := sem.Acquire(lockCtx, 1)
		cancel()
		if err != nil {
			release()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &model.TransientStorageError{Op: "lock staff " + id, Err: err}
		}
		held = append(held, sem)
	}
	return release, nil
}

type MemoryOptions struct {
	// LockTimeout bounds how long an operation waits for a staff member's lock.
	LockTimeout time.Duration
	Now         func() time.Time
	// Notifier receives the events recorded with each committed change.
	Notifier Notifier
}

type discard struct{}

func (discard) Notify(context.Context, model.Event) {}

// MemoryStore is a process-local Store backed by maps and a per-staff semaphore arena.
type MemoryStore struct {
	mu       sync.RWMutex
	bookings map[string]model.Booking
	idem     map[string]string

	locks       *arena
	lockTimeout time.Duration
	now         func() time.Time
	notifier    Notifier
}

func NewMemoryStore(opts MemoryOptions) *MemoryStore {
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 2 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Notifier == nil {
		opts.Notifier = discard{}
	}
	return &MemoryStore{
		bookings:    map[string]model.Booking{},
		idem:        map[string]string{},
		locks:       &arena{locks: map[string]*semaphore.Weighted{}},
		lockTimeout: opts.LockTimeout,
		now:         opts.Now,
		notifier:    opts.Notifier,
	}
}

func idemKey(providerID, customerID, key string) string {
	return providerID + "\x00" + customerID + "\x00" + key
}

func (s *MemoryStore) publish(ctx context.Context, b model.Booking, evts []model.Event) {
	for _, evt := range Stamp(b, evts) {
		s.notifier.Notify(ctx, evt)
	}
}

func (s *MemoryStore) IsFree(_ context.Context, staffID string, start, end time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, busy := s.findOverlap(staffID, model.Interval{Start: start, End: end}, "", model.Booking.Blocking)
	return !busy, nil
}

func (s *MemoryStore) Reserve(ctx context.Context, draft model.Booking, evts ...model.Event) (model.Booking, error) {
	if err := ValidateDraft(draft); err != nil {
		return model.Booking{}, err
	}
	if existing, ok := s.lookupIdempotent(draft); ok {
		return existing, nil
	}

	unlock, err := s.locks.acquire(ctx, s.lockTimeout, draft.StaffID)
	if err != nil {
		return model.Booking{}, err
	}
	defer unlock()

	s.mu.RLock()
	holder, busy := s.findOverlap(draft.StaffID, draft.Committed(), "", model.Booking.Holds)
	s.mu.RUnlock()
	if busy {
		return model.Booking{}, Conflict(draft.StaffID, draft.Committed(), holder)
	}

	s.mu.Lock()
	if draft.IdempotencyKey != "" {
		if id, ok := s.idem[idemKey(draft.ProviderID, draft.CustomerID, draft.IdempotencyKey)]; ok {
			existing := s.bookings[id]
			s.mu.Unlock()
			return existing, nil
		}
	}
	if _, dup := s.bookings[draft.ID]; dup {
		s.mu.Unlock()
		return model.Booking{}, fmt.Errorf("booking %s already exists", draft.ID)
	}
	now := s.now()
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = now
	}
	draft.UpdatedAt = now
	s.bookings[draft.ID] = draft
	if draft.IdempotencyKey != "" {
		s.idem[idemKey(draft.ProviderID, draft.CustomerID, draft.IdempotencyKey)] = draft.ID
	}
	s.mu.Unlock()
	s.publish(ctx, draft, evts)
	return draft, nil
}

func (s *MemoryStore) lookupIdempotent(draft model.Booking) (model.Booking, bool) {
	if draft.IdempotencyKey == "" {
		return model.Booking{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.idem[idemKey(draft.ProviderID, draft.CustomerID, draft.IdempotencyKey)]
	if !ok {
		return model.Booking{}, false
	}
	return s.bookings[id], true
}

func (s *MemoryStore) Release(ctx context.Context, id string) (model.Booking, error) {
	return s.Apply(ctx, id, func(b *model.Booking) error {
		if b.ReleasedAt == nil {
			at := s.now()
			b.ReleasedAt = &at
		}
		return nil
	})
}

func (s *MemoryStore) Apply(ctx context.Context, id string, fn func(*model.Booking) error, evts ...model.Event) (model.Booking, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return model.Booking{}, err
	}
	unlock, err := s.locks.acquire(ctx, s.lockTimeout, current.StaffID)
	if err != nil {
		return model.Booking{}, err
	}
	defer unlock()

	s.mu.RLock()
	current = s.bookings[id]
	s.mu.RUnlock()

	next := current
	if err := fn(&next); err != nil {
		return model.Booking{}, err
	}
	if err := CheckIdentity(current, next); err != nil {
		return model.Booking{}, err
	}
	if next.Blocking() && !current.Blocking() {
		s.mu.RLock()
		holder, busy := s.findOverlap(next.StaffID, next.Committed(), next.ID, model.Booking.Blocking)
		s.mu.RUnlock()
		if busy {
			return model.Booking{}, Conflict(next.StaffID, next.Committed(), holder)
		}
	}

	next.UpdatedAt = s.now()
	s.mu.Lock()
	s.bookings[id] = next
	s.mu.Unlock()
	s.publish(ctx, next, evts)
	return next, nil
}

func (s *MemoryStore) Swap(ctx context.Context, oldID string, fn func(*model.Booking) error, replacement model.Booking, evts ...model.Event) (model.Booking, model.Booking, error) {
	if err := ValidateDraft(replacement); err != nil {
		return model.Booking{}, model.Booking{}, err
	}
	current, err := s.Get(ctx, oldID)
	if err != nil {
		return model.Booking{}, model.Booking{}, err
	}
	unlock, err := s.locks.acquire(ctx, s.lockTimeout, current.StaffID, replacement.StaffID)
	if err != nil {
		return model.Booking{}, model.Booking{}, err
	}
	defer unlock()

	s.mu.RLock()
	current = s.bookings[oldID]
	_, dup := s.bookings[replacement.ID]
	holder, busy := s.findOverlap(replacement.StaffID, replacement.Committed(), oldID, model.Booking.Holds)
	s.mu.RUnlock()
	if dup {
		return model.Booking{}, model.Booking{}, fmt.Errorf("booking %s already exists", replacement.ID)
	}

	old := current
	if err := fn(&old); err != nil {
		return model.Booking{}, model.Booking{}, err
	}
	if err := CheckIdentity(current, old); err != nil {
		return model.Booking{}, model.Booking{}, err
	}
	if busy {
		return model.Booking{}, model.Booking{}, Conflict(replacement.StaffID, replacement.Committed(), holder)
	}

	now := s.now()
	if old.ReleasedAt == nil {
		old.ReleasedAt = &now
	}
	old.RescheduledToID = replacement.ID
	old.UpdatedAt = now
	replacement.RescheduledFromID = oldID
	if replacement.CreatedAt.IsZero() {
		replacement.CreatedAt = now
	}
	replacement.UpdatedAt = now

	s.mu.Lock()
	s.bookings[oldID] = old
	s.bookings[replacement.ID] = replacement
	s.mu.Unlock()
	s.publish(ctx, replacement, evts)
	return old, replacement, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (model.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bookings[id]
	if !ok {
		return model.Booking{}, &model.NotFoundError{Kind: "booking", ID: id}
	}
	return b, nil
}

func (s *MemoryStore) GetByIdempotencyKey(_ context.Context, providerID, customerID, key string) (model.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.idem[idemKey(providerID, customerID, key)]
	if !ok {
		return model.Booking{}, &model.NotFoundError{Kind: "booking", ID: key}
	}
	return s.bookings[id], nil
}

func (s *MemoryStore) ListCommitted(_ context.Context, staffID string, from, to time.Time) ([]model.Booking, error) {
	window := model.Interval{Start: from, End: to}
	s.mu.RLock()
	var out []model.Booking
	for _, b := range s.bookings {
		if b.StaffID == staffID && b.Holds() && b.Committed().Overlaps(window) {
			out = append(out, b)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ReservedFrom.Before(out[j].ReservedFrom) })
	return out, nil
}

func (s *MemoryStore) ListByProvider(_ context.Context, providerID string, from, to time.Time, limit int) ([]model.Booking, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	s.mu.RLock()
	var out []model.Booking
	for _, b := range s.bookings {
		if b.ProviderID != providerID {
			continue
		}
		if !from.IsZero() && b.StartTime.Before(from) {
			continue
		}
		if !to.IsZero() && !b.StartTime.Before(to) {
			continue
		}
		out = append(out, b)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListStaleRequests(_ context.Context, createdBefore time.Time, limit int) ([]model.Booking, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	s.mu.RLock()
	var out []model.Booking
	for _, b := range s.bookings {
		if (b.Status == model.StatusRequested || b.Status == model.StatusPending) && b.ReleasedAt == nil && b.CreatedAt.Before(createdBefore) {
			out = append(out, b)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// findOverlap must be called with s.mu held.
func (s *MemoryStore) findOverlap(staffID string, iv model.Interval, excludeID string, counts func(model.Booking) bool) (string, bool) {
	for id, b := range s.bookings {
		if id == excludeID || b.StaffID != staffID || !counts(b) {
			continue
		}
		if b.Committed().Overlaps(iv) {
			return id, true
		}
	}
	return "", false
}

var ErrIdentityChanged = errors.New("booking identity fields cannot be changed in place")

// CheckIdentity rejects mutations that would move a booking. Moves go through Swap.
func CheckIdentity(before, after model.Booking) error {
	if before.ID != after.ID || before.StaffID != after.StaffID || before.ProviderID != after.ProviderID ||
		!before.StartTime.Equal(after.StartTime) || !before.EndTime.Equal(after.EndTime) {
		return ErrIdentityChanged
	}
	return nil
}
