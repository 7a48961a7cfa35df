package cache

import (
	"context"

	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/model"
)

// SlotKey identifies one generated day of slots for one staff member.
type SlotKey struct {
	ProviderID string
	ServiceID  string
	StaffID    string
	Date       string
	// Length is the slot length in minutes; provider calendars without a service vary it.
	Length int
}

// SlotCache stores generated slots keyed by provider generation. Every ledger mutation bumps
// the provider generation so stale entries are never read again; they expire on their own.
type SlotCache interface {
	// Resolve returns the storage key for k at the current generation, or "" when the cache
	// is unavailable. Resolve must run before the ledger is read.
	Resolve(ctx context.Context, k SlotKey) string
	Get(ctx context.Context, key string) ([]model.TimeSlot, bool)
	Set(ctx context.Context, key string, slots []model.TimeSlot)
	Invalidate(ctx context.Context, providerID string)
}

// Noop disables caching.
type Noop struct{}

func (Noop) Resolve(context.Context, SlotKey) string              { return "" }
func (Noop) Get(context.Context, string) ([]model.TimeSlot, bool) { return nil, false }
func (Noop) Set(context.Context, string, []model.TimeSlot)        {}
func (Noop) Invalidate(context.Context, string)                   {}
