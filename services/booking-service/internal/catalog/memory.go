package catalog

import (
	"context"
	"sync"

	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/model"
)

// Memory serves snapshots from process memory. It backs the memory storage driver and tests.
type Memory struct {
	mu        sync.RWMutex
	providers map[string]*Snapshot
}

func NewMemory(snapshots ...*Snapshot) *Memory {
	m := &Memory{providers: map[string]*Snapshot{}}
	for _, s := range snapshots {
		m.Put(s)
	}
	return m
}

func (m *Memory) Put(s *Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[s.Provider.ID] = s
}

func (m *Memory) Load(_ context.Context, providerID string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.providers[providerID]
	if !ok {
		return nil, &model.NotFoundError{Kind: "provider", ID: providerID}
	}
	return s, nil
}

func (m *Memory) ProviderIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.providers))
	for id := range m.providers {
		ids = append(ids, id)
	}
	return ids
}
