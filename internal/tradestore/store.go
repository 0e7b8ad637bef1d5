// Package tradestore defines the durable trade-record collaborator
// described in spec §6 and ships an in-memory reference implementation.
// A durable backend is explicitly out of scope; the interface is the
// deliverable, grounded on teacher's thin-repository style (a small
// interface plus one in-memory implementation used in its own tests).
package tradestore

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shockline/engine/internal/model"
)

// Store is the trade-store collaborator contract from spec §6. Each method
// is required to be a single transactional write.
type Store interface {
	OpenPosition(p model.Position) error
	ClosePosition(id string, exitPrice decimal.Decimal, exitAt time.Time, pnl decimal.Decimal) error
	ListOpen() ([]model.Position, error)
}

// MemoryStore is the in-memory reference implementation: a plain map guarded
// by a mutex, with each public method as its own critical section.
type MemoryStore struct {
	mu        sync.Mutex
	positions map[string]model.Position
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{positions: make(map[string]model.Position)}
}

// OpenPosition records a newly opened position. Re-opening an existing ID is
// an Invariant violation: the caller is expected to generate unique IDs.
func (m *MemoryStore) OpenPosition(p model.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.positions[p.ID]; exists {
		return model.ErrDuplicatePosition
	}
	m.positions[p.ID] = p
	return nil
}

// ClosePosition marks a position Closed with its exit fields.
func (m *MemoryStore) ClosePosition(id string, exitPrice decimal.Decimal, exitAt time.Time, pnl decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	if !ok {
		return model.NewError(model.KindStoreFailure, nil)
	}
	p.Status = model.PositionClosed
	p.ExitPrice = exitPrice
	p.ExitAt = exitAt
	p.PnL = pnl
	m.positions[id] = p
	return nil
}

// ListOpen returns every position not yet Closed, in no particular order.
func (m *MemoryStore) ListOpen() ([]model.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Position, 0, len(m.positions))
	for _, p := range m.positions {
		if p.Status != model.PositionClosed {
			out = append(out, p)
		}
	}
	return out, nil
}
