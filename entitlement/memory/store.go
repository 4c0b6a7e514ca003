package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/code-payments/iapkit/entitlement"
)

// memory serializes all writes behind one mutex and publishes a new immutable
// snapshot after each applied change.
type memory struct {
	sync.RWMutex

	purchased map[string]struct{}
	current   *entitlement.Snapshot
}

func NewInMemory() entitlement.Store {
	return &memory{
		purchased: make(map[string]struct{}),
		current:   &entitlement.Snapshot{},
	}
}

func (m *memory) reset() {
	m.Lock()
	defer m.Unlock()

	m.purchased = make(map[string]struct{})
	m.current = &entitlement.Snapshot{}
}

func (m *memory) MarkPurchased(_ context.Context, productID string) error {
	if productID == "" {
		return entitlement.ErrInvalidProductID
	}

	m.Lock()
	defer m.Unlock()

	if _, ok := m.purchased[productID]; ok {
		return nil
	}
	m.purchased[productID] = struct{}{}

	ids := make([]string, 0, len(m.purchased))
	for id := range m.purchased {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	m.current = &entitlement.Snapshot{
		ProductIDs: ids,
		LastError:  m.current.LastError,
		Version:    m.current.Version + 1,
	}
	return nil
}

func (m *memory) RecordError(_ context.Context, err error) error {
	m.Lock()
	defer m.Unlock()

	m.current = &entitlement.Snapshot{
		ProductIDs: m.current.ProductIDs,
		LastError:  err,
		Version:    m.current.Version + 1,
	}
	return nil
}

func (m *memory) IsPurchased(_ context.Context, productID string) (bool, error) {
	m.RLock()
	defer m.RUnlock()

	_, ok := m.purchased[productID]
	return ok, nil
}

func (m *memory) HasAnyEntitlement(_ context.Context) (bool, error) {
	m.RLock()
	defer m.RUnlock()

	return len(m.purchased) > 0, nil
}

func (m *memory) Snapshot(_ context.Context) (*entitlement.Snapshot, error) {
	m.RLock()
	defer m.RUnlock()

	return m.current.Clone(), nil
}
