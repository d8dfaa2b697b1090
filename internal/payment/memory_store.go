package payment

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory payment store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	payments map[string]*Payment
}

// NewMemoryStore creates a new in-memory payment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{payments: make(map[string]*Payment)}
}

// Snapshot implements txn.Participant.
func (m *MemoryStore) Snapshot() func() {
	m.mu.RLock()
	saved := make(map[string]Payment, len(m.payments))
	for k, p := range m.payments {
		saved[k] = *p
	}
	m.mu.RUnlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.payments = make(map[string]*Payment, len(saved))
		for k, p := range saved {
			cp := p
			m.payments[k] = &cp
		}
	}
}

func (m *MemoryStore) Create(ctx context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkRef(p); err != nil {
		return err
	}
	cp := *p
	m.payments[p.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) GetForUpdate(ctx context.Context, id string) (*Payment, error) {
	return m.Get(ctx, id)
}

func (m *MemoryStore) Update(ctx context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[p.ID]; !ok {
		return ErrNotFound
	}
	if err := m.checkRef(p); err != nil {
		return err
	}
	cp := *p
	m.payments[p.ID] = &cp
	return nil
}

// checkRef enforces the (gateway, gatewayRef) uniqueness the schema has.
func (m *MemoryStore) checkRef(p *Payment) error {
	if p.GatewayRef == "" {
		return nil
	}
	for _, other := range m.payments {
		if other.ID != p.ID && other.Gateway == p.Gateway && other.GatewayRef == p.GatewayRef {
			return ErrDuplicateRef
		}
	}
	return nil
}

func (m *MemoryStore) ListByPayer(ctx context.Context, payerID string, limit int) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []*Payment{}
	for _, p := range m.payments {
		if p.PayerID == payerID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
