package booking

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/homelease/rentcore/internal/pagination"
)

// MemoryStore is an in-memory booking store for development and tests.
type MemoryStore struct {
	mu         sync.RWMutex
	bookings   map[string]*Booking
	events     []*Event
	extensions map[string]*Extension
}

// NewMemoryStore creates a new in-memory booking store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bookings:   make(map[string]*Booking),
		extensions: make(map[string]*Extension),
	}
}

// Snapshot implements txn.Participant.
func (m *MemoryStore) Snapshot() func() {
	m.mu.RLock()
	bookings := make(map[string]*Booking, len(m.bookings))
	for k, b := range m.bookings {
		bookings[k] = clone(b)
	}
	exts := make(map[string]Extension, len(m.extensions))
	for k, e := range m.extensions {
		exts[k] = *e
	}
	n := len(m.events)
	m.mu.RUnlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.bookings = bookings
		m.extensions = make(map[string]*Extension, len(exts))
		for k, e := range exts {
			cp := e
			m.extensions[k] = &cp
		}
		m.events = m.events[:n]
	}
}

// clone copies b including its milestone pointers.
func clone(b *Booking) *Booking {
	cp := *b
	for _, p := range []**time.Time{
		&cp.ApprovedAt, &cp.RejectedAt, &cp.TenantSignedAt, &cp.LandlordSignedAt, &cp.SignedAt,
		&cp.EscrowDepositDueAt, &cp.TenantDepositFundedAt, &cp.LandlordDepositFundedAt,
		&cp.FirstRentDueAt, &cp.FirstRentPaidAt, &cp.HandoverAt, &cp.ActivatedAt,
		&cp.SettlementStartedAt, &cp.ClosedAt, &cp.CancelledAt,
	} {
		if *p != nil {
			t := **p
			*p = &t
		}
	}
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, b *Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bookings[b.ID] = clone(b)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(b), nil
}

func (m *MemoryStore) GetForUpdate(ctx context.Context, id string) (*Booking, error) {
	return m.Get(ctx, id)
}

func (m *MemoryStore) Update(ctx context.Context, b *Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bookings[b.ID]; !ok {
		return ErrNotFound
	}
	m.bookings[b.ID] = clone(b)
	return nil
}

func (m *MemoryStore) ListByParty(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]*Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Booking
	for _, b := range m.bookings {
		if b.IsParty(userID) && after.Admits(b.CreatedAt, b.ID) {
			out = append(out, clone(b))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	if out == nil {
		out = []*Booking{}
	}
	return out, nil
}

func (m *MemoryStore) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Booking
	for _, b := range m.bookings {
		if _, ok := b.OverdueAt(now); ok {
			out = append(out, clone(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) InsertEvent(ctx context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.events = append(m.events, &cp)
	return nil
}

func (m *MemoryStore) ListEvents(ctx context.Context, bookingID string) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []*Event{}
	for _, e := range m.events {
		if e.BookingID == bookingID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateExtension(ctx context.Context, e *Extension) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.extensions[e.ID] = &cp
	return nil
}

func (m *MemoryStore) GetExtension(ctx context.Context, id string) (*Extension, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.extensions[id]
	if !ok {
		return nil, ErrExtensionNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) GetExtensionForUpdate(ctx context.Context, id string) (*Extension, error) {
	return m.GetExtension(ctx, id)
}

func (m *MemoryStore) UpdateExtension(ctx context.Context, e *Extension) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.extensions[e.ID]; !ok {
		return ErrExtensionNotFound
	}
	cp := *e
	m.extensions[e.ID] = &cp
	return nil
}

func (m *MemoryStore) ListExtensions(ctx context.Context, bookingID string) ([]*Extension, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []*Extension{}
	for _, e := range m.extensions {
		if e.BookingID == bookingID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListOverdueExtensions(ctx context.Context, now time.Time, limit int) ([]*Extension, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Extension
	for _, e := range m.extensions {
		if e.Status == ExtensionPendingPayment && e.DueAt.Before(now) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
