package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory escrow store for development and tests.
// Row locks are implicit: txn.MemoryRunner serializes whole transactions.
type MemoryStore struct {
	mu         sync.RWMutex
	accounts   map[string]*Account
	byContract map[string]string
	txs        []*Transaction
	byKey      map[string]*Transaction
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:   make(map[string]*Account),
		byContract: make(map[string]string),
		byKey:      make(map[string]*Transaction),
	}
}

// Snapshot implements txn.Participant.
func (m *MemoryStore) Snapshot() func() {
	m.mu.RLock()
	accounts := make(map[string]Account, len(m.accounts))
	for k, a := range m.accounts {
		accounts[k] = *a
	}
	byContract := make(map[string]string, len(m.byContract))
	for k, v := range m.byContract {
		byContract[k] = v
	}
	byKey := make(map[string]*Transaction, len(m.byKey))
	for k, v := range m.byKey {
		byKey[k] = v
	}
	n := len(m.txs)
	m.mu.RUnlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.accounts = make(map[string]*Account, len(accounts))
		for k, a := range accounts {
			cp := a
			m.accounts[k] = &cp
		}
		m.byContract = byContract
		m.byKey = byKey
		m.txs = m.txs[:n]
	}
}

func (m *MemoryStore) Create(ctx context.Context, a *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byContract[a.ContractID]; exists {
		return ErrAlreadyExists
	}
	cp := *a
	m.accounts[a.ID] = &cp
	m.byContract[a.ContractID] = a.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) GetForUpdate(ctx context.Context, id string) (*Account, error) {
	return m.Get(ctx, id)
}

func (m *MemoryStore) GetByContract(ctx context.Context, contractID string) (*Account, error) {
	m.mu.RLock()
	id, ok := m.byContract[contractID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrAccountNotFound
	}
	return m.Get(ctx, id)
}

func (m *MemoryStore) UpdateBalances(ctx context.Context, id string, tenant, landlord decimal.Decimal, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}
	if tenant.IsNegative() || landlord.IsNegative() {
		return ErrInsufficientBalance
	}
	a.CurrentBalanceTenant = tenant
	a.CurrentBalanceLandlord = landlord
	a.UpdatedAt = at
	return nil
}

func (m *MemoryStore) InsertTransaction(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := tx.EscrowID + "\x00" + tx.IdempotencyKey
	if _, dup := m.byKey[k]; dup {
		return ErrIdempotencyConflict
	}
	cp := *tx
	m.txs = append(m.txs, &cp)
	m.byKey[k] = &cp
	return nil
}

func (m *MemoryStore) FindByIdempotencyKey(ctx context.Context, escrowID, key string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if tx, ok := m.byKey[escrowID+"\x00"+key]; ok {
		cp := *tx
		return &cp, nil
	}
	return nil, nil
}

func (m *MemoryStore) ListTransactions(ctx context.Context, escrowID string, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []*Transaction{}
	for i := len(m.txs) - 1; i >= 0 && len(out) < limit; i-- {
		if m.txs[i].EscrowID == escrowID {
			cp := *m.txs[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) Drifts(ctx context.Context) ([]Drift, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	type key struct {
		escrow string
		c      Contributor
	}
	sums := make(map[key]decimal.Decimal)
	for _, tx := range m.txs {
		k := key{tx.EscrowID, tx.Contributor}
		sums[k] = sums[k].Add(tx.Signed())
	}
	var out []Drift
	for _, a := range m.accounts {
		for _, c := range []Contributor{Tenant, Landlord} {
			sum := sums[key{a.ID, c}]
			if bal := a.BalanceOf(c); !bal.Equal(sum) {
				out = append(out, Drift{EscrowID: a.ID, ContractID: a.ContractID, Contributor: c, Balance: bal, LogSum: sum})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ContractID != out[j].ContractID {
			return out[i].ContractID < out[j].ContractID
		}
		return out[i].Contributor < out[j].Contributor
	})
	return out, nil
}
