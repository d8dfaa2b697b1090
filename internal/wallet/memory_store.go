package wallet

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory wallet store for development and tests.
// Row locks are implicit: txn.MemoryRunner serializes whole transactions.
type MemoryStore struct {
	mu      sync.RWMutex
	wallets map[string]*Wallet // by user id
	txs     []*Transaction
	byKey   map[string]*Transaction // walletID + "\x00" + key
	byRef   map[string]*Transaction // gateway + "\x00" + ref
}

// NewMemoryStore creates a new in-memory wallet store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets: make(map[string]*Wallet),
		byKey:   make(map[string]*Transaction),
		byRef:   make(map[string]*Transaction),
	}
}

// Snapshot implements txn.Participant. Transactions are immutable, so the
// log and its indexes are restored by length and map copy.
func (m *MemoryStore) Snapshot() func() {
	m.mu.RLock()
	wallets := make(map[string]Wallet, len(m.wallets))
	for k, w := range m.wallets {
		wallets[k] = *w
	}
	n := len(m.txs)
	byKey := make(map[string]*Transaction, len(m.byKey))
	for k, v := range m.byKey {
		byKey[k] = v
	}
	byRef := make(map[string]*Transaction, len(m.byRef))
	for k, v := range m.byRef {
		byRef[k] = v
	}
	m.mu.RUnlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.wallets = make(map[string]*Wallet, len(wallets))
		for k, w := range wallets {
			cp := w
			m.wallets[k] = &cp
		}
		m.txs = m.txs[:n]
		m.byKey = byKey
		m.byRef = byRef
	}
}

func (m *MemoryStore) Ensure(ctx context.Context, w *Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.wallets[w.UserID]; ok {
		return nil
	}
	cp := *w
	m.wallets[w.UserID] = &cp
	return nil
}

func (m *MemoryStore) GetForUpdate(ctx context.Context, userID string) (*Wallet, error) {
	return m.GetByUser(ctx, userID)
}

func (m *MemoryStore) GetByUser(ctx context.Context, userID string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.wallets[userID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) UpdateBalance(ctx context.Context, walletID string, balance decimal.Decimal, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.wallets {
		if w.ID == walletID {
			if balance.IsNegative() {
				return ErrInsufficientBalance
			}
			w.AvailableBalance = balance
			w.UpdatedAt = at
			return nil
		}
	}
	return ErrWalletNotFound
}

func (m *MemoryStore) InsertTransaction(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := tx.WalletID + "\x00" + tx.IdempotencyKey
	if _, dup := m.byKey[k]; dup {
		return ErrIdempotencyConflict
	}
	cp := *tx
	m.txs = append(m.txs, &cp)
	m.byKey[k] = &cp
	if tx.GatewayRef != "" {
		m.byRef[tx.Gateway+"\x00"+tx.GatewayRef] = &cp
	}
	return nil
}

func (m *MemoryStore) FindByIdempotencyKey(ctx context.Context, walletID, key string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if tx, ok := m.byKey[walletID+"\x00"+key]; ok {
		cp := *tx
		return &cp, nil
	}
	return nil, nil
}

func (m *MemoryStore) FindByGatewayRef(ctx context.Context, gateway, ref string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if tx, ok := m.byRef[gateway+"\x00"+ref]; ok {
		cp := *tx
		return &cp, nil
	}
	return nil, nil
}

func (m *MemoryStore) ListTransactions(ctx context.Context, walletID string, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Transaction
	for i := len(m.txs) - 1; i >= 0 && len(out) < limit; i-- {
		if m.txs[i].WalletID == walletID {
			cp := *m.txs[i]
			out = append(out, &cp)
		}
	}
	if out == nil {
		out = []*Transaction{}
	}
	return out, nil
}

func (m *MemoryStore) Drifts(ctx context.Context) ([]Drift, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sums := make(map[string]decimal.Decimal)
	for _, tx := range m.txs {
		sums[tx.WalletID] = sums[tx.WalletID].Add(tx.Signed())
	}
	var out []Drift
	for _, w := range m.wallets {
		if !w.AvailableBalance.Equal(sums[w.ID]) {
			out = append(out, Drift{WalletID: w.ID, UserID: w.UserID, Balance: w.AvailableBalance, LogSum: sums[w.ID]})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// corrupt overwrites a balance without a log row. Test hook for reconciliation.
func (m *MemoryStore) corrupt(userID string, balance decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.wallets[userID]; ok {
		w.AvailableBalance = balance
	}
}
