package wallet

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homelease/rentcore/internal/txn"
)

func newTestLedger() (*Ledger, *MemoryStore, *txn.MemoryRunner) {
	store := NewMemoryStore()
	runner := txn.NewMemoryRunner(store)
	return NewLedger(store, runner, "VND", nil), store, runner
}

func amt(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

func credit(t *testing.T, l *Ledger, user string, n int64, key string) *Result {
	t.Helper()
	res, err := l.Credit(context.Background(), Request{
		UserID: user, Amount: amt(n), Type: TypeTopup, IdempotencyKey: key,
	})
	require.NoError(t, err)
	return res
}

func TestCredit_LazilyCreatesWallet(t *testing.T) {
	l, _, _ := newTestLedger()

	res := credit(t, l, "u1", 5_000_000, "k1")

	assert.Equal(t, "u1", res.Wallet.UserID)
	assert.True(t, res.Wallet.AvailableBalance.Equal(amt(5_000_000)))
	assert.Equal(t, DirectionCredit, res.Transaction.Direction)
	assert.Equal(t, StatusCompleted, res.Transaction.Status)
	assert.False(t, res.Replayed)
}

func TestDebit_InsufficientBalanceLeavesStateUntouched(t *testing.T) {
	l, _, _ := newTestLedger()
	ctx := context.Background()
	credit(t, l, "u1", 5_000_000, "k1")

	_, err := l.Debit(ctx, Request{
		UserID: "u1", Amount: amt(6_000_000), Type: TypeContractPayment,
		RefType: "booking", RefID: "b1", IdempotencyKey: "k2",
	})
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	w, err := l.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, w.AvailableBalance.Equal(amt(5_000_000)))

	txs, err := l.History(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestDebit_Succeeds(t *testing.T) {
	l, _, _ := newTestLedger()
	credit(t, l, "u1", 10, "k1")

	res, err := l.Debit(context.Background(), Request{
		UserID: "u1", Amount: amt(4), Type: TypeContractPayment,
		RefType: "booking", RefID: "b1", IdempotencyKey: "k2",
	})
	require.NoError(t, err)
	assert.True(t, res.Wallet.AvailableBalance.Equal(amt(6)))
	assert.Equal(t, "b1", res.Transaction.RefID)
}

func TestMutation_Validation(t *testing.T) {
	l, _, _ := newTestLedger()
	ctx := context.Background()

	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"zero amount", Request{UserID: "u", Amount: amt(0), Type: TypeTopup, IdempotencyKey: "k"}, ErrInvalidAmount},
		{"negative amount", Request{UserID: "u", Amount: amt(-1), Type: TypeTopup, IdempotencyKey: "k"}, ErrInvalidAmount},
		{"fractional amount", Request{UserID: "u", Amount: decimal.RequireFromString("1.5"), Type: TypeTopup, IdempotencyKey: "k"}, ErrInvalidAmount},
		{"missing key", Request{UserID: "u", Amount: amt(1), Type: TypeTopup}, ErrMissingIdempotencyKey},
		{"bad type", Request{UserID: "u", Amount: amt(1), Type: "GIFT", IdempotencyKey: "k"}, ErrInvalidType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Credit(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := l.Debit(ctx, Request{UserID: "u", Amount: amt(1), Type: TypeContractPayment, IdempotencyKey: "k"})
	assert.ErrorIs(t, err, ErrMissingReference)
}

func TestIdempotentReplay(t *testing.T) {
	l, _, _ := newTestLedger()
	ctx := context.Background()

	first := credit(t, l, "u1", 100, "topup-1")
	again := credit(t, l, "u1", 100, "topup-1")

	assert.True(t, again.Replayed)
	assert.Equal(t, first.Transaction.ID, again.Transaction.ID)
	w, _ := l.Balance(ctx, "u1")
	assert.True(t, w.AvailableBalance.Equal(amt(100)), "replay must not credit twice")

	_, err := l.Credit(ctx, Request{UserID: "u1", Amount: amt(200), Type: TypeTopup, IdempotencyKey: "topup-1"})
	assert.ErrorIs(t, err, ErrIdempotencyConflict)
}

func TestGatewayRefIsUnique(t *testing.T) {
	l, _, _ := newTestLedger()
	ctx := context.Background()

	_, err := l.Credit(ctx, Request{UserID: "u1", Amount: amt(1), Type: TypeTopup, IdempotencyKey: "a", Gateway: "VNPAY", GatewayRef: "vnp-1"})
	require.NoError(t, err)

	_, err = l.Credit(ctx, Request{UserID: "u2", Amount: amt(1), Type: TypeTopup, IdempotencyKey: "b", Gateway: "VNPAY", GatewayRef: "vnp-1"})
	assert.ErrorIs(t, err, ErrIdempotencyConflict)
}

func TestBalanceConservation(t *testing.T) {
	l, store, _ := newTestLedger()
	ctx := context.Background()

	credit(t, l, "u1", 1_000, "c1")
	for i := 0; i < 5; i++ {
		_, err := l.Debit(ctx, Request{
			UserID: "u1", Amount: amt(150), Type: TypeContractPayment,
			RefType: "booking", RefID: "b", IdempotencyKey: fmt.Sprintf("d%d", i),
		})
		require.NoError(t, err)
	}
	credit(t, l, "u1", 30, "c2")

	w, _ := l.Balance(ctx, "u1")
	assert.True(t, w.AvailableBalance.Equal(amt(280)))

	drifts, err := store.Drifts(ctx)
	require.NoError(t, err)
	assert.Empty(t, drifts)
}

func TestConcurrentDebits_NeverOverdraw(t *testing.T) {
	l, _, _ := newTestLedger()
	ctx := context.Background()
	credit(t, l, "u1", 1_000, "seed")

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Debit(ctx, Request{
				UserID: "u1", Amount: amt(100), Type: TypeContractPayment,
				RefType: "booking", RefID: "b", IdempotencyKey: fmt.Sprintf("d%d", i),
			})
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, ok)
	w, _ := l.Balance(ctx, "u1")
	assert.True(t, w.AvailableBalance.IsZero())
}

func TestDebitInsideOuterTx_RollsBackWithIt(t *testing.T) {
	l, _, runner := newTestLedger()
	ctx := context.Background()
	credit(t, l, "u1", 500, "seed")

	err := runner.WithinTx(ctx, func(ctx context.Context) error {
		if _, err := l.Debit(ctx, Request{
			UserID: "u1", Amount: amt(200), Type: TypeContractPayment,
			RefType: "booking", RefID: "b", IdempotencyKey: "d1",
		}); err != nil {
			return err
		}
		return fmt.Errorf("later step failed")
	})
	require.Error(t, err)

	w, _ := l.Balance(ctx, "u1")
	assert.True(t, w.AvailableBalance.Equal(amt(500)))
	txs, _ := l.History(ctx, "u1", 10)
	assert.Len(t, txs, 1)
}

func TestLock_RequiresTransaction(t *testing.T) {
	l, _, runner := newTestLedger()
	assert.Error(t, l.Lock(context.Background(), "a"))

	err := runner.WithinTx(context.Background(), func(ctx context.Context) error {
		return l.Lock(ctx, "b", "a", "b", "")
	})
	require.NoError(t, err)

	w, err := l.Balance(context.Background(), "a")
	require.NoError(t, err)
	assert.NotEmpty(t, w.ID, "Lock ensures the wallet row")
}

func TestBalance_UnknownUserIsZero(t *testing.T) {
	l, _, _ := newTestLedger()
	w, err := l.Balance(context.Background(), "ghost")
	require.NoError(t, err)
	assert.True(t, w.AvailableBalance.IsZero())

	txs, err := l.History(context.Background(), "ghost", 10)
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestDrifts_DetectsCorruption(t *testing.T) {
	l, store, _ := newTestLedger()
	credit(t, l, "u1", 100, "c1")
	store.corrupt("u1", amt(999))

	drifts, err := l.Drifts(context.Background())
	require.NoError(t, err)
	require.Len(t, drifts, 1)
	assert.Equal(t, "u1", drifts[0].UserID)
	assert.True(t, drifts[0].LogSum.Equal(amt(100)))
}
