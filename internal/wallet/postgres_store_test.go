package wallet

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homelease/rentcore/internal/testutil"
	"github.com/homelease/rentcore/internal/txn"
)

func TestPostgresLedger_CreditDebitReplay(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	l := NewLedger(NewPostgresStore(db), txn.NewSQLRunner(db, nil), "VND", nil)
	ctx := context.Background()

	_, err := l.Credit(ctx, Request{UserID: "u1", Amount: amt(1_000), Type: TypeTopup, IdempotencyKey: "c1", Gateway: "MOMO", GatewayRef: "m-1"})
	require.NoError(t, err)

	again, err := l.Credit(ctx, Request{UserID: "u1", Amount: amt(1_000), Type: TypeTopup, IdempotencyKey: "c1", Gateway: "MOMO", GatewayRef: "m-1"})
	require.NoError(t, err)
	assert.True(t, again.Replayed)

	_, err = l.Debit(ctx, Request{UserID: "u1", Amount: amt(1_001), Type: TypeContractPayment, RefType: "booking", RefID: "b", IdempotencyKey: "d1"})
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	res, err := l.Debit(ctx, Request{UserID: "u1", Amount: amt(400), Type: TypeContractPayment, RefType: "booking", RefID: "b", IdempotencyKey: "d2"})
	require.NoError(t, err)
	assert.True(t, res.Wallet.AvailableBalance.Equal(amt(600)))

	txs, err := l.History(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Len(t, txs, 2)
	assert.Equal(t, "MOMO", txs[1].Gateway)

	drifts, err := l.Drifts(ctx)
	require.NoError(t, err)
	assert.Empty(t, drifts)
}

func TestPostgresLedger_ConcurrentDebits(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	l := NewLedger(NewPostgresStore(db), txn.NewSQLRunner(db, nil), "VND", nil)
	ctx := context.Background()
	_, err := l.Credit(ctx, Request{UserID: "u1", Amount: amt(500), Type: TypeTopup, IdempotencyKey: "seed"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Debit(ctx, Request{UserID: "u1", Amount: amt(100), Type: TypeContractPayment, RefType: "booking", RefID: "b", IdempotencyKey: fmt.Sprintf("d%d", i)})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	failed := 0
	for err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, ErrInsufficientBalance)
			failed++
		}
	}
	assert.Equal(t, 5, failed)

	w, err := l.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, w.AvailableBalance.IsZero())
}
