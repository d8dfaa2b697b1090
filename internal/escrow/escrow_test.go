package escrow

import (
	"context"
	"errors"
	"fmt"
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

func openTestAccount(t *testing.T, l *Ledger) *Account {
	t.Helper()
	a, err := l.OpenAccount(context.Background(), OpenRequest{
		ContractID: "contract-1", BookingID: "booking-1",
		TenantID: "tenant", LandlordID: "landlord", PropertyID: "prop",
	})
	require.NoError(t, err)
	return a
}

func deposit(t *testing.T, l *Ledger, id string, c Contributor, n int64, key string) *Result {
	t.Helper()
	res, err := l.Credit(context.Background(), Mutation{
		EscrowID: id, Contributor: c, Amount: amt(n), Type: TypeDeposit, IdempotencyKey: key,
	})
	require.NoError(t, err)
	return res
}

func TestOpenAccount(t *testing.T) {
	l, _, _ := newTestLedger()
	a := openTestAccount(t, l)

	assert.True(t, a.CurrentBalanceTenant.IsZero())
	assert.True(t, a.CurrentBalanceLandlord.IsZero())
	assert.Equal(t, "VND", a.Currency)

	_, err := l.OpenAccount(context.Background(), OpenRequest{
		ContractID: "contract-1", BookingID: "b2", TenantID: "t", LandlordID: "l",
	})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	_, err = l.OpenAccount(context.Background(), OpenRequest{ContractID: "c"})
	assert.ErrorIs(t, err, ErrInvalidAccount)
}

func TestCreditDebit_SubBalancesAreIndependent(t *testing.T) {
	l, _, _ := newTestLedger()
	ctx := context.Background()
	a := openTestAccount(t, l)

	deposit(t, l, a.ID, Tenant, 20_000_000, "t-dep")
	res := deposit(t, l, a.ID, Landlord, 5_000_000, "l-dep")
	assert.True(t, res.Account.CurrentBalanceTenant.Equal(amt(20_000_000)))
	assert.True(t, res.Account.CurrentBalanceLandlord.Equal(amt(5_000_000)))

	_, err := l.Debit(ctx, Mutation{
		EscrowID: a.ID, Contributor: Landlord, Amount: amt(6_000_000), Type: TypeRefund, IdempotencyKey: "l-ref",
	})
	assert.ErrorIs(t, err, ErrInsufficientBalance, "landlord cannot draw on the tenant's sub-balance")

	res, err = l.Debit(ctx, Mutation{
		EscrowID: a.ID, Contributor: Tenant, Amount: amt(20_000_000), Type: TypeRefund, IdempotencyKey: "t-ref",
	})
	require.NoError(t, err)
	assert.True(t, res.Account.CurrentBalanceTenant.IsZero())
	assert.True(t, res.Account.CurrentBalanceLandlord.Equal(amt(5_000_000)))
}

func TestMutation_Rejections(t *testing.T) {
	l, _, _ := newTestLedger()
	ctx := context.Background()
	a := openTestAccount(t, l)

	tests := []struct {
		name string
		run  func() error
		want error
	}{
		{"unknown account", func() error {
			_, err := l.Credit(ctx, Mutation{EscrowID: "nope", Contributor: Tenant, Amount: amt(1), Type: TypeDeposit, IdempotencyKey: "k"})
			return err
		}, ErrAccountNotFound},
		{"zero amount", func() error {
			_, err := l.Credit(ctx, Mutation{EscrowID: a.ID, Contributor: Tenant, Amount: amt(0), Type: TypeDeposit, IdempotencyKey: "k"})
			return err
		}, ErrInvalidAmount},
		{"bad contributor", func() error {
			_, err := l.Credit(ctx, Mutation{EscrowID: a.ID, Contributor: "AGENT", Amount: amt(1), Type: TypeDeposit, IdempotencyKey: "k"})
			return err
		}, ErrInvalidContributor},
		{"missing key", func() error {
			_, err := l.Credit(ctx, Mutation{EscrowID: a.ID, Contributor: Tenant, Amount: amt(1), Type: TypeDeposit})
			return err
		}, ErrMissingIdempotencyKey},
		{"refund as credit", func() error {
			_, err := l.Credit(ctx, Mutation{EscrowID: a.ID, Contributor: Tenant, Amount: amt(1), Type: TypeRefund, IdempotencyKey: "k"})
			return err
		}, ErrInvalidType},
		{"deduction outside Adjust", func() error {
			_, err := l.Debit(ctx, Mutation{EscrowID: a.ID, Contributor: Tenant, Amount: amt(1), Type: TypeDamageDeduction, IdempotencyKey: "k"})
			return err
		}, ErrInvalidType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.run(), tt.want)
		})
	}
}

func TestAdjust(t *testing.T) {
	l, _, _ := newTestLedger()
	ctx := context.Background()
	a := openTestAccount(t, l)
	deposit(t, l, a.ID, Tenant, 1_000, "dep")

	req := AdjustRequest{EscrowID: a.ID, Contributor: Tenant, SignedAmount: amt(-300), Note: "broken window", IdempotencyKey: "adj-1"}

	_, err := l.Adjust(ctx, req, Authorization{ActorID: "tenant"})
	assert.ErrorIs(t, err, ErrUnauthorized)

	res, err := l.Adjust(ctx, req, Authorization{ActorID: "ops", Admin: true})
	require.NoError(t, err)
	assert.Equal(t, TypeDamageDeduction, res.Transaction.Type)
	assert.Equal(t, DirectionDebit, res.Transaction.Direction)
	assert.Equal(t, "ops", res.Transaction.ActorID)
	assert.True(t, res.Account.CurrentBalanceTenant.Equal(amt(700)))

	res, err = l.Adjust(ctx, AdjustRequest{EscrowID: a.ID, Contributor: Landlord, SignedAmount: amt(50), Note: "fix", IdempotencyKey: "adj-2"},
		Authorization{ActorID: "ops", Admin: true})
	require.NoError(t, err)
	assert.Equal(t, TypeAdjustment, res.Transaction.Type)
	assert.True(t, res.Account.CurrentBalanceLandlord.Equal(amt(50)))

	_, err = l.Adjust(ctx, AdjustRequest{EscrowID: a.ID, Contributor: Tenant, SignedAmount: amt(-701), Note: "x", IdempotencyKey: "adj-3"},
		Authorization{ActorID: "ops", Admin: true})
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	_, err = l.Adjust(ctx, AdjustRequest{EscrowID: a.ID, Contributor: Tenant, SignedAmount: amt(0), IdempotencyKey: "adj-4"},
		Authorization{ActorID: "ops", Admin: true})
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestIdempotentReplay(t *testing.T) {
	l, _, _ := newTestLedger()
	a := openTestAccount(t, l)

	first := deposit(t, l, a.ID, Tenant, 500, "payment:p1:escrow")
	again := deposit(t, l, a.ID, Tenant, 500, "payment:p1:escrow")
	assert.True(t, again.Replayed)
	assert.Equal(t, first.Transaction.ID, again.Transaction.ID)
	assert.True(t, again.Account.CurrentBalanceTenant.Equal(amt(500)))

	_, err := l.Credit(context.Background(), Mutation{
		EscrowID: a.ID, Contributor: Landlord, Amount: amt(500), Type: TypeDeposit, IdempotencyKey: "payment:p1:escrow",
	})
	assert.ErrorIs(t, err, ErrIdempotencyConflict)
}

func TestBalanceConservation(t *testing.T) {
	l, _, _ := newTestLedger()
	ctx := context.Background()
	a := openTestAccount(t, l)

	for i := 0; i < 4; i++ {
		deposit(t, l, a.ID, Tenant, 250, fmt.Sprintf("t%d", i))
		deposit(t, l, a.ID, Landlord, 100, fmt.Sprintf("l%d", i))
	}
	_, err := l.Debit(ctx, Mutation{EscrowID: a.ID, Contributor: Tenant, Amount: amt(600), Type: TypeRefund, IdempotencyKey: "r"})
	require.NoError(t, err)

	got, err := l.Balance(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.CurrentBalanceTenant.Equal(amt(400)))
	assert.True(t, got.CurrentBalanceLandlord.Equal(amt(400)))
	assert.True(t, got.Total().Equal(amt(800)))

	drifts, err := l.Drifts(ctx)
	require.NoError(t, err)
	assert.Empty(t, drifts)

	txs, err := l.History(ctx, a.ID, 100)
	require.NoError(t, err)
	assert.Len(t, txs, 9)
	assert.Equal(t, TypeRefund, txs[0].Type, "newest first")
}

func TestCreditInsideFailedTx_RollsBack(t *testing.T) {
	l, _, runner := newTestLedger()
	ctx := context.Background()
	a := openTestAccount(t, l)

	err := runner.WithinTx(ctx, func(ctx context.Context) error {
		if _, err := l.Lock(ctx, a.ID); err != nil {
			return err
		}
		if _, err := l.Credit(ctx, Mutation{EscrowID: a.ID, Contributor: Tenant, Amount: amt(10), Type: TypeDeposit, IdempotencyKey: "k"}); err != nil {
			return err
		}
		return errors.New("booking guard failed")
	})
	require.Error(t, err)

	got, _ := l.Balance(ctx, a.ID)
	assert.True(t, got.CurrentBalanceTenant.IsZero())
	txs, _ := l.History(ctx, a.ID, 10)
	assert.Empty(t, txs)
}

func TestLock_RequiresTransaction(t *testing.T) {
	l, _, _ := newTestLedger()
	a := openTestAccount(t, l)
	_, err := l.Lock(context.Background(), a.ID)
	assert.Error(t, err)
}

func TestGetByContract(t *testing.T) {
	l, _, _ := newTestLedger()
	a := openTestAccount(t, l)

	got, err := l.GetByContract(context.Background(), "contract-1")
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
	assert.True(t, got.IsParty("tenant"))
	assert.False(t, got.IsParty("stranger"))

	_, err = l.GetByContract(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}
