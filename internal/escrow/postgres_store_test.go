package escrow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homelease/rentcore/internal/testutil"
	"github.com/homelease/rentcore/internal/txn"
)

func TestPostgresLedger_Lifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	l := NewLedger(NewPostgresStore(db), txn.NewSQLRunner(db, nil), "VND", nil)
	ctx := context.Background()

	a := openTestAccount(t, l)
	_, err := l.OpenAccount(ctx, OpenRequest{ContractID: "contract-1", BookingID: "b", TenantID: "t", LandlordID: "l"})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	deposit(t, l, a.ID, Tenant, 2_000, "t-dep")
	deposit(t, l, a.ID, Landlord, 700, "l-dep")
	again := deposit(t, l, a.ID, Tenant, 2_000, "t-dep")
	assert.True(t, again.Replayed)

	_, err = l.Adjust(ctx, AdjustRequest{EscrowID: a.ID, Contributor: Tenant, SignedAmount: amt(-500), Note: "damage", IdempotencyKey: "adj"},
		Authorization{ActorID: "ops", Admin: true})
	require.NoError(t, err)

	_, err = l.Debit(ctx, Mutation{EscrowID: a.ID, Contributor: Landlord, Amount: amt(701), Type: TypeRefund, IdempotencyKey: "l-ref"})
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	got, err := l.GetByContract(ctx, "contract-1")
	require.NoError(t, err)
	assert.True(t, got.CurrentBalanceTenant.Equal(amt(1_500)))
	assert.True(t, got.CurrentBalanceLandlord.Equal(amt(700)))

	txs, err := l.History(ctx, a.ID, 10)
	require.NoError(t, err)
	assert.Len(t, txs, 3)

	drifts, err := l.Drifts(ctx)
	require.NoError(t, err)
	assert.Empty(t, drifts)
}
