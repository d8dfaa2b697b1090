package sweep

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homelease/rentcore/internal/booking"
	"github.com/homelease/rentcore/internal/escrow"
	"github.com/homelease/rentcore/internal/settlement"
	"github.com/homelease/rentcore/internal/txn"
	"github.com/homelease/rentcore/internal/wallet"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

type env struct {
	clk      *clock
	wallets  *wallet.Ledger
	escrows  *escrow.Ledger
	bookings *booking.Service
	sweeper  *Sweeper
}

func newEnv() *env {
	ws, es, bs := wallet.NewMemoryStore(), escrow.NewMemoryStore(), booking.NewMemoryStore()
	runner := txn.NewMemoryRunner(ws, es, bs)
	e := &env{clk: &clock{t: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}}
	e.wallets = wallet.NewLedger(ws, runner, "VND", nil)
	e.escrows = escrow.NewLedger(es, runner, "VND", nil)
	e.bookings = booking.NewService(bs, runner, settlement.New(e.wallets, e.escrows), booking.DefaultConfig(), nil).
		WithClock(e.clk.now)
	e.sweeper = New(e.bookings, 0, nil).WithClock(e.clk.now)
	return e
}

var (
	tenant   = booking.Actor{ID: "tenant"}
	landlord = booking.Actor{ID: "landlord"}
)

func (e *env) awaitingDeposit(t *testing.T, property string) *booking.Booking {
	t.Helper()
	ctx := context.Background()
	b, err := e.bookings.Create(ctx, booking.CreateRequest{
		TenantID: "tenant", LandlordID: "landlord", PropertyID: property,
		DepositAmount: decimal.NewFromInt(20_000_000), MonthlyRent: decimal.NewFromInt(10_000_000),
	})
	require.NoError(t, err)
	for _, step := range []func() (*booking.Booking, error){
		func() (*booking.Booking, error) { return e.bookings.Approve(ctx, b.ID, landlord) },
		func() (*booking.Booking, error) { return e.bookings.Sign(ctx, b.ID, tenant) },
		func() (*booking.Booking, error) { return e.bookings.Sign(ctx, b.ID, landlord) },
		func() (*booking.Booking, error) { return e.bookings.RequestFunding(ctx, b.ID, tenant, "") },
	} {
		b, err = step()
		require.NoError(t, err)
	}
	return b
}

// fundTenant escrows the tenant's deposit.
func (e *env) fundTenant(t *testing.T, b *booking.Booking) {
	t.Helper()
	ctx := context.Background()
	a, err := e.escrows.GetByContract(ctx, b.ContractID)
	require.NoError(t, err)
	_, err = e.escrows.Credit(ctx, escrow.Mutation{
		EscrowID: a.ID, Contributor: escrow.Tenant, Amount: b.DepositAmount,
		Type: escrow.TypeDeposit, IdempotencyKey: "dep-" + b.ID,
	})
	require.NoError(t, err)
	_, err = e.bookings.FundEscrowTenant(ctx, b.ID)
	require.NoError(t, err)
}

func TestRun_CancelsOverdueAndRefunds(t *testing.T) {
	e := newEnv()
	ctx := context.Background()

	unfunded := e.awaitingDeposit(t, "p1")
	half := e.awaitingDeposit(t, "p2")
	e.fundTenant(t, half)

	sum, err := e.sweeper.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.Scanned, "nothing is due yet")

	e.clk.t = e.clk.t.Add(73 * time.Hour)
	fresh := e.awaitingDeposit(t, "p3")

	sum, err = e.sweeper.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Scanned)
	assert.Equal(t, 2, sum.Cancelled)
	assert.Zero(t, sum.Failed)
	assert.True(t, sum.Refunded.Equal(decimal.NewFromInt(20_000_000)))

	for _, id := range []string{unfunded.ID, half.ID} {
		b, err := e.bookings.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, booking.StatusCancelled, b.Status)
		assert.Equal(t, booking.ReasonDepositOverdue, b.CancelReason)
	}
	b, err := e.bookings.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusAwaitingDeposit, b.Status)

	w, err := e.wallets.Balance(ctx, "tenant")
	require.NoError(t, err)
	assert.True(t, w.AvailableBalance.Equal(decimal.NewFromInt(20_000_000)))

	// A second pass finds nothing left to do.
	sum, err = e.sweeper.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.Cancelled)
}

func TestRun_CancelsOverdueExtensions(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	b := e.awaitingDeposit(t, "p1")
	e.fundTenant(t, b)

	a, err := e.escrows.GetByContract(ctx, b.ContractID)
	require.NoError(t, err)
	_, err = e.escrows.Credit(ctx, escrow.Mutation{
		EscrowID: a.ID, Contributor: escrow.Landlord, Amount: b.DepositAmount,
		Type: escrow.TypeDeposit, IdempotencyKey: "dep-l",
	})
	require.NoError(t, err)
	_, err = e.bookings.FundEscrowLandlord(ctx, b.ID)
	require.NoError(t, err)
	_, err = e.bookings.PayFirstRent(ctx, b.ID)
	require.NoError(t, err)
	_, err = e.bookings.Handover(ctx, b.ID, landlord)
	require.NoError(t, err)
	ext, err := e.bookings.RequestExtension(ctx, b.ID, tenant, 1)
	require.NoError(t, err)

	e.clk.t = e.clk.t.Add(100 * time.Hour)
	sum, err := e.sweeper.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.ExtensionsCancelled)
	assert.Zero(t, sum.Cancelled, "active bookings are never overdue")

	got, err := e.bookings.GetExtension(ctx, ext.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.ExtensionCancelled, got.Status)
}

type flakyBookings struct {
	overdue []*booking.Booking
	failID  string
	done    []string
}

func (f *flakyBookings) ListOverdue(context.Context, time.Time, int) ([]*booking.Booking, error) {
	return f.overdue, nil
}

func (f *flakyBookings) ListOverdueExtensions(context.Context, time.Time, int) ([]*booking.Extension, error) {
	return nil, nil
}

func (f *flakyBookings) Cancel(_ context.Context, id string, _ booking.Actor, _ booking.CancelReason) (*booking.CancelResult, error) {
	if id == f.failID {
		return nil, errors.New("connection reset")
	}
	f.done = append(f.done, id)
	return &booking.CancelResult{Refunded: decimal.NewFromInt(1)}, nil
}

func (f *flakyBookings) CancelExtension(context.Context, string, booking.Actor, string) (*booking.Extension, error) {
	return nil, nil
}

func TestRun_ContinuesPastFailingRow(t *testing.T) {
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	due := now.Add(-time.Hour)
	mk := func(id string) *booking.Booking {
		return &booking.Booking{ID: id, Status: booking.StatusAwaitingDeposit, EscrowDepositDueAt: &due}
	}
	f := &flakyBookings{overdue: []*booking.Booking{mk("a"), mk("b"), mk("c")}, failID: "b"}

	sum, err := New(f, 10, nil).WithClock(func() time.Time { return now }).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Scanned)
	assert.Equal(t, 2, sum.Cancelled)
	assert.Equal(t, 1, sum.Failed)
	require.Len(t, sum.Failures, 1)
	assert.Equal(t, "b", sum.Failures[0].ID)
	assert.Equal(t, []string{"a", "c"}, f.done)
}

func TestRun_ListErrorAborts(t *testing.T) {
	s := New(&brokenBookings{}, 10, nil)
	_, err := s.Run(context.Background())
	assert.Error(t, err)
}

type brokenBookings struct{ flakyBookings }

func (b *brokenBookings) ListOverdue(context.Context, time.Time, int) ([]*booking.Booking, error) {
	return nil, errors.New("db down")
}
