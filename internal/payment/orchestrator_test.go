package payment

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homelease/rentcore/internal/booking"
	"github.com/homelease/rentcore/internal/escrow"
	"github.com/homelease/rentcore/internal/settlement"
	"github.com/homelease/rentcore/internal/txn"
	"github.com/homelease/rentcore/internal/wallet"
)

type env struct {
	wallets  *wallet.Ledger
	escrows  *escrow.Ledger
	bookings *booking.Service
	orch     *Orchestrator
	store    *MemoryStore
}

func newEnv() *env {
	ws, es, bs, ps := wallet.NewMemoryStore(), escrow.NewMemoryStore(), booking.NewMemoryStore(), NewMemoryStore()
	runner := txn.NewMemoryRunner(ws, es, bs, ps)
	e := &env{
		wallets: wallet.NewLedger(ws, runner, "VND", nil),
		escrows: escrow.NewLedger(es, runner, "VND", nil),
		store:   ps,
	}
	e.bookings = booking.NewService(bs, runner, settlement.New(e.wallets, e.escrows), booking.DefaultConfig(), nil)
	e.orch = NewOrchestrator(ps, runner, e.wallets, e.escrows, e.bookings, "VND", nil)
	return e
}

func amt(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

var (
	tenant   = booking.Actor{ID: "tenant"}
	landlord = booking.Actor{ID: "landlord"}
)

const (
	deposit = 20_000_000
	rent    = 10_000_000
)

// awaitingDeposit creates a booking and drives it to AWAITING_DEPOSIT.
func (e *env) awaitingDeposit(t *testing.T) *booking.Booking {
	t.Helper()
	ctx := context.Background()
	b, err := e.bookings.Create(ctx, booking.CreateRequest{
		TenantID: "tenant", LandlordID: "landlord", PropertyID: "p1",
		DepositAmount: amt(deposit), MonthlyRent: amt(rent),
	})
	require.NoError(t, err)
	_, err = e.bookings.Approve(ctx, b.ID, landlord)
	require.NoError(t, err)
	_, err = e.bookings.Sign(ctx, b.ID, tenant)
	require.NoError(t, err)
	_, err = e.bookings.Sign(ctx, b.ID, landlord)
	require.NoError(t, err)
	b, err = e.bookings.RequestFunding(ctx, b.ID, tenant, "")
	require.NoError(t, err)
	return b
}

func (e *env) topup(t *testing.T, user string, n int64, ref string) {
	t.Helper()
	_, err := e.wallets.Credit(context.Background(), wallet.Request{
		UserID: user, Amount: amt(n), Type: wallet.TypeTopup, IdempotencyKey: "topup-" + ref,
		Gateway: "VNPAY", GatewayRef: ref,
	})
	require.NoError(t, err)
}

func (e *env) pay(t *testing.T, b *booking.Booking, payer string, purpose Purpose, n int64) *Payment {
	t.Helper()
	p, err := e.orch.Create(context.Background(), CreateRequest{
		PayerID: payer, BookingID: b.ID, Amount: amt(n), Method: MethodWallet, Purpose: purpose,
	})
	require.NoError(t, err)
	require.Equal(t, StatusReady, p.Status)
	return p
}

func (e *env) balance(t *testing.T, user string) decimal.Decimal {
	t.Helper()
	w, err := e.wallets.Balance(context.Background(), user)
	require.NoError(t, err)
	return w.AvailableBalance
}

func (e *env) escrowOf(t *testing.T, b *booking.Booking) *escrow.Account {
	t.Helper()
	a, err := e.escrows.GetByContract(context.Background(), b.ContractID)
	require.NoError(t, err)
	return a
}

func TestSettle_TenantDepositIsAtomicDualEffect(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	b := e.awaitingDeposit(t)
	e.topup(t, "tenant", deposit, "vnp-t")

	p, err := e.orch.Settle(ctx, e.pay(t, b, "tenant", PurposeTenantEscrowDeposit, deposit).ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, p.Status)
	assert.NotNil(t, p.PaidAt)

	assert.True(t, e.balance(t, "tenant").IsZero())
	a := e.escrowOf(t, b)
	assert.True(t, a.CurrentBalanceTenant.Equal(amt(deposit)))
	assert.True(t, a.CurrentBalanceLandlord.IsZero())

	got, err := e.bookings.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusEscrowFundedT, got.Status)
	assert.NotNil(t, got.TenantDepositFundedAt)
	assert.Nil(t, got.FirstRentDueAt)
}

func TestSettle_BothDepositsReachAwaitingFirstRent(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	b := e.awaitingDeposit(t)
	e.topup(t, "tenant", deposit, "vnp-t")
	e.topup(t, "landlord", deposit, "vnp-l")

	_, err := e.orch.Settle(ctx, e.pay(t, b, "tenant", PurposeTenantEscrowDeposit, deposit).ID)
	require.NoError(t, err)
	_, err = e.orch.Settle(ctx, e.pay(t, b, "landlord", PurposeLandlordEscrowDeposit, deposit).ID)
	require.NoError(t, err)

	got, err := e.bookings.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusAwaitingFirstRent, got.Status)
	assert.NotNil(t, got.FirstRentDueAt)

	a := e.escrowOf(t, b)
	assert.True(t, a.Total().Equal(amt(2*deposit)))
}

func TestSettle_ConcurrentFundingEndsAwaitingFirstRent(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	b := e.awaitingDeposit(t)
	e.topup(t, "tenant", deposit, "vnp-t")
	e.topup(t, "landlord", deposit, "vnp-l")
	pt := e.pay(t, b, "tenant", PurposeTenantEscrowDeposit, deposit)
	pl := e.pay(t, b, "landlord", PurposeLandlordEscrowDeposit, deposit)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []string{pt.ID, pl.ID} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = e.orch.Settle(ctx, id)
		}(i, id)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	got, err := e.bookings.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusAwaitingFirstRent, got.Status)
}

func TestSettle_SecondDepositForSameSideIsStale(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	b := e.awaitingDeposit(t)
	e.topup(t, "tenant", 2*deposit, "vnp-t")

	first := e.pay(t, b, "tenant", PurposeTenantEscrowDeposit, deposit)
	second := e.pay(t, b, "tenant", PurposeTenantEscrowDeposit, deposit)
	_, err := e.orch.Settle(ctx, first.ID)
	require.NoError(t, err)

	_, err = e.orch.Settle(ctx, second.ID)
	assert.ErrorIs(t, err, ErrStaleBookingState)

	p, err := e.orch.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, p.Status)
	assert.Equal(t, FailureStaleBookingState, p.FailureReason)

	// The rolled-back attempt moved no money.
	assert.True(t, e.balance(t, "tenant").Equal(amt(deposit)))
	assert.True(t, e.escrowOf(t, b).CurrentBalanceTenant.Equal(amt(deposit)))

	// Replaying a consumed payment does nothing.
	_, err = e.orch.Settle(ctx, first.ID)
	assert.ErrorIs(t, err, ErrAlreadyProcessed)
	_, err = e.orch.Settle(ctx, second.ID)
	assert.ErrorIs(t, err, ErrAlreadyProcessed)
	assert.True(t, e.escrowOf(t, b).CurrentBalanceTenant.Equal(amt(deposit)))
}

func TestSettle_StaleGatewayPaymentKeepsCapturedFunds(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	b := e.awaitingDeposit(t)
	e.topup(t, "tenant", deposit, "vnp-t")
	_, err := e.orch.Settle(ctx, e.pay(t, b, "tenant", PurposeTenantEscrowDeposit, deposit).ID)
	require.NoError(t, err)

	late, err := e.orch.Create(ctx, CreateRequest{PayerID: "tenant", BookingID: b.ID, Amount: amt(deposit),
		Method: MethodVNPay, Purpose: PurposeTenantEscrowDeposit})
	require.NoError(t, err)
	_, err = e.orch.Confirm(ctx, late.ID, "VNPAY", "vnp-captured")
	require.NoError(t, err)

	_, err = e.orch.Settle(ctx, late.ID)
	assert.ErrorIs(t, err, ErrStaleBookingState)

	p, err := e.orch.Get(ctx, late.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, p.Status)
	assert.Equal(t, FailureStaleBookingState, p.FailureReason)

	// The captured amount stays with the payer and escrow is untouched.
	assert.True(t, e.balance(t, "tenant").Equal(amt(deposit)))
	assert.True(t, e.escrowOf(t, b).CurrentBalanceTenant.Equal(amt(deposit)))

	txs, err := e.wallets.History(ctx, "tenant", 50)
	require.NoError(t, err)
	var topups int
	for _, tx := range txs {
		if tx.GatewayRef == "vnp-captured" {
			topups++
			assert.Equal(t, wallet.TypeTopup, tx.Type)
		}
	}
	assert.Equal(t, 1, topups)

	// Replays neither fail again nor credit twice.
	_, err = e.orch.Settle(ctx, late.ID)
	assert.ErrorIs(t, err, ErrAlreadyProcessed)
	assert.True(t, e.balance(t, "tenant").Equal(amt(deposit)))
}

func TestSettle_InsufficientBalanceLeavesPaymentReady(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	b := e.awaitingDeposit(t)
	e.topup(t, "tenant", 5_000_000, "vnp-t")

	p := e.pay(t, b, "tenant", PurposeTenantEscrowDeposit, deposit)
	_, err := e.orch.Settle(ctx, p.ID)
	assert.ErrorIs(t, err, wallet.ErrInsufficientBalance)

	got, err := e.orch.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, got.Status)
	assert.True(t, e.balance(t, "tenant").Equal(amt(5_000_000)))

	bk, err := e.bookings.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusAwaitingDeposit, bk.Status)
}

func TestCreate_VerifiesPayerAndAmount(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	b := e.awaitingDeposit(t)

	_, err := e.orch.Create(ctx, CreateRequest{PayerID: "landlord", BookingID: b.ID, Amount: amt(deposit),
		Method: MethodWallet, Purpose: PurposeTenantEscrowDeposit})
	assert.ErrorIs(t, err, ErrPayerMismatch)

	_, err = e.orch.Create(ctx, CreateRequest{PayerID: "tenant", BookingID: b.ID, Amount: amt(deposit - 1),
		Method: MethodWallet, Purpose: PurposeTenantEscrowDeposit})
	assert.ErrorIs(t, err, ErrAmountMismatch)

	_, err = e.orch.Create(ctx, CreateRequest{PayerID: "tenant", Amount: amt(1), Method: MethodWallet, Purpose: PurposeWalletTopup})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = e.orch.Create(ctx, CreateRequest{PayerID: "tenant", BookingID: b.ID, Amount: amt(rent),
		Method: MethodWallet, Purpose: PurposeExtensionRent})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestGatewayTopupAndDeposit(t *testing.T) {
	e := newEnv()
	ctx := context.Background()

	top, err := e.orch.Create(ctx, CreateRequest{PayerID: "tenant", Amount: amt(1_000_000), Method: MethodMoMo, Purpose: PurposeWalletTopup})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, top.Status)

	_, err = e.orch.Settle(ctx, top.ID)
	assert.ErrorIs(t, err, ErrNotReady)

	_, err = e.orch.Confirm(ctx, top.ID, "MOMO", "momo-1")
	require.NoError(t, err)
	again, err := e.orch.Confirm(ctx, top.ID, "MOMO", "momo-1")
	require.NoError(t, err, "re-confirming with the same reference is a no-op")
	assert.Equal(t, StatusReady, again.Status)

	_, err = e.orch.Settle(ctx, top.ID)
	require.NoError(t, err)
	assert.True(t, e.balance(t, "tenant").Equal(amt(1_000_000)))

	// A deposit paid straight from a gateway passes through the wallet.
	b := e.awaitingDeposit(t)
	dep, err := e.orch.Create(ctx, CreateRequest{PayerID: "tenant", BookingID: b.ID, Amount: amt(deposit),
		Method: MethodVNPay, Purpose: PurposeTenantEscrowDeposit})
	require.NoError(t, err)
	_, err = e.orch.Confirm(ctx, dep.ID, "VNPAY", "vnp-99")
	require.NoError(t, err)
	_, err = e.orch.Settle(ctx, dep.ID)
	require.NoError(t, err)

	assert.True(t, e.balance(t, "tenant").Equal(amt(1_000_000)))
	assert.True(t, e.escrowOf(t, b).CurrentBalanceTenant.Equal(amt(deposit)))

	_, err = e.orch.Confirm(ctx, dep.ID, "VNPAY", "vnp-100")
	assert.ErrorIs(t, err, ErrAlreadyProcessed)
}

func TestFirstRentAndExtension(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	b := e.awaitingDeposit(t)
	e.topup(t, "tenant", deposit+rent+3*rent, "vnp-t")
	e.topup(t, "landlord", deposit, "vnp-l")

	for _, p := range []*Payment{
		e.pay(t, b, "tenant", PurposeTenantEscrowDeposit, deposit),
		e.pay(t, b, "landlord", PurposeLandlordEscrowDeposit, deposit),
		e.pay(t, b, "tenant", PurposeFirstMonthRent, rent),
	} {
		_, err := e.orch.Settle(ctx, p.ID)
		require.NoError(t, err)
	}
	got, err := e.bookings.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusReadyForHandover, got.Status)

	monthly := e.pay(t, b, "tenant", PurposeMonthlyRent, rent)
	_, err = e.orch.Settle(ctx, monthly.ID)
	assert.ErrorIs(t, err, ErrStaleBookingState, "monthly rent needs an active tenancy")

	_, err = e.bookings.Handover(ctx, b.ID, landlord)
	require.NoError(t, err)
	ext, err := e.bookings.RequestExtension(ctx, b.ID, tenant, 2)
	require.NoError(t, err)

	p, err := e.orch.Create(ctx, CreateRequest{PayerID: "tenant", BookingID: b.ID, ExtensionID: ext.ID,
		Amount: amt(2 * rent), Method: MethodWallet, Purpose: PurposeExtensionRent})
	require.NoError(t, err)
	_, err = e.orch.Settle(ctx, p.ID)
	require.NoError(t, err)

	paid, err := e.bookings.GetExtension(ctx, ext.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.ExtensionPaid, paid.Status)
	assert.True(t, e.balance(t, "tenant").Equal(amt(rent)))

	wd, err := e.wallets.Drifts(ctx)
	require.NoError(t, err)
	assert.Empty(t, wd)
}
