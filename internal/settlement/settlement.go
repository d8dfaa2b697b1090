// Package settlement moves escrowed deposits back into wallets when a
// booking is cancelled or closed. It implements booking.EscrowSettler over
// the wallet and escrow ledgers; every call joins the booking transition's
// transaction.
package settlement

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/homelease/rentcore/internal/booking"
	"github.com/homelease/rentcore/internal/escrow"
	"github.com/homelease/rentcore/internal/idgen"
	"github.com/homelease/rentcore/internal/traces"
	"github.com/homelease/rentcore/internal/wallet"
)

const refType = "booking"

// Settler implements booking.EscrowSettler.
type Settler struct {
	wallets *wallet.Ledger
	escrows *escrow.Ledger
}

// New creates a settler over the two ledgers.
func New(wallets *wallet.Ledger, escrows *escrow.Ledger) *Settler {
	return &Settler{wallets: wallets, escrows: escrows}
}

// Open creates the escrow account for the booking's contract.
func (s *Settler) Open(ctx context.Context, b *booking.Booking) error {
	_, err := s.escrows.OpenAccount(ctx, escrow.OpenRequest{
		ContractID: b.ContractID,
		BookingID:  b.ID,
		TenantID:   b.TenantID,
		LandlordID: b.LandlordID,
		PropertyID: b.PropertyID,
		Currency:   b.Currency,
	})
	return err
}

// Lock takes both parties' wallet locks, then the escrow lock.
func (s *Settler) Lock(ctx context.Context, b *booking.Booking) error {
	if err := s.wallets.Lock(ctx, b.TenantID, b.LandlordID); err != nil {
		return err
	}
	if b.ContractID == "" {
		return nil
	}
	a, err := s.escrows.GetByContract(ctx, b.ContractID)
	if err != nil {
		return err
	}
	_, err = s.escrows.Lock(ctx, a.ID)
	return err
}

// Refund returns both sub-balances to their contributors.
func (s *Settler) Refund(ctx context.Context, b *booking.Booking) (refunded decimal.Decimal, err error) {
	ctx, span := traces.StartSpan(ctx, "settlement.refund", traces.BookingID(b.ID))
	defer func() { traces.End(span, err) }()

	a, err := s.account(ctx, b)
	if err != nil {
		return decimal.Zero, err
	}
	t, err := s.release(ctx, b, a, escrow.Tenant, a.CurrentBalanceTenant, "cancel")
	if err != nil {
		return decimal.Zero, err
	}
	l, err := s.release(ctx, b, a, escrow.Landlord, a.CurrentBalanceLandlord, "cancel")
	if err != nil {
		return decimal.Zero, err
	}
	return t.Add(l), nil
}

// Settle applies the close-out disposition: damage moves from the tenant's
// deposit to the landlord's wallet, then both remainders are refunded.
// The escrow account ends at zero.
func (s *Settler) Settle(ctx context.Context, b *booking.Booking, damage decimal.Decimal, actorID string) (out *booking.Settlement, err error) {
	ctx, span := traces.StartSpan(ctx, "settlement.close",
		traces.BookingID(b.ID), traces.Amount(damage.String()))
	defer func() { traces.End(span, err) }()

	a, err := s.account(ctx, b)
	if err != nil {
		return nil, err
	}
	if damage.GreaterThan(a.CurrentBalanceTenant) {
		return nil, fmt.Errorf("%w: damage deduction %s exceeds tenant deposit %s",
			booking.ErrInvalidRequest, damage, a.CurrentBalanceTenant)
	}

	out = &booking.Settlement{DamageDeduction: damage}
	tenantLeft := a.CurrentBalanceTenant
	if damage.IsPositive() {
		if _, err := s.escrows.Adjust(ctx, escrow.AdjustRequest{
			EscrowID:       a.ID,
			Contributor:    escrow.Tenant,
			SignedAmount:   damage.Neg(),
			Note:           "damage deduction",
			RefType:        refType,
			RefID:          b.ID,
			IdempotencyKey: idgen.Key(refType, b.ID, "close", "damage", "escrow"),
		}, escrow.Authorization{ActorID: actorID, Admin: true}); err != nil {
			return nil, fmt.Errorf("deduct damage: %w", err)
		}
		if _, err := s.wallets.Credit(ctx, wallet.Request{
			UserID:         b.LandlordID,
			Amount:         damage,
			Type:           wallet.TypeAdjustment,
			RefType:        refType,
			RefID:          b.ID,
			Note:           "damage deduction",
			IdempotencyKey: idgen.Key(refType, b.ID, "close", "damage", "wallet"),
		}); err != nil {
			return nil, fmt.Errorf("credit damage: %w", err)
		}
		tenantLeft = tenantLeft.Sub(damage)
	}

	if out.RefundedTenant, err = s.release(ctx, b, a, escrow.Tenant, tenantLeft, "close"); err != nil {
		return nil, err
	}
	if out.RefundedLandlord, err = s.release(ctx, b, a, escrow.Landlord, a.CurrentBalanceLandlord, "close"); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Settler) account(ctx context.Context, b *booking.Booking) (*escrow.Account, error) {
	a, err := s.escrows.GetByContract(ctx, b.ContractID)
	if err != nil {
		return nil, fmt.Errorf("escrow for contract %s: %w", b.ContractID, err)
	}
	return a, nil
}

// release debits amount from c's sub-balance and credits the owner's
// wallet. Zero is a no-op.
func (s *Settler) release(ctx context.Context, b *booking.Booking, a *escrow.Account, c escrow.Contributor, amount decimal.Decimal, stage string) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, nil
	}
	owner := b.TenantID
	if c == escrow.Landlord {
		owner = b.LandlordID
	}
	side := string(c)
	if _, err := s.escrows.Debit(ctx, escrow.Mutation{
		EscrowID:       a.ID,
		Contributor:    c,
		Amount:         amount,
		Type:           escrow.TypeRefund,
		RefType:        refType,
		RefID:          b.ID,
		IdempotencyKey: idgen.Key(refType, b.ID, stage, side, "escrow"),
		Note:           stage + " refund",
	}); err != nil {
		return decimal.Zero, fmt.Errorf("debit %s escrow: %w", side, err)
	}
	if _, err := s.wallets.Credit(ctx, wallet.Request{
		UserID:         owner,
		Amount:         amount,
		Type:           wallet.TypeRefund,
		RefType:        refType,
		RefID:          b.ID,
		Note:           stage + " refund",
		IdempotencyKey: idgen.Key(refType, b.ID, stage, side, "wallet"),
	}); err != nil {
		return decimal.Zero, fmt.Errorf("credit %s wallet: %w", side, err)
	}
	return amount, nil
}

var _ booking.EscrowSettler = (*Settler)(nil)
