package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/homelease/rentcore/internal/booking"
	"github.com/homelease/rentcore/internal/escrow"
	"github.com/homelease/rentcore/internal/idgen"
	"github.com/homelease/rentcore/internal/metrics"
	"github.com/homelease/rentcore/internal/money"
	"github.com/homelease/rentcore/internal/traces"
	"github.com/homelease/rentcore/internal/txn"
	"github.com/homelease/rentcore/internal/wallet"
)

// WalletLedger is the subset of wallet.Ledger the orchestrator uses.
type WalletLedger interface {
	Credit(ctx context.Context, req wallet.Request) (*wallet.Result, error)
	Debit(ctx context.Context, req wallet.Request) (*wallet.Result, error)
}

// EscrowLedger is the subset of escrow.Ledger the orchestrator uses.
type EscrowLedger interface {
	GetByContract(ctx context.Context, contractID string) (*escrow.Account, error)
	Credit(ctx context.Context, m escrow.Mutation) (*escrow.Result, error)
}

// Bookings is the subset of booking.Service the orchestrator uses.
type Bookings interface {
	Get(ctx context.Context, id string) (*booking.Booking, error)
	FundEscrowTenant(ctx context.Context, id string) (*booking.Booking, error)
	FundEscrowLandlord(ctx context.Context, id string) (*booking.Booking, error)
	PayFirstRent(ctx context.Context, id string) (*booking.Booking, error)
	GetExtension(ctx context.Context, id string) (*booking.Extension, error)
	PayExtension(ctx context.Context, id string) (*booking.Extension, error)
}

// Orchestrator is the only writer of payments.
type Orchestrator struct {
	store    Store
	runner   txn.Runner
	wallets  WalletLedger
	escrows  EscrowLedger
	bookings Bookings
	currency string
	logger   *slog.Logger
	now      func() time.Time
}

// NewOrchestrator creates a payment orchestrator.
func NewOrchestrator(store Store, runner txn.Runner, wallets WalletLedger, escrows EscrowLedger, bookings Bookings, currency string, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:    store,
		runner:   runner,
		wallets:  wallets,
		escrows:  escrows,
		bookings: bookings,
		currency: money.NormalizeCurrency(currency),
		logger:   logger,
		now:      time.Now,
	}
}

// CreateRequest contains the parameters for a new payment.
type CreateRequest struct {
	PayerID     string
	BookingID   string
	ExtensionID string
	Amount      decimal.Decimal
	Method      Method
	Purpose     Purpose
	BankCode    string
}

// Create records a payment. WALLET payments are READY immediately; gateway
// payments wait for Confirm.
func (o *Orchestrator) Create(ctx context.Context, req CreateRequest) (*Payment, error) {
	switch {
	case req.PayerID == "":
		return nil, fmt.Errorf("%w: payer is required", ErrInvalidRequest)
	case !req.Method.Valid():
		return nil, fmt.Errorf("%w: unknown method %q", ErrInvalidRequest, req.Method)
	case !req.Purpose.Valid():
		return nil, fmt.Errorf("%w: unknown purpose %q", ErrInvalidRequest, req.Purpose)
	case !money.IsPositiveUnits(req.Amount):
		return nil, fmt.Errorf("%w: amount must be a positive whole number", ErrInvalidRequest)
	case req.Purpose == PurposeWalletTopup && req.Method == MethodWallet:
		return nil, fmt.Errorf("%w: a top-up must come from a gateway", ErrInvalidRequest)
	case req.Purpose == PurposeExtensionRent && req.ExtensionID == "":
		return nil, fmt.Errorf("%w: extensionId is required for EXTENSION_RENT", ErrInvalidRequest)
	case req.Purpose != PurposeExtensionRent && req.ExtensionID != "":
		return nil, fmt.Errorf("%w: extensionId is only valid for EXTENSION_RENT", ErrInvalidRequest)
	}

	now := o.now()
	p := &Payment{
		ID:          idgen.New(),
		PayerID:     req.PayerID,
		ExtensionID: req.ExtensionID,
		Amount:      req.Amount,
		Currency:    o.currency,
		Method:      req.Method,
		Purpose:     req.Purpose,
		Status:      StatusPending,
		BankCode:    req.BankCode,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if req.Method == MethodWallet {
		p.Status = StatusReady
	}
	if req.Purpose != PurposeWalletTopup {
		if req.BookingID == "" {
			return nil, fmt.Errorf("%w: bookingId is required for %s", ErrInvalidRequest, req.Purpose)
		}
		p.BookingID = req.BookingID
		b, err := o.bookings.Get(ctx, req.BookingID)
		if err != nil {
			return nil, err
		}
		if err := o.verify(ctx, p, b); err != nil {
			return nil, err
		}
		p.ContractID = b.ContractID
		p.Currency = b.Currency
	}

	if err := o.runner.WithinTx(ctx, func(ctx context.Context) error {
		return o.store.Create(ctx, p)
	}); err != nil {
		return nil, err
	}
	o.logger.Info("payment created",
		"payment", p.ID, "purpose", p.Purpose, "method", p.Method,
		"amount", money.Format(p.Amount), "status", p.Status)
	return p, nil
}

// Confirm records the gateway's confirmation and makes the payment READY.
// Confirming again with the same reference is a no-op.
func (o *Orchestrator) Confirm(ctx context.Context, id, gateway, gatewayRef string) (*Payment, error) {
	if gateway == "" || gatewayRef == "" {
		return nil, fmt.Errorf("%w: gateway and gatewayRef are required", ErrInvalidRequest)
	}
	var out *Payment
	err := o.runner.WithinTx(ctx, func(ctx context.Context) error {
		p, err := o.store.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if p.Status != StatusPending {
			if p.Status == StatusReady && p.Gateway == gateway && p.GatewayRef == gatewayRef {
				out = p
				return nil
			}
			return fmt.Errorf("%w: payment is %s", ErrAlreadyProcessed, p.Status)
		}
		p.Gateway = gateway
		p.GatewayRef = gatewayRef
		p.Status = StatusReady
		p.UpdatedAt = o.now()
		if err := o.store.Update(ctx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.logger.Info("payment confirmed", "payment", id, "gateway", gateway, "gateway_ref", gatewayRef)
	return out, nil
}

// Settle consumes a READY payment: ledger movements in wallet → escrow →
// booking order and the payment's COMPLETED status commit together or not
// at all.
func (o *Orchestrator) Settle(ctx context.Context, id string) (out *Payment, err error) {
	ctx, span := traces.StartSpan(ctx, "payment.settle", traces.PaymentID(id))
	var purpose Purpose
	defer func() {
		result := "completed"
		switch {
		case errors.Is(err, ErrStaleBookingState):
			result = "stale"
		case err != nil:
			result = "error"
		}
		metrics.PaymentsSettledTotal.WithLabelValues(string(purpose), result).Inc()
		traces.End(span, err)
	}()

	err = o.runner.WithinTx(ctx, func(ctx context.Context) error {
		p, err := o.store.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		purpose = p.Purpose
		switch p.Status {
		case StatusCompleted, StatusFailed:
			return fmt.Errorf("%w: payment is %s", ErrAlreadyProcessed, p.Status)
		case StatusPending:
			return ErrNotReady
		}

		var b *booking.Booking
		if p.Purpose != PurposeWalletTopup {
			if b, err = o.bookings.Get(ctx, p.BookingID); err != nil {
				return err
			}
			if err := o.verify(ctx, p, b); err != nil {
				return err
			}
		}
		if err := o.route(ctx, p, b); err != nil {
			return err
		}

		now := o.now()
		p.Status = StatusCompleted
		p.PaidAt = &now
		p.UpdatedAt = now
		if err := o.store.Update(ctx, p); err != nil {
			return fmt.Errorf("complete payment: %w", err)
		}
		out = p
		return nil
	})
	if errors.Is(err, booking.ErrInvalidTransition) {
		if ferr := o.fail(ctx, id, FailureStaleBookingState); ferr != nil {
			o.logger.Error("failed to mark payment failed", "payment", id, "error", ferr)
		}
		return nil, fmt.Errorf("%w: %v", ErrStaleBookingState, err)
	}
	if err != nil {
		return nil, err
	}
	o.logger.Info("payment settled",
		"payment", out.ID, "purpose", out.Purpose, "booking", out.BookingID, "amount", money.Format(out.Amount))
	return out, nil
}

// fail marks a still-READY payment FAILED in its own transaction. Funds a
// gateway already captured are credited to the payer's wallet in the same
// transaction, so the payer can retry from the wallet.
func (o *Orchestrator) fail(ctx context.Context, id, reason string) error {
	return o.runner.WithinTx(ctx, func(ctx context.Context) error {
		p, err := o.store.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if p.Status != StatusReady {
			return nil
		}
		if p.Method != MethodWallet {
			if _, err := o.wallets.Credit(ctx, topupRequest(p)); err != nil {
				return fmt.Errorf("keep gateway funds: %w", err)
			}
		}
		p.Status = StatusFailed
		p.FailureReason = reason
		p.UpdatedAt = o.now()
		return o.store.Update(ctx, p)
	})
}

// verify checks the payer and amount against the booking. It does not
// check booking status; the locked transition does that.
func (o *Orchestrator) verify(ctx context.Context, p *Payment, b *booking.Booking) error {
	payer, amount := b.TenantID, b.MonthlyRent
	switch p.Purpose {
	case PurposeTenantEscrowDeposit:
		amount = b.DepositAmount
	case PurposeLandlordEscrowDeposit:
		payer, amount = b.LandlordID, b.DepositAmount
	case PurposeExtensionRent:
		ext, err := o.bookings.GetExtension(ctx, p.ExtensionID)
		if err != nil {
			return err
		}
		if ext.BookingID != b.ID {
			return fmt.Errorf("%w: extension belongs to another booking", ErrInvalidRequest)
		}
		amount = ext.Amount
	}
	if p.PayerID != payer {
		return ErrPayerMismatch
	}
	if !p.Amount.Equal(amount) {
		return fmt.Errorf("%w: expected %s, got %s", ErrAmountMismatch, money.Format(amount), money.Format(p.Amount))
	}
	return nil
}

// topupRequest is the wallet credit for gateway-captured funds.
func topupRequest(p *Payment) wallet.Request {
	return wallet.Request{
		UserID:         p.PayerID,
		Amount:         p.Amount,
		Type:           wallet.TypeTopup,
		RefType:        "payment",
		RefID:          p.ID,
		IdempotencyKey: idgen.Key("payment", p.ID, "topup"),
		Gateway:        p.Gateway,
		GatewayRef:     p.GatewayRef,
	}
}

// route performs the purpose's ledger and state-machine effects.
func (o *Orchestrator) route(ctx context.Context, p *Payment, b *booking.Booking) error {
	if p.Method != MethodWallet {
		// Gateway money lands in the payer's wallet first so every
		// outflow below is a wallet debit.
		if _, err := o.wallets.Credit(ctx, topupRequest(p)); err != nil {
			return fmt.Errorf("credit gateway funds: %w", err)
		}
	}
	if p.Purpose == PurposeWalletTopup {
		return nil
	}

	if _, err := o.wallets.Debit(ctx, wallet.Request{
		UserID:         p.PayerID,
		Amount:         p.Amount,
		Type:           wallet.TypeContractPayment,
		RefType:        "booking",
		RefID:          b.ID,
		Note:           string(p.Purpose),
		IdempotencyKey: idgen.Key("payment", p.ID, "wallet"),
	}); err != nil {
		return fmt.Errorf("debit wallet: %w", err)
	}

	switch p.Purpose {
	case PurposeTenantEscrowDeposit, PurposeLandlordEscrowDeposit:
		contributor, fund := escrow.Tenant, o.bookings.FundEscrowTenant
		if p.Purpose == PurposeLandlordEscrowDeposit {
			contributor, fund = escrow.Landlord, o.bookings.FundEscrowLandlord
		}
		if b.ContractID == "" {
			return fmt.Errorf("%w: funding not requested", booking.ErrInvalidTransition)
		}
		a, err := o.escrows.GetByContract(ctx, b.ContractID)
		if err != nil {
			return err
		}
		if _, err := o.escrows.Credit(ctx, escrow.Mutation{
			EscrowID:       a.ID,
			Contributor:    contributor,
			Amount:         p.Amount,
			Type:           escrow.TypeDeposit,
			RefType:        "payment",
			RefID:          p.ID,
			IdempotencyKey: idgen.Key("payment", p.ID, "escrow"),
			ActorID:        p.PayerID,
		}); err != nil {
			return fmt.Errorf("credit escrow: %w", err)
		}
		_, err = fund(ctx, b.ID)
		return err
	case PurposeFirstMonthRent:
		_, err := o.bookings.PayFirstRent(ctx, b.ID)
		return err
	case PurposeMonthlyRent:
		if b.Status != booking.StatusActive {
			return fmt.Errorf("%w: monthly rent requires an active booking, not %s", booking.ErrInvalidTransition, b.Status)
		}
		return nil
	case PurposeExtensionRent:
		_, err := o.bookings.PayExtension(ctx, p.ExtensionID)
		return err
	}
	return fmt.Errorf("%w: unknown purpose %q", ErrInvalidRequest, p.Purpose)
}

// Get returns a payment.
func (o *Orchestrator) Get(ctx context.Context, id string) (*Payment, error) {
	return o.store.Get(ctx, id)
}

// ListByPayer returns the payer's most recent payments.
func (o *Orchestrator) ListByPayer(ctx context.Context, payerID string, limit int) ([]*Payment, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return o.store.ListByPayer(ctx, payerID, limit)
}
