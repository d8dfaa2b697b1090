// Package payment turns confirmed payments into ledger movements and
// booking transitions.
//
// Flow:
//  1. Payer creates a payment → PENDING (gateway methods) or READY (WALLET)
//  2. Gateway webhook confirms with its reference → READY
//  3. Settle consumes a READY payment exactly once, in one transaction:
//     wallet → escrow → booking, then COMPLETED
//  4. If the booking moved on in the meantime everything rolls back and the
//     payment is marked FAILED with StaleBookingState
package payment

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound          = errors.New("payment: not found")
	ErrAlreadyProcessed  = errors.New("payment: already processed")
	ErrNotReady          = errors.New("payment: not ready for settlement")
	ErrStaleBookingState = errors.New("payment: booking is no longer in the required state")
	ErrAmountMismatch    = errors.New("payment: amount does not match the booking")
	ErrPayerMismatch     = errors.New("payment: payer is not the responsible party")
	ErrInvalidRequest    = errors.New("payment: invalid request")
	ErrDuplicateRef      = errors.New("payment: gateway reference already used")
)

// FailureStaleBookingState is recorded as FailureReason when settlement
// loses a race with another booking transition.
const FailureStaleBookingState = "StaleBookingState"

// Method is how the payer pays.
type Method string

const (
	MethodWallet       Method = "WALLET"
	MethodVNPay        Method = "VNPAY"
	MethodMoMo         Method = "MOMO"
	MethodBankTransfer Method = "BANK_TRANSFER"
)

// Valid reports whether m is a known method.
func (m Method) Valid() bool {
	switch m {
	case MethodWallet, MethodVNPay, MethodMoMo, MethodBankTransfer:
		return true
	}
	return false
}

// Purpose routes a payment to its ledger and state-machine effects.
type Purpose string

const (
	PurposeWalletTopup           Purpose = "WALLET_TOPUP"
	PurposeTenantEscrowDeposit   Purpose = "TENANT_ESCROW_DEPOSIT"
	PurposeLandlordEscrowDeposit Purpose = "LANDLORD_ESCROW_DEPOSIT"
	PurposeFirstMonthRent        Purpose = "FIRST_MONTH_RENT"
	PurposeMonthlyRent           Purpose = "MONTHLY_RENT"
	PurposeExtensionRent         Purpose = "EXTENSION_RENT"
)

// Valid reports whether p is a known purpose.
func (p Purpose) Valid() bool {
	switch p {
	case PurposeWalletTopup, PurposeTenantEscrowDeposit, PurposeLandlordEscrowDeposit,
		PurposeFirstMonthRent, PurposeMonthlyRent, PurposeExtensionRent:
		return true
	}
	return false
}

// Status is the payment's processing state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusReady     Status = "READY"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Payment is a sum of money a payer commits to a purpose.
type Payment struct {
	ID            string          `json:"id"`
	BookingID     string          `json:"bookingId,omitempty"`
	ContractID    string          `json:"contractId,omitempty"`
	ExtensionID   string          `json:"extensionId,omitempty"`
	PayerID       string          `json:"payerId"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Method        Method          `json:"method"`
	Purpose       Purpose         `json:"purpose"`
	Status        Status          `json:"status"`
	FailureReason string          `json:"failureReason,omitempty"`
	Gateway       string          `json:"gateway,omitempty"`
	GatewayRef    string          `json:"gatewayRef,omitempty"`
	BankCode      string          `json:"bankCode,omitempty"`
	PaidAt        *time.Time      `json:"paidAt,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Store persists payments. GetForUpdate must run inside a txn.Runner transaction.
type Store interface {
	Create(ctx context.Context, p *Payment) error
	Get(ctx context.Context, id string) (*Payment, error)
	GetForUpdate(ctx context.Context, id string) (*Payment, error)
	Update(ctx context.Context, p *Payment) error
	ListByPayer(ctx context.Context, payerID string, limit int) ([]*Payment, error)
}
