// Package booking owns the rental booking lifecycle.
//
// Flow:
//  1. Tenant requests → PENDING_LANDLORD
//  2. Landlord approves (or rejects) → PENDING_SIGNATURE
//  3. Tenant signs, then landlord signs → SIGNED
//  4. Funding requested → AWAITING_DEPOSIT, escrow account opened
//  5. Both deposits paid (either order) → DUAL_ESCROW_FUNDED → AWAITING_FIRST_RENT
//  6. First month's rent paid → READY_FOR_HANDOVER
//  7. Keys handed over → ACTIVE
//  8. Settlement started → SETTLEMENT_PENDING, closed by an admin → SETTLED
//
// Any non-terminal booking can be cancelled, explicitly or by the overdue
// sweep; escrowed deposits are refunded in the same transaction.
package booking

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound          = errors.New("booking: not found")
	ErrInvalidTransition = errors.New("booking: invalid state transition")
	ErrForbidden         = errors.New("booking: actor not allowed to perform this action")
	ErrInvalidRequest    = errors.New("booking: invalid request")
	ErrNotOverdue        = errors.New("booking: not overdue")

	ErrExtensionNotFound = errors.New("booking: extension not found")
)

// Status is the lifecycle stage of a booking.
type Status string

const (
	StatusPendingLandlord   Status = "PENDING_LANDLORD"
	StatusRejected          Status = "REJECTED"
	StatusPendingSignature  Status = "PENDING_SIGNATURE"
	StatusSigned            Status = "SIGNED"
	StatusAwaitingDeposit   Status = "AWAITING_DEPOSIT"
	StatusEscrowFundedT     Status = "ESCROW_FUNDED_T"
	StatusEscrowFundedL     Status = "ESCROW_FUNDED_L"
	StatusDualEscrowFunded  Status = "DUAL_ESCROW_FUNDED"
	StatusAwaitingFirstRent Status = "AWAITING_FIRST_RENT"
	StatusReadyForHandover  Status = "READY_FOR_HANDOVER"
	StatusActive            Status = "ACTIVE"
	StatusSettlementPending Status = "SETTLEMENT_PENDING"
	StatusSettled           Status = "SETTLED"
	StatusCancelled         Status = "CANCELLED"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPendingLandlord, StatusRejected, StatusPendingSignature, StatusSigned,
	StatusAwaitingDeposit, StatusEscrowFundedT, StatusEscrowFundedL, StatusDualEscrowFunded,
	StatusAwaitingFirstRent, StatusReadyForHandover, StatusActive, StatusSettlementPending,
	StatusSettled, StatusCancelled,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPendingLandlord, StatusRejected, StatusPendingSignature, StatusSigned,
		StatusAwaitingDeposit, StatusEscrowFundedT, StatusEscrowFundedL, StatusDualEscrowFunded,
		StatusAwaitingFirstRent, StatusReadyForHandover, StatusActive, StatusSettlementPending,
		StatusSettled, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal returns true if no further transition is possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusRejected, StatusSettled, StatusCancelled:
		return true
	}
	return false
}

// awaitingDeposit reports whether s is one of the deposit-collection stages.
func (s Status) awaitingDeposit() bool {
	return s == StatusAwaitingDeposit || s == StatusEscrowFundedT || s == StatusEscrowFundedL
}

// Action is an input to the state machine.
type Action string

const (
	ActionCreate          Action = "create"
	ActionApprove         Action = "approve"
	ActionReject          Action = "reject"
	ActionSignTenant      Action = "sign_tenant"
	ActionSignLandlord    Action = "sign_landlord"
	ActionRequestFunding  Action = "request_funding"
	ActionFundTenant      Action = "fund_escrow_tenant"
	ActionFundLandlord    Action = "fund_escrow_landlord"
	ActionAdvance         Action = "advance"
	ActionPayFirstRent    Action = "pay_first_rent"
	ActionHandover        Action = "handover"
	ActionStartSettlement Action = "start_settlement"
	ActionCloseSettled    Action = "close_settled"
	ActionCancel          Action = "cancel"
)

// AllActions lists every action accepted by Next.
var AllActions = []Action{
	ActionApprove, ActionReject, ActionSignTenant, ActionSignLandlord, ActionRequestFunding,
	ActionFundTenant, ActionFundLandlord, ActionAdvance, ActionPayFirstRent, ActionHandover,
	ActionStartSettlement, ActionCloseSettled, ActionCancel,
}

// Next returns the status reached by applying action in status from, or
// ErrInvalidTransition when the edge does not exist. It is the single
// definition of the transition graph.
func Next(from Status, action Action) (Status, error) {
	if !from.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, from)
	}
	switch action {
	case ActionApprove:
		if from == StatusPendingLandlord {
			return StatusPendingSignature, nil
		}
	case ActionReject:
		if from == StatusPendingLandlord {
			return StatusRejected, nil
		}
	case ActionSignTenant:
		if from == StatusPendingSignature {
			return StatusPendingSignature, nil
		}
	case ActionSignLandlord:
		if from == StatusPendingSignature {
			return StatusSigned, nil
		}
	case ActionRequestFunding:
		if from == StatusSigned {
			return StatusAwaitingDeposit, nil
		}
	case ActionFundTenant:
		switch from {
		case StatusAwaitingDeposit:
			return StatusEscrowFundedT, nil
		case StatusEscrowFundedL:
			return StatusDualEscrowFunded, nil
		}
	case ActionFundLandlord:
		switch from {
		case StatusAwaitingDeposit:
			return StatusEscrowFundedL, nil
		case StatusEscrowFundedT:
			return StatusDualEscrowFunded, nil
		}
	case ActionAdvance:
		if from == StatusDualEscrowFunded {
			return StatusAwaitingFirstRent, nil
		}
	case ActionPayFirstRent:
		if from == StatusAwaitingFirstRent {
			return StatusReadyForHandover, nil
		}
	case ActionHandover:
		if from == StatusReadyForHandover {
			return StatusActive, nil
		}
	case ActionStartSettlement:
		if from == StatusActive {
			return StatusSettlementPending, nil
		}
	case ActionCloseSettled:
		if from == StatusSettlementPending {
			return StatusSettled, nil
		}
	case ActionCancel:
		if !from.IsTerminal() {
			return StatusCancelled, nil
		}
	default:
		return "", fmt.Errorf("%w: unknown action %q", ErrInvalidTransition, action)
	}
	return "", fmt.Errorf("%w: cannot %s from %s", ErrInvalidTransition, action, from)
}

// CancelReason records why a booking was cancelled.
type CancelReason string

const (
	ReasonTenantCancelled   CancelReason = "TENANT_CANCELLED"
	ReasonLandlordCancelled CancelReason = "LANDLORD_CANCELLED"
	ReasonAdminCancelled    CancelReason = "ADMIN_CANCELLED"
	ReasonDepositOverdue    CancelReason = "DEPOSIT_OVERDUE"
	ReasonFirstRentOverdue  CancelReason = "FIRST_RENT_OVERDUE"
)

// Booking is a tenant's rental of a landlord's property. Milestone
// timestamps are written once, by the transition that reaches them.
type Booking struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenantId"`
	LandlordID    string          `json:"landlordId"`
	PropertyID    string          `json:"propertyId"`
	RoomID        string          `json:"roomId,omitempty"`
	ContractID    string          `json:"contractId,omitempty"`
	DepositAmount decimal.Decimal `json:"depositAmount"`
	MonthlyRent   decimal.Decimal `json:"monthlyRent"`
	Currency      string          `json:"currency"`
	Status        Status          `json:"status"`
	CancelReason  CancelReason    `json:"cancelReason,omitempty"`

	ApprovedAt              *time.Time `json:"approvedAt,omitempty"`
	RejectedAt              *time.Time `json:"rejectedAt,omitempty"`
	TenantSignedAt          *time.Time `json:"tenantSignedAt,omitempty"`
	LandlordSignedAt        *time.Time `json:"landlordSignedAt,omitempty"`
	SignedAt                *time.Time `json:"signedAt,omitempty"`
	EscrowDepositDueAt      *time.Time `json:"escrowDepositDueAt,omitempty"`
	TenantDepositFundedAt   *time.Time `json:"tenantDepositFundedAt,omitempty"`
	LandlordDepositFundedAt *time.Time `json:"landlordDepositFundedAt,omitempty"`
	FirstRentDueAt          *time.Time `json:"firstRentDueAt,omitempty"`
	FirstRentPaidAt         *time.Time `json:"firstRentPaidAt,omitempty"`
	HandoverAt              *time.Time `json:"handoverAt,omitempty"`
	ActivatedAt             *time.Time `json:"activatedAt,omitempty"`
	SettlementStartedAt     *time.Time `json:"settlementStartedAt,omitempty"`
	ClosedAt                *time.Time `json:"closedAt,omitempty"`
	CancelledAt             *time.Time `json:"cancelledAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsParty reports whether userID is the tenant or the landlord.
func (b *Booking) IsParty(userID string) bool {
	return userID != "" && (userID == b.TenantID || userID == b.LandlordID)
}

// OverdueAt reports whether the booking's current due date has passed at now.
func (b *Booking) OverdueAt(now time.Time) (CancelReason, bool) {
	switch {
	case b.Status.awaitingDeposit():
		if b.EscrowDepositDueAt != nil && b.EscrowDepositDueAt.Before(now) {
			return ReasonDepositOverdue, true
		}
	case b.Status == StatusAwaitingFirstRent:
		if b.FirstRentDueAt != nil && b.FirstRentDueAt.Before(now) {
			return ReasonFirstRentOverdue, true
		}
	}
	return "", false
}

// Event is one committed transition. Events are the feed that
// notification and mirroring services poll.
type Event struct {
	ID         string    `json:"id"`
	BookingID  string    `json:"bookingId"`
	Action     Action    `json:"action"`
	FromStatus Status    `json:"fromStatus,omitempty"`
	ToStatus   Status    `json:"toStatus"`
	ActorID    string    `json:"actorId,omitempty"`
	Note       string    `json:"note,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ExtensionStatus is the payment state of a contract extension.
type ExtensionStatus string

const (
	ExtensionPendingPayment ExtensionStatus = "PENDING_PAYMENT"
	ExtensionPaid           ExtensionStatus = "PAID"
	ExtensionCancelled      ExtensionStatus = "CANCELLED"
)

// Extension lengthens an active booking by whole months once paid.
type Extension struct {
	ID          string          `json:"id"`
	BookingID   string          `json:"bookingId"`
	Months      int             `json:"months"`
	Amount      decimal.Decimal `json:"amount"`
	Status      ExtensionStatus `json:"status"`
	DueAt       time.Time       `json:"dueAt"`
	PaidAt      *time.Time      `json:"paidAt,omitempty"`
	CancelledAt *time.Time      `json:"cancelledAt,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Actor is who performs a transition.
type Actor struct {
	ID     string
	Admin  bool
	System bool
}

// SystemActor is used by the overdue sweep and other batch jobs.
var SystemActor = Actor{ID: "system", System: true}

func (a Actor) privileged() bool { return a.Admin || a.System }

// Settlement is the escrow disposition applied by CloseSettled.
type Settlement struct {
	DamageDeduction  decimal.Decimal `json:"damageDeduction"`
	RefundedTenant   decimal.Decimal `json:"refundedTenant"`
	RefundedLandlord decimal.Decimal `json:"refundedLandlord"`
}
