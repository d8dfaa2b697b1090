// Package escrow implements the per-contract escrow ledger.
//
// Each contract has one escrow account with two sub-balances: what the
// tenant contributed and what the landlord contributed. Every mutation
// locks the account row, computes the new sub-balance from the locked
// row, appends an immutable EscrowTransaction and writes the balance back,
// all inside the caller's transaction (see internal/txn).
//
// Flow:
//  1. Funding is requested on a signed booking → OpenAccount (zero balances)
//  2. Each party pays its deposit → Credit(contributor, DEPOSIT)
//  3. Settlement → Adjust(tenant, -damage) then Debit(REFUND) of both remainders
//  4. Cancellation → Debit(REFUND) of every non-zero sub-balance
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/homelease/rentcore/internal/idgen"
	"github.com/homelease/rentcore/internal/metrics"
	"github.com/homelease/rentcore/internal/money"
	"github.com/homelease/rentcore/internal/traces"
	"github.com/homelease/rentcore/internal/txn"
)

var (
	ErrAccountNotFound       = errors.New("escrow: account not found")
	ErrAlreadyExists         = errors.New("escrow: account already exists for contract")
	ErrInsufficientBalance   = errors.New("escrow: insufficient sub-balance")
	ErrInvalidAmount         = errors.New("escrow: amount must be a positive whole number of minor units")
	ErrMissingIdempotencyKey = errors.New("escrow: idempotency key is required")
	ErrIdempotencyConflict   = errors.New("escrow: idempotency key reused with different parameters")
	ErrInvalidContributor    = errors.New("escrow: contributor must be TENANT or LANDLORD")
	ErrInvalidType           = errors.New("escrow: transaction type not allowed for this operation")
	ErrUnauthorized          = errors.New("escrow: adjustment requires admin authorization")
	ErrInvalidAccount        = errors.New("escrow: contract, booking and both parties are required")
)

// Contributor identifies which sub-balance a transaction touches.
type Contributor string

const (
	Tenant   Contributor = "TENANT"
	Landlord Contributor = "LANDLORD"
)

// Valid reports whether c is a known contributor.
func (c Contributor) Valid() bool {
	return c == Tenant || c == Landlord
}

// Direction is the sign of a transaction.
type Direction string

const (
	DirectionCredit Direction = "CREDIT"
	DirectionDebit  Direction = "DEBIT"
)

// TxType classifies an escrow transaction.
type TxType string

const (
	TypeDeposit           TxType = "DEPOSIT"
	TypeRefund            TxType = "REFUND"
	TypeDamageDeduction   TxType = "DAMAGE_DEDUCTION"
	TypeReleaseToLandlord TxType = "RELEASE_TO_LANDLORD"
	TypeAdjustment        TxType = "ADJUSTMENT"
)

// allowed reports whether t may be used with dir through Credit/Debit.
// Deductions and corrections go through Adjust.
func (t TxType) allowed(dir Direction) bool {
	switch t {
	case TypeDeposit:
		return dir == DirectionCredit
	case TypeRefund, TypeReleaseToLandlord:
		return dir == DirectionDebit
	case TypeDamageDeduction, TypeAdjustment:
		return false
	}
	return false
}

// StatusCompleted is the only status a persisted transaction carries.
const StatusCompleted = "COMPLETED"

// Account is a contract's escrow.
type Account struct {
	ID                     string          `json:"id"`
	ContractID             string          `json:"contractId"`
	BookingID              string          `json:"bookingId"`
	TenantID               string          `json:"tenantId"`
	LandlordID             string          `json:"landlordId"`
	PropertyID             string          `json:"propertyId"`
	CurrentBalanceTenant   decimal.Decimal `json:"currentBalanceTenant"`
	CurrentBalanceLandlord decimal.Decimal `json:"currentBalanceLandlord"`
	Currency               string          `json:"currency"`
	CreatedAt              time.Time       `json:"createdAt"`
	UpdatedAt              time.Time       `json:"updatedAt"`
}

// BalanceOf returns the sub-balance of c.
func (a *Account) BalanceOf(c Contributor) decimal.Decimal {
	if c == Landlord {
		return a.CurrentBalanceLandlord
	}
	return a.CurrentBalanceTenant
}

func (a *Account) setBalance(c Contributor, d decimal.Decimal) {
	if c == Landlord {
		a.CurrentBalanceLandlord = d
	} else {
		a.CurrentBalanceTenant = d
	}
}

// Total is the sum of both sub-balances.
func (a *Account) Total() decimal.Decimal {
	return a.CurrentBalanceTenant.Add(a.CurrentBalanceLandlord)
}

// IsParty reports whether userID is the tenant or landlord.
func (a *Account) IsParty(userID string) bool {
	return userID != "" && (userID == a.TenantID || userID == a.LandlordID)
}

// Transaction is an immutable escrow log row.
type Transaction struct {
	ID             string          `json:"id"`
	EscrowID       string          `json:"escrowId"`
	Contributor    Contributor     `json:"contributor"`
	Direction      Direction       `json:"direction"`
	Type           TxType          `json:"type"`
	Amount         decimal.Decimal `json:"amount"`
	Status         string          `json:"status"`
	RefType        string          `json:"refType,omitempty"`
	RefID          string          `json:"refId,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Note           string          `json:"note,omitempty"`
	ActorID        string          `json:"actorId,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	CompletedAt    time.Time       `json:"completedAt"`
}

// Signed returns the amount with the sign of its direction.
func (t *Transaction) Signed() decimal.Decimal {
	if t.Direction == DirectionDebit {
		return t.Amount.Neg()
	}
	return t.Amount
}

// OpenRequest contains the parameters for opening an account.
type OpenRequest struct {
	ContractID string
	BookingID  string
	TenantID   string
	LandlordID string
	PropertyID string
	Currency   string
}

// Mutation describes a credit or debit of one sub-balance.
type Mutation struct {
	EscrowID       string
	Contributor    Contributor
	Amount         decimal.Decimal
	Type           TxType
	RefType        string
	RefID          string
	IdempotencyKey string
	Note           string
	ActorID        string
}

// AdjustRequest describes an authorized deduction (negative amount) or
// correction (positive amount).
type AdjustRequest struct {
	EscrowID       string
	Contributor    Contributor
	SignedAmount   decimal.Decimal
	Note           string
	RefType        string
	RefID          string
	IdempotencyKey string
}

// Authorization is the actor on whose behalf an adjustment is made.
type Authorization struct {
	ActorID string
	Admin   bool
}

// Result is the outcome of a mutation.
type Result struct {
	Account     *Account     `json:"escrow"`
	Transaction *Transaction `json:"transaction"`
	Replayed    bool         `json:"replayed"`
}

// Drift is a sub-balance that disagrees with its log.
type Drift struct {
	EscrowID    string          `json:"escrowId"`
	ContractID  string          `json:"contractId"`
	Contributor Contributor     `json:"contributor"`
	Balance     decimal.Decimal `json:"balance"`
	LogSum      decimal.Decimal `json:"logSum"`
}

// Store persists escrow accounts and their transactions. Mutating and
// locking methods must run inside a txn.Runner transaction.
type Store interface {
	Create(ctx context.Context, a *Account) error
	Get(ctx context.Context, id string) (*Account, error)
	// GetForUpdate returns the account and holds its row lock until the transaction ends.
	GetForUpdate(ctx context.Context, id string) (*Account, error)
	GetByContract(ctx context.Context, contractID string) (*Account, error)
	UpdateBalances(ctx context.Context, id string, tenant, landlord decimal.Decimal, at time.Time) error
	InsertTransaction(ctx context.Context, tx *Transaction) error
	// FindByIdempotencyKey returns nil, nil when the key is unused.
	FindByIdempotencyKey(ctx context.Context, escrowID, key string) (*Transaction, error)
	ListTransactions(ctx context.Context, escrowID string, limit int) ([]*Transaction, error)
	Drifts(ctx context.Context) ([]Drift, error)
}

// Ledger is the only writer of escrow balances.
type Ledger struct {
	store    Store
	runner   txn.Runner
	currency string
	logger   *slog.Logger
	now      func() time.Time
}

// NewLedger creates an escrow ledger.
func NewLedger(store Store, runner txn.Runner, currency string, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:    store,
		runner:   runner,
		currency: money.NormalizeCurrency(currency),
		logger:   logger,
		now:      time.Now,
	}
}

// OpenAccount creates a zero-balance account for the contract.
func (l *Ledger) OpenAccount(ctx context.Context, req OpenRequest) (*Account, error) {
	if req.ContractID == "" || req.BookingID == "" || req.TenantID == "" || req.LandlordID == "" {
		return nil, ErrInvalidAccount
	}
	currency := l.currency
	if req.Currency != "" {
		currency = money.NormalizeCurrency(req.Currency)
	}

	now := l.now()
	a := &Account{
		ID:                     idgen.New(),
		ContractID:             req.ContractID,
		BookingID:              req.BookingID,
		TenantID:               req.TenantID,
		LandlordID:             req.LandlordID,
		PropertyID:             req.PropertyID,
		CurrentBalanceTenant:   decimal.Zero,
		CurrentBalanceLandlord: decimal.Zero,
		Currency:               currency,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	err := l.runner.WithinTx(ctx, func(ctx context.Context) error {
		return l.store.Create(ctx, a)
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("escrow account opened", "escrow", a.ID, "contract", a.ContractID, "booking", a.BookingID)
	return a, nil
}

// Credit adds to a contributor's sub-balance.
func (l *Ledger) Credit(ctx context.Context, m Mutation) (*Result, error) {
	return l.apply(ctx, "credit", DirectionCredit, m)
}

// Debit removes from a contributor's sub-balance.
func (l *Ledger) Debit(ctx context.Context, m Mutation) (*Result, error) {
	return l.apply(ctx, "debit", DirectionDebit, m)
}

// Adjust applies an authorized deduction or correction. A negative amount
// debits the sub-balance as DAMAGE_DEDUCTION; a positive one credits it as
// ADJUSTMENT.
func (l *Ledger) Adjust(ctx context.Context, req AdjustRequest, authz Authorization) (*Result, error) {
	if !authz.Admin || authz.ActorID == "" {
		return nil, ErrUnauthorized
	}
	if req.SignedAmount.IsZero() {
		return nil, ErrInvalidAmount
	}
	m := Mutation{
		EscrowID:       req.EscrowID,
		Contributor:    req.Contributor,
		Amount:         req.SignedAmount.Abs(),
		Type:           TypeAdjustment,
		RefType:        req.RefType,
		RefID:          req.RefID,
		IdempotencyKey: req.IdempotencyKey,
		Note:           req.Note,
		ActorID:        authz.ActorID,
	}
	dir := DirectionCredit
	if req.SignedAmount.IsNegative() {
		dir = DirectionDebit
		m.Type = TypeDamageDeduction
	}
	return l.mutate(ctx, "adjust", dir, m)
}

func (l *Ledger) apply(ctx context.Context, op string, dir Direction, m Mutation) (*Result, error) {
	if !m.Type.allowed(dir) {
		return nil, ErrInvalidType
	}
	return l.mutate(ctx, op, dir, m)
}

func (l *Ledger) mutate(ctx context.Context, op string, dir Direction, m Mutation) (res *Result, err error) {
	done := metrics.ObserveLedgerOp("escrow", op)
	ctx, span := traces.StartSpan(ctx, "escrow."+op,
		traces.EscrowID(m.EscrowID), traces.Amount(m.Amount.String()))
	defer func() {
		done(err)
		traces.End(span, err)
	}()

	if !m.Contributor.Valid() {
		return nil, ErrInvalidContributor
	}
	if !money.IsPositiveUnits(m.Amount) {
		return nil, ErrInvalidAmount
	}
	if m.IdempotencyKey == "" {
		return nil, ErrMissingIdempotencyKey
	}

	err = l.runner.WithinTx(ctx, func(ctx context.Context) error {
		a, err := l.store.GetForUpdate(ctx, m.EscrowID)
		if err != nil {
			return err
		}

		prior, err := l.store.FindByIdempotencyKey(ctx, a.ID, m.IdempotencyKey)
		if err != nil {
			return fmt.Errorf("lookup idempotency key: %w", err)
		}
		if prior != nil {
			if prior.Direction != dir || prior.Contributor != m.Contributor ||
				prior.Type != m.Type || !prior.Amount.Equal(m.Amount) {
				return ErrIdempotencyConflict
			}
			res = &Result{Account: a, Transaction: prior, Replayed: true}
			return nil
		}

		current := a.BalanceOf(m.Contributor)
		next := current.Add(m.Amount)
		if dir == DirectionDebit {
			if current.LessThan(m.Amount) {
				return ErrInsufficientBalance
			}
			next = current.Sub(m.Amount)
		}

		now := l.now()
		tx := &Transaction{
			ID:             idgen.New(),
			EscrowID:       a.ID,
			Contributor:    m.Contributor,
			Direction:      dir,
			Type:           m.Type,
			Amount:         m.Amount,
			Status:         StatusCompleted,
			RefType:        m.RefType,
			RefID:          m.RefID,
			IdempotencyKey: m.IdempotencyKey,
			Note:           m.Note,
			ActorID:        m.ActorID,
			CreatedAt:      now,
			CompletedAt:    now,
		}
		if err := l.store.InsertTransaction(ctx, tx); err != nil {
			return fmt.Errorf("insert escrow transaction: %w", err)
		}
		a.setBalance(m.Contributor, next)
		a.UpdatedAt = now
		if err := l.store.UpdateBalances(ctx, a.ID, a.CurrentBalanceTenant, a.CurrentBalanceLandlord, now); err != nil {
			return fmt.Errorf("update escrow balance: %w", err)
		}
		res = &Result{Account: a, Transaction: tx}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !res.Replayed {
		l.logger.Info("escrow "+op,
			"escrow", m.EscrowID,
			"contributor", m.Contributor,
			"type", m.Type,
			"amount", money.Format(m.Amount),
			"tenant_balance", money.Format(res.Account.CurrentBalanceTenant),
			"landlord_balance", money.Format(res.Account.CurrentBalanceLandlord),
		)
	}
	return res, nil
}

// Lock row-locks the account for the rest of the caller's transaction.
func (l *Ledger) Lock(ctx context.Context, escrowID string) (*Account, error) {
	if !txn.InTx(ctx) {
		return nil, errors.New("escrow: Lock requires a transaction")
	}
	return l.store.GetForUpdate(ctx, escrowID)
}

// Balance returns the account without locking.
func (l *Ledger) Balance(ctx context.Context, escrowID string) (*Account, error) {
	return l.store.Get(ctx, escrowID)
}

// GetByContract returns the account opened for a contract.
func (l *Ledger) GetByContract(ctx context.Context, contractID string) (*Account, error) {
	return l.store.GetByContract(ctx, contractID)
}

// History returns the account's most recent transactions, newest first.
func (l *Ledger) History(ctx context.Context, escrowID string, limit int) ([]*Transaction, error) {
	if _, err := l.store.Get(ctx, escrowID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return l.store.ListTransactions(ctx, escrowID, limit)
}

// Drifts reports sub-balances that disagree with their log.
func (l *Ledger) Drifts(ctx context.Context) ([]Drift, error) {
	return l.store.Drifts(ctx)
}
