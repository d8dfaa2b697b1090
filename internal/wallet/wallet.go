// Package wallet implements the per-user wallet ledger.
//
// Every user owns at most one wallet with a single available balance. Each
// mutation appends an immutable WalletTransaction and rewrites the balance
// inside the caller's transaction (see internal/txn), under a row lock on the
// wallet. The balance always equals the signed sum of the wallet's log.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/homelease/rentcore/internal/idgen"
	"github.com/homelease/rentcore/internal/metrics"
	"github.com/homelease/rentcore/internal/money"
	"github.com/homelease/rentcore/internal/traces"
	"github.com/homelease/rentcore/internal/txn"
)

var (
	ErrWalletNotFound        = errors.New("wallet: not found")
	ErrInsufficientBalance   = errors.New("wallet: insufficient balance")
	ErrInvalidAmount         = errors.New("wallet: amount must be a positive whole number of minor units")
	ErrMissingIdempotencyKey = errors.New("wallet: idempotency key is required")
	ErrIdempotencyConflict   = errors.New("wallet: idempotency key reused with different parameters")
	ErrMissingReference      = errors.New("wallet: debit requires a reference")
	ErrInvalidType           = errors.New("wallet: unknown transaction type")
	ErrCurrencyMismatch      = errors.New("wallet: currency mismatch")
)

// Direction is the sign of a transaction.
type Direction string

const (
	DirectionCredit Direction = "CREDIT"
	DirectionDebit  Direction = "DEBIT"
)

// TxType classifies a wallet transaction.
type TxType string

const (
	TypeTopup           TxType = "TOPUP"
	TypeContractPayment TxType = "CONTRACT_PAYMENT"
	TypeRefund          TxType = "REFUND"
	TypeAdjustment      TxType = "ADJUSTMENT"
)

// Valid reports whether t is a known type.
func (t TxType) Valid() bool {
	switch t {
	case TypeTopup, TypeContractPayment, TypeRefund, TypeAdjustment:
		return true
	}
	return false
}

// StatusCompleted is the only status a persisted transaction carries.
const StatusCompleted = "COMPLETED"

// Wallet is a user's balance.
type Wallet struct {
	ID               string          `json:"id"`
	UserID           string          `json:"userId"`
	AvailableBalance decimal.Decimal `json:"availableBalance"`
	Currency         string          `json:"currency"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// Transaction is an immutable wallet log row.
type Transaction struct {
	ID             string          `json:"id"`
	WalletID       string          `json:"walletId"`
	Direction      Direction       `json:"direction"`
	Type           TxType          `json:"type"`
	Amount         decimal.Decimal `json:"amount"`
	Status         string          `json:"status"`
	Gateway        string          `json:"gateway,omitempty"`
	GatewayRef     string          `json:"gatewayRef,omitempty"`
	RefType        string          `json:"refType,omitempty"`
	RefID          string          `json:"refId,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Note           string          `json:"note,omitempty"`
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

// Request describes a credit or debit.
type Request struct {
	UserID         string
	Amount         decimal.Decimal
	Type           TxType
	RefType        string
	RefID          string
	Note           string
	IdempotencyKey string
	Gateway        string
	GatewayRef     string
}

// Result is the outcome of a mutation. Replayed is true when the
// idempotency key matched an earlier transaction and nothing was written.
type Result struct {
	Wallet      *Wallet      `json:"wallet"`
	Transaction *Transaction `json:"transaction"`
	Replayed    bool         `json:"replayed"`
}

// Drift is a wallet whose stored balance disagrees with its log.
type Drift struct {
	WalletID string          `json:"walletId"`
	UserID   string          `json:"userId"`
	Balance  decimal.Decimal `json:"balance"`
	LogSum   decimal.Decimal `json:"logSum"`
}

// Store persists wallets and their transactions. Methods that mutate or lock
// must be called inside a txn.Runner transaction.
type Store interface {
	// Ensure creates a zero wallet for userID if none exists.
	Ensure(ctx context.Context, w *Wallet) error
	// GetForUpdate returns the wallet and holds its row lock until the transaction ends.
	GetForUpdate(ctx context.Context, userID string) (*Wallet, error)
	GetByUser(ctx context.Context, userID string) (*Wallet, error)
	UpdateBalance(ctx context.Context, walletID string, balance decimal.Decimal, at time.Time) error
	InsertTransaction(ctx context.Context, tx *Transaction) error
	// FindByIdempotencyKey returns nil, nil when the key is unused.
	FindByIdempotencyKey(ctx context.Context, walletID, key string) (*Transaction, error)
	// FindByGatewayRef returns nil, nil when the pair is unused.
	FindByGatewayRef(ctx context.Context, gateway, ref string) (*Transaction, error)
	ListTransactions(ctx context.Context, walletID string, limit int) ([]*Transaction, error)
	// Drifts returns wallets whose balance differs from the signed sum of their log.
	Drifts(ctx context.Context) ([]Drift, error)
}

// Ledger is the only writer of wallet balances.
type Ledger struct {
	store    Store
	runner   txn.Runner
	currency string
	logger   *slog.Logger
	now      func() time.Time
}

// NewLedger creates a wallet ledger.
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

// Credit adds funds to the user's wallet, creating it if needed.
func (l *Ledger) Credit(ctx context.Context, req Request) (*Result, error) {
	return l.apply(ctx, DirectionCredit, req)
}

// Debit removes funds from the user's wallet. A debit must carry a
// reference (refType/refId) to the business object it pays for.
func (l *Ledger) Debit(ctx context.Context, req Request) (*Result, error) {
	return l.apply(ctx, DirectionDebit, req)
}

func (l *Ledger) apply(ctx context.Context, dir Direction, req Request) (res *Result, err error) {
	op := "credit"
	if dir == DirectionDebit {
		op = "debit"
	}
	done := metrics.ObserveLedgerOp("wallet", op)
	ctx, span := traces.StartSpan(ctx, "wallet."+op,
		traces.UserID(req.UserID), traces.Amount(req.Amount.String()))
	defer func() {
		done(err)
		traces.End(span, err)
	}()

	if err := validate(dir, req); err != nil {
		return nil, err
	}

	err = l.runner.WithinTx(ctx, func(ctx context.Context) error {
		w, err := l.lockOne(ctx, req.UserID)
		if err != nil {
			return err
		}

		prior, err := l.store.FindByIdempotencyKey(ctx, w.ID, req.IdempotencyKey)
		if err != nil {
			return fmt.Errorf("lookup idempotency key: %w", err)
		}
		if prior != nil {
			if prior.Direction != dir || !prior.Amount.Equal(req.Amount) || prior.Type != req.Type {
				return ErrIdempotencyConflict
			}
			res = &Result{Wallet: w, Transaction: prior, Replayed: true}
			return nil
		}

		if req.GatewayRef != "" {
			seen, err := l.store.FindByGatewayRef(ctx, req.Gateway, req.GatewayRef)
			if err != nil {
				return fmt.Errorf("lookup gateway ref: %w", err)
			}
			if seen != nil {
				return fmt.Errorf("%w: gateway reference %s/%s already recorded", ErrIdempotencyConflict, req.Gateway, req.GatewayRef)
			}
		}

		next := w.AvailableBalance.Add(req.Amount)
		if dir == DirectionDebit {
			if w.AvailableBalance.LessThan(req.Amount) {
				return ErrInsufficientBalance
			}
			next = w.AvailableBalance.Sub(req.Amount)
		}

		now := l.now()
		tx := &Transaction{
			ID:             idgen.New(),
			WalletID:       w.ID,
			Direction:      dir,
			Type:           req.Type,
			Amount:         req.Amount,
			Status:         StatusCompleted,
			Gateway:        req.Gateway,
			GatewayRef:     req.GatewayRef,
			RefType:        req.RefType,
			RefID:          req.RefID,
			IdempotencyKey: req.IdempotencyKey,
			Note:           req.Note,
			CreatedAt:      now,
			CompletedAt:    now,
		}
		if err := l.store.InsertTransaction(ctx, tx); err != nil {
			return fmt.Errorf("insert wallet transaction: %w", err)
		}
		if err := l.store.UpdateBalance(ctx, w.ID, next, now); err != nil {
			return fmt.Errorf("update wallet balance: %w", err)
		}
		w.AvailableBalance = next
		w.UpdatedAt = now
		res = &Result{Wallet: w, Transaction: tx}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !res.Replayed {
		l.logger.Info("wallet "+op,
			"user", req.UserID,
			"type", req.Type,
			"amount", money.Format(req.Amount),
			"balance", money.Format(res.Wallet.AvailableBalance),
			"tx", res.Transaction.ID,
		)
	}
	return res, nil
}

func validate(dir Direction, req Request) error {
	if req.UserID == "" {
		return fmt.Errorf("%w: user id is required", ErrWalletNotFound)
	}
	if !money.IsPositiveUnits(req.Amount) {
		return ErrInvalidAmount
	}
	if req.IdempotencyKey == "" {
		return ErrMissingIdempotencyKey
	}
	if !req.Type.Valid() {
		return ErrInvalidType
	}
	if dir == DirectionDebit && (req.RefType == "" || req.RefID == "") {
		return ErrMissingReference
	}
	return nil
}

// Lock ensures and row-locks the wallets of the given users in ascending
// user-id order. It must run inside a transaction and is how composite
// operations take wallet locks before escrow and booking locks.
func (l *Ledger) Lock(ctx context.Context, userIDs ...string) error {
	if !txn.InTx(ctx) {
		return errors.New("wallet: Lock requires a transaction")
	}
	ids := append([]string(nil), userIDs...)
	sort.Strings(ids)
	var last string
	for i, id := range ids {
		if id == "" || (i > 0 && id == last) {
			continue
		}
		last = id
		if _, err := l.lockOne(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (l *Ledger) lockOne(ctx context.Context, userID string) (*Wallet, error) {
	now := l.now()
	if err := l.store.Ensure(ctx, &Wallet{
		ID:               idgen.New(),
		UserID:           userID,
		AvailableBalance: decimal.Zero,
		Currency:         l.currency,
		CreatedAt:        now,
		UpdatedAt:        now,
	}); err != nil {
		return nil, fmt.Errorf("ensure wallet: %w", err)
	}
	w, err := l.store.GetForUpdate(ctx, userID)
	if err != nil {
		return nil, err
	}
	if w.Currency != l.currency {
		return nil, ErrCurrencyMismatch
	}
	return w, nil
}

// Balance returns the user's wallet without locking. A user who never
// transacted gets a zero-balance view that is not persisted.
func (l *Ledger) Balance(ctx context.Context, userID string) (*Wallet, error) {
	w, err := l.store.GetByUser(ctx, userID)
	if errors.Is(err, ErrWalletNotFound) {
		return &Wallet{UserID: userID, AvailableBalance: decimal.Zero, Currency: l.currency}, nil
	}
	return w, err
}

// History returns the user's most recent transactions, newest first.
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	w, err := l.store.GetByUser(ctx, userID)
	if errors.Is(err, ErrWalletNotFound) {
		return []*Transaction{}, nil
	}
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return l.store.ListTransactions(ctx, w.ID, limit)
}

// Drifts reports wallets whose balance disagrees with their log.
func (l *Ledger) Drifts(ctx context.Context) ([]Drift, error) {
	return l.store.Drifts(ctx)
}
