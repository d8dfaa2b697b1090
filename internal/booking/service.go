package booking

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
	"github.com/homelease/rentcore/internal/pagination"
	"github.com/homelease/rentcore/internal/traces"
	"github.com/homelease/rentcore/internal/txn"
)

// Store persists bookings, their events and extensions. Mutating and
// locking methods must run inside a txn.Runner transaction.
type Store interface {
	Create(ctx context.Context, b *Booking) error
	Get(ctx context.Context, id string) (*Booking, error)
	// GetForUpdate returns the booking and holds its row lock until the transaction ends.
	GetForUpdate(ctx context.Context, id string) (*Booking, error)
	Update(ctx context.Context, b *Booking) error
	// ListByParty returns up to limit bookings newest first, strictly after
	// the cursor when one is given.
	ListByParty(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]*Booking, error)
	// ListOverdue returns bookings whose deposit or first-rent due date is before now.
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]*Booking, error)

	InsertEvent(ctx context.Context, e *Event) error
	ListEvents(ctx context.Context, bookingID string) ([]*Event, error)

	CreateExtension(ctx context.Context, e *Extension) error
	GetExtension(ctx context.Context, id string) (*Extension, error)
	GetExtensionForUpdate(ctx context.Context, id string) (*Extension, error)
	UpdateExtension(ctx context.Context, e *Extension) error
	ListExtensions(ctx context.Context, bookingID string) ([]*Extension, error)
	ListOverdueExtensions(ctx context.Context, now time.Time, limit int) ([]*Extension, error)
}

// EscrowSettler moves escrowed money on behalf of the state machine so
// that booking does not import the ledgers.
type EscrowSettler interface {
	// Open creates the escrow account for b.ContractID.
	Open(ctx context.Context, b *Booking) error
	// Lock takes the wallet and escrow row locks that Refund and Settle
	// need, in wallet-then-escrow order. It runs before the booking lock.
	Lock(ctx context.Context, b *Booking) error
	// Refund returns every non-zero escrow sub-balance to its contributor's
	// wallet and reports the total refunded.
	Refund(ctx context.Context, b *Booking) (decimal.Decimal, error)
	// Settle deducts damage from the tenant's deposit in the landlord's
	// favour and releases both remainders to their owners.
	Settle(ctx context.Context, b *Booking, damage decimal.Decimal, actorID string) (*Settlement, error)
}

// Config holds the lifecycle grace windows.
type Config struct {
	Currency       string
	DepositGrace   time.Duration
	FirstRentGrace time.Duration
	ExtensionGrace time.Duration
}

// DefaultConfig returns the production grace windows.
func DefaultConfig() Config {
	return Config{
		Currency:       money.DefaultCurrency,
		DepositGrace:   72 * time.Hour,
		FirstRentGrace: 7 * 24 * time.Hour,
		ExtensionGrace: 72 * time.Hour,
	}
}

// Service implements the booking state machine.
type Service struct {
	store   Store
	runner  txn.Runner
	settler EscrowSettler
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates a new booking service.
func NewService(store Store, runner txn.Runner, settler EscrowSettler, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Currency = money.NormalizeCurrency(cfg.Currency)
	return &Service{
		store:   store,
		runner:  runner,
		settler: settler,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// WithClock overrides the time source. Used by tests and the sweep.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateRequest contains the parameters for requesting a booking.
type CreateRequest struct {
	TenantID      string
	LandlordID    string
	PropertyID    string
	RoomID        string
	DepositAmount decimal.Decimal
	MonthlyRent   decimal.Decimal
	Currency      string
}

// Create records a tenant's booking request in PENDING_LANDLORD.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Booking, error) {
	switch {
	case req.TenantID == "" || req.LandlordID == "" || req.PropertyID == "":
		return nil, fmt.Errorf("%w: tenant, landlord and property are required", ErrInvalidRequest)
	case req.TenantID == req.LandlordID:
		return nil, fmt.Errorf("%w: tenant and landlord must differ", ErrInvalidRequest)
	case !money.IsPositiveUnits(req.MonthlyRent):
		return nil, fmt.Errorf("%w: monthly rent must be a positive whole amount", ErrInvalidRequest)
	case req.DepositAmount.IsNegative() || !req.DepositAmount.IsInteger():
		return nil, fmt.Errorf("%w: deposit must be a non-negative whole amount", ErrInvalidRequest)
	}
	currency := s.cfg.Currency
	if req.Currency != "" && money.NormalizeCurrency(req.Currency) != currency {
		return nil, fmt.Errorf("%w: only %s is supported", ErrInvalidRequest, currency)
	}

	now := s.now()
	b := &Booking{
		ID:            idgen.New(),
		TenantID:      req.TenantID,
		LandlordID:    req.LandlordID,
		PropertyID:    req.PropertyID,
		RoomID:        req.RoomID,
		DepositAmount: req.DepositAmount,
		MonthlyRent:   req.MonthlyRent,
		Currency:      currency,
		Status:        StatusPendingLandlord,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err := s.runner.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.store.Create(ctx, b); err != nil {
			return err
		}
		return s.store.InsertEvent(ctx, &Event{
			ID: idgen.New(), BookingID: b.ID, Action: ActionCreate,
			ToStatus: b.Status, ActorID: req.TenantID, CreatedAt: now,
		})
	})
	metrics.RecordTransition(string(ActionCreate), err)
	if err != nil {
		return nil, err
	}
	s.logger.Info("booking created", "booking", b.ID, "tenant", b.TenantID, "property", b.PropertyID)
	return b, nil
}

// step describes one transition run by transition.
type step struct {
	action Action
	actor  Actor
	note   string
	// lockLedgers takes wallet and escrow locks before the booking lock.
	lockLedgers bool
	// guard runs on the locked booking after the edge check.
	guard func(b *Booking) error
	// apply sets milestone fields and performs side effects.
	apply func(ctx context.Context, b *Booking, now time.Time) error
}

// errLockPlanStale means the parties or contract changed between the
// unlocked peek and the booking lock, so the ledger locks taken may be wrong.
var errLockPlanStale = errors.New("booking: lock plan stale")

// transition runs the locked read-verify-mutate-write sequence shared by
// every lifecycle action.
func (s *Service) transition(ctx context.Context, id string, st step) (b *Booking, err error) {
	ctx, span := traces.StartSpan(ctx, "booking."+string(st.action),
		traces.BookingID(id), traces.Action(string(st.action)))
	defer func() {
		metrics.RecordTransition(string(st.action), err)
		traces.End(span, err)
	}()

	for attempt := 0; attempt < 3; attempt++ {
		b, err = s.transitionOnce(ctx, id, st)
		if !errors.Is(err, errLockPlanStale) {
			return b, err
		}
	}
	return nil, err
}

func (s *Service) transitionOnce(ctx context.Context, id string, st step) (*Booking, error) {
	var out *Booking
	err := s.runner.WithinTx(ctx, func(ctx context.Context) error {
		var peek *Booking
		if st.lockLedgers {
			var err error
			if peek, err = s.store.Get(ctx, id); err != nil {
				return err
			}
			if _, err := Next(peek.Status, st.action); err != nil {
				return err
			}
			if err := s.settler.Lock(ctx, peek); err != nil {
				return fmt.Errorf("lock ledgers: %w", err)
			}
		}

		b, err := s.store.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if peek != nil && peek.ContractID != b.ContractID {
			return errLockPlanStale
		}

		from := b.Status
		to, err := Next(from, st.action)
		if err != nil {
			return err
		}
		if st.guard != nil {
			if err := st.guard(b); err != nil {
				return err
			}
		}

		now := s.now()
		b.Status = to
		b.UpdatedAt = now
		if st.apply != nil {
			if err := st.apply(ctx, b, now); err != nil {
				return err
			}
		}
		if err := s.store.Update(ctx, b); err != nil {
			return fmt.Errorf("update booking: %w", err)
		}
		if err := s.record(ctx, b.ID, st.action, from, to, st.actor.ID, st.note, now); err != nil {
			return err
		}

		if to == StatusDualEscrowFunded {
			if err := s.advance(ctx, b, now); err != nil {
				return err
			}
		}
		out = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("booking transition",
		"booking", out.ID, "action", st.action, "status", out.Status, "actor", st.actor.ID)
	return out, nil
}

// advance performs the automatic DUAL_ESCROW_FUNDED → AWAITING_FIRST_RENT hop.
func (s *Service) advance(ctx context.Context, b *Booking, now time.Time) error {
	to, err := Next(b.Status, ActionAdvance)
	if err != nil {
		return err
	}
	from := b.Status
	b.Status = to
	due := now.Add(s.cfg.FirstRentGrace)
	b.FirstRentDueAt = &due
	if err := s.store.Update(ctx, b); err != nil {
		return fmt.Errorf("update booking: %w", err)
	}
	return s.record(ctx, b.ID, ActionAdvance, from, to, SystemActor.ID, "", now)
}

func (s *Service) record(ctx context.Context, bookingID string, action Action, from, to Status, actorID, note string, now time.Time) error {
	if err := s.store.InsertEvent(ctx, &Event{
		ID:         idgen.New(),
		BookingID:  bookingID,
		Action:     action,
		FromStatus: from,
		ToStatus:   to,
		ActorID:    actorID,
		Note:       note,
		CreatedAt:  now,
	}); err != nil {
		return fmt.Errorf("insert booking event: %w", err)
	}
	return nil
}

func stamp(t time.Time) *time.Time { return &t }

func requireTenant(a Actor) func(*Booking) error {
	return func(b *Booking) error {
		if a.ID != b.TenantID {
			return fmt.Errorf("%w: tenant only", ErrForbidden)
		}
		return nil
	}
}

func requireLandlord(a Actor) func(*Booking) error {
	return func(b *Booking) error {
		if a.ID != b.LandlordID {
			return fmt.Errorf("%w: landlord only", ErrForbidden)
		}
		return nil
	}
}

// Approve accepts a booking request. Landlord only.
func (s *Service) Approve(ctx context.Context, id string, actor Actor) (*Booking, error) {
	return s.transition(ctx, id, step{
		action: ActionApprove,
		actor:  actor,
		guard:  requireLandlord(actor),
		apply: func(_ context.Context, b *Booking, now time.Time) error {
			b.ApprovedAt = stamp(now)
			return nil
		},
	})
}

// Reject declines a booking request. Landlord only.
func (s *Service) Reject(ctx context.Context, id string, actor Actor, note string) (*Booking, error) {
	return s.transition(ctx, id, step{
		action: ActionReject,
		actor:  actor,
		note:   note,
		guard:  requireLandlord(actor),
		apply: func(_ context.Context, b *Booking, now time.Time) error {
			b.RejectedAt = stamp(now)
			return nil
		},
	})
}

// Sign records the actor's signature. The tenant signs first; the
// landlord's signature completes the contract.
func (s *Service) Sign(ctx context.Context, id string, actor Actor) (*Booking, error) {
	peek, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch actor.ID {
	case peek.TenantID:
		return s.transition(ctx, id, step{
			action: ActionSignTenant,
			actor:  actor,
			guard: func(b *Booking) error {
				if b.TenantSignedAt != nil {
					return fmt.Errorf("%w: tenant already signed", ErrInvalidTransition)
				}
				return nil
			},
			apply: func(_ context.Context, b *Booking, now time.Time) error {
				b.TenantSignedAt = stamp(now)
				return nil
			},
		})
	case peek.LandlordID:
		return s.transition(ctx, id, step{
			action: ActionSignLandlord,
			actor:  actor,
			guard: func(b *Booking) error {
				if b.TenantSignedAt == nil {
					return fmt.Errorf("%w: tenant must sign first", ErrInvalidTransition)
				}
				return nil
			},
			apply: func(_ context.Context, b *Booking, now time.Time) error {
				b.LandlordSignedAt = stamp(now)
				b.SignedAt = stamp(now)
				return nil
			},
		})
	}
	return nil, fmt.Errorf("%w: only the parties may sign", ErrForbidden)
}

// RequestFunding opens the escrow account for the signed contract and
// starts the deposit window. contractID defaults to a new id.
func (s *Service) RequestFunding(ctx context.Context, id string, actor Actor, contractID string) (*Booking, error) {
	if contractID == "" {
		contractID = idgen.New()
	}
	return s.transition(ctx, id, step{
		action: ActionRequestFunding,
		actor:  actor,
		guard: func(b *Booking) error {
			if !b.IsParty(actor.ID) && !actor.privileged() {
				return fmt.Errorf("%w: parties only", ErrForbidden)
			}
			return nil
		},
		apply: func(ctx context.Context, b *Booking, now time.Time) error {
			b.ContractID = contractID
			signed := now
			if b.SignedAt != nil {
				signed = *b.SignedAt
			}
			b.EscrowDepositDueAt = stamp(signed.Add(s.cfg.DepositGrace))
			if err := s.settler.Open(ctx, b); err != nil {
				return fmt.Errorf("open escrow: %w", err)
			}
			return nil
		},
	})
}

// FundEscrowTenant records that the tenant's deposit reached escrow.
// Called by the payment orchestrator inside its transaction.
func (s *Service) FundEscrowTenant(ctx context.Context, id string) (*Booking, error) {
	return s.transition(ctx, id, step{
		action: ActionFundTenant,
		actor:  SystemActor,
		apply: func(_ context.Context, b *Booking, now time.Time) error {
			b.TenantDepositFundedAt = stamp(now)
			return nil
		},
	})
}

// FundEscrowLandlord records that the landlord's deposit reached escrow.
// Called by the payment orchestrator inside its transaction.
func (s *Service) FundEscrowLandlord(ctx context.Context, id string) (*Booking, error) {
	return s.transition(ctx, id, step{
		action: ActionFundLandlord,
		actor:  SystemActor,
		apply: func(_ context.Context, b *Booking, now time.Time) error {
			b.LandlordDepositFundedAt = stamp(now)
			return nil
		},
	})
}

// PayFirstRent records the first month's rent. Called by the payment orchestrator.
func (s *Service) PayFirstRent(ctx context.Context, id string) (*Booking, error) {
	return s.transition(ctx, id, step{
		action: ActionPayFirstRent,
		actor:  SystemActor,
		apply: func(_ context.Context, b *Booking, now time.Time) error {
			b.FirstRentPaidAt = stamp(now)
			return nil
		},
	})
}

// Handover activates the tenancy. Landlord only.
func (s *Service) Handover(ctx context.Context, id string, actor Actor) (*Booking, error) {
	return s.transition(ctx, id, step{
		action: ActionHandover,
		actor:  actor,
		guard:  requireLandlord(actor),
		apply: func(_ context.Context, b *Booking, now time.Time) error {
			b.HandoverAt = stamp(now)
			b.ActivatedAt = stamp(now)
			return nil
		},
	})
}

// StartSettlement ends the tenancy and opens settlement. Either party, an
// admin, or the system (end of term) may start it.
func (s *Service) StartSettlement(ctx context.Context, id string, actor Actor, note string) (*Booking, error) {
	return s.transition(ctx, id, step{
		action: ActionStartSettlement,
		actor:  actor,
		note:   note,
		guard: func(b *Booking) error {
			if !b.IsParty(actor.ID) && !actor.privileged() {
				return fmt.Errorf("%w: parties or admin only", ErrForbidden)
			}
			return nil
		},
		apply: func(_ context.Context, b *Booking, now time.Time) error {
			b.SettlementStartedAt = stamp(now)
			return nil
		},
	})
}

// CloseSettled applies the admin's escrow disposition and closes the
// booking. damage is deducted from the tenant's deposit in the landlord's
// favour; everything else is refunded to its contributor.
func (s *Service) CloseSettled(ctx context.Context, id string, actor Actor, damage decimal.Decimal) (*Booking, *Settlement, error) {
	if !actor.Admin {
		return nil, nil, fmt.Errorf("%w: admin only", ErrForbidden)
	}
	if damage.IsNegative() || !damage.IsInteger() {
		return nil, nil, fmt.Errorf("%w: damage deduction must be a non-negative whole amount", ErrInvalidRequest)
	}
	var settlement *Settlement
	b, err := s.transition(ctx, id, step{
		action:      ActionCloseSettled,
		actor:       actor,
		note:        "damage=" + money.Format(damage),
		lockLedgers: true,
		apply: func(ctx context.Context, b *Booking, now time.Time) error {
			var err error
			if settlement, err = s.settler.Settle(ctx, b, damage, actor.ID); err != nil {
				return fmt.Errorf("settle escrow: %w", err)
			}
			b.ClosedAt = stamp(now)
			return nil
		},
	})
	if err != nil {
		return nil, nil, err
	}
	return b, settlement, nil
}

// CancelResult is the outcome of a cancellation.
type CancelResult struct {
	Booking  *Booking        `json:"booking"`
	Refunded decimal.Decimal `json:"refunded"`
}

// Cancel moves a non-terminal booking to CANCELLED and refunds any escrowed
// deposits. Parties may cancel before the tenancy is active; admins and the
// system at any non-terminal stage. Overdue reasons are re-checked under
// the booking lock so a sweep cannot cancel a booking that was just funded.
func (s *Service) Cancel(ctx context.Context, id string, actor Actor, reason CancelReason) (*CancelResult, error) {
	res := &CancelResult{Refunded: decimal.Zero}
	b, err := s.transition(ctx, id, step{
		action:      ActionCancel,
		actor:       actor,
		note:        string(reason),
		lockLedgers: true,
		guard: func(b *Booking) error {
			switch reason {
			case ReasonDepositOverdue, ReasonFirstRentOverdue:
				if !actor.privileged() {
					return fmt.Errorf("%w: overdue cancellation is system only", ErrForbidden)
				}
				if due, ok := b.OverdueAt(s.now()); !ok || due != reason {
					return ErrNotOverdue
				}
			case ReasonAdminCancelled:
				if !actor.privileged() {
					return fmt.Errorf("%w: admin only", ErrForbidden)
				}
			case ReasonTenantCancelled, ReasonLandlordCancelled:
				want := b.TenantID
				if reason == ReasonLandlordCancelled {
					want = b.LandlordID
				}
				if actor.ID != want {
					return fmt.Errorf("%w: reason does not match actor", ErrForbidden)
				}
				if b.Status == StatusActive || b.Status == StatusSettlementPending {
					return fmt.Errorf("%w: an active tenancy must go through settlement", ErrForbidden)
				}
			default:
				return fmt.Errorf("%w: unknown cancel reason %q", ErrInvalidRequest, reason)
			}
			return nil
		},
		apply: func(ctx context.Context, b *Booking, now time.Time) error {
			if b.ContractID != "" {
				refunded, err := s.settler.Refund(ctx, b)
				if err != nil {
					return fmt.Errorf("refund escrow: %w", err)
				}
				res.Refunded = refunded
			}
			b.CancelReason = reason
			b.CancelledAt = stamp(now)
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	res.Booking = b
	return res, nil
}

// ReasonFor picks the explicit cancel reason for an actor.
func ReasonFor(b *Booking, actor Actor) CancelReason {
	switch {
	case actor.ID == b.TenantID:
		return ReasonTenantCancelled
	case actor.ID == b.LandlordID:
		return ReasonLandlordCancelled
	}
	return ReasonAdminCancelled
}

// Get returns a booking.
func (s *Service) Get(ctx context.Context, id string) (*Booking, error) {
	return s.store.Get(ctx, id)
}

// ListByParty returns a page of bookings where userID is tenant or
// landlord, newest first. cursor is the NextCursor of the previous page.
func (s *Service) ListByParty(ctx context.Context, userID, cursor string, limit int) (pagination.Page[*Booking], error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	after, err := pagination.Decode(cursor)
	if err != nil {
		return pagination.Page[*Booking]{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	items, err := s.store.ListByParty(ctx, userID, after, limit+1)
	if err != nil {
		return pagination.Page[*Booking]{}, err
	}
	return pagination.ComputePage(items, limit, func(b *Booking) (time.Time, string) {
		return b.CreatedAt, b.ID
	}), nil
}

// Events returns the booking's transition log in order.
func (s *Service) Events(ctx context.Context, id string) ([]*Event, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListEvents(ctx, id)
}

// ListOverdue returns bookings past their deposit or first-rent due date.
func (s *Service) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*Booking, error) {
	return s.store.ListOverdue(ctx, now, limit)
}
