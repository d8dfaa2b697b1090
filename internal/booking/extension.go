package booking

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/homelease/rentcore/internal/idgen"
	"github.com/homelease/rentcore/internal/metrics"
	"github.com/homelease/rentcore/internal/traces"
)

// MaxExtensionMonths caps a single extension request.
const MaxExtensionMonths = 24

// RequestExtension asks to lengthen an active tenancy by months. The
// extension is priced at monthly rent × months and must be paid within
// the extension grace window.
func (s *Service) RequestExtension(ctx context.Context, bookingID string, actor Actor, months int) (*Extension, error) {
	if months <= 0 || months > MaxExtensionMonths {
		return nil, fmt.Errorf("%w: months must be between 1 and %d", ErrInvalidRequest, MaxExtensionMonths)
	}
	var ext *Extension
	err := s.runner.WithinTx(ctx, func(ctx context.Context) error {
		b, err := s.store.GetForUpdate(ctx, bookingID)
		if err != nil {
			return err
		}
		if actor.ID != b.TenantID && !actor.Admin {
			return fmt.Errorf("%w: tenant only", ErrForbidden)
		}
		if b.Status != StatusActive {
			return fmt.Errorf("%w: extensions require an active booking, not %s", ErrInvalidTransition, b.Status)
		}
		now := s.now()
		ext = &Extension{
			ID:        idgen.New(),
			BookingID: b.ID,
			Months:    months,
			Amount:    b.MonthlyRent.Mul(decimal.NewFromInt(int64(months))),
			Status:    ExtensionPendingPayment,
			DueAt:     now.Add(s.cfg.ExtensionGrace),
			CreatedAt: now,
		}
		if err := s.store.CreateExtension(ctx, ext); err != nil {
			return fmt.Errorf("create extension: %w", err)
		}
		return s.record(ctx, b.ID, "request_extension", b.Status, b.Status, actor.ID,
			fmt.Sprintf("extension=%s months=%d", ext.ID, months), now)
	})
	metrics.RecordTransition("request_extension", err)
	if err != nil {
		return nil, err
	}
	s.logger.Info("extension requested", "booking", bookingID, "extension", ext.ID, "months", months)
	return ext, nil
}

// PayExtension marks a pending extension paid. Called by the payment
// orchestrator inside its transaction after the tenant's wallet is debited.
func (s *Service) PayExtension(ctx context.Context, extensionID string) (*Extension, error) {
	return s.finishExtension(ctx, extensionID, ExtensionPaid, SystemActor, "")
}

// CancelExtension withdraws a pending extension. The tenant, an admin or
// the sweep may cancel it.
func (s *Service) CancelExtension(ctx context.Context, extensionID string, actor Actor, note string) (*Extension, error) {
	return s.finishExtension(ctx, extensionID, ExtensionCancelled, actor, note)
}

func (s *Service) finishExtension(ctx context.Context, extensionID string, to ExtensionStatus, actor Actor, note string) (ext *Extension, err error) {
	action := "pay_extension"
	if to == ExtensionCancelled {
		action = "cancel_extension"
	}
	ctx, span := traces.StartSpan(ctx, "booking."+action, traces.Action(action))
	defer func() {
		metrics.RecordTransition(action, err)
		traces.End(span, err)
	}()

	err = s.runner.WithinTx(ctx, func(ctx context.Context) error {
		peek, err := s.store.GetExtension(ctx, extensionID)
		if err != nil {
			return err
		}
		// Booking before extension, matching every other path that touches both.
		b, err := s.store.GetForUpdate(ctx, peek.BookingID)
		if err != nil {
			return err
		}
		e, err := s.store.GetExtensionForUpdate(ctx, extensionID)
		if err != nil {
			return err
		}
		if to == ExtensionCancelled && actor.ID != b.TenantID && !actor.privileged() {
			return fmt.Errorf("%w: tenant or admin only", ErrForbidden)
		}
		if e.Status != ExtensionPendingPayment {
			return fmt.Errorf("%w: extension is %s", ErrInvalidTransition, e.Status)
		}
		if to == ExtensionCancelled && actor.System && !e.DueAt.Before(s.now()) {
			return ErrNotOverdue
		}
		if to == ExtensionPaid && b.Status != StatusActive {
			return fmt.Errorf("%w: booking is %s", ErrInvalidTransition, b.Status)
		}

		now := s.now()
		e.Status = to
		if to == ExtensionPaid {
			e.PaidAt = stamp(now)
		} else {
			e.CancelledAt = stamp(now)
		}
		if err := s.store.UpdateExtension(ctx, e); err != nil {
			return fmt.Errorf("update extension: %w", err)
		}
		if note == "" {
			note = "extension=" + e.ID
		}
		if err := s.record(ctx, b.ID, Action(action), b.Status, b.Status, actor.ID, note, now); err != nil {
			return err
		}
		ext = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("extension "+string(to), "extension", ext.ID, "booking", ext.BookingID, "actor", actor.ID)
	return ext, nil
}

// GetExtension returns one extension.
func (s *Service) GetExtension(ctx context.Context, id string) (*Extension, error) {
	return s.store.GetExtension(ctx, id)
}

// Extensions lists a booking's extensions, oldest first.
func (s *Service) Extensions(ctx context.Context, bookingID string) ([]*Extension, error) {
	if _, err := s.store.Get(ctx, bookingID); err != nil {
		return nil, err
	}
	return s.store.ListExtensions(ctx, bookingID)
}

// ListOverdueExtensions returns pending extensions whose due date is before now.
func (s *Service) ListOverdueExtensions(ctx context.Context, now time.Time, limit int) ([]*Extension, error) {
	return s.store.ListOverdueExtensions(ctx, now, limit)
}
